// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"
)

func TestShape(t *testing.T) {
	invalidShape := Invalid()
	require.False(t, invalidShape.Ok())

	shape0 := Make(dtypes.Float64)
	require.True(t, shape0.Ok())
	require.True(t, shape0.IsScalar())
	require.Equal(t, 0, shape0.Rank())
	require.Equal(t, 1, shape0.Size())
	require.Equal(t, 8, int(shape0.Memory()))

	shape1 := Make(dtypes.Float32, 4, 3, 2)
	require.True(t, shape1.Ok())
	require.False(t, shape1.IsScalar())
	require.Equal(t, 3, shape1.Rank())
	require.Equal(t, 4*3*2, shape1.Size())
	require.Equal(t, 4*4*3*2, int(shape1.Memory()))
	require.Equal(t, "(Float32)[4 3 2]", shape1.String())

	require.Panics(t, func() { _ = Make(dtypes.Float32, 2, 0) })
}

func TestDim(t *testing.T) {
	shape := Make(dtypes.Float32, 4, 3, 2)
	require.Equal(t, 4, shape.Dim(0))
	require.Equal(t, 2, shape.Dim(-1))
	require.Equal(t, 4, shape.Dim(-3))
	require.Panics(t, func() { _ = shape.Dim(3) })
	require.Panics(t, func() { _ = shape.Dim(-4) })
}

func TestSliceAndLeadingDim(t *testing.T) {
	shape := Make(dtypes.Int32, 10, 3, 2)
	require.True(t, shape.Slice().Equal(Make(dtypes.Int32, 3, 2)))
	require.True(t, shape.WithLeadingDim(4).Equal(Make(dtypes.Int32, 4, 3, 2)))
	require.Equal(t, 10, shape.Dim(0), "WithLeadingDim must not change the original")
	require.Panics(t, func() { _ = Make(dtypes.Int32).Slice() })
}

func TestCheck(t *testing.T) {
	shape := Make(dtypes.Float32, 2, 3)
	require.NoError(t, shape.CheckDims(2, -1))
	require.Error(t, shape.CheckDims(2))
	require.Error(t, shape.CheckDims(3, 3))
	require.NoError(t, shape.Check(dtypes.Float32, -1, 3))
	require.Error(t, shape.Check(dtypes.Float64, 2, 3))
	require.NoError(t, shape.CheckRank(2))
	require.Error(t, shape.CheckRank(1))
}
