// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"

	"github.com/gomlx/nnc/types/shapes"
)

func TestFromValue(t *testing.T) {
	tensor := FromValue([][]float32{{1, 2}, {3, 4}, {5, 6}})
	require.True(t, tensor.Shape().Equal(shapes.Make(dtypes.Float32, 3, 2)))
	require.Equal(t, []float32{1, 2, 3, 4, 5, 6}, CopyFlatData[float32](tensor))
	require.Equal(t, [][]float32{{1, 2}, {3, 4}, {5, 6}}, tensor.Value())

	scalar := FromValue(int64(7))
	require.True(t, scalar.IsScalar())
	require.Equal(t, int64(7), scalar.Value())

	half := FromValue([]float16.Float16{float16.Fromfloat32(1.5)})
	require.Equal(t, dtypes.Float16, half.DType())

	require.Panics(t, func() { _ = FromValue([][]float32{{1, 2}, {3}}) })
}

func TestFromFlatDataAndDimensions(t *testing.T) {
	tensor := FromFlatDataAndDimensions([]int32{1, 2, 3, 4, 5, 6}, 2, 3)
	require.Equal(t, [][]int32{{1, 2, 3}, {4, 5, 6}}, tensor.Value())
	require.Equal(t, []int{3, 1}, tensor.LayoutStrides())
	require.Len(t, tensor.Bytes(), 6*4)
	require.Panics(t, func() { _ = FromFlatDataAndDimensions([]int32{1, 2, 3}, 2, 2) })
}

func TestCopyFrom(t *testing.T) {
	dst := FromShape(shapes.Make(dtypes.Float32, 2, 2))
	src := FromValue([][]float32{{1, 2}, {3, 4}})
	require.NoError(t, dst.CopyFrom(src))
	assert.Equal(t, src.Bytes(), dst.Bytes())
	assert.True(t, dst.Equal(src))

	// Copies are independent.
	MutableFlatData(src, func(flat []float32) { flat[0] = 100 })
	assert.Equal(t, float32(1), CopyFlatData[float32](dst)[0])

	require.Error(t, dst.CopyFrom(FromValue([]float32{1, 2, 3, 4})))
	require.Error(t, dst.CopyFrom(FromValue([][]float64{{1, 2}, {3, 4}})))
}

func TestCopySliceFrom(t *testing.T) {
	dataset := FromValue([][]float32{{1, 2}, {3, 4}, {5, 6}})
	sample := FromShape(shapes.Make(dtypes.Float32, 2))
	require.NoError(t, sample.CopySliceFrom(dataset, 1))
	require.Equal(t, []float32{3, 4}, sample.Value())
	require.Error(t, sample.CopySliceFrom(dataset, 3))
	require.Error(t, FromShape(shapes.Make(dtypes.Float32, 3)).CopySliceFrom(dataset, 0))
}

func TestCopyConsecutiveSlicesFrom(t *testing.T) {
	dataset := FromValue([][]float32{{1, 2}, {3, 4}, {5, 6}})
	batch := FromShape(shapes.Make(dtypes.Float32, 2, 2))
	require.NoError(t, batch.CopyConsecutiveSlicesFrom(dataset, 0))
	require.Equal(t, [][]float32{{1, 2}, {3, 4}}, batch.Value())

	// Wraps around the leading dimension of the dataset.
	require.NoError(t, batch.CopyConsecutiveSlicesFrom(dataset, 2))
	require.Equal(t, [][]float32{{5, 6}, {1, 2}}, batch.Value())

	// Mismatch on a non-leading dimension.
	wrong := FromShape(shapes.Make(dtypes.Float32, 2, 3))
	require.Error(t, wrong.CopyConsecutiveSlicesFrom(dataset, 0))
}

func TestInDelta(t *testing.T) {
	a := FromValue([]float64{1, 2, 3})
	b := FromValue([]float64{1, 2, 3.0001})
	require.True(t, a.InDelta(b, 1e-3))
	require.False(t, a.InDelta(b, 1e-5))
	require.False(t, a.Equal(b))
	require.True(t, a.Equal(a.Clone()))
}
