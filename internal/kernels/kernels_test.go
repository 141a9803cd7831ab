// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kernels

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestBinary(t *testing.T) {
	lhs := []float32{1, 2, 3, 4}
	rhs := []float32{5, 6, 7, 8}
	out := make([]float32, 4)
	Binary(OpAdd, out, lhs, rhs)
	require.Equal(t, []float32{6, 8, 10, 12}, out)
	Binary(OpMax, out, lhs, []float32{0, 3, 0, 5})
	require.Equal(t, []float32{1, 3, 3, 5}, out)

	// In-place.
	Binary(OpMul, lhs, lhs, rhs)
	require.Equal(t, []float32{5, 12, 21, 32}, lhs)

	ints := []int32{7, 8}
	Binary(OpDiv, ints, ints, []int32{2, 0})
	require.Equal(t, []int32{3, 0}, ints)

	require.Panics(t, func() { Binary(OpAdd, out, []float32{1}, rhs) })
	require.Panics(t, func() { Binary(OpAdd, []uint8{1}, []uint8{1}, []uint8{1}) })
}

func TestUnary(t *testing.T) {
	out := make([]float64, 3)
	Unary(OpRelu, out, []float64{-1, 0, 2})
	require.Equal(t, []float64{0, 0, 2}, out)
	Unary(OpSigmoid, out, []float64{0, 0, 0})
	require.Equal(t, []float64{0.5, 0.5, 0.5}, out)
	Unary(OpExp, out, []float64{0, 1, 2})
	assert.InDeltaSlice(t, []float64{1, math.E, math.E * math.E}, out, 1e-9)

	half := []float16.Float16{float16.Fromfloat32(-2), float16.Fromfloat32(3)}
	Unary(OpNeg, half, half)
	require.Equal(t, float32(2), half[0].Float32())
	require.Equal(t, float32(-3), half[1].Float32())
}

func TestBatched(t *testing.T) {
	batch := []float32{1, 2, 3, 4, 5, 6} // [3, 2]
	out := make([]float32, 6)
	BatchedBinary(OpAdd, out, batch, []float32{10, 20})
	require.Equal(t, []float32{11, 22, 13, 24, 15, 26}, out)

	sum := make([]float32, 2)
	BatchedReduce(ReduceAdd, sum, batch)
	require.Equal(t, []float32{9, 12}, sum)
	BatchedReduce(ReduceMax, sum, []float32{1, 7, 3, 2, -5, 6})
	require.Equal(t, []float32{3, 7}, sum)

	require.Panics(t, func() { BatchedBinary(OpAdd, out, batch, []float32{1, 2, 3, 4}) })
}

func TestMatMulAndTranspose(t *testing.T) {
	lhs := []float64{1, 2, 3, 4, 5, 6} // [2, 3]
	rhs := []float64{1, 0, 0, 1, 1, 1} // [3, 2]
	out := make([]float64, 4)
	MatMul(out, lhs, rhs, 2, 3, 2)
	require.Equal(t, []float64{4, 5, 10, 11}, out)

	FullyConnected(out, lhs, rhs, []float64{1, -1}, 2, 3, 2)
	require.Equal(t, []float64{5, 4, 11, 10}, out)

	transposed := make([]float64, 6)
	Transpose(transposed, lhs, 2, 3)
	require.Equal(t, []float64{1, 4, 2, 5, 3, 6}, transposed)
}

func TestSplat(t *testing.T) {
	out := make([]int64, 3)
	Splat(out, 7)
	require.Equal(t, []int64{7, 7, 7}, out)
	f := []float32{-1, 2}
	MaxSplat(f, f, 0.5)
	require.Equal(t, []float32{0.5, 2}, f)
}

func TestView(t *testing.T) {
	data := make([]byte, 8)
	binary.LittleEndian.PutUint32(data[4:], math.Float32bits(3.5))
	view := View(dtypes.Float32, data).([]float32)
	require.Len(t, view, 2)
	require.Equal(t, float32(3.5), view[1])

	// Writes through the view are visible in the bytes.
	view[0] = 1
	require.Equal(t, math.Float32bits(1), binary.LittleEndian.Uint32(data[:4]))

	require.Equal(t, 2, Len(view))
	require.Equal(t, []float32{3.5}, SubSlice(view, 1, 2))
	require.Panics(t, func() { _ = View(dtypes.Float64, make([]byte, 12)) })
}
