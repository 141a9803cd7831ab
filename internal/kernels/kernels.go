// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package kernels implements the typed numeric kernels shared by the interpreter backend and by compiled
// bundle programs.
//
// Kernels operate on flat slices given as `any` ([]float32, []float64, []float16.Float16, []int32 or []int64),
// and dispatch on their dynamic type. All operands of one call must have the same Go type. Elementwise kernels
// (Binary, Unary, MaxSplat and the Batched* kernels with the destination shaped as the batch) accept the
// destination aliased to one of its sources, which is what in-place buffer sharing relies on.
//
// Float16 values are computed in float32.
//
// Kernels panic (with exceptions.Panicf) on malformed arguments: callers convert panics to errors at
// their API boundary.
package kernels

import (
	"math"

	"github.com/gomlx/exceptions"
	"github.com/x448/float16"
	"golang.org/x/exp/constraints"
)

// Numeric enumerates the Go types the kernels compute on natively. Float16 is converted to float32.
type Numeric interface {
	constraints.Float | ~int32 | ~int64
}

// BinaryOp enumerates the elementwise binary operations.
type BinaryOp int

const (
	OpAdd BinaryOp = iota
	OpMul
	OpDiv
	OpMax
	OpMin
)

var binaryOpNames = [...]string{"Add", "Mul", "Div", "Max", "Min"}

func (op BinaryOp) String() string {
	if op < 0 || int(op) >= len(binaryOpNames) {
		return "BinaryOp(?)"
	}
	return binaryOpNames[op]
}

// UnaryOp enumerates the elementwise unary operations.
type UnaryOp int

const (
	OpNeg UnaryOp = iota
	OpExp
	OpLog
	OpSqrt
	OpTanh
	OpRelu
	OpSigmoid
)

var unaryOpNames = [...]string{"Neg", "Exp", "Log", "Sqrt", "Tanh", "Relu", "Sigmoid"}

func (op UnaryOp) String() string {
	if op < 0 || int(op) >= len(unaryOpNames) {
		return "UnaryOp(?)"
	}
	return unaryOpNames[op]
}

// ReduceOp enumerates the reductions over the leading axis.
type ReduceOp int

const (
	ReduceAdd ReduceOp = iota
	ReduceMax
)

func (op ReduceOp) String() string {
	if op == ReduceMax {
		return "ReduceMax"
	}
	return "ReduceAdd"
}

func binaryFn[T Numeric](op BinaryOp) func(a, b T) T {
	switch op {
	case OpAdd:
		return func(a, b T) T { return a + b }
	case OpMul:
		return func(a, b T) T { return a * b }
	case OpDiv:
		return func(a, b T) T {
			var zero T
			if b == zero && !isFloat[T]() {
				return zero
			}
			return a / b
		}
	case OpMax:
		return func(a, b T) T { return max(a, b) }
	case OpMin:
		return func(a, b T) T { return min(a, b) }
	}
	exceptions.Panicf("kernels: unknown binary op %d", op)
	return nil
}

func isFloat[T Numeric]() bool {
	var v T = 1
	v /= 2
	return v != 0
}

func unaryFn[T Numeric](op UnaryOp) func(a T) T {
	switch op {
	case OpNeg:
		return func(a T) T { return -a }
	case OpExp:
		return func(a T) T { return T(math.Exp(float64(a))) }
	case OpLog:
		return func(a T) T { return T(math.Log(float64(a))) }
	case OpSqrt:
		return func(a T) T { return T(math.Sqrt(float64(a))) }
	case OpTanh:
		return func(a T) T { return T(math.Tanh(float64(a))) }
	case OpRelu:
		return func(a T) T { return max(a, 0) }
	case OpSigmoid:
		return func(a T) T { return T(1 / (1 + math.Exp(-float64(a)))) }
	}
	exceptions.Panicf("kernels: unknown unary op %d", op)
	return nil
}

func binaryGeneric[T Numeric](op BinaryOp, dst, lhs, rhs []T) {
	if len(lhs) != len(dst) || len(rhs) != len(dst) {
		exceptions.Panicf("kernels.Binary(%s): operands sizes %d and %d don't match output size %d", op, len(lhs), len(rhs), len(dst))
	}
	fn := binaryFn[T](op)
	for ii := range dst {
		dst[ii] = fn(lhs[ii], rhs[ii])
	}
}

func unaryGeneric[T Numeric](op UnaryOp, dst, src []T) {
	if len(src) != len(dst) {
		exceptions.Panicf("kernels.Unary(%s): operand size %d doesn't match output size %d", op, len(src), len(dst))
	}
	fn := unaryFn[T](op)
	for ii := range dst {
		dst[ii] = fn(src[ii])
	}
}

func batchedGeneric[T Numeric](op BinaryOp, dst, batch, slice []T) {
	if len(slice) == 0 || len(batch)%len(slice) != 0 || len(dst) != len(batch) {
		exceptions.Panicf("kernels.BatchedBinary(%s): batch of size %d is not a multiple of slice of size %d (output size %d)",
			op, len(batch), len(slice), len(dst))
	}
	fn := binaryFn[T](op)
	sliceSize := len(slice)
	for ii := range dst {
		dst[ii] = fn(batch[ii], slice[ii%sliceSize])
	}
}

func reduceGeneric[T Numeric](op ReduceOp, dst, batch []T) {
	if len(dst) == 0 || len(batch)%len(dst) != 0 {
		exceptions.Panicf("kernels.BatchedReduce(%s): batch of size %d is not a multiple of output of size %d", op, len(batch), len(dst))
	}
	sliceSize := len(dst)
	copy(dst, batch[:sliceSize])
	for start := sliceSize; start < len(batch); start += sliceSize {
		row := batch[start : start+sliceSize]
		if op == ReduceMax {
			for ii, v := range row {
				dst[ii] = max(dst[ii], v)
			}
		} else {
			for ii, v := range row {
				dst[ii] += v
			}
		}
	}
}

func matMulGeneric[T Numeric](dst, lhs, rhs []T, n, k, m int) {
	if len(lhs) != n*k || len(rhs) != k*m || len(dst) != n*m {
		exceptions.Panicf("kernels.MatMul: invalid sizes lhs=%d, rhs=%d, output=%d for [%d,%d]x[%d,%d]",
			len(lhs), len(rhs), len(dst), n, k, k, m)
	}
	for row := range n {
		out := dst[row*m : (row+1)*m]
		clear(out)
		for kk := range k {
			a := lhs[row*k+kk]
			rhsRow := rhs[kk*m : (kk+1)*m]
			for col, b := range rhsRow {
				out[col] += a * b
			}
		}
	}
}

func transposeGeneric[T Numeric](dst, src []T, rows, cols int) {
	if len(src) != rows*cols || len(dst) != rows*cols {
		exceptions.Panicf("kernels.Transpose: invalid sizes src=%d, output=%d for [%d,%d]", len(src), len(dst), rows, cols)
	}
	for row := range rows {
		for col := range cols {
			dst[col*rows+row] = src[row*cols+col]
		}
	}
}

func splatGeneric[T Numeric](dst []T, value float64) {
	v := T(value)
	for ii := range dst {
		dst[ii] = v
	}
}

func maxSplatGeneric[T Numeric](dst, src []T, value float64) {
	if len(src) != len(dst) {
		exceptions.Panicf("kernels.MaxSplat: operand size %d doesn't match output size %d", len(src), len(dst))
	}
	v := T(value)
	for ii := range dst {
		dst[ii] = max(src[ii], v)
	}
}

// toFloat32 converts a Float16 slice to a new float32 slice.
func toFloat32(src []float16.Float16) []float32 {
	dst := make([]float32, len(src))
	for ii, v := range src {
		dst[ii] = v.Float32()
	}
	return dst
}

// fromFloat32 stores src into the Float16 slice dst.
func fromFloat32(dst []float16.Float16, src []float32) {
	for ii, v := range src {
		dst[ii] = float16.Fromfloat32(v)
	}
}

func unsupported(name string, v any) {
	exceptions.Panicf("kernels.%s: unsupported flat type %T", name, v)
}

// Binary computes dst[i] = op(lhs[i], rhs[i]).
func Binary(op BinaryOp, dst, lhs, rhs any) {
	switch dst := dst.(type) {
	case []float32:
		binaryGeneric(op, dst, lhs.([]float32), rhs.([]float32))
	case []float64:
		binaryGeneric(op, dst, lhs.([]float64), rhs.([]float64))
	case []int32:
		binaryGeneric(op, dst, lhs.([]int32), rhs.([]int32))
	case []int64:
		binaryGeneric(op, dst, lhs.([]int64), rhs.([]int64))
	case []float16.Float16:
		out := make([]float32, len(dst))
		binaryGeneric(op, out, toFloat32(lhs.([]float16.Float16)), toFloat32(rhs.([]float16.Float16)))
		fromFloat32(dst, out)
	default:
		unsupported("Binary", dst)
	}
}

// Unary computes dst[i] = op(src[i]).
func Unary(op UnaryOp, dst, src any) {
	switch dst := dst.(type) {
	case []float32:
		unaryGeneric(op, dst, src.([]float32))
	case []float64:
		unaryGeneric(op, dst, src.([]float64))
	case []int32:
		unaryGeneric(op, dst, src.([]int32))
	case []int64:
		unaryGeneric(op, dst, src.([]int64))
	case []float16.Float16:
		out := make([]float32, len(dst))
		unaryGeneric(op, out, toFloat32(src.([]float16.Float16)))
		fromFloat32(dst, out)
	default:
		unsupported("Unary", dst)
	}
}

// BatchedBinary computes dst[i] = op(batch[i], slice[i % len(slice)]): the slice is combined with every
// element of the leading axis of batch.
func BatchedBinary(op BinaryOp, dst, batch, slice any) {
	switch dst := dst.(type) {
	case []float32:
		batchedGeneric(op, dst, batch.([]float32), slice.([]float32))
	case []float64:
		batchedGeneric(op, dst, batch.([]float64), slice.([]float64))
	case []int32:
		batchedGeneric(op, dst, batch.([]int32), slice.([]int32))
	case []int64:
		batchedGeneric(op, dst, batch.([]int64), slice.([]int64))
	case []float16.Float16:
		out := make([]float32, len(dst))
		batchedGeneric(op, out, toFloat32(batch.([]float16.Float16)), toFloat32(slice.([]float16.Float16)))
		fromFloat32(dst, out)
	default:
		unsupported("BatchedBinary", dst)
	}
}

// BatchedReduce reduces batch over its leading axis into dst.
func BatchedReduce(op ReduceOp, dst, batch any) {
	switch dst := dst.(type) {
	case []float32:
		reduceGeneric(op, dst, batch.([]float32))
	case []float64:
		reduceGeneric(op, dst, batch.([]float64))
	case []int32:
		reduceGeneric(op, dst, batch.([]int32))
	case []int64:
		reduceGeneric(op, dst, batch.([]int64))
	case []float16.Float16:
		out := make([]float32, len(dst))
		reduceGeneric(op, out, toFloat32(batch.([]float16.Float16)))
		fromFloat32(dst, out)
	default:
		unsupported("BatchedReduce", dst)
	}
}

// MatMul computes dst[n,m] = lhs[n,k] x rhs[k,m]. dst must not alias its operands.
func MatMul(dst, lhs, rhs any, n, k, m int) {
	switch dst := dst.(type) {
	case []float32:
		matMulGeneric(dst, lhs.([]float32), rhs.([]float32), n, k, m)
	case []float64:
		matMulGeneric(dst, lhs.([]float64), rhs.([]float64), n, k, m)
	case []int32:
		matMulGeneric(dst, lhs.([]int32), rhs.([]int32), n, k, m)
	case []int64:
		matMulGeneric(dst, lhs.([]int64), rhs.([]int64), n, k, m)
	case []float16.Float16:
		out := make([]float32, len(dst))
		matMulGeneric(out, toFloat32(lhs.([]float16.Float16)), toFloat32(rhs.([]float16.Float16)), n, k, m)
		fromFloat32(dst, out)
	default:
		unsupported("MatMul", dst)
	}
}

// FullyConnected computes dst[n,m] = x[n,k] x w[k,m] + b[m].
func FullyConnected(dst, x, w, b any, n, k, m int) {
	MatMul(dst, x, w, n, k, m)
	BatchedBinary(OpAdd, dst, dst, b)
}

// Transpose transposes the rank-2 src[rows, cols] into dst[cols, rows]. dst must not alias src.
func Transpose(dst, src any, rows, cols int) {
	switch dst := dst.(type) {
	case []float32:
		transposeGeneric(dst, src.([]float32), rows, cols)
	case []float64:
		transposeGeneric(dst, src.([]float64), rows, cols)
	case []int32:
		transposeGeneric(dst, src.([]int32), rows, cols)
	case []int64:
		transposeGeneric(dst, src.([]int64), rows, cols)
	case []float16.Float16:
		transposeGeneric16(dst, src.([]float16.Float16), rows, cols)
	default:
		unsupported("Transpose", dst)
	}
}

func transposeGeneric16(dst, src []float16.Float16, rows, cols int) {
	if len(src) != rows*cols || len(dst) != rows*cols {
		exceptions.Panicf("kernels.Transpose: invalid sizes src=%d, output=%d for [%d,%d]", len(src), len(dst), rows, cols)
	}
	for row := range rows {
		for col := range cols {
			dst[col*rows+row] = src[row*cols+col]
		}
	}
}

// Splat fills dst with value converted to its element type.
func Splat(dst any, value float64) {
	switch dst := dst.(type) {
	case []float32:
		splatGeneric(dst, value)
	case []float64:
		splatGeneric(dst, value)
	case []int32:
		splatGeneric(dst, value)
	case []int64:
		splatGeneric(dst, value)
	case []float16.Float16:
		v := float16.Fromfloat32(float32(value))
		for ii := range dst {
			dst[ii] = v
		}
	default:
		unsupported("Splat", dst)
	}
}

// MaxSplat computes dst[i] = max(src[i], value).
func MaxSplat(dst, src any, value float64) {
	switch dst := dst.(type) {
	case []float32:
		maxSplatGeneric(dst, src.([]float32), value)
	case []float64:
		maxSplatGeneric(dst, src.([]float64), value)
	case []int32:
		maxSplatGeneric(dst, src.([]int32), value)
	case []int64:
		maxSplatGeneric(dst, src.([]int64), value)
	case []float16.Float16:
		out := make([]float32, len(dst))
		maxSplatGeneric(out, toFloat32(src.([]float16.Float16)), value)
		fromFloat32(dst, out)
	default:
		unsupported("MaxSplat", dst)
	}
}
