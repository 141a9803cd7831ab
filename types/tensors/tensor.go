// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implements a `Tensor`, an owned, dense, typed multidimensional array.
//
// Tensors are used to feed inputs to a compiled function, to hold the payload of graph Variables and
// to read results back. They are always stored locally as a flat slice of the Go type corresponding to
// the shape's DType (e.g.: []float32 for dtypes.Float32, []float16.Float16 for dtypes.Float16).
//
// There are various ways to construct a Tensor:
//
//   - FromShape(shape shapes.Shape): creates a tensor with the given shape, and zero values.
//
//   - FromScalarAndDimensions[T dtypes.Supported](value T, dimensions ...int): creates a Tensor with the
//     given dimensions, filled with the scalar value given.
//
//   - FromFlatDataAndDimensions[T dtypes.Supported](data []T, dimensions ...int): creates a Tensor with the
//     given dimensions, and set the flattened values with the given data. Example:
//
//     t := FromFlatDataAndDimensions([]float32{1, 2, 3, 4}, 2, 2}) // Tensor with [[1,2], [3,4]]
//
//   - FromValue[S MultiDimensionSlice](value S): generic conversion from a scalar or a regular
//     multidimensional slice. Example:
//
//     t := FromValue([][]float32{{1,2}, {3, 5}, {7, 11}})
//
// Besides whole-tensor copies (Tensor.CopyFrom), a tensor can be filled with slices along the leading
// axis of another tensor (Tensor.CopySliceFrom, Tensor.CopyConsecutiveSlicesFrom), which is how batches
// are streamed from a larger dataset.
package tensors

import (
	"reflect"
	"sync"
	"unsafe"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"

	"github.com/gomlx/nnc/types/shapes"
)

// Tensor represents a dense multidimensional array, defined by its shape (a dtypes.DType and its axes'
// dimensions), and its actual content stored as a flat (1D) slice of values.
type Tensor struct {
	// shape of the tensor, immutable.
	shape shapes.Shape

	// mu protects flat. Tensors are not meant to be mutated concurrently, but reads from multiple
	// goroutines (e.g.: a parallel backend reading constant weights) are fine.
	mu sync.Mutex

	// flat holds the array with actual data. It's owned by the Tensor.
	flat any
}

// FromShape returns a Tensor with the given shape, with the data initialized with zeros.
func FromShape(shape shapes.Shape) (t *Tensor) {
	if !shape.Ok() {
		exceptions.Panicf("tensors.FromShape(%s): invalid shape", shape)
	}
	goType := shape.DType.GoType()
	if goType == nil {
		exceptions.Panicf("tensors.FromShape(%s): dtype not supported", shape)
	}
	size := shape.Size()
	return &Tensor{
		shape: shape.Clone(),
		flat:  reflect.MakeSlice(reflect.SliceOf(goType), size, size).Interface(),
	}
}

// FromBytes returns a Tensor with the given shape, with its contents copied from data.
// The length of data must match exactly shape.Memory().
func FromBytes(shape shapes.Shape, data []byte) (*Tensor, error) {
	if uintptr(len(data)) != shape.Memory() {
		return nil, errors.Errorf("tensors.FromBytes(%s): got %d bytes, wanted %d", shape, len(data), shape.Memory())
	}
	t := FromShape(shape)
	copy(t.MutableBytes(), data)
	return t, nil
}

// Shape of the tensor, includes DType.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DType returns the DType of the tensor's shape.
func (t *Tensor) DType() dtypes.DType { return t.shape.DType }

// Rank returns the rank of the tensor's shape.
func (t *Tensor) Rank() int { return t.shape.Rank() }

// Size returns the number of elements in the tensor.
func (t *Tensor) Size() int { return t.shape.Size() }

// Memory returns the number of bytes used to store the tensor. An alias to Tensor.Shape().Memory().
func (t *Tensor) Memory() uintptr { return t.shape.Memory() }

// IsScalar returns whether the tensor represents a scalar value.
func (t *Tensor) IsScalar() bool { return t.shape.IsScalar() }

// AssertValid panics if the tensor is nil or has no storage.
func (t *Tensor) AssertValid() {
	if t == nil {
		exceptions.Panicf("tensor is nil")
	}
	if t.flat == nil {
		exceptions.Panicf("tensor %s has no storage", t.shape)
	}
}

// Flat returns the flat slice with the tensor data (not a copy): a slice of the Go type
// corresponding to the tensor's DType.
//
// The caller must not retain it beyond the lifetime of the Tensor.
func (t *Tensor) Flat() any {
	t.AssertValid()
	return t.flat
}

// ConstFlatData calls accessFn with the flattened data as a slice of the Go type corresponding to the DType type.
// It locks the Tensor until accessFn returns. The data should not be changed.
func (t *Tensor) ConstFlatData(accessFn func(flat any)) {
	t.AssertValid()
	t.mu.Lock()
	defer t.mu.Unlock()
	accessFn(t.flat)
}

// MutableFlatData calls accessFn with a flat slice pointing to the Tensor data, that can be changed
// until accessFn returns. During this time the Tensor is locked.
func (t *Tensor) MutableFlatData(accessFn func(flat any)) {
	t.AssertValid()
	t.mu.Lock()
	defer t.mu.Unlock()
	accessFn(t.flat)
}

// ConstFlatData is the generic version of Tensor.ConstFlatData.
// It panics if T doesn't match the tensor's DType.
func ConstFlatData[T dtypes.Supported](t *Tensor, accessFn func(flat []T)) {
	if t.shape.DType != dtypes.FromGenericsType[T]() {
		var v T
		exceptions.Panicf("ConstFlatData[%T] is incompatible with Tensor's dtype %s", v, t.shape.DType)
	}
	t.ConstFlatData(func(anyFlat any) { accessFn(anyFlat.([]T)) })
}

// MutableFlatData is the generic version of Tensor.MutableFlatData.
// It panics if T doesn't match the tensor's DType.
func MutableFlatData[T dtypes.Supported](t *Tensor, accessFn func(flat []T)) {
	if t.shape.DType != dtypes.FromGenericsType[T]() {
		var v T
		exceptions.Panicf("MutableFlatData[%T] is incompatible with Tensor's dtype %s", v, t.shape.DType)
	}
	t.MutableFlatData(func(anyFlat any) { accessFn(anyFlat.([]T)) })
}

// CopyFlatData returns a copy of the flat data of the Tensor.
func CopyFlatData[T dtypes.Supported](t *Tensor) []T {
	var flatCopy []T
	ConstFlatData(t, func(flat []T) {
		flatCopy = make([]T, len(flat))
		copy(flatCopy, flat)
	})
	return flatCopy
}

// AssignFlatData copies the values in fromFlat to the storage used by toTensor.
// It panics if the dtypes are not compatible or if the size is wrong.
func AssignFlatData[T dtypes.Supported](toTensor *Tensor, fromFlat []T) {
	MutableFlatData(toTensor, func(toFlat []T) {
		if len(toFlat) != len(fromFlat) {
			var v T
			exceptions.Panicf("AssignFlatData[%T] is trying to store %d values into shape %s, which requires %d values",
				v, len(fromFlat), toTensor.Shape(), toTensor.Shape().Size())
		}
		copy(toFlat, fromFlat)
	})
}

// bytesOf returns a bytes view of the flat slice, sharing its storage.
func bytesOf(flat any) []byte {
	flatV := reflect.ValueOf(flat)
	if flatV.Len() == 0 {
		return nil
	}
	element0 := flatV.Index(0)
	sizeBytes := uintptr(flatV.Len()) * element0.Type().Size()
	return unsafe.Slice((*byte)(element0.Addr().UnsafePointer()), sizeBytes)
}

// Bytes returns a read-only view of the tensor storage as bytes. It is not a copy: it is only
// valid as long as the tensor is alive, and it should not be mutated.
func (t *Tensor) Bytes() []byte {
	t.AssertValid()
	return bytesOf(t.flat)
}

// MutableBytes returns a mutable view of the tensor storage as bytes. It is not a copy.
func (t *Tensor) MutableBytes() []byte {
	t.AssertValid()
	return bytesOf(t.flat)
}

// Clone returns a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	clone := FromShape(t.shape)
	copy(clone.MutableBytes(), t.Bytes())
	return clone
}

// LayoutStrides return the strides for each axis, in number of elements.
func (t *Tensor) LayoutStrides() (strides []int) {
	rank := t.shape.Rank()
	if rank == 0 {
		return
	}
	strides = make([]int, rank)
	currentStride := 1
	for dim := rank - 1; dim >= 0; dim-- {
		strides[dim] = currentStride
		currentStride *= t.shape.Dimensions[dim]
	}
	return
}
