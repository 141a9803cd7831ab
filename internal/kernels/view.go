// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kernels

import (
	"unsafe"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/x448/float16"
)

// View returns a flat slice of the Go type matching dtype that shares storage with data.
// len(data) must be a multiple of the dtype size.
func View(dtype dtypes.DType, data []byte) any {
	elemSize := int(dtype.Size())
	if elemSize == 0 || len(data)%elemSize != 0 {
		exceptions.Panicf("kernels.View(%s): %d bytes is not a multiple of the element size", dtype, len(data))
	}
	n := len(data) / elemSize
	var ptr unsafe.Pointer
	if n > 0 {
		ptr = unsafe.Pointer(&data[0])
	}
	switch dtype {
	case dtypes.Float32:
		return unsafe.Slice((*float32)(ptr), n)
	case dtypes.Float64:
		return unsafe.Slice((*float64)(ptr), n)
	case dtypes.Int32:
		return unsafe.Slice((*int32)(ptr), n)
	case dtypes.Int64:
		return unsafe.Slice((*int64)(ptr), n)
	case dtypes.Float16:
		return unsafe.Slice((*float16.Float16)(ptr), n)
	}
	exceptions.Panicf("kernels.View: dtype %s not supported", dtype)
	return nil
}

// Len returns the number of elements of a flat slice.
func Len(flat any) int {
	switch flat := flat.(type) {
	case []float32:
		return len(flat)
	case []float64:
		return len(flat)
	case []int32:
		return len(flat)
	case []int64:
		return len(flat)
	case []float16.Float16:
		return len(flat)
	}
	unsupported("Len", flat)
	return 0
}

// SubSlice returns flat[start:end], preserving its element type.
func SubSlice(flat any, start, end int) any {
	switch flat := flat.(type) {
	case []float32:
		return flat[start:end]
	case []float64:
		return flat[start:end]
	case []int32:
		return flat[start:end]
	case []int64:
		return flat[start:end]
	case []float16.Float16:
		return flat[start:end]
	}
	unsupported("SubSlice", flat)
	return nil
}

// Copy copies src into dst, both flat slices of the same type and length.
func Copy(dst, src any) {
	if Len(dst) != Len(src) {
		exceptions.Panicf("kernels.Copy: source size %d doesn't match destination size %d", Len(src), Len(dst))
	}
	switch dst := dst.(type) {
	case []float32:
		copy(dst, src.([]float32))
	case []float64:
		copy(dst, src.([]float64))
	case []int32:
		copy(dst, src.([]int32))
	case []int64:
		copy(dst, src.([]int64))
	case []float16.Float16:
		copy(dst, src.([]float16.Float16))
	}
}
