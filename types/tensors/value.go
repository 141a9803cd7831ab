// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"bytes"
	"fmt"
	"math"
	"reflect"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/x448/float16"

	"github.com/gomlx/nnc/types/shapes"
)

// MultiDimensionSlice lists the Go types a Tensor can be converted to/from. There are no recursions in
// generics' constraint definitions, so we enumerate up to 4 levels of slices.
type MultiDimensionSlice interface {
	float32 | float64 | int32 | int64 | float16.Float16 |
		[]float32 | []float64 | []int32 | []int64 | []float16.Float16 |
		[][]float32 | [][]float64 | [][]int32 | [][]int64 | [][]float16.Float16 |
		[][][]float32 | [][][]float64 | [][][]int32 | [][][]int64 | [][][]float16.Float16 |
		[][][][]float32 | [][][][]float64 | [][][][]int32 | [][][][]int64 | [][][][]float16.Float16
}

// FromScalarAndDimensions creates a tensor with the given dimensions, filled with the
// given scalar value replicated everywhere.
func FromScalarAndDimensions[T dtypes.Supported](value T, dimensions ...int) (t *Tensor) {
	t = FromShape(shapes.Make(dtypes.FromGenericsType[T](), dimensions...))
	MutableFlatData(t, func(flat []T) {
		for ii := range flat {
			flat[ii] = value
		}
	})
	return
}

// FromFlatDataAndDimensions creates a tensor with the given dimensions, filled with the flattened values given in `data`.
// The data is copied to the Tensor.
func FromFlatDataAndDimensions[T dtypes.Supported](data []T, dimensions ...int) (t *Tensor) {
	shape := shapes.Make(dtypes.FromGenericsType[T](), dimensions...)
	if len(data) != shape.Size() {
		exceptions.Panicf("FromFlatDataAndDimensions(%s): data size is %d, but dimensions size is %d", shape, len(data), shape.Size())
	}
	t = FromShape(shape)
	AssignFlatData(t, data)
	return
}

// FromValue returns a tensor constructed from the given multi-dimension slice (or scalar).
// If the rank of the `value` is larger than 1, the shape of all sub-slices must be the same.
//
// It panics if the shape is not regular.
func FromValue[S MultiDimensionSlice](value S) *Tensor {
	return FromAnyValue(value)
}

// FromAnyValue is a non-generic version of FromValue.
// If value is already a *Tensor, it is simply returned.
func FromAnyValue(value any) (t *Tensor) {
	if valueT, ok := value.(*Tensor); ok {
		return valueT
	}
	shape, err := shapeForValue(value)
	if err != nil {
		panic(errors.Wrapf(err, "cannot create shape from %T", value))
	}
	t = FromShape(shape)
	flatV := reflect.ValueOf(t.flat)
	if shape.IsScalar() {
		flatV.Index(0).Set(reflect.ValueOf(value))
		return
	}
	copySlicesRecursively(flatV, reflect.ValueOf(value), t.LayoutStrides())
	return
}

// copySlicesRecursively copy values on a multi-dimension slice to a flat data slice
// assuming the strides for each dimension.
func copySlicesRecursively(data reflect.Value, mdSlice reflect.Value, strides []int) {
	if len(strides) == 1 {
		reflect.Copy(data, mdSlice)
		return
	}
	subStrides := strides[1:]
	for ii := range mdSlice.Len() {
		subData := data.Slice(ii*strides[0], (ii+1)*strides[0])
		copySlicesRecursively(subData, mdSlice.Index(ii), subStrides)
	}
}

func shapeForValue(v any) (shape shapes.Shape, err error) {
	err = shapeForValueRecursive(&shape, reflect.ValueOf(v), reflect.TypeOf(v))
	return
}

func shapeForValueRecursive(shape *shapes.Shape, v reflect.Value, t reflect.Type) error {
	if t.Kind() == reflect.Slice {
		t = t.Elem()
		shape.Dimensions = append(shape.Dimensions, v.Len())
		shapePrefix := shape.Clone()
		if v.Len() == 0 {
			return errors.Errorf("value with empty slice not valid for Tensor conversion: %T", v.Interface())
		}
		if err := shapeForValueRecursive(shape, v.Index(0), t); err != nil {
			return err
		}
		for ii := 1; ii < v.Len(); ii++ {
			shapeTest := shapePrefix.Clone()
			if err := shapeForValueRecursive(&shapeTest, v.Index(ii), t); err != nil {
				return err
			}
			if !shape.Equal(shapeTest) {
				return errors.Errorf("sub-slices have irregular shapes, found shapes %q, and %q", shape, shapeTest)
			}
		}
		return nil
	}
	shape.DType = dtypes.FromGoType(t)
	if shape.DType == dtypes.InvalidDType {
		return errors.Errorf("cannot convert type %s to a tensor dtype", t)
	}
	return nil
}

// Value returns a multidimensional slice (or a scalar) containing a copy of the values stored
// in the tensor. This is expensive, and usually only used for small tensors in tests and to print results.
func (t *Tensor) Value() any {
	var result any
	t.ConstFlatData(func(flat any) {
		flatV := reflect.ValueOf(flat)
		if t.shape.IsScalar() {
			result = flatV.Index(0).Interface()
			return
		}
		flatCopy := reflect.MakeSlice(flatV.Type(), flatV.Len(), flatV.Len())
		reflect.Copy(flatCopy, flatV)
		result = convertDataToSlices(flatCopy, t.shape.Dimensions...).Interface()
	})
	return result
}

// convertDataToSlices takes data as a flat slice, and creates a multidimensional slices with the given dimensions that
// points to the given data.
func convertDataToSlices(dataV reflect.Value, dimensions ...int) reflect.Value {
	if len(dimensions) <= 1 {
		return dataV
	}
	resultT := dataV.Type().Elem()
	for range dimensions {
		resultT = reflect.SliceOf(resultT)
	}
	stride := dataV.Len() / dimensions[0]
	slice := reflect.MakeSlice(resultT, dimensions[0], dimensions[0])
	for ii := range dimensions[0] {
		subData := dataV.Slice(ii*stride, (ii+1)*stride)
		slice.Index(ii).Set(convertDataToSlices(subData, dimensions[1:]...))
	}
	return slice
}

// Equal checks whether t == otherTensor, byte by byte.
// If they are the same pointer they are considered equal.
// If the shapes are different it returns false.
func (t *Tensor) Equal(otherTensor *Tensor) bool {
	if t == otherTensor {
		return true
	}
	if !t.shape.Equal(otherTensor.shape) {
		return false
	}
	return bytes.Equal(t.Bytes(), otherTensor.Bytes())
}

// InDelta checks whether Abs(t - otherTensor) < delta for every element.
// If the shapes are different it returns false.
func (t *Tensor) InDelta(otherTensor *Tensor, delta float64) bool {
	if t == otherTensor {
		return true
	}
	if !t.shape.Equal(otherTensor.shape) {
		return false
	}
	values0, values1 := AsFloat64s(t), AsFloat64s(otherTensor)
	for ii := range values0 {
		if math.Abs(values0[ii]-values1[ii]) >= delta {
			return false
		}
	}
	return true
}

// AsFloat64s returns a copy of the tensor values converted to float64.
// It panics for dtypes without a numeric conversion.
func AsFloat64s(t *Tensor) []float64 {
	values := make([]float64, t.Size())
	t.ConstFlatData(func(flat any) {
		switch flat := flat.(type) {
		case []float32:
			for ii, v := range flat {
				values[ii] = float64(v)
			}
		case []float64:
			copy(values, flat)
		case []float16.Float16:
			for ii, v := range flat {
				values[ii] = float64(v.Float32())
			}
		case []int32:
			for ii, v := range flat {
				values[ii] = float64(v)
			}
		case []int64:
			for ii, v := range flat {
				values[ii] = float64(v)
			}
		default:
			exceptions.Panicf("AsFloat64s: dtype %s not supported", t.DType())
		}
	})
	return values
}

// String converts to string: the shape followed by its values.
func (t *Tensor) String() string {
	if t == nil {
		return "<nil>"
	}
	if t.flat == nil {
		return fmt.Sprintf("%s: <no data>", t.shape)
	}
	return fmt.Sprintf("%s: %v", t.shape, t.Value())
}
