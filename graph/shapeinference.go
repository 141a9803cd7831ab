// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"github.com/pkg/errors"

	"github.com/gomlx/nnc/types/shapes"
)

// inferShape returns the output shape of node given its kind, inputs and attributes.
// For KindSplat and KindReshape the target shape is the one already set in node.shape.
func inferShape(node *Node) (shapes.Shape, error) {
	kind := node.kind
	inputs := node.inputs
	wantInputs := func(n int) error {
		if len(inputs) != n {
			return errors.Errorf("%s takes %d inputs, got %d", kind, n, len(inputs))
		}
		return nil
	}
	sameDType := func() error {
		for _, input := range inputs[1:] {
			if input.DType() != inputs[0].DType() {
				return errors.Errorf("%s: inputs have different dtypes %s and %s", kind, inputs[0].DType(), input.DType())
			}
		}
		return nil
	}

	switch kind {
	case KindVariable:
		if err := wantInputs(0); err != nil {
			return shapes.Invalid(), err
		}
		if node.variable == nil {
			return shapes.Invalid(), errors.New("Variable node without a variable")
		}
		if node.variable.module != node.fn.module {
			return shapes.Invalid(), errors.Errorf("variable %q belongs to a different module", node.variable.name)
		}
		return node.variable.shape, nil

	case KindConstant:
		if err := wantInputs(0); err != nil {
			return shapes.Invalid(), err
		}
		if node.tensor == nil {
			return shapes.Invalid(), errors.New("Constant node without a value")
		}
		return node.tensor.Shape(), nil

	case KindSave:
		if err := wantInputs(1); err != nil {
			return shapes.Invalid(), err
		}
		dest := node.variable
		if dest == nil {
			return shapes.Invalid(), errors.New("Save node without a destination variable")
		}
		if dest.module != node.fn.module {
			return shapes.Invalid(), errors.Errorf("Save destination %q belongs to a different module", dest.name)
		}
		if !inputs[0].shape.Equal(dest.shape) {
			return shapes.Invalid(), errors.Errorf("cannot save value of shape %s into variable %q of shape %s",
				inputs[0].shape, dest.name, dest.shape)
		}
		return dest.shape, nil

	case KindAdd, KindMul, KindDiv, KindMax, KindMin, KindSub:
		if err := wantInputs(2); err != nil {
			return shapes.Invalid(), err
		}
		if !inputs[0].shape.Equal(inputs[1].shape) {
			return shapes.Invalid(), errors.Errorf("%s: operands have different shapes %s and %s", kind, inputs[0].shape, inputs[1].shape)
		}
		return inputs[0].shape, nil

	case KindNeg, KindExp, KindLog, KindSqrt, KindTanh, KindRelu, KindSigmoid, KindMaxSplat:
		if err := wantInputs(1); err != nil {
			return shapes.Invalid(), err
		}
		return inputs[0].shape, nil

	case KindSplat:
		if err := wantInputs(0); err != nil {
			return shapes.Invalid(), err
		}
		if !node.shape.Ok() {
			return shapes.Invalid(), errors.New("Splat requires a valid shape")
		}
		return node.shape, nil

	case KindMatMul:
		if err := wantInputs(2); err != nil {
			return shapes.Invalid(), err
		}
		if err := sameDType(); err != nil {
			return shapes.Invalid(), err
		}
		lhs, rhs := inputs[0].shape, inputs[1].shape
		if lhs.Rank() != 2 || rhs.Rank() != 2 || lhs.Dim(1) != rhs.Dim(0) {
			return shapes.Invalid(), errors.Errorf("MatMul: incompatible shapes %s x %s", lhs, rhs)
		}
		return shapes.Make(lhs.DType, lhs.Dim(0), rhs.Dim(1)), nil

	case KindTranspose:
		if err := wantInputs(1); err != nil {
			return shapes.Invalid(), err
		}
		operand := inputs[0].shape
		if operand.Rank() != 2 {
			return shapes.Invalid(), errors.Errorf("Transpose: only rank-2 operands are supported, got %s", operand)
		}
		return shapes.Make(operand.DType, operand.Dim(1), operand.Dim(0)), nil

	case KindReshape:
		if err := wantInputs(1); err != nil {
			return shapes.Invalid(), err
		}
		operand := inputs[0].shape
		if node.shape.DType != operand.DType || node.shape.Size() != operand.Size() {
			return shapes.Invalid(), errors.Errorf("Reshape: cannot reshape %s to %s", operand, node.shape)
		}
		return node.shape, nil

	case KindBatchedAdd, KindBatchedMul:
		if err := wantInputs(2); err != nil {
			return shapes.Invalid(), err
		}
		batch, slice := inputs[0].shape, inputs[1].shape
		if batch.Rank() < 1 || !batch.Slice().Equal(slice) {
			return shapes.Invalid(), errors.Errorf("%s: slice %s doesn't match batch %s without its leading axis", kind, slice, batch)
		}
		return batch, nil

	case KindBatchedReduceAdd, KindBatchedReduceMax:
		if err := wantInputs(1); err != nil {
			return shapes.Invalid(), err
		}
		batch := inputs[0].shape
		if batch.Rank() < 1 {
			return shapes.Invalid(), errors.Errorf("%s: operand must have a leading axis, got %s", kind, batch)
		}
		return batch.Slice(), nil

	case KindFullyConnected:
		if err := wantInputs(3); err != nil {
			return shapes.Invalid(), err
		}
		if err := sameDType(); err != nil {
			return shapes.Invalid(), err
		}
		x, w, b := inputs[0].shape, inputs[1].shape, inputs[2].shape
		if x.Rank() != 2 || w.Rank() != 2 || b.Rank() != 1 || x.Dim(1) != w.Dim(0) || b.Dim(0) != w.Dim(1) {
			return shapes.Invalid(), errors.Errorf("FullyConnected: incompatible shapes x=%s, weights=%s, bias=%s", x, w, b)
		}
		return shapes.Make(x.DType, x.Dim(0), w.Dim(1)), nil

	case KindSoftmax:
		if err := wantInputs(1); err != nil {
			return shapes.Invalid(), err
		}
		if inputs[0].shape.Rank() != 2 {
			return shapes.Invalid(), errors.Errorf("Softmax: operand must be of rank 2, got %s", inputs[0].shape)
		}
		return inputs[0].shape, nil

	case KindBatchNormalization:
		if err := wantInputs(5); err != nil {
			return shapes.Invalid(), err
		}
		if err := sameDType(); err != nil {
			return shapes.Invalid(), err
		}
		x := inputs[0].shape
		if x.Rank() != 2 {
			return shapes.Invalid(), errors.Errorf("BatchNormalization: operand must be of rank 2, got %s", x)
		}
		for _, param := range inputs[1:] {
			if param.shape.Rank() != 1 || param.shape.Dim(0) != x.Dim(1) {
				return shapes.Invalid(), errors.Errorf("BatchNormalization: parameter %s must have shape [%d]", param.shape, x.Dim(1))
			}
		}
		return x, nil
	}
	return shapes.Invalid(), errors.Errorf("unknown node kind %s", kind)
}
