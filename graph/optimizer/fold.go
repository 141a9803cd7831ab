// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimizer

import (
	"github.com/gomlx/nnc/graph"
	"github.com/gomlx/nnc/internal/kernels"
	"github.com/gomlx/nnc/types/tensors"
)

// isConstant returns whether the value of node is known at compile time.
func isConstant(node *graph.Node, mode graph.CompilationMode, saved map[*graph.Variable]bool) bool {
	switch node.Kind() {
	case graph.KindSplat, graph.KindConstant:
		return true
	case graph.KindVariable:
		v := node.Variable()
		return mode == graph.ModeInfer && !v.IsPublic() && !saved[v]
	}
	return false
}

// foldConstants replaces computations whose inputs are all constant by Constant nodes.
func foldConstants(fn *graph.Function, mode graph.CompilationMode) bool {
	order, err := fn.TopologicalOrder()
	if err != nil {
		panic(err)
	}
	saved := fn.SavedVariables()
	changed := false
	for _, node := range order {
		kind := node.Kind()
		if kind.IsStorage() || kind == graph.KindSplat {
			continue
		}
		allConstant := true
		for _, input := range node.Inputs() {
			if !isConstant(input, mode, saved) {
				allConstant = false
				break
			}
		}
		if !allConstant {
			continue
		}
		inputs := make([]*tensors.Tensor, len(node.Inputs()))
		for ii, input := range node.Inputs() {
			inputs[ii] = constantValue(input)
		}
		value, ok := evaluate(node, inputs)
		if !ok {
			continue
		}
		constant := fn.Constant(value)
		fn.ReplaceAllUsesWith(node, constant)
		changed = true
	}
	return changed
}

// constantValue returns the value of a node for which isConstant is true. Variable payloads are not copied:
// the result must not be modified.
func constantValue(node *graph.Node) *tensors.Tensor {
	switch node.Kind() {
	case graph.KindSplat:
		t := tensors.FromShape(node.Shape())
		kernels.Splat(t.Flat(), node.Value())
		return t
	case graph.KindConstant:
		return node.Tensor()
	case graph.KindVariable:
		return node.Variable().Payload()
	}
	return nil
}

var binaryOps = map[graph.NodeKind]kernels.BinaryOp{
	graph.KindAdd: kernels.OpAdd,
	graph.KindMul: kernels.OpMul,
	graph.KindDiv: kernels.OpDiv,
	graph.KindMax: kernels.OpMax,
	graph.KindMin: kernels.OpMin,
}

var unaryOps = map[graph.NodeKind]kernels.UnaryOp{
	graph.KindNeg:     kernels.OpNeg,
	graph.KindExp:     kernels.OpExp,
	graph.KindLog:     kernels.OpLog,
	graph.KindSqrt:    kernels.OpSqrt,
	graph.KindTanh:    kernels.OpTanh,
	graph.KindRelu:    kernels.OpRelu,
	graph.KindSigmoid: kernels.OpSigmoid,
}

// evaluate computes the value of node given the values of its inputs. It returns false for kinds it
// doesn't evaluate (they will be folded after lowering).
func evaluate(node *graph.Node, inputs []*tensors.Tensor) (*tensors.Tensor, bool) {
	output := tensors.FromShape(node.Shape())
	out := output.Flat()
	flat := func(ii int) any { return inputs[ii].Flat() }
	kind := node.Kind()
	if op, found := binaryOps[kind]; found {
		kernels.Binary(op, out, flat(0), flat(1))
		return output, true
	}
	if op, found := unaryOps[kind]; found {
		kernels.Unary(op, out, flat(0))
		return output, true
	}
	switch kind {
	case graph.KindSub:
		negated := tensors.FromShape(inputs[1].Shape())
		kernels.Unary(kernels.OpNeg, negated.Flat(), flat(1))
		kernels.Binary(kernels.OpAdd, out, flat(0), negated.Flat())
	case graph.KindMaxSplat:
		kernels.MaxSplat(out, flat(0), node.Value())
	case graph.KindReshape:
		kernels.Copy(out, flat(0))
	case graph.KindTranspose:
		dims := inputs[0].Shape().Dimensions
		kernels.Transpose(out, flat(0), dims[0], dims[1])
	case graph.KindMatMul:
		lhs, rhs := inputs[0].Shape(), inputs[1].Shape()
		kernels.MatMul(out, flat(0), flat(1), lhs.Dim(0), lhs.Dim(1), rhs.Dim(1))
	case graph.KindFullyConnected:
		x, w := inputs[0].Shape(), inputs[1].Shape()
		kernels.FullyConnected(out, flat(0), flat(1), flat(2), x.Dim(0), x.Dim(1), w.Dim(1))
	case graph.KindBatchedAdd:
		kernels.BatchedBinary(kernels.OpAdd, out, flat(0), flat(1))
	case graph.KindBatchedMul:
		kernels.BatchedBinary(kernels.OpMul, out, flat(0), flat(1))
	case graph.KindBatchedReduceAdd:
		kernels.BatchedReduce(kernels.ReduceAdd, out, flat(0))
	case graph.KindBatchedReduceMax:
		kernels.BatchedReduce(kernels.ReduceMax, out, flat(0))
	default:
		return nil, false
	}
	return output, true
}
