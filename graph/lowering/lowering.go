// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package lowering rewrites high-level nodes into primitive nodes that a backend supports.
//
// Lowering is backend-aware: a node whose kind the backend supports natively is kept as is. It is also
// mode-aware: BatchNormalization uses the stored statistics in graph.ModeInfer, and the batch statistics in
// graph.ModeTrain.
package lowering

import (
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/nnc/graph"
)

// Capabilities is the part of a backend consulted by the lowering.
type Capabilities interface {
	// Name of the backend, used in error messages.
	Name() string

	// IsOpSupported returns whether the backend executes nodes of the given kind and dtype natively.
	IsOpSupported(kind graph.NodeKind, dtype dtypes.DType) bool
}

// MaxIterations bounds the number of lowering sweeps.
const MaxIterations = 32

// rule rewrites node into an equivalent subgraph and returns its output node.
type rule func(fn *graph.Function, node *graph.Node, mode graph.CompilationMode) *graph.Node

var rules = map[graph.NodeKind]rule{
	graph.KindFullyConnected:     lowerFullyConnected,
	graph.KindRelu:               lowerRelu,
	graph.KindSigmoid:            lowerSigmoid,
	graph.KindSoftmax:            lowerSoftmax,
	graph.KindBatchNormalization: lowerBatchNormalization,
	graph.KindSub:                lowerSub,
	graph.KindNeg:                lowerNeg,
	graph.KindMaxSplat:           lowerMaxSplat,
}

// Lower rewrites every node of fn that caps doesn't support, until all remaining nodes are supported.
//
// It returns an error naming the operator, the node and the backend if some unsupported node has no rewrite.
// Storage nodes (Variable, Constant, Save) are always kept.
func Lower(fn *graph.Function, mode graph.CompilationMode, caps Capabilities) error {
	start := time.Now()
	var numRewrites int
	err := exceptions.TryCatch[error](func() {
		for iteration := 0; ; iteration++ {
			if iteration >= MaxIterations {
				exceptions.Panicf("lowering of function %q didn't converge after %d iterations", fn.Name(), MaxIterations)
			}
			changed := false
			for _, node := range fn.Nodes() {
				if node.IsErased() || node.Kind().IsStorage() || caps.IsOpSupported(node.Kind(), node.DType()) {
					continue
				}
				lowerFn, found := rules[node.Kind()]
				if !found {
					panic(errors.Errorf("unsupported operator %s (node %q, dtype %s) for backend %q: no lowering available",
						node.Kind(), node.Name(), node.DType(), caps.Name()))
				}
				replacement := lowerFn(fn, node, mode)
				fn.ReplaceAllUsesWith(node, replacement)
				fn.EraseNode(node)
				numRewrites++
				changed = true
			}
			if !changed {
				break
			}
		}
	})
	if err != nil {
		return errors.WithMessagef(err, "lowering function %q", fn.Name())
	}
	klog.V(1).Infof("lowering: function %q (mode=%s, backend=%s): %d rewrites in %s",
		fn.Name(), mode, caps.Name(), numRewrites, time.Since(start))
	return nil
}

func lowerFullyConnected(fn *graph.Function, node *graph.Node, _ graph.CompilationMode) *graph.Node {
	inputs := node.Inputs()
	return fn.BatchedAdd(fn.MatMul(inputs[0], inputs[1]), inputs[2])
}

func lowerRelu(fn *graph.Function, node *graph.Node, _ graph.CompilationMode) *graph.Node {
	x := node.Inputs()[0]
	return fn.Max(x, fn.SplatLike(x, 0))
}

func lowerSigmoid(fn *graph.Function, node *graph.Node, _ graph.CompilationMode) *graph.Node {
	x := node.Inputs()[0]
	one := fn.SplatLike(x, 1)
	return fn.Div(one, fn.Add(one, fn.Exp(fn.Neg(x))))
}

// lowerSoftmax computes the softmax over axis 1 working on the transposed operand, so the reductions
// run over the leading axis. The maximum is subtracted for numerical stability.
func lowerSoftmax(fn *graph.Function, node *graph.Node, _ graph.CompilationMode) *graph.Node {
	xT := fn.Transpose(node.Inputs()[0])
	e := fn.Exp(fn.BatchedAdd(xT, fn.Neg(fn.BatchedReduceMax(xT))))
	sum := fn.BatchedReduceAdd(e)
	invSum := fn.Div(fn.SplatLike(sum, 1), sum)
	return fn.Transpose(fn.BatchedMul(e, invSum))
}

func lowerBatchNormalization(fn *graph.Function, node *graph.Node, mode graph.CompilationMode) *graph.Node {
	inputs := node.Inputs()
	x, scale, bias, mean, variance := inputs[0], inputs[1], inputs[2], inputs[3], inputs[4]
	epsilon := node.Value()
	if mode == graph.ModeTrain {
		invN := fn.SplatLike(scale, 1/float64(x.Shape().Dim(0)))
		mean = fn.Mul(fn.BatchedReduceAdd(x), invN)
		centered := fn.BatchedAdd(x, fn.Neg(mean))
		variance = fn.Mul(fn.BatchedReduceAdd(fn.Mul(centered, centered)), invN)
		invStd := fn.Div(fn.SplatLike(variance, 1), fn.Sqrt(fn.Add(variance, fn.SplatLike(variance, epsilon))))
		return fn.BatchedAdd(fn.BatchedMul(centered, fn.Mul(invStd, scale)), bias)
	}
	invStd := fn.Div(fn.SplatLike(variance, 1), fn.Sqrt(fn.Add(variance, fn.SplatLike(variance, epsilon))))
	centered := fn.BatchedAdd(x, fn.Neg(mean))
	return fn.BatchedAdd(fn.BatchedMul(centered, fn.Mul(scale, invStd)), bias)
}

func lowerSub(fn *graph.Function, node *graph.Node, _ graph.CompilationMode) *graph.Node {
	inputs := node.Inputs()
	return fn.Add(inputs[0], fn.Neg(inputs[1]))
}

func lowerNeg(fn *graph.Function, node *graph.Node, _ graph.CompilationMode) *graph.Node {
	x := node.Inputs()[0]
	return fn.Mul(x, fn.SplatLike(x, -1))
}

func lowerMaxSplat(fn *graph.Function, node *graph.Node, _ graph.CompilationMode) *graph.Node {
	x := node.Inputs()[0]
	return fn.Max(x, fn.SplatLike(x, node.Value()))
}
