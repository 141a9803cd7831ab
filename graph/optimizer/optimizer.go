// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package optimizer implements the graph-level optimization passes, run to a fixpoint:
//
//   - dead-code elimination: removes nodes not reachable from a Save;
//   - common-subexpression elimination: merges nodes with the same kind, inputs and attributes;
//   - algebraic simplification: Add(x, 0), Mul(x, 1), Neg(Neg(x)), Transpose(Transpose(x)) and redundant Reshapes;
//   - constant folding: computations over Splat and Constant nodes (and, in graph.ModeInfer, over Private variables
//     not written by the function) are replaced by Constant nodes.
//
// The optimizer never modifies the Module: folded values are held by function-local Constant nodes.
package optimizer

import (
	"math"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/nnc/graph"
)

// MaxIterations of the fixpoint loop: reaching it indicates passes undoing each other.
const MaxIterations = 100

// pass is one optimization over fn: it returns whether it changed the graph.
type pass struct {
	name string
	fn   func(fn *graph.Function, mode graph.CompilationMode) bool
}

var passes = []pass{
	{"dce", eliminateDeadCode},
	{"cse", eliminateCommonSubexpressions},
	{"simplify", simplify},
	{"fold", foldConstants},
}

// Optimize runs the optimization passes over fn until none changes it.
// It returns whether the function was changed.
//
// It is idempotent: calling it again on the result returns changed == false.
func Optimize(fn *graph.Function, mode graph.CompilationMode) (changed bool, err error) {
	start := time.Now()
	err = exceptions.TryCatch[error](func() {
		for iteration := 0; ; iteration++ {
			if iteration >= MaxIterations {
				exceptions.Panicf("graph optimizer didn't converge after %d iterations", MaxIterations)
			}
			iterationChanged := false
			for _, p := range passes {
				if p.fn(fn, mode) {
					klog.V(2).Infof("optimizer: pass %q changed function %q", p.name, fn.Name())
					iterationChanged = true
				}
			}
			if !iterationChanged {
				break
			}
			changed = true
		}
	})
	if err != nil {
		return false, errors.WithMessagef(err, "optimizing function %q", fn.Name())
	}
	klog.V(1).Infof("optimizer: function %q (mode=%s) optimized in %s, changed=%v, %d nodes",
		fn.Name(), mode, time.Since(start), changed, fn.NumNodes())
	return changed, nil
}

// eliminateDeadCode removes the nodes not reachable from a Save node.
func eliminateDeadCode(fn *graph.Function, _ graph.CompilationMode) bool {
	reachable, err := fn.TopologicalOrder()
	if err != nil {
		panic(err)
	}
	isReachable := make(map[*graph.Node]bool, len(reachable))
	for _, node := range reachable {
		isReachable[node] = true
	}
	changed := false
	for _, node := range fn.Nodes() {
		if !isReachable[node] {
			fn.EraseNode(node)
			changed = true
		}
	}
	return changed
}

// nodeKey identifies nodes that compute the same value.
type nodeKey struct {
	kind     graph.NodeKind
	shape    string
	inputs   string
	variable *graph.Variable
	// valueBits distinguishes -0 from +0 and lets equal NaNs merge.
	valueBits uint64
	tensor    any
}

func keyOf(node *graph.Node) nodeKey {
	key := nodeKey{
		kind:      node.Kind(),
		shape:     node.Shape().String(),
		variable:  node.Variable(),
		valueBits: math.Float64bits(node.Value()),
	}
	if node.Tensor() != nil {
		key.tensor = node.Tensor()
	}
	inputs := make([]byte, 0, 8*len(node.Inputs()))
	for _, input := range node.Inputs() {
		id := input.ID()
		for range 8 {
			inputs = append(inputs, byte(id))
			id >>= 8
		}
	}
	key.inputs = string(inputs)
	return key
}

// eliminateCommonSubexpressions replaces nodes by an earlier equivalent node.
func eliminateCommonSubexpressions(fn *graph.Function, _ graph.CompilationMode) bool {
	order, err := fn.TopologicalOrder()
	if err != nil {
		panic(err)
	}
	canonical := make(map[nodeKey]*graph.Node, len(order))
	changed := false
	for _, node := range order {
		if node.Kind() == graph.KindSave {
			continue
		}
		key := keyOf(node)
		if existing, found := canonical[key]; found {
			fn.ReplaceAllUsesWith(node, existing)
			fn.EraseNode(node)
			changed = true
			continue
		}
		canonical[key] = node
	}
	return changed
}

// isSplatOf returns whether node is a Splat of value.
func isSplatOf(node *graph.Node, value float64) bool {
	return node.Kind() == graph.KindSplat && node.Value() == value
}

// simplify applies algebraic simplifications.
func simplify(fn *graph.Function, _ graph.CompilationMode) bool {
	order, err := fn.TopologicalOrder()
	if err != nil {
		panic(err)
	}
	changed := false
	replace := func(node, replacement *graph.Node) {
		if fn.ReplaceAllUsesWith(node, replacement) > 0 {
			changed = true
		}
	}
	for _, node := range order {
		inputs := node.Inputs()
		switch node.Kind() {
		case graph.KindAdd:
			if isSplatOf(inputs[1], 0) {
				replace(node, inputs[0])
			} else if isSplatOf(inputs[0], 0) {
				replace(node, inputs[1])
			}
		case graph.KindMul:
			if isSplatOf(inputs[1], 1) {
				replace(node, inputs[0])
			} else if isSplatOf(inputs[0], 1) {
				replace(node, inputs[1])
			}
		case graph.KindNeg:
			if inputs[0].Kind() == graph.KindNeg {
				replace(node, inputs[0].Inputs()[0])
			}
		case graph.KindTranspose:
			if inputs[0].Kind() == graph.KindTranspose {
				replace(node, inputs[0].Inputs()[0])
			}
		case graph.KindReshape:
			if inputs[0].Shape().Equal(node.Shape()) {
				replace(node, inputs[0])
			} else if inputs[0].Kind() == graph.KindReshape {
				fn.SetInput(node, 0, inputs[0].Inputs()[0])
				changed = true
			}
		}
	}
	return changed
}
