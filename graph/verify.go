// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// Verify checks the function is well-formed:
//
//   - it has at least one Save node, and no variable is written by two Saves;
//   - every node input belongs to this function and was not erased;
//   - every node satisfies the shape rules of its kind;
//   - node names are unique;
//   - variables read and written belong to the function's module;
//   - there are no cycles.
func (fn *Function) Verify() (err error) {
	err = exceptions.TryCatch[error](func() { fn.verify() })
	return
}

func (fn *Function) verify() {
	if fn.module == nil {
		exceptions.Panicf("function %q has no module", fn.name)
	}
	names := make(map[string]*Node, len(fn.nodes))
	saved := make(map[*Variable]*Node)
	live := make(map[*Node]bool, len(fn.nodes))
	for _, node := range fn.nodes {
		live[node] = true
	}
	for _, node := range fn.nodes {
		if node.fn != fn || node.erased {
			exceptions.Panicf("function %q: node %q is not owned by it", fn.name, node.name)
		}
		if other, found := names[node.name]; found {
			exceptions.Panicf("function %q: nodes #%d and #%d have the same name %q", fn.name, other.id, node.id, node.name)
		}
		names[node.name] = node
		for ii, input := range node.inputs {
			if input == nil || !live[input] {
				exceptions.Panicf("function %q: input #%d of node %q is not a live node of the function", fn.name, ii, node.name)
			}
		}
		shape, err := inferShape(node)
		if err != nil {
			panic(errors.WithMessagef(err, "function %q, node %q", fn.name, node.name))
		}
		if !shape.Equal(node.shape) {
			exceptions.Panicf("function %q: node %q has shape %s, but its inputs yield %s", fn.name, node.name, node.shape, shape)
		}
		if node.kind == KindSave {
			if other, found := saved[node.variable]; found {
				exceptions.Panicf("function %q: variable %q is written by both %q and %q",
					fn.name, node.variable.name, other.name, node.name)
			}
			saved[node.variable] = node
		}
	}
	if len(saved) == 0 {
		exceptions.Panicf("function %q has no outputs (Save nodes)", fn.name)
	}
	if _, err := fn.TopologicalOrder(); err != nil {
		panic(err)
	}
}
