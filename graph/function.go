// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// CompilationMode selects the shape of the graph being compiled.
type CompilationMode int

const (
	// ModeInfer compiles for inference: Private variables not written by the function are constants.
	ModeInfer CompilationMode = iota

	// ModeTrain compiles a training-shaped forward pass: all variables are mutable, and operators like
	// BatchNormalization use batch statistics.
	ModeTrain
)

func (m CompilationMode) String() string {
	if m == ModeTrain {
		return "train"
	}
	return "infer"
}

// Function is a named DAG of Nodes, rooted at Save nodes. It's owned by a Module.
type Function struct {
	module *Module
	name   string
	nodes  []*Node
	nextID int

	// varNodes maps each variable referenced by the function to its (unique) KindVariable node.
	varNodes map[*Variable]*Node
}

func newFunction(m *Module, name string) *Function {
	return &Function{
		module:   m,
		name:     name,
		varNodes: make(map[*Variable]*Node),
	}
}

// Name of the function.
func (fn *Function) Name() string { return fn.name }

// Module that owns the function.
func (fn *Function) Module() *Module { return fn.module }

// Nodes returns the live (not erased) nodes of the function in creation order.
func (fn *Function) Nodes() []*Node {
	return slices.Clone(fn.nodes)
}

// NumNodes returns the number of live nodes.
func (fn *Function) NumNodes() int { return len(fn.nodes) }

// Saves returns the KindSave nodes (the roots of the function) in creation order.
func (fn *Function) Saves() []*Node {
	var saves []*Node
	for _, node := range fn.nodes {
		if node.kind == KindSave {
			saves = append(saves, node)
		}
	}
	return saves
}

// SavedVariables returns the set of variables written by Save nodes of the function.
func (fn *Function) SavedVariables() map[*Variable]bool {
	saved := make(map[*Variable]bool)
	for _, node := range fn.nodes {
		if node.kind == KindSave {
			saved[node.variable] = true
		}
	}
	return saved
}

// VariableNode returns the node reading v in this function, or nil if v is not referenced.
func (fn *Function) VariableNode(v *Variable) *Node {
	return fn.varNodes[v]
}

// build validates the node (inputs and shape) and registers it in fn.
// It panics if the node is invalid.
func (fn *Function) build(node *Node) *Node {
	for ii, input := range node.inputs {
		if input == nil {
			exceptions.Panicf("%s: input #%d is nil", node.kind, ii)
		}
		if input.fn != fn {
			exceptions.Panicf("%s: input #%d (%s) belongs to a different function", node.kind, ii, input.name)
		}
		if input.erased {
			exceptions.Panicf("%s: input #%d (%s) was erased", node.kind, ii, input.name)
		}
	}
	node.fn = fn
	shape, err := inferShape(node)
	if err != nil {
		panic(errors.WithMessagef(err, "function %q", fn.name))
	}
	node.shape = shape
	node.id = fn.nextID
	fn.nextID++
	if node.name == "" {
		node.name = fmt.Sprintf("%s_%d", strings.ToLower(node.kind.String()), node.id)
	}
	fn.nodes = append(fn.nodes, node)
	return node
}

// Users returns, for each node, the list of nodes that use it as input (one entry per use).
func (fn *Function) Users() map[*Node][]*Node {
	users := make(map[*Node][]*Node, len(fn.nodes))
	for _, node := range fn.nodes {
		for _, input := range node.inputs {
			users[input] = append(users[input], node)
		}
	}
	return users
}

// ReplaceAllUsesWith makes every node using old as input use replacement instead, except replacement itself.
// It returns the number of uses replaced.
func (fn *Function) ReplaceAllUsesWith(old, replacement *Node) int {
	if old == replacement {
		return 0
	}
	if old.fn != fn || replacement.fn != fn {
		exceptions.Panicf("ReplaceAllUsesWith(%s, %s): nodes must belong to function %q", old.name, replacement.name, fn.name)
	}
	if !old.shape.Equal(replacement.shape) {
		exceptions.Panicf("ReplaceAllUsesWith(%s, %s): shapes %s and %s differ", old.name, replacement.name, old.shape, replacement.shape)
	}
	count := 0
	for _, node := range fn.nodes {
		if node == replacement {
			continue
		}
		for ii, input := range node.inputs {
			if input == old {
				node.inputs[ii] = replacement
				count++
			}
		}
	}
	return count
}

// SetInput changes input #idx of node.
func (fn *Function) SetInput(node *Node, idx int, input *Node) {
	if input.fn != fn || node.fn != fn {
		exceptions.Panicf("SetInput(%s, %d, %s): nodes must belong to function %q", node.name, idx, input.name, fn.name)
	}
	node.inputs[idx] = input
}

// EraseNode removes the node from the function. The caller must make sure it has no users.
func (fn *Function) EraseNode(node *Node) {
	if node.erased {
		return
	}
	node.erased = true
	fn.nodes = slices.DeleteFunc(fn.nodes, func(n *Node) bool { return n == node })
	if node.kind == KindVariable && fn.varNodes[node.variable] == node {
		delete(fn.varNodes, node.variable)
	}
}

// TopologicalOrder returns the nodes reachable from the Save nodes, such that every node comes after its
// inputs. Roots are visited in creation order, and inputs in order, so the result is deterministic.
// It returns an error if the graph has a cycle.
func (fn *Function) TopologicalOrder() ([]*Node, error) {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[*Node]int, len(fn.nodes))
	order := make([]*Node, 0, len(fn.nodes))
	var visit func(node *Node) error
	visit = func(node *Node) error {
		switch state[node] {
		case done:
			return nil
		case visiting:
			return errors.Errorf("function %q has a cycle through node %q", fn.name, node.name)
		}
		state[node] = visiting
		for _, input := range node.inputs {
			if err := visit(input); err != nil {
				return err
			}
		}
		state[node] = done
		order = append(order, node)
		return nil
	}
	for _, save := range fn.Saves() {
		if err := visit(save); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// Clone returns a detached copy of the function: same name, nodes, node ids and names, and referencing the
// same Module variables. The copy is not registered in the Module, so it can be transformed by the
// compilation pipeline without affecting fn.
func (fn *Function) Clone() *Function {
	clone := newFunction(fn.module, fn.name)
	clone.nextID = fn.nextID
	mapping := make(map[*Node]*Node, len(fn.nodes))
	for _, node := range fn.nodes {
		nodeClone := &Node{
			fn:       clone,
			id:       node.id,
			name:     node.name,
			kind:     node.kind,
			shape:    node.shape.Clone(),
			variable: node.variable,
			value:    node.value,
			tensor:   node.tensor,
		}
		mapping[node] = nodeClone
		clone.nodes = append(clone.nodes, nodeClone)
		if node.kind == KindVariable {
			clone.varNodes[node.variable] = nodeClone
		}
	}
	for _, node := range fn.nodes {
		nodeClone := mapping[node]
		nodeClone.inputs = make([]*Node, len(node.inputs))
		for ii, input := range node.inputs {
			nodeClone.inputs[ii] = mapping[input]
		}
	}
	return clone
}

// String implements fmt.Stringer, with one line per node.
func (fn *Function) String() string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "Function %q (%d nodes):\n", fn.name, len(fn.nodes))
	for _, node := range fn.nodes {
		_, _ = fmt.Fprintf(&sb, "\t%s\n", node)
	}
	return sb.String()
}
