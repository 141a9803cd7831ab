// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ir

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/nnc/graph"
)

// Generate translates the lowered function fn into f, which is cleared first:
//
//   - one WeightVar per Variable referenced by fn, Mutable if the variable is Public, written by a Save or
//     the mode is graph.ModeTrain, and Constant otherwise;
//   - one Constant WeightVar per Constant node;
//   - for each computing node, an AllocActivation followed by the instruction writing the activation;
//   - for each Save, a Copy from its source into the destination WeightVar;
//   - a DeallocActivation right after the last use of each activation.
//
// The order of weights and instructions follows the topological order of fn, so generating the IR twice for
// the same function gives the same result.
func Generate(f *Function, fn *graph.Function, mode graph.CompilationMode) error {
	f.Clear()
	order, err := fn.TopologicalOrder()
	if err != nil {
		return errors.WithMessagef(err, "generating IR for %q", fn.Name())
	}
	f.Name = fn.Name()
	f.Graph = fn
	f.Mode = mode

	saved := fn.SavedVariables()
	weightOf := make(map[*graph.Variable]*WeightVar)
	weightFor := func(v *graph.Variable) *WeightVar {
		if w, found := weightOf[v]; found {
			return w
		}
		w := &WeightVar{name: v.Name(), shape: v.Shape(), mutability: Constant, variable: v}
		if v.IsPublic() || saved[v] || mode == graph.ModeTrain {
			w.mutability = Mutable
		}
		weightOf[v] = w
		f.Weights = append(f.Weights, w)
		return w
	}

	values := make(map[*graph.Node]Value, len(order))
	var body []*Instruction
	for _, node := range order {
		switch node.Kind() {
		case graph.KindVariable:
			values[node] = weightFor(node.Variable())
			continue
		case graph.KindConstant:
			w := &WeightVar{name: node.Name(), shape: node.Shape(), mutability: Constant, constant: node.Tensor()}
			f.Weights = append(f.Weights, w)
			values[node] = w
			continue
		case graph.KindSave:
			dest := weightFor(node.Variable())
			src := values[node.Inputs()[0]]
			if src == Value(dest) {
				// Saving a variable into itself.
				continue
			}
			body = append(body, NewInstruction(node.Name(), OpCopy, dest, src))
			continue
		}

		op, found := opcodeOfKind[node.Kind()]
		if !found {
			f.Clear()
			return errors.Errorf("generating IR for %q: no instruction for node %q of kind %s, it should have been lowered",
				fn.Name(), node.Name(), node.Kind())
		}
		act := NewActivationVar(node.Name(), node.Shape())
		body = append(body, NewAlloc(act))
		inputs := make([]Value, len(node.Inputs()))
		for ii, input := range node.Inputs() {
			inputs[ii] = values[input]
		}
		inst := NewInstruction(node.Name(), op, act, inputs...)
		if op == OpSplat || op == OpMaxSplat {
			inst.Value = node.Value()
		}
		body = append(body, inst)
		values[node] = act
	}
	f.Instructions = insertDeallocs(body)
	if klog.V(2).Enabled() {
		klog.Infof("Generated %s", f)
	}
	return nil
}

// insertDeallocs returns the instructions with a DeallocActivation after the last use of every activation.
// Activations that are never used are deallocated right after their allocation.
func insertDeallocs(body []*Instruction) []*Instruction {
	lastUse := make(map[*ActivationVar]int)
	for ii, inst := range body {
		for _, operand := range inst.Operands {
			if act, ok := operand.Value.(*ActivationVar); ok {
				lastUse[act] = ii
			}
		}
	}
	deallocsAt := make(map[int][]*ActivationVar)
	for ii, inst := range body {
		for _, operand := range inst.Operands {
			if act, ok := operand.Value.(*ActivationVar); ok && lastUse[act] == ii {
				deallocsAt[ii] = append(deallocsAt[ii], act)
				delete(lastUse, act)
			}
		}
	}
	result := make([]*Instruction, 0, len(body)+len(deallocsAt))
	for ii, inst := range body {
		result = append(result, inst)
		for _, act := range deallocsAt[ii] {
			result = append(result, NewDealloc(act))
		}
	}
	return result
}

// NewAlloc returns an AllocActivation instruction for act.
func NewAlloc(act *ActivationVar) *Instruction {
	return &Instruction{Name: act.name + ".alloc", Op: OpAllocActivation, Operands: []Operand{{Value: act, Direction: Out}}}
}

// NewDealloc returns a DeallocActivation instruction for act.
func NewDealloc(act *ActivationVar) *Instruction {
	return &Instruction{Name: act.name + ".dealloc", Op: OpDeallocActivation, Operands: []Operand{{Value: act, Direction: In}}}
}
