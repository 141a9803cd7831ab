// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package ir implements the low-level instruction stream a lowered graph.Function is translated to.
//
// The IR works on explicit storage:
//
//   - WeightVar: storage that outlives a forward pass. Constant weights are known at compile time and never
//     written; mutable weights back the Variables the caller reads or writes (inputs and outputs) and the
//     Variables written by the function.
//   - ActivationVar: transient storage of one forward pass, declared by an AllocActivation instruction and
//     released by a DeallocActivation instruction.
//
// Generate translates a lowered function into an ir.Function, and AllocateMemory assigns every value to an
// offset in one of the three memory regions, producing a Layout.
package ir

import (
	"fmt"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"

	"github.com/gomlx/nnc/graph"
	"github.com/gomlx/nnc/types/shapes"
	"github.com/gomlx/nnc/types/tensors"
)

// Value is a storage location operated on by instructions: either a *WeightVar or an *ActivationVar.
type Value interface {
	Name() string
	Shape() shapes.Shape
	isValue()
}

// Mutability of a WeightVar.
type Mutability int

const (
	Constant Mutability = iota
	Mutable
)

func (m Mutability) String() string {
	if m == Mutable {
		return "mutable"
	}
	return "constant"
}

// WeightVar is storage persisting across forward passes.
type WeightVar struct {
	name       string
	shape      shapes.Shape
	mutability Mutability

	// variable backing the WeightVar, or nil for the values of Constant nodes.
	variable *graph.Variable

	// constant holds the value of a Constant node.
	constant *tensors.Tensor
}

func (w *WeightVar) isValue() {}

// Name of the weight: the variable name, or the name of the Constant node.
func (w *WeightVar) Name() string { return w.name }

// Shape of the weight.
func (w *WeightVar) Shape() shapes.Shape { return w.shape }

// Mutability of the weight.
func (w *WeightVar) Mutability() Mutability { return w.mutability }

// IsMutable returns whether the weight lives in the mutable region.
func (w *WeightVar) IsMutable() bool { return w.mutability == Mutable }

// Variable backing the weight, or nil for function constants.
func (w *WeightVar) Variable() *graph.Variable { return w.variable }

// Payload returns the tensor holding the value of the weight: the variable's payload, or the constant's value.
func (w *WeightVar) Payload() *tensors.Tensor {
	if w.variable != nil {
		return w.variable.Payload()
	}
	return w.constant
}

// String implements fmt.Stringer.
func (w *WeightVar) String() string {
	return fmt.Sprintf("%%%s: %s weight %s", w.name, w.mutability, w.shape)
}

// ActivationVar is storage of one forward pass.
type ActivationVar struct {
	name  string
	shape shapes.Shape
}

func (a *ActivationVar) isValue() {}

// NewActivationVar creates an activation. It must be declared with an AllocActivation instruction before used.
func NewActivationVar(name string, shape shapes.Shape) *ActivationVar {
	return &ActivationVar{name: name, shape: shape}
}

// Name of the activation.
func (a *ActivationVar) Name() string { return a.name }

// Shape of the activation.
func (a *ActivationVar) Shape() shapes.Shape { return a.shape }

// String implements fmt.Stringer.
func (a *ActivationVar) String() string {
	return fmt.Sprintf("%%%s: activation %s", a.name, a.shape)
}

// Function is the IR container: the instruction stream of one compiled graph.Function.
type Function struct {
	// Name of the function, the same as Graph's.
	Name string

	// Graph is the lowered graph function the IR was generated from.
	Graph *graph.Function

	// Mode the function was compiled for.
	Mode graph.CompilationMode

	// Weights in order of first appearance.
	Weights []*WeightVar

	Instructions []*Instruction
}

// New returns an empty IR container.
func New() *Function {
	return &Function{}
}

// Clear removes all the contents of the container.
func (f *Function) Clear() {
	*f = Function{}
}

// Empty returns whether the container has no instructions.
func (f *Function) Empty() bool {
	return len(f.Instructions) == 0
}

// Weight returns the WeightVar with the given name, or nil.
func (f *Function) Weight(name string) *WeightVar {
	for _, w := range f.Weights {
		if w.name == name {
			return w
		}
	}
	return nil
}

// WeightOf returns the WeightVar backed by v, or nil.
func (f *Function) WeightOf(v *graph.Variable) *WeightVar {
	for _, w := range f.Weights {
		if w.variable == v {
			return w
		}
	}
	return nil
}

// Activations returns the activations in the order they are allocated.
func (f *Function) Activations() []*ActivationVar {
	var activations []*ActivationVar
	for _, inst := range f.Instructions {
		if inst.Op == OpAllocActivation {
			activations = append(activations, inst.Output().(*ActivationVar))
		}
	}
	return activations
}

// Verify checks the consistency of the instruction stream:
//
//   - every weight operand is declared in Weights, and constant weights are never written;
//   - every activation is allocated exactly once, used only between its allocation and its deallocation,
//     and deallocated exactly once;
//   - the operand shapes match the instruction.
func (f *Function) Verify() (err error) {
	err = exceptions.TryCatch[error](f.verify)
	if err != nil {
		err = errors.WithMessagef(err, "IR of function %q", f.Name)
	}
	return
}

type activationState int

const (
	notAllocated activationState = iota
	allocated
	deallocated
)

func (f *Function) verify() {
	weights := make(map[*WeightVar]bool, len(f.Weights))
	names := make(map[string]bool, len(f.Weights))
	for _, w := range f.Weights {
		if names[w.name] {
			exceptions.Panicf("weight %q declared twice", w.name)
		}
		names[w.name] = true
		weights[w] = true
	}
	states := make(map[*ActivationVar]activationState)
	for ii, inst := range f.Instructions {
		if len(inst.Operands) == 0 {
			exceptions.Panicf("instruction #%d (%s) has no operands", ii, inst.Name)
		}
		for jj, operand := range inst.Operands {
			switch v := operand.Value.(type) {
			case *WeightVar:
				if !weights[v] {
					exceptions.Panicf("instruction #%d (%s) uses undeclared weight %q", ii, inst.Name, v.name)
				}
				if v.mutability == Constant && (jj == 0 || operand.Direction != In) {
					exceptions.Panicf("instruction #%d (%s) writes constant weight %q", ii, inst.Name, v.name)
				}
				if inst.Op.IsMemoryManagement() {
					exceptions.Panicf("instruction #%d (%s) allocates or deallocates weight %q", ii, inst.Name, v.name)
				}
			case *ActivationVar:
				state := states[v]
				switch {
				case inst.Op == OpAllocActivation:
					if state != notAllocated {
						exceptions.Panicf("instruction #%d (%s) allocates %q twice", ii, inst.Name, v.name)
					}
					states[v] = allocated
				case state != allocated:
					exceptions.Panicf("instruction #%d (%s) uses %q outside of its lifetime", ii, inst.Name, v.name)
				case inst.Op == OpDeallocActivation:
					states[v] = deallocated
				}
			default:
				exceptions.Panicf("instruction #%d (%s) operand #%d has invalid value %v", ii, inst.Name, jj, operand.Value)
			}
		}
		if err := inst.checkShapes(); err != nil {
			panic(errors.WithMessagef(err, "instruction #%d (%s)", ii, inst.Name))
		}
	}
	for v, state := range states {
		if state != deallocated {
			exceptions.Panicf("activation %q is never deallocated", v.name)
		}
	}
}

// String implements fmt.Stringer, with a readable dump of the IR.
func (f *Function) String() string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "IR %q (%s):\n", f.Name, f.Mode)
	_, _ = fmt.Fprintf(&sb, "  weights:\n")
	for _, w := range f.Weights {
		_, _ = fmt.Fprintf(&sb, "    %s\n", w)
	}
	_, _ = fmt.Fprintf(&sb, "  instructions:\n")
	for _, inst := range f.Instructions {
		_, _ = fmt.Fprintf(&sb, "    %s\n", inst)
	}
	return sb.String()
}
