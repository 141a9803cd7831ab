// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package graph defines the high-level dataflow graph compiled by the engine.
//
// A Module owns a set of Variables (named persistent storage, Public or Private) and a set of Functions.
// A Function is a DAG of Nodes, built with its builder methods (Add, MatMul, FullyConnected, ...), whose roots
// are Save nodes writing results into Variables.
//
// Builders validate shapes when the graph is built and panic (with exceptions.Panicf) on invalid arguments.
// Function.Verify re-checks the whole graph and returns an error, and it is what the compilation pipeline
// runs first.
package graph

import (
	"fmt"
	"slices"

	"github.com/pkg/errors"

	"github.com/gomlx/nnc/types/shapes"
	"github.com/gomlx/nnc/types/tensors"
)

// Visibility of a Variable: only Public variables can be bound to inputs by the execution engine.
type Visibility int

const (
	// Private variables are internal parameters or constants. In ModeInfer they may be folded into constants.
	Private Visibility = iota

	// Public variables can be bound to caller inputs and read back as outputs.
	Public
)

func (v Visibility) String() string {
	if v == Public {
		return "Public"
	}
	return "Private"
}

// Variable is a named persistent storage slot owned by a Module. Its payload persists across recompilations.
type Variable struct {
	module     *Module
	name       string
	shape      shapes.Shape
	visibility Visibility
	payload    *tensors.Tensor
}

// Name of the variable, unique within its Module.
func (v *Variable) Name() string { return v.name }

// Shape of the variable.
func (v *Variable) Shape() shapes.Shape { return v.shape }

// Visibility of the variable.
func (v *Variable) Visibility() Visibility { return v.visibility }

// IsPublic returns whether the variable is Public.
func (v *Variable) IsPublic() bool { return v.visibility == Public }

// Module that owns the variable.
func (v *Variable) Module() *Module { return v.module }

// Payload returns the tensor holding the variable contents. The same tensor is used for the lifetime of the
// variable: its contents are updated in place.
func (v *Variable) Payload() *tensors.Tensor { return v.payload }

// SetValue copies the contents of t into the variable payload. The shapes must be equal.
func (v *Variable) SetValue(t *tensors.Tensor) error {
	if err := v.payload.CopyFrom(t); err != nil {
		return errors.WithMessagef(err, "setting value of variable %q", v.name)
	}
	return nil
}

// String implements fmt.Stringer.
func (v *Variable) String() string {
	return fmt.Sprintf("%s Variable %q %s", v.visibility, v.name, v.shape)
}

// Module is the container of Variables and Functions.
type Module struct {
	variables []*Variable
	functions []*Function
}

// NewModule returns an empty Module.
func NewModule() *Module {
	return &Module{}
}

// CreateVariable creates a new variable with the given shape, initialized with zeros.
func (m *Module) CreateVariable(name string, shape shapes.Shape, visibility Visibility) (*Variable, error) {
	if name == "" {
		return nil, errors.New("variable name cannot be empty")
	}
	if m.Variable(name) != nil {
		return nil, errors.Errorf("variable %q already exists in module", name)
	}
	if !shape.Ok() {
		return nil, errors.Errorf("invalid shape for variable %q", name)
	}
	v := &Variable{
		module:     m,
		name:       name,
		shape:      shape.Clone(),
		visibility: visibility,
		payload:    tensors.FromShape(shape),
	}
	m.variables = append(m.variables, v)
	return v, nil
}

// CreateVariableWithValue creates a new variable with the shape of value, and a copy of its contents.
func (m *Module) CreateVariableWithValue(name string, visibility Visibility, value *tensors.Tensor) (*Variable, error) {
	v, err := m.CreateVariable(name, value.Shape(), visibility)
	if err != nil {
		return nil, err
	}
	if err = v.SetValue(value); err != nil {
		return nil, err
	}
	return v, nil
}

// Variable returns the variable with the given name, or nil if not found.
func (m *Module) Variable(name string) *Variable {
	for _, v := range m.variables {
		if v.name == name {
			return v
		}
	}
	return nil
}

// Variables returns the variables of the module, in creation order.
func (m *Module) Variables() []*Variable {
	return slices.Clone(m.variables)
}

// CreateFunction creates a new empty Function in the module.
func (m *Module) CreateFunction(name string) (*Function, error) {
	if name == "" {
		return nil, errors.New("function name cannot be empty")
	}
	if m.Function(name) != nil {
		return nil, errors.Errorf("function %q already exists in module", name)
	}
	fn := newFunction(m, name)
	m.functions = append(m.functions, fn)
	return fn, nil
}

// Function returns the function with the given name, or nil if not found.
func (m *Module) Function(name string) *Function {
	for _, fn := range m.functions {
		if fn.name == name {
			return fn
		}
	}
	return nil
}

// Functions returns the functions of the module, in creation order.
func (m *Module) Functions() []*Function {
	return slices.Clone(m.functions)
}

// EraseFunction removes fn from the module. It's a no-op if fn is not part of the module.
func (m *Module) EraseFunction(fn *Function) {
	m.functions = slices.DeleteFunc(m.functions, func(f *Function) bool { return f == fn })
}

// String implements fmt.Stringer, listing variables and functions.
func (m *Module) String() string {
	s := fmt.Sprintf("Module (%d variables, %d functions)\n", len(m.variables), len(m.functions))
	for _, v := range m.variables {
		s += "\t" + v.String() + "\n"
	}
	for _, fn := range m.functions {
		s += fn.String()
	}
	return s
}
