// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ir

import (
	"fmt"
	"strings"

	"github.com/gomlx/nnc/graph"
	"github.com/gomlx/nnc/types/shapes"
)

// Opcode of an Instruction.
type Opcode int

const (
	OpInvalid Opcode = iota
	OpAllocActivation
	OpDeallocActivation
	OpCopy
	OpAdd
	OpMul
	OpDiv
	OpMax
	OpMin
	OpNeg
	OpExp
	OpLog
	OpSqrt
	OpTanh
	OpSplat
	OpMatMul
	OpTranspose
	OpBatchedAdd
	OpBatchedMul
	OpBatchedReduceAdd
	OpBatchedReduceMax
	OpFullyConnected
	OpRelu
	OpSigmoid
	OpMaxSplat
	OpLast
)

var opcodeNames = [OpLast]string{
	OpInvalid:           "Invalid",
	OpAllocActivation:   "AllocActivation",
	OpDeallocActivation: "DeallocActivation",
	OpCopy:              "Copy",
	OpAdd:               "Add",
	OpMul:               "Mul",
	OpDiv:               "Div",
	OpMax:               "Max",
	OpMin:               "Min",
	OpNeg:               "Neg",
	OpExp:               "Exp",
	OpLog:               "Log",
	OpSqrt:              "Sqrt",
	OpTanh:              "Tanh",
	OpSplat:             "Splat",
	OpMatMul:            "MatMul",
	OpTranspose:         "Transpose",
	OpBatchedAdd:        "BatchedAdd",
	OpBatchedMul:        "BatchedMul",
	OpBatchedReduceAdd:  "BatchedReduceAdd",
	OpBatchedReduceMax:  "BatchedReduceMax",
	OpFullyConnected:    "FullyConnected",
	OpRelu:              "Relu",
	OpSigmoid:           "Sigmoid",
	OpMaxSplat:          "MaxSplat",
}

func (op Opcode) String() string {
	if op < 0 || op >= OpLast {
		return fmt.Sprintf("Opcode(%d)", int(op))
	}
	return opcodeNames[op]
}

// IsElementwise returns whether the output element i depends only on the input elements i. Elementwise
// instructions can write their output over one of their inputs.
func (op Opcode) IsElementwise() bool {
	switch op {
	case OpAdd, OpMul, OpDiv, OpMax, OpMin, OpNeg, OpExp, OpLog, OpSqrt, OpTanh, OpRelu, OpSigmoid, OpMaxSplat:
		return true
	}
	return false
}

// IsBatched returns whether the op combines a batch operand (input #0) with a slice: the output can be written
// over the batch operand.
func (op Opcode) IsBatched() bool {
	return op == OpBatchedAdd || op == OpBatchedMul
}

// IsMemoryManagement returns whether op is an allocation or deallocation of an activation.
func (op Opcode) IsMemoryManagement() bool {
	return op == OpAllocActivation || op == OpDeallocActivation
}

// opcodeOfKind maps computing graph node kinds to their instruction.
var opcodeOfKind = map[graph.NodeKind]Opcode{
	graph.KindAdd:              OpAdd,
	graph.KindMul:              OpMul,
	graph.KindDiv:              OpDiv,
	graph.KindMax:              OpMax,
	graph.KindMin:              OpMin,
	graph.KindNeg:              OpNeg,
	graph.KindExp:              OpExp,
	graph.KindLog:              OpLog,
	graph.KindSqrt:             OpSqrt,
	graph.KindTanh:             OpTanh,
	graph.KindSplat:            OpSplat,
	graph.KindMatMul:           OpMatMul,
	graph.KindTranspose:        OpTranspose,
	graph.KindReshape:          OpCopy,
	graph.KindBatchedAdd:       OpBatchedAdd,
	graph.KindBatchedMul:       OpBatchedMul,
	graph.KindBatchedReduceAdd: OpBatchedReduceAdd,
	graph.KindBatchedReduceMax: OpBatchedReduceMax,
	graph.KindFullyConnected:   OpFullyConnected,
	graph.KindRelu:             OpRelu,
	graph.KindSigmoid:          OpSigmoid,
	graph.KindMaxSplat:         OpMaxSplat,
}

// HasInstruction returns whether nodes of the kind can be translated to an IR instruction. Backends must
// not report other computing kinds as supported.
func HasInstruction(kind graph.NodeKind) bool {
	_, found := opcodeOfKind[kind]
	return found
}

// Direction of an operand.
type Direction int

const (
	In Direction = iota
	Out
	InOut
)

func (d Direction) String() string {
	switch d {
	case Out:
		return "out"
	case InOut:
		return "inout"
	}
	return "in"
}

// Operand of an instruction.
type Operand struct {
	Value     Value
	Direction Direction
}

// Instruction is one step of the IR. By convention Operands[0] is the output (Out, or InOut when the output
// shares the storage of an input) and the following operands are the inputs.
// AllocActivation and DeallocActivation have the activation as their single operand.
type Instruction struct {
	Name     string
	Op       Opcode
	Operands []Operand

	// Value is the scalar attribute of OpSplat and OpMaxSplat.
	Value float64
}

// NewInstruction creates an instruction writing output and reading inputs.
func NewInstruction(name string, op Opcode, output Value, inputs ...Value) *Instruction {
	inst := &Instruction{Name: name, Op: op, Operands: make([]Operand, 0, 1+len(inputs))}
	inst.Operands = append(inst.Operands, Operand{Value: output, Direction: Out})
	for _, input := range inputs {
		inst.Operands = append(inst.Operands, Operand{Value: input, Direction: In})
	}
	return inst
}

// Output returns the value written by the instruction (or allocated/deallocated).
func (inst *Instruction) Output() Value { return inst.Operands[0].Value }

// Inputs returns the values read by the instruction, excluding the output.
func (inst *Instruction) Inputs() []Value {
	if inst.Op.IsMemoryManagement() {
		return nil
	}
	inputs := make([]Value, 0, len(inst.Operands)-1)
	for _, operand := range inst.Operands[1:] {
		inputs = append(inputs, operand.Value)
	}
	return inputs
}

// Uses returns whether the instruction reads or writes v (memory management instructions excluded).
func (inst *Instruction) Uses(v Value) bool {
	if inst.Op.IsMemoryManagement() {
		return false
	}
	for _, operand := range inst.Operands {
		if operand.Value == v {
			return true
		}
	}
	return false
}

// Reads returns whether the instruction reads v.
func (inst *Instruction) Reads(v Value) bool {
	if inst.Op.IsMemoryManagement() {
		return false
	}
	for ii, operand := range inst.Operands {
		if operand.Value == v && (ii > 0 || operand.Direction == InOut) {
			return true
		}
	}
	return false
}

// ReplaceValue replaces every operand referring to old by replacement.
func (inst *Instruction) ReplaceValue(old, replacement Value) {
	for ii := range inst.Operands {
		if inst.Operands[ii].Value == old {
			inst.Operands[ii].Value = replacement
		}
	}
}

// String implements fmt.Stringer.
func (inst *Instruction) String() string {
	parts := make([]string, len(inst.Operands))
	for ii, operand := range inst.Operands {
		parts[ii] = fmt.Sprintf("@%s %%%s", operand.Direction, operand.Value.Name())
	}
	extra := ""
	if inst.Op == OpSplat || inst.Op == OpMaxSplat {
		extra = fmt.Sprintf(" value=%g", inst.Value)
	}
	return fmt.Sprintf("%s = %s %s%s", inst.Name, inst.Op, strings.Join(parts, ", "), extra)
}

// checkShapes verifies the operand shapes of the instruction.
func (inst *Instruction) checkShapes() error {
	shapesOf := make([]shapes.Shape, len(inst.Operands))
	for ii, operand := range inst.Operands {
		shapesOf[ii] = operand.Value.Shape()
	}
	wantOperands := func(n int) error {
		if len(shapesOf) != n {
			return fmt.Errorf("%s takes %d operands, got %d", inst.Op, n, len(shapesOf))
		}
		return nil
	}
	allEqual := func() error {
		for _, s := range shapesOf[1:] {
			if !s.Equal(shapesOf[0]) {
				return fmt.Errorf("%s: operand shapes differ: %v", inst.Op, shapesOf)
			}
		}
		return nil
	}
	out := shapesOf[0]
	switch {
	case inst.Op.IsMemoryManagement():
		return wantOperands(1)
	case inst.Op.IsElementwise():
		n := 3
		if inst.Op == OpNeg || inst.Op == OpExp || inst.Op == OpLog || inst.Op == OpSqrt || inst.Op == OpTanh ||
			inst.Op == OpRelu || inst.Op == OpSigmoid || inst.Op == OpMaxSplat {
			n = 2
		}
		if err := wantOperands(n); err != nil {
			return err
		}
		return allEqual()
	}
	switch inst.Op {
	case OpCopy:
		if err := wantOperands(2); err != nil {
			return err
		}
		if out.DType != shapesOf[1].DType || out.Size() != shapesOf[1].Size() {
			return fmt.Errorf("Copy: cannot copy %s into %s", shapesOf[1], out)
		}
	case OpSplat:
		return wantOperands(1)
	case OpMatMul:
		if err := wantOperands(3); err != nil {
			return err
		}
		lhs, rhs := shapesOf[1], shapesOf[2]
		if lhs.Rank() != 2 || rhs.Rank() != 2 || lhs.Dim(1) != rhs.Dim(0) || out.Rank() != 2 ||
			out.Dim(0) != lhs.Dim(0) || out.Dim(1) != rhs.Dim(1) {
			return fmt.Errorf("MatMul: invalid shapes %v", shapesOf)
		}
	case OpFullyConnected:
		if err := wantOperands(4); err != nil {
			return err
		}
		x, w, b := shapesOf[1], shapesOf[2], shapesOf[3]
		if x.Rank() != 2 || w.Rank() != 2 || b.Rank() != 1 || x.Dim(1) != w.Dim(0) || b.Dim(0) != w.Dim(1) ||
			out.Rank() != 2 || out.Dim(0) != x.Dim(0) || out.Dim(1) != w.Dim(1) {
			return fmt.Errorf("FullyConnected: invalid shapes %v", shapesOf)
		}
	case OpTranspose:
		if err := wantOperands(2); err != nil {
			return err
		}
		src := shapesOf[1]
		if src.Rank() != 2 || out.Rank() != 2 || out.Dim(0) != src.Dim(1) || out.Dim(1) != src.Dim(0) {
			return fmt.Errorf("Transpose: invalid shapes %v", shapesOf)
		}
	case OpBatchedAdd, OpBatchedMul:
		if err := wantOperands(3); err != nil {
			return err
		}
		if !out.Equal(shapesOf[1]) || out.Rank() < 1 || !out.Slice().Equal(shapesOf[2]) {
			return fmt.Errorf("%s: invalid shapes %v", inst.Op, shapesOf)
		}
	case OpBatchedReduceAdd, OpBatchedReduceMax:
		if err := wantOperands(2); err != nil {
			return err
		}
		if shapesOf[1].Rank() < 1 || !shapesOf[1].Slice().Equal(out) {
			return fmt.Errorf("%s: invalid shapes %v", inst.Op, shapesOf)
		}
	default:
		return fmt.Errorf("unknown opcode %s", inst.Op)
	}
	return nil
}
