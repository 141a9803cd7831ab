// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package codegen translates the IR of a function, with its memory layout, into a bundle.Program, and
// emits bundles. It is shared by the backends.
package codegen

import (
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/nnc/ir"
	"github.com/gomlx/nnc/pkg/bundle"
)

var stepOfOpcode = map[ir.Opcode]bundle.StepOp{
	ir.OpCopy:             bundle.StepCopy,
	ir.OpAdd:              bundle.StepAdd,
	ir.OpMul:              bundle.StepMul,
	ir.OpDiv:              bundle.StepDiv,
	ir.OpMax:              bundle.StepMax,
	ir.OpMin:              bundle.StepMin,
	ir.OpNeg:              bundle.StepNeg,
	ir.OpExp:              bundle.StepExp,
	ir.OpLog:              bundle.StepLog,
	ir.OpSqrt:             bundle.StepSqrt,
	ir.OpTanh:             bundle.StepTanh,
	ir.OpRelu:             bundle.StepRelu,
	ir.OpSigmoid:          bundle.StepSigmoid,
	ir.OpSplat:            bundle.StepSplat,
	ir.OpMaxSplat:         bundle.StepMaxSplat,
	ir.OpMatMul:           bundle.StepMatMul,
	ir.OpTranspose:        bundle.StepTranspose,
	ir.OpBatchedAdd:       bundle.StepBatchedAdd,
	ir.OpBatchedMul:       bundle.StepBatchedMul,
	ir.OpBatchedReduceAdd: bundle.StepBatchedReduceAdd,
	ir.OpBatchedReduceMax: bundle.StepBatchedReduceMax,
	ir.OpFullyConnected:   bundle.StepFullyConnected,
}

// Program translates f into a bundle.Program over the regions described by layout.
// Allocation and deallocation instructions have no step: the activations already have their offsets.
func Program(f *ir.Function, layout *ir.Layout) (*bundle.Program, error) {
	cfg := layout.Config
	program := &bundle.Program{
		Name:                f.Name,
		ConstantWeightsSize: cfg.ConstantWeightsSize,
		MutableWeightsSize:  cfg.MutableWeightsSize,
		ActivationsSize:     cfg.ActivationsSize,
	}
	for _, inst := range f.Instructions {
		if inst.Op.IsMemoryManagement() {
			continue
		}
		op, found := stepOfOpcode[inst.Op]
		if !found {
			return nil, errors.Errorf("code generation for %q: instruction %q has no step for opcode %s", f.Name, inst.Name, inst.Op)
		}
		step := bundle.Step{Op: op, Name: inst.Name, Value: inst.Value, Operands: make([]bundle.Ref, len(inst.Operands))}
		for ii, operand := range inst.Operands {
			s, found := layout.Symbol(operand.Value)
			if !found {
				return nil, errors.Errorf("code generation for %q: value %q of instruction %q has no memory assigned",
					f.Name, operand.Value.Name(), inst.Name)
			}
			step.Operands[ii] = bundle.Ref{Region: s.Region, Offset: s.Offset, Size: s.Size, DTypeName: s.DTypeName}
		}
		switch inst.Op {
		case ir.OpMatMul, ir.OpFullyConnected:
			lhs, rhs := inst.Operands[1].Value.Shape(), inst.Operands[2].Value.Shape()
			step.Dims = []int{lhs.Dim(0), lhs.Dim(1), rhs.Dim(1)}
		case ir.OpTranspose:
			src := inst.Operands[1].Value.Shape()
			step.Dims = []int{src.Dim(0), src.Dim(1)}
		}
		program.Steps = append(program.Steps, step)
	}
	return program, nil
}

// FillWeights copies the payloads of the weights of f placed in region into buf, at the offsets of layout.
// buf must have the size of the region.
func FillWeights(f *ir.Function, layout *ir.Layout, region bundle.Region, buf []byte) error {
	if uint64(len(buf)) != layout.Config.RegionSize(region) {
		return errors.Errorf("filling %s region of %q: buffer has %d bytes, wanted %d",
			region, f.Name, len(buf), layout.Config.RegionSize(region))
	}
	for _, w := range f.Weights {
		s := layout.Weights[w]
		if s.Region != region {
			continue
		}
		payload := w.Payload()
		if payload == nil {
			return errors.Errorf("filling %s region of %q: weight %q has no value", region, f.Name, w.Name())
		}
		copy(buf[s.Offset:s.End()], payload.Bytes())
	}
	return nil
}

// ConstantWeights returns the contents of the constant-weights region: the values of the constant weights
// of f, at their offsets, with zero padding.
func ConstantWeights(f *ir.Function, layout *ir.Layout) ([]byte, error) {
	buf := make([]byte, layout.Config.ConstantWeightsSize)
	if err := FillWeights(f, layout, bundle.ConstantWeights, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// Save emits the bundle of f in outputDir: its config (the symbol table of layout, with a new ID), the
// constant-weights file and the program.
func Save(f *ir.Function, layout *ir.Layout, outputDir string) error {
	program, err := Program(f, layout)
	if err != nil {
		return err
	}
	// Catch inconsistencies before writing anything.
	if _, err = program.Compile(); err != nil {
		return errors.WithMessagef(err, "bundle for %q", f.Name)
	}
	weights, err := ConstantWeights(f, layout)
	if err != nil {
		return err
	}
	cfg := *layout.Config
	cfg.ID = uuid.New()
	if err = bundle.Save(outputDir, &cfg, program, weights); err != nil {
		return err
	}
	klog.V(1).Infof("Saved bundle %s for %q (%d steps) in %q", cfg.ID, f.Name, len(program.Steps), outputDir)
	return nil
}
