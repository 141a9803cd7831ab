// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package interpreter

import (
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"

	"github.com/gomlx/nnc/internal/kernels"
	"github.com/gomlx/nnc/ir"
	"github.com/gomlx/nnc/types/tensors"
)

// minParallelChunk is the minimum number of elements per goroutine for elementwise kernels.
const minParallelChunk = 4096

// instructionExecutor executes one instruction, given the flat slices of its operands (output first).
type instructionExecutor func(b *Backend, inst *ir.Instruction, operands []any)

// instructionExecutors is populated during initialization for the opcodes implemented.
// Opcodes left as nil return an error.
var instructionExecutors [ir.OpLast]instructionExecutor

func init() {
	binaryOps := map[ir.Opcode]kernels.BinaryOp{
		ir.OpAdd: kernels.OpAdd,
		ir.OpMul: kernels.OpMul,
		ir.OpDiv: kernels.OpDiv,
		ir.OpMax: kernels.OpMax,
		ir.OpMin: kernels.OpMin,
	}
	for opcode, op := range binaryOps {
		instructionExecutors[opcode] = func(b *Backend, _ *ir.Instruction, operands []any) {
			b.parallelElementwise(operands, func(chunk []any) { kernels.Binary(op, chunk[0], chunk[1], chunk[2]) })
		}
	}
	unaryOps := map[ir.Opcode]kernels.UnaryOp{
		ir.OpNeg:     kernels.OpNeg,
		ir.OpExp:     kernels.OpExp,
		ir.OpLog:     kernels.OpLog,
		ir.OpSqrt:    kernels.OpSqrt,
		ir.OpTanh:    kernels.OpTanh,
		ir.OpRelu:    kernels.OpRelu,
		ir.OpSigmoid: kernels.OpSigmoid,
	}
	for opcode, op := range unaryOps {
		instructionExecutors[opcode] = func(b *Backend, _ *ir.Instruction, operands []any) {
			b.parallelElementwise(operands, func(chunk []any) { kernels.Unary(op, chunk[0], chunk[1]) })
		}
	}
	instructionExecutors[ir.OpCopy] = execCopy
	instructionExecutors[ir.OpSplat] = execSplat
	instructionExecutors[ir.OpMatMul] = execMatMul
	instructionExecutors[ir.OpFullyConnected] = execFullyConnected
	instructionExecutors[ir.OpTranspose] = execTranspose
	instructionExecutors[ir.OpBatchedAdd] = func(_ *Backend, _ *ir.Instruction, operands []any) {
		kernels.BatchedBinary(kernels.OpAdd, operands[0], operands[1], operands[2])
	}
	instructionExecutors[ir.OpBatchedMul] = func(_ *Backend, _ *ir.Instruction, operands []any) {
		kernels.BatchedBinary(kernels.OpMul, operands[0], operands[1], operands[2])
	}
	instructionExecutors[ir.OpBatchedReduceAdd] = func(_ *Backend, _ *ir.Instruction, operands []any) {
		kernels.BatchedReduce(kernels.ReduceAdd, operands[0], operands[1])
	}
	instructionExecutors[ir.OpBatchedReduceMax] = func(_ *Backend, _ *ir.Instruction, operands []any) {
		kernels.BatchedReduce(kernels.ReduceMax, operands[0], operands[1])
	}
}

// parallelElementwise runs kernel over chunks of the operands, all of the same length, using the
// workers pool if enabled.
func (b *Backend) parallelElementwise(operands []any, kernel func(chunk []any)) {
	n := kernels.Len(operands[0])
	if !b.pool.IsEnabled() || n < 2*minParallelChunk {
		kernel(operands)
		return
	}
	b.pool.ParallelFor(n, minParallelChunk, func(start, end int) {
		chunk := make([]any, len(operands))
		for ii, operand := range operands {
			chunk[ii] = kernels.SubSlice(operand, start, end)
		}
		kernel(chunk)
	})
}

func execCopy(_ *Backend, _ *ir.Instruction, operands []any) {
	kernels.Copy(operands[0], operands[1])
}

func execSplat(_ *Backend, inst *ir.Instruction, operands []any) {
	kernels.Splat(operands[0], inst.Value)
}

func execMatMul(_ *Backend, inst *ir.Instruction, operands []any) {
	lhs, rhs := inst.Operands[1].Value.Shape(), inst.Operands[2].Value.Shape()
	kernels.MatMul(operands[0], operands[1], operands[2], lhs.Dim(0), lhs.Dim(1), rhs.Dim(1))
}

func execFullyConnected(_ *Backend, inst *ir.Instruction, operands []any) {
	x, w := inst.Operands[1].Value.Shape(), inst.Operands[2].Value.Shape()
	kernels.FullyConnected(operands[0], operands[1], operands[2], operands[3], x.Dim(0), x.Dim(1), w.Dim(1))
}

func execTranspose(_ *Backend, inst *ir.Instruction, operands []any) {
	src := inst.Operands[1].Value.Shape()
	kernels.Transpose(operands[0], operands[1], src.Dim(0), src.Dim(1))
}

// execute runs all the instructions once. Activations are allocated as tensors and released on their
// DeallocActivation.
func (b *Backend) execute() error {
	activations := make(map[*ir.ActivationVar]*tensors.Tensor)
	flatOf := func(v ir.Value) any {
		switch v := v.(type) {
		case *ir.WeightVar:
			return b.bound[v].Flat()
		case *ir.ActivationVar:
			if t, found := activations[v]; found {
				return t.Flat()
			}
		}
		exceptions.Panicf("value %q is not allocated", v.Name())
		return nil
	}
	return exceptions.TryCatch[error](func() {
		operands := make([]any, 0, 4)
		for _, inst := range b.f.Instructions {
			switch inst.Op {
			case ir.OpAllocActivation:
				act := inst.Output().(*ir.ActivationVar)
				activations[act] = tensors.FromShape(act.Shape())
				continue
			case ir.OpDeallocActivation:
				delete(activations, inst.Output().(*ir.ActivationVar))
				continue
			}
			executor := instructionExecutors[inst.Op]
			if executor == nil {
				panic(errors.Errorf("interpreter: instruction %q: opcode %s not implemented", inst.Name, inst.Op))
			}
			operands = operands[:0]
			for _, operand := range inst.Operands {
				operands = append(operands, flatOf(operand.Value))
			}
			executor(b, inst, operands)
		}
	})
}
