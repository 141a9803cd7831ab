// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package bundle

import (
	"fmt"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"

	"github.com/gomlx/nnc/internal/kernels"
)

// StepOp is the operation of one Program step. It's stored by name so programs stay readable and stable
// across versions.
type StepOp string

const (
	StepCopy             StepOp = "copy"
	StepAdd              StepOp = "add"
	StepMul              StepOp = "mul"
	StepDiv              StepOp = "div"
	StepMax              StepOp = "max"
	StepMin              StepOp = "min"
	StepNeg              StepOp = "neg"
	StepExp              StepOp = "exp"
	StepLog              StepOp = "log"
	StepSqrt             StepOp = "sqrt"
	StepTanh             StepOp = "tanh"
	StepRelu             StepOp = "relu"
	StepSigmoid          StepOp = "sigmoid"
	StepSplat            StepOp = "splat"
	StepMaxSplat         StepOp = "max_splat"
	StepMatMul           StepOp = "matmul"
	StepTranspose        StepOp = "transpose"
	StepBatchedAdd       StepOp = "batched_add"
	StepBatchedMul       StepOp = "batched_mul"
	StepBatchedReduceAdd StepOp = "batched_reduce_add"
	StepBatchedReduceMax StepOp = "batched_reduce_max"
	StepFullyConnected   StepOp = "fully_connected"
)

var stepBinaryOps = map[StepOp]kernels.BinaryOp{
	StepAdd: kernels.OpAdd,
	StepMul: kernels.OpMul,
	StepDiv: kernels.OpDiv,
	StepMax: kernels.OpMax,
	StepMin: kernels.OpMin,
}

var stepUnaryOps = map[StepOp]kernels.UnaryOp{
	StepNeg:     kernels.OpNeg,
	StepExp:     kernels.OpExp,
	StepLog:     kernels.OpLog,
	StepSqrt:    kernels.OpSqrt,
	StepTanh:    kernels.OpTanh,
	StepRelu:    kernels.OpRelu,
	StepSigmoid: kernels.OpSigmoid,
}

// stepArity is the number of operands (output first) of each step.
var stepArity = map[StepOp]int{
	StepCopy:             2,
	StepSplat:            1,
	StepMaxSplat:         2,
	StepMatMul:           3,
	StepTranspose:        2,
	StepBatchedAdd:       3,
	StepBatchedMul:       3,
	StepBatchedReduceAdd: 2,
	StepBatchedReduceMax: 2,
	StepFullyConnected:   4,
}

func init() {
	for op := range stepBinaryOps {
		stepArity[op] = 3
	}
	for op := range stepUnaryOps {
		stepArity[op] = 2
	}
}

// Ref references a typed range of bytes in one of the regions.
type Ref struct {
	Region    Region
	Offset    uint64
	Size      uint64
	DTypeName string
}

// DType of the referenced values.
func (r Ref) DType() dtypes.DType {
	dtype, found := dtypes.MapOfNames[r.DTypeName]
	if !found {
		return dtypes.InvalidDType
	}
	return dtype
}

func (r Ref) String() string {
	return fmt.Sprintf("%s[%d:%d](%s)", r.Region, r.Offset, r.Offset+r.Size, r.DTypeName)
}

// Step is one operation of a Program. Operands[0] is the output.
type Step struct {
	Op       StepOp
	Operands []Ref

	// Value is the scalar of StepSplat and StepMaxSplat.
	Value float64

	// Dims are the matrix dimensions: {n, k, m} for StepMatMul and StepFullyConnected, {rows, cols} for
	// StepTranspose.
	Dims []int

	// Name of the value computed, for debugging.
	Name string
}

// String implements fmt.Stringer.
func (s Step) String() string {
	operands := make([]string, len(s.Operands))
	for ii, ref := range s.Operands {
		operands[ii] = ref.String()
	}
	extra := ""
	if s.Op == StepSplat || s.Op == StepMaxSplat {
		extra = fmt.Sprintf(" value=%g", s.Value)
	} else if len(s.Dims) > 0 {
		extra = fmt.Sprintf(" dims=%v", s.Dims)
	}
	return fmt.Sprintf("%s %s(%s)%s", s.Name, s.Op, strings.Join(operands, ", "), extra)
}

// Program is the portable form of a compiled function: a straight sequence of steps over the three regions.
type Program struct {
	Name string

	ConstantWeightsSize uint64
	MutableWeightsSize  uint64
	ActivationsSize     uint64

	Steps []Step
}

// EntryPoint executes one forward pass over the three memory regions.
type EntryPoint func(constantWeights, mutableWeights, activations []byte) error

// regionSize returns the size the program declares for region.
func (p *Program) regionSize(region Region) uint64 {
	switch region {
	case ConstantWeights:
		return p.ConstantWeightsSize
	case MutableWeights:
		return p.MutableWeightsSize
	case Activations:
		return p.ActivationsSize
	}
	return 0
}

// compiledStep executes one step given the three regions.
type compiledStep func(regions *[numRegions][]byte)

// Compile validates the program and translates it into an EntryPoint.
func (p *Program) Compile() (EntryPoint, error) {
	steps := make([]compiledStep, 0, len(p.Steps))
	for ii, step := range p.Steps {
		compiled, err := p.compileStep(step)
		if err != nil {
			return nil, errors.WithMessagef(err, "program %q, step #%d (%s)", p.Name, ii, step.Name)
		}
		steps = append(steps, compiled)
	}
	entry := func(constantWeights, mutableWeights, activations []byte) error {
		regions := [numRegions][]byte{constantWeights, mutableWeights, activations}
		for region, buf := range regions {
			if want := p.regionSize(Region(region)); uint64(len(buf)) < want {
				return errors.Errorf("program %q: %s region has %d bytes, %d required", p.Name, Region(region), len(buf), want)
			}
		}
		return exceptions.TryCatch[error](func() {
			for _, step := range steps {
				step(&regions)
			}
		})
	}
	return entry, nil
}

func (p *Program) compileStep(step Step) (compiledStep, error) {
	arity, found := stepArity[step.Op]
	if !found {
		return nil, errors.Errorf("unknown step operation %q", step.Op)
	}
	if len(step.Operands) != arity {
		return nil, errors.Errorf("step %q takes %d operands, got %d", step.Op, arity, len(step.Operands))
	}
	dtype := step.Operands[0].DType()
	for _, ref := range step.Operands {
		if ref.DType() == dtypes.InvalidDType || ref.DType() != dtype {
			return nil, errors.Errorf("operand %s has an invalid or mismatched dtype (want %s)", ref, dtype)
		}
		if ref.Offset+ref.Size > p.regionSize(ref.Region) {
			return nil, errors.Errorf("operand %s doesn't fit in the %s region of %d bytes", ref, ref.Region, p.regionSize(ref.Region))
		}
	}
	if step.Operands[0].Region == ConstantWeights {
		return nil, errors.Errorf("output %s is in the read-only constant region", step.Operands[0])
	}
	switch step.Op {
	case StepMatMul, StepFullyConnected:
		if len(step.Dims) != 3 {
			return nil, errors.Errorf("step %q requires 3 dims, got %v", step.Op, step.Dims)
		}
	case StepTranspose:
		if len(step.Dims) != 2 {
			return nil, errors.Errorf("step %q requires 2 dims, got %v", step.Op, step.Dims)
		}
	}

	refs := step.Operands
	view := func(regions *[numRegions][]byte, ii int) any {
		ref := refs[ii]
		return kernels.View(dtype, regions[ref.Region][ref.Offset:ref.Offset+ref.Size])
	}
	if op, found := stepBinaryOps[step.Op]; found {
		return func(r *[numRegions][]byte) { kernels.Binary(op, view(r, 0), view(r, 1), view(r, 2)) }, nil
	}
	if op, found := stepUnaryOps[step.Op]; found {
		return func(r *[numRegions][]byte) { kernels.Unary(op, view(r, 0), view(r, 1)) }, nil
	}
	value, dims := step.Value, step.Dims
	switch step.Op {
	case StepCopy:
		return func(r *[numRegions][]byte) {
			dst, src := refs[0], refs[1]
			copy(r[dst.Region][dst.Offset:dst.Offset+dst.Size], r[src.Region][src.Offset:src.Offset+src.Size])
		}, nil
	case StepSplat:
		return func(r *[numRegions][]byte) { kernels.Splat(view(r, 0), value) }, nil
	case StepMaxSplat:
		return func(r *[numRegions][]byte) { kernels.MaxSplat(view(r, 0), view(r, 1), value) }, nil
	case StepMatMul:
		return func(r *[numRegions][]byte) {
			kernels.MatMul(view(r, 0), view(r, 1), view(r, 2), dims[0], dims[1], dims[2])
		}, nil
	case StepFullyConnected:
		return func(r *[numRegions][]byte) {
			kernels.FullyConnected(view(r, 0), view(r, 1), view(r, 2), view(r, 3), dims[0], dims[1], dims[2])
		}, nil
	case StepTranspose:
		return func(r *[numRegions][]byte) { kernels.Transpose(view(r, 0), view(r, 1), dims[0], dims[1]) }, nil
	case StepBatchedAdd:
		return func(r *[numRegions][]byte) { kernels.BatchedBinary(kernels.OpAdd, view(r, 0), view(r, 1), view(r, 2)) }, nil
	case StepBatchedMul:
		return func(r *[numRegions][]byte) { kernels.BatchedBinary(kernels.OpMul, view(r, 0), view(r, 1), view(r, 2)) }, nil
	case StepBatchedReduceAdd:
		return func(r *[numRegions][]byte) { kernels.BatchedReduce(kernels.ReduceAdd, view(r, 0), view(r, 1)) }, nil
	case StepBatchedReduceMax:
		return func(r *[numRegions][]byte) { kernels.BatchedReduce(kernels.ReduceMax, view(r, 0), view(r, 1)) }, nil
	}
	return nil, errors.Errorf("step operation %q not implemented", step.Op)
}

// String returns a listing of the program.
func (p *Program) String() string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "Program %q: constant=%d, mutable=%d, activations=%d bytes\n",
		p.Name, p.ConstantWeightsSize, p.MutableWeightsSize, p.ActivationsSize)
	for ii, step := range p.Steps {
		_, _ = fmt.Fprintf(&sb, "\t#%d %s\n", ii, step)
	}
	return sb.String()
}
