// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ir

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/nnc/graph"
	"github.com/gomlx/nnc/pkg/bundle"
	"github.com/gomlx/nnc/types/shapes"
	"github.com/gomlx/nnc/types/tensors"
)

// addFunction returns out = a + b, with a and b Public and out Public.
func addFunction(t *testing.T) *graph.Function {
	m := graph.NewModule()
	shape := shapes.Make(dtypes.Float32, 2, 2)
	a := must.M1(m.CreateVariable("a", shape, graph.Public))
	b := must.M1(m.CreateVariable("b", shape, graph.Public))
	out := must.M1(m.CreateVariable("out", shape, graph.Public))
	fn := must.M1(m.CreateFunction("add"))
	fn.Save(fn.Add(fn.Var(a), fn.Var(b)), out)
	require.NoError(t, fn.Verify())
	return fn
}

func opcodes(f *Function) []Opcode {
	ops := make([]Opcode, len(f.Instructions))
	for ii, inst := range f.Instructions {
		ops[ii] = inst.Op
	}
	return ops
}

func TestGenerate(t *testing.T) {
	fn := addFunction(t)
	f := New()
	require.True(t, f.Empty())
	require.NoError(t, Generate(f, fn, graph.ModeInfer))
	require.NoError(t, f.Verify())
	require.Equal(t, "add", f.Name)
	require.Len(t, f.Weights, 3)
	for ii, name := range []string{"a", "b", "out"} {
		assert.Equal(t, name, f.Weights[ii].Name())
		assert.True(t, f.Weights[ii].IsMutable())
	}
	require.Equal(t, []Opcode{OpAllocActivation, OpAdd, OpCopy, OpDeallocActivation}, opcodes(f))
	require.Equal(t, Value(f.Weight("out")), f.Instructions[2].Output())
	require.Len(t, f.Activations(), 1)

	f.Clear()
	require.True(t, f.Empty())
	require.Nil(t, f.Graph)
}

func TestGenerateMutability(t *testing.T) {
	m := graph.NewModule()
	shape := shapes.Make(dtypes.Float32, 3)
	x := must.M1(m.CreateVariable("x", shape, graph.Public))
	w := must.M1(m.CreateVariableWithValue("w", graph.Private, tensors.FromValue([]float32{1, 2, 3})))
	state := must.M1(m.CreateVariable("state", shape, graph.Private))
	fn := must.M1(m.CreateFunction("f"))
	c := fn.Constant(tensors.FromValue([]float32{4, 5, 6}))
	fn.Save(fn.Add(fn.Mul(fn.Var(x), fn.Var(w)), c), state)

	f := New()
	require.NoError(t, Generate(f, fn, graph.ModeInfer))
	require.NoError(t, f.Verify())
	assert.Equal(t, Mutable, f.WeightOf(x).Mutability())
	assert.Equal(t, Constant, f.WeightOf(w).Mutability())
	assert.Equal(t, Mutable, f.WeightOf(state).Mutability(), "saved variables are mutable")
	constant := f.Weight(c.Name())
	require.NotNil(t, constant)
	assert.Equal(t, Constant, constant.Mutability())
	assert.Nil(t, constant.Variable())
	assert.Equal(t, []float32{4, 5, 6}, tensors.CopyFlatData[float32](constant.Payload()))

	// In training mode every variable is mutable.
	require.NoError(t, Generate(f, fn, graph.ModeTrain))
	assert.Equal(t, Mutable, f.WeightOf(w).Mutability())
}

func TestGenerateUnloweredKind(t *testing.T) {
	m := graph.NewModule()
	shape := shapes.Make(dtypes.Float32, 2, 3)
	x := must.M1(m.CreateVariable("x", shape, graph.Public))
	fn := must.M1(m.CreateFunction("softmax"))
	fn.Save(fn.Softmax(fn.Var(x)), x)
	f := New()
	err := Generate(f, fn, graph.ModeInfer)
	require.ErrorContains(t, err, "Softmax")
	require.True(t, f.Empty())
}

func TestGenerateDeterministic(t *testing.T) {
	fn := addFunction(t)
	f0, f1 := New(), New()
	require.NoError(t, Generate(f0, fn, graph.ModeInfer))
	require.NoError(t, Generate(f1, fn, graph.ModeInfer))
	require.Equal(t, f0.String(), f1.String())
}

func TestVerify(t *testing.T) {
	shape := shapes.Make(dtypes.Float32, 4)
	a := &WeightVar{name: "a", shape: shape, mutability: Mutable}
	c := &WeightVar{name: "c", shape: shape, mutability: Constant}
	act := NewActivationVar("act", shape)

	f := &Function{Name: "f", Weights: []*WeightVar{a, c}}
	f.Instructions = []*Instruction{NewAlloc(act), NewInstruction("add", OpAdd, act, a, c),
		NewInstruction("copy", OpCopy, a, act), NewDealloc(act)}
	require.NoError(t, f.Verify())

	// Writing a constant.
	f.Instructions[2] = NewInstruction("copy", OpCopy, c, act)
	require.ErrorContains(t, f.Verify(), "writes constant")

	// Use after deallocation.
	f.Instructions = []*Instruction{NewAlloc(act), NewDealloc(act), NewInstruction("copy", OpCopy, a, act)}
	require.ErrorContains(t, f.Verify(), "outside of its lifetime")

	// Missing deallocation.
	f.Instructions = []*Instruction{NewAlloc(act), NewInstruction("neg", OpNeg, act, a)}
	require.ErrorContains(t, f.Verify(), "never deallocated")

	// Shape mismatch.
	other := NewActivationVar("other", shapes.Make(dtypes.Float32, 5))
	f.Instructions = []*Instruction{NewAlloc(other), NewInstruction("neg", OpNeg, other, a), NewDealloc(other)}
	require.ErrorContains(t, f.Verify(), "shapes differ")
}

func TestAllocateMemory(t *testing.T) {
	shape := shapes.Make(dtypes.Float32, 4) // 16 bytes.
	in := &WeightVar{name: "in", shape: shape, mutability: Mutable}
	w := &WeightVar{name: "w", shape: shape, mutability: Constant}
	out := &WeightVar{name: "out", shape: shape, mutability: Mutable}
	a0 := NewActivationVar("a0", shape)
	a1 := NewActivationVar("a1", shape)
	a2 := NewActivationVar("a2", shape)
	f := &Function{Name: "f", Weights: []*WeightVar{in, w, out}}
	f.Instructions = []*Instruction{
		NewAlloc(a0), NewInstruction("a0", OpMul, a0, in, w),
		NewAlloc(a1), NewInstruction("a1", OpAdd, a1, a0, w),
		NewDealloc(a0),
		NewAlloc(a2), NewInstruction("a2", OpExp, a2, a1),
		NewDealloc(a1),
		NewInstruction("out", OpCopy, out, a2),
		NewDealloc(a2),
	}
	require.NoError(t, f.Verify())

	layout, err := AllocateMemory(f, 64)
	require.NoError(t, err)
	cfg := layout.Config
	assert.Equal(t, uint64(64), cfg.ConstantWeightsSize)
	assert.Equal(t, uint64(128), cfg.MutableWeightsSize)
	// a2 reuses the range freed by a0.
	assert.Equal(t, uint64(128), cfg.ActivationsSize)
	assert.Equal(t, uint64(0), layout.Activations[a0].Offset)
	assert.Equal(t, uint64(64), layout.Activations[a1].Offset)
	assert.Equal(t, uint64(0), layout.Activations[a2].Offset)
	assert.Equal(t, uint64(64), layout.Weights[out].Offset)
	assert.Equal(t, bundle.ConstantWeights, layout.Weights[w].Region)
	assert.Equal(t, []string{"out"}, cfg.Outputs)
	assert.Empty(t, cfg.Inputs, "weights without variables are not inputs")
	assert.Equal(t, uint64(32), LiveActivationsPeak(f))

	s, found := layout.Symbol(a1)
	require.True(t, found)
	assert.Equal(t, "Float32", s.DTypeName)
	assert.Equal(t, uint64(16), s.Size)
	require.NoError(t, cfg.Validate())

	_, err = AllocateMemory(f, 0)
	require.Error(t, err)
}

func TestAllocateMemoryFromGraph(t *testing.T) {
	fn := addFunction(t)
	f := New()
	require.NoError(t, Generate(f, fn, graph.ModeInfer))
	layout, err := AllocateMemory(f, bundle.DefaultAlignment)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "out"}, layout.Config.Inputs)
	assert.Equal(t, []string{"out"}, layout.Config.Outputs)
	assert.Equal(t, uint64(3*64), layout.Config.MutableWeightsSize)
	assert.Equal(t, uint64(0), layout.Config.ConstantWeightsSize)
	for _, s := range layout.Config.Symbols {
		assert.Zero(t, s.Offset%bundle.DefaultAlignment, "symbol %s is not aligned", s)
	}
	assert.GreaterOrEqual(t, layout.Config.ActivationsSize, LiveActivationsPeak(f))
}
