// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"strings"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/nnc/types/shapes"
	"github.com/gomlx/nnc/types/tensors"
)

func TestModule(t *testing.T) {
	m := NewModule()
	shape := shapes.Make(dtypes.Float32, 2, 2)
	a := must.M1(m.CreateVariable("a", shape, Public))
	require.True(t, a.IsPublic())
	require.Equal(t, a, m.Variable("a"))
	require.Nil(t, m.Variable("b"))
	_, err := m.CreateVariable("a", shape, Private)
	require.Error(t, err)

	w := must.M1(m.CreateVariableWithValue("w", Private, tensors.FromValue([]float32{1, 2})))
	require.Equal(t, []float32{1, 2}, tensors.CopyFlatData[float32](w.Payload()))
	require.Error(t, w.SetValue(tensors.FromValue([]float32{1, 2, 3})))

	fn := must.M1(m.CreateFunction("main"))
	require.Equal(t, fn, m.Function("main"))
	_, err = m.CreateFunction("main")
	require.Error(t, err)
	m.EraseFunction(fn)
	require.Nil(t, m.Function("main"))
	require.Len(t, m.Variables(), 2)
}

func buildAdd(t *testing.T) (*Module, *Function) {
	m := NewModule()
	shape := shapes.Make(dtypes.Float32, 2, 2)
	a := must.M1(m.CreateVariable("a", shape, Public))
	b := must.M1(m.CreateVariable("b", shape, Public))
	out := must.M1(m.CreateVariable("out", shape, Public))
	fn := must.M1(m.CreateFunction("add"))
	fn.Save(fn.Add(fn.Var(a), fn.Var(b)), out)
	require.NoError(t, fn.Verify())
	return m, fn
}

func TestBuilders(t *testing.T) {
	m := NewModule()
	x := must.M1(m.CreateVariable("x", shapes.Make(dtypes.Float32, 4, 3), Public))
	w := must.M1(m.CreateVariable("w", shapes.Make(dtypes.Float32, 3, 5), Private))
	b := must.M1(m.CreateVariable("b", shapes.Make(dtypes.Float32, 5), Private))
	fn := must.M1(m.CreateFunction("fc"))

	xNode := fn.Var(x)
	require.Same(t, xNode, fn.Var(x), "one node per variable")
	fc := fn.FullyConnected(xNode, fn.Var(w), fn.Var(b))
	require.Equal(t, []int{4, 5}, fc.Shape().Dimensions)
	require.Equal(t, []int{5, 4}, fn.Transpose(fc).Shape().Dimensions)
	require.Equal(t, []int{5}, fn.BatchedReduceMax(fc).Shape().Dimensions)
	require.Equal(t, []int{20}, fn.Reshape(fc, 20).Shape().Dimensions)
	require.Equal(t, KindSplat, fn.SplatLike(fc, 1).Kind())

	require.Panics(t, func() { fn.MatMul(xNode, xNode) })
	require.Panics(t, func() { fn.Add(xNode, fc) })
	require.Panics(t, func() { fn.Reshape(fc, 3) })
	require.Panics(t, func() { fn.BatchedAdd(fc, fn.Var(x)) })
	require.Panics(t, func() { fn.Save(fc, x) })

	other := must.M1(m.CreateFunction("other"))
	require.Panics(t, func() { other.Relu(xNode) }, "input from a different function")
}

func TestVerify(t *testing.T) {
	_, fn := buildAdd(t)
	require.Len(t, fn.Saves(), 1)

	m := NewModule()
	v := must.M1(m.CreateVariable("v", shapes.Make(dtypes.Float32, 2), Public))
	fn = must.M1(m.CreateFunction("noOutputs"))
	fn.Neg(fn.Var(v))
	err := fn.Verify()
	require.Error(t, err)
	require.Contains(t, err.Error(), "no outputs")

	fn = must.M1(m.CreateFunction("twoSaves"))
	fn.Save(fn.Neg(fn.Var(v)), v)
	fn.Save(fn.Exp(fn.Var(v)), v)
	require.ErrorContains(t, fn.Verify(), "written by both")

	fn = must.M1(m.CreateFunction("dupNames"))
	neg := fn.Neg(fn.Var(v))
	fn.Save(neg, v)
	neg.SetName("v")
	require.ErrorContains(t, fn.Verify(), "same name")

	otherModule := NewModule()
	alien := must.M1(otherModule.CreateVariable("alien", shapes.Make(dtypes.Float32, 2), Public))
	fn = must.M1(m.CreateFunction("alien"))
	require.Panics(t, func() { fn.Var(alien) })
}

func TestTopologicalOrderAndClone(t *testing.T) {
	_, fn := buildAdd(t)
	order := must.M1(fn.TopologicalOrder())
	require.Len(t, order, 4)
	require.Equal(t, KindSave, order[3].Kind())
	require.Equal(t, KindAdd, order[2].Kind())

	clone := fn.Clone()
	require.Equal(t, fn.String(), clone.String())
	require.NoError(t, clone.Verify())
	add := clone.Saves()[0].Inputs()[0]
	mul := clone.Mul(add.Inputs()[0], add.Inputs()[1])
	require.Equal(t, 1, clone.ReplaceAllUsesWith(add, mul))
	clone.EraseNode(add)
	require.NoError(t, clone.Verify())
	require.Equal(t, KindAdd, fn.Saves()[0].Inputs()[0].Kind(), "original is not affected")
	require.True(t, strings.Contains(clone.String(), "Mul("))
}

func TestNodeKinds(t *testing.T) {
	assert.Equal(t, "BatchedReduceAdd", KindBatchedReduceAdd.String())
	assert.True(t, KindFullyConnected.IsHighLevel())
	assert.False(t, KindMatMul.IsHighLevel())
	assert.True(t, KindSave.IsStorage())
	assert.True(t, KindRelu.IsElementwise())
	assert.False(t, KindBatchedAdd.IsElementwise())
	for _, kind := range AllKinds() {
		assert.NotContains(t, kind.String(), "NodeKind(")
	}
}
