// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimizer

import (
	"math"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/nnc/graph"
	"github.com/gomlx/nnc/types/shapes"
	"github.com/gomlx/nnc/types/tensors"
)

func countKind(fn *graph.Function, kind graph.NodeKind) int {
	count := 0
	for _, node := range fn.Nodes() {
		if node.Kind() == kind {
			count++
		}
	}
	return count
}

type testModel struct {
	m      *graph.Module
	fn     *graph.Function
	x, out *graph.Variable
	w      *graph.Variable
}

func newTestModel(t *testing.T) *testModel {
	m := graph.NewModule()
	shape := shapes.Make(dtypes.Float32, 2, 2)
	tm := &testModel{m: m}
	tm.x = must.M1(m.CreateVariable("x", shape, graph.Public))
	tm.out = must.M1(m.CreateVariable("out", shape, graph.Public))
	tm.w = must.M1(m.CreateVariableWithValue("w", graph.Private, tensors.FromValue([][]float32{{1, 2}, {3, 4}})))
	tm.fn = must.M1(m.CreateFunction("main"))
	return tm
}

func TestDeadCodeAndCSE(t *testing.T) {
	tm := newTestModel(t)
	fn := tm.fn
	x := fn.Var(tm.x)
	fn.Exp(x) // Dead.
	a1 := fn.Add(x, x)
	a2 := fn.Add(x, x)
	fn.Save(fn.Mul(a1, a2), tm.out)
	require.Equal(t, 6, fn.NumNodes())

	changed, err := Optimize(fn, graph.ModeInfer)
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, 0, countKind(fn, graph.KindExp))
	require.Equal(t, 1, countKind(fn, graph.KindAdd))
	require.NoError(t, fn.Verify())

	changed, err = Optimize(fn, graph.ModeInfer)
	require.NoError(t, err)
	require.False(t, changed, "second optimization must be a no-op")
}

func TestCSEKeepsSignedZerosApart(t *testing.T) {
	tm := newTestModel(t)
	fn := tm.fn
	out2 := must.M1(tm.m.CreateVariable("out2", tm.x.Shape(), graph.Public))
	x := fn.Var(tm.x)
	fn.Save(fn.Div(x, fn.SplatLike(x, 0)), tm.out)
	fn.Save(fn.Div(x, fn.SplatLike(x, math.Copysign(0, -1))), out2)

	_, err := Optimize(fn, graph.ModeInfer)
	require.NoError(t, err)
	require.Equal(t, 2, countKind(fn, graph.KindSplat))
	require.Equal(t, 2, countKind(fn, graph.KindDiv))

	// Equal values still merge.
	tm = newTestModel(t)
	fn = tm.fn
	x = fn.Var(tm.x)
	fn.Save(fn.Mul(fn.Add(x, fn.SplatLike(x, 2)), fn.Add(x, fn.SplatLike(x, 2))), tm.out)
	_, err = Optimize(fn, graph.ModeInfer)
	require.NoError(t, err)
	require.Equal(t, 1, countKind(fn, graph.KindSplat))
}

func TestSimplify(t *testing.T) {
	tm := newTestModel(t)
	fn := tm.fn
	x := fn.Var(tm.x)
	y := fn.Add(fn.Mul(fn.SplatLike(x, 1), x), fn.SplatLike(x, 0))
	y = fn.Neg(fn.Neg(fn.Transpose(fn.Transpose(y))))
	y = fn.Reshape(fn.Reshape(y, 4), 2, 2)
	fn.Save(y, tm.out)

	changed := must.M1(Optimize(fn, graph.ModeInfer))
	require.True(t, changed)
	require.Equal(t, 2, fn.NumNodes(), fn.String())
	require.Same(t, fn.Var(tm.x), fn.Saves()[0].Inputs()[0])
	require.False(t, must.M1(Optimize(fn, graph.ModeInfer)))
}

func TestConstantFolding(t *testing.T) {
	build := func() *testModel {
		tm := newTestModel(t)
		fn := tm.fn
		w := fn.Var(tm.w)
		fn.Save(fn.Add(fn.Var(tm.x), fn.Mul(w, fn.SplatLike(w, 2))), tm.out)
		return tm
	}

	// Inference: the Private variable is folded.
	tm := build()
	require.True(t, must.M1(Optimize(tm.fn, graph.ModeInfer)))
	require.Equal(t, 0, countKind(tm.fn, graph.KindMul))
	require.Equal(t, 1, countKind(tm.fn, graph.KindConstant))
	require.Nil(t, tm.fn.VariableNode(tm.w))
	var folded *graph.Node
	for _, node := range tm.fn.Nodes() {
		if node.Kind() == graph.KindConstant {
			folded = node
		}
	}
	require.Equal(t, [][]float32{{2, 4}, {6, 8}}, folded.Tensor().Value())
	require.NoError(t, tm.fn.Verify())
	require.False(t, must.M1(Optimize(tm.fn, graph.ModeInfer)))

	// The module is never modified.
	require.Len(t, tm.m.Variables(), 3)
	require.Equal(t, [][]float32{{1, 2}, {3, 4}}, tm.w.Payload().Value())

	// Training: Private variables are mutable.
	tm = build()
	_ = must.M1(Optimize(tm.fn, graph.ModeTrain))
	require.Equal(t, 1, countKind(tm.fn, graph.KindMul))
	require.Equal(t, 0, countKind(tm.fn, graph.KindConstant))
}

func TestFoldingSkipsSavedPrivateVariables(t *testing.T) {
	tm := newTestModel(t)
	fn := tm.fn
	w := fn.Var(tm.w)
	fn.Save(fn.Exp(w), tm.w)
	_ = must.M1(Optimize(fn, graph.ModeInfer))
	require.Equal(t, 1, countKind(fn, graph.KindExp))
}
