// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package lowering

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/nnc/graph"
	"github.com/gomlx/nnc/graph/optimizer"
	"github.com/gomlx/nnc/types/shapes"
)

// testCaps supports the listed kinds, for every dtype.
type testCaps map[graph.NodeKind]bool

func (c testCaps) Name() string { return "test" }

func (c testCaps) IsOpSupported(kind graph.NodeKind, _ dtypes.DType) bool { return c[kind] }

func primitives() testCaps {
	caps := testCaps{}
	for _, kind := range graph.AllKinds() {
		if !kind.IsHighLevel() {
			caps[kind] = true
		}
	}
	return caps
}

func assertOnlySupported(t *testing.T, fn *graph.Function, caps testCaps) {
	for _, node := range fn.Nodes() {
		if node.Kind().IsStorage() {
			continue
		}
		require.Truef(t, caps[node.Kind()], "node %s of unsupported kind %s left after lowering", node.Name(), node.Kind())
	}
}

func buildMLP(t *testing.T) *graph.Function {
	m := graph.NewModule()
	x := must.M1(m.CreateVariable("x", shapes.Make(dtypes.Float32, 4, 3), graph.Public))
	w := must.M1(m.CreateVariable("w", shapes.Make(dtypes.Float32, 3, 2), graph.Private))
	b := must.M1(m.CreateVariable("b", shapes.Make(dtypes.Float32, 2), graph.Private))
	out := must.M1(m.CreateVariable("out", shapes.Make(dtypes.Float32, 4, 2), graph.Public))
	fn := must.M1(m.CreateFunction("mlp"))
	logits := fn.FullyConnected(fn.Var(x), fn.Var(w), fn.Var(b))
	hidden := fn.Sub(fn.Sigmoid(fn.Relu(logits)), logits)
	fn.Save(fn.Softmax(hidden), out)
	require.NoError(t, fn.Verify())
	return fn
}

func TestLowerToPrimitives(t *testing.T) {
	fn := buildMLP(t)
	caps := primitives()
	require.NoError(t, Lower(fn, graph.ModeInfer, caps))
	require.NoError(t, fn.Verify())
	assertOnlySupported(t, fn, caps)
	_ = must.M1(optimizer.Optimize(fn, graph.ModeInfer))
	assertOnlySupported(t, fn, caps)

	// Lowering an already lowered function is a no-op.
	numNodes := fn.NumNodes()
	require.NoError(t, Lower(fn, graph.ModeInfer, caps))
	require.Equal(t, numNodes, fn.NumNodes())
}

func TestLowerKeepsSupportedHighLevel(t *testing.T) {
	fn := buildMLP(t)
	caps := primitives()
	caps[graph.KindFullyConnected] = true
	caps[graph.KindRelu] = true
	require.NoError(t, Lower(fn, graph.ModeInfer, caps))
	assertOnlySupported(t, fn, caps)
	kinds := map[graph.NodeKind]int{}
	for _, node := range fn.Nodes() {
		kinds[node.Kind()]++
	}
	require.Equal(t, 1, kinds[graph.KindFullyConnected])
	require.Equal(t, 1, kinds[graph.KindRelu])
	require.Equal(t, 0, kinds[graph.KindSigmoid])
}

func TestLowerBatchNormalizationModes(t *testing.T) {
	for _, mode := range []graph.CompilationMode{graph.ModeInfer, graph.ModeTrain} {
		m := graph.NewModule()
		x := must.M1(m.CreateVariable("x", shapes.Make(dtypes.Float64, 8, 3), graph.Public))
		channel := shapes.Make(dtypes.Float64, 3)
		params := make([]*graph.Variable, 4)
		for ii, name := range []string{"scale", "bias", "mean", "var"} {
			params[ii] = must.M1(m.CreateVariable(name, channel, graph.Private))
		}
		fn := must.M1(m.CreateFunction("bn"))
		bn := fn.BatchNormalization(fn.Var(x), fn.Var(params[0]), fn.Var(params[1]), fn.Var(params[2]), fn.Var(params[3]), 1e-5)
		fn.Save(bn, x)
		caps := primitives()
		require.NoError(t, Lower(fn, mode, caps))
		assertOnlySupported(t, fn, caps)
		_ = must.M1(optimizer.Optimize(fn, mode))
		usesStoredStats := fn.VariableNode(params[2]) != nil
		if mode == graph.ModeInfer {
			// Stored statistics are Private variables: they get folded.
			require.False(t, usesStoredStats)
		} else {
			require.False(t, usesStoredStats, "stored mean must not be used in training mode")
			require.NotNil(t, fn.VariableNode(params[0]))
		}
	}
}

func TestUnsupportedOperator(t *testing.T) {
	fn := buildMLP(t)
	caps := primitives()
	delete(caps, graph.KindMul) // Neg lowers into Mul.
	delete(caps, graph.KindNeg)
	err := Lower(fn, graph.ModeInfer, caps)
	require.Error(t, err)
	require.Contains(t, err.Error(), "unsupported operator Mul")
	require.Contains(t, err.Error(), `backend "test"`)
}
