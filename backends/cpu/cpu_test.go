// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cpu

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/nnc/graph"
	"github.com/gomlx/nnc/graph/lowering"
	graphopt "github.com/gomlx/nnc/graph/optimizer"
	"github.com/gomlx/nnc/ir"
	iropt "github.com/gomlx/nnc/ir/optimizer"
	"github.com/gomlx/nnc/pkg/bundle"
	"github.com/gomlx/nnc/types/shapes"
	"github.com/gomlx/nnc/types/tensors"
)

// reluFunction builds y = relu(x - b), with x and y Public and b Private.
func reluFunction() (*graph.Function, *graph.Variable, *graph.Variable) {
	m := graph.NewModule()
	x := must.M1(m.CreateVariableWithValue("x", graph.Public, tensors.FromValue([][]float32{{1, -2}, {3, -4}})))
	b := must.M1(m.CreateVariableWithValue("b", graph.Private, tensors.FromValue([][]float32{{0.5, 0.5}, {0.5, 0.5}})))
	y := must.M1(m.CreateVariable("y", shapes.Make(dtypes.Float32, 2, 2), graph.Public))
	fn := must.M1(m.CreateFunction("relu"))
	fn.Save(fn.Relu(fn.Sub(fn.Var(x), fn.Var(b))), y)
	return fn, x, y
}

func prepare(t *testing.T, backend *Backend, f *ir.Function, fn *graph.Function) {
	require.NoError(t, lowering.Lower(fn, graph.ModeInfer, backend))
	changed, err := backend.PostLowerTransform(fn, graph.ModeInfer)
	require.NoError(t, err)
	require.True(t, changed)
	_, err = graphopt.Optimize(fn, graph.ModeInfer)
	require.NoError(t, err)
	for _, node := range fn.Nodes() {
		require.True(t, backend.IsOpSupported(node.Kind(), node.DType()), "node %s not supported", node)
		require.NotEqual(t, graph.KindMax, node.Kind())
	}
	require.NoError(t, ir.Generate(f, fn, graph.ModeInfer))
	_, err = iropt.Optimize(f, graph.ModeInfer, backend)
	require.NoError(t, err)
}

func TestForwardPass(t *testing.T) {
	fn, x, y := reluFunction()
	f := ir.New()
	backend := must.M1(New("alignment=32", f)).(*Backend)
	prepare(t, backend, f, fn)

	require.Error(t, backend.DoForwardPass(), "not initialized")
	require.NoError(t, backend.Init())
	require.NotNil(t, backend.Program())
	require.Zero(t, backend.Layout().Config.ConstantWeightsSize%32)
	require.NoError(t, backend.DoForwardPass())
	require.Equal(t, [][]float32{{0.5, 0}, {2.5, 0}}, y.Payload().Value())

	// New input values are picked up by the next pass.
	require.NoError(t, x.SetValue(tensors.FromValue([][]float32{{10, 20}, {30, 40}})))
	require.NoError(t, backend.DoForwardPass())
	require.Equal(t, [][]float32{{9.5, 19.5}, {29.5, 39.5}}, y.Payload().Value())

	// Init can be called again.
	require.NoError(t, backend.Init())
	require.NoError(t, backend.DoForwardPass())
	require.Equal(t, [][]float32{{9.5, 19.5}, {29.5, 39.5}}, y.Payload().Value())

	backend.Finalize()
	require.Error(t, backend.DoForwardPass())
}

func TestSaveMatchesForwardPass(t *testing.T) {
	fn, x, y := reluFunction()
	f := ir.New()
	backend := must.M1(New("", f)).(*Backend)
	prepare(t, backend, f, fn)
	require.NoError(t, backend.Init())
	require.NoError(t, backend.DoForwardPass())

	dir := t.TempDir()
	require.NoError(t, backend.Save(dir))
	b := must.M1(bundle.Load(dir, "relu"))
	assert.Equal(t, backend.Layout().Config.ConstantWeightsSize, uint64(len(b.Weights)))
	inst := must.M1(b.NewInstance())
	require.NoError(t, inst.SetInput("x", x.Payload()))
	require.NoError(t, inst.Run())
	got := must.M1(inst.Output("y"))
	require.True(t, got.Equal(y.Payload()), "bundle %s != in-process %s", got, y.Payload())
}

func TestCapabilities(t *testing.T) {
	backend := must.M1(New("", ir.New()))
	assert.True(t, backend.IsOpSupported(graph.KindMaxSplat, dtypes.Float32))
	assert.False(t, backend.IsOpSupported(graph.KindSub, dtypes.Float32))
	assert.False(t, backend.IsOpSupported(graph.KindRelu, dtypes.Float64))
	assert.False(t, backend.IsOpSupported(graph.KindAdd, dtypes.Int32))
}
