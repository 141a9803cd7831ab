// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package interpreter

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/nnc/graph"
	"github.com/gomlx/nnc/ir"
	"github.com/gomlx/nnc/ir/optimizer"
	"github.com/gomlx/nnc/pkg/bundle"
	"github.com/gomlx/nnc/types/shapes"
	"github.com/gomlx/nnc/types/tensors"
)

func compile(t *testing.T, config string, fn *graph.Function) (*Backend, *ir.Function) {
	f := ir.New()
	backend := must.M1(New(config, f)).(*Backend)
	require.NoError(t, ir.Generate(f, fn, graph.ModeInfer))
	_, err := optimizer.Optimize(f, graph.ModeInfer, backend)
	require.NoError(t, err)
	require.NoError(t, backend.Init())
	return backend, f
}

func TestAdd(t *testing.T) {
	m := graph.NewModule()
	a := must.M1(m.CreateVariableWithValue("a", graph.Public, tensors.FromValue([][]float32{{1, 2}, {3, 4}})))
	b := must.M1(m.CreateVariableWithValue("b", graph.Public, tensors.FromValue([][]float32{{5, 6}, {7, 8}})))
	out := must.M1(m.CreateVariable("out", shapes.Make(dtypes.Float32, 2, 2), graph.Public))
	fn := must.M1(m.CreateFunction("add"))
	fn.Save(fn.Add(fn.Var(a), fn.Var(b)), out)

	backend, _ := compile(t, "", fn)
	require.NotNil(t, backend.Layout())
	require.NoError(t, backend.DoForwardPass())
	require.Equal(t, [][]float32{{6, 8}, {10, 12}}, out.Payload().Value())
}

func TestMLP(t *testing.T) {
	for _, config := range []string{"parallelism=0", "parallelism=4,share_buffers=false"} {
		t.Run(config, func(t *testing.T) {
			m := graph.NewModule()
			x := must.M1(m.CreateVariableWithValue("x", graph.Public, tensors.FromValue([][]float64{{1, -2}, {0.5, 3}})))
			w := must.M1(m.CreateVariableWithValue("w", graph.Private, tensors.FromValue([][]float64{{1, 0, -1}, {2, 1, 0}})))
			bias := must.M1(m.CreateVariableWithValue("bias", graph.Private, tensors.FromValue([]float64{0.5, 0, -0.5})))
			y := must.M1(m.CreateVariable("y", shapes.Make(dtypes.Float64, 2, 3), graph.Public))
			fn := must.M1(m.CreateFunction("mlp"))
			fn.Save(fn.Relu(fn.FullyConnected(fn.Var(x), fn.Var(w), fn.Var(bias))), y)

			backend, _ := compile(t, config, fn)
			require.NoError(t, backend.DoForwardPass())
			// x @ w = [[-3, -2, -1], [6.5, 3, -0.5]], + bias, then relu.
			want := tensors.FromValue([][]float64{{0, 0, 0}, {7, 3, 0}})
			require.True(t, want.InDelta(y.Payload(), 1e-9), "got %s", y.Payload())
		})
	}
}

func TestParallelMatchesSequential(t *testing.T) {
	const size = 3 * minParallelChunk
	values := make([]float32, size)
	for ii := range values {
		values[ii] = float32(ii%17) - 8
	}
	results := make([]*tensors.Tensor, 0, 2)
	for _, config := range []string{"parallelism=0", "parallelism=3"} {
		m := graph.NewModule()
		x := must.M1(m.CreateVariableWithValue("x", graph.Public, tensors.FromValue(values)))
		y := must.M1(m.CreateVariable("y", x.Shape(), graph.Public))
		fn := must.M1(m.CreateFunction("f"))
		fn.Save(fn.Tanh(fn.Mul(fn.Var(x), fn.Exp(fn.Var(x)))), y)
		backend, _ := compile(t, config, fn)
		require.NoError(t, backend.DoForwardPass())
		results = append(results, y.Payload())
	}
	require.True(t, results[0].Equal(results[1]))
}

func TestInitErrors(t *testing.T) {
	f := ir.New()
	backend := must.M1(New("", f))
	require.Error(t, backend.Init(), "empty IR")
	require.Error(t, backend.DoForwardPass(), "not initialized")
	backend.Finalize()
	require.Error(t, backend.Init())

	_, err := New("parallelism=many", f)
	require.Error(t, err)
}

func TestCapabilities(t *testing.T) {
	backend := must.M1(New("", ir.New()))
	assert.True(t, backend.IsOpSupported(graph.KindFullyConnected, dtypes.Float16))
	assert.True(t, backend.IsOpSupported(graph.KindAdd, dtypes.Int64))
	assert.False(t, backend.IsOpSupported(graph.KindSoftmax, dtypes.Float32))
	assert.False(t, backend.IsOpSupported(graph.KindSub, dtypes.Float32))
	assert.False(t, backend.IsOpSupported(graph.KindAdd, dtypes.Uint8))
}

func TestSave(t *testing.T) {
	m := graph.NewModule()
	x := must.M1(m.CreateVariableWithValue("x", graph.Public, tensors.FromValue([]float32{1, 2, 3})))
	scale := must.M1(m.CreateVariableWithValue("scale", graph.Private, tensors.FromValue([]float32{2, 2, 2})))
	y := must.M1(m.CreateVariable("y", x.Shape(), graph.Public))
	fn := must.M1(m.CreateFunction("scale"))
	fn.Save(fn.Mul(fn.Var(x), fn.Var(scale)), y)
	backend, _ := compile(t, "", fn)

	dir := t.TempDir()
	require.NoError(t, backend.Save(dir))
	b, err := bundle.Load(dir, "scale")
	require.NoError(t, err)
	require.Equal(t, backend.Layout().Config.ConstantWeightsSize, uint64(len(b.Weights)))
	inst := must.M1(b.NewInstance())
	require.NoError(t, inst.SetInput("x", x.Payload()))
	require.NoError(t, inst.Run())
	got := must.M1(inst.Output("y"))
	require.Equal(t, []float32{2, 4, 6}, got.Value())
}
