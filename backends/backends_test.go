// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/nnc/graph"
	"github.com/gomlx/nnc/ir"
)

type fakeBackend struct {
	name string
	opts Options
	f    *ir.Function
}

func (b *fakeBackend) Name() string        { return b.name }
func (b *fakeBackend) Description() string { return "fake backend" }
func (b *fakeBackend) IsOpSupported(kind graph.NodeKind, dtype dtypes.DType) bool {
	return b.Capabilities().IsOpSupported(kind, dtype)
}
func (b *fakeBackend) Capabilities() Capabilities {
	return Capabilities{DTypes: map[dtypes.DType]bool{dtypes.Float32: true}}.WithOperations(PrimitiveOperations...)
}
func (b *fakeBackend) ShouldShareBuffers() bool { return b.opts.ShareBuffers }
func (b *fakeBackend) PreLowerTransform(*graph.Function, graph.CompilationMode) (bool, error) {
	return false, nil
}
func (b *fakeBackend) PostLowerTransform(*graph.Function, graph.CompilationMode) (bool, error) {
	return false, nil
}
func (b *fakeBackend) Init() error          { return nil }
func (b *fakeBackend) DoForwardPass() error { return nil }
func (b *fakeBackend) Save(string) error    { return nil }
func (b *fakeBackend) Layout() *ir.Layout   { return nil }
func (b *fakeBackend) Finalize()            {}

func init() {
	Register("fake", func(config string, f *ir.Function) (Backend, error) {
		opts, err := ParseOptions("fake", config, DefaultOptions())
		if err != nil {
			return nil, err
		}
		return &fakeBackend{name: "fake", opts: opts, f: f}, nil
	})
}

func TestNew(t *testing.T) {
	f := ir.New()
	t.Setenv(NNC_BACKEND, "")
	backend, err := New("fake:share_buffers=false", f)
	require.NoError(t, err)
	require.Equal(t, "fake", backend.Name())
	require.False(t, backend.ShouldShareBuffers())
	require.Same(t, f, backend.(*fakeBackend).f)

	// Empty configuration selects the first registered backend.
	backend, err = New("", f)
	require.NoError(t, err)
	require.True(t, backend.ShouldShareBuffers())

	t.Setenv(NNC_BACKEND, "fake:alignment=128")
	backend, err = New("", f)
	require.NoError(t, err)
	require.Equal(t, uint64(128), backend.(*fakeBackend).opts.Alignment)

	_, err = New("unknown", f)
	require.ErrorContains(t, err, "unknown")
	_, err = New("fake:color=blue", f)
	require.ErrorContains(t, err, "color")
	require.Contains(t, List(), "fake")
}

func TestParseOptions(t *testing.T) {
	opts, err := ParseOptions("b", " parallelism=0, share_buffers=false,alignment=32 ", DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, Options{Parallelism: 0, ShareBuffers: false, Alignment: 32}, opts)

	opts, err = ParseOptions("b", "", DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, DefaultOptions(), opts)

	for _, config := range []string{"parallelism", "parallelism=x", "share_buffers=maybe", "alignment=3", "alignment=0"} {
		_, err = ParseOptions("b", config, DefaultOptions())
		assert.Error(t, err, "config %q", config)
	}
}

func TestCapabilities(t *testing.T) {
	caps := Capabilities{DTypes: map[dtypes.DType]bool{dtypes.Float32: true}}.WithOperations(graph.KindAdd)
	assert.True(t, caps.IsOpSupported(graph.KindAdd, dtypes.Float32))
	assert.True(t, caps.IsOpSupported(graph.KindSave, dtypes.Float32))
	assert.False(t, caps.IsOpSupported(graph.KindAdd, dtypes.Float64))
	assert.False(t, caps.IsOpSupported(graph.KindMul, dtypes.Float32))

	clone := caps.Clone()
	clone.Operations[graph.KindMul] = true
	assert.False(t, caps.IsOpSupported(graph.KindMul, dtypes.Float32))
}
