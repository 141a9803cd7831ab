// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package bundle

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/nnc/types/tensors"
)

func symbol(name string, region Region, offset uint64, dims ...int) Symbol {
	size := uint64(4)
	for _, dim := range dims {
		size *= uint64(dim)
	}
	return Symbol{Name: name, Region: region, Offset: offset, Size: size, DTypeName: "Float32", Dimensions: dims}
}

func ref(s Symbol) Ref {
	return Ref{Region: s.Region, Offset: s.Offset, Size: s.Size, DTypeName: s.DTypeName}
}

// addBundle computes out = a + c, with c a constant [2,2] and a, out mutable [2,2].
func addBundle() (*Config, *Program, []byte) {
	c := symbol("c", ConstantWeights, 0, 2, 2)
	a := symbol("a", MutableWeights, 0, 2, 2)
	out := symbol("out", MutableWeights, 64, 2, 2)
	tmp := symbol("tmp", Activations, 0, 2, 2)
	cfg := &Config{
		ID:                  uuid.New(),
		Name:                "add",
		EntryName:           "add",
		ConstantWeightsSize: 64,
		MutableWeightsSize:  128,
		ActivationsSize:     64,
		Alignment:           DefaultAlignment,
		Symbols:             []Symbol{c, a, out, tmp},
		Inputs:              []string{"a"},
		Outputs:             []string{"out"},
	}
	program := &Program{
		Name:                "add",
		ConstantWeightsSize: cfg.ConstantWeightsSize,
		MutableWeightsSize:  cfg.MutableWeightsSize,
		ActivationsSize:     cfg.ActivationsSize,
		Steps: []Step{
			{Op: StepAdd, Operands: []Ref{ref(tmp), ref(a), ref(c)}, Name: "tmp"},
			{Op: StepCopy, Operands: []Ref{ref(out), ref(tmp)}, Name: "out"},
		},
	}
	weights := make([]byte, 64)
	copy(weights, tensors.FromValue([][]float32{{10, 20}, {30, 40}}).Bytes())
	return cfg, program, weights
}

func TestConfig(t *testing.T) {
	cfg, _, _ := addBundle()
	require.NoError(t, cfg.Validate())
	s, found := cfg.Symbol("out")
	require.True(t, found)
	require.Equal(t, uint64(80), s.End())

	cfg.MutableWeightsSize = 70
	require.ErrorContains(t, cfg.Validate(), "doesn't fit")

	cfg, _, _ = addBundle()
	cfg.Symbols[0].Size = 12
	require.ErrorContains(t, cfg.Validate(), "requires 16 bytes")

	cfg, _, _ = addBundle()
	cfg.Inputs = []string{"c"}
	require.Error(t, cfg.Validate())

	require.Equal(t, uint64(128), AlignSize(65, 64))
	require.Equal(t, uint64(0), AlignSize(0, 64))
	region := AllocRegion(100, 64)
	require.Len(t, region, 100)
}

func TestSaveLoadRun(t *testing.T) {
	cfg, program, weights := addBundle()
	dir := t.TempDir()
	require.NoError(t, Save(dir, cfg, program, weights))
	entries := must.M1(os.ReadDir(dir))
	require.Len(t, entries, 3, "no temporary files left behind")

	b := must.M1(Load(dir, "add"))
	require.Equal(t, cfg.ID, b.Config.ID)
	require.Equal(t, weights, b.Weights)
	require.Len(t, b.Program.Steps, 2)

	inst := must.M1(b.NewInstance())
	require.Len(t, inst.Region(MutableWeights), 128)
	require.Len(t, inst.Region(Activations), 64)
	require.NoError(t, inst.SetInput("a", tensors.FromValue([][]float32{{1, 2}, {3, 4}})))
	require.NoError(t, inst.Run())
	out := must.M1(inst.Output("out"))
	require.Equal(t, [][]float32{{11, 22}, {33, 44}}, out.Value())

	require.Error(t, inst.SetInput("a", tensors.FromValue([]float32{1, 2, 3, 4})))
	require.Error(t, inst.SetInput("c", tensors.FromValue([][]float32{{1, 2}, {3, 4}})))
	_, err := inst.Output("tmp")
	require.Error(t, err)
	_, err = inst.Output("missing")
	require.Error(t, err)
}

func TestLoadWeightsSizeMismatch(t *testing.T) {
	cfg, program, weights := addBundle()
	dir := t.TempDir()
	require.NoError(t, Save(dir, cfg, program, weights))
	_, weightsPath, _ := Paths(dir, "add")
	require.NoError(t, os.WriteFile(weightsPath, weights[:60], 0o644))
	_, err := LoadWeights(weightsPath, cfg)
	require.ErrorContains(t, err, "requires exactly 64 bytes")
	_, err = Load(dir, "add")
	require.Error(t, err)

	require.NoError(t, os.WriteFile(weightsPath, weights, 0o644))
	loaded := must.M1(LoadWeights(weightsPath, cfg))
	require.Equal(t, weights, loaded)
}

func TestSaveFailureLeavesNoBundle(t *testing.T) {
	cfg, program, weights := addBundle()
	dir := filepath.Join(t.TempDir(), "out")
	require.Error(t, Save(dir, cfg, program, weights[:10]))
	_, err := Load(dir, "add")
	require.Error(t, err)

	// Overwriting an existing bundle with an invalid program fails before touching the previous files.
	require.NoError(t, Save(dir, cfg, program, weights))
	program.ActivationsSize = 1
	require.Error(t, Save(dir, cfg, program, weights))
	_ = must.M1(Load(dir, "add"))
}

func TestProgramCompileErrors(t *testing.T) {
	_, program, _ := addBundle()
	program.Steps[0].Operands[0].Offset = 1000
	_, err := program.Compile()
	require.ErrorContains(t, err, "doesn't fit")

	_, program, _ = addBundle()
	program.Steps[0].Op = "unknown"
	_, err = program.Compile()
	require.Error(t, err)

	_, program, _ = addBundle()
	program.Steps[1].Operands[0].Region = ConstantWeights
	_, err = program.Compile()
	require.ErrorContains(t, err, "read-only")

	_, program, _ = addBundle()
	entry := must.M1(program.Compile())
	require.Error(t, entry(make([]byte, 64), make([]byte, 10), make([]byte, 64)))
}

func TestParseGCSURL(t *testing.T) {
	bucket, prefix := must.M2(ParseGCSURL("gs://models/bundles/mlp/"))
	require.Equal(t, "models", bucket)
	require.Equal(t, "bundles/mlp", prefix)
	bucket, prefix = must.M2(ParseGCSURL("gs://models"))
	require.Equal(t, "models", bucket)
	require.Equal(t, "", prefix)
	require.Equal(t, "x.json", objectName("", "x.json"))
	_, _, err := ParseGCSURL("s3://models")
	require.Error(t, err)
}

// recordingStore records the operations on it, and fails uploads of failObject.
type recordingStore struct {
	ops        []string
	failObject string
}

func (s *recordingStore) Delete(_ context.Context, object string) error {
	s.ops = append(s.ops, "delete "+object)
	return nil
}

func (s *recordingStore) Upload(_ context.Context, _, object string) error {
	if object == s.failObject {
		return errors.Errorf("upload of %s failed", object)
	}
	s.ops = append(s.ops, "upload "+object)
	return nil
}

func TestPublishOrder(t *testing.T) {
	dir := t.TempDir()
	cfg, program, weights := addBundle()
	require.NoError(t, Save(dir, cfg, program, weights))
	ctx := context.Background()

	store := &recordingStore{}
	require.NoError(t, publishTo(ctx, store, dir, "add", "models/add"))
	require.Equal(t, []string{
		"delete models/add/add.program",
		"upload models/add/add.json",
		"upload models/add/add.weights",
		"upload models/add/add.program",
	}, store.ops)

	// A failed upload never publishes the program.
	store = &recordingStore{failObject: "add.weights"}
	require.Error(t, publishTo(ctx, store, dir, "add", ""))
	require.Equal(t, []string{"delete add.program", "upload add.json"}, store.ops)

	// Missing bundles are not published at all.
	store = &recordingStore{}
	require.Error(t, publishTo(ctx, store, dir, "missing", ""))
	require.Empty(t, store.ops)
}
