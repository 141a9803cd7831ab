// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package cpu implements the native code-generation backend: the IR is compiled into a bundle.Program
// over three flat memory regions (constant weights, mutable weights and activations), exactly as a
// standalone bundle executes it.
//
// A forward pass copies the mutable Variables into the mutable-weights region, runs the compiled entry
// point, and copies the mutable-weights region back into the Variables.
package cpu

import (
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/nnc/backends"
	"github.com/gomlx/nnc/backends/codegen"
	"github.com/gomlx/nnc/graph"
	"github.com/gomlx/nnc/ir"
	"github.com/gomlx/nnc/pkg/bundle"
)

// BackendName to be used in NNC_BACKEND to specify this backend.
const BackendName = "cpu"

func init() {
	backends.Register(BackendName, New)
}

// Capabilities of the cpu backend: the primitives plus MaxSplat, for Float32 and Float64.
var Capabilities = backends.Capabilities{
	DTypes: map[dtypes.DType]bool{
		dtypes.Float32: true,
		dtypes.Float64: true,
	},
}.WithOperations(backends.PrimitiveOperations...).WithOperations(graph.KindMaxSplat)

// New constructs a cpu Backend for the IR container f.
//
// Options (see backends.ParseOptions): "alignment=<bytes>" of the regions and symbols (default 64) and
// "share_buffers=<bool>" (default true). "parallelism" is accepted but unused.
func New(config string, f *ir.Function) (backends.Backend, error) {
	opts, err := backends.ParseOptions(BackendName, config, backends.DefaultOptions())
	if err != nil {
		return nil, err
	}
	return &Backend{f: f, opts: opts}, nil
}

// Backend implements backends.Backend.
type Backend struct {
	f    *ir.Function
	opts backends.Options

	// Set by Init.
	layout  *ir.Layout
	program *bundle.Program
	entry   bundle.EntryPoint
	regions [3][]byte

	finalized bool
}

var _ backends.Backend = &Backend{}

// Name returns the short name of the backend.
func (b *Backend) Name() string { return BackendName }

// String implements fmt.Stringer.
func (b *Backend) String() string { return BackendName }

// Description is a longer description of the Backend that can be used to pretty-print.
func (b *Backend) Description() string {
	return "Native CPU backend compiling to flat memory regions"
}

// Capabilities returns information about what is supported by this backend.
func (b *Backend) Capabilities() backends.Capabilities { return Capabilities }

// IsOpSupported implements backends.Backend.
func (b *Backend) IsOpSupported(kind graph.NodeKind, dtype dtypes.DType) bool {
	return Capabilities.IsOpSupported(kind, dtype)
}

// ShouldShareBuffers implements backends.Backend.
func (b *Backend) ShouldShareBuffers() bool { return b.opts.ShareBuffers }

// PreLowerTransform implements backends.Backend, it doesn't change the graph.
func (b *Backend) PreLowerTransform(*graph.Function, graph.CompilationMode) (bool, error) {
	return false, nil
}

// PostLowerTransform fuses Max(x, Splat(v)) (in any operand order) into MaxSplat(x, v).
func (b *Backend) PostLowerTransform(fn *graph.Function, _ graph.CompilationMode) (changed bool, err error) {
	for _, node := range fn.Nodes() {
		if node.IsErased() || node.Kind() != graph.KindMax || !b.IsOpSupported(graph.KindMaxSplat, node.DType()) {
			continue
		}
		lhs, rhs := node.Inputs()[0], node.Inputs()[1]
		x, splat := lhs, rhs
		if lhs.Kind() == graph.KindSplat {
			x, splat = rhs, lhs
		}
		if splat.Kind() != graph.KindSplat || x.Kind() == graph.KindSplat {
			continue
		}
		fused := fn.MaxSplat(x, splat.Value())
		fn.ReplaceAllUsesWith(node, fused)
		fn.EraseNode(node)
		changed = true
	}
	if changed {
		klog.V(2).Infof("cpu: fused Max(x, Splat) into MaxSplat in %q", fn.Name())
	}
	return changed, nil
}

// Layout returns the memory layout of the last Init or Save.
func (b *Backend) Layout() *ir.Layout { return b.layout }

// Program returns the program compiled by the last Init, or nil.
func (b *Backend) Program() *bundle.Program { return b.program }

func (b *Backend) reset() {
	b.layout, b.program, b.entry = nil, nil, nil
	b.regions = [3][]byte{}
}

// Init lays out the memory, builds and compiles the program, allocates the three regions and loads the
// constant weights.
func (b *Backend) Init() error {
	if b.finalized {
		return errors.Errorf("backend %q used after Finalize", BackendName)
	}
	b.reset()
	if b.f.Empty() {
		return errors.Errorf("cpu: no IR to initialize, was it generated?")
	}
	layout, err := ir.AllocateMemory(b.f, b.opts.Alignment)
	if err != nil {
		return err
	}
	program, err := codegen.Program(b.f, layout)
	if err != nil {
		return err
	}
	entry, err := program.Compile()
	if err != nil {
		return errors.WithMessagef(err, "cpu: compiling %q", b.f.Name)
	}
	cfg := layout.Config
	var regions [3][]byte
	regions[bundle.ConstantWeights] = bundle.AllocRegion(cfg.ConstantWeightsSize, cfg.Alignment)
	regions[bundle.MutableWeights] = bundle.AllocRegion(cfg.MutableWeightsSize, cfg.Alignment)
	regions[bundle.Activations] = bundle.AllocRegion(cfg.ActivationsSize, cfg.Alignment)
	if err = codegen.FillWeights(b.f, layout, bundle.ConstantWeights, regions[bundle.ConstantWeights]); err != nil {
		return err
	}
	b.layout, b.program, b.entry, b.regions = layout, program, entry, regions
	klog.V(1).Infof("cpu: initialized %q with %d steps: constant %s, mutable %s, activations %s",
		b.f.Name, len(program.Steps), humanize.IBytes(cfg.ConstantWeightsSize),
		humanize.IBytes(cfg.MutableWeightsSize), humanize.IBytes(cfg.ActivationsSize))
	return nil
}

// DoForwardPass copies the mutable Variables in, runs the entry point and copies the mutable Variables back.
func (b *Backend) DoForwardPass() error {
	if b.finalized {
		return errors.Errorf("backend %q used after Finalize", BackendName)
	}
	if b.entry == nil {
		return errors.Errorf("cpu: DoForwardPass called before Init")
	}
	mutable := b.regions[bundle.MutableWeights]
	for _, w := range b.f.Weights {
		if !w.IsMutable() || w.Variable() == nil {
			continue
		}
		s := b.layout.Weights[w]
		copy(mutable[s.Offset:s.End()], w.Payload().Bytes())
	}
	if err := b.entry(b.regions[bundle.ConstantWeights], mutable, b.regions[bundle.Activations]); err != nil {
		return errors.WithMessagef(err, "cpu: running %q", b.f.Name)
	}
	for _, w := range b.f.Weights {
		if !w.IsMutable() || w.Variable() == nil {
			continue
		}
		s := b.layout.Weights[w]
		copy(w.Payload().MutableBytes(), mutable[s.Offset:s.End()])
	}
	return nil
}

// Save writes the compiled function as a bundle in outputDir.
func (b *Backend) Save(outputDir string) error {
	if b.finalized {
		return errors.Errorf("backend %q used after Finalize", BackendName)
	}
	layout, err := ir.AllocateMemory(b.f, b.opts.Alignment)
	if err != nil {
		return err
	}
	b.layout = layout
	return codegen.Save(b.f, layout, outputDir)
}

// Finalize releases the memory regions and makes the backend invalid.
func (b *Backend) Finalize() {
	b.reset()
	b.finalized = true
}
