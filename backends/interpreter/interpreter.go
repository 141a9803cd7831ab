// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package interpreter implements a simple and portable reference backend: it executes the IR instruction
// by instruction over Go tensors.
//
// WeightVars are bound directly to the payloads of their Variables (or to the values of constants), so a
// forward pass reads and writes the Variables without any copies. Activations are allocated for each pass.
//
// Elementwise kernels can be split across goroutines, see the "parallelism" option: the results are the
// same as the sequential execution.
package interpreter

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/nnc/backends"
	"github.com/gomlx/nnc/backends/codegen"
	"github.com/gomlx/nnc/graph"
	"github.com/gomlx/nnc/internal/workerspool"
	"github.com/gomlx/nnc/ir"
	"github.com/gomlx/nnc/types/tensors"
)

// BackendName to be used in NNC_BACKEND to specify this backend.
const BackendName = "interpreter"

// Registers New() as the constructor for the "interpreter" backend.
func init() {
	backends.Register(BackendName, New)
}

// Capabilities of the interpreter: all the primitives plus FullyConnected, Relu and Sigmoid.
var Capabilities = backends.Capabilities{
	DTypes: map[dtypes.DType]bool{
		dtypes.Float32: true,
		dtypes.Float64: true,
		dtypes.Float16: true,
		dtypes.Int32:   true,
		dtypes.Int64:   true,
	},
}.WithOperations(backends.PrimitiveOperations...).
	WithOperations(graph.KindFullyConnected, graph.KindRelu, graph.KindSigmoid)

// New constructs a new interpreter Backend for the IR container f.
//
// The config string is a comma-separated list of options, see backends.ParseOptions:
//
//   - "parallelism=<n>": number of workers for elementwise kernels; 0 executes sequentially. Default: number of cores.
//   - "share_buffers=<bool>": let the IR optimizer make elementwise instructions work in place. Default: true.
//   - "alignment=<bytes>": alignment of the memory layout (only used for reporting and bundles). Default: 64.
func New(config string, f *ir.Function) (backends.Backend, error) {
	opts, err := backends.ParseOptions(BackendName, config, backends.DefaultOptions())
	if err != nil {
		return nil, err
	}
	return &Backend{f: f, opts: opts, pool: workerspool.New(opts.Parallelism)}, nil
}

// Backend implements the backends.Backend interface.
type Backend struct {
	f    *ir.Function
	opts backends.Options
	pool *workerspool.Pool

	// Set by Init.
	layout *ir.Layout
	bound  map[*ir.WeightVar]*tensors.Tensor

	finalized bool
}

// Compile-time check that interpreter.Backend implements backends.Backend.
var _ backends.Backend = &Backend{}

// Name returns the short name of the backend.
func (b *Backend) Name() string { return BackendName }

// String implements fmt.Stringer.
func (b *Backend) String() string { return BackendName }

// Description is a longer description of the Backend that can be used to pretty-print.
func (b *Backend) Description() string {
	return "Portable Go interpreter of the IR"
}

// Capabilities returns information about what is supported by this backend.
func (b *Backend) Capabilities() backends.Capabilities { return Capabilities }

// IsOpSupported implements backends.Backend.
func (b *Backend) IsOpSupported(kind graph.NodeKind, dtype dtypes.DType) bool {
	return Capabilities.IsOpSupported(kind, dtype)
}

// ShouldShareBuffers implements backends.Backend.
func (b *Backend) ShouldShareBuffers() bool { return b.opts.ShareBuffers }

// PreLowerTransform implements backends.Backend: the interpreter doesn't transform the graph.
func (b *Backend) PreLowerTransform(*graph.Function, graph.CompilationMode) (bool, error) {
	return false, nil
}

// PostLowerTransform implements backends.Backend: the interpreter doesn't transform the graph.
func (b *Backend) PostLowerTransform(*graph.Function, graph.CompilationMode) (bool, error) {
	return false, nil
}

// Layout returns the memory layout computed by the last Init or Save.
func (b *Backend) Layout() *ir.Layout { return b.layout }

func (b *Backend) checkValid() error {
	if b.finalized {
		return errors.Errorf("backend %q used after Finalize", BackendName)
	}
	return nil
}

// Init lays out the memory of the IR (sizes are reported, but the interpreter uses tensors) and binds every
// WeightVar to the tensor holding its value.
func (b *Backend) Init() error {
	if err := b.checkValid(); err != nil {
		return err
	}
	b.layout, b.bound = nil, nil
	if b.f.Empty() {
		return errors.Errorf("interpreter: no IR to initialize, was it generated?")
	}
	layout, err := ir.AllocateMemory(b.f, b.opts.Alignment)
	if err != nil {
		return err
	}
	bound := make(map[*ir.WeightVar]*tensors.Tensor, len(b.f.Weights))
	for _, w := range b.f.Weights {
		payload := w.Payload()
		if payload == nil {
			return errors.Errorf("interpreter: weight %q has no value", w.Name())
		}
		if !payload.Shape().Equal(w.Shape()) {
			return errors.Errorf("interpreter: weight %q has shape %s, but its value has shape %s",
				w.Name(), w.Shape(), payload.Shape())
		}
		bound[w] = payload
	}
	b.layout, b.bound = layout, bound
	klog.V(1).Infof("interpreter: initialized %q, %d instructions, parallelism=%d",
		b.f.Name, len(b.f.Instructions), b.pool.MaxParallelism())
	return nil
}

// DoForwardPass executes the IR once.
func (b *Backend) DoForwardPass() error {
	if err := b.checkValid(); err != nil {
		return err
	}
	if b.bound == nil {
		return errors.Errorf("interpreter: DoForwardPass called before Init")
	}
	return b.execute()
}

// Save writes the compiled function as a bundle in outputDir.
func (b *Backend) Save(outputDir string) error {
	if err := b.checkValid(); err != nil {
		return err
	}
	layout, err := ir.AllocateMemory(b.f, b.opts.Alignment)
	if err != nil {
		return err
	}
	b.layout = layout
	return codegen.Save(b.f, layout, outputDir)
}

// Finalize releases all the associated resources immediately, and makes the backend invalid.
func (b *Backend) Finalize() {
	b.layout, b.bound = nil, nil
	b.finalized = true
}
