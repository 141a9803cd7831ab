// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package bundle

import (
	"slices"

	"github.com/pkg/errors"

	"github.com/gomlx/nnc/types/shapes"
	"github.com/gomlx/nnc/types/tensors"
)

// Instance is a runnable instance of a bundle: it owns the three memory regions.
type Instance struct {
	bundle          *Bundle
	entry           EntryPoint
	constantWeights []byte
	mutableWeights  []byte
	activations     []byte
}

// NewInstance compiles the bundle program and allocates its regions with exactly the configured sizes. The
// constant region is loaded with the bundle weights, the others are zeroed.
func (b *Bundle) NewInstance() (*Instance, error) {
	entry, err := b.Program.Compile()
	if err != nil {
		return nil, err
	}
	cfg := b.Config
	if uint64(len(b.Weights)) != cfg.ConstantWeightsSize {
		return nil, errors.Errorf("bundle %q: weights have %d bytes, want %d", cfg.Name, len(b.Weights), cfg.ConstantWeightsSize)
	}
	inst := &Instance{
		bundle:          b,
		entry:           entry,
		constantWeights: AllocRegion(cfg.ConstantWeightsSize, cfg.Alignment),
		mutableWeights:  AllocRegion(cfg.MutableWeightsSize, cfg.Alignment),
		activations:     AllocRegion(cfg.ActivationsSize, cfg.Alignment),
	}
	copy(inst.constantWeights, b.Weights)
	return inst, nil
}

// Config of the bundle.
func (inst *Instance) Config() *Config { return inst.bundle.Config }

// Region returns the buffer backing the region.
func (inst *Instance) Region(region Region) []byte {
	switch region {
	case ConstantWeights:
		return inst.constantWeights
	case MutableWeights:
		return inst.mutableWeights
	case Activations:
		return inst.activations
	}
	return nil
}

func (inst *Instance) symbol(name string) (Symbol, []byte, error) {
	s, found := inst.bundle.Config.Symbol(name)
	if !found {
		return Symbol{}, nil, errors.Errorf("bundle %q has no symbol %q", inst.bundle.Config.Name, name)
	}
	return s, inst.Region(s.Region)[s.Offset:s.End()], nil
}

// SetInput copies t into the mutable-region storage of the named symbol. The shape must match exactly.
func (inst *Instance) SetInput(name string, t *tensors.Tensor) error {
	s, data, err := inst.symbol(name)
	if err != nil {
		return err
	}
	if s.Region != MutableWeights {
		return errors.Errorf("bundle %q: symbol %q is in the %s region, only mutable symbols can be set",
			inst.bundle.Config.Name, name, s.Region)
	}
	if t.DType() != s.DType() || !slices.Equal(t.Shape().Dimensions, s.Dimensions) {
		return errors.Errorf("bundle %q: input %q has shape (%s)%v, got %s",
			inst.bundle.Config.Name, name, s.DTypeName, s.Dimensions, t.Shape())
	}
	copy(data, t.Bytes())
	return nil
}

// Run executes the entry point once.
func (inst *Instance) Run() error {
	err := inst.entry(inst.constantWeights, inst.mutableWeights, inst.activations)
	if err != nil {
		return errors.WithMessagef(err, "running bundle %q", inst.bundle.Config.Name)
	}
	return nil
}

// Output returns a copy of the named symbol, located through the symbol table.
func (inst *Instance) Output(name string) (*tensors.Tensor, error) {
	s, data, err := inst.symbol(name)
	if err != nil {
		return nil, err
	}
	if s.Region == Activations {
		return nil, errors.Errorf("bundle %q: symbol %q is a transient activation", inst.bundle.Config.Name, name)
	}
	return tensors.FromBytes(shapes.Make(s.DType(), s.Dimensions...), data)
}
