// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package bundle implements the standalone artifact emitted by the compiler and the runtime that executes it
// without the compiler.
//
// A bundle for a function F, saved in a directory, is made of three files:
//
//   - F.json: the Config, with the sizes of the three memory regions and the symbol table locating every
//     variable (name to region, offset, size and element kind).
//   - F.weights: the raw contents of the constant-weights region, exactly Config.ConstantWeightsSize bytes.
//   - F.program: the gob-encoded Program, the portable form of the compiled entry point.
//
// A consumer (see Instance) allocates the three regions with the configured sizes, loads the weights file
// verbatim into the constant-weights region, copies inputs into the mutable-weights region at the offsets
// given by the symbol table, calls the entry point, and reads the outputs back from the mutable-weights region.
package bundle

import (
	"fmt"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Region identifies one of the three memory regions of a compiled function.
type Region int

const (
	// ConstantWeights hold values known at compile time: loaded from the weights file, never written.
	ConstantWeights Region = iota

	// MutableWeights hold the variables that are read or written by the caller (inputs and outputs), and
	// the variables written by the function.
	MutableWeights

	// Activations are the transient scratch memory of one forward pass.
	Activations

	numRegions
)

var regionNames = [numRegions]string{"constant", "mutable", "activations"}

// String implements fmt.Stringer.
func (r Region) String() string {
	if r < 0 || r >= numRegions {
		return fmt.Sprintf("Region(%d)", int(r))
	}
	return regionNames[r]
}

// MarshalText implements encoding.TextMarshaler, so regions are stored by name in the JSON config.
func (r Region) MarshalText() ([]byte, error) {
	if r < 0 || r >= numRegions {
		return nil, errors.Errorf("invalid region %d", int(r))
	}
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Region) UnmarshalText(text []byte) error {
	for ii, name := range regionNames {
		if name == string(text) {
			*r = Region(ii)
			return nil
		}
	}
	return errors.Errorf("unknown region %q", text)
}

// Symbol locates one named value in one of the memory regions.
type Symbol struct {
	Name       string `json:"name"`
	Region     Region `json:"region"`
	Offset     uint64 `json:"offset"`
	Size       uint64 `json:"size"`
	DTypeName  string `json:"dtype"`
	Dimensions []int  `json:"dimensions"`
}

// DType parses the dtype name of the symbol.
func (s Symbol) DType() dtypes.DType {
	dtype, found := dtypes.MapOfNames[s.DTypeName]
	if !found {
		return dtypes.InvalidDType
	}
	return dtype
}

// End returns the offset right after the symbol.
func (s Symbol) End() uint64 { return s.Offset + s.Size }

// String implements fmt.Stringer.
func (s Symbol) String() string {
	return fmt.Sprintf("%s@%s[%d:%d] (%s)%v", s.Name, s.Region, s.Offset, s.End(), s.DTypeName, s.Dimensions)
}

// Config describes the memory contract of a compiled function: the sizes of the three regions, the alignment
// of the symbols in them and the symbol table.
type Config struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	EntryName string    `json:"entry_name"`

	ConstantWeightsSize uint64 `json:"constant_weights_size"`
	MutableWeightsSize  uint64 `json:"mutable_weights_size"`
	ActivationsSize     uint64 `json:"activations_size"`
	Alignment           uint64 `json:"alignment"`

	Symbols []Symbol `json:"symbols"`

	// Inputs are the names of the mutable symbols the caller is expected to set.
	Inputs []string `json:"inputs"`

	// Outputs are the names of the mutable symbols written by the entry point.
	Outputs []string `json:"outputs"`
}

// RegionSize returns the configured size of the region.
func (c *Config) RegionSize(region Region) uint64 {
	switch region {
	case ConstantWeights:
		return c.ConstantWeightsSize
	case MutableWeights:
		return c.MutableWeightsSize
	case Activations:
		return c.ActivationsSize
	}
	return 0
}

// Symbol returns the symbol with the given name. Weights (constant or mutable) take precedence over
// activations of the same name.
func (c *Config) Symbol(name string) (Symbol, bool) {
	var found *Symbol
	for ii := range c.Symbols {
		s := &c.Symbols[ii]
		if s.Name != name {
			continue
		}
		if found == nil || (found.Region == Activations && s.Region != Activations) {
			found = s
		}
	}
	if found == nil {
		return Symbol{}, false
	}
	return *found, true
}

// Validate checks that every symbol fits in its region, with a size matching its shape.
func (c *Config) Validate() error {
	if c.Alignment == 0 {
		return errors.Errorf("bundle %q: alignment must be > 0", c.Name)
	}
	for _, s := range c.Symbols {
		if s.Region < 0 || s.Region >= numRegions {
			return errors.Errorf("bundle %q: symbol %q has invalid region %d", c.Name, s.Name, s.Region)
		}
		dtype := s.DType()
		if dtype == dtypes.InvalidDType {
			return errors.Errorf("bundle %q: symbol %q has unknown dtype %q", c.Name, s.Name, s.DTypeName)
		}
		numElements := uint64(1)
		for _, dim := range s.Dimensions {
			numElements *= uint64(dim)
		}
		if numElements*uint64(dtype.Size()) != s.Size {
			return errors.Errorf("bundle %q: symbol %q has size %d, but its shape (%s)%v requires %d bytes",
				c.Name, s.Name, s.Size, s.DTypeName, s.Dimensions, numElements*uint64(dtype.Size()))
		}
		if s.End() > c.RegionSize(s.Region) {
			return errors.Errorf("bundle %q: symbol %q [%d, %d) doesn't fit in the %s region of %d bytes",
				c.Name, s.Name, s.Offset, s.End(), s.Region, c.RegionSize(s.Region))
		}
	}
	for _, name := range append(append([]string{}, c.Inputs...), c.Outputs...) {
		s, found := c.Symbol(name)
		if !found || s.Region != MutableWeights {
			return errors.Errorf("bundle %q: input/output %q is not a symbol of the mutable region", c.Name, name)
		}
	}
	return nil
}
