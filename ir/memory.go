// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ir

import (
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/nnc/pkg/bundle"
)

// Layout assigns every value of an IR function to a region and an offset. Its Config is the symbol table
// of the compiled function.
type Layout struct {
	Config *bundle.Config

	// Symbols by name. Weights take precedence over activations with the same name.
	Symbols map[string]bundle.Symbol

	Weights     map[*WeightVar]bundle.Symbol
	Activations map[*ActivationVar]bundle.Symbol
}

// Symbol returns the location of v.
func (l *Layout) Symbol(v Value) (bundle.Symbol, bool) {
	switch v := v.(type) {
	case *WeightVar:
		s, found := l.Weights[v]
		return s, found
	case *ActivationVar:
		s, found := l.Activations[v]
		return s, found
	}
	return bundle.Symbol{}, false
}

func symbolFor(v Value, region bundle.Region, offset uint64) bundle.Symbol {
	shape := v.Shape()
	return bundle.Symbol{
		Name:       v.Name(),
		Region:     region,
		Offset:     offset,
		Size:       uint64(shape.Memory()),
		DTypeName:  shape.DType.String(),
		Dimensions: append([]int{}, shape.Dimensions...),
	}
}

// segment is a live range [offset, end) of the activations region.
type segment struct {
	offset, end uint64
	act         *ActivationVar
}

// firstFit keeps the live segments of the activations region sorted by offset.
type firstFit struct {
	alignment uint64
	live      []segment
	maxEnd    uint64
}

// alloc places size bytes in the first gap between live segments that fits them.
func (ff *firstFit) alloc(act *ActivationVar, size uint64) uint64 {
	size = bundle.AlignSize(size, ff.alignment)
	var offset uint64
	pos := len(ff.live)
	for ii, seg := range ff.live {
		if offset+size <= seg.offset {
			pos = ii
			break
		}
		offset = max(offset, seg.end)
	}
	ff.live = append(ff.live, segment{})
	copy(ff.live[pos+1:], ff.live[pos:])
	ff.live[pos] = segment{offset: offset, end: offset + size, act: act}
	ff.maxEnd = max(ff.maxEnd, offset+size)
	return offset
}

func (ff *firstFit) free(act *ActivationVar) bool {
	for ii, seg := range ff.live {
		if seg.act == act {
			ff.live = append(ff.live[:ii], ff.live[ii+1:]...)
			return true
		}
	}
	return false
}

// AllocateMemory lays out the values of f:
//
//   - constant weights are packed in the constant-weights region, in order;
//   - mutable weights are packed in the mutable-weights region, in order;
//   - activations are assigned by a first-fit allocator over the activations region, reusing the ranges
//     of activations already deallocated.
//
// Every symbol offset, and every region size, is a multiple of alignment.
// The returned Config lists as inputs the mutable weights the caller must set (the Public variables and the
// mutable variables read by the function), and as outputs the mutable weights written by the function.
func AllocateMemory(f *Function, alignment uint64) (*Layout, error) {
	if alignment == 0 {
		return nil, errors.Errorf("memory layout of %q: alignment must be > 0", f.Name)
	}
	layout := &Layout{
		Config: &bundle.Config{
			Name:      f.Name,
			EntryName: f.Name,
			Alignment: alignment,
		},
		Symbols:     make(map[string]bundle.Symbol),
		Weights:     make(map[*WeightVar]bundle.Symbol, len(f.Weights)),
		Activations: make(map[*ActivationVar]bundle.Symbol),
	}
	cfg := layout.Config

	read := make(map[*WeightVar]bool)
	written := make(map[*WeightVar]bool)
	for _, inst := range f.Instructions {
		for ii, operand := range inst.Operands {
			if w, ok := operand.Value.(*WeightVar); ok {
				if ii > 0 || operand.Direction == InOut {
					read[w] = true
				}
				if ii == 0 {
					written[w] = true
				}
			}
		}
	}

	var constantOffset, mutableOffset uint64
	for _, w := range f.Weights {
		var s bundle.Symbol
		if w.IsMutable() {
			s = symbolFor(w, bundle.MutableWeights, mutableOffset)
			mutableOffset += bundle.AlignSize(s.Size, alignment)
			if w.variable != nil && (w.variable.IsPublic() || read[w]) {
				cfg.Inputs = append(cfg.Inputs, w.name)
			}
		} else {
			s = symbolFor(w, bundle.ConstantWeights, constantOffset)
			constantOffset += bundle.AlignSize(s.Size, alignment)
		}
		layout.Weights[w] = s
		cfg.Symbols = append(cfg.Symbols, s)
	}
	cfg.ConstantWeightsSize = constantOffset
	cfg.MutableWeightsSize = mutableOffset

	ff := &firstFit{alignment: alignment}
	for _, inst := range f.Instructions {
		switch inst.Op {
		case OpAllocActivation:
			act := inst.Output().(*ActivationVar)
			if _, found := layout.Activations[act]; found {
				return nil, errors.Errorf("memory layout of %q: activation %q allocated twice", f.Name, act.name)
			}
			size := uint64(act.shape.Memory())
			s := symbolFor(act, bundle.Activations, ff.alloc(act, size))
			layout.Activations[act] = s
			cfg.Symbols = append(cfg.Symbols, s)
		case OpDeallocActivation:
			act := inst.Output().(*ActivationVar)
			if !ff.free(act) {
				return nil, errors.Errorf("memory layout of %q: activation %q deallocated while not allocated", f.Name, act.name)
			}
		}
	}
	cfg.ActivationsSize = ff.maxEnd
	for _, w := range f.Weights {
		if written[w] {
			cfg.Outputs = append(cfg.Outputs, w.name)
		}
	}

	for _, s := range cfg.Symbols {
		if prev, found := layout.Symbols[s.Name]; found && prev.Region != bundle.Activations {
			continue
		}
		layout.Symbols[s.Name] = s
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.WithMessagef(err, "memory layout of %q", f.Name)
	}
	if klog.V(1).Enabled() {
		klog.Infof("Memory layout of %q: constant weights %s, mutable weights %s, activations %s (%d symbols)",
			f.Name, humanize.IBytes(cfg.ConstantWeightsSize), humanize.IBytes(cfg.MutableWeightsSize),
			humanize.IBytes(cfg.ActivationsSize), len(cfg.Symbols))
	}
	return layout, nil
}

// LiveActivationsPeak returns the largest total size of simultaneously allocated activations, without
// alignment padding. It is a lower bound for Config.ActivationsSize.
func LiveActivationsPeak(f *Function) uint64 {
	live := make(map[*ActivationVar]uint64)
	var current, peak uint64
	for _, inst := range f.Instructions {
		switch inst.Op {
		case OpAllocActivation:
			act := inst.Output().(*ActivationVar)
			live[act] = uint64(act.shape.Memory())
			current += live[act]
			peak = max(peak, current)
		case OpDeallocActivation:
			act := inst.Output().(*ActivationVar)
			current -= live[act]
			delete(live, act)
		}
	}
	return peak
}
