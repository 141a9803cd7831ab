// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package optimizer implements the IR-level optimization passes, run to a fixpoint:
//
//   - copy propagation: an instruction writing an activation that is only copied into a weight writes the
//     weight directly;
//   - dead allocation removal: activations never read are removed, with the instructions writing them;
//   - alloc sinking and dealloc hoisting: allocations are moved right before the first use of the activation,
//     and deallocations right after the last use;
//   - buffer sharing (only if the backend asks for it): elementwise instructions write their output over an
//     input activation that dies at the instruction.
package optimizer

import (
	"time"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/nnc/graph"
	"github.com/gomlx/nnc/ir"
)

// MaxIterations of the fixpoint loop.
const MaxIterations = 100

// Capabilities of the backend that parameterize the IR optimizations.
type Capabilities interface {
	// ShouldShareBuffers returns whether instructions may write their output over one of their inputs.
	ShouldShareBuffers() bool
}

type pass struct {
	name string
	fn   func(f *ir.Function) bool
}

// Optimize runs the IR passes over f until none changes it, and verifies the result.
func Optimize(f *ir.Function, mode graph.CompilationMode, caps Capabilities) (changed bool, err error) {
	start := time.Now()
	passes := []pass{
		{"copy-propagation", propagateCopies},
		{"dead-allocations", removeDeadAllocations},
	}
	if caps != nil && caps.ShouldShareBuffers() {
		passes = append(passes, pass{"share-buffers", shareBuffers})
	}
	passes = append(passes, pass{"schedule-allocations", scheduleAllocations})

	numInstructions := len(f.Instructions)
	err = exceptions.TryCatch[error](func() {
		for iteration := 0; ; iteration++ {
			if iteration >= MaxIterations {
				exceptions.Panicf("IR optimizer didn't converge after %d iterations", MaxIterations)
			}
			iterationChanged := false
			for _, p := range passes {
				if p.fn(f) {
					klog.V(2).Infof("IR optimizer: pass %q changed %q", p.name, f.Name)
					iterationChanged = true
				}
			}
			if !iterationChanged {
				break
			}
			changed = true
		}
	})
	if err == nil {
		err = f.Verify()
	}
	if err != nil {
		return false, errors.WithMessagef(err, "optimizing IR of %q", f.Name)
	}
	klog.V(1).Infof("IR optimizer: %q (mode=%s) optimized in %s, changed=%v, %d -> %d instructions",
		f.Name, mode, time.Since(start), changed, numInstructions, len(f.Instructions))
	return changed, nil
}

// propagateCopies finds Copy(dest, act) where dest is a weight and act an activation written by a single
// instruction and read only by the copy. The writer then writes dest directly and the copy is removed.
//
// It requires that dest is neither read nor written between the writer and the copy, and that the writer
// itself only reads dest if it is elementwise (so reading and writing the same element is safe).
func propagateCopies(f *ir.Function) bool {
	changed := false
	for {
		idx, writerIdx := findPropagatableCopy(f)
		if idx < 0 {
			return changed
		}
		copyInst := f.Instructions[idx]
		dest := copyInst.Output()
		writer := f.Instructions[writerIdx]
		act := writer.Output()
		writer.ReplaceValue(act, dest)
		f.Instructions = append(f.Instructions[:idx], f.Instructions[idx+1:]...)
		klog.V(2).Infof("IR optimizer: %q now writes %q directly", writer.Name, dest.Name())
		changed = true
	}
}

func findPropagatableCopy(f *ir.Function) (copyIdx, writerIdx int) {
	for idx, inst := range f.Instructions {
		if inst.Op != ir.OpCopy {
			continue
		}
		dest, ok := inst.Output().(*ir.WeightVar)
		if !ok {
			continue
		}
		act, ok := inst.Operands[1].Value.(*ir.ActivationVar)
		if !ok || !act.Shape().Equal(dest.Shape()) {
			continue
		}
		writer := -1
		valid := true
		for ii, other := range f.Instructions {
			if ii == idx || !other.Uses(act) {
				continue
			}
			if other.Output() == ir.Value(act) && !other.Reads(act) && writer < 0 && ii < idx {
				writer = ii
				continue
			}
			valid = false
			break
		}
		if !valid || writer < 0 {
			continue
		}
		w := f.Instructions[writer]
		if w.Reads(dest) && !w.Op.IsElementwise() {
			continue
		}
		for ii := writer + 1; ii < idx; ii++ {
			if f.Instructions[ii].Uses(dest) {
				valid = false
				break
			}
		}
		if valid {
			return idx, writer
		}
	}
	return -1, -1
}

// removeDeadAllocations removes activations that are never read: the instructions writing them and their
// AllocActivation/DeallocActivation.
func removeDeadAllocations(f *ir.Function) bool {
	read := make(map[*ir.ActivationVar]bool)
	for _, inst := range f.Instructions {
		for _, v := range inst.Inputs() {
			if act, ok := v.(*ir.ActivationVar); ok {
				read[act] = true
			}
		}
		if len(inst.Operands) > 0 && inst.Operands[0].Direction == ir.InOut {
			if act, ok := inst.Output().(*ir.ActivationVar); ok {
				read[act] = true
			}
		}
	}
	kept := f.Instructions[:0]
	changed := false
	for _, inst := range f.Instructions {
		if act, ok := inst.Output().(*ir.ActivationVar); ok && !read[act] {
			changed = true
			continue
		}
		kept = append(kept, inst)
	}
	f.Instructions = kept
	return changed
}

// scheduleAllocations moves every AllocActivation right before the first use of its activation and every
// DeallocActivation right after its last use.
func scheduleAllocations(f *ir.Function) bool {
	body := make([]*ir.Instruction, 0, len(f.Instructions))
	allocs := make(map[*ir.ActivationVar]*ir.Instruction)
	deallocs := make(map[*ir.ActivationVar]*ir.Instruction)
	for _, inst := range f.Instructions {
		switch inst.Op {
		case ir.OpAllocActivation:
			allocs[inst.Output().(*ir.ActivationVar)] = inst
		case ir.OpDeallocActivation:
			deallocs[inst.Output().(*ir.ActivationVar)] = inst
		default:
			body = append(body, inst)
		}
	}
	firstUse := make(map[*ir.ActivationVar]int)
	lastUse := make(map[*ir.ActivationVar]int)
	for ii, inst := range body {
		for _, operand := range inst.Operands {
			if act, ok := operand.Value.(*ir.ActivationVar); ok {
				if _, found := firstUse[act]; !found {
					firstUse[act] = ii
				}
				lastUse[act] = ii
			}
		}
	}

	scheduled := make([]*ir.Instruction, 0, len(f.Instructions))
	for ii, inst := range body {
		for _, operand := range inst.Operands {
			act, ok := operand.Value.(*ir.ActivationVar)
			if !ok || firstUse[act] != ii {
				continue
			}
			alloc := allocs[act]
			if alloc == nil {
				alloc = ir.NewAlloc(act)
			}
			scheduled = append(scheduled, alloc)
			firstUse[act] = -1
		}
		scheduled = append(scheduled, inst)
		for _, operand := range inst.Operands {
			act, ok := operand.Value.(*ir.ActivationVar)
			if !ok || lastUse[act] != ii {
				continue
			}
			dealloc := deallocs[act]
			if dealloc == nil {
				dealloc = ir.NewDealloc(act)
			}
			scheduled = append(scheduled, dealloc)
			lastUse[act] = -1
		}
	}

	changed := len(scheduled) != len(f.Instructions)
	for ii := 0; !changed && ii < len(scheduled); ii++ {
		changed = scheduled[ii] != f.Instructions[ii]
	}
	f.Instructions = scheduled
	return changed
}

// shareBuffers makes elementwise (and batched) instructions write their output over an input activation of
// the same shape whose last use is the instruction. The output activation is then replaced by the input
// activation everywhere.
func shareBuffers(f *ir.Function) bool {
	changed := false
	for {
		idx, input := findShareableInput(f)
		if idx < 0 {
			return changed
		}
		inst := f.Instructions[idx]
		out := inst.Output().(*ir.ActivationVar)
		for _, other := range f.Instructions[idx:] {
			if other.Op.IsMemoryManagement() && other.Output() == ir.Value(out) {
				continue
			}
			other.ReplaceValue(out, input)
		}
		inst.Operands[0].Direction = ir.InOut
		// The alloc and dealloc of out are left over and removed here; scheduleAllocations fixes the
		// lifetime of input.
		kept := f.Instructions[:0]
		for _, other := range f.Instructions {
			if other.Op.IsMemoryManagement() && other.Output() == ir.Value(out) {
				continue
			}
			kept = append(kept, other)
		}
		f.Instructions = kept
		klog.V(2).Infof("IR optimizer: %q writes in place over %q", inst.Name, input.Name())
		changed = true
	}
}

func findShareableInput(f *ir.Function) (int, *ir.ActivationVar) {
	lastUse := make(map[*ir.ActivationVar]int)
	for ii, inst := range f.Instructions {
		if inst.Op.IsMemoryManagement() {
			continue
		}
		for _, operand := range inst.Operands {
			if act, ok := operand.Value.(*ir.ActivationVar); ok {
				lastUse[act] = ii
			}
		}
	}
	for ii, inst := range f.Instructions {
		if !inst.Op.IsElementwise() && !inst.Op.IsBatched() {
			continue
		}
		if inst.Operands[0].Direction != ir.Out {
			continue
		}
		out, ok := inst.Output().(*ir.ActivationVar)
		if !ok {
			continue
		}
		for jj, operand := range inst.Operands[1:] {
			if inst.Op.IsBatched() && jj != 0 {
				// Only the batch operand has the shape of the output.
				break
			}
			input, ok := operand.Value.(*ir.ActivationVar)
			if !ok || input == out || lastUse[input] != ii || !input.Shape().Equal(out.Shape()) {
				continue
			}
			return ii, input
		}
	}
	return -1, nil
}
