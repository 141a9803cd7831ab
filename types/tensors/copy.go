// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"github.com/pkg/errors"
)

// CopyFrom copies the full contents of src into t. Both must have exactly the same shape.
func (t *Tensor) CopyFrom(src *Tensor) error {
	if t == src {
		return nil
	}
	if !t.shape.Equal(src.shape) {
		return errors.Errorf("cannot copy tensor of shape %s into tensor of shape %s", src.shape, t.shape)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	copy(bytesOf(t.flat), src.Bytes())
	return nil
}

// checkSliceShapes verifies that one leading-axis slice of src has the shape of one leading-axis slice of
// dst (if dstIsBatch) or the shape of dst itself.
func (t *Tensor) checkSliceShapes(src *Tensor, dstIsBatch bool) error {
	if src.Rank() == 0 {
		return errors.Errorf("cannot slice scalar tensor %s", src.shape)
	}
	if t.shape.DType != src.shape.DType {
		return errors.Errorf("cannot copy slices of %s tensor into %s tensor", src.shape.DType, t.shape.DType)
	}
	srcSlice := src.shape.Slice()
	dstShape := t.shape
	if dstIsBatch {
		if t.Rank() == 0 {
			return errors.Errorf("cannot copy slices into scalar tensor %s", t.shape)
		}
		dstShape = t.shape.Slice()
	}
	if !srcSlice.EqualDimensions(dstShape) {
		return errors.Errorf("slices of tensor %s don't match tensor %s on all but the leading dimension", src.shape, t.shape)
	}
	return nil
}

// CopySliceFrom copies the slice sliceIdx (along the leading axis) of src into t.
// The shape of t must be equal to the shape of src with its leading axis dropped.
func (t *Tensor) CopySliceFrom(src *Tensor, sliceIdx int) error {
	if err := t.checkSliceShapes(src, false); err != nil {
		return err
	}
	if sliceIdx < 0 || sliceIdx >= src.shape.Dim(0) {
		return errors.Errorf("slice index %d out of bounds for tensor %s", sliceIdx, src.shape)
	}
	sliceBytes := int(t.Memory())
	srcBytes := src.Bytes()
	t.mu.Lock()
	defer t.mu.Unlock()
	copy(bytesOf(t.flat), srcBytes[sliceIdx*sliceBytes:(sliceIdx+1)*sliceBytes])
	return nil
}

// CopyConsecutiveSlicesFrom fills t, along its leading axis, with consecutive slices of src starting at
// startIdx. The slice index wraps around modulo the leading dimension of src, so a batch can be
// streamed from a dataset whose size is not a multiple of the batch size.
//
// t and src must match in all but the leading dimension.
func (t *Tensor) CopyConsecutiveSlicesFrom(src *Tensor, startIdx int) error {
	if err := t.checkSliceShapes(src, true); err != nil {
		return err
	}
	numSrcSlices := src.shape.Dim(0)
	if startIdx < 0 {
		return errors.Errorf("negative start index %d for slices of tensor %s", startIdx, src.shape)
	}
	sliceBytes := int(t.Memory()) / t.shape.Dim(0)
	srcBytes := src.Bytes()
	t.mu.Lock()
	defer t.mu.Unlock()
	dstBytes := bytesOf(t.flat)
	for ii := range t.shape.Dim(0) {
		srcIdx := (startIdx + ii) % numSrcSlices
		copy(dstBytes[ii*sliceBytes:(ii+1)*sliceBytes], srcBytes[srcIdx*sliceBytes:(srcIdx+1)*sliceBytes])
	}
	return nil
}
