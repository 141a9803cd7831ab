// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package engine

// BatchCursor is the position in the datasets of the next sample fed by RunBatch.
//
// The ExecutionEngine owns one, used by RunBatch. Callers can keep their own and use RunBatchFrom, e.g. to
// interleave training and evaluation datasets.
type BatchCursor struct {
	position int
}

// NewBatchCursor returns a cursor at the start of the datasets.
func NewBatchCursor() *BatchCursor {
	return &BatchCursor{}
}

// Position of the next sample.
func (c *BatchCursor) Position() int { return c.position }

// Reset moves the cursor back to the start of the datasets.
func (c *BatchCursor) Reset() { c.position = 0 }

// Advance moves the cursor by batchSize samples, wrapping around datasetSize.
func (c *BatchCursor) Advance(batchSize, datasetSize int) {
	if datasetSize <= 0 {
		return
	}
	c.position = (c.position + batchSize) % datasetSize
}
