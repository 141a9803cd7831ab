// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool implements a soft-bounded pool of goroutines used by backends to parallelize the
// kernels of a forward pass.
package workerspool

import (
	"runtime"
	"sync"
)

// Pool limits the number of goroutines running tasks concurrently.
//
// The limit is soft: a task started with WaitToStart may itself start more tasks.
type Pool struct {
	// maxParallelism is the limit of concurrently running tasks. 0 disables parallelism, and < 0 makes
	// it unlimited.
	maxParallelism int

	mu         sync.Mutex
	cond       sync.Cond // Signaled whenever numRunning decreases.
	numRunning int
}

// New returns a new Pool with the given parallelism. If maxParallelism is -1 it uses runtime.NumCPU().
func New(maxParallelism int) *Pool {
	if maxParallelism == -1 {
		maxParallelism = runtime.NumCPU()
	}
	w := &Pool{maxParallelism: maxParallelism}
	w.cond = sync.Cond{L: &w.mu}
	return w
}

// IsEnabled returns whether parallelism is enabled.
func (w *Pool) IsEnabled() bool {
	return w != nil && w.maxParallelism != 0
}

// MaxParallelism returns the configured limit of concurrently running tasks.
func (w *Pool) MaxParallelism() int {
	return w.maxParallelism
}

// lockedIsFull must be called with w.mu locked.
func (w *Pool) lockedIsFull() bool {
	if w.maxParallelism < 0 {
		return false
	}
	return w.numRunning >= w.maxParallelism
}

func (w *Pool) lockedRunTaskInGoroutine(task func()) {
	w.numRunning++
	go func() {
		defer func() {
			w.mu.Lock()
			w.numRunning--
			w.cond.Signal()
			w.mu.Unlock()
		}()
		task()
	}()
}

// WaitToStart waits until a worker is available and runs the task in it.
// If parallelism is disabled the task is run inline.
func (w *Pool) WaitToStart(task func()) {
	if !w.IsEnabled() {
		task()
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for w.lockedIsFull() {
		w.cond.Wait()
	}
	w.lockedRunTaskInGoroutine(task)
}

// StartIfAvailable runs the task in a separate goroutine if a worker is available, and returns whether it did.
func (w *Pool) StartIfAvailable(task func()) bool {
	if !w.IsEnabled() {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.lockedIsFull() {
		return false
	}
	w.lockedRunTaskInGoroutine(task)
	return true
}

// ParallelFor splits the range [0, n) into chunks of at least minChunk elements and calls fn(start, end)
// for each, in parallel when workers are available. It returns when all chunks are done.
//
// The calling goroutine also works: chunks that can't find a free worker are run inline.
// A panic in any chunk is re-raised in the caller after all chunks finish.
func (w *Pool) ParallelFor(n, minChunk int, fn func(start, end int)) {
	if n <= 0 {
		return
	}
	minChunk = max(minChunk, 1)
	numChunks := 1
	if w.IsEnabled() {
		numChunks = w.maxParallelism
		if numChunks < 0 {
			numChunks = runtime.NumCPU()
		}
		numChunks = max(1, min(numChunks, n/minChunk))
	}
	if numChunks == 1 {
		fn(0, n)
		return
	}

	chunkSize := (n + numChunks - 1) / numChunks
	var wg sync.WaitGroup
	var panicMu sync.Mutex
	var firstPanic any
	runChunk := func(start, end int) {
		defer func() {
			if r := recover(); r != nil {
				panicMu.Lock()
				if firstPanic == nil {
					firstPanic = r
				}
				panicMu.Unlock()
			}
		}()
		fn(start, end)
	}
	for start := 0; start < n; start += chunkSize {
		end := min(start+chunkSize, n)
		wg.Add(1)
		task := func() {
			defer wg.Done()
			runChunk(start, end)
		}
		if !w.StartIfAvailable(task) {
			task()
		}
	}
	wg.Wait()
	if firstPanic != nil {
		panic(firstPanic)
	}
}
