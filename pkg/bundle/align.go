// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package bundle

import "unsafe"

// DefaultAlignment of symbols in the memory regions, and of the regions themselves: a common cache line size.
const DefaultAlignment = 64

// AlignSize rounds size up to a multiple of alignment.
func AlignSize(size, alignment uint64) uint64 {
	if alignment <= 1 {
		return size
	}
	return (size + alignment - 1) / alignment * alignment
}

// AllocRegion returns a zeroed byte slice of the given size whose first byte is aligned to alignment.
func AllocRegion(size, alignment uint64) []byte {
	if size == 0 {
		return []byte{}
	}
	if alignment <= 1 {
		return make([]byte, size)
	}
	buf := make([]byte, size+alignment-1)
	ptr := uint64(uintptr(unsafe.Pointer(&buf[0])))
	var offset uint64
	if mod := ptr % alignment; mod != 0 {
		offset = alignment - mod
	}
	return buf[offset : offset+size : offset+size]
}
