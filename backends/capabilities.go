// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"maps"

	"github.com/gomlx/gopjrt/dtypes"

	"github.com/gomlx/nnc/graph"
)

// Capabilities holds mappings of what is supported by a backend.
type Capabilities struct {
	// Operations supported by a backend.
	// If not listed, it's assumed to be false, hence not supported.
	Operations map[graph.NodeKind]bool

	// DTypes list the data types supported by a backend.
	// If not listed, it's assumed to be false, hence not supported.
	DTypes map[dtypes.DType]bool
}

// Clone makes a deep copy of the Capabilities.
func (c Capabilities) Clone() Capabilities {
	var c2 Capabilities
	c2.Operations = make(map[graph.NodeKind]bool, len(c.Operations))
	maps.Copy(c2.Operations, c.Operations)
	c2.DTypes = make(map[dtypes.DType]bool, len(c.DTypes))
	maps.Copy(c2.DTypes, c.DTypes)
	return c2
}

// IsOpSupported returns whether the kind is supported for the dtype.
// Storage kinds (Variable, Constant, Save) are supported for every supported dtype.
func (c Capabilities) IsOpSupported(kind graph.NodeKind, dtype dtypes.DType) bool {
	if !c.DTypes[dtype] {
		return false
	}
	return kind.IsStorage() || c.Operations[kind]
}

// WithOperations returns a copy of c with the given kinds added.
func (c Capabilities) WithOperations(kinds ...graph.NodeKind) Capabilities {
	c2 := c.Clone()
	for _, kind := range kinds {
		c2.Operations[kind] = true
	}
	return c2
}

// PrimitiveOperations are the node kinds every backend is expected to support: they are the target of the
// lowering rewrites.
var PrimitiveOperations = []graph.NodeKind{
	graph.KindAdd, graph.KindMul, graph.KindDiv, graph.KindMax, graph.KindMin,
	graph.KindNeg, graph.KindExp, graph.KindLog, graph.KindSqrt, graph.KindTanh,
	graph.KindSplat, graph.KindMatMul, graph.KindTranspose, graph.KindReshape,
	graph.KindBatchedAdd, graph.KindBatchedMul, graph.KindBatchedReduceAdd, graph.KindBatchedReduceMax,
}
