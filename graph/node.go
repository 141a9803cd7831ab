// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"fmt"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"

	"github.com/gomlx/nnc/types/shapes"
	"github.com/gomlx/nnc/types/tensors"
)

// NodeKind identifies the operation performed by a Node.
type NodeKind int

const (
	KindInvalid NodeKind = iota

	// Storage kinds.

	KindVariable
	KindConstant
	KindSave

	// Primitive kinds, supported by every backend (or lowered by it into other primitives).

	KindAdd
	KindMul
	KindDiv
	KindMax
	KindMin
	KindNeg
	KindExp
	KindLog
	KindSqrt
	KindTanh
	KindSplat
	KindMatMul
	KindTranspose
	KindReshape
	KindBatchedAdd
	KindBatchedMul
	KindBatchedReduceAdd
	KindBatchedReduceMax

	// High-level kinds, lowered into primitives unless the backend supports them natively.

	KindFullyConnected
	KindRelu
	KindSigmoid
	KindSoftmax
	KindBatchNormalization
	KindSub

	// Backend-specific kinds, created by backend transforms.

	KindMaxSplat

	// KindLast is used to size tables indexed by NodeKind.
	KindLast
)

var nodeKindNames = [KindLast]string{
	KindInvalid:            "Invalid",
	KindVariable:           "Variable",
	KindConstant:           "Constant",
	KindSave:               "Save",
	KindAdd:                "Add",
	KindMul:                "Mul",
	KindDiv:                "Div",
	KindMax:                "Max",
	KindMin:                "Min",
	KindNeg:                "Neg",
	KindExp:                "Exp",
	KindLog:                "Log",
	KindSqrt:               "Sqrt",
	KindTanh:               "Tanh",
	KindSplat:              "Splat",
	KindMatMul:             "MatMul",
	KindTranspose:          "Transpose",
	KindReshape:            "Reshape",
	KindBatchedAdd:         "BatchedAdd",
	KindBatchedMul:         "BatchedMul",
	KindBatchedReduceAdd:   "BatchedReduceAdd",
	KindBatchedReduceMax:   "BatchedReduceMax",
	KindFullyConnected:     "FullyConnected",
	KindRelu:               "Relu",
	KindSigmoid:            "Sigmoid",
	KindSoftmax:            "Softmax",
	KindBatchNormalization: "BatchNormalization",
	KindSub:                "Sub",
	KindMaxSplat:           "MaxSplat",
}

// String implements fmt.Stringer.
func (k NodeKind) String() string {
	if k < 0 || k >= KindLast {
		return fmt.Sprintf("NodeKind(%d)", int(k))
	}
	return nodeKindNames[k]
}

// IsStorage returns whether the kind refers to storage (Variable, Constant, Save) rather than to a computation.
func (k NodeKind) IsStorage() bool {
	return k == KindVariable || k == KindConstant || k == KindSave
}

// IsHighLevel returns whether the kind has a lowering into primitive kinds.
func (k NodeKind) IsHighLevel() bool {
	return k >= KindFullyConnected && k < KindLast
}

// IsElementwise returns whether each output element depends only on the input elements at the same position.
func (k NodeKind) IsElementwise() bool {
	switch k {
	case KindAdd, KindMul, KindDiv, KindMax, KindMin, KindSub, KindNeg, KindExp, KindLog, KindSqrt, KindTanh,
		KindRelu, KindSigmoid, KindMaxSplat:
		return true
	}
	return false
}

// AllKinds returns the list of valid node kinds.
func AllKinds() []NodeKind {
	kinds := make([]NodeKind, 0, KindLast-1)
	for k := KindVariable; k < KindLast; k++ {
		kinds = append(kinds, k)
	}
	return kinds
}

// Node is one operation of a Function. Nodes are created by the builder methods of Function, and are
// owned by it.
type Node struct {
	fn     *Function
	id     int
	name   string
	kind   NodeKind
	shape  shapes.Shape
	inputs []*Node
	erased bool

	// variable is set for KindVariable (the variable read) and KindSave (the destination).
	variable *Variable

	// value is the scalar attribute of KindSplat, KindMaxSplat and the epsilon of KindBatchNormalization.
	value float64

	// tensor holds the value of a KindConstant.
	tensor *tensors.Tensor
}

// Function returns the Function that owns the node.
func (n *Node) Function() *Function { return n.fn }

// ID is the creation index of the node within its Function. It's unique and increasing.
func (n *Node) ID() int { return n.id }

// Name of the node: unique within its Function.
func (n *Node) Name() string { return n.name }

// SetName changes the name of the node. Duplicate names are reported by Function.Verify.
func (n *Node) SetName(name string) { n.name = name }

// Kind of the operation.
func (n *Node) Kind() NodeKind { return n.kind }

// Shape of the node's output.
func (n *Node) Shape() shapes.Shape { return n.shape }

// DType of the node's output.
func (n *Node) DType() dtypes.DType { return n.shape.DType }

// Inputs returns the input nodes. It must not be changed.
func (n *Node) Inputs() []*Node { return n.inputs }

// Variable returns the variable read (KindVariable) or written (KindSave) by the node, or nil.
func (n *Node) Variable() *Variable { return n.variable }

// Value returns the scalar attribute of KindSplat and KindMaxSplat, or the epsilon of KindBatchNormalization.
func (n *Node) Value() float64 { return n.value }

// Tensor returns the value of a KindConstant node, or nil.
func (n *Node) Tensor() *tensors.Tensor { return n.tensor }

// IsErased returns whether the node was removed from its Function.
func (n *Node) IsErased() bool { return n.erased }

// String implements fmt.Stringer.
func (n *Node) String() string {
	if n == nil {
		return "Node(nil)"
	}
	var parts []string
	for _, input := range n.inputs {
		parts = append(parts, "%"+input.name)
	}
	switch n.kind {
	case KindVariable:
		parts = append(parts, fmt.Sprintf("var=%q", n.variable.Name()))
	case KindSave:
		parts = append(parts, fmt.Sprintf("dest=%q", n.variable.Name()))
	case KindSplat, KindMaxSplat:
		parts = append(parts, fmt.Sprintf("value=%g", n.value))
	case KindBatchNormalization:
		parts = append(parts, fmt.Sprintf("epsilon=%g", n.value))
	}
	return fmt.Sprintf("%%%s = %s(%s) -> %s", n.name, n.kind, strings.Join(parts, ", "), n.shape)
}
