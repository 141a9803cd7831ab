// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"github.com/gomlx/exceptions"

	"github.com/gomlx/nnc/types/shapes"
	"github.com/gomlx/nnc/types/tensors"
)

// Var returns the node reading v. There is only one such node per variable in a function.
func (fn *Function) Var(v *Variable) *Node {
	if node, found := fn.varNodes[v]; found {
		return node
	}
	node := fn.build(&Node{kind: KindVariable, variable: v, name: v.Name()})
	fn.varNodes[v] = node
	return node
}

// Constant returns a node with the given value. The tensor is owned by the function from then on.
func (fn *Function) Constant(value *tensors.Tensor) *Node {
	return fn.build(&Node{kind: KindConstant, tensor: value})
}

// Save writes src into the variable dest. Save nodes are the roots (outputs) of a function.
func (fn *Function) Save(src *Node, dest *Variable) *Node {
	return fn.build(&Node{kind: KindSave, variable: dest, inputs: []*Node{src}})
}

// Splat returns a node of the given shape with value everywhere.
func (fn *Function) Splat(shape shapes.Shape, value float64) *Node {
	return fn.build(&Node{kind: KindSplat, shape: shape, value: value})
}

// SplatLike returns a Splat node with the shape of x.
func (fn *Function) SplatLike(x *Node, value float64) *Node {
	return fn.Splat(x.Shape(), value)
}

func (fn *Function) binary(kind NodeKind, lhs, rhs *Node) *Node {
	return fn.build(&Node{kind: kind, inputs: []*Node{lhs, rhs}})
}

func (fn *Function) unary(kind NodeKind, x *Node) *Node {
	return fn.build(&Node{kind: kind, inputs: []*Node{x}})
}

// Add returns lhs + rhs, elementwise. Operands must have the same shape.
func (fn *Function) Add(lhs, rhs *Node) *Node { return fn.binary(KindAdd, lhs, rhs) }

// Sub returns lhs - rhs, elementwise.
func (fn *Function) Sub(lhs, rhs *Node) *Node { return fn.binary(KindSub, lhs, rhs) }

// Mul returns lhs * rhs, elementwise.
func (fn *Function) Mul(lhs, rhs *Node) *Node { return fn.binary(KindMul, lhs, rhs) }

// Div returns lhs / rhs, elementwise. Integer division by zero yields 0.
func (fn *Function) Div(lhs, rhs *Node) *Node { return fn.binary(KindDiv, lhs, rhs) }

// Max returns max(lhs, rhs), elementwise.
func (fn *Function) Max(lhs, rhs *Node) *Node { return fn.binary(KindMax, lhs, rhs) }

// Min returns min(lhs, rhs), elementwise.
func (fn *Function) Min(lhs, rhs *Node) *Node { return fn.binary(KindMin, lhs, rhs) }

// Neg returns -x.
func (fn *Function) Neg(x *Node) *Node { return fn.unary(KindNeg, x) }

// Exp returns e^x.
func (fn *Function) Exp(x *Node) *Node { return fn.unary(KindExp, x) }

// Log returns the natural logarithm of x.
func (fn *Function) Log(x *Node) *Node { return fn.unary(KindLog, x) }

// Sqrt returns the square root of x.
func (fn *Function) Sqrt(x *Node) *Node { return fn.unary(KindSqrt, x) }

// Tanh returns the hyperbolic tangent of x.
func (fn *Function) Tanh(x *Node) *Node { return fn.unary(KindTanh, x) }

// Relu returns max(x, 0).
func (fn *Function) Relu(x *Node) *Node { return fn.unary(KindRelu, x) }

// Sigmoid returns 1/(1+e^-x).
func (fn *Function) Sigmoid(x *Node) *Node { return fn.unary(KindSigmoid, x) }

// MaxSplat returns max(x, value). It's the fused form of Max(x, Splat(value)) some backends provide.
func (fn *Function) MaxSplat(x *Node, value float64) *Node {
	return fn.build(&Node{kind: KindMaxSplat, inputs: []*Node{x}, value: value})
}

// MatMul returns the matrix multiplication lhs[N,K] x rhs[K,M] -> [N,M].
func (fn *Function) MatMul(lhs, rhs *Node) *Node { return fn.binary(KindMatMul, lhs, rhs) }

// Transpose transposes a rank-2 x.
func (fn *Function) Transpose(x *Node) *Node { return fn.unary(KindTranspose, x) }

// Reshape x to the given dimensions. The total size must be preserved.
func (fn *Function) Reshape(x *Node, dimensions ...int) *Node {
	return fn.build(&Node{kind: KindReshape, inputs: []*Node{x}, shape: shapes.Make(x.DType(), dimensions...)})
}

// BatchedAdd adds slice to each element along the leading axis of batch.
func (fn *Function) BatchedAdd(batch, slice *Node) *Node {
	return fn.binary(KindBatchedAdd, batch, slice)
}

// BatchedMul multiplies each element along the leading axis of batch by slice.
func (fn *Function) BatchedMul(batch, slice *Node) *Node {
	return fn.binary(KindBatchedMul, batch, slice)
}

// BatchedReduceAdd sums batch over its leading axis.
func (fn *Function) BatchedReduceAdd(batch *Node) *Node { return fn.unary(KindBatchedReduceAdd, batch) }

// BatchedReduceMax takes the maximum of batch over its leading axis.
func (fn *Function) BatchedReduceMax(batch *Node) *Node { return fn.unary(KindBatchedReduceMax, batch) }

// FullyConnected returns x[N,K] x weights[K,M] + bias[M].
func (fn *Function) FullyConnected(x, weights, bias *Node) *Node {
	return fn.build(&Node{kind: KindFullyConnected, inputs: []*Node{x, weights, bias}})
}

// Softmax of x[N,C] over axis 1.
func (fn *Function) Softmax(x *Node) *Node { return fn.unary(KindSoftmax, x) }

// BatchNormalization normalizes x[N,C] per channel:
// (x - mean) / sqrt(variance + epsilon) * scale + bias.
//
// In ModeInfer mean and variance are the given (stored) statistics. In ModeTrain the statistics of the batch
// are used instead, and the given ones are ignored.
func (fn *Function) BatchNormalization(x, scale, bias, mean, variance *Node, epsilon float64) *Node {
	if epsilon < 0 {
		exceptions.Panicf("BatchNormalization: epsilon must be >= 0, got %g", epsilon)
	}
	return fn.build(&Node{
		kind:   KindBatchNormalization,
		inputs: []*Node{x, scale, bias, mean, variance},
		value:  epsilon,
	})
}
