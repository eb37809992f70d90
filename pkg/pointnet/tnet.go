// Copyright 2026 The jetpointnet Authors. SPDX-License-Identifier: Apache-2.0

package pointnet

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gopjrt/dtypes"
)

// Widths of the T-Net layers: shared per-point MLP followed by dense blocks on the pooled features.
var (
	TNetPointFilters = []int{64, 128, 1024}
	TNetDenseUnits   = []int{512, 256}
)

// identityMatrix returns a `[size, size]` identity matrix of the given dtype.
func identityMatrix(g *Graph, dtype dtypes.DType, size int) *Node {
	iotaShape := shapes.Make(dtypes.Int32, size, size)
	return ConvertDType(Equal(Iota(g, iotaShape, 0), Iota(g, iotaShape, 1)), dtype)
}

// TNet predicts a `[batchSize, size, size]` transform for the points in x (shaped `[batchSize, numPoints, features]`),
// used to align the points (or their features) into a canonical space.
//
// The mask (`[batchSize, numPoints]`, can be nil) marks the points taken into account in the pooling.
//
// The last layer is initialized with zeros and its output is added to the identity, so the transform
// starts as the identity matrix. If regularize is true, the orthogonal regularization is added to the
// training losses, with the strength given by ParamTNetL2.
func TNet(ctx *context.Context, x, mask *Node, size int, regularize bool) *Node {
	g := x.Graph()
	dtype := x.DType()
	batchSize := x.Shape().Dimensions[0]

	layerIdx := 0
	nextCtx := func(name string) *context.Context {
		newCtx := ctx.Inf("%03d_%s", layerIdx, name)
		layerIdx++
		return newCtx
	}

	features := x
	for _, filters := range TNetPointFilters {
		features = SharedMLP(nextCtx("conv"), features, filters, 0)
	}
	pooled := GlobalMaxPool(features, mask)
	for _, units := range TNetDenseUnits {
		pooled = DenseBlock(nextCtx("dense"), pooled, units)
	}
	transformCtx := nextCtx("transform").WithInitializer(initializers.Zero)
	transform := layers.Dense(transformCtx, pooled, true, size*size)
	transform = Reshape(transform, batchSize, size, size)
	transform = Add(transform, BroadcastPrefix(identityMatrix(g, dtype, size), batchSize))

	if regularize {
		l2 := context.GetParamOr(ctx, ParamTNetL2, 0.001)
		if l2 > 0 {
			OrthogonalRegularizer(ctx, transform, l2)
		}
	}
	return transform
}

// OrthogonalRegularizer adds `l2 * mean_batch(sum((A Aᵀ - I)²))` to the training losses, for the transforms A
// shaped `[batchSize, size, size]`: it pushes the transforms towards orthogonal matrices.
//
// It returns the regularization term added.
func OrthogonalRegularizer(ctx *context.Context, transform *Node, l2 float64) *Node {
	g := transform.Graph()
	dims := transform.Shape().Dimensions
	batchSize, size := dims[0], dims[1]
	gram := Einsum("bij,bkj->bik", transform, transform)
	identity := BroadcastPrefix(identityMatrix(g, transform.DType(), size), batchSize)
	perExample := ReduceSum(Square(Sub(gram, identity)), 1, 2)
	loss := MulScalar(ReduceAllMean(perExample), l2)
	train.AddLoss(ctx, loss)
	return loss
}
