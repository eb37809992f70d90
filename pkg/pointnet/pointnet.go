// Copyright 2026 The jetpointnet Authors. SPDX-License-Identifier: Apache-2.0

// Package pointnet implements a PointNet segmentation model for calorimeter events: it predicts, for each
// point of an event, the fraction of its energy attributable to the focused track, and returns it multiplied
// by the point's energy.
//
// Points are given as `[batchSize, numPoints, pointcloud.NumFeatures]` tensors. Points whose type feature is
// pointcloud.Masked are padding: they are excluded from the global pooling and their output is zero.
//
// The model is configured with the context hyperparameters listed in the Param* constants.
package pointnet

import (
	"github.com/jetpointnet/jetpointnet/pkg/pointcloud"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
)

const (
	// ParamSizeFactor multiplies the width of the feature extraction and segmentation head layers.
	// Default is 5.
	ParamSizeFactor = "pointnet_size_factor"

	// ParamHeadDropout is the dropout rate applied to the last layer of the segmentation head. Default is 0.3.
	ParamHeadDropout = "pointnet_head_dropout"

	// ParamOutputActivation is the bounded activation applied to the per-point scores, one of
	// ValidOutputActivations. Default is "sigmoid".
	ParamOutputActivation = "pointnet_output_activation"

	// ParamTNetL2 is the strength of the orthogonal regularization of the feature T-Net. Default is 0.001.
	ParamTNetL2 = "pointnet_tnet_l2"

	// ParamNumClasses is the number of outputs per point. Default is 1.
	ParamNumClasses = "pointnet_num_classes"

	// ParamMaskInputs zeroes the features of masked points before feeding them to the model. Default is true.
	ParamMaskInputs = "pointnet_mask_inputs"
)

// PointMask returns a boolean `[batchSize, numPoints]` mask that is true for the points that are not masked,
// that is, whose type feature is not pointcloud.Masked.
func PointMask(points *Node) *Node {
	g := points.Graph()
	pointType := Slice(points, AxisRange(), AxisRange(), AxisElem(pointcloud.FeatType))
	pointType = Squeeze(pointType, -1)
	return NotEqual(pointType, Scalar(g, points.DType(), float64(pointcloud.Masked)))
}

// MaskInputs zeroes all features of the masked points.
func MaskInputs(points *Node) *Node {
	return Where(PointMask(points), points, ZerosLike(points))
}

// SharedMLP applies the same per-point transformation (a convolution with kernel size 1) to every point
// of x, shaped `[batchSize, numPoints, features]`: dense layer, ReLU and batch normalization, followed
// by dropout if dropoutRate > 0.
func SharedMLP(ctx *context.Context, x *Node, filters int, dropoutRate float64) *Node {
	x = layers.Dense(ctx, x, true, filters)
	x = activations.Relu(x)
	x = batchnorm.New(ctx, x, -1).Done()
	if dropoutRate > 0 {
		x = layers.DropoutNormalize(ctx, x, Scalar(x.Graph(), x.DType(), dropoutRate), true)
	}
	return x
}

// DenseBlock applies dense layer, batch normalization and ReLU to x, shaped `[batchSize, features]`.
func DenseBlock(ctx *context.Context, x *Node, units int) *Node {
	x = layers.Dense(ctx, x, true, units)
	x = batchnorm.New(ctx, x, -1).Done()
	return activations.Relu(x)
}

// GlobalMaxPool takes the max over the points axis of x (shaped `[batchSize, numPoints, features]`),
// considering only the points where mask (shaped `[batchSize, numPoints]`) is true.
//
// If mask is nil all points are used. Events with no valid points get zeros.
// The result is invariant to the order of the points.
func GlobalMaxPool(x, mask *Node) *Node {
	if mask == nil {
		return ReduceMax(x, 1)
	}
	fullMask := BroadcastToDims(ExpandAxes(mask, -1), x.Shape().Dimensions...)
	pooled := MaskedReduceMax(x, fullMask, 1)
	anyValid := ReduceLogicalOr(mask, 1)
	return Where(anyValid, pooled, ZerosLike(pooled))
}

// ModelGraph implements train.ModelFn: it takes the points (`inputs[0]`, shaped
// `[batchSize, numPoints, pointcloud.NumFeatures]`) and returns the predicted energy per point, shaped
// `[batchSize, numPoints, numClasses]`.
//
// Architecture:
//
//  1. Input T-Net aligns the raw points.
//  2. Shared MLP 64, 64 gives the per-point features.
//  3. Feature T-Net (regularized) aligns the per-point features.
//  4. Shared MLP 64f, 128f, 1024f followed by masked global max pooling gives the event features.
//  5. Event features are concatenated to each point's features, and a shared MLP 512f, 256f, 128f
//     (with dropout on the last layer) followed by a linear layer gives the per-point scores.
//  6. Scores go through the output activation and are multiplied by the point's energy.
//
// Where f is the size factor (ParamSizeFactor).
func ModelGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	_ = spec // Not used.
	points := inputs[0]
	points.AssertDims(-1, -1, pointcloud.NumFeatures)
	batchSize, numPoints := points.Shape().Dimensions[0], points.Shape().Dimensions[1]

	sizeFactor := context.GetParamOr(ctx, ParamSizeFactor, 5)
	headDropout := context.GetParamOr(ctx, ParamHeadDropout, 0.3)
	outputActivation := context.GetParamOr(ctx, ParamOutputActivation, ActivationSigmoid)
	numClasses := context.GetParamOr(ctx, ParamNumClasses, 1)

	mask := PointMask(points)
	x := points
	if context.GetParamOr(ctx, ParamMaskInputs, true) {
		x = MaskInputs(points)
	}

	layerIdx := 0
	nextCtx := func(name string) *context.Context {
		newCtx := ctx.Inf("%03d_%s", layerIdx, name)
		layerIdx++
		return newCtx
	}

	// Input alignment and per-point features.
	inputTransform := TNet(nextCtx("input_tnet"), x, mask, pointcloud.NumFeatures, false)
	x = Einsum("bpi,bij->bpj", x, inputTransform)
	x = SharedMLP(nextCtx("conv"), x, 64, 0)
	x = SharedMLP(nextCtx("conv"), x, 64, 0)
	pointFeatures := x

	// Feature alignment and event features.
	featureTransform := TNet(nextCtx("feature_tnet"), x, mask, 64, true)
	x = Einsum("bpi,bij->bpj", x, featureTransform)
	for _, filters := range []int{64, 128, 1024} {
		x = SharedMLP(nextCtx("conv"), x, filters*sizeFactor, 0)
	}
	eventFeatures := GlobalMaxPool(x, mask)
	eventFeatures = ExpandAxes(eventFeatures, 1)
	eventFeatures = BroadcastToDims(eventFeatures, batchSize, numPoints, eventFeatures.Shape().Dimensions[2])

	// Segmentation head.
	x = Concatenate([]*Node{pointFeatures, eventFeatures}, -1)
	x = SharedMLP(nextCtx("conv"), x, 512*sizeFactor, 0)
	x = SharedMLP(nextCtx("conv"), x, 256*sizeFactor, 0)
	x = SharedMLP(nextCtx("conv"), x, 128*sizeFactor, headDropout)
	scores := layers.Dense(nextCtx("scores"), x, true, numClasses)
	scores = ApplyOutputActivation(outputActivation, scores)

	energy := Slice(points, AxisRange(), AxisRange(), AxisElem(pointcloud.FeatEnergy))
	energy = BroadcastToDims(energy, batchSize, numPoints, numClasses)
	predictions := Mul(scores, energy)
	validMask := BroadcastToDims(ExpandAxes(mask, -1), batchSize, numPoints, numClasses)
	predictions = Where(validMask, predictions, ZerosLike(predictions))
	predictions.AssertDims(batchSize, numPoints, numClasses)
	return []*Node{predictions}
}
