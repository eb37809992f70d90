// Copyright 2026 The jetpointnet Authors. SPDX-License-Identifier: Apache-2.0

// Package masked has losses and metrics for per-point energy regression where some labels are
// excluded: points whose label is exactly pointcloud.LabelSentinel (-1) contribute nothing to the
// error sums and are not counted in the normalizing denominators (count of valid points or dynamic
// range of the valid labels).
//
// The losses implement losses.LossFn (`func(labels, predictions []*Node) *Node`) and return a scalar.
// Only `labels[0]` and `predictions[0]` are used, and they must have the same shape.
// If a batch has no valid point the losses return 0.
package masked

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/jetpointnet/jetpointnet/pkg/pointcloud"
)

const (
	// MinDynamicRange is the lower bound of the dynamic range used to normalize errors.
	MinDynamicRange = 1e-5

	// MAEScale multiplies the normalized mean absolute error.
	MAEScale = 1000.0

	// BCEClipMin and BCEClipMax bound the predictions in the binary cross-entropy term of
	// MakeMeanSquaredErrorWithBCE.
	BCEClipMin = 0.001
	BCEClipMax = 0.999

	// bceEpsilon bounds predictions of BinaryCrossentropy away from 0 and 1.
	bceEpsilon = 1e-7
)

// ValidMask returns a boolean mask, shaped as labels, that is true where the label is not pointcloud.LabelSentinel.
func ValidMask(labels *Node) *Node {
	g := labels.Graph()
	return NotEqual(labels, Scalar(g, labels.DType(), pointcloud.LabelSentinel))
}

// ValidCount returns the number of true values in mask, as a scalar of the given dtype.
func ValidCount(mask *Node, dtype dtypes.DType) *Node {
	return ReduceAllSum(ConvertDType(mask, dtype))
}

// DynamicRange returns `max(max(valid labels) - min(valid labels), MinDynamicRange)`, a scalar.
//
// If there are no valid labels it returns 1.
func DynamicRange(labels, mask *Node) *Node {
	g := labels.Graph()
	dtype := labels.DType()
	labelsRange := Sub(MaskedReduceAllMax(labels, mask), MaskedReduceAllMin(labels, mask))
	labelsRange = Max(labelsRange, Scalar(g, dtype, MinDynamicRange))
	return Where(ReduceLogicalOr(mask), labelsRange, ScalarOne(g, dtype))
}

// checkShapes returns labels[0] and predictions[0] after checking they are compatible.
func checkShapes(lossName string, labels, predictions []*Node) (label, prediction *Node) {
	if len(labels) == 0 || len(predictions) == 0 {
		exceptions.Panicf("%s requires labels and predictions, got %d labels and %d predictions",
			lossName, len(labels), len(predictions))
	}
	label, prediction = labels[0], predictions[0]
	if !label.Shape().Equal(prediction.Shape()) {
		exceptions.Panicf("%s: labels[0] (%s) and predictions[0] (%s) must have same shape",
			lossName, label.Shape(), prediction.Shape())
	}
	return
}

// maskedMean returns sum(values where mask) / max(count, 1).
func maskedMean(values, mask *Node) *Node {
	g := values.Graph()
	dtype := values.DType()
	sum := ReduceAllSum(Where(mask, values, ZerosLike(values)))
	count := Max(ValidCount(mask, dtype), ScalarOne(g, dtype))
	return Div(sum, count)
}

// batchSizeScalar returns the size of the first axis of x as a scalar of x's dtype.
func batchSizeScalar(x *Node) *Node {
	return Scalar(x.Graph(), x.DType(), float64(x.Shape().Dimensions[0]))
}

// MeanSquaredError returns `sum(mask * (labels - predictions)² / dynamicRange²) / count`, where
// the dynamic range is taken over the valid labels of the whole batch.
func MeanSquaredError(labels, predictions []*Node) *Node {
	label, prediction := checkShapes("masked.MeanSquaredError", labels, predictions)
	mask := ValidMask(label)
	labelsRange := DynamicRange(label, mask)
	errs := Div(Square(Sub(label, prediction)), Square(labelsRange))
	return maskedMean(errs, mask)
}

// MeanAbsoluteError returns `MAEScale * sum(mask * |labels - predictions| / dynamicRange) / count`.
func MeanAbsoluteError(labels, predictions []*Node) *Node {
	label, prediction := checkShapes("masked.MeanAbsoluteError", labels, predictions)
	mask := ValidMask(label)
	labelsRange := DynamicRange(label, mask)
	errs := Div(Abs(Sub(label, prediction)), labelsRange)
	return MulScalar(maskedMean(errs, mask), MAEScale)
}

// HuberLoss returns the element-wise Huber loss of err: `0.5*err²` if `|err| <= delta`,
// `delta*(|err| - 0.5*delta)` otherwise.
func HuberLoss(err *Node, delta float64) *Node {
	absErr := Abs(err)
	quadratic := MulScalar(Square(err), 0.5)
	linear := MulScalar(AddScalar(absErr, -0.5*delta), delta)
	return Where(LessOrEqual(absErr, Scalar(err.Graph(), err.DType(), delta)), quadratic, linear)
}

// MakeHuber returns a masked Huber loss with the given delta: `sum(mask * huber(labels - predictions)) / count / batchSize`.
func MakeHuber(delta float64) func(labels, predictions []*Node) *Node {
	if delta <= 0 {
		exceptions.Panicf("masked.MakeHuber requires delta > 0, got %g", delta)
	}
	return func(labels, predictions []*Node) *Node {
		label, prediction := checkShapes("masked.Huber", labels, predictions)
		mask := ValidMask(label)
		errs := HuberLoss(Sub(label, prediction), delta)
		return Div(maskedMean(errs, mask), batchSizeScalar(label))
	}
}

// binaryCrossentropy returns the element-wise binary cross-entropy of probabilities predictions for
// the targets labels. Predictions are expected to be already clipped away from 0 and 1.
func binaryCrossentropy(labels, predictions *Node) *Node {
	// -(y*log(p) + (1-y)*log(1-p))
	return Neg(Add(
		Mul(labels, Log(predictions)),
		Mul(OneMinus(labels), Log(OneMinus(predictions)))))
}

// BinaryCrossentropy returns `sum(mask * bce(labels, predictions)) / count / batchSize`, where predictions are
// probabilities.
func BinaryCrossentropy(labels, predictions []*Node) *Node {
	label, prediction := checkShapes("masked.BinaryCrossentropy", labels, predictions)
	mask := ValidMask(label)
	prediction = ClipScalar(prediction, bceEpsilon, 1-bceEpsilon)
	errs := binaryCrossentropy(label, prediction)
	return Div(maskedMean(errs, mask), batchSizeScalar(label))
}

// MakeMeanSquaredErrorWithBCE returns a loss that adds to MeanSquaredError a penalty for predicting
// energy on points whose label is exactly 0:
//
//	bceWeight * sum(mask * [label == 0] * bce(0, clip(predictions, BCEClipMin, BCEClipMax))) / count
func MakeMeanSquaredErrorWithBCE(bceWeight float64) func(labels, predictions []*Node) *Node {
	return func(labels, predictions []*Node) *Node {
		label, prediction := checkShapes("masked.MeanSquaredErrorWithBCE", labels, predictions)
		mse := MeanSquaredError(labels, predictions)

		zeroMask := And(ValidMask(label), Equal(label, ZerosLike(label)))
		clipped := ClipScalar(prediction, BCEClipMin, BCEClipMax)
		zeroBCE := binaryCrossentropy(ZerosLike(clipped), clipped)

		// The normalization is by the count of all valid points, not only the zero-labeled ones.
		g := label.Graph()
		dtype := label.DType()
		penalty := ReduceAllSum(Where(zeroMask, zeroBCE, ZerosLike(zeroBCE)))
		count := Max(ValidCount(ValidMask(label), dtype), ScalarOne(g, dtype))
		penalty = MulScalar(Div(penalty, count), bceWeight)
		return Add(mse, penalty)
	}
}
