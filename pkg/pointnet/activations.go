// Copyright 2026 The jetpointnet Authors. SPDX-License-Identifier: Apache-2.0

package pointnet

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
)

// Output activations accepted by ParamOutputActivation.
const (
	ActivationSigmoid       = "sigmoid"
	ActivationCustomSigmoid = "custom_sigmoid"
	ActivationTSSR          = "tssr"
	ActivationHardSigmoid   = "hard_sigmoid"
)

// ValidOutputActivations lists the values accepted for ParamOutputActivation.
var ValidOutputActivations = []string{ActivationSigmoid, ActivationCustomSigmoid, ActivationTSSR, ActivationHardSigmoid}

const (
	// DefaultTSSRNegativeSlope is the slope of RectifiedTSSR for negative inputs.
	DefaultTSSRNegativeSlope = 0.01

	// DefaultTSSRSqrtScale scales the square-root branch of RectifiedTSSR.
	DefaultTSSRSqrtScale = 0.1

	// DefaultCustomSigmoidSteepness is the default steepness of CustomSigmoid.
	DefaultCustomSigmoidSteepness = 3.0
)

// RectifiedTSSR is a "rectified" version of the TSSR (ternary square-root) activation, with the default
// constants. See RectifiedTSSRWith.
func RectifiedTSSR(x *Node) *Node {
	return RectifiedTSSRWith(x, DefaultTSSRNegativeSlope, DefaultTSSRSqrtScale)
}

// RectifiedTSSRWith returns:
//
//	a*x                  for x < 0
//	x                    for 0 <= x < 1
//	b*sqrt(x) - b + 1    for x >= 1
//
// It's continuous at 0 and 1, and grows sub-linearly for large inputs.
func RectifiedTSSRWith(x *Node, a, b float64) *Node {
	negative := MulScalar(x, a)
	// Clamped so the unused branch never produces NaNs (and NaN gradients).
	large := AddScalar(MulScalar(Sqrt(MaxScalar(x, 1.0)), b), 1.0-b)
	return Where(LessThan(x, ZerosLike(x)),
		negative,
		Where(LessThan(x, OnesLike(x)), x, large))
}

// CustomSigmoid returns 1/(1+exp(-steepness*x)).
func CustomSigmoid(x *Node, steepness float64) *Node {
	return Sigmoid(MulScalar(x, steepness))
}

// HardSigmoid returns 1 where x > 0 and 0 elsewhere, in x's dtype.
//
// It has zero gradient everywhere, so it is only useful at inference.
func HardSigmoid(x *Node) *Node {
	return ConvertDType(GreaterThan(x, ZerosLike(x)), x.DType())
}

// ApplyOutputActivation applies the named output activation (one of ValidOutputActivations) to x.
func ApplyOutputActivation(name string, x *Node) *Node {
	switch name {
	case ActivationSigmoid, "":
		return Sigmoid(x)
	case ActivationCustomSigmoid:
		return CustomSigmoid(x, DefaultCustomSigmoidSteepness)
	case ActivationTSSR:
		return RectifiedTSSR(x)
	case ActivationHardSigmoid:
		return HardSigmoid(x)
	default:
		exceptions.Panicf("unknown output activation %q, valid values are %q", name, ValidOutputActivations)
		panic(nil) // Quiet linter.
	}
}
