// Copyright 2026 The jetpointnet Authors. SPDX-License-Identifier: Apache-2.0

package masked

import (
	"slices"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/pkg/errors"
)

const (
	// ParamLoss selects the loss used for training, one of ValidLosses. Default is "mse".
	ParamLoss = "masked_loss"

	// ParamHuberDelta is the delta of the "huber" loss. Default is 1.0.
	ParamHuberDelta = "masked_huber_delta"

	// ParamBCEWeight is the weight of the binary cross-entropy penalty of the "mse_bce" loss. Default is 100.0.
	ParamBCEWeight = "masked_bce_weight"
)

// Loss names accepted by FromName.
const (
	LossMSE    = "mse"
	LossMAE    = "mae"
	LossHuber  = "huber"
	LossBCE    = "bce"
	LossMSEBCE = "mse_bce"
)

// ValidLosses lists the names accepted by FromName.
var ValidLosses = []string{LossMSE, LossMAE, LossHuber, LossBCE, LossMSEBCE}

// Options configure the losses returned by FromName.
type Options struct {
	HuberDelta float64
	BCEWeight  float64
}

// DefaultOptions returns the default Options.
func DefaultOptions() Options {
	return Options{HuberDelta: 1.0, BCEWeight: 100.0}
}

// FromName returns the masked loss with the given name (one of ValidLosses).
func FromName(name string, opts Options) (losses.LossFn, error) {
	switch name {
	case LossMSE:
		return MeanSquaredError, nil
	case LossMAE:
		return MeanAbsoluteError, nil
	case LossHuber:
		if opts.HuberDelta <= 0 {
			return nil, errors.Errorf("huber loss requires delta > 0, got %g", opts.HuberDelta)
		}
		return MakeHuber(opts.HuberDelta), nil
	case LossBCE:
		return BinaryCrossentropy, nil
	case LossMSEBCE:
		return MakeMeanSquaredErrorWithBCE(opts.BCEWeight), nil
	}
	return nil, errors.Errorf("unknown masked loss %q, valid values are %q", name, ValidLosses)
}

// FromContext returns the loss configured by the context hyperparameters ParamLoss, ParamHuberDelta and
// ParamBCEWeight.
func FromContext(ctx *context.Context) (losses.LossFn, error) {
	name := context.GetParamOr(ctx, ParamLoss, LossMSE)
	if !slices.Contains(ValidLosses, name) {
		return nil, errors.Errorf("hyperparameter %q must be one of %q, got %q", ParamLoss, ValidLosses, name)
	}
	defaults := DefaultOptions()
	opts := Options{
		HuberDelta: context.GetParamOr(ctx, ParamHuberDelta, defaults.HuberDelta),
		BCEWeight:  context.GetParamOr(ctx, ParamBCEWeight, defaults.BCEWeight),
	}
	return FromName(name, opts)
}
