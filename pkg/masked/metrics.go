// Copyright 2026 The jetpointnet Authors. SPDX-License-Identifier: Apache-2.0

package masked

import (
	"fmt"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
)

const (
	// EnergyRatioCap is the maximum value returned by the energy ratio metric.
	EnergyRatioCap = 1000.0

	// EnergyRatioMetricType is the metric type of the energy ratio metrics.
	EnergyRatioMetricType = "energy_ratio"

	// energyRatioEpsilon avoids divisions by zero in the energy ratio.
	energyRatioEpsilon = 1e-8
)

// EnergyRatioGraph implements metrics.BaseMetricGraph: it returns the predicted energy of the valid points
// as a percentage of their labeled energy, `min(100 * sum(valid predictions) / (sum(valid labels) + 1e-8), 1000)`.
//
// 100 means the total energy was predicted exactly. The value is capped at EnergyRatioCap.
func EnergyRatioGraph(_ *context.Context, labels, predictions []*Node) *Node {
	label, prediction := checkShapes("masked.EnergyRatio", labels, predictions)
	g := label.Graph()
	dtype := label.DType()
	mask := ValidMask(label)
	sumPredictions := ReduceAllSum(Where(mask, prediction, ZerosLike(prediction)))
	sumLabels := ReduceAllSum(Where(mask, label, ZerosLike(label)))
	ratio := Div(MulScalar(sumPredictions, 100), AddScalar(sumLabels, energyRatioEpsilon))
	return Min(ratio, Scalar(g, dtype, EnergyRatioCap))
}

func energyRatioPPrint(value *tensors.Tensor) string {
	return fmt.Sprintf("%.1f%%", shapes.ConvertTo[float64](value.Value()))
}

// NewMeanEnergyRatio returns a metric with the mean of EnergyRatioGraph over the batches.
func NewMeanEnergyRatio(name, shortName string) *metrics.MeanMetric {
	return metrics.NewMeanMetric(name, shortName, EnergyRatioMetricType, EnergyRatioGraph, energyRatioPPrint)
}

// NewMovingAverageEnergyRatio returns a metric with the exponential moving average of EnergyRatioGraph.
// A typical value of newExampleWeight is 0.01, the smaller the value, the slower the moving average moves.
func NewMovingAverageEnergyRatio(name, shortName string, newExampleWeight float64) metrics.Interface {
	return metrics.NewExponentialMovingAverageMetric(name, shortName, EnergyRatioMetricType,
		EnergyRatioGraph, energyRatioPPrint, newExampleWeight)
}

// NewMeanLoss returns a metric with the mean over the batches of the given loss, for instance to report
// MeanAbsoluteError while training with MeanSquaredError.
func NewMeanLoss(name, shortName string, lossFn losses.LossFn) *metrics.MeanMetric {
	return metrics.NewMeanMetric(name, shortName, metrics.LossMetricType,
		func(_ *context.Context, labels, predictions []*Node) *Node {
			return lossFn(labels, predictions)
		}, nil)
}
