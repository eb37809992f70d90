// Copyright 2026 The jetpointnet Authors. SPDX-License-Identifier: Apache-2.0

// Package evaluate compares per-point energy predictions against the labels on the host, and reports the
// results as tables and plots.
//
// The computations are done in float64 and mirror the graph definitions of the masked package.
package evaluate

import (
	"math"
	"slices"

	"github.com/jetpointnet/jetpointnet/pkg/masked"
	"github.com/jetpointnet/jetpointnet/pkg/pointcloud"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"
)

// ratioEpsilon is added to the labeled energy to avoid division by zero.
const ratioEpsilon = 1e-8

// EnergyRatio returns the predicted energy over the labeled energy, in percent, summed over the points with
// a valid label. It's capped at masked.EnergyRatioCap.
//
// Labels equal to pointcloud.LabelSentinel are excluded, and labels and preds must have the same length.
func EnergyRatio(labels, preds []float32) float64 {
	var sumLabels, sumPreds float64
	for ii, label := range labels {
		if label == pointcloud.LabelSentinel {
			continue
		}
		sumLabels += float64(label)
		sumPreds += float64(preds[ii])
	}
	return math.Min(100*sumPreds/(sumLabels+ratioEpsilon), masked.EnergyRatioCap)
}

// EventResult holds the comparison of one event.
type EventResult struct {
	ID string

	// NumValid is the number of points with a valid label.
	NumValid int

	// LabelEnergy and PredictedEnergy summed over the points with a valid label.
	LabelEnergy, PredictedEnergy float64

	// EnergyRatio as returned by the EnergyRatio function.
	EnergyRatio float64

	// MAE and MSE of the predictions of the points with a valid label, in MeV and MeV² respectively.
	MAE, MSE float64
}

// Stats summarizes a distribution of values.
type Stats struct {
	Mean, StdDev, Median float64

	// Low and High bound the central 68% interval.
	Low, High float64
}

// Report of the comparison of a set of events.
type Report struct {
	Events []EventResult

	// NumValidPoints is the total number of points with a valid label.
	NumValidPoints int

	// Summaries over the events with at least one valid point.
	EnergyRatio, MAE, MSE Stats
}

// Compare the predictions of each event (one per point) against their labels.
func Compare(events []pointcloud.Event, predictions [][]float32) (Report, error) {
	var r Report
	if len(predictions) != len(events) {
		return r, errors.Errorf("got %d predictions for %d events", len(predictions), len(events))
	}
	r.Events = make([]EventResult, len(events))
	var ratios, maes, mses []float64
	for eventIdx, e := range events {
		preds := predictions[eventIdx]
		if len(preds) != len(e.Points) {
			return r, errors.Errorf("event %q has %d points but %d predictions", e.ID, len(e.Points), len(preds))
		}
		result := EventResult{ID: e.ID, EnergyRatio: EnergyRatio(e.Labels, preds)}
		for ii, label := range e.Labels {
			if !e.IsLabelValid(ii) {
				continue
			}
			diff := float64(preds[ii]) - float64(label)
			result.NumValid++
			result.LabelEnergy += float64(label)
			result.PredictedEnergy += float64(preds[ii])
			result.MAE += math.Abs(diff)
			result.MSE += diff * diff
		}
		if result.NumValid > 0 {
			result.MAE /= float64(result.NumValid)
			result.MSE /= float64(result.NumValid)
			ratios = append(ratios, result.EnergyRatio)
			maes = append(maes, result.MAE)
			mses = append(mses, result.MSE)
		}
		r.NumValidPoints += result.NumValid
		r.Events[eventIdx] = result
	}
	r.EnergyRatio = summarize(ratios)
	r.MAE = summarize(maes)
	r.MSE = summarize(mses)
	return r, nil
}

func summarize(values []float64) (s Stats) {
	if len(values) == 0 {
		return
	}
	sorted := slices.Clone(values)
	slices.Sort(sorted)
	if len(sorted) == 1 {
		s.Mean = sorted[0]
	} else {
		s.Mean, s.StdDev = stat.MeanStdDev(sorted, nil)
	}
	s.Median = stat.Quantile(0.5, stat.Empirical, sorted, nil)
	s.Low = stat.Quantile(0.16, stat.Empirical, sorted, nil)
	s.High = stat.Quantile(0.84, stat.Empirical, sorted, nil)
	return
}
