// Copyright 2026 The jetpointnet Authors. SPDX-License-Identifier: Apache-2.0

// Package dataset loads, saves and synthesizes calorimeter events, and wraps them as gomlx datasets
// for training and evaluation.
//
// Supported formats:
//
//   - NPZ archives (numpy) with a features array shaped `[numEvents, numPoints, 6]` and a labels array
//     shaped `[numEvents, numPoints]` or `[numEvents, numPoints, 1]`.
//   - Long-format CSV files with one point per row, see LoadCSV.
package dataset

import (
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/tensors/numpy"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/jetpointnet/jetpointnet/pkg/pointcloud"
	"github.com/pkg/errors"
)

// Default names of the arrays in NPZ archives.
const (
	DefaultFeaturesKey    = "feats"
	DefaultLabelsKey      = "labels"
	DefaultPredictionsKey = "predictions"
)

// LoadNPZ reads the features and labels arrays from the NPZ archive in path.
//
// Float64 arrays are converted to Float32, and labels of rank 2 get a trailing axis of dimension 1.
// If labelsKey is empty, or the archive has no labels array, labels is returned as nil.
func LoadNPZ(path, featuresKey, labelsKey string) (features, labels *tensors.Tensor, err error) {
	arrays, err := numpy.FromNpzFile(path)
	if err != nil {
		return nil, nil, errors.WithMessagef(err, "reading NPZ file %q", path)
	}
	var found bool
	features, found = arrays[featuresKey]
	if !found {
		return nil, nil, errors.Errorf("NPZ file %q has no array %q, arrays available: %v", path, featuresKey, keys(arrays))
	}
	features, err = toFloat32(features)
	if err != nil {
		return nil, nil, errors.WithMessagef(err, "features array %q of %q", featuresKey, path)
	}
	if features.Rank() != 3 || features.Shape().Dimensions[2] != pointcloud.NumFeatures {
		return nil, nil, errors.Errorf("features array %q of %q must be shaped [num_events, num_points, %d], got %s",
			featuresKey, path, pointcloud.NumFeatures, features.Shape())
	}
	if labelsKey == "" {
		return features, nil, nil
	}
	labels, found = arrays[labelsKey]
	if !found {
		return features, nil, nil
	}
	labels, err = toFloat32(labels)
	if err != nil {
		return nil, nil, errors.WithMessagef(err, "labels array %q of %q", labelsKey, path)
	}
	if labels.Rank() == 2 {
		labels = tensors.FromFlatDataAndDimensions(tensors.CopyFlatData[float32](labels),
			labels.Shape().Dimensions[0], labels.Shape().Dimensions[1], 1)
	}
	featDims := features.Shape().Dimensions
	if labels.Rank() != 3 || labels.Shape().Dimensions[0] != featDims[0] || labels.Shape().Dimensions[1] != featDims[1] {
		return nil, nil, errors.Errorf("labels array %q of %q shaped %s is incompatible with features shaped %s",
			labelsKey, path, labels.Shape(), features.Shape())
	}
	return features, labels, nil
}

// LoadNPZEvents reads the events of an NPZ archive, see LoadNPZ.
func LoadNPZEvents(path, featuresKey, labelsKey string) ([]pointcloud.Event, error) {
	features, labels, err := LoadNPZ(path, featuresKey, labelsKey)
	if err != nil {
		return nil, err
	}
	return pointcloud.FromTensors(features, labels)
}

// SaveNPZ writes the events, padded to maxPoints, to an NPZ archive with the DefaultFeaturesKey and
// DefaultLabelsKey arrays.
func SaveNPZ(path string, events []pointcloud.Event, maxPoints int) error {
	features, labels, err := pointcloud.ToTensors(events, maxPoints)
	if err != nil {
		return err
	}
	err = numpy.ToNpzFile(map[string]*tensors.Tensor{
		DefaultFeaturesKey: features,
		DefaultLabelsKey:   labels,
	}, path)
	return errors.WithMessagef(err, "writing NPZ file %q", path)
}

// SavePredictionsNPZ writes the events (padded to maxPoints) along with the per-point predictions to an
// NPZ archive. Predictions of padding points are 0.
func SavePredictionsNPZ(path string, events []pointcloud.Event, predictions [][]float32, maxPoints int) error {
	if len(predictions) != len(events) {
		return errors.Errorf("got %d predictions for %d events", len(predictions), len(events))
	}
	features, labels, err := pointcloud.ToTensors(events, maxPoints)
	if err != nil {
		return err
	}
	flat := make([]float32, len(events)*maxPoints)
	for eventIdx, eventPredictions := range predictions {
		if len(eventPredictions) != len(events[eventIdx].Points) {
			return errors.Errorf("event #%d has %d points but %d predictions",
				eventIdx, len(events[eventIdx].Points), len(eventPredictions))
		}
		copy(flat[eventIdx*maxPoints:], eventPredictions)
	}
	err = numpy.ToNpzFile(map[string]*tensors.Tensor{
		DefaultFeaturesKey:    features,
		DefaultLabelsKey:      labels,
		DefaultPredictionsKey: tensors.FromFlatDataAndDimensions(flat, len(events), maxPoints, 1),
	}, path)
	return errors.WithMessagef(err, "writing NPZ file %q", path)
}

func toFloat32(t *tensors.Tensor) (*tensors.Tensor, error) {
	switch t.DType() {
	case dtypes.Float32:
		return t, nil
	case dtypes.Float64:
		values := tensors.CopyFlatData[float64](t)
		converted := make([]float32, len(values))
		for ii, v := range values {
			converted[ii] = float32(v)
		}
		return tensors.FromFlatDataAndDimensions(converted, t.Shape().Dimensions...), nil
	}
	return nil, errors.Errorf("dtype %s not supported, only Float32 and Float64", t.DType())
}

func keys[V any](m map[string]V) []string {
	result := make([]string, 0, len(m))
	for k := range m {
		result = append(result, k)
	}
	return result
}
