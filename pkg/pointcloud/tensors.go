// Copyright 2026 The jetpointnet Authors. SPDX-License-Identifier: Apache-2.0

package pointcloud

import (
	"fmt"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// ToTensors converts events to the model's input and label tensors: features shaped
// `[len(events), maxPoints, NumFeatures]` and labels shaped `[len(events), maxPoints, 1]`, both Float32.
//
// Events are padded with masked points. It returns an error if any event is invalid or too large.
func ToTensors(events []Event, maxPoints int) (features, labels *tensors.Tensor, err error) {
	if len(events) == 0 {
		return nil, nil, errors.New("no events given to pointcloud.ToTensors")
	}
	if maxPoints <= 0 {
		return nil, nil, errors.Errorf("maxPoints must be > 0, got %d", maxPoints)
	}
	flatFeatures := make([]float32, len(events)*maxPoints*NumFeatures)
	flatLabels := make([]float32, len(events)*maxPoints)
	for eventIdx, e := range events {
		if err = e.Validate(); err != nil {
			return nil, nil, errors.WithMessagef(err, "converting event #%d", eventIdx)
		}
		padded, err := e.Pad(maxPoints)
		if err != nil {
			return nil, nil, errors.WithMessagef(err, "converting event #%d", eventIdx)
		}
		for pointIdx, p := range padded.Points {
			pos := eventIdx*maxPoints + pointIdx
			f := p.Features()
			copy(flatFeatures[pos*NumFeatures:(pos+1)*NumFeatures], f[:])
			flatLabels[pos] = padded.Labels[pointIdx]
		}
	}
	features = tensors.FromFlatDataAndDimensions(flatFeatures, len(events), maxPoints, NumFeatures)
	labels = tensors.FromFlatDataAndDimensions(flatLabels, len(events), maxPoints, 1)
	return features, labels, nil
}

// FromTensors converts features (and optionally labels) tensors back to events, the inverse of ToTensors.
// Trailing padding is removed from each event.
//
// If labels is nil, the labels are set to LabelSentinel for masked points and 0 otherwise.
func FromTensors(features, labels *tensors.Tensor) ([]Event, error) {
	if features.Rank() != 3 || features.Shape().Dimensions[2] != NumFeatures {
		return nil, errors.Errorf("features must be shaped [num_events, num_points, %d], got %s",
			NumFeatures, features.Shape())
	}
	if features.DType() != dtypes.Float32 {
		return nil, errors.Errorf("features must be Float32, got %s", features.DType())
	}
	numEvents, numPoints := features.Shape().Dimensions[0], features.Shape().Dimensions[1]
	flatFeatures := tensors.CopyFlatData[float32](features)
	var flatLabels []float32
	if labels != nil {
		if labels.DType() != dtypes.Float32 || labels.Size() != numEvents*numPoints {
			return nil, errors.Errorf("labels (%s) incompatible with features (%s)", labels.Shape(), features.Shape())
		}
		flatLabels = tensors.CopyFlatData[float32](labels)
	}

	events := make([]Event, numEvents)
	for eventIdx := range numEvents {
		e := Event{
			ID:     fmt.Sprintf("%d", eventIdx),
			Points: make([]Point, numPoints),
			Labels: make([]float32, numPoints),
		}
		for pointIdx := range numPoints {
			pos := eventIdx*numPoints + pointIdx
			e.Points[pointIdx] = PointFromFeatures(flatFeatures[pos*NumFeatures : (pos+1)*NumFeatures])
			switch {
			case flatLabels != nil:
				e.Labels[pointIdx] = flatLabels[pos]
			case e.Points[pointIdx].IsMasked():
				e.Labels[pointIdx] = LabelSentinel
			}
		}
		events[eventIdx] = e.Trim()
	}
	return events, nil
}
