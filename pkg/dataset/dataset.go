// Copyright 2026 The jetpointnet Authors. SPDX-License-Identifier: Apache-2.0

package dataset

import (
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/jetpointnet/jetpointnet/pkg/pointcloud"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"
)

// NewInMemory returns a gomlx in-memory dataset yielding the features as inputs and the labels as labels.
//
// features must be shaped `[numEvents, numPoints, pointcloud.NumFeatures]` and labels `[numEvents, numPoints, 1]`.
func NewInMemory(backend backends.Backend, name string, features, labels *tensors.Tensor) (*datasets.InMemoryDataset, error) {
	if features == nil || labels == nil {
		return nil, errors.Errorf("dataset %q requires features and labels", name)
	}
	ds, err := datasets.InMemoryFromData(backend, name, []any{features}, []any{labels})
	if err != nil {
		return nil, errors.WithMessagef(err, "creating in-memory dataset %q", name)
	}
	return ds, nil
}

// NewInMemoryFromEvents converts the events to tensors (padded to maxPoints) and returns them as an
// in-memory dataset. See NewInMemory.
func NewInMemoryFromEvents(backend backends.Backend, name string, events []pointcloud.Event, maxPoints int) (*datasets.InMemoryDataset, error) {
	features, labels, err := pointcloud.ToTensors(events, maxPoints)
	if err != nil {
		return nil, errors.WithMessagef(err, "dataset %q", name)
	}
	return NewInMemory(backend, name, features, labels)
}

// Split shuffles the events with rng and splits them into train and validation sets, the later with
// validationFraction of the events (at least one, if there are 2 or more events).
//
// The events themselves are not copied.
func Split(events []pointcloud.Event, validationFraction float64, rng *rand.Rand) (train, validation []pointcloud.Event, err error) {
	if validationFraction < 0 || validationFraction >= 1 {
		return nil, nil, errors.Errorf("validation fraction must be in [0, 1), got %g", validationFraction)
	}
	numValidation := int(validationFraction * float64(len(events)))
	if numValidation == 0 && validationFraction > 0 && len(events) >= 2 {
		numValidation = 1
	}
	perm := rng.Perm(len(events))
	train = make([]pointcloud.Event, 0, len(events)-numValidation)
	validation = make([]pointcloud.Event, 0, numValidation)
	for ii, idx := range perm {
		if ii < numValidation {
			validation = append(validation, events[idx])
		} else {
			train = append(train, events[idx])
		}
	}
	return train, validation, nil
}

// Summary of a set of events.
type Summary struct {
	NumEvents int

	// MaxPoints is the largest number of points in an event.
	MaxPoints int

	// Points per event: mean and standard deviation.
	MeanPoints, StdDevPoints float64

	// ValidPoints is the total number of points with a valid label.
	ValidPoints int

	// Energy (MeV) of the non-masked points per event: mean and standard deviation.
	MeanEnergy, StdDevEnergy float64

	// LabelFraction is the labeled energy over the total energy of the points with valid labels, per event.
	MeanLabelFraction, StdDevLabelFraction float64
}

// Describe returns summary statistics of the events.
func Describe(events []pointcloud.Event) Summary {
	s := Summary{NumEvents: len(events), MaxPoints: pointcloud.MaxPoints(events)}
	if len(events) == 0 {
		return s
	}
	numPoints := make([]float64, len(events))
	energies := make([]float64, len(events))
	fractions := make([]float64, 0, len(events))
	for ii, e := range events {
		numPoints[ii] = float64(len(e.Points))
		energies[ii] = e.TotalEnergy()
		s.ValidPoints += e.NumValid()

		var validEnergy float64
		for pointIdx, p := range e.Points {
			if e.IsLabelValid(pointIdx) {
				validEnergy += float64(p.Energy)
			}
		}
		if validEnergy > 0 {
			fractions = append(fractions, e.TotalLabelEnergy()/validEnergy)
		}
	}
	s.MeanPoints, s.StdDevPoints = meanStdDev(numPoints)
	s.MeanEnergy, s.StdDevEnergy = meanStdDev(energies)
	if len(fractions) > 0 {
		s.MeanLabelFraction, s.StdDevLabelFraction = meanStdDev(fractions)
	}
	return s
}

// meanStdDev returns the mean and the unbiased standard deviation of values, with standard deviation 0 for
// a single value.
func meanStdDev(values []float64) (mean, stdDev float64) {
	if len(values) == 1 {
		return values[0], 0
	}
	return stat.MeanStdDev(values, nil)
}

// String implements fmt.Stringer.
func (s Summary) String() string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "%s events, up to %d points (%.1f ± %.1f per event), %s valid points\n",
		humanize.Comma(int64(s.NumEvents)), s.MaxPoints, s.MeanPoints, s.StdDevPoints, humanize.Comma(int64(s.ValidPoints)))
	_, _ = fmt.Fprintf(&sb, "energy per event: %.1f ± %.1f MeV, labeled fraction: %.3f ± %.3f",
		s.MeanEnergy, s.StdDevEnergy, s.MeanLabelFraction, s.StdDevLabelFraction)
	return sb.String()
}
