// Copyright 2026 The jetpointnet Authors. SPDX-License-Identifier: Apache-2.0

// Package pointcloud defines the host-side representation of calorimeter events: points (cells and tracks)
// with their features, the per-point energy labels and the conversion to and from the tensors fed to the model.
//
// Each point is described by NumFeatures values, in this order:
//
//	[x (mm), y (mm), z (mm), distance to the focused track (mm), energy (MeV), type]
//
// The type is one of the PointType values: Masked (-1) marks padding or ignored points, which are never
// predicted on and never contribute to losses or metrics. Labels follow the same convention with
// LabelSentinel (-1.0).
package pointcloud

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
)

// PointType is the categorical "type" feature of a point.
type PointType int8

const (
	// Masked points are padding or points to be ignored.
	Masked PointType = -1

	// Cell is a calorimeter cell.
	Cell PointType = 0

	// FocusedTrack is the track the event is built around.
	FocusedTrack PointType = 1

	// OtherTrack is any other track in the event.
	OtherTrack PointType = 2
)

// String implements fmt.Stringer.
func (t PointType) String() string {
	switch t {
	case Masked:
		return "masked"
	case Cell:
		return "cell"
	case FocusedTrack:
		return "focused_track"
	case OtherTrack:
		return "other_track"
	}
	return fmt.Sprintf("PointType(%d)", int8(t))
}

// Valid returns whether t is one of the known point types.
func (t PointType) Valid() bool {
	return t >= Masked && t <= OtherTrack
}

// Indices of each feature in the per-point feature vector.
const (
	FeatX = iota
	FeatY
	FeatZ
	FeatTrackDistance
	FeatEnergy
	FeatType

	// NumFeatures per point.
	NumFeatures
)

// LabelSentinel is the label value of points excluded from losses and metrics.
const LabelSentinel = -1.0

var (
	// ErrTooManyPoints is returned when an event doesn't fit the requested number of points.
	ErrTooManyPoints = errors.New("event has more points than the maximum allowed")

	// ErrInvalidEvent is returned by Event.Validate.
	ErrInvalidEvent = errors.New("invalid event")
)

// Point is one calorimeter cell or track.
type Point struct {
	X, Y, Z       float32
	TrackDistance float32
	Energy        float32
	Type          PointType
}

// Features returns the point as the model's feature vector.
func (p Point) Features() [NumFeatures]float32 {
	return [NumFeatures]float32{p.X, p.Y, p.Z, p.TrackDistance, p.Energy, float32(p.Type)}
}

// PointFromFeatures is the inverse of Point.Features.
func PointFromFeatures(features []float32) Point {
	return Point{
		X:             features[FeatX],
		Y:             features[FeatY],
		Z:             features[FeatZ],
		TrackDistance: features[FeatTrackDistance],
		Energy:        features[FeatEnergy],
		Type:          PointType(math.Round(float64(features[FeatType]))),
	}
}

// IsMasked returns whether the point is padding or otherwise ignored.
func (p Point) IsMasked() bool { return p.Type == Masked }

// Event is a set of points with one label per point.
//
// The order of points carries no meaning to the model, it is only used to align points and labels.
type Event struct {
	// ID is an optional identifier, carried along for reporting.
	ID string

	Points []Point

	// Labels holds the target energy of each point, or LabelSentinel for excluded points.
	Labels []float32
}

// Validate checks that labels and points are aligned, that masked points carry the sentinel label and that
// all other labels are finite.
func (e Event) Validate() error {
	if len(e.Points) != len(e.Labels) {
		return errors.Wrapf(ErrInvalidEvent, "event %q has %d points but %d labels", e.ID, len(e.Points), len(e.Labels))
	}
	for ii, p := range e.Points {
		if !p.Type.Valid() {
			return errors.Wrapf(ErrInvalidEvent, "event %q point #%d has unknown type %s", e.ID, ii, p.Type)
		}
		label := e.Labels[ii]
		if p.IsMasked() {
			if label != LabelSentinel {
				return errors.Wrapf(ErrInvalidEvent, "event %q masked point #%d has label %g, expected %g",
					e.ID, ii, label, LabelSentinel)
			}
			continue
		}
		if math.IsNaN(float64(label)) || math.IsInf(float64(label), 0) {
			return errors.Wrapf(ErrInvalidEvent, "event %q point #%d has non-finite label %g", e.ID, ii, label)
		}
	}
	return nil
}

// IsLabelValid returns whether the label of point ii takes part in losses and metrics.
func (e Event) IsLabelValid(ii int) bool {
	return e.Labels[ii] != LabelSentinel
}

// NumValid returns the number of points with a valid (non-sentinel) label.
func (e Event) NumValid() int {
	var count int
	for ii := range e.Labels {
		if e.IsLabelValid(ii) {
			count++
		}
	}
	return count
}

// TotalEnergy returns the sum of the energy of all non-masked points.
func (e Event) TotalEnergy() float64 {
	var total float64
	for _, p := range e.Points {
		if !p.IsMasked() {
			total += float64(p.Energy)
		}
	}
	return total
}

// TotalLabelEnergy returns the sum of all valid labels.
func (e Event) TotalLabelEnergy() float64 {
	var total float64
	for ii, label := range e.Labels {
		if e.IsLabelValid(ii) {
			total += float64(label)
		}
	}
	return total
}

// Pad returns a copy of the event with exactly maxPoints points: the extra ones are Masked points with
// LabelSentinel labels.
//
// It returns ErrTooManyPoints if the event is larger than maxPoints.
func (e Event) Pad(maxPoints int) (Event, error) {
	if len(e.Points) > maxPoints {
		return Event{}, errors.Wrapf(ErrTooManyPoints, "event %q has %d points, max is %d", e.ID, len(e.Points), maxPoints)
	}
	padded := Event{
		ID:     e.ID,
		Points: make([]Point, maxPoints),
		Labels: make([]float32, maxPoints),
	}
	copy(padded.Points, e.Points)
	copy(padded.Labels, e.Labels)
	for ii := len(e.Points); ii < maxPoints; ii++ {
		padded.Points[ii] = Point{Type: Masked}
		padded.Labels[ii] = LabelSentinel
	}
	return padded, nil
}

// Trim returns the event without its trailing masked points.
func (e Event) Trim() Event {
	n := len(e.Points)
	for n > 0 && e.Points[n-1].IsMasked() {
		n--
	}
	return Event{ID: e.ID, Points: e.Points[:n], Labels: e.Labels[:n]}
}

// Permute returns a copy of the event with the points (and labels) reordered: point ii of the
// result is point perm[ii] of e.
func (e Event) Permute(perm []int) Event {
	permuted := Event{
		ID:     e.ID,
		Points: make([]Point, len(perm)),
		Labels: make([]float32, len(perm)),
	}
	for ii, from := range perm {
		permuted.Points[ii] = e.Points[from]
		permuted.Labels[ii] = e.Labels[from]
	}
	return permuted
}

// MaxPoints returns the largest number of points of the given events.
func MaxPoints(events []Event) int {
	var maxPoints int
	for _, e := range events {
		maxPoints = max(maxPoints, len(e.Points))
	}
	return maxPoints
}
