// Copyright 2026 The jetpointnet Authors. SPDX-License-Identifier: Apache-2.0

package dataset

import (
	"bytes"
	"fmt"
	"math/rand/v2"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/tensors/numpy"
	"github.com/jetpointnet/jetpointnet/pkg/pointcloud"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

func TestGenerator(t *testing.T) {
	gen := NewGenerator(17)
	events := gen.Events("synth_", 20)
	require.Len(t, events, 20)
	cfg := gen.Config
	for _, e := range events {
		require.NoError(t, e.Validate())
		require.LessOrEqual(t, len(e.Points), cfg.MaxEventPoints())
		var numFocused, numCells int
		for ii, p := range e.Points {
			switch p.Type {
			case pointcloud.FocusedTrack:
				numFocused++
				require.Equal(t, float32(0), p.TrackDistance)
				require.False(t, e.IsLabelValid(ii), "tracks are not labeled")
			case pointcloud.Cell:
				numCells++
				require.True(t, e.IsLabelValid(ii))
				require.GreaterOrEqual(t, e.Labels[ii], float32(0))
				require.LessOrEqual(t, e.Labels[ii], p.Energy)
			}
		}
		require.Equal(t, 1, numFocused)
		require.GreaterOrEqual(t, numCells, cfg.MinCells)
		require.LessOrEqual(t, numCells, cfg.MaxCells)
		require.Equal(t, numCells, e.NumValid())
	}

	// Deterministic for the same seed.
	again := NewGenerator(17).Events("synth_", 20)
	require.Equal(t, events, again)
	other := NewGenerator(18).Events("synth_", 20)
	require.NotEqual(t, events, other)
}

func TestCSV(t *testing.T) {
	events := []pointcloud.Event{
		{ID: "a", Points: []pointcloud.Point{
			{X: 1, Y: 2, Z: 3, TrackDistance: 0, Energy: 100, Type: pointcloud.FocusedTrack},
			{X: 1.5, Y: 2.5, Z: 3, TrackDistance: 0.5, Energy: 10, Type: pointcloud.Cell},
		}, Labels: []float32{-1, 7.5}},
		{ID: "b", Points: []pointcloud.Point{
			{X: -4, Y: 0, Z: 1, TrackDistance: 2.25, Energy: 3, Type: pointcloud.Cell},
		}, Labels: []float32{0}},
	}
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, events))
	fmt.Printf("CSV:\n%s\n", buf.String())
	require.True(t, strings.HasPrefix(buf.String(), strings.Join(CSVColumns, ",")))

	got, err := ReadCSV(bytes.NewReader(buf.Bytes()), 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	for ii := range events {
		require.Equal(t, events[ii].ID, got[ii].ID)
		require.Equal(t, len(events[ii].Points), len(got[ii].Points))
		for jj, p := range events[ii].Points {
			require.Equal(t, p.Type, got[ii].Points[jj].Type)
			require.InDelta(t, p.Energy, got[ii].Points[jj].Energy, 1e-4)
			require.InDelta(t, p.X, got[ii].Points[jj].X, 1e-4)
			require.InDelta(t, events[ii].Labels[jj], got[ii].Labels[jj], 1e-4)
		}
	}

	// Interleaved rows are grouped by event, in order of first appearance.
	csv := "event,x,y,z,track_distance,energy,type,label\n" +
		"7,0,0,0,0,5,1,-1\n" +
		"3,1,1,1,1,2,0,1\n" +
		"7,1,0,0,1,4,0,2\n"
	got, err = ReadCSV(strings.NewReader(csv), 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "7", got[0].ID)
	require.Len(t, got[0].Points, 2)
	require.Equal(t, float32(2), got[0].Labels[1])

	_, err = ReadCSV(strings.NewReader(csv), 1)
	require.True(t, errors.Is(err, pointcloud.ErrTooManyPoints))

	_, err = ReadCSV(strings.NewReader("event,x,y\n1,2,3\n"), 0)
	require.Error(t, err)
}

func TestNPZ(t *testing.T) {
	dir := t.TempDir()
	events := NewGenerator(3).Events("", 4)
	maxPoints := pointcloud.MaxPoints(events)

	path := filepath.Join(dir, "events.npz")
	require.NoError(t, SaveNPZ(path, events, maxPoints))
	features, labels, err := LoadNPZ(path, DefaultFeaturesKey, DefaultLabelsKey)
	require.NoError(t, err)
	require.Equal(t, []int{4, maxPoints, pointcloud.NumFeatures}, features.Shape().Dimensions)
	require.Equal(t, []int{4, maxPoints, 1}, labels.Shape().Dimensions)

	loaded, err := LoadNPZEvents(path, DefaultFeaturesKey, DefaultLabelsKey)
	require.NoError(t, err)
	require.Len(t, loaded, len(events))
	require.Equal(t, events[2].TotalLabelEnergy(), loaded[2].TotalLabelEnergy())

	// Float64 arrays with rank-2 labels, as written by numpy by default.
	path64 := filepath.Join(dir, "events64.npz")
	require.NoError(t, numpy.ToNpzFile(map[string]*tensors.Tensor{
		"feats":  tensors.FromValue([][][]float64{{{1, 2, 3, 0, 10, 0}, {0, 0, 0, 0, 0, -1}}}),
		"labels": tensors.FromValue([][]float64{{4, -1}}),
	}, path64))
	features, labels, err = LoadNPZ(path64, "feats", "labels")
	require.NoError(t, err)
	require.Equal(t, []int{1, 2, 1}, labels.Shape().Dimensions)
	require.Equal(t, [][][]float32{{{4}, {-1}}}, labels.Value())
	require.Equal(t, float32(10), tensors.CopyFlatData[float32](features)[pointcloud.FeatEnergy])

	_, _, err = LoadNPZ(path64, "points", "labels")
	require.Error(t, err)

	predictions := make([][]float32, len(events))
	for ii, e := range events {
		predictions[ii] = make([]float32, len(e.Points))
	}
	require.NoError(t, SavePredictionsNPZ(filepath.Join(dir, "predictions.npz"), events, predictions, maxPoints))
	require.Error(t, SavePredictionsNPZ(filepath.Join(dir, "bad.npz"), events, predictions[:1], maxPoints))
}

func TestSplitAndDescribe(t *testing.T) {
	events := NewGenerator(5).Events("", 10)
	train, validation, err := Split(events, 0.2, rand.New(rand.NewPCG(1, 2)))
	require.NoError(t, err)
	require.Len(t, train, 8)
	require.Len(t, validation, 2)

	_, validation, err = Split(events[:3], 0.1, rand.New(rand.NewPCG(1, 2)))
	require.NoError(t, err)
	require.Len(t, validation, 1)

	_, _, err = Split(events, 1.0, rand.New(rand.NewPCG(1, 2)))
	require.Error(t, err)

	summary := Describe(events)
	fmt.Printf("%s\n", summary)
	require.Equal(t, 10, summary.NumEvents)
	require.Equal(t, pointcloud.MaxPoints(events), summary.MaxPoints)
	require.Greater(t, summary.MeanEnergy, 0.0)
	require.Greater(t, summary.MeanLabelFraction, 0.0)
	require.LessOrEqual(t, summary.MeanLabelFraction, 1.0)

	single := Describe(events[:1])
	require.Equal(t, 0.0, single.StdDevPoints)
}

func TestNewInMemoryFromEvents(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	events := NewGenerator(9).Events("", 5)
	maxPoints := pointcloud.MaxPoints(events)
	ds, err := NewInMemoryFromEvents(backend, "synthetic", events, maxPoints)
	require.NoError(t, err)
	require.Equal(t, 5, ds.NumExamples())

	ds.BatchSize(2, true)
	_, inputs, labels, err := ds.Yield()
	require.NoError(t, err)
	require.Equal(t, []int{2, maxPoints, pointcloud.NumFeatures}, inputs[0].Shape().Dimensions)
	require.Equal(t, []int{2, maxPoints, 1}, labels[0].Shape().Dimensions)
}
