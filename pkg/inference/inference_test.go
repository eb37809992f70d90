// Copyright 2026 The jetpointnet Authors. SPDX-License-Identifier: Apache-2.0

package inference

import (
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/jetpointnet/jetpointnet/pkg/dataset"
	"github.com/jetpointnet/jetpointnet/pkg/pointcloud"
	"github.com/jetpointnet/jetpointnet/pkg/pointnet"
	"github.com/jetpointnet/jetpointnet/pkg/trainer"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

// trainTinyModel trains a small model for a couple of steps and returns its checkpoint directory.
func trainTinyModel(t *testing.T) string {
	trainer.Backend = graphtest.BuildTestBackend()
	checkpointDir := filepath.Join(t.TempDir(), "model")
	ctx := trainer.CreateDefaultContext()
	ctx.SetParams(map[string]any{
		trainer.ParamTrainSteps:      2,
		trainer.ParamBatchSize:       4,
		trainer.ParamSyntheticEvents: 12,
		pointnet.ParamSizeFactor:     1,
	})
	require.NoError(t, trainer.TrainModel(ctx, trainer.Config{
		CheckpointPath: checkpointDir,
		Seed:           11,
		Verbosity:      -1,
	}))
	return checkpointDir
}

func TestPredictor(t *testing.T) {
	checkpointDir := trainTinyModel(t)
	backend := graphtest.BuildTestBackend()
	predictor, err := New(backend, checkpointDir)
	require.NoError(t, err)
	maxPoints := predictor.MaxPoints()
	require.Greater(t, maxPoints, 0)

	// Events smaller than the model's point count, one of them without labels.
	gen := dataset.NewGeneratorWithConfig(dataset.GeneratorConfig{
		MinCells: 5, MaxCells: 10, MeanOtherTracks: 1, MaxOtherTracks: 2,
		CaloRadius: 1500, ShowerSpread: 60, TrackEnergyLogMean: 9, TrackEnergyLogSigma: 0.5,
		NeutralFraction: 0.3, AngularSpread: 0.05,
	}, 5)
	events := gen.Events("", 5)
	events[1].Labels = nil

	predictions, err := predictor.Predict(events)
	require.NoError(t, err)
	require.Len(t, predictions, len(events))
	for ii, e := range events {
		require.Len(t, predictions[ii], len(e.Points))
		for pointIdx, p := range e.Points {
			require.GreaterOrEqual(t, predictions[ii][pointIdx], float32(0))
			require.LessOrEqual(t, predictions[ii][pointIdx], p.Energy*1.0001)
		}
	}

	// Splitting in smaller batches doesn't change the predictions.
	batched, err := predictor.WithBatchSize(2).Predict(events)
	require.NoError(t, err)
	for ii := range events {
		require.InDeltaSlice(t, predictions[ii], batched[ii], 1e-3)
	}

	// Events too large for the model.
	large := pointcloud.Event{ID: "large"}
	for range maxPoints + 1 {
		large.Points = append(large.Points, pointcloud.Point{Energy: 1, Type: pointcloud.Cell})
		large.Labels = append(large.Labels, 0.5)
	}
	_, err = predictor.Predict([]pointcloud.Event{events[0], large})
	require.True(t, errors.Is(err, pointcloud.ErrTooManyPoints))
}

func TestNewMissingCheckpoint(t *testing.T) {
	_, err := New(graphtest.BuildTestBackend(), filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
}

func TestNewRejectsMultipleClasses(t *testing.T) {
	checkpointDir := filepath.Join(t.TempDir(), "two_classes")
	ctx := trainer.CreateDefaultContext()
	ctx.SetParams(map[string]any{
		trainer.ParamMaxPoints:   10,
		pointnet.ParamNumClasses: 2,
	})
	checkpoint, err := checkpoints.Build(ctx).Dir(checkpointDir).Done()
	require.NoError(t, err)
	require.NoError(t, checkpoint.Save())

	_, err = New(graphtest.BuildTestBackend(), checkpointDir)
	require.ErrorContains(t, err, pointnet.ParamNumClasses)
}
