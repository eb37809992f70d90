// Copyright 2026 The jetpointnet Authors. SPDX-License-Identifier: Apache-2.0

// Package inference predicts the per-point energies of events with a model restored from a checkpoint.
package inference

import (
	"slices"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/jetpointnet/jetpointnet/pkg/pointcloud"
	"github.com/jetpointnet/jetpointnet/pkg/pointnet"
	"github.com/jetpointnet/jetpointnet/pkg/trainer"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DefaultBatchSize is the number of events evaluated at once by Predict.
const DefaultBatchSize = 64

// Predictor runs a trained model on events. It is safe for concurrent use.
type Predictor struct {
	backend backends.Backend
	ctx     *context.Context
	exec    *context.Exec

	maxPoints int
	batchSize int

	mu sync.Mutex
}

// New loads the model (hyperparameters and variables) from the checkpoint in checkpointDir and compiles it
// for the given backend.
func New(backend backends.Backend, checkpointDir string) (*Predictor, error) {
	p := &Predictor{
		backend:   backend,
		ctx:       trainer.CreateDefaultContext(),
		batchSize: DefaultBatchSize,
	}
	_, err := checkpoints.Load(p.ctx).
		Dir(checkpointDir).
		Done()
	if err != nil {
		return nil, errors.WithMessagef(err, "failed while loading model from %q", checkpointDir)
	}
	p.maxPoints = context.GetParamOr(p.ctx, trainer.ParamMaxPoints, 0)
	if p.maxPoints <= 0 {
		return nil, errors.Errorf("checkpoint %q has no %q set", checkpointDir, trainer.ParamMaxPoints)
	}
	if numClasses := context.GetParamOr(p.ctx, pointnet.ParamNumClasses, 1); numClasses != 1 {
		return nil, errors.Errorf("checkpoint %q has %s=%d, only models predicting one energy per point are supported",
			checkpointDir, pointnet.ParamNumClasses, numClasses)
	}
	p.ctx = p.ctx.Reuse() // Mark it to reuse variables: it will be an error to create a new variable.

	p.exec, err = context.NewExec(p.backend, p.ctx.In("model"), func(ctx *context.Context, features *graph.Node) *graph.Node {
		return pointnet.ModelGraph(ctx, nil, []*graph.Node{features})[0]
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create model executor for %q", checkpointDir)
	}
	klog.V(1).Infof("loaded model from %q: events padded to %d points", checkpointDir, p.maxPoints)
	return p, nil
}

// WithBatchSize sets the number of events evaluated at once. It returns the Predictor itself.
func (p *Predictor) WithBatchSize(batchSize int) *Predictor {
	if batchSize > 0 {
		p.batchSize = batchSize
	}
	return p
}

// MaxPoints is the number of points the events are padded to: events with more points than that can't be
// predicted on.
func (p *Predictor) MaxPoints() int {
	return p.maxPoints
}

// Predict returns the predicted energy of each point of each event.
//
// Events with more than MaxPoints points fail with pointcloud.ErrTooManyPoints.
func (p *Predictor) Predict(events []pointcloud.Event) ([][]float32, error) {
	for _, e := range events {
		if len(e.Points) > p.maxPoints {
			return nil, errors.Wrapf(pointcloud.ErrTooManyPoints, "event %q has %d points, the model takes up to %d",
				e.ID, len(e.Points), p.maxPoints)
		}
	}
	predictions := make([][]float32, 0, len(events))
	for start := 0; start < len(events); start += p.batchSize {
		batch := events[start:min(start+p.batchSize, len(events))]
		batchPredictions, err := p.predictBatch(batch)
		if err != nil {
			return nil, errors.WithMessagef(err, "predicting events %d to %d", start, start+len(batch)-1)
		}
		predictions = append(predictions, batchPredictions...)
	}
	return predictions, nil
}

func (p *Predictor) predictBatch(events []pointcloud.Event) ([][]float32, error) {
	features, _, err := pointcloud.ToTensors(withLabels(events), p.maxPoints)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	var output *tensors.Tensor
	var execErr error
	err = exceptions.TryCatch[error](func() { output, execErr = p.exec.Exec1(features) })
	if err == nil {
		err = execErr
	}
	if err != nil {
		return nil, err
	}
	flat := tensors.CopyFlatData[float32](output)
	predictions := make([][]float32, len(events))
	for ii, e := range events {
		offset := ii * p.maxPoints
		predictions[ii] = flat[offset : offset+len(e.Points)]
	}
	return predictions, nil
}

// withLabels returns the events, with placeholder labels for those that have none: labels are not used
// for predictions.
func withLabels(events []pointcloud.Event) []pointcloud.Event {
	result := events
	var cloned bool
	for ii, e := range events {
		if e.Labels != nil {
			continue
		}
		if !cloned {
			result, cloned = slices.Clone(events), true
		}
		labels := make([]float32, len(e.Points))
		for pointIdx, point := range e.Points {
			if point.IsMasked() {
				labels[pointIdx] = pointcloud.LabelSentinel
			}
		}
		result[ii].Labels = labels
	}
	return result
}
