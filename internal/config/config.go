// Copyright 2026 The jetpointnet Authors. SPDX-License-Identifier: Apache-2.0

// Package config defines the process configuration of jetpointnet and how it's loaded.
//
// The configuration covers where data and checkpoints live and the most common hyperparameters. Any other
// hyperparameter can be set with the context settings flag of the command line.
package config

import (
	"fmt"
	"maps"
	"path/filepath"
	"slices"
	"strings"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/google/uuid"
	"github.com/jetpointnet/jetpointnet/pkg/masked"
	"github.com/jetpointnet/jetpointnet/pkg/pointnet"
	"github.com/jetpointnet/jetpointnet/pkg/trainer"
	"github.com/pkg/errors"
)

// Config contains the process configuration.
type Config struct {
	// DataPath of the training events (".npz" or ".csv"). If empty, synthetic events are used.
	DataPath string `koanf:"data"`

	// ValidationPath of the validation events. If empty, a fraction of the training events is used.
	ValidationPath string `koanf:"validation_data"`

	// FeaturesKey and LabelsKey are the names of the arrays in NPZ files.
	FeaturesKey string `koanf:"features_key"`
	LabelsKey   string `koanf:"labels_key"`

	// CheckpointDir is the base directory of the checkpoints: each run is saved in a subdirectory named after
	// RunName. If empty, no checkpoints are saved.
	CheckpointDir string `koanf:"checkpoint_dir"`

	// RunName identifies the training run. If empty, a random one is generated by Load.
	RunName string `koanf:"run_name"`

	// NumCheckpoints to keep.
	NumCheckpoints int `koanf:"num_checkpoints"`

	// MaxPoints events are padded to. If 0, it is taken from the training data.
	MaxPoints int `koanf:"max_points"`

	BatchSize     int     `koanf:"batch_size"`
	EvalBatchSize int     `koanf:"eval_batch_size"`
	TrainSteps    int     `koanf:"train_steps"`
	Optimizer     string  `koanf:"optimizer"`
	LearningRate  float64 `koanf:"learning_rate"`

	// Loss is the name of the masked loss, see masked.ValidLosses.
	Loss string `koanf:"loss"`

	// SizeFactor scales the width of the PointNet layers.
	SizeFactor int `koanf:"size_factor"`

	// OutputActivation is the name of the final activation, see pointnet.ValidOutputActivations.
	OutputActivation string `koanf:"output_activation"`

	// MetricsAddr where Prometheus metrics are served during training, e.g. ":9090". If empty, they are not served.
	MetricsAddr string `koanf:"metrics_addr"`

	// Verbosity of the command line output.
	Verbosity int `koanf:"verbosity"`

	// SyntheticEvents generated when no DataPath is given, and the fraction of them used for validation.
	SyntheticEvents    int     `koanf:"synthetic_events"`
	ValidationFraction float64 `koanf:"validation_fraction"`

	// Seed for the synthetic events and the train/validation split.
	Seed uint64 `koanf:"seed"`
}

// New creates a Config with the default values.
func New() *Config {
	return &Config{
		FeaturesKey:        "feats",
		LabelsKey:          "labels",
		CheckpointDir:      "~/work/jetpointnet",
		NumCheckpoints:     3,
		BatchSize:          32,
		EvalBatchSize:      128,
		TrainSteps:         5000,
		Optimizer:          "adam",
		LearningRate:       1e-3,
		Loss:               masked.LossMSE,
		SizeFactor:         5,
		OutputActivation:   pointnet.ActivationSigmoid,
		Verbosity:          1,
		SyntheticEvents:    2000,
		ValidationFraction: 0.1,
		Seed:               42,
	}
}

// NewRunName returns a new random run name.
func NewRunName() string {
	return "run-" + strings.SplitN(uuid.NewString(), "-", 2)[0]
}

// Validate the configuration, returning an error wrapping ErrInvalidConfig with the first problem found.
func (c *Config) Validate() error {
	switch {
	case c.BatchSize <= 0:
		return errors.Wrapf(ErrInvalidConfig, "batch_size must be > 0, got %d", c.BatchSize)
	case c.EvalBatchSize < 0:
		return errors.Wrapf(ErrInvalidConfig, "eval_batch_size must be >= 0, got %d", c.EvalBatchSize)
	case c.TrainSteps < 0:
		return errors.Wrapf(ErrInvalidConfig, "train_steps must be >= 0, got %d", c.TrainSteps)
	case c.MaxPoints < 0:
		return errors.Wrapf(ErrInvalidConfig, "max_points must be >= 0, got %d", c.MaxPoints)
	case c.NumCheckpoints <= 0:
		return errors.Wrapf(ErrInvalidConfig, "num_checkpoints must be > 0, got %d", c.NumCheckpoints)
	case c.LearningRate <= 0:
		return errors.Wrapf(ErrInvalidConfig, "learning_rate must be > 0, got %g", c.LearningRate)
	case c.SizeFactor <= 0:
		return errors.Wrapf(ErrInvalidConfig, "size_factor must be > 0, got %d", c.SizeFactor)
	case c.SyntheticEvents <= 0:
		return errors.Wrapf(ErrInvalidConfig, "synthetic_events must be > 0, got %d", c.SyntheticEvents)
	case c.ValidationFraction < 0 || c.ValidationFraction >= 1:
		return errors.Wrapf(ErrInvalidConfig, "validation_fraction must be in [0, 1), got %g", c.ValidationFraction)
	case c.FeaturesKey == "":
		return errors.Wrap(ErrInvalidConfig, "features_key must not be empty")
	}
	if _, found := optimizers.KnownOptimizers[c.Optimizer]; !found {
		known := slices.Sorted(maps.Keys(optimizers.KnownOptimizers))
		return errors.Wrapf(ErrInvalidConfig, "optimizer %q unknown, valid values are %v", c.Optimizer, known)
	}
	if !slices.Contains(masked.ValidLosses, c.Loss) {
		return errors.Wrapf(ErrInvalidConfig, "loss %q unknown, valid values are %v", c.Loss, masked.ValidLosses)
	}
	if !slices.Contains(pointnet.ValidOutputActivations, c.OutputActivation) {
		return errors.Wrapf(ErrInvalidConfig, "output_activation %q unknown, valid values are %v",
			c.OutputActivation, pointnet.ValidOutputActivations)
	}
	return nil
}

// ApplyToContext sets the hyperparameters of the configuration in the context, and returns the names of the
// parameters set, so they take precedence over the values saved in a checkpoint.
//
// MaxPoints is only set if > 0, otherwise it is taken from the checkpoint or from the training data.
func (c *Config) ApplyToContext(ctx *context.Context) []string {
	params := map[string]any{
		trainer.ParamNumCheckpoints:     c.NumCheckpoints,
		trainer.ParamBatchSize:          c.BatchSize,
		trainer.ParamEvalBatchSize:      c.EvalBatchSize,
		trainer.ParamTrainSteps:         c.TrainSteps,
		trainer.ParamSyntheticEvents:    c.SyntheticEvents,
		trainer.ParamValidationFraction: c.ValidationFraction,
		optimizers.ParamOptimizer:       c.Optimizer,
		optimizers.ParamLearningRate:    c.LearningRate,
		masked.ParamLoss:                c.Loss,
		pointnet.ParamSizeFactor:        c.SizeFactor,
		pointnet.ParamOutputActivation:  c.OutputActivation,
	}
	if c.MaxPoints > 0 {
		params[trainer.ParamMaxPoints] = c.MaxPoints
	}
	ctx.SetParams(params)
	return slices.Sorted(maps.Keys(params))
}

// CheckpointPath of the run, or "" if no checkpoints are saved.
func (c *Config) CheckpointPath() string {
	if c.CheckpointDir == "" {
		return ""
	}
	return filepath.Join(c.CheckpointDir, c.RunName)
}

// TrainerConfig returns the configuration of a training run.
func (c *Config) TrainerConfig() trainer.Config {
	return trainer.Config{
		DataPath:       c.DataPath,
		ValidationPath: c.ValidationPath,
		FeaturesKey:    c.FeaturesKey,
		LabelsKey:      c.LabelsKey,
		CheckpointPath: c.CheckpointPath(),
		Seed:           c.Seed,
		Verbosity:      c.Verbosity,
		EvaluateOnEnd:  true,
	}
}

// String implements fmt.Stringer.
func (c *Config) String() string {
	return fmt.Sprintf("run %q: data=%q, checkpoint=%q, loss=%s, optimizer=%s(lr=%g), batch=%d, steps=%d",
		c.RunName, c.DataPath, c.CheckpointPath(), c.Loss, c.Optimizer, c.LearningRate, c.BatchSize, c.TrainSteps)
}
