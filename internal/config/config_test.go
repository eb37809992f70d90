// Copyright 2026 The jetpointnet Authors. SPDX-License-Identifier: Apache-2.0

package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/jetpointnet/jetpointnet/internal/config"
	"github.com/jetpointnet/jetpointnet/pkg/masked"
	"github.com/jetpointnet/jetpointnet/pkg/pointnet"
	"github.com/jetpointnet/jetpointnet/pkg/trainer"
	"github.com/pkg/errors"
	. "github.com/smartystreets/goconvey/convey"
)

// clearConfigEnvVars unsets every JETPOINTNET_ variable for the duration of the test.
func clearConfigEnvVars(t *testing.T) {
	for _, kv := range os.Environ() {
		key, value, _ := strings.Cut(kv, "=")
		if !strings.HasPrefix(key, config.EnvPrefix) {
			continue
		}
		t.Setenv(key, value) // Restored at the end of the test.
		_ = os.Unsetenv(key)
	}
}

func writeYAML(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "jetpointnet.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing %q: %v", path, err)
	}
	return path
}

func TestLoad(t *testing.T) {
	Convey("Given a config loader", t, func() {
		clearConfigEnvVars(t)

		Convey("With no file and no environment, defaults are used", func() {
			cfg, err := config.Load("")
			So(err, ShouldBeNil)
			defaults := config.New()
			So(cfg.BatchSize, ShouldEqual, defaults.BatchSize)
			So(cfg.Optimizer, ShouldEqual, "adam")
			So(cfg.Loss, ShouldEqual, masked.LossMSE)
			So(cfg.FeaturesKey, ShouldEqual, "feats")
			So(cfg.Seed, ShouldEqual, uint64(42))
			So(cfg.RunName, ShouldStartWith, "run-")
		})

		Convey("Generated run names differ", func() {
			So(config.NewRunName(), ShouldNotEqual, config.NewRunName())
		})

		Convey("Environment variables override defaults", func() {
			t.Setenv("JETPOINTNET_BATCH_SIZE", "8")
			t.Setenv("JETPOINTNET_LEARNING_RATE", "0.01")
			t.Setenv("JETPOINTNET_LOSS", masked.LossHuber)
			t.Setenv("JETPOINTNET_RUN_NAME", "from-env")
			t.Setenv("JETPOINTNET_SEED", "7")
			cfg, err := config.Load("")
			So(err, ShouldBeNil)
			So(cfg.BatchSize, ShouldEqual, 8)
			So(cfg.LearningRate, ShouldAlmostEqual, 0.01)
			So(cfg.Loss, ShouldEqual, masked.LossHuber)
			So(cfg.RunName, ShouldEqual, "from-env")
			So(cfg.Seed, ShouldEqual, uint64(7))
			So(cfg.TrainSteps, ShouldEqual, config.New().TrainSteps)
		})

		Convey("A YAML file overrides defaults", func() {
			path := writeYAML(t, `
data: /data/train.npz
batch_size: 16
optimizer: adamw
output_activation: hard_sigmoid
run_name: yaml-run
`)
			cfg, err := config.Load(path)
			So(err, ShouldBeNil)
			So(cfg.DataPath, ShouldEqual, "/data/train.npz")
			So(cfg.BatchSize, ShouldEqual, 16)
			So(cfg.Optimizer, ShouldEqual, "adamw")
			So(cfg.OutputActivation, ShouldEqual, pointnet.ActivationHardSigmoid)
			So(cfg.RunName, ShouldEqual, "yaml-run")

			Convey("And the environment overrides the file", func() {
				t.Setenv("JETPOINTNET_BATCH_SIZE", "4")
				cfg, err := config.Load(path)
				So(err, ShouldBeNil)
				So(cfg.BatchSize, ShouldEqual, 4)
				So(cfg.Optimizer, ShouldEqual, "adamw")
			})

			Convey("And it can be given through JETPOINTNET_CONFIG", func() {
				t.Setenv(config.EnvConfigFile, path)
				cfg, err := config.Load("")
				So(err, ShouldBeNil)
				So(cfg.RunName, ShouldEqual, "yaml-run")
			})
		})

		Convey("A missing file fails to load", func() {
			_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
			So(err, ShouldNotBeNil)
			So(errors.Is(err, config.ErrLoadConfig), ShouldBeTrue)
		})

		Convey("Invalid values are rejected", func() {
			for _, kv := range [][2]string{
				{"JETPOINTNET_BATCH_SIZE", "0"},
				{"JETPOINTNET_LEARNING_RATE", "-1"},
				{"JETPOINTNET_OPTIMIZER", "newton"},
				{"JETPOINTNET_LOSS", "hinge"},
				{"JETPOINTNET_OUTPUT_ACTIVATION", "tanh"},
				{"JETPOINTNET_VALIDATION_FRACTION", "1"},
			} {
				t.Setenv(kv[0], kv[1])
				_, err := config.Load("")
				So(err, ShouldNotBeNil)
				So(errors.Is(err, config.ErrInvalidConfig), ShouldBeTrue)
				So(os.Unsetenv(kv[0]), ShouldBeNil)
			}
		})
	})
}

func TestConfigUsage(t *testing.T) {
	Convey("Given a valid config", t, func() {
		cfg := config.New()
		cfg.RunName = "test-run"
		cfg.CheckpointDir = "/tmp/checkpoints"
		cfg.DataPath = "train.csv"
		cfg.BatchSize = 8
		cfg.SizeFactor = 2
		cfg.Loss = masked.LossMAE
		So(cfg.Validate(), ShouldBeNil)

		Convey("The checkpoint path is under the checkpoint directory", func() {
			So(cfg.CheckpointPath(), ShouldEqual, filepath.Join("/tmp/checkpoints", "test-run"))
			cfg.CheckpointDir = ""
			So(cfg.CheckpointPath(), ShouldBeEmpty)
		})

		Convey("The trainer config carries the paths", func() {
			trainCfg := cfg.TrainerConfig()
			So(trainCfg.DataPath, ShouldEqual, "train.csv")
			So(trainCfg.CheckpointPath, ShouldEqual, cfg.CheckpointPath())
			So(trainCfg.Seed, ShouldEqual, cfg.Seed)
			So(trainCfg.EvaluateOnEnd, ShouldBeTrue)
		})

		Convey("The hyperparameters are set in the context", func() {
			ctx := context.New()
			paramsSet := cfg.ApplyToContext(ctx)
			So(paramsSet, ShouldContain, trainer.ParamBatchSize)
			So(paramsSet, ShouldNotContain, trainer.ParamMaxPoints)
			So(context.GetParamOr(ctx, trainer.ParamBatchSize, 0), ShouldEqual, 8)
			So(context.GetParamOr(ctx, pointnet.ParamSizeFactor, 0), ShouldEqual, 2)
			So(context.GetParamOr(ctx, masked.ParamLoss, ""), ShouldEqual, masked.LossMAE)
			So(context.GetParamOr(ctx, optimizers.ParamOptimizer, ""), ShouldEqual, "adam")
			So(context.GetParamOr(ctx, optimizers.ParamLearningRate, 0.0), ShouldAlmostEqual, 1e-3)

			cfg.MaxPoints = 50
			So(cfg.ApplyToContext(ctx), ShouldContain, trainer.ParamMaxPoints)
			So(context.GetParamOr(ctx, trainer.ParamMaxPoints, 0), ShouldEqual, 50)
		})

		Convey("String names the run", func() {
			So(cfg.String(), ShouldContainSubstring, "test-run")
		})
	})
}
