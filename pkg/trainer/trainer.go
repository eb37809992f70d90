// Copyright 2026 The jetpointnet Authors. SPDX-License-Identifier: Apache-2.0

// Package trainer trains the PointNet energy segmentation model, with hyperparameters given in a gomlx context.
package trainer

import (
	"fmt"
	"math/rand/v2"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers/cosineschedule"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/jetpointnet/jetpointnet/internal/telemetry"
	"github.com/jetpointnet/jetpointnet/pkg/dataset"
	"github.com/jetpointnet/jetpointnet/pkg/masked"
	"github.com/jetpointnet/jetpointnet/pkg/pointcloud"
	"github.com/jetpointnet/jetpointnet/pkg/pointnet"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Hyperparameters of the training, set in the context. See CreateDefaultContext.
const (
	ParamTrainSteps         = "train_steps"
	ParamNumCheckpoints     = "num_checkpoints"
	ParamBatchSize          = "batch_size"
	ParamEvalBatchSize      = "eval_batch_size"
	ParamSyntheticEvents    = "synthetic_events"
	ParamValidationFraction = "validation_fraction"

	// ParamMaxPoints is the number of points every event is padded to. If 0, it is taken from the training
	// data, and it's saved along the checkpoint, so inference pads events the same way.
	ParamMaxPoints = "max_points"
)

var (
	// DType used in the model.
	DType = dtypes.Float32

	// ParamsExcludedFromSaving is the list of parameters (see CreateDefaultContext) that shouldn't be saved
	// along on the models checkpoints, and may be overwritten in further training sessions.
	ParamsExcludedFromSaving = []string{
		ParamTrainSteps, ParamNumCheckpoints, ParamSyntheticEvents, ParamValidationFraction, ParamEvalBatchSize,
	}
)

// Backend is created once and reused if TrainModel is called multiple times.
var Backend backends.Backend

// CreateDefaultContext sets the context with default hyperparameters to use with TrainModel.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.RngStateReset()
	ctx.SetParams(map[string]any{
		ParamTrainSteps:     5000,
		ParamNumCheckpoints: 3,

		// batch_size for training.
		ParamBatchSize: 32,

		// eval_batch_size can be larger than training, it's more efficient.
		ParamEvalBatchSize: 128,

		ParamMaxPoints: 0,

		// Number of synthetic events generated if no data is given, and the fraction of them used for validation.
		ParamSyntheticEvents:    2000,
		ParamValidationFraction: 0.1,

		optimizers.ParamOptimizer:       "adam",
		optimizers.ParamLearningRate:    1e-3,
		optimizers.ParamAdamEpsilon:     1e-7,
		cosineschedule.ParamPeriodSteps: 0,

		// PointNet model.
		pointnet.ParamSizeFactor:       5,
		pointnet.ParamHeadDropout:      0.3,
		pointnet.ParamOutputActivation: pointnet.ActivationSigmoid,
		pointnet.ParamTNetL2:           0.001,
		pointnet.ParamNumClasses:       1,
		pointnet.ParamMaskInputs:       true,

		// Masked losses.
		masked.ParamLoss:       masked.LossMSE,
		masked.ParamHuberDelta: masked.DefaultOptions().HuberDelta,
		masked.ParamBCEWeight:  masked.DefaultOptions().BCEWeight,
	})
	return ctx
}

// Config of a training run: where the data comes from and goes to. The hyperparameters are in the context.
type Config struct {
	// DataPath with the training events, a ".npz" or ".csv" file. If empty, synthetic events are generated.
	DataPath string

	// ValidationPath with the validation events. If empty, a fraction of the training events is used.
	ValidationPath string

	// FeaturesKey and LabelsKey are the names of the arrays in NPZ files.
	FeaturesKey, LabelsKey string

	// CheckpointPath where to save (and restore from) the model. If empty, no checkpoints are saved.
	CheckpointPath string

	// Seed for the synthetic events and the train/validation split.
	Seed uint64

	// Verbosity level: < 0 disables the progress bar.
	Verbosity int

	// EvaluateOnEnd reports the evaluation metrics on the datasets at the end of the training.
	EvaluateOnEnd bool

	// ParamsSet are the hyperparameters set by the user, that are not overwritten when loading a checkpoint.
	ParamsSet []string

	// Telemetry, if not nil, is updated at every training step and with the final evaluation.
	Telemetry *telemetry.Manager
}

// SelectLossFn returns the masked loss selected by the hyperparameters in the context.
func SelectLossFn(ctx *context.Context) (losses.LossFn, error) {
	return masked.FromContext(ctx)
}

// LoadEvents reads the events from an NPZ or a CSV file, based on the file extension.
//
// Events with more than maxPoints (if > 0) fail with pointcloud.ErrTooManyPoints.
func LoadEvents(path, featuresKey, labelsKey string, maxPoints int) ([]pointcloud.Event, error) {
	var events []pointcloud.Event
	var err error
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".npz":
		events, err = dataset.LoadNPZEvents(path, featuresKey, labelsKey)
	case ".csv":
		events, err = dataset.LoadCSV(path, maxPoints)
	default:
		return nil, errors.Errorf("unknown data format %q for %q, expected \".npz\" or \".csv\"", ext, path)
	}
	if err != nil {
		return nil, err
	}
	if maxPoints > 0 {
		for _, e := range events {
			if len(e.Points) > maxPoints {
				return nil, errors.Wrapf(pointcloud.ErrTooManyPoints, "event %q in %q has %d points, max is %d",
					e.ID, path, len(e.Points), maxPoints)
			}
		}
	}
	return events, nil
}

// LoadTrainAndValidation returns the training and validation events of cfg, generating synthetic ones if
// cfg.DataPath is empty.
func LoadTrainAndValidation(ctx *context.Context, cfg Config) (trainEvents, validationEvents []pointcloud.Event, err error) {
	maxPoints := context.GetParamOr(ctx, ParamMaxPoints, 0)
	validationFraction := context.GetParamOr(ctx, ParamValidationFraction, 0.1)
	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed+1))
	if cfg.DataPath == "" {
		numEvents := context.GetParamOr(ctx, ParamSyntheticEvents, 2000)
		gen := dataset.NewGenerator(cfg.Seed)
		if maxPoints > 0 && maxPoints < gen.Config.MaxEventPoints() {
			return nil, nil, errors.Errorf("%s=%d is smaller than the largest synthetic event (%d points)",
				ParamMaxPoints, maxPoints, gen.Config.MaxEventPoints())
		}
		klog.V(1).Infof("generating %d synthetic events", numEvents)
		events := gen.Events("synthetic_", numEvents)
		if cfg.ValidationPath == "" {
			return dataset.Split(events, validationFraction, rng)
		}
		trainEvents = events
	} else {
		trainEvents, err = LoadEvents(cfg.DataPath, cfg.FeaturesKey, cfg.LabelsKey, maxPoints)
		if err != nil {
			return nil, nil, err
		}
		if cfg.ValidationPath == "" {
			return dataset.Split(trainEvents, validationFraction, rng)
		}
	}
	validationEvents, err = LoadEvents(cfg.ValidationPath, cfg.FeaturesKey, cfg.LabelsKey, maxPoints)
	if err != nil {
		return nil, nil, err
	}
	return trainEvents, validationEvents, nil
}

// CreateDatasets returns the training dataset (shuffled, infinite) and the evaluation datasets for the
// training and validation events, all padded to maxPoints.
func CreateDatasets(backend backends.Backend, trainEvents, validationEvents []pointcloud.Event, maxPoints, batchSize, evalBatchSize int) (
	trainDS, trainEvalDS, validationEvalDS train.Dataset, err error) {
	baseTrain, err := dataset.NewInMemoryFromEvents(backend, "Training", trainEvents, maxPoints)
	if err != nil {
		return nil, nil, nil, err
	}
	trainDS = baseTrain.Copy().BatchSize(batchSize, true).Shuffle().Infinite(true)
	trainEvalDS = baseTrain.BatchSize(evalBatchSize, false)
	if len(validationEvents) > 0 {
		baseValidation, err := dataset.NewInMemoryFromEvents(backend, "Validation", validationEvents, maxPoints)
		if err != nil {
			return nil, nil, nil, err
		}
		validationEvalDS = baseValidation.BatchSize(evalBatchSize, false)
	}
	return trainDS, trainEvalDS, validationEvalDS, nil
}

// TrainModel with hyperparameters given in ctx, and data and checkpoint locations given by cfg.
func TrainModel(ctx *context.Context, cfg Config) error {
	return exceptions.TryCatch[error](func() { trainModel(ctx, cfg) })
}

func trainModel(ctx *context.Context, cfg Config) {
	// Backend handles creation of ML computation graphs, accelerator resources, etc.
	if Backend == nil {
		Backend = backends.MustNew()
	}
	if cfg.Verbosity >= 1 {
		fmt.Printf("Backend %q:\t%s\n", Backend.Name(), Backend.Description())
	}

	// Checkpoints saving: loading an existing checkpoint also restores its hyperparameters (max_points included).
	var checkpoint *checkpoints.Handler
	if cfg.CheckpointPath != "" {
		numCheckpointsToKeep := context.GetParamOr(ctx, ParamNumCheckpoints, 3)
		checkpoint = must.M1(checkpoints.Build(ctx).
			Dir(cfg.CheckpointPath).
			Keep(numCheckpointsToKeep).
			ExcludeParams(append(cfg.ParamsSet, ParamsExcludedFromSaving...)...).
			Done())
		fmt.Printf("Checkpointing model to %q\n", checkpoint.Dir())
	}

	// Datasets.
	batchSize := context.GetParamOr(ctx, ParamBatchSize, 0)
	if batchSize <= 0 {
		exceptions.Panicf("%s must be > 0 (maybe it was not set?): %d", ParamBatchSize, batchSize)
	}
	evalBatchSize := context.GetParamOr(ctx, ParamEvalBatchSize, 0)
	if evalBatchSize <= 0 {
		evalBatchSize = batchSize
	}
	trainEvents, validationEvents := must.M2(LoadTrainAndValidation(ctx, cfg))
	if len(trainEvents) < batchSize {
		exceptions.Panicf("only %d training events, fewer than %s=%d", len(trainEvents), ParamBatchSize, batchSize)
	}
	maxPoints := context.GetParamOr(ctx, ParamMaxPoints, 0)
	if maxPoints <= 0 {
		maxPoints = max(pointcloud.MaxPoints(trainEvents), pointcloud.MaxPoints(validationEvents))
		ctx.SetParam(ParamMaxPoints, maxPoints)
	}
	if cfg.Verbosity >= 1 {
		fmt.Printf("Training data: %s\n", dataset.Describe(trainEvents))
		fmt.Printf("Validation data: %s\n", dataset.Describe(validationEvents))
	}
	trainDS, trainEvalDS, validationEvalDS := must.M3(
		CreateDatasets(Backend, trainEvents, validationEvents, maxPoints, batchSize, evalBatchSize))
	evalDatasets := []train.Dataset{trainEvalDS}
	if validationEvalDS != nil {
		evalDatasets = []train.Dataset{validationEvalDS, trainEvalDS}
	}
	if cfg.Verbosity >= 2 {
		fmt.Println(commandline.SprintContextSettings(ctx))
	}

	lossFn := must.M1(SelectLossFn(ctx))

	// Metrics we are interested.
	movingRatioMetric := masked.NewMovingAverageEnergyRatio("Moving Average Energy Ratio", "~ratio", 0.01)
	meanRatioMetric := masked.NewMeanEnergyRatio("Mean Energy Ratio", "#ratio")
	meanMAEMetric := masked.NewMeanLoss("Mean Absolute Error", "#mae", masked.MeanAbsoluteError)

	// Create a train.Trainer: this object will orchestrate running the model, feeding
	// results to the optimizer, evaluating the metrics, etc. (all happens in trainer.TrainStep)
	ctx = ctx.In("model") // Convention scope used for model creation.
	trainer := train.NewTrainer(Backend, ctx, pointnet.ModelGraph, lossFn,
		optimizers.FromContext(ctx),
		[]metrics.Interface{movingRatioMetric},              // trainMetrics
		[]metrics.Interface{meanRatioMetric, meanMAEMetric}) // evalMetrics

	// Use standard training loop.
	loop := train.NewLoop(trainer)
	if cfg.Verbosity >= 0 {
		commandline.AttachProgressBar(loop) // Attaches a progress bar to the loop.
	}
	if cfg.Telemetry != nil {
		cfg.Telemetry.AttachToLoop(loop)
	}

	// Checkpoint saving: every 3 minutes of training.
	if checkpoint != nil {
		period := time.Minute * 3
		train.PeriodicCallback(loop, period, true, "saving checkpoint", 100,
			func(loop *train.Loop, metrics []*tensors.Tensor) error {
				return checkpoint.Save()
			})
	}

	// Loop for given number of steps.
	numTrainSteps := context.GetParamOr(ctx, ParamTrainSteps, 0)
	globalStep := int(optimizers.GetGlobalStep(ctx))
	if globalStep > 0 {
		trainer.SetContext(ctx.Reuse())
	}
	if globalStep < numTrainSteps {
		_ = must.M1(loop.RunSteps(trainDS, numTrainSteps-globalStep))
		if cfg.Verbosity >= 1 {
			fmt.Printf("\t[Step %d] median train step: %d microseconds\n",
				loop.LoopStep, loop.MedianTrainStepDuration().Microseconds())
		}

		// Update batch normalization averages, if they are used.
		if batchnorm.UpdateAverages(trainer, trainEvalDS) {
			if cfg.Verbosity >= 1 {
				fmt.Println("\tUpdated batch normalization mean/variances averages.")
			}
			if checkpoint != nil {
				must.M(checkpoint.Save())
			}
		}
	} else {
		fmt.Printf("\t - target %s=%d already reached. To train further, set a number additional "+
			"to current global step.\n", ParamTrainSteps, numTrainSteps)
	}
	klog.V(1).Infof("model has %s parameters (%s)",
		humanize.Comma(int64(ctx.NumParameters())), humanize.Bytes(uint64(ctx.Memory())))

	// Finally, print an evaluation on the datasets.
	if cfg.EvaluateOnEnd {
		if cfg.Verbosity >= 1 {
			fmt.Println()
		}
		must.M(ReportEval(trainer, cfg.Telemetry, evalDatasets...))
	}
}

// ReportEval prints the evaluation metrics of the trainer on each dataset and, if tel is not nil, exports
// them as telemetry.
func ReportEval(trainer *train.Trainer, tel *telemetry.Manager, datasets ...train.Dataset) error {
	if tel == nil {
		return commandline.ReportEval(trainer, datasets...)
	}
	for _, ds := range datasets {
		fmt.Printf("Results on %s:\n", ds.Name())
		var metricsValues []*tensors.Tensor
		err := exceptions.TryCatch[error](func() { metricsValues = trainer.Eval(ds) })
		if err != nil {
			return errors.WithMessagef(err, "evaluating on %q", ds.Name())
		}
		for metricIdx, metric := range trainer.EvalMetrics() {
			value := metricsValues[metricIdx]
			fmt.Printf("\t%s (%s): %s\n", metric.Name(), metric.ShortName(), metric.PrettyPrint(value))
			tel.SetEvalMetric(ds.Name(), metric.ShortName(), tensorToFloat64(value))
		}
		ds.Reset()
	}
	return nil
}

func tensorToFloat64(t *tensors.Tensor) float64 {
	return shapes.ConvertTo[float64](t.Value())
}
