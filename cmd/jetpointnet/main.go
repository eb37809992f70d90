// Copyright 2026 The jetpointnet Authors. SPDX-License-Identifier: Apache-2.0

// jetpointnet trains and runs a PointNet model that segments the energy deposited in calorimeter cells
// among the particles of a jet.
//
// It can be run in 4 modes:
//
//   - train: trains a model (on synthetic events if no data is given) and saves its checkpoints.
//   - synth: generates synthetic events and saves them to an NPZ or CSV file.
//   - predict: predicts the per-point energies of the events in -input and saves them to the -output NPZ file.
//   - eval: like predict, but compares the predictions with the labels and prints a report.
//
// The configuration is read from a YAML file (-config or $JETPOINTNET_CONFIG) and JETPOINTNET_* environment
// variables. Any hyperparameter can also be set with -set, e.g.: -set="batch_size=16;pointnet_size_factor=2".
package main

import (
	stdcontext "context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
	"github.com/jetpointnet/jetpointnet/internal/config"
	"github.com/jetpointnet/jetpointnet/internal/telemetry"
	"github.com/jetpointnet/jetpointnet/pkg/dataset"
	"github.com/jetpointnet/jetpointnet/pkg/evaluate"
	"github.com/jetpointnet/jetpointnet/pkg/inference"
	"github.com/jetpointnet/jetpointnet/pkg/pointcloud"
	"github.com/jetpointnet/jetpointnet/pkg/trainer"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

const (
	ModeTrain   = "train"
	ModeSynth   = "synth"
	ModePredict = "predict"
	ModeEval    = "eval"
)

var (
	flagConfig     = flag.String("config", "", "YAML configuration file. If empty, $JETPOINTNET_CONFIG is used, if set.")
	flagMode       = flag.String("mode", ModeTrain, "One of \"train\", \"synth\", \"predict\" or \"eval\".")
	flagData       = flag.String("data", "", "Training events (.npz or .csv). Overrides the configuration.")
	flagCheckpoint = flag.String("checkpoint", "", "Checkpoint directory. Overrides the configured checkpoint_dir/run_name.")
	flagInput      = flag.String("input", "", "Events to predict or evaluate (.npz or .csv).")
	flagOutput     = flag.String("output", "", "Output file: generated events for synth, predictions (.npz) for predict and eval.")
	flagPlot       = flag.String("plot", "", "If set, eval saves a plot of the true vs predicted energies to this file (.png, .svg, .pdf).")
	flagNumEvents  = flag.Int("num_events", 0, "Number of events generated by synth. If 0, the configured synthetic_events is used.")
	flagRows       = flag.Int("rows", 10, "Number of per-event rows printed by eval.")
	flagVerbosity  = flag.Int("verbosity", -2, "Level of verbosity. If < -1, the configured value is used.")
)

func main() {
	ctx := trainer.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()

	cfg, err := config.Load(*flagConfig)
	if err != nil {
		klog.Fatalf("Failed to load configuration: %+v", err)
	}
	if *flagData != "" {
		cfg.DataPath = *flagData
	}
	if *flagVerbosity > -2 {
		cfg.Verbosity = *flagVerbosity
	}
	paramsSet := cfg.ApplyToContext(ctx)
	paramsSet = append(paramsSet, must.M1(commandline.ParseContextSettings(ctx, *settings))...)
	klog.V(1).Infof("Configuration: %s", cfg)

	switch *flagMode {
	case ModeTrain:
		err = runTrain(ctx, cfg, paramsSet)
	case ModeSynth:
		err = runSynth(cfg)
	case ModePredict, ModeEval:
		err = runPredict(cfg, *flagMode == ModeEval)
	default:
		err = errors.Errorf("unknown -mode=%q, valid values are %q, %q, %q and %q",
			*flagMode, ModeTrain, ModeSynth, ModePredict, ModeEval)
	}
	if err != nil {
		klog.Fatalf("Failed with error: %+v", err)
	}
}

func checkpointPath(cfg *config.Config) string {
	if *flagCheckpoint != "" {
		return *flagCheckpoint
	}
	return cfg.CheckpointPath()
}

func runTrain(ctx *context.Context, cfg *config.Config, paramsSet []string) error {
	trainCfg := cfg.TrainerConfig()
	trainCfg.CheckpointPath = checkpointPath(cfg)
	trainCfg.ParamsSet = paramsSet
	if cfg.MetricsAddr != "" {
		trainCfg.Telemetry = telemetry.NewManager(
			telemetry.WithBatchSize(cfg.BatchSize),
			telemetry.WithConstLabels(map[string]string{"run": cfg.RunName}))
		serveCtx, stop := signal.NotifyContext(stdcontext.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		go func() {
			if err := trainCfg.Telemetry.Serve(serveCtx, cfg.MetricsAddr); err != nil {
				klog.Errorf("Metrics server stopped: %+v", err)
			}
		}()
	}
	return trainer.TrainModel(ctx, trainCfg)
}

func runSynth(cfg *config.Config) error {
	if *flagOutput == "" {
		return errors.New("synth requires -output")
	}
	numEvents := *flagNumEvents
	if numEvents <= 0 {
		numEvents = cfg.SyntheticEvents
	}
	gen := dataset.NewGenerator(cfg.Seed)
	events := gen.Events("synth", numEvents)
	if cfg.Verbosity >= 1 {
		fmt.Println(dataset.Describe(events))
	}
	if strings.ToLower(filepath.Ext(*flagOutput)) == ".csv" {
		f, err := os.Create(*flagOutput)
		if err != nil {
			return errors.Wrapf(err, "creating %q", *flagOutput)
		}
		if err = dataset.WriteCSV(f, events); err != nil {
			_ = f.Close()
			return err
		}
		return errors.Wrapf(f.Close(), "closing %q", *flagOutput)
	}
	maxPoints := cfg.MaxPoints
	if maxPoints <= 0 {
		maxPoints = gen.Config.MaxEventPoints()
	}
	return dataset.SaveNPZ(*flagOutput, events, maxPoints)
}

func runPredict(cfg *config.Config, compare bool) error {
	input := *flagInput
	if input == "" {
		input = cfg.DataPath
	}
	if input == "" {
		return errors.New("predict and eval require -input (or a configured data path)")
	}
	dir := checkpointPath(cfg)
	if dir == "" {
		return errors.New("predict and eval require -checkpoint (or a configured checkpoint_dir)")
	}
	predictor, err := inference.New(backends.MustNew(), dir)
	if err != nil {
		return err
	}
	predictor = predictor.WithBatchSize(cfg.EvalBatchSize)
	events, err := trainer.LoadEvents(input, cfg.FeaturesKey, cfg.LabelsKey, predictor.MaxPoints())
	if err != nil {
		return err
	}
	predictions, err := predictor.Predict(events)
	if err != nil {
		return err
	}
	if *flagOutput != "" {
		if err = dataset.SavePredictionsNPZ(*flagOutput, events, predictions, predictor.MaxPoints()); err != nil {
			return err
		}
		klog.Infof("Saved predictions of %d events to %q", len(events), *flagOutput)
	}
	if !compare {
		return nil
	}
	return report(events, predictions)
}

func report(events []pointcloud.Event, predictions [][]float32) error {
	result, err := evaluate.Compare(events, predictions)
	if err != nil {
		return err
	}
	fmt.Println(result.Table())
	if *flagRows > 0 {
		fmt.Println(result.EventsTable(*flagRows))
	}
	if *flagPlot != "" {
		if err = evaluate.PlotTruthVsPrediction(events, predictions, *flagPlot); err != nil {
			return err
		}
		fmt.Printf("Plot saved to %q\n", *flagPlot)
	}
	return nil
}
