// Copyright 2026 The jetpointnet Authors. SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"io"
	"math"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/jetpointnet/jetpointnet/pkg/masked"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	. "github.com/smartystreets/goconvey/convey"
)

func TestManager(t *testing.T) {
	Convey("Given a telemetry manager with a custom registry", t, func() {
		registry := prometheus.NewRegistry()
		m := NewManager(
			WithRegistry(registry),
			WithNamespace("test"),
			WithBatchSize(32),
			WithConstLabels(map[string]string{"run": "unit"}),
			WithHistogramBuckets([]float64{0.1, 1}),
		)
		So(m.Registry(), ShouldEqual, registry)

		Convey("When recording steps", func() {
			m.RecordStep(10, 50*time.Millisecond)
			m.RecordStep(11, 0)

			Convey("Then the counters and the global step are updated", func() {
				So(testutil.ToFloat64(m.steps), ShouldEqual, 2)
				So(testutil.ToFloat64(m.examples), ShouldEqual, 64)
				So(testutil.ToFloat64(m.globalStep), ShouldEqual, 11)
				So(testutil.CollectAndCount(m.stepDuration), ShouldEqual, 1)
			})
		})

		Convey("When observing the training metrics", func() {
			trainMetrics := []metrics.Interface{
				metrics.NewMeanMetric("Batch Loss", "loss", metrics.LossMetricType, nil, nil),
				metrics.NewMeanMetric("Moving Loss", "~loss", metrics.LossMetricType, nil, nil),
				masked.NewMeanEnergyRatio("Energy Ratio", "ratio"),
			}
			m.ObserveTrainMetrics(trainMetrics, []*tensors.Tensor{
				tensors.FromValue(float32(0.25)),
				tensors.FromValue(float32(7)),
				tensors.FromValue(float32(98.5)),
			})

			Convey("Then the first metric of each type is exported", func() {
				So(testutil.ToFloat64(m.loss), ShouldEqual, 0.25)
				So(testutil.ToFloat64(m.energyRatio), ShouldEqual, 98.5)
			})

			Convey("And non-finite values are ignored", func() {
				m.ObserveTrainMetrics(trainMetrics, []*tensors.Tensor{
					tensors.FromValue(float32(math.NaN())),
					tensors.FromValue(float32(3)),
				})
				So(testutil.ToFloat64(m.loss), ShouldEqual, 3)
				So(testutil.ToFloat64(m.energyRatio), ShouldEqual, 98.5)
			})
		})

		Convey("When scraping the handler", func() {
			m.SetEvalMetric("validation", "energy_ratio", 101)
			m.RecordStep(1, time.Second)
			recorder := httptest.NewRecorder()
			m.Handler().ServeHTTP(recorder, httptest.NewRequest("GET", "/metrics", nil))
			body, err := io.ReadAll(recorder.Body)

			Convey("Then it exposes the metrics of the registry", func() {
				So(err, ShouldBeNil)
				So(recorder.Code, ShouldEqual, 200)
				So(string(body), ShouldContainSubstring, `test_train_steps_total{run="unit"} 1`)
				So(string(body), ShouldContainSubstring, `test_eval_metric{dataset="validation",metric="energy_ratio",run="unit"} 101`)
				So(string(body), ShouldNotContainSubstring, "go_goroutines")
			})
		})
	})
}

func TestServe(t *testing.T) {
	Convey("Given a manager serving metrics", t, func() {
		m := NewManager()
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- m.Serve(ctx, "127.0.0.1:0") }()

		Convey("When the context is cancelled, Serve returns without error", func() {
			cancel()
			select {
			case err := <-done:
				So(err, ShouldBeNil)
			case <-time.After(10 * time.Second):
				So("Serve did not return", ShouldBeEmpty)
			}
		})
	})
}
