// Copyright 2026 The jetpointnet Authors. SPDX-License-Identifier: Apache-2.0

// Package telemetry exports training progress as Prometheus metrics.
//
// A Manager owns its own registry, so several managers (e.g. in tests) don't collide, and the default Go
// runtime metrics are not exported unless registered explicitly.
package telemetry

import (
	"context"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/jetpointnet/jetpointnet/pkg/masked"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/klog/v2"
)

// shutdownTimeout bounds the graceful shutdown of the metrics server.
const shutdownTimeout = 5 * time.Second

// Manager of the training metrics.
type Manager struct {
	namespace        string
	subsystem        string
	histogramBuckets []float64
	constLabels      map[string]string
	batchSize        int
	registry         *prometheus.Registry

	steps        prometheus.Counter
	examples     prometheus.Counter
	loss         prometheus.Gauge
	energyRatio  prometheus.Gauge
	globalStep   prometheus.Gauge
	stepDuration prometheus.Histogram
	evalMetrics  *prometheus.GaugeVec

	mu       sync.Mutex
	lastStep time.Time
}

// NewManager creates a Manager with the given options. By default, it uses a new registry.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:        "jetpointnet",
		subsystem:        "train",
		histogramBuckets: prometheus.ExponentialBuckets(0.001, 2, 16),
		constLabels:      make(map[string]string),
		batchSize:        1,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.registry == nil {
		m.registry = prometheus.NewRegistry()
	}
	m.initializeMetrics()
	return m
}

func (m *Manager) initializeMetrics() {
	auto := promauto.With(m.registry)
	m.steps = auto.NewCounter(prometheus.CounterOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        "steps_total",
		Help:        "Number of training steps run by this process.",
		ConstLabels: m.constLabels,
	})
	m.examples = auto.NewCounter(prometheus.CounterOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        "examples_total",
		Help:        "Number of events used for training by this process.",
		ConstLabels: m.constLabels,
	})
	m.loss = auto.NewGauge(prometheus.GaugeOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        "loss",
		Help:        "Loss of the last training batch.",
		ConstLabels: m.constLabels,
	})
	m.energyRatio = auto.NewGauge(prometheus.GaugeOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        "energy_ratio_percent",
		Help:        "Predicted over labeled energy (%) of the training metric.",
		ConstLabels: m.constLabels,
	})
	m.globalStep = auto.NewGauge(prometheus.GaugeOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        "global_step",
		Help:        "Global step of the model being trained, including previous runs restored from checkpoints.",
		ConstLabels: m.constLabels,
	})
	m.stepDuration = auto.NewHistogram(prometheus.HistogramOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        "step_duration_seconds",
		Help:        "Wall time between training steps.",
		Buckets:     m.histogramBuckets,
		ConstLabels: m.constLabels,
	})
	m.evalMetrics = auto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   m.namespace,
		Subsystem:   "eval",
		Name:        "metric",
		Help:        "Evaluation metrics per dataset.",
		ConstLabels: m.constLabels,
	}, []string{"dataset", "metric"})
}

// Registry where the metrics are registered.
func (m *Manager) Registry() *prometheus.Registry {
	return m.registry
}

// RecordStep records one training step at the given global step, taking duration.
func (m *Manager) RecordStep(globalStep int, duration time.Duration) {
	m.steps.Inc()
	m.examples.Add(float64(m.batchSize))
	m.globalStep.Set(float64(globalStep))
	if duration > 0 {
		m.stepDuration.Observe(duration.Seconds())
	}
}

// ObserveTrainMetrics sets the loss and energy ratio gauges from the values of the training metrics:
// the first metric of each type is used, non-finite values are ignored.
func (m *Manager) ObserveTrainMetrics(trainMetrics []metrics.Interface, values []*tensors.Tensor) {
	var lossSet, ratioSet bool
	for ii, metric := range trainMetrics {
		if ii >= len(values) || values[ii] == nil {
			break
		}
		switch {
		case !lossSet && metric.MetricType() == metrics.LossMetricType:
			lossSet = setGauge(m.loss, values[ii])
		case !ratioSet && metric.MetricType() == masked.EnergyRatioMetricType:
			ratioSet = setGauge(m.energyRatio, values[ii])
		}
	}
}

// SetEvalMetric sets the value of an evaluation metric for the given dataset.
func (m *Manager) SetEvalMetric(dataset, metric string, value float64) {
	m.evalMetrics.WithLabelValues(dataset, metric).Set(value)
}

func setGauge(gauge prometheus.Gauge, value *tensors.Tensor) bool {
	v := shapes.ConvertTo[float64](value.Value())
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return false
	}
	gauge.Set(v)
	return true
}

// AttachToLoop registers hooks in the training loop that update the metrics at every step.
func (m *Manager) AttachToLoop(loop *train.Loop) {
	loop.OnStart("telemetry", 0, func(_ *train.Loop, _ train.Dataset) error {
		m.mu.Lock()
		m.lastStep = time.Now()
		m.mu.Unlock()
		return nil
	})
	loop.OnStep("telemetry", 0, func(loop *train.Loop, values []*tensors.Tensor) error {
		m.mu.Lock()
		now := time.Now()
		duration := now.Sub(m.lastStep)
		m.lastStep = now
		m.mu.Unlock()
		m.RecordStep(int(loop.Trainer.GlobalStep()), duration)
		m.ObserveTrainMetrics(loop.Trainer.TrainMetrics(), values)
		return nil
	})
}

// Handler serves the metrics of the registry in the Prometheus exposition format.
func (m *Manager) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes Handler on "/metrics" at addr until ctx is done.
func (m *Manager) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		klog.V(1).Infof("serving metrics on http://%s/metrics", addr)
		errCh <- server.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrapf(err, "serving metrics on %q", addr)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return errors.Wrap(err, "shutting down metrics server")
		}
		return nil
	}
}
