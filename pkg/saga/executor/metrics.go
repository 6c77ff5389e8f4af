// Copyright © 2025 jackelyj <dreamerlyj@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.
//

package executor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/civicledger/sagaflow/pkg/saga"
)

// MetricsCollector records executor activity. Implementations must not
// block; collection is purely observational.
type MetricsCollector interface {
	SagaStarted(sagaName string)
	SagaFinished(sagaName string, status saga.Status, duration time.Duration)
	StepAttempted(sagaName, stepName string, category saga.StepCategory, outcome saga.StepOutcomeKind, duration time.Duration)
	CompensationAttempted(sagaName, stepName string, succeeded bool)
	FollowUpQueued(sagaName, stepName string)
	LockWait(sagaName string, duration time.Duration)
}

// NoopMetricsCollector discards all metrics.
type NoopMetricsCollector struct{}

// SagaStarted implements MetricsCollector.
func (NoopMetricsCollector) SagaStarted(string) {}

// SagaFinished implements MetricsCollector.
func (NoopMetricsCollector) SagaFinished(string, saga.Status, time.Duration) {}

// StepAttempted implements MetricsCollector.
func (NoopMetricsCollector) StepAttempted(string, string, saga.StepCategory, saga.StepOutcomeKind, time.Duration) {
}

// CompensationAttempted implements MetricsCollector.
func (NoopMetricsCollector) CompensationAttempted(string, string, bool) {}

// FollowUpQueued implements MetricsCollector.
func (NoopMetricsCollector) FollowUpQueued(string, string) {}

// LockWait implements MetricsCollector.
func (NoopMetricsCollector) LockWait(string, time.Duration) {}

// PrometheusCollector exports executor metrics through Prometheus.
type PrometheusCollector struct {
	sagasStarted  *prometheus.CounterVec
	sagasFinished *prometheus.CounterVec
	sagaDuration  *prometheus.HistogramVec
	stepAttempts  *prometheus.CounterVec
	stepDuration  *prometheus.HistogramVec
	compensations *prometheus.CounterVec
	followUps     *prometheus.CounterVec
	lockWait      *prometheus.HistogramVec
}

// NewPrometheusCollector creates a collector and registers its metrics
// with reg. A nil reg uses the default registerer.
func NewPrometheusCollector(reg prometheus.Registerer) (*PrometheusCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &PrometheusCollector{
		sagasStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_runs_started_total",
			Help: "Number of saga runs started.",
		}, []string{"saga"}),
		sagasFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_runs_finished_total",
			Help: "Number of saga runs finished, by terminal status.",
		}, []string{"saga", "status"}),
		sagaDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "saga_run_duration_seconds",
			Help:    "Wall-clock duration of saga runs.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"saga", "status"}),
		stepAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_step_attempts_total",
			Help: "Number of step attempts, by category and outcome.",
		}, []string{"saga", "step", "category", "outcome"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "saga_step_duration_seconds",
			Help:    "Duration of step execute calls.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
		}, []string{"saga", "step"}),
		compensations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_compensation_attempts_total",
			Help: "Number of compensate calls, by result.",
		}, []string{"saga", "step", "result"}),
		followUps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_followups_queued_total",
			Help: "Number of derived follow-up tasks queued for external repair.",
		}, []string{"saga", "step"}),
		lockWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "saga_lock_wait_seconds",
			Help:    "Time spent waiting for the resource lock.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"saga"}),
	}
	for _, col := range []prometheus.Collector{
		c.sagasStarted, c.sagasFinished, c.sagaDuration,
		c.stepAttempts, c.stepDuration, c.compensations, c.followUps, c.lockWait,
	} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// SagaStarted implements MetricsCollector.
func (c *PrometheusCollector) SagaStarted(sagaName string) {
	c.sagasStarted.WithLabelValues(sagaName).Inc()
}

// SagaFinished implements MetricsCollector.
func (c *PrometheusCollector) SagaFinished(sagaName string, status saga.Status, duration time.Duration) {
	c.sagasFinished.WithLabelValues(sagaName, status.String()).Inc()
	c.sagaDuration.WithLabelValues(sagaName, status.String()).Observe(duration.Seconds())
}

// StepAttempted implements MetricsCollector.
func (c *PrometheusCollector) StepAttempted(sagaName, stepName string, category saga.StepCategory, outcome saga.StepOutcomeKind, duration time.Duration) {
	c.stepAttempts.WithLabelValues(sagaName, stepName, category.String(), string(outcome)).Inc()
	c.stepDuration.WithLabelValues(sagaName, stepName).Observe(duration.Seconds())
}

// CompensationAttempted implements MetricsCollector.
func (c *PrometheusCollector) CompensationAttempted(sagaName, stepName string, succeeded bool) {
	result := "failure"
	if succeeded {
		result = "success"
	}
	c.compensations.WithLabelValues(sagaName, stepName, result).Inc()
}

// FollowUpQueued implements MetricsCollector.
func (c *PrometheusCollector) FollowUpQueued(sagaName, stepName string) {
	c.followUps.WithLabelValues(sagaName, stepName).Inc()
}

// LockWait implements MetricsCollector.
func (c *PrometheusCollector) LockWait(sagaName string, duration time.Duration) {
	c.lockWait.WithLabelValues(sagaName).Observe(duration.Seconds())
}
