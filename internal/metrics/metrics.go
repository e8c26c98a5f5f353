// Copyright 2025 The Runplane Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics registers the control plane's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// runsTotal tracks run terminations by final status
	runsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runplane_runs_total",
			Help: "Total completed runs by final status",
		},
		[]string{"status"},
	)

	// stepsTotal tracks step terminations by final status
	stepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runplane_steps_total",
			Help: "Total completed steps by final status",
		},
		[]string{"status"},
	)

	// stepDuration tracks step execution latency by tool
	stepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "runplane_step_duration_seconds",
			Help:    "Step execution duration by tool name",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"tool"},
	)

	// queueEnqueued tracks jobs enqueued by topic
	queueEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runplane_queue_enqueued_total",
			Help: "Total jobs enqueued by topic",
		},
		[]string{"topic"},
	)

	// queueDeadLettered tracks jobs routed to the DLQ by topic
	queueDeadLettered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runplane_queue_dead_lettered_total",
			Help: "Total jobs dead-lettered by source topic",
		},
		[]string{"topic"},
	)

	// backpressureDelays tracks backpressure-delayed enqueues
	backpressureDelays = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "runplane_queue_backpressure_total",
			Help: "Total enqueues delayed by backpressure",
		},
	)

	// gatesTotal tracks gate resolutions by outcome
	gatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runplane_gates_total",
			Help: "Total gate resolutions by outcome",
		},
		[]string{"outcome"},
	)

	// breakerTransitions tracks circuit breaker state changes by name
	breakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runplane_breaker_transitions_total",
			Help: "Total circuit breaker state transitions by breaker name and new state",
		},
		[]string{"breaker", "state"},
	)

	// llmRetries tracks LLM call retries by provider
	llmRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retries_total",
			Help: "Total LLM call retries by provider",
		},
		[]string{"provider"},
	)

	// activeWorkers tracks in-flight step executions
	activeWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "runplane_active_step_executions",
			Help: "Number of step executions currently in flight",
		},
	)
)

// RecordRun increments the run-completion counter.
func RecordRun(status string) {
	runsTotal.WithLabelValues(status).Inc()
}

// RecordStep increments the step-completion counter.
func RecordStep(status string) {
	stepsTotal.WithLabelValues(status).Inc()
}

// ObserveStepDuration records a step's execution latency.
func ObserveStepDuration(tool string, seconds float64) {
	stepDuration.WithLabelValues(tool).Observe(seconds)
}

// RecordEnqueue increments the enqueue counter.
func RecordEnqueue(topic string) {
	queueEnqueued.WithLabelValues(topic).Inc()
}

// RecordDeadLetter increments the dead-letter counter.
func RecordDeadLetter(topic string) {
	queueDeadLettered.WithLabelValues(topic).Inc()
}

// RecordBackpressure increments the backpressure counter.
func RecordBackpressure() {
	backpressureDelays.Inc()
}

// RecordGate increments the gate-resolution counter.
func RecordGate(outcome string) {
	gatesTotal.WithLabelValues(outcome).Inc()
}

// RecordBreakerTransition increments the breaker transition counter.
func RecordBreakerTransition(breaker, state string) {
	breakerTransitions.WithLabelValues(breaker, state).Inc()
}

// RecordLLMRetry increments the per-provider retry counter.
func RecordLLMRetry(provider string) {
	llmRetries.WithLabelValues(provider).Inc()
}

// WorkerStarted increments the in-flight execution gauge.
func WorkerStarted() {
	activeWorkers.Inc()
}

// WorkerFinished decrements the in-flight execution gauge.
func WorkerFinished() {
	activeWorkers.Dec()
}
