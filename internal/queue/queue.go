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

// Package queue provides topic-keyed job delivery with at-least-once
// semantics, delay scheduling, retry with capped exponential backoff, and a
// dead-letter queue. Two drivers exist: memory (single-process cooperative)
// and redis (durable, cross-process). The contract is identical.
package queue

import (
	"context"
	"encoding/json"
	"time"
)

// Fixed topics.
const (
	// TopicStepReady carries step execution jobs to workers.
	TopicStepReady = "step.ready"

	// TopicEventOut carries outbox publications.
	TopicEventOut = "event.out"

	// TopicStepDLQ holds step jobs that exhausted their attempt budget.
	TopicStepDLQ = "step.dlq"
)

// DLQTopic returns the dead-letter topic paired with a source topic.
func DLQTopic(topic string) string {
	if topic == TopicStepReady {
		return TopicStepDLQ
	}
	return topic + ".dlq"
}

// Job is one queued message. Attempt starts at 1 and increments on each
// redelivery.
type Job struct {
	ID         string    `json:"id"`
	Topic      string    `json:"topic"`
	Payload    []byte    `json:"payload"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`

	// LastError is the handler error from the most recent failed delivery.
	LastError string `json:"last_error,omitempty"`

	// AttemptErrors is the error history accumulated across deliveries,
	// carried into the DLQ for operational tooling.
	AttemptErrors []string `json:"attempt_errors,omitempty"`
}

// StepJob is the step-ready payload. Field names are stable wire contract;
// consumers ignore unknown fields.
type StepJob struct {
	RunID          string `json:"runId"`
	StepID         string `json:"stepId"`
	IdempotencyKey string `json:"idempotencyKey"`
	Attempt        int    `json:"attempt"`
}

// Encode renders the step job payload.
func (j StepJob) Encode() ([]byte, error) {
	return json.Marshal(j)
}

// DecodeStepJob parses a step-ready payload.
func DecodeStepJob(payload []byte) (StepJob, error) {
	var j StepJob
	err := json.Unmarshal(payload, &j)
	return j, err
}

// Handler consumes a delivered job. A nil return acks the job; an error
// nacks it, rescheduling with backoff or dead-lettering once the attempt
// cap is exceeded.
type Handler func(ctx context.Context, job *Job) error

// EnqueueOptions tune a single enqueue.
type EnqueueOptions struct {
	// Delay holds the job back before first delivery.
	Delay time.Duration

	// Attempt overrides the initial attempt counter. Zero means 1.
	Attempt int
}

// Queue is the job delivery contract. Implementations must be safe for
// concurrent use and deliver each job to at most one handler at a time.
type Queue interface {
	// Enqueue adds a job to the topic for delivery after at least
	// opts.Delay.
	Enqueue(ctx context.Context, topic string, payload []byte, opts EnqueueOptions) error

	// Subscribe registers a consumer for the topic. Jobs are dispatched to
	// subscribers as they become ready.
	Subscribe(topic string, handler Handler) error

	// HasSubscribers reports whether any consumer is registered for the
	// topic in this process.
	HasSubscribers(topic string) bool

	// OldestAge returns the age of the oldest pending job on the topic.
	// ok is false when the topic is empty.
	OldestAge(topic string) (age time.Duration, ok bool)

	// ListDLQ returns the jobs parked on a dead-letter topic.
	ListDLQ(topic string) ([]*Job, error)

	// RehydrateDLQ moves up to n jobs from the dead-letter topic back to
	// its source topic with a reset attempt counter. Returns the number
	// moved.
	RehydrateDLQ(topic string, n int) (int, error)

	// Close stops delivery and releases driver resources.
	Close() error
}

// Config tunes retry and dead-lettering, shared by both drivers.
type Config struct {
	// MaxAttempts is the per-job delivery cap before dead-lettering.
	MaxAttempts int

	// NackBaseDelay is the backoff base applied after the first nack.
	NackBaseDelay time.Duration

	// NackMaxDelay caps the exponential backoff between redeliveries.
	NackMaxDelay time.Duration

	// OnDeadLetter, if set, is invoked after a job is moved to its
	// dead-letter topic.
	OnDeadLetter func(ctx context.Context, job *Job)
}

// DefaultConfig returns the queue defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:   5,
		NackBaseDelay: 1 * time.Second,
		NackMaxDelay:  30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.NackBaseDelay <= 0 {
		c.NackBaseDelay = 1 * time.Second
	}
	if c.NackMaxDelay <= 0 {
		c.NackMaxDelay = 30 * time.Second
	}
	return c
}

// nackDelay returns min(NackMaxDelay, NackBaseDelay * 2^(attempt-1)).
func (c Config) nackDelay(attempt int) time.Duration {
	delay := c.NackBaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.NackMaxDelay {
			return c.NackMaxDelay
		}
	}
	if delay > c.NackMaxDelay {
		return c.NackMaxDelay
	}
	return delay
}

// ErrQueueClosed is returned when operations are performed on a closed
// queue.
var ErrQueueClosed = &QueueError{message: "queue is closed"}

// QueueError represents a queue-related error.
type QueueError struct {
	message string
}

func (e *QueueError) Error() string {
	return e.message
}
