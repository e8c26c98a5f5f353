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

package queue

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Compile-time interface assertion.
var _ Queue = (*MemoryQueue)(nil)

// MemoryQueue is the single-process driver. Delivery is cooperative: a
// dispatcher goroutine per topic hands ready jobs to registered handlers,
// delays run on local timers, and dead letters accumulate in process memory.
type MemoryQueue struct {
	cfg Config

	mu     sync.Mutex
	topics map[string]*memTopic
	dlq    map[string][]*Job
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type memTopic struct {
	pending  []*Job
	delayed  map[string]*Job
	handlers []Handler
	next     int
	signal   chan struct{}
	running  bool
}

// NewMemoryQueue creates the in-memory driver.
func NewMemoryQueue(cfg Config) *MemoryQueue {
	ctx, cancel := context.WithCancel(context.Background())
	return &MemoryQueue{
		cfg:    cfg.withDefaults(),
		topics: make(map[string]*memTopic),
		dlq:    make(map[string][]*Job),
		ctx:    ctx,
		cancel: cancel,
	}
}

func isDLQTopic(topic string) bool {
	return topic == TopicStepDLQ || strings.HasSuffix(topic, ".dlq")
}

func sourceTopic(dlqTopic string) string {
	if dlqTopic == TopicStepDLQ {
		return TopicStepReady
	}
	return strings.TrimSuffix(dlqTopic, ".dlq")
}

func (q *MemoryQueue) topic(name string) *memTopic {
	t, ok := q.topics[name]
	if !ok {
		t = &memTopic{
			delayed: make(map[string]*Job),
			signal:  make(chan struct{}, 1),
		}
		q.topics[name] = t
	}
	return t
}

// Enqueue adds a job to the topic for delivery after at least opts.Delay.
func (q *MemoryQueue) Enqueue(ctx context.Context, topic string, payload []byte, opts EnqueueOptions) error {
	attempt := opts.Attempt
	if attempt <= 0 {
		attempt = 1
	}
	job := &Job{
		ID:         uuid.NewString(),
		Topic:      topic,
		Payload:    payload,
		Attempt:    attempt,
		EnqueuedAt: time.Now(),
	}
	return q.enqueueJob(job, opts.Delay)
}

func (q *MemoryQueue) enqueueJob(job *Job, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}

	if isDLQTopic(job.Topic) {
		q.dlq[job.Topic] = append(q.dlq[job.Topic], job)
		return nil
	}

	t := q.topic(job.Topic)
	if delay <= 0 {
		t.pending = append(t.pending, job)
		notify(t.signal)
		return nil
	}

	t.delayed[job.ID] = job
	time.AfterFunc(delay, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		if q.closed {
			return
		}
		if _, ok := t.delayed[job.ID]; !ok {
			return
		}
		delete(t.delayed, job.ID)
		t.pending = append(t.pending, job)
		notify(t.signal)
	})
	return nil
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Subscribe registers a consumer and starts the topic dispatcher on first
// registration.
func (q *MemoryQueue) Subscribe(topic string, handler Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}

	t := q.topic(topic)
	t.handlers = append(t.handlers, handler)
	if !t.running {
		t.running = true
		q.wg.Add(1)
		go q.dispatch(topic, t)
	}
	notify(t.signal)
	return nil
}

// dispatch delivers ready jobs to handlers, one goroutine per delivery so a
// slow handler never stalls the topic.
func (q *MemoryQueue) dispatch(topic string, t *memTopic) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		var job *Job
		var handler Handler
		if len(t.pending) > 0 && len(t.handlers) > 0 {
			job = t.pending[0]
			t.pending = t.pending[1:]
			handler = t.handlers[t.next%len(t.handlers)]
			t.next++
		}
		q.mu.Unlock()

		if job == nil {
			select {
			case <-q.ctx.Done():
				return
			case <-t.signal:
			}
			continue
		}

		q.wg.Add(1)
		go func(job *Job, handler Handler) {
			defer q.wg.Done()
			q.deliver(job, handler)
		}(job, handler)
	}
}

func (q *MemoryQueue) deliver(job *Job, handler Handler) {
	err := handler(q.ctx, job)
	if err == nil {
		return
	}

	job.Attempt++
	job.LastError = err.Error()
	job.AttemptErrors = append(job.AttemptErrors, err.Error())

	if job.Attempt > q.cfg.MaxAttempts {
		q.deadLetter(job)
		return
	}
	// Delay grows with each redelivery, capped.
	delay := q.cfg.nackDelay(job.Attempt - 1)
	if err := q.enqueueJob(job, delay); err != nil {
		return
	}
}

func (q *MemoryQueue) deadLetter(job *Job) {
	dlqTopic := DLQTopic(job.Topic)
	q.mu.Lock()
	if !q.closed {
		q.dlq[dlqTopic] = append(q.dlq[dlqTopic], job)
	}
	q.mu.Unlock()

	if q.cfg.OnDeadLetter != nil {
		q.cfg.OnDeadLetter(q.ctx, job)
	}
}

// HasSubscribers reports whether any consumer is registered for the topic.
func (q *MemoryQueue) HasSubscribers(topic string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.topics[topic]
	return ok && len(t.handlers) > 0
}

// OldestAge returns the age of the oldest pending or delayed job on the
// topic.
func (q *MemoryQueue) OldestAge(topic string) (time.Duration, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.topics[topic]
	if !ok {
		return 0, false
	}

	var oldest time.Time
	for _, job := range t.pending {
		if oldest.IsZero() || job.EnqueuedAt.Before(oldest) {
			oldest = job.EnqueuedAt
		}
	}
	for _, job := range t.delayed {
		if oldest.IsZero() || job.EnqueuedAt.Before(oldest) {
			oldest = job.EnqueuedAt
		}
	}
	if oldest.IsZero() {
		return 0, false
	}
	return time.Since(oldest), true
}

// ListDLQ returns the jobs parked on a dead-letter topic.
func (q *MemoryQueue) ListDLQ(topic string) ([]*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	jobs := q.dlq[topic]
	out := make([]*Job, len(jobs))
	copy(out, jobs)
	return out, nil
}

// RehydrateDLQ moves up to n jobs back to the source topic with a fresh
// attempt counter.
func (q *MemoryQueue) RehydrateDLQ(topic string, n int) (int, error) {
	q.mu.Lock()
	jobs := q.dlq[topic]
	if n > len(jobs) {
		n = len(jobs)
	}
	moved := jobs[:n]
	q.dlq[topic] = jobs[n:]
	q.mu.Unlock()

	for _, job := range moved {
		job.Topic = sourceTopic(topic)
		job.Attempt = 1
		job.LastError = ""
		job.AttemptErrors = nil
		job.EnqueuedAt = time.Now()
		if err := q.enqueueJob(job, 0); err != nil {
			return 0, err
		}
	}
	return len(moved), nil
}

// Close stops dispatchers and cancels in-flight deliveries.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()
	return nil
}
