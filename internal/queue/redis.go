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
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Compile-time interface assertion.
var _ Queue = (*RedisQueue)(nil)

const (
	readyKeyPrefix = "runplane:q:"
	delayKeyPrefix = "runplane:delay:"
	dlqKeyPrefix   = "runplane:dlq:"

	delayPollInterval = 250 * time.Millisecond
	popTimeout        = 1 * time.Second
)

// RedisQueue is the external-broker driver. Ready jobs live in lists,
// delayed jobs in a sorted set scored by ready time, dead letters in
// per-topic lists. Jobs survive process restarts.
type RedisQueue struct {
	cfg    Config
	client *redis.Client

	mu       sync.Mutex
	handlers map[string][]Handler
	movers   map[string]bool
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRedisQueue creates the Redis driver on an existing client.
func NewRedisQueue(client *redis.Client, cfg Config) *RedisQueue {
	ctx, cancel := context.WithCancel(context.Background())
	return &RedisQueue{
		cfg:      cfg.withDefaults(),
		client:   client,
		handlers: make(map[string][]Handler),
		movers:   make(map[string]bool),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func readyKey(topic string) string { return readyKeyPrefix + topic }
func delayKey(topic string) string { return delayKeyPrefix + topic }
func dlqKey(topic string) string   { return dlqKeyPrefix + topic }

// Enqueue adds a job for delivery after at least opts.Delay.
func (q *RedisQueue) Enqueue(ctx context.Context, topic string, payload []byte, opts EnqueueOptions) error {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return ErrQueueClosed
	}

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
	return q.push(ctx, job, opts.Delay)
}

func (q *RedisQueue) push(ctx context.Context, job *Job, delay time.Duration) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encoding job: %w", err)
	}

	if isDLQTopic(job.Topic) {
		return q.client.LPush(ctx, dlqKey(job.Topic), data).Err()
	}
	if delay <= 0 {
		return q.client.LPush(ctx, readyKey(job.Topic), data).Err()
	}
	readyAt := float64(time.Now().Add(delay).UnixMilli())
	return q.client.ZAdd(ctx, delayKey(job.Topic), redis.Z{Score: readyAt, Member: string(data)}).Err()
}

// Subscribe registers a consumer. Each handler gets its own pop loop; the
// first subscription on a topic also starts the delay mover.
func (q *RedisQueue) Subscribe(topic string, handler Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}

	q.handlers[topic] = append(q.handlers[topic], handler)
	q.wg.Add(1)
	go q.consume(topic, handler)

	if !q.movers[topic] {
		q.movers[topic] = true
		q.wg.Add(1)
		go q.moveDelayed(topic)
	}
	return nil
}

func (q *RedisQueue) consume(topic string, handler Handler) {
	defer q.wg.Done()
	for {
		res, err := q.client.BRPop(q.ctx, popTimeout, readyKey(topic)).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			select {
			case <-q.ctx.Done():
				return
			case <-time.After(popTimeout):
				continue
			}
		}
		// BRPOP returns [key, value].
		if len(res) != 2 {
			continue
		}
		var job Job
		if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
			continue
		}
		q.deliver(&job, handler)
	}
}

func (q *RedisQueue) deliver(job *Job, handler Handler) {
	err := handler(q.ctx, job)
	if err == nil {
		return
	}

	job.Attempt++
	job.LastError = err.Error()
	job.AttemptErrors = append(job.AttemptErrors, err.Error())

	if job.Attempt > q.cfg.MaxAttempts {
		data, merr := json.Marshal(job)
		if merr == nil {
			q.client.LPush(q.ctx, dlqKey(DLQTopic(job.Topic)), data)
		}
		if q.cfg.OnDeadLetter != nil {
			q.cfg.OnDeadLetter(q.ctx, job)
		}
		return
	}
	q.push(q.ctx, job, q.cfg.nackDelay(job.Attempt-1))
}

// moveDelayed promotes due jobs from the delay set to the ready list.
func (q *RedisQueue) moveDelayed(topic string) {
	defer q.wg.Done()
	ticker := time.NewTicker(delayPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.ctx.Done():
			return
		case <-ticker.C:
		}

		now := strconv.FormatInt(time.Now().UnixMilli(), 10)
		due, err := q.client.ZRangeByScore(q.ctx, delayKey(topic), &redis.ZRangeBy{
			Min: "-inf",
			Max: now,
		}).Result()
		if err != nil || len(due) == 0 {
			continue
		}
		pipe := q.client.TxPipeline()
		for _, member := range due {
			pipe.ZRem(q.ctx, delayKey(topic), member)
			pipe.LPush(q.ctx, readyKey(topic), member)
		}
		pipe.Exec(q.ctx)
	}
}

// HasSubscribers reports whether any consumer is registered in this
// process. Subscribers in other processes are not visible, which is fine:
// inline fallback only applies to the memory driver.
func (q *RedisQueue) HasSubscribers(topic string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.handlers[topic]) > 0
}

// OldestAge returns the age of the oldest pending job on the topic.
func (q *RedisQueue) OldestAge(topic string) (time.Duration, bool) {
	ctx, cancel := context.WithTimeout(q.ctx, popTimeout)
	defer cancel()

	// LPUSH head + BRPOP tail means index -1 is the oldest ready job.
	raw, err := q.client.LIndex(ctx, readyKey(topic), -1).Result()
	if err == nil {
		var job Job
		if json.Unmarshal([]byte(raw), &job) == nil {
			return time.Since(job.EnqueuedAt), true
		}
	}

	delayed, derr := q.client.ZRange(ctx, delayKey(topic), 0, 0).Result()
	if derr == nil && len(delayed) > 0 {
		var job Job
		if json.Unmarshal([]byte(delayed[0]), &job) == nil {
			return time.Since(job.EnqueuedAt), true
		}
	}
	return 0, false
}

// ListDLQ returns the jobs parked on a dead-letter topic, oldest first.
func (q *RedisQueue) ListDLQ(topic string) ([]*Job, error) {
	raws, err := q.client.LRange(q.ctx, dlqKey(topic), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	jobs := make([]*Job, 0, len(raws))
	// LPUSH order is newest first; reverse to oldest first.
	for i := len(raws) - 1; i >= 0; i-- {
		var job Job
		if err := json.Unmarshal([]byte(raws[i]), &job); err != nil {
			continue
		}
		jobs = append(jobs, &job)
	}
	return jobs, nil
}

// RehydrateDLQ moves up to n jobs back to the source topic with a fresh
// attempt counter.
func (q *RedisQueue) RehydrateDLQ(topic string, n int) (int, error) {
	moved := 0
	for moved < n {
		raw, err := q.client.RPop(q.ctx, dlqKey(topic)).Result()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return moved, err
		}
		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			continue
		}
		job.Topic = sourceTopic(topic)
		job.Attempt = 1
		job.LastError = ""
		job.AttemptErrors = nil
		job.EnqueuedAt = time.Now()
		if err := q.push(q.ctx, &job, 0); err != nil {
			return moved, err
		}
		moved++
	}
	return moved, nil
}

// Close stops consumers and the delay movers. The Redis client is owned by
// the caller and stays open.
func (q *RedisQueue) Close() error {
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
