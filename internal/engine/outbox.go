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

package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/runplane/runplane/internal/queue"
	"github.com/runplane/runplane/internal/store"
)

const (
	outboxPollInterval = 500 * time.Millisecond
	outboxBatchSize    = 64
)

// appendOutbox records the event for publication on the event.out topic.
// The write is best-effort: the persisted timeline is the source of truth
// and a missed outbox row only delays external consumers.
func (e *Engine) appendOutbox(ctx context.Context, ev *store.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		e.logger.Error("outbox: event marshal failed", "run_id", ev.RunID, "error", err)
		return
	}
	if _, err := e.store.AppendOutbox(ctx, queue.TopicEventOut, data); err != nil {
		e.logger.Error("outbox: append failed", "run_id", ev.RunID, "error", err)
	}
}

// StartOutboxRelay publishes pending outbox entries to the queue until the
// engine closes. Entries are marked published only after a successful
// enqueue, so consumers see at-least-once delivery.
func (e *Engine) StartOutboxRelay() {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(outboxPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-e.ctx.Done():
				return
			case <-ticker.C:
				e.relayOutbox(e.ctx)
			}
		}
	}()
}

func (e *Engine) relayOutbox(ctx context.Context) {
	entries, err := e.store.ListUnpublishedOutbox(ctx, outboxBatchSize)
	if err != nil {
		e.logger.Error("outbox: listing failed", "error", err)
		return
	}
	for _, entry := range entries {
		err := e.queue.Enqueue(ctx, entry.Topic, entry.Payload, queue.EnqueueOptions{})
		if err != nil {
			e.logger.Warn("outbox: publish failed, will retry", "outbox_id", entry.ID, "error", err)
			return
		}
		if err := e.store.MarkOutboxPublished(ctx, entry.ID); err != nil {
			e.logger.Error("outbox: mark published failed", "outbox_id", entry.ID, "error", err)
			return
		}
	}
}
