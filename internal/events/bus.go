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

// Package events provides an in-process broadcast bus for run timeline
// events. The persisted timeline in the store is authoritative; the bus
// only feeds live subscribers such as SSE streams.
package events

import (
	"sync"

	"github.com/runplane/runplane/internal/store"
)

// Bus fans out run events to per-run subscribers. Slow subscribers drop
// events rather than block publishers; readers recover missed events from
// the persisted timeline.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]map[chan *store.Event]struct{}
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string]map[chan *store.Event]struct{})}
}

// Subscribe registers a listener for one run's events. The returned cancel
// function must be called when the listener is done.
func (b *Bus) Subscribe(runID string, buffer int) (<-chan *store.Event, func()) {
	ch := make(chan *store.Event, buffer)

	b.mu.Lock()
	if b.subs[runID] == nil {
		b.subs[runID] = make(map[chan *store.Event]struct{})
	}
	b.subs[runID][ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if set, ok := b.subs[runID]; ok {
			if _, ok := set[ch]; ok {
				delete(set, ch)
				close(ch)
			}
			if len(set) == 0 {
				delete(b.subs, runID)
			}
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers the event to the run's subscribers without blocking.
func (b *Bus) Publish(ev *store.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs[ev.RunID] {
		select {
		case ch <- ev:
		default:
		}
	}
}

// SubscriberCount reports the number of live subscribers for a run.
func (b *Bus) SubscriberCount(runID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[runID])
}
