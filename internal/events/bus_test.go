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

package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runplane/runplane/internal/store"
)

func event(runID string, seq int64) *store.Event {
	return &store.Event{RunID: runID, Seq: seq, Type: "step.enqueued"}
}

func TestBusDeliversToRunSubscribers(t *testing.T) {
	b := NewBus()

	ch, cancel := b.Subscribe("run-1", 4)
	defer cancel()
	other, cancelOther := b.Subscribe("run-2", 4)
	defer cancelOther()

	b.Publish(event("run-1", 1))
	b.Publish(event("run-1", 2))

	require.Len(t, ch, 2)
	first := <-ch
	assert.Equal(t, int64(1), first.Seq)
	assert.Equal(t, "run-1", first.RunID)

	// Events never cross runs.
	assert.Len(t, other, 0)
}

func TestBusDropsWhenSubscriberIsFull(t *testing.T) {
	b := NewBus()

	ch, cancel := b.Subscribe("run-1", 1)
	defer cancel()

	b.Publish(event("run-1", 1))
	b.Publish(event("run-1", 2))

	require.Len(t, ch, 1)
	got := <-ch
	assert.Equal(t, int64(1), got.Seq)
}

func TestBusCancelClosesChannel(t *testing.T) {
	b := NewBus()

	ch, cancel := b.Subscribe("run-1", 1)
	assert.Equal(t, 1, b.SubscriberCount("run-1"))

	cancel()
	assert.Equal(t, 0, b.SubscriberCount("run-1"))
	_, open := <-ch
	assert.False(t, open)

	// Cancel is safe to call twice.
	cancel()

	// Publishing after the last cancel is a no-op.
	b.Publish(event("run-1", 3))
}

func TestBusSubscriberCountPerRun(t *testing.T) {
	b := NewBus()

	_, c1 := b.Subscribe("run-1", 1)
	_, c2 := b.Subscribe("run-1", 1)
	defer c1()
	defer c2()

	assert.Equal(t, 2, b.SubscriberCount("run-1"))
	assert.Equal(t, 0, b.SubscriberCount("run-2"))
}
