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

package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runplane/runplane/internal/store"
	"github.com/runplane/runplane/internal/store/storetest"
)

func TestSQLiteStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		s, err := New(Config{Path: ":memory:"})
		require.NoError(t, err)
		return s
	})
}

func TestSQLiteStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runplane.db")
	ctx := context.Background()

	s, err := New(Config{Path: path, WAL: true})
	require.NoError(t, err)
	run := &store.Run{
		ID:        "run-1",
		ProjectID: "proj",
		Status:    store.RunQueued,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.CreateRun(ctx, run))
	_, err = s.RecordEvent(ctx, "run-1", "run.created", "", nil)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = New(Config{Path: path, WAL: true})
	require.NoError(t, err)
	defer s.Close()

	got, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, store.RunQueued, got.Status)

	// Sequence allocation resumes after the last persisted event.
	seq, err := s.RecordEvent(ctx, "run-1", "run.started", "", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), seq)
}
