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

package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runplane/runplane/internal/store"
	"github.com/runplane/runplane/internal/store/storetest"
)

func TestMemoryStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		s, err := New(t.TempDir())
		require.NoError(t, err)
		return s
	})
}

func TestMemoryStoreArtifactFilesystem(t *testing.T) {
	root := t.TempDir()
	s, err := New(root)
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	artifact := &store.Artifact{
		ID:        "art-1",
		RunID:     "run-1",
		StepID:    "step-1",
		Name:      "report.json",
		MIME:      "application/json",
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.AddArtifact(ctx, artifact, []byte(`{"ok":true}`)))

	assert.Equal(t, "filesystem", artifact.Driver)
	assert.Equal(t, store.ArtifactPath("run-1", "step-1", "report.json"), artifact.Path)

	data, err := s.ReadArtifact(ctx, "art-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(data))
}
