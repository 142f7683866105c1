// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gotest.tools/v3/assert"
)

// Both engines must satisfy the same contract.
func engines(t *testing.T) map[string]Store {
	t.Helper()
	fs, err := NewFileStore(t.TempDir(), nil)
	assert.NilError(t, err)
	bs, err := NewBoltStore(t.TempDir())
	assert.NilError(t, err)
	t.Cleanup(func() {
		fs.Close()
		bs.Close()
	})
	return map[string]Store{"file": fs, "bolt": bs}
}

func TestPutGetSession(t *testing.T) {
	for name, s := range engines(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.GetSession("s-1")
			assert.ErrorIs(t, err, ErrNotFound)

			assert.NilError(t, s.PutSession("s-1", []byte(`{"tokens":10}`)))
			blob, err := s.GetSession("s-1")
			assert.NilError(t, err)
			assert.Equal(t, string(blob), `{"tokens":10}`)

			// Replace.
			assert.NilError(t, s.PutSession("s-1", []byte(`{"tokens":20}`)))
			blob, err = s.GetSession("s-1")
			assert.NilError(t, err)
			assert.Equal(t, string(blob), `{"tokens":20}`)
		})
	}
}

func TestThresholdsRoundTrip(t *testing.T) {
	for name, s := range engines(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.GetThresholds("s-1")
			assert.ErrorIs(t, err, ErrNotFound)
			assert.NilError(t, s.PutThresholds("s-1", []byte(`{"checkpointThreshold":0.7}`)))
			blob, err := s.GetThresholds("s-1")
			assert.NilError(t, err)
			assert.Assert(t, strings.Contains(string(blob), "0.7"))
		})
	}
}

func TestCheckpointLogAppendOrder(t *testing.T) {
	for name, s := range engines(t) {
		t.Run(name, func(t *testing.T) {
			base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
			for i := 0; i < 3; i++ {
				rec := CheckpointRecord{
					SessionID:   "s-1",
					Kind:        "checkpoint",
					CreatedAt:   base.Add(time.Duration(i) * time.Minute),
					Tokens:      int64(1000 * (i + 1)),
					Utilization: float64(i) * 0.1,
				}
				assert.NilError(t, s.AppendCheckpoint("s-1", rec))
			}
			recs, err := s.ListCheckpoints("s-1")
			assert.NilError(t, err)
			assert.Equal(t, len(recs), 3)
			assert.Equal(t, recs[0].Tokens, int64(1000))
			assert.Equal(t, recs[2].Tokens, int64(3000))

			// Unknown session has an empty log.
			recs, err = s.ListCheckpoints("other")
			assert.NilError(t, err)
			assert.Equal(t, len(recs), 0)
		})
	}
}

func TestFileStoreQuarantinesCorruptBlob(t *testing.T) {
	root := t.TempDir()
	fs, err := NewFileStore(root, nil)
	assert.NilError(t, err)

	assert.NilError(t, fs.PutSession("s-1", []byte(`{"ok":true}`)))

	// Corrupt the blob on disk, as a torn write would.
	path := filepath.Join(root, "sessions", "s-1", "session.json")
	assert.NilError(t, os.WriteFile(path, []byte(`{"ok":tr`), 0644))

	_, err = fs.GetSession("s-1")
	assert.ErrorIs(t, err, ErrNotFound)

	// The corrupt file was renamed aside, not deleted.
	entries, err := os.ReadDir(filepath.Dir(path))
	assert.NilError(t, err)
	var quarantined bool
	for _, e := range entries {
		if strings.Contains(e.Name(), ".corrupt.") {
			quarantined = true
		}
	}
	assert.Assert(t, quarantined)
}

func TestFileStoreTolersTornCheckpointLine(t *testing.T) {
	root := t.TempDir()
	fs, err := NewFileStore(root, nil)
	assert.NilError(t, err)

	assert.NilError(t, fs.AppendCheckpoint("s-1", CheckpointRecord{SessionID: "s-1", Kind: "checkpoint", Tokens: 42}))

	// Simulate a crash mid-append.
	path := filepath.Join(root, "sessions", "s-1", "checkpoints.log")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	assert.NilError(t, err)
	_, err = f.WriteString(`{"sessionId":"s-1","kind":"check`)
	assert.NilError(t, err)
	assert.NilError(t, f.Close())

	recs, err := fs.ListCheckpoints("s-1")
	assert.NilError(t, err)
	assert.Equal(t, len(recs), 1)
	assert.Equal(t, recs[0].Tokens, int64(42))
}

func TestFileStoreEscapesAwkwardIDs(t *testing.T) {
	fs, err := NewFileStore(t.TempDir(), nil)
	assert.NilError(t, err)

	id := "../weird id/with:stuff"
	assert.NilError(t, fs.PutSession(id, []byte(`{}`)))
	blob, err := fs.GetSession(id)
	assert.NilError(t, err)
	assert.Equal(t, string(blob), `{}`)
}
