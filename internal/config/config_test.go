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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"gotest.tools/v3/assert"
)

func TestDefaults(t *testing.T) {
	c, err := Load("")
	assert.NilError(t, err)
	assert.Equal(t, c.IngestPort, 4318)
	assert.Equal(t, c.APIPort, 3030)
	assert.Equal(t, c.ContextWindowSize, int64(200000))
	assert.Equal(t, c.CheckpointThreshold, 0.75)
	assert.Equal(t, c.WarningThreshold, 0.85)
	assert.Equal(t, c.CompactionThreshold, 0.95)
	assert.Equal(t, c.RetentionAfterClose, 15*time.Minute)
	assert.Equal(t, c.StoreEngine, "file")
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "governor.yaml")
	body := `
ingest_port: 5318
checkpoint_threshold: 0.70
state_dir: ` + dir + `
store_engine: bolt
`
	assert.NilError(t, os.WriteFile(path, []byte(body), 0644))

	c, err := Load(path)
	assert.NilError(t, err)
	assert.Equal(t, c.IngestPort, 5318)
	assert.Equal(t, c.CheckpointThreshold, 0.70)
	assert.Equal(t, c.StateDir, dir)
	assert.Equal(t, c.StoreEngine, "bolt")
	// Untouched fields keep their defaults.
	assert.Equal(t, c.APIPort, 3030)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("INGEST_PORT", "6318")
	t.Setenv("CHECKPOINT_THRESHOLD", "0.65")
	t.Setenv("STRICT_SESSION_ID", "true")
	t.Setenv("RETENTION_AFTER_CLOSE", "5m")

	c, err := Load("")
	assert.NilError(t, err)
	assert.Equal(t, c.IngestPort, 6318)
	assert.Equal(t, c.CheckpointThreshold, 0.65)
	assert.Equal(t, c.StrictSessionID, true)
	assert.Equal(t, c.RetentionAfterClose, 5*time.Minute)
}

func TestEnvOverrideRejectsGarbage(t *testing.T) {
	t.Setenv("INGEST_PORT", "not-a-port")
	_, err := Load("")
	assert.ErrorContains(t, err, "INGEST_PORT")
}

func TestThresholdOrderingEnforced(t *testing.T) {
	c := NewDefault()
	c.WarningThreshold = 0.70 // below checkpoint threshold
	err := c.Validate()
	assert.ErrorContains(t, err, "ordered")
}

func TestBadStoreEngineRejected(t *testing.T) {
	c := NewDefault()
	c.StoreEngine = "etcd"
	err := c.Validate()
	assert.ErrorContains(t, err, "invalid configuration")
}
