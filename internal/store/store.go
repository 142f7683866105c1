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

// Package store persists session state, learned thresholds and the
// append-only checkpoint log. Two engines satisfy the contract: a
// file-per-session tree with atomic renames, and an embedded bolt
// database. The orchestrator is the only writer.
package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a session has no persisted blob. A
// quarantined (corrupt) blob also reads as not found so the session is
// reinitialized with defaults.
var ErrNotFound = errors.New("store: not found")

// CheckpointRecord is one entry of a session's append-only checkpoint log.
type CheckpointRecord struct {
	SessionID   string    `json:"sessionId"`
	Kind        string    `json:"kind"` // "checkpoint" or "emergency"
	CreatedAt   time.Time `json:"createdAt"`
	Tokens      int64     `json:"tokens"`
	Utilization float64   `json:"utilization"`
}

// Store is the minimal persistence contract the pipeline depends on.
// Writes must be crash-safe: a partial write never yields a blob that
// fails to parse on restart.
type Store interface {
	// PutSession atomically writes or replaces the session blob.
	PutSession(sessionID string, blob []byte) error
	// GetSession returns the blob or ErrNotFound.
	GetSession(sessionID string) ([]byte, error)
	// AppendCheckpoint appends to the session's checkpoint log.
	AppendCheckpoint(sessionID string, rec CheckpointRecord) error
	// ListCheckpoints returns the log in append order, for inspection.
	ListCheckpoints(sessionID string) ([]CheckpointRecord, error)
	// PutThresholds atomically writes the session's learned thresholds.
	PutThresholds(sessionID string, blob []byte) error
	// GetThresholds returns the thresholds blob or ErrNotFound.
	GetThresholds(sessionID string) ([]byte, error)
	// Close flushes and releases the engine. The store is closed last
	// during shutdown.
	Close() error
}
