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
	"bufio"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sessionops/governor/internal/logs"
)

const (
	sessionBlob    = "session.json"
	thresholdsBlob = "thresholds.json"
	checkpointLog  = "checkpoints.log"
)

// FileStore keeps one directory per session under root:
//
//	<root>/sessions/<id>/session.json
//	<root>/sessions/<id>/thresholds.json
//	<root>/sessions/<id>/checkpoints.log
//
// Blobs are written to a temp file and renamed into place, so a crash mid
// write leaves either the old blob or the new one, never a torn file. A
// blob that fails to parse on read is quarantined by renaming it with a
// .corrupt.<timestamp> suffix.
type FileStore struct {
	root   string
	logger logs.StructuredLogger

	mu sync.Mutex
}

func NewFileStore(root string, logger logs.StructuredLogger) (*FileStore, error) {
	if logger == nil {
		logger = logs.DiscardLogger()
	}
	if err := os.MkdirAll(filepath.Join(root, "sessions"), 0755); err != nil {
		return nil, fmt.Errorf("creating state directory %q: %w", root, err)
	}
	return &FileStore{root: root, logger: logger}, nil
}

func (s *FileStore) sessionDir(id string) string {
	// Session ids are opaque; escape them into a filesystem-safe form.
	return filepath.Join(s.root, "sessions", url.QueryEscape(id))
}

func (s *FileStore) PutSession(id string, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeAtomic(s.sessionDir(id), sessionBlob, blob)
}

func (s *FileStore) GetSession(id string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readChecked(s.sessionDir(id), sessionBlob)
}

func (s *FileStore) PutThresholds(id string, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeAtomic(s.sessionDir(id), thresholdsBlob, blob)
}

func (s *FileStore) GetThresholds(id string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readChecked(s.sessionDir(id), thresholdsBlob)
}

func (s *FileStore) AppendCheckpoint(id string, rec CheckpointRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.sessionDir(id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(dir, checkpointLog), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

func (s *FileStore) ListCheckpoints(id string) ([]CheckpointRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(filepath.Join(s.sessionDir(id), checkpointLog))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []CheckpointRecord
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec CheckpointRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			// A torn trailing line from a crash mid-append is expected;
			// everything before it is intact.
			s.logger.Warnf("skipping unparseable checkpoint line for session %s: %v", id, err)
			continue
		}
		out = append(out, rec)
	}
	return out, scanner.Err()
}

func (s *FileStore) Close() error {
	return nil
}

func (s *FileStore) writeAtomic(dir, name string, blob []byte) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, name+".tmp.*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(blob); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(dir, name))
}

func (s *FileStore) readChecked(dir, name string) ([]byte, error) {
	path := filepath.Join(dir, name)
	blob, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if !json.Valid(blob) {
		quarantine := fmt.Sprintf("%s.corrupt.%d", path, time.Now().Unix())
		if err := os.Rename(path, quarantine); err != nil {
			s.logger.Errorf("quarantining corrupt blob %s: %v", path, err)
		} else {
			s.logger.Warnf("quarantined corrupt blob %s as %s", path, quarantine)
		}
		return nil, ErrNotFound
	}
	return blob, nil
}
