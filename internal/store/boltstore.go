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
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketSessions    = []byte("sessions")
	bucketThresholds  = []byte("thresholds")
	bucketCheckpoints = []byte("checkpoints")
)

// BoltStore satisfies the Store contract with an embedded bbolt database.
// bolt transactions give the crash-safety the contract demands without the
// rename dance of the file engine.
type BoltStore struct {
	db *bolt.DB
}

func NewBoltStore(root string) (*BoltStore, error) {
	db, err := bolt.Open(filepath.Join(root, "governor.db"), 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening bolt store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketSessions, bucketThresholds, bucketCheckpoints} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing bolt buckets: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) PutSession(id string, blob []byte) error {
	return s.put(bucketSessions, id, blob)
}

func (s *BoltStore) GetSession(id string) ([]byte, error) {
	return s.get(bucketSessions, id)
}

func (s *BoltStore) PutThresholds(id string, blob []byte) error {
	return s.put(bucketThresholds, id, blob)
}

func (s *BoltStore) GetThresholds(id string) ([]byte, error) {
	return s.get(bucketThresholds, id)
}

func (s *BoltStore) AppendCheckpoint(id string, rec CheckpointRecord) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		parent := tx.Bucket(bucketCheckpoints)
		b, err := parent.CreateBucketIfNotExists([]byte(id))
		if err != nil {
			return err
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		var key [8]byte
		binary.BigEndian.PutUint64(key[:], seq)
		return b.Put(key[:], line)
	})
}

func (s *BoltStore) ListCheckpoints(id string) ([]CheckpointRecord, error) {
	var out []CheckpointRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCheckpoints).Bucket([]byte(id))
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			var rec CheckpointRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) put(bucket []byte, id string, blob []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(id), blob)
	})
}

func (s *BoltStore) get(bucket []byte, id string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucket).Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}
		out = append([]byte(nil), v...)
		return nil
	})
	return out, err
}
