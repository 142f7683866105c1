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

package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/sessionops/governor/internal/events"
	"github.com/sessionops/governor/internal/logs"
)

// Options configures a Registry.
type Options struct {
	WindowSize          int64
	MaxSessions         int
	RetentionAfterClose time.Duration

	// IdleAfter is how long an active session may go without telemetry
	// before the janitor marks it idle. The next point flips it back.
	IdleAfter time.Duration

	Clock  clockwork.Clock
	Logger logs.StructuredLogger
	Bus    *events.Bus
}

type entry struct {
	mu     sync.Mutex
	record Record
}

// Registry maps sessionId to its record. The per-entry mutex realizes the
// per-session single-writer invariant as a striped lock keyed by id.
type Registry struct {
	opts Options

	mu      sync.RWMutex
	entries map[string]*entry

	collisions atomic.Int64
}

func NewRegistry(opts Options) *Registry {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = logs.DiscardLogger()
	}
	if opts.WindowSize <= 0 {
		opts.WindowSize = 200000
	}
	if opts.RetentionAfterClose <= 0 {
		opts.RetentionAfterClose = 15 * time.Minute
	}
	if opts.IdleAfter <= 0 {
		opts.IdleAfter = 5 * time.Minute
	}
	return &Registry{
		opts:    opts,
		entries: map[string]*entry{},
	}
}

// GetOrCreate returns the session snapshot, creating the record on first
// sight. Re-registration with a known id only refreshes LastSeenAt; it
// never resets counters. A known id arriving with a different project is
// accepted and counted as a suspicious collision.
func (r *Registry) GetOrCreate(id, projectID, projectPath, model string) (Snapshot, bool) {
	now := r.opts.Clock.Now().UTC()

	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		e = &entry{record: Record{
			SessionID:   id,
			ProjectID:   projectID,
			ProjectPath: projectPath,
			Model:       model,
			CreatedAt:   now,
			LastSeenAt:  now,
			Status:      StatusActive,
			WindowSize:  r.opts.WindowSize,
		}}
		r.entries[id] = e
		active := len(r.entries)
		r.mu.Unlock()

		if r.opts.MaxSessions > 0 && active > r.opts.MaxSessions {
			r.opts.Logger.Warnf("session count %d exceeds soft limit %d", active, r.opts.MaxSessions)
		}
		if r.opts.Bus != nil {
			r.opts.Bus.Publish(events.Event{
				Type:      events.TypeSessionCreated,
				SessionID: id,
				ProjectID: projectID,
				Payload:   e.snapshotLocked(),
			})
		}
		return e.snapshotLocked(), true
	}
	r.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if projectID != "" && e.record.ProjectID != "" && e.record.ProjectID != projectID {
		r.collisions.Add(1)
		r.opts.Logger.Warnf("session %s claimed by project %q and %q", id, e.record.ProjectID, projectID)
	}
	e.record.LastSeenAt = now
	if e.record.Model == "" && model != "" {
		e.record.Model = model
	}
	return e.record.snapshot(), false
}

func (e *entry) snapshotLocked() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.record.snapshot()
}

// Update runs fn under the session's lock and returns the resulting
// snapshot. It reports false for unknown sessions.
func (r *Registry) Update(id string, fn func(*Record)) (Snapshot, bool) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return Snapshot{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(&e.record)
	return e.record.snapshot(), true
}

// Get returns a snapshot without mutating anything.
func (r *Registry) Get(id string) (Snapshot, bool) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return Snapshot{}, false
	}
	return e.snapshotLocked(), true
}

// Close transitions the session to closed exactly once. The record stays
// resident for the retention window so late readers still see it.
func (r *Registry) Close(id, reason string) (Snapshot, bool) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return Snapshot{}, false
	}
	e.mu.Lock()
	if e.record.Status == StatusClosed {
		snap := e.record.snapshot()
		e.mu.Unlock()
		return snap, false
	}
	e.record.Status = StatusClosed
	e.record.CloseReason = reason
	e.record.ClosedAt = r.opts.Clock.Now().UTC()
	snap := e.record.snapshot()
	e.mu.Unlock()

	if r.opts.Bus != nil {
		r.opts.Bus.Publish(events.Event{
			Type:      events.TypeSessionClosed,
			SessionID: id,
			ProjectID: snap.ProjectID,
			Payload:   map[string]string{"reason": reason},
		})
	}
	return snap, true
}

// List returns copy-on-read snapshots of every resident session.
func (r *Registry) List() []Snapshot {
	r.mu.RLock()
	es := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		es = append(es, e)
	}
	r.mu.RUnlock()

	out := make([]Snapshot, 0, len(es))
	for _, e := range es {
		out = append(out, e.snapshotLocked())
	}
	return out
}

// ListActive returns snapshots of sessions that are not closed.
func (r *Registry) ListActive() []Snapshot {
	all := r.List()
	out := all[:0]
	for _, s := range all {
		if s.Status != StatusClosed {
			out = append(out, s)
		}
	}
	return out
}

// CountByProject reports how many non-closed sessions share projectID.
func (r *Registry) CountByProject(projectID string) int {
	n := 0
	for _, s := range r.ListActive() {
		if s.ProjectID == projectID {
			n++
		}
	}
	return n
}

// Collisions reports suspicious same-id claims from different projects.
func (r *Registry) Collisions() int64 {
	return r.collisions.Load()
}

// ActiveCount reports the number of non-closed sessions.
func (r *Registry) ActiveCount() int {
	return len(r.ListActive())
}

// RunJanitor marks quiet sessions idle and evicts closed sessions once
// their retention window elapses. It blocks until ctx is done.
func (r *Registry) RunJanitor(ctx context.Context) {
	ticker := r.opts.Clock.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			r.evictExpired()
		}
	}
}

func (r *Registry) evictExpired() {
	now := r.opts.Clock.Now().UTC()
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, e := range r.entries {
		e.mu.Lock()
		if e.record.Status == StatusActive && now.Sub(e.record.LastSeenAt) >= r.opts.IdleAfter {
			e.record.Status = StatusIdle
			r.opts.Logger.Infof("session %s idle after %s without telemetry", id, r.opts.IdleAfter)
		}
		expired := e.record.Status == StatusClosed &&
			now.Sub(e.record.ClosedAt) >= r.opts.RetentionAfterClose
		e.mu.Unlock()
		if expired {
			delete(r.entries, id)
			r.opts.Logger.Infof("evicted closed session %s", id)
		}
	}
}
