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
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"gotest.tools/v3/assert"

	"github.com/sessionops/governor/internal/events"
)

func newTestRegistry(clock clockwork.Clock) *Registry {
	return NewRegistry(Options{
		WindowSize:          200000,
		MaxSessions:         64,
		RetentionAfterClose: 15 * time.Minute,
		Clock:               clock,
		Bus:                 events.NewBus(64),
	})
}

func TestGetOrCreateIsIdempotent(t *testing.T) {
	r := newTestRegistry(clockwork.NewFakeClock())

	snap, created := r.GetOrCreate("s-1", "p", "/tmp/p", "opus")
	assert.Assert(t, created)
	assert.Equal(t, snap.Status, StatusActive)
	assert.Equal(t, snap.WindowSize, int64(200000))

	r.Update("s-1", func(rec *Record) { rec.Operations = 7 })

	again, created := r.GetOrCreate("s-1", "p", "/tmp/p", "opus")
	assert.Assert(t, !created)
	// Counters survive re-registration.
	assert.Equal(t, again.Operations, uint64(7))
}

func TestCollisionCounted(t *testing.T) {
	r := newTestRegistry(clockwork.NewFakeClock())
	r.GetOrCreate("s-1", "alpha", "", "")
	r.GetOrCreate("s-1", "beta", "", "")
	assert.Equal(t, r.Collisions(), int64(1))
}

func TestCloseIsOnce(t *testing.T) {
	r := newTestRegistry(clockwork.NewFakeClock())
	r.GetOrCreate("s-1", "p", "", "")

	_, transitioned := r.Close("s-1", "wrap-up")
	assert.Assert(t, transitioned)
	_, transitioned = r.Close("s-1", "again")
	assert.Assert(t, !transitioned)

	snap, ok := r.Get("s-1")
	assert.Assert(t, ok)
	assert.Equal(t, snap.Status, StatusClosed)
	assert.Equal(t, snap.CloseReason, "wrap-up")
}

func TestEvictionAfterRetention(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := newTestRegistry(clock)
	r.GetOrCreate("s-1", "p", "", "")
	r.Close("s-1", "done")

	clock.Advance(14 * time.Minute)
	r.evictExpired()
	_, ok := r.Get("s-1")
	assert.Assert(t, ok, "session evicted before retention elapsed")

	clock.Advance(2 * time.Minute)
	r.evictExpired()
	_, ok = r.Get("s-1")
	assert.Assert(t, !ok, "session survived past retention")
}

func TestQuietSessionGoesIdle(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := newTestRegistry(clock)
	r.GetOrCreate("s-1", "p", "", "")

	clock.Advance(4 * time.Minute)
	r.evictExpired()
	snap, _ := r.Get("s-1")
	assert.Equal(t, snap.Status, StatusActive)

	clock.Advance(2 * time.Minute)
	r.evictExpired()
	snap, _ = r.Get("s-1")
	assert.Equal(t, snap.Status, StatusIdle)

	// Fresh telemetry reactivates; the processor does exactly this.
	r.Update("s-1", func(rec *Record) {
		rec.LastSeenAt = clock.Now().UTC()
		rec.Status = StatusActive
	})
	snap, _ = r.Get("s-1")
	assert.Equal(t, snap.Status, StatusActive)
}

// Interleaved updates to two sessions never bleed into each other.
func TestSessionIsolation(t *testing.T) {
	r := newTestRegistry(clockwork.NewFakeClock())
	r.GetOrCreate("a", "p", "", "")
	r.GetOrCreate("b", "p", "", "")

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 250; j++ {
				r.Update("a", func(rec *Record) {
					rec.Operations++
					rec.CurrentTokens += 10
				})
			}
		}()
	}
	wg.Wait()

	a, _ := r.Get("a")
	b, _ := r.Get("b")
	assert.Equal(t, a.Operations, uint64(1000))
	assert.Equal(t, a.CurrentTokens, int64(10000))
	assert.Equal(t, b.Operations, uint64(0))
	assert.Equal(t, b.CurrentTokens, int64(0))
}

func TestListActiveExcludesClosed(t *testing.T) {
	r := newTestRegistry(clockwork.NewFakeClock())
	for i := 0; i < 3; i++ {
		r.GetOrCreate(fmt.Sprintf("s-%d", i), "multi", "", "")
	}
	r.Close("s-0", "done")

	assert.Equal(t, r.ActiveCount(), 2)
	assert.Equal(t, r.CountByProject("multi"), 2)
	assert.Equal(t, len(r.List()), 3)
}
