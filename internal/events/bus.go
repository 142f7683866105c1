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

// Package events carries the in-process event bus. SSE is a projection of
// this bus; every event gets a globally monotonic sequence number.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

type Type string

const (
	TypeSessionCreated          Type = "session:created"
	TypeSessionUpdated          Type = "session:updated"
	TypeSessionClosed           Type = "session:closed"
	TypeDecision                Type = "decision"
	TypeAlertTriggered          Type = "alert:triggered"
	TypeContextCleared          Type = "context:cleared"
	TypePatternParallelSessions Type = "pattern:parallel-sessions"
	TypePatternHighVelocity     Type = "pattern:high-velocity"
)

// Event is one bus entry. Payload must be JSON-marshalable; the web layer
// serializes events verbatim onto the SSE stream.
type Event struct {
	Seq       int64     `json:"seq"`
	Type      Type      `json:"type"`
	SessionID string    `json:"sessionId,omitempty"`
	ProjectID string    `json:"projectId,omitempty"`
	Time      time.Time `json:"time"`
	Payload   any       `json:"payload,omitempty"`
}

type subscriber struct {
	ch      chan Event
	dropped atomic.Int64
}

// Bus fans events out to subscribers and keeps a bounded replay ring for
// SSE reconnection (Last-Event-ID). Publishing never blocks: a subscriber
// that cannot keep up loses events and its drop counter increases.
type Bus struct {
	mu      sync.Mutex
	nextSeq int64
	ring    []Event
	ringCap int
	subs    map[int]*subscriber
	nextSub int
	dropped atomic.Int64
}

const subscriberBuffer = 256

func NewBus(replay int) *Bus {
	if replay <= 0 {
		replay = 1024
	}
	return &Bus{
		ringCap: replay,
		subs:    map[int]*subscriber{},
	}
}

// Publish stamps the event with the next sequence number and delivers it.
func (b *Bus) Publish(ev Event) Event {
	b.mu.Lock()
	b.nextSeq++
	ev.Seq = b.nextSeq
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	b.ring = append(b.ring, ev)
	if len(b.ring) > b.ringCap {
		b.ring = b.ring[len(b.ring)-b.ringCap:]
	}
	for _, s := range b.subs {
		select {
		case s.ch <- ev:
		default:
			s.dropped.Add(1)
			b.dropped.Add(1)
		}
	}
	b.mu.Unlock()
	return ev
}

// Subscribe returns the replay of events with Seq > afterSeq followed by a
// live channel. Pass afterSeq = -1 to skip replay entirely. The returned
// cancel function must be called to release the subscription.
func (b *Bus) Subscribe(afterSeq int64) (replay []Event, live <-chan Event, cancel func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if afterSeq >= 0 {
		for _, ev := range b.ring {
			if ev.Seq > afterSeq {
				replay = append(replay, ev)
			}
		}
	}

	id := b.nextSub
	b.nextSub++
	sub := &subscriber{ch: make(chan Event, subscriberBuffer)}
	b.subs[id] = sub

	cancel = func() {
		b.mu.Lock()
		if s, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(s.ch)
		}
		b.mu.Unlock()
	}
	return replay, sub.ch, cancel
}

// LastSeq reports the most recently published sequence number.
func (b *Bus) LastSeq() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nextSeq
}

// Dropped reports events lost to slow subscribers, for /metrics.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}
