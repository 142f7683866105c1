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

// Package alerts evaluates a fixed rule set against session snapshots.
// Rules fire on the transition into the triggering state, once per rule and
// session, so a session hovering over a threshold does not spam the bus.
package alerts

import (
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/sessionops/governor/internal/events"
	"github.com/sessionops/governor/internal/logs"
	"github.com/sessionops/governor/internal/session"
)

type Rule string

const (
	RuleHighUtilization     Rule = "HighContextUtilization"
	RuleCriticalUtilization Rule = "CriticalContextUtilization"
	RuleRapidConsumption    Rule = "RapidTokenConsumption"
	RuleCompactionDetected  Rule = "CompactionDetected"
	RuleParallelSessions    Rule = "ParallelSessionsHigh"
	RulePersistenceDegraded Rule = "PersistenceDegraded"
	RuleEmergencyFailed     Rule = "EmergencySaveFailed"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

const (
	highUtilization     = 0.85
	criticalUtilization = 0.95
	rapidTokensPerSec   = 1000
	parallelSessionsMin = 3

	defaultRingSize = 100
)

// Alert is one triggered rule instance.
type Alert struct {
	ID        int64     `json:"id"`
	Rule      Rule      `json:"rule"`
	Severity  Severity  `json:"severity"`
	SessionID string    `json:"sessionId,omitempty"`
	ProjectID string    `json:"projectId,omitempty"`
	Message   string    `json:"message"`
	Value     float64   `json:"value,omitempty"`
	At        time.Time `json:"at"`
}

// Options configures an Engine.
type Options struct {
	Registry *session.Registry
	Bus      *events.Bus
	Clock    clockwork.Clock
	Logger   logs.StructuredLogger
	RingSize int
}

// ruleState tracks whether a (rule, session) pair is currently inside its
// triggering condition.
type ruleState map[Rule]bool

type Engine struct {
	opts Options

	mu       sync.Mutex
	nextID   int64
	ring     []Alert
	sessions map[string]ruleState
	projects map[string]bool // parallel-sessions pattern latched per project
}

func New(opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = logs.DiscardLogger()
	}
	if opts.RingSize <= 0 {
		opts.RingSize = defaultRingSize
	}
	return &Engine{
		opts:     opts,
		sessions: map[string]ruleState{},
		projects: map[string]bool{},
	}
}

// OnUpdate evaluates the threshold rules against one snapshot.
func (e *Engine) OnUpdate(snap session.Snapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.state(snap.SessionID)

	e.edge(st, snap, RuleCriticalUtilization, snap.Utilization > criticalUtilization, SeverityCritical,
		fmt.Sprintf("utilization %.3f above %.2f", snap.Utilization, criticalUtilization), snap.Utilization)
	e.edge(st, snap, RuleHighUtilization, snap.Utilization > highUtilization, SeverityWarning,
		fmt.Sprintf("utilization %.3f above %.2f", snap.Utilization, highUtilization), snap.Utilization)

	rapid := snap.TokenVelocity > rapidTokensPerSec
	if e.edge(st, snap, RuleRapidConsumption, rapid, SeverityWarning,
		fmt.Sprintf("consuming %.0f tokens/s", snap.TokenVelocity), snap.TokenVelocity) {
		e.publishPattern(events.TypePatternHighVelocity, snap.SessionID, snap.ProjectID, map[string]any{
			"tokensPerSec": snap.TokenVelocity,
		})
	}

	e.evalParallel(snap.ProjectID)
}

// OnCompaction records a compaction alert. Compactions are discrete events,
// not states, so every one fires.
func (e *Engine) OnCompaction(snap session.Snapshot, utilizationBefore float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.trigger(Alert{
		Rule:      RuleCompactionDetected,
		Severity:  SeverityError,
		SessionID: snap.SessionID,
		ProjectID: snap.ProjectID,
		Message:   fmt.Sprintf("context compacted at utilization %.3f", utilizationBefore),
		Value:     utilizationBefore,
	})
}

// OnPersistenceDegraded fires after repeated store write failures.
func (e *Engine) OnPersistenceDegraded(sessionID string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.trigger(Alert{
		Rule:      RulePersistenceDegraded,
		Severity:  SeverityWarning,
		SessionID: sessionID,
		Message:   fmt.Sprintf("checkpoint persistence failing: %v", err),
	})
}

// OnEmergencyFailed fires when an emergency save exhausted its budget.
func (e *Engine) OnEmergencyFailed(sessionID string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.trigger(Alert{
		Rule:      RuleEmergencyFailed,
		Severity:  SeverityCritical,
		SessionID: sessionID,
		Message:   fmt.Sprintf("emergency save-and-clear failed: %v", err),
	})
}

// Forget drops per-session rule state after eviction.
func (e *Engine) Forget(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.sessions, sessionID)
}

// List returns the retained alerts, oldest first.
func (e *Engine) List() []Alert {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Alert, len(e.ring))
	copy(out, e.ring)
	return out
}

// DegradedSince reports whether any non-info alert fired within the window.
func (e *Engine) DegradedSince(window time.Duration) bool {
	cutoff := e.opts.Clock.Now().Add(-window)
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := len(e.ring) - 1; i >= 0; i-- {
		if e.ring[i].At.Before(cutoff) {
			return false
		}
		if e.ring[i].Severity != SeverityInfo {
			return true
		}
	}
	return false
}

func (e *Engine) state(sessionID string) ruleState {
	st, ok := e.sessions[sessionID]
	if !ok {
		st = ruleState{}
		e.sessions[sessionID] = st
	}
	return st
}

// edge fires the rule only on the false -> true transition. It reports
// whether it fired.
func (e *Engine) edge(st ruleState, snap session.Snapshot, rule Rule, active bool, sev Severity, msg string, value float64) bool {
	was := st[rule]
	st[rule] = active
	if !active || was {
		return false
	}
	e.trigger(Alert{
		Rule:      rule,
		Severity:  sev,
		SessionID: snap.SessionID,
		ProjectID: snap.ProjectID,
		Message:   msg,
		Value:     value,
	})
	return true
}

func (e *Engine) evalParallel(projectID string) {
	if projectID == "" || e.opts.Registry == nil {
		return
	}
	count := e.opts.Registry.CountByProject(projectID)
	active := count >= parallelSessionsMin
	was := e.projects[projectID]
	e.projects[projectID] = active
	if !active || was {
		return
	}
	e.trigger(Alert{
		Rule:      RuleParallelSessions,
		Severity:  SeverityInfo,
		ProjectID: projectID,
		Message:   fmt.Sprintf("%d concurrent sessions in project %s", count, projectID),
		Value:     float64(count),
	})
	e.publishPattern(events.TypePatternParallelSessions, "", projectID, map[string]any{
		"sessionCount": count,
	})
}

// trigger appends to the ring and publishes. Caller holds e.mu.
func (e *Engine) trigger(a Alert) {
	e.nextID++
	a.ID = e.nextID
	a.At = e.opts.Clock.Now().UTC()
	e.ring = append(e.ring, a)
	if len(e.ring) > e.opts.RingSize {
		e.ring = e.ring[len(e.ring)-e.opts.RingSize:]
	}
	e.opts.Logger.Infof("alert %s [%s] session=%s project=%s: %s", a.Rule, a.Severity, a.SessionID, a.ProjectID, a.Message)
	if e.opts.Bus != nil {
		e.opts.Bus.Publish(events.Event{
			Type:      events.TypeAlertTriggered,
			SessionID: a.SessionID,
			ProjectID: a.ProjectID,
			Payload:   a,
		})
	}
}

func (e *Engine) publishPattern(t events.Type, sessionID, projectID string, payload map[string]any) {
	if e.opts.Bus == nil {
		return
	}
	e.opts.Bus.Publish(events.Event{
		Type:      t,
		SessionID: sessionID,
		ProjectID: projectID,
		Payload:   payload,
	})
}
