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

// Package orchestrator runs the per-session state machine. Each live
// session gets one actor goroutine with an inbox of decisions; the
// dispatcher routes by session id, so all durable mutations for a session
// happen on one goroutine. The orchestrator is the store's only writer.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"

	"github.com/sessionops/governor/internal/bridge"
	"github.com/sessionops/governor/internal/events"
	"github.com/sessionops/governor/internal/logs"
	"github.com/sessionops/governor/internal/optimizer"
	"github.com/sessionops/governor/internal/session"
	"github.com/sessionops/governor/internal/store"
)

// state of one session's machine. Distinct from session.Status: the
// registry tracks lifecycle, the actor tracks what it is doing right now.
type state string

const (
	stateRunning       state = "running"
	stateCheckpointing state = "checkpointing"
	stateEmergency     state = "emergency"
	stateWrappingUp    state = "wrapping-up"
	stateClosed        state = "closed"
)

const (
	inboxSize               = 64
	defaultAttemptTimeout   = 10 * time.Second
	defaultCheckpointTries  = 4 // retries after the first attempt
	persistenceAlertAtFails = 2
)

// AlertSink is the subset of the alert engine the orchestrator needs.
type AlertSink interface {
	OnPersistenceDegraded(sessionID string, err error)
	OnEmergencyFailed(sessionID string, err error)
}

// Options configures an Orchestrator.
type Options struct {
	Registry  *session.Registry
	Optimizer *optimizer.Optimizer
	Store     store.Store
	Bus       *events.Bus
	Alerts    AlertSink
	Clock     clockwork.Clock
	Logger    logs.StructuredLogger

	// AttemptTimeout bounds each persistence attempt.
	AttemptTimeout time.Duration
	// RetryInitialInterval overrides the backoff seed, for tests.
	RetryInitialInterval time.Duration
}

type Orchestrator struct {
	opts Options

	mu      sync.Mutex
	actors  map[string]*actor
	ctx     context.Context
	dropped int64

	wg sync.WaitGroup
}

func New(opts Options) *Orchestrator {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = logs.DiscardLogger()
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = defaultAttemptTimeout
	}
	o := &Orchestrator{
		opts:   opts,
		actors: map[string]*actor{},
	}
	if opts.Optimizer != nil {
		opts.Optimizer.OnChange(o.persistThresholds)
	}
	return o
}

// Run dispatches decisions to per-session actors until ctx is done, then
// waits for every actor to flush.
func (o *Orchestrator) Run(ctx context.Context, decisions <-chan bridge.Decision) {
	o.mu.Lock()
	o.ctx = ctx
	o.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			o.shutdown()
			return
		case d, ok := <-decisions:
			if !ok {
				o.shutdown()
				return
			}
			o.dispatch(d)
		}
	}
}

// WrapUp asks the session's actor to finish and close. Used by the API's
// end operation.
func (o *Orchestrator) WrapUp(sessionID string) {
	o.dispatch(bridge.Decision{SessionID: sessionID, Kind: bridge.DecisionWrapUp})
}

// Dropped reports decisions shed on full actor inboxes.
func (o *Orchestrator) Dropped() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dropped
}

// Operational reports readiness: true once Run has started.
func (o *Orchestrator) Operational() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ctx != nil && o.ctx.Err() == nil
}

// dispatch routes a decision to its session's actor. The inbox send happens
// under the orchestrator lock so it cannot race a shutdown close; the send
// itself never blocks.
func (o *Orchestrator) dispatch(d bridge.Decision) {
	if d.Kind == bridge.DecisionProceed || d.Kind == bridge.DecisionWarning {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ctx == nil || o.ctx.Err() != nil {
		return
	}
	a, ok := o.actors[d.SessionID]
	if !ok {
		a = &actor{
			o:      o,
			id:     d.SessionID,
			state:  stateRunning,
			inbox:  make(chan bridge.Decision, inboxSize),
			cpDone: make(chan checkpointResult, 1),
		}
		o.actors[d.SessionID] = a
		o.seedThresholds(d.SessionID)
		o.wg.Add(1)
		go a.run(o.ctx)
	}
	select {
	case a.inbox <- d:
	default:
		o.dropped++
		o.opts.Logger.Warnf("decision inbox full for session %s, dropping %s", d.SessionID, d.Kind)
	}
}

func (o *Orchestrator) removeActor(id string) {
	o.mu.Lock()
	delete(o.actors, id)
	o.mu.Unlock()
}

func (o *Orchestrator) shutdown() {
	o.mu.Lock()
	for _, a := range o.actors {
		close(a.inbox)
	}
	o.actors = map[string]*actor{}
	o.mu.Unlock()
	o.wg.Wait()
}

// seedThresholds restores learner state persisted by a previous run.
func (o *Orchestrator) seedThresholds(id string) {
	if o.opts.Store == nil || o.opts.Optimizer == nil {
		return
	}
	blob, err := o.opts.Store.GetThresholds(id)
	if err != nil {
		return
	}
	var lt optimizer.LearnedThresholds
	if err := json.Unmarshal(blob, &lt); err != nil {
		o.opts.Logger.Warnf("discarding unreadable thresholds for session %s: %v", id, err)
		return
	}
	o.opts.Optimizer.Seed(id, lt)
}

// persistThresholds is the optimizer's change hook.
func (o *Orchestrator) persistThresholds(id string, lt optimizer.LearnedThresholds) {
	if o.opts.Store == nil {
		return
	}
	blob, err := json.Marshal(lt)
	if err != nil {
		return
	}
	if err := o.opts.Store.PutThresholds(id, blob); err != nil {
		o.opts.Logger.Errorf("persisting thresholds for session %s: %v", id, err)
	}
}

type checkpointResult struct {
	decision bridge.Decision
	err      error
}

type actor struct {
	o     *Orchestrator
	id    string
	state state
	inbox chan bridge.Decision

	cpCancel context.CancelFunc
	cpDone   chan checkpointResult

	// pending coalesces checkpoint requests that arrive while one is in
	// flight; the newest supersedes older ones.
	pending *bridge.Decision
}

func (a *actor) run(ctx context.Context) {
	defer a.o.wg.Done()
	for {
		select {
		case d, ok := <-a.inbox:
			if !ok {
				a.drainCheckpoint()
				return
			}
			a.handle(ctx, d)
		case res := <-a.cpDone:
			a.onCheckpointDone(ctx, res)
		}
		if a.state == stateClosed {
			// Decisions still queued are for a terminal session; drop them.
			a.o.removeActor(a.id)
			return
		}
	}
}

// drainCheckpoint waits out an in-flight checkpoint during shutdown so its
// durable write completes or cancels cleanly.
func (a *actor) drainCheckpoint() {
	if a.state != stateCheckpointing {
		return
	}
	res := <-a.cpDone
	if res.err != nil {
		a.o.opts.Logger.Warnf("checkpoint for session %s abandoned at shutdown: %v", a.id, res.err)
	}
}

func (a *actor) handle(ctx context.Context, d bridge.Decision) {
	switch d.Kind {
	case bridge.DecisionCheckpointRecommended, bridge.DecisionCheckpointRequired:
		if a.state == stateCheckpointing {
			keep := d
			a.pending = &keep
			return
		}
		a.startCheckpoint(ctx, d)
	case bridge.DecisionEmergency:
		if a.state == stateCheckpointing && a.cpCancel != nil {
			a.cpCancel()
			res := <-a.cpDone
			_ = res // superseded by the emergency
			a.state = stateRunning
		}
		a.pending = nil
		a.runEmergency(ctx, d)
	case bridge.DecisionWrapUp:
		a.wrapUp(ctx)
	}
}

func (a *actor) startCheckpoint(ctx context.Context, d bridge.Decision) {
	a.state = stateCheckpointing
	cpCtx, cancel := context.WithCancel(ctx)
	a.cpCancel = cancel

	rec := store.CheckpointRecord{
		SessionID:   a.id,
		Kind:        "checkpoint",
		CreatedAt:   a.o.opts.Clock.Now().UTC(),
		Tokens:      d.Snapshot.CurrentTokens,
		Utilization: d.Snapshot.Utilization,
	}
	go func() {
		defer cancel()
		err := a.o.persist(cpCtx, a.id, func() error {
			return a.o.opts.Store.AppendCheckpoint(a.id, rec)
		})
		a.cpDone <- checkpointResult{decision: d, err: err}
	}()
}

func (a *actor) onCheckpointDone(ctx context.Context, res checkpointResult) {
	a.cpCancel = nil
	a.state = stateRunning

	if res.err == nil {
		snap, _ := a.o.opts.Registry.Update(a.id, func(rec *session.Record) {
			rec.Checkpoints++
		})
		if a.o.opts.Optimizer != nil {
			a.o.opts.Optimizer.OnCheckpointSuccess(a.id, res.decision.Snapshot.Utilization)
		}
		a.o.opts.Logger.Infof("checkpoint for session %s at utilization %.3f (total %d)",
			a.id, res.decision.Snapshot.Utilization, snap.Checkpoints)
	} else {
		a.o.opts.Logger.Errorf("checkpoint for session %s failed: %v", a.id, res.err)
		// A required checkpoint that cannot be persisted while the window
		// keeps filling leaves only the emergency path.
		if res.decision.Kind == bridge.DecisionCheckpointRequired &&
			res.decision.Snapshot.Utilization >= res.decision.Thresholds.Warning {
			a.pending = nil
			a.runEmergency(ctx, res.decision)
			return
		}
	}

	if next := a.pending; next != nil {
		a.pending = nil
		a.startCheckpoint(ctx, *next)
	}
}

// runEmergency serializes the full session state, signals the external
// assistant to clear its context, and resets the token baseline.
func (a *actor) runEmergency(ctx context.Context, d bridge.Decision) {
	a.state = stateEmergency

	snap, ok := a.o.opts.Registry.Get(a.id)
	if !ok {
		a.state = stateClosed
		return
	}
	blob, err := json.Marshal(snap)
	if err == nil {
		err = a.o.persist(ctx, a.id, func() error {
			return a.o.opts.Store.PutSession(a.id, blob)
		})
	}
	if err != nil {
		a.o.opts.Logger.Errorf("emergency save for session %s failed, closing: %v", a.id, err)
		if a.o.opts.Alerts != nil {
			a.o.opts.Alerts.OnEmergencyFailed(a.id, err)
		}
		a.o.opts.Registry.Close(a.id, "failed")
		a.state = stateClosed
		return
	}

	if err := a.o.opts.Store.AppendCheckpoint(a.id, store.CheckpointRecord{
		SessionID:   a.id,
		Kind:        "emergency",
		CreatedAt:   a.o.opts.Clock.Now().UTC(),
		Tokens:      snap.CurrentTokens,
		Utilization: snap.Utilization,
	}); err != nil {
		a.o.opts.Logger.Warnf("recording emergency checkpoint for session %s: %v", a.id, err)
	}

	cleared, _ := a.o.opts.Registry.Update(a.id, func(rec *session.Record) {
		rec.CompactionSaves++
		rec.CurrentTokens = 0
		rec.Utilization = 0
		rec.TokenVelocity = 0
		rec.VelocitySampled = false
		rec.AwaitBaseline = true
	})
	if a.o.opts.Bus != nil {
		a.o.opts.Bus.Publish(events.Event{
			Type:      events.TypeContextCleared,
			SessionID: a.id,
			ProjectID: cleared.ProjectID,
			Payload: map[string]any{
				"savedTokens":     snap.CurrentTokens,
				"compactionSaves": cleared.CompactionSaves,
			},
		})
	}
	a.o.opts.Logger.Warnf("emergency save-and-clear for session %s at utilization %.3f", a.id, snap.Utilization)
	a.state = stateRunning
}

// wrapUp moves the session to wrapping-up, persists final state and closes
// it.
func (a *actor) wrapUp(ctx context.Context) {
	a.state = stateWrappingUp
	snap, ok := a.o.opts.Registry.Update(a.id, func(rec *session.Record) {
		rec.Status = session.StatusWrappingUp
	})
	if ok {
		if blob, err := json.Marshal(snap); err == nil {
			if err := a.o.persist(ctx, a.id, func() error {
				return a.o.opts.Store.PutSession(a.id, blob)
			}); err != nil {
				a.o.opts.Logger.Errorf("final persist for session %s: %v", a.id, err)
			}
		}
	}
	a.o.opts.Registry.Close(a.id, "wrap-up")
	a.state = stateClosed
}

// persist runs fn with exponential backoff: five attempts, each bounded by
// the attempt timeout. The second consecutive failure raises a
// persistence-degraded alert.
func (o *Orchestrator) persist(ctx context.Context, sessionID string, fn func() error) error {
	bo := backoff.NewExponentialBackOff()
	if o.opts.RetryInitialInterval > 0 {
		bo.InitialInterval = o.opts.RetryInitialInterval
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, defaultCheckpointTries), ctx)

	failures := 0
	return backoff.Retry(func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, o.opts.AttemptTimeout)
		defer cancel()

		err := runAttempt(attemptCtx, fn)
		if err != nil {
			failures++
			if failures == persistenceAlertAtFails && o.opts.Alerts != nil {
				o.opts.Alerts.OnPersistenceDegraded(sessionID, err)
			}
		}
		return err
	}, policy)
}

// runAttempt bounds a store call that does not itself take a context.
func runAttempt(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("persistence attempt: %w", ctx.Err())
	}
}
