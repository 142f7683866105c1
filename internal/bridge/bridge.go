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

// Package bridge maps processed session updates onto safety decisions.
// Every update yields exactly one decision; compactions detected here feed
// the threshold learner and the alert engine.
package bridge

import (
	"context"
	"time"

	"github.com/sessionops/governor/internal/events"
	"github.com/sessionops/governor/internal/logs"
	"github.com/sessionops/governor/internal/optimizer"
	"github.com/sessionops/governor/internal/processor"
	"github.com/sessionops/governor/internal/self_metrics"
	"github.com/sessionops/governor/internal/session"
)

type DecisionKind string

const (
	DecisionProceed               DecisionKind = "proceed"
	DecisionCheckpointRecommended DecisionKind = "checkpoint-recommended"
	DecisionCheckpointRequired    DecisionKind = "checkpoint-required"
	DecisionEmergency             DecisionKind = "emergency-save-and-clear"
	DecisionWarning               DecisionKind = "warning"

	// DecisionWrapUp is never produced by the ladder; external controllers
	// inject it through the API to end a session cleanly.
	DecisionWrapUp DecisionKind = "wrap-up"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// resetGrace is how close an explicit context reset must precede a token
// drop for the drop to count as intentional rather than a compaction.
const resetGrace = 2 * time.Second

// highVelocityHorizon mirrors the velocity sampling window. A burn-rate
// warning is only useful while the checkpoint threshold is further away
// than this; inside the horizon the threshold ladder takes over on the
// next readings anyway and the warning is noise.
const highVelocityHorizon = 5 * time.Second

// Decision is the bridge's verdict on one processed update.
type Decision struct {
	SessionID string       `json:"sessionId"`
	ProjectID string       `json:"projectId,omitempty"`
	Kind      DecisionKind `json:"kind"`
	Severity  Severity     `json:"severity"`
	Reason    string       `json:"reason,omitempty"`

	Utilization float64 `json:"utilization"`
	Velocity    float64 `json:"velocity"`

	// EtaSeconds estimates time to forced compaction; only set on
	// checkpoint-required.
	EtaSeconds float64 `json:"etaSeconds,omitempty"`

	Thresholds optimizer.LearnedThresholds `json:"thresholds"`
	ObservedAt time.Time                   `json:"observedAt"`

	Snapshot session.Snapshot `json:"-"`
}

// AlertSink receives updates and compaction events for rule evaluation.
type AlertSink interface {
	OnUpdate(snap session.Snapshot)
	OnCompaction(snap session.Snapshot, utilizationBefore float64)
}

// Options configures a Bridge.
type Options struct {
	Optimizer *optimizer.Optimizer
	Alerts    AlertSink
	Bus       *events.Bus
	Logger    logs.StructuredLogger
	Metrics   *self_metrics.Metrics

	CompactionDropFraction   float64
	HighVelocityTokensPerSec float64
}

type Bridge struct {
	opts      Options
	decisions chan Decision
}

const decisionQueueSize = 1024

func New(opts Options) *Bridge {
	if opts.Logger == nil {
		opts.Logger = logs.DiscardLogger()
	}
	if opts.CompactionDropFraction <= 0 {
		opts.CompactionDropFraction = 0.25
	}
	if opts.HighVelocityTokensPerSec <= 0 {
		opts.HighVelocityTokensPerSec = 1000
	}
	return &Bridge{
		opts:      opts,
		decisions: make(chan Decision, decisionQueueSize),
	}
}

// Decisions is the orchestrator's ordered intake. A single bridge goroutine
// feeds it, so per-session decision order follows update order.
func (b *Bridge) Decisions() <-chan Decision {
	return b.decisions
}

// Run consumes processed updates until ctx is done.
func (b *Bridge) Run(ctx context.Context, updates <-chan processor.ProcessedUpdate) {
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			d := b.Evaluate(u)
			select {
			case b.decisions <- d:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Evaluate inspects one update and returns its decision. Compaction
// detection runs first so the learner sees the pre-drop utilization before
// the decision ladder reads thresholds.
func (b *Bridge) Evaluate(u processor.ProcessedUpdate) Decision {
	snap := u.Snapshot

	if u.TokensUpdated && !u.BaselineReset {
		if before, ok := b.detectCompaction(u); ok {
			b.onCompaction(snap, before, u.ObservedAt)
		}
	}
	if b.opts.Alerts != nil {
		b.opts.Alerts.OnUpdate(snap)
	}

	d := b.decide(u)
	if b.opts.Metrics != nil {
		b.opts.Metrics.Decisions.WithLabelValues(string(d.Kind)).Inc()
	}
	if b.opts.Bus != nil {
		b.opts.Bus.Publish(events.Event{
			Type:      events.TypeDecision,
			SessionID: d.SessionID,
			ProjectID: d.ProjectID,
			Payload:   d,
		})
	}
	return d
}

// detectCompaction reports the pre-drop utilization when the tokens drop is
// large enough and not explained by a recent explicit reset.
func (b *Bridge) detectCompaction(u processor.ProcessedUpdate) (float64, bool) {
	snap := u.Snapshot
	drop := snap.PrevTokens - snap.CurrentTokens
	if snap.WindowSize <= 0 || float64(drop) < b.opts.CompactionDropFraction*float64(snap.WindowSize) {
		return 0, false
	}
	if !snap.LastResetAt.IsZero() && u.ObservedAt.Sub(snap.LastResetAt) <= resetGrace {
		return 0, false
	}
	return float64(snap.PrevTokens) / float64(snap.WindowSize), true
}

func (b *Bridge) onCompaction(snap session.Snapshot, utilizationBefore float64, at time.Time) {
	b.opts.Logger.Warnf("session %s compacted at utilization %.3f (%d -> %d tokens)",
		snap.SessionID, utilizationBefore, snap.PrevTokens, snap.CurrentTokens)
	if b.opts.Optimizer != nil {
		b.opts.Optimizer.OnCompactionDetected(snap.SessionID, utilizationBefore)
	}
	if b.opts.Alerts != nil {
		b.opts.Alerts.OnCompaction(snap, utilizationBefore)
	}
}

func (b *Bridge) decide(u processor.ProcessedUpdate) Decision {
	snap := u.Snapshot
	var lt optimizer.LearnedThresholds
	if b.opts.Optimizer != nil {
		lt = b.opts.Optimizer.Thresholds(snap.SessionID)
	}

	d := Decision{
		SessionID:   snap.SessionID,
		ProjectID:   snap.ProjectID,
		Utilization: snap.Utilization,
		Velocity:    snap.TokenVelocity,
		Thresholds:  lt,
		ObservedAt:  u.ObservedAt,
		Snapshot:    snap,
	}

	// Between an emergency clear and its baseline update every verdict is
	// proceed; the pre-clear numbers no longer describe the session.
	if snap.AwaitBaseline || u.BaselineReset {
		d.Kind = DecisionProceed
		d.Severity = SeverityInfo
		if u.BaselineReset {
			d.Reason = "post-clear baseline established"
		} else {
			d.Reason = "awaiting post-clear baseline"
		}
		return d
	}

	u1 := snap.Utilization
	switch {
	case u1 >= lt.Compaction:
		d.Kind = DecisionEmergency
		d.Severity = SeverityCritical
	case u1 >= lt.Warning:
		d.Kind = DecisionCheckpointRequired
		d.Severity = SeverityCritical
		v := snap.TokenVelocity
		if v < 1 {
			v = 1
		}
		d.EtaSeconds = (lt.Compaction - u1) * float64(snap.WindowSize) / v
	case u1 >= lt.Checkpoint:
		d.Kind = DecisionCheckpointRecommended
		d.Severity = SeverityWarning
	case snap.TokenVelocity >= b.opts.HighVelocityTokensPerSec && !checkpointImminent(snap, lt):
		d.Kind = DecisionWarning
		d.Severity = SeverityWarning
		d.Reason = "high-velocity"
	default:
		d.Kind = DecisionProceed
		d.Severity = SeverityInfo
	}
	return d
}

// checkpointImminent reports whether the session crosses its checkpoint
// threshold within the velocity window at the current rate.
func checkpointImminent(snap session.Snapshot, lt optimizer.LearnedThresholds) bool {
	if snap.WindowSize <= 0 || snap.TokenVelocity <= 0 {
		return false
	}
	eta := (lt.Checkpoint - snap.Utilization) * float64(snap.WindowSize) / snap.TokenVelocity
	return eta <= highVelocityHorizon.Seconds()
}
