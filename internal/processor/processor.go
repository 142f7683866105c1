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

// Package processor turns normalized metric points into session state. One
// goroutine consumes the receiver queue; per-session mutations go through
// the registry so each session has a single writer.
package processor

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"

	"github.com/sessionops/governor/internal/events"
	"github.com/sessionops/governor/internal/logs"
	"github.com/sessionops/governor/internal/optimizer"
	"github.com/sessionops/governor/internal/otlp"
	"github.com/sessionops/governor/internal/self_metrics"
	"github.com/sessionops/governor/internal/session"
	"github.com/sessionops/governor/internal/set"
)

// Metric names the processor understands. Anything else still refreshes
// lastSeenAt but carries no session semantics.
const (
	MetricTokensTotal     = "claude.tokens.total"
	MetricTokensInput     = "claude.tokens.input"
	MetricTokensOutput    = "claude.tokens.output"
	MetricTokensCacheRead = "claude.tokens.cache_read"
	MetricUtilization     = "claude.context.utilization"
	MetricContextReset    = "claude.context.reset"
	MetricCheckpoint      = "claude.checkpoint.created"
	MetricErrors          = "claude.errors.count"
	MetricOperations      = "claude.operations.count"
)

const (
	dedupCacheSize     = 4096
	staleWatermark     = 60 * time.Second
	velocityAlpha      = 0.3
	attrTupleCap       = 64
	updateQueueSize    = 1024
	statePruneInterval = time.Minute
)

// ProcessedUpdate is one session state change handed to the bridge and the
// publication layer.
type ProcessedUpdate struct {
	SessionID string
	Snapshot  session.Snapshot

	// TokensUpdated marks updates caused by claude.tokens.total; only
	// those can witness a compaction.
	TokensUpdated bool

	// BaselineReset marks the first tokens reading after an emergency
	// clear. The bridge must not treat the preceding drop as a compaction.
	BaselineReset bool

	ObservedAt time.Time
}

// Options configures a Processor.
type Options struct {
	Registry  *session.Registry
	Optimizer *optimizer.Optimizer
	Bus       *events.Bus
	Clock     clockwork.Clock
	Logger    logs.StructuredLogger
	Metrics   *self_metrics.Metrics
}

// sessionState is processor-private bookkeeping that does not belong on the
// session record.
type sessionState struct {
	dedup       *lru.Cache[string, struct{}]
	watermarkNs int64
	tokensSeen  bool

	// attrTuples tracks distinct attribute tuples per metric name; past
	// the cap new tuples collapse into the __other__ bucket.
	attrTuples map[string]set.Set[uint64]
}

type Processor struct {
	opts    Options
	updates chan ProcessedUpdate
	states  map[string]*sessionState

	stale  int64
	merged int64
}

func New(opts Options) *Processor {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = logs.DiscardLogger()
	}
	return &Processor{
		opts:    opts,
		updates: make(chan ProcessedUpdate, updateQueueSize),
		states:  map[string]*sessionState{},
	}
}

// Updates is the bridge's intake.
func (p *Processor) Updates() <-chan ProcessedUpdate {
	return p.updates
}

// Run consumes points until ctx is done. A panic in point handling is
// logged and the loop restarts; the receiver must stay reachable no matter
// what a malformed point does.
func (p *Processor) Run(ctx context.Context, points <-chan otlp.MetricPoint) {
	for ctx.Err() == nil {
		p.runOnce(ctx, points)
	}
}

func (p *Processor) runOnce(ctx context.Context, points <-chan otlp.MetricPoint) {
	defer func() {
		if r := recover(); r != nil {
			p.opts.Logger.Errorf("processor panic, restarting: %v", r)
		}
	}()

	prune := p.opts.Clock.NewTicker(statePruneInterval)
	defer prune.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-prune.Chan():
			p.pruneStates()
		case pt, ok := <-points:
			if !ok {
				return
			}
			if update, ok := p.apply(pt); ok {
				p.publish(ctx, update)
			}
		}
	}
}

func (p *Processor) state(id string) *sessionState {
	st, ok := p.states[id]
	if !ok {
		cache, _ := lru.New[string, struct{}](dedupCacheSize)
		st = &sessionState{
			dedup:      cache,
			attrTuples: map[string]set.Set[uint64]{},
		}
		p.states[id] = st
	}
	return st
}

// pruneStates drops bookkeeping for sessions the registry has evicted.
func (p *Processor) pruneStates() {
	for id := range p.states {
		if _, ok := p.opts.Registry.Get(id); !ok {
			delete(p.states, id)
			if p.opts.Metrics != nil {
				p.opts.Metrics.ForgetSession(id, "")
			}
		}
	}
}

// apply runs one point through dedup, staleness and name semantics. It
// reports false when the point was dropped.
func (p *Processor) apply(pt otlp.MetricPoint) (ProcessedUpdate, bool) {
	snap, _ := p.opts.Registry.GetOrCreate(pt.SessionID, pt.ProjectID, pt.ProjectPath, pt.Model)
	if snap.Status == session.StatusClosed {
		p.countDropped("closed_session")
		return ProcessedUpdate{}, false
	}

	st := p.state(pt.SessionID)

	if pt.TimestampNs > 0 && st.watermarkNs-pt.TimestampNs > int64(staleWatermark) {
		p.stale++
		p.countDropped("stale")
		return ProcessedUpdate{}, false
	}

	key := p.dedupKey(st, pt)
	if _, seen := st.dedup.Get(key); seen {
		p.countDropped("duplicate")
		return ProcessedUpdate{}, false
	}
	st.dedup.Add(key, struct{}{})
	if pt.TimestampNs > st.watermarkNs {
		st.watermarkNs = pt.TimestampNs
	}

	now := p.opts.Clock.Now().UTC()
	update := ProcessedUpdate{SessionID: pt.SessionID, ObservedAt: now}

	out, ok := p.opts.Registry.Update(pt.SessionID, func(rec *session.Record) {
		rec.LastSeenAt = now
		if rec.Status == session.StatusIdle {
			rec.Status = session.StatusActive
		}
		p.applyNamed(st, rec, pt, now, &update)
	})
	if !ok {
		return ProcessedUpdate{}, false
	}
	update.Snapshot = out

	if p.opts.Metrics != nil {
		p.opts.Metrics.ObserveSession(out)
		p.opts.Metrics.SessionsActive.Set(float64(p.opts.Registry.ActiveCount()))
	}
	if p.opts.Bus != nil {
		p.opts.Bus.Publish(events.Event{
			Type:      events.TypeSessionUpdated,
			SessionID: out.SessionID,
			ProjectID: out.ProjectID,
			Payload:   out,
		})
	}
	return update, true
}

// dedupKey applies the cardinality cap: a session already tracking the
// maximum distinct attribute tuples for a metric collapses new tuples into
// a shared __other__ bucket.
func (p *Processor) dedupKey(st *sessionState, pt otlp.MetricPoint) string {
	hash := pt.AttrHash()
	tuples, ok := st.attrTuples[pt.Name]
	if !ok {
		tuples = set.Set[uint64]{}
		st.attrTuples[pt.Name] = tuples
	}
	if !tuples.Contains(hash) {
		if tuples.Len() >= attrTupleCap {
			p.merged++
			p.countDropped("cardinality_merged")
			merged := pt
			merged.Attributes = map[string]string{"__other__": "true"}
			return merged.DedupKey()
		}
		tuples.Add(hash)
	}
	return pt.DedupKey()
}

func (p *Processor) applyNamed(st *sessionState, rec *session.Record, pt otlp.MetricPoint, now time.Time, update *ProcessedUpdate) {
	switch pt.Name {
	case MetricTokensTotal:
		update.TokensUpdated = true
		value := int64(pt.Value)

		if rec.AwaitBaseline {
			// First reading after an emergency clear: take it as the
			// new baseline, with no velocity or compaction inference
			// against the pre-clear numbers.
			rec.AwaitBaseline = false
			rec.PrevTokens = value
			rec.PrevTokensTSNs = pt.TimestampNs
			rec.VelocitySampled = false
			update.BaselineReset = true
		} else {
			rec.PrevTokens = rec.CurrentTokens
			p.sampleVelocity(rec, value, pt.TimestampNs)
		}

		rec.CurrentTokens = value
		st.tokensSeen = true
		p.recomputeUtilization(rec)

	case MetricTokensInput:
		rec.InputTokens = p.accumulate(rec.SessionID, pt.Name, rec.InputTokens, pt)
	case MetricTokensOutput:
		rec.OutputTokens = p.accumulate(rec.SessionID, pt.Name, rec.OutputTokens, pt)
	case MetricTokensCacheRead:
		rec.CacheReadTokens = p.accumulate(rec.SessionID, pt.Name, rec.CacheReadTokens, pt)

	case MetricUtilization:
		// Direct utilization is a fallback for clients that never report
		// tokens; token-derived utilization always wins.
		if !st.tokensSeen {
			u := pt.Value
			if u > 1 {
				p.opts.Logger.Warnf("session %s reported utilization %.3f > 1, clamping", rec.SessionID, u)
				u = 1
			}
			if u < 0 {
				u = 0
			}
			rec.Utilization = u
		}

	case MetricContextReset:
		rec.LastResetAt = pointTime(pt, now)

	case MetricCheckpoint:
		rec.Checkpoints++
		if p.opts.Optimizer != nil {
			p.opts.Optimizer.OnCheckpointSuccess(rec.SessionID, rec.Utilization)
		}

	case MetricErrors:
		rec.Errors = p.accumulateCount(rec.SessionID, pt.Name, rec.Errors, pt)
	case MetricOperations:
		rec.Operations = p.accumulateCount(rec.SessionID, pt.Name, rec.Operations, pt)
	}
}

// sampleVelocity folds the rate between consecutive tokens.total samples
// into an exponentially weighted average. The first rate seeds the average.
func (p *Processor) sampleVelocity(rec *session.Record, value int64, tsNs int64) {
	defer func() {
		rec.PrevTokensTSNs = tsNs
	}()
	if rec.PrevTokensTSNs == 0 || tsNs <= rec.PrevTokensTSNs {
		return
	}
	dt := float64(tsNs-rec.PrevTokensTSNs) / float64(time.Second)
	rate := float64(value-rec.CurrentTokens) / dt
	if rate < 0 {
		// A drop is a clear or compaction, not consumption.
		return
	}
	if !rec.VelocitySampled {
		rec.TokenVelocity = rate
		rec.VelocitySampled = true
		return
	}
	rec.TokenVelocity = velocityAlpha*rate + (1-velocityAlpha)*rec.TokenVelocity
}

func (p *Processor) recomputeUtilization(rec *session.Record) {
	if rec.WindowSize <= 0 {
		return
	}
	u := float64(rec.CurrentTokens) / float64(rec.WindowSize)
	if u > 1 {
		p.opts.Logger.Warnf("session %s at %d tokens exceeds window %d, clamping utilization",
			rec.SessionID, rec.CurrentTokens, rec.WindowSize)
		u = 1
	}
	if u < 0 {
		u = 0
	}
	rec.Utilization = u
}

// accumulate implements the sum aggregation policy: cumulative sums keep
// the latest reading, delta sums add up. A reading that would move the
// counter backward is clamped to the stored value.
func (p *Processor) accumulate(sessionID, name string, current int64, pt otlp.MetricPoint) int64 {
	if pt.Temporality == otlp.TemporalityDelta {
		if pt.Value < 0 {
			p.counterRegression(sessionID, name, int64(pt.Value))
			return current
		}
		return current + int64(pt.Value)
	}
	v := int64(pt.Value)
	if v < current {
		p.counterRegression(sessionID, name, v)
		return current
	}
	return v
}

func (p *Processor) accumulateCount(sessionID, name string, current uint64, pt otlp.MetricPoint) uint64 {
	if pt.Value < 0 {
		p.counterRegression(sessionID, name, int64(pt.Value))
		return current
	}
	if pt.Temporality == otlp.TemporalityDelta {
		return current + uint64(pt.Value)
	}
	v := uint64(pt.Value)
	if v < current {
		p.counterRegression(sessionID, name, int64(v))
		return current
	}
	return v
}

func (p *Processor) counterRegression(sessionID, name string, got int64) {
	p.opts.Logger.Warnf("session %s: %s went backward to %d, keeping the stored value", sessionID, name, got)
	p.countDropped("counter_regression")
}

func pointTime(pt otlp.MetricPoint, fallback time.Time) time.Time {
	if pt.TimestampNs > 0 {
		return time.Unix(0, pt.TimestampNs).UTC()
	}
	return fallback
}

func (p *Processor) publish(ctx context.Context, update ProcessedUpdate) {
	select {
	case p.updates <- update:
	case <-ctx.Done():
	}
}

func (p *Processor) countDropped(reason string) {
	if p.opts.Metrics != nil {
		p.opts.Metrics.DroppedPoints.WithLabelValues(reason).Inc()
	}
}
