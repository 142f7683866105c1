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

// Package optimizer maintains learned per-session checkpoint thresholds.
// The learner is reactive: successful checkpoints nudge the checkpoint
// threshold up toward 0.85, observed compactions drive all thresholds down
// aggressively. Thresholds never leave the band
// 0.60 <= checkpoint <= warning <= compaction <= 0.99.
package optimizer

import (
	"sync"
)

const (
	checkpointFloor = 0.60
	checkpointCeil  = 0.85
	warningFloor    = 0.75
	warningCeil     = 0.90
	compactionFloor = 0.90
	compactionCeil  = 0.99

	// compactionPenalty is the minimum amount an unexplained compaction
	// lowers the checkpoint threshold, on top of the utilization-derived
	// target. Without it a compaction observed near the default threshold
	// would leave the threshold unchanged.
	compactionPenalty = 0.10
)

// LearnedThresholds is the per-session learner state.
type LearnedThresholds struct {
	Checkpoint   float64 `json:"checkpointThreshold"`
	Warning      float64 `json:"warningThreshold"`
	Compaction   float64 `json:"compactionThreshold"`
	LearningRate float64 `json:"learningRate"`

	Successes   int     `json:"successes"`
	Compactions int     `json:"compactions"`
	AvgGap      float64 `json:"avgCheckpointCompactionGap"`

	// lastCheckpointUtil and compactionSinceCheckpoint drive the
	// raise-on-success rule.
	LastCheckpointUtil        float64 `json:"lastCheckpointUtil"`
	CompactionSinceCheckpoint bool    `json:"compactionSinceCheckpoint"`
}

// Defaults seeds a fresh session's thresholds.
type Defaults struct {
	Checkpoint   float64
	Warning      float64
	Compaction   float64
	LearningRate float64
}

// ChangeFunc is invoked after every threshold mutation so the orchestrator
// can persist the new values.
type ChangeFunc func(sessionID string, lt LearnedThresholds)

type Optimizer struct {
	defaults Defaults
	onChange ChangeFunc

	mu       sync.Mutex
	sessions map[string]*LearnedThresholds
}

func New(d Defaults) *Optimizer {
	if d.Checkpoint == 0 {
		d.Checkpoint = 0.75
	}
	if d.Warning == 0 {
		d.Warning = 0.85
	}
	if d.Compaction == 0 {
		d.Compaction = 0.95
	}
	if d.LearningRate == 0 {
		d.LearningRate = 0.10
	}
	return &Optimizer{
		defaults: d,
		sessions: map[string]*LearnedThresholds{},
	}
}

// OnChange registers the persistence callback. Must be called before the
// pipeline starts.
func (o *Optimizer) OnChange(fn ChangeFunc) {
	o.onChange = fn
}

func (o *Optimizer) get(id string) *LearnedThresholds {
	lt, ok := o.sessions[id]
	if !ok {
		lt = &LearnedThresholds{
			Checkpoint:   o.defaults.Checkpoint,
			Warning:      o.defaults.Warning,
			Compaction:   o.defaults.Compaction,
			LearningRate: o.defaults.LearningRate,
		}
		o.sessions[id] = lt
	}
	return lt
}

// Thresholds returns the session's current thresholds, seeding defaults on
// first access.
func (o *Optimizer) Thresholds(id string) LearnedThresholds {
	o.mu.Lock()
	defer o.mu.Unlock()
	return *o.get(id)
}

// Seed installs previously persisted thresholds, typically on restart.
func (o *Optimizer) Seed(id string, lt LearnedThresholds) {
	o.mu.Lock()
	defer o.mu.Unlock()
	clamped := lt
	clampOrder(&clamped)
	o.sessions[id] = &clamped
}

// Forget drops the session's learner state after eviction.
func (o *Optimizer) Forget(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.sessions, id)
}

// OnCheckpointSuccess raises the checkpoint threshold when the previous
// checkpoint cycle completed without a compaction.
func (o *Optimizer) OnCheckpointSuccess(id string, utilization float64) {
	o.mu.Lock()
	lt := o.get(id)
	if !lt.CompactionSinceCheckpoint {
		lt.Checkpoint += lt.LearningRate * (checkpointCeil - lt.Checkpoint)
	}
	lt.Successes++
	lt.CompactionSinceCheckpoint = false
	lt.LastCheckpointUtil = utilization
	clampOrder(lt)
	out := *lt
	o.mu.Unlock()
	o.notify(id, out)
}

// OnCompactionDetected lowers all thresholds in response to an unexplained
// compaction observed at utilizationBefore.
func (o *Optimizer) OnCompactionDetected(id string, utilizationBefore float64) {
	o.mu.Lock()
	lt := o.get(id)
	lt.Compactions++
	lt.CompactionSinceCheckpoint = true

	target := utilizationBefore - 0.15
	if penalized := lt.Checkpoint - compactionPenalty; penalized < target {
		target = penalized
	}
	lt.Checkpoint = target
	lt.Warning = maxf(lt.Checkpoint+0.05, warningFloor)
	lt.Compaction = maxf(lt.Warning+0.05, compactionFloor)

	if lt.LastCheckpointUtil > 0 {
		gap := utilizationBefore - lt.LastCheckpointUtil
		n := float64(lt.Compactions)
		lt.AvgGap = lt.AvgGap + (gap-lt.AvgGap)/n
	}
	clampOrder(lt)
	out := *lt
	o.mu.Unlock()
	o.notify(id, out)
}

func (o *Optimizer) notify(id string, lt LearnedThresholds) {
	if o.onChange != nil {
		o.onChange(id, lt)
	}
}

// clampOrder restores the band and ordering invariants after any update.
func clampOrder(lt *LearnedThresholds) {
	lt.Checkpoint = clamp(lt.Checkpoint, checkpointFloor, checkpointCeil)
	lt.Warning = clamp(lt.Warning, warningFloor, warningCeil)
	lt.Compaction = clamp(lt.Compaction, compactionFloor, compactionCeil)
	if lt.Warning < lt.Checkpoint+0.05 {
		lt.Warning = clamp(lt.Checkpoint+0.05, warningFloor, warningCeil)
	}
	if lt.Compaction < lt.Warning+0.05 {
		lt.Compaction = clamp(lt.Warning+0.05, compactionFloor, compactionCeil)
	}
	if lt.LearningRate <= 0 || lt.LearningRate > 0.3 {
		lt.LearningRate = 0.10
	}
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
