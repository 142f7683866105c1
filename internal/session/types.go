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

// Package session owns the set of live assistant sessions and their
// lifecycle. All mutations to a session record are serialized through the
// registry; readers get copy-on-read snapshots.
package session

import "time"

type Status string

const (
	StatusActive     Status = "active"
	StatusIdle       Status = "idle"
	StatusWrappingUp Status = "wrapping-up"
	StatusClosed     Status = "closed"
)

type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// Task is one entry of a session's execution plan. The plan is opaque to
// the pipeline except for status transitions and progress.
type Task struct {
	ID         string     `json:"id"`
	Content    string     `json:"content"`
	Status     TaskStatus `json:"status"`
	Progress   int        `json:"progress"`
	ActiveForm string     `json:"activeForm,omitempty"`
}

// Record is the mutable per-session state. It must only be touched inside
// Registry.Update (or at creation); everything else works on Snapshots.
type Record struct {
	SessionID   string
	ProjectID   string
	ProjectPath string
	Model       string

	CreatedAt  time.Time
	LastSeenAt time.Time
	ClosedAt   time.Time
	Status     Status
	CloseReason string

	CurrentTokens int64
	WindowSize    int64
	Utilization   float64
	TokenVelocity float64

	InputTokens     int64
	OutputTokens    int64
	CacheReadTokens int64

	Operations      uint64
	Checkpoints     uint64
	CompactionSaves uint64
	Errors          uint64

	Plan []Task

	// External controller fields, set through the API.
	CurrentTask  string
	Phase        string
	QualityScore float64
	Iteration    int

	// Velocity bookkeeping: previous claude.tokens.total sample.
	PrevTokens      int64
	PrevTokensTSNs  int64
	VelocitySampled bool

	// LastResetAt records the most recent claude.context.reset event;
	// a tokens drop shortly after it is an explicit clear, not a
	// compaction.
	LastResetAt time.Time

	// AwaitBaseline suppresses decisions after an emergency clear until
	// the next tokens.total reading establishes the new baseline.
	AwaitBaseline bool
}

// Snapshot is the read-only projection of a Record handed to the bridge,
// the alert engine and the API layer.
type Snapshot struct {
	SessionID   string `json:"sessionId"`
	ProjectID   string `json:"projectId"`
	ProjectPath string `json:"projectPath,omitempty"`
	Model       string `json:"model,omitempty"`

	CreatedAt   time.Time `json:"createdAt"`
	LastSeenAt  time.Time `json:"lastSeenAt"`
	Status      Status    `json:"status"`
	CloseReason string    `json:"closeReason,omitempty"`

	CurrentTokens int64   `json:"currentTokens"`
	WindowSize    int64   `json:"windowSize"`
	Utilization   float64 `json:"utilization"`
	TokenVelocity float64 `json:"tokenVelocity"`

	InputTokens     int64 `json:"inputTokens"`
	OutputTokens    int64 `json:"outputTokens"`
	CacheReadTokens int64 `json:"cacheReadTokens"`

	Operations      uint64 `json:"operations"`
	Checkpoints     uint64 `json:"checkpoints"`
	CompactionSaves uint64 `json:"compactionSaves"`
	Errors          uint64 `json:"errors"`

	Plan []Task `json:"executionPlan,omitempty"`

	CurrentTask  string  `json:"currentTask,omitempty"`
	Phase        string  `json:"phase,omitempty"`
	QualityScore float64 `json:"qualityScore,omitempty"`
	Iteration    int     `json:"iteration,omitempty"`

	AwaitBaseline bool `json:"-"`
	LastResetAt   time.Time `json:"-"`
	PrevTokens    int64     `json:"-"`
}

func (r *Record) snapshot() Snapshot {
	s := Snapshot{
		SessionID:       r.SessionID,
		ProjectID:       r.ProjectID,
		ProjectPath:     r.ProjectPath,
		Model:           r.Model,
		CreatedAt:       r.CreatedAt,
		LastSeenAt:      r.LastSeenAt,
		Status:          r.Status,
		CloseReason:     r.CloseReason,
		CurrentTokens:   r.CurrentTokens,
		WindowSize:      r.WindowSize,
		Utilization:     r.Utilization,
		TokenVelocity:   r.TokenVelocity,
		InputTokens:     r.InputTokens,
		OutputTokens:    r.OutputTokens,
		CacheReadTokens: r.CacheReadTokens,
		Operations:      r.Operations,
		Checkpoints:     r.Checkpoints,
		CompactionSaves: r.CompactionSaves,
		Errors:          r.Errors,
		CurrentTask:     r.CurrentTask,
		Phase:           r.Phase,
		QualityScore:    r.QualityScore,
		Iteration:       r.Iteration,
		AwaitBaseline:   r.AwaitBaseline,
		LastResetAt:     r.LastResetAt,
		PrevTokens:      r.PrevTokens,
	}
	if len(r.Plan) > 0 {
		s.Plan = make([]Task, len(r.Plan))
		copy(s.Plan, r.Plan)
	}
	return s
}
