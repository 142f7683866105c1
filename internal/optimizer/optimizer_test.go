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

package optimizer

import (
	"testing"

	"gotest.tools/v3/assert"
)

func bandsHold(t *testing.T, lt LearnedThresholds) {
	t.Helper()
	assert.Assert(t, lt.Checkpoint >= 0.60, "checkpoint %v below floor", lt.Checkpoint)
	assert.Assert(t, lt.Checkpoint <= lt.Warning, "checkpoint %v above warning %v", lt.Checkpoint, lt.Warning)
	assert.Assert(t, lt.Warning <= lt.Compaction, "warning %v above compaction %v", lt.Warning, lt.Compaction)
	assert.Assert(t, lt.Compaction <= 0.99, "compaction %v above ceiling", lt.Compaction)
}

func TestDefaultsSeeded(t *testing.T) {
	o := New(Defaults{})
	lt := o.Thresholds("s")
	assert.Equal(t, lt.Checkpoint, 0.75)
	assert.Equal(t, lt.Warning, 0.85)
	assert.Equal(t, lt.Compaction, 0.95)
	assert.Equal(t, lt.LearningRate, 0.10)
}

func TestCheckpointSuccessRaisesThreshold(t *testing.T) {
	o := New(Defaults{})
	o.OnCheckpointSuccess("s", 0.76)
	lt := o.Thresholds("s")
	// 0.75 + 0.1*(0.85-0.75) = 0.76
	assert.Assert(t, lt.Checkpoint > 0.75)
	assert.Assert(t, lt.Checkpoint < 0.77)
	assert.Equal(t, lt.Successes, 1)
	bandsHold(t, lt)
}

func TestRepeatedSuccessesNeverPass085(t *testing.T) {
	o := New(Defaults{})
	for i := 0; i < 200; i++ {
		o.OnCheckpointSuccess("s", 0.80)
	}
	lt := o.Thresholds("s")
	assert.Assert(t, lt.Checkpoint <= 0.85)
	bandsHold(t, lt)
}

func TestCompactionLowersThresholds(t *testing.T) {
	o := New(Defaults{})
	before := o.Thresholds("s")
	o.OnCompactionDetected("s", 0.90)
	lt := o.Thresholds("s")

	// The drop is at least the compaction penalty.
	assert.Assert(t, before.Checkpoint-lt.Checkpoint >= 0.10-1e-9,
		"checkpoint only moved %v -> %v", before.Checkpoint, lt.Checkpoint)
	assert.Equal(t, lt.Compactions, 1)
	bandsHold(t, lt)
}

func TestCompactionAtHighUtilization(t *testing.T) {
	o := New(Defaults{})
	o.OnCompactionDetected("s", 0.99)
	lt := o.Thresholds("s")
	assert.Assert(t, lt.Checkpoint <= 0.99-0.15+1e-9)
	bandsHold(t, lt)
}

func TestRepeatedCompactionsHitFloor(t *testing.T) {
	o := New(Defaults{})
	for i := 0; i < 10; i++ {
		o.OnCompactionDetected("s", 0.70)
	}
	lt := o.Thresholds("s")
	assert.Equal(t, lt.Checkpoint, 0.60)
	bandsHold(t, lt)
}

func TestSuccessAfterCompactionDoesNotRaise(t *testing.T) {
	o := New(Defaults{})
	o.OnCompactionDetected("s", 0.90)
	mid := o.Thresholds("s")
	o.OnCheckpointSuccess("s", 0.60)
	lt := o.Thresholds("s")
	// First success after a compaction only clears the flag.
	assert.Equal(t, lt.Checkpoint, mid.Checkpoint)

	o.OnCheckpointSuccess("s", 0.62)
	lt = o.Thresholds("s")
	assert.Assert(t, lt.Checkpoint > mid.Checkpoint)
	bandsHold(t, lt)
}

func TestOnChangeFires(t *testing.T) {
	o := New(Defaults{})
	var calls int
	var last LearnedThresholds
	o.OnChange(func(id string, lt LearnedThresholds) {
		calls++
		last = lt
	})
	o.OnCheckpointSuccess("s", 0.75)
	o.OnCompactionDetected("s", 0.80)
	assert.Equal(t, calls, 2)
	assert.Equal(t, last.Compactions, 1)
}

func TestSeedClampsOutOfBandValues(t *testing.T) {
	o := New(Defaults{})
	o.Seed("s", LearnedThresholds{Checkpoint: 0.30, Warning: 0.50, Compaction: 1.5, LearningRate: 0.9})
	lt := o.Thresholds("s")
	bandsHold(t, lt)
	assert.Equal(t, lt.LearningRate, 0.10)
}

func TestSessionsIndependent(t *testing.T) {
	o := New(Defaults{})
	o.OnCompactionDetected("a", 0.90)
	assert.Equal(t, o.Thresholds("b").Checkpoint, 0.75)
}
