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

package alerts

import (
	"fmt"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"gotest.tools/v3/assert"

	"github.com/sessionops/governor/internal/events"
	"github.com/sessionops/governor/internal/session"
)

func snap(id string, utilization, velocity float64) session.Snapshot {
	return session.Snapshot{
		SessionID:     id,
		ProjectID:     "p",
		Utilization:   utilization,
		TokenVelocity: velocity,
		WindowSize:    200000,
	}
}

func rulesOf(alerts []Alert) []Rule {
	out := make([]Rule, len(alerts))
	for i, a := range alerts {
		out[i] = a.Rule
	}
	return out
}

func TestHighUtilizationFiresOnceOnEdge(t *testing.T) {
	e := New(Options{})

	e.OnUpdate(snap("s-1", 0.80, 0))
	e.OnUpdate(snap("s-1", 0.86, 0))
	e.OnUpdate(snap("s-1", 0.88, 0)) // still inside the state, no new alert
	assert.DeepEqual(t, rulesOf(e.List()), []Rule{RuleHighUtilization})

	// Leaving and re-entering the state rearms the rule.
	e.OnUpdate(snap("s-1", 0.50, 0))
	e.OnUpdate(snap("s-1", 0.90, 0))
	assert.DeepEqual(t, rulesOf(e.List()), []Rule{RuleHighUtilization, RuleHighUtilization})
}

func TestCriticalAndHighBothFire(t *testing.T) {
	e := New(Options{})
	e.OnUpdate(snap("s-1", 0.96, 0))
	assert.DeepEqual(t, rulesOf(e.List()), []Rule{RuleCriticalUtilization, RuleHighUtilization})
}

func TestRapidConsumptionPublishesPattern(t *testing.T) {
	bus := events.NewBus(16)
	e := New(Options{Bus: bus})

	e.OnUpdate(snap("s-1", 0.1, 6000))

	replay, _, cancel := bus.Subscribe(0)
	defer cancel()
	var types []events.Type
	for _, ev := range replay {
		types = append(types, ev.Type)
	}
	assert.DeepEqual(t, types, []events.Type{events.TypeAlertTriggered, events.TypePatternHighVelocity})
}

func TestRuleStateIsPerSession(t *testing.T) {
	e := New(Options{})
	e.OnUpdate(snap("s-1", 0.90, 0))
	e.OnUpdate(snap("s-2", 0.90, 0))
	assert.Equal(t, len(e.List()), 2)
}

func TestEveryCompactionFires(t *testing.T) {
	e := New(Options{})
	e.OnCompaction(snap("s-1", 0.3, 0), 0.9)
	e.OnCompaction(snap("s-1", 0.3, 0), 0.8)
	assert.DeepEqual(t, rulesOf(e.List()), []Rule{RuleCompactionDetected, RuleCompactionDetected})
	assert.Equal(t, e.List()[0].Severity, SeverityError)
}

func TestParallelSessionsPattern(t *testing.T) {
	bus := events.NewBus(16)
	reg := session.NewRegistry(session.Options{})
	e := New(Options{Registry: reg, Bus: bus})

	for i, id := range []string{"s-4a", "s-4b", "s-4c"} {
		reg.GetOrCreate(id, "multi", "", "")
		s := snap(id, 0.1, 0)
		s.ProjectID = "multi"
		e.OnUpdate(s)
		if i < 2 {
			assert.Equal(t, len(e.List()), 0)
		}
	}

	alerts := e.List()
	assert.DeepEqual(t, rulesOf(alerts), []Rule{RuleParallelSessions})
	assert.Equal(t, alerts[0].Value, float64(3))

	var pattern *events.Event
	replay, _, cancel := bus.Subscribe(0)
	defer cancel()
	for i := range replay {
		if replay[i].Type == events.TypePatternParallelSessions {
			pattern = &replay[i]
		}
	}
	assert.Assert(t, pattern != nil)
	payload := pattern.Payload.(map[string]any)
	assert.Equal(t, payload["sessionCount"], 3)
}

func TestRingIsBounded(t *testing.T) {
	e := New(Options{RingSize: 5})
	for i := 0; i < 20; i++ {
		e.OnCompaction(snap(fmt.Sprintf("s-%d", i), 0.3, 0), 0.9)
	}
	list := e.List()
	assert.Equal(t, len(list), 5)
	assert.Equal(t, list[4].SessionID, "s-19")
}

func TestDegradedSince(t *testing.T) {
	clock := clockwork.NewFakeClock()
	e := New(Options{Clock: clock})

	assert.Assert(t, !e.DegradedSince(time.Minute))
	e.OnCompaction(snap("s-1", 0.3, 0), 0.9)
	assert.Assert(t, e.DegradedSince(time.Minute))

	clock.Advance(2 * time.Minute)
	assert.Assert(t, !e.DegradedSince(time.Minute))
}
