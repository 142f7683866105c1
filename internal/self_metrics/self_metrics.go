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

// Package self_metrics defines the governor's own Prometheus instruments.
// Per-session series carry {session, project} labels; every bounded queue
// in the pipeline exposes its drop counter here.
package self_metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sessionops/governor/internal/session"
)

// CounterSource decouples metric definitions from the components that own
// the underlying counters.
type CounterSource func() int64

type Metrics struct {
	registry *prometheus.Registry

	ContextTokens      *prometheus.GaugeVec
	ContextUtilization *prometheus.GaugeVec
	ContextVelocity    *prometheus.GaugeVec
	Checkpoints        *prometheus.GaugeVec
	CompactionSaves    *prometheus.GaugeVec
	Operations         *prometheus.GaugeVec
	SessionsActive     prometheus.Gauge

	IngestRequests    *prometheus.CounterVec
	DroppedPoints     *prometheus.CounterVec
	Decisions         *prometheus.CounterVec
	EventsDropped     prometheus.CounterFunc
	SessionCollisions prometheus.CounterFunc
}

func New(eventsDropped, collisions CounterSource) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	sessionLabels := []string{"session", "project"}
	m := &Metrics{
		registry: reg,
		ContextTokens: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "context_tokens_total",
			Help: "Most recent cumulative token count per session.",
		}, sessionLabels),
		ContextUtilization: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "context_utilization",
			Help: "Fraction of the context window in use, in [0, 1].",
		}, sessionLabels),
		ContextVelocity: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "context_velocity_tokens_per_sec",
			Help: "Exponentially weighted token consumption rate.",
		}, sessionLabels),
		Checkpoints: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "checkpoints_total",
			Help: "Checkpoints created for the session.",
		}, sessionLabels),
		CompactionSaves: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "compaction_saves_total",
			Help: "Emergency save-and-clear actions taken for the session.",
		}, sessionLabels),
		Operations: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "operations_total",
			Help: "Assistant operations observed for the session.",
		}, sessionLabels),
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sessions_active",
			Help: "Sessions currently resident and not closed.",
		}),
		IngestRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "governor_ingest_requests_total",
			Help: "OTLP ingestion requests by response status.",
		}, []string{"status"}),
		DroppedPoints: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "governor_dropped_points_total",
			Help: "Metric points dropped before processing, by reason.",
		}, []string{"reason"}),
		Decisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "governor_decisions_total",
			Help: "Safety decisions emitted by the context bridge, by kind.",
		}, []string{"kind"}),
	}
	if eventsDropped != nil {
		m.EventsDropped = factory.NewCounterFunc(prometheus.CounterOpts{
			Name: "governor_events_dropped_total",
			Help: "Bus events lost to slow SSE subscribers.",
		}, func() float64 { return float64(eventsDropped()) })
	}
	if collisions != nil {
		m.SessionCollisions = factory.NewCounterFunc(prometheus.CounterOpts{
			Name: "governor_session_collisions_total",
			Help: "Same session id claimed by distinct telemetry sources.",
		}, func() float64 { return float64(collisions()) })
	}
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveSession refreshes the per-session series from a snapshot.
func (m *Metrics) ObserveSession(s session.Snapshot) {
	labels := prometheus.Labels{"session": s.SessionID, "project": s.ProjectID}
	m.ContextTokens.With(labels).Set(float64(s.CurrentTokens))
	m.ContextUtilization.With(labels).Set(s.Utilization)
	m.ContextVelocity.With(labels).Set(s.TokenVelocity)
	m.Checkpoints.With(labels).Set(float64(s.Checkpoints))
	m.CompactionSaves.With(labels).Set(float64(s.CompactionSaves))
	m.Operations.With(labels).Set(float64(s.Operations))
}

// ForgetSession drops the per-session series so label cardinality stays
// bounded by the live session count.
func (m *Metrics) ForgetSession(sessionID, projectID string) {
	labels := prometheus.Labels{"session": sessionID, "project": projectID}
	m.ContextTokens.Delete(labels)
	m.ContextUtilization.Delete(labels)
	m.ContextVelocity.Delete(labels)
	m.Checkpoints.Delete(labels)
	m.CompactionSaves.Delete(labels)
	m.Operations.Delete(labels)
}
