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

package web

import (
	"net/http"
	"time"

	"github.com/sessionops/governor/internal/version"
)

// degradedWindow is how long a non-info alert keeps /health degraded.
const degradedWindow = time.Minute

// HealthHandler returns the mux for the health listener.
func (s *Server) HealthHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.health)
	mux.HandleFunc("/health/live", s.live)
	mux.HandleFunc("/health/ready", s.ready)
	return mux
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	saturated := s.opts.Receiver != nil && s.opts.Receiver.Saturated()
	degraded := saturated
	if s.opts.Alerts != nil && s.opts.Alerts.DegradedSince(degradedWindow) {
		degraded = true
	}

	status := "healthy"
	if degraded {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  status,
		"version": version.Version,
		"components": map[string]any{
			"receiver": map[string]any{
				"alive":     true,
				"saturated": saturated,
			},
			"registry": map[string]any{
				"alive":          true,
				"activeSessions": s.opts.Registry.ActiveCount(),
			},
			"orchestrator": map[string]any{
				"alive": s.opts.Ready == nil || s.opts.Ready(),
			},
		},
	})
}

func (s *Server) live(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) ready(w http.ResponseWriter, _ *http.Request) {
	if s.opts.Ready != nil && !s.opts.Ready() {
		writeError(w, http.StatusServiceUnavailable, "not_ready", "pipeline is not operational")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
