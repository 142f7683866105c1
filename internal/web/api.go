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

// Package web is the publication layer: the session API, the SSE event
// stream, health endpoints and the Prometheus exposition handler. It only
// reads pipeline state; the single mutating path (ending a session) goes
// through the orchestrator.
package web

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sessionops/governor/internal/alerts"
	"github.com/sessionops/governor/internal/events"
	"github.com/sessionops/governor/internal/logs"
	"github.com/sessionops/governor/internal/session"
	"github.com/sessionops/governor/internal/version"
)

// SessionEnder lets the API hand session termination to the orchestrator.
type SessionEnder interface {
	WrapUp(sessionID string)
}

// Saturable reports ingestion backpressure for /health.
type Saturable interface {
	Saturated() bool
	Dropped() int64
}

// Options configures a Server.
type Options struct {
	Registry *session.Registry
	Bus      *events.Bus
	Alerts   *alerts.Engine
	Ender    SessionEnder
	Receiver Saturable
	Ready    func() bool
	PromReg  *prometheus.Registry
	Logger   logs.StructuredLogger
}

type Server struct {
	opts Options
}

func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = logs.DiscardLogger()
	}
	return &Server{opts: opts}
}

// Handler returns the API router (sessions, alerts, stats, SSE).
func (s *Server) Handler() http.Handler {
	r := httprouter.New()
	r.GET("/api/sessions", s.listSessions)
	r.GET("/api/sessions/:id", s.getSession)
	r.POST("/api/sessions/:id/plan", s.putPlan)
	r.POST("/api/sessions/:id/update", s.updateSession)
	r.POST("/api/sessions/:id/end", s.endSession)
	r.POST("/api/sessions/:id/register", s.registerSession)
	r.GET("/api/alerts", s.listAlerts)
	r.GET("/api/stats", s.stats)
	r.HandlerFunc(http.MethodGet, "/events", s.serveEvents)
	return r
}

// MetricsHandler serves the Prometheus exposition format.
func (s *Server) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(s.opts.PromReg, promhttp.HandlerOpts{})
}

type errorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Code: code, Message: message})
}

func (s *Server) listSessions(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	sessions := s.opts.Registry.ListActive()
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

func (s *Server) getSession(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	snap, ok := s.opts.Registry.Get(ps.ByName("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "session_not_found", "no such session")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type planRequest struct {
	Tasks []session.Task `json:"tasks"`
}

func (s *Server) putPlan(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
	var body planRequest
	if err := decodeBody(req, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	snap, ok := s.opts.Registry.Update(ps.ByName("id"), func(rec *session.Record) {
		rec.Plan = body.Tasks
	})
	if !ok {
		writeError(w, http.StatusNotFound, "session_not_found", "no such session")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// updateRequest carries external-controller fields. Pointers distinguish
// "absent" from zero values.
type updateRequest struct {
	CurrentTask  *string  `json:"currentTask"`
	Phase        *string  `json:"phase"`
	QualityScore *float64 `json:"qualityScore"`
	Iteration    *int     `json:"iteration"`
}

func (s *Server) updateSession(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
	var body updateRequest
	if err := decodeBody(req, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	snap, ok := s.opts.Registry.Update(ps.ByName("id"), func(rec *session.Record) {
		if body.CurrentTask != nil {
			rec.CurrentTask = *body.CurrentTask
		}
		if body.Phase != nil {
			rec.Phase = *body.Phase
		}
		if body.QualityScore != nil {
			rec.QualityScore = *body.QualityScore
		}
		if body.Iteration != nil {
			rec.Iteration = *body.Iteration
		}
	})
	if !ok {
		writeError(w, http.StatusNotFound, "session_not_found", "no such session")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) endSession(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	id := ps.ByName("id")
	snap, ok := s.opts.Registry.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "session_not_found", "no such session")
		return
	}
	if snap.Status == session.StatusClosed {
		writeJSON(w, http.StatusOK, snap)
		return
	}
	if s.opts.Ender != nil {
		s.opts.Ender.WrapUp(id)
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"sessionId": id,
		"status":    string(session.StatusWrappingUp),
	})
}

type registerRequest struct {
	ProjectID   string `json:"projectId"`
	ProjectPath string `json:"projectPath"`
	Model       string `json:"model"`
}

func (s *Server) registerSession(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
	var body registerRequest
	if err := decodeBody(req, &body); err != nil && !errors.Is(err, errEmptyBody) {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	snap, created := s.opts.Registry.GetOrCreate(ps.ByName("id"), body.ProjectID, body.ProjectPath, body.Model)
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, snap)
}

func (s *Server) listAlerts(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	list := s.opts.Alerts.List()
	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": list,
		"count":  len(list),
	})
}

func (s *Server) stats(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	stats := map[string]any{
		"version":        version.Version,
		"activeSessions": s.opts.Registry.ActiveCount(),
		"collisions":     s.opts.Registry.Collisions(),
	}
	if s.opts.Bus != nil {
		stats["lastEventSeq"] = s.opts.Bus.LastSeq()
		stats["eventsDropped"] = s.opts.Bus.Dropped()
	}
	if s.opts.Receiver != nil {
		stats["pointsDropped"] = s.opts.Receiver.Dropped()
	}
	writeJSON(w, http.StatusOK, stats)
}

var errEmptyBody = errors.New("empty body")

func decodeBody(req *http.Request, v any) error {
	if err := json.NewDecoder(req.Body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	return nil
}
