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

package otlp

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/sessionops/governor/internal/logs"
	"github.com/sessionops/governor/internal/self_metrics"
)

const (
	defaultQueueSize   = 8192
	defaultShedTimeout = 5 * time.Second
	maxBodyBytes       = 8 << 20
)

// ReceiverOptions configures the ingestion front door.
type ReceiverOptions struct {
	QueueSize   int
	ShedTimeout time.Duration
	Strict      bool
	Clock       clockwork.Clock
	Logger      logs.StructuredLogger
	Metrics     *self_metrics.Metrics
}

// Receiver accepts OTLP/JSON batches on POST /v1/metrics and feeds the
// processor through a bounded channel. When the channel is full the oldest
// queued point is shed to make room; if it stays full past ShedTimeout the
// receiver answers 503 until the processor catches up.
type Receiver struct {
	opts ReceiverOptions

	ch        chan MetricPoint
	fullSince atomic.Int64 // unix nanos; 0 while the queue has room
	dropped   atomic.Int64
}

func NewReceiver(opts ReceiverOptions) *Receiver {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.ShedTimeout <= 0 {
		opts.ShedTimeout = defaultShedTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = logs.DiscardLogger()
	}
	return &Receiver{
		opts: opts,
		ch:   make(chan MetricPoint, opts.QueueSize),
	}
}

// Points is the processor's intake.
func (r *Receiver) Points() <-chan MetricPoint {
	return r.ch
}

// Dropped reports points shed under backpressure.
func (r *Receiver) Dropped() int64 {
	return r.dropped.Load()
}

// Saturated reports whether the queue has been full past the shed timeout.
func (r *Receiver) Saturated() bool {
	since := r.fullSince.Load()
	return since != 0 && r.opts.Clock.Now().UnixNano()-since > int64(r.opts.ShedTimeout)
}

// Handler returns the ingestion mux, mounting POST /v1/metrics.
func (r *Receiver) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/metrics", r.handleExport)
	return mux
}

type errorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func writeError(w http.ResponseWriter, status int, body errorBody) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func (r *Receiver) handleExport(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errorBody{
			Code: "method_not_allowed", Message: "use POST", Retryable: false})
		return
	}

	if r.Saturated() {
		r.countRequest(http.StatusServiceUnavailable)
		w.Header().Set("Retry-After", strconv.Itoa(int(r.opts.ShedTimeout/time.Second)))
		writeError(w, http.StatusServiceUnavailable, errorBody{
			Code: "backpressure", Message: "ingestion queue saturated", Retryable: true})
		return
	}

	body, err := io.ReadAll(io.LimitReader(req.Body, maxBodyBytes))
	if err != nil {
		r.countRequest(http.StatusBadRequest)
		writeError(w, http.StatusBadRequest, errorBody{
			Code: "unreadable_body", Message: "could not read request body", Retryable: false})
		return
	}

	points, stats, err := Decode(body, req.RemoteAddr, r.opts.Strict)
	if err != nil {
		r.countRequest(http.StatusBadRequest)
		writeError(w, http.StatusBadRequest, errorBody{
			Code: "invalid_payload", Message: err.Error(), Retryable: false})
		return
	}
	if stats.UnsupportedKind > 0 {
		r.countDropped("unsupported_type", stats.UnsupportedKind)
	}
	if stats.EmptyValue > 0 {
		r.countDropped("empty_value", stats.EmptyValue)
	}
	if stats.WeakIdentity > 0 {
		r.opts.Logger.Warnf("synthesized %d weak session identities from %s; attribution is ambiguous without claude.session.id",
			stats.WeakIdentity, req.RemoteAddr)
	}

	// Order within a request is preserved into the channel.
	for _, p := range points {
		r.enqueue(p)
	}

	r.countRequest(http.StatusNoContent)
	w.WriteHeader(http.StatusNoContent)
}

// enqueue never blocks the handler: a full queue sheds its oldest point.
func (r *Receiver) enqueue(p MetricPoint) {
	select {
	case r.ch <- p:
		r.fullSince.Store(0)
		return
	default:
	}

	if r.fullSince.Load() == 0 {
		r.fullSince.Store(r.opts.Clock.Now().UnixNano())
	}
	select {
	case <-r.ch:
		r.dropped.Add(1)
		r.countDropped("backpressure", 1)
	default:
	}
	select {
	case r.ch <- p:
	default:
		r.dropped.Add(1)
		r.countDropped("backpressure", 1)
	}
}

func (r *Receiver) countRequest(status int) {
	if r.opts.Metrics != nil {
		r.opts.Metrics.IngestRequests.WithLabelValues(strconv.Itoa(status)).Inc()
	}
}

func (r *Receiver) countDropped(reason string, n int) {
	if r.opts.Metrics != nil {
		r.opts.Metrics.DroppedPoints.WithLabelValues(reason).Add(float64(n))
	}
}
