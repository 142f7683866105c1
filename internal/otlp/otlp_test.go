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
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.opentelemetry.io/collector/pdata/pcommon"
	"go.opentelemetry.io/collector/pdata/pmetric"
	"gotest.tools/v3/assert"
)

type bodyOpts struct {
	sessionID  string
	instanceID string
	project    string
	path       string
	model      string
}

func otlpBody(t *testing.T, opts bodyOpts, name string, value int64, tsNs int64) []byte {
	t.Helper()
	metrics := pmetric.NewMetrics()
	rm := metrics.ResourceMetrics().AppendEmpty()
	attrs := rm.Resource().Attributes()
	if opts.sessionID != "" {
		attrs.PutStr("claude.session.id", opts.sessionID)
	}
	if opts.instanceID != "" {
		attrs.PutStr("service.instance.id", opts.instanceID)
	}
	if opts.project != "" {
		attrs.PutStr("project.name", opts.project)
	}
	if opts.path != "" {
		attrs.PutStr("project.path", opts.path)
	}
	if opts.model != "" {
		attrs.PutStr("model.name", opts.model)
	}

	m := rm.ScopeMetrics().AppendEmpty().Metrics().AppendEmpty()
	m.SetName(name)
	sum := m.SetEmptySum()
	sum.SetAggregationTemporality(pmetric.AggregationTemporalityCumulative)
	dp := sum.DataPoints().AppendEmpty()
	dp.SetIntValue(value)
	dp.SetTimestamp(pcommon.Timestamp(tsNs))

	raw, err := (&pmetric.JSONMarshaler{}).MarshalMetrics(metrics)
	assert.NilError(t, err)
	return raw
}

func TestDecodeSum(t *testing.T) {
	body := otlpBody(t, bodyOpts{sessionID: "s-1", project: "p", model: "opus"}, "claude.tokens.total", 12345, 1700000000000000000)

	points, stats, err := Decode(body, "10.0.0.1:5000", false)
	assert.NilError(t, err)
	assert.Equal(t, stats.Points, 1)

	want := MetricPoint{
		SessionID:   "s-1",
		ProjectID:   "p",
		Model:       "opus",
		Name:        "claude.tokens.total",
		Value:       12345,
		TimestampNs: 1700000000000000000,
		Attributes: map[string]string{
			"claude.session.id": "s-1",
			"project.name":      "p",
			"model.name":        "opus",
		},
		Temporality: TemporalityCumulative,
	}
	if diff := cmp.Diff(want, points[0]); diff != "" {
		t.Errorf("decoded point mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeGaugeDouble(t *testing.T) {
	metrics := pmetric.NewMetrics()
	rm := metrics.ResourceMetrics().AppendEmpty()
	rm.Resource().Attributes().PutStr("claude.session.id", "s-2")
	m := rm.ScopeMetrics().AppendEmpty().Metrics().AppendEmpty()
	m.SetName("claude.context.utilization")
	dp := m.SetEmptyGauge().DataPoints().AppendEmpty()
	dp.SetDoubleValue(0.42)
	dp.SetTimestamp(pcommon.Timestamp(1))
	raw, err := (&pmetric.JSONMarshaler{}).MarshalMetrics(metrics)
	assert.NilError(t, err)

	points, _, err := Decode(raw, "", false)
	assert.NilError(t, err)
	assert.Equal(t, len(points), 1)
	assert.Equal(t, points[0].Value, 0.42)
}

func TestDecodeHistogram(t *testing.T) {
	metrics := pmetric.NewMetrics()
	rm := metrics.ResourceMetrics().AppendEmpty()
	rm.Resource().Attributes().PutStr("claude.session.id", "s-3")
	m := rm.ScopeMetrics().AppendEmpty().Metrics().AppendEmpty()
	m.SetName("claude.request.duration")
	h := m.SetEmptyHistogram()
	h.SetAggregationTemporality(pmetric.AggregationTemporalityCumulative)
	dp := h.DataPoints().AppendEmpty()
	dp.SetCount(4)
	dp.SetSum(20)
	dp.BucketCounts().FromRaw([]uint64{1, 3})
	dp.ExplicitBounds().FromRaw([]float64{5})
	raw, err := (&pmetric.JSONMarshaler{}).MarshalMetrics(metrics)
	assert.NilError(t, err)

	points, _, err := Decode(raw, "", false)
	assert.NilError(t, err)
	assert.Equal(t, len(points), 1)
	p := points[0]
	// sum/count unless buckets are requested.
	assert.Equal(t, p.Value, float64(5))
	assert.Equal(t, p.Histogram.Count, uint64(4))
	assert.DeepEqual(t, p.Histogram.BucketCounts, []uint64{1, 3})
	assert.DeepEqual(t, p.Histogram.ExplicitBounds, []float64{5})
}

func TestIdentityFallsBackToInstanceID(t *testing.T) {
	body := otlpBody(t, bodyOpts{instanceID: "inst-7"}, "claude.tokens.total", 1, 1)
	points, _, err := Decode(body, "", false)
	assert.NilError(t, err)
	assert.Equal(t, points[0].SessionID, "inst-7")
	assert.Assert(t, !points[0].WeakIdentity)
}

func TestWeakIdentityIsDeterministic(t *testing.T) {
	body := otlpBody(t, bodyOpts{path: "/home/dev/proj"}, "claude.tokens.total", 1, 1)

	a, stats, err := Decode(body, "10.0.0.1:5000", false)
	assert.NilError(t, err)
	assert.Equal(t, stats.WeakIdentity, 1)
	assert.Assert(t, a[0].WeakIdentity)

	b, _, err := Decode(body, "10.0.0.1:5000", false)
	assert.NilError(t, err)
	assert.Equal(t, a[0].SessionID, b[0].SessionID)

	c, _, err := Decode(body, "10.0.0.2:5000", false)
	assert.NilError(t, err)
	assert.Assert(t, a[0].SessionID != c[0].SessionID)
}

func TestStrictModeRejectsAnonymousTelemetry(t *testing.T) {
	body := otlpBody(t, bodyOpts{instanceID: "inst-7"}, "claude.tokens.total", 1, 1)
	_, _, err := Decode(body, "", true)
	assert.ErrorIs(t, err, ErrMissingSessionID)
}

func TestUnsupportedKindCounted(t *testing.T) {
	metrics := pmetric.NewMetrics()
	rm := metrics.ResourceMetrics().AppendEmpty()
	rm.Resource().Attributes().PutStr("claude.session.id", "s")
	m := rm.ScopeMetrics().AppendEmpty().Metrics().AppendEmpty()
	m.SetName("claude.summary")
	m.SetEmptySummary().DataPoints().AppendEmpty()
	raw, err := (&pmetric.JSONMarshaler{}).MarshalMetrics(metrics)
	assert.NilError(t, err)

	points, stats, err := Decode(raw, "", false)
	assert.NilError(t, err)
	assert.Equal(t, len(points), 0)
	assert.Equal(t, stats.UnsupportedKind, 1)
}

func TestAttrHashOrderIndependent(t *testing.T) {
	a := MetricPoint{Attributes: map[string]string{"x": "1", "y": "2"}}
	b := MetricPoint{Attributes: map[string]string{"y": "2", "x": "1"}}
	c := MetricPoint{Attributes: map[string]string{"y": "2", "x": "9"}}
	assert.Equal(t, a.AttrHash(), b.AttrHash())
	assert.Assert(t, a.AttrHash() != c.AttrHash())
}

func TestHandlerAcceptsValidBatch(t *testing.T) {
	r := NewReceiver(ReceiverOptions{QueueSize: 16})
	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	body := otlpBody(t, bodyOpts{sessionID: "s-1", project: "p"}, "claude.tokens.total", 100, 1)
	resp, err := http.Post(srv.URL+"/v1/metrics", "application/json", bytes.NewReader(body))
	assert.NilError(t, err)
	resp.Body.Close()
	assert.Equal(t, resp.StatusCode, http.StatusNoContent)

	select {
	case p := <-r.Points():
		assert.Equal(t, p.SessionID, "s-1")
	case <-time.After(time.Second):
		t.Fatal("point never reached the queue")
	}
}

func TestHandlerRejectsGarbage(t *testing.T) {
	r := NewReceiver(ReceiverOptions{})
	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/metrics", "application/json", bytes.NewReader([]byte("{not json")))
	assert.NilError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, resp.StatusCode, http.StatusBadRequest)
	assert.Equal(t, resp.Header.Get("Content-Type"), "application/json")
}

func TestBackpressureShedsOldest(t *testing.T) {
	r := NewReceiver(ReceiverOptions{QueueSize: 4})
	for i := 0; i < 10; i++ {
		r.enqueue(MetricPoint{SessionID: "s", Name: "claude.tokens.total", TimestampNs: int64(i)})
	}
	assert.Equal(t, r.Dropped(), int64(6))

	// The queue holds the newest points, oldest were shed.
	first := <-r.Points()
	assert.Equal(t, first.TimestampNs, int64(6))
}
