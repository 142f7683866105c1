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
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/collector/pdata/pcommon"
	"go.opentelemetry.io/collector/pdata/pmetric"
)

// Resource attributes of interest, case-sensitive.
const (
	attrServiceName       = "service.name"
	attrServiceInstanceID = "service.instance.id"
	attrSessionID         = "claude.session.id"
	attrProjectName       = "project.name"
	attrProjectPath       = "project.path"
	attrModelName         = "model.name"
)

// ErrMissingSessionID is returned in strict mode when telemetry carries no
// claude.session.id.
var ErrMissingSessionID = errors.New("telemetry carries no claude.session.id")

// DecodeStats counts points the decoder could not convert.
type DecodeStats struct {
	Points          int
	UnsupportedKind int
	EmptyValue      int
	WeakIdentity    int
}

type identity struct {
	sessionID   string
	projectID   string
	projectPath string
	model       string
	weak        bool
}

func attrString(m pcommon.Map, key string) string {
	if v, ok := m.Get(key); ok {
		return v.AsString()
	}
	return ""
}

// resolveIdentity assigns the session id: prefer claude.session.id, then
// service.instance.id, else synthesize a deterministic id from the project
// path and the remote address. The synthesized form is ambiguous; points
// carrying it are flagged.
func resolveIdentity(res pcommon.Map, remoteAddr string, strict bool) (identity, error) {
	id := identity{
		projectID:   attrString(res, attrProjectName),
		projectPath: attrString(res, attrProjectPath),
		model:       attrString(res, attrModelName),
	}
	if id.projectID == "" {
		id.projectID = attrString(res, attrServiceInstanceID)
	}
	if id.projectID == "" {
		id.projectID = attrString(res, attrServiceName)
	}

	if sid := attrString(res, attrSessionID); sid != "" {
		id.sessionID = sid
		return id, nil
	}
	if strict {
		return identity{}, ErrMissingSessionID
	}
	if sid := attrString(res, attrServiceInstanceID); sid != "" {
		id.sessionID = sid
		return id, nil
	}
	seed := id.projectPath + "|" + remoteAddr
	id.sessionID = uuid.NewSHA1(uuid.NameSpaceURL, []byte(seed)).String()
	id.weak = true
	return id, nil
}

func flattenAttrs(maps ...pcommon.Map) map[string]string {
	out := map[string]string{}
	for _, m := range maps {
		m.Range(func(k string, v pcommon.Value) bool {
			out[k] = v.AsString()
			return true
		})
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Decode parses an OTLP/JSON ExportMetricsServiceRequest body into
// normalized points. Order within the body is preserved.
func Decode(body []byte, remoteAddr string, strict bool) ([]MetricPoint, DecodeStats, error) {
	um := &pmetric.JSONUnmarshaler{}
	md, err := um.UnmarshalMetrics(body)
	if err != nil {
		return nil, DecodeStats{}, fmt.Errorf("invalid OTLP JSON body: %w", err)
	}

	var points []MetricPoint
	var stats DecodeStats

	rms := md.ResourceMetrics()
	for i := 0; i < rms.Len(); i++ {
		rm := rms.At(i)
		resAttrs := rm.Resource().Attributes()
		ident, err := resolveIdentity(resAttrs, remoteAddr, strict)
		if err != nil {
			return nil, stats, err
		}
		if ident.weak {
			stats.WeakIdentity++
		}

		sms := rm.ScopeMetrics()
		for j := 0; j < sms.Len(); j++ {
			ms := sms.At(j).Metrics()
			for k := 0; k < ms.Len(); k++ {
				metric := ms.At(k)
				switch metric.Type() {
				case pmetric.MetricTypeSum:
					sum := metric.Sum()
					temporality := TemporalityCumulative
					if sum.AggregationTemporality() == pmetric.AggregationTemporalityDelta {
						temporality = TemporalityDelta
					}
					appendNumberPoints(&points, &stats, ident, metric.Name(), temporality, resAttrs, sum.DataPoints())
				case pmetric.MetricTypeGauge:
					appendNumberPoints(&points, &stats, ident, metric.Name(), TemporalityUnspecified, resAttrs, metric.Gauge().DataPoints())
				case pmetric.MetricTypeHistogram:
					appendHistogramPoints(&points, &stats, ident, metric.Name(), resAttrs, metric.Histogram().DataPoints())
				default:
					stats.UnsupportedKind++
				}
			}
		}
	}
	stats.Points = len(points)
	return points, stats, nil
}

func newPoint(ident identity, name string, tsNs int64, attrs map[string]string) MetricPoint {
	return MetricPoint{
		SessionID:    ident.sessionID,
		ProjectID:    ident.projectID,
		ProjectPath:  ident.projectPath,
		Model:        ident.model,
		Name:         name,
		TimestampNs:  tsNs,
		Attributes:   attrs,
		WeakIdentity: ident.weak,
	}
}

func appendNumberPoints(points *[]MetricPoint, stats *DecodeStats, ident identity, name string, temporality Temporality, resAttrs pcommon.Map, dps pmetric.NumberDataPointSlice) {
	for i := 0; i < dps.Len(); i++ {
		dp := dps.At(i)
		p := newPoint(ident, name, int64(dp.Timestamp()), flattenAttrs(resAttrs, dp.Attributes()))
		p.Temporality = temporality
		switch dp.ValueType() {
		case pmetric.NumberDataPointValueTypeInt:
			p.Value = float64(dp.IntValue())
		case pmetric.NumberDataPointValueTypeDouble:
			p.Value = dp.DoubleValue()
		default:
			stats.EmptyValue++
			continue
		}
		*points = append(*points, p)
	}
}

func appendHistogramPoints(points *[]MetricPoint, stats *DecodeStats, ident identity, name string, resAttrs pcommon.Map, dps pmetric.HistogramDataPointSlice) {
	for i := 0; i < dps.Len(); i++ {
		dp := dps.At(i)
		p := newPoint(ident, name, int64(dp.Timestamp()), flattenAttrs(resAttrs, dp.Attributes()))
		h := &HistogramValue{
			Count:          dp.Count(),
			BucketCounts:   dp.BucketCounts().AsRaw(),
			ExplicitBounds: dp.ExplicitBounds().AsRaw(),
		}
		if dp.HasSum() {
			h.Sum = dp.Sum()
		}
		p.Histogram = h
		if h.Count > 0 {
			p.Value = h.Sum / float64(h.Count)
		}
		*points = append(*points, p)
	}
}
