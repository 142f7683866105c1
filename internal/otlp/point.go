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

// Package otlp accepts OTLP/JSON metric batches over HTTP, extracts the
// session identity from resource attributes and hands normalized points to
// the processor through a bounded channel.
package otlp

import (
	"fmt"
	"hash/fnv"
	"sort"
)

// Temporality of a sum metric, carried through so the processor can decide
// between latest-value and accumulate semantics.
type Temporality string

const (
	TemporalityUnspecified Temporality = ""
	TemporalityCumulative  Temporality = "cumulative"
	TemporalityDelta       Temporality = "delta"
)

// HistogramValue carries the histogram shape the pipeline commits to:
// count, sum, bucket counts and explicit bounds. Consumers read Sum/Count
// unless they ask for buckets.
type HistogramValue struct {
	Count          uint64
	Sum            float64
	BucketCounts   []uint64
	ExplicitBounds []float64
}

// MetricPoint is one normalized data point attributed to a session.
type MetricPoint struct {
	SessionID   string
	ProjectID   string
	ProjectPath string
	Model       string

	Name        string
	Value       float64
	TimestampNs int64
	Attributes  map[string]string
	Temporality Temporality
	Histogram   *HistogramValue

	// WeakIdentity marks points whose session id was synthesized from
	// project path and remote address; such attribution is ambiguous.
	WeakIdentity bool
}

// AttrHash returns a stable hash of the attribute tuple, used in the
// processor's dedup key.
func (p MetricPoint) AttrHash() uint64 {
	if len(p.Attributes) == 0 {
		return 0
	}
	keys := make([]string, 0, len(p.Attributes))
	for k := range p.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	h := fnv.New64a()
	for _, k := range keys {
		fmt.Fprintf(h, "%s=%s;", k, p.Attributes[k])
	}
	return h.Sum64()
}

// DedupKey is the identity the processor deduplicates on.
func (p MetricPoint) DedupKey() string {
	return fmt.Sprintf("%s|%s|%d|%x", p.SessionID, p.Name, p.TimestampNs, p.AttrHash())
}
