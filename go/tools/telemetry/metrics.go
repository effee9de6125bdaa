// Copyright 2025 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package telemetry

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/multigres/odbcx/go/common/mterrors"
)

// Snapshot is the pull-style view of engine activity returned by
// GetMetrics.
type Snapshot struct {
	QueryCount   int64         `json:"queryCount" yaml:"query_count"`
	ErrorCount   int64         `json:"errorCount" yaml:"error_count"`
	TotalLatency time.Duration `json:"totalLatency" yaml:"total_latency"`
	AvgLatency   time.Duration `json:"avgLatency" yaml:"avg_latency"`

	CacheSize       int     `json:"cacheSize" yaml:"cache_size"`
	CacheMaxSize    int     `json:"cacheMaxSize" yaml:"cache_max_size"`
	CacheHits       int64   `json:"cacheHits" yaml:"cache_hits"`
	CacheMisses     int64   `json:"cacheMisses" yaml:"cache_misses"`
	CacheHitRate    float64 `json:"hitRate" yaml:"hit_rate"`
	TotalPrepares   int64   `json:"totalPrepares" yaml:"total_prepares"`
	TotalExecutions int64   `json:"totalExecutions" yaml:"total_executions"`

	Connections  int `json:"connections" yaml:"connections"`
	Pools        int `json:"pools" yaml:"pools"`
	Streams      int `json:"streams" yaml:"streams"`
	Transactions int `json:"transactions" yaml:"transactions"`
}

// Recorder keeps the snapshot counters and mirrors every observation into
// OTel instruments.
type Recorder struct {
	queries atomic.Int64
	errors  atomic.Int64
	latency atomic.Int64

	duration metric.Float64Histogram
	failures metric.Int64Counter
}

// NewRecorder creates the instruments on mp, or on the global provider when
// mp is nil.
func NewRecorder(mp metric.MeterProvider) *Recorder {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(InstrumentationName)
	r := &Recorder{}
	var err1, err2 error
	r.duration, err1 = meter.Float64Histogram(
		"db.client.operation.duration",
		metric.WithDescription("Duration of statements executed by the engine."),
		metric.WithUnit("s"),
	)
	r.failures, err2 = meter.Int64Counter(
		"odbcx.request.errors",
		metric.WithDescription("Requests that completed with an error, by error code."),
		metric.WithUnit("{error}"),
	)
	if err := errors.Join(err1, err2); err != nil {
		otel.Handle(err)
	}
	return r
}

// RecordQuery counts one executed statement.
func (r *Recorder) RecordQuery(ctx context.Context, op string, elapsed time.Duration, err error) {
	r.queries.Add(1)
	r.latency.Add(int64(elapsed))
	attrs := []attribute.KeyValue{attribute.String("db.operation.name", op)}
	if err != nil {
		attrs = append(attrs, attribute.String("error.type", string(mterrors.CodeOf(err))))
	}
	if r.duration != nil {
		r.duration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attrs...))
	}
	if err != nil {
		r.RecordError(ctx, op, err)
	}
}

// RecordError counts one failed request.
func (r *Recorder) RecordError(ctx context.Context, op string, err error) {
	r.errors.Add(1)
	if r.failures != nil {
		r.failures.Add(ctx, 1, metric.WithAttributes(
			attribute.String("db.operation.name", op),
			attribute.String("error.type", string(mterrors.CodeOf(err))),
		))
	}
}

// Snapshot returns the counters. Cache and resource fields are left for
// the caller to fill in.
func (r *Recorder) Snapshot() Snapshot {
	s := Snapshot{
		QueryCount:   r.queries.Load(),
		ErrorCount:   r.errors.Load(),
		TotalLatency: time.Duration(r.latency.Load()),
	}
	if s.QueryCount > 0 {
		s.AvgLatency = s.TotalLatency / time.Duration(s.QueryCount)
	}
	return s
}
