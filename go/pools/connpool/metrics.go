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

package connpool

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/semconv/v1.37.0/dbconv"
)

const meterName = "github.com/multigres/odbcx/go/pools/connpool"

// Attribute keys from OTel semantic conventions.
const (
	attrKeyPoolName = "db.client.connection.pool.name"
	attrKeyState    = "db.client.connection.state"
)

// poolMetrics reports pool state using the db.client.connection.* semantic
// conventions. Counts are observed from Stats at collection time so they
// can never drift from the pool's own bookkeeping.
type poolMetrics struct {
	poolAttr     attribute.KeyValue
	registration metric.Registration
	waitTime     metric.Float64Histogram
	timeouts     metric.Int64Counter
}

func newPoolMetrics[C Connection](p *Pool[C], mp metric.MeterProvider) *poolMetrics {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(meterName)
	m := &poolMetrics{poolAttr: attribute.String(attrKeyPoolName, p.name)}

	count, err1 := meter.Int64ObservableUpDownCounter(
		"db.client.connection.count",
		metric.WithDescription("The number of connections that are currently in state described by the state attribute."),
		metric.WithUnit("{connection}"),
	)
	maxConns, err2 := meter.Int64ObservableUpDownCounter(
		"db.client.connection.max",
		metric.WithDescription("The maximum number of open connections allowed."),
		metric.WithUnit("{connection}"),
	)
	pending, err3 := meter.Int64ObservableUpDownCounter(
		"db.client.connection.pending_requests",
		metric.WithDescription("The number of current pending requests for an open connection."),
		metric.WithUnit("{request}"),
	)
	var err4, err5, err6 error
	m.waitTime, err4 = meter.Float64Histogram(
		"db.client.connection.wait_time",
		metric.WithDescription("The time it took to obtain an open connection from the pool."),
		metric.WithUnit("s"),
	)
	m.timeouts, err5 = meter.Int64Counter(
		"db.client.connection.timeouts",
		metric.WithDescription("The number of connection timeouts that have occurred trying to obtain a connection from the pool."),
		metric.WithUnit("{timeout}"),
	)
	if err := errors.Join(err1, err2, err3); err == nil {
		idle := metric.WithAttributes(m.poolAttr, attribute.String(attrKeyState, string(dbconv.ClientConnectionStateIdle)))
		used := metric.WithAttributes(m.poolAttr, attribute.String(attrKeyState, string(dbconv.ClientConnectionStateUsed)))
		pool := metric.WithAttributes(m.poolAttr)
		m.registration, err6 = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
			s := p.Stats()
			o.ObserveInt64(count, int64(s.Idle), idle)
			o.ObserveInt64(count, int64(s.InUse), used)
			o.ObserveInt64(maxConns, int64(s.MaxSize), pool)
			o.ObserveInt64(pending, int64(s.Waiting), pool)
			return nil
		}, count, maxConns, pending)
	}
	if err := errors.Join(err1, err2, err3, err4, err5, err6); err != nil {
		p.logger.Warn("failed to create pool metrics", "error", err)
	}
	return m
}

func (m *poolMetrics) recordWait(ctx context.Context, d time.Duration) {
	if m.waitTime != nil {
		m.waitTime.Record(ctx, d.Seconds(), metric.WithAttributes(m.poolAttr))
	}
}

func (m *poolMetrics) recordTimeout(ctx context.Context) {
	if m.timeouts != nil {
		m.timeouts.Add(ctx, 1, metric.WithAttributes(m.poolAttr))
	}
}

func (m *poolMetrics) close() {
	if m.registration != nil {
		_ = m.registration.Unregister()
	}
}
