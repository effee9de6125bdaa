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
	"github.com/prometheus/client_golang/prometheus"
)

// Collector exposes a Snapshot source as Prometheus metrics. Values are
// read at scrape time.
type Collector struct {
	snapshot func() Snapshot

	queries      *prometheus.Desc
	errors       *prometheus.Desc
	latency      *prometheus.Desc
	avgLatency   *prometheus.Desc
	cacheSize    *prometheus.Desc
	cacheMax     *prometheus.Desc
	cacheHits    *prometheus.Desc
	cacheMisses  *prometheus.Desc
	cacheHitRate *prometheus.Desc
	prepares     *prometheus.Desc
	executions   *prometheus.Desc
	connections  *prometheus.Desc
	pools        *prometheus.Desc
	streams      *prometheus.Desc
	transactions *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector returns a collector reading from snapshot. An empty
// namespace defaults to "odbcx".
func NewCollector(namespace string, snapshot func() Snapshot) *Collector {
	if namespace == "" {
		namespace = "odbcx"
	}
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, nil, nil)
	}
	return &Collector{
		snapshot:     snapshot,
		queries:      desc("queries_total", "Statements executed."),
		errors:       desc("errors_total", "Requests that failed."),
		latency:      desc("query_latency_seconds_total", "Cumulative statement latency."),
		avgLatency:   desc("query_latency_average_seconds", "Average statement latency."),
		cacheSize:    desc("statement_cache_size", "Prepared statements currently cached."),
		cacheMax:     desc("statement_cache_max_size", "Prepared-statement cache capacity."),
		cacheHits:    desc("statement_cache_hits_total", "Prepare calls served from the cache."),
		cacheMisses:  desc("statement_cache_misses_total", "Prepare calls that compiled a statement."),
		cacheHitRate: desc("statement_cache_hit_rate", "Cache hits divided by lookups."),
		prepares:     desc("statement_prepares_total", "Statements compiled by the driver."),
		executions:   desc("statement_executions_total", "Prepared statement executions."),
		connections:  desc("connections", "Open connection handles."),
		pools:        desc("pools", "Open connection pools."),
		streams:      desc("streams", "Open result streams."),
		transactions: desc("transactions", "Tracked transactions."),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.queries, c.errors, c.latency, c.avgLatency,
		c.cacheSize, c.cacheMax, c.cacheHits, c.cacheMisses, c.cacheHitRate,
		c.prepares, c.executions,
		c.connections, c.pools, c.streams, c.transactions,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.snapshot()
	counter := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, v)
	}
	gauge := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v)
	}
	counter(c.queries, float64(s.QueryCount))
	counter(c.errors, float64(s.ErrorCount))
	counter(c.latency, s.TotalLatency.Seconds())
	gauge(c.avgLatency, s.AvgLatency.Seconds())
	gauge(c.cacheSize, float64(s.CacheSize))
	gauge(c.cacheMax, float64(s.CacheMaxSize))
	counter(c.cacheHits, float64(s.CacheHits))
	counter(c.cacheMisses, float64(s.CacheMisses))
	gauge(c.cacheHitRate, s.CacheHitRate)
	counter(c.prepares, float64(s.TotalPrepares))
	counter(c.executions, float64(s.TotalExecutions))
	gauge(c.connections, float64(s.Connections))
	gauge(c.pools, float64(s.Pools))
	gauge(c.streams, float64(s.Streams))
	gauge(c.transactions, float64(s.Transactions))
}
