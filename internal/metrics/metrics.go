// Package metrics implements MetricsCollector (spec §4.10): hit-rate,
// latency, and bandwidth telemetry over Prometheus, following the
// promauto collector-registration style the teacher uses throughout its
// service metrics packages.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "casgw"

// Collector holds every registered collector the gateway reports.
type Collector struct {
	TierHits     *prometheus.CounterVec
	TierMisses   *prometheus.CounterVec
	GetDuration  *prometheus.HistogramVec
	PutDuration  *prometheus.HistogramVec
	BytesServed  *prometheus.CounterVec
	GatewayFetchDuration *prometheus.HistogramVec
	GatewayFetchTotal    *prometheus.CounterVec
	ReplicationUnderReplicated prometheus.Counter
	IntegrityMismatches        prometheus.Counter

	connMu    sync.Mutex
	connStats map[string]*connAccumulator
}

// connAccumulator is the hand-rolled side of the collector: a tiny
// running-stats ring per connection type (unix socket vs local HTTP vs
// public gateway), kept outside Prometheus because none of this repo's
// dependencies offer a percentile-ring-buffer type and a single counter
// loses the per-request distribution comparisons §4.10 wants.
type connAccumulator struct {
	samples []time.Duration
	next    int
}

const connRingSize = 256

func newConnAccumulator() *connAccumulator {
	return &connAccumulator{samples: make([]time.Duration, 0, connRingSize)}
}

func (a *connAccumulator) record(d time.Duration) {
	if len(a.samples) < connRingSize {
		a.samples = append(a.samples, d)
		return
	}
	a.samples[a.next] = d
	a.next = (a.next + 1) % connRingSize
}

// Mean returns the mean latency over the retained ring window.
func (a *connAccumulator) Mean() time.Duration {
	if len(a.samples) == 0 {
		return 0
	}
	var sum time.Duration
	for _, s := range a.samples {
		sum += s
	}
	return sum / time.Duration(len(a.samples))
}

// New registers every collector and returns a ready Collector.
func New() *Collector {
	return &Collector{
		TierHits: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "tier_hits_total", Help: "Cache hits per tier",
		}, []string{"tier"}),
		TierMisses: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "tier_misses_total", Help: "Cache misses per tier",
		}, []string{"tier"}),
		GetDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "get_duration_seconds", Help: "get() latency", Buckets: prometheus.DefBuckets,
		}, []string{"outcome"}),
		PutDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "put_duration_seconds", Help: "put() latency", Buckets: prometheus.DefBuckets,
		}, []string{"outcome"}),
		BytesServed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "bytes_served_total", Help: "Bytes returned to callers per tier",
		}, []string{"tier"}),
		GatewayFetchDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "gateway_fetch_duration_seconds", Help: "External fetch latency by source",
			Buckets: []float64{.1, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"source", "outcome"}),
		GatewayFetchTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "gateway_fetch_total", Help: "External fetch attempts by source",
		}, []string{"source", "outcome"}),
		ReplicationUnderReplicated: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "replication_under_replicated_total", Help: "Times a CID failed to reach required replicas",
		}),
		IntegrityMismatches: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "integrity_mismatches_total", Help: "Cross-tier integrity check failures",
		}),
		connStats: make(map[string]*connAccumulator),
	}
}

// RecordTierHit records a hit against tier name.
func (c *Collector) RecordTierHit(tierName string) {
	c.TierHits.WithLabelValues(tierName).Inc()
}

// RecordTierMiss records a miss against tier name.
func (c *Collector) RecordTierMiss(tierName string) {
	c.TierMisses.WithLabelValues(tierName).Inc()
}

// RecordGet records a get() call's latency and bytes served.
func (c *Collector) RecordGet(tierName, outcome string, d time.Duration, bytesServed int64) {
	c.GetDuration.WithLabelValues(outcome).Observe(d.Seconds())
	if bytesServed > 0 {
		c.BytesServed.WithLabelValues(tierName).Add(float64(bytesServed))
	}
}

// RecordPut records a put() call's latency.
func (c *Collector) RecordPut(outcome string, d time.Duration) {
	c.PutDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// RecordGatewayFetch records one gateway fetch attempt, both in Prometheus
// and in the connection-type ring buffer read by ConnectionTypeMeans.
func (c *Collector) RecordGatewayFetch(source, connectionType, outcome string, d time.Duration) {
	c.GatewayFetchDuration.WithLabelValues(source, outcome).Observe(d.Seconds())
	c.GatewayFetchTotal.WithLabelValues(source, outcome).Inc()
	c.recordConnectionType(connectionType, d)
}

func (c *Collector) recordConnectionType(connectionType string, d time.Duration) {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	acc, ok := c.connStats[connectionType]
	if !ok {
		acc = newConnAccumulator()
		c.connStats[connectionType] = acc
	}
	acc.record(d)
}

// ConnectionTypeMeans returns the mean observed latency per connection
// type over each type's retained sample window, for comparing unix-socket
// vs local-HTTP vs public-gateway performance.
func (c *Collector) ConnectionTypeMeans() map[string]time.Duration {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	out := make(map[string]time.Duration, len(c.connStats))
	for k, acc := range c.connStats {
		out[k] = acc.Mean()
	}
	return out
}

// RecordUnderReplicated increments the under-replication counter.
func (c *Collector) RecordUnderReplicated() {
	c.ReplicationUnderReplicated.Inc()
}

// RecordIntegrityMismatch increments the integrity-mismatch counter.
func (c *Collector) RecordIntegrityMismatch() {
	c.IntegrityMismatches.Inc()
}
