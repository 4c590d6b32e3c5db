// Package metrics exposes the prometheus instrumentation wired into the
// ingestion engine: a struct of pre-registered collectors with narrow
// update methods, constructed once per store-version task and threaded
// through via dependency injection rather than globals.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Decision labels the outcome of a single merge-resolver decision, used as
// the `decision` label value on MergeDecisions.
type Decision string

const (
	DecisionApplied Decision = "applied"
	DecisionIgnored Decision = "ignored"
)

// Metrics bundles every collector the engine updates. A nil *Metrics is
// valid and every method becomes a no-op, so components can be constructed
// without instrumentation in unit tests.
type Metrics struct {
	MergeDecisions  *prometheus.CounterVec // labels: decision
	PoisonedRecords prometheus.Counter
	CacheHits       prometheus.Counter
	CacheMisses     prometheus.Counter
	ViewFanoutLag   prometheus.Histogram
	ReadyToServeLag *prometheus.GaugeVec   // labels: partition
	RepairAttempts  *prometheus.CounterVec // labels: region, outcome
}

// New constructs and registers a Metrics bundle for one store-version
// namespace.
func New(reg prometheus.Registerer, storeVersion string) *Metrics {
	m := &Metrics{
		MergeDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aa_ingest",
			Subsystem: storeVersion,
			Name:      "merge_decisions_total",
			Help:      "Count of merge resolver decisions by outcome.",
		}, []string{"decision"}),
		PoisonedRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "aa_ingest",
			Subsystem: storeVersion,
			Name:      "poisoned_records_total",
			Help:      "Count of records marked poisoned (update schema incompatible with value schema).",
		}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "aa_ingest",
			Subsystem: storeVersion,
			Name:      "transient_cache_hits_total",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "aa_ingest",
			Subsystem: storeVersion,
			Name:      "transient_cache_misses_total",
		}),
		ViewFanoutLag: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "aa_ingest",
			Subsystem: storeVersion,
			Name:      "view_fanout_seconds",
			Help:      "Time spent awaiting view-writer fanout acknowledgement.",
			Buckets:   prometheus.DefBuckets,
		}),
		ReadyToServeLag: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "aa_ingest",
			Subsystem: storeVersion,
			Name:      "ready_to_serve_lag",
			Help:      "1 if the partition is lagging, 0 if caught up.",
		}, []string{"partition"}),
		RepairAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aa_ingest",
			Subsystem: storeVersion,
			Name:      "repair_attempts_total",
		}, []string{"region", "outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.MergeDecisions, m.PoisonedRecords, m.CacheHits, m.CacheMisses,
			m.ViewFanoutLag, m.ReadyToServeLag, m.RepairAttempts)
	}
	return m
}

func (m *Metrics) decision(d Decision) {
	if m == nil {
		return
	}
	m.MergeDecisions.WithLabelValues(string(d)).Inc()
}

// ObserveApplied records an applied merge decision.
func (m *Metrics) ObserveApplied() { m.decision(DecisionApplied) }

// ObserveIgnored records an ignored merge decision.
func (m *Metrics) ObserveIgnored() { m.decision(DecisionIgnored) }

// ObservePoisoned increments the poisoned-record counter.
func (m *Metrics) ObservePoisoned() {
	if m == nil {
		return
	}
	m.PoisonedRecords.Inc()
}

// ObserveCacheHit and ObserveCacheMiss record transient-cache lookups.
func (m *Metrics) ObserveCacheHit() {
	if m == nil {
		return
	}
	m.CacheHits.Inc()
}

func (m *Metrics) ObserveCacheMiss() {
	if m == nil {
		return
	}
	m.CacheMisses.Inc()
}

// ObserveViewFanoutWait records how long a produce waited on view-writer
// acknowledgement before its send was issued.
func (m *Metrics) ObserveViewFanoutWait(d time.Duration) {
	if m == nil {
		return
	}
	m.ViewFanoutLag.Observe(d.Seconds())
}

// SetReadyToServeLag reports whether a partition is lagging.
func (m *Metrics) SetReadyToServeLag(partition int32, lagging bool) {
	if m == nil {
		return
	}
	v := 0.0
	if lagging {
		v = 1.0
	}
	m.ReadyToServeLag.WithLabelValues(strconv.Itoa(int(partition))).Set(v)
}

func (m *Metrics) ObserveRepairAttempt(region, outcome string) {
	if m == nil {
		return
	}
	m.RepairAttempts.WithLabelValues(region, outcome).Inc()
}
