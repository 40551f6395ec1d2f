package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus counters for the serving layer
type Metrics struct {
	ComparesTotal     prometheus.Counter
	CacheHits         prometheus.Counter
	ValidationErrors  prometheus.Counter
	EstimatorFailures prometheus.Counter
	WALErrors         prometheus.Counter
	StoreErrors       prometheus.Counter

	// Labeled metrics
	DecisionsByOutcome *prometheus.CounterVec
	GateFailsByCheck   *prometheus.CounterVec
	ComparesByMethod   *prometheus.CounterVec
	CompareDuration    prometheus.Histogram
}

// New creates and registers all metrics
func New() *Metrics {
	return &Metrics{
		ComparesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "olift_compares_total",
			Help: "Total number of scenario comparison requests received",
		}),
		CacheHits: promauto.NewCounter(prometheus.CounterOpts{
			Name: "olift_cache_hits",
			Help: "Number of comparison requests served from the result cache",
		}),
		ValidationErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "olift_validation_errors",
			Help: "Number of requests rejected by mapping/spec validation",
		}),
		EstimatorFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "olift_estimator_failures",
			Help: "Number of per-estimator failures recorded in multi-method runs",
		}),
		WALErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "olift_wal_errors",
			Help: "Number of WAL write errors",
		}),
		StoreErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "olift_store_errors",
			Help: "Number of scenario store read/write errors",
		}),

		DecisionsByOutcome: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "olift_gate_decisions",
				Help: "Quality-gate decisions by outcome (GO/CANARY/HOLD)",
			},
			[]string{"decision"},
		),
		GateFailsByCheck: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "olift_gate_failures_by_check",
				Help: "Failed quality-gate checks by check name",
			},
			[]string{"check"},
		),
		ComparesByMethod: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "olift_compares_by_method",
				Help: "Comparison runs by estimator method",
			},
			[]string{"method"},
		),
		CompareDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "olift_compare_duration_seconds",
			Help:    "Wall-clock duration of a full S0/S1 comparison",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
	}
}
