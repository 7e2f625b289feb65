package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Upload result label values.
const (
	ResultOK        = "ok"
	ResultError     = "error"
	ResultMarshal   = "marshal_error"
	ResultBadStatus = "bad_status"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	targetsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "exitwatch",
			Subsystem: "targets",
			Name:      "active",
			Help:      "Watched targets not yet reported.",
		},
	)
	terminations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "exitwatch",
			Subsystem: "target",
			Name:      "terminations_total",
			Help:      "Number of observed target terminations.",
		},
	)
	uploads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "exitwatch",
			Subsystem: "report",
			Name:      "uploads_total",
			Help:      "Failure report uploads by result.",
		}, []string{"result"},
	)
	uploadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "exitwatch",
			Subsystem: "report",
			Name:      "upload_duration_seconds",
			Help:      "Time spent posting a failure report to the collector.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	historyErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "exitwatch",
			Subsystem: "history",
			Name:      "send_errors_total",
			Help:      "Failed history sink writes.",
		}, []string{"sink"},
	)
	sweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "exitwatch",
			Subsystem: "sweep",
			Name:      "duration_seconds",
			Help:      "Duration of one pass over the active targets.",
			Buckets:   prometheus.DefBuckets,
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{targetsActive, terminations, uploads, uploadDuration, historyErrors, sweepDuration}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
// The caller is responsible for starting an HTTP server and wiring the route.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func SetActiveTargets(n int) {
	if regOK.Load() {
		targetsActive.Set(float64(n))
	}
}

func IncTermination() {
	if regOK.Load() {
		terminations.Inc()
	}
}

func ObserveUpload(result string, seconds float64) {
	if regOK.Load() {
		uploads.WithLabelValues(result).Inc()
		if result != ResultMarshal {
			uploadDuration.Observe(seconds)
		}
	}
}

func IncHistoryError(sink string) {
	if regOK.Load() {
		historyErrors.WithLabelValues(sink).Inc()
	}
}

func ObserveSweep(seconds float64) {
	if regOK.Load() {
		sweepDuration.Observe(seconds)
	}
}
