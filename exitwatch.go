// Package exitwatch reports terminated processes to a failure collector.
// It is the public facade over the internal packages for embedding.
package exitwatch

import (
	"context"
	"net/http"
	"time"

	"github.com/loykin/exitwatch/internal/collector"
	cfg "github.com/loykin/exitwatch/internal/config"
	"github.com/loykin/exitwatch/internal/exitcode"
	"github.com/loykin/exitwatch/internal/history"
	"github.com/loykin/exitwatch/internal/history/factory"
	"github.com/loykin/exitwatch/internal/metrics"
	"github.com/loykin/exitwatch/internal/monitor"
	"github.com/loykin/exitwatch/internal/report"
	iapi "github.com/loykin/exitwatch/internal/server"
	"github.com/prometheus/client_golang/prometheus"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Target = monitor.Target

type TargetSpec = monitor.TargetSpec

type Status = monitor.Status

type Outcome = monitor.Outcome

type FailureReport = report.FailureReport

type UploadResult = collector.Result

type Config = cfg.Config

type HistorySink = history.Sink

type HistoryEvent = history.Event

type MonitorOption = monitor.Option

// ExitCodeUnavailable is the exit code reported when the sidecar file is
// missing or unreadable.
const ExitCodeUnavailable = exitcode.Unavailable

var (
	WithInterval     = monitor.WithInterval
	WithLogger       = monitor.WithLogger
	WithEventLog     = monitor.WithEventLog
	WithHistorySinks = monitor.WithHistorySinks
	WithReporterPID  = monitor.WithReporterPID
)

// Monitor is a thin facade over internal/monitor.Monitor.
type Monitor struct{ inner *monitor.Monitor }

// NewMonitor watches targets and posts reports to collectorURL (the default
// endpoint when empty) with the given upload timeout (5s when zero).
func NewMonitor(targets []Target, collectorURL string, timeout time.Duration, opts ...MonitorOption) (*Monitor, error) {
	set := monitor.NewSet()
	for _, t := range targets {
		if err := set.Add(t, nil); err != nil {
			return nil, err
		}
	}
	up := collector.New(collectorURL, collector.WithTimeout(timeout))
	return &Monitor{inner: monitor.New(set, up, opts...)}, nil
}

func (m *Monitor) Run(ctx context.Context) error       { return m.inner.Run(ctx) }
func (m *Monitor) Sweep(ctx context.Context) []Outcome { return m.inner.Sweep(ctx) }
func (m *Monitor) Snapshot() []Status                  { return m.inner.Snapshot() }
func (m *Monitor) Active() int                         { return m.inner.Active() }

// ResolveExitCode reads the exit code a launcher wrote to path.
func ResolveExitCode(path string) int { return exitcode.Resolve(path) }

// MarshalReport encodes r in the collector wire format.
func MarshalReport(r FailureReport) ([]byte, error) { return report.Marshal(r) }

func LoadConfig(path string) (*Config, error) {
	return cfg.Load(path)
}

func NewSinkFromDSN(dsn string) (HistorySink, error) { return factory.NewSinkFromDSN(dsn) }

// NewHTTPServer starts an HTTP server exposing the status API for m.
func NewHTTPServer(addr, basePath string, m *Monitor, withMetrics bool) *http.Server {
	return iapi.NewServer(addr, iapi.NewRouter(m.inner, basePath, withMetrics), nil)
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// ServeMetrics starts an HTTP server on addr exposing /metrics using the default registry.
// It runs the server in the caller goroutine.
func ServeMetrics(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv.ListenAndServe()
}
