// Package monitor implements the sweep loop: probe every active target,
// and report each one whose process has terminated exactly once.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/loykin/exitwatch/internal/collector"
	"github.com/loykin/exitwatch/internal/exitcode"
	"github.com/loykin/exitwatch/internal/history"
	"github.com/loykin/exitwatch/internal/logger"
	"github.com/loykin/exitwatch/internal/metrics"
	"github.com/loykin/exitwatch/internal/report"
)

const (
	DefaultInterval    = 500 * time.Millisecond
	DefaultSinkTimeout = 5 * time.Second
)

// Outcome describes one target retired during a sweep.
type Outcome struct {
	Target     Target
	Report     report.FailureReport
	Upload     collector.Result
	MarshalErr error
}

// Status is a read-only view of a target for the status API.
type Status struct {
	Target
	Active      bool      `json:"active"`
	ReportedAt  time.Time `json:"reported_at,omitzero"`
	ExitCode    *int      `json:"exit_code,omitempty"`
	Reason      string    `json:"failure_reason,omitempty"`
	UploadError string    `json:"upload_error,omitempty"`
}

type Monitor struct {
	// mu guards target state for Snapshot; sweepMu serializes sweeps.
	mu      sync.RWMutex
	sweepMu sync.Mutex

	set         *Set
	uploader    collector.Uploader
	interval    time.Duration
	reporterPID int
	now         func() time.Time
	log         *slog.Logger
	events      *logger.EventLog
	sinks       []history.Sink
	sinkTimeout time.Duration
	marshal     func(report.FailureReport) ([]byte, error)
}

type Option func(*Monitor)

func WithInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithReporterPID overrides the related_pid stamped on every report.
func WithReporterPID(pid int) Option {
	return func(m *Monitor) { m.reporterPID = pid }
}

func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) {
		if l != nil {
			m.log = l
		}
	}
}

// WithEventLog records one local line per termination.
func WithEventLog(e *logger.EventLog) Option {
	return func(m *Monitor) { m.events = e }
}

// WithHistorySinks archives every report to the given sinks after upload.
func WithHistorySinks(sinks ...history.Sink) Option {
	return func(m *Monitor) { m.sinks = append([]history.Sink(nil), sinks...) }
}

func WithSinkTimeout(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.sinkTimeout = d
		}
	}
}

// New returns a Monitor that owns set from now on.
func New(set *Set, up collector.Uploader, opts ...Option) *Monitor {
	if set == nil {
		set = NewSet()
	}
	if up == nil {
		up = collector.New(collector.DefaultEndpoint)
	}
	m := &Monitor{
		set:         set,
		uploader:    up,
		interval:    DefaultInterval,
		reporterPID: os.Getpid(),
		now:         time.Now,
		log:         slog.Default(),
		sinkTimeout: DefaultSinkTimeout,
		marshal:     report.Marshal,
	}
	for _, o := range opts {
		o(m)
	}
	m.log = m.log.With("component", "monitor")
	metrics.SetActiveTargets(set.activeCount())
	return m
}

// Interval returns the pause between sweeps.
func (m *Monitor) Interval() time.Duration { return m.interval }

// Active returns the number of targets not yet reported.
func (m *Monitor) Active() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.set.activeCount()
}

// Run sweeps until every target is reported (nil) or ctx is done (ctx.Err()).
func (m *Monitor) Run(ctx context.Context) error {
	m.log.Info("monitoring started",
		slog.Int("targets", m.set.Len()),
		slog.Duration("interval", m.interval),
		slog.String("collector", m.uploader.Endpoint()))

	timer := time.NewTimer(m.interval)
	defer timer.Stop()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		m.Sweep(ctx)
		if m.Active() == 0 {
			m.log.Info("all targets reported")
			return nil
		}
		timer.Reset(m.interval)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Sweep makes one pass over the active targets in registration order and
// returns the targets retired by it.
func (m *Monitor) Sweep(ctx context.Context) []Outcome {
	m.sweepMu.Lock()
	defer m.sweepMu.Unlock()

	start := time.Now()
	var out []Outcome
	for _, w := range m.set.entries {
		m.mu.RLock()
		active := w.active
		m.mu.RUnlock()
		if !active {
			continue
		}
		alive, err := w.det.Alive()
		if err != nil {
			m.log.Warn("liveness probe failed",
				slog.Int("pid", w.target.PID),
				slog.String("detector", w.det.Describe()),
				slog.Any("error", err))
			continue
		}
		if alive {
			continue
		}
		out = append(out, m.retire(ctx, w))
	}
	metrics.ObserveSweep(time.Since(start).Seconds())
	metrics.SetActiveTargets(m.Active())
	return out
}

func (m *Monitor) retire(ctx context.Context, w *watched) Outcome {
	t := w.target
	code := exitcode.Resolve(t.ExitCodeFile)
	r := report.Build(report.Subject{PID: t.PID, ProgramName: t.Name}, code, m.reporterPID, m.now())
	o := Outcome{Target: t, Report: r}
	metrics.IncTermination()

	log := m.log.With(slog.Int("pid", t.PID), slog.Int("exit_code", code))
	body, err := m.marshal(r)
	if err != nil {
		o.MarshalErr = err
		metrics.ObserveUpload(metrics.ResultMarshal, 0)
		log.Error("report serialization failed, upload skipped", slog.Any("error", err))
	} else {
		// A report for a process that already died is still posted when the
		// run is being cancelled; the uploader's own timeout bounds it.
		o.Upload = m.uploader.Upload(context.WithoutCancel(ctx), body)
		metrics.ObserveUpload(uploadLabel(o.Upload), o.Upload.Duration.Seconds())
		if o.Upload.OK() {
			log.Info("failure report uploaded",
				slog.Int("status", o.Upload.StatusCode),
				slog.Duration("took", o.Upload.Duration))
		} else {
			log.Error("failure report upload failed", slog.Any("error", o.Upload.Err))
		}
	}

	m.archive(ctx, t, r)
	if err := m.events.Record(t.PID, r.FailureReason, t.LogPath); err != nil {
		log.Warn("event log write failed", slog.Any("error", err))
	}

	m.mu.Lock()
	w.active = false
	w.reportedAt = m.now()
	w.report = r
	w.upload = o.Upload
	m.mu.Unlock()
	return o
}

func (m *Monitor) archive(ctx context.Context, t Target, r report.FailureReport) {
	if len(m.sinks) == 0 {
		return
	}
	evt := history.Event{
		OccurredAt:       m.now().UTC(),
		Report:           r,
		LogPath:          t.LogPath,
		ProcessStartedAt: t.StartedAt,
	}
	// Sinks still get their write when the run is being cancelled.
	base := context.WithoutCancel(ctx)
	for _, s := range m.sinks {
		sctx, cancel := context.WithTimeout(base, m.sinkTimeout)
		err := s.Send(sctx, evt)
		cancel()
		if err != nil {
			name := history.Name(s)
			metrics.IncHistoryError(name)
			m.log.Warn("history sink write failed",
				slog.String("sink", name),
				slog.Int("pid", t.PID),
				slog.Any("error", err))
		}
	}
}

func uploadLabel(r collector.Result) string {
	if r.OK() {
		return metrics.ResultOK
	}
	var ue *collector.UploadError
	if errors.As(r.Err, &ue) && ue.StatusCode != 0 {
		return metrics.ResultBadStatus
	}
	return metrics.ResultError
}

// Snapshot returns the current state of every target in registration order.
func (m *Monitor) Snapshot() []Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Status, 0, len(m.set.entries))
	for _, w := range m.set.entries {
		st := Status{Target: w.target, Active: w.active}
		if !w.active {
			code := w.report.ExitCode
			st.ReportedAt = w.reportedAt
			st.ExitCode = &code
			st.Reason = w.report.FailureReason
			if w.upload.Err != nil {
				st.UploadError = w.upload.Err.Error()
			}
		}
		out = append(out, st)
	}
	return out
}
