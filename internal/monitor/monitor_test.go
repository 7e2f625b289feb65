package monitor

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loykin/exitwatch/internal/collector"
	"github.com/loykin/exitwatch/internal/exitcode"
	"github.com/loykin/exitwatch/internal/history"
	"github.com/loykin/exitwatch/internal/logger"
	"github.com/loykin/exitwatch/internal/report"
)

type fakeDetector struct {
	alive atomic.Bool
	err   error
	calls atomic.Int32
}

func newFake(alive bool) *fakeDetector {
	d := &fakeDetector{}
	d.alive.Store(alive)
	return d
}

func (d *fakeDetector) Alive() (bool, error) {
	d.calls.Add(1)
	if d.err != nil {
		return false, d.err
	}
	return d.alive.Load(), nil
}
func (d *fakeDetector) Describe() string { return "fake" }

type collectorStub struct {
	mu     sync.Mutex
	bodies []string
	ctypes []string
	srv    *httptest.Server
}

func newCollector(t *testing.T) *collectorStub {
	t.Helper()
	c := &collectorStub{}
	c.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		c.mu.Lock()
		c.bodies = append(c.bodies, string(b))
		c.ctypes = append(c.ctypes, r.Header.Get("Content-Type"))
		c.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(c.srv.Close)
	return c
}

func (c *collectorStub) received() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.bodies...)
}

type recordingSink struct {
	mu     sync.Mutex
	events []history.Event
	err    error
}

func (s *recordingSink) Send(_ context.Context, e history.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return s.err
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "exit")
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

var fixedNow = time.Unix(1700000000, 0)

func clock() time.Time { return fixedNow }

func TestSweep_ReportsExitCode(t *testing.T) {
	c := newCollector(t)
	set := NewSet()
	if err := set.Add(Target{PID: 4242, ExitCodeFile: writeFile(t, "137"), Name: "server"}, newFake(false)); err != nil {
		t.Fatal(err)
	}
	m := New(set, collector.New(c.srv.URL), WithClock(clock), WithReporterPID(99))

	out := m.Sweep(context.Background())
	if len(out) != 1 {
		t.Fatalf("expected 1 outcome, got %d", len(out))
	}
	if !out[0].Upload.OK() {
		t.Fatalf("upload failed: %v", out[0].Upload.Err)
	}
	got := c.received()
	want := `{"timestamp":1700000000,"program_name":"server","exit_code":137,"failure_reason":"PID 4242 exited with code 137","pid_failure":4242,"related_pid":99}`
	if len(got) != 1 || got[0] != want {
		t.Fatalf("collector got %q\nwant %q", got, want)
	}
	if c.ctypes[0] != "application/json" {
		t.Fatalf("content type %q", c.ctypes[0])
	}
	if m.Active() != 0 {
		t.Fatalf("target should be retired")
	}
	// A retired target is never probed or reported again.
	if out := m.Sweep(context.Background()); len(out) != 0 {
		t.Fatalf("second sweep reported %d targets", len(out))
	}
	if n := len(c.received()); n != 1 {
		t.Fatalf("expected exactly one upload, got %d", n)
	}
}

func TestSweep_CancelledContextStillUploads(t *testing.T) {
	c := newCollector(t)
	set := NewSet()
	if err := set.Add(Target{PID: 51, ExitCodeFile: writeFile(t, "2")}, newFake(false)); err != nil {
		t.Fatal(err)
	}
	m := New(set, collector.New(c.srv.URL), WithClock(clock), WithReporterPID(7))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := m.Sweep(ctx)
	if len(out) != 1 || !out[0].Upload.OK() {
		t.Fatalf("expected a successful upload, got %+v", out)
	}
	if got := c.received(); len(got) != 1 || !strings.Contains(got[0], `"exit_code":2`) {
		t.Fatalf("collector got %q", got)
	}
}

func TestSweep_MissingSidecar(t *testing.T) {
	c := newCollector(t)
	set := NewSet()
	_ = set.Add(Target{PID: 4242, ExitCodeFile: filepath.Join(t.TempDir(), "absent")}, newFake(false))
	m := New(set, collector.New(c.srv.URL), WithClock(clock))

	out := m.Sweep(context.Background())
	if len(out) != 1 {
		t.Fatalf("expected 1 outcome, got %d", len(out))
	}
	r := out[0].Report
	if r.ExitCode != exitcode.Unavailable {
		t.Fatalf("exit code %d, want -1", r.ExitCode)
	}
	if r.FailureReason != "PID 4242 exited (exit code unavailable)" {
		t.Fatalf("reason %q", r.FailureReason)
	}
	if r.ProgramName != report.UnknownProgram {
		t.Fatalf("program name %q", r.ProgramName)
	}
	if !strings.Contains(c.received()[0], `"exit_code":-1`) {
		t.Fatalf("body %q", c.received()[0])
	}
}

func TestSweep_TwoDeathsSamePass(t *testing.T) {
	c := newCollector(t)
	set := NewSet()
	_ = set.Add(Target{PID: 300, ExitCodeFile: writeFile(t, "1")}, newFake(false))
	_ = set.Add(Target{PID: 100, ExitCodeFile: writeFile(t, "2")}, newFake(true))
	_ = set.Add(Target{PID: 200, ExitCodeFile: writeFile(t, "3")}, newFake(false))
	m := New(set, collector.New(c.srv.URL))

	out := m.Sweep(context.Background())
	if len(out) != 2 {
		t.Fatalf("expected 2 outcomes, got %d", len(out))
	}
	// registration order, not PID order
	if out[0].Target.PID != 300 || out[1].Target.PID != 200 {
		t.Fatalf("unexpected order: %d, %d", out[0].Target.PID, out[1].Target.PID)
	}
	for _, o := range out {
		if o.Report.RelatedPID != os.Getpid() {
			t.Fatalf("related_pid %d, want %d", o.Report.RelatedPID, os.Getpid())
		}
	}
	if out[0].Report.ExitCode != 1 || out[1].Report.ExitCode != 3 {
		t.Fatalf("exit codes %d, %d", out[0].Report.ExitCode, out[1].Report.ExitCode)
	}
	if m.Active() != 1 {
		t.Fatalf("active = %d, want 1", m.Active())
	}
}

func TestSweep_CollectorUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	set := NewSet()
	_ = set.Add(Target{PID: 10, ExitCodeFile: writeFile(t, "0")}, newFake(false))
	second := newFake(true)
	_ = set.Add(Target{PID: 11}, second)
	var logBuf bytes.Buffer
	m := New(set, collector.New(url, collector.WithTimeout(time.Second)),
		WithLogger(slogTo(&logBuf)))

	out := m.Sweep(context.Background())
	if len(out) != 1 {
		t.Fatalf("expected 1 outcome, got %d", len(out))
	}
	var ue *collector.UploadError
	if !errors.As(out[0].Upload.Err, &ue) {
		t.Fatalf("expected UploadError, got %v", out[0].Upload.Err)
	}
	if second.calls.Load() != 1 {
		t.Fatalf("remaining target not probed in the same pass")
	}
	if m.Active() != 1 {
		t.Fatalf("failed upload must still retire the target")
	}
	if !strings.Contains(logBuf.String(), "failure report upload failed") {
		t.Fatalf("upload failure not logged: %s", logBuf.String())
	}
	st := m.Snapshot()
	if st[0].Active || st[0].UploadError == "" {
		t.Fatalf("snapshot should carry the upload error: %+v", st[0])
	}
}

func TestSweep_ProbeErrorKeepsTargetActive(t *testing.T) {
	c := newCollector(t)
	d := newFake(false)
	d.err = errors.New("probe broke")
	set := NewSet()
	_ = set.Add(Target{PID: 5}, d)
	m := New(set, collector.New(c.srv.URL))

	if out := m.Sweep(context.Background()); len(out) != 0 {
		t.Fatalf("probe error must not retire the target")
	}
	if m.Active() != 1 || len(c.received()) != 0 {
		t.Fatalf("unexpected state: active=%d uploads=%d", m.Active(), len(c.received()))
	}
}

func TestSweep_MarshalErrorSkipsUpload(t *testing.T) {
	c := newCollector(t)
	set := NewSet()
	_ = set.Add(Target{PID: 6}, newFake(false))
	m := New(set, collector.New(c.srv.URL))
	m.marshal = func(report.FailureReport) ([]byte, error) { return nil, errors.New("boom") }

	out := m.Sweep(context.Background())
	if len(out) != 1 || out[0].MarshalErr == nil {
		t.Fatalf("expected marshal error outcome, got %+v", out)
	}
	if len(c.received()) != 0 {
		t.Fatalf("upload must be skipped")
	}
	if m.Active() != 0 {
		t.Fatalf("target should be retired")
	}
}

func TestSweep_EventLogAndSinks(t *testing.T) {
	c := newCollector(t)
	var events bytes.Buffer
	good := &recordingSink{}
	bad := &recordingSink{err: errors.New("down")}
	started := time.Unix(1690000000, 0).UTC()

	set := NewSet()
	_ = set.Add(Target{PID: 7, LogPath: "/var/log/app.err", ExitCodeFile: writeFile(t, "9"), StartedAt: started}, newFake(false))
	m := New(set, collector.New(c.srv.URL),
		WithClock(clock),
		WithEventLog(logger.NewEventLogWriter(&events)),
		WithHistorySinks(bad, good))

	m.Sweep(context.Background())

	if !strings.Contains(events.String(), "PID 7: PID 7 exited with code 9 (stderr: /var/log/app.err)") {
		t.Fatalf("event log %q", events.String())
	}
	if len(bad.events) != 1 || len(good.events) != 1 {
		t.Fatalf("a failing sink must not block the next one: bad=%d good=%d", len(bad.events), len(good.events))
	}
	e := good.events[0]
	if e.Report.PIDFailure != 7 || e.LogPath != "/var/log/app.err" || !e.ProcessStartedAt.Equal(started) {
		t.Fatalf("unexpected event %+v", e)
	}
}

func TestRun_CompletesWhenAllReported(t *testing.T) {
	c := newCollector(t)
	d1, d2 := newFake(true), newFake(true)
	set := NewSet()
	_ = set.Add(Target{PID: 1001}, d1)
	_ = set.Add(Target{PID: 1002}, d2)
	m := New(set, collector.New(c.srv.URL), WithInterval(5*time.Millisecond))

	go func() {
		time.Sleep(20 * time.Millisecond)
		d1.alive.Store(false)
		time.Sleep(20 * time.Millisecond)
		d2.alive.Store(false)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n := len(c.received()); n != 2 {
		t.Fatalf("expected 2 uploads, got %d", n)
	}
}

func TestRun_Cancelled(t *testing.T) {
	c := newCollector(t)
	set := NewSet()
	_ = set.Add(Target{PID: 1003}, newFake(true))
	m := New(set, collector.New(c.srv.URL), WithInterval(5*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := m.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	st := m.Snapshot()
	if len(st) != 1 || !st[0].Active || st[0].ExitCode != nil {
		t.Fatalf("unexpected snapshot %+v", st)
	}
}

func TestSnapshot_ReportedFields(t *testing.T) {
	c := newCollector(t)
	set := NewSet()
	_ = set.Add(Target{PID: 8, ExitCodeFile: writeFile(t, "42")}, newFake(false))
	_ = set.Add(Target{PID: 9}, newFake(true))
	m := New(set, collector.New(c.srv.URL), WithClock(clock))
	m.Sweep(context.Background())

	st := m.Snapshot()
	if len(st) != 2 {
		t.Fatalf("len %d", len(st))
	}
	if st[0].Active || st[0].ExitCode == nil || *st[0].ExitCode != 42 || !st[0].ReportedAt.Equal(fixedNow) {
		t.Fatalf("unexpected reported status %+v", st[0])
	}
	if !st[1].Active || st[1].Reason != "" {
		t.Fatalf("unexpected active status %+v", st[1])
	}
}
