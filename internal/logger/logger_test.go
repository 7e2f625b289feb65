package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

func TestFileWriter_Defaults(t *testing.T) {
	if w := (FileConfig{}).Writer(); w != nil {
		t.Fatalf("expected nil writer when no path set")
	}
	w := FileConfig{Path: "x"}.Writer()
	l, ok := w.(*lj.Logger)
	if !ok {
		t.Fatalf("writer is not lumberjack.Logger")
	}
	if l.MaxSize != 10 || l.MaxBackups != 3 || l.MaxAge != 7 {
		t.Fatalf("unexpected defaults: size=%d backups=%d age=%d", l.MaxSize, l.MaxBackups, l.MaxAge)
	}
}

func TestFileWriter_Overrides(t *testing.T) {
	w := FileConfig{Path: "x2", MaxSizeMB: 1, MaxBackups: 9, MaxAgeDays: 11, Compress: true}.Writer()
	l := w.(*lj.Logger)
	if l.MaxSize != 1 || l.MaxBackups != 9 || l.MaxAge != 11 || !l.Compress {
		t.Fatalf("unexpected overrides: size=%d backups=%d age=%d compress=%t", l.MaxSize, l.MaxBackups, l.MaxAge, l.Compress)
	}
}

func TestNewSlogger_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	cfg := DefaultConfig()
	cfg.File.Path = path
	l, closer := cfg.NewSlogger()
	l.Info("hello", slog.Int("pid", 42))
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("log file not created: %v", err)
	}
	if !strings.Contains(string(b), "msg=hello") || !strings.Contains(string(b), "pid=42") {
		t.Fatalf("unexpected log content: %q", b)
	}
}

func TestNewSlogger_StderrCloserIsNoop(t *testing.T) {
	l, closer := DefaultConfig().NewSlogger()
	if l == nil || closer == nil {
		t.Fatalf("expected logger and closer")
	}
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestNewSlogger_CloseReleasesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	cfg := DefaultConfig()
	cfg.File.Path = path
	l, closer := cfg.NewSlogger()
	l.Info("first")
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	// lumberjack reopens on the next write after Close.
	l.Info("second")
	_ = closer.Close()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), "msg=first") || !strings.Contains(string(b), "msg=second") {
		t.Fatalf("unexpected log content: %q", b)
	}
}

func TestHandler_JSONLevelAndTime(t *testing.T) {
	var buf bytes.Buffer
	cfg := Config{Slog: SlogConfig{Level: LevelWarn, Format: FormatJSON}}
	l := slog.New(cfg.Handler(&buf))
	l.Info("dropped")
	l.Warn("kept")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one line, got %d: %q", len(lines), buf.String())
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &m); err != nil {
		t.Fatalf("not json: %v", err)
	}
	if m["msg"] != "kept" {
		t.Fatalf("unexpected msg: %v", m["msg"])
	}
	if _, ok := m["time"]; ok {
		t.Fatalf("time should be dropped when TimeStamps is false")
	}
}

func TestHandler_Color(t *testing.T) {
	var buf bytes.Buffer
	cfg := Config{Slog: SlogConfig{Level: LevelDebug, Format: FormatText, Color: true}}
	slog.New(cfg.Handler(&buf)).Error("boom")
	out := buf.String()
	if !strings.Contains(out, "[31m") || !strings.Contains(out, "ERROR") || !strings.Contains(out, "boom") {
		t.Fatalf("expected red ERROR prefix, got %q", out)
	}
	if strings.Contains(out, "time=") {
		t.Fatalf("time should be omitted, got %q", out)
	}
}

func TestHandler_ColorKeptOnDerivedLogger(t *testing.T) {
	var buf bytes.Buffer
	cfg := Config{Slog: SlogConfig{Level: LevelDebug, Format: FormatText, Color: true, TimeStamps: true}}
	l := slog.New(cfg.Handler(&buf)).With("component", "monitor").WithGroup("target")
	l.Debug("probe", slog.Int("pid", 7))
	l.Warn("slow")
	out := buf.String()
	if !strings.Contains(out, "[36m") || !strings.Contains(out, "[33m") {
		t.Fatalf("expected debug and warn colors, got %q", out)
	}
	if !strings.Contains(out, "component=monitor") || !strings.Contains(out, "target.pid=7") {
		t.Fatalf("expected scoped attributes, got %q", out)
	}
	if !strings.Contains(out, "time=") {
		t.Fatalf("expected timestamps, got %q", out)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug, "info": slog.LevelInfo, "warn": slog.LevelWarn,
		"warning": slog.LevelWarn, "error": slog.LevelError, "": slog.LevelInfo, "bogus": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q)=%v want %v", in, got, want)
		}
	}
}

func TestEventLog_Record(t *testing.T) {
	var buf bytes.Buffer
	l := NewEventLogWriter(&buf)
	l.now = func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) }

	if err := l.Record(4242, "PID 4242 exited with code 137", "/var/log/app.err"); err != nil {
		t.Fatal(err)
	}
	want := "[Tue Jan  2 03:04:05 2024] PID 4242: PID 4242 exited with code 137 (stderr: /var/log/app.err)\n"
	if buf.String() != want {
		t.Fatalf("got %q\nwant %q", buf.String(), want)
	}
}

func TestEventLog_FileAndNil(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.log")
	l := NewEventLog(FileConfig{Path: path})
	if err := l.Record(1, "PID 1 exited (exit code unavailable)", "x.log"); err != nil {
		t.Fatal(err)
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), "PID 1: PID 1 exited (exit code unavailable) (stderr: x.log)") {
		t.Fatalf("unexpected content %q", b)
	}

	var nilLog *EventLog
	if err := nilLog.Record(1, "r", "p"); err != nil {
		t.Fatalf("nil event log should be a no-op: %v", err)
	}
	_ = nilLog.Close()
}
