package logger

import (
	"fmt"
	"io"
	"sync"
	"time"
)

// DefaultEventLogPath is the local termination record used when none is configured.
const DefaultEventLogPath = "monitoring_output.log"

// EventLog is an append-only local record of terminations, one line per
// event in ctime format:
//
//	[Mon Jan  2 15:04:05 2006] PID 4242: PID 4242 exited with code 137 (stderr: /var/log/app.err)
type EventLog struct {
	mu  sync.Mutex
	w   io.Writer
	now func() time.Time
}

// NewEventLog opens a rotated event log at cfg.Path (DefaultEventLogPath if empty).
func NewEventLog(cfg FileConfig) *EventLog {
	if cfg.Path == "" {
		cfg.Path = DefaultEventLogPath
	}
	return NewEventLogWriter(cfg.Writer())
}

// NewEventLogWriter records events to w.
func NewEventLogWriter(w io.Writer) *EventLog {
	return &EventLog{w: w, now: time.Now}
}

// Record appends one line for the terminated pid. A nil EventLog is a no-op.
func (l *EventLog) Record(pid int, reason, logPath string) error {
	if l == nil || l.w == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := fmt.Fprintf(l.w, "[%s] PID %d: %s (stderr: %s)\n",
		l.now().Format(time.ANSIC), pid, reason, logPath)
	return err
}

// Close closes the underlying writer if it is closable.
func (l *EventLog) Close() error {
	if l == nil {
		return nil
	}
	if c, ok := l.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
