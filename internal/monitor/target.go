package monitor

import (
	"errors"
	"fmt"
	"time"

	"github.com/loykin/exitwatch/internal/collector"
	"github.com/loykin/exitwatch/internal/detector"
	"github.com/loykin/exitwatch/internal/report"
)

var (
	ErrInvalidPID   = errors.New("pid must be positive")
	ErrDuplicatePID = errors.New("pid already watched")
)

// Target is one watched process together with the files the launcher
// maintains for it.
type Target struct {
	PID          int       `json:"pid"`
	LogPath      string    `json:"log_path"`
	ExitCodeFile string    `json:"exit_code_file"`
	Name         string    `json:"name,omitempty"`
	StartedAt    time.Time `json:"started_at,omitzero"`
}

// TargetSpec is the configured form of a target. PIDFile is consulted only
// when PID is zero.
type TargetSpec struct {
	PID          int    `mapstructure:"pid"`
	PIDFile      string `mapstructure:"pidfile"`
	LogPath      string `mapstructure:"log"`
	ExitCodeFile string `mapstructure:"exit_file"`
	Name         string `mapstructure:"name"`
}

// Resolve turns the spec into a Target, reading the pidfile if needed and
// capturing the process identity while the process still exists.
func (s TargetSpec) Resolve() (Target, error) {
	pid := s.PID
	if pid == 0 && s.PIDFile != "" {
		p, err := detector.ReadPIDFile(s.PIDFile)
		if err != nil {
			return Target{}, err
		}
		pid = p
	}
	if pid <= 0 {
		return Target{}, fmt.Errorf("%w: %d", ErrInvalidPID, pid)
	}
	info := detector.Inspect(pid)
	t := Target{
		PID:          pid,
		LogPath:      s.LogPath,
		ExitCodeFile: s.ExitCodeFile,
		Name:         s.Name,
	}
	if t.Name == "" {
		t.Name = info.Name
	}
	if info.StartUnix > 0 {
		t.StartedAt = time.Unix(info.StartUnix, 0).UTC()
	}
	return t, nil
}

type watched struct {
	target     Target
	det        detector.Detector
	active     bool
	reportedAt time.Time
	report     report.FailureReport
	upload     collector.Result
}

// Set is the registration-ordered collection of watched targets.
// It is not safe for concurrent use; once handed to a Monitor only the
// Monitor mutates it.
type Set struct {
	entries []*watched
	pids    map[int]struct{}
}

func NewSet() *Set {
	return &Set{pids: make(map[int]struct{})}
}

// Add registers t as active. A nil detector probes t.PID directly.
func (s *Set) Add(t Target, d detector.Detector) error {
	if t.PID <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidPID, t.PID)
	}
	if _, dup := s.pids[t.PID]; dup {
		return fmt.Errorf("%w: %d", ErrDuplicatePID, t.PID)
	}
	if d == nil {
		d = detector.PIDDetector{PID: t.PID}
	}
	s.pids[t.PID] = struct{}{}
	s.entries = append(s.entries, &watched{target: t, det: d, active: true})
	return nil
}

// Len returns the number of registered targets.
func (s *Set) Len() int { return len(s.entries) }

func (s *Set) activeCount() int {
	n := 0
	for _, w := range s.entries {
		if w.active {
			n++
		}
	}
	return n
}
