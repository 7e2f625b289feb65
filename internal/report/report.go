// Package report builds and serializes the failure report sent for each
// terminated watched process.
package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/loykin/exitwatch/internal/exitcode"
)

// UnknownProgram is used when the program identity could not be captured
// before the process exited.
const UnknownProgram = "unknown"

// Subject identifies the terminated process a report is about.
type Subject struct {
	PID         int
	ProgramName string
}

// FailureReport describes one terminated target. Field order is the wire order.
type FailureReport struct {
	Timestamp     int64  `json:"timestamp"`
	ProgramName   string `json:"program_name"`
	ExitCode      int    `json:"exit_code"`
	FailureReason string `json:"failure_reason"`
	PIDFailure    int    `json:"pid_failure"`
	RelatedPID    int    `json:"related_pid"`
}

// Reason returns the human-readable summary for pid terminating with code.
func Reason(pid, code int) string {
	if code == exitcode.Unavailable {
		return fmt.Sprintf("PID %d exited (exit code unavailable)", pid)
	}
	return fmt.Sprintf("PID %d exited with code %d", pid, code)
}

// Build constructs the report for s. It performs no I/O and is deterministic
// in its inputs.
func Build(s Subject, code, reporterPID int, now time.Time) FailureReport {
	name := s.ProgramName
	if name == "" {
		name = UnknownProgram
	}
	return FailureReport{
		Timestamp:     now.Unix(),
		ProgramName:   name,
		ExitCode:      code,
		FailureReason: Reason(s.PID, code),
		PIDFailure:    s.PID,
		RelatedPID:    reporterPID,
	}
}

// ExitCodeAvailable reports whether the exit code was recovered.
func (r FailureReport) ExitCodeAvailable() bool { return r.ExitCode != exitcode.Unavailable }

// Validate rejects reports that Build could not have produced.
func (r FailureReport) Validate() error {
	var errs []error
	if r.PIDFailure <= 0 {
		errs = append(errs, fmt.Errorf("pid_failure must be positive, got %d", r.PIDFailure))
	}
	if r.FailureReason == "" {
		errs = append(errs, errors.New("failure_reason is empty"))
	}
	if r.ProgramName == "" {
		errs = append(errs, errors.New("program_name is empty"))
	}
	return errors.Join(errs...)
}

// Marshal encodes r as a compact JSON object with exactly six fields.
// A malformed report yields an error and no bytes.
func Marshal(r FailureReport) ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("malformed report: %w", err)
	}
	b, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	return b, nil
}
