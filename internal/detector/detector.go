package detector

import "fmt"

// Detector is a strategy that determines if a watched process is still running.
// It must be safe for concurrent use.
type Detector interface {
	// Alive returns true if the process is detected as running.
	Alive() (bool, error)
	// Describe returns a human-readable description of the detection method.
	Describe() string
}

// PIDDetector detects by a PID number using the null-signal existence check.
//
// A recycled PID is indistinguishable from the original process; the detector
// reports whatever currently owns the number.
type PIDDetector struct{ PID int }

func (d PIDDetector) Alive() (bool, error) { return pidAlive(d.PID), nil }
func (d PIDDetector) Describe() string     { return fmt.Sprintf("pid:%d", d.PID) }
