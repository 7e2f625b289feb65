package detector

import (
	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// Info is the identity of a process captured while it is still running.
// Once the process has exited neither field can be recovered from the PID.
type Info struct {
	Name      string // executable name, "" when unknown
	StartUnix int64  // start time in Unix seconds, 0 when unknown
}

// Inspect collects best-effort identity for pid. It never fails; fields the
// platform cannot provide are left zero.
func Inspect(pid int) Info {
	if pid <= 0 {
		return Info{}
	}
	return Info{Name: processName(pid), StartUnix: procStartUnix(pid)}
}

func processName(pid int) string {
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return ""
	}
	name, err := p.Name()
	if err != nil {
		return ""
	}
	return name
}

// createTimeUnix asks gopsutil for the creation time (milliseconds) and
// converts it to seconds.
func createTimeUnix(pid int) int64 {
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return 0
	}
	ms, err := p.CreateTime()
	if err != nil || ms <= 0 {
		return 0
	}
	return ms / 1000
}
