//go:build windows

package detector

import (
	"syscall"
)

// procStartUnix returns the process creation time as Unix seconds using
// GetProcessTimes, falling back to gopsutil when the handle cannot be opened.
func procStartUnix(pid int) int64 {
	h, err := syscall.OpenProcess(syscall.PROCESS_QUERY_INFORMATION, false, uint32(pid))
	if err != nil {
		return createTimeUnix(pid)
	}
	defer func() { _ = syscall.CloseHandle(h) }()

	var creation, exit, kernel, user syscall.Filetime
	if err := syscall.GetProcessTimes(h, &creation, &exit, &kernel, &user); err != nil {
		return 0
	}
	return creation.Nanoseconds() / 1e9
}
