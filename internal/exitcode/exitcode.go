// Package exitcode reads exit statuses that a launcher persists into sidecar
// files after the watched process ends.
package exitcode

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
)

// Unavailable marks an exit code that could not be determined.
const Unavailable = -1

// Resolve returns the integer that leads the first whitespace-delimited token
// of the sidecar file at path, so "137;" resolves to 137. A missing,
// unreadable or empty file, a token without leading digits, or a value
// outside int32 resolves to Unavailable; the launcher may not have written
// it yet.
func Resolve(path string) int {
	if path == "" {
		return Unavailable
	}
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return Unavailable
	}
	defer func() { _ = f.Close() }()

	s := bufio.NewScanner(f)
	s.Split(bufio.ScanWords)
	if !s.Scan() {
		return Unavailable
	}
	code, err := strconv.ParseInt(leadingInt(s.Text()), 10, 32)
	if err != nil {
		return Unavailable
	}
	return int(code)
}

// leadingInt returns the optional sign and the digits that start tok.
func leadingInt(tok string) string {
	i := 0
	if i < len(tok) && (tok[i] == '+' || tok[i] == '-') {
		i++
	}
	for i < len(tok) && tok[i] >= '0' && tok[i] <= '9' {
		i++
	}
	return tok[:i]
}
