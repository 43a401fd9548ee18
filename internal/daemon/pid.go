// Package daemon supervises the single-instance daemon lifecycle: PID file
// ownership, port cleanup, the detached server child, and autostart module
// registration against the running server.
package daemon

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// ReadPID parses the PID file. A missing file returns (0, false, nil); a
// malformed file is reported as an error so callers can decide to clear it.
func ReadPID(path string) (int, bool, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil || pid <= 0 {
		return 0, false, fmt.Errorf("malformed pid file %s: %q", path, strings.TrimSpace(string(raw)))
	}
	return pid, true, nil
}

// WritePID records pid atomically next to its final path.
func WritePID(path string, pid int) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.Itoa(pid)+"\n"), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// RemovePID deletes the PID file; a missing file is not an error.
func RemovePID(path string) error {
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// Alive reports whether pid names a live process. Signal 0 probes without
// delivering anything.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
