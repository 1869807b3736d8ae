//go:build !windows

package processstate

import (
	"os"
	"strconv"
	"strings"

	"github.com/core-tools/hsu-svcmgr/pkg/errors"

	"golang.org/x/sys/unix"
)

// IsProcessRunning probes pid with the null signal.
// ESRCH means gone; EPERM means alive but owned by someone else.
func IsProcessRunning(pid int) (bool, error) {
	if pid <= 0 {
		return false, errors.NewValidationError("invalid PID", nil).WithContext("pid", pid)
	}

	err := unix.Kill(pid, 0)
	switch err {
	case nil:
		return !isZombie(pid), nil
	case unix.ESRCH:
		return false, nil
	case unix.EPERM:
		return true, nil
	}
	return false, err
}

// isZombie reports an exited but unreaped process; such a pid still answers
// the null signal. Only Linux exposes this through procfs.
func isZombie(pid int) bool {
	data, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return false
	}
	// The state follows the parenthesised command name, which may contain spaces
	end := strings.LastIndexByte(string(data), ')')
	if end < 0 || end+2 >= len(data) {
		return false
	}
	return data[end+2] == 'Z'
}

// ReadPIDFile returns the pid recorded in path.
// A missing file is reported as NotFoundError, garbage content as ValidationError.
func ReadPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, errors.NewNotFoundError("pid file not found", err).WithContext("pid_file", path)
		}
		return 0, errors.NewIOError("failed to read pid file", err).WithContext("pid_file", path)
	}

	pidStr := strings.TrimSpace(string(data))
	pid, err := strconv.Atoi(pidStr)
	if err != nil || pid <= 0 {
		return 0, errors.NewValidationError("invalid pid file content", err).
			WithContext("pid_file", path).WithContext("content", pidStr)
	}
	return pid, nil
}

// IsPIDFileLive reports whether path names a live process; any problem with the file means false
func IsPIDFileLive(path string) bool {
	pid, err := ReadPIDFile(path)
	if err != nil {
		return false
	}
	running, err := IsProcessRunning(pid)
	return err == nil && running
}
