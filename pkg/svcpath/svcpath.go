// Package svcpath derives the on-disk layout of a supervised service.
//
// Every function is pure: the same (name, workdir, logdir) always yields the
// same paths, so a restarted manager finds the pid file and control socket of
// a daemon spawned by its previous incarnation.
package svcpath

import (
	"os"
	"path/filepath"
	"regexp"

	"github.com/core-tools/hsu-svcmgr/pkg/errors"
)

const (
	// VolfileIDPrefix is prepended to the service name to form the volfile-id
	VolfileIDPrefix = "gluster/"

	MaxNameLength      = 255
	MaxPathLength      = 4096
	MaxVolfileIDLength = 255
	// MaxSocketPathLength is the usable size of sockaddr_un.sun_path
	MaxSocketPathLength = 107

	runDirName = "run"
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ServiceDir returns workdir/name
func ServiceDir(workdir, name string) string {
	return filepath.Join(workdir, name)
}

// RunDir returns workdir/name/run
func RunDir(workdir, name string) string {
	return filepath.Join(ServiceDir(workdir, name), runDirName)
}

// PIDFile returns workdir/name/run/name.pid
func PIDFile(workdir, name string) string {
	return filepath.Join(RunDir(workdir, name), name+".pid")
}

// VolFile returns workdir/name/name-server.vol
func VolFile(workdir, name string) string {
	return filepath.Join(ServiceDir(workdir, name), name+"-server.vol")
}

// LogFile returns logdir/name.log
func LogFile(logdir, name string) string {
	return filepath.Join(logdir, name+".log")
}

// VolfileID returns the logical configuration id handed to the daemon
func VolfileID(name string) string {
	return VolfileIDPrefix + name
}

// SocketFile returns rundir/nodeID.sock
func SocketFile(rundir, nodeID string) string {
	return filepath.Join(rundir, nodeID+".sock")
}

// MemoryDebugLogFile returns logdir/valgrind-name.log
func MemoryDebugLogFile(logdir, name string) string {
	return filepath.Join(logdir, "valgrind-"+name+".log")
}

// EnsureRunDir creates the run directory; an existing directory is success
func EnsureRunDir(path string) error {
	err := os.Mkdir(path, 0777)
	if err == nil || os.IsExist(err) {
		return nil
	}
	return errors.NewDirectoryCreateError("unable to create rundir", err).WithContext("rundir", path)
}

// ValidateName checks that a service name is bounded and safe to use as a path element
func ValidateName(name string) error {
	if name == "" {
		return errors.NewConfigError("service name is required", nil)
	}
	if len(name) > MaxNameLength {
		return errors.NewConfigError("service name is too long", nil).
			WithContext("name", name).WithContext("max_length", MaxNameLength)
	}
	if !namePattern.MatchString(name) {
		return errors.NewConfigError("service name contains unsafe characters", nil).WithContext("name", name)
	}
	return nil
}

// ValidatePath checks that a required path is set and within limit
func ValidatePath(field, path string, limit int) error {
	if path == "" {
		return errors.NewConfigError(field+" is required", nil)
	}
	if len(path) > limit {
		return errors.NewConfigError(field+" exceeds maximum length", nil).
			WithContext("path", path).WithContext("max_length", limit)
	}
	return nil
}
