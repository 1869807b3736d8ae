// Package procsupervisor tracks one daemon process through its pid file.
//
// The supervisor never holds an os.Process handle: the daemon may have been
// spawned by a previous manager incarnation, so the pid file is the only
// source of truth for liveness and termination.
package procsupervisor

import (
	"context"
	"os"
	"syscall"
	"time"

	"github.com/core-tools/hsu-svcmgr/pkg/errors"
	"github.com/core-tools/hsu-svcmgr/pkg/logging"
	"github.com/core-tools/hsu-svcmgr/pkg/processstate"
	"github.com/core-tools/hsu-svcmgr/pkg/svcpath"

	"golang.org/x/sys/unix"
)

const (
	DefaultGracefulTimeout = 10 * time.Second
	DefaultKillTimeout     = 5 * time.Second
	DefaultPollInterval    = 100 * time.Millisecond
)

type Config struct {
	Name          string
	PIDFile       string
	LogDir        string
	LogFile       string
	VolFile       string
	VolfileID     string
	ListenAddress string

	GracefulTimeout time.Duration
	KillTimeout     time.Duration
	PollInterval    time.Duration
}

type Supervisor struct {
	config Config
	logger logging.Logger

	// kill is replaced in tests to model a process that ignores signals
	kill func(pid int, sig syscall.Signal) error
}

func New(config Config, logger logging.Logger) (*Supervisor, error) {
	if err := ValidateConfig(config); err != nil {
		return nil, err
	}

	if config.GracefulTimeout <= 0 {
		config.GracefulTimeout = DefaultGracefulTimeout
	}
	if config.KillTimeout <= 0 {
		config.KillTimeout = DefaultKillTimeout
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}

	return &Supervisor{
		config: config,
		logger: logger,
		kill:   unix.Kill,
	}, nil
}

// ValidateConfig reports the first missing or over-long field as ConfigError
func ValidateConfig(config Config) error {
	if err := svcpath.ValidateName(config.Name); err != nil {
		return err
	}

	paths := []struct {
		field string
		value string
		limit int
	}{
		{"pid file", config.PIDFile, svcpath.MaxPathLength},
		{"log directory", config.LogDir, svcpath.MaxPathLength},
		{"log file", config.LogFile, svcpath.MaxPathLength},
		{"volfile", config.VolFile, svcpath.MaxPathLength},
		{"volfile-id", config.VolfileID, svcpath.MaxVolfileIDLength},
		{"listen address", config.ListenAddress, svcpath.MaxPathLength},
	}
	for _, p := range paths {
		if err := svcpath.ValidatePath(p.field, p.value, p.limit); err != nil {
			return err.(*errors.DomainError).WithContext("service", config.Name)
		}
	}
	return nil
}

func (s *Supervisor) Name() string          { return s.config.Name }
func (s *Supervisor) PIDFile() string       { return s.config.PIDFile }
func (s *Supervisor) LogDir() string        { return s.config.LogDir }
func (s *Supervisor) LogFile() string       { return s.config.LogFile }
func (s *Supervisor) VolFile() string       { return s.config.VolFile }
func (s *Supervisor) VolfileID() string     { return s.config.VolfileID }
func (s *Supervisor) ListenAddress() string { return s.config.ListenAddress }

// HasVolfile reports whether the volfile exists on disk
func (s *Supervisor) HasVolfile() bool {
	_, err := os.Stat(s.config.VolFile)
	return err == nil
}

// PID returns the pid recorded in the pid file
func (s *Supervisor) PID() (int, error) {
	return processstate.ReadPIDFile(s.config.PIDFile)
}

// IsRunning never fails: an absent, unreadable or stale pid file means not running
func (s *Supervisor) IsRunning() bool {
	return processstate.IsPIDFileLive(s.config.PIDFile)
}

// Stop sends sig to the recorded process and waits for it to exit.
// When the grace period passes and force is set, SIGKILL follows.
// The pid file is removed only once the process is confirmed gone.
func (s *Supervisor) Stop(ctx context.Context, sig syscall.Signal, force bool) error {
	pid, err := s.PID()
	if err != nil {
		if errors.IsNotFoundError(err) {
			s.logger.Debugf("No pid file, service already stopped, service: %s", s.config.Name)
			return nil
		}
		if errors.IsValidationError(err) {
			s.logger.Warnf("Removing unparsable pid file, service: %s, error: %v", s.config.Name, err)
			return s.removePIDFile()
		}
		return errors.NewStopError("cannot read pid file", err).WithContext("service", s.config.Name)
	}

	if running, _ := processstate.IsProcessRunning(pid); !running {
		s.logger.Infof("Removing stale pid file, service: %s, PID: %d", s.config.Name, pid)
		return s.removePIDFile()
	}

	return s.StopPID(ctx, pid, sig, force)
}

// StopPID runs the signal, wait and kill sequence against pid directly.
// It serves a launched process whose pid file is not written yet.
func (s *Supervisor) StopPID(ctx context.Context, pid int, sig syscall.Signal, force bool) error {
	if running, _ := processstate.IsProcessRunning(pid); !running {
		return s.removePIDFile()
	}

	s.logger.Infof("Stopping service, service: %s, PID: %d, signal: %v", s.config.Name, pid, sig)
	if err := s.kill(pid, sig); err != nil && err != unix.ESRCH {
		s.logger.Warnf("Failed to signal process, service: %s, PID: %d, error: %v", s.config.Name, pid, err)
	}

	exited, err := s.waitExit(ctx, pid, s.config.GracefulTimeout)
	if err != nil {
		return err
	}
	if exited {
		s.logger.Infof("Service stopped, service: %s, PID: %d", s.config.Name, pid)
		return s.removePIDFile()
	}

	if !force {
		return errors.NewStopError("process did not exit within grace period", nil).
			WithContext("service", s.config.Name).WithContext("pid", pid)
	}

	s.logger.Warnf("Service did not stop within %v, killing, service: %s, PID: %d",
		s.config.GracefulTimeout, s.config.Name, pid)
	if err := s.kill(pid, unix.SIGKILL); err != nil && err != unix.ESRCH {
		return errors.NewStopError("failed to kill process", err).
			WithContext("service", s.config.Name).WithContext("pid", pid)
	}

	exited, err = s.waitExit(ctx, pid, s.config.KillTimeout)
	if err != nil {
		return err
	}
	if !exited {
		return errors.NewStopError("process survived forced termination", nil).
			WithContext("service", s.config.Name).WithContext("pid", pid)
	}

	s.logger.Infof("Service killed, service: %s, PID: %d", s.config.Name, pid)
	return s.removePIDFile()
}

func (s *Supervisor) waitExit(ctx context.Context, pid int, timeout time.Duration) (bool, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	for {
		if running, _ := processstate.IsProcessRunning(pid); !running {
			return true, nil
		}
		select {
		case <-ticker.C:
		case <-deadline.C:
			running, _ := processstate.IsProcessRunning(pid)
			return !running, nil
		case <-ctx.Done():
			return false, errors.NewCancelledError("stop cancelled", ctx.Err()).
				WithContext("service", s.config.Name).WithContext("pid", pid)
		}
	}
}

func (s *Supervisor) removePIDFile() error {
	if err := os.Remove(s.config.PIDFile); err != nil && !os.IsNotExist(err) {
		return errors.NewIOError("failed to remove pid file", err).WithContext("pid_file", s.config.PIDFile)
	}
	return nil
}
