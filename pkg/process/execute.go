package process

import (
	"context"
	"os"
	"os/exec"
	"time"

	"github.com/core-tools/hsu-svcmgr/pkg/errors"
	"github.com/core-tools/hsu-svcmgr/pkg/logging"
)

type ExecutionConfig struct {
	ExecutablePath   string        `yaml:"executable_path"`
	Args             []string      `yaml:"args,omitempty"`
	Environment      []string      `yaml:"environment,omitempty"`
	WorkingDirectory string        `yaml:"working_directory,omitempty"`
	WaitDelay        time.Duration `yaml:"wait_delay,omitempty"`
}

// Argv returns the full argument vector including the executable
func (e ExecutionConfig) Argv() []string {
	return append([]string{e.ExecutablePath}, e.Args...)
}

// Wrap prefixes the command with a launcher such as a memory debugger.
// The original executable becomes the first argument after the launcher's own.
func (e ExecutionConfig) Wrap(launcher string, launcherArgs ...string) ExecutionConfig {
	args := make([]string, 0, len(launcherArgs)+1+len(e.Args))
	args = append(args, launcherArgs...)
	args = append(args, e.ExecutablePath)
	args = append(args, e.Args...)

	wrapped := e
	wrapped.ExecutablePath = launcher
	wrapped.Args = args
	return wrapped
}

// Start launches the process and returns without waiting for it.
// The child is reaped in the background so it never lingers as a zombie.
func Start(ctx context.Context, execution ExecutionConfig, id string, logger logging.Logger) (*os.Process, error) {
	cmd, err := newCmd(ctx, execution, id, logger, false)
	if err != nil {
		return nil, err
	}

	logger.Infof("Starting process, id: %s, argv: %v", id, execution.Argv())

	if err := cmd.Start(); err != nil {
		return nil, errors.NewSpawnError("failed to start the process", err).
			WithContext("id", id).WithContext("executable_path", execution.ExecutablePath)
	}

	process := cmd.Process
	logger.Infof("Successfully started process, id: %s, PID: %d", id, process.Pid)

	go func() {
		err := cmd.Wait()
		logger.Debugf("Process reaped, id: %s, PID: %d, result: %v", id, process.Pid, err)
	}()

	return process, nil
}

// Run launches the process and blocks until it exits.
// A non-zero exit status is reported as SpawnError.
func Run(ctx context.Context, execution ExecutionConfig, id string, logger logging.Logger) error {
	cmd, err := newCmd(ctx, execution, id, logger, true)
	if err != nil {
		return err
	}

	logger.Infof("Running process, id: %s, argv: %v", id, execution.Argv())

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return errors.NewCancelledError("process run cancelled", ctx.Err()).WithContext("id", id)
		}
		return errors.NewSpawnError("process run failed", err).
			WithContext("id", id).WithContext("executable_path", execution.ExecutablePath)
	}

	logger.Infof("Process completed, id: %s", id)
	return nil
}

func newCmd(ctx context.Context, execution ExecutionConfig, id string, logger logging.Logger, bindContext bool) (*exec.Cmd, error) {
	if ctx == nil {
		return nil, errors.NewValidationError("context cannot be nil", nil).WithContext("id", id)
	}

	if err := ValidateExecutionConfig(execution); err != nil {
		logger.Errorf("Execution configuration validation failed, id: %s, error: %v", id, err)
		return nil, err
	}

	path, err := exec.LookPath(execution.ExecutablePath)
	if err != nil {
		return nil, errors.NewSpawnError("executable not found", err).
			WithContext("id", id).WithContext("executable_path", execution.ExecutablePath)
	}

	var cmd *exec.Cmd
	if bindContext {
		cmd = exec.CommandContext(ctx, path, execution.Args...)
	} else {
		// A fire-and-forget daemon must outlive the request that spawned it
		cmd = exec.Command(path, execution.Args...)
	}
	cmd.Dir = execution.WorkingDirectory
	cmd.Env = append(os.Environ(), execution.Environment...)
	cmd.WaitDelay = execution.WaitDelay

	setupProcessAttributes(cmd)

	return cmd, nil
}
