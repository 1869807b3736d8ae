//go:build !windows

package process

import (
	"os/exec"
	"syscall"
)

// setupProcessAttributes puts the daemon in its own process group
// so terminal signals aimed at the manager do not reach it
func setupProcessAttributes(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
}
