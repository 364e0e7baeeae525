//go:build unix

package pool

import (
	"os/exec"
	"syscall"
)

// setProcGroup configures the command to run in its own process group so
// npx/sh/node-style child chains can be killed together.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func killProcGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
}
