//go:build !windows

package process

import (
	"os/exec"
	"syscall"
)

// configureSysProcAttr places the child in its own process group for group signaling.
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func shellCommand(script string, args []string) *exec.Cmd {
	// #nosec G204
	return exec.Command("/bin/sh", append([]string{script}, args...)...)
}
