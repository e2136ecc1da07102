//go:build windows

package process

import "os/exec"

// Windows has no catchable termination request for arbitrary children;
// both paths end the process.
func terminate(cmd *exec.Cmd) error { return kill(cmd) }

func kill(cmd *exec.Cmd) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
