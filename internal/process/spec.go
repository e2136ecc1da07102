package process

import (
	"os/exec"
	"strings"

	"github.com/loykin/streamctl/internal/logger"
)

// Spec describes one child to launch.
type Spec struct {
	Name    string        // service name, used as the log prefix
	Path    string        // executable or script to run
	Args    []string      // arguments passed after Path
	Env     []string      // full KEY=VALUE environment; nil inherits the parent's
	WorkDir string        // optional working directory
	Log     logger.Config // optional rotating file copies of stdout/stderr
}

// BuildCommand constructs the *exec.Cmd for the spec.
// Scripts ending in .sh are run through /bin/sh so they need not be executable.
func (s Spec) BuildCommand() *exec.Cmd {
	path := strings.TrimSpace(s.Path)
	var cmd *exec.Cmd
	if strings.HasSuffix(path, ".sh") {
		// #nosec G204
		cmd = shellCommand(path, s.Args)
	} else {
		// #nosec G204
		cmd = exec.Command(path, s.Args...)
	}
	if s.WorkDir != "" {
		cmd.Dir = s.WorkDir
	}
	if s.Env != nil {
		cmd.Env = s.Env
	}
	configureSysProcAttr(cmd)
	return cmd
}
