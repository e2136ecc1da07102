package supervisor

import (
	"log/slog"
	"strconv"

	"github.com/loykin/streamctl/internal/env"
	"github.com/loykin/streamctl/internal/logger"
	"github.com/loykin/streamctl/internal/process"
)

// Handle is a live child owned by the supervisor.
type Handle interface {
	PID() int
	// Done is closed once the child has exited and been reaped.
	Done() <-chan struct{}
	ExitErr() error
	ExitCode() int
	Terminate() error
	Kill() error
}

// Launcher spawns the child for a descriptor. A returned error means the
// OS refused to create the process.
type Launcher interface {
	Launch(d Descriptor) (Handle, error)
}

// PortKey carries the descriptor port to the child.
const PortKey = "PORT"

// OSLauncher starts real OS processes through internal/process.
type OSLauncher struct {
	Env *env.Env
	Log *slog.Logger
	// Files returns where a service's output is persisted; nil keeps
	// output in the operator log only.
	Files   func(name string) logger.Config
	WorkDir string
}

func (l *OSLauncher) Launch(d Descriptor) (Handle, error) {
	e := l.Env
	if e == nil {
		e = env.New()
	}
	extra := append([]string(nil), d.Env...)
	if d.Port > 0 {
		extra = append([]string{PortKey + "=" + strconv.Itoa(d.Port)}, extra...)
	}
	var files logger.Config
	if l.Files != nil {
		files = l.Files(d.Name)
	}
	p, err := process.Start(process.Spec{
		Name:    d.Name,
		Path:    d.Target,
		Args:    d.Args,
		Env:     e.ForService(d.Name, extra),
		WorkDir: l.WorkDir,
		Log:     files,
	}, l.Log)
	if err != nil {
		return nil, err
	}
	return p, nil
}
