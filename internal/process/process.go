package process

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/loykin/streamctl/internal/logger"
)

// waitDelay bounds how long Wait keeps draining output after the child exits,
// for grandchildren that inherited the pipes.
const waitDelay = 2 * time.Second

// Process is one running child. Exactly one goroutine waits on it; callers
// observe the exit through Done.
type Process struct {
	spec      Spec
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time
	done      chan struct{}

	mu      sync.Mutex
	exitErr error
}

// Start launches the child described by spec. Its stdout lines are logged at
// info level prefixed "[name]" and its stderr lines at error level prefixed
// "[name:ERROR]". The returned error is non-nil only when the OS refused to
// create the process.
func Start(spec Spec, log *slog.Logger) (*Process, error) {
	if log == nil {
		log = slog.Default()
	}
	outFile, errFile, err := spec.Log.Writers(spec.Name)
	if err != nil {
		log.Warn("service log files unavailable", "service", spec.Name, "error", err)
	}
	outW := logger.NewLineWriter(log, slog.LevelInfo, "["+spec.Name+"]", asWriter(outFile))
	errW := logger.NewLineWriter(log, slog.LevelError, "["+spec.Name+":ERROR]", asWriter(errFile))

	cmd := spec.BuildCommand()
	cmd.Stdout = outW
	cmd.Stderr = errW
	cmd.WaitDelay = waitDelay

	if err := cmd.Start(); err != nil {
		closeAll(outFile, errFile)
		return nil, fmt.Errorf("start %s: %w", spec.Name, err)
	}

	p := &Process{
		spec:      spec,
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}
	go func() {
		err := cmd.Wait()
		outW.Flush()
		errW.Flush()
		closeAll(outFile, errFile)
		p.mu.Lock()
		p.exitErr = err
		p.mu.Unlock()
		close(p.done)
	}()
	return p, nil
}

func (p *Process) Name() string         { return p.spec.Name }
func (p *Process) PID() int             { return p.pid }
func (p *Process) StartedAt() time.Time { return p.startedAt }

// Done is closed once the child has exited and been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

// ExitErr returns the error from Wait; only meaningful after Done is closed.
func (p *Process) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// ExitCode returns the child's exit status, -1 when it was ended by a signal
// or has not exited yet.
func (p *Process) ExitCode() int {
	select {
	case <-p.done:
	default:
		return -1
	}
	err := p.ExitErr()
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}

// Exited reports whether the child has been reaped.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Terminate asks the child's process group to exit (SIGTERM on Unix).
func (p *Process) Terminate() error {
	if p.Exited() {
		return nil
	}
	return terminate(p.cmd)
}

// Kill forcefully ends the child's process group (SIGKILL on Unix).
func (p *Process) Kill() error {
	if p.Exited() {
		return nil
	}
	return kill(p.cmd)
}

func asWriter(w io.WriteCloser) io.Writer {
	if w == nil {
		return nil
	}
	return w
}

func closeAll(cs ...io.WriteCloser) {
	for _, c := range cs {
		if c != nil {
			_ = c.Close()
		}
	}
}
