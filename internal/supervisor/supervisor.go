package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/loykin/streamctl/internal/health"
	"github.com/loykin/streamctl/internal/history"
	"github.com/loykin/streamctl/internal/metrics"
)

const (
	DefaultStopTimeout = 5 * time.Second
	DefaultSettleDelay = 2 * time.Second
	DefaultHealthHost  = "127.0.0.1"

	historyTimeout = 2 * time.Second
)

// Prober performs one liveness query.
type Prober interface {
	Probe(ctx context.Context, url string) health.Result
}

// Options configures a Supervisor. Zero values select the defaults.
type Options struct {
	StopTimeout time.Duration // grace period before SIGKILL
	SettleDelay time.Duration // pause between consecutive starts in StartAll
	HealthHost  string
	Launcher    Launcher
	Prober      Prober
	Fs          afero.Fs // used for the optional-target existence check
	Logger      *slog.Logger
}

type tracked struct {
	handle     Handle
	escalation *time.Timer
	// gone is closed after the exit has been observed and the entry forgotten.
	gone chan struct{}
}

// Supervisor owns the declared services, their live handles and their
// status table. Both maps are guarded by mu and every removal from handles
// goes through forget.
type Supervisor struct {
	opts  Options
	log   *slog.Logger
	order []string
	descs map[string]Descriptor

	mu        sync.Mutex
	handles   map[string]*tracked
	statuses  map[string]Status
	histSinks []history.Sink
}

// New returns a supervisor for the given services. Descriptor order is the
// bring-up order used by StartAll.
func New(descs []Descriptor, opts Options) (*Supervisor, error) {
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultStopTimeout
	}
	if opts.SettleDelay < 0 {
		opts.SettleDelay = 0
	}
	if opts.HealthHost == "" {
		opts.HealthHost = DefaultHealthHost
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Launcher == nil {
		opts.Launcher = &OSLauncher{Log: opts.Logger}
	}
	if opts.Prober == nil {
		opts.Prober = health.NewProber(health.DefaultTimeout)
	}
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}

	s := &Supervisor{
		opts:     opts,
		log:      opts.Logger,
		descs:    make(map[string]Descriptor, len(descs)),
		handles:  make(map[string]*tracked),
		statuses: make(map[string]Status, len(descs)),
	}
	for _, d := range descs {
		if d.Name == "" {
			return nil, errors.New("service name is required")
		}
		if _, dup := s.descs[d.Name]; dup {
			return nil, fmt.Errorf("duplicate service %q", d.Name)
		}
		d.Args = append([]string(nil), d.Args...)
		d.Env = append([]string(nil), d.Env...)
		s.descs[d.Name] = d
		s.order = append(s.order, d.Name)
		s.statuses[d.Name] = idle(d.Name, HealthUnknown)
		metrics.SetRunning(d.Name, false)
		metrics.SetHealth(d.Name, metrics.HealthUnknown)
	}
	return s, nil
}

// SetHistorySinks configures audit sinks for lifecycle events.
// Passing nil or no sinks clears the list.
func (s *Supervisor) SetHistorySinks(sinks ...history.Sink) {
	s.mu.Lock()
	s.histSinks = append([]history.Sink(nil), sinks...)
	s.mu.Unlock()
}

// Names returns the declared services in bring-up order.
func (s *Supervisor) Names() []string {
	return append([]string(nil), s.order...)
}

// Descriptor returns the declared configuration of a service.
func (s *Supervisor) Descriptor(name string) (Descriptor, bool) {
	d, ok := s.descs[name]
	return d, ok
}

// StartService spawns the named service. It returns false when the name is
// unknown, when the service is already running, or when the spawn failed.
func (s *Supervisor) StartService(ctx context.Context, name string) bool {
	d, ok := s.descs[name]
	if !ok {
		s.log.Warn("unknown service", "service", name)
		return false
	}

	s.mu.Lock()
	if _, running := s.handles[name]; running {
		s.mu.Unlock()
		s.log.Warn("service already running", "service", name)
		return false
	}
	// The lock is held across the spawn so a concurrent start of the same
	// service cannot create a second child.
	h, err := s.opts.Launcher.Launch(d)
	if err != nil {
		s.forget(name, HealthUnhealthy)
		s.mu.Unlock()
		s.log.Error("failed to start service", "service", name, "target", d.Target, "error", err)
		metrics.IncSpawnFailure(name)
		s.record(ctx, history.Event{
			Type: history.EventSpawnError, Service: name, Port: d.Port,
			Health: string(HealthUnhealthy), ExitErr: err.Error(),
		})
		return false
	}
	now := time.Now()
	t := &tracked{handle: h, gone: make(chan struct{})}
	s.handles[name] = t
	s.statuses[name] = Status{
		Name:      name,
		Running:   true,
		PID:       h.PID(),
		Port:      d.Port,
		StartedAt: &now,
		Health:    HealthUnknown,
	}
	s.mu.Unlock()

	go s.watch(name, t)

	s.log.Info("service started", "service", name, "pid", h.PID(), "port", d.Port)
	metrics.IncStart(name)
	metrics.SetRunning(name, true)
	metrics.SetHealth(name, metrics.HealthUnknown)
	s.record(ctx, history.Event{
		Type: history.EventStart, Service: name, PID: h.PID(), Port: d.Port,
		Health: string(HealthUnknown), OccurredAt: now,
	})
	return true
}

// watch observes the child's exit, whatever its cause.
func (s *Supervisor) watch(name string, t *tracked) {
	<-t.handle.Done()
	exitErr := t.handle.ExitErr()

	s.mu.Lock()
	if cur, ok := s.handles[name]; ok && cur == t {
		s.forget(name, HealthUnknown)
	}
	port := s.descs[name].Port
	s.mu.Unlock()
	close(t.gone)

	code := t.handle.ExitCode()
	if exitErr != nil {
		s.log.Warn("service exited", "service", name, "pid", t.handle.PID(), "code", code, "error", exitErr)
	} else {
		s.log.Info("service exited", "service", name, "pid", t.handle.PID(), "code", code)
	}
	metrics.IncExit(name)
	s.record(context.Background(), history.Event{
		Type: history.EventExit, Service: name, PID: t.handle.PID(), Port: port,
		Health: string(HealthUnknown), ExitErr: history.ErrText(exitErr),
	})
}

// forget drops the handle of name, disarms its escalation timer and resets
// its status. Callers hold s.mu.
func (s *Supervisor) forget(name string, h Health) {
	if t, ok := s.handles[name]; ok {
		if t.escalation != nil {
			t.escalation.Stop()
		}
		delete(s.handles, name)
	}
	s.statuses[name] = idle(name, h)
	metrics.SetRunning(name, false)
	switch h {
	case HealthUnhealthy:
		metrics.SetHealth(name, metrics.HealthUnhealthy)
	default:
		metrics.SetHealth(name, metrics.HealthUnknown)
	}
}

// StopService asks the named service to terminate and waits until its exit
// has been observed. If the child is still tracked after the stop timeout it
// is killed. It returns false when nothing is tracked for name or when ctx
// ends first; in the latter case the escalation stays armed.
func (s *Supervisor) StopService(ctx context.Context, name string) bool {
	s.mu.Lock()
	t, ok := s.handles[name]
	if !ok {
		s.mu.Unlock()
		return false
	}
	if t.escalation == nil {
		t.escalation = time.AfterFunc(s.opts.StopTimeout, func() { s.escalate(name, t) })
	}
	pid := t.handle.PID()
	s.mu.Unlock()

	s.log.Info("stopping service", "service", name, "pid", pid)
	metrics.IncStop(name)
	if err := t.handle.Terminate(); err != nil {
		s.log.Warn("graceful stop failed", "service", name, "pid", pid, "error", err)
	}

	select {
	case <-t.gone:
	case <-ctx.Done():
		s.log.Warn("stop wait abandoned", "service", name, "pid", pid, "error", ctx.Err())
		return false
	}

	s.log.Info("service stopped", "service", name, "pid", pid)
	s.record(ctx, history.Event{
		Type: history.EventStop, Service: name, PID: pid, Port: s.descs[name].Port,
		Health: string(HealthUnknown),
	})
	return true
}

func (s *Supervisor) escalate(name string, t *tracked) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.handles[name]; !ok || cur != t {
		return
	}
	s.log.Warn("service did not exit in time, killing", "service", name, "pid", t.handle.PID(), "timeout", s.opts.StopTimeout)
	metrics.IncKillEscalation(name)
	if err := t.handle.Kill(); err != nil {
		s.log.Error("kill failed", "service", name, "pid", t.handle.PID(), "error", err)
	}
}

// StartAll brings services up one at a time in declaration order, pausing
// SettleDelay between consecutive services. An optional service whose
// target does not exist on disk is skipped.
func (s *Supervisor) StartAll(ctx context.Context) {
	for i, name := range s.order {
		if i > 0 && s.opts.SettleDelay > 0 {
			select {
			case <-time.After(s.opts.SettleDelay):
			case <-ctx.Done():
				s.log.Warn("bring-up interrupted", "error", ctx.Err())
				return
			}
		}
		d := s.descs[name]
		if d.Optional {
			exists, err := afero.Exists(s.opts.Fs, d.Target)
			if err != nil || !exists {
				s.log.Info("optional service target not found, skipping", "service", name, "target", d.Target)
				continue
			}
		}
		s.StartService(ctx, name)
	}
}

// StopAll stops every tracked service in turn, waiting for each.
func (s *Supervisor) StopAll(ctx context.Context) {
	for _, name := range s.order {
		if s.IsRunning(name) {
			s.StopService(ctx, name)
		}
	}
}

// Statuses returns one status per declared service in declaration order.
func (s *Supervisor) Statuses() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Status, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.statuses[name])
	}
	return out
}

// Status returns the status of one service.
func (s *Supervisor) Status(name string) (Status, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.statuses[name]
	return st, ok
}

// IsRunning reports whether a child is tracked for name.
func (s *Supervisor) IsRunning(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.handles[name]
	return ok
}

// CheckHealth probes a running service and records the verdict. A service
// that is not running is unhealthy without any network call.
func (s *Supervisor) CheckHealth(ctx context.Context, name string) bool {
	s.mu.Lock()
	st, ok := s.statuses[name]
	t := s.handles[name]
	s.mu.Unlock()
	if !ok || !st.Running || st.Port == 0 || t == nil {
		return false
	}

	res := s.opts.Prober.Probe(ctx, health.URL(s.opts.HealthHost, st.Port, s.descs[name].TLS))
	verdict := HealthUnhealthy
	gauge := metrics.HealthUnhealthy
	if res.Healthy {
		verdict = HealthHealthy
		gauge = metrics.HealthHealthy
	}
	checked := res.CheckedAt

	s.mu.Lock()
	// A stop or exit during the probe wins over the verdict.
	cur, still := s.handles[name]
	if still && cur == t {
		st = s.statuses[name]
		st.Health = verdict
		st.LastHealthCheckAt = &checked
		s.statuses[name] = st
	}
	s.mu.Unlock()

	metrics.ObserveHealthCheck(name, res.Healthy)
	if !res.Healthy {
		s.log.Debug("health check failed", "service", name, "port", st.Port, "error", res.Err)
	}
	// A discarded verdict stays out of the audit trail too.
	if still && cur == t {
		metrics.SetHealth(name, gauge)
		s.record(ctx, history.Event{
			Type: history.EventHealth, Service: name, PID: st.PID, Port: st.Port,
			Health: string(verdict), OccurredAt: checked,
		})
	}
	return res.Healthy
}

// CheckAll probes every running service and returns the verdicts by name.
// Services that are not running are reported false without probing.
func (s *Supervisor) CheckAll(ctx context.Context) map[string]bool {
	out := make(map[string]bool, len(s.order))
	for _, name := range s.order {
		out[name] = s.CheckHealth(ctx, name)
	}
	return out
}

// RunningPIDs returns the PIDs of tracked children by service name.
func (s *Supervisor) RunningPIDs() map[string]int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int32, len(s.handles))
	for name, t := range s.handles {
		out[name] = int32(t.handle.PID())
	}
	return out
}

func (s *Supervisor) record(ctx context.Context, e history.Event) {
	s.mu.Lock()
	sinks := append([]history.Sink(nil), s.histSinks...)
	s.mu.Unlock()
	if len(sinks) == 0 {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now()
	}
	e.OccurredAt = e.OccurredAt.UTC()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), historyTimeout)
	defer cancel()
	if err := history.Multi(sinks).Send(ctx, e); err != nil {
		s.log.Warn("history sink failed", "service", e.Service, "event", e.Type, "error", err)
	}
}
