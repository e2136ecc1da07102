package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// parser accepts standard five-field expressions and descriptors such as
// "@every 30s" or "@hourly".
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate reports whether spec is a schedule the Scheduler accepts.
func Validate(spec string) error {
	if spec == "" {
		return errors.New("empty schedule")
	}
	if _, err := parser.Parse(spec); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return nil
}

// Scheduler runs named periodic tasks. A tick is skipped while the previous
// run of the same task is still in progress.
type Scheduler struct {
	mu      sync.Mutex
	c       *cron.Cron
	ctx     context.Context
	cancel  context.CancelFunc
	entries map[string]cron.EntryID
	started bool
	log     *slog.Logger
}

func New(log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	l := cronLogger{log: log}
	return &Scheduler{
		c: cron.New(
			cron.WithParser(parser),
			cron.WithLogger(l),
			cron.WithChain(cron.Recover(l), cron.SkipIfStillRunning(l)),
		),
		ctx:     context.Background(),
		entries: make(map[string]cron.EntryID),
		log:     log,
	}
}

// Add registers fn under a unique name. fn receives the context passed to
// Start, which is cancelled by Stop.
func (s *Scheduler) Add(name, spec string, fn func(context.Context)) error {
	if name == "" {
		return errors.New("task requires a name")
	}
	if err := Validate(spec); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.entries[name]; dup {
		return fmt.Errorf("task %s already scheduled", name)
	}
	id, err := s.c.AddFunc(spec, func() {
		s.mu.Lock()
		ctx := s.ctx
		s.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		started := time.Now()
		fn(ctx)
		s.log.Debug("scheduled task finished", "task", name, "took", time.Since(started))
	})
	if err != nil {
		return err
	}
	s.entries[name] = id
	return nil
}

// Names lists scheduled task names in order.
func (s *Scheduler) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.entries))
	for n := range s.entries {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Next returns the next activation of the named task, zero before Start.
func (s *Scheduler) Next(name string) (time.Time, bool) {
	s.mu.Lock()
	id, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	return s.c.Entry(id).Next, true
}

// Start launches the scheduler. It stops on its own when ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	runCtx := s.ctx
	s.mu.Unlock()

	s.c.Start()
	go func() {
		<-runCtx.Done()
		s.c.Stop()
	}()
}

// Stop cancels the task context and waits for running tasks to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	<-s.c.Stop().Done()
}

// cronLogger forwards cron's logr-style calls to slog.
type cronLogger struct{ log *slog.Logger }

func (l cronLogger) Info(msg string, kv ...interface{}) { l.log.Debug("cron: "+msg, kv...) }

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Error("cron: "+msg, append(kv, "error", err)...)
}
