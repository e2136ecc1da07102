package supervisor

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/streamctl/internal/health"
	"github.com/loykin/streamctl/internal/history"
)

type fakeHandle struct {
	pid        int
	ignoreTerm bool
	done       chan struct{}
	once       sync.Once

	mu    sync.Mutex
	err   error
	terms int
	kills int
}

func newFakeHandle(pid int) *fakeHandle {
	return &fakeHandle{pid: pid, done: make(chan struct{})}
}

func (h *fakeHandle) exit(err error) {
	h.once.Do(func() {
		h.mu.Lock()
		h.err = err
		h.mu.Unlock()
		close(h.done)
	})
}

func (h *fakeHandle) PID() int              { return h.pid }
func (h *fakeHandle) Done() <-chan struct{} { return h.done }

func (h *fakeHandle) ExitErr() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *fakeHandle) ExitCode() int {
	if h.ExitErr() != nil {
		return -1
	}
	return 0
}

func (h *fakeHandle) Terminate() error {
	h.mu.Lock()
	h.terms++
	ignore := h.ignoreTerm
	h.mu.Unlock()
	if !ignore {
		go h.exit(nil)
	}
	return nil
}

func (h *fakeHandle) Kill() error {
	h.mu.Lock()
	h.kills++
	h.mu.Unlock()
	go h.exit(errors.New("signal: killed"))
	return nil
}

func (h *fakeHandle) counts() (terms, kills int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.terms, h.kills
}

type fakeLauncher struct {
	mu         sync.Mutex
	nextPID    int
	fail       map[string]error
	ignoreTerm map[string]bool
	launched   map[string][]*fakeHandle
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{
		nextPID:    1000,
		fail:       map[string]error{},
		ignoreTerm: map[string]bool{},
		launched:   map[string][]*fakeHandle{},
	}
}

func (l *fakeLauncher) Launch(d Descriptor) (Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.fail[d.Name]; err != nil {
		return nil, err
	}
	l.nextPID++
	h := newFakeHandle(l.nextPID)
	h.ignoreTerm = l.ignoreTerm[d.Name]
	l.launched[d.Name] = append(l.launched[d.Name], h)
	return h, nil
}

func (l *fakeLauncher) last(name string) *fakeHandle {
	l.mu.Lock()
	defer l.mu.Unlock()
	hs := l.launched[name]
	if len(hs) == 0 {
		return nil
	}
	return hs[len(hs)-1]
}

func (l *fakeLauncher) count(name string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.launched[name])
}

type fakeProber struct {
	healthy atomic.Bool
	calls   atomic.Int32
	lastURL atomic.Value
	during  func() // runs while the probe is in flight; set before use
}

func (p *fakeProber) Probe(_ context.Context, url string) health.Result {
	p.calls.Add(1)
	p.lastURL.Store(url)
	if p.during != nil {
		p.during()
	}
	return health.Result{Healthy: p.healthy.Load(), CheckedAt: time.Now()}
}

type memSink struct {
	mu     sync.Mutex
	events []history.Event
}

func (m *memSink) Send(_ context.Context, e history.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func (m *memSink) types(service string) []history.EventType {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []history.EventType
	for _, e := range m.events {
		if e.Service == service {
			out = append(out, e.Type)
		}
	}
	return out
}

// syncBuffer is a goroutine-safe log sink for assertions on log output.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func testLogger(w io.Writer) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}))
}
