package supervisor

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/streamctl/internal/history"
)

func twoServices() []Descriptor {
	return []Descriptor{
		{Name: StreamServer, Target: "/opt/stream/server", Port: 3001},
		{Name: ChatBot, Target: "/opt/stream/bot.sh", Port: 3002, Optional: true},
	}
}

type fixture struct {
	sup      *Supervisor
	launcher *fakeLauncher
	prober   *fakeProber
	fs       afero.Fs
	sink     *memSink
}

func newFixture(t *testing.T, mutate func(*Options)) *fixture {
	t.Helper()
	f := &fixture{
		launcher: newFakeLauncher(),
		prober:   &fakeProber{},
		fs:       afero.NewMemMapFs(),
		sink:     &memSink{},
	}
	opts := Options{
		StopTimeout: 100 * time.Millisecond,
		SettleDelay: time.Millisecond,
		Launcher:    f.launcher,
		Prober:      f.prober,
		Fs:          f.fs,
		Logger:      testLogger(io.Discard),
	}
	if mutate != nil {
		mutate(&opts)
	}
	sup, err := New(twoServices(), opts)
	require.NoError(t, err)
	sup.SetHistorySinks(f.sink)
	f.sup = sup
	return f
}

func assertIdle(t *testing.T, st Status, h Health) {
	t.Helper()
	assert.False(t, st.Running)
	assert.Zero(t, st.PID)
	assert.Zero(t, st.Port)
	assert.Nil(t, st.StartedAt)
	assert.Equal(t, h, st.Health)
}

func TestNew_InitialStatuses(t *testing.T) {
	f := newFixture(t, nil)
	sts := f.sup.Statuses()
	require.Len(t, sts, 2)
	assert.Equal(t, StreamServer, sts[0].Name)
	assert.Equal(t, ChatBot, sts[1].Name)
	for _, st := range sts {
		assertIdle(t, st, HealthUnknown)
	}
	assert.Equal(t, []string{StreamServer, ChatBot}, f.sup.Names())
}

func TestNew_RejectsBadDescriptors(t *testing.T) {
	_, err := New([]Descriptor{{Name: "a"}, {Name: "a"}}, Options{})
	assert.ErrorContains(t, err, "duplicate")

	_, err = New([]Descriptor{{Target: "/bin/true"}}, Options{})
	assert.Error(t, err)
}

func TestStartService_RecordsRunningStatus(t *testing.T) {
	f := newFixture(t, nil)
	before := time.Now()

	require.True(t, f.sup.StartService(context.Background(), StreamServer))

	st, ok := f.sup.Status(StreamServer)
	require.True(t, ok)
	assert.True(t, st.Running)
	assert.Equal(t, f.launcher.last(StreamServer).PID(), st.PID)
	assert.Equal(t, 3001, st.Port)
	require.NotNil(t, st.StartedAt)
	assert.False(t, st.StartedAt.Before(before))
	assert.Equal(t, HealthUnknown, st.Health, "spawn success must not imply health")
	assert.True(t, f.sup.IsRunning(StreamServer))
	assert.Equal(t, map[string]int32{StreamServer: int32(st.PID)}, f.sup.RunningPIDs())
}

func TestStartService_UnknownName(t *testing.T) {
	f := newFixture(t, nil)
	assert.False(t, f.sup.StartService(context.Background(), "obs"))
	_, ok := f.sup.Status("obs")
	assert.False(t, ok)
	assert.Len(t, f.sup.Statuses(), 2)
}

// P3
func TestStartService_NoDoubleStart(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	require.True(t, f.sup.StartService(ctx, StreamServer))
	first, _ := f.sup.Status(StreamServer)

	assert.False(t, f.sup.StartService(ctx, StreamServer))
	second, _ := f.sup.Status(StreamServer)
	assert.Equal(t, first.PID, second.PID)
	assert.Equal(t, 1, f.launcher.count(StreamServer))
}

func TestStartService_SpawnFailureMarksUnhealthy(t *testing.T) {
	f := newFixture(t, nil)
	f.launcher.fail[ChatBot] = errors.New("exec: no such file or directory")

	assert.False(t, f.sup.StartService(context.Background(), ChatBot))

	st, _ := f.sup.Status(ChatBot)
	assertIdle(t, st, HealthUnhealthy)
	assert.False(t, f.sup.IsRunning(ChatBot))
	assert.Equal(t, []history.EventType{history.EventSpawnError}, f.sink.types(ChatBot))

	// A later start after the target appears succeeds and resets health.
	delete(f.launcher.fail, ChatBot)
	require.True(t, f.sup.StartService(context.Background(), ChatBot))
	st, _ = f.sup.Status(ChatBot)
	assert.True(t, st.Running)
	assert.Equal(t, HealthUnknown, st.Health)
}

func TestUnexpectedExit_ResetsStatus(t *testing.T) {
	f := newFixture(t, nil)
	require.True(t, f.sup.StartService(context.Background(), StreamServer))
	f.launcher.last(StreamServer).exit(errors.New("exit status 1"))

	require.Eventually(t, func() bool { return !f.sup.IsRunning(StreamServer) }, time.Second, 5*time.Millisecond)
	st, _ := f.sup.Status(StreamServer)
	assertIdle(t, st, HealthUnknown)

	require.Eventually(t, func() bool {
		return len(f.sink.types(StreamServer)) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []history.EventType{history.EventStart, history.EventExit}, f.sink.types(StreamServer))

	// No automatic restart.
	assert.Equal(t, 1, f.launcher.count(StreamServer))
}

// P2
func TestStopService_Symmetry(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.True(t, f.sup.StartService(ctx, StreamServer))
	f.prober.healthy.Store(true)
	require.True(t, f.sup.CheckHealth(ctx, StreamServer))

	require.True(t, f.sup.StopService(ctx, StreamServer))

	st, _ := f.sup.Status(StreamServer)
	assertIdle(t, st, HealthUnknown)
	assert.Nil(t, st.LastHealthCheckAt)
	assert.False(t, f.sup.IsRunning(StreamServer))

	terms, kills := f.launcher.last(StreamServer).counts()
	assert.Equal(t, 1, terms)
	assert.Equal(t, 0, kills)
}

func TestStopService_NotRunning(t *testing.T) {
	f := newFixture(t, nil)
	assert.False(t, f.sup.StopService(context.Background(), StreamServer))
	assert.False(t, f.sup.StopService(context.Background(), "nope"))
}

// P5
func TestStopService_EscalatesToKill(t *testing.T) {
	f := newFixture(t, nil)
	f.launcher.ignoreTerm[StreamServer] = true
	require.True(t, f.sup.StartService(context.Background(), StreamServer))

	start := time.Now()
	require.True(t, f.sup.StopService(context.Background(), StreamServer))
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)
	terms, kills := f.launcher.last(StreamServer).counts()
	assert.Equal(t, 1, terms)
	assert.Equal(t, 1, kills)
	assertIdle(t, mustStatus(t, f.sup, StreamServer), HealthUnknown)
}

func TestStopService_GracefulExitDisarmsEscalation(t *testing.T) {
	f := newFixture(t, nil)
	require.True(t, f.sup.StartService(context.Background(), StreamServer))
	h := f.launcher.last(StreamServer)

	require.True(t, f.sup.StopService(context.Background(), StreamServer))
	time.Sleep(250 * time.Millisecond)

	_, kills := h.counts()
	assert.Equal(t, 0, kills)
}

func TestStopService_EscalationSkipsReplacedHandle(t *testing.T) {
	f := newFixture(t, nil)
	f.launcher.ignoreTerm[StreamServer] = true
	ctx := context.Background()
	require.True(t, f.sup.StartService(ctx, StreamServer))
	old := f.launcher.last(StreamServer)

	// Abandon the wait, then let the old child exit on its own and start a
	// fresh one before the escalation fires.
	cctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	assert.False(t, f.sup.StopService(cctx, StreamServer))
	old.exit(nil)
	require.Eventually(t, func() bool { return !f.sup.IsRunning(StreamServer) }, time.Second, time.Millisecond)
	require.True(t, f.sup.StartService(ctx, StreamServer))
	fresh := f.launcher.last(StreamServer)

	time.Sleep(250 * time.Millisecond)
	_, oldKills := old.counts()
	_, freshKills := fresh.counts()
	assert.Equal(t, 0, oldKills)
	assert.Equal(t, 0, freshKills)
	assert.True(t, f.sup.IsRunning(StreamServer))
}

func TestStopService_ConcurrentCallersBothResolve(t *testing.T) {
	f := newFixture(t, nil)
	require.True(t, f.sup.StartService(context.Background(), StreamServer))

	results := make(chan bool, 2)
	for i := 0; i < 2; i++ {
		go func() { results <- f.sup.StopService(context.Background(), StreamServer) }()
	}
	got := []bool{<-results, <-results}
	assert.Contains(t, got, true)
	assert.False(t, f.sup.IsRunning(StreamServer))
}

// P4
func TestCheckHealth_NotRunningSkipsProbe(t *testing.T) {
	f := newFixture(t, nil)
	f.prober.healthy.Store(true)

	assert.False(t, f.sup.CheckHealth(context.Background(), StreamServer))
	assert.False(t, f.sup.CheckHealth(context.Background(), "unknown"))
	assert.EqualValues(t, 0, f.prober.calls.Load())

	st, _ := f.sup.Status(StreamServer)
	assert.Nil(t, st.LastHealthCheckAt)
}

func TestCheckHealth_RecordsVerdict(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.HealthHost = "localhost" })
	ctx := context.Background()
	require.True(t, f.sup.StartService(ctx, ChatBot))

	f.prober.healthy.Store(false)
	assert.False(t, f.sup.CheckHealth(ctx, ChatBot))
	st, _ := f.sup.Status(ChatBot)
	assert.Equal(t, HealthUnhealthy, st.Health)
	require.NotNil(t, st.LastHealthCheckAt)
	assert.True(t, st.Running, "an unhealthy verdict does not change liveness")
	assert.Equal(t, "http://localhost:3002/health", f.prober.lastURL.Load())

	f.prober.healthy.Store(true)
	assert.True(t, f.sup.CheckHealth(ctx, ChatBot))
	st, _ = f.sup.Status(ChatBot)
	assert.Equal(t, HealthHealthy, st.Health)

	all := f.sup.CheckAll(ctx)
	assert.Equal(t, map[string]bool{StreamServer: false, ChatBot: true}, all)
	assert.EqualValues(t, 3, f.prober.calls.Load())
}

// P6
func TestStartAll_SkipsMissingOptionalTarget(t *testing.T) {
	logs := &syncBuffer{}
	f := newFixture(t, func(o *Options) { o.Logger = testLogger(logs) })

	f.sup.StartAll(context.Background())

	assert.True(t, f.sup.IsRunning(StreamServer))
	assert.False(t, f.sup.IsRunning(ChatBot))
	assert.Equal(t, 0, f.launcher.count(ChatBot))
	st, _ := f.sup.Status(ChatBot)
	assertIdle(t, st, HealthUnknown)
	assert.Contains(t, logs.String(), "skipping")
}

func TestStartAll_StartsPresentOptionalTarget(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.SettleDelay = 50 * time.Millisecond })
	require.NoError(t, afero.WriteFile(f.fs, "/opt/stream/bot.sh", []byte("#!/bin/sh\n"), 0o755))

	start := time.Now()
	f.sup.StartAll(context.Background())

	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.True(t, f.sup.IsRunning(StreamServer))
	assert.True(t, f.sup.IsRunning(ChatBot))

	// Primary was started before the secondary.
	ss, _ := f.sup.Status(StreamServer)
	cb, _ := f.sup.Status(ChatBot)
	assert.True(t, ss.StartedAt.Before(*cb.StartedAt))
}

func TestStartAll_PrimaryFailureDoesNotAbort(t *testing.T) {
	f := newFixture(t, nil)
	f.launcher.fail[StreamServer] = errors.New("permission denied")
	require.NoError(t, afero.WriteFile(f.fs, "/opt/stream/bot.sh", nil, 0o755))

	f.sup.StartAll(context.Background())

	st, _ := f.sup.Status(StreamServer)
	assertIdle(t, st, HealthUnhealthy)
	assert.True(t, f.sup.IsRunning(ChatBot))
}

func TestStartAll_ContextCancelledDuringSettle(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.SettleDelay = time.Hour })
	require.NoError(t, afero.WriteFile(f.fs, "/opt/stream/bot.sh", nil, 0o755))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	f.sup.StartAll(ctx)
	assert.True(t, f.sup.IsRunning(StreamServer))
	assert.False(t, f.sup.IsRunning(ChatBot))
}

func TestStopAll_StopsEveryTrackedService(t *testing.T) {
	f := newFixture(t, nil)
	f.launcher.ignoreTerm[ChatBot] = true
	ctx := context.Background()
	require.True(t, f.sup.StartService(ctx, StreamServer))
	require.True(t, f.sup.StartService(ctx, ChatBot))

	f.sup.StopAll(ctx)

	assert.False(t, f.sup.IsRunning(StreamServer))
	assert.False(t, f.sup.IsRunning(ChatBot), "a slow stop must not cause later ones to be skipped")
	_, kills := f.launcher.last(ChatBot).counts()
	assert.Equal(t, 1, kills)
	assert.Empty(t, f.sup.RunningPIDs())
}

// P1
func TestStatuses_OneEntryPerServiceAcrossLifecycle(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.launcher.fail[ChatBot] = errors.New("missing")

	ops := []func(){
		func() { f.sup.StartService(ctx, StreamServer) },
		func() { f.sup.StartService(ctx, StreamServer) },
		func() { f.sup.StartService(ctx, ChatBot) },
		func() { f.sup.StopService(ctx, ChatBot) },
		func() { f.sup.StopService(ctx, StreamServer) },
		func() { f.sup.StopService(ctx, StreamServer) },
		func() { f.sup.StartAll(ctx) },
		func() { f.sup.StopAll(ctx) },
	}
	for _, op := range ops {
		op()
		sts := f.sup.Statuses()
		require.Len(t, sts, 2)
		assert.Equal(t, StreamServer, sts[0].Name)
		assert.Equal(t, ChatBot, sts[1].Name)
		for _, st := range sts {
			if st.Running {
				assert.NotZero(t, st.PID)
				assert.NotNil(t, st.StartedAt)
			} else {
				assert.Zero(t, st.PID)
				assert.Nil(t, st.StartedAt)
			}
		}
	}
}

func TestHistory_StopEvents(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.True(t, f.sup.StartService(ctx, StreamServer))
	require.True(t, f.sup.StopService(ctx, StreamServer))

	types := f.sink.types(StreamServer)
	assert.Contains(t, types, history.EventStart)
	assert.Contains(t, types, history.EventExit)
	assert.Contains(t, types, history.EventStop)
}

func mustStatus(t *testing.T, s *Supervisor, name string) Status {
	t.Helper()
	st, ok := s.Status(name)
	require.True(t, ok)
	return st
}

func TestCheckHealth_TLSDescriptorUsesHTTPS(t *testing.T) {
	prober := &fakeProber{}
	sup, err := New([]Descriptor{
		{Name: StreamServer, Target: "/opt/stream/server", Port: 3443, TLS: true},
	}, Options{
		Launcher: newFakeLauncher(),
		Prober:   prober,
		Fs:       afero.NewMemMapFs(),
		Logger:   testLogger(io.Discard),
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()
	if !sup.StartService(ctx, StreamServer) {
		t.Fatal("start failed")
	}
	defer sup.StopAll(ctx)

	prober.healthy.Store(true)
	if !sup.CheckHealth(ctx, StreamServer) {
		t.Fatal("expected healthy")
	}
	if got := prober.lastURL.Load(); got != "https://127.0.0.1:3443/health" {
		t.Fatalf("probed %v, want https URL", got)
	}
}

func TestCheckHealth_DiscardedVerdictNotRecorded(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	if !f.sup.StartService(ctx, ChatBot) {
		t.Fatal("start failed")
	}

	// The service is stopped while its probe is in flight.
	f.prober.healthy.Store(true)
	f.prober.during = func() { f.sup.StopService(ctx, ChatBot) }
	f.sup.CheckHealth(ctx, ChatBot)

	for _, typ := range f.sink.types(ChatBot) {
		if typ == history.EventHealth {
			t.Fatalf("health event recorded for a discarded verdict: %v", f.sink.types(ChatBot))
		}
	}
	st := mustStatus(t, f.sup, ChatBot)
	if st.Running || st.LastHealthCheckAt != nil {
		t.Fatalf("status took the discarded verdict: %+v", st)
	}

	// A verdict that lands is recorded.
	f.prober.during = nil
	if !f.sup.StartService(ctx, ChatBot) {
		t.Fatal("restart failed")
	}
	f.sup.CheckHealth(ctx, ChatBot)
	var n int
	for _, typ := range f.sink.types(ChatBot) {
		if typ == history.EventHealth {
			n++
		}
	}
	if n != 1 {
		t.Fatalf("health events = %d, want 1", n)
	}
}
