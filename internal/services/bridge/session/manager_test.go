package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// journal records lifecycle milestones in arrival order so tests can
// assert ordering across goroutines.
type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) record(entry string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, entry)
}

func (j *journal) snapshot() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

type fakeEngine struct {
	id      int
	journal *journal

	mu      sync.Mutex
	started int
	stopped int
	purged  int
}

func (f *fakeEngine) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started++
	return nil
}

func (f *fakeEngine) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
}

func (f *fakeEngine) PurgeCredentials(context.Context) error {
	f.mu.Lock()
	f.purged++
	f.mu.Unlock()
	f.journal.record(fmt.Sprintf("purge engine %d", f.id))
	return nil
}

func (f *fakeEngine) SendImage(context.Context, string, []byte, string) error { return nil }
func (f *fakeEngine) SendText(context.Context, string, string) error          { return nil }

func (f *fakeEngine) purgeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.purged
}

type fakeFactory struct {
	journal *journal

	mu        sync.Mutex
	engines   []*fakeEngine
	failUntil int
	calls     int
}

func (f *fakeFactory) build(ctx context.Context, _ chan<- Event) (Engine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failUntil {
		return nil, errors.New("store unavailable")
	}
	engine := &fakeEngine{id: f.calls, journal: f.journal}
	f.engines = append(f.engines, engine)
	f.journal.record(fmt.Sprintf("build engine %d", f.calls))
	return engine, nil
}

func (f *fakeFactory) buildCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeFactory) engine(i int) *fakeEngine {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.engines) {
		return nil
	}
	return f.engines[i]
}

func newTestManager(t *testing.T, cfg Config) (*Manager, *fakeFactory, context.CancelFunc) {
	t.Helper()
	if cfg.ReinitDelay == 0 {
		cfg.ReinitDelay = time.Millisecond
	}
	if cfg.LogoutDelay == 0 {
		cfg.LogoutDelay = time.Millisecond
	}
	factory := &fakeFactory{journal: &journal{}}
	mgr := NewManager(cfg, factory.build)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = mgr.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("manager did not stop")
		}
	})
	return mgr, factory, cancel
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestManagerChallengeLifecycle(t *testing.T) {
	mgr, factory, _ := newTestManager(t, Config{})

	waitFor(t, "first engine build", func() bool { return factory.buildCount() == 1 })

	mgr.Events() <- Event{Kind: EventChallenge, Challenge: "2@abc123"}
	waitFor(t, "awaiting scan", func() bool {
		snap := mgr.Snapshot()
		return snap.State == StateAwaitingScan && snap.ChallengeAvailable
	})
	if code, ok := mgr.Challenge(); !ok || code != "2@abc123" {
		t.Fatalf("expected pending challenge 2@abc123, got %q (ok=%v)", code, ok)
	}

	mgr.Events() <- Event{Kind: EventAuthenticated}
	waitFor(t, "authenticated", func() bool { return mgr.Snapshot().State == StateAuthenticated })

	mgr.Events() <- Event{Kind: EventReady}
	waitFor(t, "ready", func() bool { return mgr.Snapshot().State == StateReady })

	if _, ok := mgr.Challenge(); ok {
		t.Fatal("expected challenge to be cleared on ready")
	}
	if _, err := mgr.Sender(); err != nil {
		t.Fatalf("expected sender when ready, got %v", err)
	}
}

func TestSenderRejectedUntilReady(t *testing.T) {
	mgr, factory, _ := newTestManager(t, Config{})

	waitFor(t, "first engine build", func() bool { return factory.buildCount() == 1 })

	for _, evt := range []Event{
		{Kind: EventChallenge, Challenge: "code"},
		{Kind: EventAuthenticated},
	} {
		mgr.Events() <- evt
		waitFor(t, "state change", func() bool { return mgr.Snapshot().State != StateConnecting })
		if _, err := mgr.Sender(); !errors.Is(err, ErrNotReady) {
			t.Fatalf("expected ErrNotReady before ready, got %v", err)
		}
	}
}

func TestInitializeIsIdempotentWhilePending(t *testing.T) {
	t.Parallel()

	factory := &fakeFactory{journal: &journal{}}
	mgr := NewManager(Config{}, factory.build)

	if !mgr.Initialize() {
		t.Fatal("expected first initialize request to schedule work")
	}
	if mgr.Initialize() {
		t.Fatal("expected second initialize request to be a no-op")
	}
	if got := factory.buildCount(); got != 0 {
		t.Fatalf("expected no engine builds before Run, got %d", got)
	}
}

func TestInitializeRetriesUntilFactorySucceeds(t *testing.T) {
	factory := &fakeFactory{journal: &journal{}, failUntil: 3}
	mgr := NewManager(Config{ReinitDelay: time.Millisecond, LogoutDelay: time.Millisecond}, factory.build)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = mgr.Run(ctx) }()

	waitFor(t, "fourth build attempt", func() bool { return factory.buildCount() == 4 })
	waitFor(t, "retry count", func() bool { return mgr.Snapshot().RetryCount >= 3 })
}

func TestInitializeNeverGivesUpOnPersistentFailure(t *testing.T) {
	t.Parallel()

	// A reinit delay longer than any sane give-up window: if the retry
	// loop carried a time cap, the first failed attempt would end Run
	// immediately instead of scheduling the next one.
	factory := &fakeFactory{journal: &journal{}, failUntil: 1 << 30}
	mgr := NewManager(Config{ReinitDelay: 20 * time.Minute, LogoutDelay: time.Millisecond}, factory.build)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- mgr.Run(ctx) }()

	waitFor(t, "first failed attempt", func() bool { return factory.buildCount() >= 1 })
	select {
	case err := <-done:
		t.Fatalf("expected run to keep retrying, returned %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context cancellation to end run, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("manager did not stop after cancel")
	}
}

func TestLogoutPurgesBeforeReinit(t *testing.T) {
	mgr, factory, _ := newTestManager(t, Config{})

	waitFor(t, "first engine build", func() bool { return factory.buildCount() == 1 })
	mgr.Events() <- Event{Kind: EventReady}
	waitFor(t, "ready", func() bool { return mgr.Snapshot().State == StateReady })

	mgr.Events() <- Event{Kind: EventDisconnected, Reason: ReasonLoggedOut}
	waitFor(t, "second engine build", func() bool { return factory.buildCount() == 2 })

	first := factory.engine(0)
	if first.purgeCount() != 1 {
		t.Fatalf("expected one credential purge, got %d", first.purgeCount())
	}

	entries := factory.journal.snapshot()
	want := []string{"build engine 1", "purge engine 1", "build engine 2"}
	if len(entries) != len(want) {
		t.Fatalf("expected journal %v, got %v", want, entries)
	}
	for i := range want {
		if entries[i] != want[i] {
			t.Fatalf("expected journal %v, got %v", want, entries)
		}
	}
}

func TestPlainDisconnectReinitsWithoutPurge(t *testing.T) {
	mgr, factory, _ := newTestManager(t, Config{})

	waitFor(t, "first engine build", func() bool { return factory.buildCount() == 1 })
	mgr.Events() <- Event{Kind: EventReady}
	waitFor(t, "ready", func() bool { return mgr.Snapshot().State == StateReady })

	mgr.Events() <- Event{Kind: EventDisconnected, Reason: ReasonConnectionLost}
	waitFor(t, "second engine build", func() bool { return factory.buildCount() == 2 })

	if got := factory.engine(0).purgeCount(); got != 0 {
		t.Fatalf("expected no credential purge for a plain drop, got %d", got)
	}
}

func TestAuthFailureSchedulesRestartWhenConfigured(t *testing.T) {
	mgr, factory, _ := newTestManager(t, Config{RestartOnAuthFail: true})

	waitFor(t, "first engine build", func() bool { return factory.buildCount() == 1 })
	mgr.Events() <- Event{Kind: EventAuthFailed, Err: errors.New("bad pairing")}
	waitFor(t, "second engine build", func() bool { return factory.buildCount() == 2 })
}

func TestAuthFailureStaysFailedWhenRestartDisabled(t *testing.T) {
	mgr, factory, _ := newTestManager(t, Config{})

	waitFor(t, "first engine build", func() bool { return factory.buildCount() == 1 })
	mgr.Events() <- Event{Kind: EventAuthFailed, Err: errors.New("bad pairing")}
	waitFor(t, "failed state", func() bool { return mgr.Snapshot().State == StateFailed })

	time.Sleep(20 * time.Millisecond)
	if got := factory.buildCount(); got != 1 {
		t.Fatalf("expected no restart after auth failure, got %d builds", got)
	}
}

func TestInitializePurgesScratchDir(t *testing.T) {
	scratch := filepath.Join(t.TempDir(), "scratch")
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		t.Fatalf("create scratch dir: %v", err)
	}
	stale := filepath.Join(scratch, "stale-session.bin")
	if err := os.WriteFile(stale, []byte("stale"), 0o644); err != nil {
		t.Fatalf("write stale file: %v", err)
	}

	_, factory, _ := newTestManager(t, Config{ScratchDir: scratch})
	waitFor(t, "first engine build", func() bool { return factory.buildCount() == 1 })

	if _, err := os.Stat(stale); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected stale scratch file to be purged, stat err = %v", err)
	}
	if _, err := os.Stat(scratch); err != nil {
		t.Fatalf("expected scratch dir to be recreated: %v", err)
	}
}

func TestRecoverableFaultsAreContained(t *testing.T) {
	mgr, factory, _ := newTestManager(t, Config{})

	waitFor(t, "first engine build", func() bool { return factory.buildCount() == 1 })
	mgr.Events() <- Event{Kind: EventReady}
	waitFor(t, "ready", func() bool { return mgr.Snapshot().State == StateReady })

	mgr.Events() <- Event{Kind: EventFault, Fault: FaultProtocol, Err: errors.New("stream hiccup")}
	mgr.Events() <- Event{Kind: EventFault, Fault: FaultUnknown, Err: errors.New("who knows")}

	time.Sleep(20 * time.Millisecond)
	if snap := mgr.Snapshot(); snap.State != StateReady {
		t.Fatalf("expected faults to leave state untouched, got %s", snap.State)
	}
	if got := factory.buildCount(); got != 1 {
		t.Fatalf("expected faults not to trigger reinit, got %d builds", got)
	}
}
