// Package session owns the single live connection to the messaging
// channel: its state machine, recovery policy, and fault containment.
//
// The manager is the only writer of the connection handle. Everything else
// reaches the handle through Sender, which checks readiness and hands out
// the handle under the same lock the manager holds while replacing it, so
// a dispatch can never observe a half-torn-down connection.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	defaultReinitDelay = 10 * time.Second
	defaultLogoutDelay = 5 * time.Second

	// eventBuffer absorbs engine notifications emitted while the manager
	// is busy inside an initialization attempt.
	eventBuffer = 16
)

// ErrNotReady reports that the connection cannot accept sends yet. Callers
// must retry later; nothing is queued.
var ErrNotReady = errors.New("messaging session is not ready")

// Config controls manager recovery behavior.
type Config struct {
	// ScratchDir holds ephemeral session artifacts. It is purged before
	// every initialization and after an explicit remote logout.
	ScratchDir string

	// ReinitDelay is the flat interval between failed initialization
	// attempts. There is no attempt cap: a permanently broken
	// configuration retries forever rather than stopping the process.
	ReinitDelay time.Duration

	// LogoutDelay is the pause between a credential purge and the
	// re-initialization that follows it.
	LogoutDelay time.Duration

	// RestartOnAuthFail schedules a re-initialization after an
	// authentication failure instead of staying in StateFailed.
	RestartOnAuthFail bool
}

// Snapshot is a point-in-time view of the lifecycle for health reporting.
type Snapshot struct {
	State              State
	Initializing       bool
	RetryCount         int
	ChallengeAvailable bool
}

// Manager runs the connection lifecycle state machine.
type Manager struct {
	cfg     Config
	factory EngineFactory

	mu           sync.Mutex
	state        State
	engine       Engine
	initializing bool
	retryCount   int

	challenge ChallengeSlot
	events    chan Event
	reinit    chan struct{}
}

// NewManager builds a manager around an engine factory.
func NewManager(cfg Config, factory EngineFactory) *Manager {
	if cfg.ReinitDelay <= 0 {
		cfg.ReinitDelay = defaultReinitDelay
	}
	if cfg.LogoutDelay <= 0 {
		cfg.LogoutDelay = defaultLogoutDelay
	}
	return &Manager{
		cfg:     cfg,
		factory: factory,
		state:   StateUninitialized,
		events:  make(chan Event, eventBuffer),
		reinit:  make(chan struct{}, 1),
	}
}

// Events returns the channel engines report lifecycle notifications on.
func (m *Manager) Events() chan<- Event {
	return m.events
}

// Initialize requests a (re)initialization. A request made while another
// is pending or in flight is a no-op; the returned bool reports whether
// this call scheduled new work.
func (m *Manager) Initialize() bool {
	m.mu.Lock()
	inFlight := m.initializing
	m.mu.Unlock()
	if inFlight {
		return false
	}
	select {
	case m.reinit <- struct{}{}:
		return true
	default:
		return false
	}
}

// Run drives the lifecycle until the context ends. It performs the first
// initialization, then consumes engine events and re-initialization
// requests in arrival order.
func (m *Manager) Run(ctx context.Context) error {
	if ctx == nil {
		return errors.New("context is required")
	}
	if m.factory == nil {
		return errors.New("engine factory is required")
	}

	m.Initialize()
	for {
		select {
		case <-ctx.Done():
			m.teardown()
			return ctx.Err()
		case <-m.reinit:
			if err := m.initialize(ctx); err != nil {
				m.teardown()
				return err
			}
		case evt := <-m.events:
			m.handleEvent(ctx, evt)
		}
	}
}

// Sender returns the live send handle when and only when the session is
// ready. The readiness check and the handle read happen under one lock,
// shared with the initialization path that replaces the handle.
func (m *Manager) Sender() (Sender, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateReady || m.engine == nil {
		return nil, ErrNotReady
	}
	return m.engine, nil
}

// Challenge returns the pending authentication challenge, if any.
func (m *Manager) Challenge() (string, bool) {
	return m.challenge.Current()
}

// Snapshot reports the current lifecycle view.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, available := m.challenge.Current()
	return Snapshot{
		State:              m.state,
		Initializing:       m.initializing,
		RetryCount:         m.retryCount,
		ChallengeAvailable: available,
	}
}

// initialize retries connection attempts at a flat interval until one
// succeeds or the context ends. The loop is explicit, so swapping the
// constant policy for a growing one later only touches this function.
func (m *Manager) initialize(ctx context.Context) error {
	m.setInitializing(true)
	defer m.setInitializing(false)

	policy := backoff.NewConstantBackOff(m.cfg.ReinitDelay)
	// WithMaxElapsedTime(0) disables the library's default give-up window;
	// only context cancellation escapes the retry loop.
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		if err := m.attempt(ctx); err != nil {
			m.noteFailure(err)
			return struct{}{}, err
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(policy), backoff.WithMaxElapsedTime(0))
	return err
}

// attempt performs one full setup pass: teardown of the previous handle,
// scratch purge, engine construction, and start.
func (m *Manager) attempt(ctx context.Context) error {
	m.mu.Lock()
	old := m.engine
	m.engine = nil
	m.state = StateConnecting
	m.mu.Unlock()
	m.challenge.Clear()

	if old != nil {
		old.Stop()
	}
	if err := m.purgeScratch(); err != nil {
		log.Printf("purge scratch dir: %v", err)
	}

	engine, err := m.factory(ctx, m.events)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	if err := engine.Start(ctx); err != nil {
		engine.Stop()
		return fmt.Errorf("start engine: %w", err)
	}

	m.mu.Lock()
	m.engine = engine
	m.mu.Unlock()
	return nil
}

func (m *Manager) handleEvent(ctx context.Context, evt Event) {
	switch evt.Kind {
	case EventChallenge:
		m.setState(StateAwaitingScan)
		m.challenge.Set(evt.Challenge)
	case EventAuthenticated:
		m.setState(StateAuthenticated)
	case EventReady:
		m.setState(StateReady)
		m.challenge.Clear()
		log.Printf("messaging session ready")
	case EventAuthFailed:
		log.Printf("session authentication failed: %v", evt.Err)
		m.setState(StateFailed)
		if m.cfg.RestartOnAuthFail {
			m.Initialize()
		}
	case EventDisconnected:
		log.Printf("session disconnected (%s): %v", evt.Reason, evt.Err)
		m.setState(StateDisconnected)
		m.challenge.Clear()
		if evt.Reason.purgesSession() {
			m.purgeSession(ctx)
			m.sleep(ctx, m.cfg.LogoutDelay)
		}
		m.Initialize()
	case EventFault:
		m.contain(evt)
	}
}

// purgeSession discards durable credentials and local artifacts so the
// next initialization starts a fresh authentication.
func (m *Manager) purgeSession(ctx context.Context) {
	m.mu.Lock()
	engine := m.engine
	m.mu.Unlock()
	if engine != nil {
		if err := engine.PurgeCredentials(ctx); err != nil {
			log.Printf("purge session credentials: %v", err)
		}
	}
	if err := m.purgeScratch(); err != nil {
		log.Printf("purge scratch dir: %v", err)
	}
}

func (m *Manager) purgeScratch() error {
	dir := strings.TrimSpace(m.cfg.ScratchDir)
	if dir == "" {
		return nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove scratch dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("recreate scratch dir: %w", err)
	}
	return nil
}

func (m *Manager) teardown() {
	m.mu.Lock()
	engine := m.engine
	m.engine = nil
	m.state = StateUninitialized
	m.mu.Unlock()
	m.challenge.Clear()
	if engine != nil {
		engine.Stop()
	}
}

func (m *Manager) setState(state State) {
	m.mu.Lock()
	m.state = state
	m.mu.Unlock()
}

func (m *Manager) setInitializing(v bool) {
	m.mu.Lock()
	m.initializing = v
	m.mu.Unlock()
}

func (m *Manager) noteFailure(err error) {
	m.mu.Lock()
	m.retryCount++
	m.state = StateFailed
	m.mu.Unlock()
	log.Printf("initialize messaging session: %v (retrying in %s)", err, m.cfg.ReinitDelay)
}

func (m *Manager) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
