// Package collection implements the sample collection workflow: one
// process-wide session that gathers a target number of labelled samples for a
// single gesture.
package collection

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/ayusman/gestureops/internal/workflow"
)

// State is the collection workflow state.
type State string

const (
	Idle          State = "idle"
	Collecting    State = "collecting"
	IdleWithError State = "idle_with_error"
)

// DefaultIOTimeout bounds ledger writes and the end-of-session upstream call.
const DefaultIOTimeout = 5 * time.Second

// Session is a snapshot of the current or most recent collection session.
type Session struct {
	ID        workflow.Token `json:"id"`
	State     State          `json:"state"`
	Gesture   string         `json:"gesture,omitempty"`
	Target    int            `json:"target"`
	Collected int            `json:"collected"`
	Active    bool           `json:"active"`
	Cause     string         `json:"cause,omitempty"`
	StartedAt time.Time      `json:"started_at,omitempty"`
	EndedAt   time.Time      `json:"ended_at,omitempty"`

	// Rev increases with every change and UpdatedAt is when it happened.
	Rev       uint64    `json:"-"`
	UpdatedAt time.Time `json:"-"`
}

// Upstream is the training collaborator's collection API.
type Upstream interface {
	BeginCollection(ctx context.Context, id workflow.Token, gesture string, target int) error
	EndCollection(ctx context.Context, id workflow.Token) error
}

// Ledger accumulates collected sample counts per gesture.
type Ledger interface {
	AddSamples(ctx context.Context, gesture string, n int) error
}

// Observation is the collaborator's view of a session, as read by a poll.
type Observation struct {
	SessionID workflow.Token
	Active    bool
	Collected int
}

// Config configures a Machine.
type Config struct {
	Slot     *workflow.Slot
	Upstream Upstream
	Ledger   Ledger
	// Guard is checked before a start and again once the collaborator has
	// acknowledged it. A non-nil error aborts the start.
	Guard     func(ctx context.Context) error
	Clock     clock.Clock
	Logger    *zap.Logger
	OnChange  func(Session)
	IOTimeout time.Duration
}

// Machine is the collection state machine. It is safe for concurrent use.
type Machine struct {
	slot      *workflow.Slot
	upstream  Upstream
	ledger    Ledger
	guard     func(context.Context) error
	clock     clock.Clock
	logger    *zap.Logger
	onChange  func(Session)
	ioTimeout time.Duration

	mu             sync.Mutex
	session        Session
	lease          *workflow.Lease
	rev            uint64
	lastTransition time.Time

	wg sync.WaitGroup
}

// New returns an idle Machine.
func New(cfg Config) *Machine {
	if cfg.Slot == nil {
		cfg.Slot = workflow.NewSlot()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.IOTimeout <= 0 {
		cfg.IOTimeout = DefaultIOTimeout
	}
	return &Machine{
		slot:      cfg.Slot,
		upstream:  cfg.Upstream,
		ledger:    cfg.Ledger,
		guard:     cfg.Guard,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
		onChange:  cfg.OnChange,
		ioTimeout: cfg.IOTimeout,
		session:   Session{State: Idle},
	}
}

// Session returns the current session snapshot.
func (m *Machine) Session() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// Start begins a new session and returns its token. The previous session's
// count is discarded.
func (m *Machine) Start(ctx context.Context, gesture string, target int) (workflow.Token, error) {
	const op = "collection.Start"

	gesture = strings.TrimSpace(gesture)
	if gesture == "" {
		return workflow.Token{}, workflow.E(op, workflow.KindInvalidArgument, "", "gesture name is required")
	}
	if target <= 0 {
		return workflow.Token{}, workflow.E(op, workflow.KindInvalidArgument, "", "target must be positive, got %d", target)
	}
	if err := m.checkGuard(ctx); err != nil {
		return workflow.Token{}, err
	}

	lease, err := m.slot.Reserve(op, workflow.OwnerCollection)
	if err != nil {
		return workflow.Token{}, err
	}
	token := lease.Token()

	if m.upstream != nil {
		if err := m.upstream.BeginCollection(ctx, token, gesture, target); err != nil {
			lease.Release()
			now := m.clock.Now()
			m.mu.Lock()
			m.session = Session{
				ID: token, State: IdleWithError, Gesture: gesture, Target: target,
				Cause: err.Error(), StartedAt: now, EndedAt: now,
			}
			m.lastTransition = now
			snap := m.touchLocked(now)
			m.mu.Unlock()

			m.logger.Warn("collection start failed", zap.String("gesture", gesture), zap.Error(err))
			m.notify(snap)
			return workflow.Token{}, fmt.Errorf("failed to begin collection: %w", err)
		}
	}

	// The world may have changed while the collaborator was answering.
	if err := m.checkGuard(ctx); err != nil {
		lease.Release()
		m.endUpstream(token)
		return workflow.Token{}, err
	}
	if err := lease.Commit(); err != nil {
		return workflow.Token{}, err
	}

	now := m.clock.Now()
	m.mu.Lock()
	m.session = Session{
		ID: token, State: Collecting, Gesture: gesture, Target: target,
		Active: true, StartedAt: now,
	}
	m.lease = lease
	m.lastTransition = now
	snap := m.touchLocked(now)
	m.mu.Unlock()

	m.logger.Info("collection started",
		zap.String("session", token.String()),
		zap.String("gesture", gesture),
		zap.Int("target", target))
	m.notify(snap)
	return token, nil
}

// Accept records one sample for the session identified by token and returns
// the collected count. Samples arriving after the session ended are ignored.
func (m *Machine) Accept(token workflow.Token) (int, error) {
	m.mu.Lock()
	if token != m.session.ID {
		m.mu.Unlock()
		return 0, workflow.E("collection.Accept", workflow.KindStaleToken, string(m.session.State), "session %s superseded", token)
	}
	if !m.session.Active {
		n := m.session.Collected
		m.mu.Unlock()
		return n, nil
	}

	m.session.Collected++
	n := m.session.Collected
	if n >= m.session.Target {
		e := m.endLocked(Idle, "", true)
		m.mu.Unlock()
		m.finish(e)
		return n, nil
	}
	snap := m.touchLocked(m.clock.Now())
	m.mu.Unlock()

	m.notify(snap)
	return n, nil
}

// ActiveToken returns the token of the active session, if any.
func (m *Machine) ActiveToken() (workflow.Token, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session.ID, m.session.Active
}

// Stop ends the session identified by token, keeping its partial count.
// Stopping an already ended session is a no-op.
func (m *Machine) Stop(ctx context.Context, token workflow.Token) (Session, error) {
	m.mu.Lock()
	if token != m.session.ID {
		state := m.session.State
		m.mu.Unlock()
		return Session{}, workflow.E("collection.Stop", workflow.KindStaleToken, string(state), "session %s superseded", token)
	}
	if !m.session.Active {
		s := m.session
		m.mu.Unlock()
		return s, nil
	}
	e := m.endLocked(Idle, "", true)
	m.mu.Unlock()

	m.finish(e)
	return e.session, nil
}

// Abort ends the active session, if any, recording cause.
func (m *Machine) Abort(cause string) {
	m.mu.Lock()
	if !m.session.Active {
		m.mu.Unlock()
		return
	}
	e := m.endLocked(IdleWithError, cause, true)
	m.mu.Unlock()

	m.finish(e)
}

// Observe folds a poll observation into the session. Observations for other
// sessions, or issued before the last local transition, are dropped. An
// observation can raise the count or end the session but never restart it.
func (m *Machine) Observe(obs Observation, issuedAt time.Time) {
	m.mu.Lock()
	if obs.SessionID != m.session.ID || !m.session.Active || !issuedAt.After(m.lastTransition) {
		m.mu.Unlock()
		return
	}

	changed := false
	if c := min(obs.Collected, m.session.Target); c > m.session.Collected {
		m.session.Collected = c
		changed = true
	}

	switch {
	case m.session.Collected >= m.session.Target:
		e := m.endLocked(Idle, "", true)
		m.mu.Unlock()
		m.finish(e)
	case !obs.Active:
		e := m.endLocked(Idle, "", false)
		m.mu.Unlock()
		m.finish(e)
	case changed:
		snap := m.touchLocked(m.clock.Now())
		m.mu.Unlock()
		m.notify(snap)
	default:
		m.mu.Unlock()
	}
}

// Wait blocks until outstanding end-of-session notifications are done.
func (m *Machine) Wait() {
	m.wg.Wait()
}

type ending struct {
	session        Session
	lease          *workflow.Lease
	notifyUpstream bool
}

func (m *Machine) endLocked(state State, cause string, notifyUpstream bool) ending {
	now := m.clock.Now()
	m.session.Active = false
	m.session.State = state
	m.session.Cause = cause
	m.session.EndedAt = now
	m.lastTransition = now
	snap := m.touchLocked(now)

	lease := m.lease
	m.lease = nil
	return ending{session: snap, lease: lease, notifyUpstream: notifyUpstream}
}

// finish completes a session end outside the lock. The ledger is written
// before the slot is released so a training start never reads a stale total.
func (m *Machine) finish(e ending) {
	s := e.session
	if s.Collected > 0 && m.ledger != nil {
		ctx, cancel := context.WithTimeout(context.Background(), m.ioTimeout)
		if err := m.ledger.AddSamples(ctx, s.Gesture, s.Collected); err != nil {
			m.logger.Error("failed to record samples",
				zap.String("gesture", s.Gesture), zap.Int("samples", s.Collected), zap.Error(err))
		}
		cancel()
	}
	if e.lease != nil {
		e.lease.Release()
	}

	m.logger.Info("collection ended",
		zap.String("session", s.ID.String()),
		zap.String("state", string(s.State)),
		zap.Int("collected", s.Collected),
		zap.Int("target", s.Target))
	m.notify(s)

	if e.notifyUpstream {
		m.endUpstream(s.ID)
	}
}

func (m *Machine) endUpstream(token workflow.Token) {
	if m.upstream == nil {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), m.ioTimeout)
		defer cancel()
		if err := m.upstream.EndCollection(ctx, token); err != nil {
			m.logger.Warn("failed to end collection upstream", zap.String("session", token.String()), zap.Error(err))
		}
	}()
}

func (m *Machine) checkGuard(ctx context.Context) error {
	if m.guard == nil {
		return nil
	}
	return m.guard(ctx)
}

func (m *Machine) touchLocked(now time.Time) Session {
	m.rev++
	m.session.Rev = m.rev
	m.session.UpdatedAt = now
	return m.session
}

func (m *Machine) notify(s Session) {
	if m.onChange != nil {
		m.onChange(s)
	}
}
