// Package training implements the model training workflow. Progress and
// metrics are reported by the training collaborator; this package only keeps
// the job's lifecycle consistent.
package training

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/ayusman/gestureops/internal/workflow"
)

// State is the training job state.
type State string

const (
	Idle      State = "idle"
	Preparing State = "preparing"
	Training  State = "training"
	Complete  State = "complete"
	Error     State = "error"
)

// Terminal reports whether s ends a job.
func (s State) Terminal() bool {
	return s == Complete || s == Error
}

// Running reports whether s is a state in which the job holds the slot.
func (s State) Running() bool {
	return s == Preparing || s == Training
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case Idle, Preparing, Training, Complete, Error:
		return true
	}
	return false
}

// DefaultIOTimeout bounds each collaborator call and recording a finished run.
const DefaultIOTimeout = 5 * time.Second

// DefaultMaxMisses is how many consecutive polls may omit a running job
// before it is declared lost.
const DefaultMaxMisses = 5

// LostJobCause is the error cause of a job the collaborator no longer knows.
const LostJobCause = "collaborator lost job"

// Metrics are the evaluation results of a finished job. Each is optional.
type Metrics struct {
	Accuracy  *float64 `json:"accuracy,omitempty"`
	Precision *float64 `json:"precision,omitempty"`
	Recall    *float64 `json:"recall,omitempty"`
	F1        *float64 `json:"f1,omitempty"`
}

// Empty reports whether no metric is set.
func (m Metrics) Empty() bool {
	return m.Accuracy == nil && m.Precision == nil && m.Recall == nil && m.F1 == nil
}

// Validate checks that every set metric lies in [0,1].
func (m Metrics) Validate() error {
	for name, v := range map[string]*float64{
		"accuracy": m.Accuracy, "precision": m.Precision, "recall": m.Recall, "f1": m.F1,
	} {
		if v != nil && (*v < 0 || *v > 1) {
			return fmt.Errorf("%s %v outside [0,1]", name, *v)
		}
	}
	return nil
}

// Job is a snapshot of the current or most recent training job.
type Job struct {
	ID         workflow.Token `json:"id"`
	State      State          `json:"state"`
	Progress   float64        `json:"progress"`
	Cause      string         `json:"cause,omitempty"`
	Metrics    *Metrics       `json:"metrics,omitempty"`
	StartedAt  time.Time      `json:"started_at,omitempty"`
	FinishedAt time.Time      `json:"finished_at,omitempty"`

	Rev       uint64    `json:"-"`
	UpdatedAt time.Time `json:"-"`
}

// Upstream is the training collaborator's training API.
type Upstream interface {
	BeginTraining(ctx context.Context, id workflow.Token) error
}

// SampleCounter reports the total collected samples across all gestures.
type SampleCounter interface {
	TotalSamples(ctx context.Context) (int, error)
}

// Recorder persists finished jobs.
type Recorder interface {
	RecordRun(ctx context.Context, job Job) error
}

// Observation is the collaborator's view of a job, as read by a poll.
type Observation struct {
	JobID    workflow.Token
	State    State
	Progress float64
	Error    string
	Metrics  *Metrics
}

// Config configures a Machine.
type Config struct {
	Slot      *workflow.Slot
	Upstream  Upstream
	Samples   SampleCounter
	Recorder  Recorder
	Clock     clock.Clock
	Logger    *zap.Logger
	OnChange  func(Job)
	IOTimeout time.Duration
	MaxMisses int
}

// Machine is the training state machine.
type Machine struct {
	slot      *workflow.Slot
	upstream  Upstream
	samples   SampleCounter
	recorder  Recorder
	clock     clock.Clock
	logger    *zap.Logger
	onChange  func(Job)
	ioTimeout time.Duration
	maxMisses int

	mu    sync.Mutex
	job   Job
	lease *workflow.Lease
	rev   uint64
	// acked is when the collaborator accepted the job; only polls issued
	// after it can declare the job lost.
	acked  time.Time
	misses int
}

// New returns a Machine with an idle job.
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
	if cfg.MaxMisses <= 0 {
		cfg.MaxMisses = DefaultMaxMisses
	}
	return &Machine{
		slot:      cfg.Slot,
		upstream:  cfg.Upstream,
		samples:   cfg.Samples,
		recorder:  cfg.Recorder,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
		onChange:  cfg.OnChange,
		ioTimeout: cfg.IOTimeout,
		maxMisses: cfg.MaxMisses,
		job:       Job{State: Idle},
	}
}

// Job returns the current job snapshot.
func (m *Machine) Job() Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.job
}

// Restore installs a finished job, typically the last recorded run, so its
// result is visible after a restart. Running jobs are ignored.
func (m *Machine) Restore(job Job) {
	if !job.State.Terminal() {
		return
	}
	m.mu.Lock()
	if m.job.State.Running() {
		m.mu.Unlock()
		return
	}
	m.job = job
	snap := m.touchLocked(m.clock.Now())
	m.mu.Unlock()
	m.notify(snap)
}

// Start begins a new training job and returns its token. A collaborator
// failure does not fail Start; it leaves the job in the error state. The
// collaborator call outlives ctx's cancellation and is bounded by the
// machine's IO timeout.
func (m *Machine) Start(ctx context.Context) (workflow.Token, error) {
	const op = "training.Start"

	lease, err := m.slot.Reserve(op, workflow.OwnerTraining)
	if err != nil {
		return workflow.Token{}, err
	}

	if m.samples != nil {
		total, err := m.samples.TotalSamples(ctx)
		if err != nil {
			lease.Release()
			return workflow.Token{}, fmt.Errorf("failed to count samples: %w", err)
		}
		if total == 0 {
			lease.Release()
			return workflow.Token{}, workflow.E(op, workflow.KindPreconditionFailed, string(m.Job().State),
				"no samples collected")
		}
	}
	if err := lease.Commit(); err != nil {
		return workflow.Token{}, err
	}

	token := lease.Token()
	now := m.clock.Now()
	m.mu.Lock()
	m.job = Job{ID: token, State: Preparing, StartedAt: now}
	m.lease = lease
	m.acked = time.Time{}
	m.misses = 0
	snap := m.touchLocked(now)
	m.mu.Unlock()

	m.logger.Info("training started", zap.String("job", token.String()))
	m.notify(snap)

	var upErr error
	if m.upstream != nil {
		upErr = m.begin(ctx, token)
	}

	m.mu.Lock()
	if m.job.ID != token || m.job.State != Preparing {
		// A poll already moved the job on.
		m.mu.Unlock()
		return token, nil
	}
	if upErr != nil {
		f := m.finishLocked(Error, upErr.Error())
		m.mu.Unlock()
		m.logger.Warn("training start rejected", zap.String("job", token.String()), zap.Error(upErr))
		m.complete(f)
		return token, nil
	}
	m.job.State = Training
	m.acked = m.clock.Now()
	snap = m.touchLocked(m.acked)
	m.mu.Unlock()

	m.notify(snap)
	return token, nil
}

// begin asks the collaborator to start the job, retrying a transient
// failure once.
func (m *Machine) begin(ctx context.Context, token workflow.Token) error {
	ctx = context.WithoutCancel(ctx)
	var err error
	for attempt := 1; attempt <= 2; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, m.ioTimeout)
		err = m.upstream.BeginTraining(callCtx, token)
		cancel()
		if err == nil || !errors.Is(err, workflow.ErrTransientConnection) {
			return err
		}
		m.logger.Warn("training start failed", zap.String("job", token.String()),
			zap.Int("attempt", attempt), zap.Error(err))
	}
	return err
}

// Observe folds a poll observation into the job. Observations for a
// finished job or issued before the job started are dropped. Progress never
// decreases within a job.
//
// Once the collaborator has accepted the job, a later poll that reports it
// idle or reports a different job means the collaborator lost it; the job
// then fails with LostJobCause.
func (m *Machine) Observe(obs Observation, issuedAt time.Time) {
	m.mu.Lock()
	if !m.job.State.Running() || issuedAt.Before(m.job.StartedAt) {
		m.mu.Unlock()
		return
	}
	if obs.JobID != m.job.ID || obs.State == Idle {
		m.lostLocked(issuedAt)
		return
	}
	m.misses = 0
	if m.acked.IsZero() && (obs.State == Training || obs.State == Preparing) {
		m.acked = issuedAt
	}

	changed := false
	if p := clamp01(obs.Progress); p > m.job.Progress {
		m.job.Progress = p
		changed = true
	}

	switch obs.State {
	case Training:
		if m.job.State == Preparing {
			m.job.State = Training
			changed = true
		}
	case Complete:
		var f finished
		switch {
		case obs.Metrics == nil || obs.Metrics.Empty():
			f = m.finishLocked(Error, "completion without metrics")
		case obs.Metrics.Validate() != nil:
			f = m.finishLocked(Error, "invalid metrics: "+obs.Metrics.Validate().Error())
		default:
			metrics := *obs.Metrics
			m.job.Metrics = &metrics
			m.job.Progress = 1
			f = m.finishLocked(Complete, "")
		}
		m.mu.Unlock()
		m.complete(f)
		return
	case Error:
		cause := obs.Error
		if cause == "" {
			cause = "training failed"
		}
		f := m.finishLocked(Error, cause)
		m.mu.Unlock()
		m.complete(f)
		return
	}

	if !changed {
		m.mu.Unlock()
		return
	}
	snap := m.touchLocked(m.clock.Now())
	m.mu.Unlock()
	m.notify(snap)
}

// Unreported records a poll that carried no job at all. After MaxMisses
// such polls in a row the running job is declared lost.
func (m *Machine) Unreported(issuedAt time.Time) {
	m.mu.Lock()
	if !m.job.State.Running() {
		m.mu.Unlock()
		return
	}
	if !m.acked.IsZero() && issuedAt.After(m.acked) {
		m.misses++
	}
	if m.misses < m.maxMisses {
		m.mu.Unlock()
		return
	}
	f := m.finishLocked(Error, LostJobCause)
	m.mu.Unlock()
	m.logger.Warn("training job missing from collaborator status",
		zap.String("job", f.job.ID.String()), zap.Int("polls", m.maxMisses))
	m.complete(f)
}

// lostLocked fails the running job when the observation proves the
// collaborator no longer runs it. It releases m.mu.
func (m *Machine) lostLocked(issuedAt time.Time) {
	if m.acked.IsZero() || !issuedAt.After(m.acked) {
		// The collaborator may not have seen the start yet.
		m.mu.Unlock()
		return
	}
	f := m.finishLocked(Error, LostJobCause)
	m.mu.Unlock()
	m.logger.Warn("training job lost by collaborator", zap.String("job", f.job.ID.String()))
	m.complete(f)
}

type finished struct {
	job   Job
	lease *workflow.Lease
}

func (m *Machine) finishLocked(state State, cause string) finished {
	now := m.clock.Now()
	m.job.State = state
	m.job.Cause = cause
	m.job.FinishedAt = now
	snap := m.touchLocked(now)

	lease := m.lease
	m.lease = nil
	return finished{job: snap, lease: lease}
}

func (m *Machine) complete(f finished) {
	if f.lease != nil {
		f.lease.Release()
	}
	if m.recorder != nil {
		ctx, cancel := context.WithTimeout(context.Background(), m.ioTimeout)
		if err := m.recorder.RecordRun(ctx, f.job); err != nil {
			m.logger.Error("failed to record training run", zap.String("job", f.job.ID.String()), zap.Error(err))
		}
		cancel()
	}

	fields := []zap.Field{zap.String("job", f.job.ID.String()), zap.String("state", string(f.job.State))}
	if f.job.Cause != "" {
		fields = append(fields, zap.String("cause", f.job.Cause))
	}
	m.logger.Info("training finished", fields...)
	m.notify(f.job)
}

func (m *Machine) touchLocked(now time.Time) Job {
	m.rev++
	m.job.Rev = m.rev
	m.job.UpdatedAt = now
	return m.job
}

func (m *Machine) notify(j Job) {
	if m.onChange != nil {
		m.onChange(j)
	}
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
