// Package orchestrator owns conductor's records and the session state
// machine.
//
// All state lives on a single coordinator goroutine started by Run. Public
// methods submit a closure to it and wait for the result; supervisor
// callbacks submit closures without waiting. Each closure runs to completion
// before the next starts, and any record it changed is persisted before its
// caller is released. Git provisioning and worktree removal are slow and run
// on the caller's goroutine, outside the coordinator.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Iron-Ham/conductor/internal/errors"
	"github.com/Iron-Ham/conductor/internal/event"
	"github.com/Iron-Ham/conductor/internal/logging"
	"github.com/Iron-Ham/conductor/internal/model"
)

// DefaultSweepInterval is how often the blocked-session sweep runs.
const DefaultSweepInterval = 30 * time.Second

// opQueueSize bounds closures waiting for the coordinator. Senders block
// when it is full.
const opQueueSize = 1024

// Config holds the orchestrator's static settings.
type Config struct {
	// DataDir is where logs/<taskID>/<sessionID>.log files are written.
	DataDir string

	// SweepInterval defaults to DefaultSweepInterval.
	SweepInterval time.Duration

	// DefaultSettings seed the settings when the store has none.
	// Nil means model.DefaultSettings().
	DefaultSettings *model.Settings
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithBus sets the event bus that receives change events.
func WithBus(b *event.Bus) Option {
	return func(o *Orchestrator) {
		if b != nil {
			o.bus = b
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// WithTicker replaces the sweep ticker factory.
func WithTicker(f TickerFactory) Option {
	return func(o *Orchestrator) {
		if f != nil {
			o.newTicker = f
		}
	}
}

// WithIDGenerator replaces uuid.NewString for record ids.
func WithIDGenerator(gen func() string) Option {
	return func(o *Orchestrator) {
		if gen != nil {
			o.newID = gen
		}
	}
}

// WithEnviron replaces os.Environ as the base environment of launched agents.
func WithEnviron(env func() []string) Option {
	return func(o *Orchestrator) {
		if env != nil {
			o.environ = env
		}
	}
}

type op struct {
	fn   func()
	done chan struct{}
}

// Orchestrator is the coordinator. Create it with New and start it with Run.
type Orchestrator struct {
	cfg    Config
	sup    Supervisor
	prov   Provisioner
	store  Store
	bus    *event.Bus
	logger *logging.Logger

	now       func() time.Time
	newTicker TickerFactory
	newID     func() string
	environ   func() []string

	ops  chan op
	done chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	running   atomic.Bool
	closeOnce sync.Once

	// Owned by the coordinator goroutine.
	workspaces []model.Workspace
	tasks      []model.Task
	sessions   []model.Session
	settings   model.Settings
	currentErr string
	closing    bool
	dirty      dirtySet
}

type dirtySet struct {
	workspaces bool
	tasks      bool
	sessions   bool
	settings   bool
}

// New loads the persisted records and returns an orchestrator that is not
// yet running.
func New(cfg Config, sup Supervisor, prov Provisioner, st Store, opts ...Option) (*Orchestrator, error) {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:       cfg,
		sup:       sup,
		prov:      prov,
		store:     st,
		logger:    logging.NopLogger(),
		now:       time.Now,
		newTicker: NewTimeTicker,
		newID:     uuid.NewString,
		environ:   os.Environ,
		ops:       make(chan op, opQueueSize),
		done:      make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.bus == nil {
		o.bus = event.NewBus(o.logger)
	}
	o.logger = o.logger.WithComponent("orchestrator")

	snap, err := st.Load()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("load records: %w", err)
	}
	o.workspaces = snap.Workspaces
	o.tasks = snap.Tasks
	o.sessions = snap.Sessions

	switch {
	case snap.Settings != nil:
		o.settings = *snap.Settings
	case cfg.DefaultSettings != nil:
		o.settings = *cfg.DefaultSettings
	default:
		o.settings = model.DefaultSettings()
	}
	if err := o.settings.Validate(); err != nil {
		o.logger.Warn("stored settings are invalid, using defaults", "error", err)
		o.settings = model.DefaultSettings()
	}

	return o, nil
}

// Bus returns the event bus change events are published on.
func (o *Orchestrator) Bus() *event.Bus {
	return o.bus
}

// LogDir returns the directory holding per-session logs.
func (o *Orchestrator) LogDir() string {
	return filepath.Join(o.cfg.DataDir, "logs")
}

// Run reconciles sessions left over from a previous process, then runs the
// coordinator loop and the sweep ticker until ctx is cancelled or Close is
// called. It must be called exactly once.
func (o *Orchestrator) Run(ctx context.Context) error {
	if !o.running.CompareAndSwap(false, true) {
		return fmt.Errorf("orchestrator already running")
	}
	defer close(o.done)

	o.step(op{fn: o.reconcile})

	ticker := o.newTicker(o.cfg.SweepInterval)
	defer ticker.Stop()

	o.logger.Info("coordinator started",
		"sweep_interval", o.cfg.SweepInterval.String(),
		"sessions", len(o.sessions),
	)

	for {
		select {
		case <-ctx.Done():
			o.logger.Info("coordinator stopped", "reason", ctx.Err().Error())
			return ctx.Err()
		case <-o.ctx.Done():
			o.logger.Info("coordinator stopped", "reason", "closed")
			return nil
		case next := <-o.ops:
			o.step(next)
		case <-ticker.C():
			o.step(op{fn: o.sweep})
		}
	}
}

// step runs one closure, persists what it changed and releases the waiter.
func (o *Orchestrator) step(next op) {
	defer func() {
		if next.done != nil {
			close(next.done)
		}
	}()
	defer o.flush()
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("coordinator step panicked", "panic", fmt.Sprint(r))
		}
	}()
	next.fn()
}

// call runs fn on the coordinator and waits for it to finish.
func (o *Orchestrator) call(ctx context.Context, fn func() error) error {
	err := errors.New("coordinator step aborted")
	next := op{
		fn:   func() { err = fn() },
		done: make(chan struct{}),
	}

	select {
	case o.ops <- next:
	case <-o.done:
		return errors.ErrOrchestratorClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-next.done:
		return err
	case <-o.done:
		select {
		case <-next.done:
			return err
		default:
			return errors.ErrOrchestratorClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post queues fn on the coordinator without waiting. It is dropped once the
// coordinator has stopped.
func (o *Orchestrator) post(fn func()) {
	select {
	case o.ops <- op{fn: fn}:
	case <-o.done:
	}
}

// flush writes every collection the last step changed. A failed write is
// logged and reported; the in-memory state stays authoritative.
func (o *Orchestrator) flush() {
	d := o.dirty
	o.dirty = dirtySet{}

	if d.workspaces {
		o.reportSaveError("save workspaces", o.store.SaveWorkspaces(o.workspaces))
	}
	if d.tasks {
		o.reportSaveError("save tasks", o.store.SaveTasks(o.tasks))
	}
	if d.sessions {
		o.reportSaveError("save sessions", o.store.SaveSessions(o.sessions))
	}
	if d.settings {
		o.reportSaveError("save settings", o.store.SaveSettings(o.settings))
	}
}

func (o *Orchestrator) reportSaveError(opName string, err error) {
	if err == nil {
		return
	}
	o.logger.Error("persistence failed", "op", opName, "error", err)
	o.bus.Publish(event.NewErrorEvent(opName, err))
}

// setError records the current error message and reports it on the bus.
func (o *Orchestrator) setError(opName string, err error) {
	o.currentErr = err.Error()
	o.bus.Publish(event.NewErrorEvent(opName, err))
}

// TakeError returns the current error message and clears it. It returns
// "" when no error is pending.
func (o *Orchestrator) TakeError(ctx context.Context) (string, error) {
	var msg string
	err := o.call(ctx, func() error {
		msg = o.currentErr
		o.currentErr = ""
		return nil
	})
	return msg, err
}

// SweepNow runs the blocked-session sweep immediately.
func (o *Orchestrator) SweepNow(ctx context.Context) error {
	return o.call(ctx, func() error {
		o.sweep()
		return nil
	})
}

// Close stops every live session, marking it stopped, then stops the
// coordinator. Queued sessions stay queued for the next start. Close is
// idempotent.
func (o *Orchestrator) Close() error {
	o.closeOnce.Do(func() {
		if o.running.Load() {
			_ = o.call(context.Background(), func() error {
				o.closing = true
				for i := range o.sessions {
					if o.sessions[i].Status.HasProcess() {
						o.stopLive(i)
					}
				}
				return nil
			})
		}
		o.sup.StopAll()
		o.cancel()
		if o.running.Load() {
			<-o.done
		}
	})
	return nil
}
