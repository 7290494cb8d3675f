// Package polling runs a refresh action at an adaptive interval while a set of
// gating conditions hold.
package polling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/MarkoPoloResearchLab/tripsync/internal/clock"
)

const (
	defaultInterval     = 60 * time.Second
	defaultRestartGrace = 100 * time.Millisecond
)

// ErrInvalidConfig reports a coordinator built with missing dependencies.
var ErrInvalidConfig = errors.New("invalid polling config")

// Action is the idempotent refresh call.
type Action func(ctx context.Context) error

// IntervalProvider returns the delay before the next scheduled invocation.
type IntervalProvider func() time.Duration

// RunStateListener observes transitions between running and stopped.
type RunStateListener func(name string, running bool)

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithEnabled sets the master switch. Coordinators are enabled by default.
func WithEnabled(enabled bool) Option {
	return func(coordinator *Coordinator) {
		coordinator.enabled = enabled
	}
}

// WithOnlyWhenForeground suppresses polling while the host app is in the
// background. Enabled by default.
func WithOnlyWhenForeground(only bool) Option {
	return func(coordinator *Coordinator) {
		coordinator.onlyWhenForeground = only
	}
}

// WithIntervalProvider sets the cadence source.
func WithIntervalProvider(provider IntervalProvider) Option {
	return func(coordinator *Coordinator) {
		if provider != nil {
			coordinator.intervalProvider = provider
		}
	}
}

// WithMinSpacing sets the floor between two accepted invocations.
func WithMinSpacing(spacing time.Duration) Option {
	return func(coordinator *Coordinator) {
		coordinator.minSpacing = spacing
	}
}

// WithRestartGrace sets the delay between teardown and re-arm in Restart.
func WithRestartGrace(grace time.Duration) Option {
	return func(coordinator *Coordinator) {
		coordinator.restartGrace = grace
	}
}

// WithLogger sets the zap logger.
func WithLogger(logger *zap.Logger) Option {
	return func(coordinator *Coordinator) {
		if logger != nil {
			coordinator.logger = logger
		}
	}
}

// WithRunStateListener registers a callback for start and stop transitions.
func WithRunStateListener(listener RunStateListener) Option {
	return func(coordinator *Coordinator) {
		coordinator.runStateListener = listener
	}
}

// PollState is the per-coordinator bookkeeping. It is reset on stop.
type PollState struct {
	LastInvocation  time.Time
	Running         bool
	CurrentInterval time.Duration
	Accepted        uint64
	Dropped         uint64
}

// Gates are the conditions that must hold for polling to run.
type Gates struct {
	Authenticated bool
	DomainReady   bool
	Foreground    bool
}

// Coordinator drives one Action. At most one timer is live per coordinator
// and at most one invocation runs at a time.
type Coordinator struct {
	name               string
	action             Action
	clock              clock.Clock
	logger             *zap.Logger
	intervalProvider   IntervalProvider
	minSpacing         time.Duration
	restartGrace       time.Duration
	onlyWhenForeground bool
	runStateListener   RunStateListener

	mu           sync.Mutex
	enabled      bool
	gates        Gates
	current      *run
	generation   uint64
	restartTimer clock.Timer
	limiter      *rate.Limiter
	inFlight     bool
	state        PollState
	invocations  sync.WaitGroup
}

type run struct {
	generation uint64
	interval   time.Duration
	timer      clock.Timer
	ctx        context.Context
	cancel     context.CancelFunc
}

// Run is the token for one started run. Holding a stale token cannot affect
// a newer run.
type Run struct {
	coordinator *Coordinator
	generation  uint64
}

// Stop stops the run this token was issued for. It reports whether it did.
func (token Run) Stop() bool {
	if token.coordinator == nil {
		return false
	}
	return token.coordinator.stopGeneration(token.generation)
}

// Active reports whether the token's run is still the live run.
func (token Run) Active() bool {
	if token.coordinator == nil {
		return false
	}
	token.coordinator.mu.Lock()
	defer token.coordinator.mu.Unlock()
	return token.coordinator.current != nil && token.coordinator.current.generation == token.generation
}

// NewCoordinator constructs a stopped coordinator.
func NewCoordinator(name string, action Action, timeSource clock.Clock, options ...Option) (*Coordinator, error) {
	if action == nil {
		return nil, fmt.Errorf("%w: action is nil", ErrInvalidConfig)
	}
	if timeSource == nil {
		return nil, fmt.Errorf("%w: clock is nil", ErrInvalidConfig)
	}
	coordinator := &Coordinator{
		name:               name,
		action:             action,
		clock:              timeSource,
		logger:             zap.NewNop(),
		intervalProvider:   func() time.Duration { return defaultInterval },
		restartGrace:       defaultRestartGrace,
		onlyWhenForeground: true,
		enabled:            true,
	}
	for _, option := range options {
		if option != nil {
			option(coordinator)
		}
	}
	if coordinator.minSpacing < 0 {
		return nil, fmt.Errorf("%w: negative min spacing", ErrInvalidConfig)
	}
	coordinator.logger = coordinator.logger.With(zap.String("poller", name))
	coordinator.limiter = coordinator.newLimiter()
	return coordinator, nil
}

// Name returns the coordinator name.
func (coordinator *Coordinator) Name() string {
	return coordinator.name
}

// Start begins polling: one immediate debounced invocation, then a timer at
// the current interval. It is a no-op when already running, disabled, or gated.
func (coordinator *Coordinator) Start() (Run, bool) {
	coordinator.mu.Lock()
	if coordinator.current != nil {
		token := Run{coordinator: coordinator, generation: coordinator.current.generation}
		coordinator.mu.Unlock()
		return token, false
	}
	if !coordinator.shouldRunLocked() {
		coordinator.mu.Unlock()
		coordinator.logger.Debug("start skipped, gates closed")
		return Run{}, false
	}
	coordinator.cancelRestartLocked()
	coordinator.generation++
	interval := coordinator.normalizedInterval()
	runContext, cancel := context.WithCancel(context.Background())
	started := &run{generation: coordinator.generation, interval: interval, ctx: runContext, cancel: cancel}
	started.timer = coordinator.clock.AfterFunc(interval, coordinator.tickFunc(started))
	coordinator.current = started
	coordinator.state.Running = true
	coordinator.state.CurrentInterval = interval
	coordinator.invocations.Add(1)
	coordinator.mu.Unlock()

	coordinator.logger.Info("polling started", zap.Duration("interval", interval))
	coordinator.notifyRunState(true)
	go func() {
		defer coordinator.invocations.Done()
		coordinator.invoke(started.ctx, started)
	}()
	return Run{coordinator: coordinator, generation: started.generation}, true
}

// Stop cancels the live timer and any pending restart. No invocation starts
// after Stop returns. Safe to call when already stopped.
func (coordinator *Coordinator) Stop() {
	coordinator.mu.Lock()
	coordinator.cancelRestartLocked()
	stopped := coordinator.stopLocked()
	coordinator.mu.Unlock()
	if stopped {
		coordinator.logger.Info("polling stopped")
		coordinator.notifyRunState(false)
	}
}

func (coordinator *Coordinator) stopGeneration(generation uint64) bool {
	coordinator.mu.Lock()
	if coordinator.current == nil || coordinator.current.generation != generation {
		coordinator.mu.Unlock()
		return false
	}
	coordinator.stopLocked()
	coordinator.mu.Unlock()
	coordinator.logger.Info("polling stopped")
	coordinator.notifyRunState(false)
	return true
}

func (coordinator *Coordinator) stopLocked() bool {
	if coordinator.current == nil {
		return false
	}
	coordinator.current.timer.Stop()
	coordinator.current.cancel()
	coordinator.current = nil
	coordinator.state = PollState{}
	coordinator.limiter = coordinator.newLimiter()
	return true
}

// Restart stops the run and starts a new one after the grace delay, so a
// timer callback already in flight observes the teardown before the re-arm.
func (coordinator *Coordinator) Restart() {
	coordinator.Stop()
	coordinator.mu.Lock()
	defer coordinator.mu.Unlock()
	var pending clock.Timer
	pending = coordinator.clock.AfterFunc(coordinator.restartGrace, func() {
		coordinator.mu.Lock()
		if coordinator.restartTimer != pending {
			coordinator.mu.Unlock()
			return
		}
		coordinator.restartTimer = nil
		coordinator.mu.Unlock()
		coordinator.Start()
	})
	coordinator.restartTimer = pending
}

// CheckNow invokes the action on the caller's goroutine, bypassing the timer
// but not the debounce. It reports whether the invocation was accepted.
func (coordinator *Coordinator) CheckNow(ctx context.Context) bool {
	accepted, _ := coordinator.Trigger(ctx)
	return accepted
}

// Trigger is CheckNow for callers that need the action's error. A dropped
// invocation returns false and a nil error.
func (coordinator *Coordinator) Trigger(ctx context.Context) (bool, error) {
	coordinator.mu.Lock()
	enabled := coordinator.enabled
	coordinator.mu.Unlock()
	if !enabled {
		coordinator.logger.Debug("manual check skipped, disabled")
		return false, nil
	}
	return coordinator.invoke(ctx, nil)
}

// RefreshInterval restarts the live run when the interval provider now
// answers differently from the interval the timer was armed with.
func (coordinator *Coordinator) RefreshInterval() bool {
	coordinator.mu.Lock()
	if coordinator.current == nil {
		coordinator.mu.Unlock()
		return false
	}
	armed := coordinator.current.interval
	next := coordinator.normalizedInterval()
	coordinator.mu.Unlock()
	if armed == next {
		return false
	}
	coordinator.logger.Info("interval changed, restarting", zap.Duration("from", armed), zap.Duration("to", next))
	coordinator.Restart()
	return true
}

// SetEnabled flips the master switch and re-derives the running state.
func (coordinator *Coordinator) SetEnabled(enabled bool) {
	coordinator.mu.Lock()
	coordinator.enabled = enabled
	coordinator.mu.Unlock()
	coordinator.Reconcile()
}

// SetAuthenticated records the authentication gate.
func (coordinator *Coordinator) SetAuthenticated(authenticated bool) {
	coordinator.updateGates(func(gates *Gates) { gates.Authenticated = authenticated })
}

// SetDomainReady records whether the required domain object is present.
func (coordinator *Coordinator) SetDomainReady(ready bool) {
	coordinator.updateGates(func(gates *Gates) { gates.DomainReady = ready })
}

// SetForeground records the application lifecycle gate.
func (coordinator *Coordinator) SetForeground(foreground bool) {
	coordinator.updateGates(func(gates *Gates) { gates.Foreground = foreground })
}

// SetGates replaces every gate at once.
func (coordinator *Coordinator) SetGates(gates Gates) {
	coordinator.updateGates(func(current *Gates) { *current = gates })
}

func (coordinator *Coordinator) updateGates(mutate func(*Gates)) {
	coordinator.mu.Lock()
	mutate(&coordinator.gates)
	coordinator.mu.Unlock()
	coordinator.Reconcile()
}

// Reconcile starts or stops the coordinator to match its gates.
func (coordinator *Coordinator) Reconcile() {
	coordinator.mu.Lock()
	shouldRun := coordinator.shouldRunLocked()
	running := coordinator.current != nil || coordinator.restartTimer != nil
	coordinator.mu.Unlock()
	switch {
	case shouldRun && !running:
		coordinator.Start()
	case !shouldRun && running:
		coordinator.Stop()
	}
}

// State returns a copy of the poll state.
func (coordinator *Coordinator) State() PollState {
	coordinator.mu.Lock()
	defer coordinator.mu.Unlock()
	return coordinator.state
}

// Wait blocks until every invocation started by Start has returned.
func (coordinator *Coordinator) Wait() {
	coordinator.invocations.Wait()
}

func (coordinator *Coordinator) tickFunc(owner *run) func() {
	return func() {
		coordinator.mu.Lock()
		if coordinator.current != owner {
			coordinator.mu.Unlock()
			return
		}
		owner.timer = coordinator.clock.AfterFunc(owner.interval, coordinator.tickFunc(owner))
		coordinator.mu.Unlock()
		coordinator.invoke(owner.ctx, owner)
	}
}

// invoke applies the run check, the in-flight guard and the debounce, then
// calls the action. Failures are logged and never stop the loop.
func (coordinator *Coordinator) invoke(ctx context.Context, owner *run) (bool, error) {
	coordinator.mu.Lock()
	if owner != nil && coordinator.current != owner {
		coordinator.mu.Unlock()
		return false, nil
	}
	now := coordinator.clock.Now()
	if coordinator.inFlight {
		coordinator.state.Dropped++
		coordinator.mu.Unlock()
		coordinator.logger.Debug("invocation dropped, previous still in flight")
		return false, nil
	}
	if !coordinator.limiter.AllowN(now, 1) {
		coordinator.state.Dropped++
		last := coordinator.state.LastInvocation
		coordinator.mu.Unlock()
		coordinator.logger.Debug("invocation debounced", zap.Duration("since_last", now.Sub(last)), zap.Duration("min_spacing", coordinator.minSpacing))
		return false, nil
	}
	coordinator.inFlight = true
	coordinator.state.LastInvocation = now
	coordinator.state.Accepted++
	coordinator.mu.Unlock()

	err := coordinator.action(ctx)

	coordinator.mu.Lock()
	coordinator.inFlight = false
	coordinator.mu.Unlock()
	if err != nil {
		coordinator.logger.Warn("refresh failed", zap.Error(err))
	}
	return true, err
}

func (coordinator *Coordinator) shouldRunLocked() bool {
	if !coordinator.enabled {
		return false
	}
	if !coordinator.gates.Authenticated || !coordinator.gates.DomainReady {
		return false
	}
	if coordinator.onlyWhenForeground && !coordinator.gates.Foreground {
		return false
	}
	return true
}

func (coordinator *Coordinator) cancelRestartLocked() {
	if coordinator.restartTimer != nil {
		coordinator.restartTimer.Stop()
		coordinator.restartTimer = nil
	}
}

func (coordinator *Coordinator) normalizedInterval() time.Duration {
	interval := coordinator.intervalProvider()
	if interval <= 0 {
		return defaultInterval
	}
	return interval
}

func (coordinator *Coordinator) newLimiter() *rate.Limiter {
	if coordinator.minSpacing <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(coordinator.minSpacing), 1)
}

func (coordinator *Coordinator) notifyRunState(running bool) {
	if coordinator.runStateListener != nil {
		coordinator.runStateListener(coordinator.name, running)
	}
}
