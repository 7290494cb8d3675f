// Package deadline force-closes trips left open past the daily cutoff.
package deadline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/tripsync/internal/clock"
	"github.com/MarkoPoloResearchLab/tripsync/pkg/session"
)

const (
	// DefaultCutoffSpec is 23:59 every day.
	DefaultCutoffSpec    = "59 23 * * *"
	defaultPenaltyUnits  = 100
	fireOperationTimeout = 30 * time.Second
)

var (
	ErrInvalidConfig   = errors.New("invalid deadline config")
	ErrSchedulerClosed = errors.New("deadline scheduler closed")
)

// TripCloser closes a specific trip with a fare of the given kind.
type TripCloser interface {
	CloseTrip(ctx context.Context, card session.CardID, tripID session.TripID, fare session.Amount, kind session.TransactionKind) (session.Amount, error)
}

// ScheduledClosure is one armed forced tap-out.
type ScheduledClosure struct {
	Card   session.CardID
	TripID session.TripID
	Target time.Time
}

// Outcome describes a fired closure.
type Outcome struct {
	Closure   ScheduledClosure
	Balance   session.Amount
	Discarded bool
	Err       error
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithCutoffSpec overrides the cutoff with a standard five-field cron spec.
func WithCutoffSpec(spec string) Option {
	return func(scheduler *Scheduler) {
		scheduler.cutoffSpec = spec
	}
}

// WithLocation sets the time zone the cutoff is evaluated in.
func WithLocation(location *time.Location) Option {
	return func(scheduler *Scheduler) {
		if location != nil {
			scheduler.location = location
		}
	}
}

// WithPenalty overrides the penalty fare.
func WithPenalty(penalty session.Amount) Option {
	return func(scheduler *Scheduler) {
		scheduler.penalty = penalty
	}
}

// WithLogger sets the zap logger.
func WithLogger(logger *zap.Logger) Option {
	return func(scheduler *Scheduler) {
		if logger != nil {
			scheduler.logger = logger
		}
	}
}

// WithOutcomeListener observes every fired closure.
func WithOutcomeListener(listener func(Outcome)) Option {
	return func(scheduler *Scheduler) {
		scheduler.outcomeListener = listener
	}
}

// Scheduler holds at most one pending closure per trip.
type Scheduler struct {
	closer          TripCloser
	clock           clock.Clock
	logger          *zap.Logger
	cutoffSpec      string
	schedule        cron.Schedule
	location        *time.Location
	penalty         session.Amount
	outcomeListener func(Outcome)

	mu       sync.Mutex
	entries  map[session.TripID]*entry
	closed   bool
	baseCtx  context.Context
	cancel   context.CancelFunc
	inFlight sync.WaitGroup
}

type entry struct {
	closure ScheduledClosure
	timer   clock.Timer
}

// NewScheduler parses the cutoff and returns an empty scheduler.
func NewScheduler(closer TripCloser, timeSource clock.Clock, options ...Option) (*Scheduler, error) {
	if closer == nil {
		return nil, fmt.Errorf("%w: trip closer is nil", ErrInvalidConfig)
	}
	if timeSource == nil {
		return nil, fmt.Errorf("%w: clock is nil", ErrInvalidConfig)
	}
	scheduler := &Scheduler{
		closer:     closer,
		clock:      timeSource,
		logger:     zap.NewNop(),
		cutoffSpec: DefaultCutoffSpec,
		location:   time.Local,
		penalty:    session.AmountFromUnits(defaultPenaltyUnits),
		entries:    make(map[session.TripID]*entry),
	}
	for _, option := range options {
		if option != nil {
			option(scheduler)
		}
	}
	schedule, err := cron.ParseStandard(scheduler.cutoffSpec)
	if err != nil {
		return nil, fmt.Errorf("%w: cutoff %q: %w", ErrInvalidConfig, scheduler.cutoffSpec, err)
	}
	if scheduler.penalty.IsNegative() {
		return nil, fmt.Errorf("%w: negative penalty", ErrInvalidConfig)
	}
	scheduler.schedule = schedule
	scheduler.baseCtx, scheduler.cancel = context.WithCancel(context.Background())
	return scheduler, nil
}

// NextCutoff returns the first cutoff strictly after from, in the configured zone.
func (scheduler *Scheduler) NextCutoff(from time.Time) time.Time {
	return scheduler.schedule.Next(from.In(scheduler.location))
}

// Schedule arms a closure for tripID at the first cutoff after activatedAt.
// A zero activatedAt means now. Scheduling an already armed trip returns the
// existing entry.
func (scheduler *Scheduler) Schedule(card session.CardID, tripID session.TripID, activatedAt time.Time) (ScheduledClosure, error) {
	if tripID.IsZero() {
		return ScheduledClosure{}, fmt.Errorf("%w: empty value", session.ErrInvalidTripID)
	}
	scheduler.mu.Lock()
	defer scheduler.mu.Unlock()
	if scheduler.closed {
		return ScheduledClosure{}, ErrSchedulerClosed
	}
	if existing, ok := scheduler.entries[tripID]; ok {
		return existing.closure, nil
	}
	now := scheduler.clock.Now()
	if activatedAt.IsZero() {
		activatedAt = now
	}
	target := scheduler.NextCutoff(activatedAt)
	delay := target.Sub(now)
	if delay < 0 {
		delay = 0
	}
	scheduled := &entry{closure: ScheduledClosure{Card: card, TripID: tripID, Target: target}}
	scheduled.timer = scheduler.clock.AfterFunc(delay, func() {
		scheduler.fire(scheduled)
	})
	scheduler.entries[tripID] = scheduled
	scheduler.logger.Info("closure scheduled",
		zap.String("card_id", card.String()),
		zap.String("trip_id", tripID.String()),
		zap.Time("target", target),
	)
	return scheduled.closure, nil
}

// Cancel drops the pending closure for tripID. It reports false when nothing
// was pending, including when the closure already started firing.
func (scheduler *Scheduler) Cancel(tripID session.TripID) bool {
	scheduler.mu.Lock()
	scheduled, ok := scheduler.entries[tripID]
	if ok {
		delete(scheduler.entries, tripID)
		scheduled.timer.Stop()
	}
	scheduler.mu.Unlock()
	if ok {
		scheduler.logger.Info("closure cancelled", zap.String("trip_id", tripID.String()))
	}
	return ok
}

// CancelAll drops every pending closure.
func (scheduler *Scheduler) CancelAll() int {
	scheduler.mu.Lock()
	defer scheduler.mu.Unlock()
	count := len(scheduler.entries)
	for tripID, scheduled := range scheduler.entries {
		scheduled.timer.Stop()
		delete(scheduler.entries, tripID)
	}
	return count
}

// HandleStatusChange keeps the pending set in step with session events.
func (scheduler *Scheduler) HandleStatusChange(change session.StatusChange) {
	switch {
	case change.To == session.TripStatusActive:
		if _, err := scheduler.Schedule(change.Card, change.Trip.ID, change.Trip.TapInTime); err != nil {
			scheduler.logger.Warn("closure not scheduled", zap.String("trip_id", change.Trip.ID.String()), zap.Error(err))
		}
	case change.From == session.TripStatusActive:
		scheduler.Cancel(change.Trip.ID)
	}
}

// FireOverdue fires every closure whose cutoff has already passed on the wall
// clock. Timers do not advance while the host is suspended, so this runs on
// resume.
func (scheduler *Scheduler) FireOverdue(ctx context.Context) []Outcome {
	now := scheduler.clock.Now()
	scheduler.mu.Lock()
	var due []*entry
	for tripID, scheduled := range scheduler.entries {
		if scheduled.closure.Target.After(now) {
			continue
		}
		scheduled.timer.Stop()
		delete(scheduler.entries, tripID)
		due = append(due, scheduled)
	}
	if len(due) > 0 {
		scheduler.inFlight.Add(len(due))
	}
	scheduler.mu.Unlock()

	sort.Slice(due, func(left, right int) bool {
		return due[left].closure.Target.Before(due[right].closure.Target)
	})
	outcomes := make([]Outcome, 0, len(due))
	for _, scheduled := range due {
		outcomes = append(outcomes, scheduler.execute(ctx, scheduled.closure))
		scheduler.inFlight.Done()
	}
	return outcomes
}

// Pending lists armed closures ordered by target.
func (scheduler *Scheduler) Pending() []ScheduledClosure {
	scheduler.mu.Lock()
	pending := make([]ScheduledClosure, 0, len(scheduler.entries))
	for _, scheduled := range scheduler.entries {
		pending = append(pending, scheduled.closure)
	}
	scheduler.mu.Unlock()
	sort.Slice(pending, func(left, right int) bool {
		return pending[left].Target.Before(pending[right].Target)
	})
	return pending
}

// Close cancels every pending closure and waits for closures already firing.
func (scheduler *Scheduler) Close() {
	scheduler.mu.Lock()
	if scheduler.closed {
		scheduler.mu.Unlock()
		return
	}
	scheduler.closed = true
	for tripID, scheduled := range scheduler.entries {
		scheduled.timer.Stop()
		delete(scheduler.entries, tripID)
	}
	scheduler.mu.Unlock()
	scheduler.inFlight.Wait()
	scheduler.cancel()
}

func (scheduler *Scheduler) fire(scheduled *entry) {
	scheduler.mu.Lock()
	current, ok := scheduler.entries[scheduled.closure.TripID]
	if !ok || current != scheduled {
		scheduler.mu.Unlock()
		return
	}
	delete(scheduler.entries, scheduled.closure.TripID)
	scheduler.inFlight.Add(1)
	scheduler.mu.Unlock()
	defer scheduler.inFlight.Done()

	ctx, cancel := context.WithTimeout(scheduler.baseCtx, fireOperationTimeout)
	defer cancel()
	scheduler.execute(ctx, scheduled.closure)
}

func (scheduler *Scheduler) execute(ctx context.Context, closure ScheduledClosure) Outcome {
	outcome := Outcome{Closure: closure}
	balance, err := scheduler.closer.CloseTrip(ctx, closure.Card, closure.TripID, scheduler.penalty, session.TransactionPenalty)
	fields := []zap.Field{
		zap.String("card_id", closure.Card.String()),
		zap.String("trip_id", closure.TripID.String()),
		zap.String("penalty", scheduler.penalty.String()),
	}
	switch {
	case err == nil:
		outcome.Balance = balance
		scheduler.logger.Info("penalty applied", append(fields, zap.String("balance", balance.String()))...)
	case errors.Is(err, session.ErrInvalidState), errors.Is(err, session.ErrInvalidCard):
		outcome.Discarded = true
		scheduler.logger.Info("closure discarded, trip no longer active", fields...)
	default:
		outcome.Err = err
		scheduler.logger.Error("forced closure failed", append(fields, zap.Error(err))...)
	}
	if scheduler.outcomeListener != nil {
		scheduler.outcomeListener(outcome)
	}
	return outcome
}
