// Package syncd wires the session store, the deadline scheduler and the two
// polling coordinators to the host lifecycle signals.
package syncd

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/tripsync/internal/clock"
	"github.com/MarkoPoloResearchLab/tripsync/internal/events"
	"github.com/MarkoPoloResearchLab/tripsync/pkg/deadline"
	"github.com/MarkoPoloResearchLab/tripsync/pkg/lifecycle"
	"github.com/MarkoPoloResearchLab/tripsync/pkg/notifications"
	"github.com/MarkoPoloResearchLab/tripsync/pkg/polling"
	"github.com/MarkoPoloResearchLab/tripsync/pkg/session"
)

const (
	// TripPollerName names the trip status coordinator.
	TripPollerName = "trip_status"
	// NotificationPollerName names the unread notification coordinator.
	NotificationPollerName = "notifications"
)

// ErrInvalidDependencies reports missing collaborators.
var ErrInvalidDependencies = errors.New("invalid engine dependencies")

// BalanceSource answers the balance a session opens with.
type BalanceSource interface {
	CardBalance(ctx context.Context, card string) (session.Amount, error)
}

// Dependencies are the collaborators the engine drives. Recharges, Balances,
// Values, Publisher and RunState are optional.
type Dependencies struct {
	Trips         session.TripStatusSource
	Taps          session.TapSource
	Recharges     session.RechargeSource
	Balances      BalanceSource
	Notifications notifications.Source
	Values        session.KeyValueStore
	Publisher     events.Publisher
	Clock         clock.Clock
	Logger        *zap.Logger
	RunState      polling.RunStateListener
}

// Engine is the composition root. It owns exactly one of each component.
type Engine struct {
	cfg       Config
	clock     clock.Clock
	logger    *zap.Logger
	hub       *lifecycle.Hub
	sessions  *session.Service
	scheduler *deadline.Scheduler
	inbox     *notifications.Inbox
	trips     *polling.Coordinator
	notices   *polling.Coordinator
	balances  BalanceSource
	publisher events.Publisher

	tripActive  atomic.Bool
	baseCtx     context.Context
	cancel      context.CancelFunc
	unsubscribe []func()
	closeOnce   sync.Once
}

// New validates cfg, builds every component and subscribes them to each other.
func New(cfg Config, deps Dependencies) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("engine config: %w", err)
	}
	if deps.Trips == nil || deps.Taps == nil || deps.Notifications == nil {
		return nil, fmt.Errorf("%w: trip, tap and notification sources are required", ErrInvalidDependencies)
	}
	if deps.Clock == nil {
		deps.Clock = clock.System{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	location, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	engine := &Engine{
		cfg:       cfg,
		clock:     deps.Clock,
		logger:    deps.Logger,
		hub:       lifecycle.NewHub(),
		balances:  deps.Balances,
		publisher: deps.Publisher,
	}
	engine.baseCtx, engine.cancel = context.WithCancel(context.Background())

	sessionOptions := []session.ServiceOption{
		session.WithOperationLogger(session.NewZapOperationLogger(deps.Logger.Named("session"))),
		session.WithOverdraftFloor(session.AmountFromUnits(cfg.OverdraftFloorUnits)),
		session.WithMinimumTapInBalance(session.AmountFromUnits(cfg.MinimumTapInUnits)),
	}
	if deps.Recharges != nil {
		sessionOptions = append(sessionOptions, session.WithRechargeSource(deps.Recharges))
	}
	if deps.Values != nil {
		sessionOptions = append(sessionOptions, session.WithKeyValueStore(deps.Values))
	}
	sessionOptions = append(sessionOptions, session.WithQueryTimeout(cfg.CallTimeout))
	engine.sessions, err = session.NewService(deps.Trips, deps.Taps, deps.Clock.Now, sessionOptions...)
	if err != nil {
		return nil, err
	}

	engine.scheduler, err = deadline.NewScheduler(engine.sessions, deps.Clock,
		deadline.WithCutoffSpec(cfg.CutoffSpec),
		deadline.WithLocation(location),
		deadline.WithPenalty(session.AmountFromUnits(cfg.PenaltyUnits)),
		deadline.WithLogger(deps.Logger.Named("deadline")),
		deadline.WithOutcomeListener(engine.onClosureOutcome),
	)
	if err != nil {
		return nil, err
	}

	engine.inbox, err = notifications.NewInbox(deps.Notifications,
		notifications.WithPageSize(cfg.NotificationPageSize),
		notifications.WithMaxPages(cfg.NotificationMaxPages),
		notifications.WithClock(deps.Clock.Now),
		notifications.WithLogger(deps.Logger.Named("inbox")),
	)
	if err != nil {
		return nil, err
	}

	engine.trips, err = polling.NewCoordinator(TripPollerName, engine.refreshTrip, deps.Clock,
		polling.WithOnlyWhenForeground(!cfg.PollInBackground),
		polling.WithIntervalProvider(engine.tripInterval),
		polling.WithMinSpacing(cfg.TripMinSpacing),
		polling.WithRestartGrace(cfg.RestartGrace),
		polling.WithLogger(deps.Logger.Named("poller")),
		polling.WithRunStateListener(deps.RunState),
	)
	if err != nil {
		return nil, err
	}
	engine.notices, err = polling.NewCoordinator(NotificationPollerName, engine.refreshInbox, deps.Clock,
		polling.WithOnlyWhenForeground(!cfg.PollInBackground),
		polling.WithIntervalProvider(func() time.Duration { return cfg.NotificationInterval }),
		polling.WithMinSpacing(cfg.NotificationMinSpacing),
		polling.WithRestartGrace(cfg.RestartGrace),
		polling.WithLogger(deps.Logger.Named("poller")),
		polling.WithRunStateListener(deps.RunState),
	)
	if err != nil {
		return nil, err
	}

	engine.unsubscribe = append(engine.unsubscribe,
		engine.sessions.Subscribe(engine.scheduler.HandleStatusChange),
		engine.sessions.Subscribe(engine.onStatusChange),
		engine.hub.Subscribe(engine.onTransition),
	)
	return engine, nil
}

// Hub returns the lifecycle hub the host app reports into.
func (engine *Engine) Hub() *lifecycle.Hub { return engine.hub }

// Sessions returns the session store.
func (engine *Engine) Sessions() *session.Service { return engine.sessions }

// Scheduler returns the deadline scheduler.
func (engine *Engine) Scheduler() *deadline.Scheduler { return engine.scheduler }

// Inbox returns the notification inbox.
func (engine *Engine) Inbox() *notifications.Inbox { return engine.inbox }

// TripPoller returns the trip status coordinator.
func (engine *Engine) TripPoller() *polling.Coordinator { return engine.trips }

// NotificationPoller returns the notification coordinator.
func (engine *Engine) NotificationPoller() *polling.Coordinator { return engine.notices }

// Pollers returns both coordinators.
func (engine *Engine) Pollers() []*polling.Coordinator {
	return []*polling.Coordinator{engine.trips, engine.notices}
}

// Reconcile refreshes trip status, then fires closures whose cutoff passed
// while the host was suspended. The refresh runs first so a trip the backend
// already closed cancels its closure instead of being charged.
func (engine *Engine) Reconcile(ctx context.Context) error {
	if _, open := engine.sessions.Snapshot(); !open {
		return nil
	}
	_, refreshErr := engine.sessions.RefreshTripStatus(ctx)
	if refreshErr != nil {
		engine.logger.Warn("reconcile refresh failed", zap.Error(refreshErr))
	}
	engine.scheduler.FireOverdue(ctx)
	return refreshErr
}

// Wait blocks until in-flight poller invocations started by Start return.
func (engine *Engine) Wait() {
	engine.trips.Wait()
	engine.notices.Wait()
}

// Close stops pollers and closures and detaches every subscription.
func (engine *Engine) Close() {
	engine.closeOnce.Do(func() {
		for _, unsubscribe := range engine.unsubscribe {
			unsubscribe()
		}
		engine.trips.Stop()
		engine.notices.Stop()
		engine.scheduler.Close()
		engine.cancel()
		engine.Wait()
	})
}

func (engine *Engine) onTransition(transition lifecycle.Transition) {
	ctx, cancel := context.WithTimeout(engine.baseCtx, engine.cfg.CallTimeout)
	defer cancel()

	if transition.IdentityChanged() {
		if transition.Previous.HasCard() {
			engine.teardown(ctx)
		}
		if transition.Current.HasCard() {
			engine.openCard(ctx, transition.Current.CardID)
		}
	}
	engine.applyGates(transition.Current)
	if transition.BecameForeground() {
		_ = engine.Reconcile(ctx)
	}
}

func (engine *Engine) openCard(ctx context.Context, rawCard string) {
	card, err := session.NewCardID(rawCard)
	if err != nil {
		engine.logger.Warn("identity carries invalid card", zap.Error(err))
		return
	}
	balance := session.AmountFromUnits(0)
	if engine.balances != nil {
		fetched, err := engine.balances.CardBalance(ctx, card.String())
		if err != nil {
			engine.logger.Warn("card balance unavailable", zap.String("card_id", card.String()), zap.Error(err))
		} else {
			balance = fetched
		}
	}
	snapshot, err := engine.sessions.Open(ctx, card, balance)
	if err != nil {
		engine.logger.Error("session open failed", zap.String("card_id", card.String()), zap.Error(err))
		return
	}
	engine.tripActive.Store(snapshot.Status == session.TripStatusActive)
	engine.inbox.SetCard(card.String())
	engine.logger.Info("session opened", zap.String("card_id", card.String()), zap.String("status", snapshot.Status.String()))
}

func (engine *Engine) teardown(ctx context.Context) {
	engine.trips.SetDomainReady(false)
	engine.notices.SetDomainReady(false)
	cancelled := engine.scheduler.CancelAll()
	engine.sessions.End(ctx)
	engine.inbox.Reset()
	engine.tripActive.Store(false)
	engine.logger.Info("session ended", zap.Int("cancelled_closures", cancelled))
}

func (engine *Engine) applyGates(state lifecycle.State) {
	_, open := engine.sessions.Snapshot()
	engine.trips.SetGates(polling.Gates{
		Authenticated: state.Authenticated(),
		DomainReady:   open,
		Foreground:    state.Foreground,
	})
	engine.notices.SetGates(polling.Gates{
		Authenticated: state.Authenticated(),
		DomainReady:   engine.inbox.Card() != "",
		Foreground:    state.Foreground,
	})
}

func (engine *Engine) onStatusChange(change session.StatusChange) {
	// intermediate transitions are superseded by the last one in the batch
	engine.tripActive.Store(change.To == session.TripStatusActive)
	engine.trips.RefreshInterval()
	engine.publish(events.FromStatusChange(change))
}

func (engine *Engine) onClosureOutcome(outcome deadline.Outcome) {
	if event, ok := events.FromOutcome(outcome, engine.clock.Now()); ok {
		engine.publish(event)
	}
}

func (engine *Engine) publish(event events.TripEvent) {
	if engine.publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(engine.baseCtx, engine.cfg.CallTimeout)
	defer cancel()
	if err := engine.publisher.Publish(ctx, event); err != nil {
		engine.logger.Warn("event publish failed", zap.String("type", event.Type), zap.String("trip_id", event.TripID), zap.Error(err))
	}
}

func (engine *Engine) refreshTrip(ctx context.Context) error {
	_, err := engine.sessions.RefreshTripStatus(ctx)
	return err
}

func (engine *Engine) refreshInbox(ctx context.Context) error {
	_, err := engine.inbox.Refresh(ctx)
	return err
}

func (engine *Engine) tripInterval() time.Duration {
	if engine.tripActive.Load() {
		return engine.cfg.ActiveTripInterval
	}
	return engine.cfg.IdleTripInterval
}
