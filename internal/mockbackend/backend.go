// Package mockbackend is an in-memory stand-in for the transit backend: cards,
// balances, ongoing trips and notifications, with failure injection.
package mockbackend

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MarkoPoloResearchLab/tripsync/pkg/notifications"
	"github.com/MarkoPoloResearchLab/tripsync/pkg/session"
)

// Operation names accepted by FailNext.
const (
	OperationQueryTrip         = "query_trip"
	OperationTapIn             = "tap_in"
	OperationTapOut            = "tap_out"
	OperationRecharge          = "recharge"
	OperationListNotifications = "list_notifications"
	OperationMarkRead          = "mark_read"
)

// ErrInjected is the default injected failure.
var ErrInjected = errors.New("injected backend failure")

type card struct {
	balance session.Amount
	trip    *session.RemoteTrip
	inbox   []notifications.Notification
}

// Backend implements session.TripStatusSource, session.TapSource,
// session.RechargeSource and notifications.Source.
type Backend struct {
	mu       sync.Mutex
	now      func() time.Time
	newID    func() string
	minimum  session.Amount
	cards    map[string]*card
	failures map[string][]error
	calls    map[string]int
}

// Option configures a Backend.
type Option func(*Backend)

// WithClock sets the time source for trip timestamps.
func WithClock(now func() time.Time) Option {
	return func(backend *Backend) {
		if now != nil {
			backend.now = now
		}
	}
}

// WithMinimumBalance sets the balance a card needs to tap in.
func WithMinimumBalance(minimum session.Amount) Option {
	return func(backend *Backend) {
		backend.minimum = minimum
	}
}

// WithIDGenerator sets the trip and notification id source.
func WithIDGenerator(generator func() string) Option {
	return func(backend *Backend) {
		if generator != nil {
			backend.newID = generator
		}
	}
}

// New returns an empty backend.
func New(options ...Option) *Backend {
	backend := &Backend{
		now:      time.Now,
		newID:    uuid.NewString,
		cards:    make(map[string]*card),
		failures: make(map[string][]error),
		calls:    make(map[string]int),
	}
	for _, option := range options {
		if option != nil {
			option(backend)
		}
	}
	return backend
}

// AddCard registers a card with balance. Registering an existing card resets it.
func (backend *Backend) AddCard(cardID string, balance session.Amount) {
	backend.mu.Lock()
	defer backend.mu.Unlock()
	backend.cards[cardID] = &card{balance: balance}
}

// Balance reports the server-side balance.
func (backend *Backend) Balance(cardID string) (session.Amount, bool) {
	backend.mu.Lock()
	defer backend.mu.Unlock()
	entry, ok := backend.cards[cardID]
	if !ok {
		return session.Amount{}, false
	}
	return entry.balance, true
}

// CardBalance answers the balance a session opens with.
func (backend *Backend) CardBalance(ctx context.Context, cardID string) (session.Amount, error) {
	if err := ctx.Err(); err != nil {
		return session.Amount{}, err
	}
	balance, ok := backend.Balance(cardID)
	if !ok {
		return session.Amount{}, session.ErrCardNotFound
	}
	return balance, nil
}

// OngoingTrip reports the server-side open trip.
func (backend *Backend) OngoingTrip(cardID string) (session.RemoteTrip, bool) {
	backend.mu.Lock()
	defer backend.mu.Unlock()
	entry, ok := backend.cards[cardID]
	if !ok || entry.trip == nil {
		return session.RemoteTrip{}, false
	}
	return *entry.trip, true
}

// OpenTrip starts a trip server-side, as if tapped on another device.
func (backend *Backend) OpenTrip(cardID string, bus string) (session.RemoteTrip, error) {
	backend.mu.Lock()
	defer backend.mu.Unlock()
	entry, ok := backend.cards[cardID]
	if !ok {
		return session.RemoteTrip{}, session.ErrCardNotFound
	}
	entry.trip = &session.RemoteTrip{TripID: backend.newID(), TapInTime: backend.now(), Bus: bus}
	return *entry.trip, nil
}

// CloseTripServerSide ends the open trip without the client, charging fare.
func (backend *Backend) CloseTripServerSide(cardID string, fare session.Amount) bool {
	backend.mu.Lock()
	defer backend.mu.Unlock()
	entry, ok := backend.cards[cardID]
	if !ok || entry.trip == nil {
		return false
	}
	entry.trip = nil
	entry.balance = entry.balance.Sub(fare)
	return true
}

// PushNotification delivers an unread notification to a card.
func (backend *Backend) PushNotification(cardID string, title string, body string) (string, error) {
	backend.mu.Lock()
	defer backend.mu.Unlock()
	entry, ok := backend.cards[cardID]
	if !ok {
		return "", session.ErrCardNotFound
	}
	notification := notifications.Notification{ID: backend.newID(), Title: title, Body: body, CreatedAt: backend.now()}
	entry.inbox = append(entry.inbox, notification)
	return notification.ID, nil
}

// FailNext makes the next call of operation return err, or ErrInjected when
// err is nil. Calls queue up.
func (backend *Backend) FailNext(operation string, err error) {
	if err == nil {
		err = ErrInjected
	}
	backend.mu.Lock()
	defer backend.mu.Unlock()
	backend.failures[operation] = append(backend.failures[operation], err)
}

// Calls reports how many times operation was invoked.
func (backend *Backend) Calls(operation string) int {
	backend.mu.Lock()
	defer backend.mu.Unlock()
	return backend.calls[operation]
}

// QueryOngoingTrip reports the ongoing trip of the card named by sessionID.
func (backend *Backend) QueryOngoingTrip(ctx context.Context, sessionID string) (*session.RemoteTrip, error) {
	backend.mu.Lock()
	defer backend.mu.Unlock()
	if err := backend.enterLocked(ctx, OperationQueryTrip); err != nil {
		return nil, err
	}
	entry, ok := backend.cards[sessionID]
	if !ok {
		return nil, session.ErrCardNotFound
	}
	if entry.trip == nil {
		return nil, nil
	}
	trip := *entry.trip
	return &trip, nil
}

// TapIn opens a trip. It does not charge.
func (backend *Backend) TapIn(ctx context.Context, cardID session.CardID, bus session.BusReference) (session.TapResult, error) {
	backend.mu.Lock()
	defer backend.mu.Unlock()
	if err := backend.enterLocked(ctx, OperationTapIn); err != nil {
		return session.TapResult{}, err
	}
	entry, ok := backend.cards[cardID.String()]
	if !ok {
		return session.TapResult{}, session.ErrCardNotFound
	}
	if entry.balance.LessThan(backend.minimum) {
		return session.TapResult{}, fmt.Errorf("%w: balance %s", session.ErrInsufficientBalance, entry.balance.String())
	}
	entry.trip = &session.RemoteTrip{TripID: backend.newID(), TapInTime: backend.now(), Bus: bus.String()}
	return session.TapResult{Balance: entry.balance, TripID: entry.trip.TripID}, nil
}

// TapOut closes the trip and charges fare.
func (backend *Backend) TapOut(ctx context.Context, cardID session.CardID, _ session.BusReference, fare session.Amount) (session.TapResult, error) {
	backend.mu.Lock()
	defer backend.mu.Unlock()
	if err := backend.enterLocked(ctx, OperationTapOut); err != nil {
		return session.TapResult{}, err
	}
	entry, ok := backend.cards[cardID.String()]
	if !ok {
		return session.TapResult{}, session.ErrCardNotFound
	}
	tripID := ""
	if entry.trip != nil {
		tripID = entry.trip.TripID
	}
	entry.trip = nil
	entry.balance = entry.balance.Sub(fare)
	return session.TapResult{Balance: entry.balance, TripID: tripID}, nil
}

// Recharge credits amount.
func (backend *Backend) Recharge(ctx context.Context, cardID session.CardID, amount session.Amount) error {
	backend.mu.Lock()
	defer backend.mu.Unlock()
	if err := backend.enterLocked(ctx, OperationRecharge); err != nil {
		return err
	}
	entry, ok := backend.cards[cardID.String()]
	if !ok {
		return session.ErrCardNotFound
	}
	entry.balance = entry.balance.Add(amount)
	return nil
}

// ListNotifications returns one page of a card's notifications, newest first.
func (backend *Backend) ListNotifications(ctx context.Context, cardID string, page int, pageSize int) ([]notifications.Notification, error) {
	backend.mu.Lock()
	defer backend.mu.Unlock()
	if err := backend.enterLocked(ctx, OperationListNotifications); err != nil {
		return nil, err
	}
	entry, ok := backend.cards[cardID]
	if !ok {
		return nil, session.ErrCardNotFound
	}
	ordered := append([]notifications.Notification(nil), entry.inbox...)
	sort.SliceStable(ordered, func(left, right int) bool {
		return ordered[left].CreatedAt.After(ordered[right].CreatedAt)
	})
	start := page * pageSize
	if page < 0 || pageSize <= 0 || start >= len(ordered) {
		return nil, nil
	}
	end := start + pageSize
	if end > len(ordered) {
		end = len(ordered)
	}
	return ordered[start:end], nil
}

// MarkRead acknowledges a notification on whichever card holds it.
func (backend *Backend) MarkRead(ctx context.Context, notificationID string) error {
	backend.mu.Lock()
	defer backend.mu.Unlock()
	if err := backend.enterLocked(ctx, OperationMarkRead); err != nil {
		return err
	}
	for _, entry := range backend.cards {
		for index := range entry.inbox {
			if entry.inbox[index].ID == notificationID {
				entry.inbox[index].Read = true
				return nil
			}
		}
	}
	return notifications.ErrNotificationNotFound
}

func (backend *Backend) enterLocked(ctx context.Context, operation string) error {
	backend.calls[operation]++
	if err := ctx.Err(); err != nil {
		return err
	}
	queued := backend.failures[operation]
	if len(queued) == 0 {
		return nil
	}
	backend.failures[operation] = queued[1:]
	return queued[0]
}
