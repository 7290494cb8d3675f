// Package events describes trip lifecycle events published to other services.
package events

import (
	"context"
	"time"

	"github.com/MarkoPoloResearchLab/tripsync/pkg/deadline"
	"github.com/MarkoPoloResearchLab/tripsync/pkg/session"
)

// Event types double as routing keys.
const (
	TypeTripActivated = "trip.activated"
	TypeTripCompleted = "trip.completed"
	TypeTripPenalized = "trip.penalized"
	TypeClosureFailed = "trip.closure_failed"
)

// TripEvent is the JSON payload published for each trip transition.
type TripEvent struct {
	Type       string    `json:"type"`
	CardID     string    `json:"card_id"`
	TripID     string    `json:"trip_id"`
	From       string    `json:"from,omitempty"`
	To         string    `json:"to,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Balance    string    `json:"balance,omitempty"`
	Error      string    `json:"error,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Publisher delivers events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, event TripEvent) error
}

// FromStatusChange maps a session transition to its event.
func FromStatusChange(change session.StatusChange) TripEvent {
	eventType := TypeTripCompleted
	if change.To == session.TripStatusActive {
		eventType = TypeTripActivated
	}
	return TripEvent{
		Type:       eventType,
		CardID:     change.Card.String(),
		TripID:     change.Trip.ID.String(),
		From:       change.From.String(),
		To:         change.To.String(),
		Reason:     string(change.Reason),
		OccurredAt: change.At.UTC(),
	}
}

// FromOutcome maps a fired closure to its event. Discarded closures produce
// no event.
func FromOutcome(outcome deadline.Outcome, at time.Time) (TripEvent, bool) {
	if outcome.Discarded {
		return TripEvent{}, false
	}
	event := TripEvent{
		Type:       TypeTripPenalized,
		CardID:     outcome.Closure.Card.String(),
		TripID:     outcome.Closure.TripID.String(),
		OccurredAt: at.UTC(),
	}
	if outcome.Err != nil {
		event.Type = TypeClosureFailed
		event.Error = outcome.Err.Error()
		return event, true
	}
	event.Balance = outcome.Balance.String()
	return event, true
}
