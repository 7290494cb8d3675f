// Package lifecycle carries host application signals: foreground state and the
// authenticated identity with its selected card.
package lifecycle

import (
	"strings"
	"sync"
)

// State is the combined lifecycle and identity signal.
type State struct {
	Foreground bool
	UserID     string
	CardID     string
}

// Authenticated reports whether a user is signed in.
func (state State) Authenticated() bool {
	return state.UserID != ""
}

// HasCard reports whether a card is selected.
func (state State) HasCard() bool {
	return state.CardID != ""
}

// Transition is emitted whenever State changes.
type Transition struct {
	Previous State
	Current  State
}

// BecameForeground reports a background to foreground edge.
func (transition Transition) BecameForeground() bool {
	return !transition.Previous.Foreground && transition.Current.Foreground
}

// IdentityChanged reports a change of user or card.
func (transition Transition) IdentityChanged() bool {
	return transition.Previous.UserID != transition.Current.UserID ||
		transition.Previous.CardID != transition.Current.CardID
}

// Subscriber receives transitions in emission order.
type Subscriber func(Transition)

// Hub fans State transitions out to subscribers. Subscribers run on the
// caller's goroutine after the hub lock is released; emission is serialized.
type Hub struct {
	mu          sync.Mutex
	emitMu      sync.Mutex
	state       State
	subscribers map[uint64]Subscriber
	next        uint64
}

// NewHub starts in the background with no identity.
func NewHub() *Hub {
	return &Hub{subscribers: make(map[uint64]Subscriber)}
}

// State returns the current state.
func (hub *Hub) State() State {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	return hub.state
}

// Subscribe registers subscriber and returns its unsubscribe func.
func (hub *Hub) Subscribe(subscriber Subscriber) func() {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	hub.next++
	id := hub.next
	hub.subscribers[id] = subscriber
	return func() {
		hub.mu.Lock()
		defer hub.mu.Unlock()
		delete(hub.subscribers, id)
	}
}

// SetForeground records whether the host app is visible.
func (hub *Hub) SetForeground(foreground bool) bool {
	return hub.update(func(state *State) { state.Foreground = foreground })
}

// SetIdentity records the signed-in user and the selected card.
func (hub *Hub) SetIdentity(userID string, cardID string) bool {
	userID = strings.TrimSpace(userID)
	cardID = strings.TrimSpace(cardID)
	if userID == "" {
		cardID = ""
	}
	return hub.update(func(state *State) {
		state.UserID = userID
		state.CardID = cardID
	})
}

// ClearIdentity signs the user out.
func (hub *Hub) ClearIdentity() bool {
	return hub.SetIdentity("", "")
}

func (hub *Hub) update(mutate func(*State)) bool {
	hub.emitMu.Lock()
	defer hub.emitMu.Unlock()

	hub.mu.Lock()
	previous := hub.state
	mutate(&hub.state)
	current := hub.state
	subscribers := make([]Subscriber, 0, len(hub.subscribers))
	for _, subscriber := range hub.subscribers {
		subscribers = append(subscribers, subscriber)
	}
	hub.mu.Unlock()

	if previous == current {
		return false
	}
	transition := Transition{Previous: previous, Current: current}
	for _, subscriber := range subscribers {
		subscriber(transition)
	}
	return true
}
