package session

import (
	"context"
	"time"
)

// RemoteTrip is an ongoing trip as reported by the trip status source.
type RemoteTrip struct {
	TripID    string
	TapInTime time.Time
	Location  *Coordinate
	Bus       string
}

// TripStatusSource reports the ongoing trip for a session. A nil trip with a
// nil error means no trip is open.
type TripStatusSource interface {
	QueryOngoingTrip(ctx context.Context, sessionID string) (*RemoteTrip, error)
}

// TapResult is the remote answer to a tap.
type TapResult struct {
	Balance Amount
	TripID  string
}

// TapSource performs remote tap-in and tap-out. Implementations report
// ErrCardNotFound and ErrInsufficientBalance for domain rejections.
type TapSource interface {
	TapIn(ctx context.Context, card CardID, bus BusReference) (TapResult, error)
	TapOut(ctx context.Context, card CardID, bus BusReference, fare Amount) (TapResult, error)
}

// RechargeSource credits a card remotely.
type RechargeSource interface {
	Recharge(ctx context.Context, card CardID, amount Amount) error
}

// KeyValueStore is the opaque persistence collaborator. Get reports found=false
// for missing keys.
type KeyValueStore interface {
	Put(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
}
