package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// CardID identifies a payment card.
type CardID struct {
	value string
}

// TripID identifies a single tap-in to tap-out journey.
type TripID struct {
	value string
}

// BusReference identifies the vehicle a trip was started on.
type BusReference struct {
	value string
}

// NewCardID validates and normalizes a card id.
func NewCardID(raw string) (CardID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return CardID{}, fmt.Errorf("%w: empty value", ErrInvalidCardID)
	}
	return CardID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id CardID) String() string {
	return id.value
}

// NewTripID validates and normalizes a trip id.
func NewTripID(raw string) (TripID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return TripID{}, fmt.Errorf("%w: empty value", ErrInvalidTripID)
	}
	return TripID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id TripID) String() string {
	return id.value
}

// IsZero reports whether the id was never set.
func (id TripID) IsZero() bool {
	return id.value == ""
}

// NewBusReference validates and normalizes a bus reference.
func NewBusReference(raw string) (BusReference, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return BusReference{}, fmt.Errorf("%w: empty value", ErrInvalidBusReference)
	}
	return BusReference{value: trimmed}, nil
}

// String returns the normalized reference.
func (reference BusReference) String() string {
	return reference.value
}

// Amount is a signed decimal currency value.
type Amount struct {
	value decimal.Decimal
}

// NewAmount parses a decimal string such as "12.50" or "-70".
func NewAmount(raw string) (Amount, error) {
	parsed, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return Amount{}, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	return Amount{value: parsed}, nil
}

// AmountFromUnits builds an Amount from whole currency units.
func AmountFromUnits(units int64) Amount {
	return Amount{value: decimal.NewFromInt(units)}
}

// AmountFromDecimal wraps an existing decimal value.
func AmountFromDecimal(value decimal.Decimal) Amount {
	return Amount{value: value}
}

// Decimal exposes the underlying decimal value.
func (amount Amount) Decimal() decimal.Decimal {
	return amount.value
}

// Add returns amount + other.
func (amount Amount) Add(other Amount) Amount {
	return Amount{value: amount.value.Add(other.value)}
}

// Sub returns amount - other.
func (amount Amount) Sub(other Amount) Amount {
	return Amount{value: amount.value.Sub(other.value)}
}

// LessThan reports whether amount < other.
func (amount Amount) LessThan(other Amount) bool {
	return amount.value.LessThan(other.value)
}

// Equal reports numeric equality (scale-insensitive).
func (amount Amount) Equal(other Amount) bool {
	return amount.value.Equal(other.value)
}

// IsPositive reports whether amount > 0.
func (amount Amount) IsPositive() bool {
	return amount.value.IsPositive()
}

// IsNegative reports whether amount < 0.
func (amount Amount) IsNegative() bool {
	return amount.value.IsNegative()
}

// String renders the amount without trailing zeros.
func (amount Amount) String() string {
	return amount.value.String()
}

// MarshalJSON encodes the amount as a quoted decimal string.
func (amount Amount) MarshalJSON() ([]byte, error) {
	return amount.value.MarshalJSON()
}

// UnmarshalJSON accepts quoted or bare decimal numbers.
func (amount *Amount) UnmarshalJSON(data []byte) error {
	return amount.value.UnmarshalJSON(data)
}

// TripStatus defines the trip lifecycle of a session.
type TripStatus string

const (
	TripStatusIdle      TripStatus = "idle"
	TripStatusActive    TripStatus = "active"
	TripStatusCompleted TripStatus = "completed"
)

// ParseTripStatus validates a stored status value.
func ParseTripStatus(raw string) (TripStatus, error) {
	switch TripStatus(strings.TrimSpace(raw)) {
	case TripStatusIdle:
		return TripStatusIdle, nil
	case TripStatusActive:
		return TripStatusActive, nil
	case TripStatusCompleted:
		return TripStatusCompleted, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTripStatus, raw)
	}
}

// String returns the status literal.
func (status TripStatus) String() string {
	return string(status)
}

// Coordinate is a latitude/longitude pair.
type Coordinate struct {
	Latitude  float64
	Longitude float64
}

// Trip is the journey currently open on a session.
type Trip struct {
	ID            TripID
	TapInTime     time.Time
	TapInLocation *Coordinate
	Bus           BusReference
}

// TransactionKind enumerates balance movements.
type TransactionKind string

const (
	TransactionRecharge TransactionKind = "recharge"
	TransactionFare     TransactionKind = "fare"
	TransactionPenalty  TransactionKind = "penalty"
)

// Transaction records one committed balance movement.
type Transaction struct {
	ID           string
	Kind         TransactionKind
	Amount       Amount
	BalanceAfter Amount
	TripID       TripID
	CreatedAt    time.Time
}

// Snapshot is a point-in-time copy of the session.
type Snapshot struct {
	Card    CardID
	Balance Amount
	Status  TripStatus
	Trip    *Trip
}

// ChangeReason explains why a status transition happened.
type ChangeReason string

const (
	ReasonTapIn      ChangeReason = "tap_in"
	ReasonTapOut     ChangeReason = "tap_out"
	ReasonRemoteSync ChangeReason = "remote_sync"
	ReasonRestored   ChangeReason = "restored"
)

// StatusChange is emitted after every committed trip status transition.
type StatusChange struct {
	Card   CardID
	From   TripStatus
	To     TripStatus
	Trip   Trip
	Reason ChangeReason
	At     time.Time
}

// Listener receives status changes.
type Listener func(change StatusChange)
