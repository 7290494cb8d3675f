package session

import (
	"encoding/json"
	"time"
)

type persistedSession struct {
	Card         string                 `json:"card_id"`
	Balance      Amount                 `json:"balance"`
	Status       string                 `json:"status"`
	Trip         *persistedTrip         `json:"trip,omitempty"`
	Transactions []persistedTransaction `json:"transactions"`
}

type persistedTrip struct {
	ID        string      `json:"trip_id"`
	TapInTime time.Time   `json:"tap_in_time"`
	Location  *Coordinate `json:"tap_in_location,omitempty"`
	Bus       string      `json:"bus"`
}

type persistedTransaction struct {
	ID           string    `json:"id"`
	Kind         string    `json:"kind"`
	Amount       Amount    `json:"amount"`
	BalanceAfter Amount    `json:"balance_after"`
	TripID       string    `json:"trip_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

func sessionKey(card CardID) string {
	return sessionKeyPrefix + card.String()
}

func encodeRecord(current *record) ([]byte, error) {
	payload := persistedSession{
		Card:         current.card.String(),
		Balance:      current.balance,
		Status:       current.status.String(),
		Transactions: make([]persistedTransaction, 0, len(current.transactions)),
	}
	if current.trip != nil {
		payload.Trip = &persistedTrip{
			ID:        current.trip.ID.String(),
			TapInTime: current.trip.TapInTime,
			Location:  current.trip.TapInLocation,
			Bus:       current.trip.Bus.String(),
		}
	}
	for _, transaction := range current.transactions {
		payload.Transactions = append(payload.Transactions, persistedTransaction{
			ID:           transaction.ID,
			Kind:         string(transaction.Kind),
			Amount:       transaction.Amount,
			BalanceAfter: transaction.BalanceAfter,
			TripID:       transaction.TripID.String(),
			CreatedAt:    transaction.CreatedAt,
		})
	}
	return json.Marshal(payload)
}

func decodeRecord(data []byte) (*record, error) {
	var payload persistedSession
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, err
	}
	card, err := NewCardID(payload.Card)
	if err != nil {
		return nil, err
	}
	status, err := ParseTripStatus(payload.Status)
	if err != nil {
		return nil, err
	}
	decoded := &record{card: card, balance: payload.Balance, status: status}
	if payload.Trip != nil {
		tripID, err := NewTripID(payload.Trip.ID)
		if err != nil {
			return nil, err
		}
		bus, err := NewBusReference(payload.Trip.Bus)
		if err != nil {
			return nil, err
		}
		decoded.trip = &Trip{ID: tripID, TapInTime: payload.Trip.TapInTime, TapInLocation: payload.Trip.Location, Bus: bus}
	}
	if (decoded.trip != nil) != (decoded.status == TripStatusActive) {
		return nil, ErrInvalidTripStatus
	}
	for _, stored := range payload.Transactions {
		var tripID TripID
		if stored.TripID != "" {
			tripID = TripID{value: stored.TripID}
		}
		decoded.transactions = append(decoded.transactions, Transaction{
			ID:           stored.ID,
			Kind:         TransactionKind(stored.Kind),
			Amount:       stored.Amount,
			BalanceAfter: stored.BalanceAfter,
			TripID:       tripID,
			CreatedAt:    stored.CreatedAt,
		})
	}
	return decoded, nil
}
