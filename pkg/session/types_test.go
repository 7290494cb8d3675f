package session

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestNewCardID(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		input   string
		wantErr error
		wantVal string
	}{
		{name: "valid", input: " card-123 ", wantVal: "card-123"},
		{name: "empty", input: "   ", wantErr: ErrInvalidCardID},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			result, err := NewCardID(tc.input)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("expected error %v, got %v", tc.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if result.String() != tc.wantVal {
				t.Fatalf("expected %q, got %q", tc.wantVal, result.String())
			}
		})
	}
}

func TestNewTripIDAndBusReference(t *testing.T) {
	t.Parallel()
	if _, err := NewTripID(""); !errors.Is(err, ErrInvalidTripID) {
		t.Fatalf("expected ErrInvalidTripID, got %v", err)
	}
	if _, err := NewBusReference("  "); !errors.Is(err, ErrInvalidBusReference) {
		t.Fatalf("expected ErrInvalidBusReference, got %v", err)
	}
	if !(TripID{}).IsZero() {
		t.Fatalf("expected zero trip id")
	}
}

func TestNewAmount(t *testing.T) {
	t.Parallel()
	amount, err := NewAmount(" -70.50 ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !amount.IsNegative() || amount.String() != "-70.5" {
		t.Fatalf("unexpected amount %s", amount)
	}
	if _, err := NewAmount("ten"); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if !AmountFromUnits(50).Sub(AmountFromUnits(120)).Equal(AmountFromUnits(-70)) {
		t.Fatalf("expected 50 - 120 = -70")
	}
}

func TestAmountJSON(t *testing.T) {
	t.Parallel()
	encoded, err := json.Marshal(AmountFromUnits(-100))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(encoded) != `"-100"` {
		t.Fatalf("expected quoted decimal, got %s", encoded)
	}
	var decoded Amount
	if err := json.Unmarshal([]byte(`12.25`), &decoded); err != nil {
		t.Fatalf("unmarshal bare number: %v", err)
	}
	if decoded.String() != "12.25" {
		t.Fatalf("expected 12.25, got %s", decoded)
	}
}

func TestParseTripStatus(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"idle", "active", "completed"} {
		status, err := ParseTripStatus(raw)
		if err != nil || status.String() != raw {
			t.Fatalf("expected %q to parse, got %q (%v)", raw, status, err)
		}
	}
	if _, err := ParseTripStatus("paused"); !errors.Is(err, ErrInvalidTripStatus) {
		t.Fatalf("expected ErrInvalidTripStatus, got %v", err)
	}
}

func TestDecodeRecordRejectsInconsistentTrip(t *testing.T) {
	t.Parallel()
	_, err := decodeRecord([]byte(`{"card_id":"card-1","balance":"5","status":"active","transactions":[]}`))
	if !errors.Is(err, ErrInvalidTripStatus) {
		t.Fatalf("expected active status without trip to be rejected, got %v", err)
	}
}
