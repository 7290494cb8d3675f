package gormstore

import (
	"context"
	"time"

	"github.com/MarkoPoloResearchLab/tripsync/pkg/session"
)

type noTrips struct{}

func (noTrips) QueryOngoingTrip(context.Context, string) (*session.RemoteTrip, error) {
	return nil, nil
}

type okTaps struct{}

func (okTaps) TapIn(context.Context, session.CardID, session.BusReference) (session.TapResult, error) {
	return session.TapResult{}, nil
}

func (okTaps) TapOut(context.Context, session.CardID, session.BusReference, session.Amount) (session.TapResult, error) {
	return session.TapResult{}, nil
}

func fixedNow() time.Time {
	return time.Date(2026, time.October, 14, 8, 30, 0, 0, time.UTC)
}
