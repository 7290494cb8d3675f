package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

const (
	cardValue        = "card-1"
	otherCardValue   = "card-2"
	busValue         = "bus-42"
	remoteTripValue  = "remote-trip-1"
	errorMismatchMsg = "expected %v, got %v"
)

var (
	fixedNow           = time.Date(2026, time.October, 14, 8, 30, 0, 0, time.UTC)
	errRemoteTransient = errors.New("network timeout")
)

func TestTapInOpensTripWithoutDeduction(test *testing.T) {
	test.Parallel()
	service, taps, _ := newTestService(test, 50)
	card := mustCardID(test, cardValue)

	balance, err := service.TapIn(context.Background(), card, mustBus(test, busValue), WithTapInLocation(Coordinate{Latitude: -6.8, Longitude: 39.28}))
	if err != nil {
		test.Fatalf("tap in: %v", err)
	}
	if !balance.Equal(AmountFromUnits(50)) {
		test.Fatalf("expected unchanged balance 50, got %s", balance)
	}
	snapshot := mustSnapshot(test, service)
	if snapshot.Status != TripStatusActive || snapshot.Trip == nil {
		test.Fatalf("expected active trip, got %+v", snapshot)
	}
	if snapshot.Trip.TapInLocation == nil || snapshot.Trip.TapInLocation.Latitude != -6.8 {
		test.Fatalf("expected tap-in location to be kept, got %+v", snapshot.Trip.TapInLocation)
	}
	if !snapshot.Trip.TapInTime.Equal(fixedNow) {
		test.Fatalf("expected tap-in time %v, got %v", fixedNow, snapshot.Trip.TapInTime)
	}
	if taps.tapInCalls() != 1 {
		test.Fatalf("expected one remote tap in, got %d", taps.tapInCalls())
	}
}

func TestTapInTwiceRejectsSecond(test *testing.T) {
	test.Parallel()
	service, _, _ := newTestService(test, 50)
	card := mustCardID(test, cardValue)
	bus := mustBus(test, busValue)

	if _, err := service.TapIn(context.Background(), card, bus); err != nil {
		test.Fatalf("first tap in: %v", err)
	}
	firstTrip, _ := service.ActiveTrip()
	_, err := service.TapIn(context.Background(), card, bus)
	if !errors.Is(err, ErrInvalidState) {
		test.Fatalf(errorMismatchMsg, ErrInvalidState, err)
	}
	secondTrip, _ := service.ActiveTrip()
	if firstTrip.ID != secondTrip.ID {
		test.Fatalf("expected trip %s to stay open, got %s", firstTrip.ID, secondTrip.ID)
	}
}

func TestTapInRejectsInvalidCards(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name      string
		card      string
		remoteErr error
		wantErrs  []error
	}{
		{name: "card is not the active card", card: otherCardValue, wantErrs: []error{ErrInvalidCard}},
		{name: "remote reports unknown card", card: cardValue, remoteErr: ErrCardNotFound, wantErrs: []error{ErrInvalidCard, ErrCardNotFound}},
		{name: "remote reports insufficient balance", card: cardValue, remoteErr: ErrInsufficientBalance, wantErrs: []error{ErrInsufficientBalance}},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			service, taps, _ := newTestService(test, 50)
			taps.tapInErr = testCase.remoteErr
			_, err := service.TapIn(context.Background(), mustCardID(test, testCase.card), mustBus(test, busValue))
			for _, wantErr := range testCase.wantErrs {
				if !errors.Is(err, wantErr) {
					test.Fatalf(errorMismatchMsg, wantErr, err)
				}
			}
			if snapshot := mustSnapshot(test, service); snapshot.Status != TripStatusIdle {
				test.Fatalf("expected idle session, got %s", snapshot.Status)
			}
		})
	}
}

func TestTapInInsufficientBalance(test *testing.T) {
	test.Parallel()
	service, taps, _ := newTestService(test, -10)
	_, err := service.TapIn(context.Background(), mustCardID(test, cardValue), mustBus(test, busValue))
	if !errors.Is(err, ErrInsufficientBalance) {
		test.Fatalf(errorMismatchMsg, ErrInsufficientBalance, err)
	}
	if taps.tapInCalls() != 0 {
		test.Fatalf("expected no remote call, got %d", taps.tapInCalls())
	}
}

func TestTapOutAppliesOverdraftFloor(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name        string
		fare        int64
		wantErr     error
		wantBalance int64
		wantStatus  TripStatus
	}{
		{name: "fare within overdraft", fare: 120, wantBalance: -70, wantStatus: TripStatusCompleted},
		{name: "fare exactly at floor", fare: 150, wantBalance: -100, wantStatus: TripStatusCompleted},
		{name: "fare beyond overdraft", fare: 200, wantErr: ErrPaymentRejected, wantBalance: 50, wantStatus: TripStatusActive},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			service, _, _ := newTestService(test, 50)
			card := mustCardID(test, cardValue)
			if _, err := service.TapIn(context.Background(), card, mustBus(test, busValue)); err != nil {
				test.Fatalf("tap in: %v", err)
			}
			balance, err := service.TapOut(context.Background(), card, AmountFromUnits(testCase.fare))
			if testCase.wantErr != nil {
				if !errors.Is(err, testCase.wantErr) {
					test.Fatalf(errorMismatchMsg, testCase.wantErr, err)
				}
			} else {
				if err != nil {
					test.Fatalf("tap out: %v", err)
				}
				if !balance.Equal(AmountFromUnits(testCase.wantBalance)) {
					test.Fatalf("expected returned balance %d, got %s", testCase.wantBalance, balance)
				}
			}
			snapshot := mustSnapshot(test, service)
			if !snapshot.Balance.Equal(AmountFromUnits(testCase.wantBalance)) {
				test.Fatalf("expected balance %d, got %s", testCase.wantBalance, snapshot.Balance)
			}
			if snapshot.Status != testCase.wantStatus {
				test.Fatalf("expected status %s, got %s", testCase.wantStatus, snapshot.Status)
			}
			if (snapshot.Trip != nil) != (snapshot.Status == TripStatusActive) {
				test.Fatalf("trip presence must match active status: %+v", snapshot)
			}
		})
	}
}

func TestTapOutWithoutActiveTrip(test *testing.T) {
	test.Parallel()
	service, taps, _ := newTestService(test, 50)
	_, err := service.TapOut(context.Background(), mustCardID(test, cardValue), AmountFromUnits(10))
	if !errors.Is(err, ErrInvalidState) {
		test.Fatalf(errorMismatchMsg, ErrInvalidState, err)
	}
	if taps.tapOutCalls() != 0 {
		test.Fatalf("expected no remote tap out, got %d", taps.tapOutCalls())
	}
}

func TestTapOutRejectsNegativeFare(test *testing.T) {
	test.Parallel()
	service, _, _ := newTestService(test, 50)
	_, err := service.TapOut(context.Background(), mustCardID(test, cardValue), AmountFromUnits(-1))
	if !errors.Is(err, ErrInvalidAmount) {
		test.Fatalf(errorMismatchMsg, ErrInvalidAmount, err)
	}
}

func TestTapOutRemoteFailureLeavesSessionUntouched(test *testing.T) {
	test.Parallel()
	service, taps, _ := newTestService(test, 50)
	card := mustCardID(test, cardValue)
	if _, err := service.TapIn(context.Background(), card, mustBus(test, busValue)); err != nil {
		test.Fatalf("tap in: %v", err)
	}
	taps.tapOutErr = errRemoteTransient

	_, err := service.TapOut(context.Background(), card, AmountFromUnits(20))
	if !errors.Is(err, errRemoteTransient) {
		test.Fatalf(errorMismatchMsg, errRemoteTransient, err)
	}
	var operationError OperationError
	if !errors.As(err, &operationError) || operationError.Code() != errorCodeUnavailable {
		test.Fatalf("expected unavailable operation error, got %v", err)
	}
	snapshot := mustSnapshot(test, service)
	if snapshot.Status != TripStatusActive || !snapshot.Balance.Equal(AmountFromUnits(50)) {
		test.Fatalf("expected untouched active session, got %+v", snapshot)
	}
	if len(service.Transactions()) != 0 {
		test.Fatalf("expected no transactions, got %d", len(service.Transactions()))
	}
}

func TestConcurrentTapOutDeductsOnce(test *testing.T) {
	test.Parallel()
	service, taps, _ := newTestService(test, 100)
	card := mustCardID(test, cardValue)
	if _, err := service.TapIn(context.Background(), card, mustBus(test, busValue)); err != nil {
		test.Fatalf("tap in: %v", err)
	}
	taps.tapOutDelay = 5 * time.Millisecond

	const callers = 16
	var waitGroup sync.WaitGroup
	results := make(chan error, callers)
	for index := 0; index < callers; index++ {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			_, err := service.TapOut(context.Background(), card, AmountFromUnits(30))
			results <- err
		}()
	}
	waitGroup.Wait()
	close(results)

	successes := 0
	for err := range results {
		if err == nil {
			successes++
			continue
		}
		if !errors.Is(err, ErrInvalidState) {
			test.Fatalf("unexpected error: %v", err)
		}
	}
	if successes != 1 {
		test.Fatalf("expected exactly one successful tap out, got %d", successes)
	}
	if taps.tapOutCalls() != 1 {
		test.Fatalf("expected one remote tap out, got %d", taps.tapOutCalls())
	}
	snapshot := mustSnapshot(test, service)
	if !snapshot.Balance.Equal(AmountFromUnits(70)) {
		test.Fatalf("expected balance 70 after a single deduction, got %s", snapshot.Balance)
	}
}

func TestCloseTripRequiresMatchingTrip(test *testing.T) {
	test.Parallel()
	service, _, _ := newTestService(test, 200)
	card := mustCardID(test, cardValue)
	if _, err := service.TapIn(context.Background(), card, mustBus(test, busValue)); err != nil {
		test.Fatalf("tap in: %v", err)
	}
	_, err := service.CloseTrip(context.Background(), card, mustTripID(test, "stale-trip"), AmountFromUnits(100), TransactionPenalty)
	if !errors.Is(err, ErrInvalidState) {
		test.Fatalf(errorMismatchMsg, ErrInvalidState, err)
	}
	trip, _ := service.ActiveTrip()
	balance, err := service.CloseTrip(context.Background(), card, trip.ID, AmountFromUnits(100), TransactionPenalty)
	if err != nil {
		test.Fatalf("close trip: %v", err)
	}
	if !balance.Equal(AmountFromUnits(100)) {
		test.Fatalf("expected balance 100, got %s", balance)
	}
	transactions := service.Transactions()
	if len(transactions) != 1 || transactions[0].Kind != TransactionPenalty || transactions[0].TripID != trip.ID {
		test.Fatalf("expected one penalty transaction for %s, got %+v", trip.ID, transactions)
	}
}

func TestRechargeRejectsNonPositiveAmounts(test *testing.T) {
	test.Parallel()
	for _, raw := range []string{"0", "-5", "-0.01"} {
		raw := raw
		test.Run(raw, func(test *testing.T) {
			test.Parallel()
			service, _, values := newTestService(test, 50)
			_, err := service.Recharge(context.Background(), mustCardID(test, cardValue), mustAmount(test, raw))
			if !errors.Is(err, ErrInvalidAmount) {
				test.Fatalf(errorMismatchMsg, ErrInvalidAmount, err)
			}
			if snapshot := mustSnapshot(test, service); !snapshot.Balance.Equal(AmountFromUnits(50)) {
				test.Fatalf("expected unchanged balance, got %s", snapshot.Balance)
			}
			if len(service.Transactions()) != 0 || values.puts() != 0 {
				test.Fatalf("expected no recorded state change")
			}
		})
	}
}

func TestRechargeAddsBalanceDuringTrip(test *testing.T) {
	test.Parallel()
	service, _, values := newTestService(test, 50)
	card := mustCardID(test, cardValue)
	if _, err := service.TapIn(context.Background(), card, mustBus(test, busValue)); err != nil {
		test.Fatalf("tap in: %v", err)
	}
	balance, err := service.Recharge(context.Background(), card, mustAmount(test, "12.50"))
	if err != nil {
		test.Fatalf("recharge: %v", err)
	}
	if !balance.Equal(mustAmount(test, "62.5")) {
		test.Fatalf("expected balance 62.5, got %s", balance)
	}
	transactions := service.Transactions()
	if len(transactions) != 1 || transactions[0].Kind != TransactionRecharge {
		test.Fatalf("expected recharge transaction, got %+v", transactions)
	}
	if snapshot := mustSnapshot(test, service); snapshot.Status != TripStatusActive {
		test.Fatalf("recharge must not touch trip status, got %s", snapshot.Status)
	}
	if values.puts() != 2 {
		test.Fatalf("expected two persisted snapshots, got %d", values.puts())
	}
}

func TestRefreshTripStatusReconciles(test *testing.T) {
	test.Parallel()
	service, _, _ := newTestService(test, 50)
	trips := service.trips.(*stubTrips)
	var changes []StatusChange
	service.Subscribe(func(change StatusChange) { changes = append(changes, change) })

	trips.setRemote(&RemoteTrip{TripID: remoteTripValue, Bus: busValue})
	snapshot, err := service.RefreshTripStatus(context.Background())
	if err != nil {
		test.Fatalf("refresh: %v", err)
	}
	if snapshot.Status != TripStatusActive || snapshot.Trip.ID.String() != remoteTripValue {
		test.Fatalf("expected remote trip to activate, got %+v", snapshot)
	}

	if _, err := service.RefreshTripStatus(context.Background()); err != nil {
		test.Fatalf("second refresh: %v", err)
	}
	if len(changes) != 1 {
		test.Fatalf("expected agreeing states to be a no-op, got %d changes", len(changes))
	}

	trips.setRemote(nil)
	snapshot, err = service.RefreshTripStatus(context.Background())
	if err != nil {
		test.Fatalf("third refresh: %v", err)
	}
	if snapshot.Status != TripStatusCompleted || snapshot.Trip != nil {
		test.Fatalf("expected trip completed elsewhere, got %+v", snapshot)
	}
	if len(changes) != 2 || changes[1].From != TripStatusActive || changes[1].To != TripStatusCompleted || changes[1].Reason != ReasonRemoteSync {
		test.Fatalf("unexpected change sequence: %+v", changes)
	}
	if !snapshot.Balance.Equal(AmountFromUnits(50)) {
		test.Fatalf("remote completion must not change balance, got %s", snapshot.Balance)
	}
}

func TestRefreshTripStatusReportsTransientFailure(test *testing.T) {
	test.Parallel()
	service, _, _ := newTestService(test, 50)
	service.trips.(*stubTrips).setError(errRemoteTransient)
	_, err := service.RefreshTripStatus(context.Background())
	if !errors.Is(err, errRemoteTransient) {
		test.Fatalf(errorMismatchMsg, errRemoteTransient, err)
	}
	if snapshot := mustSnapshot(test, service); snapshot.Status != TripStatusIdle {
		test.Fatalf("expected idle session, got %s", snapshot.Status)
	}
}

func TestRefreshTripStatusDiscardsStaleAnswer(test *testing.T) {
	test.Parallel()
	service, _, _ := newTestService(test, 50)
	trips := service.trips.(*stubTrips)
	release := trips.block()
	card := mustCardID(test, cardValue)

	done := make(chan Snapshot, 1)
	go func() {
		snapshot, err := service.RefreshTripStatus(context.Background())
		if err != nil {
			test.Errorf("refresh: %v", err)
		}
		done <- snapshot
	}()
	trips.waitEntered(test)
	if _, err := service.TapIn(context.Background(), card, mustBus(test, busValue)); err != nil {
		test.Fatalf("tap in: %v", err)
	}
	close(release)
	snapshot := <-done
	if snapshot.Status != TripStatusActive {
		test.Fatalf("expected local tap in to win over stale remote answer, got %s", snapshot.Status)
	}
	if trip, ok := service.ActiveTrip(); !ok || trip.Bus.String() != busValue {
		test.Fatalf("expected local trip to remain open")
	}
}

func TestRefreshTripStatusCollapsesConcurrentCallers(test *testing.T) {
	test.Parallel()
	service, _, _ := newTestService(test, 50)
	trips := service.trips.(*stubTrips)
	trips.setRemote(&RemoteTrip{TripID: remoteTripValue, Bus: busValue})
	release := trips.block()

	var changesMu sync.Mutex
	changes := 0
	service.Subscribe(func(StatusChange) {
		changesMu.Lock()
		changes++
		changesMu.Unlock()
	})

	const callers = 8
	var waitGroup sync.WaitGroup
	snapshots := make(chan Snapshot, callers)
	for index := 0; index < callers; index++ {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			snapshot, err := service.RefreshTripStatus(context.Background())
			if err != nil {
				test.Errorf("refresh: %v", err)
			}
			snapshots <- snapshot
		}()
	}
	trips.waitEntered(test)
	time.Sleep(20 * time.Millisecond)
	close(release)
	waitGroup.Wait()
	close(snapshots)

	for snapshot := range snapshots {
		if snapshot.Status != TripStatusActive || snapshot.Trip == nil || snapshot.Trip.ID.String() != remoteTripValue {
			test.Fatalf("expected every caller to observe the remote trip, got %+v", snapshot)
		}
	}
	changesMu.Lock()
	defer changesMu.Unlock()
	if changes != 1 {
		test.Fatalf("expected a single effective update, got %d", changes)
	}
}

func TestRefreshTripStatusReplacesDifferentRemoteTrip(test *testing.T) {
	test.Parallel()
	service, _, _ := newTestService(test, 50)
	card := mustCardID(test, cardValue)
	if _, err := service.TapIn(context.Background(), card, mustBus(test, busValue)); err != nil {
		test.Fatalf("tap in: %v", err)
	}
	var changes []StatusChange
	service.Subscribe(func(change StatusChange) { changes = append(changes, change) })
	service.trips.(*stubTrips).setRemote(&RemoteTrip{TripID: remoteTripValue, Bus: "bus-7"})

	snapshot, err := service.RefreshTripStatus(context.Background())
	if err != nil {
		test.Fatalf("refresh: %v", err)
	}
	if snapshot.Trip == nil || snapshot.Trip.ID.String() != remoteTripValue {
		test.Fatalf("expected remote trip, got %+v", snapshot.Trip)
	}
	if len(changes) != 2 || changes[0].To != TripStatusCompleted || changes[1].To != TripStatusActive {
		test.Fatalf("expected completion then activation, got %+v", changes)
	}
}

func TestRefreshTripStatusKeepsTripWithoutRemoteID(test *testing.T) {
	test.Parallel()
	service, _, _ := newTestService(test, 50)
	var changes []StatusChange
	service.Subscribe(func(change StatusChange) { changes = append(changes, change) })
	service.trips.(*stubTrips).setRemote(&RemoteTrip{TripID: " ", Bus: busValue})

	var firstID TripID
	for attempt := 0; attempt < 3; attempt++ {
		snapshot, err := service.RefreshTripStatus(context.Background())
		if err != nil {
			test.Fatalf("refresh %d: %v", attempt, err)
		}
		if snapshot.Status != TripStatusActive || snapshot.Trip == nil {
			test.Fatalf("refresh %d: expected active trip, got %+v", attempt, snapshot)
		}
		if attempt == 0 {
			firstID = snapshot.Trip.ID
		} else if snapshot.Trip.ID != firstID {
			test.Fatalf("refresh %d: trip id moved from %s to %s", attempt, firstID, snapshot.Trip.ID)
		}
	}
	if len(changes) != 1 || changes[0].From != TripStatusIdle || changes[0].To != TripStatusActive {
		test.Fatalf("expected a single activation, got %+v", changes)
	}
}

func TestRefreshTripStatusUnnamedRemoteTripKeepsLocalTrip(test *testing.T) {
	test.Parallel()
	service, _, _ := newTestService(test, 50)
	card := mustCardID(test, cardValue)
	if _, err := service.TapIn(context.Background(), card, mustBus(test, busValue)); err != nil {
		test.Fatalf("tap in: %v", err)
	}
	local, _ := service.ActiveTrip()
	var changes []StatusChange
	service.Subscribe(func(change StatusChange) { changes = append(changes, change) })
	service.trips.(*stubTrips).setRemote(&RemoteTrip{Bus: "bus-7"})

	snapshot, err := service.RefreshTripStatus(context.Background())
	if err != nil {
		test.Fatalf("refresh: %v", err)
	}
	if snapshot.Trip == nil || snapshot.Trip.ID != local.ID || snapshot.Trip.Bus.String() != busValue {
		test.Fatalf("expected local trip to stand, got %+v", snapshot.Trip)
	}
	if len(changes) != 0 {
		test.Fatalf("expected no status changes, got %+v", changes)
	}
}

func TestRefreshTripStatusSurvivesCancelledCaller(test *testing.T) {
	test.Parallel()
	service, _, _ := newTestService(test, 50)
	trips := service.trips.(*stubTrips)
	trips.setRemote(&RemoteTrip{TripID: remoteTripValue, Bus: busValue})
	release := trips.block()

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstDone := make(chan error, 1)
	go func() {
		_, err := service.RefreshTripStatus(firstCtx)
		firstDone <- err
	}()
	trips.waitEntered(test)

	type outcome struct {
		snapshot Snapshot
		err      error
	}
	secondDone := make(chan outcome, 1)
	go func() {
		snapshot, err := service.RefreshTripStatus(context.Background())
		secondDone <- outcome{snapshot: snapshot, err: err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancelFirst()
	select {
	case err := <-firstDone:
		if !errors.Is(err, context.Canceled) {
			test.Fatalf(errorMismatchMsg, context.Canceled, err)
		}
	case <-time.After(2 * time.Second):
		test.Fatalf("cancelled caller kept waiting")
	}

	close(release)
	select {
	case result := <-secondDone:
		if result.err != nil {
			test.Fatalf("second caller: %v", result.err)
		}
		if result.snapshot.Trip == nil || result.snapshot.Trip.ID.String() != remoteTripValue {
			test.Fatalf("expected remote trip, got %+v", result.snapshot)
		}
	case <-time.After(2 * time.Second):
		test.Fatalf("second caller never returned")
	}

	trips.mu.Lock()
	calls := trips.calls
	trips.mu.Unlock()
	if calls != 1 {
		test.Fatalf("expected one shared query, got %d", calls)
	}
}

func TestOpenRestoresPersistedSnapshot(test *testing.T) {
	test.Parallel()
	values := newMemoryValues()
	first := mustService(test, newStubTrips(), newStubTaps(), WithKeyValueStore(values), WithIDGenerator(sequentialIDs()))
	card := mustCardID(test, cardValue)
	if _, err := first.Open(context.Background(), card, AmountFromUnits(80)); err != nil {
		test.Fatalf("open: %v", err)
	}
	if _, err := first.TapIn(context.Background(), card, mustBus(test, busValue)); err != nil {
		test.Fatalf("tap in: %v", err)
	}
	if _, err := first.Recharge(context.Background(), card, AmountFromUnits(20)); err != nil {
		test.Fatalf("recharge: %v", err)
	}

	second := mustService(test, newStubTrips(), newStubTaps(), WithKeyValueStore(values))
	var restoredChanges []StatusChange
	second.Subscribe(func(change StatusChange) { restoredChanges = append(restoredChanges, change) })
	snapshot, err := second.Open(context.Background(), card, AmountFromUnits(0))
	if err != nil {
		test.Fatalf("reopen: %v", err)
	}
	if !snapshot.Balance.Equal(AmountFromUnits(100)) {
		test.Fatalf("expected restored balance 100, got %s", snapshot.Balance)
	}
	if snapshot.Status != TripStatusActive || snapshot.Trip == nil || snapshot.Trip.ID.String() != "id-1" {
		test.Fatalf("expected restored active trip id-1, got %+v", snapshot)
	}
	if len(second.Transactions()) != 1 {
		test.Fatalf("expected restored transaction history, got %d", len(second.Transactions()))
	}
	if len(restoredChanges) != 1 || restoredChanges[0].Reason != ReasonRestored {
		test.Fatalf("expected restored activation event, got %+v", restoredChanges)
	}
}

func TestOpenRejectsSecondCard(test *testing.T) {
	test.Parallel()
	service, _, _ := newTestService(test, 10)
	_, err := service.Open(context.Background(), mustCardID(test, otherCardValue), AmountFromUnits(0))
	if !errors.Is(err, ErrInvalidState) {
		test.Fatalf(errorMismatchMsg, ErrInvalidState, err)
	}
	service.End(context.Background())
	if _, ok := service.Snapshot(); ok {
		test.Fatalf("expected no session after end")
	}
	_, err = service.TapIn(context.Background(), mustCardID(test, cardValue), mustBus(test, busValue))
	if !errors.Is(err, ErrInvalidCard) {
		test.Fatalf(errorMismatchMsg, ErrInvalidCard, err)
	}
}

func TestSubscribeDeliversAndUnsubscribes(test *testing.T) {
	test.Parallel()
	service, _, _ := newTestService(test, 50)
	card := mustCardID(test, cardValue)
	var received []StatusChange
	unsubscribe := service.Subscribe(func(change StatusChange) { received = append(received, change) })

	if _, err := service.TapIn(context.Background(), card, mustBus(test, busValue)); err != nil {
		test.Fatalf("tap in: %v", err)
	}
	if _, err := service.TapOut(context.Background(), card, AmountFromUnits(5)); err != nil {
		test.Fatalf("tap out: %v", err)
	}
	unsubscribe()
	if _, err := service.TapIn(context.Background(), card, mustBus(test, busValue)); err != nil {
		test.Fatalf("second tap in: %v", err)
	}
	if len(received) != 2 {
		test.Fatalf("expected 2 changes before unsubscribe, got %d", len(received))
	}
	if received[0].Reason != ReasonTapIn || received[1].Reason != ReasonTapOut || received[0].Trip.ID != received[1].Trip.ID {
		test.Fatalf("unexpected changes: %+v", received)
	}
	if received[1].From != TripStatusActive || received[1].To != TripStatusCompleted {
		test.Fatalf("unexpected tap out transition: %+v", received[1])
	}
}

func TestListenerMayCallBackIntoService(test *testing.T) {
	test.Parallel()
	service, _, _ := newTestService(test, 50)
	card := mustCardID(test, cardValue)
	service.Subscribe(func(change StatusChange) {
		if change.To == TripStatusActive {
			if _, err := service.CloseTrip(context.Background(), card, change.Trip.ID, AmountFromUnits(10), TransactionPenalty); err != nil {
				test.Errorf("close from listener: %v", err)
			}
		}
	})
	if _, err := service.TapIn(context.Background(), card, mustBus(test, busValue)); err != nil {
		test.Fatalf("tap in: %v", err)
	}
	if snapshot := mustSnapshot(test, service); snapshot.Status != TripStatusCompleted {
		test.Fatalf("expected listener close to complete trip, got %s", snapshot.Status)
	}
}

func TestNewServiceValidatesDependencies(test *testing.T) {
	test.Parallel()
	now := func() time.Time { return fixedNow }
	if _, err := NewService(nil, newStubTaps(), now); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected config error for nil trip source, got %v", err)
	}
	if _, err := NewService(newStubTrips(), nil, now); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected config error for nil tap source, got %v", err)
	}
	if _, err := NewService(newStubTrips(), newStubTaps(), nil); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected config error for nil clock, got %v", err)
	}
	_, err := NewService(newStubTrips(), newStubTaps(), now, WithMinimumTapInBalance(AmountFromUnits(-200)))
	if !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected config error for minimum below floor, got %v", err)
	}
	if _, err := NewService(newStubTrips(), newStubTaps(), now, WithQueryTimeout(0)); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected config error for zero query timeout, got %v", err)
	}
}

type stubTrips struct {
	mu       sync.Mutex
	remote   *RemoteTrip
	err      error
	calls    int
	release  chan struct{}
	entered  chan struct{}
	signaled bool
}

func newStubTrips() *stubTrips {
	return &stubTrips{}
}

func (trips *stubTrips) QueryOngoingTrip(ctx context.Context, _ string) (*RemoteTrip, error) {
	trips.mu.Lock()
	trips.calls++
	release := trips.release
	if trips.entered != nil && !trips.signaled {
		trips.signaled = true
		close(trips.entered)
	}
	trips.mu.Unlock()
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	trips.mu.Lock()
	defer trips.mu.Unlock()
	if trips.err != nil {
		return nil, trips.err
	}
	if trips.remote == nil {
		return nil, nil
	}
	copied := *trips.remote
	return &copied, nil
}

func (trips *stubTrips) setRemote(remote *RemoteTrip) {
	trips.mu.Lock()
	defer trips.mu.Unlock()
	trips.remote = remote
}

func (trips *stubTrips) setError(err error) {
	trips.mu.Lock()
	defer trips.mu.Unlock()
	trips.err = err
}

func (trips *stubTrips) block() chan struct{} {
	trips.mu.Lock()
	defer trips.mu.Unlock()
	trips.release = make(chan struct{})
	trips.entered = make(chan struct{})
	trips.signaled = false
	return trips.release
}

func (trips *stubTrips) waitEntered(test *testing.T) {
	test.Helper()
	trips.mu.Lock()
	entered := trips.entered
	trips.mu.Unlock()
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		test.Fatalf("trip query never started")
	}
}

type stubTaps struct {
	mu          sync.Mutex
	tapInErr    error
	tapOutErr   error
	tapOutDelay time.Duration
	tapIns      int
	tapOuts     int
}

func newStubTaps() *stubTaps {
	return &stubTaps{}
}

func (taps *stubTaps) TapIn(_ context.Context, _ CardID, _ BusReference) (TapResult, error) {
	taps.mu.Lock()
	defer taps.mu.Unlock()
	taps.tapIns++
	if taps.tapInErr != nil {
		return TapResult{}, taps.tapInErr
	}
	return TapResult{}, nil
}

func (taps *stubTaps) TapOut(_ context.Context, _ CardID, _ BusReference, _ Amount) (TapResult, error) {
	taps.mu.Lock()
	delay := taps.tapOutDelay
	taps.tapOuts++
	err := taps.tapOutErr
	taps.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	return TapResult{}, err
}

func (taps *stubTaps) tapInCalls() int {
	taps.mu.Lock()
	defer taps.mu.Unlock()
	return taps.tapIns
}

func (taps *stubTaps) tapOutCalls() int {
	taps.mu.Lock()
	defer taps.mu.Unlock()
	return taps.tapOuts
}

type memoryValues struct {
	mu      sync.Mutex
	entries map[string][]byte
	writes  int
}

func newMemoryValues() *memoryValues {
	return &memoryValues{entries: make(map[string][]byte)}
}

func (values *memoryValues) Put(_ context.Context, key string, value []byte) error {
	values.mu.Lock()
	defer values.mu.Unlock()
	values.entries[key] = append([]byte(nil), value...)
	values.writes++
	return nil
}

func (values *memoryValues) Get(_ context.Context, key string) ([]byte, bool, error) {
	values.mu.Lock()
	defer values.mu.Unlock()
	value, ok := values.entries[key]
	return value, ok, nil
}

func (values *memoryValues) puts() int {
	values.mu.Lock()
	defer values.mu.Unlock()
	return values.writes
}

func newTestService(test *testing.T, balance int64) (*Service, *stubTaps, *memoryValues) {
	test.Helper()
	taps := newStubTaps()
	values := newMemoryValues()
	service := mustService(test, newStubTrips(), taps, WithKeyValueStore(values))
	if _, err := service.Open(context.Background(), mustCardID(test, cardValue), AmountFromUnits(balance)); err != nil {
		test.Fatalf("open: %v", err)
	}
	values.mu.Lock()
	values.writes = 0
	values.mu.Unlock()
	return service, taps, values
}

func mustService(test *testing.T, trips TripStatusSource, taps TapSource, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(trips, taps, func() time.Time { return fixedNow }, options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustSnapshot(test *testing.T, service *Service) Snapshot {
	test.Helper()
	snapshot, ok := service.Snapshot()
	if !ok {
		test.Fatalf("expected open session")
	}
	return snapshot
}

func mustCardID(test *testing.T, raw string) CardID {
	test.Helper()
	value, err := NewCardID(raw)
	if err != nil {
		test.Fatalf("card id: %v", err)
	}
	return value
}

func mustTripID(test *testing.T, raw string) TripID {
	test.Helper()
	value, err := NewTripID(raw)
	if err != nil {
		test.Fatalf("trip id: %v", err)
	}
	return value
}

func mustBus(test *testing.T, raw string) BusReference {
	test.Helper()
	value, err := NewBusReference(raw)
	if err != nil {
		test.Fatalf("bus reference: %v", err)
	}
	return value
}

func mustAmount(test *testing.T, raw string) Amount {
	test.Helper()
	value, err := NewAmount(raw)
	if err != nil {
		test.Fatalf("amount: %v", err)
	}
	return value
}

func sequentialIDs() func() string {
	var (
		mu      sync.Mutex
		counter int
	)
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		counter++
		return fmt.Sprintf("id-%d", counter)
	}
}
