package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// Service is the single owner of the card session. Every mutation of balance
// and trip status runs inside one critical section, remote calls included, so
// racing callers are ordered by the order they acquired it.
type Service struct {
	mu      sync.Mutex
	session *record
	version uint64

	trips     TripStatusSource
	taps      TapSource
	recharges RechargeSource
	values    KeyValueStore
	nowFn     func() time.Time
	newID     func() string
	logger    OperationLogger

	queryTimeout time.Duration

	overdraftFloor      Amount
	minimumTapInBalance Amount

	refreshGroup singleflight.Group

	listenersMu  sync.RWMutex
	listeners    map[uint64]Listener
	nextListener uint64
}

type record struct {
	card         CardID
	balance      Amount
	status       TripStatus
	trip         *Trip
	transactions []Transaction
}

// TapInOption customizes a tap-in request.
type TapInOption func(*tapInRequest)

type tapInRequest struct {
	location *Coordinate
}

// WithTapInLocation records where the rider tapped in.
func WithTapInLocation(location Coordinate) TapInOption {
	return func(request *tapInRequest) {
		request.location = &location
	}
}

// NewService wires a Service.
func NewService(trips TripStatusSource, taps TapSource, now func() time.Time, options ...ServiceOption) (*Service, error) {
	if trips == nil {
		return nil, fmt.Errorf("%w: trip status source is nil", ErrInvalidServiceConfig)
	}
	if taps == nil {
		return nil, fmt.Errorf("%w: tap source is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		trips:               trips,
		taps:                taps,
		nowFn:               now,
		newID:               uuid.NewString,
		queryTimeout:        defaultQueryTimeout,
		overdraftFloor:      AmountFromUnits(defaultOverdraftFloorUnits),
		minimumTapInBalance: AmountFromUnits(defaultMinimumTapInBalanceUnits),
		listeners:           make(map[uint64]Listener),
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	if service.queryTimeout <= 0 {
		return nil, fmt.Errorf("%w: query timeout must be positive", ErrInvalidServiceConfig)
	}
	if service.minimumTapInBalance.LessThan(service.overdraftFloor) {
		return nil, fmt.Errorf("%w: minimum tap-in balance below overdraft floor", ErrInvalidServiceConfig)
	}
	return service, nil
}

// Open starts the session for card. A persisted snapshot for the same card
// wins over initialBalance. Opening the card that is already open is a no-op.
func (service *Service) Open(ctx context.Context, card CardID, initialBalance Amount) (Snapshot, error) {
	var (
		snapshot Snapshot
		changes  []StatusChange
	)
	operationError := func() error {
		service.mu.Lock()
		defer service.mu.Unlock()
		if service.session != nil {
			if service.session.card == card {
				snapshot = service.session.snapshot()
				return nil
			}
			return fmt.Errorf("%w: session already open for card %s", ErrInvalidState, service.session.card.String())
		}
		opened := &record{card: card, balance: initialBalance, status: TripStatusIdle}
		restored, err := service.restore(ctx, card)
		if err != nil {
			service.logOperation(ctx, OperationLog{Operation: operationRestore, Card: card, Error: err})
		}
		if restored != nil {
			opened = restored
		}
		service.session = opened
		service.version++
		snapshot = opened.snapshot()
		if opened.status == TripStatusActive {
			changes = append(changes, StatusChange{
				Card:   card,
				From:   TripStatusIdle,
				To:     TripStatusActive,
				Trip:   *opened.trip,
				Reason: ReasonRestored,
				At:     service.nowFn(),
			})
		}
		return nil
	}()
	service.logOperation(ctx, OperationLog{
		Operation: operationOpen,
		Card:      card,
		Balance:   snapshot.Balance,
		Error:     operationError,
	})
	service.notify(changes)
	return snapshot, operationError
}

// End drops the in-memory session. Persisted state is left untouched.
func (service *Service) End(ctx context.Context) {
	service.mu.Lock()
	var card CardID
	if service.session != nil {
		card = service.session.card
	}
	service.session = nil
	service.version++
	service.mu.Unlock()
	service.logOperation(ctx, OperationLog{Operation: operationEnd, Card: card})
}

// Snapshot returns a copy of the open session.
func (service *Service) Snapshot() (Snapshot, bool) {
	service.mu.Lock()
	defer service.mu.Unlock()
	if service.session == nil {
		return Snapshot{}, false
	}
	return service.session.snapshot(), true
}

// ActiveTrip returns the open trip, if any.
func (service *Service) ActiveTrip() (Trip, bool) {
	service.mu.Lock()
	defer service.mu.Unlock()
	if service.session == nil || service.session.trip == nil {
		return Trip{}, false
	}
	return *service.session.trip, true
}

// Transactions returns the committed balance movements, oldest first.
func (service *Service) Transactions() []Transaction {
	service.mu.Lock()
	defer service.mu.Unlock()
	if service.session == nil {
		return nil
	}
	return append([]Transaction(nil), service.session.transactions...)
}

// Subscribe registers listener for status changes and returns its removal func.
// Listeners run on the goroutine that committed the change, after the
// critical section is released, so they may call back into the Service.
func (service *Service) Subscribe(listener Listener) func() {
	if listener == nil {
		return func() {}
	}
	service.listenersMu.Lock()
	service.nextListener++
	identifier := service.nextListener
	service.listeners[identifier] = listener
	service.listenersMu.Unlock()
	return func() {
		service.listenersMu.Lock()
		delete(service.listeners, identifier)
		service.listenersMu.Unlock()
	}
}

// RefreshTripStatus reconciles the local trip with the trip status source.
// Concurrent callers share a single query and observe the same result. The
// shared query is detached from every caller's cancellation and bounded by the
// query timeout; a caller whose ctx ends stops waiting without failing the rest.
func (service *Service) RefreshTripStatus(ctx context.Context) (Snapshot, error) {
	results := service.refreshGroup.DoChan(refreshFlightKey, func() (interface{}, error) {
		queryCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), service.queryTimeout)
		defer cancel()
		return service.refresh(queryCtx)
	})
	select {
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	case result := <-results:
		if result.Err != nil {
			return Snapshot{}, result.Err
		}
		return result.Val.(Snapshot), nil
	}
}

func (service *Service) refresh(ctx context.Context) (Snapshot, error) {
	service.mu.Lock()
	if service.session == nil {
		service.mu.Unlock()
		return Snapshot{}, fmt.Errorf("%w: no open session", ErrInvalidCard)
	}
	card := service.session.card
	startVersion := service.version
	service.mu.Unlock()

	remote, queryError := service.trips.QueryOngoingTrip(ctx, card.String())
	if queryError != nil {
		wrapped := wrapRemoteError(errorSubjectTrip, queryError)
		service.logOperation(ctx, OperationLog{Operation: operationRefresh, Card: card, Error: wrapped})
		return Snapshot{}, wrapped
	}

	var (
		snapshot Snapshot
		changes  []StatusChange
	)
	operationError := func() error {
		service.mu.Lock()
		defer service.mu.Unlock()
		current := service.session
		if current == nil || current.card != card {
			return fmt.Errorf("%w: session ended during refresh", ErrInvalidCard)
		}
		if service.version != startVersion {
			// A local mutation committed while the query was in flight and is
			// fresher than the remote answer.
			snapshot = current.snapshot()
			return nil
		}
		changes = service.reconcileLocked(current, remote)
		if len(changes) > 0 {
			service.version++
			service.persistLocked(ctx, current)
		}
		snapshot = current.snapshot()
		return nil
	}()
	service.logOperation(ctx, OperationLog{
		Operation: operationRefresh,
		Card:      card,
		TripID:    tripIDOf(snapshot.Trip),
		Balance:   snapshot.Balance,
		Error:     operationError,
	})
	if operationError != nil {
		return Snapshot{}, operationError
	}
	service.notify(changes)
	return snapshot, nil
}

func (service *Service) reconcileLocked(current *record, remote *RemoteTrip) []StatusChange {
	now := service.nowFn()
	if remote == nil {
		if current.status != TripStatusActive {
			return nil
		}
		closed := *current.trip
		current.status = TripStatusCompleted
		current.trip = nil
		return []StatusChange{{Card: current.card, From: TripStatusActive, To: TripStatusCompleted, Trip: closed, Reason: ReasonRemoteSync, At: now}}
	}
	reported, identified := service.tripFromRemote(remote, now)
	if current.status == TripStatusActive && (!identified || current.trip.ID == reported.ID) {
		// an unnamed remote trip cannot contradict the local one
		return nil
	}
	var changes []StatusChange
	previous := current.status
	if previous == TripStatusActive {
		changes = append(changes, StatusChange{Card: current.card, From: TripStatusActive, To: TripStatusCompleted, Trip: *current.trip, Reason: ReasonRemoteSync, At: now})
		previous = TripStatusCompleted
	}
	current.status = TripStatusActive
	current.trip = &reported
	changes = append(changes, StatusChange{Card: current.card, From: previous, To: TripStatusActive, Trip: reported, Reason: ReasonRemoteSync, At: now})
	return changes
}

// tripFromRemote reports false when the source gave no usable trip id and a
// local one was generated in its place.
func (service *Service) tripFromRemote(remote *RemoteTrip, now time.Time) (Trip, bool) {
	identified := true
	tripID, err := NewTripID(remote.TripID)
	if err != nil {
		tripID = TripID{value: service.newID()}
		identified = false
	}
	bus, err := NewBusReference(remote.Bus)
	if err != nil {
		bus = BusReference{value: "unknown"}
	}
	tapInTime := remote.TapInTime
	if tapInTime.IsZero() {
		tapInTime = now
	}
	return Trip{ID: tripID, TapInTime: tapInTime, TapInLocation: remote.Location, Bus: bus}, identified
}

// TapIn checks eligibility and opens a trip. No fare is deducted; the
// unchanged balance is returned.
func (service *Service) TapIn(ctx context.Context, card CardID, bus BusReference, options ...TapInOption) (Amount, error) {
	request := tapInRequest{}
	for _, option := range options {
		if option != nil {
			option(&request)
		}
	}
	var (
		balance Amount
		opened  Trip
		changes []StatusChange
	)
	operationError := func() error {
		service.mu.Lock()
		defer service.mu.Unlock()
		current, err := service.requireSessionLocked(card)
		if err != nil {
			return err
		}
		balance = current.balance
		if current.status == TripStatusActive {
			return fmt.Errorf("%w: trip %s already active", ErrInvalidState, current.trip.ID.String())
		}
		if current.balance.LessThan(service.minimumTapInBalance) {
			return fmt.Errorf("%w: balance %s below minimum %s", ErrInsufficientBalance, current.balance.String(), service.minimumTapInBalance.String())
		}
		result, err := service.taps.TapIn(ctx, card, bus)
		if err != nil {
			return wrapRemoteError(errorSubjectTap, err)
		}
		tripID, err := NewTripID(result.TripID)
		if err != nil {
			tripID = TripID{value: service.newID()}
		}
		now := service.nowFn()
		opened = Trip{ID: tripID, TapInTime: now, TapInLocation: request.location, Bus: bus}
		previous := current.status
		current.status = TripStatusActive
		current.trip = &opened
		service.version++
		service.persistLocked(ctx, current)
		changes = append(changes, StatusChange{Card: card, From: previous, To: TripStatusActive, Trip: opened, Reason: ReasonTapIn, At: now})
		return nil
	}()
	service.logOperation(ctx, OperationLog{
		Operation: operationTapIn,
		Card:      card,
		TripID:    opened.ID,
		Balance:   balance,
		Error:     operationError,
	})
	if operationError != nil {
		return Amount{}, operationError
	}
	service.notify(changes)
	return balance, nil
}

// TapOut closes the active trip, charging fare. It is the only path that
// reduces balance for a trip.
func (service *Service) TapOut(ctx context.Context, card CardID, fare Amount) (Amount, error) {
	return service.closeTrip(ctx, card, TripID{}, fare, TransactionFare)
}

// CloseTrip closes the trip only when tripID is still the active trip. A trip
// that was already closed, or replaced by another, yields ErrInvalidState.
func (service *Service) CloseTrip(ctx context.Context, card CardID, tripID TripID, fare Amount, kind TransactionKind) (Amount, error) {
	if tripID.IsZero() {
		return Amount{}, fmt.Errorf("%w: empty value", ErrInvalidTripID)
	}
	return service.closeTrip(ctx, card, tripID, fare, kind)
}

func (service *Service) closeTrip(ctx context.Context, card CardID, expected TripID, fare Amount, kind TransactionKind) (Amount, error) {
	var (
		newBalance Amount
		closed     Trip
		changes    []StatusChange
	)
	operationError := func() error {
		if fare.IsNegative() {
			return fmt.Errorf("%w: fare must not be negative", ErrInvalidAmount)
		}
		service.mu.Lock()
		defer service.mu.Unlock()
		current, err := service.requireSessionLocked(card)
		if err != nil {
			return err
		}
		if current.status != TripStatusActive {
			return fmt.Errorf("%w: no active trip", ErrInvalidState)
		}
		if !expected.IsZero() && current.trip.ID != expected {
			return fmt.Errorf("%w: trip %s is no longer active", ErrInvalidState, expected.String())
		}
		candidate := current.balance.Sub(fare)
		if candidate.LessThan(service.overdraftFloor) {
			return fmt.Errorf("%w: balance %s minus fare %s is below %s", ErrPaymentRejected, current.balance.String(), fare.String(), service.overdraftFloor.String())
		}
		if _, err := service.taps.TapOut(ctx, card, current.trip.Bus, fare); err != nil {
			return wrapRemoteError(errorSubjectTap, err)
		}
		now := service.nowFn()
		closed = *current.trip
		newBalance = candidate
		current.balance = candidate
		current.status = TripStatusCompleted
		current.trip = nil
		current.transactions = append(current.transactions, Transaction{
			ID:           service.newID(),
			Kind:         kind,
			Amount:       fare,
			BalanceAfter: candidate,
			TripID:       closed.ID,
			CreatedAt:    now,
		})
		service.version++
		service.persistLocked(ctx, current)
		changes = append(changes, StatusChange{Card: card, From: TripStatusActive, To: TripStatusCompleted, Trip: closed, Reason: ReasonTapOut, At: now})
		return nil
	}()
	tripID := closed.ID
	if tripID.IsZero() {
		tripID = expected
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationTapOut,
		Card:      card,
		TripID:    tripID,
		Amount:    fare,
		Balance:   newBalance,
		Error:     operationError,
	})
	if operationError != nil {
		return Amount{}, operationError
	}
	service.notify(changes)
	return newBalance, nil
}

// Recharge credits amount to the balance regardless of trip status.
func (service *Service) Recharge(ctx context.Context, card CardID, amount Amount) (Amount, error) {
	var newBalance Amount
	operationError := func() error {
		if !amount.IsPositive() {
			return fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
		}
		service.mu.Lock()
		defer service.mu.Unlock()
		current, err := service.requireSessionLocked(card)
		if err != nil {
			return err
		}
		if service.recharges != nil {
			if err := service.recharges.Recharge(ctx, card, amount); err != nil {
				return wrapRemoteError(errorSubjectRecharge, err)
			}
		}
		current.balance = current.balance.Add(amount)
		newBalance = current.balance
		current.transactions = append(current.transactions, Transaction{
			ID:           service.newID(),
			Kind:         TransactionRecharge,
			Amount:       amount,
			BalanceAfter: newBalance,
			CreatedAt:    service.nowFn(),
		})
		service.version++
		service.persistLocked(ctx, current)
		return nil
	}()
	service.logOperation(ctx, OperationLog{
		Operation: operationRecharge,
		Card:      card,
		Amount:    amount,
		Balance:   newBalance,
		Error:     operationError,
	})
	if operationError != nil {
		return Amount{}, operationError
	}
	return newBalance, nil
}

func (service *Service) requireSessionLocked(card CardID) (*record, error) {
	if card.String() == "" {
		return nil, fmt.Errorf("%w: empty card id", ErrInvalidCard)
	}
	if service.session == nil {
		return nil, fmt.Errorf("%w: no open session", ErrInvalidCard)
	}
	if service.session.card != card {
		return nil, fmt.Errorf("%w: card %s is not the active card", ErrInvalidCard, card.String())
	}
	return service.session, nil
}

// persistLocked writes the snapshot through the key-value collaborator. Storage
// is a cache of committed state, so a failed write is reported and not rolled back.
func (service *Service) persistLocked(ctx context.Context, current *record) {
	if service.values == nil {
		return
	}
	data, err := encodeRecord(current)
	if err == nil {
		err = service.values.Put(ctx, sessionKey(current.card), data)
	} else {
		err = WrapError(errorOperationService, errorSubjectSnapshot, errorCodeEncode, err)
	}
	if err != nil {
		service.logOperation(ctx, OperationLog{Operation: operationPersist, Card: current.card, Error: err})
	}
}

func (service *Service) restore(ctx context.Context, card CardID) (*record, error) {
	if service.values == nil {
		return nil, nil
	}
	data, found, err := service.values.Get(ctx, sessionKey(card))
	if err != nil || !found {
		return nil, err
	}
	restored, err := decodeRecord(data)
	if err != nil {
		return nil, WrapError(errorOperationService, errorSubjectSnapshot, errorCodeDecode, err)
	}
	if restored.card != card {
		return nil, WrapError(errorOperationService, errorSubjectSnapshot, errorCodeDecode, ErrInvalidCard)
	}
	return restored, nil
}

func (service *Service) notify(changes []StatusChange) {
	if len(changes) == 0 {
		return
	}
	service.listenersMu.RLock()
	listeners := make([]Listener, 0, len(service.listeners))
	for _, listener := range service.listeners {
		listeners = append(listeners, listener)
	}
	service.listenersMu.RUnlock()
	for _, change := range changes {
		for _, listener := range listeners {
			listener(change)
		}
	}
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusErr
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

func (current *record) snapshot() Snapshot {
	snapshot := Snapshot{Card: current.card, Balance: current.balance, Status: current.status}
	if current.trip != nil {
		trip := *current.trip
		snapshot.Trip = &trip
	}
	return snapshot
}

func tripIDOf(trip *Trip) TripID {
	if trip == nil {
		return TripID{}
	}
	return trip.ID
}
