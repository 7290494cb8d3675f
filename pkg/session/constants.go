package session

import "time"

const (
	operationOpen      = "open"
	operationRefresh   = "refresh_trip_status"
	operationTapIn     = "tap_in"
	operationTapOut    = "tap_out"
	operationRecharge  = "recharge"
	operationPersist   = "persist"
	operationRestore   = "restore"
	operationEnd       = "end"
	operationStatusOK  = "ok"
	operationStatusErr = "error"

	errorOperationService = "service"
	errorOperationRemote  = "remote"
	errorSubjectTrip      = "trip"
	errorSubjectTap       = "tap"
	errorSubjectRecharge  = "recharge"
	errorSubjectSnapshot  = "snapshot"
	errorCodeCardNotFound = "card_not_found"
	errorCodeInsufficient = "insufficient_balance"
	errorCodeUnavailable  = "unavailable"
	errorCodeEncode       = "encode"
	errorCodeDecode       = "decode"

	sessionKeyPrefix = "session:"
	refreshFlightKey = "refresh"

	defaultOverdraftFloorUnits      int64 = -100
	defaultMinimumTapInBalanceUnits int64 = 0

	defaultQueryTimeout = 15 * time.Second
)
