package session

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a session operation and its outcome.
type OperationLog struct {
	Operation string
	Card      CardID
	TripID    TripID
	Amount    Amount
	Balance   Amount
	Status    string
	Error     error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithRechargeSource routes recharges through a remote collaborator before
// they are committed locally.
func WithRechargeSource(source RechargeSource) ServiceOption {
	return func(service *Service) {
		service.recharges = source
	}
}

// WithKeyValueStore persists a snapshot after every committed mutation and
// restores it on Open.
func WithKeyValueStore(store KeyValueStore) ServiceOption {
	return func(service *Service) {
		service.values = store
	}
}

// WithOverdraftFloor sets the lowest balance a fare deduction may leave.
func WithOverdraftFloor(floor Amount) ServiceOption {
	return func(service *Service) {
		service.overdraftFloor = floor
	}
}

// WithMinimumTapInBalance sets the balance required to start a trip.
func WithMinimumTapInBalance(minimum Amount) ServiceOption {
	return func(service *Service) {
		service.minimumTapInBalance = minimum
	}
}

// WithQueryTimeout bounds the trip status query shared by concurrent refreshes.
func WithQueryTimeout(timeout time.Duration) ServiceOption {
	return func(service *Service) {
		service.queryTimeout = timeout
	}
}

// WithIDGenerator overrides trip and transaction id generation.
func WithIDGenerator(generator func() string) ServiceOption {
	return func(service *Service) {
		if generator != nil {
			service.newID = generator
		}
	}
}

// ZapOperationLogger forwards operation logs to zap.
type ZapOperationLogger struct {
	logger *zap.Logger
}

// NewZapOperationLogger returns an OperationLogger writing through logger.
func NewZapOperationLogger(logger *zap.Logger) *ZapOperationLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapOperationLogger{logger: logger}
}

// LogOperation writes one structured line per operation.
func (zapLogger *ZapOperationLogger) LogOperation(_ context.Context, entry OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("card_id", entry.Card.String()),
		zap.String("status", entry.Status),
		zap.String("amount", entry.Amount.String()),
		zap.String("balance", entry.Balance.String()),
	}
	if !entry.TripID.IsZero() {
		fields = append(fields, zap.String("trip_id", entry.TripID.String()))
	}
	if entry.Error != nil {
		zapLogger.logger.Warn("session operation failed", append(fields, zap.Error(entry.Error))...)
		return
	}
	zapLogger.logger.Info("session operation", fields...)
}
