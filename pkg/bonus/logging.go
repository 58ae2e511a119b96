package bonus

import (
	"context"

	"go.uber.org/zap"
)

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing ledger operation.
type OperationLog struct {
	Operation string
	AccountID string
	Minutes   int
	Source    Source
	Reference string
	Status    string
	Error     error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// ZapOperationLogger adapts a zap logger to the OperationLogger contract.
type ZapOperationLogger struct {
	logger *zap.Logger
}

// NewZapOperationLogger wraps a zap logger.
func NewZapOperationLogger(logger *zap.Logger) *ZapOperationLogger {
	return &ZapOperationLogger{logger: logger}
}

// LogOperation emits one structured record per ledger operation.
func (zapLogger *ZapOperationLogger) LogOperation(_ context.Context, entry OperationLog) {
	if zapLogger.logger == nil {
		return
	}
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("account_id", entry.AccountID),
		zap.Int("minutes", entry.Minutes),
		zap.String("source", entry.Source.String()),
		zap.String("status", entry.Status),
	}
	if entry.Reference != "" {
		fields = append(fields, zap.String("reference", entry.Reference))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		zapLogger.logger.Warn("bonus operation failed", fields...)
		return
	}
	zapLogger.logger.Info("bonus operation", fields...)
}
