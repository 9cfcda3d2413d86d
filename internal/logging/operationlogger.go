// Package logging adapts the engine's operation callbacks to zap.
package logging

import (
	"context"

	"github.com/MarkoPoloResearchLab/quota/pkg/quota"
	"go.uber.org/zap"
)

// OperationLogger writes one structured line per engine operation.
type OperationLogger struct {
	logger *zap.Logger
}

// NewOperationLogger wraps a zap logger.
func NewOperationLogger(logger *zap.Logger) *OperationLogger {
	return &OperationLogger{logger: logger}
}

var _ quota.OperationLogger = (*OperationLogger)(nil)

func (operationLogger *OperationLogger) LogOperation(_ context.Context, entry quota.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
	}
	if entry.UserID != "" {
		fields = append(fields, zap.String("user_id", entry.UserID))
	}
	if entry.Code != "" {
		fields = append(fields, zap.String("code", entry.Code))
	}
	if entry.Amount != 0 {
		fields = append(fields, zap.Int64("amount", entry.Amount))
	}
	if entry.Pool != "" {
		fields = append(fields, zap.String("pool", entry.Pool.String()))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		operationLogger.logger.Warn("quota operation failed", fields...)
		return
	}
	operationLogger.logger.Info("quota operation", fields...)
}
