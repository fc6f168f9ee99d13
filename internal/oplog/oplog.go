// Package oplog turns engine operation callbacks into structured log lines.
package oplog

import (
	"context"

	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
	"go.uber.org/zap"
)

const statusError = "error"

// ZapLogger writes one log line per ledger operation.
type ZapLogger struct {
	logger *zap.Logger
}

// NewZapLogger wraps logger; a nil logger discards everything.
func NewZapLogger(logger *zap.Logger) *ZapLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapLogger{logger: logger.Named("ledger")}
}

func (zapLogger *ZapLogger) LogOperation(_ context.Context, entry ledger.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
		zap.String("user_id", entry.UserID.String()),
		zap.String("reference_id", entry.ReferenceID.String()),
		zap.Int64("amount", entry.Amount.Int64()),
		zap.Int("entries", entry.Entries),
	}
	if metadata := entry.Metadata.String(); metadata != "{}" {
		fields = append(fields, zap.String("metadata", metadata))
	}
	if entry.Error != nil || entry.Status == statusError {
		zapLogger.logger.Warn("ledger operation failed", append(fields, zap.Error(entry.Error))...)
		return
	}
	zapLogger.logger.Info("ledger operation", fields...)
}

// Fanout forwards every callback to several loggers.
type Fanout []ledger.OperationLogger

func (fanout Fanout) LogOperation(ctx context.Context, entry ledger.OperationLog) {
	for _, logger := range fanout {
		if logger != nil {
			logger.LogOperation(ctx, entry)
		}
	}
}
