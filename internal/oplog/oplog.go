// Package oplog renders booking operation and sweep records as structured zap logs.
package oplog

import (
	"context"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/ridebook/pkg/booking"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	statusError    = "error"
	statusRejected = "rejected"
)

// ZapLogger implements booking.OperationLogger and booking.SweepLogger.
type ZapLogger struct {
	logger *zap.Logger
}

// New returns a ZapLogger. A nil logger discards everything.
func New(logger *zap.Logger) *ZapLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapLogger{logger: logger.Named("booking")}
}

func (zapLogger *ZapLogger) LogOperation(ctx context.Context, entry booking.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
	}
	if !entry.UserID.IsZero() {
		fields = append(fields, zap.String("user_id", entry.UserID.String()))
	}
	if !entry.ReservationID.IsZero() {
		fields = append(fields, zap.String("reservation_id", entry.ReservationID.String()))
	}
	if entry.BatchID.String() != "" {
		fields = append(fields, zap.String("batch_id", entry.BatchID.String()))
	}
	if !entry.Slot.IsZero() {
		fields = append(fields, zap.String("slot", entry.Slot.String()))
	}
	if entry.Credits != 0 {
		fields = append(fields, zap.Int64("credits", entry.Credits))
	}
	if entry.Reason != "" {
		fields = append(fields, zap.String("reason", string(entry.Reason)))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
	}
	switch entry.Status {
	case statusError:
		if zapLogger.logger.Core().Enabled(zapcore.DebugLevel) {
			fields = append(fields, zap.String("stack", stackOf(entry.Error)))
		}
		zapLogger.logger.Error("operation failed", fields...)
	case statusRejected:
		zapLogger.logger.Info("operation rejected", fields...)
	default:
		zapLogger.logger.Info("operation completed", fields...)
	}
}

func (zapLogger *ZapLogger) LogSweepStarted(ctx context.Context, sweep string, startedAt time.Time) {
	zapLogger.logger.Info("sweep started", zap.String("sweep", sweep), zap.Time("started_at", startedAt))
}

func (zapLogger *ZapLogger) LogSweepItem(ctx context.Context, item booking.SweepItem) {
	fields := []zap.Field{
		zap.String("sweep", item.Sweep),
		zap.String("subject", item.Subject),
		zap.String("outcome", item.Outcome),
	}
	if item.Detail != "" {
		fields = append(fields, zap.String("detail", item.Detail))
	}
	if item.Error != nil {
		fields = append(fields, zap.Error(item.Error))
		zapLogger.logger.Warn("sweep item failed", fields...)
		return
	}
	zapLogger.logger.Debug("sweep item", fields...)
}

func (zapLogger *ZapLogger) LogSweepFinished(ctx context.Context, report booking.SweepReport) {
	zapLogger.logger.Info("sweep finished",
		zap.String("sweep", report.Sweep),
		zap.Duration("elapsed", report.FinishedAt.Sub(report.StartedAt)),
		zap.Int("processed", report.Processed),
		zap.Int("archived", report.Archived),
		zap.Int("deleted", report.Deleted),
		zap.Int("expired", report.Expired),
		zap.Int("skipped", report.Skipped),
		zap.Int("pending", report.Pending),
		zap.Int("errored", report.Errored),
		zap.Int64("credits_expired", report.CreditsExpired),
	)
}

// stackOf renders the error with the stack attached by the store layer.
func stackOf(err error) string {
	if err == nil {
		return ""
	}
	return fmt.Sprintf("%+v", err)
}
