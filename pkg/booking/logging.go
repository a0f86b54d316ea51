package booking

import (
	"context"
	"time"
)

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a Service operation and its outcome.
type OperationLog struct {
	Operation     string
	UserID        UserID
	ReservationID ReservationID
	BatchID       BatchID
	Slot          SlotKey
	Credits       int64
	Reason        Reason
	Status        string
	Error         error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithEventPublisher wires the post-commit event sink.
func WithEventPublisher(publisher EventPublisher) ServiceOption {
	return func(service *Service) {
		service.publisher = publisher
	}
}

// WithCancelCutoff overrides the minimum lead time for cancellations.
func WithCancelCutoff(cutoff time.Duration) ServiceOption {
	return func(service *Service) {
		if cutoff >= 0 {
			service.cancelCutoff = cutoff
		}
	}
}

// WithLocation sets the studio time zone used for calendar rules.
func WithLocation(location *time.Location) ServiceOption {
	return func(service *Service) {
		if location != nil {
			service.location = location
		}
	}
}

// WithIDGenerator overrides how new reservation and batch ids are produced.
func WithIDGenerator(generate func() string) ServiceOption {
	return func(service *Service) {
		if generate != nil {
			service.newID = generate
		}
	}
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		entry.Reason = ReasonOf(entry.Error)
		switch {
		case entry.Error == nil:
			entry.Status = operationStatusOK
		case entry.Reason == ReasonInternal:
			entry.Status = operationStatusError
		default:
			entry.Status = operationStatusRejected
		}
	}
	service.logger.LogOperation(ctx, entry)
}

// SweeperOption configures a Sweeper instance.
type SweeperOption func(*Sweeper)

// SweepLogger receives the structured start, per-item and end records of sweep passes.
type SweepLogger interface {
	LogSweepStarted(ctx context.Context, sweep string, startedAt time.Time)
	LogSweepItem(ctx context.Context, item SweepItem)
	LogSweepFinished(ctx context.Context, report SweepReport)
}

// SweepItem describes what a sweep did with one reservation or batch.
type SweepItem struct {
	Sweep   string
	Subject string
	Outcome string
	Detail  string
	Error   error
}

// WithSweepLogger wires the sweep logger.
func WithSweepLogger(logger SweepLogger) SweeperOption {
	return func(sweeper *Sweeper) {
		sweeper.logger = logger
	}
}

// WithSweepLocation sets the studio time zone used to match slots to the local calendar.
func WithSweepLocation(location *time.Location) SweeperOption {
	return func(sweeper *Sweeper) {
		if location != nil {
			sweeper.location = location
		}
	}
}

// WithArchiveGrace overrides how long reservations stay live after their slot ends.
func WithArchiveGrace(grace time.Duration) SweeperOption {
	return func(sweeper *Sweeper) {
		if grace >= 0 {
			sweeper.grace = grace
		}
	}
}

// WithSweepBatchLimit sets the page size used when a pass lists rows.
func WithSweepBatchLimit(limit int) SweeperOption {
	return func(sweeper *Sweeper) {
		if limit > 0 {
			sweeper.batchLimit = limit
		}
	}
}

func (sweeper *Sweeper) logItem(ctx context.Context, item SweepItem) {
	if sweeper.logger == nil {
		return
	}
	sweeper.logger.LogSweepItem(ctx, item)
}

func (sweeper *Sweeper) logStarted(ctx context.Context, sweep string, startedAt time.Time) {
	if sweeper.logger == nil {
		return
	}
	sweeper.logger.LogSweepStarted(ctx, sweep, startedAt)
}

func (sweeper *Sweeper) logFinished(ctx context.Context, report SweepReport) {
	if sweeper.logger == nil {
		return
	}
	sweeper.logger.LogSweepFinished(ctx, report)
}
