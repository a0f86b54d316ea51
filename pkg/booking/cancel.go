package booking

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// RefundOutcome distinguishes how much of a cancelled reservation was refunded.
type RefundOutcome string

const (
	RefundFull    RefundOutcome = "full"
	RefundPartial RefundOutcome = "partial"
	RefundNone    RefundOutcome = "none"
)

// CancelResult describes a committed cancellation. Every outcome is a success.
type CancelResult struct {
	Reservation           Reservation
	Outcome               RefundOutcome
	Refunded              int64
	NotRefunded           int64
	TotalAvailableCredits int64
	Refunds               []BatchDelta
	Message               string
}

// Cancel cancels an active reservation and refunds its credits into the owner's unexpired
// batches, latest expiration first. Credits whose batches have expired are not refunded.
func (service *Service) Cancel(ctx context.Context, reservationID ReservationID) (CancelResult, error) {
	ctx, span := service.tracer.Start(ctx, "booking.Cancel", trace.WithAttributes(
		attribute.String("booking.reservation_id", reservationID.String()),
	))
	defer span.End()

	result, operationError := service.cancel(ctx, reservationID)
	service.logOperation(ctx, OperationLog{
		Operation:     operationCancel,
		UserID:        result.Reservation.OwnerUserID,
		ReservationID: reservationID,
		Slot:          result.Reservation.Slot,
		Credits:       result.Refunded,
		Error:         operationError,
	})
	recordSpanOutcome(span, operationError)
	if operationError != nil {
		return CancelResult{}, operationError
	}
	return result, nil
}

func (service *Service) cancel(ctx context.Context, reservationID ReservationID) (CancelResult, error) {
	if reservationID.IsZero() {
		return CancelResult{}, rejectValidation(fmt.Errorf("%w: empty value", ErrInvalidReservationID))
	}
	now := service.nowFn()

	var result CancelResult
	err := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		reservation, err := transactionStore.LockReservation(ctx, reservationID)
		if err != nil {
			if errors.Is(err, ErrUnknownReservation) {
				return rejectNotFound(reservationID)
			}
			return err
		}
		if reservation.Status != ReservationStatusActive {
			return rejectAlreadyCancelled(reservation)
		}
		if reservation.Slot.StartsAt().Sub(now) < service.cancelCutoff {
			return rejectTooLate(service.cancelCutoff)
		}

		credits := int64(len(reservation.ResourceIDs))
		account, err := transactionStore.LockAccount(ctx, reservation.OwnerUserID)
		accountKnown := true
		if err != nil {
			if !errors.Is(err, ErrUnknownAccount) {
				return err
			}
			accountKnown = false
		}

		var (
			refunds  []BatchDelta
			refunded int64
		)
		if credits > 0 && accountKnown {
			batches, err := transactionStore.ListBatches(ctx, reservation.OwnerUserID)
			if err != nil {
				return err
			}
			refunds, refunded = PlanRefund(RefundableBatches(batches, now), credits)
		}

		if err := transactionStore.UpdateReservationStatus(ctx, reservation.ID, ReservationStatusActive, ReservationStatusCancelled); err != nil {
			return err
		}
		for _, delta := range refunds {
			if err := transactionStore.UpdateBatchConsumption(ctx, delta.BatchID, delta.ConsumedBefore, delta.ConsumedAfter); err != nil {
				return err
			}
		}
		total := account.TotalAvailableCredits
		if refunded > 0 {
			total += refunded
			if err := transactionStore.SetAccountCredits(ctx, reservation.OwnerUserID, total); err != nil {
				return err
			}
		}

		reservation.Status = ReservationStatusCancelled
		reservation.UpdatedAt = now
		result = CancelResult{
			Reservation:           reservation,
			Outcome:               refundOutcome(credits, refunded),
			Refunded:              refunded,
			NotRefunded:           credits - refunded,
			TotalAvailableCredits: total,
			Refunds:               refunds,
		}
		result.Message = refundMessage(result.Outcome, credits, refunded)
		return nil
	})
	if err != nil {
		return CancelResult{}, classifyFailure(operationCancel, err)
	}
	return result, nil
}

func refundOutcome(credits int64, refunded int64) RefundOutcome {
	switch {
	case refunded == credits:
		return RefundFull
	case refunded == 0:
		return RefundNone
	default:
		return RefundPartial
	}
}

func refundMessage(outcome RefundOutcome, credits int64, refunded int64) string {
	switch outcome {
	case RefundFull:
		if credits == 0 {
			return "reservation cancelled; it held no credits"
		}
		return fmt.Sprintf("reservation cancelled; %d credits refunded", refunded)
	case RefundPartial:
		return fmt.Sprintf("reservation cancelled; %d of %d credits refunded, the rest belonged to expired batches", refunded, credits)
	default:
		return "reservation cancelled; no credits refunded because the batches used have expired"
	}
}
