package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Service coordinates reservations and the credit ledger over a Store.
type Service struct {
	store        Store
	catalog      Catalog
	nowFn        func() time.Time
	logger       OperationLogger
	publisher    EventPublisher
	newID        func() string
	cancelCutoff time.Duration
	location     *time.Location
	tracer       trace.Tracer
}

// NewService wires a Service.
func NewService(store Store, catalog Catalog, now func() time.Time, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if catalog == nil {
		return nil, fmt.Errorf("%w: catalog dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:        store,
		catalog:      catalog,
		nowFn:        now,
		newID:        uuid.NewString,
		cancelCutoff: DefaultCancelCutoff,
		location:     time.UTC,
		tracer:       otel.Tracer(tracerName),
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// ReserveRequest asks for a set of resources in one slot.
type ReserveRequest struct {
	OwnerUserID UserID
	ResourceIDs []ResourceID
	Slot        SlotKey
}

// NewReserveRequest validates raw reserve input.
func NewReserveRequest(ownerUserID string, resourceIDs []string, slotID string, startsAt time.Time) (ReserveRequest, error) {
	owner, err := NewUserID(ownerUserID)
	if err != nil {
		return ReserveRequest{}, err
	}
	resources, err := NewResourceIDs(resourceIDs)
	if err != nil {
		return ReserveRequest{}, err
	}
	slot, err := NewSlotID(slotID)
	if err != nil {
		return ReserveRequest{}, err
	}
	slotKey, err := NewSlotKey(slot, startsAt)
	if err != nil {
		return ReserveRequest{}, err
	}
	return ReserveRequest{OwnerUserID: owner, ResourceIDs: resources, Slot: slotKey}, nil
}

func (request ReserveRequest) validate() error {
	if request.OwnerUserID.IsZero() {
		return fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	if request.Slot.IsZero() {
		return fmt.Errorf("%w: missing slot", ErrInvalidSlotKey)
	}
	raw := make([]string, 0, len(request.ResourceIDs))
	for _, resourceID := range request.ResourceIDs {
		raw = append(raw, resourceID.String())
	}
	_, err := NewResourceIDs(raw)
	return err
}

// ReserveResult describes a committed reservation.
type ReserveResult struct {
	Reservation           Reservation
	Slot                  Slot
	Resources             []Resource
	TotalAvailableCredits int64
	Consumption           []BatchDelta
}

// Reserve books the requested resources and debits one credit per resource from the owner's
// batches, soonest expiration first, in a single transaction. A confirmation event is published
// after commit; publishing failures never affect the result.
func (service *Service) Reserve(ctx context.Context, request ReserveRequest) (ReserveResult, error) {
	ctx, span := service.tracer.Start(ctx, "booking.Reserve", trace.WithAttributes(
		attribute.String("booking.user_id", request.OwnerUserID.String()),
		attribute.String("booking.slot", request.Slot.String()),
		attribute.Int("booking.resources", len(request.ResourceIDs)),
	))
	defer span.End()

	result, account, operationError := service.reserve(ctx, request)
	service.logOperation(ctx, OperationLog{
		Operation:     operationReserve,
		UserID:        request.OwnerUserID,
		ReservationID: result.Reservation.ID,
		Slot:          request.Slot,
		Credits:       int64(len(request.ResourceIDs)),
		Error:         operationError,
	})
	recordSpanOutcome(span, operationError)
	if operationError != nil {
		return ReserveResult{}, operationError
	}
	service.publish(ctx, newReservationConfirmed(result, account, service.nowFn()))
	return result, nil
}

func (service *Service) reserve(ctx context.Context, request ReserveRequest) (ReserveResult, CreditAccount, error) {
	if err := request.validate(); err != nil {
		return ReserveResult{}, CreditAccount{}, rejectValidation(err)
	}
	slot, err := service.catalog.GetSlot(ctx, request.Slot.SlotID())
	if err != nil {
		if errors.Is(err, ErrUnknownSlot) {
			return ReserveResult{}, CreditAccount{}, rejectValidation(err)
		}
		return ReserveResult{}, CreditAccount{}, WrapError(operationReserve, errorSubjectCatalog, errorCodeLookup, err)
	}
	resources, err := service.catalog.GetResources(ctx, request.ResourceIDs)
	if err != nil {
		if errors.Is(err, ErrUnknownResource) {
			return ReserveResult{}, CreditAccount{}, rejectValidation(err)
		}
		return ReserveResult{}, CreditAccount{}, WrapError(operationReserve, errorSubjectCatalog, errorCodeLookup, err)
	}

	var (
		result  ReserveResult
		account CreditAccount
	)
	for attempt := 1; ; attempt++ {
		result, account, err = service.reserveOnce(ctx, request, slot, resources)
		if err == nil || !errors.Is(err, ErrClaimRace) || attempt >= reserveAttempts {
			break
		}
	}
	if errors.Is(err, ErrClaimRace) {
		return ReserveResult{}, CreditAccount{}, rejectResourceConflict(request.ResourceIDs)
	}
	if err != nil {
		return ReserveResult{}, CreditAccount{}, classifyFailure(operationReserve, err)
	}
	return result, account, nil
}

func (service *Service) reserveOnce(ctx context.Context, request ReserveRequest, slot Slot, resources []Resource) (ReserveResult, CreditAccount, error) {
	reservationID, err := NewReservationID(service.newID())
	if err != nil {
		return ReserveResult{}, CreditAccount{}, WrapError(operationReserve, errorSubjectIdentity, errorCodeGenerate, err)
	}
	now := service.nowFn()
	required := int64(len(request.ResourceIDs))

	var (
		result  ReserveResult
		account CreditAccount
	)
	err = service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if err := transactionStore.LockSlot(ctx, request.Slot); err != nil {
			return err
		}
		duplicate, err := transactionStore.HasActiveReservation(ctx, request.OwnerUserID, request.Slot)
		if err != nil {
			return err
		}
		if duplicate {
			return rejectDuplicateBooking(request.Slot)
		}
		claimed, err := transactionStore.ClaimedResources(ctx, request.Slot, request.ResourceIDs)
		if err != nil {
			return err
		}
		if len(claimed) > 0 {
			return rejectResourceConflict(claimed)
		}
		lockedAccount, err := transactionStore.LockAccount(ctx, request.OwnerUserID)
		if err != nil {
			if errors.Is(err, ErrUnknownAccount) {
				return rejectValidation(fmt.Errorf("%w: %s", ErrInvalidUserID, request.OwnerUserID.String()))
			}
			return err
		}
		batches, err := transactionStore.ListBatches(ctx, request.OwnerUserID)
		if err != nil {
			return err
		}
		spendable := SpendableBatches(batches, now)
		deltas, sufficient := PlanConsumption(spendable, required)
		if !sufficient {
			return rejectInsufficientCredits(required, AvailableCredits(spendable, now))
		}
		reservation := Reservation{
			ID:             reservationID,
			OwnerUserID:    request.OwnerUserID,
			Slot:           request.Slot,
			ResourceIDs:    append([]ResourceID(nil), request.ResourceIDs...),
			Status:         ReservationStatusActive,
			CreditsCharged: required,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := transactionStore.InsertReservation(ctx, reservation); err != nil {
			return err
		}
		for _, delta := range deltas {
			if err := transactionStore.UpdateBatchConsumption(ctx, delta.BatchID, delta.ConsumedBefore, delta.ConsumedAfter); err != nil {
				return err
			}
		}
		updatedTotal := floorAtZero(lockedAccount.TotalAvailableCredits - required)
		if err := transactionStore.SetAccountCredits(ctx, request.OwnerUserID, updatedTotal); err != nil {
			return err
		}
		lockedAccount.TotalAvailableCredits = updatedTotal
		account = lockedAccount
		result = ReserveResult{
			Reservation:           reservation,
			Slot:                  slot,
			Resources:             resources,
			TotalAvailableCredits: updatedTotal,
			Consumption:           deltas,
		}
		return nil
	})
	if err != nil {
		return ReserveResult{}, CreditAccount{}, err
	}
	return result, account, nil
}

func (service *Service) publish(ctx context.Context, event Event) {
	if service.publisher == nil {
		return
	}
	if err := service.publisher.Publish(ctx, event); err != nil {
		service.logOperation(ctx, OperationLog{
			Operation: "publish." + string(event.Kind),
			Status:    operationStatusError,
			Reason:    ReasonInternal,
			Error:     err,
		})
	}
}

func recordSpanOutcome(span trace.Span, err error) {
	if err == nil {
		span.SetStatus(codes.Ok, "")
		return
	}
	reason := ReasonOf(err)
	span.SetAttributes(attribute.String("booking.reason", string(reason)))
	if reason == ReasonInternal {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
