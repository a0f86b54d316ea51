package booking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// EndOfMonthValidity is the validity value that makes a batch expire at the end of the month of
// purchase instead of after a number of days.
const EndOfMonthValidity = 1

// PurchaseRequest records an already paid block of credits.
type PurchaseRequest struct {
	OwnerUserID       UserID
	Credits           int64
	ValidityDays      int
	TransactionRef    string
	AuthorizationCode string
	Email             string
	DisplayName       string
}

// NewPurchaseRequest validates raw purchase input.
func NewPurchaseRequest(ownerUserID string, credits int64, validityDays int, transactionRef string, authorizationCode string) (PurchaseRequest, error) {
	owner, err := NewUserID(ownerUserID)
	if err != nil {
		return PurchaseRequest{}, err
	}
	request := PurchaseRequest{
		OwnerUserID:       owner,
		Credits:           credits,
		ValidityDays:      validityDays,
		TransactionRef:    strings.TrimSpace(transactionRef),
		AuthorizationCode: strings.TrimSpace(authorizationCode),
	}
	if err := request.validate(); err != nil {
		return PurchaseRequest{}, err
	}
	return request, nil
}

func (request PurchaseRequest) validate() error {
	if request.OwnerUserID.IsZero() {
		return fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	if request.Credits <= 0 {
		return fmt.Errorf("%w: must be greater than zero", ErrInvalidCredits)
	}
	if request.ValidityDays < 1 {
		return fmt.Errorf("%w: must be at least one day", ErrInvalidValidity)
	}
	return nil
}

// PurchaseResult describes a committed purchase.
type PurchaseResult struct {
	Batch                 CreditBatch
	TotalAvailableCredits int64
}

// BatchExpiration computes when a batch bought at purchasedAt expires. EndOfMonthValidity means
// the last millisecond of the purchase month in location; any other value adds whole days.
func BatchExpiration(purchasedAt time.Time, validityDays int, location *time.Location) time.Time {
	if validityDays == EndOfMonthValidity {
		local := purchasedAt.In(location)
		firstOfNextMonth := time.Date(local.Year(), local.Month()+1, 1, 0, 0, 0, 0, location)
		return firstOfNextMonth.Add(-time.Millisecond)
	}
	return purchasedAt.AddDate(0, 0, validityDays)
}

// Purchase stores a new batch and adds its credits to the owner's counter, creating the account
// when needed. A purchase confirmation event is published after commit.
func (service *Service) Purchase(ctx context.Context, request PurchaseRequest) (PurchaseResult, error) {
	ctx, span := service.tracer.Start(ctx, "booking.Purchase", trace.WithAttributes(
		attribute.String("booking.user_id", request.OwnerUserID.String()),
		attribute.Int64("booking.credits", request.Credits),
	))
	defer span.End()

	result, account, operationError := service.purchase(ctx, request)
	service.logOperation(ctx, OperationLog{
		Operation: operationPurchase,
		UserID:    request.OwnerUserID,
		BatchID:   result.Batch.ID,
		Credits:   request.Credits,
		Error:     operationError,
	})
	recordSpanOutcome(span, operationError)
	if operationError != nil {
		return PurchaseResult{}, operationError
	}
	service.publish(ctx, newPurchaseConfirmed(result.Batch, account, service.nowFn()))
	return result, nil
}

func (service *Service) purchase(ctx context.Context, request PurchaseRequest) (PurchaseResult, CreditAccount, error) {
	if err := request.validate(); err != nil {
		return PurchaseResult{}, CreditAccount{}, rejectValidation(err)
	}
	batchID, err := NewBatchID(service.newID())
	if err != nil {
		return PurchaseResult{}, CreditAccount{}, WrapError(operationPurchase, errorSubjectIdentity, errorCodeGenerate, err)
	}
	now := service.nowFn()
	batch := CreditBatch{
		ID:                batchID,
		UserID:            request.OwnerUserID,
		OriginalCredits:   request.Credits,
		PurchasedAt:       now,
		ExpiresAt:         BatchExpiration(now, request.ValidityDays, service.location),
		TransactionRef:    request.TransactionRef,
		AuthorizationCode: request.AuthorizationCode,
	}

	var (
		result  PurchaseResult
		account CreditAccount
	)
	err = service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		lockedAccount, err := transactionStore.EnsureAccount(ctx, CreditAccount{
			UserID:      request.OwnerUserID,
			Email:       strings.TrimSpace(request.Email),
			DisplayName: strings.TrimSpace(request.DisplayName),
		})
		if err != nil {
			return err
		}
		if err := transactionStore.InsertBatch(ctx, batch); err != nil {
			return err
		}
		updatedTotal := floorAtZero(lockedAccount.TotalAvailableCredits) + request.Credits
		if err := transactionStore.SetAccountCredits(ctx, request.OwnerUserID, updatedTotal); err != nil {
			return err
		}
		lockedAccount.TotalAvailableCredits = updatedTotal
		account = lockedAccount
		result = PurchaseResult{Batch: batch, TotalAvailableCredits: updatedTotal}
		return nil
	})
	if err != nil {
		return PurchaseResult{}, CreditAccount{}, classifyFailure(operationPurchase, err)
	}
	return result, account, nil
}

// BatchView is a batch as seen at a point in time.
type BatchView struct {
	Batch     CreditBatch
	Remaining int64
	Expired   bool
}

// AccountView is the counter next to the batch truth it caches.
type AccountView struct {
	Account          CreditAccount
	Batches          []BatchView
	SpendableCredits int64
}

// Drift reports how far the cached counter is from the spendable batch total.
func (view AccountView) Drift() int64 {
	return view.Account.TotalAvailableCredits - view.SpendableCredits
}

// Account returns the owner's counter and batches, soonest expiration first.
func (service *Service) Account(ctx context.Context, userID UserID) (AccountView, error) {
	if userID.IsZero() {
		return AccountView{}, rejectValidation(fmt.Errorf("%w: empty value", ErrInvalidUserID))
	}
	now := service.nowFn()
	var view AccountView
	err := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		account, err := transactionStore.GetAccount(ctx, userID)
		if err != nil {
			if errors.Is(err, ErrUnknownAccount) {
				return &RejectionError{Reason: ReasonNotFound, Message: fmt.Sprintf("account %s not found", userID.String()), err: err}
			}
			return err
		}
		batches, err := transactionStore.ListBatches(ctx, userID)
		if err != nil {
			return err
		}
		ordered := append([]CreditBatch(nil), batches...)
		sortBatchesByExpiration(ordered)
		views := make([]BatchView, 0, len(ordered))
		for _, batch := range ordered {
			views = append(views, BatchView{Batch: batch, Remaining: batch.Remaining(), Expired: batch.ExpiredAt(now)})
		}
		view = AccountView{Account: account, Batches: views, SpendableCredits: AvailableCredits(batches, now)}
		return nil
	})
	if err != nil {
		return AccountView{}, classifyFailure(operationAccount, err)
	}
	return view, nil
}

// RepairResult reports a counter recomputation.
type RepairResult struct {
	UserID UserID
	Before int64
	After  int64
}

// RepairAccountCredits recomputes the owner's counter from the remaining credits of unexpired
// batches. It is the recovery path for a counter that drifted from its batches.
func (service *Service) RepairAccountCredits(ctx context.Context, userID UserID) (RepairResult, error) {
	ctx, span := service.tracer.Start(ctx, "booking.RepairAccountCredits", trace.WithAttributes(
		attribute.String("booking.user_id", userID.String()),
	))
	defer span.End()

	result, operationError := service.repair(ctx, userID)
	service.logOperation(ctx, OperationLog{
		Operation: operationRepair,
		UserID:    userID,
		Credits:   result.After - result.Before,
		Error:     operationError,
	})
	recordSpanOutcome(span, operationError)
	if operationError != nil {
		return RepairResult{}, operationError
	}
	return result, nil
}

func (service *Service) repair(ctx context.Context, userID UserID) (RepairResult, error) {
	if userID.IsZero() {
		return RepairResult{}, rejectValidation(fmt.Errorf("%w: empty value", ErrInvalidUserID))
	}
	now := service.nowFn()
	var result RepairResult
	err := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		account, err := transactionStore.LockAccount(ctx, userID)
		if err != nil {
			if errors.Is(err, ErrUnknownAccount) {
				return &RejectionError{Reason: ReasonNotFound, Message: fmt.Sprintf("account %s not found", userID.String()), err: err}
			}
			return err
		}
		batches, err := transactionStore.ListBatches(ctx, userID)
		if err != nil {
			return err
		}
		recomputed := AvailableCredits(batches, now)
		if recomputed != account.TotalAvailableCredits {
			if err := transactionStore.SetAccountCredits(ctx, userID, recomputed); err != nil {
				return err
			}
		}
		result = RepairResult{UserID: userID, Before: account.TotalAvailableCredits, After: recomputed}
		return nil
	})
	if err != nil {
		return RepairResult{}, classifyFailure(operationRepair, err)
	}
	return result, nil
}
