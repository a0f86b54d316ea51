package booking

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestReasonOfClassifiesErrors(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name     string
		err      error
		expected Reason
	}{
		{name: "nil", err: nil, expected: ""},
		{name: "rejection", err: rejectTooLate(2 * time.Hour), expected: ReasonTooLateToCancel},
		{name: "wrapped rejection", err: fmt.Errorf("outer: %w", rejectAlreadyCancelled(Reservation{})), expected: ReasonAlreadyCancelled},
		{name: "validation sentinel", err: fmt.Errorf("%w: empty value", ErrInvalidUserID), expected: ReasonValidation},
		{name: "store failure", err: WrapError(operationReserve, errorSubjectStore, errorCodeFailure, errors.New("boom")), expected: ReasonInternal},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			if got := ReasonOf(testCase.err); got != testCase.expected {
				test.Fatalf("expected %q, got %q", testCase.expected, got)
			}
		})
	}
}

func TestRejectionErrorFormatting(test *testing.T) {
	test.Parallel()
	rejection := rejectInsufficientCredits(3, 1)
	if rejection.Error() != "INSUFFICIENT_CREDITS: insufficient credits: required 3, available 1" {
		test.Fatalf("unexpected message %q", rejection.Error())
	}
	conflict := rejectResourceConflict(mustResourceIDs(test, "bike-2", "bike-4"))
	if conflict.Message != "resources already reserved: bike-2, bike-4" {
		test.Fatalf("unexpected conflict message %q", conflict.Message)
	}
}

func TestClassifyFailure(test *testing.T) {
	test.Parallel()
	if classifyFailure(operationCancel, nil) != nil {
		test.Fatalf("expected nil for nil error")
	}
	validation := classifyFailure(operationCancel, fmt.Errorf("%w: bad", ErrInvalidCredits))
	var rejection *RejectionError
	if !errors.As(validation, &rejection) || rejection.Reason != ReasonValidation || !errors.Is(validation, ErrInvalidCredits) {
		test.Fatalf("expected validation rejection wrapping the sentinel, got %v", validation)
	}
	cause := errors.New("timeout")
	wrapped := classifyFailure(operationCancel, cause)
	var operationError OperationError
	if !errors.As(wrapped, &operationError) {
		test.Fatalf("expected OperationError, got %T", wrapped)
	}
	if operationError.Operation() != operationCancel || operationError.Subject() != errorSubjectStore || operationError.Code() != errorCodeFailure {
		test.Fatalf("unexpected operation error segments: %v", operationError)
	}
	if !errors.Is(wrapped, cause) || wrapped.Error() != "cancel.store.failure: timeout" {
		test.Fatalf("unexpected wrapped error %q", wrapped.Error())
	}
}

func TestNewServiceRejectsMissingDependencies(test *testing.T) {
	test.Parallel()
	store := newMemoryStore()
	catalog := newStubCatalog()
	if _, err := NewService(nil, catalog, time.Now); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected config error for nil store, got %v", err)
	}
	if _, err := NewService(store, nil, time.Now); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected config error for nil catalog, got %v", err)
	}
	if _, err := NewService(store, catalog, nil); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected config error for nil clock, got %v", err)
	}
}

func TestOperationLogStatuses(test *testing.T) {
	test.Parallel()
	fixture := newBookingFixture(test)
	userID := fixture.seedAccount(test, ownerUser, 2)
	fixture.seedBatch(test, userID, "batch-a", 2, 0, referenceNow.AddDate(0, 0, 5))
	fixture.mustReserve(test, ownerUser, nextMondayClass(test), "bike-1")
	_, _ = fixture.service.Reserve(context.Background(), ReserveRequest{
		OwnerUserID: userID,
		ResourceIDs: mustResourceIDs(test, "bike-2"),
		Slot:        nextMondayClass(test),
	})
	_, _ = fixture.service.Cancel(context.Background(), mustReservationID(test, "missing"))

	entries := fixture.logger.recorded()
	if len(entries) != 3 {
		test.Fatalf("expected 3 log entries, got %d", len(entries))
	}
	if entries[0].Status != operationStatusOK || entries[0].Operation != operationReserve || entries[0].Credits != 1 {
		test.Fatalf("unexpected reserve entry: %+v", entries[0])
	}
	if entries[1].Status != operationStatusRejected || entries[1].Reason != ReasonDuplicateBooking {
		test.Fatalf("unexpected duplicate entry: %+v", entries[1])
	}
	if entries[2].Status != operationStatusRejected || entries[2].Reason != ReasonNotFound {
		test.Fatalf("unexpected cancel entry: %+v", entries[2])
	}
}
