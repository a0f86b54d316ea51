package booking

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Input validation errors. Each is reported to callers with ReasonValidation.
var (
	ErrInvalidUserID            = errors.New("invalid user id")
	ErrInvalidReservationID     = errors.New("invalid reservation id")
	ErrInvalidBatchID           = errors.New("invalid batch id")
	ErrInvalidSlotID            = errors.New("invalid slot id")
	ErrInvalidResourceID        = errors.New("invalid resource id")
	ErrInvalidSlotKey           = errors.New("invalid slot key")
	ErrInvalidClockTime         = errors.New("invalid clock time")
	ErrInvalidReservationStatus = errors.New("invalid reservation status")
	ErrInvalidCredits           = errors.New("invalid credits")
	ErrInvalidValidity          = errors.New("invalid validity")
	ErrEmptyResourceSet         = errors.New("empty resource set")
	ErrDuplicateResource        = errors.New("duplicate resource")
)

// Lookup and persistence errors reported by Store and Catalog implementations.
var (
	ErrUnknownAccount           = errors.New("unknown account")
	ErrUnknownBatch             = errors.New("unknown batch")
	ErrUnknownReservation       = errors.New("unknown reservation")
	ErrUnknownSlot              = errors.New("unknown slot")
	ErrUnknownResource          = errors.New("unknown resource")
	ErrClaimRace                = errors.New("resource claimed concurrently")
	ErrBatchConflict            = errors.New("batch changed concurrently")
	ErrBatchAlreadyAccounted    = errors.New("batch already accounted for expiration")
	ErrReservationStatusChanged = errors.New("reservation status changed")
	ErrInvalidServiceConfig     = errors.New("invalid service config")
)

var validationErrors = []error{
	ErrInvalidUserID,
	ErrInvalidReservationID,
	ErrInvalidBatchID,
	ErrInvalidSlotID,
	ErrInvalidResourceID,
	ErrInvalidSlotKey,
	ErrInvalidClockTime,
	ErrInvalidReservationStatus,
	ErrInvalidCredits,
	ErrInvalidValidity,
	ErrEmptyResourceSet,
	ErrDuplicateResource,
}

// Reason is the stable, machine-readable code attached to a rejected operation.
type Reason string

const (
	ReasonValidation          Reason = "VALIDATION"
	ReasonDuplicateBooking    Reason = "DUPLICATE_BOOKING"
	ReasonResourceConflict    Reason = "RESOURCE_CONFLICT"
	ReasonInsufficientCredits Reason = "INSUFFICIENT_CREDITS"
	ReasonNotFound            Reason = "NOT_FOUND"
	ReasonAlreadyCancelled    Reason = "ALREADY_CANCELLED"
	ReasonTooLateToCancel     Reason = "TOO_LATE_TO_CANCEL"
	ReasonInternal            Reason = "INTERNAL"
)

// RejectionError is a user-facing refusal. No state was changed when it is returned.
type RejectionError struct {
	Reason               Reason
	Message              string
	ConflictingResources []ResourceID
	Required             int64
	Available            int64
	err                  error
}

// Error returns the reason code and message.
func (rejection *RejectionError) Error() string {
	return fmt.Sprintf("%s: %s", rejection.Reason, rejection.Message)
}

// Unwrap returns the underlying cause, if any.
func (rejection *RejectionError) Unwrap() error {
	return rejection.err
}

// ReasonOf classifies err. Validation sentinels map to ReasonValidation and anything that is not
// a RejectionError maps to ReasonInternal.
func ReasonOf(err error) Reason {
	if err == nil {
		return ""
	}
	var rejection *RejectionError
	if errors.As(err, &rejection) {
		return rejection.Reason
	}
	if IsValidationError(err) {
		return ReasonValidation
	}
	return ReasonInternal
}

// IsValidationError reports whether err stems from malformed input.
func IsValidationError(err error) bool {
	for _, target := range validationErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func rejectValidation(err error) *RejectionError {
	return &RejectionError{Reason: ReasonValidation, Message: err.Error(), err: err}
}

func rejectDuplicateBooking(slot SlotKey) *RejectionError {
	return &RejectionError{
		Reason:  ReasonDuplicateBooking,
		Message: fmt.Sprintf("user already holds a reservation for slot %s", slot.String()),
	}
}

func rejectResourceConflict(conflicting []ResourceID) *RejectionError {
	labels := make([]string, 0, len(conflicting))
	for _, resourceID := range conflicting {
		labels = append(labels, resourceID.String())
	}
	return &RejectionError{
		Reason:               ReasonResourceConflict,
		Message:              fmt.Sprintf("resources already reserved: %s", strings.Join(labels, ", ")),
		ConflictingResources: conflicting,
	}
}

func rejectInsufficientCredits(required int64, available int64) *RejectionError {
	return &RejectionError{
		Reason:    ReasonInsufficientCredits,
		Message:   fmt.Sprintf("insufficient credits: required %d, available %d", required, available),
		Required:  required,
		Available: available,
	}
}

func rejectNotFound(reservationID ReservationID) *RejectionError {
	return &RejectionError{
		Reason:  ReasonNotFound,
		Message: fmt.Sprintf("reservation %s not found", reservationID.String()),
		err:     ErrUnknownReservation,
	}
}

func rejectAlreadyCancelled(reservation Reservation) *RejectionError {
	return &RejectionError{
		Reason:  ReasonAlreadyCancelled,
		Message: fmt.Sprintf("reservation %s is %s and cannot be cancelled", reservation.ID.String(), reservation.Status),
	}
}

func rejectTooLate(cutoff time.Duration) *RejectionError {
	return &RejectionError{
		Reason:  ReasonTooLateToCancel,
		Message: fmt.Sprintf("reservations can only be cancelled at least %s before the class starts", cutoff.String()),
	}
}

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}

// classifyFailure passes rejections through and wraps everything else as an opaque store failure.
func classifyFailure(operation string, err error) error {
	if err == nil {
		return nil
	}
	var rejection *RejectionError
	if errors.As(err, &rejection) {
		return rejection
	}
	if IsValidationError(err) {
		return rejectValidation(err)
	}
	return WrapError(operation, errorSubjectStore, errorCodeFailure, err)
}
