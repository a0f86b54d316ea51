package booking

import (
	"context"
	"time"
)

// Store is the persistence contract used by Service and Sweeper. Methods that return locked rows
// only hold the lock when called on the store handed to a WithTx callback.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	AccountStore
	BatchStore
	ReservationStore
}

// AccountStore manages the per-user aggregate credit counter.
type AccountStore interface {
	GetAccount(ctx context.Context, userID UserID) (CreditAccount, error)
	LockAccount(ctx context.Context, userID UserID) (CreditAccount, error)
	// EnsureAccount creates the account with a zero counter when it does not exist and returns
	// the locked current row. Contact fields are filled in when they were empty.
	EnsureAccount(ctx context.Context, account CreditAccount) (CreditAccount, error)
	SetAccountCredits(ctx context.Context, userID UserID, total int64) error
}

// BatchStore manages credit batches.
type BatchStore interface {
	InsertBatch(ctx context.Context, batch CreditBatch) error
	ListBatches(ctx context.Context, userID UserID) ([]CreditBatch, error)
	LockBatch(ctx context.Context, batchID BatchID) (CreditBatch, error)
	// UpdateBatchConsumption moves consumed credits from one value to another and fails with
	// ErrBatchConflict when the stored value is no longer from.
	UpdateBatchConsumption(ctx context.Context, batchID BatchID, from int64, to int64) error
	// ListExpiredUnaccountedBatches pages through batches that expired before at, ordered by
	// expiration then id, starting strictly after the cursor.
	ListExpiredUnaccountedBatches(ctx context.Context, at time.Time, after BatchCursor, limit int) ([]CreditBatch, error)
	MarkBatchAccounted(ctx context.Context, batchID BatchID) error
}

// ReservationStore manages live reservations, their resource claims and the archive.
type ReservationStore interface {
	// LockSlot serializes writers of one slot for the rest of the transaction.
	LockSlot(ctx context.Context, slot SlotKey) error
	HasActiveReservation(ctx context.Context, ownerUserID UserID, slot SlotKey) (bool, error)
	// ClaimedResources returns the subset of resourceIDs held by active reservations of slot.
	ClaimedResources(ctx context.Context, slot SlotKey, resourceIDs []ResourceID) ([]ResourceID, error)
	// InsertReservation stores an active reservation and its claims. A claim that collides with a
	// concurrent insert fails with ErrClaimRace.
	InsertReservation(ctx context.Context, reservation Reservation) error
	LockReservation(ctx context.Context, reservationID ReservationID) (Reservation, error)
	// UpdateReservationStatus releases the claims when the reservation leaves the active state.
	UpdateReservationStatus(ctx context.Context, reservationID ReservationID, from ReservationStatus, to ReservationStatus) error
	// ListReservations pages through live reservations ordered by start instant then id, starting
	// strictly after the cursor.
	ListReservations(ctx context.Context, after ReservationCursor, limit int) ([]Reservation, error)
	ArchiveReservation(ctx context.Context, archived ArchivedReservation) error
	DeleteReservation(ctx context.Context, reservationID ReservationID) error
}

// ReservationCursor positions a reservation listing. The zero value starts from the beginning.
type ReservationCursor struct {
	StartsAt time.Time
	ID       ReservationID
}

// IsZero reports whether the cursor starts from the beginning.
func (cursor ReservationCursor) IsZero() bool {
	return cursor.ID.IsZero()
}

// BatchCursor positions an expired-batch listing. The zero value starts from the beginning.
type BatchCursor struct {
	ExpiresAt time.Time
	ID        BatchID
}

// IsZero reports whether the cursor starts from the beginning.
func (cursor BatchCursor) IsZero() bool {
	return cursor.ID.String() == ""
}

// Catalog resolves slots and resources. The engine only reads from it.
type Catalog interface {
	GetSlot(ctx context.Context, slotID SlotID) (Slot, error)
	// GetResources returns resources in the order requested, failing with ErrUnknownResource
	// when any id is missing.
	GetResources(ctx context.Context, resourceIDs []ResourceID) ([]Resource, error)
}

// EventPublisher receives events after their transaction committed.
type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
}
