package booking

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"
)

var errNegativeCounter = errors.New("negative counter")

type memoryState struct {
	accounts     map[UserID]CreditAccount
	batches      map[BatchID]CreditBatch
	reservations map[ReservationID]Reservation
	archived     []ArchivedReservation
}

func newMemoryState() *memoryState {
	return &memoryState{
		accounts:     map[UserID]CreditAccount{},
		batches:      map[BatchID]CreditBatch{},
		reservations: map[ReservationID]Reservation{},
	}
}

func (state *memoryState) clone() *memoryState {
	cloned := newMemoryState()
	for key, account := range state.accounts {
		cloned.accounts[key] = account
	}
	for key, batch := range state.batches {
		cloned.batches[key] = batch
	}
	for key, reservation := range state.reservations {
		reservation.ResourceIDs = append([]ResourceID(nil), reservation.ResourceIDs...)
		cloned.reservations[key] = reservation
	}
	cloned.archived = append([]ArchivedReservation(nil), state.archived...)
	return cloned
}

type memoryShared struct {
	mu           sync.Mutex
	state        *memoryState
	failures     map[string]error
	failOnce     map[string]error
	commits      int
	lockedSlots  []string
	insertedRuns int
	listCalls    int
}

// memoryStore serializes transactions behind one mutex and applies a transaction's writes only
// when its callback succeeds.
type memoryStore struct {
	shared *memoryShared
	tx     *memoryState
}

func newMemoryStore() *memoryStore {
	return &memoryStore{shared: &memoryShared{
		state:    newMemoryState(),
		failures: map[string]error{},
		failOnce: map[string]error{},
	}}
}

func (store *memoryStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	if store.tx != nil {
		return fn(ctx, store)
	}
	store.shared.mu.Lock()
	defer store.shared.mu.Unlock()
	working := store.shared.state.clone()
	if err := fn(ctx, &memoryStore{shared: store.shared, tx: working}); err != nil {
		return err
	}
	store.shared.state = working
	store.shared.commits++
	return nil
}

func (store *memoryStore) current() (*memoryState, func()) {
	if store.tx != nil {
		return store.tx, func() {}
	}
	store.shared.mu.Lock()
	return store.shared.state, store.shared.mu.Unlock
}

// failure must be called while the shared lock is held.
func (store *memoryStore) failure(method string) error {
	if err, ok := store.shared.failOnce[method]; ok {
		delete(store.shared.failOnce, method)
		return err
	}
	return store.shared.failures[method]
}

func (store *memoryStore) failWith(method string, err error) {
	store.shared.mu.Lock()
	defer store.shared.mu.Unlock()
	store.shared.failures[method] = err
}

func (store *memoryStore) failOnceWith(method string, err error) {
	store.shared.mu.Lock()
	defer store.shared.mu.Unlock()
	store.shared.failOnce[method] = err
}

func (store *memoryStore) GetAccount(ctx context.Context, userID UserID) (CreditAccount, error) {
	state, release := store.current()
	defer release()
	if err := store.failure("GetAccount"); err != nil {
		return CreditAccount{}, err
	}
	account, ok := state.accounts[userID]
	if !ok {
		return CreditAccount{}, ErrUnknownAccount
	}
	return account, nil
}

func (store *memoryStore) LockAccount(ctx context.Context, userID UserID) (CreditAccount, error) {
	state, release := store.current()
	defer release()
	if err := store.failure("LockAccount"); err != nil {
		return CreditAccount{}, err
	}
	account, ok := state.accounts[userID]
	if !ok {
		return CreditAccount{}, ErrUnknownAccount
	}
	return account, nil
}

func (store *memoryStore) EnsureAccount(ctx context.Context, account CreditAccount) (CreditAccount, error) {
	state, release := store.current()
	defer release()
	if err := store.failure("EnsureAccount"); err != nil {
		return CreditAccount{}, err
	}
	existing, ok := state.accounts[account.UserID]
	if !ok {
		existing = CreditAccount{UserID: account.UserID}
	}
	if existing.Email == "" {
		existing.Email = account.Email
	}
	if existing.DisplayName == "" {
		existing.DisplayName = account.DisplayName
	}
	state.accounts[account.UserID] = existing
	return existing, nil
}

func (store *memoryStore) SetAccountCredits(ctx context.Context, userID UserID, total int64) error {
	state, release := store.current()
	defer release()
	if err := store.failure("SetAccountCredits"); err != nil {
		return err
	}
	if total < 0 {
		return errNegativeCounter
	}
	account, ok := state.accounts[userID]
	if !ok {
		return ErrUnknownAccount
	}
	account.TotalAvailableCredits = total
	state.accounts[userID] = account
	return nil
}

func (store *memoryStore) InsertBatch(ctx context.Context, batch CreditBatch) error {
	state, release := store.current()
	defer release()
	if err := store.failure("InsertBatch"); err != nil {
		return err
	}
	if _, exists := state.batches[batch.ID]; exists {
		return fmt.Errorf("batch %s exists", batch.ID.String())
	}
	state.batches[batch.ID] = batch
	return nil
}

func (store *memoryStore) ListBatches(ctx context.Context, userID UserID) ([]CreditBatch, error) {
	state, release := store.current()
	defer release()
	if err := store.failure("ListBatches"); err != nil {
		return nil, err
	}
	batches := make([]CreditBatch, 0)
	for _, batch := range state.batches {
		if batch.UserID == userID {
			batches = append(batches, batch)
		}
	}
	sort.Slice(batches, func(left, right int) bool {
		return batches[left].ID.String() < batches[right].ID.String()
	})
	return batches, nil
}

func (store *memoryStore) LockBatch(ctx context.Context, batchID BatchID) (CreditBatch, error) {
	state, release := store.current()
	defer release()
	if err := store.failure("LockBatch"); err != nil {
		return CreditBatch{}, err
	}
	if err := store.failure("LockBatch:" + batchID.String()); err != nil {
		return CreditBatch{}, err
	}
	batch, ok := state.batches[batchID]
	if !ok {
		return CreditBatch{}, ErrUnknownBatch
	}
	return batch, nil
}

func (store *memoryStore) UpdateBatchConsumption(ctx context.Context, batchID BatchID, from int64, to int64) error {
	state, release := store.current()
	defer release()
	if err := store.failure("UpdateBatchConsumption"); err != nil {
		return err
	}
	batch, ok := state.batches[batchID]
	if !ok {
		return ErrUnknownBatch
	}
	if batch.ConsumedCredits != from {
		return ErrBatchConflict
	}
	if to < 0 || to > batch.OriginalCredits {
		return fmt.Errorf("consumed %d out of range for batch %s", to, batchID.String())
	}
	batch.ConsumedCredits = to
	state.batches[batchID] = batch
	return nil
}

func (store *memoryStore) ListExpiredUnaccountedBatches(ctx context.Context, at time.Time, after BatchCursor, limit int) ([]CreditBatch, error) {
	state, release := store.current()
	defer release()
	if err := store.failure("ListExpiredUnaccountedBatches"); err != nil {
		return nil, err
	}
	batches := make([]CreditBatch, 0)
	for _, batch := range state.batches {
		if batch.AccountedForExpiration || !batch.ExpiresAt.Before(at) {
			continue
		}
		if !after.IsZero() && !batchFollows(batch, after) {
			continue
		}
		batches = append(batches, batch)
	}
	sort.Slice(batches, func(left, right int) bool {
		if !batches[left].ExpiresAt.Equal(batches[right].ExpiresAt) {
			return batches[left].ExpiresAt.Before(batches[right].ExpiresAt)
		}
		return batches[left].ID.String() < batches[right].ID.String()
	})
	if limit > 0 && len(batches) > limit {
		batches = batches[:limit]
	}
	return batches, nil
}

func batchFollows(batch CreditBatch, cursor BatchCursor) bool {
	if !batch.ExpiresAt.Equal(cursor.ExpiresAt) {
		return batch.ExpiresAt.After(cursor.ExpiresAt)
	}
	return batch.ID.String() > cursor.ID.String()
}

func (store *memoryStore) MarkBatchAccounted(ctx context.Context, batchID BatchID) error {
	state, release := store.current()
	defer release()
	if err := store.failure("MarkBatchAccounted"); err != nil {
		return err
	}
	batch, ok := state.batches[batchID]
	if !ok {
		return ErrUnknownBatch
	}
	if batch.AccountedForExpiration {
		return ErrBatchAlreadyAccounted
	}
	batch.AccountedForExpiration = true
	state.batches[batchID] = batch
	return nil
}

func (store *memoryStore) LockSlot(ctx context.Context, slot SlotKey) error {
	_, release := store.current()
	defer release()
	store.shared.lockedSlots = append(store.shared.lockedSlots, slot.String())
	return store.failure("LockSlot")
}

func (store *memoryStore) HasActiveReservation(ctx context.Context, ownerUserID UserID, slot SlotKey) (bool, error) {
	state, release := store.current()
	defer release()
	if err := store.failure("HasActiveReservation"); err != nil {
		return false, err
	}
	for _, reservation := range state.reservations {
		if reservation.Status == ReservationStatusActive && reservation.OwnerUserID == ownerUserID && reservation.Slot.Equal(slot) {
			return true, nil
		}
	}
	return false, nil
}

func (store *memoryStore) ClaimedResources(ctx context.Context, slot SlotKey, resourceIDs []ResourceID) ([]ResourceID, error) {
	state, release := store.current()
	defer release()
	if err := store.failure("ClaimedResources"); err != nil {
		return nil, err
	}
	return claimedIn(state, slot, resourceIDs), nil
}

func claimedIn(state *memoryState, slot SlotKey, resourceIDs []ResourceID) []ResourceID {
	held := map[ResourceID]struct{}{}
	for _, reservation := range state.reservations {
		if reservation.Status != ReservationStatusActive || !reservation.Slot.Equal(slot) {
			continue
		}
		for _, resourceID := range reservation.ResourceIDs {
			held[resourceID] = struct{}{}
		}
	}
	var claimed []ResourceID
	for _, resourceID := range resourceIDs {
		if _, ok := held[resourceID]; ok {
			claimed = append(claimed, resourceID)
		}
	}
	return claimed
}

func (store *memoryStore) InsertReservation(ctx context.Context, reservation Reservation) error {
	state, release := store.current()
	defer release()
	store.shared.insertedRuns++
	if err := store.failure("InsertReservation"); err != nil {
		return err
	}
	if len(claimedIn(state, reservation.Slot, reservation.ResourceIDs)) > 0 {
		return ErrClaimRace
	}
	reservation.ResourceIDs = append([]ResourceID(nil), reservation.ResourceIDs...)
	state.reservations[reservation.ID] = reservation
	return nil
}

func (store *memoryStore) LockReservation(ctx context.Context, reservationID ReservationID) (Reservation, error) {
	state, release := store.current()
	defer release()
	if err := store.failure("LockReservation"); err != nil {
		return Reservation{}, err
	}
	reservation, ok := state.reservations[reservationID]
	if !ok {
		return Reservation{}, ErrUnknownReservation
	}
	return reservation, nil
}

func (store *memoryStore) UpdateReservationStatus(ctx context.Context, reservationID ReservationID, from ReservationStatus, to ReservationStatus) error {
	state, release := store.current()
	defer release()
	if err := store.failure("UpdateReservationStatus"); err != nil {
		return err
	}
	reservation, ok := state.reservations[reservationID]
	if !ok {
		return ErrUnknownReservation
	}
	if reservation.Status != from {
		return ErrReservationStatusChanged
	}
	reservation.Status = to
	state.reservations[reservationID] = reservation
	return nil
}

func (store *memoryStore) ListReservations(ctx context.Context, after ReservationCursor, limit int) ([]Reservation, error) {
	state, release := store.current()
	defer release()
	if err := store.failure("ListReservations"); err != nil {
		return nil, err
	}
	store.shared.listCalls++
	reservations := make([]Reservation, 0, len(state.reservations))
	for _, reservation := range state.reservations {
		if !after.IsZero() && !reservationFollows(reservation, after) {
			continue
		}
		reservations = append(reservations, reservation)
	}
	sort.Slice(reservations, func(left, right int) bool {
		leftStart, rightStart := reservations[left].Slot.StartsAt(), reservations[right].Slot.StartsAt()
		if !leftStart.Equal(rightStart) {
			return leftStart.Before(rightStart)
		}
		return reservations[left].ID.String() < reservations[right].ID.String()
	})
	if limit > 0 && len(reservations) > limit {
		reservations = reservations[:limit]
	}
	return reservations, nil
}

func reservationFollows(reservation Reservation, cursor ReservationCursor) bool {
	startsAt := reservation.Slot.StartsAt()
	if !startsAt.Equal(cursor.StartsAt) {
		return startsAt.After(cursor.StartsAt)
	}
	return reservation.ID.String() > cursor.ID.String()
}

func (store *memoryStore) ArchiveReservation(ctx context.Context, archived ArchivedReservation) error {
	state, release := store.current()
	defer release()
	if err := store.failure("ArchiveReservation"); err != nil {
		return err
	}
	state.archived = append(state.archived, archived)
	return nil
}

func (store *memoryStore) DeleteReservation(ctx context.Context, reservationID ReservationID) error {
	state, release := store.current()
	defer release()
	if err := store.failure("DeleteReservation"); err != nil {
		return err
	}
	if _, ok := state.reservations[reservationID]; !ok {
		return ErrUnknownReservation
	}
	delete(state.reservations, reservationID)
	return nil
}

func (store *memoryStore) mustAccount(test *testing.T, userID UserID) CreditAccount {
	test.Helper()
	store.shared.mu.Lock()
	defer store.shared.mu.Unlock()
	account, ok := store.shared.state.accounts[userID]
	if !ok {
		test.Fatalf("account %s not found", userID.String())
	}
	return account
}

func (store *memoryStore) mustBatch(test *testing.T, batchID BatchID) CreditBatch {
	test.Helper()
	store.shared.mu.Lock()
	defer store.shared.mu.Unlock()
	batch, ok := store.shared.state.batches[batchID]
	if !ok {
		test.Fatalf("batch %s not found", batchID.String())
	}
	return batch
}

func (store *memoryStore) reservation(reservationID ReservationID) (Reservation, bool) {
	store.shared.mu.Lock()
	defer store.shared.mu.Unlock()
	reservation, ok := store.shared.state.reservations[reservationID]
	return reservation, ok
}

func (store *memoryStore) reservationCount() int {
	store.shared.mu.Lock()
	defer store.shared.mu.Unlock()
	return len(store.shared.state.reservations)
}

func (store *memoryStore) activeReservations(slot SlotKey) []Reservation {
	store.shared.mu.Lock()
	defer store.shared.mu.Unlock()
	var active []Reservation
	for _, reservation := range store.shared.state.reservations {
		if reservation.Status == ReservationStatusActive && reservation.Slot.Equal(slot) {
			active = append(active, reservation)
		}
	}
	return active
}

func (store *memoryStore) reservationListings() int {
	store.shared.mu.Lock()
	defer store.shared.mu.Unlock()
	return store.shared.listCalls
}

func (store *memoryStore) archivedRecords() []ArchivedReservation {
	store.shared.mu.Lock()
	defer store.shared.mu.Unlock()
	return append([]ArchivedReservation(nil), store.shared.state.archived...)
}

func (store *memoryStore) putAccount(account CreditAccount) {
	store.shared.mu.Lock()
	defer store.shared.mu.Unlock()
	store.shared.state.accounts[account.UserID] = account
}

func (store *memoryStore) putBatch(batch CreditBatch) {
	store.shared.mu.Lock()
	defer store.shared.mu.Unlock()
	store.shared.state.batches[batch.ID] = batch
}

func (store *memoryStore) putReservation(reservation Reservation) {
	store.shared.mu.Lock()
	defer store.shared.mu.Unlock()
	store.shared.state.reservations[reservation.ID] = reservation
}

func (store *memoryStore) deleteAccount(userID UserID) {
	store.shared.mu.Lock()
	defer store.shared.mu.Unlock()
	delete(store.shared.state.accounts, userID)
}
