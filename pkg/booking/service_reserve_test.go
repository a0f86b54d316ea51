package booking

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestReserveConsumesCreditsAndClaimsResources(test *testing.T) {
	test.Parallel()
	fixture := newBookingFixture(test)
	userID := fixture.seedAccount(test, ownerUser, 10)
	batchID := fixture.seedBatch(test, userID, "batch-a", 10, 0, referenceNow.AddDate(0, 0, 30))
	slot := nextMondayClass(test)

	result := fixture.mustReserve(test, ownerUser, slot, "bike-1", "bike-2", "bike-3")

	if result.Reservation.Status != ReservationStatusActive {
		test.Fatalf("expected active reservation, got %s", result.Reservation.Status)
	}
	if result.Reservation.CreditsCharged != 3 {
		test.Fatalf("expected 3 credits charged, got %d", result.Reservation.CreditsCharged)
	}
	if result.TotalAvailableCredits != 7 {
		test.Fatalf("expected counter 7, got %d", result.TotalAvailableCredits)
	}
	if got := fixture.store.mustBatch(test, batchID).ConsumedCredits; got != 3 {
		test.Fatalf("expected batch consumed 3, got %d", got)
	}
	if got := fixture.store.mustAccount(test, userID).TotalAvailableCredits; got != 7 {
		test.Fatalf("expected stored counter 7, got %d", got)
	}
	if result.Slot.InstructorName != "Dana" || len(result.Resources) != 3 || result.Resources[0].Label != "1" {
		test.Fatalf("expected resolved slot and resources, got %+v %+v", result.Slot, result.Resources)
	}
	stored, ok := fixture.store.reservation(result.Reservation.ID)
	if !ok || !stored.Slot.Equal(slot) {
		test.Fatalf("expected stored reservation for slot %s, got %+v", slot.String(), stored)
	}
}

func TestReserveConsumesSoonestExpiringBatchFirst(test *testing.T) {
	test.Parallel()
	fixture := newBookingFixture(test)
	userID := fixture.seedAccount(test, ownerUser, 10)
	later := fixture.seedBatch(test, userID, "batch-later", 5, 0, referenceNow.AddDate(0, 0, 60))
	sooner := fixture.seedBatch(test, userID, "batch-sooner", 5, 1, referenceNow.AddDate(0, 0, 20))

	result := fixture.mustReserve(test, ownerUser, nextMondayClass(test), "bike-1", "bike-2")

	if got := fixture.store.mustBatch(test, sooner).ConsumedCredits; got != 3 {
		test.Fatalf("expected sooner batch consumed 3, got %d", got)
	}
	if got := fixture.store.mustBatch(test, later).ConsumedCredits; got != 0 {
		test.Fatalf("expected later batch untouched, got %d", got)
	}
	expected := []BatchDelta{{
		BatchID:        sooner,
		Credits:        2,
		ConsumedBefore: 1,
		ConsumedAfter:  3,
		ExpiresAt:      referenceNow.AddDate(0, 0, 20),
	}}
	if diff := cmp.Diff(expected, result.Consumption, cmp.AllowUnexported(BatchID{})); diff != "" {
		test.Fatalf("unexpected consumption (-want +got):\n%s", diff)
	}
}

func TestReserveSpillsAcrossBatchesAndSkipsExpired(test *testing.T) {
	test.Parallel()
	fixture := newBookingFixture(test)
	userID := fixture.seedAccount(test, ownerUser, 4)
	expired := fixture.seedBatch(test, userID, "batch-expired", 10, 0, referenceNow.Add(-time.Hour))
	first := fixture.seedBatch(test, userID, "batch-first", 2, 1, referenceNow.AddDate(0, 0, 5))
	second := fixture.seedBatch(test, userID, "batch-second", 3, 0, referenceNow.AddDate(0, 0, 9))

	result := fixture.mustReserve(test, ownerUser, nextMondayClass(test), "bike-1", "bike-2", "bike-3")

	if got := fixture.store.mustBatch(test, expired).ConsumedCredits; got != 0 {
		test.Fatalf("expected expired batch untouched, got %d", got)
	}
	if got := fixture.store.mustBatch(test, first).ConsumedCredits; got != 2 {
		test.Fatalf("expected first batch exhausted, got %d", got)
	}
	if got := fixture.store.mustBatch(test, second).ConsumedCredits; got != 2 {
		test.Fatalf("expected second batch consumed 2, got %d", got)
	}
	if result.TotalAvailableCredits != 1 {
		test.Fatalf("expected counter 1, got %d", result.TotalAvailableCredits)
	}
}

func TestReserveRejectsDuplicateBookingForSameSlot(test *testing.T) {
	test.Parallel()
	fixture := newBookingFixture(test)
	userID := fixture.seedAccount(test, ownerUser, 10)
	fixture.seedBatch(test, userID, "batch-a", 10, 0, referenceNow.AddDate(0, 0, 30))
	slot := nextMondayClass(test)
	fixture.mustReserve(test, ownerUser, slot, "bike-1")

	_, err := fixture.service.Reserve(context.Background(), ReserveRequest{
		OwnerUserID: userID,
		ResourceIDs: mustResourceIDs(test, "bike-2"),
		Slot:        slot,
	})

	mustRejection(test, err, ReasonDuplicateBooking)
	if got := fixture.store.mustAccount(test, userID).TotalAvailableCredits; got != 9 {
		test.Fatalf("expected counter unchanged at 9, got %d", got)
	}
}

func TestReserveRejectsConflictListingTakenResources(test *testing.T) {
	test.Parallel()
	fixture := newBookingFixture(test)
	firstUser := fixture.seedAccount(test, ownerUser, 10)
	fixture.seedBatch(test, firstUser, "batch-a", 10, 0, referenceNow.AddDate(0, 0, 30))
	secondUser := fixture.seedAccount(test, otherUser, 10)
	secondBatch := fixture.seedBatch(test, secondUser, "batch-b", 10, 0, referenceNow.AddDate(0, 0, 30))
	slot := nextMondayClass(test)
	fixture.mustReserve(test, ownerUser, slot, "bike-2", "bike-4")

	_, err := fixture.service.Reserve(context.Background(), ReserveRequest{
		OwnerUserID: secondUser,
		ResourceIDs: mustResourceIDs(test, "bike-1", "bike-2", "bike-3", "bike-4"),
		Slot:        slot,
	})

	rejection := mustRejection(test, err, ReasonResourceConflict)
	expected := mustResourceIDs(test, "bike-2", "bike-4")
	if diff := cmp.Diff(expected, rejection.ConflictingResources, cmp.AllowUnexported(ResourceID{})); diff != "" {
		test.Fatalf("unexpected conflicting resources (-want +got):\n%s", diff)
	}
	if got := fixture.store.mustBatch(test, secondBatch).ConsumedCredits; got != 0 {
		test.Fatalf("expected no consumption on conflict, got %d", got)
	}
}

func TestReserveAllowsSameResourceInDifferentSlot(test *testing.T) {
	test.Parallel()
	fixture := newBookingFixture(test)
	firstUser := fixture.seedAccount(test, ownerUser, 10)
	fixture.seedBatch(test, firstUser, "batch-a", 10, 0, referenceNow.AddDate(0, 0, 60))
	secondUser := fixture.seedAccount(test, otherUser, 10)
	fixture.seedBatch(test, secondUser, "batch-b", 10, 0, referenceNow.AddDate(0, 0, 60))
	fixture.mustReserve(test, ownerUser, nextMondayClass(test), "bike-1")

	weekAfter := mustSlotKey(test, mondaySpinSlot, time.Date(2025, time.March, 24, 9, 0, 0, 0, studioZone))
	fixture.mustReserve(test, otherUser, weekAfter, "bike-1")
}

func TestReserveRejectsInsufficientCreditsWithNumbers(test *testing.T) {
	test.Parallel()
	fixture := newBookingFixture(test)
	userID := fixture.seedAccount(test, ownerUser, 12)
	fixture.seedBatch(test, userID, "batch-a", 2, 0, referenceNow.AddDate(0, 0, 30))
	fixture.seedBatch(test, userID, "batch-expired", 10, 0, referenceNow.Add(-time.Minute))

	_, err := fixture.service.Reserve(context.Background(), ReserveRequest{
		OwnerUserID: userID,
		ResourceIDs: mustResourceIDs(test, "bike-1", "bike-2", "bike-3"),
		Slot:        nextMondayClass(test),
	})

	rejection := mustRejection(test, err, ReasonInsufficientCredits)
	if rejection.Required != 3 || rejection.Available != 2 {
		test.Fatalf("expected required 3 available 2, got %d/%d", rejection.Required, rejection.Available)
	}
	if fixture.store.reservationCount() != 0 {
		test.Fatalf("expected no reservation stored")
	}
}

func TestReserveValidatesInputBeforeStoreAccess(test *testing.T) {
	test.Parallel()
	fixture := newBookingFixture(test)
	fixture.store.failWith("LockSlot", errors.New("store must not be reached"))
	userID := mustUserID(test, ownerUser)
	slot := nextMondayClass(test)

	testCases := []struct {
		name    string
		request ReserveRequest
	}{
		{name: "missing owner", request: ReserveRequest{ResourceIDs: mustResourceIDs(test, "bike-1"), Slot: slot}},
		{name: "no resources", request: ReserveRequest{OwnerUserID: userID, Slot: slot}},
		{name: "missing slot", request: ReserveRequest{OwnerUserID: userID, ResourceIDs: mustResourceIDs(test, "bike-1")}},
		{name: "repeated resource", request: ReserveRequest{OwnerUserID: userID, ResourceIDs: []ResourceID{mustResourceID(test, "bike-1"), mustResourceID(test, "bike-1")}, Slot: slot}},
		{name: "unknown slot", request: ReserveRequest{OwnerUserID: userID, ResourceIDs: mustResourceIDs(test, "bike-1"), Slot: mustSlotKey(test, "yoga", referenceNow.Add(48*time.Hour))}},
		{name: "unknown resource", request: ReserveRequest{OwnerUserID: userID, ResourceIDs: mustResourceIDs(test, "bike-99"), Slot: slot}},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			_, err := fixture.service.Reserve(context.Background(), testCase.request)
			mustRejection(test, err, ReasonValidation)
		})
	}
}

func TestReserveRejectsUnknownAccount(test *testing.T) {
	test.Parallel()
	fixture := newBookingFixture(test)

	_, err := fixture.service.Reserve(context.Background(), ReserveRequest{
		OwnerUserID: mustUserID(test, "ghost"),
		ResourceIDs: mustResourceIDs(test, "bike-1"),
		Slot:        nextMondayClass(test),
	})

	mustRejection(test, err, ReasonValidation)
}

func TestReservePersistenceFailureLeavesNoPartialState(test *testing.T) {
	test.Parallel()
	fixture := newBookingFixture(test)
	userID := fixture.seedAccount(test, ownerUser, 10)
	batchID := fixture.seedBatch(test, userID, "batch-a", 10, 0, referenceNow.AddDate(0, 0, 30))
	fixture.store.failWith("SetAccountCredits", errors.New("disk full"))

	_, err := fixture.service.Reserve(context.Background(), ReserveRequest{
		OwnerUserID: userID,
		ResourceIDs: mustResourceIDs(test, "bike-1", "bike-2"),
		Slot:        nextMondayClass(test),
	})

	if ReasonOf(err) != ReasonInternal {
		test.Fatalf("expected internal failure, got %v", err)
	}
	var operationError OperationError
	if !errors.As(err, &operationError) || operationError.Operation() != operationReserve {
		test.Fatalf("expected reserve operation error, got %T %v", err, err)
	}
	if fixture.store.reservationCount() != 0 {
		test.Fatalf("expected reservation rolled back")
	}
	if got := fixture.store.mustBatch(test, batchID).ConsumedCredits; got != 0 {
		test.Fatalf("expected batch rolled back, got consumed %d", got)
	}
	if len(fixture.publisher.published()) != 0 {
		test.Fatalf("expected no event for failed reservation")
	}
}

func TestReserveRetriesClaimRaceAndReportsWinner(test *testing.T) {
	test.Parallel()
	fixture := newBookingFixture(test)
	userID := fixture.seedAccount(test, ownerUser, 10)
	fixture.seedBatch(test, userID, "batch-a", 10, 0, referenceNow.AddDate(0, 0, 30))
	fixture.store.failOnceWith("InsertReservation", ErrClaimRace)

	result := fixture.mustReserve(test, ownerUser, nextMondayClass(test), "bike-5")

	if result.Reservation.Status != ReservationStatusActive {
		test.Fatalf("expected reservation after retry, got %+v", result.Reservation)
	}
	fixture.store.shared.mu.Lock()
	attempts := fixture.store.shared.insertedRuns
	fixture.store.shared.mu.Unlock()
	if attempts != 2 {
		test.Fatalf("expected 2 insert attempts, got %d", attempts)
	}
}

func TestReserveExhaustedClaimRaceBecomesConflict(test *testing.T) {
	test.Parallel()
	fixture := newBookingFixture(test)
	userID := fixture.seedAccount(test, ownerUser, 10)
	fixture.seedBatch(test, userID, "batch-a", 10, 0, referenceNow.AddDate(0, 0, 30))
	fixture.store.failWith("InsertReservation", ErrClaimRace)

	_, err := fixture.service.Reserve(context.Background(), ReserveRequest{
		OwnerUserID: userID,
		ResourceIDs: mustResourceIDs(test, "bike-5"),
		Slot:        nextMondayClass(test),
	})

	rejection := mustRejection(test, err, ReasonResourceConflict)
	if len(rejection.ConflictingResources) != 1 || rejection.ConflictingResources[0].String() != "bike-5" {
		test.Fatalf("expected bike-5 in conflict, got %+v", rejection.ConflictingResources)
	}
}

func TestReserveConcurrentSingleResourceHasExactlyOneWinner(test *testing.T) {
	test.Parallel()
	fixture := newBookingFixture(test)
	firstUser := fixture.seedAccount(test, ownerUser, 5)
	fixture.seedBatch(test, firstUser, "batch-a", 5, 0, referenceNow.AddDate(0, 0, 30))
	secondUser := fixture.seedAccount(test, otherUser, 5)
	fixture.seedBatch(test, secondUser, "batch-b", 5, 0, referenceNow.AddDate(0, 0, 30))
	slot := nextMondayClass(test)

	var waitGroup sync.WaitGroup
	errs := make([]error, 2)
	resources := mustResourceIDs(test, "bike-7")
	for index, userID := range []UserID{firstUser, secondUser} {
		waitGroup.Add(1)
		go func(index int, userID UserID) {
			defer waitGroup.Done()
			_, errs[index] = fixture.service.Reserve(context.Background(), ReserveRequest{
				OwnerUserID: userID,
				ResourceIDs: resources,
				Slot:        slot,
			})
		}(index, userID)
	}
	waitGroup.Wait()

	successes := 0
	for _, err := range errs {
		if err == nil {
			successes++
			continue
		}
		rejection := mustRejection(test, err, ReasonResourceConflict)
		if len(rejection.ConflictingResources) != 1 || rejection.ConflictingResources[0].String() != "bike-7" {
			test.Fatalf("expected bike-7 in conflict, got %+v", rejection.ConflictingResources)
		}
	}
	if successes != 1 {
		test.Fatalf("expected exactly one success, got %d", successes)
	}
}

func TestReserveConcurrentOverlappingSetsNeverOversell(test *testing.T) {
	test.Parallel()
	fixture := newBookingFixture(test)
	slot := nextMondayClass(test)
	requests := [][]string{
		{"bike-1", "bike-2"},
		{"bike-2", "bike-3"},
		{"bike-3", "bike-4"},
		{"bike-4", "bike-5"},
		{"bike-5", "bike-1"},
		{"bike-6"},
		{"bike-6", "bike-7"},
		{"bike-2", "bike-8"},
	}
	users := make([]UserID, len(requests))
	for index := range requests {
		rawUserID := "rider-concurrent-" + string(rune('a'+index))
		users[index] = fixture.seedAccount(test, rawUserID, 4)
		fixture.seedBatch(test, users[index], "batch-"+rawUserID, 4, 0, referenceNow.AddDate(0, 0, 30))
	}

	var waitGroup sync.WaitGroup
	for index, resources := range requests {
		request := ReserveRequest{
			OwnerUserID: users[index],
			ResourceIDs: mustResourceIDs(test, resources...),
			Slot:        slot,
		}
		waitGroup.Add(1)
		go func(request ReserveRequest) {
			defer waitGroup.Done()
			_, err := fixture.service.Reserve(context.Background(), request)
			if err != nil && ReasonOf(err) != ReasonResourceConflict {
				test.Errorf("unexpected error: %v", err)
			}
		}(request)
	}
	waitGroup.Wait()

	held := map[string]string{}
	for _, reservation := range fixture.store.activeReservations(slot) {
		for _, resourceID := range reservation.ResourceIDs {
			if owner, taken := held[resourceID.String()]; taken {
				test.Fatalf("resource %s held by %s and %s", resourceID.String(), owner, reservation.ID.String())
			}
			held[resourceID.String()] = reservation.ID.String()
		}
	}
	if len(held) == 0 {
		test.Fatalf("expected at least one reservation to succeed")
	}
}

func TestReservePublishesConfirmationAfterCommit(test *testing.T) {
	test.Parallel()
	fixture := newBookingFixture(test)
	userID := fixture.seedAccount(test, ownerUser, 10)
	fixture.seedBatch(test, userID, "batch-a", 10, 0, referenceNow.AddDate(0, 0, 30))

	result := fixture.mustReserve(test, ownerUser, nextMondayClass(test), "bike-3", "bike-1")

	events := fixture.publisher.published()
	if len(events) != 1 || events[0].Kind != EventReservationConfirmed || events[0].Reservation == nil {
		test.Fatalf("expected one reservation event, got %+v", events)
	}
	payload := events[0].Reservation
	if payload.ReservationID != result.Reservation.ID.String() || payload.Email != ownerUser+"@example.com" {
		test.Fatalf("unexpected payload identity: %+v", payload)
	}
	if diff := cmp.Diff([]string{"3", "1"}, payload.Resources); diff != "" {
		test.Fatalf("unexpected resource labels (-want +got):\n%s", diff)
	}
	if payload.InstructorName != "Dana" || payload.ClassName != "Morning Spin" {
		test.Fatalf("unexpected class detail: %+v", payload)
	}
}

func TestReserveSucceedsWhenPublisherFails(test *testing.T) {
	test.Parallel()
	fixture := newBookingFixture(test)
	fixture.publisher.err = errors.New("broker unavailable")
	userID := fixture.seedAccount(test, ownerUser, 10)
	fixture.seedBatch(test, userID, "batch-a", 10, 0, referenceNow.AddDate(0, 0, 30))

	result := fixture.mustReserve(test, ownerUser, nextMondayClass(test), "bike-1")

	if _, ok := fixture.store.reservation(result.Reservation.ID); !ok {
		test.Fatalf("expected reservation to stay committed")
	}
	entries := fixture.logger.recorded()
	last := entries[len(entries)-1]
	if last.Status != operationStatusError || last.Error == nil {
		test.Fatalf("expected publish failure to be logged, got %+v", last)
	}
}

func TestReserveFloorsDriftedCounterAtZero(test *testing.T) {
	test.Parallel()
	fixture := newBookingFixture(test)
	userID := fixture.seedAccount(test, ownerUser, 1)
	fixture.seedBatch(test, userID, "batch-a", 5, 0, referenceNow.AddDate(0, 0, 30))

	result := fixture.mustReserve(test, ownerUser, nextMondayClass(test), "bike-1", "bike-2", "bike-3")

	if result.TotalAvailableCredits != 0 {
		test.Fatalf("expected counter floored at 0, got %d", result.TotalAvailableCredits)
	}
}
