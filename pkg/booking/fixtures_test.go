package booking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var (
	// Monday 2025-03-10 09:00 in the studio zone.
	referenceNow = time.Date(2025, time.March, 10, 14, 0, 0, 0, time.UTC)
	studioZone   = time.FixedZone("ECT", -5*60*60)
)

const (
	mondaySpinSlot = "spin-monday-0900"
	ownerUser      = "rider-1"
	otherUser      = "rider-2"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(now time.Time) *testClock {
	return &testClock{now: now}
}

func (clock *testClock) Now() time.Time {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	return clock.now
}

func (clock *testClock) Set(now time.Time) {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	clock.now = now
}

type stubCatalog struct {
	slots     map[SlotID]Slot
	resources map[ResourceID]Resource
	slotErr   error
}

func newStubCatalog() *stubCatalog {
	return &stubCatalog{slots: map[SlotID]Slot{}, resources: map[ResourceID]Resource{}}
}

func (catalog *stubCatalog) GetSlot(ctx context.Context, slotID SlotID) (Slot, error) {
	if catalog.slotErr != nil {
		return Slot{}, catalog.slotErr
	}
	slot, ok := catalog.slots[slotID]
	if !ok {
		return Slot{}, fmt.Errorf("%w: %s", ErrUnknownSlot, slotID.String())
	}
	return slot, nil
}

func (catalog *stubCatalog) GetResources(ctx context.Context, resourceIDs []ResourceID) ([]Resource, error) {
	resources := make([]Resource, 0, len(resourceIDs))
	for _, resourceID := range resourceIDs {
		resource, ok := catalog.resources[resourceID]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownResource, resourceID.String())
		}
		resources = append(resources, resource)
	}
	return resources, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (publisher *recordingPublisher) Publish(ctx context.Context, event Event) error {
	publisher.mu.Lock()
	defer publisher.mu.Unlock()
	publisher.events = append(publisher.events, event)
	return publisher.err
}

func (publisher *recordingPublisher) published() []Event {
	publisher.mu.Lock()
	defer publisher.mu.Unlock()
	return append([]Event(nil), publisher.events...)
}

type recorderLogger struct {
	mu      sync.Mutex
	entries []OperationLog
}

func (logger *recorderLogger) LogOperation(_ context.Context, entry OperationLog) {
	logger.mu.Lock()
	defer logger.mu.Unlock()
	logger.entries = append(logger.entries, entry)
}

func (logger *recorderLogger) recorded() []OperationLog {
	logger.mu.Lock()
	defer logger.mu.Unlock()
	return append([]OperationLog(nil), logger.entries...)
}

type bookingFixture struct {
	store     *memoryStore
	catalog   *stubCatalog
	clock     *testClock
	publisher *recordingPublisher
	logger    *recorderLogger
	service   *Service
}

func newBookingFixture(test *testing.T) *bookingFixture {
	test.Helper()
	fixture := &bookingFixture{
		store:     newMemoryStore(),
		catalog:   newStubCatalog(),
		clock:     newTestClock(referenceNow),
		publisher: &recordingPublisher{},
		logger:    &recorderLogger{},
	}
	var sequence atomic.Int64
	service, err := NewService(
		fixture.store,
		fixture.catalog,
		fixture.clock.Now,
		WithLocation(studioZone),
		WithEventPublisher(fixture.publisher),
		WithOperationLogger(fixture.logger),
		WithIDGenerator(func() string { return fmt.Sprintf("id-%03d", sequence.Add(1)) }),
	)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	fixture.service = service
	fixture.catalog.slots[mustSlotID(test, mondaySpinSlot)] = Slot{
		ID:              mustSlotID(test, mondaySpinSlot),
		ClassName:       "Morning Spin",
		Weekday:         time.Monday,
		StartClock:      mustClockTime(test, "09:00"),
		EndClock:        mustClockTime(test, "09:45"),
		InstructorName:  "Dana",
		InstructorEmail: "dana@example.com",
	}
	for number := 1; number <= 12; number++ {
		resourceID := mustResourceID(test, fmt.Sprintf("bike-%d", number))
		fixture.catalog.resources[resourceID] = Resource{ID: resourceID, Label: fmt.Sprintf("%d", number)}
	}
	return fixture
}

// nextMondayClass is the 09:00 local class one week after referenceNow.
func nextMondayClass(test *testing.T) SlotKey {
	test.Helper()
	return mustSlotKey(test, mondaySpinSlot, time.Date(2025, time.March, 17, 9, 0, 0, 0, studioZone))
}

func (fixture *bookingFixture) seedAccount(test *testing.T, rawUserID string, total int64) UserID {
	test.Helper()
	userID := mustUserID(test, rawUserID)
	fixture.store.putAccount(CreditAccount{
		UserID:                userID,
		TotalAvailableCredits: total,
		Email:                 rawUserID + "@example.com",
		DisplayName:           rawUserID,
	})
	return userID
}

func (fixture *bookingFixture) seedBatch(test *testing.T, userID UserID, rawBatchID string, original int64, consumed int64, expiresAt time.Time) BatchID {
	test.Helper()
	batchID := mustBatchID(test, rawBatchID)
	fixture.store.putBatch(CreditBatch{
		ID:              batchID,
		UserID:          userID,
		OriginalCredits: original,
		ConsumedCredits: consumed,
		PurchasedAt:     expiresAt.AddDate(0, -1, 0),
		ExpiresAt:       expiresAt,
	})
	return batchID
}

func (fixture *bookingFixture) mustReserve(test *testing.T, rawUserID string, slot SlotKey, rawResources ...string) ReserveResult {
	test.Helper()
	result, err := fixture.service.Reserve(context.Background(), ReserveRequest{
		OwnerUserID: mustUserID(test, rawUserID),
		ResourceIDs: mustResourceIDs(test, rawResources...),
		Slot:        slot,
	})
	if err != nil {
		test.Fatalf("reserve: %v", err)
	}
	return result
}

func mustRejection(test *testing.T, err error, reason Reason) *RejectionError {
	test.Helper()
	if err == nil {
		test.Fatalf("expected %s rejection, got nil", reason)
	}
	var rejection *RejectionError
	if !errors.As(err, &rejection) {
		test.Fatalf("expected *RejectionError, got %T: %v", err, err)
	}
	if rejection.Reason != reason {
		test.Fatalf("expected reason %s, got %s (%s)", reason, rejection.Reason, rejection.Message)
	}
	return rejection
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	value, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return value
}

func mustBatchID(test *testing.T, raw string) BatchID {
	test.Helper()
	value, err := NewBatchID(raw)
	if err != nil {
		test.Fatalf("batch id: %v", err)
	}
	return value
}

func mustSlotID(test *testing.T, raw string) SlotID {
	test.Helper()
	value, err := NewSlotID(raw)
	if err != nil {
		test.Fatalf("slot id: %v", err)
	}
	return value
}

func mustResourceID(test *testing.T, raw string) ResourceID {
	test.Helper()
	value, err := NewResourceID(raw)
	if err != nil {
		test.Fatalf("resource id: %v", err)
	}
	return value
}

func mustResourceIDs(test *testing.T, raw ...string) []ResourceID {
	test.Helper()
	value, err := NewResourceIDs(raw)
	if err != nil {
		test.Fatalf("resource ids: %v", err)
	}
	return value
}

func mustSlotKey(test *testing.T, rawSlotID string, startsAt time.Time) SlotKey {
	test.Helper()
	value, err := NewSlotKey(mustSlotID(test, rawSlotID), startsAt)
	if err != nil {
		test.Fatalf("slot key: %v", err)
	}
	return value
}

func mustClockTime(test *testing.T, raw string) ClockTime {
	test.Helper()
	value, err := ParseClockTime(raw)
	if err != nil {
		test.Fatalf("clock time: %v", err)
	}
	return value
}

func mustReservationID(test *testing.T, raw string) ReservationID {
	test.Helper()
	value, err := NewReservationID(raw)
	if err != nil {
		test.Fatalf("reservation id: %v", err)
	}
	return value
}
