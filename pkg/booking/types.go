package booking

import (
	"fmt"
	"strings"
	"time"
)

// UserID identifies an account owner.
type UserID struct {
	value string
}

// ReservationID identifies a reservation.
type ReservationID struct {
	value string
}

// BatchID identifies a purchased credit batch.
type BatchID struct {
	value string
}

// SlotID references a recurring class slot in the catalog.
type SlotID struct {
	value string
}

// ResourceID references a reservable resource (a bicycle) in the catalog.
type ResourceID struct {
	value string
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// IsZero reports whether the id was never set.
func (id UserID) IsZero() bool {
	return id.value == ""
}

// NewReservationID validates and normalizes a reservation id.
func NewReservationID(raw string) (ReservationID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ReservationID{}, fmt.Errorf("%w: empty value", ErrInvalidReservationID)
	}
	return ReservationID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id ReservationID) String() string {
	return id.value
}

// IsZero reports whether the id was never set.
func (id ReservationID) IsZero() bool {
	return id.value == ""
}

// NewBatchID validates and normalizes a batch id.
func NewBatchID(raw string) (BatchID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return BatchID{}, fmt.Errorf("%w: empty value", ErrInvalidBatchID)
	}
	return BatchID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id BatchID) String() string {
	return id.value
}

// NewSlotID validates and normalizes a slot id.
func NewSlotID(raw string) (SlotID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return SlotID{}, fmt.Errorf("%w: empty value", ErrInvalidSlotID)
	}
	return SlotID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id SlotID) String() string {
	return id.value
}

// NewResourceID validates and normalizes a resource id.
func NewResourceID(raw string) (ResourceID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ResourceID{}, fmt.Errorf("%w: empty value", ErrInvalidResourceID)
	}
	return ResourceID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id ResourceID) String() string {
	return id.value
}

// NewResourceIDs validates a raw resource list, rejecting empty lists and repeated ids.
func NewResourceIDs(raw []string) ([]ResourceID, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: at least one resource is required", ErrEmptyResourceSet)
	}
	seen := make(map[string]struct{}, len(raw))
	resourceIDs := make([]ResourceID, 0, len(raw))
	for _, value := range raw {
		resourceID, err := NewResourceID(value)
		if err != nil {
			return nil, err
		}
		if _, exists := seen[resourceID.String()]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateResource, resourceID.String())
		}
		seen[resourceID.String()] = struct{}{}
		resourceIDs = append(resourceIDs, resourceID)
	}
	return resourceIDs, nil
}

// SlotKey is the resource-independent identity of one class occurrence.
type SlotKey struct {
	slotID   SlotID
	startsAt time.Time
}

// NewSlotKey binds a catalog slot to an exact start instant. The instant is kept in UTC at
// second precision so that it survives storage round trips unchanged.
func NewSlotKey(slotID SlotID, startsAt time.Time) (SlotKey, error) {
	if slotID.value == "" {
		return SlotKey{}, fmt.Errorf("%w: missing slot id", ErrInvalidSlotKey)
	}
	if startsAt.IsZero() {
		return SlotKey{}, fmt.Errorf("%w: missing start time", ErrInvalidSlotKey)
	}
	return SlotKey{slotID: slotID, startsAt: startsAt.UTC().Truncate(time.Second)}, nil
}

// SlotID returns the catalog slot reference.
func (key SlotKey) SlotID() SlotID {
	return key.slotID
}

// StartsAt returns the start instant in UTC.
func (key SlotKey) StartsAt() time.Time {
	return key.startsAt
}

// IsZero reports whether the key was never set.
func (key SlotKey) IsZero() bool {
	return key.slotID.value == "" || key.startsAt.IsZero()
}

// Equal reports whether both keys name the same occurrence.
func (key SlotKey) Equal(other SlotKey) bool {
	return key.slotID == other.slotID && key.startsAt.Equal(other.startsAt)
}

// String renders the key as "<slot>@<RFC3339 start>", the form used for storage and locking.
func (key SlotKey) String() string {
	return key.slotID.value + "@" + key.startsAt.Format(time.RFC3339)
}

// ClockTime is a wall-clock time of day with minute precision.
type ClockTime struct {
	minutes int
	valid   bool
}

// NewClockTime validates an hour and minute pair.
func NewClockTime(hour int, minute int) (ClockTime, error) {
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return ClockTime{}, fmt.Errorf("%w: %02d:%02d out of range", ErrInvalidClockTime, hour, minute)
	}
	return ClockTime{minutes: hour*60 + minute, valid: true}, nil
}

// ParseClockTime parses "HH:MM" in 24-hour notation.
func ParseClockTime(raw string) (ClockTime, error) {
	trimmed := strings.TrimSpace(raw)
	parsed, err := time.Parse("15:04", trimmed)
	if err != nil {
		return ClockTime{}, fmt.Errorf("%w: %q", ErrInvalidClockTime, raw)
	}
	return NewClockTime(parsed.Hour(), parsed.Minute())
}

// IsZero reports whether the clock time was never set.
func (clock ClockTime) IsZero() bool {
	return !clock.valid
}

// Hour returns the hour component.
func (clock ClockTime) Hour() int {
	return clock.minutes / 60
}

// Minute returns the minute component.
func (clock ClockTime) Minute() int {
	return clock.minutes % 60
}

// String renders the clock time as "HH:MM", or "" when unset.
func (clock ClockTime) String() string {
	if !clock.valid {
		return ""
	}
	return fmt.Sprintf("%02d:%02d", clock.Hour(), clock.Minute())
}

// On returns the instant at this clock time on the calendar day of date, in date's location.
func (clock ClockTime) On(date time.Time) time.Time {
	year, month, day := date.Date()
	return time.Date(year, month, day, clock.Hour(), clock.Minute(), 0, 0, date.Location())
}

// ReservationStatus defines the reservation lifecycle.
type ReservationStatus string

const (
	ReservationStatusActive    ReservationStatus = "active"
	ReservationStatusCancelled ReservationStatus = "cancelled"
	ReservationStatusFailed    ReservationStatus = "failed"
)

// ParseReservationStatus validates a stored status value.
func ParseReservationStatus(raw string) (ReservationStatus, error) {
	switch ReservationStatus(strings.TrimSpace(raw)) {
	case ReservationStatusActive:
		return ReservationStatusActive, nil
	case ReservationStatusCancelled:
		return ReservationStatusCancelled, nil
	case ReservationStatusFailed:
		return ReservationStatusFailed, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidReservationStatus, raw)
	}
}

// String returns the stored form.
func (status ReservationStatus) String() string {
	return string(status)
}

// Slot is a recurring class slot from the catalog.
type Slot struct {
	ID              SlotID
	ClassName       string
	Weekday         time.Weekday
	StartClock      ClockTime
	EndClock        ClockTime
	InstructorName  string
	InstructorEmail string
}

// DisplayName returns the class name, falling back to the instructor's ride.
func (slot Slot) DisplayName() string {
	if name := strings.TrimSpace(slot.ClassName); name != "" {
		return name
	}
	if instructor := strings.TrimSpace(slot.InstructorName); instructor != "" {
		return "Ride with " + instructor
	}
	return "Ride"
}

// Resource is a reservable resource from the catalog.
type Resource struct {
	ID    ResourceID
	Label string
}

// CreditAccount is the per-user aggregate credit counter plus the contact used for notifications.
type CreditAccount struct {
	UserID                UserID
	TotalAvailableCredits int64
	Email                 string
	DisplayName           string
}

// CreditBatch is one purchased block of credits.
type CreditBatch struct {
	ID                     BatchID
	UserID                 UserID
	OriginalCredits        int64
	ConsumedCredits        int64
	PurchasedAt            time.Time
	ExpiresAt              time.Time
	AccountedForExpiration bool
	TransactionRef         string
	AuthorizationCode      string
}

// Remaining returns the unconsumed credits, never negative.
func (batch CreditBatch) Remaining() int64 {
	remaining := batch.OriginalCredits - batch.ConsumedCredits
	if remaining < 0 {
		return 0
	}
	return remaining
}

// ExpiredAt reports whether the batch can no longer be spent or refunded into at instant.
func (batch CreditBatch) ExpiredAt(instant time.Time) bool {
	return !batch.ExpiresAt.After(instant)
}

// Reservation binds a set of resources in one slot to an owner.
type Reservation struct {
	ID             ReservationID
	OwnerUserID    UserID
	Slot           SlotKey
	ResourceIDs    []ResourceID
	Status         ReservationStatus
	CreditsCharged int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ArchivedReservation is the write-once record kept after a completed reservation leaves the live store.
type ArchivedReservation struct {
	ReservationID   ReservationID
	OwnerUserID     UserID
	OwnerEmail      string
	OwnerName       string
	SlotID          SlotID
	ClassName       string
	Weekday         time.Weekday
	StartClock      ClockTime
	EndClock        ClockTime
	InstructorName  string
	InstructorEmail string
	StartsAt        time.Time
	Resources       []Resource
	CreditsCharged  int64
	ArchivedAt      time.Time
}
