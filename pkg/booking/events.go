package booking

import "time"

// EventKind names a post-commit event.
type EventKind string

const (
	EventReservationConfirmed EventKind = "reservation.confirmed"
	EventPurchaseConfirmed    EventKind = "purchase.confirmed"
)

// Event is emitted after a committed reservation or purchase. Exactly one payload is set.
type Event struct {
	Kind        EventKind             `json:"kind"`
	OccurredAt  time.Time             `json:"occurredAt"`
	Reservation *ReservationConfirmed `json:"reservation,omitempty"`
	Purchase    *PurchaseConfirmed    `json:"purchase,omitempty"`
}

// Key returns a stable identifier for deduplication by consumers.
func (event Event) Key() string {
	switch {
	case event.Reservation != nil:
		return string(event.Kind) + ":" + event.Reservation.ReservationID
	case event.Purchase != nil:
		return string(event.Kind) + ":" + event.Purchase.BatchID
	default:
		return string(event.Kind)
	}
}

// ReservationConfirmed carries what a confirmation message needs.
type ReservationConfirmed struct {
	ReservationID   string    `json:"reservationId"`
	UserID          string    `json:"userId"`
	Email           string    `json:"email"`
	Name            string    `json:"name"`
	ClassName       string    `json:"className"`
	InstructorName  string    `json:"instructorName"`
	InstructorEmail string    `json:"instructorEmail"`
	StartsAt        time.Time `json:"startsAt"`
	Resources       []string  `json:"resources"`
	CreditsCharged  int64     `json:"creditsCharged"`
}

// PurchaseConfirmed carries what a purchase receipt needs.
type PurchaseConfirmed struct {
	BatchID        string    `json:"batchId"`
	UserID         string    `json:"userId"`
	Email          string    `json:"email"`
	Name           string    `json:"name"`
	Credits        int64     `json:"credits"`
	PurchasedAt    time.Time `json:"purchasedAt"`
	ExpiresAt      time.Time `json:"expiresAt"`
	TransactionRef string    `json:"transactionRef"`
}

func newReservationConfirmed(result ReserveResult, account CreditAccount, occurredAt time.Time) Event {
	labels := make([]string, 0, len(result.Resources))
	for _, resource := range result.Resources {
		labels = append(labels, resource.Label)
	}
	return Event{
		Kind:       EventReservationConfirmed,
		OccurredAt: occurredAt,
		Reservation: &ReservationConfirmed{
			ReservationID:   result.Reservation.ID.String(),
			UserID:          result.Reservation.OwnerUserID.String(),
			Email:           account.Email,
			Name:            account.DisplayName,
			ClassName:       result.Slot.DisplayName(),
			InstructorName:  result.Slot.InstructorName,
			InstructorEmail: result.Slot.InstructorEmail,
			StartsAt:        result.Reservation.Slot.StartsAt(),
			Resources:       labels,
			CreditsCharged:  result.Reservation.CreditsCharged,
		},
	}
}

func newPurchaseConfirmed(batch CreditBatch, account CreditAccount, occurredAt time.Time) Event {
	return Event{
		Kind:       EventPurchaseConfirmed,
		OccurredAt: occurredAt,
		Purchase: &PurchaseConfirmed{
			BatchID:        batch.ID.String(),
			UserID:         batch.UserID.String(),
			Email:          account.Email,
			Name:           account.DisplayName,
			Credits:        batch.OriginalCredits,
			PurchasedAt:    batch.PurchasedAt,
			ExpiresAt:      batch.ExpiresAt,
			TransactionRef: batch.TransactionRef,
		},
	}
}
