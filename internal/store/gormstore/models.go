package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// CreditAccount represents the credit_accounts table.
type CreditAccount struct {
	UserID                string    `gorm:"primaryKey"`
	TotalAvailableCredits int64     `gorm:"not null;default:0"`
	Email                 string    `gorm:"not null;default:''"`
	DisplayName           string    `gorm:"not null;default:''"`
	CreatedAt             time.Time `gorm:"not null"`
	UpdatedAt             time.Time `gorm:"not null"`
}

func (CreditAccount) TableName() string { return "credit_accounts" }

// CreditBatch mirrors the credit_batches table.
type CreditBatch struct {
	BatchID                string    `gorm:"primaryKey"`
	UserID                 string    `gorm:"not null;index:idx_credit_batches_user_expires,priority:1"`
	OriginalCredits        int64     `gorm:"not null"`
	ConsumedCredits        int64     `gorm:"not null;default:0"`
	PurchasedAt            time.Time `gorm:"not null"`
	ExpiresAt              time.Time `gorm:"not null;index:idx_credit_batches_user_expires,priority:2;index:idx_credit_batches_expiration,priority:2"`
	AccountedForExpiration bool      `gorm:"not null;default:false;index:idx_credit_batches_expiration,priority:1"`
	TransactionRef         string    `gorm:"not null;default:''"`
	AuthorizationCode      string    `gorm:"not null;default:''"`
	CreatedAt              time.Time `gorm:"not null"`
}

func (CreditBatch) TableName() string { return "credit_batches" }

func (batch *CreditBatch) BeforeCreate(tx *gorm.DB) error {
	if batch.BatchID == "" {
		batch.BatchID = uuid.NewString()
	}
	return nil
}

// Reservation mirrors the reservations table. ResourceIDs keeps the requested order.
type Reservation struct {
	ReservationID  string         `gorm:"primaryKey"`
	OwnerUserID    string         `gorm:"not null;index:idx_reservations_owner_slot,priority:1"`
	SlotID         string         `gorm:"not null"`
	SlotKey        string         `gorm:"not null;index:idx_reservations_owner_slot,priority:2"`
	StartsAt       time.Time      `gorm:"not null;index"`
	ResourceIDs    datatypes.JSON `gorm:"type:jsonb;not null"`
	Status         string         `gorm:"not null"`
	CreditsCharged int64          `gorm:"not null"`
	CreatedAt      time.Time      `gorm:"not null"`
	UpdatedAt      time.Time      `gorm:"not null"`
}

func (Reservation) TableName() string { return "reservations" }

func (reservation *Reservation) BeforeCreate(tx *gorm.DB) error {
	if reservation.ReservationID == "" {
		reservation.ReservationID = uuid.NewString()
	}
	return nil
}

// ReservationClaim holds one resource of one slot for an active reservation.
type ReservationClaim struct {
	ClaimID       string    `gorm:"primaryKey"`
	SlotKey       string    `gorm:"not null;uniqueIndex:uniq_reservation_claims_slot_resource,priority:1"`
	ResourceID    string    `gorm:"not null;uniqueIndex:uniq_reservation_claims_slot_resource,priority:2"`
	ReservationID string    `gorm:"not null;index"`
	CreatedAt     time.Time `gorm:"not null"`
}

func (ReservationClaim) TableName() string { return "reservation_claims" }

func (claim *ReservationClaim) BeforeCreate(tx *gorm.DB) error {
	if claim.ClaimID == "" {
		claim.ClaimID = uuid.NewString()
	}
	return nil
}

// ArchivedReservation mirrors the archived_reservations table.
type ArchivedReservation struct {
	ReservationID   string         `gorm:"primaryKey"`
	OwnerUserID     string         `gorm:"not null;index"`
	OwnerEmail      string         `gorm:"not null;default:''"`
	OwnerName       string         `gorm:"not null;default:''"`
	SlotID          string         `gorm:"not null"`
	ClassName       string         `gorm:"not null;default:''"`
	Weekday         int            `gorm:"not null"`
	StartClock      string         `gorm:"not null;default:''"`
	EndClock        string         `gorm:"not null;default:''"`
	InstructorName  string         `gorm:"not null;default:''"`
	InstructorEmail string         `gorm:"not null;default:''"`
	StartsAt        time.Time      `gorm:"not null;index"`
	Resources       datatypes.JSON `gorm:"type:jsonb;not null"`
	CreditsCharged  int64          `gorm:"not null"`
	ArchivedAt      time.Time      `gorm:"not null"`
}

func (ArchivedReservation) TableName() string { return "archived_reservations" }

// archivedResource is the JSON element stored in ArchivedReservation.Resources.
type archivedResource struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// CatalogSlot mirrors the slots table.
type CatalogSlot struct {
	SlotID          string    `gorm:"primaryKey"`
	ClassName       string    `gorm:"not null;default:''"`
	Weekday         int       `gorm:"not null"`
	StartClock      string    `gorm:"not null;default:''"`
	EndClock        string    `gorm:"not null;default:''"`
	InstructorName  string    `gorm:"not null;default:''"`
	InstructorEmail string    `gorm:"not null;default:''"`
	UpdatedAt       time.Time `gorm:"not null"`
}

func (CatalogSlot) TableName() string { return "slots" }

// CatalogResource mirrors the resources table.
type CatalogResource struct {
	ResourceID string    `gorm:"primaryKey"`
	Label      string    `gorm:"not null"`
	UpdatedAt  time.Time `gorm:"not null"`
}

func (CatalogResource) TableName() string { return "resources" }

// Models lists every table owned by the store, in creation order.
func Models() []interface{} {
	return []interface{}{
		&CreditAccount{},
		&CreditBatch{},
		&Reservation{},
		&ReservationClaim{},
		&ArchivedReservation{},
		&CatalogSlot{},
		&CatalogResource{},
	}
}
