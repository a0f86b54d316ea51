package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/ridebook/pkg/booking"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// LockSlot takes a transaction-scoped advisory lock on PostgreSQL. Other dialects rely on the
// claim index alone.
func (store *Store) LockSlot(ctx context.Context, slot booking.SlotKey) error {
	if !store.postgres || !store.inTx {
		return nil
	}
	if err := store.db.WithContext(ctx).Exec(advisorySlotLockStatement, slot.String()).Error; err != nil {
		return wrapStoreError(errorSubjectClaim, errorCodeLock, err)
	}
	return nil
}

func (store *Store) HasActiveReservation(ctx context.Context, ownerUserID booking.UserID, slot booking.SlotKey) (bool, error) {
	var count int64
	err := store.db.WithContext(ctx).
		Model(&Reservation{}).
		Where("owner_user_id = ? AND slot_key = ? AND status = ?", ownerUserID.String(), slot.String(), booking.ReservationStatusActive.String()).
		Count(&count).Error
	if err != nil {
		return false, wrapStoreError(errorSubjectReservation, errorCodeLookup, err)
	}
	return count > 0, nil
}

func (store *Store) ClaimedResources(ctx context.Context, slot booking.SlotKey, resourceIDs []booking.ResourceID) ([]booking.ResourceID, error) {
	if len(resourceIDs) == 0 {
		return nil, nil
	}
	requested := make([]string, 0, len(resourceIDs))
	for _, resourceID := range resourceIDs {
		requested = append(requested, resourceID.String())
	}
	var held []string
	err := store.db.WithContext(ctx).
		Model(&ReservationClaim{}).
		Where("slot_key = ? AND resource_id IN ?", slot.String(), requested).
		Pluck("resource_id", &held).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectClaim, errorCodeLookup, err)
	}
	heldSet := make(map[string]struct{}, len(held))
	for _, value := range held {
		heldSet[value] = struct{}{}
	}
	var claimed []booking.ResourceID
	for _, resourceID := range resourceIDs {
		if _, ok := heldSet[resourceID.String()]; ok {
			claimed = append(claimed, resourceID)
		}
	}
	return claimed, nil
}

func (store *Store) InsertReservation(ctx context.Context, reservation booking.Reservation) error {
	resourceJSON, err := encodeResourceIDs(reservation.ResourceIDs)
	if err != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
	}
	model := Reservation{
		ReservationID:  reservation.ID.String(),
		OwnerUserID:    reservation.OwnerUserID.String(),
		SlotID:         reservation.Slot.SlotID().String(),
		SlotKey:        reservation.Slot.String(),
		StartsAt:       reservation.Slot.StartsAt(),
		ResourceIDs:    resourceJSON,
		Status:         reservation.Status.String(),
		CreditsCharged: reservation.CreditsCharged,
		CreatedAt:      reservation.CreatedAt.UTC(),
		UpdatedAt:      reservation.UpdatedAt.UTC(),
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeInsert, err)
	}
	if reservation.Status != booking.ReservationStatusActive || len(reservation.ResourceIDs) == 0 {
		return nil
	}
	claims := make([]ReservationClaim, 0, len(reservation.ResourceIDs))
	for _, resourceID := range reservation.ResourceIDs {
		claims = append(claims, ReservationClaim{
			SlotKey:       model.SlotKey,
			ResourceID:    resourceID.String(),
			ReservationID: model.ReservationID,
			CreatedAt:     model.CreatedAt,
		})
	}
	err = store.db.WithContext(ctx).Create(&claims).Error
	if isClaimConflict(err) {
		return wrapStoreError(errorSubjectClaim, errorCodeDuplicate, fmt.Errorf("%w: %v", booking.ErrClaimRace, err))
	}
	if err != nil {
		return wrapStoreError(errorSubjectClaim, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) LockReservation(ctx context.Context, reservationID booking.ReservationID) (booking.Reservation, error) {
	var model Reservation
	err := store.locking(ctx).Where("reservation_id = ?", reservationID.String()).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return booking.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeLock, booking.ErrUnknownReservation)
		}
		return booking.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeLock, err)
	}
	reservation, err := mapReservation(model)
	if err != nil {
		return booking.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
	}
	return reservation, nil
}

func (store *Store) UpdateReservationStatus(ctx context.Context, reservationID booking.ReservationID, from booking.ReservationStatus, to booking.ReservationStatus) error {
	result := store.db.WithContext(ctx).
		Model(&Reservation{}).
		Where("reservation_id = ? AND status = ?", reservationID.String(), from.String()).
		Updates(map[string]interface{}{
			"status":     to.String(),
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectReservation, errorCodeUpdate, booking.ErrReservationStatusChanged)
	}
	if from == booking.ReservationStatusActive && to != booking.ReservationStatusActive {
		return store.releaseClaims(ctx, reservationID)
	}
	return nil
}

func (store *Store) ListReservations(ctx context.Context, after booking.ReservationCursor, limit int) ([]booking.Reservation, error) {
	var rows []Reservation
	query := store.db.WithContext(ctx).Order("starts_at ASC, reservation_id ASC")
	if !after.IsZero() {
		startsAt := after.StartsAt.UTC()
		query = query.Where("(starts_at > ? OR (starts_at = ? AND reservation_id > ?))", startsAt, startsAt, after.ID.String())
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectReservation, errorCodeList, err)
	}
	reservations := make([]booking.Reservation, 0, len(rows))
	for _, row := range rows {
		reservation, err := mapReservation(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
		}
		reservations = append(reservations, reservation)
	}
	return reservations, nil
}

// ArchiveReservation is write-once: archiving the same reservation again keeps the first record.
func (store *Store) ArchiveReservation(ctx context.Context, archived booking.ArchivedReservation) error {
	resources := make([]archivedResource, 0, len(archived.Resources))
	for _, resource := range archived.Resources {
		resources = append(resources, archivedResource{ID: resource.ID.String(), Label: resource.Label})
	}
	encoded, err := json.Marshal(resources)
	if err != nil {
		return wrapStoreError(errorSubjectArchive, errorCodeInvalid, err)
	}
	model := ArchivedReservation{
		ReservationID:   archived.ReservationID.String(),
		OwnerUserID:     archived.OwnerUserID.String(),
		OwnerEmail:      archived.OwnerEmail,
		OwnerName:       archived.OwnerName,
		SlotID:          archived.SlotID.String(),
		ClassName:       archived.ClassName,
		Weekday:         int(archived.Weekday),
		StartClock:      archived.StartClock.String(),
		EndClock:        archived.EndClock.String(),
		InstructorName:  archived.InstructorName,
		InstructorEmail: archived.InstructorEmail,
		StartsAt:        archived.StartsAt.UTC(),
		Resources:       datatypes.JSON(encoded),
		CreditsCharged:  archived.CreditsCharged,
		ArchivedAt:      archived.ArchivedAt.UTC(),
	}
	err = store.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "reservation_id"}}, DoNothing: true}).
		Create(&model).Error
	if err != nil {
		return wrapStoreError(errorSubjectArchive, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) DeleteReservation(ctx context.Context, reservationID booking.ReservationID) error {
	if err := store.releaseClaims(ctx, reservationID); err != nil {
		return err
	}
	result := store.db.WithContext(ctx).
		Where("reservation_id = ?", reservationID.String()).
		Delete(&Reservation{})
	if result.Error != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeDelete, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectReservation, errorCodeDelete, booking.ErrUnknownReservation)
	}
	return nil
}

// ListArchived returns archived reservations of one owner, most recent class first.
func (store *Store) ListArchived(ctx context.Context, ownerUserID booking.UserID, limit int) ([]booking.ArchivedReservation, error) {
	var rows []ArchivedReservation
	query := store.db.WithContext(ctx).
		Where("owner_user_id = ?", ownerUserID.String()).
		Order("starts_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectArchive, errorCodeList, err)
	}
	archived := make([]booking.ArchivedReservation, 0, len(rows))
	for _, row := range rows {
		record, err := mapArchivedReservation(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectArchive, errorCodeInvalid, err)
		}
		archived = append(archived, record)
	}
	return archived, nil
}

func (store *Store) releaseClaims(ctx context.Context, reservationID booking.ReservationID) error {
	err := store.db.WithContext(ctx).
		Where("reservation_id = ?", reservationID.String()).
		Delete(&ReservationClaim{}).Error
	if err != nil {
		return wrapStoreError(errorSubjectClaim, errorCodeDelete, err)
	}
	return nil
}

func encodeResourceIDs(resourceIDs []booking.ResourceID) (datatypes.JSON, error) {
	raw := make([]string, 0, len(resourceIDs))
	for _, resourceID := range resourceIDs {
		raw = append(raw, resourceID.String())
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(encoded), nil
}

func mapReservation(model Reservation) (booking.Reservation, error) {
	reservationID, err := booking.NewReservationID(model.ReservationID)
	if err != nil {
		return booking.Reservation{}, err
	}
	ownerUserID, err := booking.NewUserID(model.OwnerUserID)
	if err != nil {
		return booking.Reservation{}, err
	}
	slotID, err := booking.NewSlotID(model.SlotID)
	if err != nil {
		return booking.Reservation{}, err
	}
	slot, err := booking.NewSlotKey(slotID, model.StartsAt)
	if err != nil {
		return booking.Reservation{}, err
	}
	var raw []string
	if err := json.Unmarshal(model.ResourceIDs, &raw); err != nil {
		return booking.Reservation{}, fmt.Errorf("%w: %v", booking.ErrInvalidResourceID, err)
	}
	resourceIDs := make([]booking.ResourceID, 0, len(raw))
	for _, value := range raw {
		resourceID, err := booking.NewResourceID(value)
		if err != nil {
			return booking.Reservation{}, err
		}
		resourceIDs = append(resourceIDs, resourceID)
	}
	status, err := booking.ParseReservationStatus(model.Status)
	if err != nil {
		return booking.Reservation{}, err
	}
	return booking.Reservation{
		ID:             reservationID,
		OwnerUserID:    ownerUserID,
		Slot:           slot,
		ResourceIDs:    resourceIDs,
		Status:         status,
		CreditsCharged: model.CreditsCharged,
		CreatedAt:      model.CreatedAt.UTC(),
		UpdatedAt:      model.UpdatedAt.UTC(),
	}, nil
}

func mapArchivedReservation(model ArchivedReservation) (booking.ArchivedReservation, error) {
	reservationID, err := booking.NewReservationID(model.ReservationID)
	if err != nil {
		return booking.ArchivedReservation{}, err
	}
	ownerUserID, err := booking.NewUserID(model.OwnerUserID)
	if err != nil {
		return booking.ArchivedReservation{}, err
	}
	slotID, err := booking.NewSlotID(model.SlotID)
	if err != nil {
		return booking.ArchivedReservation{}, err
	}
	startClock, err := parseOptionalClock(model.StartClock)
	if err != nil {
		return booking.ArchivedReservation{}, err
	}
	endClock, err := parseOptionalClock(model.EndClock)
	if err != nil {
		return booking.ArchivedReservation{}, err
	}
	var stored []archivedResource
	if err := json.Unmarshal(model.Resources, &stored); err != nil {
		return booking.ArchivedReservation{}, fmt.Errorf("%w: %v", booking.ErrInvalidResourceID, err)
	}
	resources := make([]booking.Resource, 0, len(stored))
	for _, entry := range stored {
		resourceID, err := booking.NewResourceID(entry.ID)
		if err != nil {
			return booking.ArchivedReservation{}, err
		}
		resources = append(resources, booking.Resource{ID: resourceID, Label: entry.Label})
	}
	return booking.ArchivedReservation{
		ReservationID:   reservationID,
		OwnerUserID:     ownerUserID,
		OwnerEmail:      model.OwnerEmail,
		OwnerName:       model.OwnerName,
		SlotID:          slotID,
		ClassName:       model.ClassName,
		Weekday:         time.Weekday(model.Weekday),
		StartClock:      startClock,
		EndClock:        endClock,
		InstructorName:  model.InstructorName,
		InstructorEmail: model.InstructorEmail,
		StartsAt:        model.StartsAt.UTC(),
		Resources:       resources,
		CreditsCharged:  model.CreditsCharged,
		ArchivedAt:      model.ArchivedAt.UTC(),
	}, nil
}

func parseOptionalClock(raw string) (booking.ClockTime, error) {
	if raw == "" {
		return booking.ClockTime{}, nil
	}
	return booking.ParseClockTime(raw)
}
