package gormstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/ridebook/pkg/booking"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Migrate creates or updates every table the store owns.
func Migrate(ctx context.Context, db *gorm.DB) error {
	if db == nil {
		return errors.New("gormstore: nil database")
	}
	if err := db.WithContext(ctx).AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("gormstore: migrate: %w", err)
	}
	return nil
}

func (store *Store) GetSlot(ctx context.Context, slotID booking.SlotID) (booking.Slot, error) {
	var model CatalogSlot
	err := store.db.WithContext(ctx).Where("slot_id = ?", slotID.String()).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return booking.Slot{}, wrapStoreError(errorSubjectSlot, errorCodeGet, booking.ErrUnknownSlot)
		}
		return booking.Slot{}, wrapStoreError(errorSubjectSlot, errorCodeGet, err)
	}
	slot, err := mapCatalogSlot(model)
	if err != nil {
		return booking.Slot{}, wrapStoreError(errorSubjectSlot, errorCodeInvalid, err)
	}
	return slot, nil
}

func (store *Store) GetResources(ctx context.Context, resourceIDs []booking.ResourceID) ([]booking.Resource, error) {
	if len(resourceIDs) == 0 {
		return nil, nil
	}
	requested := make([]string, 0, len(resourceIDs))
	for _, resourceID := range resourceIDs {
		requested = append(requested, resourceID.String())
	}
	var rows []CatalogResource
	if err := store.db.WithContext(ctx).Where("resource_id IN ?", requested).Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectResource, errorCodeList, err)
	}
	labels := make(map[string]string, len(rows))
	for _, row := range rows {
		labels[row.ResourceID] = row.Label
	}
	resources := make([]booking.Resource, 0, len(resourceIDs))
	var missing []string
	for _, resourceID := range resourceIDs {
		label, ok := labels[resourceID.String()]
		if !ok {
			missing = append(missing, resourceID.String())
			continue
		}
		resources = append(resources, booking.Resource{ID: resourceID, Label: label})
	}
	if len(missing) > 0 {
		return nil, wrapStoreError(errorSubjectResource, errorCodeLookup, fmt.Errorf("%w: %s", booking.ErrUnknownResource, strings.Join(missing, ", ")))
	}
	return resources, nil
}

// ListSlots returns the whole slot catalog ordered by weekday and start time.
func (store *Store) ListSlots(ctx context.Context) ([]booking.Slot, error) {
	var rows []CatalogSlot
	if err := store.db.WithContext(ctx).Order("weekday ASC, start_clock ASC, slot_id ASC").Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectSlot, errorCodeList, err)
	}
	slots := make([]booking.Slot, 0, len(rows))
	for _, row := range rows {
		slot, err := mapCatalogSlot(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectSlot, errorCodeInvalid, err)
		}
		slots = append(slots, slot)
	}
	return slots, nil
}

// UpsertSlot inserts or replaces a catalog slot.
func (store *Store) UpsertSlot(ctx context.Context, slot booking.Slot) error {
	model := CatalogSlot{
		SlotID:          slot.ID.String(),
		ClassName:       slot.ClassName,
		Weekday:         int(slot.Weekday),
		StartClock:      slot.StartClock.String(),
		EndClock:        slot.EndClock.String(),
		InstructorName:  slot.InstructorName,
		InstructorEmail: slot.InstructorEmail,
		UpdatedAt:       time.Now().UTC(),
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "slot_id"}}, UpdateAll: true}).
		Create(&model).Error
	if err != nil {
		return wrapStoreError(errorSubjectSlot, errorCodeUpsert, err)
	}
	return nil
}

// UpsertResource inserts or relabels a catalog resource.
func (store *Store) UpsertResource(ctx context.Context, resource booking.Resource) error {
	model := CatalogResource{
		ResourceID: resource.ID.String(),
		Label:      resource.Label,
		UpdatedAt:  time.Now().UTC(),
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "resource_id"}}, UpdateAll: true}).
		Create(&model).Error
	if err != nil {
		return wrapStoreError(errorSubjectResource, errorCodeUpsert, err)
	}
	return nil
}

func mapCatalogSlot(model CatalogSlot) (booking.Slot, error) {
	slotID, err := booking.NewSlotID(model.SlotID)
	if err != nil {
		return booking.Slot{}, err
	}
	if model.Weekday < int(time.Sunday) || model.Weekday > int(time.Saturday) {
		return booking.Slot{}, fmt.Errorf("%w: weekday %d", booking.ErrInvalidSlotID, model.Weekday)
	}
	startClock, err := booking.ParseClockTime(model.StartClock)
	if err != nil {
		return booking.Slot{}, err
	}
	endClock, err := parseOptionalClock(model.EndClock)
	if err != nil {
		return booking.Slot{}, err
	}
	return booking.Slot{
		ID:              slotID,
		ClassName:       model.ClassName,
		Weekday:         time.Weekday(model.Weekday),
		StartClock:      startClock,
		EndClock:        endClock,
		InstructorName:  model.InstructorName,
		InstructorEmail: model.InstructorEmail,
	}, nil
}
