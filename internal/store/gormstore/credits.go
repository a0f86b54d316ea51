package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/ridebook/pkg/booking"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func (store *Store) GetAccount(ctx context.Context, userID booking.UserID) (booking.CreditAccount, error) {
	return store.takeAccount(store.db.WithContext(ctx), userID)
}

func (store *Store) LockAccount(ctx context.Context, userID booking.UserID) (booking.CreditAccount, error) {
	return store.takeAccount(store.locking(ctx), userID)
}

func (store *Store) takeAccount(query *gorm.DB, userID booking.UserID) (booking.CreditAccount, error) {
	var model CreditAccount
	err := query.Where("user_id = ?", userID.String()).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return booking.CreditAccount{}, wrapStoreError(errorSubjectAccount, errorCodeGet, booking.ErrUnknownAccount)
		}
		return booking.CreditAccount{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	account, err := mapCreditAccount(model)
	if err != nil {
		return booking.CreditAccount{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return account, nil
}

func (store *Store) EnsureAccount(ctx context.Context, account booking.CreditAccount) (booking.CreditAccount, error) {
	now := time.Now().UTC()
	model := CreditAccount{
		UserID:      account.UserID.String(),
		Email:       account.Email,
		DisplayName: account.DisplayName,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}}, DoNothing: true}).
		Create(&model).Error
	if err != nil {
		return booking.CreditAccount{}, wrapStoreError(errorSubjectAccount, errorCodeCreate, err)
	}
	existing, err := store.LockAccount(ctx, account.UserID)
	if err != nil {
		return booking.CreditAccount{}, err
	}
	updates := map[string]interface{}{}
	if existing.Email == "" && account.Email != "" {
		updates["email"] = account.Email
		existing.Email = account.Email
	}
	if existing.DisplayName == "" && account.DisplayName != "" {
		updates["display_name"] = account.DisplayName
		existing.DisplayName = account.DisplayName
	}
	if len(updates) == 0 {
		return existing, nil
	}
	updates["updated_at"] = now
	err = store.db.WithContext(ctx).
		Model(&CreditAccount{}).
		Where("user_id = ?", account.UserID.String()).
		Updates(updates).Error
	if err != nil {
		return booking.CreditAccount{}, wrapStoreError(errorSubjectAccount, errorCodeUpdate, err)
	}
	return existing, nil
}

func (store *Store) SetAccountCredits(ctx context.Context, userID booking.UserID, total int64) error {
	if total < 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeInvalid, fmt.Errorf("%w: negative counter %d", booking.ErrInvalidCredits, total))
	}
	result := store.db.WithContext(ctx).
		Model(&CreditAccount{}).
		Where("user_id = ?", userID.String()).
		Updates(map[string]interface{}{
			"total_available_credits": total,
			"updated_at":              time.Now().UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, booking.ErrUnknownAccount)
	}
	return nil
}

func (store *Store) InsertBatch(ctx context.Context, batch booking.CreditBatch) error {
	model := CreditBatch{
		BatchID:                batch.ID.String(),
		UserID:                 batch.UserID.String(),
		OriginalCredits:        batch.OriginalCredits,
		ConsumedCredits:        batch.ConsumedCredits,
		PurchasedAt:            batch.PurchasedAt.UTC(),
		ExpiresAt:              batch.ExpiresAt.UTC(),
		AccountedForExpiration: batch.AccountedForExpiration,
		TransactionRef:         batch.TransactionRef,
		AuthorizationCode:      batch.AuthorizationCode,
		CreatedAt:              time.Now().UTC(),
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapStoreError(errorSubjectBatch, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ListBatches(ctx context.Context, userID booking.UserID) ([]booking.CreditBatch, error) {
	var rows []CreditBatch
	err := store.locking(ctx).
		Where("user_id = ?", userID.String()).
		Order("expires_at ASC, batch_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectBatch, errorCodeList, err)
	}
	return mapCreditBatches(rows)
}

func (store *Store) LockBatch(ctx context.Context, batchID booking.BatchID) (booking.CreditBatch, error) {
	var model CreditBatch
	err := store.locking(ctx).Where("batch_id = ?", batchID.String()).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return booking.CreditBatch{}, wrapStoreError(errorSubjectBatch, errorCodeLock, booking.ErrUnknownBatch)
		}
		return booking.CreditBatch{}, wrapStoreError(errorSubjectBatch, errorCodeLock, err)
	}
	batch, err := mapCreditBatch(model)
	if err != nil {
		return booking.CreditBatch{}, wrapStoreError(errorSubjectBatch, errorCodeInvalid, err)
	}
	return batch, nil
}

func (store *Store) UpdateBatchConsumption(ctx context.Context, batchID booking.BatchID, from int64, to int64) error {
	if to < 0 {
		return wrapStoreError(errorSubjectBatch, errorCodeInvalid, fmt.Errorf("%w: negative consumption %d", booking.ErrInvalidCredits, to))
	}
	result := store.db.WithContext(ctx).
		Model(&CreditBatch{}).
		Where("batch_id = ? AND consumed_credits = ? AND original_credits >= ?", batchID.String(), from, to).
		Update("consumed_credits", to)
	if result.Error != nil {
		return wrapStoreError(errorSubjectBatch, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectBatch, errorCodeUpdate, booking.ErrBatchConflict)
	}
	return nil
}

func (store *Store) ListExpiredUnaccountedBatches(ctx context.Context, at time.Time, after booking.BatchCursor, limit int) ([]booking.CreditBatch, error) {
	var rows []CreditBatch
	query := store.db.WithContext(ctx).
		Where("accounted_for_expiration = ? AND expires_at < ?", false, at.UTC()).
		Order("expires_at ASC, batch_id ASC")
	if !after.IsZero() {
		expiresAt := after.ExpiresAt.UTC()
		query = query.Where("(expires_at > ? OR (expires_at = ? AND batch_id > ?))", expiresAt, expiresAt, after.ID.String())
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectBatch, errorCodeList, err)
	}
	return mapCreditBatches(rows)
}

func (store *Store) MarkBatchAccounted(ctx context.Context, batchID booking.BatchID) error {
	result := store.db.WithContext(ctx).
		Model(&CreditBatch{}).
		Where("batch_id = ? AND accounted_for_expiration = ?", batchID.String(), false).
		Update("accounted_for_expiration", true)
	if result.Error != nil {
		return wrapStoreError(errorSubjectBatch, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectBatch, errorCodeUpdate, booking.ErrBatchAlreadyAccounted)
	}
	return nil
}

func mapCreditAccount(model CreditAccount) (booking.CreditAccount, error) {
	userID, err := booking.NewUserID(model.UserID)
	if err != nil {
		return booking.CreditAccount{}, err
	}
	return booking.CreditAccount{
		UserID:                userID,
		TotalAvailableCredits: model.TotalAvailableCredits,
		Email:                 model.Email,
		DisplayName:           model.DisplayName,
	}, nil
}

func mapCreditBatches(rows []CreditBatch) ([]booking.CreditBatch, error) {
	batches := make([]booking.CreditBatch, 0, len(rows))
	for _, row := range rows {
		batch, err := mapCreditBatch(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectBatch, errorCodeInvalid, err)
		}
		batches = append(batches, batch)
	}
	return batches, nil
}

func mapCreditBatch(model CreditBatch) (booking.CreditBatch, error) {
	batchID, err := booking.NewBatchID(model.BatchID)
	if err != nil {
		return booking.CreditBatch{}, err
	}
	userID, err := booking.NewUserID(model.UserID)
	if err != nil {
		return booking.CreditBatch{}, err
	}
	return booking.CreditBatch{
		ID:                     batchID,
		UserID:                 userID,
		OriginalCredits:        model.OriginalCredits,
		ConsumedCredits:        model.ConsumedCredits,
		PurchasedAt:            model.PurchasedAt.UTC(),
		ExpiresAt:              model.ExpiresAt.UTC(),
		AccountedForExpiration: model.AccountedForExpiration,
		TransactionRef:         model.TransactionRef,
		AuthorizationCode:      model.AuthorizationCode,
	}, nil
}
