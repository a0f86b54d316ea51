package gormstore

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/MarkoPoloResearchLab/ridebook/pkg/booking"
	crerrors "github.com/cockroachdb/errors"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	constraintClaimSlotResource = "uniq_reservation_claims_slot_resource"
	pgUniqueViolationCode       = "23505"
	pgSerializationFailureCode  = "40001"
	pgDeadlockDetectedCode      = "40P01"
	sqliteConstraintCode        = 19
	dialectPostgres             = "postgres"
	defaultTxAttempts           = 4
	defaultRetryBase            = 50 * time.Millisecond
	errorOperationStore         = "store"
	errorSubjectAccount         = "account"
	errorSubjectBatch           = "batch"
	errorSubjectReservation     = "reservation"
	errorSubjectClaim           = "claim"
	errorSubjectArchive         = "archive"
	errorSubjectSlot            = "slot"
	errorSubjectResource        = "resource"
	errorSubjectTransaction     = "transaction"
	errorCodeCreate             = "create"
	errorCodeDelete             = "delete"
	errorCodeDuplicate          = "duplicate"
	errorCodeGet                = "get"
	errorCodeInsert             = "insert"
	errorCodeInvalid            = "invalid"
	errorCodeList               = "list"
	errorCodeLock               = "lock"
	errorCodeLookup             = "lookup"
	errorCodeRetry              = "retry"
	errorCodeUpdate             = "update"
	errorCodeUpsert             = "upsert"
	advisorySlotLockStatement   = "SELECT pg_advisory_xact_lock(hashtext(?))"
)

// ErrRetriesExhausted marks a transaction that kept failing with serialization or deadlock errors.
var ErrRetriesExhausted = errors.New("transaction retries exhausted")

// Store implements booking.Store and booking.Catalog using GORM.
type Store struct {
	db         *gorm.DB
	inTx       bool
	txAttempts int
	retryBase  time.Duration
	sleepFn    func(ctx context.Context, wait time.Duration) error
	jitterFn   func(limit int64) int64
	postgres   bool
}

// Option configures a Store.
type Option func(*Store)

// WithTxAttempts bounds how many times a transaction is attempted on retryable PostgreSQL errors.
func WithTxAttempts(attempts int) Option {
	return func(store *Store) {
		if attempts > 0 {
			store.txAttempts = attempts
		}
	}
}

// WithRetryBase sets the first backoff step between transaction attempts.
func WithRetryBase(base time.Duration) Option {
	return func(store *Store) {
		if base >= 0 {
			store.retryBase = base
		}
	}
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB, options ...Option) *Store {
	store := &Store{
		db:         db,
		txAttempts: defaultTxAttempts,
		retryBase:  defaultRetryBase,
		sleepFn:    sleepContext,
		jitterFn:   rand.Int64N,
	}
	for _, option := range options {
		if option != nil {
			option(store)
		}
	}
	store.postgres = db != nil && db.Dialector != nil && db.Dialector.Name() == dialectPostgres
	return store
}

// WithTx executes fn within a transaction. Transactions that fail with a PostgreSQL serialization
// failure or deadlock are re-run from the start with jittered exponential backoff. Calls on a
// store that is already transactional run fn inline.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore booking.Store) error) error {
	if store.inTx {
		return fn(ctx, store)
	}
	for attempt := 1; ; attempt++ {
		err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
			return fn(ctx, store.bound(transaction))
		})
		if err == nil || !isRetryable(err) {
			return err
		}
		if attempt >= store.txAttempts {
			return wrapStoreError(errorSubjectTransaction, errorCodeRetry, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempt, err))
		}
		if sleepErr := store.sleepFn(ctx, store.backoff(attempt)); sleepErr != nil {
			return sleepErr
		}
	}
}

func (store *Store) bound(transaction *gorm.DB) *Store {
	clone := *store
	clone.db = transaction
	clone.inTx = true
	return &clone
}

func (store *Store) backoff(attempt int) time.Duration {
	wait := store.retryBase * time.Duration(1<<(attempt-1))
	if limit := int64(wait / 5); limit > 0 {
		wait += time.Duration(store.jitterFn(limit))
	}
	return wait
}

// locking returns a query that takes FOR UPDATE row locks inside a transaction. The SQLite
// dialector drops the clause; SQLite serializes writers instead.
func (store *Store) locking(ctx context.Context) *gorm.DB {
	query := store.db.WithContext(ctx)
	if store.inTx {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return query
}

func sleepContext(ctx context.Context, wait time.Duration) error {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func wrapStoreError(subject string, code string, err error) error {
	return booking.WrapError(errorOperationStore, subject, code, crerrors.WithStack(err))
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == pgSerializationFailureCode || pgErr.Code == pgDeadlockDetectedCode
}

func isClaimConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintClaimSlotResource
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
