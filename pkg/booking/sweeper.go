package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Sweeper runs the two periodic reconciliation passes: reservation archival and credit expiration.
// Both passes are idempotent and safe to re-run after a crash.
type Sweeper struct {
	store      Store
	catalog    Catalog
	nowFn      func() time.Time
	location   *time.Location
	grace      time.Duration
	batchLimit int
	logger     SweepLogger
	tracer     trace.Tracer
}

// SweepReport summarizes one pass.
type SweepReport struct {
	Sweep          string
	StartedAt      time.Time
	FinishedAt     time.Time
	Processed      int
	Archived       int
	Deleted        int
	Expired        int
	Skipped        int
	Pending        int
	Errored        int
	CreditsExpired int64
}

// NewSweeper wires a Sweeper.
func NewSweeper(store Store, catalog Catalog, now func() time.Time, options ...SweeperOption) (*Sweeper, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if catalog == nil {
		return nil, fmt.Errorf("%w: catalog dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	sweeper := &Sweeper{
		store:      store,
		catalog:    catalog,
		nowFn:      now,
		location:   time.UTC,
		grace:      DefaultArchiveGrace,
		batchLimit: DefaultSweepBatchLimit,
		tracer:     otel.Tracer(tracerName),
	}
	for _, option := range options {
		if option != nil {
			option(sweeper)
		}
	}
	return sweeper, nil
}

type archiveVerdict int

const (
	verdictPending archiveVerdict = iota
	verdictDue
	verdictSkip
)

var errReservationGone = errors.New("reservation no longer live")

// ArchiveReservations moves reservations whose slot ended more than the grace period ago out of
// the live store: cancelled ones are deleted, active ones are archived and then deleted. A
// reservation that cannot be processed is logged and counted without stopping the pass.
func (sweeper *Sweeper) ArchiveReservations(ctx context.Context) (SweepReport, error) {
	ctx, span := sweeper.tracer.Start(ctx, "booking.ArchiveReservations")
	defer span.End()

	now := sweeper.nowFn()
	report := SweepReport{Sweep: SweepArchive, StartedAt: now}
	sweeper.logStarted(ctx, SweepArchive, now)

	var cursor ReservationCursor
	for {
		reservations, err := sweeper.store.ListReservations(ctx, cursor, sweeper.batchLimit)
		if err != nil {
			err = WrapError(SweepArchive, errorSubjectStore, errorCodeLookup, err)
			return sweeper.finish(ctx, span, report, err)
		}
		for _, reservation := range reservations {
			cursor = ReservationCursor{StartsAt: reservation.Slot.StartsAt(), ID: reservation.ID}
			report.Processed++
			outcome, detail, itemErr := sweeper.archiveOne(ctx, reservation, now)
			switch outcome {
			case "":
				report.Pending++
				continue
			case sweepOutcomeArchived:
				report.Archived++
			case sweepOutcomeDeleted:
				report.Deleted++
			case sweepOutcomeSkipped:
				report.Skipped++
			default:
				report.Errored++
			}
			sweeper.logItem(ctx, SweepItem{
				Sweep:   SweepArchive,
				Subject: reservation.ID.String(),
				Outcome: outcome,
				Detail:  detail,
				Error:   itemErr,
			})
		}
		if !sweeper.morePages(len(reservations)) || ctx.Err() != nil {
			break
		}
	}
	return sweeper.finish(ctx, span, report, nil)
}

func (sweeper *Sweeper) archiveOne(ctx context.Context, reservation Reservation, now time.Time) (string, string, error) {
	slot, err := sweeper.catalog.GetSlot(ctx, reservation.Slot.SlotID())
	if err != nil {
		if errors.Is(err, ErrUnknownSlot) {
			return sweepOutcomeSkipped, "slot metadata missing", nil
		}
		return sweepOutcomeErrored, "slot lookup failed", err
	}
	verdict, detail := sweeper.classify(reservation, slot, now)
	switch verdict {
	case verdictPending:
		return "", "", nil
	case verdictSkip:
		return sweepOutcomeSkipped, detail, nil
	}

	var snapshot ArchivedReservation
	if reservation.Status == ReservationStatusActive {
		owner, err := sweeper.store.GetAccount(ctx, reservation.OwnerUserID)
		if err != nil {
			if errors.Is(err, ErrUnknownAccount) {
				return sweepOutcomeSkipped, "owner missing", nil
			}
			return sweepOutcomeErrored, "owner lookup failed", err
		}
		resources, err := sweeper.resolveResources(ctx, reservation.ResourceIDs)
		if err != nil {
			return sweepOutcomeErrored, "resource lookup failed", err
		}
		snapshot = newArchivedReservation(reservation, slot, owner, resources, now)
	}

	outcome := sweepOutcomeDeleted
	err = sweeper.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		locked, err := transactionStore.LockReservation(ctx, reservation.ID)
		if err != nil {
			if errors.Is(err, ErrUnknownReservation) {
				return errReservationGone
			}
			return err
		}
		if locked.Status == ReservationStatusActive {
			if snapshot.ReservationID.IsZero() {
				return fmt.Errorf("%w: became active during the sweep", ErrReservationStatusChanged)
			}
			if err := transactionStore.ArchiveReservation(ctx, snapshot); err != nil {
				return err
			}
			outcome = sweepOutcomeArchived
		}
		return transactionStore.DeleteReservation(ctx, locked.ID)
	})
	if errors.Is(err, errReservationGone) {
		return sweepOutcomeSkipped, "reservation already removed", nil
	}
	if err != nil {
		return sweepOutcomeErrored, "archive transaction failed", err
	}
	return outcome, "", nil
}

// classify matches the reservation's occurrence to the local calendar. An occurrence is due once
// its local end time plus the grace period has passed. Future days stay pending.
func (sweeper *Sweeper) classify(reservation Reservation, slot Slot, now time.Time) (archiveVerdict, string) {
	if slot.EndClock.IsZero() {
		return verdictSkip, "slot has no end time"
	}
	occurrence := reservation.Slot.StartsAt().In(sweeper.location)
	if occurrence.Weekday() != slot.Weekday {
		return verdictSkip, fmt.Sprintf("occurrence on %s does not match slot weekday %s", occurrence.Weekday(), slot.Weekday)
	}
	localNow := now.In(sweeper.location)
	if calendarDay(occurrence).After(calendarDay(localNow)) {
		return verdictPending, ""
	}
	end := slot.EndClock.On(occurrence)
	if !slot.StartClock.IsZero() && !end.After(slot.StartClock.On(occurrence)) {
		end = end.AddDate(0, 0, 1)
	}
	if now.Before(end.Add(sweeper.grace)) {
		return verdictPending, ""
	}
	return verdictDue, ""
}

func (sweeper *Sweeper) resolveResources(ctx context.Context, resourceIDs []ResourceID) ([]Resource, error) {
	resources, err := sweeper.catalog.GetResources(ctx, resourceIDs)
	if err == nil {
		return resources, nil
	}
	if !errors.Is(err, ErrUnknownResource) {
		return nil, err
	}
	fallback := make([]Resource, 0, len(resourceIDs))
	for _, resourceID := range resourceIDs {
		fallback = append(fallback, Resource{ID: resourceID, Label: resourceID.String()})
	}
	return fallback, nil
}

// ExpireBatches folds the unused remainder of every expired, unaccounted batch out of its owner's
// counter exactly once. Batches whose owner is gone are marked accounted without a counter change.
func (sweeper *Sweeper) ExpireBatches(ctx context.Context) (SweepReport, error) {
	ctx, span := sweeper.tracer.Start(ctx, "booking.ExpireBatches")
	defer span.End()

	now := sweeper.nowFn()
	report := SweepReport{Sweep: SweepExpire, StartedAt: now}
	sweeper.logStarted(ctx, SweepExpire, now)

	var cursor BatchCursor
	for {
		batches, err := sweeper.store.ListExpiredUnaccountedBatches(ctx, now, cursor, sweeper.batchLimit)
		if err != nil {
			err = WrapError(SweepExpire, errorSubjectStore, errorCodeLookup, err)
			return sweeper.finish(ctx, span, report, err)
		}
		for _, batch := range batches {
			cursor = BatchCursor{ExpiresAt: batch.ExpiresAt, ID: batch.ID}
			report.Processed++
			outcome, credits, detail, itemErr := sweeper.expireOne(ctx, batch.ID, now)
			switch outcome {
			case sweepOutcomeExpired, sweepOutcomeOrphaned:
				report.Expired++
				report.CreditsExpired += credits
			case sweepOutcomeSkipped:
				report.Skipped++
			default:
				report.Errored++
			}
			sweeper.logItem(ctx, SweepItem{
				Sweep:   SweepExpire,
				Subject: batch.ID.String(),
				Outcome: outcome,
				Detail:  detail,
				Error:   itemErr,
			})
		}
		if !sweeper.morePages(len(batches)) || ctx.Err() != nil {
			break
		}
	}
	return sweeper.finish(ctx, span, report, nil)
}

func (sweeper *Sweeper) expireOne(ctx context.Context, batchID BatchID, now time.Time) (string, int64, string, error) {
	outcome := sweepOutcomeExpired
	detail := ""
	var removed int64
	err := sweeper.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		batch, err := transactionStore.LockBatch(ctx, batchID)
		if err != nil {
			return err
		}
		if batch.AccountedForExpiration {
			outcome, detail = sweepOutcomeSkipped, "already accounted"
			return nil
		}
		if !batch.ExpiredAt(now) {
			outcome, detail = sweepOutcomeSkipped, "not expired"
			return nil
		}
		account, err := transactionStore.LockAccount(ctx, batch.UserID)
		if err != nil {
			if !errors.Is(err, ErrUnknownAccount) {
				return err
			}
			outcome, detail = sweepOutcomeOrphaned, "owner missing"
			return transactionStore.MarkBatchAccounted(ctx, batch.ID)
		}
		unused := batch.Remaining()
		updatedTotal := floorAtZero(account.TotalAvailableCredits - unused)
		if updatedTotal != account.TotalAvailableCredits {
			if err := transactionStore.SetAccountCredits(ctx, batch.UserID, updatedTotal); err != nil {
				return err
			}
		}
		removed = account.TotalAvailableCredits - updatedTotal
		detail = fmt.Sprintf("%d unused credits expired", unused)
		return transactionStore.MarkBatchAccounted(ctx, batch.ID)
	})
	if err != nil {
		if errors.Is(err, ErrBatchAlreadyAccounted) {
			return sweepOutcomeSkipped, 0, "already accounted", nil
		}
		return sweepOutcomeErrored, 0, "expiration transaction failed", err
	}
	return outcome, removed, detail, nil
}

// morePages reports whether a full page may have more rows behind it. Without a limit the first
// page already holds everything.
func (sweeper *Sweeper) morePages(pageSize int) bool {
	return sweeper.batchLimit > 0 && pageSize >= sweeper.batchLimit
}

func (sweeper *Sweeper) finish(ctx context.Context, span trace.Span, report SweepReport, err error) (SweepReport, error) {
	report.FinishedAt = sweeper.nowFn()
	span.SetAttributes(
		attribute.String("sweep.name", report.Sweep),
		attribute.Int("sweep.processed", report.Processed),
		attribute.Int("sweep.skipped", report.Skipped),
		attribute.Int("sweep.errored", report.Errored),
	)
	recordSpanOutcome(span, err)
	sweeper.logFinished(ctx, report)
	return report, err
}

func newArchivedReservation(reservation Reservation, slot Slot, owner CreditAccount, resources []Resource, archivedAt time.Time) ArchivedReservation {
	return ArchivedReservation{
		ReservationID:   reservation.ID,
		OwnerUserID:     reservation.OwnerUserID,
		OwnerEmail:      owner.Email,
		OwnerName:       owner.DisplayName,
		SlotID:          slot.ID,
		ClassName:       slot.DisplayName(),
		Weekday:         slot.Weekday,
		StartClock:      slot.StartClock,
		EndClock:        slot.EndClock,
		InstructorName:  slot.InstructorName,
		InstructorEmail: slot.InstructorEmail,
		StartsAt:        reservation.Slot.StartsAt(),
		Resources:       resources,
		CreditsCharged:  reservation.CreditsCharged,
		ArchivedAt:      archivedAt,
	}
}

func calendarDay(instant time.Time) time.Time {
	year, month, day := instant.Date()
	return time.Date(year, month, day, 0, 0, 0, 0, instant.Location())
}
