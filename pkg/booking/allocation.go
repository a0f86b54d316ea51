package booking

import (
	"sort"
	"time"
)

// BatchDelta records how one batch's consumed counter moved during an operation.
type BatchDelta struct {
	BatchID        BatchID
	Credits        int64
	ConsumedBefore int64
	ConsumedAfter  int64
	ExpiresAt      time.Time
}

// SpendableBatches returns the unexpired batches with remaining credits, soonest expiration first.
func SpendableBatches(batches []CreditBatch, now time.Time) []CreditBatch {
	spendable := make([]CreditBatch, 0, len(batches))
	for _, batch := range batches {
		if batch.ExpiredAt(now) || batch.Remaining() == 0 {
			continue
		}
		spendable = append(spendable, batch)
	}
	sortBatchesByExpiration(spendable)
	return spendable
}

// RefundableBatches returns the unexpired batches with consumed credits, latest expiration first.
func RefundableBatches(batches []CreditBatch, now time.Time) []CreditBatch {
	refundable := make([]CreditBatch, 0, len(batches))
	for _, batch := range batches {
		if batch.ExpiredAt(now) || batch.ConsumedCredits <= 0 {
			continue
		}
		refundable = append(refundable, batch)
	}
	sort.SliceStable(refundable, func(left, right int) bool {
		return expiresBefore(refundable[right], refundable[left])
	})
	return refundable
}

// AvailableCredits sums the remaining credits of unexpired batches.
func AvailableCredits(batches []CreditBatch, now time.Time) int64 {
	var available int64
	for _, batch := range batches {
		if batch.ExpiredAt(now) {
			continue
		}
		available += batch.Remaining()
	}
	return available
}

// PlanConsumption walks spendable batches in order, taking up to each batch's remaining capacity
// until required credits are covered. It reports false when the batches cannot cover required.
func PlanConsumption(spendable []CreditBatch, required int64) ([]BatchDelta, bool) {
	outstanding := required
	deltas := make([]BatchDelta, 0, len(spendable))
	for _, batch := range spendable {
		if outstanding == 0 {
			break
		}
		take := min(batch.Remaining(), outstanding)
		if take <= 0 {
			continue
		}
		deltas = append(deltas, BatchDelta{
			BatchID:        batch.ID,
			Credits:        take,
			ConsumedBefore: batch.ConsumedCredits,
			ConsumedAfter:  batch.ConsumedCredits + take,
			ExpiresAt:      batch.ExpiresAt,
		})
		outstanding -= take
	}
	if outstanding > 0 {
		return nil, false
	}
	return deltas, true
}

// PlanRefund walks refundable batches in order, returning up to each batch's consumed credits.
// The second result is the number of credits that found a batch.
func PlanRefund(refundable []CreditBatch, credits int64) ([]BatchDelta, int64) {
	outstanding := credits
	deltas := make([]BatchDelta, 0, len(refundable))
	for _, batch := range refundable {
		if outstanding == 0 {
			break
		}
		give := min(batch.ConsumedCredits, outstanding)
		if give <= 0 {
			continue
		}
		deltas = append(deltas, BatchDelta{
			BatchID:        batch.ID,
			Credits:        give,
			ConsumedBefore: batch.ConsumedCredits,
			ConsumedAfter:  batch.ConsumedCredits - give,
			ExpiresAt:      batch.ExpiresAt,
		})
		outstanding -= give
	}
	return deltas, credits - outstanding
}

func sortBatchesByExpiration(batches []CreditBatch) {
	sort.SliceStable(batches, func(left, right int) bool {
		return expiresBefore(batches[left], batches[right])
	})
}

func expiresBefore(left CreditBatch, right CreditBatch) bool {
	if !left.ExpiresAt.Equal(right.ExpiresAt) {
		return left.ExpiresAt.Before(right.ExpiresAt)
	}
	if !left.PurchasedAt.Equal(right.PurchasedAt) {
		return left.PurchasedAt.Before(right.PurchasedAt)
	}
	return left.ID.String() < right.ID.String()
}

func floorAtZero(value int64) int64 {
	if value < 0 {
		return 0
	}
	return value
}
