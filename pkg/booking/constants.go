package booking

import "time"

const (
	operationReserve  = "reserve"
	operationCancel   = "cancel"
	operationPurchase = "purchase"
	operationRepair   = "repair"
	operationAccount  = "account"

	operationStatusOK       = "ok"
	operationStatusRejected = "rejected"
	operationStatusError    = "error"

	errorSubjectStore    = "store"
	errorSubjectCatalog  = "catalog"
	errorSubjectIdentity = "identity"
	errorCodeFailure     = "failure"
	errorCodeLookup      = "lookup"
	errorCodeGenerate    = "generate"

	// SweepArchive names the reservation archival pass.
	SweepArchive = "archive"
	// SweepExpire names the credit expiration pass.
	SweepExpire = "expire"

	sweepOutcomeArchived = "archived"
	sweepOutcomeDeleted  = "deleted"
	sweepOutcomeSkipped  = "skipped"
	sweepOutcomeErrored  = "errored"
	sweepOutcomeExpired  = "expired"
	sweepOutcomeOrphaned = "orphaned"

	// DefaultCancelCutoff is the minimum lead time before a slot starts for a cancellation.
	DefaultCancelCutoff = 2 * time.Hour
	// DefaultArchiveGrace is how long after a slot ends its reservations stay live.
	DefaultArchiveGrace = time.Hour
	// DefaultSweepBatchLimit is the page size a sweep reads from the store at a time.
	DefaultSweepBatchLimit = 500

	reserveAttempts = 3

	tracerName = "github.com/MarkoPoloResearchLab/ridebook/pkg/booking"
)
