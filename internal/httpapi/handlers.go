package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/ridebook/pkg/booking"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type httpHandler struct {
	logger  *zap.Logger
	service Booking
	sweeps  Sweeps
}

type reserveRequest struct {
	UserID      string    `json:"user_id"`
	ResourceIDs []string  `json:"resource_ids"`
	SlotID      string    `json:"slot_id"`
	StartsAt    time.Time `json:"starts_at"`
}

type purchaseRequest struct {
	UserID            string `json:"user_id"`
	Credits           int64  `json:"credits"`
	ValidityDays      int    `json:"validity_days"`
	TransactionRef    string `json:"transaction_ref"`
	AuthorizationCode string `json:"authorization_code"`
	Email             string `json:"email"`
	DisplayName       string `json:"display_name"`
}

type reservationPayload struct {
	ReservationID  string    `json:"reservation_id"`
	UserID         string    `json:"user_id"`
	SlotID         string    `json:"slot_id"`
	StartsAt       time.Time `json:"starts_at"`
	ResourceIDs    []string  `json:"resource_ids"`
	Status         string    `json:"status"`
	CreditsCharged int64     `json:"credits_charged"`
	CreatedAt      time.Time `json:"created_at"`
}

type batchPayload struct {
	BatchID         string    `json:"batch_id"`
	OriginalCredits int64     `json:"original_credits"`
	ConsumedCredits int64     `json:"consumed_credits"`
	Remaining       int64     `json:"remaining"`
	PurchasedAt     time.Time `json:"purchased_at"`
	ExpiresAt       time.Time `json:"expires_at"`
	Expired         bool      `json:"expired"`
}

type slotPayload struct {
	SlotID          string `json:"slot_id"`
	ClassName       string `json:"class_name"`
	Weekday         string `json:"weekday"`
	StartClock      string `json:"start_clock"`
	EndClock        string `json:"end_clock"`
	InstructorName  string `json:"instructor_name,omitempty"`
	InstructorEmail string `json:"instructor_email,omitempty"`
}

type resourcePayload struct {
	ResourceID string `json:"resource_id"`
	Label      string `json:"label"`
}

// batchDeltaPayload reports how one batch moved during a reserve or a cancel.
type batchDeltaPayload struct {
	BatchID        string    `json:"batch_id"`
	Credits        int64     `json:"credits"`
	ConsumedBefore int64     `json:"consumed_before"`
	ConsumedAfter  int64     `json:"consumed_after"`
	ExpiresAt      time.Time `json:"expires_at"`
}

type reserveResponse struct {
	Reservation           reservationPayload  `json:"reservation"`
	Slot                  slotPayload         `json:"slot"`
	Resources             []resourcePayload   `json:"resources"`
	TotalAvailableCredits int64               `json:"total_available_credits"`
	Batches               []batchDeltaPayload `json:"batches"`
}

type cancelResponse struct {
	Reservation           reservationPayload  `json:"reservation"`
	Outcome               string              `json:"outcome"`
	Refunded              int64               `json:"refunded"`
	NotRefunded           int64               `json:"not_refunded"`
	TotalAvailableCredits int64               `json:"total_available_credits"`
	Batches               []batchDeltaPayload `json:"batches"`
	Message               string              `json:"message"`
}

type purchaseResponse struct {
	Batch                 batchPayload `json:"batch"`
	TotalAvailableCredits int64        `json:"total_available_credits"`
}

type accountResponse struct {
	UserID                string         `json:"user_id"`
	Email                 string         `json:"email,omitempty"`
	DisplayName           string         `json:"display_name,omitempty"`
	TotalAvailableCredits int64          `json:"total_available_credits"`
	SpendableCredits      int64          `json:"spendable_credits"`
	Drift                 int64          `json:"drift"`
	Batches               []batchPayload `json:"batches"`
}

type repairResponse struct {
	UserID string `json:"user_id"`
	Before int64  `json:"before"`
	After  int64  `json:"after"`
}

type sweepResponse struct {
	Sweep          string    `json:"sweep"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
	Processed      int       `json:"processed"`
	Archived       int       `json:"archived"`
	Deleted        int       `json:"deleted"`
	Expired        int       `json:"expired"`
	Skipped        int       `json:"skipped"`
	Pending        int       `json:"pending"`
	Errored        int       `json:"errored"`
	CreditsExpired int64     `json:"credits_expired"`
}

func (handler *httpHandler) handleReserve(ctx *gin.Context) {
	var payload reserveRequest
	if err := ctx.ShouldBindJSON(&payload); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(codeInvalidPayload, "expected JSON body", nil))
		return
	}
	request, err := booking.NewReserveRequest(payload.UserID, payload.ResourceIDs, payload.SlotID, payload.StartsAt)
	if err != nil {
		handler.writeError(ctx, "reserve", err)
		return
	}
	result, err := handler.service.Reserve(ctx.Request.Context(), request)
	if err != nil {
		handler.writeError(ctx, "reserve", err)
		return
	}
	resources := make([]resourcePayload, 0, len(result.Resources))
	for _, resource := range result.Resources {
		resources = append(resources, resourcePayload{ResourceID: resource.ID.String(), Label: resource.Label})
	}
	ctx.JSON(http.StatusCreated, reserveResponse{
		Reservation:           newReservationPayload(result.Reservation),
		Slot:                  newSlotPayload(result.Slot),
		Resources:             resources,
		TotalAvailableCredits: result.TotalAvailableCredits,
		Batches:               newBatchDeltaPayloads(result.Consumption),
	})
}

func (handler *httpHandler) handleCancel(ctx *gin.Context) {
	reservationID, err := booking.NewReservationID(ctx.Param("id"))
	if err != nil {
		handler.writeError(ctx, "cancel", err)
		return
	}
	result, err := handler.service.Cancel(ctx.Request.Context(), reservationID)
	if err != nil {
		handler.writeError(ctx, "cancel", err)
		return
	}
	ctx.JSON(http.StatusOK, cancelResponse{
		Reservation:           newReservationPayload(result.Reservation),
		Outcome:               string(result.Outcome),
		Refunded:              result.Refunded,
		NotRefunded:           result.NotRefunded,
		TotalAvailableCredits: result.TotalAvailableCredits,
		Batches:               newBatchDeltaPayloads(result.Refunds),
		Message:               result.Message,
	})
}

func (handler *httpHandler) handlePurchase(ctx *gin.Context) {
	var payload purchaseRequest
	if err := ctx.ShouldBindJSON(&payload); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(codeInvalidPayload, "expected JSON body", nil))
		return
	}
	request, err := booking.NewPurchaseRequest(payload.UserID, payload.Credits, payload.ValidityDays, payload.TransactionRef, payload.AuthorizationCode)
	if err != nil {
		handler.writeError(ctx, "purchase", err)
		return
	}
	request.Email = payload.Email
	request.DisplayName = payload.DisplayName
	result, err := handler.service.Purchase(ctx.Request.Context(), request)
	if err != nil {
		handler.writeError(ctx, "purchase", err)
		return
	}
	ctx.JSON(http.StatusCreated, purchaseResponse{
		Batch:                 newBatchPayload(booking.BatchView{Batch: result.Batch, Remaining: result.Batch.Remaining()}),
		TotalAvailableCredits: result.TotalAvailableCredits,
	})
}

func (handler *httpHandler) handleAccount(ctx *gin.Context) {
	userID, err := booking.NewUserID(ctx.Param("userId"))
	if err != nil {
		handler.writeError(ctx, "account", err)
		return
	}
	view, err := handler.service.Account(ctx.Request.Context(), userID)
	if err != nil {
		handler.writeError(ctx, "account", err)
		return
	}
	batches := make([]batchPayload, 0, len(view.Batches))
	for _, batch := range view.Batches {
		batches = append(batches, newBatchPayload(batch))
	}
	ctx.JSON(http.StatusOK, accountResponse{
		UserID:                view.Account.UserID.String(),
		Email:                 view.Account.Email,
		DisplayName:           view.Account.DisplayName,
		TotalAvailableCredits: view.Account.TotalAvailableCredits,
		SpendableCredits:      view.SpendableCredits,
		Drift:                 view.Drift(),
		Batches:               batches,
	})
}

func (handler *httpHandler) handleRepair(ctx *gin.Context) {
	userID, err := booking.NewUserID(ctx.Param("userId"))
	if err != nil {
		handler.writeError(ctx, "repair", err)
		return
	}
	result, err := handler.service.RepairAccountCredits(ctx.Request.Context(), userID)
	if err != nil {
		handler.writeError(ctx, "repair", err)
		return
	}
	ctx.JSON(http.StatusOK, repairResponse{UserID: result.UserID.String(), Before: result.Before, After: result.After})
}

func (handler *httpHandler) handleSweep(sweep string) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		var (
			report booking.SweepReport
			err    error
		)
		switch sweep {
		case booking.SweepArchive:
			report, err = handler.sweeps.ArchiveReservations(ctx.Request.Context())
		default:
			report, err = handler.sweeps.ExpireBatches(ctx.Request.Context())
		}
		if err != nil {
			handler.writeError(ctx, "sweep."+sweep, err)
			return
		}
		ctx.JSON(http.StatusOK, sweepResponse{
			Sweep:          report.Sweep,
			StartedAt:      report.StartedAt,
			FinishedAt:     report.FinishedAt,
			Processed:      report.Processed,
			Archived:       report.Archived,
			Deleted:        report.Deleted,
			Expired:        report.Expired,
			Skipped:        report.Skipped,
			Pending:        report.Pending,
			Errored:        report.Errored,
			CreditsExpired: report.CreditsExpired,
		})
	}
}

func newReservationPayload(reservation booking.Reservation) reservationPayload {
	return reservationPayload{
		ReservationID:  reservation.ID.String(),
		UserID:         reservation.OwnerUserID.String(),
		SlotID:         reservation.Slot.SlotID().String(),
		StartsAt:       reservation.Slot.StartsAt(),
		ResourceIDs:    resourceStrings(reservation.ResourceIDs),
		Status:         string(reservation.Status),
		CreditsCharged: reservation.CreditsCharged,
		CreatedAt:      reservation.CreatedAt,
	}
}

func newSlotPayload(slot booking.Slot) slotPayload {
	return slotPayload{
		SlotID:          slot.ID.String(),
		ClassName:       slot.DisplayName(),
		Weekday:         strings.ToLower(slot.Weekday.String()),
		StartClock:      slot.StartClock.String(),
		EndClock:        slot.EndClock.String(),
		InstructorName:  slot.InstructorName,
		InstructorEmail: slot.InstructorEmail,
	}
}

func newBatchDeltaPayloads(deltas []booking.BatchDelta) []batchDeltaPayload {
	payloads := make([]batchDeltaPayload, 0, len(deltas))
	for _, delta := range deltas {
		payloads = append(payloads, batchDeltaPayload{
			BatchID:        delta.BatchID.String(),
			Credits:        delta.Credits,
			ConsumedBefore: delta.ConsumedBefore,
			ConsumedAfter:  delta.ConsumedAfter,
			ExpiresAt:      delta.ExpiresAt,
		})
	}
	return payloads
}

func newBatchPayload(view booking.BatchView) batchPayload {
	return batchPayload{
		BatchID:         view.Batch.ID.String(),
		OriginalCredits: view.Batch.OriginalCredits,
		ConsumedCredits: view.Batch.ConsumedCredits,
		Remaining:       view.Remaining,
		PurchasedAt:     view.Batch.PurchasedAt,
		ExpiresAt:       view.Batch.ExpiresAt,
		Expired:         view.Expired,
	}
}

func resourceStrings(resourceIDs []booking.ResourceID) []string {
	values := make([]string, 0, len(resourceIDs))
	for _, resourceID := range resourceIDs {
		values = append(values, resourceID.String())
	}
	return values
}
