package httpapi

import (
	"errors"
	"net/http"

	"github.com/MarkoPoloResearchLab/ridebook/pkg/booking"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	codeInvalidPayload = "INVALID_PAYLOAD"
	codeRateLimited    = "RATE_LIMITED"

	messageInternal = "internal error"
)

// statusFor maps a rejection reason to its HTTP status.
func statusFor(reason booking.Reason) int {
	switch reason {
	case booking.ReasonValidation:
		return http.StatusBadRequest
	case booking.ReasonNotFound:
		return http.StatusNotFound
	case booking.ReasonDuplicateBooking, booking.ReasonResourceConflict, booking.ReasonAlreadyCancelled:
		return http.StatusConflict
	case booking.ReasonInsufficientCredits:
		return http.StatusPaymentRequired
	case booking.ReasonTooLateToCancel:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func errorResponse(code string, message string, details gin.H) gin.H {
	response := gin.H{
		"code":    code,
		"message": message,
	}
	if len(details) > 0 {
		response["details"] = details
	}
	return response
}

func (handler *httpHandler) writeError(ctx *gin.Context, operation string, err error) {
	reason := booking.ReasonOf(err)
	status := statusFor(reason)
	if status == http.StatusInternalServerError {
		handler.logger.Error("request failed", zap.String("operation", operation), zap.Error(err))
		ctx.JSON(status, errorResponse(string(booking.ReasonInternal), messageInternal, nil))
		return
	}

	var rejection *booking.RejectionError
	if !errors.As(err, &rejection) {
		ctx.JSON(status, errorResponse(string(reason), err.Error(), nil))
		return
	}
	details := gin.H{}
	if len(rejection.ConflictingResources) > 0 {
		details["conflicting_resources"] = resourceStrings(rejection.ConflictingResources)
	}
	if rejection.Reason == booking.ReasonInsufficientCredits {
		details["required"] = rejection.Required
		details["available"] = rejection.Available
	}
	ctx.JSON(status, errorResponse(string(rejection.Reason), rejection.Message, details))
}
