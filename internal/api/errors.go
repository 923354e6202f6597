package api

import (
	"net/http"

	"reservation-service/internal/service"
	"reservation-service/internal/util"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Transport-level codes outside the service taxonomy
const (
	codeIdempotencyInProgress = "IDEMPOTENCY_IN_PROGRESS"
	codeInvalidSignature      = "INVALID_SIGNATURE"
	codeNotFound              = "NOT_FOUND"
)

var statusByCode = map[service.ErrorCode]int{
	service.CodeInvalidRequest:             http.StatusBadRequest,
	service.CodeActiveReservationExists:    http.StatusConflict,
	service.CodeVariantNotFound:            http.StatusNotFound,
	service.CodeInsufficientStock:          http.StatusConflict,
	service.CodeMaxPerCustomerExceeded:     http.StatusUnprocessableEntity,
	service.CodeReservationNotFound:        http.StatusNotFound,
	service.CodeReservationUserMismatch:    http.StatusForbidden,
	service.CodePaymentFailed:              http.StatusPaymentRequired,
	service.CodeTransactionFailure:         http.StatusInternalServerError,
	service.CodePaymentCapturedOrderFailed: http.StatusInternalServerError,
}

// StatusFor returns the HTTP status of a service error code
func StatusFor(code service.ErrorCode) int {
	if status, ok := statusByCode[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func abortWithError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{"error": errorBody{Code: code, Message: message}})
}

// respondError writes a service error; internal details never reach the client
func respondError(c *gin.Context, err error) {
	ce, ok := service.AsCheckoutError(err)
	if !ok {
		util.GetLogger().Error("Unhandled error",
			zap.String("path", c.FullPath()),
			zap.Error(err))
		abortWithError(c, http.StatusInternalServerError, string(service.CodeTransactionFailure), "internal error")
		return
	}
	abortWithError(c, StatusFor(ce.Code), string(ce.Code), ce.Message)
}
