package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// classify maps domain errors to a status code and a stable error code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return http.StatusPaymentRequired, "insufficient_funds"
	case errors.Is(err, ledger.ErrAlreadyPurchased):
		return http.StatusConflict, "already_purchased"
	case errors.Is(err, ledger.ErrDuplicateReference):
		return http.StatusConflict, "duplicate_reference"
	case errors.Is(err, ledger.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, ledger.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ledger.ErrValidation):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, ledger.ErrStorageUnavailable), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "ledger_unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func (handler *httpHandler) respondError(ctx *gin.Context, err error) {
	status, code := classify(err)
	message := err.Error()
	if status >= http.StatusInternalServerError {
		handler.logger.Error("request failed", zap.String("route", ctx.FullPath()), zap.Error(err))
		message = "ledger unavailable, retry with the same request id"
	}
	ctx.JSON(status, errorResponse(code, message))
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
