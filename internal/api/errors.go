package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"querygrid/internal/domain"
)

// httpStatusFromDomainError maps engine errors to HTTP status codes.
func httpStatusFromDomainError(err error) int {
	var (
		validation   *domain.ValidationError
		unauthorized *domain.UnauthorizedError
		accessDenied *domain.AccessDeniedError
		notFound     *domain.NotFoundError
		rateLimited  *domain.RateLimitError
		timeout      *domain.TimeoutError
	)
	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.As(err, &unauthorized):
		return http.StatusUnauthorized
	case errors.As(err, &accessDenied):
		return http.StatusForbidden
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &rateLimited):
		return http.StatusTooManyRequests
	case errors.As(err, &timeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	ErrorID string `json:"error_id,omitempty"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

// writeError renders the error contract. Unclassified errors are replaced
// by a generic internal error with a correlation id; the original is
// logged server-side only.
func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	status := httpStatusFromDomainError(err)
	body := errorBody{Code: domain.ErrorCode(err), Message: err.Error()}

	var internal *domain.InternalError
	if errors.As(err, &internal) {
		body.ErrorID = internal.ErrorID
	} else if status == http.StatusInternalServerError && body.Code == domain.CodeInternalError {
		errorID := uuid.NewString()
		logger.Error("internal error", "error_id", errorID, "error", err)
		body = errorBody{Code: domain.CodeInternalError, Message: "internal error", ErrorID: errorID}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: body})
}
