package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/chisabyte/PropozalApp-sub001/internal/propozal"
)

// writeDomainError maps service errors onto the response shape. Ownership
// failures read as 404 so a stranger cannot probe for proposal ids.
func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error, correlationID string) {
	var limitErr *propozal.LimitError
	switch {
	case errors.As(err, &limitErr):
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(limitErr.ResetAt, s.cfg.Now())))
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limitErr.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(limitErr.Remaining))
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"code":          string(limitErr.Kind),
			"message":       limitErr.Error(),
			"correlationId": correlationID,
			"limit":         limitErr.Limit,
			"used":          limitErr.Used,
			"remaining":     limitErr.Remaining,
			"resetAt":       limitErr.ResetAt,
		})
	case errors.Is(err, propozal.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, propozal.ErrUnauthorized), errors.Is(err, propozal.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "resource not found", correlationID)
	case errors.Is(err, propozal.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_transition", err.Error(), correlationID)
	case errors.Is(err, propozal.ErrQueueFull):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "queue_full", err.Error(), correlationID)
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "unavailable", "storage timed out", correlationID)
	default:
		s.logger.ErrorContext(r.Context(), "request failed",
			"method", r.Method, "path", r.URL.Path, "correlation_id", correlationID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "unavailable", "service temporarily unavailable", correlationID)
	}
}
