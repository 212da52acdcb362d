// Package api provides HTTP handlers for the interview REST API.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ashureev/interview-live/internal/domain"
)

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// ErrorFrom writes err with the HTTP status and wire code it maps to.
func ErrorFrom(w http.ResponseWriter, err error) {
	JSON(w, StatusFor(err), map[string]string{
		"error": err.Error(),
		"code":  domain.ErrorCode(err),
	})
}

// StatusFor maps a domain error to an HTTP status.
func StatusFor(err error) int {
	var (
		validation *domain.ValidationError
		notReady   *domain.StageNotReadyError
		timeout    *domain.AgentResponseTimeoutError
	)
	switch {
	case errors.Is(err, domain.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrSessionClosed):
		return http.StatusConflict
	case errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.As(err, &notReady):
		return http.StatusConflict
	case errors.As(err, &timeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
