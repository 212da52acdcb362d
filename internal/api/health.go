package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

const defaultHealthTimeout = 5 * time.Second

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// LiveCounter reports how many interviews are in memory.
type LiveCounter interface {
	Len() int
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	db      Pinger
	live    LiveCounter
	timeout time.Duration
}

// NewHealthHandler creates a new health handler. live may be nil.
func NewHealthHandler(db Pinger, live LiveCounter, timeout time.Duration) *HealthHandler {
	if timeout <= 0 {
		timeout = defaultHealthTimeout
	}
	return &HealthHandler{db: db, live: live, timeout: timeout}
}

// Health returns the health status of the API and its dependencies.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := map[string]interface{}{
		"status": "healthy",
		"checks": checks,
	}
	statusCode := http.StatusOK

	if h.db != nil {
		if err := h.db.Ping(ctx); err != nil {
			slog.Error("Health check failed", "error", err)
			status["status"] = "degraded"
			checks["database"] = "unreachable"
			statusCode = http.StatusServiceUnavailable
		} else {
			checks["database"] = "ok"
		}
	}
	if h.live != nil {
		status["liveInterviews"] = h.live.Len()
	}

	JSON(w, statusCode, status)
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
}
