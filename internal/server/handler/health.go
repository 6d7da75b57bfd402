package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/lendvault/lendvault/internal/domain"
)

// HealthHandler serves the health-check endpoint.
type HealthHandler struct {
	mode      string
	startedAt time.Time
	positions domain.PositionStore
	logger    *slog.Logger
}

// NewHealthHandler creates the handler. positions may be nil; the count is
// then omitted from the response.
func NewHealthHandler(mode string, startedAt time.Time, positions domain.PositionStore, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{mode: mode, startedAt: startedAt, positions: positions, logger: logger}
}

// HealthCheck responds with a JSON status indicating the server is alive.
// The position count doubles as a shallow database probe; a failed count is
// reported as degraded rather than failing the check.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":         "ok",
		"mode":           h.mode,
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	}

	if h.positions != nil {
		if n, err := h.positions.Count(r.Context()); err != nil {
			h.logger.WarnContext(r.Context(), "health: position count failed",
				slog.String("error", err.Error()),
			)
			resp["status"] = "degraded"
		} else {
			resp["positions"] = n
		}
	}

	writeJSON(w, http.StatusOK, resp)
}
