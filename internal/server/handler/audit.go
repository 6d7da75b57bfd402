package handler

import (
	"log/slog"
	"net/http"

	"github.com/lendvault/lendvault/internal/domain"
)

// AuditHandler serves read access to the audit trail.
type AuditHandler struct {
	audit  domain.AuditStore
	logger *slog.Logger
}

func NewAuditHandler(audit domain.AuditStore, logger *slog.Logger) *AuditHandler {
	return &AuditHandler{audit: audit, logger: logger}
}

// ListAudit returns audit entries, newest first.
// GET /api/audit
func (h *AuditHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := h.audit.List(r.Context(), parseListOpts(r))
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// ListEntityAudit returns the audit entries for one entity.
// GET /api/audit/{entityType}/{entityID}
func (h *AuditHandler) ListEntityAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := h.audit.ListByEntity(r.Context(),
		r.PathValue("entityType"),
		r.PathValue("entityID"),
		parseListOpts(r),
	)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}
