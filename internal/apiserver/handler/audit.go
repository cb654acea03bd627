package handler

import (
	"net/http"
	"strconv"

	"github.com/taskctl/taskctl/internal/state"
)

// AuditHandler serves GET /api/audit.
type AuditHandler struct {
	audit *state.AuditLog
}

// NewAuditHandler constructs an AuditHandler.
func NewAuditHandler(audit *state.AuditLog) *AuditHandler {
	return &AuditHandler{audit: audit}
}

// List handles GET /api/audit?limit=.
func (h *AuditHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		limit = 100
	}
	writeSuccess(w, http.StatusOK, h.audit.GetRecent(limit))
}
