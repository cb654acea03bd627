package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/taskctl/taskctl/internal/state"
	"github.com/taskctl/taskctl/internal/store"
)

// TemplateHandler serves /api/templates/*: reusable named script bodies
// (spec §4.D templates).
type TemplateHandler struct {
	store *store.DB
	audit *state.AuditLog
	log   *slog.Logger
}

// NewTemplateHandler constructs a TemplateHandler.
func NewTemplateHandler(db *store.DB, audit *state.AuditLog, log *slog.Logger) *TemplateHandler {
	return &TemplateHandler{store: db, audit: audit, log: log}
}

type templateView struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Content     string `json:"content"`
	CreatedTime string `json:"created_time"`
}

func toTemplateView(t *store.Template) templateView {
	return templateView{ID: t.ID, Name: t.Name, Content: t.Content, CreatedTime: t.CreatedTime.Format(timeLayout)}
}

type createTemplateRequest struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

// Create handles POST /api/templates/.
func (h *TemplateHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createTemplateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Name == "" || req.Content == "" {
		writeError(w, http.StatusBadRequest, "name and content are required")
		return
	}

	if _, err := h.store.CreateTemplate(req.Name, req.Content); err != nil {
		writeError(w, http.StatusInternalServerError, "creating template: "+err.Error())
		return
	}

	created, err := h.store.GetTemplateByName(req.Name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "loading created template: "+err.Error())
		return
	}
	h.audit.Record("create_template", req.Name, "", "")
	writeSuccess(w, http.StatusCreated, toTemplateView(created))
}

// List handles GET /api/templates/.
func (h *TemplateHandler) List(w http.ResponseWriter, r *http.Request) {
	templates, err := h.store.ListTemplates()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing templates: "+err.Error())
		return
	}
	views := make([]templateView, 0, len(templates))
	for _, t := range templates {
		views = append(views, toTemplateView(t))
	}
	writeSuccess(w, http.StatusOK, views)
}

// Get handles GET /api/templates/<name>.
func (h *TemplateHandler) Get(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	tpl, err := h.store.GetTemplateByName(name)
	if err == store.ErrNotFound {
		writeError(w, http.StatusNotFound, "template not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "loading template: "+err.Error())
		return
	}
	writeSuccess(w, http.StatusOK, toTemplateView(tpl))
}

// Delete handles DELETE /api/templates/<name>.
func (h *TemplateHandler) Delete(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.store.DeleteTemplate(name); err != nil {
		if err == store.ErrNotFound {
			writeError(w, http.StatusNotFound, "template not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "deleting template: "+err.Error())
		return
	}
	h.audit.Record("delete_template", name, "", "")
	writeSuccess(w, http.StatusOK, nil)
}
