package handler

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/taskctl/taskctl/internal/state"
	"github.com/taskctl/taskctl/internal/store"
)

func newTestTemplateHandler(t *testing.T) *TemplateHandler {
	t.Helper()
	db, err := store.Open(store.Config{Path: t.TempDir() + "/test.db"})
	if err != nil {
		t.Fatalf("opening test store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewTemplateHandler(db, state.NewAuditLog(100), testLogger())
}

func withTemplateName(r *http.Request, name string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("name", name)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func TestCreateTemplateThenGetByName(t *testing.T) {
	h := newTestTemplateHandler(t)
	req := httptest.NewRequest(http.MethodPost, "/api/templates/", bytes.NewBufferString(`{"name":"deploy","content":"echo deploy"}`))
	rec := httptest.NewRecorder()
	h.Create(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	getReq := withTemplateName(httptest.NewRequest(http.MethodGet, "/api/templates/deploy", nil), "deploy")
	getRec := httptest.NewRecorder()
	h.Get(getRec, getReq)
	if getRec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", getRec.Code)
	}
}

func TestDeleteTemplateNotFoundHandler(t *testing.T) {
	h := newTestTemplateHandler(t)
	req := withTemplateName(httptest.NewRequest(http.MethodDelete, "/api/templates/missing", nil), "missing")
	rec := httptest.NewRecorder()
	h.Delete(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestCreateTemplateRejectsMissingContent(t *testing.T) {
	h := newTestTemplateHandler(t)
	req := httptest.NewRequest(http.MethodPost, "/api/templates/", bytes.NewBufferString(`{"name":"x"}`))
	rec := httptest.NewRecorder()
	h.Create(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}
