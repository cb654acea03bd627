package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
)

const defaultPageSize = 20

const timeLayout = "2006-01-02T15:04:05.999999999Z07:00"

// envelope is the normative JSON response shape for every endpoint (spec §6).
type envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message,omitempty"`
}

// writeSuccess writes {success:true, data} at status.
func writeSuccess(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{Success: true, Data: data})
}

// writeError writes {success:false, message} at status (spec §7).
func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{Success: false, Message: message})
}

// PaginatedData wraps list results with pagination metadata as the
// envelope's `data` value.
type PaginatedData struct {
	Items      interface{} `json:"items"`
	Total      int         `json:"total"`
	Page       int         `json:"page"`
	PerPage    int         `json:"per_page"`
	TotalPages int         `json:"total_pages"`
}

// parsePagination extracts page and per_page from query parameters.
func parsePagination(r *http.Request) (page, perPage int) {
	page, _ = strconv.Atoi(r.URL.Query().Get("page"))
	perPage, _ = strconv.Atoi(r.URL.Query().Get("per_page"))
	if perPage <= 0 || perPage > 1000 {
		perPage = defaultPageSize
	}
	if page <= 0 {
		page = 1
	}
	return
}

func totalPages(total, perPage int) int {
	if perPage <= 0 {
		return 1
	}
	pages := (total + perPage - 1) / perPage
	if pages == 0 {
		pages = 1
	}
	return pages
}
