package apiserver

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/taskctl/taskctl/internal/apiserver/handler"
	"github.com/taskctl/taskctl/internal/scheduler"
	"github.com/taskctl/taskctl/internal/state"
	"github.com/taskctl/taskctl/internal/store"
	"github.com/taskctl/taskctl/internal/watchdog"
)

// NewRouter creates the controller's API router: agent registration and
// heartbeats, task CRUD and logs, templates, audit, and metrics (spec §6).
func NewRouter(db *store.DB, sched *scheduler.Scheduler, wd *watchdog.Watchdog, audit *state.AuditLog, log *slog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	agentHandler := handler.NewAgentHandler(db, sched, wd, audit, log)
	taskHandler := handler.NewTaskHandler(db, audit, log)
	templateHandler := handler.NewTemplateHandler(db, audit, log)
	auditHandler := handler.NewAuditHandler(audit)

	r.Route("/api", func(r chi.Router) {
		r.Route("/agents", func(r chi.Router) {
			r.Post("/main", agentHandler.RegisterMain)
			r.Post("/sub", agentHandler.RegisterSub)
			r.Post("/check-status", agentHandler.CheckStatus)
			r.Get("/", agentHandler.List)
			r.Get("/{id}", agentHandler.Get)
			r.Post("/{id}/heartbeat", agentHandler.Heartbeat)
			r.Post("/{id}/cancel", agentHandler.Cancel)
			r.Post("/{id}/reject-new-task", agentHandler.RejectNewTask)
			r.Post("/{id}/accept-new-task", agentHandler.AcceptNewTask)
		})

		r.Route("/tasks", func(r chi.Router) {
			r.Post("/", taskHandler.Create)
			r.Get("/", taskHandler.List)
			r.Get("/{id}", taskHandler.Get)
			r.Put("/{id}", taskHandler.Update)
			r.Post("/{id}/cancel", taskHandler.Cancel)
			r.Get("/{id}/log", taskHandler.GetLog)
			r.Post("/{id}/log", taskHandler.AppendLog)
		})

		r.Route("/templates", func(r chi.Router) {
			r.Post("/", templateHandler.Create)
			r.Get("/", templateHandler.List)
			r.Get("/{name}", templateHandler.Get)
			r.Delete("/{name}", templateHandler.Delete)
		})

		r.Get("/audit", auditHandler.List)
	})

	r.Handle("/metrics", promhttp.Handler())

	return r
}
