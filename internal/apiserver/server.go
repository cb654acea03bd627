package apiserver

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/taskctl/taskctl/internal/config"
	"github.com/taskctl/taskctl/internal/scheduler"
	"github.com/taskctl/taskctl/internal/state"
	"github.com/taskctl/taskctl/internal/store"
	"github.com/taskctl/taskctl/internal/watchdog"
)

// NewServer creates the controller's HTTP server.
func NewServer(cfg *config.Config, db *store.DB, sched *scheduler.Scheduler, wd *watchdog.Watchdog, audit *state.AuditLog, log *slog.Logger) *http.Server {
	router := NewRouter(db, sched, wd, audit, log)

	return &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.ServerAddress, cfg.ServerPort),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
}
