// Command controller runs the taskctl control plane: the HTTP API, the
// task store, the per-heartbeat scheduler, and the watchdog sweep.
package main

import (
	"context"
	"flag"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/taskctl/taskctl/internal/apiserver"
	"github.com/taskctl/taskctl/internal/config"
	"github.com/taskctl/taskctl/internal/logging"
	"github.com/taskctl/taskctl/internal/metrics"
	"github.com/taskctl/taskctl/internal/model"
	"github.com/taskctl/taskctl/internal/scheduler"
	"github.com/taskctl/taskctl/internal/state"
	"github.com/taskctl/taskctl/internal/store"
	"github.com/taskctl/taskctl/internal/watchdog"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	log := logging.New("controller")

	cfg := config.DefaultConfig()
	if *configPath != "" {
		loaded, err := config.LoadFromFile(*configPath)
		if err != nil {
			log.Error("loading config", "error", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if err := cfg.Validate(); err != nil {
		log.Error("invalid config", "error", err)
		os.Exit(1)
	}

	db, err := store.Open(store.Config{Path: cfg.Database.Path, RetentionDays: cfg.Database.RetentionDays})
	if err != nil {
		log.Error("opening store", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.Cleanup(); err != nil {
		log.Warn("startup cleanup failed", "error", err)
	}

	writer := store.NewWriter(db.RawDB(), 4096)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	writer.Run(ctx)
	audit := state.NewAuditLogWithDB(1000, db.RawDB(), writer)
	defer audit.Flush()

	sched := scheduler.New(db, logging.New("scheduler"))
	wd := watchdog.New(db, logging.New("watchdog"), cfg.WatchdogInterval, cfg.HeartbeatTimeout)
	if err := wd.Start(); err != nil {
		log.Error("starting watchdog", "error", err)
		os.Exit(1)
	}
	defer wd.Stop()

	if cfg.MetricsEnabled {
		go reportAgentMetrics(ctx, db, log)
	}

	srv := apiserver.NewServer(cfg, db, sched, wd, audit, logging.New("apiserver"))

	go func() {
		log.Info("controller listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
	}
}

// reportAgentMetrics periodically refreshes the agents-online gauge, the
// one metric that reflects aggregate state rather than a discrete event.
func reportAgentMetrics(ctx context.Context, db *store.DB, log interface{ Warn(string, ...any) }) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, typ := range []model.AgentType{model.AgentMain, model.AgentSub} {
				agents, err := db.ListAgents(store.AgentFilter{Type: typ, Status: model.AgentOnline})
				if err != nil {
					log.Warn("refreshing agent metrics", "error", err)
					continue
				}
				metrics.AgentsOnline.WithLabelValues(string(typ)).Set(float64(len(agents)))
			}
		}
	}
}
