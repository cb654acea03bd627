// Package watchdog runs the periodic liveness sweep that demotes agents
// whose heartbeats have gone silent and fails the tasks they were running.
package watchdog

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/taskctl/taskctl/internal/metrics"
	"github.com/taskctl/taskctl/internal/model"
	"github.com/taskctl/taskctl/internal/store"
)

// Watchdog periodically marks stale online agents offline and fails any
// task still `running` under a sub-agent that went silent (spec §4.F).
type Watchdog struct {
	store            *store.DB
	log              *slog.Logger
	heartbeatTimeout time.Duration
	interval         time.Duration
	cron             *cron.Cron
}

// New constructs a Watchdog. interval is how often the sweep runs;
// heartbeatTimeout is how long an agent may go silent before it is
// declared offline.
func New(db *store.DB, log *slog.Logger, interval, heartbeatTimeout time.Duration) *Watchdog {
	return &Watchdog{
		store:            db,
		log:              log,
		heartbeatTimeout: heartbeatTimeout,
		interval:         interval,
		cron:             cron.New(),
	}
}

// Start schedules the sweep to run every interval, matching the reference
// stack's `@every <duration>` cron spec idiom.
func (w *Watchdog) Start() error {
	spec := fmt.Sprintf("@every %s", w.interval)
	_, err := w.cron.AddFunc(spec, func() {
		n, err := w.Sweep()
		if err != nil {
			w.log.Error("watchdog sweep failed", "error", err)
			return
		}
		if n > 0 {
			w.log.Info("watchdog demoted stale agents", "count", n)
		}
	})
	if err != nil {
		return fmt.Errorf("scheduling watchdog: %w", err)
	}
	w.cron.Start()
	return nil
}

// Stop halts the periodic sweep, waiting for any in-flight run to finish.
func (w *Watchdog) Stop() {
	ctx := w.cron.Stop()
	<-ctx.Done()
}

// Sweep runs one liveness pass immediately and returns the number of agents
// newly marked offline. Exposed directly so `POST /api/agents/check-status`
// can force a pass outside the cron schedule.
func (w *Watchdog) Sweep() (int, error) {
	cutoff := time.Now().Add(-w.heartbeatTimeout)
	stale, err := w.store.ListStaleAgents(cutoff)
	if err != nil {
		return 0, fmt.Errorf("listing stale agents: %w", err)
	}

	now := time.Now()
	for _, agent := range stale {
		if err := w.store.MarkAgentStatus(agent.ID, model.AgentOffline); err != nil {
			w.log.Error("demoting agent", "agentID", agent.ID, "error", err)
			continue
		}
		metrics.WatchdogDemotionsTotal.Inc()

		if agent.Type != model.AgentSub || agent.TaskID == 0 {
			continue
		}
		task, err := w.store.GetTask(agent.TaskID)
		if err != nil {
			w.log.Error("loading task for stale sub agent", "agentID", agent.ID, "taskID", agent.TaskID, "error", err)
			continue
		}
		if task.Status != model.TaskRunning {
			continue
		}
		if err := w.store.FinishTask(task.ID, model.TaskFailed, now); err != nil {
			w.log.Error("failing orphaned task", "taskID", task.ID, "agentID", agent.ID, "error", err)
			continue
		}
		metrics.WatchdogTasksFailedTotal.Inc()
		w.log.Warn("task failed: owning agent went offline", "taskID", task.ID, "agentID", agent.ID, "cause", "agent_offline")
	}
	return len(stale), nil
}
