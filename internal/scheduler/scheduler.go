// Package scheduler implements the per-heartbeat candidate-selection and
// atomic-claim algorithm that matches waiting tasks to a heartbeating main
// agent under CPU/GPU/dependency constraints.
package scheduler

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/taskctl/taskctl/internal/metrics"
	"github.com/taskctl/taskctl/internal/model"
	"github.com/taskctl/taskctl/internal/store"
)

// Scheduler runs synchronously inside the heartbeat handler of a main
// agent; no background scheduling goroutine is required.
type Scheduler struct {
	store *store.DB
	log   *slog.Logger
}

// New constructs a Scheduler bound to db.
func New(db *store.DB, log *slog.Logger) *Scheduler {
	return &Scheduler{store: db, log: log}
}

// Dispatch is the task a heartbeat should hand the agent, with the GPU ids
// leased for it.
type Dispatch struct {
	Task    *model.Task
	GPUIDs  []string
}

// AgentView is the subset of a main agent's live state the candidate scan
// needs: its advertised totals and which GPUs are presently free.
type AgentView struct {
	AgentID           string
	AvailableCPUCores int
	RejectNewTask     bool
	GPUs              []GPUView
}

// GPUView is one GPU as seen by the scheduler's feasibility checks.
type GPUView struct {
	GPUID            string
	IsAvailable      bool
	MemoryTotalBytes int64
	MemoryUsedBytes  int64
}

const mib = 1 << 20

// RunForHeartbeat executes the full per-heartbeat algorithm (spec §4.E):
// relax blocked tasks, check agent eligibility, scan waiting tasks in
// priority order, and atomically claim the first feasible one. Returns nil
// if no task was dispatched.
func (s *Scheduler) RunForHeartbeat(agent AgentView) (*Dispatch, error) {
	if _, err := s.store.RelaxBlockedTasks(); err != nil {
		return nil, fmt.Errorf("relaxing blocked tasks: %w", err)
	}

	if agent.RejectNewTask {
		return nil, nil
	}

	for {
		waiting, err := s.store.ListWaitingTasksOrdered()
		if err != nil {
			return nil, fmt.Errorf("listing waiting tasks: %w", err)
		}
		if len(waiting) == 0 {
			return nil, nil
		}

		if !anyFeasible(waiting, agent) {
			return nil, nil
		}

		task, gpuIDs := selectCandidate(waiting, agent)
		if task == nil {
			return nil, nil
		}

		metrics.ClaimAttemptsTotal.Inc()
		claimed, err := s.store.AtomicClaim(task.ID, agent.AgentID, time.Now())
		if err != nil {
			return nil, fmt.Errorf("claiming task %d: %w", task.ID, err)
		}
		if !claimed {
			// Another heartbeat raced us for this task; restart the scan
			// excluding it by re-listing (it is no longer `waiting`).
			metrics.ClaimLossesTotal.Inc()
			s.log.Debug("lost claim race, rescanning", "taskID", task.ID, "agentID", agent.AgentID)
			continue
		}
		metrics.ClaimSuccessesTotal.Inc()
		return &Dispatch{Task: task, GPUIDs: gpuIDs}, nil
	}
}

// anyFeasible is a cheap short-circuit: if the agent has no CPU headroom
// and no waiting task needs zero cores, or has no free GPU and every
// waiting task needs a GPU, skip the full scan.
func anyFeasible(waiting []*model.Task, agent AgentView) bool {
	freeGPUs := 0
	for _, g := range agent.GPUs {
		if g.IsAvailable {
			freeGPUs++
		}
	}
	for _, t := range waiting {
		if t.CPUCores > 0 && agent.AvailableCPUCores <= 0 {
			continue
		}
		if t.GPUCount > 0 && freeGPUs == 0 {
			continue
		}
		return true
	}
	return false
}

// selectCandidate walks waiting (already priority/creation-time ordered)
// and returns the first task this agent can satisfy, plus the GPU ids it
// would lease.
func selectCandidate(waiting []*model.Task, agent AgentView) (*model.Task, []string) {
	for _, t := range waiting {
		if t.CPUCores > agent.AvailableCPUCores {
			continue
		}

		var leased []string
		if t.GPUCount > 0 {
			free := freeGPUIDs(agent.GPUs, t.GPUMemoryMB)
			if int64(len(free)) < int64(t.GPUCount) {
				continue
			}
			leased = free[:t.GPUCount]
		}

		return t, leased
	}
	return nil, nil
}

// freeGPUIDs returns the ids of available GPUs on the agent that also
// satisfy a minimum free-memory requirement, in their reported order.
func freeGPUIDs(gpus []GPUView, minMemoryMB int64) []string {
	var ids []string
	for _, g := range gpus {
		if !g.IsAvailable {
			continue
		}
		if minMemoryMB > 0 {
			free := g.MemoryTotalBytes - g.MemoryUsedBytes
			if free < minMemoryMB*mib {
				continue
			}
		}
		ids = append(ids, g.GPUID)
	}
	return ids
}
