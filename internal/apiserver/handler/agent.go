package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/taskctl/taskctl/internal/agentclient"
	"github.com/taskctl/taskctl/internal/model"
	"github.com/taskctl/taskctl/internal/scheduler"
	"github.com/taskctl/taskctl/internal/state"
	"github.com/taskctl/taskctl/internal/store"
	"github.com/taskctl/taskctl/internal/watchdog"
)

// AgentHandler serves /api/agents/*: registration, heartbeats, listing, and
// cancel (spec §6).
type AgentHandler struct {
	store     *store.DB
	scheduler *scheduler.Scheduler
	watchdog  *watchdog.Watchdog
	audit     *state.AuditLog
	log       *slog.Logger
}

// NewAgentHandler constructs an AgentHandler.
func NewAgentHandler(db *store.DB, sched *scheduler.Scheduler, wd *watchdog.Watchdog, audit *state.AuditLog, log *slog.Logger) *AgentHandler {
	return &AgentHandler{store: db, scheduler: sched, watchdog: wd, audit: audit, log: log}
}

type registerMainRequest struct {
	Name     string   `json:"name"`
	CPUCores int      `json:"cpu_cores"`
	GPUIDs   []string `json:"gpu_ids"`
}

// RegisterMain handles POST /api/agents/main.
func (h *AgentHandler) RegisterMain(w http.ResponseWriter, r *http.Request) {
	var req registerMainRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	now := nowUTC()
	agent := &model.Agent{
		ID:                uuid.NewString(),
		Type:              model.AgentMain,
		Name:              req.Name,
		Status:            model.AgentOnline,
		CreatedTime:       now,
		LastHeartbeatTime: now,
		CPUCores:          req.CPUCores,
		AvailableCPUCores: req.CPUCores,
		AvailableGPUIDs:   req.GPUIDs,
	}
	for _, id := range req.GPUIDs {
		agent.GPUInfo = append(agent.GPUInfo, model.GPUInfo{GPUID: id, IsAvailable: true})
	}

	if err := h.store.RegisterAgent(agent); err != nil {
		writeError(w, http.StatusInternalServerError, "registering agent: "+err.Error())
		return
	}
	h.audit.RecordAgent("register_main_agent", agent.ID, req.Name)
	writeSuccess(w, http.StatusCreated, map[string]string{"id": agent.ID})
}

type registerSubRequest struct {
	Name        string `json:"name"`
	MainAgentID string `json:"main_agent_id"`
	TaskID      int64  `json:"task_id"`
}

// RegisterSub handles POST /api/agents/sub.
func (h *AgentHandler) RegisterSub(w http.ResponseWriter, r *http.Request) {
	var req registerSubRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	now := nowUTC()
	agent := &model.Agent{
		ID:                uuid.NewString(),
		Type:              model.AgentSub,
		Name:              req.Name,
		Status:            model.AgentOnline,
		CreatedTime:       now,
		LastHeartbeatTime: now,
		MainAgentID:       req.MainAgentID,
		TaskID:            req.TaskID,
	}
	if err := h.store.RegisterAgent(agent); err != nil {
		writeError(w, http.StatusInternalServerError, "registering agent: "+err.Error())
		return
	}
	writeSuccess(w, http.StatusCreated, map[string]string{"id": agent.ID})
}

type heartbeatRequest struct {
	ResourceInfo agentclient.ResourceInfo `json:"resource_info"`
	TaskInfo     *agentclient.TaskInfo    `json:"task_info,omitempty"`
}

// Heartbeat handles POST /api/agents/<id>/heartbeat (spec §4.F).
func (h *AgentHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "id")

	agent, err := h.store.GetAgent(agentID)
	if err == store.ErrNotFound {
		writeSuccess(w, http.StatusOK, map[string]any{"action": model.ActionStop})
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "loading agent: "+err.Error())
		return
	}
	if agent.Status == model.AgentEnd {
		writeSuccess(w, http.StatusOK, map[string]any{"action": model.ActionStop})
		return
	}

	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	now := nowUTC()
	gpuInfo := make([]model.GPUInfo, 0, len(req.ResourceInfo.GPUInfo))
	for _, g := range req.ResourceInfo.GPUInfo {
		gpuInfo = append(gpuInfo, model.GPUInfo{
			GPUID: g.GPUID, Usage: g.Usage,
			MemoryUsedBytes: g.MemoryUsed, MemoryTotalBytes: g.MemoryTotal,
			IsAvailable: g.IsAvailable,
		})
	}
	update := store.HeartbeatUpdate{
		Status:            model.AgentOnline,
		LastHeartbeatTime: now,
		CPUCores:          req.ResourceInfo.CPUCores,
		CPUUsagePercent:   req.ResourceInfo.CPUUsage,
		MemoryUsedBytes:   req.ResourceInfo.MemoryUsed,
		MemoryTotalBytes:  req.ResourceInfo.MemoryTotal,
		GPUInfo:           gpuInfo,
		AvailableCPUCores: req.ResourceInfo.AvailableCPUCores,
		AvailableGPUIDs:   req.ResourceInfo.GPUIDs,
	}
	if agent.Type == model.AgentMain {
		reject := req.ResourceInfo.RejectNewTask
		update.RejectNewTask = &reject
	}
	if err := h.store.ApplyHeartbeat(agentID, update); err != nil {
		writeError(w, http.StatusInternalServerError, "applying heartbeat: "+err.Error())
		return
	}

	if req.TaskInfo != nil && agent.Type == model.AgentSub {
		h.handleSubTaskInfo(agent, *req.TaskInfo, now)
	}

	if agent.Type != model.AgentMain {
		if agent.PendingDirective == model.ActionQuit {
			if err := h.store.ClearPendingDirective(agentID); err != nil {
				h.log.Error("clearing pending directive", "agentID", agentID, "error", err)
			}
			writeSuccess(w, http.StatusOK, map[string]any{"action": model.ActionQuit})
			return
		}
		writeSuccess(w, http.StatusOK, map[string]any{"action": model.ActionContinue})
		return
	}

	// An operator-issued reject/accept override (spec §4.F step 6) takes
	// priority over the agent's self-reported reject_new_task flag and
	// over dispatching a new task this tick.
	if agent.PendingDirective == model.ActionRejectNewTask || agent.PendingDirective == model.ActionAcceptNewTask {
		directive := agent.PendingDirective
		if err := h.store.ClearPendingDirective(agentID); err != nil {
			h.log.Error("clearing pending directive", "agentID", agentID, "error", err)
		}
		writeSuccess(w, http.StatusOK, map[string]any{"action": directive})
		return
	}

	agentView := scheduler.AgentView{
		AgentID:           agentID,
		AvailableCPUCores: req.ResourceInfo.AvailableCPUCores,
		RejectNewTask:     req.ResourceInfo.RejectNewTask,
	}
	for _, g := range gpuInfo {
		agentView.GPUs = append(agentView.GPUs, scheduler.GPUView{
			GPUID: g.GPUID, IsAvailable: g.IsAvailable,
			MemoryTotalBytes: g.MemoryTotalBytes, MemoryUsedBytes: g.MemoryUsedBytes,
		})
	}

	dispatch, err := h.scheduler.RunForHeartbeat(agentView)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "scheduling: "+err.Error())
		return
	}
	if dispatch == nil {
		writeSuccess(w, http.StatusOK, map[string]any{"action": model.ActionContinue})
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{
		"action": model.ActionNewTask,
		"task": map[string]any{
			"id":             dispatch.Task.ID,
			"name":           dispatch.Task.Name,
			"script_content": dispatch.Task.ScriptContent,
			"cpu_cores":      dispatch.Task.CPUCores,
			"gpu_count":      dispatch.Task.GPUCount,
			"gpu_memory":     dispatch.Task.GPUMemoryMB,
			"gpu_ids":        dispatch.GPUIDs,
			"priority":       dispatch.Task.Priority,
			"depends_on":     dispatch.Task.DependsOn,
		},
	})
}

// handleSubTaskInfo applies a sub-agent's task_info: appends log bytes and,
// on a terminal status, finishes the task and moves the sub-agent to `end`
// (spec §4.F step 3).
func (h *AgentHandler) handleSubTaskInfo(agent *model.Agent, info agentclient.TaskInfo, now time.Time) {
	task, err := h.store.GetTask(agent.TaskID)
	if err != nil {
		h.log.Error("loading task for sub agent heartbeat", "agentID", agent.ID, "taskID", agent.TaskID, "error", err)
		return
	}

	if info.Log != "" {
		if err := h.store.AppendLog(task.LogFile, info.Log); err != nil {
			h.log.Error("appending task log", "taskID", task.ID, "error", err)
		}
	}

	if info.Status == model.TaskCompleted || info.Status == model.TaskFailed {
		if err := h.store.FinishTask(task.ID, info.Status, now); err != nil {
			h.log.Error("finishing task", "taskID", task.ID, "error", err)
			return
		}
		if err := h.store.MarkAgentStatus(agent.ID, model.AgentEnd); err != nil {
			h.log.Error("marking sub agent end", "agentID", agent.ID, "error", err)
		}
	}
}

func nowUTC() time.Time { return time.Now().UTC() }
