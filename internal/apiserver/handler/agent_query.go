package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/taskctl/taskctl/internal/model"
	"github.com/taskctl/taskctl/internal/store"
)

type agentView struct {
	ID                string           `json:"id"`
	Type              model.AgentType  `json:"type"`
	Name              string           `json:"name"`
	Status            model.AgentStatus `json:"status"`
	CreatedTime       string           `json:"created_time"`
	LastHeartbeatTime string           `json:"last_heartbeat_time"`
	RunningTimeSecs   int64            `json:"running_time_seconds"`
	CPUCores          int              `json:"cpu_cores"`
	CPUUsagePercent   float64          `json:"cpu_usage_percent"`
	MemoryUsedBytes   int64            `json:"memory_used_bytes"`
	MemoryTotalBytes  int64            `json:"memory_total_bytes"`
	GPUInfo           []model.GPUInfo  `json:"gpu_info"`
	AvailableCPUCores int              `json:"available_cpu_cores,omitempty"`
	AvailableGPUIDs   []string         `json:"available_gpu_ids,omitempty"`
	RejectNewTask     bool             `json:"reject_new_task,omitempty"`
	MainAgentID       string           `json:"main_agent_id,omitempty"`
	TaskID            int64            `json:"task_id,omitempty"`
}

func toAgentView(a *model.Agent) agentView {
	return agentView{
		ID: a.ID, Type: a.Type, Name: a.Name, Status: a.Status,
		CreatedTime:       a.CreatedTime.Format(timeLayout),
		LastHeartbeatTime: a.LastHeartbeatTime.Format(timeLayout),
		RunningTimeSecs:   a.RunningTimeSecs,
		CPUCores:          a.CPUCores,
		CPUUsagePercent:   a.CPUUsagePercent,
		MemoryUsedBytes:   a.MemoryUsedBytes,
		MemoryTotalBytes:  a.MemoryTotalBytes,
		GPUInfo:           a.GPUInfo,
		AvailableCPUCores: a.AvailableCPUCores,
		AvailableGPUIDs:   a.AvailableGPUIDs,
		RejectNewTask:     a.RejectNewTask,
		MainAgentID:       a.MainAgentID,
		TaskID:            a.TaskID,
	}
}

// List handles GET /api/agents/?type=&status=.
func (h *AgentHandler) List(w http.ResponseWriter, r *http.Request) {
	filter := store.AgentFilter{
		Type:   model.AgentType(r.URL.Query().Get("type")),
		Status: model.AgentStatus(r.URL.Query().Get("status")),
	}
	agents, err := h.store.ListAgents(filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing agents: "+err.Error())
		return
	}
	views := make([]agentView, 0, len(agents))
	for _, a := range agents {
		views = append(views, toAgentView(a))
	}
	writeSuccess(w, http.StatusOK, views)
}

// Get handles GET /api/agents/<id>.
func (h *AgentHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	agent, err := h.store.GetAgent(id)
	if err == store.ErrNotFound {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "loading agent: "+err.Error())
		return
	}
	writeSuccess(w, http.StatusOK, toAgentView(agent))
}

// Cancel handles POST /api/agents/<id>/cancel: cascade-cancel an agent. For
// a main agent this marks it offline and queues a `quit` directive for each
// of its online sub-agents, delivered on their next heartbeat; for a sub
// agent it marks it `end` (spec §4.C, §5).
func (h *AgentHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	agent, err := h.store.GetAgent(id)
	if err == store.ErrNotFound {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "loading agent: "+err.Error())
		return
	}

	status := model.AgentOffline
	if agent.Type == model.AgentSub {
		status = model.AgentEnd
	}
	if err := h.store.MarkAgentStatus(id, status); err != nil {
		writeError(w, http.StatusInternalServerError, "canceling agent: "+err.Error())
		return
	}
	if agent.Type == model.AgentMain {
		subs, err := h.store.ListAgents(store.AgentFilter{Type: model.AgentSub, Status: model.AgentOnline})
		if err != nil {
			writeError(w, http.StatusInternalServerError, "listing sub agents: "+err.Error())
			return
		}
		for _, a := range subs {
			if a.MainAgentID != id {
				continue
			}
			if err := h.store.SetPendingDirective(a.ID, model.ActionQuit); err != nil {
				h.log.Error("queueing quit for sub agent", "agentID", a.ID, "error", err)
			}
		}
	}
	h.audit.RecordAgent("cancel_agent", id, string(agent.Type))
	writeSuccess(w, http.StatusOK, map[string]string{"status": string(status)})
}

// RejectNewTask handles POST /api/agents/<id>/reject-new-task: an operator
// override that tells a main agent to stop accepting new work, delivered as
// a `reject_new_task` directive on its next heartbeat (spec §4.F step 6).
func (h *AgentHandler) RejectNewTask(w http.ResponseWriter, r *http.Request) {
	h.setMainAgentDirective(w, r, model.ActionRejectNewTask)
}

// AcceptNewTask handles POST /api/agents/<id>/accept-new-task: reverses a
// prior reject-new-task override.
func (h *AgentHandler) AcceptNewTask(w http.ResponseWriter, r *http.Request) {
	h.setMainAgentDirective(w, r, model.ActionAcceptNewTask)
}

func (h *AgentHandler) setMainAgentDirective(w http.ResponseWriter, r *http.Request, directive model.HeartbeatAction) {
	id := chi.URLParam(r, "id")
	agent, err := h.store.GetAgent(id)
	if err == store.ErrNotFound {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "loading agent: "+err.Error())
		return
	}
	if agent.Type != model.AgentMain {
		writeError(w, http.StatusBadRequest, "directive only applies to main agents")
		return
	}
	if err := h.store.SetPendingDirective(id, directive); err != nil {
		writeError(w, http.StatusInternalServerError, "setting directive: "+err.Error())
		return
	}
	h.audit.RecordAgent(string(directive), id, "")
	writeSuccess(w, http.StatusOK, map[string]string{"pending_directive": string(directive)})
}

// CheckStatus handles POST /api/agents/check-status: force a watchdog pass.
func (h *AgentHandler) CheckStatus(w http.ResponseWriter, r *http.Request) {
	n, err := h.watchdog.Sweep()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "watchdog sweep: "+err.Error())
		return
	}
	writeSuccess(w, http.StatusOK, map[string]int{"marked_offline": n})
}
