package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/taskctl/taskctl/internal/model"
	"github.com/taskctl/taskctl/internal/state"
	"github.com/taskctl/taskctl/internal/store"
)

// TaskHandler serves /api/tasks/* (spec §6).
type TaskHandler struct {
	store *store.DB
	audit *state.AuditLog
	log   *slog.Logger
}

// NewTaskHandler constructs a TaskHandler.
func NewTaskHandler(db *store.DB, audit *state.AuditLog, log *slog.Logger) *TaskHandler {
	return &TaskHandler{store: db, audit: audit, log: log}
}

type taskView struct {
	ID            int64            `json:"id"`
	Name          string           `json:"name"`
	TemplateType  string           `json:"template_type"`
	ScriptContent string           `json:"script_content"`
	Priority      int              `json:"priority"`
	Status        model.TaskStatus `json:"status"`
	CPUCores      int              `json:"cpu_cores"`
	GPUCount      int              `json:"gpu_count"`
	GPUMemory     int64            `json:"gpu_memory"`
	DependsOn     []int64          `json:"depends_on"`
	CreatedTime   string           `json:"created_time"`
	StartTime     *string          `json:"start_time,omitempty"`
	EndTime       *string          `json:"end_time,omitempty"`
	ExecutionSecs *float64         `json:"execution_time_seconds,omitempty"`
	AgentID       string           `json:"agent_id,omitempty"`
	LogFile       string           `json:"log_file"`
}

func toTaskView(t *model.Task) taskView {
	v := taskView{
		ID: t.ID, Name: t.Name, TemplateType: t.TemplateType, ScriptContent: t.ScriptContent,
		Priority: t.Priority, Status: t.Status, CPUCores: t.CPUCores, GPUCount: t.GPUCount,
		GPUMemory: t.GPUMemoryMB, DependsOn: t.DependsOn, CreatedTime: t.CreatedTime.Format(timeLayout),
		AgentID: t.AgentID, LogFile: t.LogFile,
	}
	if t.StartTime != nil {
		s := t.StartTime.Format(timeLayout)
		v.StartTime = &s
	}
	if t.EndTime != nil {
		s := t.EndTime.Format(timeLayout)
		v.EndTime = &s
	}
	v.ExecutionSecs = t.ExecutionSecs
	return v
}

type createTaskRequest struct {
	Name          string  `json:"name"`
	TemplateType  string  `json:"template_type"`
	ScriptContent string  `json:"script_content"`
	Priority      int     `json:"priority"`
	CPUCores      int     `json:"cpu_cores"`
	GPUCount      int     `json:"gpu_count"`
	GPUMemory     int64   `json:"gpu_memory"`
	DependsOn     []int64 `json:"depends_on"`
}

// Create handles POST /api/tasks/.
func (h *TaskHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Name == "" || req.ScriptContent == "" {
		writeError(w, http.StatusBadRequest, "name and script_content are required")
		return
	}
	if req.Priority == 0 {
		req.Priority = 3
	}

	task := &model.Task{
		Name: req.Name, TemplateType: req.TemplateType, ScriptContent: req.ScriptContent,
		Priority: req.Priority, CPUCores: req.CPUCores, GPUCount: req.GPUCount,
		GPUMemoryMB: req.GPUMemory, DependsOn: req.DependsOn,
	}

	id, err := h.store.CreateTask(task)
	if err != nil {
		if errors.Is(err, store.ErrCycle) || errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusBadRequest, "invalid dependencies: "+err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "creating task: "+err.Error())
		return
	}

	created, err := h.store.GetTask(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "loading created task: "+err.Error())
		return
	}
	h.audit.RecordTask("create_task", id, req.Name)
	writeSuccess(w, http.StatusCreated, toTaskView(created))
}

// List handles GET /api/tasks/?page=&per_page=&status=&name=&template_type=&script_content=.
func (h *TaskHandler) List(w http.ResponseWriter, r *http.Request) {
	page, perPage := parsePagination(r)
	filter := store.TaskFilter{
		Status:        model.TaskStatus(r.URL.Query().Get("status")),
		Name:          r.URL.Query().Get("name"),
		TemplateType:  r.URL.Query().Get("template_type"),
		ScriptContent: r.URL.Query().Get("script_content"),
	}

	tasks, total, err := h.store.ListTasks(filter, page, perPage)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing tasks: "+err.Error())
		return
	}

	views := make([]taskView, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, toTaskView(t))
	}
	writeSuccess(w, http.StatusOK, PaginatedData{
		Items: views, Total: total, Page: page, PerPage: perPage, TotalPages: totalPages(total, perPage),
	})
}

func parseTaskID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}

// Get handles GET /api/tasks/<id>.
func (h *TaskHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := parseTaskID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid task id")
		return
	}
	task, err := h.store.GetTask(id)
	if err == store.ErrNotFound {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "loading task: "+err.Error())
		return
	}
	writeSuccess(w, http.StatusOK, toTaskView(task))
}

type updateTaskRequest struct {
	Name          string `json:"name"`
	ScriptContent string `json:"script_content"`
	Priority      int    `json:"priority"`
}

// Update handles PUT /api/tasks/<id>: edits mutable fields on a task that is
// not yet running or finished (spec §4.D update_task).
func (h *TaskHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, err := parseTaskID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid task id")
		return
	}
	var req updateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if err := h.store.UpdateTaskFields(id, req.Name, req.ScriptContent, req.Priority); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		if errors.Is(err, store.ErrTerminalOrRunning) {
			writeError(w, http.StatusConflict, "task is running or already finished")
			return
		}
		writeError(w, http.StatusInternalServerError, "updating task: "+err.Error())
		return
	}

	task, err := h.store.GetTask(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "loading updated task: "+err.Error())
		return
	}
	writeSuccess(w, http.StatusOK, toTaskView(task))
}

// Cancel handles POST /api/tasks/<id>/cancel. A cancel on an already
// terminal task is a no-op success (spec §7).
func (h *TaskHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, err := parseTaskID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid task id")
		return
	}
	if err := h.store.CancelTask(id, nowUTC()); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "canceling task: "+err.Error())
		return
	}
	h.audit.RecordTask("cancel_task", id, "")
	writeSuccess(w, http.StatusOK, map[string]string{"status": "canceled"})
}

type logResponse struct {
	Content   string `json:"content"`
	TotalLines int   `json:"total_lines"`
	StartLine int    `json:"start_line"`
	EndLine   int    `json:"end_line"`
}

// GetLog handles GET /api/tasks/<id>/log?start_line=&max_lines=.
func (h *TaskHandler) GetLog(w http.ResponseWriter, r *http.Request) {
	id, err := parseTaskID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid task id")
		return
	}
	task, err := h.store.GetTask(id)
	if err == store.ErrNotFound {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "loading task: "+err.Error())
		return
	}

	startLine, _ := strconv.Atoi(r.URL.Query().Get("start_line"))
	maxLines, _ := strconv.Atoi(r.URL.Query().Get("max_lines"))

	lines, total, err := h.store.ReadLog(task.LogFile, startLine, maxLines)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "reading log: "+err.Error())
		return
	}

	content := ""
	for i, l := range lines {
		if i > 0 {
			content += "\n"
		}
		content += l
	}
	writeSuccess(w, http.StatusOK, logResponse{
		Content: content, TotalLines: total, StartLine: startLine, EndLine: startLine + len(lines),
	})
}

type appendLogRequest struct {
	Content string `json:"content"`
}

// AppendLog handles POST /api/tasks/<id>/log.
func (h *TaskHandler) AppendLog(w http.ResponseWriter, r *http.Request) {
	id, err := parseTaskID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid task id")
		return
	}
	task, err := h.store.GetTask(id)
	if err == store.ErrNotFound {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "loading task: "+err.Error())
		return
	}

	var req appendLogRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := h.store.AppendLog(task.LogFile, req.Content); err != nil {
		writeError(w, http.StatusInternalServerError, "appending log: "+err.Error())
		return
	}
	writeSuccess(w, http.StatusOK, nil)
}
