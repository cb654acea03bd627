package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/taskctl/taskctl/internal/model"
	"github.com/taskctl/taskctl/internal/scheduler"
	"github.com/taskctl/taskctl/internal/state"
	"github.com/taskctl/taskctl/internal/store"
	"github.com/taskctl/taskctl/internal/watchdog"
)

func taskHandlerFor(db *store.DB, audit *state.AuditLog) *TaskHandler {
	return NewTaskHandler(db, audit, testLogger())
}

func newTestAgentHandler(t *testing.T) (*AgentHandler, *store.DB) {
	t.Helper()
	db, err := store.Open(store.Config{Path: t.TempDir() + "/test.db"})
	if err != nil {
		t.Fatalf("opening test store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	sched := scheduler.New(db, testLogger())
	wd := watchdog.New(db, testLogger(), 0, 0)
	return NewAgentHandler(db, sched, wd, state.NewAuditLog(100), testLogger()), db
}

func withAgentID(r *http.Request, id string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("id", id)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func registerMain(t *testing.T, h *AgentHandler) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/agents/main", bytes.NewBufferString(`{"name":"host-a","cpu_cores":4}`))
	rec := httptest.NewRecorder()
	h.RegisterMain(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var env envelope
	if err := json.NewDecoder(rec.Body).Decode(&env); err != nil {
		t.Fatalf("decoding envelope: %v", err)
	}
	return env.Data.(map[string]any)["id"].(string)
}

func TestHeartbeatDispatchesNewTask(t *testing.T) {
	h, db := newTestAgentHandler(t)
	agentID := registerMain(t, h)

	if _, err := db.CreateTask(&model.Task{Name: "t1", Priority: 3, CPUCores: 2, ScriptContent: "echo hi"}); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	body := `{"resource_info":{"cpu_cores":4,"available_cpu_cores":4}}`
	req := withAgentID(httptest.NewRequest(http.MethodPost, "/api/agents/x/heartbeat", bytes.NewBufferString(body)), agentID)
	rec := httptest.NewRecorder()
	h.Heartbeat(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var env envelope
	if err := json.NewDecoder(rec.Body).Decode(&env); err != nil {
		t.Fatalf("decoding envelope: %v", err)
	}
	data := env.Data.(map[string]any)
	if data["action"] != string(model.ActionNewTask) {
		t.Fatalf("expected new_task action, got %+v", data)
	}
}

func TestHeartbeatUnknownAgentReturnsStop(t *testing.T) {
	h, _ := newTestAgentHandler(t)
	req := withAgentID(httptest.NewRequest(http.MethodPost, "/api/agents/x/heartbeat", bytes.NewBufferString(`{}`)), "nonexistent")
	rec := httptest.NewRecorder()
	h.Heartbeat(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var env envelope
	if err := json.NewDecoder(rec.Body).Decode(&env); err != nil {
		t.Fatalf("decoding envelope: %v", err)
	}
	if env.Data.(map[string]any)["action"] != string(model.ActionStop) {
		t.Fatalf("expected stop action, got %+v", env.Data)
	}
}

func TestCancelRunningTaskDeliversQuitOnNextSubAgentHeartbeat(t *testing.T) {
	h, db := newTestAgentHandler(t)
	taskID, err := db.CreateTask(&model.Task{Name: "t1", Priority: 3, ScriptContent: "sleep 30"})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if _, err := db.AtomicClaim(taskID, "sub-1", nowUTC()); err != nil {
		t.Fatalf("AtomicClaim: %v", err)
	}
	if err := db.RegisterAgent(&model.Agent{
		ID: "sub-1", Type: model.AgentSub, Name: "sub-1", Status: model.AgentOnline,
		CreatedTime: nowUTC(), LastHeartbeatTime: nowUTC(), TaskID: taskID,
	}); err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}

	th := taskHandlerFor(db, state.NewAuditLog(100))
	cancelReq := withTaskID(httptest.NewRequest(http.MethodPost, "/api/tasks/x/cancel", nil), taskID)
	cancelRec := httptest.NewRecorder()
	th.Cancel(cancelRec, cancelReq)
	if cancelRec.Code != http.StatusOK {
		t.Fatalf("expected 200 canceling task, got %d: %s", cancelRec.Code, cancelRec.Body.String())
	}

	body := `{"resource_info":{},"task_info":{"status":"running","log":""}}`
	hbReq := withAgentID(httptest.NewRequest(http.MethodPost, "/api/agents/x/heartbeat", bytes.NewBufferString(body)), "sub-1")
	hbRec := httptest.NewRecorder()
	h.Heartbeat(hbRec, hbReq)
	env := decodeEnvelope(t, hbRec)
	if env.Data.(map[string]any)["action"] != string(model.ActionQuit) {
		t.Fatalf("expected quit action after canceling running task, got %+v", env.Data)
	}

	agent, err := db.GetAgent("sub-1")
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if agent.PendingDirective != "" {
		t.Fatalf("expected pending directive cleared after delivery, got %q", agent.PendingDirective)
	}
}

func TestRejectThenAcceptNewTaskDirectiveDeliveredOnHeartbeat(t *testing.T) {
	h, _ := newTestAgentHandler(t)
	agentID := registerMain(t, h)

	rejectReq := withAgentID(httptest.NewRequest(http.MethodPost, "/api/agents/x/reject-new-task", nil), agentID)
	rejectRec := httptest.NewRecorder()
	h.RejectNewTask(rejectRec, rejectReq)
	if rejectRec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rejectRec.Code, rejectRec.Body.String())
	}

	body := `{"resource_info":{"cpu_cores":4,"available_cpu_cores":4}}`
	hbReq := withAgentID(httptest.NewRequest(http.MethodPost, "/api/agents/x/heartbeat", bytes.NewBufferString(body)), agentID)
	hbRec := httptest.NewRecorder()
	h.Heartbeat(hbRec, hbReq)
	env := decodeEnvelope(t, hbRec)
	if env.Data.(map[string]any)["action"] != string(model.ActionRejectNewTask) {
		t.Fatalf("expected reject_new_task action, got %+v", env.Data)
	}

	acceptReq := withAgentID(httptest.NewRequest(http.MethodPost, "/api/agents/x/accept-new-task", nil), agentID)
	acceptRec := httptest.NewRecorder()
	h.AcceptNewTask(acceptRec, acceptReq)
	if acceptRec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", acceptRec.Code, acceptRec.Body.String())
	}

	hbReq2 := withAgentID(httptest.NewRequest(http.MethodPost, "/api/agents/x/heartbeat", bytes.NewBufferString(body)), agentID)
	hbRec2 := httptest.NewRecorder()
	h.Heartbeat(hbRec2, hbReq2)
	env2 := decodeEnvelope(t, hbRec2)
	if env2.Data.(map[string]any)["action"] != string(model.ActionAcceptNewTask) {
		t.Fatalf("expected accept_new_task action, got %+v", env2.Data)
	}
}

func TestRejectNewTaskRejectsSubAgent(t *testing.T) {
	h, db := newTestAgentHandler(t)
	if err := db.RegisterAgent(&model.Agent{
		ID: "sub-1", Type: model.AgentSub, Name: "sub-1", Status: model.AgentOnline,
		CreatedTime: nowUTC(), LastHeartbeatTime: nowUTC(),
	}); err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}
	req := withAgentID(httptest.NewRequest(http.MethodPost, "/api/agents/x/reject-new-task", nil), "sub-1")
	rec := httptest.NewRecorder()
	h.RejectNewTask(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for sub agent directive, got %d", rec.Code)
	}
}

func TestSubAgentHeartbeatFinishesTaskOnTerminalStatus(t *testing.T) {
	h, db := newTestAgentHandler(t)
	taskID, err := db.CreateTask(&model.Task{Name: "t1", Priority: 3, ScriptContent: "x"})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if _, err := db.AtomicClaim(taskID, "sub-1", nowUTC()); err != nil {
		t.Fatalf("AtomicClaim: %v", err)
	}
	if err := db.RegisterAgent(&model.Agent{
		ID: "sub-1", Type: model.AgentSub, Name: "sub-1", Status: model.AgentOnline,
		CreatedTime: nowUTC(), LastHeartbeatTime: nowUTC(), TaskID: taskID,
	}); err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}

	body := `{"resource_info":{},"task_info":{"status":"completed","log":"done"}}`
	req := withAgentID(httptest.NewRequest(http.MethodPost, "/api/agents/x/heartbeat", bytes.NewBufferString(body)), "sub-1")
	rec := httptest.NewRecorder()
	h.Heartbeat(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	task, err := db.GetTask(taskID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.Status != model.TaskCompleted {
		t.Fatalf("expected task completed, got %s", task.Status)
	}
	agent, err := db.GetAgent("sub-1")
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if agent.Status != model.AgentEnd {
		t.Fatalf("expected sub agent status end, got %s", agent.Status)
	}
}
