package store

import (
	"testing"
	"time"

	"github.com/taskctl/taskctl/internal/model"
)

func mustRegisterAgent(t *testing.T, db *DB, a *model.Agent) {
	t.Helper()
	if a.CreatedTime.IsZero() {
		a.CreatedTime = time.Now()
	}
	if a.LastHeartbeatTime.IsZero() {
		a.LastHeartbeatTime = a.CreatedTime
	}
	if err := db.RegisterAgent(a); err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}
}

func TestRegisterAndGetAgent(t *testing.T) {
	db := newTestDB(t)
	mustRegisterAgent(t, db, &model.Agent{ID: "agent-1", Type: model.AgentMain, Name: "host-a", Status: model.AgentOnline, CPUCores: 4})

	got, err := db.GetAgent("agent-1")
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if got.Name != "host-a" || got.CPUCores != 4 {
		t.Fatalf("unexpected agent: %+v", got)
	}
}

func TestApplyHeartbeatDoesNotClobberLeaseFields(t *testing.T) {
	db := newTestDB(t)
	mustRegisterAgent(t, db, &model.Agent{ID: "agent-1", Type: model.AgentMain, Name: "host-a", Status: model.AgentOnline, LeaseCPU: 2})

	err := db.ApplyHeartbeat("agent-1", HeartbeatUpdate{
		Status:            model.AgentOnline,
		LastHeartbeatTime: time.Now(),
		CPUCores:          4,
		AvailableCPUCores: 3,
	})
	if err != nil {
		t.Fatalf("ApplyHeartbeat: %v", err)
	}

	got, err := db.GetAgent("agent-1")
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if got.LeaseCPU != 2 {
		t.Fatalf("expected lease_cpu untouched at 2, got %d", got.LeaseCPU)
	}
	if got.AvailableCPUCores != 3 {
		t.Fatalf("expected available_cpu_cores updated to 3, got %d", got.AvailableCPUCores)
	}
}

func TestMarkAgentStatus(t *testing.T) {
	db := newTestDB(t)
	mustRegisterAgent(t, db, &model.Agent{ID: "agent-1", Type: model.AgentSub, Name: "sub-1", Status: model.AgentOnline})

	if err := db.MarkAgentStatus("agent-1", model.AgentOffline); err != nil {
		t.Fatalf("MarkAgentStatus: %v", err)
	}
	got, err := db.GetAgent("agent-1")
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if got.Status != model.AgentOffline {
		t.Fatalf("expected offline, got %s", got.Status)
	}
}

func TestListStaleAgents(t *testing.T) {
	db := newTestDB(t)
	stale := time.Now().Add(-10 * time.Minute)
	fresh := time.Now()
	mustRegisterAgent(t, db, &model.Agent{ID: "stale-1", Type: model.AgentMain, Name: "a", Status: model.AgentOnline, LastHeartbeatTime: stale, CreatedTime: stale})
	mustRegisterAgent(t, db, &model.Agent{ID: "fresh-1", Type: model.AgentMain, Name: "b", Status: model.AgentOnline, LastHeartbeatTime: fresh, CreatedTime: fresh})

	cutoff := time.Now().Add(-5 * time.Minute)
	got, err := db.ListStaleAgents(cutoff)
	if err != nil {
		t.Fatalf("ListStaleAgents: %v", err)
	}
	if len(got) != 1 || got[0].ID != "stale-1" {
		t.Fatalf("expected only stale-1, got %+v", got)
	}
}

func TestListAgentsFiltersByTypeAndStatus(t *testing.T) {
	db := newTestDB(t)
	mustRegisterAgent(t, db, &model.Agent{ID: "m1", Type: model.AgentMain, Name: "m1", Status: model.AgentOnline})
	mustRegisterAgent(t, db, &model.Agent{ID: "s1", Type: model.AgentSub, Name: "s1", Status: model.AgentOnline})
	mustRegisterAgent(t, db, &model.Agent{ID: "m2", Type: model.AgentMain, Name: "m2", Status: model.AgentOffline})

	got, err := db.ListAgents(AgentFilter{Type: model.AgentMain, Status: model.AgentOnline})
	if err != nil {
		t.Fatalf("ListAgents: %v", err)
	}
	if len(got) != 1 || got[0].ID != "m1" {
		t.Fatalf("expected only m1, got %+v", got)
	}
}

func TestSetAndClearPendingDirective(t *testing.T) {
	db := newTestDB(t)
	mustRegisterAgent(t, db, &model.Agent{ID: "agent-1", Type: model.AgentMain, Name: "host-a", Status: model.AgentOnline})

	if err := db.SetPendingDirective("agent-1", model.ActionRejectNewTask); err != nil {
		t.Fatalf("SetPendingDirective: %v", err)
	}
	got, err := db.GetAgent("agent-1")
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if got.PendingDirective != model.ActionRejectNewTask {
		t.Fatalf("expected reject_new_task pending, got %q", got.PendingDirective)
	}

	if err := db.ClearPendingDirective("agent-1"); err != nil {
		t.Fatalf("ClearPendingDirective: %v", err)
	}
	got, err = db.GetAgent("agent-1")
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if got.PendingDirective != "" {
		t.Fatalf("expected cleared directive, got %q", got.PendingDirective)
	}
}

func TestListRunningTasksByAgent(t *testing.T) {
	db := newTestDB(t)
	id, _ := db.CreateTask(&model.Task{Name: "t1", Priority: 3, ScriptContent: "x"})
	if _, err := db.AtomicClaim(id, "agent-1", time.Now()); err != nil {
		t.Fatalf("AtomicClaim: %v", err)
	}

	tasks, err := db.ListRunningTasksByAgent("agent-1")
	if err != nil {
		t.Fatalf("ListRunningTasksByAgent: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != id {
		t.Fatalf("expected task %d, got %+v", id, tasks)
	}
}
