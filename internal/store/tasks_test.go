package store

import (
	"sync"
	"testing"
	"time"

	"github.com/taskctl/taskctl/internal/model"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(Config{Path: t.TempDir() + "/test.db"})
	if err != nil {
		t.Fatalf("opening test store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestCreateTaskDefaultsToWaiting(t *testing.T) {
	db := newTestDB(t)
	id, err := db.CreateTask(&model.Task{Name: "t1", Priority: 3, ScriptContent: "echo hi"})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	got, err := db.GetTask(id)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != model.TaskWaiting {
		t.Fatalf("expected waiting, got %s", got.Status)
	}
}

func TestCreateTaskBlocksOnUnsatisfiedDependency(t *testing.T) {
	db := newTestDB(t)
	parent, err := db.CreateTask(&model.Task{Name: "parent", Priority: 3, ScriptContent: "x"})
	if err != nil {
		t.Fatalf("CreateTask parent: %v", err)
	}
	child, err := db.CreateTask(&model.Task{Name: "child", Priority: 3, ScriptContent: "x", DependsOn: []int64{parent}})
	if err != nil {
		t.Fatalf("CreateTask child: %v", err)
	}
	got, err := db.GetTask(child)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != model.TaskBlocked {
		t.Fatalf("expected blocked, got %s", got.Status)
	}
}

func TestCreateTaskRejectsUnknownDependency(t *testing.T) {
	db := newTestDB(t)
	_, err := db.CreateTask(&model.Task{Name: "t1", Priority: 3, ScriptContent: "x", DependsOn: []int64{9999}})
	if err == nil {
		t.Fatalf("expected error for unknown dependency")
	}
}

func TestRelaxBlockedTasksAfterDependencyCompletes(t *testing.T) {
	db := newTestDB(t)
	parent, _ := db.CreateTask(&model.Task{Name: "parent", Priority: 3, ScriptContent: "x"})
	child, _ := db.CreateTask(&model.Task{Name: "child", Priority: 3, ScriptContent: "x", DependsOn: []int64{parent}})

	if err := db.FinishTask(parent, model.TaskCompleted, time.Now()); err != nil {
		t.Fatalf("FinishTask: %v", err)
	}
	relaxed, err := db.RelaxBlockedTasks()
	if err != nil {
		t.Fatalf("RelaxBlockedTasks: %v", err)
	}
	found := false
	for _, id := range relaxed {
		if id == child {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected child %d relaxed, got %v", child, relaxed)
	}
	got, err := db.GetTask(child)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != model.TaskWaiting {
		t.Fatalf("expected waiting after relax, got %s", got.Status)
	}
}

func TestAtomicClaimOnlyOneWinnerUnderConcurrency(t *testing.T) {
	db := newTestDB(t)
	id, _ := db.CreateTask(&model.Task{Name: "t1", Priority: 3, ScriptContent: "x"})

	const n = 8
	var wg sync.WaitGroup
	results := make([]bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			claimed, err := db.AtomicClaim(id, "agent-x", time.Now())
			if err != nil {
				t.Errorf("AtomicClaim: %v", err)
				return
			}
			results[i] = claimed
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, r := range results {
		if r {
			wins++
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one claim to win, got %d", wins)
	}
}

func TestAtomicClaimFailsWhenNotWaiting(t *testing.T) {
	db := newTestDB(t)
	id, _ := db.CreateTask(&model.Task{Name: "t1", Priority: 3, ScriptContent: "x"})

	claimed, err := db.AtomicClaim(id, "agent-1", time.Now())
	if err != nil || !claimed {
		t.Fatalf("expected first claim to succeed, got claimed=%v err=%v", claimed, err)
	}
	claimed2, err := db.AtomicClaim(id, "agent-2", time.Now())
	if err != nil {
		t.Fatalf("AtomicClaim: %v", err)
	}
	if claimed2 {
		t.Fatalf("expected second claim to fail")
	}
}

func TestFinishTaskIsTerminalMonotonic(t *testing.T) {
	db := newTestDB(t)
	id, _ := db.CreateTask(&model.Task{Name: "t1", Priority: 3, ScriptContent: "x"})
	if _, err := db.AtomicClaim(id, "agent-1", time.Now()); err != nil {
		t.Fatalf("AtomicClaim: %v", err)
	}
	if err := db.FinishTask(id, model.TaskCompleted, time.Now()); err != nil {
		t.Fatalf("FinishTask: %v", err)
	}
	if err := db.FinishTask(id, model.TaskFailed, time.Now()); err != nil {
		t.Fatalf("second FinishTask: %v", err)
	}
	got, err := db.GetTask(id)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != model.TaskCompleted {
		t.Fatalf("expected status to stay completed, got %s", got.Status)
	}
}

func TestCancelTaskOnTerminalIsNoop(t *testing.T) {
	db := newTestDB(t)
	id, _ := db.CreateTask(&model.Task{Name: "t1", Priority: 3, ScriptContent: "x"})
	if err := db.FinishTask(id, model.TaskCompleted, time.Now()); err != nil {
		t.Fatalf("FinishTask: %v", err)
	}
	if err := db.CancelTask(id, time.Now()); err != nil {
		t.Fatalf("CancelTask on terminal task should succeed as no-op: %v", err)
	}
	got, err := db.GetTask(id)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != model.TaskCompleted {
		t.Fatalf("expected status unchanged, got %s", got.Status)
	}
}

func TestCancelRunningTaskSetsQuitDirectiveOnOwningAgent(t *testing.T) {
	db := newTestDB(t)
	id, _ := db.CreateTask(&model.Task{Name: "t1", Priority: 3, ScriptContent: "x"})
	agent := &model.Agent{
		ID: "sub-1", Type: model.AgentSub, Name: "sub-1", Status: model.AgentOnline,
		CreatedTime: time.Now(), LastHeartbeatTime: time.Now(), TaskID: id,
	}
	if err := db.RegisterAgent(agent); err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}
	won, err := db.AtomicClaim(id, "sub-1", time.Now())
	if err != nil || !won {
		t.Fatalf("AtomicClaim: won=%v err=%v", won, err)
	}

	if err := db.CancelTask(id, time.Now()); err != nil {
		t.Fatalf("CancelTask: %v", err)
	}

	got, err := db.GetAgent("sub-1")
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if got.PendingDirective != model.ActionQuit {
		t.Fatalf("expected pending quit directive, got %q", got.PendingDirective)
	}
}

func TestCancelWaitingTaskDoesNotSetDirective(t *testing.T) {
	db := newTestDB(t)
	id, _ := db.CreateTask(&model.Task{Name: "t1", Priority: 3, ScriptContent: "x"})
	agent := &model.Agent{
		ID: "sub-2", Type: model.AgentSub, Name: "sub-2", Status: model.AgentOnline,
		CreatedTime: time.Now(), LastHeartbeatTime: time.Now(),
	}
	if err := db.RegisterAgent(agent); err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}

	if err := db.CancelTask(id, time.Now()); err != nil {
		t.Fatalf("CancelTask: %v", err)
	}

	got, err := db.GetAgent("sub-2")
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if got.PendingDirective != "" {
		t.Fatalf("expected no directive set for a non-running cancel, got %q", got.PendingDirective)
	}
}

func TestUpdateTaskFieldsRejectsRunningTask(t *testing.T) {
	db := newTestDB(t)
	id, _ := db.CreateTask(&model.Task{Name: "t1", Priority: 3, ScriptContent: "x"})
	if _, err := db.AtomicClaim(id, "agent-1", time.Now()); err != nil {
		t.Fatalf("AtomicClaim: %v", err)
	}
	err := db.UpdateTaskFields(id, "new-name", "", 1)
	if err != ErrTerminalOrRunning {
		t.Fatalf("expected ErrTerminalOrRunning, got %v", err)
	}
}

func TestAppendLogAndReadLogWindow(t *testing.T) {
	db := newTestDB(t)
	id, _ := db.CreateTask(&model.Task{Name: "t1", Priority: 3, ScriptContent: "x"})
	got, _ := db.GetTask(id)

	if err := db.AppendLog(got.LogFile, "line one"); err != nil {
		t.Fatalf("AppendLog: %v", err)
	}
	if err := db.AppendLog(got.LogFile, "line two\nline three"); err != nil {
		t.Fatalf("AppendLog: %v", err)
	}

	lines, total, err := db.ReadLog(got.LogFile, 0, 2)
	if err != nil {
		t.Fatalf("ReadLog: %v", err)
	}
	if total != 3 {
		t.Fatalf("expected 3 total lines, got %d", total)
	}
	if len(lines) != 2 || lines[0] != "line one" || lines[1] != "line two" {
		t.Fatalf("unexpected window: %v", lines)
	}
}

func TestListTasksFiltersByStatus(t *testing.T) {
	db := newTestDB(t)
	id1, _ := db.CreateTask(&model.Task{Name: "t1", Priority: 3, ScriptContent: "x"})
	_, _ = db.CreateTask(&model.Task{Name: "t2", Priority: 3, ScriptContent: "x"})
	if _, err := db.AtomicClaim(id1, "agent-1", time.Now()); err != nil {
		t.Fatalf("AtomicClaim: %v", err)
	}

	running, total, err := db.ListTasks(TaskFilter{Status: model.TaskRunning}, 1, 20)
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if total != 1 || len(running) != 1 || running[0].ID != id1 {
		t.Fatalf("expected only running task %d, got total=%d tasks=%v", id1, total, running)
	}
}
