// Package model holds the persisted types shared by the controller, the
// main agent, and the sub agent.
package model

import "time"

// TaskStatus is the task lifecycle state.
type TaskStatus string

const (
	TaskBlocked   TaskStatus = "blocked"
	TaskWaiting   TaskStatus = "waiting"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCanceled  TaskStatus = "canceled"
)

// IsTerminal reports whether no further status transition is possible.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCanceled:
		return true
	default:
		return false
	}
}

// Task is a single unit of work: a script to run with a declared CPU/GPU
// footprint and an optional set of dependencies.
type Task struct {
	ID             int64
	Name           string
	TemplateType   string
	ScriptContent  string
	Priority       int // 1 (highest) .. 5 (lowest)
	Status         TaskStatus
	CPUCores       int
	GPUCount       int
	GPUMemoryMB    int64
	DependsOn      []int64
	CreatedTime    time.Time
	StartTime      *time.Time
	EndTime        *time.Time
	ExecutionSecs  *float64
	AgentID        string
	LogFile        string
}

// Clamp normalizes user-supplied task fields to the ranges the scheduler
// requires, mirroring the defensive clamping the original service applied
// at creation time.
func (t *Task) Clamp() {
	if t.Priority < 1 {
		t.Priority = 1
	}
	if t.Priority > 5 {
		t.Priority = 5
	}
	if t.CPUCores < 0 {
		t.CPUCores = 0
	}
	if t.GPUCount < 0 {
		t.GPUCount = 0
	}
	if t.GPUMemoryMB < 0 {
		t.GPUMemoryMB = 0
	}
}
