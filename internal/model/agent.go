package model

import "time"

// AgentType distinguishes a long-lived main agent from a per-task sub agent.
type AgentType string

const (
	AgentMain AgentType = "main"
	AgentSub  AgentType = "sub"
)

// AgentStatus is the agent liveness state.
type AgentStatus string

const (
	AgentOnline  AgentStatus = "online"
	AgentOffline AgentStatus = "offline"
	AgentEnd     AgentStatus = "end"
)

// GPUInfo describes one GPU as seen by an agent's resource snapshot.
type GPUInfo struct {
	GPUID           string
	Usage           float64 // 0.0 .. 1.0
	MemoryUsedBytes int64
	MemoryTotalBytes int64
	IsAvailable     bool
}

// Agent is either a main agent (per host) or a sub agent (per running task).
type Agent struct {
	ID                string
	Type              AgentType
	Name              string
	Status            AgentStatus
	CreatedTime       time.Time
	LastHeartbeatTime time.Time
	RunningTimeSecs   int64

	CPUCores         int
	CPUUsagePercent  float64
	MemoryUsedBytes  int64
	MemoryTotalBytes int64
	GPUInfo          []GPUInfo

	// Main-agent only.
	AvailableCPUCores int
	AvailableGPUIDs   []string
	RejectNewTask     bool

	// Sub-agent only.
	MainAgentID string
	TaskID      int64
	LeaseCPU    int
	LeaseGPUIDs []string

	// PendingDirective is a controller-side directive (quit,
	// reject_new_task, accept_new_task) waiting to be handed to this agent
	// on its next heartbeat. Empty means none pending.
	PendingDirective HeartbeatAction
}

// ResourceSnapshot is the resource_info payload carried on every heartbeat.
type ResourceSnapshot struct {
	CPUCores          int
	CPUUsagePercent   float64
	MemoryTotalBytes  int64
	MemoryUsedBytes   int64
	GPUInfo           []GPUInfo
	GPUIDs            []string
	AvailableCPUCores int
	RejectNewTask     bool
}

// TaskInfo is the task_info payload a sub agent attaches to its heartbeat.
type TaskInfo struct {
	Status TaskStatus
	Log    string
}

// HeartbeatAction is the directive the controller hands back to an agent.
type HeartbeatAction string

const (
	ActionContinue        HeartbeatAction = "continue"
	ActionNewTask         HeartbeatAction = "new_task"
	ActionRejectNewTask   HeartbeatAction = "reject_new_task"
	ActionAcceptNewTask   HeartbeatAction = "accept_new_task"
	ActionStop            HeartbeatAction = "stop"
	ActionQuit            HeartbeatAction = "quit"
)

// NewTaskAssignment is the task payload attached to an ActionNewTask response.
type NewTaskAssignment struct {
	ID            int64
	Name          string
	ScriptContent string
	CPUCores      int
	GPUCount      int
	GPUMemoryMB   int64
	GPUIDs        []string
	Priority      int
	DependsOn     []int64
}
