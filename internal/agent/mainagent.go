package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/taskctl/taskctl/internal/agentclient"
	"github.com/taskctl/taskctl/internal/leaseledger"
	"github.com/taskctl/taskctl/internal/model"
	"github.com/taskctl/taskctl/internal/resourceprobe"
)

func encodeTaskJSON(task agentclient.TaskPayload) (string, error) {
	data, err := json.Marshal(task)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// spawnedSub tracks one live sub-agent process this main agent launched.
// done is closed by a background goroutine once cmd.Wait() returns, so
// reapFinished can poll for completion without blocking the heartbeat
// loop.
type spawnedSub struct {
	taskID int64
	cmd    *exec.Cmd
	done   chan struct{}
}

// MainAgent registers with the controller, heartbeats on a fixed period,
// and spawns/reaps sub-agents for the tasks it is assigned (spec §4.C).
type MainAgent struct {
	name          string
	client        *agentclient.Client
	probe         *resourceprobe.Probe
	ledger        *leaseledger.Ledger
	log           *slog.Logger
	heartbeatPeriod time.Duration
	subAgentBin   string
	rejectNewTask bool

	id       string
	cpuCores int
	gpuIDs   []string

	mu   sync.Mutex
	subs map[int64]*spawnedSub
}

// Config configures a new MainAgent.
type Config struct {
	Name            string
	Client          *agentclient.Client
	HeartbeatPeriod time.Duration
	SubAgentBinary  string // path to the taskctl subagent executable
	RejectNewTask   bool
	Log             *slog.Logger
}

// New constructs a MainAgent.
func New(cfg Config) *MainAgent {
	return &MainAgent{
		name:            cfg.Name,
		client:          cfg.Client,
		probe:           resourceprobe.New(),
		ledger:          leaseledger.New(),
		log:             cfg.Log,
		heartbeatPeriod: cfg.HeartbeatPeriod,
		subAgentBin:     cfg.SubAgentBinary,
		rejectNewTask:   cfg.RejectNewTask,
		subs:            make(map[int64]*spawnedSub),
	}
}

// Register posts /api/agents/main with this host's total CPU cores and
// visible GPU ids, and stores the controller-assigned id.
func (m *MainAgent) Register(ctx context.Context) error {
	m.cpuCores = m.probe.CPUCoreCount()
	m.gpuIDs = m.probe.GPUIDs()

	id, err := m.client.RegisterMain(ctx, agentclient.RegisterMainRequest{
		Name:     m.name,
		CPUCores: m.cpuCores,
		GPUIDs:   m.gpuIDs,
	})
	if err != nil {
		return fmt.Errorf("registering main agent: %w", err)
	}
	m.id = id
	return nil
}

// Run executes the heartbeat loop until ctx is cancelled, at which point it
// signals all live sub-agents to terminate and clears the lease ledger
// (spec §4.C cancellation).
func (m *MainAgent) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.heartbeatPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			return nil
		case <-ticker.C:
			if err := m.tick(ctx); err != nil {
				m.log.Warn("main agent heartbeat tick failed", "error", err)
			}
		}
	}
}

// tick is one heartbeat-loop iteration: reap, snapshot, heartbeat, dispatch
// (spec §4.C).
func (m *MainAgent) tick(ctx context.Context) error {
	m.reapFinished()

	snap := m.probe.Snapshot()
	snap.GPUInfo = m.probe.GPUInfo(m.leasedGPUIDs())

	req := agentclient.HeartbeatRequest{
		ResourceInfo: toResourceInfo(snap, m.cpuCores, m.gpuIDs, m.rejectNewTask),
	}
	req.ResourceInfo.AvailableCPUCores = m.ledger.AvailableCPUCores(m.cpuCores)

	resp, err := m.client.Heartbeat(ctx, m.id, req)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}

	return m.dispatch(ctx, resp)
}

func (m *MainAgent) leasedGPUIDs() []string {
	var leased []string
	for _, id := range m.gpuIDs {
		if m.ledger.IsGPULeased(id) {
			leased = append(leased, id)
		}
	}
	return leased
}

// dispatch acts on the controller's heartbeat directive (spec §4.F).
func (m *MainAgent) dispatch(ctx context.Context, resp *agentclient.HeartbeatResponse) error {
	switch resp.Action {
	case model.ActionContinue:
		return nil
	case model.ActionRejectNewTask:
		m.rejectNewTask = true
		return nil
	case model.ActionAcceptNewTask:
		m.rejectNewTask = false
		return nil
	case model.ActionStop, model.ActionQuit:
		m.shutdown()
		return nil
	case model.ActionNewTask:
		if resp.Task == nil {
			return fmt.Errorf("new_task action missing task payload")
		}
		return m.spawnSubAgent(ctx, *resp.Task)
	default:
		m.log.Warn("unknown heartbeat action", "action", resp.Action)
		return nil
	}
}

// spawnSubAgent leases the task's declared resources *before* spawning, per
// spec §4.C, rolling the lease back if the spawn fails.
func (m *MainAgent) spawnSubAgent(ctx context.Context, task agentclient.TaskPayload) error {
	m.ledger.Lease(task.ID, task.CPUCores, task.GPUIDs)

	cmd, err := m.launchSubAgentProcess(task)
	if err != nil {
		m.ledger.Release(task.ID)
		return fmt.Errorf("spawning sub agent for task %d: %w", task.ID, err)
	}

	sub := &spawnedSub{taskID: task.ID, cmd: cmd, done: make(chan struct{})}
	go func() {
		_ = cmd.Wait()
		close(sub.done)
	}()

	m.mu.Lock()
	m.subs[task.ID] = sub
	m.mu.Unlock()

	m.log.Info("spawned sub agent", "taskID", task.ID, "cpuCores", task.CPUCores, "gpuIDs", task.GPUIDs)
	return nil
}

// launchSubAgentProcess spawns the taskctl subagent binary with the task
// JSON as an argument; its stdout/stderr inherit the main agent's streams
// (spec §4.C). If spawn fails, the caller rolls back the lease.
func (m *MainAgent) launchSubAgentProcess(task agentclient.TaskPayload) (*exec.Cmd, error) {
	payload, err := encodeTaskJSON(task)
	if err != nil {
		return nil, fmt.Errorf("encoding task payload: %w", err)
	}

	cmd := exec.Command(m.subAgentBin,
		"--main-agent-id", m.id,
		"--task-json", payload,
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return cmd, nil
}

// reapFinished polls live sub-agent children non-blockingly; any that have
// exited are released from the lease ledger (spec §4.C step 1).
func (m *MainAgent) reapFinished() {
	m.mu.Lock()
	var finished []int64
	for taskID, sub := range m.subs {
		select {
		case <-sub.done:
			finished = append(finished, taskID)
		default:
		}
	}
	m.mu.Unlock()

	for _, taskID := range finished {
		m.mu.Lock()
		delete(m.subs, taskID)
		m.mu.Unlock()
		m.ledger.Release(taskID)
		m.log.Debug("reaped sub agent", "taskID", taskID)
	}
}

// shutdown terminates every live sub-agent and clears the ledger.
func (m *MainAgent) shutdown() {
	m.mu.Lock()
	subs := make([]*spawnedSub, 0, len(m.subs))
	for _, s := range m.subs {
		subs = append(subs, s)
	}
	m.subs = make(map[int64]*spawnedSub)
	m.mu.Unlock()

	for _, s := range subs {
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
		m.ledger.Release(s.taskID)
	}
}
