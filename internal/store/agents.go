package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/taskctl/taskctl/internal/model"
)

// RegisterAgent inserts or replaces an agent row keyed by its generated id.
func (d *DB) RegisterAgent(a *model.Agent) error {
	gpuInfo, err := json.Marshal(a.GPUInfo)
	if err != nil {
		return fmt.Errorf("marshaling gpu info: %w", err)
	}
	availGPUs, err := json.Marshal(a.AvailableGPUIDs)
	if err != nil {
		return fmt.Errorf("marshaling available gpu ids: %w", err)
	}
	leaseGPUs, err := json.Marshal(a.LeaseGPUIDs)
	if err != nil {
		return fmt.Errorf("marshaling lease gpu ids: %w", err)
	}

	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	_, err = d.db.Exec(
		`INSERT INTO agents (id, type, name, status, created_time, last_heartbeat_time,
			cpu_cores, cpu_usage_percent, memory_used_bytes, memory_total_bytes, gpu_info,
			available_cpu_cores, available_gpu_ids, reject_new_task, main_agent_id, task_id,
			lease_cpu, lease_gpu_ids, pending_directive)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			type=excluded.type, name=excluded.name, status=excluded.status,
			last_heartbeat_time=excluded.last_heartbeat_time`,
		a.ID, string(a.Type), a.Name, string(a.Status),
		a.CreatedTime.Format(timeLayout), a.LastHeartbeatTime.Format(timeLayout),
		a.CPUCores, a.CPUUsagePercent, a.MemoryUsedBytes, a.MemoryTotalBytes, string(gpuInfo),
		a.AvailableCPUCores, string(availGPUs), boolToInt(a.RejectNewTask), a.MainAgentID, a.TaskID,
		a.LeaseCPU, string(leaseGPUs), string(a.PendingDirective),
	)
	if err != nil {
		return fmt.Errorf("registering agent %s: %w", a.ID, err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// HeartbeatUpdate carries the fields a heartbeat call refreshes.
type HeartbeatUpdate struct {
	Status            model.AgentStatus
	LastHeartbeatTime time.Time
	CPUCores          int
	CPUUsagePercent   float64
	MemoryUsedBytes   int64
	MemoryTotalBytes  int64
	GPUInfo           []model.GPUInfo
	AvailableCPUCores int
	AvailableGPUIDs   []string
	RejectNewTask     *bool
	LeaseCPU          *int
	LeaseGPUIDs       []string
	TaskID            *int64
}

// ApplyHeartbeat stamps an agent row with fresh telemetry from a heartbeat
// call. Pointer fields are only applied when non-nil, so sub-agent
// heartbeats (which don't report available_cpu_cores) don't clobber a main
// agent's ledger columns, and vice versa.
func (d *DB) ApplyHeartbeat(agentID string, u HeartbeatUpdate) error {
	gpuInfo, err := json.Marshal(u.GPUInfo)
	if err != nil {
		return fmt.Errorf("marshaling gpu info: %w", err)
	}
	availGPUs, err := json.Marshal(u.AvailableGPUIDs)
	if err != nil {
		return fmt.Errorf("marshaling available gpu ids: %w", err)
	}

	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	_, err = d.db.Exec(
		`UPDATE agents SET status=?, last_heartbeat_time=?, cpu_cores=?, cpu_usage_percent=?,
			memory_used_bytes=?, memory_total_bytes=?, gpu_info=?, available_cpu_cores=?,
			available_gpu_ids=? WHERE id=?`,
		string(u.Status), u.LastHeartbeatTime.Format(timeLayout), u.CPUCores, u.CPUUsagePercent,
		u.MemoryUsedBytes, u.MemoryTotalBytes, string(gpuInfo), u.AvailableCPUCores,
		string(availGPUs), agentID,
	)
	if err != nil {
		return fmt.Errorf("heartbeat update for agent %s: %w", agentID, err)
	}

	if u.RejectNewTask != nil {
		if _, err := d.db.Exec(`UPDATE agents SET reject_new_task=? WHERE id=?`,
			boolToInt(*u.RejectNewTask), agentID); err != nil {
			return fmt.Errorf("updating reject_new_task for %s: %w", agentID, err)
		}
	}
	if u.LeaseCPU != nil {
		leaseGPUs, err := json.Marshal(u.LeaseGPUIDs)
		if err != nil {
			return fmt.Errorf("marshaling lease gpu ids: %w", err)
		}
		if _, err := d.db.Exec(`UPDATE agents SET lease_cpu=?, lease_gpu_ids=? WHERE id=?`,
			*u.LeaseCPU, string(leaseGPUs), agentID); err != nil {
			return fmt.Errorf("updating lease for %s: %w", agentID, err)
		}
	}
	if u.TaskID != nil {
		if _, err := d.db.Exec(`UPDATE agents SET task_id=? WHERE id=?`, *u.TaskID, agentID); err != nil {
			return fmt.Errorf("updating task_id for %s: %w", agentID, err)
		}
	}
	return nil
}

// MarkAgentStatus sets an agent's status directly, used by the watchdog to
// demote stale agents and by shutdown paths to mark `end`.
func (d *DB) MarkAgentStatus(agentID string, status model.AgentStatus) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	_, err := d.db.Exec(`UPDATE agents SET status=? WHERE id=?`, string(status), agentID)
	if err != nil {
		return fmt.Errorf("marking agent %s status %s: %w", agentID, status, err)
	}
	return nil
}

// setPendingDirectiveLocked records a directive for delivery on the agent's
// next heartbeat. Callers that already hold writeMu (e.g. CancelTask, which
// must set this atomically with the task transition) call this directly;
// everyone else goes through SetPendingDirective.
func (d *DB) setPendingDirectiveLocked(agentID string, action model.HeartbeatAction) error {
	_, err := d.db.Exec(`UPDATE agents SET pending_directive = ? WHERE id = ?`, string(action), agentID)
	if err != nil {
		return fmt.Errorf("setting pending directive for agent %s: %w", agentID, err)
	}
	return nil
}

// SetPendingDirective records a controller directive (quit, reject_new_task,
// accept_new_task) the agent picks up on its next heartbeat (spec §4.F
// step 6).
func (d *DB) SetPendingDirective(agentID string, action model.HeartbeatAction) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	return d.setPendingDirectiveLocked(agentID, action)
}

// ClearPendingDirective resets an agent's pending directive once the
// controller has handed it over on a heartbeat response.
func (d *DB) ClearPendingDirective(agentID string) error {
	return d.SetPendingDirective(agentID, "")
}

// GetAgent hydrates one agent row.
func (d *DB) GetAgent(id string) (*model.Agent, error) {
	row := d.db.QueryRow(
		`SELECT id, type, name, status, created_time, last_heartbeat_time, cpu_cores,
			cpu_usage_percent, memory_used_bytes, memory_total_bytes, gpu_info,
			available_cpu_cores, available_gpu_ids, reject_new_task, main_agent_id, task_id,
			lease_cpu, lease_gpu_ids, pending_directive
		 FROM agents WHERE id = ?`, id,
	)
	a, err := scanAgentRow(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get agent %s: %w", id, err)
	}
	return a, nil
}

func scanAgentRow(row *sql.Row) (*model.Agent, error) {
	var a model.Agent
	var typ, status, created, lastHB, gpuInfo, availGPUs, leaseGPUs, pendingDirective string
	var rejectNewTask int
	if err := row.Scan(&a.ID, &typ, &a.Name, &status, &created, &lastHB, &a.CPUCores,
		&a.CPUUsagePercent, &a.MemoryUsedBytes, &a.MemoryTotalBytes, &gpuInfo,
		&a.AvailableCPUCores, &availGPUs, &rejectNewTask, &a.MainAgentID, &a.TaskID,
		&a.LeaseCPU, &leaseGPUs, &pendingDirective); err != nil {
		return nil, err
	}
	a.Type = model.AgentType(typ)
	a.Status = model.AgentStatus(status)
	a.RejectNewTask = rejectNewTask != 0
	a.PendingDirective = model.HeartbeatAction(pendingDirective)

	var parseErr error
	if a.CreatedTime, parseErr = time.Parse(timeLayout, created); parseErr != nil {
		return nil, fmt.Errorf("parsing created_time: %w", parseErr)
	}
	if a.LastHeartbeatTime, parseErr = time.Parse(timeLayout, lastHB); parseErr != nil {
		return nil, fmt.Errorf("parsing last_heartbeat_time: %w", parseErr)
	}
	if err := json.Unmarshal([]byte(gpuInfo), &a.GPUInfo); err != nil {
		return nil, fmt.Errorf("unmarshaling gpu_info: %w", err)
	}
	if err := json.Unmarshal([]byte(availGPUs), &a.AvailableGPUIDs); err != nil {
		return nil, fmt.Errorf("unmarshaling available_gpu_ids: %w", err)
	}
	if err := json.Unmarshal([]byte(leaseGPUs), &a.LeaseGPUIDs); err != nil {
		return nil, fmt.Errorf("unmarshaling lease_gpu_ids: %w", err)
	}
	a.RunningTimeSecs = int64(time.Since(a.CreatedTime).Seconds())
	return &a, nil
}

// AgentFilter narrows ListAgents results; zero values mean "no filter".
type AgentFilter struct {
	Type   model.AgentType
	Status model.AgentStatus
}

// ListAgents returns agents matching filter, newest first.
func (d *DB) ListAgents(filter AgentFilter) ([]*model.Agent, error) {
	where := "WHERE 1=1"
	var args []any
	if filter.Type != "" {
		where += " AND type = ?"
		args = append(args, string(filter.Type))
	}
	if filter.Status != "" {
		where += " AND status = ?"
		args = append(args, string(filter.Status))
	}

	rows, err := d.db.Query(
		`SELECT id, type, name, status, created_time, last_heartbeat_time, cpu_cores,
			cpu_usage_percent, memory_used_bytes, memory_total_bytes, gpu_info,
			available_cpu_cores, available_gpu_ids, reject_new_task, main_agent_id, task_id,
			lease_cpu, lease_gpu_ids, pending_directive
		 FROM agents `+where+` ORDER BY created_time DESC`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("listing agents: %w", err)
	}
	defer rows.Close()

	var out []*model.Agent
	for rows.Next() {
		var a model.Agent
		var typ, status, created, lastHB, gpuInfo, availGPUs, leaseGPUs, pendingDirective string
		var rejectNewTask int
		if err := rows.Scan(&a.ID, &typ, &a.Name, &status, &created, &lastHB, &a.CPUCores,
			&a.CPUUsagePercent, &a.MemoryUsedBytes, &a.MemoryTotalBytes, &gpuInfo,
			&a.AvailableCPUCores, &availGPUs, &rejectNewTask, &a.MainAgentID, &a.TaskID,
			&a.LeaseCPU, &leaseGPUs, &pendingDirective); err != nil {
			return nil, fmt.Errorf("scanning agent row: %w", err)
		}
		a.Type = model.AgentType(typ)
		a.Status = model.AgentStatus(status)
		a.RejectNewTask = rejectNewTask != 0
		a.PendingDirective = model.HeartbeatAction(pendingDirective)
		if a.CreatedTime, err = time.Parse(timeLayout, created); err != nil {
			return nil, fmt.Errorf("parsing created_time: %w", err)
		}
		if a.LastHeartbeatTime, err = time.Parse(timeLayout, lastHB); err != nil {
			return nil, fmt.Errorf("parsing last_heartbeat_time: %w", err)
		}
		if err := json.Unmarshal([]byte(gpuInfo), &a.GPUInfo); err != nil {
			return nil, fmt.Errorf("unmarshaling gpu_info: %w", err)
		}
		if err := json.Unmarshal([]byte(availGPUs), &a.AvailableGPUIDs); err != nil {
			return nil, fmt.Errorf("unmarshaling available_gpu_ids: %w", err)
		}
		if err := json.Unmarshal([]byte(leaseGPUs), &a.LeaseGPUIDs); err != nil {
			return nil, fmt.Errorf("unmarshaling lease_gpu_ids: %w", err)
		}
		a.RunningTimeSecs = int64(time.Since(a.CreatedTime).Seconds())
		out = append(out, &a)
	}
	return out, rows.Err()
}

// ListStaleAgents returns online agents whose last heartbeat is older than
// cutoff, the watchdog's liveness sweep query.
func (d *DB) ListStaleAgents(cutoff time.Time) ([]*model.Agent, error) {
	rows, err := d.db.Query(
		`SELECT id FROM agents WHERE status = ? AND last_heartbeat_time < ?`,
		string(model.AgentOnline), cutoff.Format(timeLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("listing stale agents: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var out []*model.Agent
	for _, id := range ids {
		a, err := d.GetAgent(id)
		if err != nil {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

// ListRunningTasksByAgent returns tasks currently assigned to agentID in the
// running state, used by the watchdog to fail work orphaned by a dead agent.
func (d *DB) ListRunningTasksByAgent(agentID string) ([]*model.Task, error) {
	rows, err := d.db.Query(
		`SELECT id, name, template_type, script_content, priority, status, cpu_cores,
			gpu_count, gpu_memory, created_time, agent_id, log_file
		 FROM tasks WHERE agent_id = ? AND status = ?`,
		agentID, string(model.TaskRunning),
	)
	if err != nil {
		return nil, fmt.Errorf("listing running tasks for agent %s: %w", agentID, err)
	}
	defer rows.Close()

	var out []*model.Task
	for rows.Next() {
		t, err := scanTaskRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
