package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/taskctl/taskctl/internal/metrics"
	"github.com/taskctl/taskctl/internal/model"
)

// ErrCycle is returned when a task's dependency set would form a cycle.
var ErrCycle = errors.New("dependency graph contains a cycle")

// ErrNotFound is returned when a task or agent id has no matching row.
var ErrNotFound = errors.New("not found")

// ErrTerminalOrRunning is returned when an edit targets a task that has
// already been claimed or has reached a terminal state.
var ErrTerminalOrRunning = errors.New("task is running or already finished")

const timeLayout = time.RFC3339Nano

// CreateTask inserts a task and its dependency edges, rejecting dependency
// cycles and unknown dependency ids. The initial status is `blocked` if any
// dependency is not yet `completed`, else `waiting`.
func (d *DB) CreateTask(t *model.Task) (int64, error) {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	t.Clamp()

	tx, err := d.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, dep := range t.DependsOn {
		var exists int
		if err := tx.QueryRow(`SELECT 1 FROM tasks WHERE id = ?`, dep).Scan(&exists); err != nil {
			if err == sql.ErrNoRows {
				return 0, fmt.Errorf("dependency %d: %w", dep, ErrNotFound)
			}
			return 0, fmt.Errorf("checking dependency %d: %w", dep, err)
		}
	}

	now := time.Now()
	status := model.TaskWaiting
	unmet, err := countUnsatisfiedDepsTx(tx, t.DependsOn)
	if err != nil {
		return 0, err
	}
	if unmet > 0 {
		status = model.TaskBlocked
	}

	res, err := tx.Exec(
		`INSERT INTO tasks (name, template_type, script_content, priority, status,
			cpu_cores, gpu_count, gpu_memory, created_time, agent_id, log_file)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, '', ?)`,
		t.Name, t.TemplateType, t.ScriptContent, t.Priority, string(status),
		t.CPUCores, t.GPUCount, t.GPUMemoryMB, now.Format(timeLayout), "",
	)
	if err != nil {
		return 0, fmt.Errorf("insert task: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("last insert id: %w", err)
	}

	logFile := fmt.Sprintf("task-%d.log", id)
	if _, err := tx.Exec(`UPDATE tasks SET log_file = ? WHERE id = ?`, logFile, id); err != nil {
		return 0, fmt.Errorf("set log_file: %w", err)
	}

	for _, dep := range t.DependsOn {
		if err := detectCycleTx(tx, id, dep); err != nil {
			return 0, err
		}
		if _, err := tx.Exec(
			`INSERT INTO task_dependencies (task_id, depends_on_id) VALUES (?, ?)`, id, dep,
		); err != nil {
			return 0, fmt.Errorf("insert dependency: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	metrics.TasksCreatedTotal.Inc()
	return id, nil
}

// detectCycleTx walks from `dep` upward through its own dependencies,
// rejecting the insert if it ever reaches `taskID`.
func detectCycleTx(tx *sql.Tx, taskID, dep int64) error {
	visited := map[int64]bool{}
	queue := []int64{dep}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == taskID {
			return ErrCycle
		}
		if visited[cur] {
			continue
		}
		visited[cur] = true
		rows, err := tx.Query(`SELECT depends_on_id FROM task_dependencies WHERE task_id = ?`, cur)
		if err != nil {
			return fmt.Errorf("walking dependency graph: %w", err)
		}
		for rows.Next() {
			var next int64
			if err := rows.Scan(&next); err != nil {
				rows.Close()
				return err
			}
			queue = append(queue, next)
		}
		rows.Close()
	}
	return nil
}

func countUnsatisfiedDepsTx(tx *sql.Tx, deps []int64) (int, error) {
	count := 0
	for _, dep := range deps {
		var status string
		if err := tx.QueryRow(`SELECT status FROM tasks WHERE id = ?`, dep).Scan(&status); err != nil {
			return 0, fmt.Errorf("reading dependency %d status: %w", dep, err)
		}
		if model.TaskStatus(status) != model.TaskCompleted {
			count++
		}
	}
	return count, nil
}

// CountUnsatisfiedDeps returns the number of dependencies of task id not yet
// completed.
func (d *DB) CountUnsatisfiedDeps(taskID int64) (int, error) {
	rows, err := d.db.Query(
		`SELECT t.status FROM task_dependencies td JOIN tasks t ON t.id = td.depends_on_id WHERE td.task_id = ?`,
		taskID,
	)
	if err != nil {
		return 0, fmt.Errorf("count unsatisfied deps: %w", err)
	}
	defer rows.Close()
	count := 0
	for rows.Next() {
		var status string
		if err := rows.Scan(&status); err != nil {
			return 0, err
		}
		if model.TaskStatus(status) != model.TaskCompleted {
			count++
		}
	}
	return count, rows.Err()
}

// RelaxBlockedTasks transitions every `blocked` task whose dependencies are
// all `completed` into `waiting`. Returns the ids transitioned.
func (d *DB) RelaxBlockedTasks() ([]int64, error) {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	rows, err := d.db.Query(`SELECT id FROM tasks WHERE status = ?`, string(model.TaskBlocked))
	if err != nil {
		return nil, fmt.Errorf("listing blocked tasks: %w", err)
	}
	var blocked []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		blocked = append(blocked, id)
	}
	rows.Close()

	var relaxed []int64
	for _, id := range blocked {
		n, err := d.CountUnsatisfiedDeps(id)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			if _, err := d.db.Exec(`UPDATE tasks SET status = ? WHERE id = ? AND status = ?`,
				string(model.TaskWaiting), id, string(model.TaskBlocked)); err != nil {
				return nil, fmt.Errorf("relaxing task %d: %w", id, err)
			}
			relaxed = append(relaxed, id)
		}
	}
	return relaxed, nil
}

// ListWaitingTasksOrdered returns waiting tasks ordered by (priority asc,
// created_time asc), the scheduler's candidate order.
func (d *DB) ListWaitingTasksOrdered() ([]*model.Task, error) {
	rows, err := d.db.Query(
		`SELECT id, name, template_type, script_content, priority, status, cpu_cores,
			gpu_count, gpu_memory, created_time, agent_id, log_file
		 FROM tasks WHERE status = ? ORDER BY priority ASC, created_time ASC`,
		string(model.TaskWaiting),
	)
	if err != nil {
		return nil, fmt.Errorf("listing waiting tasks: %w", err)
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

func scanTaskRow(rows *sql.Rows) (*model.Task, error) {
	var t model.Task
	var status, created string
	if err := rows.Scan(&t.ID, &t.Name, &t.TemplateType, &t.ScriptContent, &t.Priority,
		&status, &t.CPUCores, &t.GPUCount, &t.GPUMemoryMB, &created, &t.AgentID, &t.LogFile); err != nil {
		return nil, fmt.Errorf("scanning task row: %w", err)
	}
	t.Status = model.TaskStatus(status)
	parsed, err := time.Parse(timeLayout, created)
	if err != nil {
		return nil, fmt.Errorf("parsing created_time: %w", err)
	}
	t.CreatedTime = parsed
	return &t, nil
}

// GetTask hydrates one task, including its depends_on set.
func (d *DB) GetTask(id int64) (*model.Task, error) {
	row := d.db.QueryRow(
		`SELECT id, name, template_type, script_content, priority, status, cpu_cores,
			gpu_count, gpu_memory, created_time, start_time, end_time,
			execution_time_seconds, agent_id, log_file
		 FROM tasks WHERE id = ?`, id,
	)
	var t model.Task
	var status, created string
	var start, end sql.NullString
	var execSecs sql.NullFloat64
	if err := row.Scan(&t.ID, &t.Name, &t.TemplateType, &t.ScriptContent, &t.Priority,
		&status, &t.CPUCores, &t.GPUCount, &t.GPUMemoryMB, &created, &start, &end,
		&execSecs, &t.AgentID, &t.LogFile); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get task %d: %w", id, err)
	}
	t.Status = model.TaskStatus(status)
	parsed, err := time.Parse(timeLayout, created)
	if err != nil {
		return nil, fmt.Errorf("parsing created_time: %w", err)
	}
	t.CreatedTime = parsed
	if start.Valid {
		v, err := time.Parse(timeLayout, start.String)
		if err == nil {
			t.StartTime = &v
		}
	}
	if end.Valid {
		v, err := time.Parse(timeLayout, end.String)
		if err == nil {
			t.EndTime = &v
		}
	}
	if execSecs.Valid {
		t.ExecutionSecs = &execSecs.Float64
	}

	deps, err := d.dependsOn(id)
	if err != nil {
		return nil, err
	}
	t.DependsOn = deps
	return &t, nil
}

func (d *DB) dependsOn(taskID int64) ([]int64, error) {
	rows, err := d.db.Query(`SELECT depends_on_id FROM task_dependencies WHERE task_id = ?`, taskID)
	if err != nil {
		return nil, fmt.Errorf("reading dependencies of %d: %w", taskID, err)
	}
	defer rows.Close()
	var deps []int64
	for rows.Next() {
		var dep int64
		if err := rows.Scan(&dep); err != nil {
			return nil, err
		}
		deps = append(deps, dep)
	}
	return deps, rows.Err()
}

// TaskFilter narrows ListTasks results; zero values mean "no filter".
type TaskFilter struct {
	Status        model.TaskStatus
	Name          string
	TemplateType  string
	ScriptContent string
}

// ListTasks returns a page of tasks matching filter, newest first, along
// with the total matching row count.
func (d *DB) ListTasks(filter TaskFilter, page, perPage int) ([]*model.Task, int, error) {
	where := "WHERE 1=1"
	var args []any
	if filter.Status != "" {
		where += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if filter.Name != "" {
		where += " AND name LIKE ?"
		args = append(args, "%"+filter.Name+"%")
	}
	if filter.TemplateType != "" {
		where += " AND template_type = ?"
		args = append(args, filter.TemplateType)
	}
	if filter.ScriptContent != "" {
		where += " AND script_content LIKE ?"
		args = append(args, "%"+filter.ScriptContent+"%")
	}

	var total int
	if err := d.db.QueryRow(`SELECT COUNT(*) FROM tasks `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting tasks: %w", err)
	}

	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 20
	}
	offset := (page - 1) * perPage

	q := `SELECT id, name, template_type, script_content, priority, status, cpu_cores,
			gpu_count, gpu_memory, created_time, agent_id, log_file
		  FROM tasks ` + where + ` ORDER BY id DESC LIMIT ? OFFSET ?`
	args = append(args, perPage, offset)

	rows, err := d.db.Query(q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing tasks: %w", err)
	}
	defer rows.Close()

	var out []*model.Task
	for rows.Next() {
		t, err := scanTaskRow(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, t)
	}
	return out, total, rows.Err()
}

// AtomicClaim transitions task id from waiting to running, assigning
// agentID, iff it is still waiting. Returns whether the row changed; this
// is the sole dispatch serialization point (spec §4.D, §5).
func (d *DB) AtomicClaim(taskID int64, agentID string, now time.Time) (bool, error) {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	res, err := d.db.Exec(
		`UPDATE tasks SET status = ?, agent_id = ?, start_time = ? WHERE id = ? AND status = ?`,
		string(model.TaskRunning), agentID, now.Format(timeLayout), taskID, string(model.TaskWaiting),
	)
	if err != nil {
		return false, fmt.Errorf("claiming task %d: %w", taskID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// FinishTask moves a task to a terminal status, recording end_time and
// execution_time_seconds.
func (d *DB) FinishTask(taskID int64, status model.TaskStatus, now time.Time) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	t, err := d.GetTask(taskID)
	if err != nil {
		return err
	}
	if t.Status.IsTerminal() {
		return nil // terminal monotonicity: no-op once finished.
	}

	var execSecs *float64
	if t.StartTime != nil {
		secs := now.Sub(*t.StartTime).Seconds()
		execSecs = &secs
	}

	_, err = d.db.Exec(
		`UPDATE tasks SET status = ?, end_time = ?, execution_time_seconds = ? WHERE id = ?`,
		string(status), now.Format(timeLayout), execSecs, taskID,
	)
	if err != nil {
		return fmt.Errorf("finishing task %d: %w", taskID, err)
	}
	metrics.TasksFinishedTotal.WithLabelValues(string(status)).Inc()
	return nil
}

// CancelTask cancels a task from any non-terminal state. A cancel on an
// already-terminal task is a no-op success (spec §7).
func (d *DB) CancelTask(taskID int64, now time.Time) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	t, err := d.GetTask(taskID)
	if err != nil {
		return err
	}
	if t.Status.IsTerminal() {
		return nil
	}
	wasRunning := t.Status == model.TaskRunning
	_, err = d.db.Exec(
		`UPDATE tasks SET status = ?, end_time = ? WHERE id = ?`,
		string(model.TaskCanceled), now.Format(timeLayout), taskID,
	)
	if err != nil {
		return fmt.Errorf("canceling task %d: %w", taskID, err)
	}
	metrics.TasksFinishedTotal.WithLabelValues(string(model.TaskCanceled)).Inc()

	// The running sub-agent learns of the cancellation as a `quit`
	// directive on its next heartbeat (spec §4.F step 6, §5, scenario S6).
	// tasks.agent_id holds the claiming main agent, so the sub-agent is
	// found by its task_id.
	if wasRunning {
		subs, err := d.ListAgents(AgentFilter{Type: model.AgentSub, Status: model.AgentOnline})
		if err != nil {
			return fmt.Errorf("listing sub agents for task %d: %w", taskID, err)
		}
		for _, a := range subs {
			if a.TaskID != taskID {
				continue
			}
			if err := d.setPendingDirectiveLocked(a.ID, model.ActionQuit); err != nil {
				return err
			}
		}
	}
	return nil
}

// UpdateTaskFields edits the mutable fields of a task that is not yet
// running or finished (name, priority, script_content). Returns
// ErrTerminalOrRunning once a task has been claimed.
func (d *DB) UpdateTaskFields(taskID int64, name, scriptContent string, priority int) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	t, err := d.GetTask(taskID)
	if err != nil {
		return err
	}
	if t.Status == model.TaskRunning || t.Status.IsTerminal() {
		return ErrTerminalOrRunning
	}
	if priority < 1 {
		priority = 1
	}
	if priority > 5 {
		priority = 5
	}
	if name == "" {
		name = t.Name
	}
	if scriptContent == "" {
		scriptContent = t.ScriptContent
	}
	_, err = d.db.Exec(
		`UPDATE tasks SET name = ?, script_content = ?, priority = ? WHERE id = ?`,
		name, scriptContent, priority, taskID,
	)
	if err != nil {
		return fmt.Errorf("updating task %d: %w", taskID, err)
	}
	return nil
}

// AppendLog appends bytes to a task's log file, guaranteeing a trailing
// newline, and returns synchronously so the heartbeat that delivered the
// bytes can report them as durable before it returns (spec §5).
func (d *DB) AppendLog(logFile string, content string) error {
	if content == "" {
		return nil
	}
	if content[len(content)-1] != '\n' {
		content += "\n"
	}
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	path := d.logPath(logFile)
	f, err := osOpenAppend(path)
	if err != nil {
		return fmt.Errorf("opening log file %s: %w", logFile, err)
	}
	defer f.Close()
	if _, err := f.WriteString(content); err != nil {
		return fmt.Errorf("appending to log file %s: %w", logFile, err)
	}
	return nil
}

// ReadLog returns a [start_line, start_line+max_lines) window of a task's
// log, along with the total line count.
func (d *DB) ReadLog(logFile string, startLine, maxLines int) (lines []string, total int, err error) {
	path := d.logPath(logFile)
	all, err := readLines(path)
	if err != nil {
		return nil, 0, err
	}
	total = len(all)
	if startLine < 0 {
		startLine = 0
	}
	if startLine >= total {
		return nil, total, nil
	}
	end := startLine + maxLines
	if maxLines <= 0 || end > total {
		end = total
	}
	return all[startLine:end], total, nil
}

func (d *DB) logPath(logFile string) string {
	return d.logDir + "/" + logFile
}
