// Package agent implements the Main Agent and Sub Agent processes.
package agent

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/taskctl/taskctl/internal/agentclient"
	"github.com/taskctl/taskctl/internal/model"
	"github.com/taskctl/taskctl/internal/resourceprobe"
)

// SubAgentTask is the task assignment a sub agent is constructed with
// (spec §4.B).
type SubAgentTask struct {
	ID            int64
	ScriptContent string
	CPUCores      int
	GPUIDs        []string
}

// SubAgent executes one task's script in a subprocess, streams its output,
// and reports terminal status, per spec §4.B.
type SubAgent struct {
	mainAgentID string
	task        SubAgentTask
	client      *agentclient.Client
	probe       *resourceprobe.Probe
	log         *slog.Logger
	heartbeatPeriod time.Duration

	id string

	logMu  sync.Mutex
	logBuf bytes.Buffer

	statusMu sync.Mutex
	status   model.TaskStatus

	// scriptPID is the spawned script's pid, set once cmd.Start() succeeds;
	// zero until then. Heartbeats sample this pid (plus its descendants)
	// rather than the sub agent's own pid, so reported usage reflects the
	// script, not the Go runtime supervising it (spec §9).
	scriptPID atomic.Int64

	quit chan struct{}
}

// NewSubAgent constructs a sub agent for one task.
func NewSubAgent(mainAgentID string, task SubAgentTask, client *agentclient.Client, heartbeatPeriod time.Duration, log *slog.Logger) *SubAgent {
	return &SubAgent{
		mainAgentID:     mainAgentID,
		task:            task,
		client:          client,
		probe:           resourceprobe.New(),
		log:             log,
		heartbeatPeriod: heartbeatPeriod,
		status:          model.TaskWaiting,
		quit:            make(chan struct{}),
	}
}

// Register posts /api/agents/sub. On failure the caller is expected to
// retry on the next heartbeat attempt; the sub-agent keeps trying until its
// task terminates.
func (s *SubAgent) Register(ctx context.Context) error {
	id, err := s.client.RegisterSub(ctx, agentclient.RegisterSubRequest{
		Name:        fmt.Sprintf("sub-%d", s.task.ID),
		MainAgentID: s.mainAgentID,
		TaskID:      s.task.ID,
	})
	if err != nil {
		return fmt.Errorf("registering sub agent for task %d: %w", s.task.ID, err)
	}
	s.id = id
	return nil
}

// Run steps through register, heartbeat loop, script execution, and a
// synchronous final heartbeat, in that order (spec §4.B).
func (s *SubAgent) Run(ctx context.Context) error {
	for s.id == "" {
		if err := s.Register(ctx); err != nil {
			s.log.Warn("sub agent registration failed, retrying", "taskID", s.task.ID, "error", err)
			select {
			case <-time.After(s.heartbeatPeriod):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
	}

	hbCtx, cancelHB := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.heartbeatLoop(hbCtx)
	}()

	exitCode, runErr := s.runScript(ctx)
	s.setStatus(terminalStatus(exitCode, runErr))

	cancelHB()
	wg.Wait()

	return s.sendFinalHeartbeat(ctx, exitCode, runErr)
}

func terminalStatus(exitCode int, runErr error) model.TaskStatus {
	if runErr == nil && exitCode == 0 {
		return model.TaskCompleted
	}
	return model.TaskFailed
}

func (s *SubAgent) setStatus(status model.TaskStatus) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	s.status = status
}

func (s *SubAgent) getStatus() model.TaskStatus {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	return s.status
}

func (s *SubAgent) appendLog(line string) {
	s.logMu.Lock()
	defer s.logMu.Unlock()
	s.logBuf.WriteString(line)
}

// drainLog returns and clears the accumulated log bytes, atomically, as
// the heartbeat payload requires (spec §4.B).
func (s *SubAgent) drainLog() string {
	s.logMu.Lock()
	defer s.logMu.Unlock()
	out := s.logBuf.String()
	s.logBuf.Reset()
	return out
}

// runScript materializes script_content to a temp file, spawns it with the
// leased GPU ids exposed via CUDA_VISIBLE_DEVICES, tails its merged
// stdout/stderr into the log buffer, and waits for it to exit.
func (s *SubAgent) runScript(ctx context.Context) (exitCode int, err error) {
	scriptPath, err := s.materializeScript()
	if err != nil {
		return -1, fmt.Errorf("materializing script: %w", err)
	}
	defer os.Remove(scriptPath)

	logPath := filepath.Join(os.TempDir(), fmt.Sprintf("task-%d.out", s.task.ID))
	logFile, err := os.Create(logPath)
	if err != nil {
		return -1, fmt.Errorf("creating output file: %w", err)
	}
	defer os.Remove(logPath)
	defer logFile.Close()

	s.appendLog(fmt.Sprintf("==== start: %s ====\n", time.Now().Format(time.RFC3339)))

	cmd := exec.Command("/bin/bash", scriptPath)
	cmd.Env = append(os.Environ(), "CUDA_VISIBLE_DEVICES="+strings.Join(s.task.GPUIDs, ","))
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	setProcessGroup(cmd)

	s.setStatus(model.TaskRunning)
	start := time.Now()

	if err := cmd.Start(); err != nil {
		s.appendLog(fmt.Sprintf("spawn error: %v\n", err))
		return -1, fmt.Errorf("starting script: %w", err)
	}
	s.scriptPID.Store(int64(cmd.Process.Pid))

	tailStop := make(chan struct{})
	tailDone := make(chan struct{})
	go s.tailFile(logPath, tailStop, tailDone)

	waitErr := s.waitOrCancel(ctx, cmd)
	code := exitCodeOf(cmd, waitErr)

	close(tailStop)
	<-tailDone

	elapsed := time.Since(start).Seconds()
	s.appendLog(fmt.Sprintf("==== end: %s, time: %.2f s, exit_code: %d ====\n",
		time.Now().Format(time.RFC3339), elapsed, code))

	if waitErr != nil {
		return code, fmt.Errorf("script exited with error: %w", waitErr)
	}
	return code, nil
}

func exitCodeOf(cmd *exec.Cmd, waitErr error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	if waitErr != nil {
		return -1
	}
	return 0
}

// waitOrCancel waits for the child to exit, or terminates it (grace then
// force-kill) if ctx is cancelled first (operator cancel via `quit`).
func (s *SubAgent) waitOrCancel(ctx context.Context, cmd *exec.Cmd) error {
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		return err
	case <-s.quit:
		killProcessGroup(cmd, 5*time.Second)
		return <-done
	case <-ctx.Done():
		killProcessGroup(cmd, 5*time.Second)
		return <-done
	}
}

// Quit requests the supervised child be terminated, the sub-agent's
// response to a `quit` heartbeat directive.
func (s *SubAgent) Quit() {
	select {
	case <-s.quit:
	default:
		close(s.quit)
	}
}

func (s *SubAgent) materializeScript() (string, error) {
	ext := ".sh"
	if runtime.GOOS == "windows" {
		ext = ".bat"
	}
	f, err := os.CreateTemp("", fmt.Sprintf("task-%d-*%s", s.task.ID, ext))
	if err != nil {
		return "", err
	}
	defer f.Close()

	content := s.task.ScriptContent
	if runtime.GOOS == "windows" {
		content = strings.ReplaceAll(content, "\n", "\r\n")
	}
	if _, err := f.WriteString(content); err != nil {
		return "", err
	}
	if err := f.Chmod(0755); err != nil {
		return "", err
	}
	return f.Name(), nil
}

// tailFile polls logPath for new bytes and appends them to the log buffer.
// It stops when stop is closed, performs one final read to catch any bytes
// written between the last tick and process exit, then closes done.
func (s *SubAgent) tailFile(path string, stop, done chan struct{}) {
	defer close(done)

	var offset int64
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if data, newOffset, ok := readFrom(path, offset); ok && len(data) > 0 {
				s.appendLog(string(data))
				offset = newOffset
			}
		case <-stop:
			if data, newOffset, ok := readFrom(path, offset); ok && len(data) > 0 {
				s.appendLog(string(data))
				offset = newOffset
			}
			return
		}
	}
}

func readFrom(path string, offset int64) ([]byte, int64, bool) {
	f, err := os.Open(path)
	if err != nil {
		return nil, offset, false
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, offset, false
	}
	if info.Size() <= offset {
		return nil, offset, true
	}
	if _, err := f.Seek(offset, 0); err != nil {
		return nil, offset, false
	}
	buf := make([]byte, info.Size()-offset)
	n, _ := f.Read(buf)
	return buf[:n], offset + int64(n), true
}

func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killProcessGroup sends SIGTERM to the process group, waits up to grace,
// then SIGKILL (spec §4.B cleanup).
func killProcessGroup(cmd *exec.Cmd, grace time.Duration) {
	if cmd.Process == nil {
		return
	}
	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err != nil {
		_ = cmd.Process.Signal(syscall.SIGTERM)
	} else {
		_ = syscall.Kill(-pgid, syscall.SIGTERM)
	}

	done := make(chan struct{})
	go func() {
		_, _ = cmd.Process.Wait()
		close(done)
	}()

	select {
	case <-done:
		return
	case <-time.After(grace):
	}

	if err != nil {
		_ = cmd.Process.Kill()
		return
	}
	_ = syscall.Kill(-pgid, syscall.SIGKILL)
}

// samplePID returns the pid resource usage should be sampled from: the
// spawned script once it exists, falling back to the sub agent's own pid
// before the script has started.
func (s *SubAgent) samplePID() int {
	if pid := s.scriptPID.Load(); pid != 0 {
		return int(pid)
	}
	return os.Getpid()
}

// sendFinalHeartbeat sends the synchronous final heartbeat carrying the
// task's terminal status and closing log line (spec §4.B).
func (s *SubAgent) sendFinalHeartbeat(ctx context.Context, exitCode int, runErr error) error {
	snap := s.probe.SnapshotForPID(s.samplePID(), s.task.GPUIDs)
	req := agentclient.HeartbeatRequest{
		ResourceInfo: toResourceInfo(snap, s.task.CPUCores, s.task.GPUIDs, false),
		TaskInfo: &agentclient.TaskInfo{
			Status: s.getStatus(),
			Log:    s.drainLog(),
		},
	}
	_, err := s.client.Heartbeat(ctx, s.id, req)
	if err != nil {
		return fmt.Errorf("final heartbeat for task %d: %w", s.task.ID, err)
	}
	return nil
}

// heartbeatLoop sends periodic heartbeats carrying resource snapshot, task
// status and accumulated log bytes until ctx is cancelled.
func (s *SubAgent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(s.heartbeatPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := s.probe.SnapshotForPID(s.samplePID(), s.task.GPUIDs)
			req := agentclient.HeartbeatRequest{
				ResourceInfo: toResourceInfo(snap, s.task.CPUCores, s.task.GPUIDs, false),
				TaskInfo: &agentclient.TaskInfo{
					Status: s.getStatus(),
					Log:    s.drainLog(),
				},
			}
			resp, err := s.client.Heartbeat(ctx, s.id, req)
			if err != nil {
				s.log.Warn("sub agent heartbeat failed", "taskID", s.task.ID, "error", err)
				continue
			}
			if resp.Action == model.ActionQuit || resp.Action == model.ActionStop {
				s.Quit()
				return
			}
		}
	}
}

func toResourceInfo(snap resourceprobe.Snapshot, cpuCores int, gpuIDs []string, rejectNewTask bool) agentclient.ResourceInfo {
	gpuInfo := make([]agentclient.GPUInfo, 0, len(snap.GPUInfo))
	for _, g := range snap.GPUInfo {
		gpuInfo = append(gpuInfo, agentclient.GPUInfo{
			GPUID:       g.GPUID,
			Usage:       g.Usage,
			MemoryUsed:  g.MemoryUsedBytes,
			MemoryTotal: g.MemoryTotalBytes,
			IsAvailable: g.IsAvailable,
		})
	}
	return agentclient.ResourceInfo{
		CPUCores:          cpuCores,
		CPUUsage:          snap.CPUUsagePercent,
		MemoryTotal:       snap.MemoryTotalBytes,
		MemoryUsed:        snap.MemoryUsedBytes,
		GPUInfo:           gpuInfo,
		GPUIDs:            gpuIDs,
		AvailableCPUCores: 0,
		RejectNewTask:     rejectNewTask,
	}
}
