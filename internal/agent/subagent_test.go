package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/taskctl/taskctl/internal/agentclient"
	"github.com/taskctl/taskctl/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestSubAgent(task SubAgentTask) *SubAgent {
	return NewSubAgent("main-1", task, agentclient.New("http://unused.invalid", testLogger()), 50*time.Millisecond, testLogger())
}

func TestTerminalStatus(t *testing.T) {
	if got := terminalStatus(0, nil); got != model.TaskCompleted {
		t.Fatalf("expected completed for exit 0, got %s", got)
	}
	if got := terminalStatus(1, nil); got != model.TaskFailed {
		t.Fatalf("expected failed for nonzero exit, got %s", got)
	}
	if got := terminalStatus(0, errors.New("boom")); got != model.TaskFailed {
		t.Fatalf("expected failed when runErr is set, got %s", got)
	}
}

func TestRunScriptSuccess(t *testing.T) {
	s := newTestSubAgent(SubAgentTask{ID: 1, ScriptContent: "echo hello\nexit 0\n"})
	code, err := s.runScript(context.Background())
	if err != nil {
		t.Fatalf("runScript: %v", err)
	}
	if code != 0 {
		t.Fatalf("expected exit code 0, got %d", code)
	}
	log := s.drainLog()
	if !contains(log, "hello") {
		t.Fatalf("expected log to contain script output, got %q", log)
	}
	if !contains(log, "==== start:") || !contains(log, "==== end:") {
		t.Fatalf("expected start/end framing lines, got %q", log)
	}
}

func TestRunScriptNonZeroExit(t *testing.T) {
	s := newTestSubAgent(SubAgentTask{ID: 2, ScriptContent: "exit 7\n"})
	code, err := s.runScript(context.Background())
	if err == nil {
		t.Fatalf("expected error for nonzero exit")
	}
	if code != 7 {
		t.Fatalf("expected exit code 7, got %d", code)
	}
}

func TestRunScriptCanceledByQuit(t *testing.T) {
	s := newTestSubAgent(SubAgentTask{ID: 3, ScriptContent: "sleep 30\n"})
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.runScript(context.Background())
	}()

	time.Sleep(100 * time.Millisecond)
	s.Quit()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatalf("expected runScript to return promptly after Quit")
	}
}

func TestSamplePIDFallsBackBeforeSpawnAndTracksScriptAfter(t *testing.T) {
	s := newTestSubAgent(SubAgentTask{ID: 5, ScriptContent: "sleep 30\n"})
	if got := s.samplePID(); got != os.Getpid() {
		t.Fatalf("expected samplePID to fall back to own pid before spawn, got %d want %d", got, os.Getpid())
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.runScript(context.Background())
	}()
	defer func() {
		s.Quit()
		<-done
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if pid := s.samplePID(); pid != os.Getpid() {
			if pid == 0 {
				t.Fatalf("expected a positive script pid, got 0")
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected samplePID to diverge from own pid once the script spawned")
}

func TestMaterializeScriptWritesExecutableFile(t *testing.T) {
	s := newTestSubAgent(SubAgentTask{ID: 4, ScriptContent: "echo hi\n"})
	path, err := s.materializeScript()
	if err != nil {
		t.Fatalf("materializeScript: %v", err)
	}
	defer os.Remove(path)

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode()&0111 == 0 {
		t.Fatalf("expected executable bit set, got mode %v", info.Mode())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading script: %v", err)
	}
	if string(data) != "echo hi\n" {
		t.Fatalf("unexpected script content: %q", data)
	}
}

func TestReadFromTracksOffset(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.log")
	if err := os.WriteFile(path, []byte("abc"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	data, offset, ok := readFrom(path, 0)
	if !ok || string(data) != "abc" || offset != 3 {
		t.Fatalf("expected abc/3, got %q/%d/%v", data, offset, ok)
	}

	data2, offset2, ok2 := readFrom(path, offset)
	if !ok2 || len(data2) != 0 || offset2 != 3 {
		t.Fatalf("expected no new data, got %q/%d/%v", data2, offset2, ok2)
	}

	if err := os.WriteFile(path, []byte("abcdef"), 0644); err != nil {
		t.Fatalf("append: %v", err)
	}
	data3, offset3, ok3 := readFrom(path, offset)
	if !ok3 || string(data3) != "def" || offset3 != 6 {
		t.Fatalf("expected def/6, got %q/%d/%v", data3, offset3, ok3)
	}
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && (func() bool {
		for i := 0; i+len(substr) <= len(s); i++ {
			if s[i:i+len(substr)] == substr {
				return true
			}
		}
		return false
	})()
}
