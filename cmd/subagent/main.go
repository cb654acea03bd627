// Command subagent executes a single task's script and reports its
// progress and terminal status back to the controller. It is spawned by a
// main agent, never run directly by an operator.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/taskctl/taskctl/internal/agent"
	"github.com/taskctl/taskctl/internal/agentclient"
	"github.com/taskctl/taskctl/internal/logging"
)

func main() {
	mainAgentID := flag.String("main-agent-id", "", "id of the main agent that spawned this process")
	taskJSON := flag.String("task-json", "", "JSON-encoded task payload")
	serverURL := flag.String("server", "http://localhost:8080", "controller base URL")
	heartbeatPeriod := flag.Duration("heartbeat-period", time.Second, "heartbeat interval")
	flag.Parse()

	log := logging.New("subagent")

	if *mainAgentID == "" || *taskJSON == "" {
		log.Error("main-agent-id and task-json are required")
		os.Exit(1)
	}

	var payload agentclient.TaskPayload
	if err := json.Unmarshal([]byte(*taskJSON), &payload); err != nil {
		log.Error("decoding task payload", "error", err)
		os.Exit(1)
	}

	client := agentclient.New(*serverURL, logging.New("agentclient"))
	sub := agent.NewSubAgent(*mainAgentID, agent.SubAgentTask{
		ID:            payload.ID,
		ScriptContent: payload.ScriptContent,
		CPUCores:      payload.CPUCores,
		GPUIDs:        payload.GPUIDs,
	}, client, *heartbeatPeriod, log)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		sub.Quit()
		cancel()
	}()

	if err := sub.Run(ctx); err != nil {
		log.Error("sub agent exited with error", "taskID", payload.ID, "error", err)
		os.Exit(1)
	}
}
