// Command mainagent runs the per-host main agent: it registers with the
// controller, reports resource telemetry on a fixed heartbeat period, and
// spawns a sub-agent process for every task the controller assigns it.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/taskctl/taskctl/internal/agent"
	"github.com/taskctl/taskctl/internal/agentclient"
	"github.com/taskctl/taskctl/internal/logging"
)

func main() {
	name := flag.String("name", "", "agent name (defaults to hostname)")
	serverURL := flag.String("server", "http://localhost:8080", "controller base URL")
	heartbeatPeriod := flag.Duration("heartbeat-period", 2*time.Second, "heartbeat interval")
	rejectNewTask := flag.Bool("reject-new-task", false, "start in reject-new-task mode")
	subAgentBin := flag.String("subagent-binary", "", "path to the subagent executable (defaults to the sibling of this binary)")
	flag.Parse()

	log := logging.New("mainagent")

	if *name == "" {
		hostname, err := os.Hostname()
		if err != nil {
			log.Error("resolving hostname", "error", err)
			os.Exit(1)
		}
		*name = hostname
	}

	bin := *subAgentBin
	if bin == "" {
		resolved, err := resolveSiblingBinary("subagent")
		if err != nil {
			log.Error("resolving subagent binary path", "error", err)
			os.Exit(1)
		}
		bin = resolved
	}

	client := agentclient.New(*serverURL, logging.New("agentclient"))
	main := agent.New(agent.Config{
		Name:            *name,
		Client:          client,
		HeartbeatPeriod: *heartbeatPeriod,
		SubAgentBinary:  bin,
		RejectNewTask:   *rejectNewTask,
		Log:             log,
	})

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutting down")
		cancel()
	}()

	if err := main.Register(ctx); err != nil {
		log.Error("registration failed", "error", err)
		os.Exit(1)
	}
	log.Info("main agent registered", "name", *name, "server", *serverURL)

	if err := main.Run(ctx); err != nil {
		log.Error("main agent exited with error", "error", err)
		os.Exit(1)
	}
}

func resolveSiblingBinary(name string) (string, error) {
	self, err := os.Executable()
	if err != nil {
		return "", err
	}
	return filepath.Join(filepath.Dir(self), name), nil
}
