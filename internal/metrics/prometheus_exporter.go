// Package metrics exposes the controller's Prometheus gauges and counters:
// task counts by status, agent liveness, scheduler claim outcomes, and
// watchdog demotions.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TasksByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "taskctl",
		Name:      "tasks_by_status",
		Help:      "Number of tasks currently in each status",
	}, []string{"status"})

	TasksCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "taskctl",
		Name:      "tasks_created_total",
		Help:      "Total number of tasks created",
	})

	TasksFinishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskctl",
		Name:      "tasks_finished_total",
		Help:      "Total number of tasks reaching a terminal status",
	}, []string{"status"})

	AgentsOnline = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "taskctl",
		Name:      "agents_online",
		Help:      "Number of agents currently online",
	}, []string{"type"})

	ClaimAttemptsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "taskctl",
		Name:      "claim_attempts_total",
		Help:      "Total atomic claim attempts by the scheduler",
	})

	ClaimSuccessesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "taskctl",
		Name:      "claim_successes_total",
		Help:      "Total atomic claims that won the race",
	})

	ClaimLossesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "taskctl",
		Name:      "claim_losses_total",
		Help:      "Total atomic claims that lost the race to another agent's heartbeat",
	})

	WatchdogDemotionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "taskctl",
		Name:      "watchdog_demotions_total",
		Help:      "Total agents marked offline by the watchdog for a missed heartbeat deadline",
	})

	WatchdogTasksFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "taskctl",
		Name:      "watchdog_tasks_failed_total",
		Help:      "Total running tasks force-failed because their sub-agent went offline",
	})

	HeartbeatLatencySeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "taskctl",
		Name:      "heartbeat_latency_seconds",
		Help:      "Controller-side processing latency of the heartbeat endpoint",
		Buckets:   prometheus.DefBuckets,
	})
)
