package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestTasksByStatusGaugeVecTracksLabels(t *testing.T) {
	TasksByStatus.WithLabelValues("waiting").Set(3)
	TasksByStatus.WithLabelValues("running").Set(1)

	if got := testutil.ToFloat64(TasksByStatus.WithLabelValues("waiting")); got != 3 {
		t.Fatalf("expected 3 waiting tasks, got %v", got)
	}
}

func TestClaimCountersIncrement(t *testing.T) {
	before := testutil.ToFloat64(ClaimAttemptsTotal)
	ClaimAttemptsTotal.Inc()
	after := testutil.ToFloat64(ClaimAttemptsTotal)
	if after != before+1 {
		t.Fatalf("expected counter to increment by 1, got %v -> %v", before, after)
	}
}

func TestHeartbeatLatencyHistogramObserves(t *testing.T) {
	HeartbeatLatencySeconds.Observe(0.05)

	var buf strings.Builder
	if err := testutil.CollectAndWrite(HeartbeatLatencySeconds, &buf, "taskctl_heartbeat_latency_seconds"); err != nil {
		t.Fatalf("CollectAndWrite: %v", err)
	}
	if !strings.Contains(buf.String(), "taskctl_heartbeat_latency_seconds") {
		t.Fatalf("expected metric name in collected output, got %q", buf.String())
	}
}
