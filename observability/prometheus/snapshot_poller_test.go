package prometheus

import (
	"context"
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/nathanaelhub/portfolio-optimization-dashboard-sub001/core"
)

type poolStub struct {
	status core.PoolStatus
}

func (s poolStub) Status() core.PoolStatus { return s.status }

func TestSnapshotPoller_CollectsPoolStatus(t *testing.T) {
	reg := prom.NewRegistry()
	poller, err := NewSnapshotPoller(reg, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("NewSnapshotPoller failed: %v", err)
	}

	poller.AddPool("pool-a", poolStub{status: core.PoolStatus{
		ID:        "pool-a",
		Size:      4,
		Total:     4,
		Available: 1,
		Busy:      3,
		Backlog:   5,
		Pending:   3,
		Restarts:  2,
		Running:   true,
	}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	poller.Start(ctx)
	defer poller.Stop()

	assertEventually(t, 2*time.Second, func() bool {
		busy := testutil.ToFloat64(poller.poolBusy.WithLabelValues("pool-a"))
		backlog := testutil.ToFloat64(poller.poolBacklog.WithLabelValues("pool-a"))
		return busy == 3 && backlog == 5
	})

	if got := testutil.ToFloat64(poller.poolRestarts.WithLabelValues("pool-a")); got != 2 {
		t.Fatalf("pool restarts gauge = %v, want 2", got)
	}
	if got := testutil.ToFloat64(poller.poolRunning.WithLabelValues("pool-a")); got != 1 {
		t.Fatalf("pool running gauge = %v, want 1", got)
	}
	if got := testutil.ToFloat64(poller.poolUnits.WithLabelValues("pool-a")); got != 4 {
		t.Fatalf("pool units gauge = %v, want 4", got)
	}
}

func TestSnapshotPoller_StartStop_Idempotent(t *testing.T) {
	reg := prom.NewRegistry()
	poller, err := NewSnapshotPoller(reg, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("NewSnapshotPoller failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	poller.Start(ctx)
	poller.Start(ctx)
	poller.Stop()
	poller.Stop()
}

func assertEventually(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}
