package worker

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/baolood/project-anchor/internal/action"
	"github.com/baolood/project-anchor/internal/config"
	"github.com/baolood/project-anchor/internal/ops"
	"github.com/baolood/project-anchor/internal/policy"
	"github.com/baolood/project-anchor/internal/runner"
	"github.com/baolood/project-anchor/internal/store"
)

type fakeRedis struct {
	values map[string]string
}

func (f *fakeRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	val, ok := f.values[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(val, nil)
}

func (f *fakeRedis) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	f.values[key] = value.(string)
	return redis.NewStatusResult("OK", nil)
}

func testWorker(t *testing.T, st store.Store, rdb ops.RedisClient) *Worker {
	t.Helper()
	cfg := config.Load()
	r := runner.New(st, action.Builtin(), policy.NewChain(cfg, nil), nil, nil, cfg.WorkerID, nil)
	w := New(cfg, st, r, ops.NewKillSwitch(rdb, nil), ops.NewNotifier(cfg, nil), nil)
	w.sleep = func(ctx context.Context, d time.Duration) {}
	return w
}

func countEvents(t *testing.T, st store.Store, id, eventType string) int {
	t.Helper()
	events, err := st.ListEvents(context.Background(), id, 1000)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	n := 0
	for _, e := range events {
		if e.EventType == eventType {
			n++
		}
	}
	return n
}

func TestIterateProcessesCommand(t *testing.T) {
	t.Setenv(ops.EnvKillSwitchKey, "")
	ctx := context.Background()
	st := store.NewMemory()
	st.CreateCommand(ctx, "noop-1", "NOOP", nil)

	w := testWorker(t, st, nil)
	w.iterate(ctx)

	cmd, _ := st.GetCommand(ctx, "noop-1")
	if cmd.Status != store.StatusDone {
		t.Fatalf("status = %s, want DONE", cmd.Status)
	}
}

func TestHeartbeatOncePerInterval(t *testing.T) {
	t.Setenv(ops.EnvKillSwitchKey, "")
	ctx := context.Background()
	st := store.NewMemory()
	w := testWorker(t, st, nil)

	base := time.Now()
	w.now = func() time.Time { return base }
	w.iterate(ctx)
	w.iterate(ctx)
	if got := countEvents(t, st, store.SyntheticHeartbeat, store.EventWorkerHeartbeat); got != 1 {
		t.Fatalf("heartbeats = %d, want 1 within the interval", got)
	}

	w.now = func() time.Time { return base.Add(w.cfg.HeartbeatInterval + time.Second) }
	w.iterate(ctx)
	if got := countEvents(t, st, store.SyntheticHeartbeat, store.EventWorkerHeartbeat); got != 2 {
		t.Fatalf("heartbeats = %d, want 2 after the interval", got)
	}

	state, _ := st.GetOpsState(ctx)
	if _, ok := state["worker_heartbeat"]; !ok {
		t.Error("worker_heartbeat ops_state missing")
	}
}

func TestKillSwitchHoldsQueue(t *testing.T) {
	t.Setenv(ops.EnvKillSwitchKey, "1")
	ctx := context.Background()
	st := store.NewMemory()
	st.CreateCommand(ctx, "held-1", "NOOP", nil)

	w := testWorker(t, st, nil)
	w.iterate(ctx)

	cmd, _ := st.GetCommand(ctx, "held-1")
	if cmd.Status != store.StatusPending {
		t.Fatalf("status = %s, kill switch must prevent claims", cmd.Status)
	}
	if got := countEvents(t, st, "held-1", store.EventKillSwitchOn); got != 1 {
		t.Fatalf("KILL_SWITCH_ON events = %d, want 1", got)
	}

	// Same id is flagged once per ON session even across checks.
	w.lastPendingCheck = time.Time{}
	w.iterate(ctx)
	if got := countEvents(t, st, "held-1", store.EventKillSwitchOn); got != 1 {
		t.Fatalf("KILL_SWITCH_ON events = %d, want still 1", got)
	}
}

func TestKillSwitchSessionResetsFlags(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	st.CreateCommand(ctx, "held-2", "FAIL", nil)
	w := testWorker(t, st, nil)

	t.Setenv(ops.EnvKillSwitchKey, "1")
	w.iterate(ctx)
	if got := countEvents(t, st, "held-2", store.EventKillSwitchOn); got != 1 {
		t.Fatalf("KILL_SWITCH_ON events = %d, want 1", got)
	}

	// Switch off: the command drains and the flag set clears.
	t.Setenv(ops.EnvKillSwitchKey, "")
	w.iterate(ctx)
	if len(w.flaggedPending) != 0 {
		t.Error("flagged set must clear when the switch goes off")
	}
	cmd, _ := st.GetCommand(ctx, "held-2")
	if cmd.Status != store.StatusFailed {
		t.Fatalf("status = %s, want FAILED after drain", cmd.Status)
	}
}

func TestPanicGuardTripsAtThreshold(t *testing.T) {
	t.Setenv(ops.EnvKillSwitchKey, "")
	t.Setenv("WORKER_INJECT_PANIC", "1")
	t.Setenv("WORKER_PANIC_THRESHOLD", "2")
	ctx := context.Background()
	st := store.NewMemory()
	rdb := &fakeRedis{values: map[string]string{}}
	w := testWorker(t, st, rdb)

	w.iterate(ctx)
	if got := countEvents(t, st, store.SyntheticOpsWorker, store.EventWorkerPanic); got != 0 {
		t.Fatalf("WORKER_PANIC events = %d, guard must not trip below threshold", got)
	}

	w.iterate(ctx)
	if got := countEvents(t, st, store.SyntheticOpsWorker, store.EventWorkerPanic); got != 1 {
		t.Fatalf("WORKER_PANIC events = %d, want 1 at threshold", got)
	}
	if rdb.values[ops.RedisKillSwitchKey] != "1" {
		t.Error("panic guard must flip the cluster kill switch ON")
	}
	state, _ := st.GetOpsState(ctx)
	entry, ok := state["worker_panic"]
	if !ok {
		t.Fatal("worker_panic ops_state missing")
	}
	if entry.Value["count"] != 2 {
		t.Errorf("panic count = %v, want 2", entry.Value["count"])
	}
	if len(w.panicTimes) != 0 {
		t.Error("window must clear after tripping")
	}
}

func TestPanicWindowExpiry(t *testing.T) {
	t.Setenv(ops.EnvKillSwitchKey, "")
	t.Setenv("WORKER_INJECT_PANIC", "1")
	t.Setenv("WORKER_PANIC_THRESHOLD", "2")
	ctx := context.Background()
	st := store.NewMemory()
	w := testWorker(t, st, &fakeRedis{values: map[string]string{}})

	base := time.Now()
	w.now = func() time.Time { return base }
	w.iterate(ctx)

	// Second panic lands outside the window, so the count restarts at 1.
	w.now = func() time.Time { return base.Add(w.cfg.PanicWindow + time.Second) }
	w.iterate(ctx)
	if got := countEvents(t, st, store.SyntheticOpsWorker, store.EventWorkerPanic); got != 0 {
		t.Fatalf("WORKER_PANIC events = %d, stale panics must not count", got)
	}
	if len(w.panicTimes) != 1 {
		t.Errorf("window size = %d, want 1", len(w.panicTimes))
	}
}

func TestPanicCounterIncrements(t *testing.T) {
	t.Setenv(ops.EnvKillSwitchKey, "")
	t.Setenv("WORKER_INJECT_PANIC", "1")
	t.Setenv("WORKER_PANIC_THRESHOLD", "5")
	reader := sdkmetric.NewManualReader()
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	t.Cleanup(func() { otel.SetMeterProvider(prev) })

	ctx := context.Background()
	w := testWorker(t, store.NewMemory(), &fakeRedis{values: map[string]string{}})
	w.iterate(ctx)
	w.iterate(ctx)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("collect metrics: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "anchor.worker.panics" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("worker.panics is %T, want Sum[int64]", m.Data)
			}
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	if total != 2 {
		t.Fatalf("worker.panics = %d, want one count per caught panic", total)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	t.Setenv(ops.EnvKillSwitchKey, "")
	st := store.NewMemory()
	w := testWorker(t, st, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := w.Run(ctx); err != context.Canceled {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
