package runner

import (
	"context"
	"errors"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/baolood/project-anchor/internal/action"
	"github.com/baolood/project-anchor/internal/config"
	"github.com/baolood/project-anchor/internal/policy"
	"github.com/baolood/project-anchor/internal/risk"
	"github.com/baolood/project-anchor/internal/store"
)

func testRunner(st store.Store) *Runner {
	cfg := config.Load()
	return New(st,
		action.Builtin(),
		policy.NewChain(cfg, nil),
		risk.NewLockout(cfg, nil, nil, nil),
		risk.NewHardLimits(cfg, nil, nil),
		"worker-test", nil)
}

func eventTypes(t *testing.T, st store.Store, id string) []string {
	t.Helper()
	events, err := st.ListEvents(context.Background(), id, 100)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, e.EventType)
	}
	return out
}

func TestRunOneEmptyQueue(t *testing.T) {
	if s := testRunner(store.NewMemory()).RunOne(context.Background()); s != nil {
		t.Fatalf("empty queue must return nil, got %+v", s)
	}
}

func TestRunOneNoopHappyPath(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	if _, err := st.CreateCommand(ctx, "noop-1", "NOOP", map[string]any{"k": "v"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	s := testRunner(st).RunOne(ctx)
	if s == nil || s.FinalStatus != store.StatusDone {
		t.Fatalf("summary = %+v, want DONE", s)
	}

	cmd, err := st.GetCommand(ctx, "noop-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if cmd.Status != store.StatusDone {
		t.Errorf("status = %s, want DONE", cmd.Status)
	}
	if cmd.Attempt != 1 {
		t.Errorf("attempt = %d, want 1", cmd.Attempt)
	}
	if _, ok := cmd.Result["ts"]; !ok {
		t.Error("result must carry ts")
	}

	want := []string{
		store.EventPicked, store.EventPolicyAllow,
		store.EventActionOK, store.EventMarkDone,
	}
	got := eventTypes(t, st, "noop-1")
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}
}

func TestRunOneFailCommand(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	st.CreateCommand(ctx, "fail-1", "FAIL", nil)

	s := testRunner(st).RunOne(ctx)
	if s == nil || s.FinalStatus != store.StatusFailed {
		t.Fatalf("summary = %+v, want FAILED", s)
	}

	cmd, _ := st.GetCommand(ctx, "fail-1")
	if cmd.Error == nil || !strings.Contains(*cmd.Error, "INTENTIONAL_FAIL") {
		t.Errorf("error = %v, want INTENTIONAL_FAIL", cmd.Error)
	}

	got := eventTypes(t, st, "fail-1")
	if got[len(got)-2] != store.EventActionFail || got[len(got)-1] != store.EventMarkFailed {
		t.Errorf("events = %v, want ...ACTION_FAIL, MARK_FAILED", got)
	}
}

func TestRunOneUnknownType(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	st.CreateCommand(ctx, "mystery-1", "MYSTERY", nil)

	s := testRunner(st).RunOne(ctx)
	if s == nil || s.FinalStatus != store.StatusFailed {
		t.Fatalf("summary = %+v, want FAILED", s)
	}
	cmd, _ := st.GetCommand(ctx, "mystery-1")
	if cmd.Error == nil || *cmd.Error != "UNKNOWN_TYPE" {
		t.Errorf("error = %v, want UNKNOWN_TYPE", cmd.Error)
	}
}

func TestRunOneLockoutBlocksNonAllowlisted(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	// Trip the consecutive-failure threshold (default 3).
	for i := 0; i < 3; i++ {
		st.AppendEvent(ctx, "old", store.EventMarkFailed, i+1, nil)
	}
	st.CreateCommand(ctx, "q-1", "QUOTE", map[string]any{"notional": 10.0, "stop_loss": 1.0})

	s := testRunner(st).RunOne(ctx)
	if s == nil || s.FinalStatus != store.StatusFailed {
		t.Fatalf("summary = %+v, want FAILED", s)
	}
	cmd, _ := st.GetCommand(ctx, "q-1")
	if cmd.Error == nil || *cmd.Error != risk.BlockReasonLockout {
		t.Errorf("error = %v, want RISK_LOCKOUT_ACTIVE", cmd.Error)
	}
	got := eventTypes(t, st, "q-1")
	if got[len(got)-1] != store.EventRiskLockoutBlock {
		t.Errorf("events = %v, want trailing RISK_LOCKOUT_BLOCK", got)
	}

	// NOOP is allowlisted and still runs under lockout.
	st.CreateCommand(ctx, "noop-2", "NOOP", nil)
	if s := testRunner(st).RunOne(ctx); s == nil || s.FinalStatus != store.StatusDone {
		t.Fatalf("allowlisted NOOP must run, got %+v", s)
	}
}

func TestRunOneHardLimitsBlock(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	// QUOTE without a stop violates the first rule.
	st.CreateCommand(ctx, "q-2", "QUOTE", map[string]any{"notional": 10.0})

	s := testRunner(st).RunOne(ctx)
	if s == nil || s.FinalStatus != store.StatusFailed {
		t.Fatalf("summary = %+v, want FAILED", s)
	}
	cmd, _ := st.GetCommand(ctx, "q-2")
	if cmd.Error == nil || !strings.HasPrefix(*cmd.Error, risk.HardLimitsPrefix+"STOP_REQUIRED") {
		t.Errorf("error = %v, want RISK_HARD_LIMITS_STOP_REQUIRED:*", cmd.Error)
	}
	got := eventTypes(t, st, "q-2")
	if got[len(got)-1] != store.EventRiskHardLimits {
		t.Errorf("events = %v, want trailing RISK_HARD_LIMITS_BLOCK", got)
	}
}

func TestRunOnePolicyBlock(t *testing.T) {
	ctx := context.Background()
	t.Setenv("POLICY_QUOTE_MAX_NOTIONAL", "50")
	st := store.NewMemory()
	st.CreateCommand(ctx, "q-3", "QUOTE", map[string]any{"notional": 100.0, "stop_loss": 1.0})

	s := testRunner(st).RunOne(ctx)
	if s == nil || s.FinalStatus != store.StatusFailed {
		t.Fatalf("summary = %+v, want FAILED", s)
	}
	cmd, _ := st.GetCommand(ctx, "q-3")
	if cmd.Error == nil || *cmd.Error != "QUOTE_NOTIONAL_TOO_LARGE" {
		t.Errorf("error = %v, want QUOTE_NOTIONAL_TOO_LARGE", cmd.Error)
	}

	got := eventTypes(t, st, "q-3")
	var sawBlock bool
	for _, e := range got {
		if e == store.EventPolicyBlock {
			sawBlock = true
		}
	}
	if !sawBlock || got[len(got)-1] != store.EventMarkFailed {
		t.Errorf("events = %v, want POLICY_BLOCK then MARK_FAILED", got)
	}
}

func TestRunOneFlakyRetrySucceeds(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	st.CreateCommand(ctx, "flaky-1", "FLAKY", nil)
	r := testRunner(st)

	if s := r.RunOne(ctx); s == nil || s.FinalStatus != store.StatusFailed {
		t.Fatalf("first attempt must fail, got %+v", s)
	}
	if _, err := st.Retry(ctx, "flaky-1"); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if s := r.RunOne(ctx); s == nil || s.FinalStatus != store.StatusDone {
		t.Fatalf("second attempt must succeed, got %+v", s)
	}
	cmd, _ := st.GetCommand(ctx, "flaky-1")
	if cmd.Attempt != 2 {
		t.Errorf("attempt = %d, want 2", cmd.Attempt)
	}
	if cmd.Error != nil {
		t.Errorf("error = %v, want cleared", cmd.Error)
	}
}

type fakeExecutor struct {
	mark     float64
	markErr  error
	resp     map[string]any
	respErr  error
	lastSide string
	lastQty  float64
}

func (f *fakeExecutor) GetMarkPrice(symbol string) (float64, error) {
	return f.mark, f.markErr
}

func (f *fakeExecutor) PlaceLimitIOC(symbol, side string, quantity, price float64) (map[string]any, error) {
	f.lastSide = side
	f.lastQty = quantity
	return f.resp, f.respErr
}

func TestRunOneExchangeQuoteFilled(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	st.CreateCommand(ctx, "q-live", "QUOTE", map[string]any{
		"symbol": "BTCUSDT", "side": "BUY", "notional": 500.0, "stop_loss": 1.0,
	})

	r := testRunner(st)
	r.Executor = &fakeExecutor{
		mark: 50000,
		resp: map[string]any{
			"status": "FILLED", "orderId": float64(42),
			"executedQty": "0.01", "avgPrice": "50010.5",
		},
	}

	s := r.RunOne(ctx)
	if s == nil || s.FinalStatus != store.StatusDone {
		t.Fatalf("summary = %+v, want DONE", s)
	}
	cmd, _ := st.GetCommand(ctx, "q-live")
	if cmd.Result["price"] != 50010.5 {
		t.Errorf("price = %v, want avgPrice 50010.5", cmd.Result["price"])
	}
	if _, ok := cmd.Result["_binance_testnet"].(map[string]any); !ok {
		t.Error("result must carry the _binance_testnet block")
	}
}

func TestRunOneExchangeQuoteNotFilled(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	st.CreateCommand(ctx, "q-live2", "QUOTE", map[string]any{"notional": 500.0, "stop_loss": 1.0})

	r := testRunner(st)
	r.Executor = &fakeExecutor{mark: 50000, resp: map[string]any{"status": "EXPIRED"}}

	s := r.RunOne(ctx)
	if s == nil || s.FinalStatus != store.StatusFailed {
		t.Fatalf("summary = %+v, want FAILED", s)
	}
	cmd, _ := st.GetCommand(ctx, "q-live2")
	if cmd.Error == nil || !strings.HasPrefix(*cmd.Error, "BINANCE_ORDER_NOT_FILLED") {
		t.Errorf("error = %v, want BINANCE_ORDER_NOT_FILLED:*", cmd.Error)
	}
}

func TestRunOneExchangeMarkPriceError(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	st.CreateCommand(ctx, "q-live3", "QUOTE", map[string]any{"notional": 500.0, "stop_loss": 1.0})

	r := testRunner(st)
	r.Executor = &fakeExecutor{markErr: errors.New("BINANCE_HTTP_503:unavailable")}

	s := r.RunOne(ctx)
	if s == nil || s.FinalStatus != store.StatusFailed {
		t.Fatalf("summary = %+v, want FAILED", s)
	}
	cmd, _ := st.GetCommand(ctx, "q-live3")
	if cmd.Error == nil || !strings.HasPrefix(*cmd.Error, "BINANCE_HTTP_503") {
		t.Errorf("error = %v, want BINANCE_HTTP_503:*", cmd.Error)
	}
}

func TestRunOneIdempotentBlockOnRedeliveredAttempt(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	st.CreateCommand(ctx, "dup-1", "NOOP", nil)
	// Simulate a prior terminal write for the attempt about to be claimed.
	st.AppendEvent(ctx, "dup-1", store.EventMarkDone, 1, map[string]any{"type": "NOOP"})

	s := testRunner(st).RunOne(ctx)
	if s == nil || s.FinalStatus != store.StatusFailed {
		t.Fatalf("summary = %+v, want FAILED", s)
	}
	cmd, _ := st.GetCommand(ctx, "dup-1")
	if cmd.Error == nil || *cmd.Error != "IDEMPOTENT_BLOCK" {
		t.Errorf("error = %v, want IDEMPOTENT_BLOCK", cmd.Error)
	}
}

// collectCounters drains a manual reader into name -> summed counter value.
func collectCounters(t *testing.T, reader *sdkmetric.ManualReader) (map[string]int64, map[string][]metricdata.DataPoint[int64]) {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect metrics: %v", err)
	}
	totals := map[string]int64{}
	points := map[string][]metricdata.DataPoint[int64]{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				totals[m.Name] += dp.Value
				points[m.Name] = append(points[m.Name], dp)
			}
		}
	}
	return totals, points
}

func TestRunOneRecordsOutcomeCounters(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	t.Cleanup(func() { otel.SetMeterProvider(prev) })

	ctx := context.Background()
	t.Setenv("POLICY_QUOTE_MAX_NOTIONAL", "50")
	st := store.NewMemory()
	st.CreateCommand(ctx, "noop-m", "NOOP", nil)
	st.CreateCommand(ctx, "q-m", "QUOTE", map[string]any{"notional": 100.0, "stop_loss": 1.0})
	st.CreateCommand(ctx, "q-m2", "QUOTE", map[string]any{"notional": 10.0})

	r := testRunner(st)
	r.RunOne(ctx) // NOOP completes
	r.RunOne(ctx) // QUOTE blocked by the notional cap
	r.RunOne(ctx) // QUOTE blocked by hard limits (no stop)

	totals, points := collectCounters(t, reader)
	if totals["anchor.commands.completed"] != 3 {
		t.Errorf("commands.completed = %d, want 3", totals["anchor.commands.completed"])
	}
	if totals["anchor.policy.blocks"] != 1 {
		t.Errorf("policy.blocks = %d, want 1", totals["anchor.policy.blocks"])
	}
	if totals["anchor.risk.blocks"] != 1 {
		t.Errorf("risk.blocks = %d, want 1", totals["anchor.risk.blocks"])
	}

	var sawDone, sawFailed bool
	for _, dp := range points["anchor.commands.completed"] {
		if status, ok := dp.Attributes.Value(attribute.Key("anchor.command.status")); ok {
			switch status.AsString() {
			case store.StatusDone:
				sawDone = true
			case store.StatusFailed:
				sawFailed = true
			}
		}
	}
	if !sawDone || !sawFailed {
		t.Errorf("completed datapoints must cover both DONE and FAILED (done=%v failed=%v)", sawDone, sawFailed)
	}
	for _, dp := range points["anchor.policy.blocks"] {
		if code, ok := dp.Attributes.Value(attribute.Key("anchor.policy.code")); !ok || code.AsString() != "QUOTE_NOTIONAL_TOO_LARGE" {
			t.Errorf("policy block code = %v, want QUOTE_NOTIONAL_TOO_LARGE", code.AsString())
		}
	}
}
