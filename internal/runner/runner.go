// Package runner drives one claimed command end to end: claim, guardrails,
// pipeline, terminal persistence, with an append-only event trail at each
// step. RunOne never returns an error to the worker loop; everything is
// converted into a FAILED outcome or a nil summary.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/baolood/project-anchor/internal/action"
	"github.com/baolood/project-anchor/internal/policy"
	"github.com/baolood/project-anchor/internal/risk"
	"github.com/baolood/project-anchor/internal/store"
	"github.com/baolood/project-anchor/internal/telemetry"
)

// Summary is the terse per-command outcome handed back to the worker loop.
type Summary struct {
	ID          string
	Type        string
	FinalStatus string
}

// QuoteExecutor abstracts the live exchange path for QUOTE commands.
// *action.BinanceExecutor satisfies it.
type QuoteExecutor interface {
	GetMarkPrice(symbol string) (float64, error)
	PlaceLimitIOC(symbol, side string, quantity, price float64) (map[string]any, error)
}

// Runner executes one claim at a time against a store.
type Runner struct {
	st         store.Store
	registry   *action.Registry
	chain      *policy.Chain
	lockout    *risk.Lockout
	hardLimits *risk.HardLimits
	workerID   string
	logger     *slog.Logger
	metrics    *telemetry.EngineMetrics
	nowTS      func() int64

	// Executor routes QUOTE commands to a live exchange when set
	// (EXECUTION_MODE=BINANCE_TESTNET); nil means the local QuoteAction.
	Executor QuoteExecutor
}

func New(st store.Store, registry *action.Registry, chain *policy.Chain, lockout *risk.Lockout, hardLimits *risk.HardLimits, workerID string, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		st:         st,
		registry:   registry,
		chain:      chain,
		lockout:    lockout,
		hardLimits: hardLimits,
		workerID:   workerID,
		logger:     logger.With("component", "runner"),
		metrics:    telemetry.NewEngineMetrics(),
		nowTS:      func() int64 { return time.Now().UnixMilli() },
	}
}

// RunOne claims the oldest PENDING command and runs it to a terminal state.
// Returns nil when nothing was claimed. Never panics and never returns an
// error; the worker loop only sees the summary.
func (r *Runner) RunOne(ctx context.Context) *Summary {
	cmd, err := r.st.ClaimOne(ctx, r.workerID)
	if err != nil {
		r.logger.Warn("claim failed", "error", err)
		return nil
	}
	if cmd == nil {
		return nil
	}

	cid := cmd.ID
	cmdType := strings.ToUpper(strings.TrimSpace(cmd.Type))
	attempt := cmd.Attempt
	payload := cmd.Payload
	if payload == nil {
		payload = map[string]any{}
	}

	r.st.AppendEvent(ctx, cid, store.EventPicked, attempt, map[string]any{"type": cmdType, "attempt": attempt})

	// Risk lockout gate. Allowlisted types pass regardless.
	if r.lockout != nil && !risk.Allowed(cmdType) {
		if active, until, reason := r.lockout.Active(ctx, r.st); active {
			r.markFailed(ctx, cid, risk.BlockReasonLockout, map[string]any{
				"lockout_until": until, "lockout_reason": reason,
			})
			r.st.AppendEvent(ctx, cid, store.EventRiskLockoutBlock, attempt, map[string]any{
				"type": cmdType, "reason": risk.BlockReasonLockout,
				"lockout_until": until, "lockout_reason": reason,
			})
			r.metrics.RiskBlocked(ctx, cmdType, risk.BlockReasonLockout)
			return r.finish(ctx, cid, cmdType, store.StatusFailed)
		}
	}

	// Hard position limits.
	if r.hardLimits != nil {
		if ok, reason := r.hardLimits.Guard(ctx, r.st, cmdType, payload); !ok && reason != "" {
			r.markFailed(ctx, cid, reason, map[string]any{"reason": reason})
			r.st.AppendEvent(ctx, cid, store.EventRiskHardLimits, attempt, map[string]any{
				"type": cmdType, "reason": reason,
			})
			r.metrics.RiskBlocked(ctx, cmdType, reason)
			return r.finish(ctx, cid, cmdType, store.StatusFailed)
		}
	}

	// Policy chain: first block wins, errors fail open.
	if r.chain != nil {
		allowed, decision := r.chain.Run(ctx, r.st, cmd)
		if !allowed && decision != nil {
			r.st.AppendEvent(ctx, cid, store.EventPolicyBlock, attempt, map[string]any{
				"type": cmdType, "attempt": attempt,
				"code": decision.Code, "message": decision.Message, "detail": decision.Detail,
			})
			reason := decision.Code
			if reason == "" {
				reason = store.EventPolicyBlock
			}
			detail := decision.Detail
			if detail == nil {
				detail = map[string]any{"message": decision.Message}
			}
			r.markFailed(ctx, cid, reason, detail)
			r.st.AppendEvent(ctx, cid, store.EventMarkFailed, attempt, map[string]any{
				"type": cmdType, "attempt": attempt, "error": decisionMap(decision),
			})
			r.metrics.PolicyBlocked(ctx, cmdType, reason)
			return r.finish(ctx, cid, cmdType, store.StatusFailed)
		}
		r.st.AppendEvent(ctx, cid, store.EventPolicyAllow, attempt, map[string]any{
			"type": cmdType, "attempt": attempt, "policies": r.chain.Names(),
		})
	}

	// Live exchange path for QUOTE.
	if r.Executor != nil && cmdType == "QUOTE" {
		return r.runExchangeQuote(ctx, cid, cmdType, attempt, payload)
	}

	act := r.registry.Get(cmdType)
	if act == nil {
		r.st.AppendEvent(ctx, cid, store.EventActionFail, attempt, map[string]any{
			"type": cmdType, "attempt": attempt,
			"error": map[string]any{"code": "UNKNOWN_TYPE", "type": cmdType},
		})
		r.markFailed(ctx, cid, "UNKNOWN_TYPE", map[string]any{"type": cmdType})
		r.st.AppendEvent(ctx, cid, store.EventMarkFailed, attempt, map[string]any{
			"type": cmdType, "attempt": attempt, "reason": "UNKNOWN_TYPE",
		})
		return r.finish(ctx, cid, cmdType, store.StatusFailed)
	}

	actx := &action.Context{NowTS: r.nowTS(), CommandID: cid, CmdType: cmdType, Attempt: attempt}
	out := r.runPipeline(ctx, act, actx, &action.Command{
		ID: cid, Type: cmdType, Attempt: attempt, Payload: payload,
	})

	if out.OK {
		r.st.AppendEvent(ctx, cid, store.EventActionOK, attempt, map[string]any{
			"type": cmdType, "attempt": attempt, "result": resultSummary(out.Result),
		})
		result := out.Result
		if result != nil {
			if _, ok := result["ts"]; !ok {
				result = withTS(result, r.nowTS())
			}
		}
		if _, err := r.st.MarkDone(ctx, cid, result); err != nil {
			return r.persistError(ctx, cid, cmdType, attempt, err)
		}
		r.st.AppendEvent(ctx, cid, store.EventMarkDone, attempt, map[string]any{
			"type": cmdType, "attempt": attempt, "result_summary": resultSummary(result),
		})
		return r.finish(ctx, cid, cmdType, store.StatusDone)
	}

	r.st.AppendEvent(ctx, cid, store.EventActionFail, attempt, map[string]any{
		"type": cmdType, "attempt": attempt, "error": out.Error,
	})
	detail := out.ErrorDetail()
	if _, err := r.st.MarkFailed(ctx, cid, out.ErrorReason(), detail); err != nil {
		return r.persistError(ctx, cid, cmdType, attempt, err)
	}
	r.st.AppendEvent(ctx, cid, store.EventMarkFailed, attempt, map[string]any{
		"type": cmdType, "attempt": attempt, "error": detail,
	})
	return r.finish(ctx, cid, cmdType, store.StatusFailed)
}

// runPipeline wraps the handler pipeline so that even a panic escaping the
// step guard becomes an ACTION_EXCEPTION outcome.
func (r *Runner) runPipeline(ctx context.Context, act action.Action, actx *action.Context, cmd *action.Command) (out *action.Output) {
	defer func() {
		if rec := recover(); rec != nil {
			msg := fmt.Sprint(rec)
			r.st.AppendEvent(ctx, cmd.ID, store.EventException, cmd.Attempt, map[string]any{
				"type": cmd.Type, "attempt": cmd.Attempt, "code": "ACTION_EXCEPTION", "message": msg,
			})
			out = &action.Output{OK: false, Error: action.ErrorMap("ACTION_EXCEPTION", msg)}
		}
	}()
	return action.Run(act, actx, cmd)
}

// runExchangeQuote places a real IOC order instead of running the local
// QuoteAction: mark price, notional to qty, limit at +-0.5% of mark.
func (r *Runner) runExchangeQuote(ctx context.Context, cid, cmdType string, attempt int, payload map[string]any) *Summary {
	symbol := strings.TrimSpace(stringOr(payload, "symbol", "BTCUSDT"))
	side := strings.ToUpper(strings.TrimSpace(stringOr(payload, "side", "BUY")))
	if side != "BUY" && side != "SELL" {
		side = "BUY"
	}
	notional := floatOr(payload, "notional")
	if notional == 0 {
		notional = floatOr(payload, "notional_usd")
	}

	result, err := r.placeQuote(symbol, side, notional)
	if err != nil {
		errStr := err.Error()
		r.st.AppendEvent(ctx, cid, store.EventActionFail, attempt, map[string]any{"type": cmdType, "error": errStr})
		if _, perr := r.st.MarkFailed(ctx, cid, errStr, map[string]any{"error": errStr}); perr != nil {
			return r.persistError(ctx, cid, cmdType, attempt, perr)
		}
		r.st.AppendEvent(ctx, cid, store.EventMarkFailed, attempt, map[string]any{"type": cmdType, "error": errStr})
		return r.finish(ctx, cid, cmdType, store.StatusFailed)
	}

	r.st.AppendEvent(ctx, cid, store.EventActionOK, attempt, map[string]any{"type": cmdType, "binance": true})
	if _, perr := r.st.MarkDone(ctx, cid, result); perr != nil {
		return r.persistError(ctx, cid, cmdType, attempt, perr)
	}
	r.st.AppendEvent(ctx, cid, store.EventMarkDone, attempt, map[string]any{"type": cmdType})
	return r.finish(ctx, cid, cmdType, store.StatusDone)
}

func (r *Runner) placeQuote(symbol, side string, notional float64) (map[string]any, error) {
	mark, err := r.Executor.GetMarkPrice(symbol)
	if err != nil {
		return nil, err
	}
	qty := action.NotionalToQty(notional, mark)
	price := mark * 1.005
	if side == "SELL" {
		price = mark * 0.995
	}
	resp, err := r.Executor.PlaceLimitIOC(symbol, side, qty, price)
	if err != nil {
		return nil, err
	}
	status := strings.ToUpper(fmt.Sprint(resp["status"]))
	if status != "FILLED" {
		return nil, fmt.Errorf("BINANCE_ORDER_NOT_FILLED:%v", resp)
	}
	return map[string]any{
		"ok":       true,
		"type":     "quote",
		"symbol":   symbol,
		"side":     side,
		"notional": notional,
		"price":    respFloat(resp, "avgPrice", price),
		"qty":      respFloat(resp, "executedQty", qty),
		"_binance_testnet": map[string]any{
			"orderId":     resp["orderId"],
			"status":      resp["status"],
			"executedQty": resp["executedQty"],
			"avgPrice":    resp["avgPrice"],
		},
	}, nil
}

// persistError handles a failed terminal write: EXCEPTION event plus a
// best-effort MARK_FAILED so the command does not stay RUNNING.
func (r *Runner) persistError(ctx context.Context, cid, cmdType string, attempt int, err error) *Summary {
	r.st.AppendEvent(ctx, cid, store.EventException, attempt, map[string]any{
		"type": cmdType, "attempt": attempt, "code": "RUNNER_PERSIST", "message": err.Error(),
	})
	r.markFailed(ctx, cid, "RUNNER_PERSIST_ERROR", map[string]any{"message": "runner could not persist outcome"})
	return r.finish(ctx, cid, cmdType, store.StatusFailed)
}

// finish records the terminal outcome counter and builds the summary.
func (r *Runner) finish(ctx context.Context, cid, cmdType, status string) *Summary {
	r.metrics.CommandCompleted(ctx, cmdType, status)
	return &Summary{ID: cid, Type: cmdType, FinalStatus: status}
}

func (r *Runner) markFailed(ctx context.Context, cid, reason string, detail map[string]any) {
	if _, err := r.st.MarkFailed(ctx, cid, reason, detail); err != nil {
		r.logger.Warn("mark_failed error", "id", cid, "reason", reason, "error", err)
	}
}

func decisionMap(d *policy.Decision) map[string]any {
	return map[string]any{
		"allowed": d.Allowed,
		"code":    d.Code,
		"message": d.Message,
		"detail":  d.Detail,
	}
}

// resultSummary keeps the event payload small: a handful of well-known keys,
// or a truncated string for non-map results.
func resultSummary(v any) map[string]any {
	if v == nil {
		return map[string]any{}
	}
	m, ok := v.(map[string]any)
	if !ok {
		s := fmt.Sprint(v)
		if len(s) > 200 {
			s = s[:200]
		}
		return map[string]any{"result_summary": s}
	}
	out := map[string]any{}
	for _, key := range []string{"ok", "type", "attempt", "ts", "code", "message"} {
		if val, exists := m[key]; exists {
			out[key] = val
		}
		if len(out) >= 5 {
			break
		}
	}
	return out
}

func withTS(result map[string]any, ts int64) map[string]any {
	out := make(map[string]any, len(result)+1)
	for k, v := range result {
		out[k] = v
	}
	out["ts"] = ts
	return out
}

func stringOr(payload map[string]any, key, fallback string) string {
	if v, ok := payload[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func floatOr(payload map[string]any, key string) float64 {
	switch v := payload[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

func respFloat(resp map[string]any, key string, fallback float64) float64 {
	switch v := resp[key].(type) {
	case float64:
		return v
	case string:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}
