package policy

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/baolood/project-anchor/internal/config"
	"github.com/baolood/project-anchor/internal/store"
)

// IdempotencyPolicy blocks a command whose (id, attempt) already carries a
// terminal MARK_DONE/MARK_FAILED event, so a re-delivered claim can never
// double-write the terminal state.
type IdempotencyPolicy struct{}

func (p *IdempotencyPolicy) Name() string { return "idempotency" }

func (p *IdempotencyPolicy) Check(ctx context.Context, st store.Store, cmd *store.Command) (*Decision, error) {
	if cmd == nil || strings.TrimSpace(cmd.ID) == "" {
		return allow(), nil
	}
	done, err := st.HasTerminalEvent(ctx, cmd.ID, cmd.Attempt)
	if err != nil {
		return nil, err
	}
	if done {
		return &Decision{
			Allowed: false,
			Code:    "IDEMPOTENT_BLOCK",
			Message: "terminal state already written for this attempt",
			Detail:  map[string]any{"command_id": cmd.ID, "attempt": cmd.Attempt},
		}, nil
	}
	return allow(), nil
}

// RateLimitPolicy caps PICKED events per type per minute. The budget comes
// from POLICY_RATE_LIMIT_PER_MINUTE_<TYPE> with a global default; a budget of
// zero or less disables the check.
type RateLimitPolicy struct {
	Cfg *config.Config
}

func (p *RateLimitPolicy) Name() string { return "rate_limit" }

func (p *RateLimitPolicy) Check(ctx context.Context, st store.Store, cmd *store.Command) (*Decision, error) {
	cmdType := normalizedType(cmd)
	if cmdType == "" {
		return allow(), nil
	}
	limit := p.Cfg.RateLimitPerMinute(cmdType)
	if limit <= 0 {
		return allow(), nil
	}
	count, err := st.CountPickedSince(ctx, cmdType, time.Now().Add(-time.Minute))
	if err != nil {
		return nil, err
	}
	if float64(count) >= limit {
		return &Decision{
			Allowed: false,
			Code:    "RATE_LIMIT",
			Message: fmt.Sprintf("type %s over limit (%d >= %s/min)", cmdType, count, strconv.FormatFloat(limit, 'f', -1, 64)),
			Detail:  map[string]any{"type": cmdType, "count": count, "limit": limit},
		}, nil
	}
	return allow(), nil
}

// CooldownAfterFailPolicy holds back a type for a fixed interval after its
// most recent failure. Disabled when the cooldown is zero.
type CooldownAfterFailPolicy struct {
	Cooldown time.Duration
}

func (p *CooldownAfterFailPolicy) Name() string { return "cooldown_after_fail" }

func (p *CooldownAfterFailPolicy) Check(ctx context.Context, st store.Store, cmd *store.Command) (*Decision, error) {
	if p.Cooldown <= 0 {
		return allow(), nil
	}
	cmdType := normalizedType(cmd)
	if cmdType == "" {
		return allow(), nil
	}
	lastFail, err := st.LastFailureAt(ctx, cmdType, time.Now().Add(-time.Hour))
	if err != nil {
		return nil, err
	}
	if lastFail == nil {
		return allow(), nil
	}
	if time.Since(*lastFail) < p.Cooldown {
		return &Decision{
			Allowed: false,
			Code:    "COOLDOWN_AFTER_FAIL",
			Message: fmt.Sprintf("type %s in cooldown (%ds)", cmdType, int(p.Cooldown/time.Second)),
			Detail:  map[string]any{"type": cmdType, "cooldown_seconds": int(p.Cooldown / time.Second)},
		}, nil
	}
	return allow(), nil
}

// QuoteNotionalPolicy caps the notional of QUOTE commands. A max of zero
// means no limit.
type QuoteNotionalPolicy struct {
	MaxNotional float64
}

func (p *QuoteNotionalPolicy) Name() string { return "quote_notional" }

func (p *QuoteNotionalPolicy) Check(ctx context.Context, st store.Store, cmd *store.Command) (*Decision, error) {
	if normalizedType(cmd) != "QUOTE" || p.MaxNotional <= 0 {
		return allow(), nil
	}
	notional := payloadFloat(cmd.Payload, "notional")
	if notional > p.MaxNotional {
		return &Decision{
			Allowed: false,
			Code:    "QUOTE_NOTIONAL_TOO_LARGE",
			Message: fmt.Sprintf("notional %v exceeds max %v", notional, p.MaxNotional),
			Detail: map[string]any{
				"type":     "QUOTE",
				"policy":   p.Name(),
				"notional": notional,
				"max":      p.MaxNotional,
			},
		}, nil
	}
	return allow(), nil
}

func normalizedType(cmd *store.Command) string {
	if cmd == nil {
		return ""
	}
	return strings.ToUpper(strings.TrimSpace(cmd.Type))
}

func payloadFloat(payload map[string]any, key string) float64 {
	if payload == nil {
		return 0
	}
	switch v := payload[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case string:
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			return n
		}
	}
	return 0
}
