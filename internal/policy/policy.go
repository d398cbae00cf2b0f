// Package policy implements the pre-execution guardrail chain. Policies run
// in registration order before a command's pipeline; the first block wins, and
// a policy that errors is treated as allow so a broken check never strands the
// queue.
package policy

import (
	"context"
	"log/slog"
	"time"

	"github.com/baolood/project-anchor/internal/config"
	"github.com/baolood/project-anchor/internal/store"
)

// Decision is the outcome of one policy check.
type Decision struct {
	Allowed bool
	Code    string
	Message string
	Detail  map[string]any
}

func allow() *Decision {
	return &Decision{Allowed: true, Code: "OK", Message: "ok"}
}

// Policy is a pluggable guardrail. Check should return an error only for
// infrastructure failures; a business block is a Decision with Allowed=false.
type Policy interface {
	Name() string
	Check(ctx context.Context, st store.Store, cmd *store.Command) (*Decision, error)
}

// Chain runs policies in order against a claimed command.
type Chain struct {
	policies []Policy
	logger   *slog.Logger
	now      func() time.Time
}

// NewChain builds the standard chain: idempotency, rate limit, cooldown after
// fail, quote notional cap.
func NewChain(cfg *config.Config, logger *slog.Logger) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{
		policies: []Policy{
			&IdempotencyPolicy{},
			&RateLimitPolicy{Cfg: cfg},
			&CooldownAfterFailPolicy{Cooldown: cfg.FailCooldown},
			&QuoteNotionalPolicy{MaxNotional: cfg.QuoteMaxNotional},
		},
		logger: logger.With("component", "policy"),
		now:    time.Now,
	}
}

// NewChainWith builds a chain from explicit policies, for tests and custom
// deployments.
func NewChainWith(logger *slog.Logger, policies ...Policy) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{policies: policies, logger: logger.With("component", "policy"), now: time.Now}
}

// Run evaluates the chain. Returns (true, nil) when every policy allows, and
// (false, decision) on the first block. A policy error aborts the remaining
// checks and allows.
func (c *Chain) Run(ctx context.Context, st store.Store, cmd *store.Command) (bool, *Decision) {
	if c == nil || st == nil {
		return true, nil
	}
	for _, p := range c.policies {
		decision, err := p.Check(ctx, st, cmd)
		if err != nil {
			c.logger.Warn("policy check error, allowing", "policy", p.Name(), "error", err)
			return true, nil
		}
		if decision != nil && !decision.Allowed {
			return false, decision
		}
	}
	return true, nil
}

// Names lists the chain's policy names, in order. Emitted on POLICY_ALLOW.
func (c *Chain) Names() []string {
	out := make([]string, 0, len(c.policies))
	for _, p := range c.policies {
		out = append(out, p.Name())
	}
	return out
}
