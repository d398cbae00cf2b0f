// Package risk implements the execution guardrails that sit between claim and
// pipeline: the daily lockout and the hard position limits. Both are
// best-effort readers; infrastructure failures degrade to allow so a flaky
// dependency cannot strand the queue.
package risk

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/baolood/project-anchor/internal/config"
	"github.com/baolood/project-anchor/internal/ops"
	"github.com/baolood/project-anchor/internal/store"
)

// BlockReasonLockout is written as the command error when the lockout fires.
const BlockReasonLockout = "RISK_LOCKOUT_ACTIVE"

// RedisLockoutClearedKey is the operator override that suspends the lockout.
const RedisLockoutClearedKey = "anchor:risk_lockout_cleared"

// allowlist holds the command types that bypass the lockout entirely.
var allowlist = map[string]bool{"NOOP": true}

// Allowed reports whether a command type bypasses the lockout.
func Allowed(cmdType string) bool {
	return allowlist[strings.ToUpper(strings.TrimSpace(cmdType))]
}

// LossFunc supplies today's realized loss percent. The core never populates
// the PnL ledger itself, so deployments inject their own source; the default
// reports zero.
type LossFunc func(ctx context.Context) float64

func zeroLoss(ctx context.Context) float64 { return 0 }

// Lockout decides whether non-allowlisted commands are blocked for the day.
// Active when either the daily loss or the consecutive-failure count crosses
// its threshold, unless an operator set the Redis clear override.
type Lockout struct {
	cfg    *config.Config
	rdb    ops.RedisClient
	loss   LossFunc
	logger *slog.Logger
	now    func() time.Time
}

func NewLockout(cfg *config.Config, rdb ops.RedisClient, loss LossFunc, logger *slog.Logger) *Lockout {
	if loss == nil {
		loss = zeroLoss
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Lockout{
		cfg:    cfg,
		rdb:    rdb,
		loss:   loss,
		logger: logger.With("component", "risk_lockout"),
		now:    time.Now,
	}
}

// Active returns (active, lockout_until RFC3339, reason). Never errors; any
// failure reads as inactive.
func (l *Lockout) Active(ctx context.Context, st store.Store) (bool, string, string) {
	if l.cfg.LockoutDisable {
		return false, "", ""
	}
	if l.cleared(ctx) {
		return false, "", ""
	}

	consecutive, err := st.CountFailedToday(ctx)
	if err != nil {
		l.logger.Warn("failure count unavailable, lockout inactive", "error", err)
		return false, "", ""
	}
	todayLossPct := l.loss(ctx)

	var reasons []string
	if todayLossPct >= l.cfg.LockoutLossPct {
		reasons = append(reasons, "daily_loss_pct")
	}
	if consecutive >= l.cfg.LockoutConsecLosses {
		reasons = append(reasons, "consecutive_losses")
	}
	if len(reasons) == 0 {
		return false, "", ""
	}

	until := l.now().UTC().Add(time.Duration(l.cfg.LockoutMinutes) * time.Minute)
	return true, until.Format(time.RFC3339), strings.Join(reasons, "; ")
}

// Clear sets the Redis override for the configured TTL. Returns false when
// Redis is unavailable.
func (l *Lockout) Clear(ctx context.Context) bool {
	if l.rdb == nil {
		return false
	}
	if err := l.rdb.Set(ctx, RedisLockoutClearedKey, "1", l.cfg.LockoutClearTTL).Err(); err != nil {
		l.logger.Warn("lockout clear failed", "error", err)
		return false
	}
	return true
}

func (l *Lockout) cleared(ctx context.Context) bool {
	if l.rdb == nil {
		return false
	}
	val, err := l.rdb.Get(ctx, RedisLockoutClearedKey).Result()
	if err != nil && err != redis.Nil {
		l.logger.Warn("lockout override read failed", "error", err)
		return false
	}
	return val == "1"
}
