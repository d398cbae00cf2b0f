// Package ops holds the operational control plane: the cluster-wide
// kill-switch and the throttled Telegram notifier. Everything here is
// best-effort and never propagates errors into the worker path.
package ops

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/baolood/project-anchor/internal/store"
)

// RedisKillSwitchKey is the shared flag read by every worker.
const RedisKillSwitchKey = "anchor:kill_switch"

// EnvKillSwitchKey forces the switch ON for this process regardless of Redis.
const EnvKillSwitchKey = "ANCHOR_KILL_SWITCH"

// RedisClient is the slice of go-redis used by the control plane. *redis.Client
// satisfies it; tests substitute fakes.
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// KillSwitch reads and writes the cluster pause flag. Precedence on read is
// env > redis > none; any Redis failure degrades to OFF rather than erroring.
type KillSwitch struct {
	rdb    RedisClient
	logger *slog.Logger
}

func NewKillSwitch(rdb RedisClient, logger *slog.Logger) *KillSwitch {
	if logger == nil {
		logger = slog.Default()
	}
	return &KillSwitch{rdb: rdb, logger: logger.With("component", "kill_switch")}
}

// State returns (enabled, source) with source in {env, redis, none}.
func (k *KillSwitch) State(ctx context.Context) (bool, string) {
	if strings.TrimSpace(os.Getenv(EnvKillSwitchKey)) == "1" {
		return true, "env"
	}
	if k != nil && k.rdb != nil {
		val, err := k.rdb.Get(ctx, RedisKillSwitchKey).Result()
		if err != nil && err != redis.Nil {
			k.logger.Warn("redis get failed", "error", err)
		} else if val == "1" {
			return true, "redis"
		}
	}
	return false, "none"
}

// SetRedis writes the flag. Returns false when Redis is unavailable.
func (k *KillSwitch) SetRedis(ctx context.Context, enabled bool) bool {
	if k == nil || k.rdb == nil {
		return false
	}
	val := "0"
	if enabled {
		val = "1"
	}
	if err := k.rdb.Set(ctx, RedisKillSwitchKey, val, 0).Err(); err != nil {
		k.logger.Warn("redis set failed", "error", err)
		return false
	}
	return true
}

// Apply flips the switch and records the change: Redis write, KILL_SWITCH_SET
// event under the synthetic ops id, ops_state upsert, audit entry. Best
// effort throughout.
func (k *KillSwitch) Apply(ctx context.Context, st store.Store, enabled bool, actor, reason string) bool {
	ok := k.SetRedis(ctx, enabled)
	if st == nil {
		return ok
	}
	detail := map[string]any{"enabled": enabled, "source": "redis", "actor": actor}
	if reason != "" {
		detail["reason"] = reason
	}
	st.AppendEvent(ctx, store.SyntheticOpsKillSwitch, store.EventKillSwitchSet, 0, detail)
	if err := st.UpsertOpsState(ctx, "kill_switch", detail); err != nil {
		k.logger.Warn("ops_state upsert failed", "error", err)
	}
	if err := st.AppendOpsAudit(ctx, actor, "kill_switch_set", detail); err != nil {
		k.logger.Warn("ops_audit append failed", "error", err)
	}
	return ok
}
