// Package store provides typed access to the command queue tables.
//
// The concrete implementation lives in postgres.go (pgx). A memory
// implementation backs tests. Consumers depend on the Store interface rather
// than on the concrete type so that alternative implementations can be
// substituted.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrNotRetryable is returned when Retry is called on a command whose status
// is not FAILED.
var ErrNotRetryable = errors.New("command is not in FAILED status")

// ErrRetryConflict is returned when the conditional FAILED -> PENDING update
// matched no rows (a concurrent retry or claim won).
var ErrRetryConflict = errors.New("command not retryable or already retried")

// ErrExposureExceeded is returned by ReserveExposure when the reservation
// would push the ledger past the configured maximum.
var ErrExposureExceeded = errors.New("NET_EXPOSURE_EXCEEDED")

// Command statuses. Terminal statuses (DONE, FAILED) are monotonic except via
// an explicit retry.
const (
	StatusPending = "PENDING"
	StatusRunning = "RUNNING"
	StatusDone    = "DONE"
	StatusFailed  = "FAILED"
)

// Event types appended to the domain_events trail.
const (
	EventPicked           = "PICKED"
	EventPolicyAllow      = "POLICY_ALLOW"
	EventPolicyBlock      = "POLICY_BLOCK"
	EventRiskLockoutBlock = "RISK_LOCKOUT_BLOCK"
	EventRiskHardLimits   = "RISK_HARD_LIMITS_BLOCK"
	EventActionOK         = "ACTION_OK"
	EventActionFail       = "ACTION_FAIL"
	EventMarkDone         = "MARK_DONE"
	EventMarkFailed       = "MARK_FAILED"
	EventException        = "EXCEPTION"
	EventRetry            = "RETRY"
	EventKillSwitchOn     = "KILL_SWITCH_ON"
	EventKillSwitchSet    = "KILL_SWITCH_SET"
	EventWorkerHeartbeat  = "WORKER_HEARTBEAT"
	EventWorkerPanic      = "WORKER_PANIC"
	EventPanicGuardFired  = "PANIC_GUARD_TRIGGERED"
	EventPanicGuardReset  = "PANIC_GUARD_RESET"
)

// Synthetic command ids used for events that have no backing command row.
const (
	SyntheticOpsWorker     = "ops-worker"
	SyntheticOpsKillSwitch = "ops-kill-switch"
	SyntheticHeartbeat     = "anchor:worker_heartbeat"
)

// Command is one row of commands_domain.
type Command struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Status    string         `json:"status"`
	Attempt   int            `json:"attempt"`
	Payload   map[string]any `json:"payload,omitempty"`
	Result    map[string]any `json:"result"`
	Error     *string        `json:"error"`
	LockedBy  *string        `json:"locked_by"`
	LockedAt  *time.Time     `json:"locked_at"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Event is one row of domain_events. Events are append-only: never mutated or
// deleted by the engine.
type Event struct {
	ID        int64          `json:"id"`
	CommandID string         `json:"command_id"`
	EventType string         `json:"event_type"`
	Attempt   int            `json:"attempt"`
	Payload   map[string]any `json:"payload"`
	CreatedAt time.Time      `json:"created_at"`
}

// OpsEntry is the current value of one ops_state key.
type OpsEntry struct {
	Value     map[string]any `json:"value"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// OpsHistoryEntry is one row of ops_state_history.
type OpsHistoryEntry struct {
	ID        int64          `json:"id"`
	Key       string         `json:"key"`
	Value     map[string]any `json:"value"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditEntry is one row of ops_audit.
type AuditEntry struct {
	ID        string         `json:"id"`
	Actor     string         `json:"actor"`
	Action    string         `json:"action"`
	Detail    map[string]any `json:"payload"`
	CreatedAt time.Time      `json:"created_at"`
}

// Summary aggregates recent failure/block activity for /ops/summary.
type Summary struct {
	WindowMinutes int            `json:"window_minutes"`
	Counts        map[string]int `json:"counts"`
	Recent        []*Event       `json:"recent"`
}

// Store is the persistence surface the engine runs against.
//
// All mutating operations are atomic per call. AppendEvent deliberately
// returns no error: the event trail must never take down the caller, so
// failures are logged and swallowed (matching the audit-trail contract).
type Store interface {
	// Commands
	CreateCommand(ctx context.Context, id, cmdType string, payload map[string]any) (*Command, error)
	GetCommand(ctx context.Context, id string) (*Command, error)
	ListCommands(ctx context.Context, limit int) ([]*Command, error)

	// ClaimOne atomically claims the oldest PENDING command: sets RUNNING,
	// increments attempt, stamps the lock. Returns (nil, nil) when the queue
	// is empty. Safe under concurrent callers: disjoint rows or nothing.
	ClaimOne(ctx context.Context, workerID string) (*Command, error)

	// MarkDone / MarkFailed transition conditionally on status in
	// {PENDING, RUNNING} and report rows affected. Zero rows is a benign
	// lost race, not an error.
	MarkDone(ctx context.Context, id string, result map[string]any) (int64, error)
	MarkFailed(ctx context.Context, id, reason string, detail map[string]any) (int64, error)

	// Retry moves FAILED -> PENDING, clearing error/result/lock but
	// preserving attempt.
	Retry(ctx context.Context, id string) (*Command, error)

	// OldestPendingID returns the id of the oldest PENDING command, or
	// ErrNotFound when the queue is empty.
	OldestPendingID(ctx context.Context) (string, error)

	// ResetStuckRunning flips RUNNING rows back to PENDING, clearing locks.
	// Operational recovery only; the engine never calls it on its own.
	ResetStuckRunning(ctx context.Context) (int64, error)

	// Events
	AppendEvent(ctx context.Context, commandID, eventType string, attempt int, payload map[string]any)
	ListEvents(ctx context.Context, commandID string, limit int) ([]*Event, error)
	HasTerminalEvent(ctx context.Context, commandID string, attempt int) (bool, error)
	CountPickedSince(ctx context.Context, cmdType string, since time.Time) (int, error)
	LastFailureAt(ctx context.Context, cmdType string, since time.Time) (*time.Time, error)
	CountFailedToday(ctx context.Context) (int, error)
	Summary(ctx context.Context, window time.Duration, limit int) (*Summary, error)

	// Idempotency keys. Insert-on-conflict-do-nothing plus re-read: the
	// returned id is the effective winner for the key.
	ClaimIdempotencyKey(ctx context.Context, key, proposedID string) (string, error)

	// Ops state
	UpsertOpsState(ctx context.Context, key string, value map[string]any) error
	GetOpsState(ctx context.Context) (map[string]OpsEntry, error)
	OpsStateHistory(ctx context.Context, limit int, from, to *time.Time) ([]*OpsHistoryEntry, error)
	AppendOpsAudit(ctx context.Context, actor, action string, detail map[string]any) error
	ListOpsAudit(ctx context.Context, limit int) ([]*AuditEntry, error)

	// Risk ledger
	CurrentNetExposure(ctx context.Context) (float64, error)
	ReserveExposure(ctx context.Context, notional, maxTotal float64) (float64, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Close()
}
