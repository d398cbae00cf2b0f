package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const commandColumns = "id, type, status, attempt, payload, result, error, locked_by, locked_at, created_at, updated_at"

// PostgresStore implements Store on a pgx connection pool.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgres connects to dsn and verifies the connection.
func NewPostgres(ctx context.Context, dsn string, logger *slog.Logger) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{pool: pool, logger: logger.With("component", "store")}, nil
}

// Pool exposes the underlying pool for Migrate/StrictCheck.
func (s *PostgresStore) Pool() *pgxpool.Pool { return s.pool }

// IsUniqueViolation reports whether err is a Postgres duplicate-key error.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (s *PostgresStore) CreateCommand(ctx context.Context, id, cmdType string, payload map[string]any) (*Command, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO commands_domain (id, type, status, payload, attempt, created_at, updated_at)
		VALUES ($1, $2, 'PENDING', $3, 0, NOW(), NOW())
		RETURNING `+commandColumns,
		id, cmdType, payload)
	return scanCommand(row)
}

func (s *PostgresStore) GetCommand(ctx context.Context, id string) (*Command, error) {
	row := s.pool.QueryRow(ctx,
		"SELECT "+commandColumns+" FROM commands_domain WHERE id = $1", id)
	cmd, err := scanCommand(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return cmd, err
}

func (s *PostgresStore) ListCommands(ctx context.Context, limit int) ([]*Command, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT "+commandColumns+" FROM commands_domain ORDER BY created_at DESC LIMIT $1", limit)
	if err != nil {
		return nil, fmt.Errorf("list commands: %w", err)
	}
	defer rows.Close()

	var out []*Command
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cmd)
	}
	return out, rows.Err()
}

// ClaimOne claims the strictly oldest PENDING row under FOR UPDATE SKIP
// LOCKED, so N concurrent callers each get a distinct row or nothing.
func (s *PostgresStore) ClaimOne(ctx context.Context, workerID string) (*Command, error) {
	row := s.pool.QueryRow(ctx, `
		WITH cte AS (
		    SELECT id
		    FROM commands_domain
		    WHERE status = 'PENDING'
		    ORDER BY created_at ASC
		    FOR UPDATE SKIP LOCKED
		    LIMIT 1
		)
		UPDATE commands_domain
		SET status = 'RUNNING',
		    attempt = attempt + 1,
		    locked_by = $1,
		    locked_at = NOW(),
		    updated_at = NOW()
		WHERE id IN (SELECT id FROM cte)
		RETURNING `+commandColumns,
		workerID)
	cmd, err := scanCommand(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return cmd, err
}

func (s *PostgresStore) MarkDone(ctx context.Context, id string, result map[string]any) (int64, error) {
	if result == nil {
		result = map[string]any{}
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE commands_domain
		SET status = 'DONE', result = $2, error = NULL, updated_at = NOW()
		WHERE id = $1 AND status IN ('PENDING','RUNNING')`,
		id, result)
	if err != nil {
		return 0, fmt.Errorf("mark done %s: %w", id, err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) MarkFailed(ctx context.Context, id, reason string, detail map[string]any) (int64, error) {
	if detail == nil {
		detail = map[string]any{}
	}
	result := map[string]any{"ok": false, "reason": reason, "detail": detail}
	tag, err := s.pool.Exec(ctx, `
		UPDATE commands_domain
		SET status = 'FAILED', result = $2, error = $3, updated_at = NOW()
		WHERE id = $1 AND status IN ('PENDING','RUNNING')`,
		id, result, reason)
	if err != nil {
		return 0, fmt.Errorf("mark failed %s: %w", id, err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) Retry(ctx context.Context, id string) (*Command, error) {
	var status string
	err := s.pool.QueryRow(ctx,
		"SELECT status FROM commands_domain WHERE id = $1", id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("retry %s: %w", id, err)
	}
	if status != StatusFailed {
		return nil, fmt.Errorf("%w: current status is %s", ErrNotRetryable, status)
	}

	row := s.pool.QueryRow(ctx, `
		UPDATE commands_domain
		SET status = 'PENDING',
		    error = NULL,
		    result = NULL,
		    locked_by = NULL,
		    locked_at = NULL,
		    updated_at = NOW()
		WHERE id = $1 AND status = 'FAILED'
		RETURNING `+commandColumns,
		id)
	cmd, err := scanCommand(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRetryConflict
	}
	return cmd, err
}

func (s *PostgresStore) OldestPendingID(ctx context.Context) (string, error) {
	var id string
	err := s.pool.QueryRow(ctx, `
		SELECT id FROM commands_domain
		WHERE status = 'PENDING'
		ORDER BY created_at ASC
		LIMIT 1`).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	return id, err
}

func (s *PostgresStore) ResetStuckRunning(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE commands_domain
		SET status = 'PENDING', locked_by = NULL, locked_at = NULL, updated_at = NOW()
		WHERE status = 'RUNNING'`)
	if err != nil {
		return 0, fmt.Errorf("reset stuck running: %w", err)
	}
	return tag.RowsAffected(), nil
}

// AppendEvent trims the payload and inserts one event row. Failures are
// logged, never surfaced: the trail must not take down the engine.
func (s *PostgresStore) AppendEvent(ctx context.Context, commandID, eventType string, attempt int, payload map[string]any) {
	trimmed := TrimPayload(payload)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO domain_events (command_id, event_type, attempt, payload)
		VALUES ($1, $2, $3, $4)`,
		commandID, eventType, attempt, trimmed)
	if err != nil {
		s.logger.Error("append event failed",
			"command_id", commandID, "event_type", eventType, "err", err)
	}
}

func (s *PostgresStore) ListEvents(ctx context.Context, commandID string, limit int) ([]*Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, command_id, event_type, attempt, payload, created_at
		FROM domain_events
		WHERE command_id = $1
		ORDER BY created_at ASC
		LIMIT $2`,
		commandID, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *PostgresStore) HasTerminalEvent(ctx context.Context, commandID string, attempt int) (bool, error) {
	var one int
	err := s.pool.QueryRow(ctx, `
		SELECT 1 FROM domain_events
		WHERE command_id = $1 AND attempt = $2
		  AND event_type IN ('MARK_DONE','MARK_FAILED')
		LIMIT 1`,
		commandID, attempt).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *PostgresStore) CountPickedSince(ctx context.Context, cmdType string, since time.Time) (int, error) {
	var cnt int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM domain_events
		WHERE event_type = 'PICKED'
		  AND payload->>'type' = $1
		  AND created_at > $2`,
		cmdType, since).Scan(&cnt)
	return cnt, err
}

func (s *PostgresStore) LastFailureAt(ctx context.Context, cmdType string, since time.Time) (*time.Time, error) {
	var last *time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT MAX(created_at) FROM domain_events
		WHERE event_type IN ('ACTION_FAIL','MARK_FAILED')
		  AND payload->>'type' = $1
		  AND created_at > $2`,
		cmdType, since).Scan(&last)
	return last, err
}

func (s *PostgresStore) CountFailedToday(ctx context.Context) (int, error) {
	var cnt int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM domain_events
		WHERE created_at::date = CURRENT_DATE
		  AND event_type = 'MARK_FAILED'`).Scan(&cnt)
	return cnt, err
}

// summaryEventTypes maps the summary count keys to the event types counted.
var summaryEventTypes = map[string]string{
	"FAILED":         EventMarkFailed,
	"POLICY_BLOCK":   EventPolicyBlock,
	"EXCEPTION":      EventException,
	"KILL_SWITCH_ON": EventKillSwitchOn,
}

func (s *PostgresStore) Summary(ctx context.Context, window time.Duration, limit int) (*Summary, error) {
	since := time.Now().Add(-window)
	counts := make(map[string]int, len(summaryEventTypes))
	for key, eventType := range summaryEventTypes {
		var cnt int
		err := s.pool.QueryRow(ctx, `
			SELECT COUNT(*) FROM domain_events
			WHERE event_type = $1 AND created_at > $2`,
			eventType, since).Scan(&cnt)
		if err != nil {
			return nil, fmt.Errorf("summary count %s: %w", key, err)
		}
		counts[key] = cnt
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, command_id, event_type, attempt, payload, created_at
		FROM domain_events
		WHERE created_at > $1
		ORDER BY created_at DESC
		LIMIT $2`,
		since, limit)
	if err != nil {
		return nil, fmt.Errorf("summary recent: %w", err)
	}
	defer rows.Close()
	recent, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	return &Summary{
		WindowMinutes: int(window.Minutes()),
		Counts:        counts,
		Recent:        recent,
	}, nil
}

// ClaimIdempotencyKey inserts (key, proposedID) on-conflict-do-nothing, then
// re-reads the row. If the stored id differs, the caller lost the race and
// must read the existing command.
func (s *PostgresStore) ClaimIdempotencyKey(ctx context.Context, key, proposedID string) (string, error) {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO idempotency_keys (key, first_command_id)
		VALUES ($1, $2)
		ON CONFLICT (key) DO NOTHING`,
		key, proposedID)
	if err != nil {
		return "", fmt.Errorf("claim idempotency key: %w", err)
	}
	var effective string
	err = s.pool.QueryRow(ctx, `
		UPDATE idempotency_keys SET last_seen_at = NOW()
		WHERE key = $1
		RETURNING first_command_id`,
		key).Scan(&effective)
	if err != nil {
		return "", fmt.Errorf("read idempotency key: %w", err)
	}
	return effective, nil
}

// UpsertOpsState writes the current value and appends to history atomically.
func (s *PostgresStore) UpsertOpsState(ctx context.Context, key string, value map[string]any) error {
	if value == nil {
		value = map[string]any{}
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO ops_state (key, value, updated_at)
			VALUES ($1, $2, NOW())
			ON CONFLICT (key) DO UPDATE SET value = $2, updated_at = NOW()`,
			key, value); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO ops_state_history (key, value) VALUES ($1, $2)`,
			key, value)
		return err
	})
}

func (s *PostgresStore) GetOpsState(ctx context.Context) (map[string]OpsEntry, error) {
	rows, err := s.pool.Query(ctx, "SELECT key, value, updated_at FROM ops_state")
	if err != nil {
		return nil, fmt.Errorf("get ops state: %w", err)
	}
	defer rows.Close()

	out := map[string]OpsEntry{}
	for rows.Next() {
		var key string
		var entry OpsEntry
		if err := rows.Scan(&key, &entry.Value, &entry.UpdatedAt); err != nil {
			return nil, err
		}
		out[key] = entry
	}
	return out, rows.Err()
}

func (s *PostgresStore) OpsStateHistory(ctx context.Context, limit int, from, to *time.Time) ([]*OpsHistoryEntry, error) {
	q := `SELECT id, key, value, created_at FROM ops_state_history`
	args := []any{}
	where := ""
	if from != nil {
		args = append(args, *from)
		where = fmt.Sprintf(" WHERE created_at >= $%d", len(args))
	}
	if to != nil {
		args = append(args, *to)
		if where == "" {
			where = fmt.Sprintf(" WHERE created_at <= $%d", len(args))
		} else {
			where += fmt.Sprintf(" AND created_at <= $%d", len(args))
		}
	}
	args = append(args, limit)
	q += where + fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("ops state history: %w", err)
	}
	defer rows.Close()

	var out []*OpsHistoryEntry
	for rows.Next() {
		e := &OpsHistoryEntry{}
		if err := rows.Scan(&e.ID, &e.Key, &e.Value, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AppendOpsAudit(ctx context.Context, actor, action string, detail map[string]any) error {
	if detail == nil {
		detail = map[string]any{}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO ops_audit (id, ts, actor, action, detail)
		VALUES (gen_random_uuid(), NOW(), $1, $2, $3)`,
		actor, action, detail)
	if err != nil {
		return fmt.Errorf("append ops audit: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListOpsAudit(ctx context.Context, limit int) ([]*AuditEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id::text, ts, actor, action, detail
		FROM ops_audit
		ORDER BY ts DESC
		LIMIT $1`,
		limit)
	if err != nil {
		return nil, fmt.Errorf("list ops audit: %w", err)
	}
	defer rows.Close()

	var out []*AuditEntry
	for rows.Next() {
		e := &AuditEntry{}
		if err := rows.Scan(&e.ID, &e.CreatedAt, &e.Actor, &e.Action, &e.Detail); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CurrentNetExposure sums notionals of tradeable commands in DONE or PENDING.
// RUNNING is excluded: the command being validated is itself RUNNING.
func (s *PostgresStore) CurrentNetExposure(ctx context.Context) (float64, error) {
	var exposure float64
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(
		    COALESCE(
		        (payload->>'notional')::float,
		        (payload->>'notional_usd')::float,
		        0
		    )
		), 0)
		FROM commands_domain
		WHERE type = 'QUOTE' AND status IN ('DONE','PENDING')`).Scan(&exposure)
	return exposure, err
}

// ReserveExposure locks the single risk_state row, checks the limit and
// increments within one transaction. Returns the new total on success and
// ErrExposureExceeded (without mutation) when over the cap.
func (s *PostgresStore) ReserveExposure(ctx context.Context, notional, maxTotal float64) (float64, error) {
	notionalDec := decimal.NewFromFloat(notional)
	maxDec := decimal.NewFromFloat(maxTotal)

	var total decimal.Decimal
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var current decimal.Decimal
		err := tx.QueryRow(ctx,
			"SELECT current_exposure_usd FROM risk_state WHERE id = 1 FOR UPDATE").Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("risk_state row missing")
		}
		if err != nil {
			return err
		}
		total = current.Add(notionalDec)
		if total.GreaterThan(maxDec) {
			return ErrExposureExceeded
		}
		_, err = tx.Exec(ctx, `
			UPDATE risk_state
			SET current_exposure_usd = current_exposure_usd + $1, updated_at = NOW()
			WHERE id = 1`,
			notional)
		return err
	})
	if err != nil {
		return 0, err
	}
	f, _ := total.Float64()
	return f, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PostgresStore) Close() { s.pool.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCommand(row rowScanner) (*Command, error) {
	cmd := &Command{}
	err := row.Scan(
		&cmd.ID, &cmd.Type, &cmd.Status, &cmd.Attempt,
		&cmd.Payload, &cmd.Result, &cmd.Error,
		&cmd.LockedBy, &cmd.LockedAt,
		&cmd.CreatedAt, &cmd.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return cmd, nil
}

func scanEvents(rows pgx.Rows) ([]*Event, error) {
	var out []*Event
	for rows.Next() {
		e := &Event{}
		if err := rows.Scan(&e.ID, &e.CommandID, &e.EventType, &e.Attempt, &e.Payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
