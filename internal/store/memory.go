package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store used by tests and by the runner/worker
// packages' unit coverage. Behavior mirrors PostgresStore, including the
// conditional transitions and the claim ordering.
type MemoryStore struct {
	mu sync.Mutex

	commands map[string]*Command
	events   []*Event
	nextEvID int64

	idempotency map[string]string

	opsState   map[string]OpsEntry
	opsHistory []*OpsHistoryEntry
	opsAudit   []*AuditEntry

	exposure float64

	// FailAppendEvent simulates event-log write failures.
	FailAppendEvent bool

	now func() time.Time
}

var (
	_ Store = (*PostgresStore)(nil)
	_ Store = (*MemoryStore)(nil)
)

// NewMemory returns an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		commands:    map[string]*Command{},
		idempotency: map[string]string{},
		opsState:    map[string]OpsEntry{},
		now:         time.Now,
	}
}

// SetClock overrides the store clock (tests only).
func (m *MemoryStore) SetClock(now func() time.Time) { m.now = now }

func (m *MemoryStore) CreateCommand(ctx context.Context, id, cmdType string, payload map[string]any) (*Command, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.commands[id]; exists {
		return nil, fmt.Errorf("duplicate command id %s", id)
	}
	if payload == nil {
		payload = map[string]any{}
	}
	now := m.now()
	cmd := &Command{
		ID:        id,
		Type:      cmdType,
		Status:    StatusPending,
		Payload:   payload,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.commands[id] = cmd
	return copyCommand(cmd), nil
}

func (m *MemoryStore) GetCommand(ctx context.Context, id string) (*Command, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cmd, ok := m.commands[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyCommand(cmd), nil
}

func (m *MemoryStore) ListCommands(ctx context.Context, limit int) ([]*Command, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := make([]*Command, 0, len(m.commands))
	for _, cmd := range m.commands {
		all = append(all, cmd)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	if len(all) > limit {
		all = all[:limit]
	}
	out := make([]*Command, len(all))
	for i, cmd := range all {
		out[i] = copyCommand(cmd)
	}
	return out, nil
}

func (m *MemoryStore) ClaimOne(ctx context.Context, workerID string) (*Command, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var oldest *Command
	for _, cmd := range m.commands {
		if cmd.Status != StatusPending {
			continue
		}
		if oldest == nil || cmd.CreatedAt.Before(oldest.CreatedAt) {
			oldest = cmd
		}
	}
	if oldest == nil {
		return nil, nil
	}
	now := m.now()
	oldest.Status = StatusRunning
	oldest.Attempt++
	oldest.LockedBy = &workerID
	oldest.LockedAt = &now
	oldest.UpdatedAt = now
	return copyCommand(oldest), nil
}

func (m *MemoryStore) MarkDone(ctx context.Context, id string, result map[string]any) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cmd, ok := m.commands[id]
	if !ok || (cmd.Status != StatusPending && cmd.Status != StatusRunning) {
		return 0, nil
	}
	if result == nil {
		result = map[string]any{}
	}
	cmd.Status = StatusDone
	cmd.Result = result
	cmd.Error = nil
	cmd.UpdatedAt = m.now()
	return 1, nil
}

func (m *MemoryStore) MarkFailed(ctx context.Context, id, reason string, detail map[string]any) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cmd, ok := m.commands[id]
	if !ok || (cmd.Status != StatusPending && cmd.Status != StatusRunning) {
		return 0, nil
	}
	if detail == nil {
		detail = map[string]any{}
	}
	cmd.Status = StatusFailed
	cmd.Result = map[string]any{"ok": false, "reason": reason, "detail": detail}
	cmd.Error = &reason
	cmd.UpdatedAt = m.now()
	return 1, nil
}

func (m *MemoryStore) Retry(ctx context.Context, id string) (*Command, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cmd, ok := m.commands[id]
	if !ok {
		return nil, ErrNotFound
	}
	if cmd.Status != StatusFailed {
		return nil, fmt.Errorf("%w: current status is %s", ErrNotRetryable, cmd.Status)
	}
	cmd.Status = StatusPending
	cmd.Error = nil
	cmd.Result = nil
	cmd.LockedBy = nil
	cmd.LockedAt = nil
	cmd.UpdatedAt = m.now()
	return copyCommand(cmd), nil
}

func (m *MemoryStore) OldestPendingID(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var oldest *Command
	for _, cmd := range m.commands {
		if cmd.Status != StatusPending {
			continue
		}
		if oldest == nil || cmd.CreatedAt.Before(oldest.CreatedAt) {
			oldest = cmd
		}
	}
	if oldest == nil {
		return "", ErrNotFound
	}
	return oldest.ID, nil
}

func (m *MemoryStore) ResetStuckRunning(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, cmd := range m.commands {
		if cmd.Status == StatusRunning {
			cmd.Status = StatusPending
			cmd.LockedBy = nil
			cmd.LockedAt = nil
			cmd.UpdatedAt = m.now()
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) AppendEvent(ctx context.Context, commandID, eventType string, attempt int, payload map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailAppendEvent {
		return
	}
	m.nextEvID++
	m.events = append(m.events, &Event{
		ID:        m.nextEvID,
		CommandID: commandID,
		EventType: eventType,
		Attempt:   attempt,
		Payload:   TrimPayload(payload),
		CreatedAt: m.now(),
	})
}

func (m *MemoryStore) ListEvents(ctx context.Context, commandID string, limit int) ([]*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Event
	for _, e := range m.events {
		if e.CommandID == commandID {
			out = append(out, e)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (m *MemoryStore) HasTerminalEvent(ctx context.Context, commandID string, attempt int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.events {
		if e.CommandID == commandID && e.Attempt == attempt &&
			(e.EventType == EventMarkDone || e.EventType == EventMarkFailed) {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) CountPickedSince(ctx context.Context, cmdType string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cnt := 0
	for _, e := range m.events {
		if e.EventType == EventPicked && e.CreatedAt.After(since) && eventPayloadType(e) == cmdType {
			cnt++
		}
	}
	return cnt, nil
}

func (m *MemoryStore) LastFailureAt(ctx context.Context, cmdType string, since time.Time) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var last *time.Time
	for _, e := range m.events {
		if (e.EventType == EventActionFail || e.EventType == EventMarkFailed) &&
			e.CreatedAt.After(since) && eventPayloadType(e) == cmdType {
			t := e.CreatedAt
			if last == nil || t.After(*last) {
				last = &t
			}
		}
	}
	return last, nil
}

func (m *MemoryStore) CountFailedToday(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	today := m.now().Truncate(24 * time.Hour)
	cnt := 0
	for _, e := range m.events {
		if e.EventType == EventMarkFailed && !e.CreatedAt.Before(today) {
			cnt++
		}
	}
	return cnt, nil
}

func (m *MemoryStore) Summary(ctx context.Context, window time.Duration, limit int) (*Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	since := m.now().Add(-window)
	counts := map[string]int{}
	for key := range summaryEventTypes {
		counts[key] = 0
	}
	var recent []*Event
	for i := len(m.events) - 1; i >= 0; i-- {
		e := m.events[i]
		if !e.CreatedAt.After(since) {
			continue
		}
		for key, eventType := range summaryEventTypes {
			if e.EventType == eventType {
				counts[key]++
			}
		}
		if len(recent) < limit {
			recent = append(recent, e)
		}
	}
	return &Summary{WindowMinutes: int(window.Minutes()), Counts: counts, Recent: recent}, nil
}

func (m *MemoryStore) ClaimIdempotencyKey(ctx context.Context, key, proposedID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.idempotency[key]; ok {
		return existing, nil
	}
	m.idempotency[key] = proposedID
	return proposedID, nil
}

func (m *MemoryStore) UpsertOpsState(ctx context.Context, key string, value map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if value == nil {
		value = map[string]any{}
	}
	now := m.now()
	m.opsState[key] = OpsEntry{Value: value, UpdatedAt: now}
	m.opsHistory = append(m.opsHistory, &OpsHistoryEntry{
		ID:        int64(len(m.opsHistory) + 1),
		Key:       key,
		Value:     value,
		CreatedAt: now,
	})
	return nil
}

func (m *MemoryStore) GetOpsState(ctx context.Context) (map[string]OpsEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]OpsEntry, len(m.opsState))
	for k, v := range m.opsState {
		out[k] = v
	}
	return out, nil
}

func (m *MemoryStore) OpsStateHistory(ctx context.Context, limit int, from, to *time.Time) ([]*OpsHistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*OpsHistoryEntry
	for i := len(m.opsHistory) - 1; i >= 0 && len(out) < limit; i-- {
		e := m.opsHistory[i]
		if from != nil && e.CreatedAt.Before(*from) {
			continue
		}
		if to != nil && e.CreatedAt.After(*to) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (m *MemoryStore) AppendOpsAudit(ctx context.Context, actor, action string, detail map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if detail == nil {
		detail = map[string]any{}
	}
	m.opsAudit = append(m.opsAudit, &AuditEntry{
		ID:        fmt.Sprintf("audit-%d", len(m.opsAudit)+1),
		Actor:     actor,
		Action:    action,
		Detail:    detail,
		CreatedAt: m.now(),
	})
	return nil
}

func (m *MemoryStore) ListOpsAudit(ctx context.Context, limit int) ([]*AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*AuditEntry
	for i := len(m.opsAudit) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.opsAudit[i])
	}
	return out, nil
}

func (m *MemoryStore) CurrentNetExposure(ctx context.Context) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0.0
	for _, cmd := range m.commands {
		if !strings.EqualFold(cmd.Type, "QUOTE") {
			continue
		}
		if cmd.Status != StatusDone && cmd.Status != StatusPending {
			continue
		}
		total += payloadNotional(cmd.Payload)
	}
	return total, nil
}

func (m *MemoryStore) ReserveExposure(ctx context.Context, notional, maxTotal float64) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := m.exposure + notional
	if total > maxTotal {
		return 0, ErrExposureExceeded
	}
	m.exposure = total
	return total, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func (m *MemoryStore) Close() {}

func eventPayloadType(e *Event) string {
	if e.Payload == nil {
		return ""
	}
	t, _ := e.Payload["type"].(string)
	return t
}

func payloadNotional(payload map[string]any) float64 {
	for _, key := range []string{"notional", "notional_usd"} {
		switch v := payload[key].(type) {
		case float64:
			return v
		case int:
			return float64(v)
		}
	}
	return 0
}

func copyCommand(cmd *Command) *Command {
	cp := *cmd
	return &cp
}
