package api

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/baolood/project-anchor/internal/store"
)

// forbidInProd guards the destructive ops endpoints. Returns true when the
// request was rejected.
func (s *Server) forbidInProd(w http.ResponseWriter) bool {
	if s.cfg.Production() {
		writeError(w, http.StatusForbidden, "forbidden in production mode")
		return true
	}
	return false
}

func (s *Server) handleKillSwitchGet(w http.ResponseWriter, r *http.Request) {
	enabled, source := s.kill.State(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"enabled": enabled, "source": source})
}

func (s *Server) handleKillSwitchSet(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Enabled == nil {
		writeError(w, http.StatusBadRequest, "body must be {\"enabled\": bool}")
		return
	}
	s.kill.Apply(r.Context(), s.st, *body.Enabled, "api", "ops_api")
	enabled, source := s.kill.State(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"enabled": enabled, "source": source})
}

// handlePanicTrigger simulates a tripped panic guard: kill-switch ON plus the
// worker_panic state, honoring the trigger cooldown.
func (s *Server) handlePanicTrigger(w http.ResponseWriter, r *http.Request) {
	if s.forbidInProd(w) {
		return
	}
	ctx := r.Context()

	if remaining := s.panicCooldownRemaining(ctx); remaining > 0 {
		writeError(w, http.StatusConflict,
			fmt.Sprintf("panic guard cooldown active; retry in %ds", int(remaining.Seconds())))
		return
	}

	at := s.now().UTC().Format(time.RFC3339)
	s.kill.Apply(ctx, s.st, true, "ops_api", "panic_guard_trigger")
	if err := s.st.UpsertOpsState(ctx, "worker_panic", map[string]any{
		"triggered_by": "api", "last_panic_at": at, "count": 1, "message": "manual trigger",
	}); err != nil {
		s.logger.Warn("worker_panic upsert failed", "error", err)
	}
	s.st.AppendEvent(ctx, store.SyntheticOpsWorker, store.EventPanicGuardFired, 0, map[string]any{
		"triggered_by": "api", "at": at,
	})
	writeJSON(w, http.StatusOK, map[string]any{"triggered": true, "kill_switch": true, "at": at})
}

func (s *Server) handlePanicReset(w http.ResponseWriter, r *http.Request) {
	if s.forbidInProd(w) {
		return
	}
	ctx := r.Context()

	s.kill.Apply(ctx, s.st, false, "ops_api", "panic_guard_reset")
	if err := s.st.UpsertOpsState(ctx, "worker_panic", map[string]any{}); err != nil {
		s.logger.Warn("worker_panic clear failed", "error", err)
	}
	s.st.AppendEvent(ctx, store.SyntheticOpsWorker, store.EventPanicGuardReset, 0, map[string]any{
		"reset_by": "api", "at": s.now().UTC().Format(time.RFC3339),
	})
	writeJSON(w, http.StatusOK, map[string]any{"reset": true, "kill_switch": false})
}

// panicCooldownRemaining reads worker_panic.last_panic_at and reports how much
// of the trigger cooldown is left. Zero means clear to trigger.
func (s *Server) panicCooldownRemaining(ctx context.Context) time.Duration {
	state, err := s.st.GetOpsState(ctx)
	if err != nil {
		s.logger.Warn("ops_state read failed", "error", err)
		return 0
	}
	entry, ok := state["worker_panic"]
	if !ok {
		return 0
	}
	raw, _ := entry.Value["last_panic_at"].(string)
	if raw == "" {
		return 0
	}
	last, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return 0
	}
	elapsed := s.now().UTC().Sub(last)
	if elapsed >= s.cfg.PanicGuardCooldown {
		return 0
	}
	return s.cfg.PanicGuardCooldown - elapsed
}

// handleOpsState is the operator's one-call snapshot.
func (s *Server) handleOpsState(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	enabled, source := s.kill.State(ctx)

	out := map[string]any{
		"kill_switch": map[string]any{"enabled": enabled, "source": source},
	}

	state, err := s.st.GetOpsState(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("DB query failed: %v", err))
		return
	}
	if hb, ok := state["worker_heartbeat"]; ok && len(hb.Value) > 0 {
		out["worker_heartbeat"] = hb.Value
	}
	if wp, ok := state["worker_panic"]; ok && len(wp.Value) > 0 {
		view := map[string]any{}
		for k, v := range wp.Value {
			view[k] = v
		}
		view["cooldown_remaining_sec"] = int(s.panicCooldownRemaining(ctx).Seconds())
		out["worker_panic"] = view
	}

	recent := []*store.Event{}
	for _, id := range []string{store.SyntheticOpsWorker, store.SyntheticOpsKillSwitch} {
		events, err := s.st.ListEvents(ctx, id, 20)
		if err != nil {
			continue
		}
		recent = append(recent, events...)
	}
	sort.Slice(recent, func(i, j int) bool { return recent[i].CreatedAt.After(recent[j].CreatedAt) })
	out["recent_events"] = recent

	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleOpsHistory(w http.ResponseWriter, r *http.Request) {
	rows, ok := s.historyRows(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleOpsExportJSON(w http.ResponseWriter, r *http.Request) {
	if s.forbidInProd(w) {
		return
	}
	rows, ok := s.historyRows(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Disposition", "attachment; filename=ops_state_history.json")
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleOpsExportCSV(w http.ResponseWriter, r *http.Request) {
	if s.forbidInProd(w) {
		return
	}
	rows, ok := s.historyRows(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", "attachment; filename=ops_state_history.csv")
	cw := csv.NewWriter(w)
	_ = cw.Write([]string{"id", "key", "value", "created_at"})
	for _, row := range rows {
		value, _ := json.Marshal(row.Value)
		_ = cw.Write([]string{
			fmt.Sprintf("%d", row.ID),
			row.Key,
			string(value),
			row.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	cw.Flush()
}

// historyRows parses limit/from/to and fetches the range. Writes the error
// response itself; the bool reports success.
func (s *Server) historyRows(w http.ResponseWriter, r *http.Request) ([]*store.OpsHistoryEntry, bool) {
	limit := clampQueryInt(r, "limit", 200, 1, 1000)

	var from, to *time.Time
	if raw := r.URL.Query().Get("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "from must be RFC3339")
			return nil, false
		}
		from = &t
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "to must be RFC3339")
			return nil, false
		}
		to = &t
	}

	rows, err := s.st.OpsStateHistory(r.Context(), limit, from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("DB query failed: %v", err))
		return nil, false
	}
	if rows == nil {
		rows = []*store.OpsHistoryEntry{}
	}
	return rows, true
}

func (s *Server) handleOpsSummary(w http.ResponseWriter, r *http.Request) {
	minutes := clampQueryInt(r, "minutes", 60, 1, 1440)
	limit := clampQueryInt(r, "limit", 50, 1, 200)

	summary, err := s.st.Summary(r.Context(), time.Duration(minutes)*time.Minute, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("DB query failed: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleOpsAudit(w http.ResponseWriter, r *http.Request) {
	limit := clampQueryInt(r, "limit", 50, 1, 200)
	rows, err := s.st.ListOpsAudit(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("DB query failed: %v", err))
		return
	}
	if rows == nil {
		rows = []*store.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleDevReset(w http.ResponseWriter, r *http.Request) {
	if s.forbidInProd(w) {
		return
	}
	n, err := s.st.ResetStuckRunning(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("DB update failed: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reset": n})
}
