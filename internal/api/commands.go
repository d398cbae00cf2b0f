package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/baolood/project-anchor/internal/idgen"
	"github.com/baolood/project-anchor/internal/store"
)

// createdView is the thin create-response shape.
func createdView(cmd *store.Command) map[string]any {
	return map[string]any{
		"id":         cmd.ID,
		"type":       cmd.Type,
		"status":     cmd.Status,
		"created_at": cmd.CreatedAt,
		"updated_at": cmd.UpdatedAt,
	}
}

// handleCreateSimple covers the bodyless create endpoints (fail, flaky).
func (s *Server) handleCreateSimple(cmdType string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cmd, err := s.st.CreateCommand(r.Context(), idgen.NewCommandID(cmdType), cmdType, nil)
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("DB insert failed: %v", err))
			return
		}
		writeJSON(w, http.StatusOK, createdView(cmd))
	}
}

// handleCreateNoop honors X-Idempotency-Key: the first submission with a key
// wins the id; later submissions get the winner's command back. A brief
// read-retry covers the race where the winner's insert has not landed yet.
func (s *Server) handleCreateNoop(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	proposed := idgen.NewCommandID("NOOP")

	key := r.Header.Get("X-Idempotency-Key")
	if key == "" {
		cmd, err := s.st.CreateCommand(ctx, proposed, "NOOP", nil)
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("DB insert failed: %v", err))
			return
		}
		writeJSON(w, http.StatusOK, createdView(cmd))
		return
	}

	winner, err := s.st.ClaimIdempotencyKey(ctx, key, proposed)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("idempotency claim failed: %v", err))
		return
	}
	if winner == proposed {
		cmd, err := s.st.CreateCommand(ctx, proposed, "NOOP", nil)
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("DB insert failed: %v", err))
			return
		}
		writeJSON(w, http.StatusOK, createdView(cmd))
		return
	}

	for i := 0; i < 5; i++ {
		cmd, err := s.st.GetCommand(ctx, winner)
		if err == nil {
			writeJSON(w, http.StatusOK, createdView(cmd))
			return
		}
		if err != store.ErrNotFound {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("DB query failed: %v", err))
			return
		}
		s.sleep(50 * time.Millisecond)
	}
	writeError(w, http.StatusConflict, "idempotent command not yet visible")
}

func (s *Server) handleCreateQuote(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{}
	if body, err := io.ReadAll(r.Body); err == nil && len(body) > 0 {
		if err := json.Unmarshal(body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	for k, v := range map[string]any{"symbol": "BTCUSDT", "side": "BUY", "notional": float64(100)} {
		if _, ok := payload[k]; !ok {
			payload[k] = v
		}
	}
	if v, ok := payload["price"]; ok && v == nil {
		delete(payload, "price")
	}

	cmd, err := s.st.CreateCommand(r.Context(), idgen.NewCommandID("QUOTE"), "QUOTE", payload)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("DB insert failed: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, createdView(cmd))
}

// handleRetry moves FAILED -> PENDING and appends a RETRY event carrying the
// preserved attempt. Attempt only increments when a worker claims.
func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	cmd, err := s.st.GetCommand(ctx, id)
	if err == store.ErrNotFound {
		writeError(w, http.StatusNotFound, "Not Found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("DB query failed: %v", err))
		return
	}
	if cmd.Status != store.StatusFailed {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("Only FAILED commands can be retried; current status is %s", cmd.Status))
		return
	}

	updated, err := s.st.Retry(ctx, id)
	switch err {
	case nil:
	case store.ErrNotFound:
		writeError(w, http.StatusNotFound, "Not Found")
		return
	case store.ErrNotRetryable, store.ErrRetryConflict:
		writeError(w, http.StatusConflict, "Command not retryable or already retried")
		return
	default:
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("DB update failed: %v", err))
		return
	}

	s.st.AppendEvent(ctx, id, store.EventRetry, updated.Attempt, map[string]any{
		"type": updated.Type, "attempt": updated.Attempt,
	})
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleListCommands(w http.ResponseWriter, r *http.Request) {
	limit := clampQueryInt(r, "limit", 50, 1, 200)
	cmds, err := s.st.ListCommands(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("DB query failed: %v", err))
		return
	}
	if cmds == nil {
		cmds = []*store.Command{}
	}
	writeJSON(w, http.StatusOK, cmds)
}

func (s *Server) handleGetCommand(w http.ResponseWriter, r *http.Request) {
	cmd, err := s.st.GetCommand(r.Context(), r.PathValue("id"))
	if err == store.ErrNotFound {
		writeError(w, http.StatusNotFound, "Not Found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("DB query failed: %v", err))
		return
	}

	// Live-execution metadata rides in the result; surface it alongside the
	// submitted payload so clients see the fill without digging.
	if meta, ok := cmd.Result["_binance_testnet"]; ok {
		payload := map[string]any{}
		for k, v := range cmd.Payload {
			payload[k] = v
		}
		payload["_binance_testnet"] = meta
		cmd.Payload = payload
	}
	writeJSON(w, http.StatusOK, cmd)
}

// handleListEvents returns the append-only trail for one command. The
// synthetic ops ids have no command row but their events are still readable.
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")
	limit := clampQueryInt(r, "limit", 200, 1, 500)

	if !syntheticID(id) {
		if _, err := s.st.GetCommand(ctx, id); err == store.ErrNotFound {
			writeError(w, http.StatusNotFound, "Not Found")
			return
		} else if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("DB query failed: %v", err))
			return
		}
	}

	events, err := s.st.ListEvents(ctx, id, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("DB query failed: %v", err))
		return
	}
	if events == nil {
		events = []*store.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func syntheticID(id string) bool {
	switch id {
	case store.SyntheticOpsWorker, store.SyntheticOpsKillSwitch, store.SyntheticHeartbeat:
		return true
	}
	return false
}

// clampQueryInt parses an integer query parameter and clamps it into
// [min, max], falling back to def when absent or malformed.
func clampQueryInt(r *http.Request, name string, def, min, max int) int {
	n := def
	if raw := r.URL.Query().Get(name); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			n = v
		}
	}
	if n < min {
		n = min
	}
	if n > max {
		n = max
	}
	return n
}
