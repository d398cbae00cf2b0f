package api

import (
	"net/http"
	"time"

	"github.com/baolood/project-anchor/internal/store"
)

// handleRiskState reports the lockout verdict, the exposure ledger and the
// thresholds currently in force.
func (s *Server) handleRiskState(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	active, until, reason := s.lockout.Active(ctx, s.st)

	exposure, err := s.st.CurrentNetExposure(ctx)
	if err != nil {
		s.logger.Warn("net exposure read failed", "error", err)
		exposure = 0
	}
	failedToday, err := s.st.CountFailedToday(ctx)
	if err != nil && err != store.ErrNotFound {
		s.logger.Warn("failed-today count failed", "error", err)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"lockout_active": active,
		"lockout_until":  nullable(until),
		"lockout_reason": nullable(reason),
		"failed_today":   failedToday,
		"net_exposure":   exposure,
		"capital_usd":    s.cfg.CapitalUSD,
		"config": map[string]any{
			"lockout_loss_pct":          s.cfg.LockoutLossPct,
			"lockout_consec_losses":     s.cfg.LockoutConsecLosses,
			"lockout_minutes":           s.cfg.LockoutMinutes,
			"max_single_trade_risk_pct": s.cfg.MaxSingleTradeRiskPct,
			"max_net_exposure_pct":      s.cfg.MaxNetExposurePct,
			"max_leverage":              s.cfg.MaxLeverage,
			"max_daily_drawdown_pct":    s.cfg.MaxDailyDrawdownPct,
			"exposure_atomic":           s.cfg.ExposureAtomic,
		},
	})
}

// handleLockoutClear writes the Redis override so trading resumes for the
// clear TTL, and records who asked.
func (s *Server) handleLockoutClear(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cleared := s.lockout.Clear(ctx)
	if cleared {
		if err := s.st.AppendOpsAudit(ctx, "api", "risk_lockout_clear", map[string]any{
			"ttl_seconds": int(s.cfg.LockoutClearTTL.Seconds()),
			"at":          s.now().UTC().Format(time.RFC3339),
		}); err != nil {
			s.logger.Warn("ops_audit append failed", "error", err)
		}
	} else {
		writeError(w, http.StatusServiceUnavailable, "redis unavailable; lockout not cleared")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"cleared":     true,
		"ttl_seconds": int(s.cfg.LockoutClearTTL.Seconds()),
	})
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
