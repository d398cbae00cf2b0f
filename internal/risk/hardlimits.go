package risk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/baolood/project-anchor/internal/config"
	"github.com/baolood/project-anchor/internal/store"
)

// HardLimitsPrefix prefixes every hard-limit block reason.
const HardLimitsPrefix = "RISK_HARD_LIMITS_"

// tradeTypes are the command types subject to hard limits.
var tradeTypes = map[string]bool{"QUOTE": true}

// Tradeable reports whether a command type carries position risk.
func Tradeable(cmdType string) bool {
	return tradeTypes[strings.ToUpper(strings.TrimSpace(cmdType))]
}

// HardLimits validates a tradeable command against the configured position
// limits before execution. Rules run in a fixed order; the first violation
// blocks with a reason of the form RISK_HARD_LIMITS_<RULE>:<detail>.
type HardLimits struct {
	cfg    *config.Config
	loss   LossFunc
	logger *slog.Logger
}

func NewHardLimits(cfg *config.Config, loss LossFunc, logger *slog.Logger) *HardLimits {
	if loss == nil {
		loss = zeroLoss
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HardLimits{cfg: cfg, loss: loss, logger: logger.With("component", "risk_hard_limits")}
}

// Guard runs the full rule set. Returns (true, "") on pass and
// (false, reason) on the first violated rule. Non-tradeable types always
// pass, as does everything when RISK_HARD_LIMITS_DISABLE=1.
func (h *HardLimits) Guard(ctx context.Context, st store.Store, cmdType string, payload map[string]any) (bool, string) {
	if h.cfg.HardLimitsDisable {
		return true, ""
	}
	cmdType = strings.ToUpper(strings.TrimSpace(cmdType))
	if !tradeTypes[cmdType] {
		return true, ""
	}
	if payload == nil {
		payload = map[string]any{}
	}

	capital := h.cfg.CapitalUSD
	notional := notionalOf(payload)

	// 1) stop required
	if payload["stop_loss"] == nil && payload["stop_price"] == nil {
		return false, HardLimitsPrefix + "STOP_REQUIRED:missing stop_loss or stop_price"
	}

	// 2) single trade risk
	if capital > 0 && notional > 0 {
		if pct := notional / capital * 100; pct > h.cfg.MaxSingleTradeRiskPct {
			return false, fmt.Sprintf("%sSINGLE_TRADE_RISK_EXCEEDED:%.2f%%>=%v%%",
				HardLimitsPrefix, pct, h.cfg.MaxSingleTradeRiskPct)
		}
	}

	// 3) net exposure: transactional reservation on the risk ledger when
	// RISK_EXPOSURE_ATOMIC=1, otherwise a soft sum over open commands.
	currentExposure := 0.0
	if h.cfg.ExposureAtomic {
		maxExposureUSD := capital * h.cfg.MaxNetExposurePct / 100
		newTotal, err := st.ReserveExposure(ctx, notional, maxExposureUSD)
		if err != nil {
			if errors.Is(err, store.ErrExposureExceeded) {
				return false, HardLimitsPrefix + "NET_EXPOSURE_EXCEEDED"
			}
			h.logger.Warn("exposure reservation unavailable, allowing", "error", err)
		} else {
			currentExposure = newTotal - notional
		}
	} else {
		exposure, err := st.CurrentNetExposure(ctx)
		if err != nil {
			h.logger.Warn("exposure read failed, assuming zero", "error", err)
		} else {
			currentExposure = exposure
		}
		if capital > 0 {
			if pct := (currentExposure + notional) / capital * 100; pct > h.cfg.MaxNetExposurePct {
				return false, fmt.Sprintf("%sNET_EXPOSURE_EXCEEDED:%.2f%%>=%v%%",
					HardLimitsPrefix, pct, h.cfg.MaxNetExposurePct)
			}
		}
	}

	// 4) leverage
	if capital > 0 {
		if lev := (currentExposure + notional) / capital; lev > h.cfg.MaxLeverage {
			return false, fmt.Sprintf("%sLEVERAGE_EXCEEDED:%.2f>=%v",
				HardLimitsPrefix, lev, h.cfg.MaxLeverage)
		}
	}

	// 5) daily drawdown
	if todayLossPct := h.loss(ctx); todayLossPct >= h.cfg.MaxDailyDrawdownPct {
		return false, fmt.Sprintf("%sDAILY_DRAWDOWN_EXCEEDED:%.2f%%>=%v%%",
			HardLimitsPrefix, todayLossPct, h.cfg.MaxDailyDrawdownPct)
	}

	return true, ""
}

// notionalOf extracts the USD notional from a QUOTE payload, accepting either
// notional or notional_usd.
func notionalOf(payload map[string]any) float64 {
	for _, key := range []string{"notional", "notional_usd"} {
		switch v := payload[key].(type) {
		case float64:
			if v != 0 {
				return v
			}
		case int:
			if v != 0 {
				return float64(v)
			}
		case string:
			if n, err := strconv.ParseFloat(v, 64); err == nil && n != 0 {
				return n
			}
		}
	}
	return 0
}
