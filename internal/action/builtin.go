package action

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"strconv"
	"strings"
)

// NoopAction echoes the payload into the result.
type NoopAction struct{}

func (a *NoopAction) Name() string { return "NOOP" }

func (a *NoopAction) RunCore(cmd *Command) *Output {
	payload := cmd.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	return &Output{
		OK:     true,
		Result: map[string]any{"ok": true, "type": "noop", "payload": payload},
	}
}

// FailAction always fails; exists for terminal-path e2e coverage.
type FailAction struct{}

func (a *FailAction) Name() string { return "FAIL" }

func (a *FailAction) RunCore(cmd *Command) *Output {
	return &Output{
		OK:    false,
		Error: ErrorMap("INTENTIONAL_FAIL", "fail command for e2e test"),
	}
}

// FlakyAction fails on attempt <= 1 and succeeds afterwards, exercising the
// retry path end to end.
type FlakyAction struct{}

func (a *FlakyAction) Name() string { return "FLAKY" }

func (a *FlakyAction) RunCore(cmd *Command) *Output {
	if cmd.Attempt <= 1 {
		return &Output{
			OK:    false,
			Error: ErrorMap("FLAKY_FAIL", "flaky fails on attempt<=1"),
		}
	}
	payload := cmd.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	return &Output{
		OK:     true,
		Result: map[string]any{"ok": true, "type": "flaky", "attempt": cmd.Attempt, "payload": payload},
	}
}

// QuoteAction produces a deterministic local quote: price from the payload
// when positive, otherwise derived from sha256(symbol); qty = notional/price.
type QuoteAction struct{}

func (a *QuoteAction) Name() string { return "QUOTE" }

func (a *QuoteAction) RunCore(cmd *Command) *Output {
	payload := cmd.Payload
	if payload == nil {
		payload = map[string]any{}
	}

	symbol := strings.TrimSpace(stringField(payload, "symbol", "BTCUSDT"))
	side := strings.ToUpper(strings.TrimSpace(stringField(payload, "side", "BUY")))
	if side != "BUY" && side != "SELL" {
		side = "BUY"
	}
	notional := floatField(payload, "notional", 100)
	if notional <= 0 {
		notional = 100
	}

	var price float64
	if p := floatField(payload, "price", 0); p > 0 {
		price = round2(p)
	} else {
		price = derivePrice(symbol, side)
	}

	qty := 0.0
	if price > 0 {
		qty = round8(notional / price)
	}

	return &Output{
		OK: true,
		Result: map[string]any{
			"ok":       true,
			"type":     "quote",
			"symbol":   symbol,
			"side":     side,
			"notional": notional,
			"price":    price,
			"qty":      qty,
		},
	}
}

// derivePrice maps the first 8 hex digits of sha256(symbol) into
// [10, 100000]; SELL adds 1.
func derivePrice(symbol, side string) float64 {
	sum := sha256.Sum256([]byte(symbol))
	hexDigits := hex.EncodeToString(sum[:])[:8]
	base, _ := strconv.ParseUint(hexDigits, 16, 64)
	const lo, hi = 10, 100000
	price := float64(lo + base%(hi-lo+1))
	if side == "SELL" {
		price++
	}
	return round2(price)
}

func stringField(payload map[string]any, key, fallback string) string {
	if v, ok := payload[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func floatField(payload map[string]any, key string, fallback float64) float64 {
	switch v := payload[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case string:
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			return n
		}
	}
	return fallback
}

func round2(f float64) float64 { return math.Round(f*100) / 100 }

func round8(f float64) float64 { return math.Round(f*1e8) / 1e8 }
