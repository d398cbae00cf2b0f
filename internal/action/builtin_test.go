package action

import (
	"testing"
)

func TestNoopEchoesPayload(t *testing.T) {
	a := &NoopAction{}
	out := a.RunCore(&Command{ID: "noop-1", Type: "NOOP", Payload: map[string]any{"k": "v"}})
	if !out.OK {
		t.Fatalf("expected ok, got %+v", out)
	}
	payload, ok := out.Result["payload"].(map[string]any)
	if !ok {
		t.Fatalf("payload missing from result: %+v", out.Result)
	}
	if payload["k"] != "v" {
		t.Errorf("payload not echoed: %+v", payload)
	}
}

func TestNoopNilPayload(t *testing.T) {
	out := (&NoopAction{}).RunCore(&Command{ID: "noop-2", Type: "NOOP"})
	if !out.OK {
		t.Fatalf("expected ok, got %+v", out)
	}
	if _, ok := out.Result["payload"].(map[string]any); !ok {
		t.Errorf("nil payload should be coerced to an object: %+v", out.Result)
	}
}

func TestFailAlwaysFails(t *testing.T) {
	out := (&FailAction{}).RunCore(&Command{ID: "fail-1", Type: "FAIL", Attempt: 3})
	if out.OK {
		t.Fatal("FAIL must never succeed")
	}
	detail := out.ErrorDetail()
	if detail["code"] != "INTENTIONAL_FAIL" {
		t.Errorf("code = %v, want INTENTIONAL_FAIL", detail["code"])
	}
}

func TestFlakyFailsThenSucceeds(t *testing.T) {
	a := &FlakyAction{}

	first := a.RunCore(&Command{ID: "flaky-1", Type: "FLAKY", Attempt: 1})
	if first.OK {
		t.Fatal("flaky must fail on attempt 1")
	}
	if first.ErrorDetail()["code"] != "FLAKY_FAIL" {
		t.Errorf("code = %v, want FLAKY_FAIL", first.ErrorDetail()["code"])
	}

	second := a.RunCore(&Command{ID: "flaky-1", Type: "FLAKY", Attempt: 2})
	if !second.OK {
		t.Fatalf("flaky must succeed on attempt 2: %+v", second)
	}
	if second.Result["attempt"] != 2 {
		t.Errorf("attempt = %v, want 2", second.Result["attempt"])
	}
}

func TestQuoteDefaults(t *testing.T) {
	out := (&QuoteAction{}).RunCore(&Command{ID: "q-1", Type: "QUOTE"})
	if !out.OK {
		t.Fatalf("expected ok, got %+v", out)
	}
	if out.Result["symbol"] != "BTCUSDT" {
		t.Errorf("symbol = %v, want BTCUSDT", out.Result["symbol"])
	}
	if out.Result["side"] != "BUY" {
		t.Errorf("side = %v, want BUY", out.Result["side"])
	}
	if out.Result["notional"] != 100.0 {
		t.Errorf("notional = %v, want 100", out.Result["notional"])
	}
	price, _ := out.Result["price"].(float64)
	if price < 10 || price > 100001 {
		t.Errorf("derived price %v out of range", price)
	}
}

func TestQuoteDeterministic(t *testing.T) {
	a := &QuoteAction{}
	payload := map[string]any{"symbol": "ETHUSDT", "side": "BUY", "notional": 250.0}
	first := a.RunCore(&Command{ID: "q-2", Type: "QUOTE", Payload: payload})
	second := a.RunCore(&Command{ID: "q-3", Type: "QUOTE", Payload: payload})
	if first.Result["price"] != second.Result["price"] {
		t.Errorf("price not deterministic: %v vs %v", first.Result["price"], second.Result["price"])
	}
	if first.Result["qty"] != second.Result["qty"] {
		t.Errorf("qty not deterministic: %v vs %v", first.Result["qty"], second.Result["qty"])
	}
}

func TestQuoteSellOffsetsPrice(t *testing.T) {
	a := &QuoteAction{}
	buy := a.RunCore(&Command{Payload: map[string]any{"symbol": "ETHUSDT", "side": "BUY"}})
	sell := a.RunCore(&Command{Payload: map[string]any{"symbol": "ETHUSDT", "side": "SELL"}})
	bp := buy.Result["price"].(float64)
	sp := sell.Result["price"].(float64)
	if sp != bp+1 {
		t.Errorf("SELL price = %v, want BUY price %v + 1", sp, bp)
	}
}

func TestQuotePriceFromPayload(t *testing.T) {
	out := (&QuoteAction{}).RunCore(&Command{Payload: map[string]any{
		"symbol":   "BTCUSDT",
		"price":    50000.123,
		"notional": 1000.0,
	}})
	if !out.OK {
		t.Fatalf("expected ok, got %+v", out)
	}
	if out.Result["price"] != 50000.12 {
		t.Errorf("price = %v, want 50000.12", out.Result["price"])
	}
	wantQty := round8(1000.0 / 50000.12)
	if out.Result["qty"] != wantQty {
		t.Errorf("qty = %v, want %v", out.Result["qty"], wantQty)
	}
}

func TestQuoteInvalidInputsFallBack(t *testing.T) {
	out := (&QuoteAction{}).RunCore(&Command{Payload: map[string]any{
		"side":     "HOLD",
		"notional": -5.0,
		"price":    -1.0,
	}})
	if !out.OK {
		t.Fatalf("expected ok, got %+v", out)
	}
	if out.Result["side"] != "BUY" {
		t.Errorf("invalid side should fall back to BUY, got %v", out.Result["side"])
	}
	if out.Result["notional"] != 100.0 {
		t.Errorf("non-positive notional should fall back to 100, got %v", out.Result["notional"])
	}
	price, _ := out.Result["price"].(float64)
	if price <= 0 {
		t.Errorf("non-positive payload price should be replaced by derived price, got %v", price)
	}
}

func TestNotionalToQty(t *testing.T) {
	// 500 USD at 50k -> 0.01, already above the 100 USDT floor.
	if q := NotionalToQty(500, 50000); q != 0.01 {
		t.Errorf("qty = %v, want 0.01", q)
	}
	// 20 USD at 50k is under the floor; min qty is 100/50000 = 0.002.
	if q := NotionalToQty(20, 50000); q != 0.002 {
		t.Errorf("qty = %v, want 0.002", q)
	}
	if q := NotionalToQty(100, 0); q != 0.002 {
		t.Errorf("qty with zero mark = %v, want fallback 0.002", q)
	}
}
