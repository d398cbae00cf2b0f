package ops

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/baolood/project-anchor/internal/config"
	"github.com/baolood/project-anchor/internal/store"
)

func testNotifier(t *testing.T, handler http.HandlerFunc) (*Notifier, *int64) {
	t.Helper()
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		if handler != nil {
			handler(w, r)
		}
	}))
	t.Cleanup(srv.Close)

	t.Setenv("TELEGRAM_NOTIFY_ENABLED", "1")
	t.Setenv("TELEGRAM_BOT_TOKEN", "test-token")
	t.Setenv("TELEGRAM_CHAT_ID", "42")
	n := NewNotifier(config.Load(), nil)
	n.base = srv.URL
	n.client = srv.Client()
	return n, &calls
}

func TestNotifierDisabledIsNoop(t *testing.T) {
	t.Setenv("TELEGRAM_NOTIFY_ENABLED", "")
	n := NewNotifier(config.Load(), nil)
	if n.enabled {
		t.Fatal("notifier must be disabled without TELEGRAM_NOTIFY_ENABLED=1")
	}
	n.Send("hello", "k")
}

func TestNotifierSendsAndThrottles(t *testing.T) {
	n, calls := testNotifier(t, nil)

	n.Send("first", "key")
	n.Send("second", "key")
	if got := atomic.LoadInt64(calls); got != 1 {
		t.Fatalf("calls = %d, want 1 (second send throttled)", got)
	}

	// A different key has its own window.
	n.Send("third", "other")
	if got := atomic.LoadInt64(calls); got != 2 {
		t.Fatalf("calls = %d, want 2", got)
	}

	// Window expiry reopens the key.
	n.now = func() time.Time { return time.Now().Add(2 * n.throttle) }
	n.Send("fourth", "key")
	if got := atomic.LoadInt64(calls); got != 3 {
		t.Fatalf("calls = %d, want 3 after window expiry", got)
	}
}

func TestNotifierFailureDoesNotAdvanceThrottle(t *testing.T) {
	n, calls := testNotifier(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})

	n.Send("first", "key")
	before := atomic.LoadInt64(calls)
	if before == 0 {
		t.Fatal("no request issued")
	}

	// Delivery failed, so the same key is retried on the next send.
	n.Send("second", "key")
	if got := atomic.LoadInt64(calls); got <= before {
		t.Fatalf("calls = %d, want > %d (failed send must not throttle)", got, before)
	}
}

func TestNotifyEventFiltersCriticalTypes(t *testing.T) {
	n, calls := testNotifier(t, nil)

	n.NotifyEvent("cmd-1", store.EventPicked, map[string]any{"type": "NOOP"})
	n.NotifyEvent("cmd-1", store.EventMarkDone, nil)
	if got := atomic.LoadInt64(calls); got != 0 {
		t.Fatalf("calls = %d, non-critical events must not notify", got)
	}

	n.NotifyEvent("cmd-1", store.EventPolicyBlock, map[string]any{
		"type": "QUOTE", "code": "RATE_LIMIT", "message": "over limit", "attempt": 1,
	})
	if got := atomic.LoadInt64(calls); got != 1 {
		t.Fatalf("calls = %d, want 1 for POLICY_BLOCK", got)
	}

	// Same event+type pair is throttled; a different type is not.
	n.NotifyEvent("cmd-2", store.EventPolicyBlock, map[string]any{"type": "QUOTE"})
	n.NotifyEvent("cmd-3", store.EventPolicyBlock, map[string]any{"type": "NOOP"})
	if got := atomic.LoadInt64(calls); got != 2 {
		t.Fatalf("calls = %d, want 2", got)
	}
}
