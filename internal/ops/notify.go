package ops

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/baolood/project-anchor/internal/config"
	"github.com/baolood/project-anchor/internal/store"
)

const telegramAPIBase = "https://api.telegram.org"

// criticalEvents are the event types forwarded to Telegram.
var criticalEvents = map[string]bool{
	store.EventException:    true,
	store.EventPolicyBlock:  true,
	store.EventKillSwitchOn: true,
}

// Notifier sends throttled Telegram messages for critical events. Disabled
// unless TELEGRAM_NOTIFY_ENABLED=1 with a token and chat id; a disabled
// notifier is a silent no-op. Send never returns an error to callers.
type Notifier struct {
	enabled  bool
	token    string
	chatID   string
	throttle time.Duration
	base     string
	client   *http.Client
	logger   *slog.Logger

	mu   sync.Mutex
	last map[string]time.Time
	now  func() time.Time
}

func NewNotifier(cfg *config.Config, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		enabled:  cfg.TelegramEnabled && cfg.TelegramBotToken != "" && cfg.TelegramChatID != "",
		token:    cfg.TelegramBotToken,
		chatID:   cfg.TelegramChatID,
		throttle: cfg.TelegramThrottle,
		base:     telegramAPIBase,
		client:   &http.Client{Timeout: 10 * time.Second},
		logger:   logger.With("component", "notify"),
		last:     map[string]time.Time{},
		now:      time.Now,
	}
}

// Send delivers text under a throttle key. At most one message per key per
// throttle window; the window only advances on successful delivery.
func (n *Notifier) Send(text, throttleKey string) {
	if n == nil || !n.enabled {
		return
	}
	if throttleKey == "" {
		throttleKey = "default"
	}

	n.mu.Lock()
	if last, ok := n.last[throttleKey]; ok && n.now().Sub(last) < n.throttle {
		n.mu.Unlock()
		return
	}
	n.mu.Unlock()

	if len(text) > 4000 {
		text = text[:4000]
	}
	if err := n.post(text); err != nil {
		n.logger.Warn("telegram send failed", "error", err)
		return
	}
	n.mu.Lock()
	n.last[throttleKey] = n.now()
	n.mu.Unlock()
}

func (n *Notifier) post(text string) error {
	body, err := json.Marshal(map[string]string{"chat_id": n.chatID, "text": text})
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", n.base, n.token)

	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2)
	return backoff.Retry(func() error {
		resp, err := n.client.Post(url, "application/json", bytes.NewReader(body))
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			err := fmt.Errorf("telegram status %d", resp.StatusCode)
			if resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return backoff.Permanent(err)
			}
			return err
		}
		return nil
	}, policy)
}

// NotifyEvent forwards a critical domain event, throttled per
// {event}_{type-or-code}. WrapStore calls it after every event append.
func (n *Notifier) NotifyEvent(commandID, eventType string, payload map[string]any) {
	if n == nil || !n.enabled || !criticalEvents[eventType] {
		return
	}
	if payload == nil {
		payload = map[string]any{}
	}
	cmdType, _ := payload["type"].(string)
	if cmdType == "" {
		cmdType, _ = payload["code"].(string)
	}
	throttleKey := eventType
	if cmdType != "" {
		throttleKey = eventType + "_" + cmdType
	}
	text := fmt.Sprintf("[%s] id=%s type=%s attempt=%s code=%s message=%s",
		eventType, commandID, cmdType,
		fieldString(payload, "attempt"), fieldString(payload, "code"), fieldString(payload, "message"))
	if len(text) > 500 {
		text = text[:500]
	}
	n.Send(text, throttleKey)
}

func fieldString(payload map[string]any, key string) string {
	v, ok := payload[key]
	if !ok || v == nil {
		return ""
	}
	return fmt.Sprint(v)
}
