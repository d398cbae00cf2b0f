package ops

import (
	"context"

	"github.com/baolood/project-anchor/internal/store"
)

// notifyingStore decorates a store so that every appended critical event is
// forwarded to the notifier. Mirrors the original design where notification
// rides on the event append rather than on each call site.
type notifyingStore struct {
	store.Store
	n *Notifier
}

// WrapStore returns s with critical-event forwarding attached. A disabled
// notifier returns s unchanged.
func (n *Notifier) WrapStore(s store.Store) store.Store {
	if n == nil || !n.enabled {
		return s
	}
	return &notifyingStore{Store: s, n: n}
}

func (ns *notifyingStore) AppendEvent(ctx context.Context, commandID, eventType string, attempt int, payload map[string]any) {
	ns.Store.AppendEvent(ctx, commandID, eventType, attempt, payload)
	ns.n.NotifyEvent(commandID, eventType, payload)
}
