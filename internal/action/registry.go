package action

// Registry maps uppercase command types to handlers. Populated once at
// bootstrap and immutable afterwards; lookups are lock-free.
type Registry struct {
	actions map[string]Action
}

// NewRegistry builds a registry from the given handlers. Registering the same
// name twice keeps the first instance, so re-running bootstrap is idempotent.
func NewRegistry(actions ...Action) *Registry {
	r := &Registry{actions: make(map[string]Action, len(actions))}
	for _, a := range actions {
		name := NormalizeType(a.Name())
		if name == "" {
			continue
		}
		if _, exists := r.actions[name]; exists {
			continue
		}
		r.actions[name] = a
	}
	return r
}

// Builtin returns the registry with the built-in handlers.
func Builtin() *Registry {
	return NewRegistry(
		&NoopAction{},
		&FailAction{},
		&FlakyAction{},
		&QuoteAction{},
	)
}

// Get looks up a handler by command type, case-insensitively. Returns nil
// when no handler is registered.
func (r *Registry) Get(cmdType string) Action {
	if r == nil {
		return nil
	}
	return r.actions[NormalizeType(cmdType)]
}

// Names lists the registered types.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.actions))
	for name := range r.actions {
		out = append(out, name)
	}
	return out
}
