// Package action holds the pluggable command handlers and the pipeline that
// wraps them (validate -> execute -> postprocess).
package action

import (
	"encoding/json"
	"strings"
)

// Command is the normalized view of a claimed command handed to handlers.
type Command struct {
	ID      string
	Type    string
	Attempt int
	Payload map[string]any
}

// Output is the unified handler result. Handlers must not panic; they return
// ok=false with a structured error instead.
type Output struct {
	OK     bool
	Result map[string]any
	// Error is a structured error map or a plain string; nil when OK.
	Error any
}

// ErrorMap builds the conventional {code, message} error value.
func ErrorMap(code, message string) map[string]any {
	return map[string]any{"code": code, "message": message}
}

// ErrorReason renders an Output error as the short reason string stored on
// the command row: JSON for structured errors, the raw string otherwise.
func (o *Output) ErrorReason() string {
	switch e := o.Error.(type) {
	case nil:
		return "ACTION_FAILED"
	case string:
		if e == "" {
			return "ACTION_FAILED"
		}
		return e
	case map[string]any:
		raw, err := json.Marshal(e)
		if err != nil {
			return "ACTION_FAILED"
		}
		return string(raw)
	default:
		raw, err := json.Marshal(e)
		if err != nil {
			return "ACTION_FAILED"
		}
		return string(raw)
	}
}

// ErrorDetail renders an Output error as the structured detail map.
func (o *Output) ErrorDetail() map[string]any {
	switch e := o.Error.(type) {
	case map[string]any:
		return e
	case nil:
		return map[string]any{}
	default:
		return map[string]any{"error": o.ErrorReason()}
	}
}

// Action is a pluggable handler for one command type.
type Action interface {
	// Name is the uppercase command type this handler serves.
	Name() string
	// RunCore carries the business logic. Must not panic.
	RunCore(cmd *Command) *Output
}

// NormalizeType uppercases and trims a command type for registry lookup.
func NormalizeType(cmdType string) string {
	return strings.ToUpper(strings.TrimSpace(cmdType))
}
