package store

import "encoding/json"

// payloadMaxBytes caps the serialized size of an event payload.
const payloadMaxBytes = 8000

// summaryKeys are the fields retained preferentially when trimming.
var summaryKeys = []string{"code", "message", "type", "attempt", "ts", "error", "result_summary"}

// TrimPayload reduces an event payload to fit payloadMaxBytes: keep the small
// summary keys, stringify everything else, and truncate one oversized value if
// the result is still too large.
func TrimPayload(payload map[string]any) map[string]any {
	if len(payload) == 0 {
		return map[string]any{}
	}

	small := map[string]any{}
	for _, k := range summaryKeys {
		v, ok := payload[k]
		if !ok || v == nil {
			continue
		}
		switch vv := v.(type) {
		case string, bool, int, int32, int64, float32, float64, json.Number:
			small[k] = vv
		case map[string]any:
			small[k] = trimMap(vv)
		default:
			small[k] = truncate(stringify(vv), 500)
		}
	}

	out := small
	if len(out) == 0 {
		out = make(map[string]any, len(payload))
		for k, v := range payload {
			out[k] = v
		}
	}

	raw, err := json.Marshal(out)
	if err == nil && len(raw) <= payloadMaxBytes {
		return out
	}

	// Still too big: truncate one large value and stop.
	for k, v := range out {
		if s, ok := v.(string); ok && len(s) > 500 {
			out[k] = s[:500] + "..."
			break
		}
		if m, ok := v.(map[string]any); ok {
			keys := make([]string, 0, 5)
			for kk := range m {
				keys = append(keys, kk)
				if len(keys) == 5 {
					break
				}
			}
			out[k] = map[string]any{"_truncated": true, "keys": keys}
			break
		}
	}
	return out
}

// trimMap keeps at most 10 entries and truncates string values to 200 chars.
func trimMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	n := 0
	for k, v := range m {
		if n == 10 {
			break
		}
		if s, ok := v.(string); ok {
			out[k] = truncate(s, 200)
		} else {
			out[k] = v
		}
		n++
	}
	return out
}

func stringify(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(raw)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
