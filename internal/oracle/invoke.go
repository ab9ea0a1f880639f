package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ExtractJSON pulls the last well-formed JSON object out of an oracle reply,
// tolerating markdown code fences and surrounding prose. Returns "" when no
// valid object is present.
func ExtractJSON(s string) string {
	cleaned := stripCodeFences(s)

	end := strings.LastIndex(cleaned, "}")
	if end == -1 {
		return ""
	}

	// Scan backwards to find the matching opening brace.
	balance := 0
	for i := end; i >= 0; i-- {
		switch cleaned[i] {
		case '}':
			balance++
		case '{':
			balance--
		}
		if balance == 0 && cleaned[i] == '{' {
			candidate := cleaned[i : end+1]
			if json.Valid([]byte(candidate)) {
				return candidate
			}
			return ""
		}
	}
	return ""
}

func stripCodeFences(s string) string {
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "```") {
		firstNewline := strings.Index(trimmed, "\n")
		if firstNewline != -1 {
			lastFence := strings.LastIndex(trimmed, "```")
			if lastFence > firstNewline {
				return strings.TrimSpace(trimmed[firstNewline+1 : lastFence])
			}
		}
	}
	return s
}

// InvokeJSON sends a payload to the oracle under the given system prompt and
// decodes the reply as a JSON object. A string payload is sent verbatim; any
// other payload is JSON-encoded. When feedback from a failed previous attempt
// is supplied it rides along so the oracle can correct itself.
func InvokeJSON(ctx context.Context, c Client, system string, payload any, feedback string) (map[string]any, error) {
	raw, err := InvokeText(ctx, c, system, payload, feedback)
	if err != nil {
		return nil, err
	}
	body := ExtractJSON(raw)
	if body == "" {
		return nil, fmt.Errorf("invalid-json: no object in reply %q", truncate(raw, 80))
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(body), &out); err != nil {
		return nil, fmt.Errorf("invalid-json: %w", err)
	}
	return out, nil
}

// InvokeText is InvokeJSON without the decode step, for agents whose contract
// is a plain string reply.
func InvokeText(ctx context.Context, c Client, system string, payload any, feedback string) (string, error) {
	var user string
	switch p := payload.(type) {
	case string:
		user = p
		if feedback != "" {
			user = fmt.Sprintf("%s\n\n[qa_feedback]: %s", p, feedback)
		}
	default:
		data, err := json.Marshal(payload)
		if err != nil {
			return "", fmt.Errorf("encode payload: %w", err)
		}
		if feedback != "" {
			var m map[string]any
			if err := json.Unmarshal(data, &m); err == nil {
				if _, ok := m["qa_feedback"]; !ok {
					m["qa_feedback"] = feedback
					if redone, err := json.Marshal(m); err == nil {
						data = redone
					}
				}
			}
		}
		user = string(data)
	}

	reply, err := c.CompleteWithSystem(ctx, system, user)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(reply), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "..."
}

// Strings reads a []string field out of a decoded oracle object, coercing
// scalar elements to strings and dropping everything else.
func Strings(obj map[string]any, key string) []string {
	raw, ok := obj[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		switch t := v.(type) {
		case string:
			out = append(out, t)
		case float64:
			out = append(out, trimFloat(t))
		}
	}
	return out
}

// Text reads a string field, tolerating numeric values.
func Text(obj map[string]any, key string) string {
	switch t := obj[key].(type) {
	case string:
		return t
	case float64:
		return trimFloat(t)
	}
	return ""
}

func trimFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}
