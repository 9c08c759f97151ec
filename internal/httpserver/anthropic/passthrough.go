package anthropic

import (
	"encoding/json"
	"strings"
)

const claudeCodePrompt = "You are Claude Code, Anthropic's official CLI for Claude."

const minThinkingResponseTokens = 1024

// InjectClaudeCodeSystem prepends the Claude Code system block that the OAuth
// credential is keyed to. String system prompts are converted to the array
// form; the injected block always comes first.
func InjectClaudeCodeSystem(req map[string]any) {
	spoof := map[string]any{
		"type":          "text",
		"text":          claudeCodePrompt,
		"cache_control": map[string]any{"type": "ephemeral"},
	}
	switch existing := req["system"].(type) {
	case string:
		if strings.TrimSpace(existing) == "" {
			req["system"] = []any{spoof}
			return
		}
		req["system"] = []any{spoof, map[string]any{
			"type":          "text",
			"text":          existing,
			"cache_control": map[string]any{"type": "ephemeral"},
		}}
	case []any:
		req["system"] = append([]any{spoof}, existing...)
	default:
		req["system"] = []any{spoof}
	}
}

// SanitizeRequest drops parameters the Messages API rejects and applies the
// extended-thinking constraints (temperature pinned to 1.0, top_p clamped to
// [0.95,1.0], top_k removed, max_tokens at least budget+1024).
func SanitizeRequest(req map[string]any) {
	if v, ok := req["top_p"]; ok {
		f, isNum := asFloat(v)
		if !isNum || f < 0.0 || f > 1.0 {
			delete(req, "top_p")
		}
	}
	if v, ok := req["temperature"]; ok {
		if _, isNum := asFloat(v); !isNum {
			delete(req, "temperature")
		}
	}
	if v, ok := req["top_k"]; ok {
		f, isNum := asFloat(v)
		if !isNum || f <= 0 {
			delete(req, "top_k")
		}
	}
	if v, ok := req["tools"]; ok {
		list, isList := v.([]any)
		if !isList || len(list) == 0 {
			delete(req, "tools")
		}
	}

	thinking, ok := req["thinking"].(map[string]any)
	if !ok {
		if _, present := req["thinking"]; present {
			delete(req, "thinking")
		}
		return
	}
	if t, _ := thinking["type"].(string); t != "enabled" {
		return
	}
	if f, isNum := asFloat(req["temperature"]); isNum && f != 1.0 {
		req["temperature"] = 1.0
	}
	if f, isNum := asFloat(req["top_p"]); isNum && (f < 0.95 || f > 1.0) {
		clamped := f
		if clamped < 0.95 {
			clamped = 0.95
		}
		if clamped > 1.0 {
			clamped = 1.0
		}
		req["top_p"] = clamped
	}
	delete(req, "top_k")

	budget := 16000.0
	if f, isNum := asFloat(thinking["budget_tokens"]); isNum {
		budget = f
	}
	required := budget + minThinkingResponseTokens
	if f, isNum := asFloat(req["max_tokens"]); !isNum || f < required {
		req["max_tokens"] = int(required)
	}
}

// MergeBetas combines the configured beta list with client-supplied
// anthropic-beta values, preserving order and dropping duplicates.
func MergeBetas(required []string, clientHeader string) string {
	seen := make(map[string]struct{}, len(required))
	var merged []string
	appendBeta := func(beta string) {
		beta = strings.TrimSpace(beta)
		if beta == "" {
			return
		}
		if _, ok := seen[beta]; ok {
			return
		}
		seen[beta] = struct{}{}
		merged = append(merged, beta)
	}
	for _, beta := range required {
		appendBeta(beta)
	}
	for _, beta := range strings.Split(clientHeader, ",") {
		appendBeta(beta)
	}
	return strings.Join(merged, ",")
}

// EncodeWithClaudeCode marshals a translated request with the Claude Code
// system block injected. The OAuth credential is only honored for requests
// shaped this way.
func EncodeWithClaudeCode(req NativeRequest) ([]byte, error) {
	raw, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	InjectClaudeCodeSystem(m)
	return json.Marshal(m)
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
