package llm

import (
	"encoding/json"
	"strings"
)

// extractor pulls reply text out of one response shape. decoded is nil when
// the body is not valid JSON.
type extractor func(raw []byte, decoded any) (string, bool)

// extractors run in priority order; the first match wins.
var extractors = []extractor{
	directString,
	chatCompletion,
	topLevelKey,
	rawText,
	jsonDump,
}

// ExtractText returns the human-readable reply contained in a response body.
func ExtractText(body []byte) string {
	var decoded any
	if err := json.Unmarshal(body, &decoded); err != nil {
		decoded = nil
	}
	for _, ex := range extractors {
		if text, ok := ex(body, decoded); ok {
			return text
		}
	}
	return string(body)
}

func directString(_ []byte, decoded any) (string, bool) {
	s, ok := decoded.(string)
	return s, ok
}

func chatCompletion(_ []byte, decoded any) (string, bool) {
	obj, ok := decoded.(map[string]any)
	if !ok {
		return "", false
	}
	choices, ok := obj["choices"].([]any)
	if !ok || len(choices) == 0 {
		return "", false
	}
	c0, ok := choices[0].(map[string]any)
	if !ok {
		return "", false
	}
	if msg, ok := c0["message"].(map[string]any); ok {
		if text := contentText(msg["content"]); text != "" {
			return text, true
		}
	}
	if text, ok := c0["text"].(string); ok && strings.TrimSpace(text) != "" {
		return text, true
	}
	return "", false
}

func topLevelKey(_ []byte, decoded any) (string, bool) {
	obj, ok := decoded.(map[string]any)
	if !ok {
		return "", false
	}
	for _, key := range []string{"content", "text", "message", "response", "answer", "output_text"} {
		v, present := obj[key]
		if !present {
			continue
		}
		switch t := v.(type) {
		case string:
			if strings.TrimSpace(t) != "" {
				return t, true
			}
		case map[string]any:
			if text := contentText(t["content"]); text != "" {
				return text, true
			}
		}
	}
	return "", false
}

func rawText(raw []byte, decoded any) (string, bool) {
	if decoded != nil || len(raw) == 0 {
		return "", false
	}
	if json.Valid(raw) {
		// valid JSON null
		return "", false
	}
	return string(raw), true
}

func jsonDump(raw []byte, decoded any) (string, bool) {
	if decoded == nil {
		return strings.TrimSpace(string(raw)), true
	}
	b, err := json.Marshal(decoded)
	if err != nil {
		return string(raw), true
	}
	return string(b), true
}

// contentText accepts a plain string or a list of {"text": ...} parts.
func contentText(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []any:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			if m, ok := item.(map[string]any); ok {
				if txt, ok := m["text"].(string); ok {
					parts = append(parts, txt)
				}
			}
		}
		return strings.Join(parts, "\n")
	default:
		return ""
	}
}

// errorDetail reads the "detail" field of a JSON error body.
func errorDetail(body []byte) (string, bool) {
	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		return "", false
	}
	v, ok := obj["detail"]
	if !ok || v == nil {
		return "", false
	}
	if s, ok := v.(string); ok {
		return s, true
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", false
	}
	return string(b), true
}
