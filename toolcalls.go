package chorus

import (
	"encoding/json"
	"strings"
)

// toolCallsMarker opens an embedded tool-call array in assistant text. Some
// models emit tool calls as literal JSON in the content instead of using the
// structured field; the extractor recovers them.
const toolCallsMarker = `"tool_calls":`

// embeddedToolCall is the accepted wire shape inside an embedded array.
type embeddedToolCall struct {
	Type     string `json:"type"`
	Function struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"function"`
}

// ExtractToolCalls scans assistant text for "tool_calls":[...] occurrences,
// JSON-parses each balanced array, and returns the text with those segments
// removed (plus an immediately surrounding {} pair, when present) together
// with the recovered calls in order. Entries must have type "function";
// arguments are normalized to a JSON object/string raw value.
func ExtractToolCalls(text string) (string, []ToolCall) {
	var calls []ToolCall
	var cleaned strings.Builder
	rest := text

	for {
		i := strings.Index(rest, toolCallsMarker)
		if i < 0 {
			break
		}
		arrStart := i + len(toolCallsMarker)
		// Tolerate whitespace between the colon and the bracket.
		for arrStart < len(rest) && (rest[arrStart] == ' ' || rest[arrStart] == '\n' || rest[arrStart] == '\t') {
			arrStart++
		}
		if arrStart >= len(rest) || rest[arrStart] != '[' {
			cleaned.WriteString(rest[:arrStart])
			rest = rest[arrStart:]
			continue
		}
		arrEnd := balanceBrackets(rest, arrStart)
		if arrEnd < 0 {
			// Unterminated array (stream cut mid-JSON): keep as-is.
			cleaned.WriteString(rest[:arrStart])
			rest = rest[arrStart:]
			continue
		}

		parsed := parseEmbeddedCalls(rest[arrStart : arrEnd+1])
		if parsed == nil {
			cleaned.WriteString(rest[:arrStart])
			rest = rest[arrStart:]
			continue
		}
		calls = append(calls, parsed...)

		stripFrom, stripTo := i, arrEnd+1
		// Strip an immediately surrounding {} if present.
		if open := lastNonSpace(rest[:stripFrom]); open >= 0 && rest[open] == '{' {
			if close := firstNonSpace(rest, stripTo); close >= 0 && rest[close] == '}' {
				stripFrom, stripTo = open, close+1
			}
		}
		cleaned.WriteString(rest[:stripFrom])
		rest = rest[stripTo:]
	}
	cleaned.WriteString(rest)
	return strings.TrimSpace(cleaned.String()), calls
}

// balanceBrackets returns the index of the ] closing the [ at start,
// respecting JSON string literals and escapes. -1 when unbalanced.
func balanceBrackets(s string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '[', '{':
			depth++
		case ']', '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// parseEmbeddedCalls decodes one balanced array into ToolCalls, or nil when
// the array is not a valid tool-call list.
func parseEmbeddedCalls(arr string) []ToolCall {
	var entries []embeddedToolCall
	if err := json.Unmarshal([]byte(arr), &entries); err != nil {
		return nil
	}
	var out []ToolCall
	for _, e := range entries {
		if e.Type != "function" || e.Function.Name == "" {
			continue
		}
		out = append(out, ToolCall{
			ID:   NewID(),
			Name: e.Function.Name,
			Args: normalizeArgs(e.Function.Arguments),
		})
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// normalizeArgs accepts arguments as either a JSON object or a JSON string
// carrying encoded JSON, and returns a raw object either way.
func normalizeArgs(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		// String-encoded arguments.
		if json.Valid([]byte(s)) {
			return json.RawMessage(s)
		}
		quoted, _ := json.Marshal(s)
		return quoted
	}
	return raw
}

func lastNonSpace(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		switch s[i] {
		case ' ', '\t', '\n', '\r':
		default:
			return i
		}
	}
	return -1
}

func firstNonSpace(s string, from int) int {
	for i := from; i < len(s); i++ {
		switch s[i] {
		case ' ', '\t', '\n', '\r', ',':
		default:
			return i
		}
	}
	return -1
}
