// Package extract pulls machine-parseable payloads out of free-form model output.
//
// Model text routinely interleaves prose, code fences, and one or more JSON
// payloads. The payload that matters is the last one that parses: later
// payloads represent the model's final answer after any visible reasoning.
// Nothing in this package returns an error; "not found" is an ok=false result
// and the caller decides whether that is fatal.
package extract

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

// LastJSON returns the last syntactically valid JSON object or array embedded
// in text. Candidates are discovered by brace/bracket depth scanning, which
// tolerates nested delimiters inside strings, trailing commentary, and
// markdown fences around the payload.
func LastJSON(text string) (json.RawMessage, bool) {
	candidates := scanCandidates(text)
	if len(candidates) == 0 {
		return nil, false
	}
	return candidates[len(candidates)-1], true
}

// FirstJSON returns the first syntactically valid JSON object or array in text.
func FirstJSON(text string) (json.RawMessage, bool) {
	candidates := scanCandidates(text)
	if len(candidates) == 0 {
		return nil, false
	}
	return candidates[0], true
}

// LastJSONWithFields returns the last valid payload that is an object carrying
// every named top-level field, falling back to the last valid payload of any
// shape. Useful when the model emits several payloads and only one has the
// answer schema.
func LastJSONWithFields(text string, fields ...string) (json.RawMessage, bool) {
	candidates := scanCandidates(text)
	if len(candidates) == 0 {
		return nil, false
	}
	for i := len(candidates) - 1; i >= 0; i-- {
		raw := string(candidates[i])
		if !strings.HasPrefix(strings.TrimSpace(raw), "{") {
			continue
		}
		all := true
		for _, f := range fields {
			if !gjson.Get(raw, f).Exists() {
				all = false
				break
			}
		}
		if all {
			return candidates[i], true
		}
	}
	return candidates[len(candidates)-1], true
}

// scanCandidates finds every balanced {...} or [...] span that parses as JSON,
// in document order. Spans are matched by depth counting with string-literal
// awareness so braces inside quoted values do not break the scan.
func scanCandidates(text string) []json.RawMessage {
	var out []json.RawMessage
	i := 0
	for i < len(text) {
		open := text[i]
		if open != '{' && open != '[' {
			i++
			continue
		}
		end, ok := matchSpan(text, i)
		if !ok {
			i++
			continue
		}
		candidate := text[i : end+1]
		// gjson.Valid is a cheap screen; encoding/json confirms so the
		// returned RawMessage is safe to unmarshal downstream.
		if gjson.Valid(candidate) && json.Valid([]byte(candidate)) {
			out = append(out, json.RawMessage(candidate))
			i = end + 1
			continue
		}
		i++
	}
	return out
}

// matchSpan returns the index of the delimiter closing the span opened at
// start, skipping string literals and escaped quotes.
func matchSpan(text string, start int) (int, bool) {
	open := text[start]
	var close byte = '}'
	if open == '[' {
		close = ']'
	}
	depth := 0
	inString := false
	escaped := false
	for j := start; j < len(text); j++ {
		c := text[j]
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
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return j, true
			}
		}
	}
	return 0, false
}

var fencePattern = regexp.MustCompile("(?s)```([a-zA-Z0-9_+-]*)\n?(.*?)\n?```")

// CodeBlock extracts the body of the last fenced code block tagged with lang.
// When no tagged fence exists it falls back to the last untagged fence, and
// finally to the whole text with stray backticks stripped. The bare-text
// fallback exists because models frequently answer with raw code and no fence.
func CodeBlock(text string, lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	matches := fencePattern.FindAllStringSubmatch(text, -1)

	for i := len(matches) - 1; i >= 0; i-- {
		if strings.ToLower(strings.TrimSpace(matches[i][1])) == lang {
			return strings.TrimSpace(matches[i][2])
		}
	}
	for i := len(matches) - 1; i >= 0; i-- {
		if strings.TrimSpace(matches[i][1]) == "" {
			return strings.TrimSpace(matches[i][2])
		}
	}
	return strings.TrimSpace(strings.Trim(strings.TrimSpace(text), "`"))
}
