// Package format converts raw tool-input JSON into readable text for
// chat platforms, with smart truncation and key humanization.
package format

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var acronyms = map[string]bool{
	"id": true, "url": true, "api": true, "sdk": true, "http": true,
	"https": true, "cli": true, "ui": true, "sse": true, "mcp": true,
	"json": true,
}

// HumanizeKey converts a snake_case key into a label: "output_mode"
// becomes "Output mode", "session_id" becomes "Session ID".
func HumanizeKey(key string) string {
	if key == "" || !strings.Contains(key, "_") {
		return key
	}
	parts := splitNonEmpty(strings.TrimSpace(key), "_")
	if len(parts) == 0 {
		return key
	}
	out := make([]string, 0, len(parts))
	for i, p := range parts {
		low := strings.ToLower(p)
		switch {
		case acronyms[low]:
			out = append(out, strings.ToUpper(low))
		case i == 0:
			out = append(out, strings.ToUpper(low[:1])+low[1:])
		default:
			out = append(out, low)
		}
	}
	return strings.Join(out, " ")
}

var enumValuePattern = regexp.MustCompile(`^[a-z0-9_]+$`)

// HumanizeEnumValue rewrites enum-ish snake_case values such as
// "files_with_matches". Paths and commands are left alone.
func HumanizeEnumValue(value any) string {
	s := fmt.Sprint(value)
	if !strings.Contains(s, "_") || !enumValuePattern.MatchString(s) {
		return s
	}
	parts := splitNonEmpty(s, "_")
	if len(parts) == 0 {
		return s
	}
	out := make([]string, 0, len(parts))
	for i, p := range parts {
		low := strings.ToLower(p)
		switch {
		case low == "id":
			out = append(out, "ID")
		case i == 0:
			out = append(out, strings.ToUpper(low[:1])+low[1:])
		default:
			out = append(out, low)
		}
	}
	return strings.Join(out, " ")
}

var (
	pathKeys = map[string]bool{
		"file_path": true, "path": true, "notebook_path": true,
	}
	codeBlockKeys = map[string]bool{
		"command": true, "old_string": true, "new_string": true,
		"content": true, "new_source": true,
	}
)

// Options bound the output of FormatToolInput.
type Options struct {
	Truncate     int // max chars per plain value
	TruncateCode int // max chars per code-block value
	MaxChars     int // total output budget
}

// DefaultOptions are the limits used when a zero Options is passed.
var DefaultOptions = Options{Truncate: 400, TruncateCode: 1400, MaxChars: 2000}

// FormatToolInput renders a tool-input JSON string as readable markdown.
// Non-JSON input is returned unchanged.
func FormatToolInput(raw string, opts Options) string {
	if opts.Truncate <= 0 {
		opts.Truncate = DefaultOptions.Truncate
	}
	if opts.TruncateCode <= 0 {
		opts.TruncateCode = DefaultOptions.TruncateCode
	}
	if opts.MaxChars <= 0 {
		opts.MaxChars = DefaultOptions.MaxChars
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return raw
	}
	// Preserve key order from the document rather than map iteration order.
	keys := jsonKeyOrder(raw)

	var lines []string
	total := 0
	for _, key := range keys {
		rawVal, ok := obj[key]
		if !ok {
			continue
		}
		label := HumanizeKey(key)

		var v string
		var str string
		if err := json.Unmarshal(rawVal, &str); err == nil {
			v = HumanizeEnumValue(str)
		} else {
			// Objects, arrays, numbers, and booleans keep their JSON text.
			v = string(rawVal)
		}

		limit := opts.Truncate
		if codeBlockKeys[key] {
			limit = opts.TruncateCode
		}
		if len(v) > limit {
			v = v[:limit] + "..."
		}
		// Prevent a value from closing the surrounding code block early.
		v = strings.ReplaceAll(v, "```", "``\\`")

		var part string
		switch {
		case pathKeys[key]:
			part = fmt.Sprintf("%s: `%s`", label, v)
		case codeBlockKeys[key]:
			part = fmt.Sprintf("%s:\n```\n%s\n```", label, v)
		default:
			part = fmt.Sprintf("%s: %s", label, v)
		}

		if total+len(part) > opts.MaxChars && len(lines) > 0 {
			lines = append(lines, "...(truncated)")
			break
		}
		lines = append(lines, part)
		total += len(part) + 1
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// ChunkMessage splits text into pieces no longer than limit characters.
func ChunkMessage(text string, limit int) []string {
	if limit <= 0 || len(text) <= limit {
		return []string{text}
	}
	var chunks []string
	for len(text) > limit {
		chunks = append(chunks, text[:limit])
		text = text[limit:]
	}
	return append(chunks, text)
}

// jsonKeyOrder extracts top-level object keys in document order.
func jsonKeyOrder(raw string) []string {
	dec := json.NewDecoder(strings.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil
	}
	var keys []string
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return keys
		}
		key, ok := tok.(string)
		if !ok {
			return keys
		}
		keys = append(keys, key)
		// Skip the value.
		var skip json.RawMessage
		if err := dec.Decode(&skip); err != nil {
			return keys
		}
	}
	return keys
}

func splitNonEmpty(s, sep string) []string {
	var out []string
	for _, p := range strings.Split(s, sep) {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
