package llm

import (
	"regexp"
	"strings"
)

// LLM responses wrap JSON in markdown fences, sprinkle // comments, and
// leave trailing commas. These helpers recover the parseable payload.

var (
	// fencedObjectPattern matches a JSON object inside ```json fences.
	fencedObjectPattern = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(\\{.*\\})\\s*```")
	// fencedArrayPattern matches a JSON array inside ```json fences.
	fencedArrayPattern = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(\\[.*\\])\\s*```")
	// bareObjectPattern greedily matches the outermost JSON object.
	bareObjectPattern = regexp.MustCompile(`(?s)\{[\s\S]*\}`)
	// bareArrayPattern greedily matches the outermost JSON array.
	bareArrayPattern = regexp.MustCompile(`(?s)\[[\s\S]*\]`)
	// trailingCommaPattern matches trailing commas before ] or }.
	trailingCommaPattern = regexp.MustCompile(`,\s*([}\]])`)
)

// ExtractJSON pulls a JSON object out of an LLM response, preferring a
// fenced block, and scrubs comment/comma artifacts. Returns "" when no
// object is found.
func ExtractJSON(content string) string {
	if m := fencedObjectPattern.FindStringSubmatch(content); len(m) > 1 {
		return scrubJSON(m[1])
	}
	if m := bareObjectPattern.FindString(content); m != "" {
		return scrubJSON(m)
	}
	return ""
}

// ExtractJSONArray pulls a JSON array out of an LLM response the same
// way ExtractJSON handles objects.
func ExtractJSONArray(content string) string {
	if m := fencedArrayPattern.FindStringSubmatch(content); len(m) > 1 {
		return scrubJSON(m[1])
	}
	if m := bareArrayPattern.FindString(content); m != "" {
		return scrubJSON(m)
	}
	return ""
}

// scrubJSON removes JavaScript-style line comments and trailing commas,
// both common LLM artifacts that break encoding/json.
func scrubJSON(raw string) string {
	lines := strings.Split(raw, "\n")
	for i, line := range lines {
		lines[i] = stripLineComment(line)
	}
	out := strings.Join(lines, "\n")
	return trailingCommaPattern.ReplaceAllString(out, "$1")
}

// stripLineComment removes a // comment from a line unless the //
// occurs inside a JSON string value (e.g. a URL).
func stripLineComment(line string) string {
	if !strings.Contains(line, "//") {
		return line
	}

	inString := false
	escaped := false
	for i := 0; i < len(line); i++ {
		ch := line[i]
		if escaped {
			escaped = false
			continue
		}
		if ch == '\\' && inString {
			escaped = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}
		if !inString && ch == '/' && i+1 < len(line) && line[i+1] == '/' {
			return strings.TrimRight(line[:i], " \t")
		}
	}
	return line
}
