package llm

import (
	"encoding/json"
	"testing"
)

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantKey string // if non-empty, check this key exists in parsed JSON
		wantErr bool
	}{
		{
			name:    "plain JSON",
			input:   `{"name": "parser"}`,
			wantKey: "name",
		},
		{
			name:    "markdown code block",
			input:   "```json\n{\"name\": \"parser\"}\n```",
			wantKey: "name",
		},
		{
			name:    "fence without language tag",
			input:   "```\n{\"name\": \"parser\"}\n```",
			wantKey: "name",
		},
		{
			name:    "block with surrounding prose",
			input:   "Here are the extracted entities:\n```json\n{\"name\": \"parser\"}\n```\nLet me know if you need more.",
			wantKey: "name",
		},
		{
			name:    "trailing comma removed",
			input:   `{"name": "parser", "kind": "class",}`,
			wantKey: "kind",
		},
		{
			name:    "line comment stripped",
			input:   "{\n\"name\": \"parser\" // the module name\n}",
			wantKey: "name",
		},
		{
			name:    "comment inside string preserved",
			input:   `{"url": "http://example.com/docs"}`,
			wantKey: "url",
		},
		{
			name:    "no JSON at all",
			input:   "I could not find any entities in this document.",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExtractJSON(tt.input)
			if tt.wantErr {
				if got != "" {
					t.Errorf("expected no JSON, got %q", got)
				}
				return
			}

			var parsed map[string]any
			if err := json.Unmarshal([]byte(got), &parsed); err != nil {
				t.Fatalf("extracted JSON does not parse: %v\ninput: %q\ngot: %q", err, tt.input, got)
			}
			if _, ok := parsed[tt.wantKey]; !ok {
				t.Errorf("expected key %q in parsed JSON, got %v", tt.wantKey, parsed)
			}
		})
	}
}

func TestExtractJSON_PreservesURLValues(t *testing.T) {
	input := `{"url": "https://example.com/a//b", "note": "x"} // done`
	got := ExtractJSON(input)

	var parsed map[string]string
	if err := json.Unmarshal([]byte(got), &parsed); err != nil {
		t.Fatalf("extracted JSON does not parse: %v (got %q)", err, got)
	}
	if parsed["url"] != "https://example.com/a//b" {
		t.Errorf("URL mangled: %q", parsed["url"])
	}
}

func TestExtractJSONArray(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantLen int
	}{
		{
			name:    "plain array",
			input:   `[{"name": "a"}, {"name": "b"}]`,
			wantLen: 2,
		},
		{
			name:    "fenced array",
			input:   "```json\n[{\"name\": \"a\"}]\n```",
			wantLen: 1,
		},
		{
			name:    "array with trailing comma",
			input:   `[{"name": "a"},]`,
			wantLen: 1,
		},
		{
			name:    "empty array",
			input:   "The document defines these entities: []",
			wantLen: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExtractJSONArray(tt.input)
			if got == "" {
				t.Fatal("expected an array, got nothing")
			}

			var parsed []map[string]any
			if err := json.Unmarshal([]byte(got), &parsed); err != nil {
				t.Fatalf("extracted array does not parse: %v (got %q)", err, got)
			}
			if len(parsed) != tt.wantLen {
				t.Errorf("expected %d elements, got %d", tt.wantLen, len(parsed))
			}
		})
	}
}

func TestExtractJSONArray_NoArray(t *testing.T) {
	if got := ExtractJSONArray("nothing here"); got != "" {
		t.Errorf("expected empty result, got %q", got)
	}
}
