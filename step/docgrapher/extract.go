package docgrapher

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/codestoryhq/codestory/llm"
	"github.com/codestoryhq/codestory/step"
)

// docEntity is one code entity a document references.
type docEntity struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

const maxEntitiesPerDoc = 200

// maxExtractionChars bounds the document text sent to the model.
const maxExtractionChars = 24000

const extractionSystem = "You extract code entity references from software " +
	"documentation. You respond with JSON only, no prose."

var entityTypes = map[string]struct{}{
	"class": {}, "function": {}, "method": {}, "module": {},
}

// llmEntities asks the model for the entities one document references.
func llmEntities(ctx context.Context, chat step.ChatClient, doc Document) ([]docEntity, error) {
	content := doc.Content
	if len(content) > maxExtractionChars {
		content = content[:maxExtractionChars]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Documentation file: %s\n", doc.Path)
	if doc.Title != "" {
		fmt.Fprintf(&b, "Title: %s\n", doc.Title)
	}
	b.WriteString("\nList every code entity this document references by name.\n\n")
	b.WriteString("Respond with a JSON array of objects, each with:\n")
	b.WriteString("- \"name\": the exact identifier, qualified when the document qualifies it\n")
	b.WriteString("- \"type\": one of \"class\", \"function\", \"method\", \"module\"\n")
	b.WriteString("- \"description\": one sentence from the document, or omit it\n\n")
	b.WriteString("Respond with [] when the document references none.\n\n")
	b.WriteString("Documentation:\n```\n")
	b.WriteString(content)
	b.WriteString("\n```")

	temp := 0.0
	resp, err := chat.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "system", Content: extractionSystem},
			{Role: "user", Content: b.String()},
		},
		Temperature: &temp,
	})
	if err != nil {
		return nil, err
	}

	payload := llm.ExtractJSONArray(resp.Content)
	if payload == "" {
		return nil, fmt.Errorf("no JSON array in model response")
	}
	var raw []docEntity
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		return nil, fmt.Errorf("decode entity list: %w", err)
	}

	out := raw[:0]
	for _, e := range raw {
		e.Name = strings.TrimSpace(e.Name)
		e.Type = strings.ToLower(strings.TrimSpace(e.Type))
		if e.Name == "" || len(e.Name) > 120 {
			continue
		}
		if _, ok := entityTypes[e.Type]; !ok {
			continue
		}
		out = append(out, e)
	}
	return dedupeEntities(out), nil
}

var (
	backtickSpan = regexp.MustCompile("`([^`\n]+)`")
	headingLine  = regexp.MustCompile(`(?m)^#{1,6}\s+(.+)$`)
	identLike    = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)*(\(\))?$`)
)

// heuristicEntities extracts entity references deterministically:
// backtick code spans and heading texts that look like identifiers.
func heuristicEntities(doc Document) []docEntity {
	var out []docEntity

	add := func(raw string) {
		raw = strings.TrimSpace(raw)
		if !identLike.MatchString(raw) {
			return
		}
		if e, ok := classifyIdentifier(raw); ok {
			out = append(out, e)
		}
	}

	for _, m := range backtickSpan.FindAllStringSubmatch(doc.Content, -1) {
		add(m[1])
	}
	for _, m := range headingLine.FindAllStringSubmatch(doc.Content, -1) {
		add(strings.Trim(strings.TrimSpace(m[1]), "`"))
	}
	return dedupeEntities(out)
}

// classifyIdentifier decides what kind of entity an identifier-shaped
// token names. Bare lowercase words are dropped as prose noise.
func classifyIdentifier(raw string) (docEntity, bool) {
	name := strings.TrimSuffix(raw, "()")
	called := name != raw
	dotted := strings.Contains(name, ".")

	last := name
	if i := strings.LastIndex(name, "."); i >= 0 {
		last = name[i+1:]
	}

	switch {
	case called && dotted:
		return docEntity{Name: name, Type: "method"}, true
	case called:
		return docEntity{Name: name, Type: "function"}, true
	case isExported(last):
		return docEntity{Name: name, Type: "class"}, true
	case dotted:
		return docEntity{Name: name, Type: "module"}, true
	case strings.Contains(name, "_"):
		return docEntity{Name: name, Type: "function"}, true
	}
	return docEntity{}, false
}

func isExported(name string) bool {
	return name != "" && name[0] >= 'A' && name[0] <= 'Z'
}

// dedupeEntities keeps the first occurrence per name, sorted for
// deterministic writes, capped at maxEntitiesPerDoc.
func dedupeEntities(entities []docEntity) []docEntity {
	seen := make(map[string]struct{}, len(entities))
	out := make([]docEntity, 0, len(entities))
	for _, e := range entities {
		if _, ok := seen[e.Name]; ok {
			continue
		}
		seen[e.Name] = struct{}{}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	if len(out) > maxEntitiesPerDoc {
		out = out[:maxEntitiesPerDoc]
	}
	return out
}
