package docgrapher

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/codestoryhq/codestory/step"
)

// codeRef points at one code node in the graph.
type codeRef struct {
	Label  string // Class, Function, Method or Module
	Name   string
	Module string
}

// QualifiedName is the dotted name the rest of the repo uses for this node.
func (r codeRef) QualifiedName() string {
	if r.Label == "Module" || r.Module == "" {
		return r.Name
	}
	return r.Module + "." + r.Name
}

// codeIndex resolves entity names from documentation to code nodes.
type codeIndex struct {
	byQualified map[string][]codeRef
	byName      map[string][]codeRef
}

var codeIndexQueries = []struct {
	label string
	query string
}{
	{"Class", "MATCH (n:Class) RETURN n.name AS name, n.module AS module"},
	{"Function", "MATCH (n:Function) RETURN n.name AS name, n.module AS module"},
	{"Method", "MATCH (n:Method) RETURN n.name AS name, n.module AS module"},
	{"Module", "MATCH (n:Module) RETURN n.name AS name"},
}

// loadCodeIndex reads every named code node into memory. Repositories
// large enough to strain this would strain the model calls first.
func loadCodeIndex(ctx context.Context, g step.GraphStore) (*codeIndex, error) {
	idx := &codeIndex{
		byQualified: make(map[string][]codeRef),
		byName:      make(map[string][]codeRef),
	}
	for _, q := range codeIndexQueries {
		records, err := g.Execute(ctx, q.query, nil, false)
		if err != nil {
			return nil, fmt.Errorf("load %s index: %w", strings.ToLower(q.label), err)
		}
		for _, rec := range records {
			name, _ := rec["name"].(string)
			if name == "" {
				continue
			}
			module, _ := rec["module"].(string)
			ref := codeRef{Label: q.label, Name: name, Module: module}
			idx.byQualified[ref.QualifiedName()] = append(idx.byQualified[ref.QualifiedName()], ref)
			idx.byName[name] = append(idx.byName[name], ref)
		}
	}
	return idx, nil
}

// resolve maps a documented name to the code nodes it plausibly
// refers to. Qualified names win; bare names link every match.
func (idx *codeIndex) resolve(name string) []codeRef {
	name = strings.TrimSuffix(strings.TrimSpace(name), "()")
	if name == "" {
		return nil
	}
	if refs, ok := idx.byQualified[name]; ok {
		return refs
	}
	if refs, ok := idx.byName[name]; ok {
		return refs
	}
	if i := strings.LastIndex(name, "."); i >= 0 {
		if refs, ok := idx.byName[name[i+1:]]; ok {
			return refs
		}
	}
	return nil
}

// docWriter persists Documentation nodes and their edges.
type docWriter struct {
	graph  step.GraphStore
	llm    step.ChatClient
	logger *slog.Logger
}

// upsertDocumentation writes one Documentation node keyed on
// (path, name) and anchors it to the File it came from. The name is
// stable across runs (base filename or qualified docstring owner);
// the display title rides along as a property.
func (w *docWriter) upsertDocumentation(ctx context.Context, path, name, title, contentType, content string) error {
	query := `MERGE (d:Documentation {path: $path, name: $name})
SET d.title = $title, d.content_type = $content_type, d.content = $content, d.created_at = $created_at
WITH d
MATCH (f:File {path: $path})
MERGE (f)-[:HAS_DOCUMENTATION]->(d)`
	_, err := w.graph.Execute(ctx, query, map[string]any{
		"path":         path,
		"name":         name,
		"title":        title,
		"content_type": contentType,
		"content":      content,
		"created_at":   time.Now().UTC().Format(time.RFC3339),
	}, true)
	if err != nil {
		return fmt.Errorf("write documentation %s: %w", path, err)
	}
	return nil
}

// upsertEntity writes one DocumentationEntity and links the document
// to it. Entities dedupe globally on name so two documents describing
// the same symbol share a node.
func (w *docWriter) upsertEntity(ctx context.Context, docPath, docName string, e docEntity) error {
	query := `MATCH (d:Documentation {path: $path, name: $doc_name})
MERGE (e:DocumentationEntity {name: $name})
SET e.type = $type`
	params := map[string]any{
		"path":     docPath,
		"doc_name": docName,
		"name":     e.Name,
		"type":     e.Type,
	}
	if e.Description != "" {
		query += ", e.description = $description"
		params["description"] = e.Description
	}
	query += "\nMERGE (d)-[:CONTAINS]->(e)"
	if _, err := w.graph.Execute(ctx, query, params, true); err != nil {
		return fmt.Errorf("write entity %s: %w", e.Name, err)
	}
	return nil
}

// linkDescribes connects a DocumentationEntity to one resolved code node.
func (w *docWriter) linkDescribes(ctx context.Context, entityName string, ref codeRef) error {
	var match string
	params := map[string]any{"entity": entityName, "target": ref.Name}
	switch ref.Label {
	case "Class", "Function", "Method":
		match = fmt.Sprintf("MATCH (c:%s {name: $target, module: $module})", ref.Label)
		params["module"] = ref.Module
	case "Module":
		match = "MATCH (c:Module {name: $target})"
	default:
		return fmt.Errorf("no graph identity for code label %q", ref.Label)
	}
	query := "MATCH (e:DocumentationEntity {name: $entity})\n" + match +
		"\nMERGE (e)-[:DESCRIBES]->(c)"
	if _, err := w.graph.Execute(ctx, query, params, true); err != nil {
		return fmt.Errorf("link %s to %s: %w", entityName, ref.QualifiedName(), err)
	}
	return nil
}

// attachEmbedding vectorizes a document body and stores it on the
// Documentation node. Callers treat failures as non-fatal.
func (w *docWriter) attachEmbedding(ctx context.Context, path, name, content string) error {
	if w.llm == nil {
		return nil
	}
	vectors, err := w.llm.Embed(ctx, []string{content}, "")
	if err != nil {
		return err
	}
	if len(vectors) == 0 {
		return fmt.Errorf("embedding response was empty")
	}
	query := `MATCH (d:Documentation {path: $path, name: $name})
SET d.embedding = $embedding`
	_, err = w.graph.Execute(ctx, query, map[string]any{
		"path":      path,
		"name":      name,
		"embedding": vectors[0],
	}, true)
	return err
}

// existingDocs returns the content of every Documentation node keyed
// by path and name, for incremental skip decisions.
func existingDocs(ctx context.Context, g step.GraphStore) (map[string]string, error) {
	records, err := g.Execute(ctx,
		"MATCH (d:Documentation) RETURN d.path AS path, d.name AS name, d.content AS content",
		nil, false)
	if err != nil {
		return nil, fmt.Errorf("load existing documentation: %w", err)
	}
	out := make(map[string]string, len(records))
	for _, rec := range records {
		path, _ := rec["path"].(string)
		name, _ := rec["name"].(string)
		content, _ := rec["content"].(string)
		if path == "" {
			continue
		}
		out[docKey(path, name)] = content
	}
	return out, nil
}

func docKey(path, name string) string {
	return path + "\x00" + name
}
