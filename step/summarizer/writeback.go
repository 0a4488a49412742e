package summarizer

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/codestoryhq/codestory/llm"
	"github.com/codestoryhq/codestory/step"
)

const summariesDir = ".summaries"

// sourceMatch returns the Cypher MATCH clause and parameters that
// locate a node's source entity in the graph.
func sourceMatch(n *Node) (string, map[string]any) {
	switch n.Kind {
	case KindRepository:
		return "MATCH (src:Repository {path: $path})", map[string]any{"path": n.Path}
	case KindDirectory:
		return "MATCH (src:Directory {path: $path})", map[string]any{"path": n.Path}
	case KindFile:
		return "MATCH (src:File {path: $path})", map[string]any{"path": n.Path}
	case KindModule:
		return "MATCH (src:Module {name: $name})", map[string]any{"name": n.Name}
	case KindClass:
		return "MATCH (src:Class {name: $name, module: $module})",
			map[string]any{"name": n.Name, "module": n.Module}
	case KindFunction:
		return "MATCH (src:Function {name: $name, module: $module})",
			map[string]any{"name": n.Name, "module": n.Module}
	case KindMethod:
		return "MATCH (src:Method {name: $name, module: $module})",
			map[string]any{"name": n.Name, "module": n.Module}
	}
	return "", nil
}

// writeSummary replaces the node's summary in the graph: any prior
// Summary hanging off the source is deleted, a fresh one is created
// and linked. The single HAS_SUMMARY edge per summary is preserved
// across re-runs.
func writeSummary(ctx context.Context, g step.GraphStore, n *Node, summaryID, text string) error {
	match, params := sourceMatch(n)
	if match == "" {
		return fmt.Errorf("no graph identity for node kind %q", n.Kind)
	}

	query := match + `
OPTIONAL MATCH (src)-[:HAS_SUMMARY]->(old:Summary)
DETACH DELETE old
WITH DISTINCT src
CREATE (sm:Summary {id: $summary_id, text: $text, created_at: $created_at, source_type: $source_type})
MERGE (src)-[:HAS_SUMMARY]->(sm)`
	params["summary_id"] = summaryID
	params["text"] = text
	params["created_at"] = time.Now().UTC().Format(time.RFC3339)
	params["source_type"] = string(n.Kind)

	_, err := g.Execute(ctx, query, params, true)
	return err
}

// attachEmbedding stores the summary's embedding vector so the vector
// index can serve semantic search over summaries.
func attachEmbedding(ctx context.Context, g step.GraphStore, llmClient step.ChatClient, summaryID, text string) error {
	vectors, err := llmClient.Embed(ctx, []string{text}, "")
	if err != nil {
		return err
	}
	if len(vectors) == 0 {
		return fmt.Errorf("embedding response was empty")
	}
	_, err = g.Execute(ctx,
		"MATCH (sm:Summary {id: $id}) SET sm.embedding = $embedding",
		map[string]any{"id": summaryID, "embedding": vectors[0]}, true)
	return err
}

// auditRecord is the on-disk trace of one summarization.
type auditRecord struct {
	SummaryID        string `json:"summary_id"`
	Node             string `json:"node"`
	Kind             string `json:"kind"`
	Text             string `json:"text"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	CreatedAt        string `json:"created_at"`
}

// dumpAudit writes the per-summary JSON audit file under
// <repo>/.summaries/.
func dumpAudit(repoPath string, n *Node, summaryID, text string, usage llm.TokenUsage) error {
	dir := filepath.Join(repoPath, summariesDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	record := auditRecord{
		SummaryID:        summaryID,
		Node:             n.QualifiedName,
		Kind:             string(n.Kind),
		Text:             text,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		CreatedAt:        time.Now().UTC().Format(time.RFC3339),
	}
	payload, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, summaryID+".json"), payload, 0o644)
}

func newSummaryID() string { return uuid.NewString() }
