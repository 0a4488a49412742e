package graph

import (
	"context"
	"fmt"
	"strings"

	"github.com/codestoryhq/codestory/cserr"
)

// SemanticSearch returns the k nearest nodes of the given label by
// cosine similarity of their embedding property. Each record carries
// the node's properties under "node" plus a "score" in [0,1].
func (s *Store) SemanticSearch(ctx context.Context, embedding []float32, label string, k int) ([]Record, error) {
	if len(embedding) == 0 {
		return nil, cserr.NewConfigError("semantic search embedding", fmt.Errorf("embedding is empty"))
	}
	if !identifierPattern.MatchString(label) {
		return nil, cserr.NewConfigError("semantic search label", fmt.Errorf("invalid label %q", label))
	}
	if k <= 0 {
		k = 10
	}

	// The driver does not accept float32 parameters; widen to float64.
	vector := make([]float64, len(embedding))
	for i, v := range embedding {
		vector[i] = float64(v)
	}

	query := "CALL db.index.vector.queryNodes($index, $k, $embedding) " +
		"YIELD node, score RETURN node {.*} AS node, score"
	params := map[string]any{
		"index":     vectorIndexName(label),
		"k":         k,
		"embedding": vector,
	}

	return s.Execute(ctx, query, params, false)
}

// vectorIndexName derives the index name used for a label's embedding
// property. SemanticSearch and CreateVectorIndex must agree on it.
func vectorIndexName(label string) string {
	return strings.ToLower(label) + "_embedding"
}
