// Package graph provides the graph store adapter over Neo4j. It exposes
// typed read/write execution with retries and metrics, schema
// initialization, and vector similarity search used by the ingestion
// steps and the query surface.
package graph

// Query pairs a Cypher statement with its parameters for batched
// execution.
type Query struct {
	Text   string
	Params map[string]any
}

// Record is a single result row, keyed by the names in the RETURN
// clause.
type Record map[string]any

// Result carries the outcome of an asynchronous execution.
type Result struct {
	Records []Record
	Err     error
}

// DefaultBatchSize is the number of queries grouped into one
// transaction by batched writers.
const DefaultBatchSize = 100

// ChunkQueries splits queries into batches of at most size. A size
// of zero or less falls back to DefaultBatchSize.
func ChunkQueries(queries []Query, size int) [][]Query {
	if size <= 0 {
		size = DefaultBatchSize
	}
	var chunks [][]Query
	for start := 0; start < len(queries); start += size {
		end := start + size
		if end > len(queries) {
			end = len(queries)
		}
		chunks = append(chunks, queries[start:end])
	}
	return chunks
}
