package graph

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codestoryhq/codestory/cserr"
)

// fakeRunner scripts per-call outcomes so retry and classification
// logic can be exercised without a server.
type fakeRunner struct {
	mu      sync.Mutex
	calls   []fakeCall
	many    [][]Query
	script  []error
	records []Record
	closed  bool
}

type fakeCall struct {
	query  string
	params map[string]any
	write  bool
}

func (f *fakeRunner) next() error {
	if len(f.script) == 0 {
		return nil
	}
	err := f.script[0]
	f.script = f.script[1:]
	return err
}

func (f *fakeRunner) Run(_ context.Context, query string, params map[string]any, write bool) ([]Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fakeCall{query: query, params: params, write: write})
	if err := f.next(); err != nil {
		return nil, err
	}
	return f.records, nil
}

func (f *fakeRunner) RunMany(_ context.Context, queries []Query, write bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.many = append(f.many, queries)
	return f.next()
}

func (f *fakeRunner) Close(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func fastRetry() retryPolicy {
	return retryPolicy{
		maxAttempts: 3,
		backoffBase: time.Millisecond,
		multiplier:  2.0,
		maxBackoff:  4 * time.Millisecond,
	}
}

func transientErr() error {
	return &neo4j.Neo4jError{
		Code: "Neo.TransientError.General.TransactionMemoryLimit",
		Msg:  "out of memory",
	}
}

func syntaxErr() error {
	return &neo4j.Neo4jError{
		Code: "Neo.ClientError.Statement.SyntaxError",
		Msg:  "Invalid input",
	}
}

func TestExecuteReturnsRecords(t *testing.T) {
	runner := &fakeRunner{records: []Record{{"path": "src/main.py"}}}
	store := newStoreWithRunner(runner, fastRetry(), nil)

	records, err := store.Execute(context.Background(), "MATCH (f:File) RETURN f.path AS path", map[string]any{"limit": 1}, false)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "src/main.py", records[0]["path"])

	require.Len(t, runner.calls, 1)
	assert.False(t, runner.calls[0].write)
	assert.Equal(t, 1, runner.calls[0].params["limit"])
}

func TestExecuteRetriesTransientFailures(t *testing.T) {
	runner := &fakeRunner{
		script:  []error{transientErr(), transientErr(), nil},
		records: []Record{{"n": int64(1)}},
	}
	store := newStoreWithRunner(runner, fastRetry(), nil)

	records, err := store.Execute(context.Background(), "MATCH (n) RETURN count(n) AS n", nil, false)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Len(t, runner.calls, 3)
}

func TestExecuteQueryErrorSurfacesImmediately(t *testing.T) {
	runner := &fakeRunner{script: []error{syntaxErr()}}
	store := newStoreWithRunner(runner, fastRetry(), nil)

	_, err := store.Execute(context.Background(), "MTCH (n) RETURN n", nil, false)
	require.Error(t, err)
	assert.True(t, cserr.IsGraphQuery(err))
	assert.False(t, cserr.IsGraphConnection(err))
	assert.Len(t, runner.calls, 1, "query errors must not be retried")
}

func TestExecuteExhaustsRetries(t *testing.T) {
	runner := &fakeRunner{
		script: []error{transientErr(), transientErr(), transientErr()},
	}
	store := newStoreWithRunner(runner, fastRetry(), nil)

	_, err := store.Execute(context.Background(), "MATCH (n) RETURN n", nil, true)
	require.Error(t, err)
	assert.True(t, cserr.IsGraphConnection(err))
	assert.Len(t, runner.calls, 3)
}

func TestExecuteManyRunsOneTransaction(t *testing.T) {
	runner := &fakeRunner{}
	store := newStoreWithRunner(runner, fastRetry(), nil)

	queries := []Query{
		{Text: "MERGE (d:Directory {path: $path})", Params: map[string]any{"path": "src"}},
		{Text: "MERGE (f:File {path: $path})", Params: map[string]any{"path": "src/main.py"}},
	}
	err := store.ExecuteMany(context.Background(), queries, true)
	require.NoError(t, err)
	require.Len(t, runner.many, 1, "all queries must share one transaction")
	assert.Len(t, runner.many[0], 2)
}

func TestExecuteManyEmptyIsNoop(t *testing.T) {
	runner := &fakeRunner{}
	store := newStoreWithRunner(runner, fastRetry(), nil)

	require.NoError(t, store.ExecuteMany(context.Background(), nil, true))
	assert.Empty(t, runner.many)
}

func TestExecuteAsyncDeliversResult(t *testing.T) {
	runner := &fakeRunner{records: []Record{{"ok": true}}}
	store := newStoreWithRunner(runner, fastRetry(), nil)

	ch := store.ExecuteAsync(context.Background(), "RETURN true AS ok", nil, false)

	select {
	case result := <-ch:
		require.NoError(t, result.Err)
		require.Len(t, result.Records, 1)
		assert.Equal(t, true, result.Records[0]["ok"])
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for async result")
	}
}

func TestCloseReleasesRunner(t *testing.T) {
	runner := &fakeRunner{}
	store := newStoreWithRunner(runner, fastRetry(), nil)

	require.NoError(t, store.Close(context.Background()))
	assert.True(t, runner.closed)
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"server transient", transientErr(), true},
		{"service unavailable", &neo4j.Neo4jError{Code: "Neo.ClientError.General.ServiceUnavailable", Msg: "down"}, true},
		{"syntax error", syntaxErr(), false},
		{"constraint violation", &neo4j.Neo4jError{Code: "Neo.ClientError.Schema.ConstraintValidationFailed", Msg: "dup"}, false},
		{"deadline", context.DeadlineExceeded, true},
		{"wrapped deadline", fmt.Errorf("session: %w", context.DeadlineExceeded), true},
		{"net error", &fakeNetError{}, true},
		{"plain error", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isTransient(tt.err))
		})
	}
}

type fakeNetError struct{}

func (*fakeNetError) Error() string   { return "dial tcp 127.0.0.1:7687: connection refused" }
func (*fakeNetError) Timeout() bool   { return true }
func (*fakeNetError) Temporary() bool { return true }

func TestCalculateBackoffStaysBounded(t *testing.T) {
	store := newStoreWithRunner(&fakeRunner{}, retryPolicy{
		maxAttempts: 5,
		backoffBase: 2 * time.Second,
		multiplier:  2.0,
		maxBackoff:  30 * time.Second,
	}, nil)

	for attempt := 1; attempt <= 10; attempt++ {
		backoff := store.calculateBackoff(attempt)
		// 25% jitter around a value capped at maxBackoff.
		assert.LessOrEqual(t, backoff, time.Duration(float64(30*time.Second)*1.25))
		assert.GreaterOrEqual(t, backoff, time.Duration(float64(2*time.Second)*0.75))
	}
}

func TestCheckHealth(t *testing.T) {
	runner := &fakeRunner{}
	store := newStoreWithRunner(runner, fastRetry(), nil)
	require.NoError(t, store.CheckHealth(context.Background()))
	require.Len(t, runner.calls, 1)
	assert.Equal(t, "RETURN 1 AS ok", runner.calls[0].query)

	runner = &fakeRunner{script: []error{transientErr()}}
	store = newStoreWithRunner(runner, fastRetry(), nil)
	err := store.CheckHealth(context.Background())
	require.Error(t, err)
	assert.Len(t, runner.calls, 1, "health probes do not retry")
}

func TestChunkQueries(t *testing.T) {
	queries := make([]Query, 250)
	for i := range queries {
		queries[i] = Query{Text: fmt.Sprintf("RETURN %d", i)}
	}

	chunks := ChunkQueries(queries, 100)
	require.Len(t, chunks, 3)
	assert.Len(t, chunks[0], 100)
	assert.Len(t, chunks[1], 100)
	assert.Len(t, chunks[2], 50)

	// Zero size uses the default.
	chunks = ChunkQueries(queries, 0)
	require.Len(t, chunks, 3)

	assert.Nil(t, ChunkQueries(nil, 100))
}

func TestSemanticSearchBuildsVectorQuery(t *testing.T) {
	runner := &fakeRunner{records: []Record{{"node": map[string]any{"id": "s1"}, "score": 0.93}}}
	store := newStoreWithRunner(runner, fastRetry(), nil)

	records, err := store.SemanticSearch(context.Background(), []float32{0.1, 0.2, 0.3}, "Summary", 5)
	require.NoError(t, err)
	require.Len(t, records, 1)

	require.Len(t, runner.calls, 1)
	call := runner.calls[0]
	assert.False(t, call.write)
	assert.Contains(t, call.query, "db.index.vector.queryNodes")
	assert.Equal(t, "summary_embedding", call.params["index"])
	assert.Equal(t, 5, call.params["k"])

	vector, ok := call.params["embedding"].([]float64)
	require.True(t, ok, "embedding must be widened to float64 for the driver")
	assert.InDelta(t, 0.2, vector[1], 1e-6)
}

func TestSemanticSearchValidation(t *testing.T) {
	store := newStoreWithRunner(&fakeRunner{}, fastRetry(), nil)

	_, err := store.SemanticSearch(context.Background(), nil, "Summary", 5)
	assert.True(t, cserr.IsConfig(err))

	_, err = store.SemanticSearch(context.Background(), []float32{0.1}, "Summary)-[r]", 5)
	assert.True(t, cserr.IsConfig(err))
}

func TestSemanticSearchDefaultsK(t *testing.T) {
	runner := &fakeRunner{}
	store := newStoreWithRunner(runner, fastRetry(), nil)

	_, err := store.SemanticSearch(context.Background(), []float32{0.5}, "Documentation", 0)
	require.NoError(t, err)
	require.Len(t, runner.calls, 1)
	assert.Equal(t, 10, runner.calls[0].params["k"])
	assert.Equal(t, "documentation_embedding", runner.calls[0].params["index"])
}

func TestInitializeSchemaCreatesAllElements(t *testing.T) {
	runner := &fakeRunner{}
	store := newStoreWithRunner(runner, fastRetry(), nil)

	require.NoError(t, store.InitializeSchema(context.Background(), false))

	var constraints, fulltext, vector, property int
	for _, call := range runner.calls {
		switch {
		case strings.HasPrefix(call.query, "CREATE CONSTRAINT"):
			constraints++
		case strings.HasPrefix(call.query, "CREATE FULLTEXT INDEX"):
			fulltext++
		case strings.HasPrefix(call.query, "CREATE VECTOR INDEX"):
			vector++
		case strings.HasPrefix(call.query, "CREATE INDEX"):
			property++
		}
	}
	assert.Equal(t, 7, constraints)
	assert.Equal(t, 3, fulltext)
	assert.Equal(t, 3, property)
	assert.Equal(t, 2, vector)
}

func TestInitializeSchemaToleratesExisting(t *testing.T) {
	already := &neo4j.Neo4jError{
		Code: "Neo.ClientError.Schema.EquivalentSchemaRuleAlreadyExists",
		Msg:  "An equivalent constraint already exists",
	}
	script := make([]error, 15)
	for i := range script {
		script[i] = already
	}
	runner := &fakeRunner{script: script}
	store := newStoreWithRunner(runner, fastRetry(), nil)

	require.NoError(t, store.InitializeSchema(context.Background(), false))
}

func TestInitializeSchemaForceDropsFirst(t *testing.T) {
	runner := &fakeRunner{}
	store := newStoreWithRunner(runner, fastRetry(), nil)

	require.NoError(t, store.InitializeSchema(context.Background(), true))

	require.NotEmpty(t, runner.calls)
	sawCreate := false
	for _, call := range runner.calls {
		if strings.HasPrefix(call.query, "CREATE") {
			sawCreate = true
		}
		if strings.HasPrefix(call.query, "DROP") {
			assert.False(t, sawCreate, "drops must run before creates")
		}
	}
	assert.True(t, sawCreate)
}

func TestInitializeSchemaSurfacesFailures(t *testing.T) {
	runner := &fakeRunner{script: []error{syntaxErr()}}
	store := newStoreWithRunner(runner, fastRetry(), nil)

	err := store.InitializeSchema(context.Background(), false)
	require.Error(t, err)

	var schemaErr *cserr.SchemaError
	require.True(t, errors.As(err, &schemaErr))
	assert.Equal(t, "repository_path_unique", schemaErr.Element)
}

func TestCreateVectorIndexValidation(t *testing.T) {
	store := newStoreWithRunner(&fakeRunner{}, fastRetry(), nil)
	ctx := context.Background()

	assert.True(t, cserr.IsConfig(store.CreateVectorIndex(ctx, "Summary;DROP", "embedding", 1536, "cosine")))
	assert.True(t, cserr.IsConfig(store.CreateVectorIndex(ctx, "Summary", "embedding", 0, "cosine")))
	assert.True(t, cserr.IsConfig(store.CreateVectorIndex(ctx, "Summary", "embedding", 1536, "dotproduct")))
}

func TestCreateVectorIndexStatement(t *testing.T) {
	runner := &fakeRunner{}
	store := newStoreWithRunner(runner, fastRetry(), nil)

	require.NoError(t, store.CreateVectorIndex(context.Background(), "Summary", "embedding", 1536, ""))
	require.Len(t, runner.calls, 1)

	stmt := runner.calls[0].query
	assert.Contains(t, stmt, "CREATE VECTOR INDEX summary_embedding IF NOT EXISTS")
	assert.Contains(t, stmt, "`vector.dimensions`: 1536")
	assert.Contains(t, stmt, "'cosine'")
}

func TestSchemaAlreadyExistsMatching(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"equivalent rule", &neo4j.Neo4jError{Code: "Neo.ClientError.Schema.EquivalentSchemaRuleAlreadyExists", Msg: "x"}, true},
		{"index already exists", &neo4j.Neo4jError{Code: "Neo.ClientError.Schema.IndexAlreadyExists", Msg: "x"}, true},
		{"message only", errors.New("constraint already exists"), true},
		{"syntax", syntaxErr(), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, schemaAlreadyExists(tt.err))
		})
	}
}
