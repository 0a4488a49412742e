package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/codestoryhq/codestory/cserr"
	"github.com/codestoryhq/codestory/metrics"
)

// Config holds the connection settings for the graph store.
type Config struct {
	// URI is the bolt endpoint, e.g. bolt://localhost:7687.
	URI string

	// Username and Password authenticate against the server.
	Username string
	Password string

	// Database selects the database within the server. Empty uses the
	// server default.
	Database string

	// MaxRetries bounds attempts for transient failures (default 3).
	MaxRetries int

	// RetryBase is the initial backoff between attempts (default 2s).
	RetryBase time.Duration
}

// retryPolicy mirrors the LLM client's backoff shape: exponential with
// jitter, capped.
type retryPolicy struct {
	maxAttempts int
	backoffBase time.Duration
	multiplier  float64
	maxBackoff  time.Duration
}

func defaultRetryPolicy() retryPolicy {
	return retryPolicy{
		maxAttempts: 3,
		backoffBase: 2 * time.Second,
		multiplier:  2.0,
		maxBackoff:  30 * time.Second,
	}
}

// runner abstracts session execution so retry and classification logic
// is testable without a live server.
type runner interface {
	Run(ctx context.Context, query string, params map[string]any, write bool) ([]Record, error)
	RunMany(ctx context.Context, queries []Query, write bool) error
	Close(ctx context.Context) error
}

// Store is the graph store adapter. All methods are safe for
// concurrent use; the underlying driver pools connections.
type Store struct {
	runner runner
	uri    string
	retry  retryPolicy
	logger *slog.Logger
}

// NewStore connects to the graph server and verifies connectivity
// before returning. The caller owns the store and must Close it.
func NewStore(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	if cfg.URI == "" {
		return nil, cserr.NewConfigError("graph.uri", fmt.Errorf("uri is required"))
	}
	if logger == nil {
		logger = slog.Default()
	}

	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.Username, cfg.Password, ""))
	if err != nil {
		return nil, cserr.NewGraphConnectionError(cfg.URI, err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, cserr.NewGraphConnectionError(cfg.URI, err)
	}

	retry := defaultRetryPolicy()
	if cfg.MaxRetries > 0 {
		retry.maxAttempts = cfg.MaxRetries
	}
	if cfg.RetryBase > 0 {
		retry.backoffBase = cfg.RetryBase
	}

	logger.Info("connected to graph store", "uri", cfg.URI, "database", cfg.Database)

	return &Store{
		runner: &driverRunner{driver: driver, database: cfg.Database},
		uri:    cfg.URI,
		retry:  retry,
		logger: logger,
	}, nil
}

// newStoreWithRunner wires a custom runner; used by tests.
func newStoreWithRunner(r runner, retry retryPolicy, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{runner: r, uri: "bolt://test", retry: retry, logger: logger}
}

// Execute runs a single query and returns its records. Reads return an
// empty slice when nothing matches. Transient failures are retried
// with exponential backoff; query errors surface immediately.
func (s *Store) Execute(ctx context.Context, query string, params map[string]any, write bool) ([]Record, error) {
	operation := "read"
	if write {
		operation = "write"
	}

	var records []Record
	err := s.withRetry(ctx, operation, query, func() error {
		var runErr error
		start := time.Now()
		records, runErr = s.runner.Run(ctx, query, params, write)
		s.observe(operation, start, runErr)
		return runErr
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// ExecuteMany runs queries in one transaction: all commit or none do.
// The same retry policy as Execute applies; writes must be idempotent
// for the retry to be safe, which holds for the MERGE-based writers.
func (s *Store) ExecuteMany(ctx context.Context, queries []Query, write bool) error {
	if len(queries) == 0 {
		return nil
	}

	operation := "read"
	if write {
		operation = "write"
	}

	return s.withRetry(ctx, operation, queries[0].Text, func() error {
		start := time.Now()
		runErr := s.runner.RunMany(ctx, queries, write)
		s.observe(operation, start, runErr)
		return runErr
	})
}

// ExecuteAsync runs Execute in a goroutine and delivers the single
// result on the returned channel.
func (s *Store) ExecuteAsync(ctx context.Context, query string, params map[string]any, write bool) <-chan Result {
	ch := make(chan Result, 1)
	go func() {
		records, err := s.Execute(ctx, query, params, write)
		ch <- Result{Records: records, Err: err}
		close(ch)
	}()
	return ch
}

// Close releases the driver's connection pool.
func (s *Store) Close(ctx context.Context) error {
	s.logger.Debug("closing graph store", "uri", s.uri)
	return s.runner.Close(ctx)
}

// CheckHealth verifies the store still answers queries. The probe runs
// once, outside the retry policy; health callers want the current
// answer, not an eventual one.
func (s *Store) CheckHealth(ctx context.Context) error {
	if _, err := s.runner.Run(ctx, "RETURN 1 AS ok", nil, false); err != nil {
		return cserr.NewGraphConnectionError(s.uri, err)
	}
	return nil
}

func (s *Store) observe(operation string, start time.Time, err error) {
	metrics.GraphQueryDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	success := "true"
	if err != nil {
		success = "false"
	}
	metrics.GraphQueriesTotal.WithLabelValues(operation, success).Inc()
}

// withRetry retries fn on transient failures. Non-transient errors
// become GraphQueryError immediately; exhausted retries become
// GraphConnectionError carrying the URI.
func (s *Store) withRetry(ctx context.Context, operation, query string, fn func() error) error {
	var lastErr error

	for attempt := 1; attempt <= s.retry.maxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		lastErr = err

		if !isTransient(err) {
			return cserr.NewGraphQueryError(query, err)
		}

		if attempt < s.retry.maxAttempts {
			backoff := s.calculateBackoff(attempt)
			s.logger.Warn("graph query failed, retrying",
				"operation", operation,
				"attempt", attempt,
				"max_attempts", s.retry.maxAttempts,
				"backoff", backoff,
				"error", err)

			select {
			case <-ctx.Done():
				return cserr.NewCancelledError("graph query")
			case <-time.After(backoff):
			}
		}
	}

	return cserr.NewGraphConnectionError(s.uri, lastErr)
}

// calculateBackoff computes exponential backoff with +/- 25% jitter.
func (s *Store) calculateBackoff(attempt int) time.Duration {
	multiplier := 1.0
	for i := 1; i < attempt; i++ {
		multiplier *= s.retry.multiplier
	}

	backoff := time.Duration(float64(s.retry.backoffBase) * multiplier)
	if backoff > s.retry.maxBackoff {
		backoff = s.retry.maxBackoff
	}

	jitter := float64(backoff) * 0.25 * (rand.Float64()*2 - 1)
	return backoff + time.Duration(jitter)
}

// isTransient reports whether err is worth retrying: connection-level
// failures and server-reported transient conditions. Syntax and
// constraint violations are not.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if neo4j.IsConnectivityError(err) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var neoErr *neo4j.Neo4jError
	if errors.As(err, &neoErr) {
		code := neoErr.Code
		return strings.HasPrefix(code, "Neo.TransientError") ||
			strings.HasSuffix(code, "ServiceUnavailable")
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

// driverRunner executes queries through the real driver using managed
// transactions, which gives the server-side transient retries for
// free on top of the store's connection-level retry.
type driverRunner struct {
	driver   neo4j.DriverWithContext
	database string
}

func (r *driverRunner) session(ctx context.Context, write bool) neo4j.SessionWithContext {
	mode := neo4j.AccessModeRead
	if write {
		mode = neo4j.AccessModeWrite
	}
	return r.driver.NewSession(ctx, neo4j.SessionConfig{
		DatabaseName: r.database,
		AccessMode:   mode,
	})
}

func (r *driverRunner) Run(ctx context.Context, query string, params map[string]any, write bool) ([]Record, error) {
	session := r.session(ctx, write)
	metrics.GraphConnections.Inc()
	defer func() {
		_ = session.Close(ctx)
		metrics.GraphConnections.Dec()
	}()

	work := func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, query, params)
		if err != nil {
			return nil, err
		}
		var records []Record
		for result.Next(ctx) {
			rec := result.Record()
			row := make(Record, len(rec.Keys))
			for i, key := range rec.Keys {
				row[key] = rec.Values[i]
			}
			records = append(records, row)
		}
		return records, result.Err()
	}

	var out any
	var err error
	if write {
		out, err = session.ExecuteWrite(ctx, work)
	} else {
		out, err = session.ExecuteRead(ctx, work)
	}
	if err != nil {
		return nil, err
	}
	records, _ := out.([]Record)
	return records, nil
}

func (r *driverRunner) RunMany(ctx context.Context, queries []Query, write bool) error {
	session := r.session(ctx, write)
	metrics.GraphConnections.Inc()
	defer func() {
		_ = session.Close(ctx)
		metrics.GraphConnections.Dec()
	}()

	work := func(tx neo4j.ManagedTransaction) (any, error) {
		for _, q := range queries {
			result, err := tx.Run(ctx, q.Text, q.Params)
			if err != nil {
				return nil, err
			}
			if _, err := result.Consume(ctx); err != nil {
				return nil, err
			}
		}
		return nil, nil
	}

	var err error
	if write {
		_, err = session.ExecuteWrite(ctx, work)
	} else {
		_, err = session.ExecuteRead(ctx, work)
	}
	return err
}

func (r *driverRunner) Close(ctx context.Context) error {
	return r.driver.Close(ctx)
}
