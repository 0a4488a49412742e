package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/codestoryhq/codestory/metrics"
)

// Config holds the connection settings for the queue.
type Config struct {
	// URL is the NATS server URL, e.g. nats://localhost:4222.
	URL string

	// Stream names the work-queue stream (default CODESTORY_TASKS).
	Stream string

	// ResultTTL bounds how long finished task and job records are
	// retained in the KV buckets (default 24h).
	ResultTTL time.Duration

	// LivenessWindow is how stale a RUNNING task's heartbeat may be
	// before Inspect projects it as FAILURE (default 60s).
	LivenessWindow time.Duration
}

// ErrTaskFinished is returned by state transitions against a task that
// already reached a terminal state.
var ErrTaskFinished = errors.New("task already in terminal state")

// kvBucket is the subset of the JetStream KeyValue interface the
// adapter uses; narrowed so state logic is testable without a server.
type kvBucket interface {
	Get(ctx context.Context, key string) (jetstream.KeyValueEntry, error)
	Put(ctx context.Context, key string, value []byte) (uint64, error)
	Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error)
	Delete(ctx context.Context, key string, opts ...jetstream.KVDeleteOpt) error
	Keys(ctx context.Context, opts ...jetstream.WatchOpt) ([]string, error)
}

// corePublisher is the subset of *nats.Conn used for events and
// control signals.
type corePublisher interface {
	Publish(subj string, data []byte) error
	ChanSubscribe(subj string, ch chan *nats.Msg) (*nats.Subscription, error)
}

// streamPublisher is the subset of jetstream.JetStream used to enqueue
// tasks.
type streamPublisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// Queue is the task queue adapter. Safe for concurrent use.
type Queue struct {
	conn     *nats.Conn
	core     corePublisher
	js       jetstream.JetStream
	pub      streamPublisher
	tasks    kvBucket
	jobs     kvBucket
	stream   string
	liveness time.Duration
	logger   *slog.Logger
}

// Connect establishes the NATS connection and provisions the
// work-queue stream and KV buckets. The caller owns the queue and must
// Close it.
func Connect(ctx context.Context, cfg Config, logger *slog.Logger) (*Queue, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.Stream == "" {
		cfg.Stream = DefaultStream
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = 24 * time.Hour
	}
	if cfg.LivenessWindow <= 0 {
		cfg.LivenessWindow = 60 * time.Second
	}

	conn, err := nats.Connect(cfg.URL,
		nats.Name("codestory"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to queue at %s: %w", cfg.URL, err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("jetstream context: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      cfg.Stream,
		Subjects:  []string{taskSubjectWildcard},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create stream %s: %w", cfg.Stream, err)
	}

	tasks, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket: TaskBucket,
		TTL:    cfg.ResultTTL,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create bucket %s: %w", TaskBucket, err)
	}

	jobs, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket: JobBucket,
		TTL:    cfg.ResultTTL,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create bucket %s: %w", JobBucket, err)
	}

	logger.Info("connected to task queue", "url", cfg.URL, "stream", cfg.Stream)

	return &Queue{
		conn:     conn,
		core:     conn,
		js:       js,
		pub:      js,
		tasks:    tasks,
		jobs:     jobs,
		stream:   cfg.Stream,
		liveness: cfg.LivenessWindow,
		logger:   logger,
	}, nil
}

// Close drains the connection, letting in-flight publishes finish.
func (q *Queue) Close() error {
	if q.conn == nil {
		return nil
	}
	return q.conn.Drain()
}

// CheckHealth round-trips a ping to the server.
func (q *Queue) CheckHealth(ctx context.Context) error {
	if q.conn == nil {
		return errors.New("queue connection not established")
	}
	if err := q.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("queue unresponsive: %w", err)
	}
	return nil
}

// Submit enqueues a named task on the given queue and returns its
// handle. The PENDING record is written before the publish so the
// handle is observable by the time a worker can pick the task up.
func (q *Queue) Submit(ctx context.Context, name string, args map[string]any, queueName string, opts SubmitOptions) (Handle, error) {
	if err := validToken(name); err != nil {
		return "", err
	}
	if err := validToken(queueName); err != nil {
		return "", err
	}

	id := uuid.NewString()
	now := time.Now().UTC()

	info := TaskInfo{
		ID:          id,
		Name:        name,
		Queue:       queueName,
		State:       TaskPending,
		SubmittedAt: now,
		UpdatedAt:   now,
	}
	record, err := json.Marshal(info)
	if err != nil {
		return "", fmt.Errorf("marshal task record: %w", err)
	}
	if _, err := q.tasks.Put(ctx, id, record); err != nil {
		return "", fmt.Errorf("store task record: %w", err)
	}

	envelope, err := json.Marshal(Envelope{
		ID:          id,
		Name:        name,
		Queue:       queueName,
		Args:        args,
		SubmittedAt: now,
	})
	if err != nil {
		return "", fmt.Errorf("marshal task envelope: %w", err)
	}
	if _, err := q.pub.Publish(ctx, taskSubject(queueName, name), envelope); err != nil {
		return "", fmt.Errorf("publish task: %w", err)
	}

	metrics.TasksTotal.WithLabelValues(name, string(TaskPending)).Inc()
	q.logger.Debug("task submitted", "task_id", id, "name", name, "queue", queueName)

	return Handle(id), nil
}

// Inspect returns the current state of a handle. A RUNNING task whose
// heartbeat is older than the liveness window is projected as FAILURE
// with a lost-worker reason; the stored record is left untouched and
// the orchestrator decides what to do about it.
func (q *Queue) Inspect(ctx context.Context, handle Handle) (TaskInfo, error) {
	info, _, err := q.load(ctx, handle)
	if err != nil {
		return TaskInfo{}, err
	}

	if info.State == TaskRunning && q.liveness > 0 {
		if stale := time.Since(info.UpdatedAt); stale > q.liveness {
			info.State = TaskFailure
			info.Error = fmt.Sprintf("worker lost: no heartbeat for %s", stale.Round(time.Second))
		}
	}
	return info, nil
}

// errNoTransition signals that a transition left the record unchanged
// on purpose; callers treat it as success.
var errNoTransition = errors.New("no transition")

// Revoke marks the task REVOKED and, with terminate, signals workers
// on the control subject. Without terminate a running task is left to
// finish; the mark only prevents a pending task from starting.
// Revoking an already-finished task is a no-op.
func (q *Queue) Revoke(ctx context.Context, handle Handle, terminate bool) error {
	err := q.transition(ctx, handle, func(info *TaskInfo) error {
		if info.State.Terminal() {
			return errNoTransition
		}
		if info.State == TaskRunning && !terminate {
			return errNoTransition
		}
		info.State = TaskRevoked
		info.Error = "revoked"
		return nil
	})
	if err != nil && !errors.Is(err, errNoTransition) {
		return err
	}

	if terminate {
		if pubErr := q.core.Publish(revokeSubject(string(handle)), nil); pubErr != nil {
			return fmt.Errorf("publish revocation: %w", pubErr)
		}
	}
	return nil
}

// SetRunning records worker progress and doubles as the liveness
// heartbeat. Progress is clamped to [0,100].
func (q *Queue) SetRunning(ctx context.Context, handle Handle, progress float64, message string) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	return q.transition(ctx, handle, func(info *TaskInfo) error {
		if info.State.Terminal() {
			return ErrTaskFinished
		}
		info.State = TaskRunning
		if info.Meta == nil {
			info.Meta = make(map[string]any)
		}
		info.Meta["progress"] = progress
		if message != "" {
			info.Meta["message"] = message
		}
		return nil
	})
}

// SetSuccess records the task result and finishes the task.
func (q *Queue) SetSuccess(ctx context.Context, handle Handle, result any) error {
	var raw json.RawMessage
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("marshal task result: %w", err)
		}
		raw = data
	}
	return q.transition(ctx, handle, func(info *TaskInfo) error {
		if info.State.Terminal() {
			return ErrTaskFinished
		}
		info.State = TaskSuccess
		info.Result = raw
		if info.Meta == nil {
			info.Meta = make(map[string]any)
		}
		info.Meta["progress"] = float64(100)
		return nil
	})
}

// SetFailure records the failure reason and finishes the task.
func (q *Queue) SetFailure(ctx context.Context, handle Handle, reason string) error {
	return q.transition(ctx, handle, func(info *TaskInfo) error {
		if info.State.Terminal() {
			return ErrTaskFinished
		}
		info.State = TaskFailure
		info.Error = reason
		return nil
	})
}

// load reads and decodes a task record with its revision.
func (q *Queue) load(ctx context.Context, handle Handle) (TaskInfo, uint64, error) {
	entry, err := q.tasks.Get(ctx, string(handle))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return TaskInfo{}, 0, fmt.Errorf("task %s: %w", handle, ErrUnknownTask)
		}
		return TaskInfo{}, 0, fmt.Errorf("load task %s: %w", handle, err)
	}
	var info TaskInfo
	if err := json.Unmarshal(entry.Value(), &info); err != nil {
		return TaskInfo{}, 0, fmt.Errorf("decode task %s: %w", handle, err)
	}
	return info, entry.Revision(), nil
}

// transition applies mutate under compare-and-swap so concurrent
// writers (worker heartbeat vs revocation) cannot clobber each other.
func (q *Queue) transition(ctx context.Context, handle Handle, mutate func(*TaskInfo) error) error {
	const casAttempts = 3

	var lastErr error
	for attempt := 0; attempt < casAttempts; attempt++ {
		info, revision, err := q.load(ctx, handle)
		if err != nil {
			return err
		}

		before := info.State
		if err := mutate(&info); err != nil {
			return err
		}
		info.UpdatedAt = time.Now().UTC()

		record, err := json.Marshal(info)
		if err != nil {
			return fmt.Errorf("marshal task record: %w", err)
		}
		if _, err := q.tasks.Update(ctx, string(handle), record, revision); err != nil {
			lastErr = err
			continue
		}

		if info.State != before {
			metrics.TasksTotal.WithLabelValues(info.Name, string(info.State)).Inc()
		}
		return nil
	}
	return fmt.Errorf("update task %s: %w", handle, lastErr)
}

// Publish sends a JSON-encoded payload on an event channel.
func (q *Queue) Publish(ctx context.Context, channel string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := q.core.Publish(eventSubject(channel), data); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	metrics.EventsPublished.WithLabelValues(channelClass(channel)).Inc()
	return nil
}

// channelClass folds per-job channels into one metric label.
func channelClass(channel string) string {
	if i := strings.IndexByte(channel, '.'); i > 0 {
		return channel[:i]
	}
	return channel
}

// Subscribe delivers raw event payloads for a channel until ctx is
// cancelled. The returned channel is closed on cancellation.
func (q *Queue) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	inbox := make(chan *nats.Msg, 64)
	sub, err := q.core.ChanSubscribe(eventSubject(channel), inbox)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	out := make(chan []byte, 64)
	go func() {
		defer close(out)
		defer func() { _ = sub.Unsubscribe() }()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-inbox:
				if !ok {
					return
				}
				select {
				case out <- msg.Data:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// RevocationWatch delivers the ids of tasks revoked with terminate.
// Workers cancel the matching in-flight context.
func (q *Queue) RevocationWatch(ctx context.Context) (<-chan string, error) {
	inbox := make(chan *nats.Msg, 16)
	sub, err := q.core.ChanSubscribe(revokeSubjectWildcard, inbox)
	if err != nil {
		return nil, fmt.Errorf("subscribe revocations: %w", err)
	}

	out := make(chan string, 16)
	go func() {
		defer close(out)
		defer func() { _ = sub.Unsubscribe() }()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-inbox:
				if !ok {
					return
				}
				parts := strings.Split(msg.Subject, ".")
				id := parts[len(parts)-1]
				select {
				case out <- id:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Consume fetches tasks for one queue with a durable consumer and
// hands each envelope to handler. Undecodable messages are terminated
// so they cannot poison the queue; handled messages are acked whether
// the handler succeeded or not, because the outcome lives in the task
// record, not in redelivery.
func (q *Queue) Consume(ctx context.Context, queueName string, handler func(context.Context, Envelope) error) error {
	if err := validToken(queueName); err != nil {
		return err
	}

	consumer, err := q.js.CreateOrUpdateConsumer(ctx, q.stream, jetstream.ConsumerConfig{
		Durable:       "worker_" + queueName,
		FilterSubject: taskSubject(queueName, "*"),
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       5 * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("create consumer for %s: %w", queueName, err)
	}

	q.logger.Info("consuming tasks", "queue", queueName, "stream", q.stream)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		batch, err := consumer.Fetch(1, jetstream.FetchMaxWait(5*time.Second))
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			continue
		}

		for msg := range batch.Messages() {
			select {
			case <-ctx.Done():
				_ = msg.Nak()
				return nil
			default:
			}
			q.handleTask(ctx, msg, handler)
		}
	}
}

func (q *Queue) handleTask(ctx context.Context, msg jetstream.Msg, handler func(context.Context, Envelope) error) {
	var env Envelope
	if err := json.Unmarshal(msg.Data(), &env); err != nil {
		q.logger.Warn("terminating undecodable task", "subject", msg.Subject(), "error", err)
		_ = msg.Term()
		return
	}

	// Keep the ack window open for long-running tasks.
	keepCtx, stopKeepalive := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-keepCtx.Done():
				return
			case <-ticker.C:
				_ = msg.InProgress()
			}
		}
	}()

	err := handler(ctx, env)
	stopKeepalive()

	if err != nil {
		q.logger.Warn("task handler failed", "task_id", env.ID, "name", env.Name, "error", err)
	}
	_ = msg.Ack()
}

// JobStore returns a typed view on the job bucket for the
// orchestrator's job records.
func (q *Queue) JobStore() *Store {
	return &Store{kv: q.jobs}
}

// Store is a small wrapper over a KV bucket for JSON records.
type Store struct {
	kv kvBucket
}

// Put stores value under key, overwriting any previous revision.
func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	_, err := s.kv.Put(ctx, key, value)
	return err
}

// Get loads the value and its revision; ErrUnknownTask-style absence
// is reported with jetstream.ErrKeyNotFound.
func (s *Store) Get(ctx context.Context, key string) ([]byte, uint64, error) {
	entry, err := s.kv.Get(ctx, key)
	if err != nil {
		return nil, 0, err
	}
	return entry.Value(), entry.Revision(), nil
}

// Update stores value only if revision still matches.
func (s *Store) Update(ctx context.Context, key string, value []byte, revision uint64) error {
	_, err := s.kv.Update(ctx, key, value, revision)
	return err
}

// Delete removes the record.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.kv.Delete(ctx, key)
}

// Keys lists the stored keys; an empty bucket yields an empty slice.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, err
	}
	return keys, nil
}
