package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEntry satisfies jetstream.KeyValueEntry for the fake bucket.
type fakeEntry struct {
	key      string
	value    []byte
	revision uint64
	created  time.Time
}

func (e *fakeEntry) Bucket() string                  { return TaskBucket }
func (e *fakeEntry) Key() string                     { return e.key }
func (e *fakeEntry) Value() []byte                   { return e.value }
func (e *fakeEntry) Revision() uint64                { return e.revision }
func (e *fakeEntry) Created() time.Time              { return e.created }
func (e *fakeEntry) Delta() uint64                   { return 0 }
func (e *fakeEntry) Operation() jetstream.KeyValueOp { return jetstream.KeyValuePut }

// fakeKV is an in-memory kvBucket with optional scripted update
// conflicts.
type fakeKV struct {
	mu            sync.Mutex
	entries       map[string]*fakeEntry
	updateCalls   int
	conflictFirst int // fail this many Update calls with a conflict
}

func newFakeKV() *fakeKV {
	return &fakeKV{entries: make(map[string]*fakeEntry)}
}

func (f *fakeKV) Get(_ context.Context, key string) (jetstream.KeyValueEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.entries[key]
	if !ok {
		return nil, jetstream.ErrKeyNotFound
	}
	copied := *entry
	return &copied, nil
}

func (f *fakeKV) Put(_ context.Context, key string, value []byte) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rev := uint64(1)
	if existing, ok := f.entries[key]; ok {
		rev = existing.revision + 1
	}
	f.entries[key] = &fakeEntry{key: key, value: value, revision: rev, created: time.Now()}
	return rev, nil
}

func (f *fakeKV) Update(_ context.Context, key string, value []byte, revision uint64) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateCalls++
	if f.conflictFirst > 0 {
		f.conflictFirst--
		return 0, errors.New("nats: wrong last sequence")
	}
	entry, ok := f.entries[key]
	if !ok {
		return 0, jetstream.ErrKeyNotFound
	}
	if entry.revision != revision {
		return 0, errors.New("nats: wrong last sequence")
	}
	f.entries[key] = &fakeEntry{key: key, value: value, revision: revision + 1, created: entry.created}
	return revision + 1, nil
}

func (f *fakeKV) Delete(_ context.Context, key string, _ ...jetstream.KVDeleteOpt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entries, key)
	return nil
}

func (f *fakeKV) Keys(_ context.Context, _ ...jetstream.WatchOpt) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.entries) == 0 {
		return nil, jetstream.ErrNoKeysFound
	}
	keys := make([]string, 0, len(f.entries))
	for k := range f.entries {
		keys = append(keys, k)
	}
	return keys, nil
}

// rewrite stores a task record directly, bypassing the CAS path.
func (f *fakeKV) rewrite(t *testing.T, info TaskInfo) {
	t.Helper()
	data, err := json.Marshal(info)
	require.NoError(t, err)
	_, err = f.Put(context.Background(), info.ID, data)
	require.NoError(t, err)
}

type publishedMsg struct {
	subject string
	data    []byte
}

// fakeCore captures core-NATS publishes and hands out raw inboxes for
// subscriptions.
type fakeCore struct {
	mu        sync.Mutex
	published []publishedMsg
	inboxes   map[string]chan *nats.Msg
}

func newFakeCore() *fakeCore {
	return &fakeCore{inboxes: make(map[string]chan *nats.Msg)}
}

func (f *fakeCore) Publish(subj string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, publishedMsg{subject: subj, data: data})
	return nil
}

func (f *fakeCore) ChanSubscribe(subj string, ch chan *nats.Msg) (*nats.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inboxes[subj] = ch
	// Unsubscribe on a nil subscription returns ErrBadSubscription,
	// which the adapter ignores.
	return nil, nil
}

func (f *fakeCore) deliver(subj string, data []byte) {
	f.mu.Lock()
	inbox := f.inboxes[subj]
	f.mu.Unlock()
	inbox <- &nats.Msg{Subject: subj, Data: data}
}

func (f *fakeCore) subjects() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	subjects := make([]string, len(f.published))
	for i, p := range f.published {
		subjects[i] = p.subject
	}
	return subjects
}

// fakeStream captures JetStream publishes.
type fakeStream struct {
	mu        sync.Mutex
	published []publishedMsg
	onPublish func(subject string, payload []byte)
}

func (f *fakeStream) Publish(_ context.Context, subject string, payload []byte, _ ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.onPublish != nil {
		f.onPublish(subject, payload)
	}
	f.published = append(f.published, publishedMsg{subject: subject, data: payload})
	return &jetstream.PubAck{Stream: DefaultStream, Sequence: uint64(len(f.published))}, nil
}

func newTestQueue() (*Queue, *fakeKV, *fakeCore, *fakeStream) {
	tasks := newFakeKV()
	core := newFakeCore()
	stream := &fakeStream{}
	q := &Queue{
		core:     core,
		pub:      stream,
		tasks:    tasks,
		jobs:     newFakeKV(),
		stream:   DefaultStream,
		liveness: 60 * time.Second,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	return q, tasks, core, stream
}

func TestSubmitPublishesAfterRecordingPending(t *testing.T) {
	q, tasks, _, stream := newTestQueue()
	ctx := context.Background()

	recordedFirst := false
	stream.onPublish = func(_ string, payload []byte) {
		var env Envelope
		require.NoError(t, json.Unmarshal(payload, &env))
		_, err := tasks.Get(ctx, env.ID)
		recordedFirst = err == nil
	}

	handle, err := q.Submit(ctx, "filesystem", map[string]any{"repo_path": "/repo"}, "ingestion", SubmitOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, handle)
	assert.True(t, recordedFirst, "PENDING record must exist before the task is publishable")

	require.Len(t, stream.published, 1)
	assert.Equal(t, "tasks.ingestion.filesystem", stream.published[0].subject)

	var env Envelope
	require.NoError(t, json.Unmarshal(stream.published[0].data, &env))
	assert.Equal(t, string(handle), env.ID)
	assert.Equal(t, "filesystem", env.Name)
	assert.Equal(t, "/repo", env.Args["repo_path"])

	info, err := q.Inspect(ctx, handle)
	require.NoError(t, err)
	assert.Equal(t, TaskPending, info.State)
}

func TestSubmitValidatesNames(t *testing.T) {
	q, _, _, _ := newTestQueue()
	ctx := context.Background()

	_, err := q.Submit(ctx, "bad name", nil, "ingestion", SubmitOptions{})
	assert.Error(t, err)

	_, err = q.Submit(ctx, "filesystem", nil, "with.dots", SubmitOptions{})
	assert.Error(t, err)

	_, err = q.Submit(ctx, "filesystem", nil, "control", SubmitOptions{})
	assert.Error(t, err, "control is reserved for revocation subjects")
}

func TestInspectUnknownHandle(t *testing.T) {
	q, _, _, _ := newTestQueue()

	_, err := q.Inspect(context.Background(), Handle("missing"))
	assert.ErrorIs(t, err, ErrUnknownTask)
}

func TestStateTransitions(t *testing.T) {
	q, _, _, _ := newTestQueue()
	ctx := context.Background()

	handle, err := q.Submit(ctx, "summarizer", nil, "ingestion", SubmitOptions{})
	require.NoError(t, err)

	require.NoError(t, q.SetRunning(ctx, handle, 42.5, "summarizing src/main.py"))
	info, err := q.Inspect(ctx, handle)
	require.NoError(t, err)
	assert.Equal(t, TaskRunning, info.State)
	assert.Equal(t, 42.5, info.Meta["progress"])
	assert.Equal(t, "summarizing src/main.py", info.Meta["message"])

	require.NoError(t, q.SetSuccess(ctx, handle, map[string]any{"nodes": 12}))
	info, err = q.Inspect(ctx, handle)
	require.NoError(t, err)
	assert.Equal(t, TaskSuccess, info.State)
	assert.Equal(t, float64(100), info.Meta["progress"])
	assert.JSONEq(t, `{"nodes":12}`, string(info.Result))

	// Terminal states refuse further transitions.
	assert.ErrorIs(t, q.SetFailure(ctx, handle, "late failure"), ErrTaskFinished)
	assert.ErrorIs(t, q.SetRunning(ctx, handle, 10, ""), ErrTaskFinished)
}

func TestSetRunningClampsProgress(t *testing.T) {
	q, _, _, _ := newTestQueue()
	ctx := context.Background()

	handle, err := q.Submit(ctx, "ast", nil, "ingestion", SubmitOptions{})
	require.NoError(t, err)

	require.NoError(t, q.SetRunning(ctx, handle, 180, ""))
	info, err := q.Inspect(ctx, handle)
	require.NoError(t, err)
	assert.Equal(t, float64(100), info.Meta["progress"])
}

func TestInspectProjectsLostWorker(t *testing.T) {
	q, tasks, _, _ := newTestQueue()
	ctx := context.Background()

	handle, err := q.Submit(ctx, "ast", nil, "ingestion", SubmitOptions{})
	require.NoError(t, err)

	// A worker heartbeat that stopped two minutes ago.
	info, _, err := q.load(ctx, handle)
	require.NoError(t, err)
	info.State = TaskRunning
	info.UpdatedAt = time.Now().Add(-2 * time.Minute)
	tasks.rewrite(t, info)

	projected, err := q.Inspect(ctx, handle)
	require.NoError(t, err)
	assert.Equal(t, TaskFailure, projected.State)
	assert.Contains(t, projected.Error, "worker lost")

	// The stored record is untouched; only the projection changes.
	stored, _, err := q.load(ctx, handle)
	require.NoError(t, err)
	assert.Equal(t, TaskRunning, stored.State)
}

func TestRevokePendingTask(t *testing.T) {
	q, _, core, _ := newTestQueue()
	ctx := context.Background()

	handle, err := q.Submit(ctx, "docgrapher", nil, "ingestion", SubmitOptions{})
	require.NoError(t, err)

	require.NoError(t, q.Revoke(ctx, handle, true))

	info, err := q.Inspect(ctx, handle)
	require.NoError(t, err)
	assert.Equal(t, TaskRevoked, info.State)

	assert.Contains(t, core.subjects(), "tasks.control.revoke."+string(handle))
}

func TestRevokeRunningWithoutTerminate(t *testing.T) {
	q, _, core, _ := newTestQueue()
	ctx := context.Background()

	handle, err := q.Submit(ctx, "summarizer", nil, "ingestion", SubmitOptions{})
	require.NoError(t, err)
	require.NoError(t, q.SetRunning(ctx, handle, 50, ""))

	require.NoError(t, q.Revoke(ctx, handle, false))

	info, err := q.Inspect(ctx, handle)
	require.NoError(t, err)
	assert.Equal(t, TaskRunning, info.State, "running task keeps going without terminate")
	assert.Empty(t, core.subjects(), "no control signal without terminate")
}

func TestRevokeFinishedTaskIsNoop(t *testing.T) {
	q, _, _, _ := newTestQueue()
	ctx := context.Background()

	handle, err := q.Submit(ctx, "filesystem", nil, "ingestion", SubmitOptions{})
	require.NoError(t, err)
	require.NoError(t, q.SetSuccess(ctx, handle, nil))

	require.NoError(t, q.Revoke(ctx, handle, true))

	info, err := q.Inspect(ctx, handle)
	require.NoError(t, err)
	assert.Equal(t, TaskSuccess, info.State)
}

func TestTransitionRetriesOnConflict(t *testing.T) {
	q, tasks, _, _ := newTestQueue()
	ctx := context.Background()

	handle, err := q.Submit(ctx, "filesystem", nil, "ingestion", SubmitOptions{})
	require.NoError(t, err)

	tasks.conflictFirst = 1
	require.NoError(t, q.SetRunning(ctx, handle, 5, ""))
	assert.Equal(t, 2, tasks.updateCalls, "first CAS conflict must be retried")

	info, err := q.Inspect(ctx, handle)
	require.NoError(t, err)
	assert.Equal(t, TaskRunning, info.State)
}

func TestPublishUsesEventSubject(t *testing.T) {
	q, _, core, _ := newTestQueue()

	err := q.Publish(context.Background(), "jobs.abc-123", map[string]string{"kind": "progress"})
	require.NoError(t, err)

	subjects := core.subjects()
	require.Len(t, subjects, 1)
	assert.Equal(t, "events.jobs.abc-123", subjects[0])
}

func TestChannelClass(t *testing.T) {
	assert.Equal(t, "jobs", channelClass("jobs.abc-123"))
	assert.Equal(t, "system", channelClass("system"))
}

func TestSubscribeDeliversUntilCancel(t *testing.T) {
	q, _, core, _ := newTestQueue()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := q.Subscribe(ctx, "jobs.j1")
	require.NoError(t, err)

	core.deliver("events.jobs.j1", []byte(`{"kind":"step_started"}`))

	select {
	case data := <-events:
		assert.JSONEq(t, `{"kind":"step_started"}`, string(data))
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}

	cancel()
	select {
	case _, open := <-events:
		assert.False(t, open, "channel must close on cancellation")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for close")
	}
}

func TestRevocationWatchExtractsTaskID(t *testing.T) {
	q, _, core, _ := newTestQueue()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	revocations, err := q.RevocationWatch(ctx)
	require.NoError(t, err)

	// The server sets the concrete subject on delivery.
	core.inboxes[revokeSubjectWildcard] <- &nats.Msg{Subject: "tasks.control.revoke.task-77"}

	select {
	case id := <-revocations:
		assert.Equal(t, "task-77", id)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for revocation")
	}
}

func TestJobStoreRoundTrip(t *testing.T) {
	q, _, _, _ := newTestQueue()
	store := q.JobStore()
	ctx := context.Background()

	keys, err := store.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)

	require.NoError(t, store.Put(ctx, "job-1", []byte(`{"status":"RUNNING"}`)))

	value, revision, err := store.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"RUNNING"}`, string(value))

	require.NoError(t, store.Update(ctx, "job-1", []byte(`{"status":"COMPLETED"}`), revision))
	assert.Error(t, store.Update(ctx, "job-1", []byte(`{"status":"FAILED"}`), revision), "stale revision must be refused")

	keys, err = store.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"job-1"}, keys)

	require.NoError(t, store.Delete(ctx, "job-1"))
	_, _, err = store.Get(ctx, "job-1")
	assert.ErrorIs(t, err, jetstream.ErrKeyNotFound)
}

func TestTerminalStates(t *testing.T) {
	tests := []struct {
		state TaskState
		want  bool
	}{
		{TaskPending, false},
		{TaskRunning, false},
		{TaskSuccess, true},
		{TaskFailure, true},
		{TaskRevoked, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.state.Terminal(), string(tt.state))
	}
}

func TestValidToken(t *testing.T) {
	assert.NoError(t, validToken("ingestion"))
	assert.NoError(t, validToken("task_queue-1"))
	assert.Error(t, validToken(""))
	assert.Error(t, validToken("a.b"))
	assert.Error(t, validToken("a b"))
	assert.Error(t, validToken("tasks.*"))
	assert.Error(t, validToken("control"))
}

func TestSubjectHelpers(t *testing.T) {
	assert.Equal(t, "tasks.ingestion.filesystem", taskSubject("ingestion", "filesystem"))
	assert.Equal(t, "events.jobs.j9", eventSubject("jobs.j9"))
	assert.Equal(t, fmt.Sprintf("tasks.control.revoke.%s", "id-1"), revokeSubject("id-1"))
}
