package worker_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coxswain-dev/coxswain/internal/ratelimit"
	"github.com/coxswain-dev/coxswain/internal/store"
	"github.com/coxswain-dev/coxswain/internal/testutil"
	"github.com/coxswain-dev/coxswain/internal/worker"
)

func newTestWorker(t *testing.T, st *store.Store, exec worker.Executor) *worker.Worker {
	t.Helper()
	detect := ratelimit.NewDetector(nil)
	return worker.New("chan-1", st, testutil.NewAuditLog(t), exec, worker.Opts{Command: "claude"}, detect, zerolog.Nop())
}

// fakeSink records throttle notifications from workers.
type fakeSink struct {
	mu       sync.Mutex
	channels []string
	resumeAt time.Time
}

func (s *fakeSink) OnRateLimited(_ context.Context, channelID string, at time.Time) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels = append(s.channels, channelID)
	s.resumeAt = at.Add(5 * time.Minute)
	return s.resumeAt, nil
}

func TestProcessDeliversFinalExactlyOnce(t *testing.T) {
	st := testutil.NewStore(t)
	exec := &testutil.ScriptedExecutor{Output: []string{
		testutil.SystemLine("sess-1"),
		testutil.AssistantTextLine("checking the repo"),
		testutil.ResultLine("done", false),
	}}
	w := newTestWorker(t, st, exec)
	n := &testutil.CaptureNotifier{}

	err := w.Process(context.Background(), worker.Message{MessageID: "m1", Content: "hi"}, n)
	require.NoError(t, err)

	// Exactly one final delivery, and the final text never leaked into the
	// progress path.
	require.Equal(t, []string{"done"}, n.Finals())
	for _, p := range n.ProgressMessages() {
		assert.NotContains(t, p, "done")
	}
	assert.Contains(t, n.ProgressMessages(), "🤔 Thinking…")
	assert.Equal(t, worker.PhaseIdle, w.Phase())
}

func TestProcessRecordsTranscript(t *testing.T) {
	st := testutil.NewStore(t)
	exec := &testutil.ScriptedExecutor{Output: []string{
		testutil.SystemLine("sess-7"),
		testutil.ResultLine("answer", false),
	}}
	w := newTestWorker(t, st, exec)

	require.NoError(t, w.Process(context.Background(), worker.Message{Content: "question"}, &testutil.CaptureNotifier{}))

	entries, err := st.ListTranscript("chan-1", "sess-7")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "user", entries[0].Role)
	assert.Equal(t, "question", entries[0].Content)
	assert.Equal(t, "assistant", entries[1].Role)
	assert.Equal(t, "answer", entries[1].Content)
}

func TestProcessSpawnFailure(t *testing.T) {
	st := testutil.NewStore(t)
	exec := &testutil.ScriptedExecutor{StartErr: worker.ErrSpawn}
	w := newTestWorker(t, st, exec)
	n := &testutil.CaptureNotifier{}

	err := w.Process(context.Background(), worker.Message{Content: "hi"}, n)
	require.Error(t, err)
	assert.True(t, errors.Is(err, worker.ErrSpawn))
	assert.Equal(t, worker.PhaseIdle, w.Phase(), "spawn failure resets to idle")
	require.Len(t, n.Finals(), 1)
	assert.Contains(t, n.Finals()[0], "Could not start")
}

func TestProcessRateLimitDetection(t *testing.T) {
	st := testutil.NewStore(t)
	exec := &testutil.ScriptedExecutor{Output: []string{
		testutil.SystemLine("sess-1"),
		testutil.ResultLine("usage limit reached, try again later", true),
	}}
	w := newTestWorker(t, st, exec)
	sink := &fakeSink{}
	w.SetRateLimitSink(sink)
	n := &testutil.CaptureNotifier{}

	err := w.Process(context.Background(), worker.Message{Content: "hi"}, n)
	require.NoError(t, err, "rate limiting is control flow, not a failure")

	assert.True(t, w.IsRateLimited())
	assert.Equal(t, worker.PhaseRateLimited, w.Phase())
	assert.True(t, w.AutoResumeEnabled())
	assert.Equal(t, []string{"chan-1"}, sink.channels)
	assert.Empty(t, n.Finals(), "a rate-limited run has no final reply")

	// The throttle state survived to disk.
	persisted, err := st.GetWorkerState("chan-1")
	require.NoError(t, err)
	require.NotNil(t, persisted)
	assert.NotNil(t, persisted.RateLimitedAt)
	assert.True(t, persisted.AutoResume)
}

func TestProcessWhileRateLimitedIsRejected(t *testing.T) {
	st := testutil.NewStore(t)
	w := newTestWorker(t, st, &testutil.ScriptedExecutor{})
	w.MarkRateLimited(time.Now())

	err := w.Process(context.Background(), worker.Message{Content: "hi"}, &testutil.CaptureNotifier{})
	assert.True(t, errors.Is(err, worker.ErrRateLimited))
}

func TestProcessErrorEventWithoutRateLimit(t *testing.T) {
	st := testutil.NewStore(t)
	exec := &testutil.ScriptedExecutor{Output: []string{
		testutil.SystemLine("sess-1"),
		testutil.ResultLine("model exploded", true),
	}}
	w := newTestWorker(t, st, exec)
	n := &testutil.CaptureNotifier{}

	err := w.Process(context.Background(), worker.Message{Content: "hi"}, n)
	require.NoError(t, err)
	assert.False(t, w.IsRateLimited())
	require.Len(t, n.Finals(), 1)
	assert.Contains(t, n.Finals()[0], "model exploded")
}

func TestCancelOutsideStreamingIsNoop(t *testing.T) {
	st := testutil.NewStore(t)
	w := newTestWorker(t, st, &testutil.ScriptedExecutor{})
	assert.False(t, w.Cancel(), "nothing to cancel in idle")
}

// blockingExecutor holds the run open until released, so tests can observe
// the streaming phase.
type blockingExecutor struct {
	started chan struct{}
	release chan struct{}
}

func (e *blockingExecutor) ExecuteStreaming(ctx context.Context, _ worker.ExecSpec, onStarted func(), onData func([]byte)) (*worker.ExecResult, error) {
	if onStarted != nil {
		onStarted()
	}
	close(e.started)
	select {
	case <-e.release:
	case <-ctx.Done():
		return &worker.ExecResult{ExitCode: -1}, ctx.Err()
	}
	onData([]byte(testutil.ResultLine("late", false)))
	return &worker.ExecResult{}, nil
}

func TestProcessPhaseGuardRejectsConcurrentCalls(t *testing.T) {
	st := testutil.NewStore(t)
	exec := &blockingExecutor{started: make(chan struct{}), release: make(chan struct{})}
	w := newTestWorker(t, st, exec)

	done := make(chan error, 1)
	go func() {
		done <- w.Process(context.Background(), worker.Message{Content: "first"}, &testutil.CaptureNotifier{})
	}()

	<-exec.started
	assert.Equal(t, worker.PhaseStreaming, w.Phase())

	err := w.Process(context.Background(), worker.Message{Content: "second"}, &testutil.CaptureNotifier{})
	assert.True(t, errors.Is(err, worker.ErrBusy))

	close(exec.release)
	require.NoError(t, <-done)
}

func TestCancelDuringStreaming(t *testing.T) {
	st := testutil.NewStore(t)
	exec := &blockingExecutor{started: make(chan struct{}), release: make(chan struct{})}
	w := newTestWorker(t, st, exec)
	n := &testutil.CaptureNotifier{}

	done := make(chan error, 1)
	go func() {
		done <- w.Process(context.Background(), worker.Message{Content: "long task"}, n)
	}()

	<-exec.started
	assert.True(t, w.Cancel())

	require.NoError(t, <-done)
	assert.Equal(t, worker.PhaseIdle, w.Phase())
	assert.Empty(t, n.Finals(), "a cancelled run delivers no final")

	joined := strings.Join(n.ProgressMessages(), " ")
	assert.Contains(t, joined, "Stopped")
}

func TestRestoreCollapsesMidRunPhaseToIdle(t *testing.T) {
	st := testutil.NewStore(t)
	state := &store.WorkerState{ChannelID: "chan-1", WorkerName: "worker-x", Phase: worker.PhaseStreaming}
	require.NoError(t, st.SaveWorkerState(state))

	w := worker.Restore(state, st, testutil.NewAuditLog(t), &testutil.ScriptedExecutor{}, worker.Opts{}, nil, zerolog.Nop())
	assert.Equal(t, worker.PhaseIdle, w.Phase())
}

func TestRestoreKeepsRateLimitedPhase(t *testing.T) {
	st := testutil.NewStore(t)
	at := time.Now().UTC().Add(-time.Minute)
	state := &store.WorkerState{
		ChannelID:     "chan-1",
		WorkerName:    "worker-x",
		Phase:         worker.PhaseIdle, // stale phase; timestamp wins
		RateLimitedAt: &at,
		AutoResume:    true,
	}

	w := worker.Restore(state, st, testutil.NewAuditLog(t), &testutil.ScriptedExecutor{}, worker.Opts{}, nil, zerolog.Nop())
	assert.Equal(t, worker.PhaseRateLimited, w.Phase())
	assert.True(t, w.IsRateLimited())
}
