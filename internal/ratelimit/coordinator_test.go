package ratelimit_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coxswain-dev/coxswain/internal/notify"
	"github.com/coxswain-dev/coxswain/internal/ratelimit"
	"github.com/coxswain-dev/coxswain/internal/registry"
	"github.com/coxswain-dev/coxswain/internal/store"
	"github.com/coxswain-dev/coxswain/internal/testutil"
	"github.com/coxswain-dev/coxswain/internal/worker"
)

type fixture struct {
	st        *store.Store
	reg       *registry.Registry
	coord     *ratelimit.Coordinator
	notifiers []*testutil.CaptureNotifier
}

func newFixture(t *testing.T, delay time.Duration, opts ...ratelimit.Option) *fixture {
	t.Helper()
	f := &fixture{st: testutil.NewStore(t)}
	exec := &testutil.ScriptedExecutor{Output: []string{
		testutil.SystemLine("sess-1"),
		testutil.ResultLine("replayed", false),
	}}
	f.reg = registry.New(f.st, testutil.NewAuditLog(t), exec, nil, worker.Opts{Command: "claude"}, nil, zerolog.Nop())
	factory := func(channelID, messageID string) notify.Notifier {
		n := &testutil.CaptureNotifier{}
		f.notifiers = append(f.notifiers, n)
		return n
	}
	f.coord = ratelimit.New(f.st, testutil.NewAuditLog(t), f.reg, factory, delay, zerolog.Nop(), opts...)
	f.reg.SetCoordinator(f.coord, f.coord)
	t.Cleanup(f.coord.Shutdown)
	return f
}

func (f *fixture) addWorker(t *testing.T, channelID string) *worker.Worker {
	t.Helper()
	w, err := f.reg.CreateWorker(channelID)
	require.NoError(t, err)
	require.NoError(t, f.reg.ConfigureSession(context.Background(), channelID, "acme/api", false, false))
	return w
}

func TestRateLimitEndTime(t *testing.T) {
	f := newFixture(t, 5*time.Minute)
	w := f.addWorker(t, "chan-1")

	_, ok := f.coord.RateLimitEndTime("chan-1")
	assert.False(t, ok, "no end time before a limit is recorded")

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	resumeAt, err := f.coord.SaveRateLimitInfo(context.Background(), "chan-1", at)
	require.NoError(t, err)
	assert.Equal(t, at.Add(5*time.Minute), resumeAt)
	assert.True(t, w.IsRateLimited())
	assert.True(t, f.coord.IsRateLimited("chan-1"))

	end, ok := f.coord.RateLimitEndTime("chan-1")
	require.True(t, ok)
	assert.Equal(t, at.Add(5*time.Minute), end)
}

func TestExecuteAutoResumeReplaysOldestOnly(t *testing.T) {
	f := newFixture(t, 5*time.Minute)
	w := f.addWorker(t, "chan-1")
	w.MarkRateLimited(time.Now().UTC())

	require.NoError(t, f.coord.QueueMessage("chan-1", worker.Message{MessageID: "m1", Content: "first"}))
	require.NoError(t, f.coord.QueueMessage("chan-1", worker.Message{MessageID: "m2", Content: "second"}))

	require.NoError(t, f.coord.ExecuteAutoResume(context.Background(), "chan-1"))

	assert.False(t, w.IsRateLimited())
	require.Len(t, f.notifiers, 1, "exactly one queued message replayed")
	assert.Equal(t, []string{"replayed"}, f.notifiers[0].Finals())

	remaining, err := f.st.QueuedCount("chan-1")
	require.NoError(t, err)
	assert.Equal(t, 1, remaining, "the second message waits for the next cycle")
}

func TestExecuteAutoResumeDrainsAll(t *testing.T) {
	f := newFixture(t, 5*time.Minute, ratelimit.WithDrainAll(true))
	w := f.addWorker(t, "chan-1")
	w.MarkRateLimited(time.Now().UTC())

	require.NoError(t, f.coord.QueueMessage("chan-1", worker.Message{MessageID: "m1", Content: "first"}))
	require.NoError(t, f.coord.QueueMessage("chan-1", worker.Message{MessageID: "m2", Content: "second"}))

	require.NoError(t, f.coord.ExecuteAutoResume(context.Background(), "chan-1"))

	assert.Len(t, f.notifiers, 2)
	remaining, err := f.st.QueuedCount("chan-1")
	require.NoError(t, err)
	assert.Equal(t, 0, remaining)
}

func TestExecuteAutoResumeRespectsDisable(t *testing.T) {
	f := newFixture(t, 5*time.Minute)
	w := f.addWorker(t, "chan-1")
	w.MarkRateLimited(time.Now().UTC())

	require.NoError(t, f.coord.DisableAutoResume("chan-1"))
	require.NoError(t, f.coord.ExecuteAutoResume(context.Background(), "chan-1"))

	assert.True(t, w.IsRateLimited(), "disabled resume leaves the cooldown in place")
	assert.Empty(t, f.notifiers)
}

func TestExecuteAutoResumeUnknownChannelIsNoop(t *testing.T) {
	f := newFixture(t, 5*time.Minute)
	require.NoError(t, f.coord.ExecuteAutoResume(context.Background(), "chan-gone"))
}

func TestQueueMessagePersists(t *testing.T) {
	f := newFixture(t, 5*time.Minute)
	f.addWorker(t, "chan-1")

	require.NoError(t, f.coord.QueueMessage("chan-1", worker.Message{MessageID: "m1", AuthorID: "u1", Content: "hello"}))

	queued, err := f.st.DequeueOldest("chan-1")
	require.NoError(t, err)
	require.NotNil(t, queued)
	assert.Equal(t, "m1", queued.MessageID)
	assert.Equal(t, "u1", queued.AuthorID)
	assert.Equal(t, "hello", queued.Content)
}

// TestRestoreTimersAfterRestart simulates the crash-recovery sequence: a
// channel is limited at t=1000 with a 300s cooldown, the process dies, and
// a new coordinator comes up later with only the persisted state.
func TestRestoreTimersAfterRestart(t *testing.T) {
	base := time.Unix(1000, 0).UTC()

	t.Run("overdue resume fires immediately", func(t *testing.T) {
		now := base.Add(301 * time.Second)
		f := newFixture(t, 300*time.Second, ratelimit.WithClock(func() time.Time { return now }))
		w := f.addWorker(t, "chan-1")
		w.MarkRateLimited(base)
		require.NoError(t, f.coord.QueueMessage("chan-1", worker.Message{MessageID: "m1", Content: "pending"}))

		handled, err := f.coord.RestoreTimers(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, handled)
		assert.False(t, w.IsRateLimited())
		require.Len(t, f.notifiers, 1)
		assert.Equal(t, []string{"replayed"}, f.notifiers[0].Finals())
	})

	t.Run("unexpired cooldown is re-armed, not fired", func(t *testing.T) {
		now := base.Add(100 * time.Second)
		f := newFixture(t, 300*time.Second, ratelimit.WithClock(func() time.Time { return now }))
		w := f.addWorker(t, "chan-1")
		w.MarkRateLimited(base)

		handled, err := f.coord.RestoreTimers(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, handled)
		assert.True(t, w.IsRateLimited(), "cooldown still pending after restore")
		assert.Empty(t, f.notifiers)
	})

	t.Run("disabled auto-resume is skipped", func(t *testing.T) {
		now := base.Add(301 * time.Second)
		f := newFixture(t, 300*time.Second, ratelimit.WithClock(func() time.Time { return now }))
		w := f.addWorker(t, "chan-1")
		w.MarkRateLimited(base)
		w.SetAutoResume(false)

		handled, err := f.coord.RestoreTimers(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 0, handled)
		assert.True(t, w.IsRateLimited())
	})
}

func TestCancelTimerIsIdempotent(t *testing.T) {
	f := newFixture(t, 5*time.Minute)
	f.addWorker(t, "chan-1")

	_, err := f.coord.SaveRateLimitInfo(context.Background(), "chan-1", time.Now().UTC())
	require.NoError(t, err)

	f.coord.CancelTimer("chan-1")
	f.coord.CancelTimer("chan-1")
	f.coord.CancelTimer("chan-never-existed")
}
