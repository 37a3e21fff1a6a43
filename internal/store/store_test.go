package store

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestSessionLifecycle(t *testing.T) {
	st := newTestStore(t)

	missing, err := st.GetSession("chan-1")
	require.NoError(t, err)
	assert.Nil(t, missing, "absence is a normal result, not an error")

	sess, err := st.CreateSession("chan-1", "github.com/acme/app")
	require.NoError(t, err)
	assert.Equal(t, SessionActive, sess.Status)

	loaded, err := st.GetSession("chan-1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "github.com/acme/app", loaded.Repo)

	require.NoError(t, st.ArchiveSession("chan-1"))
	archived, err := st.GetSession("chan-1")
	require.NoError(t, err)
	assert.Equal(t, SessionArchived, archived.Status)

	active, err := st.ListActiveSessions()
	require.NoError(t, err)
	assert.Empty(t, active)

	all, err := st.ListSessions()
	require.NoError(t, err)
	assert.Len(t, all, 1, "archiving does not delete history")
}

func TestArchiveUnknownSessionIsNoop(t *testing.T) {
	st := newTestStore(t)
	assert.NoError(t, st.ArchiveSession("never-existed"))
}

func TestWorkerStateRoundTrip(t *testing.T) {
	st := newTestStore(t)

	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	state := &WorkerState{
		ChannelID:     "chan-1",
		WorkerName:    "worker-abc",
		PlanMode:      true,
		Phase:         "rate_limited",
		RateLimitedAt: &at,
		AutoResume:    true,
	}
	require.NoError(t, st.SaveWorkerState(state))

	loaded, err := st.GetWorkerState("chan-1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "worker-abc", loaded.WorkerName)
	assert.True(t, loaded.PlanMode)
	assert.Equal(t, "rate_limited", loaded.Phase)
	require.NotNil(t, loaded.RateLimitedAt)
	assert.True(t, loaded.RateLimitedAt.Equal(at))
	assert.True(t, loaded.AutoResume)

	// Upsert: clearing the rate limit persists nil.
	state.RateLimitedAt = nil
	state.Phase = "idle"
	require.NoError(t, st.SaveWorkerState(state))

	loaded, err = st.GetWorkerState("chan-1")
	require.NoError(t, err)
	assert.Nil(t, loaded.RateLimitedAt)
	assert.Equal(t, "idle", loaded.Phase)

	require.NoError(t, st.DeleteWorkerState("chan-1"))
	gone, err := st.GetWorkerState("chan-1")
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestQueueIsFIFO(t *testing.T) {
	st := newTestStore(t)

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for i, content := range []string{"first", "second", "third"} {
		require.NoError(t, st.EnqueueMessage(&QueuedMessage{
			ChannelID:  "chan-1",
			Content:    content,
			EnqueuedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	n, err := st.QueuedCount("chan-1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	first, err := st.DequeueOldest("chan-1")
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, "first", first.Content)

	second, err := st.DequeueOldest("chan-1")
	require.NoError(t, err)
	assert.Equal(t, "second", second.Content)

	require.NoError(t, st.ClearQueue("chan-1"))
	empty, err := st.DequeueOldest("chan-1")
	require.NoError(t, err)
	assert.Nil(t, empty)
}

func TestDequeueEmptyQueue(t *testing.T) {
	st := newTestStore(t)
	msg, err := st.DequeueOldest("nobody")
	require.NoError(t, err)
	assert.Nil(t, msg)
}

func TestTranscriptKeyedByChannelAndSession(t *testing.T) {
	st := newTestStore(t)

	entries := []TranscriptEntry{
		{ChannelID: "chan-1", ToolSessionID: "s1", Role: "user", Content: "hello"},
		{ChannelID: "chan-1", ToolSessionID: "s1", Role: "assistant", Content: "hi"},
		{ChannelID: "chan-1", ToolSessionID: "s2", Role: "user", Content: "again"},
		{ChannelID: "chan-2", ToolSessionID: "s3", Role: "user", Content: "other channel"},
	}
	for i := range entries {
		entries[i].CreatedAt = time.Date(2026, 3, 1, 9, 0, i, 0, time.UTC)
		require.NoError(t, st.AppendTranscript(&entries[i]))
	}

	all, err := st.ListTranscript("chan-1", "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
	assert.Equal(t, "hello", all[0].Content)

	s1Only, err := st.ListTranscript("chan-1", "s1")
	require.NoError(t, err)
	assert.Len(t, s1Only, 2)
}

func TestConcurrentTranscriptAccess(t *testing.T) {
	st := newTestStore(t)

	const writers = 64
	var wg sync.WaitGroup
	errs := make(chan error, writers*2)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := st.AppendTranscript(&TranscriptEntry{
				ChannelID: "chan-1",
				Role:      "user",
				Content:   fmt.Sprintf("message %d", i),
			}); err != nil {
				errs <- err
				return
			}
			if _, err := st.ListTranscript("chan-1", ""); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	// Every goroutine must see the migrated schema, not a fresh private
	// in-memory database from another pooled connection.
	for err := range errs {
		t.Errorf("concurrent transcript access: %v", err)
	}

	entries, err := st.ListTranscript("chan-1", "")
	require.NoError(t, err)
	assert.Len(t, entries, writers)
}

func TestDequeueDeliversEachMessageOnce(t *testing.T) {
	st := newTestStore(t)

	const queued = 20
	for i := 0; i < queued; i++ {
		require.NoError(t, st.EnqueueMessage(&QueuedMessage{
			ChannelID: "chan-1",
			MessageID: fmt.Sprintf("m%d", i),
			Content:   "queued",
		}))
	}

	var mu sync.Mutex
	delivered := make(map[string]int)
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				msg, err := st.DequeueOldest("chan-1")
				if err != nil {
					t.Errorf("dequeue: %v", err)
					return
				}
				if msg == nil {
					return
				}
				mu.Lock()
				delivered[msg.MessageID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, delivered, queued)
	for id, n := range delivered {
		assert.Equal(t, 1, n, "message %s delivered more than once", id)
	}
}
