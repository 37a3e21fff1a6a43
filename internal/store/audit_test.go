package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditAppendAndReadDay(t *testing.T) {
	audit, err := NewAuditLog(t.TempDir())
	require.NoError(t, err)

	day := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, audit.Append(AuditEvent{Time: day, Event: AuditRateLimited, ChannelID: "chan-1"}))
	require.NoError(t, audit.Append(AuditEvent{Time: day.Add(time.Minute), Event: AuditResumeExecuted, ChannelID: "chan-1"}))

	events, err := audit.ReadDay(day)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, AuditRateLimited, events[0].Event)
	assert.Equal(t, AuditResumeExecuted, events[1].Event)
}

func TestAuditSplitsFilesPerDay(t *testing.T) {
	audit, err := NewAuditLog(t.TempDir())
	require.NoError(t, err)

	day1 := time.Date(2026, 3, 1, 23, 59, 0, 0, time.UTC)
	day2 := time.Date(2026, 3, 2, 0, 1, 0, 0, time.UTC)
	require.NoError(t, audit.Append(AuditEvent{Time: day1, Event: AuditRunStarted}))
	require.NoError(t, audit.Append(AuditEvent{Time: day2, Event: AuditRunCompleted}))

	first, err := audit.ReadDay(day1)
	require.NoError(t, err)
	assert.Len(t, first, 1)

	second, err := audit.ReadDay(day2)
	require.NoError(t, err)
	assert.Len(t, second, 1)
}

func TestAuditReadMissingDay(t *testing.T) {
	audit, err := NewAuditLog(t.TempDir())
	require.NoError(t, err)

	events, err := audit.ReadDay(time.Now())
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestAuditDefaultsTimestamp(t *testing.T) {
	audit, err := NewAuditLog(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, audit.Append(AuditEvent{Event: AuditRunStarted}))
	events, err := audit.ReadDay(time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.False(t, events[0].Time.IsZero())
}
