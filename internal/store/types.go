// Package store provides SQLite-backed persistence for coxswain sessions,
// worker execution state, queued messages, and transcripts.
package store

import "time"

// Session binds one chat channel to one conversational session.
type Session struct {
	ChannelID  string
	Repo       string
	Status     string // active, archived
	CreatedAt  time.Time
	LastActive time.Time
}

// Session status values.
const (
	SessionActive   = "active"
	SessionArchived = "archived"
)

// WorkerState is the durable slice of a worker's execution state. It is
// written back after every mutation that must survive a restart.
type WorkerState struct {
	ChannelID     string
	WorkerName    string
	PlanMode      bool
	UseContainer  bool
	Phase         string // idle, starting, streaming, rate_limited
	RateLimitedAt *time.Time
	AutoResume    bool
	LastActive    time.Time
}

// QueuedMessage is an inbound message deferred while its channel is
// rate-limited. Consumed oldest-first on resume.
type QueuedMessage struct {
	ID         string
	ChannelID  string
	MessageID  string
	AuthorID   string
	Content    string
	EnqueuedAt time.Time
}

// TranscriptEntry is one persisted exchange line, keyed by channel and the
// tool-side session id for restart continuity.
type TranscriptEntry struct {
	ID            int64
	ChannelID     string
	ToolSessionID string
	Role          string // user, assistant
	Content       string
	CreatedAt     time.Time
}
