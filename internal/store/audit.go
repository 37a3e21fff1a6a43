// audit.go appends JSON audit events to a per-day log.jsonl file. Audit
// writes are best-effort; a failed append must never abort the operation
// that produced it.
package store

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Audit event type constants.
const (
	AuditSessionCreated   = "session_created"
	AuditSessionArchived  = "session_archived"
	AuditRunStarted       = "run_started"
	AuditRunCompleted     = "run_completed"
	AuditRunCancelled     = "run_cancelled"
	AuditRunFailed        = "run_failed"
	AuditRateLimited      = "rate_limited"
	AuditResumeScheduled  = "resume_scheduled"
	AuditResumeExecuted   = "resume_executed"
	AuditMessageQueued    = "message_queued"
	AuditSessionsRestored = "sessions_restored"
)

// AuditEvent is a single structured entry written to the audit log.
type AuditEvent struct {
	Time      time.Time `json:"time"`
	Event     string    `json:"event"`
	ChannelID string    `json:"channel,omitempty"`
	SessionID string    `json:"session,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	ResumeAt  string    `json:"resume_at,omitempty"`
	Queued    int       `json:"queued,omitempty"`
	Error     string    `json:"error,omitempty"`
	Count     int       `json:"count,omitempty"`
}

// AuditLog writes append-only JSONL events, one file per UTC day.
type AuditLog struct {
	dir string
	mu  sync.Mutex
}

// NewAuditLog creates an AuditLog rooted at dir/audit. The directory is
// created if it does not already exist. Existing files are never truncated.
func NewAuditLog(dir string) (*AuditLog, error) {
	auditDir := filepath.Join(dir, "audit")
	if err := os.MkdirAll(auditDir, 0755); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}
	return &AuditLog{dir: auditDir}, nil
}

func (a *AuditLog) dayPath(t time.Time) string {
	return filepath.Join(a.dir, t.UTC().Format("2006-01-02")+".jsonl")
}

// Append writes a single AuditEvent as one JSON line to today's file.
// If event.Time is the zero value, it is set to time.Now().UTC().
func (a *AuditLog) Append(event AuditEvent) error {
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	f, err := os.OpenFile(a.dayPath(event.Time), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open audit file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}
	return nil
}

// ReadDay reads and parses all events for the given UTC day.
// Returns an empty slice (not an error) if the file does not exist.
func (a *AuditLog) ReadDay(day time.Time) ([]AuditEvent, error) {
	f, err := os.Open(a.dayPath(day))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []AuditEvent{}, nil
		}
		return nil, fmt.Errorf("open audit file: %w", err)
	}
	defer f.Close()

	var events []AuditEvent
	scanner := bufio.NewScanner(f)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var event AuditEvent
		if err := json.Unmarshal(line, &event); err != nil {
			return nil, fmt.Errorf("parse audit line %d: %w", lineNum, err)
		}
		events = append(events, event)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read audit file: %w", err)
	}
	return events, nil
}
