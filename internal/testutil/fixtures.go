// Package testutil provides test helper utilities for coxswain tests.
package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/coxswain-dev/coxswain/internal/store"
	"github.com/coxswain-dev/coxswain/internal/worker"
)

// NewStore returns an in-memory SQLite store, closed when the test finishes.
func NewStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.NewStore(":memory:")
	if err != nil {
		t.Fatalf("creating test store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// NewAuditLog returns an AuditLog rooted in a test temp directory.
func NewAuditLog(t *testing.T) *store.AuditLog {
	t.Helper()
	audit, err := store.NewAuditLog(t.TempDir())
	if err != nil {
		t.Fatalf("creating test audit log: %v", err)
	}
	return audit
}

// SystemLine builds a system/init stream line announcing a session id.
func SystemLine(sessionID string) string {
	return fmt.Sprintf(`{"type":"system","subtype":"init","session_id":%q}`+"\n", sessionID)
}

// AssistantTextLine builds an assistant line with one text block.
func AssistantTextLine(text string) string {
	line := map[string]any{
		"type": "assistant",
		"message": map[string]any{
			"content": []map[string]any{{"type": "text", "text": text}},
		},
	}
	data, _ := json.Marshal(line)
	return string(data) + "\n"
}

// ResultLine builds a final result line.
func ResultLine(text string, isError bool) string {
	line := map[string]any{"type": "result", "result": text, "is_error": isError}
	data, _ := json.Marshal(line)
	return string(data) + "\n"
}

// ScriptedExecutor is a worker.Executor that replays canned output instead
// of spawning a process.
type ScriptedExecutor struct {
	// Output chunks are delivered to onData in order.
	Output []string
	// StartErr, when set, simulates a spawn failure (nil result).
	StartErr error
	// RunErr is returned after the output is delivered.
	RunErr error
	// ExitCode of the simulated process.
	ExitCode int

	mu    sync.Mutex
	specs []worker.ExecSpec
}

func (e *ScriptedExecutor) ExecuteStreaming(ctx context.Context, spec worker.ExecSpec, onStarted func(), onData func([]byte)) (*worker.ExecResult, error) {
	e.mu.Lock()
	e.specs = append(e.specs, spec)
	e.mu.Unlock()

	if e.StartErr != nil {
		return nil, e.StartErr
	}
	if onStarted != nil {
		onStarted()
	}
	for _, chunk := range e.Output {
		if ctx.Err() != nil {
			return &worker.ExecResult{ExitCode: -1}, ctx.Err()
		}
		if onData != nil {
			onData([]byte(chunk))
		}
	}
	if ctx.Err() != nil {
		return &worker.ExecResult{ExitCode: -1}, ctx.Err()
	}
	return &worker.ExecResult{ExitCode: e.ExitCode}, e.RunErr
}

// Specs returns the invocation specs seen so far.
func (e *ScriptedExecutor) Specs() []worker.ExecSpec {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]worker.ExecSpec, len(e.specs))
	copy(out, e.specs)
	return out
}

// CaptureNotifier records every notification it receives.
type CaptureNotifier struct {
	mu        sync.Mutex
	progress  []string
	finals    []string
	reactions []string
}

func (n *CaptureNotifier) Progress(_ context.Context, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.progress = append(n.progress, text)
	return nil
}

func (n *CaptureNotifier) React(_ context.Context, emoji string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reactions = append(n.reactions, emoji)
	return nil
}

func (n *CaptureNotifier) Final(_ context.Context, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.finals = append(n.finals, text)
	return nil
}

// ProgressMessages returns the recorded progress notifications.
func (n *CaptureNotifier) ProgressMessages() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.progress))
	copy(out, n.progress)
	return out
}

// Finals returns the recorded final deliveries.
func (n *CaptureNotifier) Finals() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.finals))
	copy(out, n.finals)
	return out
}

// Reactions returns the recorded emoji reactions.
func (n *CaptureNotifier) Reactions() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.reactions))
	copy(out, n.reactions)
	return out
}
