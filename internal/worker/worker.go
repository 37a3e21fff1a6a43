// Package worker implements the per-channel execution state machine. A
// worker owns at most one in-flight AI CLI subprocess, feeds its output
// through the stream parser, and turns events into notifications.
package worker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/coxswain-dev/coxswain/internal/notify"
	"github.com/coxswain-dev/coxswain/internal/store"
	"github.com/coxswain-dev/coxswain/internal/stream"
)

// Execution phases, persisted verbatim in store.WorkerState.Phase.
const (
	PhaseIdle        = "idle"
	PhaseStarting    = "starting"
	PhaseStreaming   = "streaming"
	PhaseRateLimited = "rate_limited"
)

// Message is one inbound chat message handed to a worker.
type Message struct {
	MessageID string
	AuthorID  string
	Content   string
}

// RateLimitSink receives throttle detections. The coordinator implements it;
// the returned time is when the automatic resume will fire.
type RateLimitSink interface {
	OnRateLimited(ctx context.Context, channelID string, at time.Time) (time.Time, error)
}

// Worker drives subprocess invocations for one channel. All exported methods
// are safe for concurrent use; Process itself is serialized by the phase
// guard, so a second call while one is in flight returns ErrBusy.
type Worker struct {
	channelID string
	st        *store.Store
	audit     *store.AuditLog
	exec      Executor
	opts      Opts
	detect    func(string) bool
	log       zerolog.Logger

	mu            sync.Mutex
	state         store.WorkerState
	sink          RateLimitSink
	cancel        context.CancelFunc
	cancelled     bool
	toolSessionID string
}

// New creates an idle worker with fresh durable state for the channel.
func New(channelID string, st *store.Store, audit *store.AuditLog, exec Executor, opts Opts, detect func(string) bool, log zerolog.Logger) *Worker {
	return &Worker{
		channelID: channelID,
		st:        st,
		audit:     audit,
		exec:      exec,
		opts:      opts,
		detect:    detect,
		log:       log.With().Str("channel", channelID).Logger(),
		state: store.WorkerState{
			ChannelID:  channelID,
			WorkerName: "worker-" + uuid.New().String()[:8],
			Phase:      PhaseIdle,
		},
	}
}

// Restore rebuilds a worker from persisted state at startup. A phase that
// was mid-run when the process died collapses back to Idle; only the
// rate-limited phase survives a restart.
func Restore(state *store.WorkerState, st *store.Store, audit *store.AuditLog, exec Executor, opts Opts, detect func(string) bool, log zerolog.Logger) *Worker {
	w := New(state.ChannelID, st, audit, exec, opts, detect, log)
	w.state = *state
	if w.state.RateLimitedAt != nil {
		w.state.Phase = PhaseRateLimited
	} else if w.state.Phase != PhaseIdle {
		w.state.Phase = PhaseIdle
	}
	return w
}

// SetRateLimitSink wires the coordinator in after construction.
func (w *Worker) SetRateLimitSink(sink RateLimitSink) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sink = sink
}

// ChannelID returns the channel this worker is bound to.
func (w *Worker) ChannelID() string { return w.channelID }

// Name returns the worker's generated name.
func (w *Worker) Name() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state.WorkerName
}

// Phase returns the current execution phase.
func (w *Worker) Phase() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state.Phase
}

// State returns a copy of the durable state for listing and restore handoff.
func (w *Worker) State() store.WorkerState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// SetWorkDir points the next invocation at a prepared working directory.
func (w *Worker) SetWorkDir(dir string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.opts.WorkDir = dir
}

// SetPlanMode toggles plan mode for the next invocation.
func (w *Worker) SetPlanMode(enabled bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state.PlanMode = enabled
	w.persistLocked()
}

// PlanMode reports whether plan mode is on.
func (w *Worker) PlanMode() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state.PlanMode
}

// SetUseContainer toggles containerized execution for the next invocation.
func (w *Worker) SetUseContainer(enabled bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state.UseContainer = enabled
	w.persistLocked()
}

// IsRateLimited reports whether a throttle timestamp is pending.
func (w *Worker) IsRateLimited() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state.RateLimitedAt != nil
}

// RateLimitedAt returns the throttle detection time, or nil.
func (w *Worker) RateLimitedAt() *time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state.RateLimitedAt == nil {
		return nil
	}
	t := *w.state.RateLimitedAt
	return &t
}

// AutoResumeEnabled reports whether the pending rate limit resumes itself.
func (w *Worker) AutoResumeEnabled() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state.AutoResume
}

// SetAutoResume flips the auto-resume flag and persists it.
func (w *Worker) SetAutoResume(enabled bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state.AutoResume = enabled
	w.persistLocked()
}

// MarkRateLimited records a throttle detection: timestamp persisted,
// auto-resume enabled, phase parked at rate-limited.
func (w *Worker) MarkRateLimited(at time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	at = at.UTC()
	w.state.RateLimitedAt = &at
	w.state.AutoResume = true
	w.state.Phase = PhaseRateLimited
	w.persistLocked()
}

// ClearRateLimit drops the throttle fields and returns the worker to Idle.
func (w *Worker) ClearRateLimit() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state.RateLimitedAt = nil
	w.state.Phase = PhaseIdle
	w.persistLocked()
}

// Cancel signals the in-flight subprocess. It only means something while a
// run is active; in any other phase there is nothing to cancel and the
// caller gets false, not an error.
func (w *Worker) Cancel() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state.Phase != PhaseStreaming && w.state.Phase != PhaseStarting {
		return false
	}
	if w.cancel == nil {
		return false
	}
	w.cancelled = true
	w.cancel()
	return true
}

// invocation accumulates the outcome of one subprocess run. It is touched
// only from the executor's pump goroutine and, after the run, Process.
type invocation struct {
	final       string
	errText     string
	rateLimited bool
	rateLimitAt time.Time
}

// Process runs one message through the state machine:
// Idle → Starting → Streaming → {Completed, RateLimited, Cancelled, Failed} → Idle.
func (w *Worker) Process(ctx context.Context, msg Message, n notify.Notifier) error {
	runCtx, err := w.begin(ctx)
	if err != nil {
		return err
	}

	_ = n.React(ctx, "👀")
	w.auditEvent(store.AuditEvent{Event: store.AuditRunStarted, ChannelID: w.channelID})

	w.mu.Lock()
	spec := buildSpec(w.opts, msg.Content, w.state.PlanMode, w.state.UseContainer, w.toolSessionID)
	w.mu.Unlock()

	parser := stream.NewParser()
	inv := &invocation{}

	onStarted := func() {
		w.setPhase(PhaseStreaming)
	}
	onData := func(chunk []byte) {
		for _, ev := range parser.Feed(chunk) {
			w.handleEvent(ctx, ev, inv, msg, n)
		}
	}

	res, runErr := w.exec.ExecuteStreaming(runCtx, spec, onStarted, onData)
	for _, ev := range parser.Flush() {
		w.handleEvent(ctx, ev, inv, msg, n)
	}

	return w.resolve(ctx, res, runErr, inv, n)
}

// begin performs the Idle → Starting transition under the phase guard.
func (w *Worker) begin(ctx context.Context) (context.Context, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch w.state.Phase {
	case PhaseRateLimited:
		return nil, ErrRateLimited
	case PhaseIdle:
	default:
		return nil, fmt.Errorf("%w: phase %s", ErrBusy, w.state.Phase)
	}

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.cancelled = false
	w.state.Phase = PhaseStarting
	w.persistLocked()
	return runCtx, nil
}

func (w *Worker) handleEvent(ctx context.Context, ev stream.Event, inv *invocation, msg Message, n notify.Notifier) {
	switch ev.Type {
	case stream.EventSessionStarted:
		w.mu.Lock()
		w.toolSessionID = ev.SessionID
		w.mu.Unlock()
		w.appendTranscript(ev.SessionID, "user", msg.Content)
		_ = n.Progress(ctx, "🤔 Thinking…")

	case stream.EventAssistant:
		for _, item := range ev.Items {
			if text := stream.RenderItem(item); text != "" {
				_ = n.Progress(ctx, text)
			}
		}

	case stream.EventToolResult:
		if text := stream.SummarizeToolResult(ev.Payload); text != "" {
			_ = n.Progress(ctx, text)
		}

	case stream.EventFinalResult:
		// Finals never go through the progress path; the caller receives
		// the text exactly once, via Final.
		inv.final = ev.Text

	case stream.EventError:
		if w.detect != nil && w.detect(ev.Text) {
			inv.rateLimited = true
			inv.rateLimitAt = time.Now().UTC()
			w.mu.Lock()
			cancel := w.cancel
			w.mu.Unlock()
			// Kill the child immediately instead of waiting for exit.
			if cancel != nil {
				cancel()
			}
			return
		}
		inv.errText = ev.Text
		_ = n.Progress(ctx, "⚠️ "+ev.Text)
	}
}

// resolve maps the finished run onto a terminal state and resets to Idle
// (or parks in RateLimited). Persisted state and transcript are updated
// before the machine accepts the next message.
func (w *Worker) resolve(ctx context.Context, res *ExecResult, runErr error, inv *invocation, n notify.Notifier) error {
	switch {
	case inv.rateLimited:
		w.MarkRateLimited(inv.rateLimitAt)
		w.mu.Lock()
		sink := w.sink
		w.cancel = nil
		w.mu.Unlock()
		if sink != nil {
			if resumeAt, err := sink.OnRateLimited(ctx, w.channelID, inv.rateLimitAt); err == nil {
				_ = n.Progress(ctx, fmt.Sprintf("⏸️ Rate limited. New messages are queued; work resumes automatically around %s.", resumeAt.UTC().Format(time.Kitchen)))
			}
		}
		w.log.Warn().Time("at", inv.rateLimitAt).Msg("run intercepted by rate limit")
		return nil

	case w.wasCancelled():
		w.finish(PhaseIdle)
		w.auditEvent(store.AuditEvent{Event: store.AuditRunCancelled, ChannelID: w.channelID})
		_ = n.Progress(ctx, "🛑 Stopped.")
		return nil

	case res == nil:
		w.finish(PhaseIdle)
		w.auditEvent(store.AuditEvent{Event: store.AuditRunFailed, ChannelID: w.channelID, Error: runErr.Error()})
		_ = n.Final(ctx, "⚠️ Could not start the assistant. Check that the CLI is installed and on PATH.")
		return fmt.Errorf("spawning subprocess: %w", runErr)

	case runErr != nil:
		w.finish(PhaseIdle)
		stderr := strings.TrimSpace(string(res.Stderr))
		w.auditEvent(store.AuditEvent{Event: store.AuditRunFailed, ChannelID: w.channelID, Error: runErr.Error()})
		w.log.Error().Err(runErr).Int("exit_code", res.ExitCode).Str("stderr", stream.Clamp(stderr, 500)).Msg("run failed")
		_ = n.Final(ctx, "⚠️ The run failed. Try again, or close and restart the session.")
		return fmt.Errorf("run failed: %w", runErr)

	default:
		if inv.final == "" && inv.errText != "" {
			w.finish(PhaseIdle)
			w.auditEvent(store.AuditEvent{Event: store.AuditRunFailed, ChannelID: w.channelID, Error: inv.errText})
			_ = n.Final(ctx, "⚠️ "+stream.Clamp(inv.errText, 500))
			return nil
		}

		w.mu.Lock()
		toolSession := w.toolSessionID
		w.mu.Unlock()
		w.appendTranscript(toolSession, "assistant", inv.final)

		w.finish(PhaseIdle)
		w.auditEvent(store.AuditEvent{Event: store.AuditRunCompleted, ChannelID: w.channelID, SessionID: toolSession})
		_ = n.Final(ctx, inv.final)
		return nil
	}
}

func (w *Worker) wasCancelled() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cancelled
}

func (w *Worker) setPhase(phase string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state.Phase = phase
	w.persistLocked()
}

func (w *Worker) finish(phase string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cancel = nil
	w.state.Phase = phase
	w.persistLocked()
}

// persistLocked writes the durable state back. Persistence failures degrade
// durability, not availability: they are logged and the operation continues.
func (w *Worker) persistLocked() {
	if err := w.st.SaveWorkerState(&w.state); err != nil {
		w.log.Error().Err(err).Msg("persist worker state failed")
	}
}

func (w *Worker) appendTranscript(toolSessionID, role, content string) {
	if content == "" {
		return
	}
	err := w.st.AppendTranscript(&store.TranscriptEntry{
		ChannelID:     w.channelID,
		ToolSessionID: toolSessionID,
		Role:          role,
		Content:       content,
	})
	if err != nil {
		w.log.Error().Err(err).Msg("append transcript failed")
	}
}

// auditEvent appends best-effort; an audit failure is never escalated.
func (w *Worker) auditEvent(ev store.AuditEvent) {
	if w.audit == nil {
		return
	}
	if err := w.audit.Append(ev); err != nil {
		w.log.Debug().Err(err).Msg("audit append failed")
	}
}
