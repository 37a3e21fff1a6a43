// Package registry owns the channel→worker mapping. It is the single point
// of truth for whether a channel has an active session, and the entry point
// every inbound message is routed through.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/coxswain-dev/coxswain/internal/notify"
	"github.com/coxswain-dev/coxswain/internal/store"
	"github.com/coxswain-dev/coxswain/internal/worker"
)

// Sentinel errors surfaced to the routing layer.
var (
	// ErrWorkerNotFound means the channel has no active session; the user
	// should be told to start one first.
	ErrWorkerNotFound = errors.New("no active session for channel")

	// ErrAlreadyActive means a session already exists for the channel.
	ErrAlreadyActive = errors.New("session already active for channel")
)

// Limiter is the slice of the rate-limit coordinator the registry needs.
// Wired in after construction to break the dependency cycle.
type Limiter interface {
	IsRateLimited(channelID string) bool
	RateLimitEndTime(channelID string) (time.Time, bool)
	QueueMessage(channelID string, msg worker.Message) error
	CancelTimer(channelID string)
}

// Registry is the session admin: create, look up, route, terminate, restore.
type Registry struct {
	st    *store.Store
	audit *store.AuditLog
	exec  worker.Executor
	repos worker.RepoProvider
	opts  worker.Opts
	det   func(string) bool
	log   zerolog.Logger

	mu      sync.RWMutex
	workers map[string]*worker.Worker
	limiter Limiter
	sink    worker.RateLimitSink
}

// New creates an empty Registry. Call SetCoordinator before routing.
func New(st *store.Store, audit *store.AuditLog, exec worker.Executor, repos worker.RepoProvider, opts worker.Opts, detect func(string) bool, log zerolog.Logger) *Registry {
	return &Registry{
		st:      st,
		audit:   audit,
		exec:    exec,
		repos:   repos,
		opts:    opts,
		det:     detect,
		log:     log.With().Str("component", "registry").Logger(),
		workers: make(map[string]*worker.Worker),
	}
}

// SetCoordinator wires the rate-limit coordinator into the registry and all
// registered workers.
func (r *Registry) SetCoordinator(limiter Limiter, sink worker.RateLimitSink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limiter = limiter
	r.sink = sink
	for _, w := range r.workers {
		w.SetRateLimitSink(sink)
	}
}

// CreateWorker allocates and registers a new idle worker for the channel.
// Fails with ErrAlreadyActive when one is already registered or an active
// session is persisted for the channel. Nothing is persisted until the
// caller configures the session via ConfigureSession.
func (r *Registry) CreateWorker(channelID string) (*worker.Worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.workers[channelID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyActive, channelID)
	}
	if sess, err := r.st.GetSession(channelID); err != nil {
		return nil, fmt.Errorf("lookup session: %w", err)
	} else if sess != nil && sess.Status == store.SessionActive {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyActive, channelID)
	}

	w := worker.New(channelID, r.st, r.audit, r.exec, r.opts, r.det, r.log)
	if r.sink != nil {
		w.SetRateLimitSink(r.sink)
	}
	r.workers[channelID] = w
	return w, nil
}

// ConfigureSession persists the session record and initial worker state for
// a freshly created worker: repository binding and mode flags.
func (r *Registry) ConfigureSession(ctx context.Context, channelID, repo string, planMode, useContainer bool) error {
	w, err := r.GetWorker(channelID)
	if err != nil {
		return err
	}

	if r.repos != nil && repo != "" {
		dir, err := r.repos.EnsureWorkdir(ctx, repo)
		if err != nil {
			return fmt.Errorf("prepare repository: %w", err)
		}
		w.SetWorkDir(dir)
	}

	sess, err := r.st.GetSession(channelID)
	if err != nil {
		return fmt.Errorf("lookup session: %w", err)
	}
	if sess == nil {
		if _, err := r.st.CreateSession(channelID, repo); err != nil {
			return fmt.Errorf("create session: %w", err)
		}
	} else {
		sess.Repo = repo
		sess.Status = store.SessionActive
		if err := r.st.UpdateSession(sess); err != nil {
			return fmt.Errorf("reactivate session: %w", err)
		}
	}

	w.SetPlanMode(planMode)
	w.SetUseContainer(useContainer)
	r.auditEvent(store.AuditEvent{Event: store.AuditSessionCreated, ChannelID: channelID})
	return nil
}

// GetWorker returns the worker handle for a channel, or ErrWorkerNotFound.
func (r *Registry) GetWorker(channelID string) (*worker.Worker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[channelID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkerNotFound, channelID)
	}
	return w, nil
}

// Workers returns a snapshot of all registered workers.
func (r *Registry) Workers() []*worker.Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*worker.Worker, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, w)
	}
	return out
}

// Route delivers one inbound message: rate-limited channels get the message
// queued plus a notice instead of an execution; everyone else goes through
// the worker's state machine.
func (r *Registry) Route(ctx context.Context, channelID string, msg worker.Message, n notify.Notifier) error {
	w, err := r.GetWorker(channelID)
	if err != nil {
		return err
	}

	r.mu.RLock()
	limiter := r.limiter
	r.mu.RUnlock()

	if limiter != nil && limiter.IsRateLimited(channelID) {
		if err := limiter.QueueMessage(channelID, msg); err != nil {
			return fmt.Errorf("queue message: %w", err)
		}
		notice := "⏸️ This session is rate limited. Your message is queued and will run automatically."
		if end, ok := limiter.RateLimitEndTime(channelID); ok {
			notice = fmt.Sprintf("⏸️ This session is rate limited until about %s. Your message is queued.", end.UTC().Format(time.Kitchen))
		}
		_ = n.Progress(ctx, notice)
		return nil
	}

	return w.Process(ctx, msg, n)
}

// TerminateThread tears a session down. Idempotent: terminating a channel
// with no worker or no session still succeeds. Cancels any in-flight run,
// clears the resume timer and queue, archives the persisted session, and
// removes the in-memory registration.
func (r *Registry) TerminateThread(ctx context.Context, channelID string) error {
	r.mu.Lock()
	w, hadWorker := r.workers[channelID]
	delete(r.workers, channelID)
	limiter := r.limiter
	r.mu.Unlock()

	if hadWorker {
		w.Cancel()
	}
	if limiter != nil {
		limiter.CancelTimer(channelID)
	}

	if err := r.st.ClearQueue(channelID); err != nil {
		r.log.Error().Err(err).Str("channel", channelID).Msg("clear queue failed")
	}
	if err := r.st.DeleteWorkerState(channelID); err != nil {
		r.log.Error().Err(err).Str("channel", channelID).Msg("delete worker state failed")
	}
	if err := r.st.ArchiveSession(channelID); err != nil {
		r.log.Error().Err(err).Str("channel", channelID).Msg("archive session failed")
	}

	r.auditEvent(store.AuditEvent{Event: store.AuditSessionArchived, ChannelID: channelID})
	r.log.Info().Str("channel", channelID).Bool("had_worker", hadWorker).Msg("session terminated")
	return nil
}

// RestoreActiveThreads rebuilds in-memory workers for every persisted active
// session. Restoration is best-effort per session: one corrupt record is
// logged and skipped, the rest still come up. Returns the number restored.
func (r *Registry) RestoreActiveThreads(ctx context.Context) (int, error) {
	sessions, err := r.st.ListActiveSessions()
	if err != nil {
		return 0, fmt.Errorf("list active sessions: %w", err)
	}

	restored := 0
	for _, sess := range sessions {
		if err := r.restoreOne(ctx, sess); err != nil {
			r.log.Error().Err(err).Str("channel", sess.ChannelID).Msg("restore session failed")
			continue
		}
		restored++
	}

	r.auditEvent(store.AuditEvent{Event: store.AuditSessionsRestored, Count: restored})
	r.log.Info().Int("restored", restored).Int("total", len(sessions)).Msg("active sessions restored")
	return restored, nil
}

func (r *Registry) restoreOne(ctx context.Context, sess store.Session) error {
	state, err := r.st.GetWorkerState(sess.ChannelID)
	if err != nil {
		return fmt.Errorf("load worker state: %w", err)
	}
	if state == nil {
		// Session exists but its state record is gone; start from idle.
		state = &store.WorkerState{ChannelID: sess.ChannelID, Phase: worker.PhaseIdle}
	}

	opts := r.opts
	if r.repos != nil && sess.Repo != "" {
		if dir, err := r.repos.EnsureWorkdir(ctx, sess.Repo); err == nil {
			opts.WorkDir = dir
		}
	}

	w := worker.Restore(state, r.st, r.audit, r.exec, opts, r.det, r.log)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.workers[sess.ChannelID]; ok {
		return fmt.Errorf("channel %s already registered", sess.ChannelID)
	}
	if r.sink != nil {
		w.SetRateLimitSink(r.sink)
	}
	r.workers[sess.ChannelID] = w
	return nil
}

func (r *Registry) auditEvent(ev store.AuditEvent) {
	if r.audit == nil {
		return
	}
	if err := r.audit.Append(ev); err != nil {
		r.log.Debug().Err(err).Msg("audit append failed")
	}
}
