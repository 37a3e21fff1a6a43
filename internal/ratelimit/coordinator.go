// Package ratelimit coordinates throttle cooldowns: it persists the
// detection timestamp, schedules the resume timer, queues inbound work, and
// replays it when the cooldown expires, including after a process restart.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/coxswain-dev/coxswain/internal/notify"
	"github.com/coxswain-dev/coxswain/internal/store"
	"github.com/coxswain-dev/coxswain/internal/worker"
)

// Registry is the slice of the session registry the coordinator needs.
type Registry interface {
	GetWorker(channelID string) (*worker.Worker, error)
	Workers() []*worker.Worker
	Route(ctx context.Context, channelID string, msg worker.Message, n notify.Notifier) error
}

// NotifierFactory builds a Notifier for replaying a queued message, since
// the original invocation's notifier is long gone by resume time.
type NotifierFactory func(channelID, messageID string) notify.Notifier

// Coordinator owns at most one outstanding resume timer per channel.
type Coordinator struct {
	st          *store.Store
	audit       *store.AuditLog
	reg         Registry
	newNotifier NotifierFactory
	delay       time.Duration
	drainAll    bool
	clock       func() time.Time
	log         zerolog.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock injects a time source; tests use it to simulate elapsed time.
func WithClock(clock func() time.Time) Option {
	return func(c *Coordinator) { c.clock = clock }
}

// WithDrainAll makes a resume cycle replay every queued message instead of
// only the oldest one.
func WithDrainAll(drain bool) Option {
	return func(c *Coordinator) { c.drainAll = drain }
}

// New creates a Coordinator with the given fixed cooldown delay.
func New(st *store.Store, audit *store.AuditLog, reg Registry, newNotifier NotifierFactory, delay time.Duration, log zerolog.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		st:          st,
		audit:       audit,
		reg:         reg,
		newNotifier: newNotifier,
		delay:       delay,
		clock:       time.Now,
		log:         log.With().Str("component", "ratelimit").Logger(),
		timers:      make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Delay returns the fixed cooldown delay.
func (c *Coordinator) Delay() time.Duration { return c.delay }

// OnRateLimited implements worker.RateLimitSink. The worker has already
// persisted its own throttle state by the time this fires.
func (c *Coordinator) OnRateLimited(ctx context.Context, channelID string, at time.Time) (time.Time, error) {
	return c.SaveRateLimitInfo(ctx, channelID, at)
}

// SaveRateLimitInfo persists the throttle timestamp on the channel's worker,
// enables auto-resume, and schedules the resume timer. Returns the resume
// time.
func (c *Coordinator) SaveRateLimitInfo(_ context.Context, channelID string, at time.Time) (time.Time, error) {
	w, err := c.reg.GetWorker(channelID)
	if err != nil {
		return time.Time{}, err
	}
	if !w.IsRateLimited() {
		w.MarkRateLimited(at)
	}

	resumeAt := at.Add(c.delay)
	c.schedule(channelID, resumeAt)

	c.auditEvent(store.AuditEvent{Event: store.AuditRateLimited, ChannelID: channelID})
	c.auditEvent(store.AuditEvent{Event: store.AuditResumeScheduled, ChannelID: channelID, ResumeAt: resumeAt.UTC().Format(time.RFC3339)})
	c.log.Info().Str("channel", channelID).Time("resume_at", resumeAt).Msg("rate limit recorded")
	return resumeAt, nil
}

// schedule arms the channel's resume timer for resumeAt, replacing any
// existing timer. Only one timer is ever outstanding per channel.
func (c *Coordinator) schedule(channelID string, resumeAt time.Time) {
	remaining := resumeAt.Sub(c.clock())
	if remaining < 0 {
		remaining = 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.timers[channelID]; ok {
		t.Stop()
	}
	c.timers[channelID] = time.AfterFunc(remaining, func() {
		c.mu.Lock()
		delete(c.timers, channelID)
		c.mu.Unlock()
		if err := c.ExecuteAutoResume(context.Background(), channelID); err != nil {
			c.log.Error().Err(err).Str("channel", channelID).Msg("auto resume failed")
		}
	})
}

// CancelTimer stops and discards the channel's resume timer, if any.
func (c *Coordinator) CancelTimer(channelID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.timers[channelID]; ok {
		t.Stop()
		delete(c.timers, channelID)
	}
}

// DisableAutoResume is the manual override: the pending timer is dropped and
// a later ExecuteAutoResume becomes a no-op until re-enabled.
func (c *Coordinator) DisableAutoResume(channelID string) error {
	w, err := c.reg.GetWorker(channelID)
	if err != nil {
		return err
	}
	w.SetAutoResume(false)
	c.CancelTimer(channelID)
	return nil
}

// IsRateLimited reports whether the channel currently has a pending
// throttle timestamp.
func (c *Coordinator) IsRateLimited(channelID string) bool {
	w, err := c.reg.GetWorker(channelID)
	if err != nil {
		return false
	}
	return w.IsRateLimited()
}

// RateLimitEndTime returns detection time + delay for a throttled channel.
func (c *Coordinator) RateLimitEndTime(channelID string) (time.Time, bool) {
	w, err := c.reg.GetWorker(channelID)
	if err != nil {
		return time.Time{}, false
	}
	at := w.RateLimitedAt()
	if at == nil {
		return time.Time{}, false
	}
	return at.Add(c.delay), true
}

// QueueMessage appends an inbound message to the channel's durable FIFO.
func (c *Coordinator) QueueMessage(channelID string, msg worker.Message) error {
	err := c.st.EnqueueMessage(&store.QueuedMessage{
		ChannelID: channelID,
		MessageID: msg.MessageID,
		AuthorID:  msg.AuthorID,
		Content:   msg.Content,
	})
	if err != nil {
		return err
	}

	queued, countErr := c.st.QueuedCount(channelID)
	if countErr != nil {
		queued = 0
	}
	c.auditEvent(store.AuditEvent{Event: store.AuditMessageQueued, ChannelID: channelID, Queued: queued})
	return nil
}

// ExecuteAutoResume ends the channel's cooldown. It no-ops when auto-resume
// was disabled in the interim or the worker is gone. The cleared state is
// persisted first; then the oldest queued message (if any) replays through
// the normal routing path. Remaining messages stay queued for a later cycle
// unless drain-all is configured.
func (c *Coordinator) ExecuteAutoResume(ctx context.Context, channelID string) error {
	w, err := c.reg.GetWorker(channelID)
	if err != nil {
		// Session terminated while the timer was pending.
		return nil
	}
	if !w.AutoResumeEnabled() {
		c.log.Info().Str("channel", channelID).Msg("auto resume disabled, skipping")
		return nil
	}

	w.ClearRateLimit()
	c.auditEvent(store.AuditEvent{Event: store.AuditResumeExecuted, ChannelID: channelID})
	c.log.Info().Str("channel", channelID).Msg("rate limit cleared")

	for {
		queued, err := c.st.DequeueOldest(channelID)
		if err != nil {
			return fmt.Errorf("dequeue message: %w", err)
		}
		if queued == nil {
			return nil
		}

		msg := worker.Message{
			MessageID: queued.MessageID,
			AuthorID:  queued.AuthorID,
			Content:   queued.Content,
		}
		if err := c.reg.Route(ctx, channelID, msg, c.newNotifier(channelID, queued.MessageID)); err != nil {
			c.log.Error().Err(err).Str("channel", channelID).Msg("replaying queued message failed")
		}

		if !c.drainAll || w.IsRateLimited() {
			return nil
		}
	}
}

// RestoreTimers rebuilds resume scheduling from persisted state at startup.
// Channels whose resume time already passed while the process was down are
// resumed immediately; the rest get their timers re-armed. Returns the
// number of channels handled.
func (c *Coordinator) RestoreTimers(ctx context.Context) (int, error) {
	handled := 0
	for _, w := range c.reg.Workers() {
		at := w.RateLimitedAt()
		if at == nil || !w.AutoResumeEnabled() {
			continue
		}

		resumeAt := at.Add(c.delay)
		if resumeAt.After(c.clock()) {
			c.schedule(w.ChannelID(), resumeAt)
			c.auditEvent(store.AuditEvent{Event: store.AuditResumeScheduled, ChannelID: w.ChannelID(), ResumeAt: resumeAt.UTC().Format(time.RFC3339)})
		} else {
			if err := c.ExecuteAutoResume(ctx, w.ChannelID()); err != nil {
				c.log.Error().Err(err).Str("channel", w.ChannelID()).Msg("overdue resume failed")
				continue
			}
		}
		handled++
	}
	return handled, nil
}

// Shutdown stops every outstanding timer.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for ch, t := range c.timers {
		t.Stop()
		delete(c.timers, ch)
	}
}

func (c *Coordinator) auditEvent(ev store.AuditEvent) {
	if c.audit == nil {
		return
	}
	if err := c.audit.Append(ev); err != nil {
		c.log.Debug().Err(err).Msg("audit append failed")
	}
}
