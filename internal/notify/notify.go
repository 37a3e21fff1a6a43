// Package notify decouples the worker state machine from transport-specific
// callback signatures: workers emit typed notifications through a Notifier,
// and a Transport implementation carries them to the chat platform.
package notify

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/coxswain-dev/coxswain/internal/stream"
)

// Transport posts content to a chat channel. Implementations live at the
// edge of the system; the engine only sees this interface.
type Transport interface {
	PostMessage(ctx context.Context, channelID, content string) error
	AddReaction(ctx context.Context, channelID, messageID, emoji string) error
}

// Translator optionally rewrites a final reply before delivery. A nil
// Translator means passthrough.
type Translator interface {
	Translate(ctx context.Context, text string) (string, error)
}

// Notifier receives the engine's per-invocation notifications. Progress
// notifications are suppressible; Final delivery is not.
type Notifier interface {
	Progress(ctx context.Context, text string) error
	React(ctx context.Context, emoji string) error
	Final(ctx context.Context, text string) error
}

// ChannelNotifier binds a Transport to one channel and inbound message. It
// throttles progress posts with a token bucket so a chatty subprocess cannot
// flood the channel; dropped progress is fine, dropped finals are not.
type ChannelNotifier struct {
	transport  Transport
	translator Translator
	channelID  string
	messageID  string
	limiter    *rate.Limiter
	msgLimit   int
}

// Option configures a ChannelNotifier.
type Option func(*ChannelNotifier)

// WithTranslator sets the final-reply translator.
func WithTranslator(tr Translator) Option {
	return func(n *ChannelNotifier) { n.translator = tr }
}

// WithThrottle sets the progress token bucket. perSecond <= 0 disables
// throttling.
func WithThrottle(perSecond float64, burst int) Option {
	return func(n *ChannelNotifier) {
		if perSecond > 0 {
			n.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

// WithMessageLimit overrides the transport length ceiling.
func WithMessageLimit(limit int) Option {
	return func(n *ChannelNotifier) { n.msgLimit = limit }
}

// NewChannelNotifier creates a Notifier for one channel and the inbound
// message that triggered the invocation.
func NewChannelNotifier(t Transport, channelID, messageID string, opts ...Option) *ChannelNotifier {
	n := &ChannelNotifier{
		transport: t,
		channelID: channelID,
		messageID: messageID,
		msgLimit:  stream.DefaultMessageLimit,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Progress posts a non-final update. Updates beyond the throttle budget are
// silently dropped; they are best-effort by contract.
func (n *ChannelNotifier) Progress(ctx context.Context, text string) error {
	if text == "" {
		return nil
	}
	if n.limiter != nil && !n.limiter.Allow() {
		return nil
	}
	return n.transport.PostMessage(ctx, n.channelID, stream.Clamp(text, n.msgLimit))
}

// React adds an emoji reaction to the triggering message.
func (n *ChannelNotifier) React(ctx context.Context, emoji string) error {
	if n.messageID == "" {
		return nil
	}
	return n.transport.AddReaction(ctx, n.channelID, n.messageID, emoji)
}

// Final delivers the final reply, translated when a Translator is set. It
// bypasses the progress throttle.
func (n *ChannelNotifier) Final(ctx context.Context, text string) error {
	if n.translator != nil {
		translated, err := n.translator.Translate(ctx, text)
		if err == nil && translated != "" {
			text = translated
		}
		// A translation failure degrades to the untranslated reply.
	}
	return n.transport.PostMessage(ctx, n.channelID, stream.Clamp(text, n.msgLimit))
}
