// transport.go implements the built-in transports: a zerolog transport for
// development and a webhook transport for real chat bridges.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// LogTransport writes outbound messages to the operational log. Used when no
// chat bridge is configured, and by tests.
type LogTransport struct {
	Log zerolog.Logger
}

func (t *LogTransport) PostMessage(_ context.Context, channelID, content string) error {
	t.Log.Info().Str("channel", channelID).Str("content", content).Msg("outbound message")
	return nil
}

func (t *LogTransport) AddReaction(_ context.Context, channelID, messageID, emoji string) error {
	t.Log.Info().Str("channel", channelID).Str("message", messageID).Str("emoji", emoji).Msg("outbound reaction")
	return nil
}

// WebhookTransport POSTs outbound messages as JSON to a chat bridge endpoint.
// The bridge owns platform authentication and formatting quirks.
type WebhookTransport struct {
	URL    string
	Client *http.Client
}

// NewWebhookTransport creates a WebhookTransport with a bounded HTTP client.
func NewWebhookTransport(url string) *WebhookTransport {
	return &WebhookTransport{
		URL:    url,
		Client: &http.Client{Timeout: 15 * time.Second},
	}
}

type webhookPayload struct {
	Kind      string `json:"kind"` // message, reaction
	ChannelID string `json:"channel_id"`
	MessageID string `json:"message_id,omitempty"`
	Content   string `json:"content,omitempty"`
	Emoji     string `json:"emoji,omitempty"`
}

func (t *WebhookTransport) post(ctx context.Context, payload webhookPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.Client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func (t *WebhookTransport) PostMessage(ctx context.Context, channelID, content string) error {
	return t.post(ctx, webhookPayload{Kind: "message", ChannelID: channelID, Content: content})
}

func (t *WebhookTransport) AddReaction(ctx context.Context, channelID, messageID, emoji string) error {
	return t.post(ctx, webhookPayload{Kind: "reaction", ChannelID: channelID, MessageID: messageID, Emoji: emoji})
}
