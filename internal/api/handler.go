// Package api exposes the ops and ingress HTTP surface: inbound chat
// messages enter the engine here, and operators inspect or terminate
// sessions through the same server.
package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/coxswain-dev/coxswain/internal/ratelimit"
	"github.com/coxswain-dev/coxswain/internal/registry"
	"github.com/coxswain-dev/coxswain/internal/store"
	"github.com/coxswain-dev/coxswain/internal/worker"
)

// Handler handles HTTP requests.
type Handler struct {
	reg         *registry.Registry
	coord       *ratelimit.Coordinator
	st          *store.Store
	newNotifier ratelimit.NotifierFactory
	log         zerolog.Logger
}

// NewHandler creates a new handler.
func NewHandler(reg *registry.Registry, coord *ratelimit.Coordinator, st *store.Store, newNotifier ratelimit.NotifierFactory, log zerolog.Logger) *Handler {
	return &Handler{
		reg:         reg,
		coord:       coord,
		st:          st,
		newNotifier: newNotifier,
		log:         log.With().Str("component", "api").Logger(),
	}
}

// RegisterRoutes registers routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/health", h.Health)

	e.GET("/v1/sessions", h.ListSessions)
	e.POST("/v1/sessions", h.CreateSession)
	e.DELETE("/v1/sessions/:channel_id", h.TerminateSession)

	e.POST("/v1/channels/:channel_id/messages", h.InboundMessage)
	e.POST("/v1/channels/:channel_id/stop", h.Stop)
	e.POST("/v1/channels/:channel_id/mode", h.SetMode)
	e.POST("/v1/channels/:channel_id/resume", h.Resume)
	e.DELETE("/v1/channels/:channel_id/resume", h.DisableResume)
	e.GET("/v1/channels/:channel_id/transcript", h.Transcript)
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "healthy"})
}

type sessionView struct {
	ChannelID   string `json:"channel_id"`
	Repo        string `json:"repo,omitempty"`
	Status      string `json:"status"`
	Phase       string `json:"phase,omitempty"`
	WorkerName  string `json:"worker,omitempty"`
	RateLimited bool   `json:"rate_limited"`
	Queued      int    `json:"queued,omitempty"`
}

// ListSessions returns all persisted sessions with live worker phase when
// one is registered.
func (h *Handler) ListSessions(c echo.Context) error {
	sessions, err := h.st.ListSessions()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "listing sessions failed")
	}

	views := make([]sessionView, 0, len(sessions))
	for _, sess := range sessions {
		view := sessionView{
			ChannelID: sess.ChannelID,
			Repo:      sess.Repo,
			Status:    sess.Status,
		}
		if w, err := h.reg.GetWorker(sess.ChannelID); err == nil {
			view.Phase = w.Phase()
			view.WorkerName = w.Name()
			view.RateLimited = w.IsRateLimited()
			if n, err := h.st.QueuedCount(sess.ChannelID); err == nil {
				view.Queued = n
			}
		}
		views = append(views, view)
	}
	return c.JSON(http.StatusOK, views)
}

type createSessionRequest struct {
	ChannelID    string `json:"channel_id"`
	Repo         string `json:"repo"`
	PlanMode     bool   `json:"plan_mode"`
	UseContainer bool   `json:"use_container"`
}

// CreateSession starts a new session for a channel.
func (h *Handler) CreateSession(c echo.Context) error {
	var req createSessionRequest
	if err := c.Bind(&req); err != nil || req.ChannelID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "channel_id is required")
	}

	if _, err := h.reg.CreateWorker(req.ChannelID); err != nil {
		if errors.Is(err, registry.ErrAlreadyActive) {
			return echo.NewHTTPError(http.StatusConflict, "a session is already active for this channel")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "creating session failed")
	}

	if err := h.reg.ConfigureSession(c.Request().Context(), req.ChannelID, req.Repo, req.PlanMode, req.UseContainer); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "configuring session failed")
	}
	return c.JSON(http.StatusCreated, map[string]string{"channel_id": req.ChannelID, "status": store.SessionActive})
}

// TerminateSession archives the channel's session. Idempotent: terminating
// an unknown channel still returns 200.
func (h *Handler) TerminateSession(c echo.Context) error {
	channelID := c.Param("channel_id")
	if err := h.reg.TerminateThread(c.Request().Context(), channelID); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "terminating session failed")
	}
	return c.JSON(http.StatusOK, map[string]string{"channel_id": channelID, "status": store.SessionArchived})
}

type inboundMessageRequest struct {
	MessageID string `json:"message_id"`
	AuthorID  string `json:"author_id"`
	Content   string `json:"content"`
}

// InboundMessage accepts one chat message for a channel and routes it
// asynchronously; delivery of replies happens over the outbound transport.
func (h *Handler) InboundMessage(c echo.Context) error {
	channelID := c.Param("channel_id")

	var req inboundMessageRequest
	if err := c.Bind(&req); err != nil || req.Content == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "content is required")
	}

	if _, err := h.reg.GetWorker(channelID); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "no active session for this channel; create one first")
	}

	msg := worker.Message{MessageID: req.MessageID, AuthorID: req.AuthorID, Content: req.Content}
	go func() {
		// The run can take minutes and must outlive the HTTP request, so
		// it gets a fresh context; the caller only needs the accept.
		ctx := context.Background()
		n := h.newNotifier(channelID, req.MessageID)
		if err := h.reg.Route(ctx, channelID, msg, n); err != nil {
			h.log.Error().Err(err).Str("channel", channelID).Msg("routing inbound message failed")
		}
	}()

	return c.JSON(http.StatusAccepted, map[string]string{"channel_id": channelID, "status": "accepted"})
}

// Stop cancels the channel's in-flight run, if any.
func (h *Handler) Stop(c echo.Context) error {
	channelID := c.Param("channel_id")
	w, err := h.reg.GetWorker(channelID)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "no active session for this channel")
	}

	if !w.Cancel() {
		return c.JSON(http.StatusOK, map[string]any{"stopped": false, "detail": "nothing to cancel"})
	}
	return c.JSON(http.StatusOK, map[string]any{"stopped": true})
}

type modeRequest struct {
	PlanMode     *bool `json:"plan_mode"`
	UseContainer *bool `json:"use_container"`
}

// SetMode toggles plan mode and container execution for future runs.
func (h *Handler) SetMode(c echo.Context) error {
	channelID := c.Param("channel_id")
	w, err := h.reg.GetWorker(channelID)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "no active session for this channel")
	}

	var req modeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid mode request")
	}
	if req.PlanMode != nil {
		w.SetPlanMode(*req.PlanMode)
	}
	if req.UseContainer != nil {
		w.SetUseContainer(*req.UseContainer)
	}
	return c.JSON(http.StatusOK, map[string]bool{"plan_mode": w.PlanMode()})
}

// Resume forces the rate-limit cooldown to end now.
func (h *Handler) Resume(c echo.Context) error {
	channelID := c.Param("channel_id")
	if err := h.coord.ExecuteAutoResume(c.Request().Context(), channelID); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "resume failed")
	}
	return c.JSON(http.StatusOK, map[string]string{"channel_id": channelID, "status": "resumed"})
}

// DisableResume turns off auto-resume for a throttled channel.
func (h *Handler) DisableResume(c echo.Context) error {
	channelID := c.Param("channel_id")
	if err := h.coord.DisableAutoResume(channelID); err != nil {
		if errors.Is(err, registry.ErrWorkerNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "no active session for this channel")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "disabling auto-resume failed")
	}
	return c.JSON(http.StatusOK, map[string]string{"channel_id": channelID, "auto_resume": "disabled"})
}

// Transcript returns the persisted exchange history for a channel.
func (h *Handler) Transcript(c echo.Context) error {
	channelID := c.Param("channel_id")
	entries, err := h.st.ListTranscript(channelID, c.QueryParam("session"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "listing transcript failed")
	}

	type entryView struct {
		Session string `json:"session,omitempty"`
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	views := make([]entryView, 0, len(entries))
	for _, e := range entries {
		views = append(views, entryView{Session: e.ToolSessionID, Role: e.Role, Content: e.Content})
	}
	return c.JSON(http.StatusOK, views)
}
