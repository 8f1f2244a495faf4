package control

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/voiceloop/voiceloop/internal/conversation"
	"github.com/voiceloop/voiceloop/internal/history"
	"github.com/voiceloop/voiceloop/internal/shared"
	"github.com/voiceloop/voiceloop/internal/transport"
	"github.com/voiceloop/voiceloop/internal/usage"
)

const sseKeepAlive = 15 * time.Second

// Pipeline is the inbound surface of the conversation controller.
type Pipeline interface {
	StartUserInput() error
	StopUserInput()
	SendTextMessage(text string) error
	Reconnect() error
	State() conversation.State
	SessionID() string
	Events() *conversation.Broadcaster
}

// Connection exposes the transport state for the status response.
type Connection interface {
	State() transport.ConnectionState
}

// Handler drives the pipeline over local HTTP: input gestures, typed
// messages, reconnects, status, and a live SSE event stream.
type Handler struct {
	pipeline Pipeline
	channel  Connection
	history  *history.Store
	usage    *usage.Store
	logger   *slog.Logger
}

func NewHandler(pipeline Pipeline, channel Connection, historyStore *history.Store, usageStore *usage.Store, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		pipeline: pipeline,
		channel:  channel,
		history:  historyStore,
		usage:    usageStore,
		logger:   logger.With("component", "control"),
	}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/input/start", h.StartInput)
	g.POST("/input/stop", h.StopInput)
	g.POST("/text", h.SendText)
	g.POST("/reconnect", h.Reconnect)
	g.GET("/state", h.GetState)
	g.GET("/events", h.StreamEvents)
	g.GET("/history", h.GetHistory)
	g.GET("/usage", h.GetUsage)
}

type stateResponse struct {
	State      conversation.State        `json:"state"`
	Connection transport.ConnectionState `json:"connection"`
	SessionID  string                    `json:"session_id"`
}

type textRequest struct {
	Text string `json:"text"`
}

func (h *Handler) StartInput(c echo.Context) error {
	if err := h.pipeline.StartUserInput(); err != nil {
		if errors.Is(err, shared.ErrDeviceUnavailable) {
			return shared.ServiceUnavailable("device_unavailable", "microphone unavailable")
		}
		h.logger.Error("start input failed", "error", err)
		return shared.InternalError("start_failed", "failed to start input")
	}
	return c.JSON(http.StatusOK, h.stateResponse())
}

func (h *Handler) StopInput(c echo.Context) error {
	h.pipeline.StopUserInput()
	return c.JSON(http.StatusOK, h.stateResponse())
}

func (h *Handler) SendText(c echo.Context) error {
	var req textRequest
	if err := c.Bind(&req); err != nil {
		return shared.BadRequest("invalid_body", "invalid request body")
	}
	if req.Text == "" {
		return shared.BadRequest("missing_text", "text is required")
	}

	if err := h.pipeline.SendTextMessage(req.Text); err != nil {
		if errors.Is(err, shared.ErrNotConnected) {
			return shared.ServiceUnavailable("not_connected", "transport not connected")
		}
		h.logger.Error("send text failed", "error", err)
		return shared.InternalError("send_failed", "failed to send message")
	}
	return c.JSON(http.StatusOK, h.stateResponse())
}

func (h *Handler) Reconnect(c echo.Context) error {
	if err := h.pipeline.Reconnect(); err != nil {
		h.logger.Warn("reconnect attempt failed", "error", err)
	}
	return c.JSON(http.StatusOK, h.stateResponse())
}

func (h *Handler) GetState(c echo.Context) error {
	return c.JSON(http.StatusOK, h.stateResponse())
}

// StreamEvents pushes pipeline events to the client as SSE until the client
// goes away.
func (h *Handler) StreamEvents(c echo.Context) error {
	c.Response().Header().Set("Content-Type", "text/event-stream")
	c.Response().Header().Set("Cache-Control", "no-cache")
	c.Response().Header().Set("Connection", "keep-alive")
	c.Response().Header().Set("X-Accel-Buffering", "no")
	c.Response().WriteHeader(http.StatusOK)

	flusher, ok := c.Response().Writer.(http.Flusher)
	if !ok {
		return shared.InternalError("streaming_unsupported", "response writer does not support streaming")
	}

	events, cancel := h.pipeline.Events().Subscribe()
	defer cancel()

	ticker := time.NewTicker(sseKeepAlive)
	defer ticker.Stop()

	ctx := c.Request().Context()
	for {
		select {
		case e, ok := <-events:
			if !ok {
				return nil
			}
			data, err := json.Marshal(e)
			if err != nil {
				continue
			}
			if _, err := c.Response().Write([]byte("data: ")); err != nil {
				return nil
			}
			if _, err := c.Response().Write(data); err != nil {
				return nil
			}
			if _, err := c.Response().Write([]byte("\n\n")); err != nil {
				return nil
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := c.Response().Write([]byte(":keepalive\n\n")); err != nil {
				return nil
			}
			flusher.Flush()
		case <-ctx.Done():
			return nil
		}
	}
}

func (h *Handler) GetHistory(c echo.Context) error {
	sessionID := c.QueryParam("session_id")
	limit := 50
	if v := c.QueryParam("limit"); v != "" {
		if n, err := parsePositive(v); err == nil {
			limit = n
		}
	}

	var (
		msgs []history.Message
		err  error
	)
	if sessionID != "" {
		msgs, err = h.history.ListBySession(c.Request().Context(), sessionID, limit)
	} else {
		msgs, err = h.history.Recent(c.Request().Context(), limit)
	}
	if err != nil {
		h.logger.Error("history read failed", "error", err)
		return shared.InternalError("history_failed", "failed to read history")
	}
	return c.JSON(http.StatusOK, map[string]any{"messages": msgs})
}

func (h *Handler) GetUsage(c echo.Context) error {
	days := 7
	if v := c.QueryParam("days"); v != "" {
		if n, err := parsePositive(v); err == nil {
			days = n
		}
	}

	buckets, err := h.usage.Recent(c.Request().Context(), days)
	if err != nil {
		h.logger.Error("usage read failed", "error", err)
		return shared.InternalError("usage_failed", "failed to read usage")
	}
	return c.JSON(http.StatusOK, map[string]any{"days": buckets})
}

func (h *Handler) stateResponse() stateResponse {
	return stateResponse{
		State:      h.pipeline.State(),
		Connection: h.channel.State(),
		SessionID:  h.pipeline.SessionID(),
	}
}

func parsePositive(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("not positive")
	}
	return n, nil
}
