package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v4"
	"golang.org/x/sync/errgroup"

	"github.com/eleven-am/voice-relay/internal/shared"
	"github.com/eleven-am/voice-relay/internal/transcription"
	"github.com/eleven-am/voice-relay/internal/transport"
	"github.com/eleven-am/voice-relay/internal/voicesession"
)

const autoStartBackoff = 5 * time.Second

type HandlerConfig struct {
	Registry   *Registry
	Sessions   *voicesession.Manager
	SampleRate int
	RateLimit  RateLimiterConfig
	Logger     *slog.Logger
}

// Handler serves the client streaming websocket.
type Handler struct {
	registry   *Registry
	sessions   *voicesession.Manager
	sampleRate int
	rateLimit  RateLimiterConfig
	logger     *slog.Logger
}

func NewHandler(cfg HandlerConfig) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rate := cfg.SampleRate
	if rate <= 0 {
		rate = 16000
	}
	return &Handler{
		registry:   cfg.Registry,
		sessions:   cfg.Sessions,
		sampleRate: rate,
		rateLimit:  cfg.RateLimit,
		logger:     logger.With("component", "stream_handler"),
	}
}

func (h *Handler) RegisterRoutes(e *echo.Echo) {
	limit := RateLimiter(h.rateLimit)
	e.GET("/ws/llm-stream", h.HandleStream, limit)
	e.GET("/ws/transcribe-stream", h.HandleStream, limit)
}

// client is the per-connection state owned by the dispatch goroutine.
type client struct {
	conn     *ClientConn
	handle   Handle
	sender   transport.Sender
	chat     *voicesession.Chat
	logger   *slog.Logger
	failedAt time.Time
}

func (h *Handler) HandleStream(c echo.Context) error {
	ws, err := wsUpgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return err
	}

	conn := NewClientConn(ws, h.logger)
	handle := h.registry.Register(conn)
	sender := h.registry.Sender(handle)
	cl := &client{
		conn:   conn,
		handle: handle,
		sender: sender,
		chat:   h.sessions.Pipeline().NewChat(conn.ID(), sender, h.logger.With("conn_id", conn.ID())),
		logger: h.logger.With("conn_id", conn.ID()),
	}
	cl.logger.Info("client connected", "remote", c.RealIP())

	g, ctx := errgroup.WithContext(context.Background())
	g.Go(func() error { return conn.readPump(ctx) })
	g.Go(func() error { return conn.writePump(ctx) })
	g.Go(func() error { return h.dispatch(ctx, cl) })

	h.send(ctx, cl, transport.MessageTypeConnection, transport.ConnectionPayload{
		Status:  "connected",
		Message: "Connected to voice stream. Send start_transcription or audio to begin.",
		Requirements: transport.AudioRequirements{
			SampleRate:    fmt.Sprintf("%d Hz", h.sampleRate),
			Format:        "16-bit PCM",
			Channels:      "mono",
			TurnDetection: "enabled",
		},
	})

	if err := g.Wait(); err != nil {
		cl.logger.Debug("connection ended with error", "error", err)
	}

	cl.chat.Close()
	h.registry.Unregister(handle)
	cl.logger.Info("client disconnected")
	return nil
}

func (h *Handler) dispatch(ctx context.Context, cl *client) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-cl.conn.Done():
			return nil
		case frame := <-cl.conn.Inbound():
			if frame.Binary {
				h.handleAudio(ctx, cl, frame.Data)
			} else {
				h.handleCommand(ctx, cl, frame.Data)
			}
		}
	}
}

func (h *Handler) handleCommand(ctx context.Context, cl *client, data []byte) {
	var msg transport.ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		cl.logger.Debug("invalid client message", "error", &shared.ProtocolError{Source: "client", Err: err})
		h.sendError(ctx, cl, "Invalid JSON format")
		return
	}

	switch transport.CommandType(strings.ToLower(string(msg.Type))) {
	case transport.CommandStartTranscription:
		if _, ok := h.activeSession(cl); ok {
			h.sendError(ctx, cl, "Transcription already active")
			return
		}
		h.startTranscription(ctx, cl, msg.SampleRate)
	case transport.CommandStopTranscription:
		h.stopTranscription(ctx, cl)
	case transport.CommandTranscriptionStatus:
		h.sendStatus(ctx, cl)
	case transport.CommandChatMessage:
		h.handleChat(ctx, cl, msg)
	case transport.CommandPing:
		h.send(ctx, cl, transport.MessageTypePong, transport.PongPayload{Message: "LLM stream WebSocket is active"})
	default:
		h.sendError(ctx, cl, fmt.Sprintf("Unknown message type: %s", msg.Type))
	}
}

// activeSession returns the session bound to the connection, dropping a
// binding whose session has already ended.
func (h *Handler) activeSession(cl *client) (*voicesession.Session, bool) {
	id, ok := h.registry.SessionID(cl.handle)
	if !ok {
		return nil, false
	}
	session, live := h.sessions.GetSession(id)
	if !live {
		h.registry.UnbindSession(cl.handle, id)
		return nil, false
	}
	return session, true
}

func (h *Handler) startTranscription(ctx context.Context, cl *client, sampleRate int) (*voicesession.Session, error) {
	if sampleRate <= 0 {
		sampleRate = h.sampleRate
	}

	session, err := h.sessions.CreateSession(ctx, cl.sender, voicesession.Options{
		ConnID:        cl.conn.ID(),
		SampleRate:    sampleRate,
		TurnDetection: true,
	})
	if err != nil {
		cl.logger.Error("failed to start transcription", "error", err)
		h.sendError(ctx, cl, "Failed to start transcription")
		return nil, err
	}

	if err := h.registry.BindSession(cl.handle, session.ID()); err != nil {
		h.sessions.RemoveSession(session.ID())
		return nil, err
	}

	h.send(ctx, cl, transport.MessageTypeTranscriptionStarted, transport.TranscriptionStartedPayload{
		SessionID:     session.ID(),
		TurnDetection: session.TurnDetectionEnabled(),
		Message:       "Transcription started with turn detection",
	})
	cl.logger.Info("transcription started", "session_id", session.ID(), "sample_rate", sampleRate)
	return session, nil
}

func (h *Handler) stopTranscription(ctx context.Context, cl *client) {
	session, ok := h.activeSession(cl)
	if !ok {
		h.sendError(ctx, cl, "No active transcription")
		return
	}

	h.sessions.StopSession(session.ID())
	h.registry.UnbindSession(cl.handle, session.ID())

	h.send(ctx, cl, transport.MessageTypeTranscriptionStopped, transport.TranscriptionStoppedPayload{
		SessionID: session.ID(),
		Message:   "Transcription stopped",
	})
}

func (h *Handler) sendStatus(ctx context.Context, cl *client) {
	session, ok := h.activeSession(cl)
	if !ok {
		h.send(ctx, cl, transport.MessageTypeTranscriptionStatus, transport.TranscriptionStatusPayload{
			Status:  "inactive",
			Message: "No active transcription",
		})
		return
	}
	h.send(ctx, cl, transport.MessageTypeTranscriptionStatus, transport.TranscriptionStatusPayload{
		SessionID:     session.ID(),
		Status:        "active",
		TurnDetection: session.TurnDetectionEnabled(),
		Message:       session.State().String(),
	})
}

func (h *Handler) handleChat(ctx context.Context, cl *client, msg transport.ClientMessage) {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		h.sendError(ctx, cl, "Empty message")
		return
	}
	if _, err := cl.chat.Submit(msg.SessionID, text); err != nil {
		if errors.Is(err, voicesession.ErrChatBusy) {
			h.sendError(ctx, cl, "Chat is busy, try again shortly")
			return
		}
		cl.logger.Debug("chat submit failed", "error", err)
	}
}

// handleAudio feeds a binary frame to the bound session, starting one with
// default settings if none is active.
func (h *Handler) handleAudio(ctx context.Context, cl *client, data []byte) {
	if len(data) == 0 {
		return
	}
	session, ok := h.activeSession(cl)
	if !ok {
		if !cl.failedAt.IsZero() && time.Since(cl.failedAt) < autoStartBackoff {
			return
		}
		var err error
		session, err = h.startTranscription(ctx, cl, 0)
		if err != nil {
			cl.failedAt = time.Now()
			return
		}
		cl.failedAt = time.Time{}
	}

	if err := session.Feed(data); err != nil {
		switch {
		case errors.Is(err, transcription.ErrQueueFull):
			cl.logger.Warn("audio queue full, dropping fragment", "session_id", session.ID(), "bytes", len(data))
		case errors.Is(err, transcription.ErrDetectorClosed):
			h.registry.UnbindSession(cl.handle, session.ID())
		default:
			cl.logger.Debug("feed failed", "session_id", session.ID(), "error", err)
		}
	}
}

func (h *Handler) send(ctx context.Context, cl *client, typ transport.MessageType, payload any) {
	if err := cl.sender.Send(ctx, transport.ServerEvent{Type: typ, Payload: payload}); err != nil {
		cl.logger.Debug("send failed", "type", typ, "error", err)
	}
}

func (h *Handler) sendError(ctx context.Context, cl *client, message string) {
	h.send(ctx, cl, transport.MessageTypeError, transport.ErrorPayload{Message: message})
}
