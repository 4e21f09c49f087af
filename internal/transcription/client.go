package transcription

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eleven-am/voice-relay/internal/shared"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

const (
	DefaultURL = "wss://streaming.assemblyai.com/v3/ws"

	defaultHandshakeTimeout = 10 * time.Second
	defaultTerminateWait    = time.Second
	writeWait               = 10 * time.Second
)

// Client dials the AssemblyAI streaming v3 endpoint.
type Client struct {
	url              string
	apiKey           string
	backoff          shared.BackoffConfig
	handshakeTimeout time.Duration
	terminateWait    time.Duration
	log              *slog.Logger
}

func New(cfg Config, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	u := cfg.URL
	if u == "" {
		u = DefaultURL
	}
	hs := cfg.HandshakeTimeout
	if hs <= 0 {
		hs = defaultHandshakeTimeout
	}
	tw := cfg.TerminateWait
	if tw <= 0 {
		tw = defaultTerminateWait
	}
	return &Client{
		url:              u,
		apiKey:           cfg.APIKey,
		backoff:          shared.NormalizeBackoff(cfg.Backoff),
		handshakeTimeout: hs,
		terminateWait:    tw,
		log:              log.With("component", "stt_client"),
	}
}

func (c *Client) Connect(ctx context.Context, params StreamParams, cb Callbacks) (Stream, error) {
	endpoint, err := c.endpoint(params)
	if err != nil {
		return nil, &shared.ConnectError{Provider: "stt", Err: err}
	}

	headers := http.Header{}
	headers.Set("Authorization", c.apiKey)
	dialer := websocket.Dialer{HandshakeTimeout: c.handshakeTimeout}

	var conn *websocket.Conn
	delay := c.backoff.Initial
	for attempt := 1; ; attempt++ {
		conn, err = dial(ctx, dialer, endpoint, headers)
		if err == nil {
			break
		}
		if attempt >= c.backoff.MaxAttempts || ctx.Err() != nil {
			return nil, &shared.ConnectError{Provider: "stt", Err: err}
		}
		c.log.Warn("stt dial failed, retrying", "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return nil, &shared.ConnectError{Provider: "stt", Err: ctx.Err()}
		case <-time.After(delay):
		}
		delay = c.backoff.Next(delay)
	}

	s := &stream{
		conn:          conn,
		cb:            cb,
		done:          make(chan struct{}),
		terminated:    make(chan struct{}),
		terminateWait: c.terminateWait,
		log:           c.log,
	}
	go s.readLoop()
	c.log.Debug("stt stream connected", "sample_rate", params.SampleRate)
	return s, nil
}

func (c *Client) endpoint(params StreamParams) (string, error) {
	u, err := url.Parse(c.url)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	rate := params.SampleRate
	if rate <= 0 {
		rate = 16000
	}
	q.Set("sample_rate", strconv.Itoa(rate))
	q.Set("format_turns", strconv.FormatBool(params.FormatTurns))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func dial(ctx context.Context, d websocket.Dialer, endpoint string, headers http.Header) (*websocket.Conn, error) {
	conn, resp, err := d.DialContext(ctx, endpoint, headers)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			return nil, fmt.Errorf("websocket connect (status %d): %s: %w", resp.StatusCode, string(body), err)
		}
		return nil, fmt.Errorf("websocket connect: %w", err)
	}
	return conn, nil
}

type stream struct {
	conn          *websocket.Conn
	cb            Callbacks
	writeMu       sync.Mutex
	closing       atomic.Bool
	closeOnce     sync.Once
	done          chan struct{}
	terminated    chan struct{}
	termOnce      sync.Once
	terminateWait time.Duration
	log           *slog.Logger
}

func (s *stream) Stream(audio []byte) error {
	if s.closing.Load() {
		return shared.ErrClosed
	}
	return s.write(websocket.BinaryMessage, audio)
}

func (s *stream) UpdateConfiguration(formatTurns bool) error {
	data, err := json.Marshal(updateConfigurationMessage{Type: "UpdateConfiguration", FormatTurns: formatTurns})
	if err != nil {
		return err
	}
	return s.write(websocket.TextMessage, data)
}

// Disconnect closes the connection. With terminate set it first asks the
// provider to end the session and waits briefly for the Termination reply.
func (s *stream) Disconnect(terminate bool) error {
	var err error
	s.closeOnce.Do(func() {
		if terminate {
			if data, mErr := json.Marshal(terminateMessage{Type: "Terminate"}); mErr == nil {
				if wErr := s.write(websocket.TextMessage, data); wErr == nil {
					select {
					case <-s.terminated:
					case <-s.done:
					case <-time.After(s.terminateWait):
						s.log.Debug("stt termination not acknowledged")
					}
				}
			}
		}
		s.closing.Store(true)
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()
		err = s.conn.Close()
		<-s.done
	})
	return err
}

func (s *stream) write(messageType int, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteMessage(messageType, data); err != nil {
		return fmt.Errorf("stt write: %w", err)
	}
	return nil
}

func (s *stream) readLoop() {
	defer close(s.done)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.closing.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return
			}
			if s.cb.OnError != nil {
				s.cb.OnError(fmt.Errorf("stt read: %w", err))
			}
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.log.Warn("stt message decode failed", "error", err)
			continue
		}
		s.dispatch(msg)
	}
}

func (s *stream) dispatch(msg serverMessage) {
	switch msg.Type {
	case "Begin":
		if s.cb.OnBegin != nil {
			s.cb.OnBegin(BeginEvent{ID: msg.ID, ExpiresAt: msg.ExpiresAt})
		}
	case "Turn":
		if s.cb.OnTurn != nil {
			s.cb.OnTurn(TurnEvent{
				Transcript: msg.Transcript,
				EndOfTurn:  msg.EndOfTurn,
				Formatted:  msg.TurnIsFormatted,
				TurnOrder:  msg.TurnOrder,
			})
		}
	case "Termination":
		s.termOnce.Do(func() { close(s.terminated) })
		if s.cb.OnTerminated != nil {
			s.cb.OnTerminated(TerminationEvent{
				AudioDurationSeconds:   msg.AudioDurationSeconds,
				SessionDurationSeconds: msg.SessionDurationSeconds,
			})
		}
	default:
		if msg.Error != "" && s.cb.OnError != nil {
			s.cb.OnError(&shared.ProtocolError{Source: "stt", Err: errors.New(msg.Error)})
		}
	}
}
