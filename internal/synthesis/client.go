package synthesis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
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
	DefaultURL = "wss://api.murf.ai/v1/speech/stream-input"

	defaultHandshakeTimeout = 10 * time.Second
	writeWait               = 10 * time.Second
	replyBuffer             = 32
)

// Client dials the Murf stream-input websocket.
type Client struct {
	url              string
	apiKey           string
	sampleRate       int
	channelType      string
	format           string
	handshakeTimeout time.Duration
	backoff          shared.BackoffConfig
	log              *slog.Logger
}

func New(cfg Config, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	c := &Client{
		url:              cfg.URL,
		apiKey:           cfg.APIKey,
		sampleRate:       cfg.SampleRate,
		channelType:      cfg.ChannelType,
		format:           cfg.Format,
		handshakeTimeout: cfg.HandshakeTimeout,
		backoff:          shared.NormalizeBackoff(cfg.Backoff),
		log:              log.With("component", "tts_client"),
	}
	if c.url == "" {
		c.url = DefaultURL
	}
	if c.sampleRate <= 0 {
		c.sampleRate = 44100
	}
	if c.channelType == "" {
		c.channelType = "MONO"
	}
	if c.format == "" {
		c.format = "WAV"
	}
	if c.handshakeTimeout <= 0 {
		c.handshakeTimeout = defaultHandshakeTimeout
	}
	return c
}

func (c *Client) endpoint() (string, error) {
	u, err := url.Parse(c.url)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	q.Set("api-key", c.apiKey)
	q.Set("sample_rate", strconv.Itoa(c.sampleRate))
	q.Set("channel_type", c.channelType)
	q.Set("format", c.format)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) Dial(ctx context.Context) (Conn, error) {
	endpoint, err := c.endpoint()
	if err != nil {
		return nil, &shared.ConnectError{Provider: "tts", Err: err}
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.handshakeTimeout}
	delay := c.backoff.Initial
	for attempt := 1; ; attempt++ {
		ws, resp, err := dialer.DialContext(ctx, endpoint, nil)
		if err == nil {
			conn := &wsConn{
				ws:      ws,
				replies: make(chan Reply, replyBuffer),
				done:    make(chan struct{}),
				log:     c.log,
			}
			go conn.readLoop()
			return conn, nil
		}
		if resp != nil {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			resp.Body.Close()
			err = fmt.Errorf("status %d: %s: %w", resp.StatusCode, string(body), err)
		}
		if attempt >= c.backoff.MaxAttempts || ctx.Err() != nil {
			return nil, &shared.ConnectError{Provider: "tts", Err: err}
		}
		c.log.Warn("tts dial failed, retrying", "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return nil, &shared.ConnectError{Provider: "tts", Err: ctx.Err()}
		case <-time.After(delay):
		}
		delay = c.backoff.Next(delay)
	}
}

type wsConn struct {
	ws        *websocket.Conn
	writeMu   sync.Mutex
	replies   chan Reply
	done      chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once
	log       *slog.Logger
}

func (c *wsConn) SendVoiceConfig(cfg VoiceConfig) error {
	return c.writeJSON(voiceConfigMessage{VoiceConfig: cfg})
}

func (c *wsConn) SendText(text string, end bool) error {
	return c.writeJSON(textMessage{Text: text, End: end})
}

func (c *wsConn) Replies() <-chan Reply {
	return c.replies
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.ws.Close()
		<-c.done
	})
	return err
}

func (c *wsConn) writeJSON(v any) error {
	if c.closed.Load() {
		return shared.ErrClosed
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("tts write: %w", err)
	}
	return nil
}

func (c *wsConn) readLoop() {
	defer close(c.done)
	defer close(c.replies)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if !c.closed.Load() && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				c.deliver(Reply{Err: fmt.Errorf("tts read: %w", err)})
			}
			return
		}

		var msg replyMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.deliver(Reply{Err: &shared.ProtocolError{Source: "tts", Err: err}})
			continue
		}
		if msg.Error != "" {
			c.deliver(Reply{Err: &shared.ProtocolError{Source: "tts", Err: errors.New(msg.Error)}})
			continue
		}
		c.deliver(Reply{Audio: msg.Audio, Final: msg.Final})
	}
}

// deliver drops the reply when nobody is draining and the buffer is full.
func (c *wsConn) deliver(r Reply) {
	select {
	case c.replies <- r:
	default:
		c.log.Warn("tts reply dropped, buffer full")
	}
}
