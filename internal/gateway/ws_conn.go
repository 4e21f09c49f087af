package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/eleven-am/voice-relay/internal/shared"
	"github.com/eleven-am/voice-relay/internal/transport"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ClientConn is a client websocket. The write pump is the only writer.
type ClientConn struct {
	ws      *websocket.Conn
	id      string
	logger  *slog.Logger
	send    chan []byte
	inbound chan transport.Frame

	connected atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

var _ transport.Connection = (*ClientConn)(nil)

func NewClientConn(ws *websocket.Conn, logger *slog.Logger) *ClientConn {
	id := "conn_" + uuid.New().String()
	c := &ClientConn{
		ws:      ws,
		id:      id,
		logger:  logger.With("conn_id", id),
		send:    make(chan []byte, 256),
		inbound: make(chan transport.Frame, 128),
		done:    make(chan struct{}),
	}
	c.connected.Store(true)
	return c
}

func (c *ClientConn) ID() string {
	return c.id
}

func (c *ClientConn) Inbound() <-chan transport.Frame {
	return c.inbound
}

func (c *ClientConn) Done() <-chan struct{} {
	return c.done
}

func (c *ClientConn) IsConnected() bool {
	return c.connected.Load()
}

// Send queues an event for the write pump. It waits up to writeWait for
// buffer space.
func (c *ClientConn) Send(ctx context.Context, evt transport.ServerEvent) error {
	if !c.IsConnected() {
		return shared.ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}

	timer := time.NewTimer(writeWait)
	defer timer.Stop()

	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return shared.ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		c.logger.Warn("send buffer full", "type", evt.Type)
		return &shared.TimeoutError{Op: "client send", After: writeWait.String()}
	}
}

func (c *ClientConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.connected.Store(false)
		close(c.done)
		err = c.ws.Close()
	})
	return err
}

func (c *ClientConn) readPump(ctx context.Context) error {
	defer c.Close()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		kind, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Error("websocket read error", "error", err)
				return err
			}
			return nil
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))

		frame := transport.Frame{Binary: kind == websocket.BinaryMessage, Data: message}
		select {
		case c.inbound <- frame:
		case <-c.done:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *ClientConn) writePump(ctx context.Context) error {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			c.writeClose()
			return nil
		case <-c.done:
			return nil
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Error("websocket write error", "error", err)
				return err
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return err
			}
		}
	}
}

func (c *ClientConn) writeClose() {
	_ = c.ws.SetWriteDeadline(time.Now().Add(time.Second))
	_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
