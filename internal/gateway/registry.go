package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/eleven-am/voice-relay/internal/shared"
	"github.com/eleven-am/voice-relay/internal/transport"
)

// Handle identifies a registered client connection.
type Handle string

// SessionCloser releases a streaming session when its connection goes away.
type SessionCloser interface {
	CloseSession(sessionID string)
}

type entry struct {
	conn      transport.Connection
	sessionID string
	live      atomic.Bool
}

// Registry tracks live client connections and the streaming session bound
// to each. Delivery to a dead handle fails with a typed error instead of
// reaching the socket.
type Registry struct {
	mu       sync.RWMutex
	conns    map[Handle]*entry
	sessions SessionCloser
	log      *slog.Logger
}

func NewRegistry(sessions SessionCloser, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		conns:    make(map[Handle]*entry),
		sessions: sessions,
		log:      log.With("component", "connection_registry"),
	}
}

func (r *Registry) Register(conn transport.Connection) Handle {
	h := Handle(conn.ID())
	e := &entry{conn: conn}
	e.live.Store(true)

	r.mu.Lock()
	r.conns[h] = e
	r.mu.Unlock()

	r.log.Debug("connection registered", "conn_id", h)
	return h
}

func (r *Registry) lookup(h Handle) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[h]
}

// Deliver sends evt to the connection. A transport failure takes the handle
// out of the live set; a cancelled caller only fails its own send.
func (r *Registry) Deliver(ctx context.Context, h Handle, evt transport.ServerEvent) error {
	e := r.lookup(h)
	if e == nil || !e.live.Load() || !e.conn.IsConnected() {
		return &shared.DisconnectedError{ID: string(h)}
	}
	if err := e.conn.Send(ctx, evt); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if e.live.CompareAndSwap(true, false) {
			r.log.Debug("send failed, connection marked dead", "conn_id", h, "type", evt.Type, "error", err)
		}
		return &shared.DisconnectedError{ID: string(h)}
	}
	return nil
}

func (r *Registry) IsLive(h Handle) bool {
	e := r.lookup(h)
	return e != nil && e.live.Load() && e.conn.IsConnected()
}

// Unregister removes the handle and closes any session bound to it.
func (r *Registry) Unregister(h Handle) {
	r.mu.Lock()
	e, ok := r.conns[h]
	if ok {
		delete(r.conns, h)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	e.live.Store(false)
	if e.sessionID != "" && r.sessions != nil {
		r.sessions.CloseSession(e.sessionID)
	}
	r.log.Debug("connection unregistered", "conn_id", h, "session_id", e.sessionID)
}

func (r *Registry) BindSession(h Handle, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[h]
	if !ok {
		return &shared.DisconnectedError{ID: string(h)}
	}
	if e.sessionID != "" {
		return shared.ErrSessionActive
	}
	e.sessionID = sessionID
	return nil
}

func (r *Registry) SessionID(h Handle) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[h]
	if !ok || e.sessionID == "" {
		return "", false
	}
	return e.sessionID, true
}

// UnbindSession clears the binding if it still points at sessionID.
func (r *Registry) UnbindSession(h Handle, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.conns[h]; ok && e.sessionID == sessionID {
		e.sessionID = ""
	}
}

// Sender returns a transport.Sender that delivers through the registry.
func (r *Registry) Sender(h Handle) transport.Sender {
	return transport.SenderFunc(func(ctx context.Context, evt transport.ServerEvent) error {
		return r.Deliver(ctx, h, evt)
	})
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
