package transport

import "context"

// Sender delivers events to one client. Implementations serialize writes.
type Sender interface {
	Send(ctx context.Context, event ServerEvent) error
}

// Frame is one inbound client frame. Binary frames carry raw audio; text
// frames carry JSON commands.
type Frame struct {
	Binary bool
	Data   []byte
}

// Connection is a live bidirectional client channel. Inbound frames are
// delivered in arrival order.
type Connection interface {
	Sender
	ID() string
	Inbound() <-chan Frame
	Done() <-chan struct{}
	IsConnected() bool
	Close() error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, event ServerEvent) error

func (f SenderFunc) Send(ctx context.Context, event ServerEvent) error {
	return f(ctx, event)
}
