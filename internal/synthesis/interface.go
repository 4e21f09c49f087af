package synthesis

import "context"

// Dialer opens a fresh synthesis connection.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

type Conn interface {
	SendVoiceConfig(cfg VoiceConfig) error
	SendText(text string, end bool) error
	Replies() <-chan Reply
	Close() error
}
