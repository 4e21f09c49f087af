package transcription

import "context"

// Provider opens streaming transcription connections.
type Provider interface {
	Connect(ctx context.Context, params StreamParams, cb Callbacks) (Stream, error)
}

// Stream is one open provider connection. Stream blocks until the
// fragment has been handed to the network.
type Stream interface {
	Stream(audio []byte) error
	UpdateConfiguration(formatTurns bool) error
	Disconnect(terminate bool) error
}
