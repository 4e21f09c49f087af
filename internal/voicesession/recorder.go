package voicesession

import (
	"context"
	"time"
)

// Recorder receives operational metadata about sessions and turns. It never
// sees transcript or reply text.
type Recorder interface {
	SessionStarted(ctx context.Context, sessionID, connID string) error
	SessionEnded(ctx context.Context, sessionID string, failed bool) error
	TurnCompleted(ctx context.Context, sessionID string, latency time.Duration, chunks int) error
	TurnFailed(ctx context.Context, sessionID, kind string) error
}

const recordTimeout = 2 * time.Second

// record runs fn against a short-lived context detached from the caller, so
// a session that is shutting down still gets its final record written.
func record(r Recorder, fn func(ctx context.Context, r Recorder) error) error {
	if r == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	return fn(ctx, r)
}
