package session

import (
	"context"
	"errors"
	"time"
)

// Recorder writes voice session lifecycle events to the store.
type Recorder struct {
	store *Store
}

func NewRecorder(store *Store) *Recorder {
	return &Recorder{store: store}
}

func (r *Recorder) SessionStarted(ctx context.Context, sessionID, connID string) error {
	return r.store.CreateSession(ctx, &Session{ID: sessionID, ConnectionID: connID})
}

func (r *Recorder) SessionEnded(ctx context.Context, sessionID string, failed bool) error {
	status := StatusEnded
	if failed {
		status = StatusError
	}
	return r.store.EndSession(ctx, sessionID, status)
}

func (r *Recorder) TurnCompleted(ctx context.Context, sessionID string, latency time.Duration, chunks int) error {
	return errors.Join(
		r.store.IncrementTurns(ctx, sessionID),
		r.store.RecordLatency(ctx, latency.Milliseconds()),
		r.store.RecordAudioChunks(ctx, chunks),
	)
}

func (r *Recorder) TurnFailed(ctx context.Context, sessionID, kind string) error {
	return r.store.IncrementErrors(ctx, sessionID, kind)
}
