package gateway

import (
	"io"
	"log/slog"
	"testing"

	"github.com/eleven-am/voice-relay/internal/voicesession"
)

func TestProvideRegistry(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sessions := voicesession.NewManager(voicesession.ManagerConfig{Log: logger})

	registry := ProvideRegistry(sessions, logger)
	if registry == nil {
		t.Fatal("ProvideRegistry should not return nil")
	}
	if registry.Count() != 0 {
		t.Errorf("count = %d, want 0", registry.Count())
	}
}

func TestProvideHandler(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sessions := voicesession.NewManager(voicesession.ManagerConfig{Log: logger})
	registry := ProvideRegistry(sessions, logger)

	handler := ProvideHandler(Config{SampleRate: 8000, RateLimit: DefaultRateLimiterConfig()}, registry, sessions, logger)
	if handler == nil {
		t.Fatal("ProvideHandler should not return nil")
	}
	if handler.sampleRate != 8000 {
		t.Errorf("sampleRate = %d, want 8000", handler.sampleRate)
	}
}
