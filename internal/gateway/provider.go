package gateway

import (
	"log/slog"

	"go.uber.org/fx"

	"github.com/eleven-am/voice-relay/internal/voicesession"
)

type Config struct {
	SampleRate int
	RateLimit  RateLimiterConfig
}

func ProvideRegistry(sessions *voicesession.Manager, logger *slog.Logger) *Registry {
	return NewRegistry(sessions, logger)
}

func ProvideHandler(cfg Config, registry *Registry, sessions *voicesession.Manager, logger *slog.Logger) *Handler {
	return NewHandler(HandlerConfig{
		Registry:   registry,
		Sessions:   sessions,
		SampleRate: cfg.SampleRate,
		RateLimit:  cfg.RateLimit,
		Logger:     logger.With("handler", "gateway"),
	})
}

var Module = fx.Options(
	fx.Provide(
		ProvideRegistry,
		ProvideHandler,
	),
)
