package bootstrap

import (
	"github.com/labstack/echo/v4"
	"go.uber.org/fx"

	"github.com/eleven-am/voice-relay/internal/gateway"
	"github.com/eleven-am/voice-relay/internal/health"
	"github.com/eleven-am/voice-relay/internal/session"
	"github.com/eleven-am/voice-relay/internal/voicesession"
)

const version = "1.0.0"

func ProvideHealthHandler(
	store *session.Store,
	sessions *voicesession.Manager,
	registry *gateway.Registry,
	cfg *Config,
) *health.Handler {
	return health.NewHandler(health.Config{
		Store:       store,
		Sessions:    sessions,
		Connections: registry,
		Providers: health.Providers{
			Transcription: cfg.AssemblyAIAPIKey != "",
			Generation:    cfg.GeminiAPIKey != "",
			Synthesis:     cfg.MurfAPIKey != "",
		},
		Version: version,
	})
}

func metricsMiddleware(h *health.Handler) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h.IncrementRequests()
			h.IncrementInFlight()
			defer h.DecrementInFlight()
			return next(c)
		}
	}
}

func RegisterHealthRoutes(e *echo.Echo, h *health.Handler) {
	e.Use(metricsMiddleware(h))
	h.RegisterRoutes(e)
}

var HealthModule = fx.Options(
	fx.Provide(ProvideHealthHandler),
	fx.Invoke(RegisterHealthRoutes),
)
