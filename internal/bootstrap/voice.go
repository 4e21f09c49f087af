package bootstrap

import (
	"context"
	"log/slog"

	"github.com/labstack/echo/v4"
	"go.uber.org/fx"

	"github.com/eleven-am/voice-relay/internal/gateway"
	"github.com/eleven-am/voice-relay/internal/generation"
	"github.com/eleven-am/voice-relay/internal/memory"
	"github.com/eleven-am/voice-relay/internal/synthesis"
	"github.com/eleven-am/voice-relay/internal/transcription"
	"github.com/eleven-am/voice-relay/internal/voicesession"
)

func ProvideSTTConfig(cfg *Config) transcription.Config {
	return transcription.Config{
		URL:    cfg.AssemblyAIURL,
		APIKey: cfg.AssemblyAIAPIKey,
	}
}

func ProvideTTSConfig(cfg *Config) synthesis.Config {
	return synthesis.Config{
		URL:    cfg.MurfURL,
		APIKey: cfg.MurfAPIKey,
	}
}

func ProvideTranscriptionProvider(sttCfg transcription.Config, logger *slog.Logger) transcription.Provider {
	return transcription.New(sttCfg, logger)
}

func ProvideGenerationProvider(cfg *Config, logger *slog.Logger) (generation.Provider, error) {
	provider, err := generation.NewGeminiProvider(context.Background(), cfg.GeminiAPIKey, cfg.GeminiModel)
	if err != nil {
		return nil, err
	}
	logger.Info("generation provider ready", "model", provider.Model())
	return provider, nil
}

func ProvideStreamer(provider generation.Provider, cfg *Config, logger *slog.Logger) *generation.Streamer {
	return generation.NewStreamer(provider, cfg.Persona, logger)
}

func ProvideTTSClient(ttsCfg synthesis.Config, logger *slog.Logger) *synthesis.Client {
	return synthesis.New(ttsCfg, logger)
}

func ProvideSynthesisBridge(client *synthesis.Client, cfg *Config, logger *slog.Logger) *synthesis.Bridge {
	voice := synthesis.DefaultVoiceConfig()
	voice.VoiceID = cfg.MurfVoiceID
	voice.Style = cfg.MurfStyle

	return synthesis.NewBridge(synthesis.BridgeConfig{
		Dialer:        client,
		Voice:         voice,
		WordsPerGroup: cfg.TTSWordsPerChunk,
		ReplyTimeout:  cfg.TTSReplyTimeout,
		Log:           logger,
	})
}

func ProvidePipeline(
	streamer *generation.Streamer,
	bridge *synthesis.Bridge,
	mem *memory.Store,
	recorder voicesession.Recorder,
	logger *slog.Logger,
) *voicesession.Pipeline {
	return voicesession.NewPipeline(voicesession.PipelineConfig{
		Generator:   streamer,
		Synthesizer: bridge,
		Memory:      mem,
		Recorder:    recorder,
		Log:         logger,
	})
}

func ProvideVoiceSessionManager(
	lc fx.Lifecycle,
	provider transcription.Provider,
	pipeline *voicesession.Pipeline,
	recorder voicesession.Recorder,
	cfg *Config,
	logger *slog.Logger,
) *voicesession.Manager {
	mgr := voicesession.NewManager(voicesession.ManagerConfig{
		Detectors: voicesession.ProviderDetectors(provider),
		Pipeline:  pipeline,
		Recorder:  recorder,
		Detector:  transcription.DetectorOptions{SampleRate: cfg.STTSampleRate},
		Log:       logger,
	})
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return mgr.Close()
		},
	})
	return mgr
}

func ProvideGatewayConfig(cfg *Config) gateway.Config {
	limit := gateway.DefaultRateLimiterConfig()
	if cfg.RateLimitRPS > 0 {
		limit.RequestsPerSecond = cfg.RateLimitRPS
	}
	if cfg.RateLimitBurst > 0 {
		limit.Burst = cfg.RateLimitBurst
	}
	return gateway.Config{
		SampleRate: cfg.STTSampleRate,
		RateLimit:  limit,
	}
}

func RegisterVoiceRoutes(e *echo.Echo, handler *gateway.Handler) {
	handler.RegisterRoutes(e)
}

var VoiceModule = fx.Options(
	fx.Provide(
		ProvideSTTConfig,
		ProvideTTSConfig,
		ProvideTranscriptionProvider,
		ProvideGenerationProvider,
		ProvideStreamer,
		ProvideTTSClient,
		ProvideSynthesisBridge,
		ProvidePipeline,
		ProvideVoiceSessionManager,
		ProvideGatewayConfig,
	),
	gateway.Module,
	fx.Invoke(RegisterVoiceRoutes),
)
