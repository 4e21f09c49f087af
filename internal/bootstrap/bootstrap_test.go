package bootstrap

import (
	"log/slog"
	"testing"
	"time"

	"go.uber.org/fx"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/eleven-am/voice-relay/internal/health"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg := LoadConfig()

	if cfg.ServerAddr != ":8080" {
		t.Errorf("ServerAddr = %q, want :8080", cfg.ServerAddr)
	}
	if cfg.STTSampleRate != 16000 {
		t.Errorf("STTSampleRate = %d, want 16000", cfg.STTSampleRate)
	}
	if cfg.TTSWordsPerChunk != 12 {
		t.Errorf("TTSWordsPerChunk = %d, want 12", cfg.TTSWordsPerChunk)
	}
	if cfg.TTSReplyTimeout != 10*time.Second {
		t.Errorf("TTSReplyTimeout = %v, want 10s", cfg.TTSReplyTimeout)
	}
	if cfg.MurfVoiceID != "en-US-darnell" || cfg.MurfStyle != "Conversational" {
		t.Errorf("voice = %q/%q", cfg.MurfVoiceID, cfg.MurfStyle)
	}
}

func TestLoadConfig_FromEnv(t *testing.T) {
	t.Setenv("SERVER_ADDR", ":9000")
	t.Setenv("STT_SAMPLE_RATE", "8000")
	t.Setenv("TTS_REPLY_TIMEOUT", "15")
	t.Setenv("REDIS_DB", "2")
	t.Setenv("RATE_LIMIT_RPS", "0.5")
	t.Setenv("GEMINI_API_KEY", "key")

	cfg := LoadConfig()

	if cfg.ServerAddr != ":9000" {
		t.Errorf("ServerAddr = %q", cfg.ServerAddr)
	}
	if cfg.STTSampleRate != 8000 {
		t.Errorf("STTSampleRate = %d", cfg.STTSampleRate)
	}
	if cfg.TTSReplyTimeout != 15*time.Second {
		t.Errorf("TTSReplyTimeout = %v", cfg.TTSReplyTimeout)
	}
	if cfg.RedisDB != 2 {
		t.Errorf("RedisDB = %d", cfg.RedisDB)
	}
	if cfg.RateLimitRPS != 0.5 {
		t.Errorf("RateLimitRPS = %f", cfg.RateLimitRPS)
	}
	if cfg.GeminiAPIKey != "key" {
		t.Errorf("GeminiAPIKey = %q", cfg.GeminiAPIKey)
	}
}

func TestGetEnvDuration(t *testing.T) {
	tests := []struct {
		value string
		want  time.Duration
	}{
		{"", 3 * time.Second},
		{"250ms", 250 * time.Millisecond},
		{"7", 7 * time.Second},
		{"soon", 3 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			t.Setenv("TEST_DURATION", tt.value)
			if got := getEnvDuration("TEST_DURATION", 3*time.Second); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetEnvInt_Invalid(t *testing.T) {
	t.Setenv("TEST_INT", "many")
	if got := getEnvInt("TEST_INT", 4); got != 4 {
		t.Errorf("got %d, want default 4", got)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"error":   slog.LevelError,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := parseLogLevel(in); got != want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestProvideGatewayConfig(t *testing.T) {
	cfg := &Config{STTSampleRate: 16000, RateLimitRPS: 4}
	gw := ProvideGatewayConfig(cfg)

	if gw.SampleRate != 16000 {
		t.Errorf("SampleRate = %d", gw.SampleRate)
	}
	if gw.RateLimit.RequestsPerSecond != 4 {
		t.Errorf("RequestsPerSecond = %f, want 4", gw.RateLimit.RequestsPerSecond)
	}
	if gw.RateLimit.Burst != 5 {
		t.Errorf("Burst = %d, want default 5", gw.RateLimit.Burst)
	}
}

func TestServingStatus(t *testing.T) {
	if servingStatus(health.StatusHealthy) != healthpb.HealthCheckResponse_SERVING {
		t.Error("healthy should be SERVING")
	}
	if servingStatus(health.StatusDegraded) != healthpb.HealthCheckResponse_SERVING {
		t.Error("degraded should still be SERVING")
	}
	if servingStatus(health.StatusUnhealthy) != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Error("unhealthy should be NOT_SERVING")
	}
}

func TestOptions_GraphIsComplete(t *testing.T) {
	if err := fx.ValidateApp(Options()); err != nil {
		t.Fatalf("dependency graph invalid: %v", err)
	}
}
