package bootstrap

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	ServerAddr string
	GRPCAddr   string
	LogLevel   string

	AssemblyAIAPIKey string
	AssemblyAIURL    string
	STTSampleRate    int

	GeminiAPIKey string
	GeminiModel  string
	Persona      string

	MurfAPIKey       string
	MurfURL          string
	MurfVoiceID      string
	MurfStyle        string
	TTSWordsPerChunk int
	TTSReplyTimeout  time.Duration

	RateLimitRPS   float64
	RateLimitBurst int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	StaticDir string
}

func LoadConfig() *Config {
	return &Config{
		ServerAddr: getEnv("SERVER_ADDR", ":8080"),
		GRPCAddr:   getEnv("GRPC_ADDR", ":50051"),
		LogLevel:   getEnv("LOG_LEVEL", "info"),

		AssemblyAIAPIKey: getEnv("ASSEMBLYAI_API_KEY", ""),
		AssemblyAIURL:    getEnv("ASSEMBLYAI_URL", ""),
		STTSampleRate:    getEnvInt("STT_SAMPLE_RATE", 16000),

		GeminiAPIKey: getEnv("GEMINI_API_KEY", ""),
		GeminiModel:  getEnv("GEMINI_MODEL", ""),
		Persona:      getEnv("PERSONA", ""),

		MurfAPIKey:       getEnv("MURF_API_KEY", ""),
		MurfURL:          getEnv("MURF_URL", ""),
		MurfVoiceID:      getEnv("MURF_VOICE_ID", "en-US-darnell"),
		MurfStyle:        getEnv("MURF_STYLE", "Conversational"),
		TTSWordsPerChunk: getEnvInt("TTS_WORDS_PER_CHUNK", 12),
		TTSReplyTimeout:  getEnvDuration("TTS_REPLY_TIMEOUT", 10*time.Second),

		RateLimitRPS:   getEnvFloat("RATE_LIMIT_RPS", 2),
		RateLimitBurst: getEnvInt("RATE_LIMIT_BURST", 5),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		StaticDir: getEnv("STATIC_DIR", ""),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go duration strings ("10s") or whole seconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
