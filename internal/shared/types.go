package shared

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

// NewID returns prefix followed by 128 random bits rendered as 32 hex characters.
func NewID(prefix string) string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return prefix + hex.EncodeToString(b)
}

type BackoffConfig struct {
	Initial     time.Duration
	MaxAttempts int
	MaxDelay    time.Duration
}

func NormalizeBackoff(cfg BackoffConfig) BackoffConfig {
	if cfg.Initial <= 0 {
		cfg.Initial = 100 * time.Millisecond
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 2 * time.Second
	}
	return cfg
}

// Next doubles d, capped at the configured maximum.
func (b BackoffConfig) Next(d time.Duration) time.Duration {
	d *= 2
	if d > b.MaxDelay {
		return b.MaxDelay
	}
	return d
}
