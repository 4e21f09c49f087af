package synthesis

import (
	"time"

	"github.com/eleven-am/voice-relay/internal/shared"
)

type Config struct {
	URL              string
	APIKey           string
	SampleRate       int
	ChannelType      string
	Format           string
	HandshakeTimeout time.Duration
	Backoff          shared.BackoffConfig
}

type VoiceConfig struct {
	VoiceID   string `json:"voiceId"`
	Style     string `json:"style"`
	Rate      int    `json:"rate"`
	Pitch     int    `json:"pitch"`
	Variation int    `json:"variation"`
}

func DefaultVoiceConfig() VoiceConfig {
	return VoiceConfig{
		VoiceID:   "en-US-darnell",
		Style:     "Conversational",
		Rate:      0,
		Pitch:     0,
		Variation: 1,
	}
}

// Reply is one provider message. Audio is base64 encoded as received.
type Reply struct {
	Audio string
	Final bool
	Err   error
}

type voiceConfigMessage struct {
	VoiceConfig VoiceConfig `json:"voice_config"`
}

type textMessage struct {
	Text string `json:"text"`
	End  bool   `json:"end"`
}

type replyMessage struct {
	Audio string `json:"audio,omitempty"`
	Final bool   `json:"final,omitempty"`
	Error string `json:"error,omitempty"`
}
