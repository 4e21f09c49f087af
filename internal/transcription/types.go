package transcription

import (
	"time"

	"github.com/eleven-am/voice-relay/internal/shared"
)

type BeginEvent struct {
	ID        string
	ExpiresAt int64
}

type TurnEvent struct {
	Transcript string
	EndOfTurn  bool
	Formatted  bool
	TurnOrder  int
}

type TerminationEvent struct {
	AudioDurationSeconds   float64
	SessionDurationSeconds float64
}

// Callbacks are invoked from the provider's read goroutine.
type Callbacks struct {
	OnBegin      func(BeginEvent)
	OnTurn       func(TurnEvent)
	OnError      func(error)
	OnTerminated func(TerminationEvent)
}

type StreamParams struct {
	SampleRate  int
	FormatTurns bool
}

type Config struct {
	URL              string
	APIKey           string
	Backoff          shared.BackoffConfig
	HandshakeTimeout time.Duration
	TerminateWait    time.Duration
}

type serverMessage struct {
	Type                   string  `json:"type"`
	ID                     string  `json:"id,omitempty"`
	ExpiresAt              int64   `json:"expires_at,omitempty"`
	Transcript             string  `json:"transcript,omitempty"`
	EndOfTurn              bool    `json:"end_of_turn,omitempty"`
	TurnIsFormatted        bool    `json:"turn_is_formatted,omitempty"`
	TurnOrder              int     `json:"turn_order,omitempty"`
	AudioDurationSeconds   float64 `json:"audio_duration_seconds,omitempty"`
	SessionDurationSeconds float64 `json:"session_duration_seconds,omitempty"`
	Error                  string  `json:"error,omitempty"`
}

type updateConfigurationMessage struct {
	Type        string `json:"type"`
	FormatTurns bool   `json:"format_turns"`
}

type terminateMessage struct {
	Type string `json:"type"`
}
