package transport

import (
	"bytes"
	"fmt"

	"github.com/goccy/go-json"
)

type MessageType string

const (
	MessageTypeConnection           MessageType = "connection"
	MessageTypeTranscriptionStarted MessageType = "transcription_started"
	MessageTypeTranscriptionStopped MessageType = "transcription_stopped"
	MessageTypeTranscriptionStatus  MessageType = "transcription_status"
	MessageTypeSessionOpened        MessageType = "session_opened"
	MessageTypeSessionTerminated    MessageType = "session_terminated"
	MessageTypeTranscript           MessageType = "transcript"
	MessageTypeTurnComplete         MessageType = "turn_complete"
	MessageTypeLLMResponseComplete  MessageType = "llm_response_complete"
	MessageTypeAudioChunk           MessageType = "audio_chunk"
	MessageTypeAudioComplete        MessageType = "audio_complete"
	MessageTypeChatStarted          MessageType = "chat_started"
	MessageTypeChatComplete         MessageType = "chat_complete"
	MessageTypePong                 MessageType = "pong"
	MessageTypeError                MessageType = "error"
)

type CommandType string

const (
	CommandStartTranscription  CommandType = "start_transcription"
	CommandStopTranscription   CommandType = "stop_transcription"
	CommandTranscriptionStatus CommandType = "get_transcription_status"
	CommandChatMessage         CommandType = "chat_message"
	CommandPing                CommandType = "ping"
)

// ServerEvent is one outbound client message. Payload fields are
// flattened next to "type" on the wire.
type ServerEvent struct {
	Type    MessageType
	Payload any
}

func (e ServerEvent) MarshalJSON() ([]byte, error) {
	head, err := json.Marshal(struct {
		Type MessageType `json:"type"`
	}{e.Type})
	if err != nil {
		return nil, err
	}
	if e.Payload == nil {
		return head, nil
	}

	body, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", e.Type, err)
	}
	body = bytes.TrimSpace(body)
	if len(body) < 2 || body[0] != '{' {
		return nil, fmt.Errorf("%s payload must encode as an object", e.Type)
	}
	if len(bytes.TrimSpace(body[1:len(body)-1])) == 0 {
		return head, nil
	}

	out := make([]byte, 0, len(head)+len(body))
	out = append(out, head[:len(head)-1]...)
	out = append(out, ',')
	out = append(out, body[1:]...)
	return out, nil
}

// ClientMessage is an inbound JSON control frame.
type ClientMessage struct {
	Type       CommandType `json:"type"`
	Text       string      `json:"text,omitempty"`
	SessionID  string      `json:"session_id,omitempty"`
	SampleRate int         `json:"sample_rate,omitempty"`
}

type ConnectionPayload struct {
	Status       string            `json:"status"`
	Message      string            `json:"message"`
	Requirements AudioRequirements `json:"requirements"`
}

type AudioRequirements struct {
	SampleRate    string `json:"sample_rate"`
	Format        string `json:"format"`
	Channels      string `json:"channels"`
	TurnDetection string `json:"turn_detection"`
}

type TranscriptionStartedPayload struct {
	SessionID     string `json:"session_id"`
	TurnDetection bool   `json:"turn_detection"`
	Message       string `json:"message,omitempty"`
}

type TranscriptionStoppedPayload struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message,omitempty"`
}

type TranscriptionStatusPayload struct {
	SessionID     string `json:"session_id,omitempty"`
	Status        string `json:"status"`
	TurnDetection bool   `json:"turn_detection,omitempty"`
	Message       string `json:"message,omitempty"`
}

type SessionOpenedPayload struct {
	SessionID            string `json:"session_id"`
	ProviderSessionID    string `json:"provider_session_id,omitempty"`
	TurnDetectionEnabled bool   `json:"turn_detection_enabled"`
}

type SessionTerminatedPayload struct {
	SessionID string  `json:"session_id"`
	Duration  float64 `json:"duration"`
}

type TurnData struct {
	EndOfTurn       bool `json:"end_of_turn"`
	TurnIsFormatted bool `json:"turn_is_formatted"`
}

type TranscriptPayload struct {
	SessionID   string   `json:"session_id"`
	Text        string   `json:"text"`
	IsFinal     bool     `json:"is_final"`
	TurnData    TurnData `json:"turn_data"`
	DisplayMode string   `json:"display_mode"`
	Timestamp   float64  `json:"timestamp"`
}

type TurnCompletePayload struct {
	SessionID       string  `json:"session_id"`
	FinalTranscript string  `json:"final_transcript"`
	Timestamp       float64 `json:"timestamp"`
}

type LLMResponseCompletePayload struct {
	SessionID      string  `json:"session_id"`
	UserTranscript string  `json:"user_transcript"`
	LLMResponse    string  `json:"llm_response"`
	Timestamp      float64 `json:"timestamp"`
}

type AudioChunkPayload struct {
	AudioData  string `json:"audio_data"`
	ChunkIndex int    `json:"chunk_index"`
	ChunkSize  int    `json:"chunk_size"`
}

type AudioCompletePayload struct {
	TotalChunks int `json:"total_chunks"`
}

type ChatStartedPayload struct {
	SessionID   string `json:"session_id"`
	UserMessage string `json:"user_message"`
}

type ChatCompletePayload struct {
	SessionID   string `json:"session_id"`
	LLMResponse string `json:"llm_response"`
}

type PongPayload struct {
	Message string `json:"message"`
}

// ErrorPayload covers both plain command errors (Message only) and turn
// failures, which carry a code and a fallback utterance.
type ErrorPayload struct {
	SessionID    string `json:"session_id,omitempty"`
	Message      string `json:"message"`
	Error        string `json:"error,omitempty"`
	Fallback     bool   `json:"fallback,omitempty"`
	FallbackText string `json:"fallback_text,omitempty"`
}
