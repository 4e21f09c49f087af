package voicesession

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/eleven-am/voice-relay/internal/generation"
	"github.com/eleven-am/voice-relay/internal/memory"
	"github.com/eleven-am/voice-relay/internal/shared"
	"github.com/eleven-am/voice-relay/internal/synthesis"
	"github.com/eleven-am/voice-relay/internal/transport"
)

const (
	FallbackGeneration = "I'm having trouble processing your request right now."
	FallbackConnection = "I'm having trouble connecting right now."
)

const (
	ErrorCodeLLM = "llm_failed"
	ErrorCodeTTS = "tts_failed"
	ErrorCodeSTT = "stt_failed"
)

// Generator produces a streamed reply. *generation.Streamer satisfies it.
type Generator interface {
	Generate(ctx context.Context, prompt string, onChunk func(string) error) (string, error)
}

// Synthesizer opens a per-turn synthesis utterance. *synthesis.Bridge
// satisfies it.
type Synthesizer interface {
	Open(ctx context.Context, target transport.Sender) (*synthesis.Utterance, error)
}

type PipelineConfig struct {
	Generator   Generator
	Synthesizer Synthesizer
	Memory      *memory.Store
	Recorder    Recorder
	Log         *slog.Logger
}

// Pipeline runs one conversational turn: generation streamed into
// synthesis, with the exchange appended to memory.
type Pipeline struct {
	generator   Generator
	synthesizer Synthesizer
	memory      *memory.Store
	recorder    Recorder
	log         *slog.Logger
}

func NewPipeline(cfg PipelineConfig) *Pipeline {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	mem := cfg.Memory
	if mem == nil {
		mem = memory.NewStore()
	}
	return &Pipeline{
		generator:   cfg.Generator,
		synthesizer: cfg.Synthesizer,
		memory:      mem,
		recorder:    cfg.Recorder,
		log:         log.With("component", "pipeline"),
	}
}

func (p *Pipeline) Memory() *memory.Store {
	return p.memory
}

type TurnRequest struct {
	// Key selects the conversation history.
	Key       string
	SessionID string
	Text      string
	Target    transport.Sender
}

type TurnResult struct {
	Reply   string
	Chunks  int
	Latency time.Duration
}

// Run executes a turn. Failures that still leave the client reachable are
// reported to it as an error message with a fallback text; the returned
// error is for the caller's logs.
func (p *Pipeline) Run(ctx context.Context, req TurnRequest) (TurnResult, error) {
	start := time.Now()
	log := p.log.With("session_id", req.SessionID)
	var res TurnResult

	p.memory.Append(req.Key, memory.RoleUser, req.Text)
	prompt := memory.Format(p.memory.History(req.Key))

	utt, ttsErr := p.synthesizer.Open(ctx, req.Target)
	var onChunk func(string) error
	if ttsErr != nil {
		log.Warn("synthesis unavailable, replying with text only", "error", ttsErr)
	} else {
		defer utt.Close()
		onChunk = utt.Write
	}

	reply, err := p.generator.Generate(ctx, prompt, onChunk)
	if err != nil {
		p.memory.RollbackUser(req.Key)
		if utt != nil {
			utt.Abort()
		}
		if isGone(ctx, err) {
			log.Debug("turn abandoned", "error", err)
			return res, err
		}
		log.Error("generation failed", "error", err)
		p.sendError(ctx, req, ErrorCodeLLM, "Response generation failed", FallbackGeneration)
		p.recordFailure(req.SessionID, ErrorCodeLLM)
		return res, err
	}
	res.Reply = reply
	p.memory.Append(req.Key, memory.RoleAssistant, reply)

	if utt != nil {
		res.Chunks, err = utt.Finish()
		if err != nil {
			if isGone(ctx, err) {
				return res, err
			}
			log.Warn("synthesis did not complete", "error", err)
		}
	}

	if ttsErr != nil {
		p.sendError(ctx, req, ErrorCodeTTS, "Speech synthesis failed", FallbackConnection)
		p.recordFailure(req.SessionID, ErrorCodeTTS)
	}

	err = req.Target.Send(ctx, transport.ServerEvent{
		Type: transport.MessageTypeLLMResponseComplete,
		Payload: transport.LLMResponseCompletePayload{
			SessionID:      req.SessionID,
			UserTranscript: req.Text,
			LLMResponse:    reply,
			Timestamp:      timestamp(),
		},
	})
	res.Latency = time.Since(start)
	if err != nil {
		return res, err
	}

	if err := record(p.recorder, func(ctx context.Context, r Recorder) error {
		return r.TurnCompleted(ctx, req.SessionID, res.Latency, res.Chunks)
	}); err != nil {
		log.Debug("record turn failed", "error", err)
	}

	log.Info("turn complete", "chunks", res.Chunks, "latency_ms", res.Latency.Milliseconds())
	return res, nil
}

func (p *Pipeline) sendError(ctx context.Context, req TurnRequest, code, message, fallback string) {
	err := req.Target.Send(ctx, transport.ServerEvent{
		Type: transport.MessageTypeError,
		Payload: transport.ErrorPayload{
			SessionID:    req.SessionID,
			Message:      message,
			Error:        code,
			Fallback:     true,
			FallbackText: fallback,
		},
	})
	if err != nil {
		p.log.Debug("send fallback failed", "session_id", req.SessionID, "error", err)
	}
}

func (p *Pipeline) recordFailure(sessionID, kind string) {
	if err := record(p.recorder, func(ctx context.Context, r Recorder) error {
		return r.TurnFailed(ctx, sessionID, kind)
	}); err != nil {
		p.log.Debug("record failure failed", "session_id", sessionID, "error", err)
	}
}

func isGone(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	return errors.Is(err, shared.ErrNotConnected) || errors.Is(err, context.Canceled)
}

func timestamp() float64 {
	return float64(time.Now().UnixMilli()) / 1000
}

var _ Generator = (*generation.Streamer)(nil)
var _ Synthesizer = (*synthesis.Bridge)(nil)
