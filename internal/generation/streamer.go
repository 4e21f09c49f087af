package generation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

const DefaultPersona = "You are Zody, a friendly and funny robotic assistant. " +
	"Always speak like a cheerful robot, mixing humanised humor with helpfulness. " +
	"Stay in character as Zody in every reply. " +
	"you are my assistant - i am user"

// Error is returned when generation fails part way. Partial holds the text
// produced before the failure.
type Error struct {
	Partial string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("generation failed after %d chars: %v", len(e.Partial), e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

type Streamer struct {
	provider Provider
	persona  string
	log      *slog.Logger
}

func NewStreamer(provider Provider, persona string, log *slog.Logger) *Streamer {
	if log == nil {
		log = slog.Default()
	}
	if persona == "" {
		persona = DefaultPersona
	}
	return &Streamer{
		provider: provider,
		persona:  persona,
		log:      log.With("component", "generation"),
	}
}

// Generate streams a reply to prompt, forwarding every chunk to onChunk as it
// arrives, and returns the accumulated text. An onChunk error aborts the stream.
func (s *Streamer) Generate(ctx context.Context, prompt string, onChunk func(string) error) (string, error) {
	full := s.persona + "\n" + prompt
	start := time.Now()

	var out strings.Builder
	chunks := 0
	for chunk, err := range s.provider.GenerateStream(ctx, full) {
		if err != nil {
			return "", &Error{Partial: out.String(), Err: err}
		}
		out.WriteString(chunk)
		chunks++
		if onChunk != nil {
			if err := onChunk(chunk); err != nil {
				return "", &Error{Partial: out.String(), Err: err}
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return "", &Error{Partial: out.String(), Err: err}
	}

	s.log.Debug("generation complete", "chunks", chunks, "chars", out.Len(), "duration_ms", time.Since(start).Milliseconds())
	return out.String(), nil
}
