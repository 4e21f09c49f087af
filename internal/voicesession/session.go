package voicesession

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eleven-am/voice-relay/internal/shared"
	"github.com/eleven-am/voice-relay/internal/transcription"
	"github.com/eleven-am/voice-relay/internal/transport"
)

type State int32

const (
	StateCreated State = iota
	StateListening
	StateTurnPending
	StateResponding
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateListening:
		return "listening"
	case StateTurnPending:
		return "turn_pending"
	case StateResponding:
		return "responding"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Detector is the part of *transcription.TurnDetector a session drives.
type Detector interface {
	Feed(fragment []byte) error
	Events() <-chan transcription.Event
	StreamedBytes() int64
	QueuedBytes() int
	Close() error
}

const (
	turnQueueSize    = 8
	sessionCloseWait = 3 * time.Second
	displayModeLive  = "live"
	displayModeFinal = "final"
)

type Options struct {
	ID            string
	ConnID        string
	SampleRate    int
	TurnDetection bool
}

// Session is one streaming transcription session bound to a client
// connection. The event loop owns the dedup state; the responder runs turns
// one at a time.
type Session struct {
	id            string
	connID        string
	sampleRate    int
	turnDetection bool
	startedAt     time.Time

	target   transport.Sender
	detector Detector
	pipeline *Pipeline
	onFailed func(id string)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    *slog.Logger

	state     atomic.Int32
	turns     chan string
	turnCount atomic.Int64
	closeOnce sync.Once
	closed    chan struct{}

	lastTranscript string
	lastProcessed  string
}

func newSession(detector Detector, target transport.Sender, pipeline *Pipeline, opts Options, log *slog.Logger) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:            opts.ID,
		connID:        opts.ConnID,
		sampleRate:    opts.SampleRate,
		turnDetection: opts.TurnDetection,
		startedAt:     time.Now(),
		target:        target,
		detector:      detector,
		pipeline:      pipeline,
		ctx:           ctx,
		cancel:        cancel,
		log:           log.With("session_id", opts.ID),
		turns:         make(chan string, turnQueueSize),
		closed:        make(chan struct{}),
	}
	s.state.Store(int32(StateCreated))
	return s
}

func (s *Session) start() {
	s.setState(StateListening)
	s.wg.Add(2)
	go s.eventLoop()
	go s.responder()
}

func (s *Session) ID() string                 { return s.id }
func (s *Session) ConnID() string             { return s.connID }
func (s *Session) TurnDetectionEnabled() bool { return s.turnDetection }
func (s *Session) StartedAt() time.Time       { return s.startedAt }
func (s *Session) Turns() int64               { return s.turnCount.Load() }

func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	for {
		cur := s.state.Load()
		if State(cur) == StateClosed {
			return
		}
		if s.state.CompareAndSwap(cur, int32(st)) {
			return
		}
	}
}

// Done is closed once the session has been torn down.
func (s *Session) Done() <-chan struct{} {
	return s.closed
}

type Status struct {
	SessionID     string `json:"session_id"`
	State         string `json:"state"`
	TurnDetection bool   `json:"turn_detection"`
	Turns         int64  `json:"turns"`
	StreamedBytes int64  `json:"streamed_bytes"`
	QueuedBytes   int    `json:"queued_bytes"`
	DurationMs    int64  `json:"duration_ms"`
}

func (s *Session) Status() Status {
	return Status{
		SessionID:     s.id,
		State:         s.State().String(),
		TurnDetection: s.turnDetection,
		Turns:         s.turnCount.Load(),
		StreamedBytes: s.detector.StreamedBytes(),
		QueuedBytes:   s.detector.QueuedBytes(),
		DurationMs:    time.Since(s.startedAt).Milliseconds(),
	}
}

// Feed hands an audio fragment to the detector without blocking.
func (s *Session) Feed(fragment []byte) error {
	if s.State() == StateClosed {
		return transcription.ErrDetectorClosed
	}
	return s.detector.Feed(fragment)
}

// Close tears the session down without sending anything to the client.
func (s *Session) Close() {
	s.shutdown(false)
}

// Stop ends the session on request, relaying the provider's termination
// report if one arrives.
func (s *Session) Stop() {
	s.shutdown(true)
}

func (s *Session) shutdown(notify bool) {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosed))
		s.cancel()

		waited := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(waited)
		}()
		select {
		case <-waited:
		case <-time.After(sessionCloseWait):
			s.log.Warn("session goroutines did not exit in time")
		}

		// The event loop has stopped. Whatever it left buffered is stale, and
		// the buffer needs room for the provider's termination report.
		terminated, seen := s.discardEvents()
		if err := s.detector.Close(); err != nil {
			s.log.Debug("detector close", "error", err)
		}

		if notify {
			if seen {
				s.sendTerminated(context.Background(), terminated.AudioDuration)
			} else {
				s.relayTermination()
			}
		}
		close(s.closed)
		s.log.Info("session closed", "turns", s.turnCount.Load(), "duration_ms", time.Since(s.startedAt).Milliseconds())
	})
}

// discardEvents empties the detector's event buffer, keeping a termination
// report if one was already queued.
func (s *Session) discardEvents() (transcription.Event, bool) {
	var (
		terminated transcription.Event
		seen       bool
	)
	events := s.detector.Events()
	for i := 0; i <= cap(events); i++ {
		select {
		case evt, ok := <-events:
			if !ok {
				return terminated, seen
			}
			if evt.Kind == transcription.EventTerminated && !seen {
				terminated, seen = evt, true
			}
		default:
			return terminated, seen
		}
	}
	if n := len(events); n > 0 {
		s.log.Debug("events still buffered at close", "count", n)
	}
	return terminated, seen
}

func (s *Session) relayTermination() {
	for {
		select {
		case evt, ok := <-s.detector.Events():
			if !ok {
				return
			}
			if evt.Kind == transcription.EventTerminated {
				s.sendTerminated(context.Background(), evt.AudioDuration)
				return
			}
		default:
			return
		}
	}
}

func (s *Session) eventLoop() {
	defer s.wg.Done()
	events := s.detector.Events()
	for {
		select {
		case <-s.ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			s.handleEvent(evt)
		}
	}
}

func (s *Session) handleEvent(evt transcription.Event) {
	switch evt.Kind {
	case transcription.EventBegin:
		s.send(transport.MessageTypeSessionOpened, transport.SessionOpenedPayload{
			SessionID:            s.id,
			ProviderSessionID:    evt.ProviderSessionID,
			TurnDetectionEnabled: s.turnDetection,
		})
	case transcription.EventTurn:
		s.handleTurn(evt.Turn)
	case transcription.EventError:
		s.handleFailure(evt.Err)
	case transcription.EventTerminated:
		s.sendTerminated(s.ctx, evt.AudioDuration)
	}
}

func (s *Session) handleTurn(turn transcription.Turn) {
	text := strings.TrimSpace(turn.Text)
	if text == "" {
		return
	}

	if text != s.lastTranscript {
		s.lastTranscript = text
		mode := displayModeLive
		if turn.EndOfTurn {
			mode = displayModeFinal
		}
		s.send(transport.MessageTypeTranscript, transport.TranscriptPayload{
			SessionID: s.id,
			Text:      text,
			IsFinal:   turn.EndOfTurn,
			TurnData: transport.TurnData{
				EndOfTurn:       turn.EndOfTurn,
				TurnIsFormatted: turn.Formatted,
			},
			DisplayMode: mode,
			Timestamp:   timestamp(),
		})
	}

	if !turn.Complete() || !s.turnDetection {
		return
	}
	if text == s.lastProcessed {
		s.log.Debug("duplicate final transcript skipped")
		return
	}
	s.lastProcessed = text
	s.setState(StateTurnPending)

	s.send(transport.MessageTypeTurnComplete, transport.TurnCompletePayload{
		SessionID:       s.id,
		FinalTranscript: text,
		Timestamp:       timestamp(),
	})

	select {
	case s.turns <- text:
	case <-s.ctx.Done():
	}
}

func (s *Session) handleFailure(err error) {
	s.log.Error("transcription failed", "error", err)
	s.send(transport.MessageTypeError, transport.ErrorPayload{
		SessionID:    s.id,
		Message:      fmt.Sprintf("Transcription error: %v", err),
		Error:        ErrorCodeSTT,
		Fallback:     true,
		FallbackText: FallbackConnection,
	})
	if s.pipeline != nil {
		s.pipeline.recordFailure(s.id, ErrorCodeSTT)
	}
	if s.onFailed != nil {
		go s.onFailed(s.id)
	} else {
		go s.Close()
	}
}

func (s *Session) responder() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case text := <-s.turns:
			s.setState(StateResponding)
			s.turnCount.Add(1)
			if s.pipeline != nil {
				if _, err := s.pipeline.Run(s.ctx, TurnRequest{
					Key:       s.id,
					SessionID: s.id,
					Text:      text,
					Target:    s.target,
				}); err != nil {
					s.log.Debug("turn ended with error", "error", err)
				}
			}
			if len(s.turns) == 0 {
				s.setState(StateListening)
			} else {
				s.setState(StateTurnPending)
			}
		}
	}
}

func (s *Session) sendTerminated(ctx context.Context, audioDuration float64) {
	duration := audioDuration
	if duration <= 0 {
		duration = time.Since(s.startedAt).Seconds()
	}
	err := s.target.Send(ctx, transport.ServerEvent{
		Type:    transport.MessageTypeSessionTerminated,
		Payload: transport.SessionTerminatedPayload{SessionID: s.id, Duration: duration},
	})
	if err != nil {
		s.log.Debug("send session_terminated failed", "error", err)
	}
}

func (s *Session) send(typ transport.MessageType, payload any) {
	err := s.target.Send(s.ctx, transport.ServerEvent{Type: typ, Payload: payload})
	if err != nil && !errors.Is(err, shared.ErrNotConnected) && !errors.Is(err, context.Canceled) {
		s.log.Warn("send failed", "type", typ, "error", err)
	}
}
