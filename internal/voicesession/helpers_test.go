package voicesession

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/eleven-am/voice-relay/internal/memory"
	"github.com/eleven-am/voice-relay/internal/synthesis"
	"github.com/eleven-am/voice-relay/internal/transcription"
	"github.com/eleven-am/voice-relay/internal/transport"
)

const timeoutShort = 2 * time.Second

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

type recordingSender struct {
	mu     sync.Mutex
	events []transport.ServerEvent
	err    error
}

func (r *recordingSender) Send(_ context.Context, evt transport.ServerEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, evt)
	return nil
}

func (r *recordingSender) setErr(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

func (r *recordingSender) ofType(typ transport.MessageType) []transport.ServerEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []transport.ServerEvent
	for _, e := range r.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func (r *recordingSender) types() []transport.MessageType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]transport.MessageType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

type mockGenerator struct {
	mu      sync.Mutex
	prompts []string
	chunks  []string
	err     error
	block   bool
}

func (g *mockGenerator) Generate(ctx context.Context, prompt string, onChunk func(string) error) (string, error) {
	g.mu.Lock()
	g.prompts = append(g.prompts, prompt)
	chunks, genErr, block := g.chunks, g.err, g.block
	g.mu.Unlock()

	var out strings.Builder
	for _, c := range chunks {
		out.WriteString(c)
		if onChunk != nil {
			if err := onChunk(c); err != nil {
				return "", err
			}
		}
	}
	if block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if genErr != nil {
		return "", genErr
	}
	return out.String(), nil
}

func (g *mockGenerator) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.prompts)
}

func (g *mockGenerator) lastPrompt() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.prompts) == 0 {
		return ""
	}
	return g.prompts[len(g.prompts)-1]
}

type fakeTTSConn struct {
	mu      sync.Mutex
	texts   []string
	replies chan synthesis.Reply
	closed  bool
}

func (c *fakeTTSConn) SendVoiceConfig(synthesis.VoiceConfig) error { return nil }

func (c *fakeTTSConn) SendText(text string, end bool) error {
	c.mu.Lock()
	c.texts = append(c.texts, text)
	c.mu.Unlock()
	c.replies <- synthesis.Reply{Audio: base64.StdEncoding.EncodeToString([]byte(text)), Final: end}
	return nil
}

func (c *fakeTTSConn) Replies() <-chan synthesis.Reply { return c.replies }

func (c *fakeTTSConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeTTSConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeTTSConn
	err   error
}

func (d *fakeDialer) Dial(context.Context) (synthesis.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	c := &fakeTTSConn{replies: make(chan synthesis.Reply, 64)}
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *fakeDialer) allClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.conns {
		if !c.isClosed() {
			return false
		}
	}
	return true
}

type fakeStream struct {
	mu         sync.Mutex
	cb         transcription.Callbacks
	audio      []byte
	updates    int
	terminated bool
}

func (s *fakeStream) Stream(audio []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminated {
		return errors.New("stream closed")
	}
	s.audio = append(s.audio, audio...)
	return nil
}

func (s *fakeStream) UpdateConfiguration(bool) error {
	s.mu.Lock()
	s.updates++
	s.mu.Unlock()
	return nil
}

func (s *fakeStream) Disconnect(terminate bool) error {
	s.mu.Lock()
	already := s.terminated
	s.terminated = true
	s.mu.Unlock()
	if terminate && !already && s.cb.OnTerminated != nil {
		s.cb.OnTerminated(transcription.TerminationEvent{AudioDurationSeconds: 1.5})
	}
	return nil
}

func (s *fakeStream) isTerminated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminated
}

func (s *fakeStream) received() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.audio...)
}

func (s *fakeStream) turn(text string, endOfTurn, formatted bool) {
	s.cb.OnTurn(transcription.TurnEvent{Transcript: text, EndOfTurn: endOfTurn, Formatted: formatted})
}

type fakeProvider struct {
	mu      sync.Mutex
	streams []*fakeStream
	err     error
}

func (p *fakeProvider) Connect(_ context.Context, _ transcription.StreamParams, cb transcription.Callbacks) (transcription.Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	s := &fakeStream{cb: cb}
	p.streams = append(p.streams, s)
	return s, nil
}

func (p *fakeProvider) last() *fakeStream {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.streams[len(p.streams)-1]
}

type fakeRecorder struct {
	mu      sync.Mutex
	started []string
	ended   map[string]bool
	turns   int
	chunks  int
	failed  []string
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{ended: make(map[string]bool)}
}

func (r *fakeRecorder) SessionStarted(_ context.Context, sessionID, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, sessionID)
	return nil
}

func (r *fakeRecorder) SessionEnded(_ context.Context, sessionID string, failed bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ended[sessionID] = failed
	return nil
}

func (r *fakeRecorder) TurnCompleted(_ context.Context, _ string, _ time.Duration, chunks int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.turns++
	r.chunks += chunks
	return nil
}

func (r *fakeRecorder) TurnFailed(_ context.Context, _ string, kind string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, kind)
	return nil
}

func newTestPipeline(gen Generator, dialer synthesis.Dialer, rec Recorder) *Pipeline {
	bridge := synthesis.NewBridge(synthesis.BridgeConfig{
		Dialer:        dialer,
		WordsPerGroup: 12,
		ReplyTimeout:  200 * time.Millisecond,
		Log:           discardLogger(),
	})
	return NewPipeline(PipelineConfig{
		Generator:   gen,
		Synthesizer: bridge,
		Memory:      memory.NewStore(),
		Recorder:    rec,
		Log:         discardLogger(),
	})
}
