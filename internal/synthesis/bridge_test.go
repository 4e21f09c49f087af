package synthesis

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/eleven-am/voice-relay/internal/shared"
	"github.com/eleven-am/voice-relay/internal/transport"
)

type sentText struct {
	text string
	end  bool
}

type mockConn struct {
	mu       sync.Mutex
	voice    *VoiceConfig
	texts    []sentText
	replies  chan Reply
	respond  func(n int, text string) *Reply
	closed   bool
	closes   int
	voiceErr error
}

func newMockConn(respond func(n int, text string) *Reply) *mockConn {
	return &mockConn{replies: make(chan Reply, 64), respond: respond}
}

func (m *mockConn) SendVoiceConfig(cfg VoiceConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.voice = &cfg
	return m.voiceErr
}

func (m *mockConn) SendText(text string, end bool) error {
	m.mu.Lock()
	m.texts = append(m.texts, sentText{text: text, end: end})
	n := len(m.texts)
	m.mu.Unlock()
	if m.respond != nil {
		if r := m.respond(n, text); r != nil {
			m.replies <- *r
		}
	}
	return nil
}

func (m *mockConn) Replies() <-chan Reply { return m.replies }

func (m *mockConn) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.closes++
	return nil
}

func (m *mockConn) sent() []sentText {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]sentText, len(m.texts))
	copy(out, m.texts)
	return out
}

type mockDialer struct {
	conn  *mockConn
	err   error
	dials int
}

func (d *mockDialer) Dial(context.Context) (Conn, error) {
	d.dials++
	if d.err != nil {
		return nil, d.err
	}
	return d.conn, nil
}

type recordingSender struct {
	mu     sync.Mutex
	events []transport.ServerEvent
	failAt int
}

func (r *recordingSender) Send(_ context.Context, evt transport.ServerEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAt > 0 && len(r.events)+1 >= r.failAt {
		return &shared.DisconnectedError{ID: "client"}
	}
	r.events = append(r.events, evt)
	return nil
}

func (r *recordingSender) ofType(t transport.MessageType) []transport.ServerEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []transport.ServerEvent
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func audioReply(n int) *Reply {
	return &Reply{Audio: base64.StdEncoding.EncodeToString([]byte(fmt.Sprintf("audio-%d", n)))}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestBridge(d Dialer) *Bridge {
	return NewBridge(BridgeConfig{Dialer: d, ReplyTimeout: 50 * time.Millisecond, Log: testLogger()})
}

func TestBridge_SpeakRelaysEveryGroup(t *testing.T) {
	conn := newMockConn(func(n int, _ string) *Reply { return audioReply(n) })
	d := &mockDialer{conn: conn}
	target := &recordingSender{}

	total, err := newTestBridge(d).Speak(context.Background(), "Hi there, friend.", target)
	if err != nil {
		t.Fatalf("Speak: %v", err)
	}
	if total != 1 {
		t.Errorf("total = %d, want 1", total)
	}

	sent := conn.sent()
	if len(sent) != 1 || !sent[0].end || sent[0].text != "Hi there, friend." {
		t.Errorf("unexpected provider messages %+v", sent)
	}
	if conn.voice == nil || conn.voice.VoiceID != "en-US-darnell" {
		t.Errorf("expected default voice config first, got %+v", conn.voice)
	}

	chunks := target.ofType(transport.MessageTypeAudioChunk)
	if len(chunks) != 1 {
		t.Fatalf("expected 1 audio chunk, got %d", len(chunks))
	}
	p := chunks[0].Payload.(transport.AudioChunkPayload)
	if p.ChunkIndex != 1 || p.ChunkSize != len(p.AudioData) {
		t.Errorf("unexpected chunk payload %+v", p)
	}

	complete := target.ofType(transport.MessageTypeAudioComplete)
	if len(complete) != 1 || complete[0].Payload.(transport.AudioCompletePayload).TotalChunks != 1 {
		t.Errorf("unexpected audio_complete %+v", complete)
	}
	if !conn.closed {
		t.Error("provider connection left open")
	}
}

func TestBridge_TimeoutOnOneGroupSkipsIt(t *testing.T) {
	conn := newMockConn(func(n int, _ string) *Reply {
		if n == 2 {
			return nil
		}
		return audioReply(n)
	})
	target := &recordingSender{}

	text := strings.Repeat("word ", 59) + "end"
	total, err := newTestBridge(&mockDialer{conn: conn}).Speak(context.Background(), text, target)
	if err != nil {
		t.Fatalf("Speak: %v", err)
	}

	sent := conn.sent()
	if len(sent) != 5 {
		t.Fatalf("expected 5 groups, got %d", len(sent))
	}
	for i, s := range sent {
		if s.end != (i == 4) {
			t.Errorf("group %d end flag = %v", i+1, s.end)
		}
	}
	if total != 4 {
		t.Errorf("total = %d, want 4", total)
	}

	chunks := target.ofType(transport.MessageTypeAudioChunk)
	if len(chunks) != 4 {
		t.Fatalf("expected 4 relayed chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if idx := c.Payload.(transport.AudioChunkPayload).ChunkIndex; idx != i+1 {
			t.Errorf("chunk %d has index %d", i, idx)
		}
	}
	complete := target.ofType(transport.MessageTypeAudioComplete)
	if len(complete) != 1 || complete[0].Payload.(transport.AudioCompletePayload).TotalChunks != 4 {
		t.Errorf("unexpected audio_complete %+v", complete)
	}
	if !conn.closed {
		t.Error("provider connection left open")
	}
}

func TestBridge_BadRepliesAreSkipped(t *testing.T) {
	conn := newMockConn(func(n int, _ string) *Reply {
		switch n {
		case 1:
			return &Reply{Audio: "%%% not base64"}
		case 2:
			return &Reply{Err: errors.New("provider hiccup")}
		default:
			return audioReply(n)
		}
	})
	target := &recordingSender{}

	text := strings.Repeat("word ", 35) + "end"
	total, err := newTestBridge(&mockDialer{conn: conn}).Speak(context.Background(), text, target)
	if err != nil {
		t.Fatalf("Speak: %v", err)
	}
	if total != 1 {
		t.Errorf("total = %d, want 1", total)
	}
}

func TestBridge_EmptyTextStillCompletes(t *testing.T) {
	conn := newMockConn(nil)
	target := &recordingSender{}

	total, err := newTestBridge(&mockDialer{conn: conn}).Speak(context.Background(), "   ", target)
	if err != nil {
		t.Fatalf("Speak: %v", err)
	}
	if total != 0 || len(conn.sent()) != 0 {
		t.Errorf("expected nothing sent, total=%d sent=%d", total, len(conn.sent()))
	}
	if len(target.ofType(transport.MessageTypeAudioComplete)) != 1 {
		t.Error("expected audio_complete even with no audio")
	}
	if !conn.closed {
		t.Error("provider connection left open")
	}
}

func TestBridge_ConnectFailure(t *testing.T) {
	d := &mockDialer{err: errors.New("refused")}
	target := &recordingSender{}

	_, err := newTestBridge(d).Speak(context.Background(), "hello", target)
	var connectErr *shared.ConnectError
	if !errors.As(err, &connectErr) {
		t.Fatalf("expected ConnectError, got %v", err)
	}
	if len(target.events) != 0 {
		t.Error("no client messages expected on connect failure")
	}
}

func TestBridge_VoiceConfigFailureCloses(t *testing.T) {
	conn := newMockConn(nil)
	conn.voiceErr = errors.New("rejected")

	_, err := newTestBridge(&mockDialer{conn: conn}).Open(context.Background(), &recordingSender{})
	if err == nil {
		t.Fatal("expected error")
	}
	if !conn.closed {
		t.Error("expected connection closed after voice config failure")
	}
}

func TestUtterance_StreamedWritesAndStates(t *testing.T) {
	conn := newMockConn(func(n int, _ string) *Reply { return audioReply(n) })
	target := &recordingSender{}
	b := newTestBridge(&mockDialer{conn: conn})

	u, err := b.Open(context.Background(), target)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if u.State() != StateStreaming {
		t.Errorf("state = %s, want streaming", u.State())
	}

	for _, chunk := range []string{"Beep boop! ", "I am Zody, ", "your cheerful ", "robot friend. ", "How can I help ", "you today?"} {
		if err := u.Write(chunk); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if _, err := u.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if u.State() != StateClosed {
		t.Errorf("state = %s, want closed", u.State())
	}
	if err := u.Write("late"); !errors.Is(err, ErrUtteranceClosed) {
		t.Errorf("expected ErrUtteranceClosed, got %v", err)
	}

	var all []string
	for _, s := range conn.sent() {
		all = append(all, s.text)
	}
	if got := strings.Join(all, " "); got != "Beep boop! I am Zody, your cheerful robot friend. How can I help you today?" {
		t.Errorf("provider received %q", got)
	}
	u.Close()
	if conn.closes != 1 {
		t.Errorf("expected one close, got %d", conn.closes)
	}
}

func TestUtterance_AbortSkipsCompletion(t *testing.T) {
	conn := newMockConn(nil)
	target := &recordingSender{}

	u, err := newTestBridge(&mockDialer{conn: conn}).Open(context.Background(), target)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	u.Write("half a sentence")
	u.Abort()

	if len(target.ofType(transport.MessageTypeAudioComplete)) != 0 {
		t.Error("abort must not report completion")
	}
	if !conn.closed {
		t.Error("provider connection left open")
	}
}

func TestUtterance_ClientGoneStopsRelay(t *testing.T) {
	conn := newMockConn(func(n int, _ string) *Reply { return audioReply(n) })
	target := &recordingSender{failAt: 1}

	u, err := newTestBridge(&mockDialer{conn: conn}).Open(context.Background(), target)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	err = u.Write(strings.Repeat("word ", 20))
	if !errors.Is(err, shared.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	u.Close()
	if !conn.closed {
		t.Error("provider connection left open")
	}
}

func TestState_String(t *testing.T) {
	for s, want := range map[State]string{
		StateIdle:       "idle",
		StateConnecting: "connecting",
		StateStreaming:  "streaming",
		StateDraining:   "draining",
		StateClosed:     "closed",
		State(42):       "unknown",
	} {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", s, got, want)
		}
	}
}
