package synthesis

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/eleven-am/voice-relay/internal/shared"
	"github.com/eleven-am/voice-relay/internal/transport"
)

const DefaultReplyTimeout = 10 * time.Second

var ErrUtteranceClosed = errors.New("utterance closed")

type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateStreaming
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type BridgeConfig struct {
	Dialer        Dialer
	Voice         VoiceConfig
	WordsPerGroup int
	ReplyTimeout  time.Duration
	Log           *slog.Logger
}

// Bridge relays text to the synthesis provider and forwards the audio it
// returns to a client. Every utterance uses its own provider connection.
type Bridge struct {
	dialer        Dialer
	voice         VoiceConfig
	wordsPerGroup int
	replyTimeout  time.Duration
	log           *slog.Logger
}

func NewBridge(cfg BridgeConfig) *Bridge {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	voice := cfg.Voice
	if voice.VoiceID == "" {
		voice = DefaultVoiceConfig()
	}
	words := cfg.WordsPerGroup
	if words <= 0 {
		words = DefaultWordsPerGroup
	}
	timeout := cfg.ReplyTimeout
	if timeout <= 0 {
		timeout = DefaultReplyTimeout
	}
	return &Bridge{
		dialer:        cfg.Dialer,
		voice:         voice,
		wordsPerGroup: words,
		replyTimeout:  timeout,
		log:           log.With("component", "tts_bridge"),
	}
}

// Speak synthesizes text in one call and returns the number of audio chunks
// relayed to target.
func (b *Bridge) Speak(ctx context.Context, text string, target transport.Sender) (int, error) {
	u, err := b.Open(ctx, target)
	if err != nil {
		return 0, err
	}
	defer u.Close()

	if err := u.Write(text); err != nil {
		return u.Chunks(), err
	}
	return u.Finish()
}

// Open connects to the provider and sends the voice configuration.
func (b *Bridge) Open(ctx context.Context, target transport.Sender) (*Utterance, error) {
	u := &Utterance{
		bridge:  b,
		ctx:     ctx,
		target:  target,
		grouper: NewWordGrouper(b.wordsPerGroup),
		state:   StateConnecting,
		log:     b.log,
	}

	conn, err := b.dialer.Dial(ctx)
	if err != nil {
		u.setState(StateClosed)
		var connectErr *shared.ConnectError
		if errors.As(err, &connectErr) {
			return nil, err
		}
		return nil, &shared.ConnectError{Provider: "tts", Err: err}
	}
	u.conn = conn

	if err := conn.SendVoiceConfig(b.voice); err != nil {
		u.Close()
		return nil, &shared.ConnectError{Provider: "tts", Err: err}
	}

	u.setState(StateStreaming)
	return u, nil
}

// Utterance is one turn's synthesis. It is driven by a single goroutine;
// Close may be called from anywhere.
type Utterance struct {
	bridge  *Bridge
	ctx     context.Context
	target  transport.Sender
	conn    Conn
	grouper *WordGrouper
	log     *slog.Logger

	mu         sync.Mutex
	state      State
	chunks     int
	groups     int
	clientGone bool
	closeOnce  sync.Once
}

func (u *Utterance) State() State {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

func (u *Utterance) setState(s State) {
	u.mu.Lock()
	u.state = s
	u.mu.Unlock()
}

// Chunks is the number of audio chunks relayed so far.
func (u *Utterance) Chunks() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.chunks
}

// Write buffers text and sends every word group that is ready.
func (u *Utterance) Write(text string) error {
	if u.State() != StateStreaming {
		return ErrUtteranceClosed
	}
	for _, group := range u.grouper.Add(text) {
		u.sendGroup(group, false)
		if err := u.err(); err != nil {
			return err
		}
	}
	return u.err()
}

// Finish sends the remaining text as the final group, reports the chunk
// count to the client and closes the provider connection.
func (u *Utterance) Finish() (int, error) {
	if u.State() != StateStreaming {
		return u.Chunks(), ErrUtteranceClosed
	}
	defer u.Close()
	u.setState(StateDraining)

	rest := u.grouper.Flush()
	if strings.TrimSpace(rest) != "" || u.groups > 0 {
		u.sendGroup(rest, true)
	}
	u.drainBuffered()

	total := u.Chunks()
	if err := u.err(); err != nil {
		return total, err
	}
	err := u.target.Send(u.ctx, transport.ServerEvent{
		Type:    transport.MessageTypeAudioComplete,
		Payload: transport.AudioCompletePayload{TotalChunks: total},
	})
	if err != nil {
		u.markGone()
		return total, err
	}
	u.log.Debug("utterance complete", "groups", u.groups, "chunks", total)
	return total, nil
}

// Abort closes the utterance without reporting completion.
func (u *Utterance) Abort() {
	u.grouper.Reset()
	u.Close()
}

func (u *Utterance) Close() error {
	var err error
	u.closeOnce.Do(func() {
		u.setState(StateClosed)
		if u.conn != nil {
			err = u.conn.Close()
		}
	})
	return err
}

func (u *Utterance) err() error {
	if err := u.ctx.Err(); err != nil {
		return err
	}
	u.mu.Lock()
	gone := u.clientGone
	u.mu.Unlock()
	if gone {
		return shared.ErrNotConnected
	}
	return nil
}

func (u *Utterance) markGone() {
	u.mu.Lock()
	u.clientGone = true
	u.mu.Unlock()
}

// sendGroup sends one group and waits for a single reply. Send failures,
// timeouts and bad replies are logged and the group is skipped.
func (u *Utterance) sendGroup(text string, final bool) {
	if strings.TrimSpace(text) == "" && !final {
		return
	}
	if err := u.conn.SendText(text, final); err != nil {
		u.log.Warn("tts send failed, skipping group", "group", u.groups+1, "error", err)
		return
	}
	u.groups++

	timer := time.NewTimer(u.bridge.replyTimeout)
	defer timer.Stop()

	select {
	case reply, ok := <-u.conn.Replies():
		if !ok {
			u.log.Warn("tts connection closed while waiting for reply", "group", u.groups)
			return
		}
		u.relay(reply)
	case <-timer.C:
		u.log.Warn("tts reply timed out, skipping group",
			"group", u.groups,
			"error", &shared.TimeoutError{Op: "tts reply", After: u.bridge.replyTimeout.String()})
	case <-u.ctx.Done():
	}
}

func (u *Utterance) drainBuffered() {
	for {
		select {
		case reply, ok := <-u.conn.Replies():
			if !ok {
				return
			}
			u.relay(reply)
		default:
			return
		}
	}
}

func (u *Utterance) relay(reply Reply) {
	if reply.Err != nil {
		u.log.Warn("tts reply error, skipping", "error", reply.Err)
		return
	}
	if reply.Audio == "" {
		return
	}
	if _, err := base64.StdEncoding.DecodeString(reply.Audio); err != nil {
		u.log.Warn("tts reply has invalid audio, skipping", "error", err)
		return
	}

	u.mu.Lock()
	if u.clientGone {
		u.mu.Unlock()
		return
	}
	index := u.chunks + 1
	u.mu.Unlock()

	err := u.target.Send(u.ctx, transport.ServerEvent{
		Type: transport.MessageTypeAudioChunk,
		Payload: transport.AudioChunkPayload{
			AudioData:  reply.Audio,
			ChunkIndex: index,
			ChunkSize:  len(reply.Audio),
		},
	})
	if err != nil {
		u.log.Debug("audio chunk not delivered", "error", err)
		u.markGone()
		return
	}

	u.mu.Lock()
	u.chunks = index
	u.mu.Unlock()
}
