package transcription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gammazero/deque"
)

var (
	ErrQueueFull      = errors.New("transcription audio queue full")
	ErrDetectorClosed = errors.New("turn detector closed")
)

const (
	defaultMaxQueuedBytes = 2 * 1024 * 1024
	defaultEventBuffer    = 64
	defaultCloseTimeout   = 2 * time.Second
)

type EventKind int

const (
	EventBegin EventKind = iota
	EventTurn
	EventError
	EventTerminated
)

func (k EventKind) String() string {
	switch k {
	case EventBegin:
		return "begin"
	case EventTurn:
		return "turn"
	case EventError:
		return "error"
	case EventTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

type Turn struct {
	Text      string
	EndOfTurn bool
	Formatted bool
	Timestamp time.Time
}

// Complete reports whether the turn is a formatted end of turn.
func (t Turn) Complete() bool {
	return t.EndOfTurn && t.Formatted
}

type Event struct {
	Kind              EventKind
	Turn              Turn
	ProviderSessionID string
	AudioDuration     float64
	Err               error
}

type DetectorOptions struct {
	SampleRate     int
	MaxQueuedBytes int
	EventBuffer    int
	CloseTimeout   time.Duration
}

// TurnDetector feeds audio to a blocking provider stream from its own
// worker and hands provider callbacks back as Events.
type TurnDetector struct {
	provider Provider
	opts     DetectorOptions
	log      *slog.Logger

	mu          sync.Mutex
	stream      Stream
	queue       deque.Deque[[]byte]
	queuedBytes int
	streamed    int64
	closed      bool

	wake       chan struct{}
	stop       chan struct{}
	done       chan struct{}
	workerDone chan struct{}
	events     chan Event
	closeOnce  sync.Once
}

func NewTurnDetector(ctx context.Context, provider Provider, opts DetectorOptions, log *slog.Logger) (*TurnDetector, error) {
	if log == nil {
		log = slog.Default()
	}
	if opts.SampleRate <= 0 {
		opts.SampleRate = 16000
	}
	if opts.MaxQueuedBytes <= 0 {
		opts.MaxQueuedBytes = defaultMaxQueuedBytes
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = defaultEventBuffer
	}
	if opts.CloseTimeout <= 0 {
		opts.CloseTimeout = defaultCloseTimeout
	}

	d := &TurnDetector{
		provider:   provider,
		opts:       opts,
		log:        log.With("component", "turn_detector"),
		wake:       make(chan struct{}, 1),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		workerDone: make(chan struct{}),
		events:     make(chan Event, opts.EventBuffer),
	}

	stream, err := provider.Connect(ctx, StreamParams{SampleRate: opts.SampleRate, FormatTurns: true}, Callbacks{
		OnBegin:      d.handleBegin,
		OnTurn:       d.handleTurn,
		OnError:      d.handleError,
		OnTerminated: d.handleTerminated,
	})
	if err != nil {
		close(d.done)
		return nil, err
	}

	d.mu.Lock()
	d.stream = stream
	d.mu.Unlock()

	go d.worker(stream)
	return d, nil
}

func (d *TurnDetector) Events() <-chan Event {
	return d.events
}

// Feed enqueues a fragment without blocking.
func (d *TurnDetector) Feed(fragment []byte) error {
	if len(fragment) == 0 {
		return nil
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrDetectorClosed
	}
	if d.queuedBytes+len(fragment) > d.opts.MaxQueuedBytes {
		d.mu.Unlock()
		return ErrQueueFull
	}
	buf := make([]byte, len(fragment))
	copy(buf, fragment)
	d.queue.PushBack(buf)
	d.queuedBytes += len(buf)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
	return nil
}

// StreamedBytes is the number of audio bytes handed to the provider.
func (d *TurnDetector) StreamedBytes() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.streamed
}

// QueuedBytes is the audio accepted by Feed but not yet streamed.
func (d *TurnDetector) QueuedBytes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queuedBytes
}

// Close drains queued audio, terminates the provider session and waits a
// bounded time for the worker to exit. Safe to call more than once.
func (d *TurnDetector) Close() error {
	var err error
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		stream := d.stream
		d.mu.Unlock()

		close(d.stop)
		joined := d.join()

		if stream != nil {
			err = stream.Disconnect(true)
		}
		close(d.done)

		if !joined && !d.join() {
			d.log.Warn("transcription worker did not exit in time")
		}
	})
	return err
}

func (d *TurnDetector) join() bool {
	select {
	case <-d.workerDone:
		return true
	case <-time.After(d.opts.CloseTimeout):
		return false
	}
}

func (d *TurnDetector) worker(stream Stream) {
	defer close(d.workerDone)
	for {
		select {
		case <-d.wake:
		case <-d.stop:
			d.drain(stream)
			return
		}
		if err := d.drain(stream); err != nil {
			d.emit(Event{Kind: EventError, Err: err})
			return
		}
	}
}

func (d *TurnDetector) drain(stream Stream) error {
	for {
		frag, ok := d.pop()
		if !ok {
			return nil
		}
		if err := stream.Stream(frag); err != nil {
			return fmt.Errorf("stream audio: %w", err)
		}
		d.mu.Lock()
		d.streamed += int64(len(frag))
		d.mu.Unlock()
	}
}

func (d *TurnDetector) pop() ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.queue.Len() == 0 {
		return nil, false
	}
	frag := d.queue.PopFront()
	d.queuedBytes -= len(frag)
	return frag, true
}

// emit blocks while the detector is open; once Close has started it only
// delivers if the buffer has room.
func (d *TurnDetector) emit(evt Event) {
	select {
	case d.events <- evt:
	case <-d.done:
	case <-d.stop:
		select {
		case d.events <- evt:
		default:
		}
	}
}

func (d *TurnDetector) handleBegin(evt BeginEvent) {
	d.emit(Event{Kind: EventBegin, ProviderSessionID: evt.ID})
}

func (d *TurnDetector) handleTurn(evt TurnEvent) {
	turn := Turn{
		Text:      evt.Transcript,
		EndOfTurn: evt.EndOfTurn,
		Formatted: evt.Formatted,
		Timestamp: time.Now(),
	}

	if turn.EndOfTurn && !turn.Formatted {
		d.mu.Lock()
		stream := d.stream
		closed := d.closed
		d.mu.Unlock()
		if stream != nil && !closed {
			if err := stream.UpdateConfiguration(true); err != nil {
				d.log.Warn("request formatted turn failed", "error", err)
			}
		}
	}

	d.emit(Event{Kind: EventTurn, Turn: turn})
}

func (d *TurnDetector) handleError(err error) {
	d.emit(Event{Kind: EventError, Err: err})
}

func (d *TurnDetector) handleTerminated(evt TerminationEvent) {
	d.emit(Event{Kind: EventTerminated, AudioDuration: evt.AudioDurationSeconds})
}
