package voicesession

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/eleven-am/voice-relay/internal/shared"
	"github.com/eleven-am/voice-relay/internal/transport"
)

var ErrChatBusy = errors.New("chat queue full")

const chatQueueSize = 4

type chatJob struct {
	conversationID string
	text           string
}

// Chat runs text turns for one connection, in order. Conversation history
// is scoped to the connection and dropped when the chat closes.
type Chat struct {
	connID   string
	pipeline *Pipeline
	target   transport.Sender
	jobs     chan chatJob
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	once     sync.Once
	log      *slog.Logger

	keys map[string]struct{}
}

func (p *Pipeline) NewChat(connID string, target transport.Sender, log *slog.Logger) *Chat {
	if log == nil {
		log = p.log
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Chat{
		connID:   connID,
		pipeline: p,
		target:   target,
		jobs:     make(chan chatJob, chatQueueSize),
		ctx:      ctx,
		cancel:   cancel,
		log:      log.With("component", "chat"),
		keys:     make(map[string]struct{}),
	}
	c.wg.Add(1)
	go c.run()
	return c
}

// Submit queues a message. An empty conversation id gets a fresh one, which
// is returned.
func (c *Chat) Submit(conversationID, text string) (string, error) {
	if conversationID == "" {
		conversationID = shared.NewID("chat_")
	}
	if c.ctx.Err() != nil {
		return conversationID, shared.ErrClosed
	}
	select {
	case c.jobs <- chatJob{conversationID: conversationID, text: text}:
		return conversationID, nil
	default:
		return conversationID, ErrChatBusy
	}
}

func (c *Chat) Close() {
	c.once.Do(func() {
		c.cancel()
		c.wg.Wait()
		for key := range c.keys {
			c.pipeline.Memory().Delete(key)
		}
	})
}

func (c *Chat) run() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case job := <-c.jobs:
			c.handle(job)
		}
	}
}

func (c *Chat) handle(job chatJob) {
	err := c.target.Send(c.ctx, transport.ServerEvent{
		Type:    transport.MessageTypeChatStarted,
		Payload: transport.ChatStartedPayload{SessionID: job.conversationID, UserMessage: job.text},
	})
	if err != nil {
		return
	}

	key := ChatKey(c.connID, job.conversationID)
	c.keys[key] = struct{}{}

	res, err := c.pipeline.Run(c.ctx, TurnRequest{
		Key:       key,
		SessionID: job.conversationID,
		Text:      job.text,
		Target:    c.target,
	})
	if err != nil {
		c.log.Debug("chat turn ended with error", "session_id", job.conversationID, "error", err)
		return
	}

	err = c.target.Send(c.ctx, transport.ServerEvent{
		Type:    transport.MessageTypeChatComplete,
		Payload: transport.ChatCompletePayload{SessionID: job.conversationID, LLMResponse: res.Reply},
	})
	if err != nil {
		c.log.Debug("send chat_complete failed", "session_id", job.conversationID, "error", err)
	}
}

func ChatKey(connID, conversationID string) string {
	return "chat:" + connID + ":" + conversationID
}
