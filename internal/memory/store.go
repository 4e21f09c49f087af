package memory

import (
	"strings"
	"sync"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Store keeps per-conversation message history for the life of the process.
// Each key must only be written by the pipeline that owns it.
type Store struct {
	mu    sync.Mutex
	convs map[string][]Message
}

func NewStore() *Store {
	return &Store{convs: make(map[string][]Message)}
}

func (s *Store) Append(key string, role Role, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.convs[key] = append(s.convs[key], Message{Role: role, Content: content})
}

// History returns a copy of the messages recorded under key.
func (s *Store) History(key string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.convs[key]
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out
}

// RollbackUser drops the trailing user message, if any. A failed turn uses it
// so history keeps alternating user and assistant entries.
func (s *Store) RollbackUser(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.convs[key]
	if len(msgs) == 0 || msgs[len(msgs)-1].Role != RoleUser {
		return false
	}
	s.convs[key] = msgs[:len(msgs)-1]
	return true
}

func (s *Store) Len(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.convs[key])
}

// Delete forgets a conversation once its owner is gone.
func (s *Store) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.convs, key)
}

// Format renders history as "User: ..." / "Assistant: ..." lines.
func Format(msgs []Message) string {
	var b strings.Builder
	for _, m := range msgs {
		switch m.Role {
		case RoleUser:
			b.WriteString("User: ")
		case RoleAssistant:
			b.WriteString("Assistant: ")
		default:
			continue
		}
		b.WriteString(m.Content)
		b.WriteByte('\n')
	}
	return b.String()
}
