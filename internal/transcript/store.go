// Package transcript holds the ordered message list of every conversation.
package transcript

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/MikeSquared-Agency/scribe/internal/message"
)

// Store is an in-memory, append-only transcript keyed by conversation id.
// Readers may run concurrently; each conversation has a single writer by convention
// (the lifecycle controller of the view that owns it).
type Store struct {
	mu            sync.RWMutex
	conversations map[string][]message.Message
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{conversations: make(map[string][]message.Message)}
}

// Append adds msg as a new trailing entry.
func (s *Store) Append(conversationID string, msg message.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg.ConversationID = conversationID
	s.conversations[conversationID] = append(s.conversations[conversationID], msg.Clone())
}

// Publish replaces the trailing loading placeholder of the same turn in place, or
// appends msg when there is none. It returns true when an entry was replaced.
func (s *Store) Publish(conversationID string, msg message.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg.ConversationID = conversationID
	msgs := s.conversations[conversationID]
	if n := len(msgs); n > 0 {
		last := msgs[n-1]
		if last.Role == message.RoleBot && last.Loading && last.TurnID == msg.TurnID {
			msgs[n-1] = msg.Clone()
			return true
		}
	}
	s.conversations[conversationID] = append(msgs, msg.Clone())
	return false
}

// Messages returns a copy of the conversation's entries in order.
func (s *Store) Messages(conversationID string) []message.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.conversations[conversationID]
	out := make([]message.Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}

// Last returns the trailing entry of a conversation.
func (s *Store) Last(conversationID string) (message.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.conversations[conversationID]
	if len(msgs) == 0 {
		return message.Message{}, false
	}
	return msgs[len(msgs)-1].Clone(), true
}

// Seed loads archived messages for a conversation that has no live entries yet.
func (s *Store) Seed(conversationID string, msgs []message.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.conversations[conversationID]) > 0 {
		return
	}
	for _, m := range msgs {
		m.ConversationID = conversationID
		s.conversations[conversationID] = append(s.conversations[conversationID], m.Clone())
	}
}

// Move re-keys the entries of from onto the end of to. It is used when a turn started
// in an unsaved view turns out to have created a new conversation.
func (s *Store) Move(from, to string) {
	if from == to {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	moved := s.conversations[from]
	delete(s.conversations, from)
	for _, m := range moved {
		m.ConversationID = to
		s.conversations[to] = append(s.conversations[to], m)
	}
	slog.Debug("transcript: conversation re-keyed", "from", from, "to", to, "messages", len(moved))
}

// Conversations returns the ids that currently have entries, sorted.
func (s *Store) Conversations() []string {
	s.mu.RLock()
	ids := make([]string, 0, len(s.conversations))
	for id := range s.conversations {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)
	return ids
}
