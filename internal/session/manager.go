package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v4"

	"github.com/MikeSquared-Agency/scribe/internal/lifecycle"
	"github.com/MikeSquared-Agency/scribe/internal/message"
	"github.com/MikeSquared-Agency/scribe/internal/store"
	"github.com/MikeSquared-Agency/scribe/internal/stream"
	"github.com/MikeSquared-Agency/scribe/internal/transcript"
)

// ErrNotFound is returned for unknown session ids.
var ErrNotFound = errors.New("session not found")

// MessageArchive reads finalized messages back. store.DataStore satisfies it.
type MessageArchive interface {
	ListMessages(ctx context.Context, conversationID string, limit int) ([]message.Message, error)
}

// Options configure a Manager. Transport is required.
type Options struct {
	Transport   stream.Transport
	Transcript  *transcript.Store
	Drafts      DraftStore
	Archive     MessageArchive
	Events      lifecycle.EventSink
	TurnTimeout time.Duration
}

// Manager owns every live session and the transcript they share.
type Manager struct {
	transport   stream.Transport
	transcript  *transcript.Store
	drafts      DraftStore
	archive     MessageArchive
	events      lifecycle.EventSink
	turnTimeout time.Duration

	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewManager(opts Options) *Manager {
	m := &Manager{
		transport:   opts.Transport,
		transcript:  opts.Transcript,
		drafts:      opts.Drafts,
		archive:     opts.Archive,
		events:      opts.Events,
		turnTimeout: opts.TurnTimeout,
		sessions:    make(map[string]*Session),
	}
	if m.transcript == nil {
		m.transcript = transcript.NewStore()
	}
	if m.drafts == nil {
		m.drafts = NewMemoryDrafts()
	}
	if m.turnTimeout <= 0 {
		m.turnTimeout = 5 * time.Minute
	}
	return m
}

// Transcript returns the shared transcript store.
func (m *Manager) Transcript() *transcript.Store { return m.transcript }

// Create opens a view on conversationID ("" for a new chat). A non-empty sessionID
// resumes that session: an existing live one is returned as is, otherwise its stored
// draft is restored.
func (m *Manager) Create(ctx context.Context, sessionID, conversationID string) (*Session, error) {
	if sessionID != "" {
		if s, ok := m.Get(sessionID); ok {
			return s, nil
		}
	} else {
		sessionID = shortuuid.New()
	}

	s := &Session{
		id:             sessionID,
		transport:      m.transport,
		drafts:         m.drafts,
		events:         m.events,
		turnTimeout:    m.turnTimeout,
		conversationID: conversationID,
	}
	s.ctrl = lifecycle.New(lifecycle.Deps{
		Transcript: m.transcript,
		Refresher:  s,
		Router:     s,
		Drafts:     s,
		Busy:       s,
		Notifier:   s,
		Progress:   s,
		Events:     m.events,
		DraftKey:   DraftKey(sessionID),
	})

	draft, err := m.drafts.GetDraft(ctx, sessionID)
	switch {
	case err == nil:
		s.draft = draft
	case errors.Is(err, store.ErrNotFound):
	default:
		slog.Warn("session: draft not restored", "session_id", sessionID, "error", err)
	}

	if conversationID != "" {
		if _, err := m.Messages(ctx, conversationID); err != nil {
			slog.Warn("session: archive not loaded", "conversation_id", conversationID, "error", err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.sessions[sessionID]; ok {
		return existing, nil
	}
	m.sessions[sessionID] = s
	slog.Info("session: created", "session_id", sessionID, "conversation_id", conversationID)
	return s, nil
}

func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// List returns the views of all sessions ordered by id.
func (m *Manager) List() []View {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	views := make([]View, len(sessions))
	for i, s := range sessions {
		views[i] = s.View()
	}
	sort.Slice(views, func(i, j int) bool { return views[i].ID < views[j].ID })
	return views
}

// Send starts a turn on a session.
func (m *Manager) Send(id, prompt string) (string, error) {
	s, ok := m.Get(id)
	if !ok {
		return "", ErrNotFound
	}
	return s.Start(prompt)
}

// Cancel tears down the running turn of a session.
func (m *Manager) Cancel(id string) error {
	s, ok := m.Get(id)
	if !ok {
		return ErrNotFound
	}
	return s.Cancel()
}

// Conversations lists the conversations with live entries. Views that have not been
// assigned a conversation yet are left out.
func (m *Manager) Conversations() []string {
	all := m.transcript.Conversations()
	ids := make([]string, 0, len(all))
	for _, id := range all {
		if strings.HasPrefix(id, draftPrefix) {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// Messages returns the live transcript of a conversation, loading it from the archive
// the first time it is asked for.
func (m *Manager) Messages(ctx context.Context, conversationID string) ([]message.Message, error) {
	if msgs := m.transcript.Messages(conversationID); len(msgs) > 0 || m.archive == nil {
		return msgs, nil
	}
	archived, err := m.archive.ListMessages(ctx, conversationID, 0)
	if err != nil {
		return nil, fmt.Errorf("load archived messages: %w", err)
	}
	m.transcript.Seed(conversationID, archived)
	return m.transcript.Messages(conversationID), nil
}

// Shutdown cancels every running turn and waits for them to return.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	for _, s := range sessions {
		_ = s.Cancel()
	}

	done := make(chan struct{})
	go func() {
		for _, s := range sessions {
			s.Wait()
		}
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
