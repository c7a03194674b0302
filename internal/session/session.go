// Package session models conversation views. Each view owns one lifecycle controller
// and plays every UI-facing collaborator role for it.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MikeSquared-Agency/scribe/internal/events"
	"github.com/MikeSquared-Agency/scribe/internal/lifecycle"
	"github.com/MikeSquared-Agency/scribe/internal/stream"
)

// maxToasts bounds the notification history kept per session.
const maxToasts = 20

// Toast is a user-visible notification.
type Toast struct {
	Level   string    `json:"level"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// View is a point-in-time copy of a session's state.
type View struct {
	ID             string  `json:"id"`
	ConversationID string  `json:"conversation_id"`
	State          string  `json:"state"`
	TurnID         string  `json:"turn_id,omitempty"`
	Busy           bool    `json:"busy"`
	Progress       string  `json:"progress,omitempty"`
	Status         string  `json:"status,omitempty"`
	Draft          string  `json:"draft,omitempty"`
	ListGeneration int     `json:"list_generation"`
	Toasts         []Toast `json:"toasts"`
}

// Session is one conversation view.
type Session struct {
	id          string
	ctrl        *lifecycle.Controller
	transport   stream.Transport
	drafts      DraftStore
	events      lifecycle.EventSink
	turnTimeout time.Duration

	// turnMu orders Start against Cancel so a cancel never sees a finished turn's func.
	turnMu sync.Mutex

	mu             sync.Mutex
	conversationID string
	busy           bool
	progress       string
	status         string
	draft          string
	listGeneration int
	toasts         []Toast
	cancel         context.CancelFunc
	wg             sync.WaitGroup
}

const draftPrefix = "draft:"

// DraftKey is the transcript key of a session that has no conversation yet.
func DraftKey(sessionID string) string {
	return draftPrefix + sessionID
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Controller returns the lifecycle controller of the view.
func (s *Session) Controller() *lifecycle.Controller { return s.ctrl }

// Start begins a turn for the active conversation and streams it in the background.
// It returns lifecycle.ErrTurnInFlight while a turn is running.
func (s *Session) Start(prompt string) (string, error) {
	s.turnMu.Lock()
	defer s.turnMu.Unlock()

	s.mu.Lock()
	conversationID := s.conversationID
	s.mu.Unlock()

	turnID, err := s.ctrl.Begin(conversationID, prompt)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.turnTimeout)
	s.mu.Lock()
	s.cancel = cancel
	s.draft = ""
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		if err := s.ctrl.Drive(ctx, s.transport, turnID); err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("session: turn ended with error", "session_id", s.id, "turn_id", turnID, "error", err)
		}
	}()
	return turnID, nil
}

// Cancel tears down the running turn. It returns lifecycle.ErrNoTurn when idle.
func (s *Session) Cancel() error {
	s.turnMu.Lock()
	defer s.turnMu.Unlock()

	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()

	if cancel == nil || s.ctrl.State() == lifecycle.Idle {
		return lifecycle.ErrNoTurn
	}
	cancel()
	return nil
}

// Wait blocks until the background turn, if any, has returned.
func (s *Session) Wait() {
	s.wg.Wait()
}

// View returns a copy of the session state.
func (s *Session) View() View {
	state := s.ctrl.State()
	turnID := s.ctrl.TurnID()

	s.mu.Lock()
	defer s.mu.Unlock()
	return View{
		ID:             s.id,
		ConversationID: s.conversationID,
		State:          state.String(),
		TurnID:         turnID,
		Busy:           s.busy,
		Progress:       s.progress,
		Status:         s.status,
		Draft:          s.draft,
		ListGeneration: s.listGeneration,
		Toasts:         append([]Toast(nil), s.toasts...),
	}
}

// ConversationID returns the conversation the view shows ("" for a new chat).
func (s *Session) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

// TranscriptKey is where the view's messages live in the transcript store.
func (s *Session) TranscriptKey() string {
	if id := s.ConversationID(); id != "" {
		return id
	}
	return DraftKey(s.id)
}

// NavigateToConversation switches the view to a conversation.
func (s *Session) NavigateToConversation(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversationID = id
	slog.Info("session: navigated", "session_id", s.id, "conversation_id", id)
}

// SetBusy toggles the "assistant is responding" flag.
func (s *Session) SetBusy(busy bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.busy = busy
}

// Error records an error toast.
func (s *Session) Error(_ context.Context, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.toasts = append(s.toasts, Toast{Level: "error", Message: msg, At: time.Now().UTC()})
	if len(s.toasts) > maxToasts {
		s.toasts = s.toasts[len(s.toasts)-maxToasts:]
	}
}

func (s *Session) SetProgress(progress, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress = progress
	s.status = status
}

func (s *Session) ClearProgress() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress = ""
	s.status = ""
}

// Refresh marks the conversation list stale and announces it.
func (s *Session) Refresh(_ context.Context) error {
	s.mu.Lock()
	s.listGeneration++
	gen := s.listGeneration
	conv := s.conversationID
	s.mu.Unlock()

	if s.events != nil {
		s.events.Emit(events.New(events.TypeConversationsRefresh, "", conv, map[string]any{
			"session_id":      s.id,
			"list_generation": gen,
		}))
	}
	return nil
}

// Save keeps the input of a failed turn so the client can restore it.
func (s *Session) Save(ctx context.Context, text string) error {
	s.mu.Lock()
	s.draft = text
	s.mu.Unlock()
	return s.drafts.SaveDraft(ctx, s.id, text)
}

// Clear drops the stored draft after a successful turn.
func (s *Session) Clear(ctx context.Context) error {
	s.mu.Lock()
	s.draft = ""
	s.mu.Unlock()
	return s.drafts.ClearDraft(ctx, s.id)
}
