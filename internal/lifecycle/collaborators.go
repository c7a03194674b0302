package lifecycle

import (
	"context"

	"github.com/MikeSquared-Agency/scribe/internal/events"
)

// ConversationListRefresher reloads the list of conversations after one was created.
type ConversationListRefresher interface {
	Refresh(ctx context.Context) error
}

// Router moves the view to a conversation.
type Router interface {
	NavigateToConversation(id string)
}

// DraftPersistence keeps the unsent input of a failed turn.
type DraftPersistence interface {
	Save(ctx context.Context, text string) error
	Clear(ctx context.Context) error
}

// BusyIndicator is the global "assistant is responding" flag.
type BusyIndicator interface {
	SetBusy(busy bool)
}

// Notifier surfaces errors to the user.
type Notifier interface {
	Error(ctx context.Context, msg string)
}

// ProgressSink shows ephemeral progress and status text for the running turn.
type ProgressSink interface {
	SetProgress(progress, status string)
	ClearProgress()
}

// EventSink receives lifecycle events.
type EventSink interface {
	Emit(e events.Event)
}

// nop stands in for collaborators that were not provided.
type nop struct{}

func (nop) Refresh(context.Context) error { return nil }
func (nop) NavigateToConversation(string) {}
func (nop) Save(context.Context, string) error { return nil }
func (nop) Clear(context.Context) error { return nil }
func (nop) SetBusy(bool) {}
func (nop) Error(context.Context, string) {}
func (nop) SetProgress(string, string) {}
func (nop) ClearProgress() {}
func (nop) Emit(events.Event) {}

// EventFanout forwards every event to all sinks.
type EventFanout []EventSink

func (f EventFanout) Emit(e events.Event) {
	for _, s := range f {
		if s != nil {
			s.Emit(e)
		}
	}
}
