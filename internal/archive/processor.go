// Package archive persists the messages of completed turns.
package archive

import (
	"context"
	"log/slog"

	"github.com/MikeSquared-Agency/scribe/internal/events"
	"github.com/MikeSquared-Agency/scribe/internal/message"
	"github.com/MikeSquared-Agency/scribe/internal/store"
)

type Processor struct {
	store store.DataStore
}

func NewProcessor(s store.DataStore) *Processor {
	return &Processor{store: s}
}

type completedTurn struct {
	UserMessage *message.Message `json:"user_message"`
	BotMessage  *message.Message `json:"bot_message"`
}

// Process archives the user and bot messages carried by turn.completed. Failed turns
// are not archived; their prompt lives on as a draft.
func (p *Processor) Process(ctx context.Context, e events.Event) {
	if e.EventType != events.TypeTurnCompleted {
		return
	}
	if e.ConversationID == "" {
		slog.Debug("archive: skipping turn without conversation", "turn_id", e.TurnID)
		return
	}

	var ct completedTurn
	if err := e.DecodeMetadata(&ct); err != nil {
		slog.Warn("archive: undecodable turn metadata", "turn_id", e.TurnID, "error", err)
		return
	}

	var msgs []message.Message
	for _, m := range []*message.Message{ct.UserMessage, ct.BotMessage} {
		if m == nil || m.ID == "" {
			continue
		}
		m.ConversationID = e.ConversationID
		m.Loading = false
		m.ImagePending = false
		msgs = append(msgs, *m)
	}
	if len(msgs) == 0 {
		return
	}

	if err := p.store.ArchiveMessages(ctx, msgs); err != nil {
		slog.Error("archive: failed to store messages", "turn_id", e.TurnID, "conversation_id", e.ConversationID, "error", err)
		return
	}
	slog.Debug("archive: turn stored", "turn_id", e.TurnID, "messages", len(msgs))
}
