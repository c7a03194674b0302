package metrics

import (
	"context"
	"log/slog"

	"github.com/MikeSquared-Agency/scribe/internal/events"
	"github.com/MikeSquared-Agency/scribe/internal/store"
)

// Unassigned collects turns that never got a conversation id (a failed first turn).
const Unassigned = "_unassigned"

type Processor struct {
	store store.DataStore
}

func NewProcessor(s store.DataStore) *Processor {
	return &Processor{store: s}
}

// Process updates turn_metrics based on event type.
func (p *Processor) Process(ctx context.Context, e events.Event) {
	switch e.EventType {
	case events.TypeTurnCompleted:
		p.handleTurnCompleted(ctx, e)
	case events.TypeTurnFailed:
		p.handleTurnFailed(ctx, e)
	case events.TypeConversationCreated:
		p.upsert(ctx, e, map[string]any{"inc_created": true})
	}
}

func (p *Processor) handleTurnCompleted(ctx context.Context, e events.Event) {
	updates := map[string]any{"inc_completed": true}
	addCounters(e, updates)
	p.upsert(ctx, e, updates)
}

func (p *Processor) handleTurnFailed(ctx context.Context, e events.Event) {
	updates := map[string]any{"inc_failed": true}
	addCounters(e, updates)
	p.upsert(ctx, e, updates)
}

func (p *Processor) upsert(ctx context.Context, e events.Event, updates map[string]any) {
	conv := e.ConversationID
	if conv == "" {
		conv = Unassigned
	}
	if err := p.store.UpsertTurnMetric(ctx, conv, e.Timestamp, updates); err != nil {
		slog.Error("failed to update turn metrics", "conversation_id", conv, "event_type", e.EventType, "error", err)
	}
}

// addCounters copies the numeric turn counters carried in event metadata.
func addCounters(e events.Event, updates map[string]any) {
	m := e.MetadataMap()
	if dur, ok := m["duration_ms"].(float64); ok && dur > 0 {
		updates["duration_ms"] = int64(dur)
	}
	if frames, ok := m["frames"].(float64); ok && frames > 0 {
		updates["frames"] = int64(frames)
	}
	if soft, ok := m["soft_errors"].(float64); ok && soft > 0 {
		updates["soft_errors"] = int64(soft)
	}
}
