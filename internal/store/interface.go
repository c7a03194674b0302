package store

import (
	"context"
	"errors"
	"time"

	"github.com/MikeSquared-Agency/scribe/internal/events"
	"github.com/MikeSquared-Agency/scribe/internal/message"
)

// ErrNotFound is returned by single-row lookups with no match.
var ErrNotFound = errors.New("not found")

// DataStore is the interface consumed by the batcher, processors, sessions and the API.
// The concrete implementation is *Store (pgx-backed).
type DataStore interface {
	InsertEvents(ctx context.Context, evts []events.Event) error
	QueryEvents(ctx context.Context, turnID string) ([]map[string]any, error)

	ArchiveMessages(ctx context.Context, msgs []message.Message) error
	ListMessages(ctx context.Context, conversationID string, limit int) ([]message.Message, error)

	UpsertTurnMetric(ctx context.Context, conversationID string, date time.Time, updates map[string]any) error
	GetTurnMetrics(ctx context.Context, conversationID string) (map[string]any, error)

	SaveDraft(ctx context.Context, sessionID, text string) error
	GetDraft(ctx context.Context, sessionID string) (string, error)
	ClearDraft(ctx context.Context, sessionID string) error

	Close()
}
