package events

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Event is a turn lifecycle record. It is fanned out to the batcher (archive and
// metrics) and to the NATS bus.
type Event struct {
	EventID        string          `json:"event_id"`
	TurnID         string          `json:"turn_id"`
	ConversationID string          `json:"conversation_id"`
	Source         string          `json:"source"`
	EventType      string          `json:"event_type"`
	Timestamp      time.Time       `json:"timestamp"`
	Metadata       json.RawMessage `json:"metadata"`
}

// Lifecycle event types.
const (
	TypeTurnStarted   = "turn.started"
	TypeTurnCompleted = "turn.completed"
	TypeTurnFailed    = "turn.failed"
	TypeTurnSoftError = "turn.soft_error"

	TypeConversationCreated  = "conversation.created"
	TypeConversationsRefresh = "conversations.refresh"
)

// Source identifies events produced by this service.
const Source = "scribe"

// New builds an event with a fresh id and timestamp. Metadata that fails to marshal is
// logged and replaced by an empty object; an event is never dropped.
func New(eventType, turnID, conversationID string, metadata any) Event {
	e := Event{
		EventID:        uuid.New().String(),
		TurnID:         turnID,
		ConversationID: conversationID,
		Source:         Source,
		EventType:      eventType,
		Timestamp:      time.Now().UTC(),
		Metadata:       json.RawMessage(`{}`),
	}
	if metadata == nil {
		return e
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		slog.Warn("event metadata not serialisable", "event_type", eventType, "error", err)
		return e
	}
	e.Metadata = raw
	return e
}

// Subject returns the NATS subject the event is published on.
func (e *Event) Subject() string {
	return "assistant." + e.EventType
}

// MetadataField extracts a string field from the metadata JSON.
func (e *Event) MetadataField(key string) string {
	var m map[string]any
	if err := json.Unmarshal(e.Metadata, &m); err != nil {
		return ""
	}
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// MetadataMap returns metadata as a generic map.
func (e *Event) MetadataMap() map[string]any {
	var m map[string]any
	if err := json.Unmarshal(e.Metadata, &m); err != nil {
		return nil
	}
	return m
}

// DecodeMetadata unmarshals the metadata into v.
func (e *Event) DecodeMetadata(v any) error {
	return json.Unmarshal(e.Metadata, v)
}
