package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/MikeSquared-Agency/scribe/internal/events"
	"github.com/MikeSquared-Agency/scribe/internal/message"
	"github.com/MikeSquared-Agency/scribe/internal/store"
)

// MockStore is a thread-safe in-memory implementation of store.DataStore for testing.
type MockStore struct {
	mu sync.Mutex

	Events   []events.Event
	Messages map[string]message.Message
	Metrics  map[string]map[string]any // key: "conversationID|date"
	Drafts   map[string]string

	InsertErr       error
	ArchiveErr      error
	UpsertMetricErr error
	DraftErr        error

	InsertCalls       int
	ArchiveCalls      int
	UpsertMetricCalls int
}

func NewMockStore() *MockStore {
	return &MockStore{
		Events:   make([]events.Event, 0),
		Messages: make(map[string]message.Message),
		Metrics:  make(map[string]map[string]any),
		Drafts:   make(map[string]string),
	}
}

var _ store.DataStore = (*MockStore)(nil)

func (m *MockStore) InsertEvents(_ context.Context, evts []events.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.InsertCalls++
	if m.InsertErr != nil {
		return m.InsertErr
	}
	m.Events = append(m.Events, evts...)
	return nil
}

func (m *MockStore) QueryEvents(_ context.Context, turnID string) ([]map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var results []map[string]any
	for _, e := range m.Events {
		if e.TurnID == turnID {
			results = append(results, map[string]any{
				"event_id":        e.EventID,
				"turn_id":         e.TurnID,
				"conversation_id": e.ConversationID,
				"source":          e.Source,
				"event_type":      e.EventType,
				"timestamp":       e.Timestamp,
				"metadata":        e.Metadata,
			})
		}
	}
	return results, nil
}

func (m *MockStore) ArchiveMessages(_ context.Context, msgs []message.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ArchiveCalls++
	if m.ArchiveErr != nil {
		return m.ArchiveErr
	}
	for _, msg := range msgs {
		m.Messages[msg.ID] = msg.Clone()
	}
	return nil
}

func (m *MockStore) ListMessages(_ context.Context, conversationID string, limit int) ([]message.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var results []message.Message
	for _, msg := range m.Messages {
		if msg.ConversationID == conversationID {
			results = append(results, msg.Clone())
		}
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].CreatedAt.Equal(results[j].CreatedAt) {
			return results[i].ID < results[j].ID
		}
		return results[i].CreatedAt.Before(results[j].CreatedAt)
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// UpsertTurnMetric mirrors the SQL counters: inc_* add one, numeric fields accumulate.
func (m *MockStore) UpsertTurnMetric(_ context.Context, conversationID string, date time.Time, updates map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.UpsertMetricCalls++
	if m.UpsertMetricErr != nil {
		return m.UpsertMetricErr
	}
	key := conversationID + "|" + date.Format("2006-01-02")
	row := m.Metrics[key]
	if row == nil {
		row = map[string]any{"conversation_id": conversationID}
		m.Metrics[key] = row
	}
	for k, v := range updates {
		switch k {
		case "inc_completed":
			row["turns_completed"] = asInt(row["turns_completed"]) + 1
		case "inc_failed":
			row["turns_failed"] = asInt(row["turns_failed"]) + 1
		case "inc_created":
			row["conversations_created"] = asInt(row["conversations_created"]) + 1
		case "soft_errors":
			row["soft_errors"] = asInt(row["soft_errors"]) + asInt(v)
		case "frames":
			row["total_frames"] = asInt(row["total_frames"]) + asInt(v)
		case "duration_ms":
			d := asInt(v)
			row["total_duration_ms"] = asInt(row["total_duration_ms"]) + d
			if d > asInt(row["max_duration_ms"]) {
				row["max_duration_ms"] = d
			}
		}
	}
	return nil
}

func (m *MockStore) GetTurnMetrics(_ context.Context, conversationID string) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest string
	for k, v := range m.Metrics {
		if cid, ok := v["conversation_id"].(string); ok && cid == conversationID && k > latest {
			latest = k
		}
	}
	if latest == "" {
		return nil, store.ErrNotFound
	}
	cp := make(map[string]any, len(m.Metrics[latest]))
	for k, v := range m.Metrics[latest] {
		cp[k] = v
	}
	return cp, nil
}

func (m *MockStore) SaveDraft(_ context.Context, sessionID, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.DraftErr != nil {
		return m.DraftErr
	}
	m.Drafts[sessionID] = text
	return nil
}

func (m *MockStore) GetDraft(_ context.Context, sessionID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	text, ok := m.Drafts[sessionID]
	if !ok {
		return "", store.ErrNotFound
	}
	return text, nil
}

func (m *MockStore) ClearDraft(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.DraftErr != nil {
		return m.DraftErr
	}
	delete(m.Drafts, sessionID)
	return nil
}

func (m *MockStore) Close() {}

// GetInsertCalls returns how many times InsertEvents was called.
func (m *MockStore) GetInsertCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.InsertCalls
}

// GetEventCount returns total events stored.
func (m *MockStore) GetEventCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Events)
}

// GetMessage returns an archived message by id.
func (m *MockStore) GetMessage(id string) (message.Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.Messages[id]
	return msg, ok
}

// GetMetric returns the metric row of a conversation for a date.
func (m *MockStore) GetMetric(conversationID string, date time.Time) map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Metrics[conversationID+"|"+date.Format("2006-01-02")]
}

func asInt(v any) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int64:
		return n
	case float64:
		return int64(n)
	}
	return 0
}
