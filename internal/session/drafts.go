package session

import (
	"context"
	"sync"

	"github.com/MikeSquared-Agency/scribe/internal/store"
)

// DraftStore persists unsent input per session. store.DataStore satisfies it.
type DraftStore interface {
	SaveDraft(ctx context.Context, sessionID, text string) error
	GetDraft(ctx context.Context, sessionID string) (string, error)
	ClearDraft(ctx context.Context, sessionID string) error
}

// MemoryDrafts is the DraftStore used when no database is configured.
type MemoryDrafts struct {
	mu     sync.Mutex
	drafts map[string]string
}

func NewMemoryDrafts() *MemoryDrafts {
	return &MemoryDrafts{drafts: make(map[string]string)}
}

func (m *MemoryDrafts) SaveDraft(_ context.Context, sessionID, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drafts[sessionID] = text
	return nil
}

func (m *MemoryDrafts) GetDraft(_ context.Context, sessionID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	text, ok := m.drafts[sessionID]
	if !ok {
		return "", store.ErrNotFound
	}
	return text, nil
}

func (m *MemoryDrafts) ClearDraft(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.drafts, sessionID)
	return nil
}
