package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MikeSquared-Agency/scribe/internal/events"
	"github.com/MikeSquared-Agency/scribe/internal/message"
	"github.com/MikeSquared-Agency/scribe/internal/testutil"
)

func completed(t *testing.T, conversationID string) events.Event {
	t.Helper()
	now := time.Now().UTC()
	return events.New(events.TypeTurnCompleted, "turn-1", conversationID, map[string]any{
		"frames": 3,
		"user_message": message.Message{
			ID: "u1", TurnID: "turn-1", Role: message.RoleUser, Text: "draw a cat", CreatedAt: now,
		},
		"bot_message": message.Message{
			ID: "b1", TurnID: "turn-1", Role: message.RoleBot, Text: "Here you go", CreatedAt: now,
			Intent:   "generate_image",
			Payloads: map[message.Slot]json.RawMessage{message.SlotImage: json.RawMessage(`{"url":"x"}`)},
		},
	})
}

func TestProcess_ArchivesCompletedTurn(t *testing.T) {
	ms := testutil.NewMockStore()
	p := NewProcessor(ms)

	p.Process(context.Background(), completed(t, "abc"))

	require.Equal(t, 1, ms.ArchiveCalls)
	user, ok := ms.GetMessage("u1")
	require.True(t, ok, "user message not archived")
	assert.Equal(t, "abc", user.ConversationID)
	assert.Equal(t, message.RoleUser, user.Role)

	bot, ok := ms.GetMessage("b1")
	require.True(t, ok, "bot message not archived")
	assert.Equal(t, "Here you go", bot.Text)
	assert.Equal(t, "generate_image", bot.Intent)
	raw, ok := bot.Payload(message.SlotImage)
	require.True(t, ok)
	assert.JSONEq(t, `{"url":"x"}`, string(raw))
}

func TestProcess_SkipsTurnWithoutConversation(t *testing.T) {
	ms := testutil.NewMockStore()
	p := NewProcessor(ms)

	p.Process(context.Background(), completed(t, ""))

	assert.Zero(t, ms.ArchiveCalls)
}

func TestProcess_IgnoresOtherEvents(t *testing.T) {
	ms := testutil.NewMockStore()
	p := NewProcessor(ms)

	for _, typ := range []string{events.TypeTurnStarted, events.TypeTurnFailed, events.TypeConversationCreated} {
		p.Process(context.Background(), events.New(typ, "turn-1", "abc", map[string]any{"prompt": "x"}))
	}

	assert.Zero(t, ms.ArchiveCalls)
}

func TestProcess_BotMessageMissing(t *testing.T) {
	ms := testutil.NewMockStore()
	p := NewProcessor(ms)

	// A turn that ended before any frame has no bot message.
	e := events.New(events.TypeTurnCompleted, "turn-2", "abc", map[string]any{
		"user_message": message.Message{ID: "u2", Role: message.RoleUser, Text: "hi"},
	})
	p.Process(context.Background(), e)

	_, ok := ms.GetMessage("u2")
	assert.True(t, ok, "expected user message archived")
	assert.Len(t, ms.Messages, 1)
}

func TestProcess_StoreErrorIsLogged(t *testing.T) {
	ms := testutil.NewMockStore()
	ms.ArchiveErr = fmt.Errorf("db down")
	p := NewProcessor(ms)

	p.Process(context.Background(), completed(t, "abc"))

	assert.Equal(t, 1, ms.ArchiveCalls)
	assert.Empty(t, ms.Messages)
}
