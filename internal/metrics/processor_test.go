package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MikeSquared-Agency/scribe/internal/events"
	"github.com/MikeSquared-Agency/scribe/internal/testutil"
)

func event(eventType, conversationID, meta string) events.Event {
	return events.Event{
		EventID:        "e-" + eventType,
		TurnID:         "turn-1",
		ConversationID: conversationID,
		Source:         "test",
		EventType:      eventType,
		Timestamp:      time.Now().UTC(),
		Metadata:       json.RawMessage(meta),
	}
}

func TestProcess_TurnCompleted_IncrementsAndAccumulates(t *testing.T) {
	ms := testutil.NewMockStore()
	p := NewProcessor(ms)

	e := event(events.TypeTurnCompleted, "conv-1", `{"duration_ms":1500,"frames":7,"soft_errors":1}`)
	p.Process(context.Background(), e)

	assert.Equal(t, 1, ms.UpsertMetricCalls)
	m := ms.GetMetric("conv-1", e.Timestamp)
	require.NotNil(t, m, "expected metrics entry for conv-1")
	assert.Equal(t, int64(1), m["turns_completed"])
	assert.Equal(t, int64(1500), m["total_duration_ms"])
	assert.Equal(t, int64(7), m["total_frames"])
	assert.Equal(t, int64(1), m["soft_errors"])
}

func TestProcess_TurnFailed_IncrementsFailure(t *testing.T) {
	ms := testutil.NewMockStore()
	p := NewProcessor(ms)

	e := event(events.TypeTurnFailed, "conv-1", `{"error":"connection reset","duration_ms":300}`)
	p.Process(context.Background(), e)

	m := ms.GetMetric("conv-1", e.Timestamp)
	require.NotNil(t, m)
	assert.Equal(t, int64(1), m["turns_failed"])
	assert.NotContains(t, m, "turns_completed", "failed turn must not count as completed")
}

func TestProcess_FailedFirstTurnIsUnassigned(t *testing.T) {
	ms := testutil.NewMockStore()
	p := NewProcessor(ms)

	e := event(events.TypeTurnFailed, "", `{}`)
	p.Process(context.Background(), e)

	assert.NotNil(t, ms.GetMetric(Unassigned, e.Timestamp))
}

func TestProcess_ConversationCreated(t *testing.T) {
	ms := testutil.NewMockStore()
	p := NewProcessor(ms)

	e := event(events.TypeConversationCreated, "abc", `{"description":"Greeting"}`)
	p.Process(context.Background(), e)

	m := ms.GetMetric("abc", e.Timestamp)
	require.NotNil(t, m)
	assert.Equal(t, int64(1), m["conversations_created"])
}

func TestProcess_IgnoresOtherEvents(t *testing.T) {
	ms := testutil.NewMockStore()
	p := NewProcessor(ms)

	for _, typ := range []string{events.TypeTurnStarted, events.TypeTurnSoftError, events.TypeConversationsRefresh} {
		p.Process(context.Background(), event(typ, "conv-1", `{}`))
	}

	assert.Zero(t, ms.UpsertMetricCalls)
}

func TestProcess_StoreErrorIsLogged(t *testing.T) {
	ms := testutil.NewMockStore()
	ms.UpsertMetricErr = fmt.Errorf("db down")
	p := NewProcessor(ms)

	// Must not panic; the error is only logged.
	p.Process(context.Background(), event(events.TypeTurnCompleted, "conv-1", `{}`))

	assert.Equal(t, 1, ms.UpsertMetricCalls)
}
