package bus

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MikeSquared-Agency/scribe/internal/events"
)

func TestStreamSubjects_CoverEventTypes(t *testing.T) {
	types := []string{
		events.TypeTurnStarted,
		events.TypeTurnCompleted,
		events.TypeTurnFailed,
		events.TypeTurnSoftError,
		events.TypeConversationCreated,
		events.TypeConversationsRefresh,
	}
	for _, typ := range types {
		e := events.New(typ, "t", "c", nil)
		assert.True(t, covered(e.Subject(), streamSubjects["ASSISTANT_EVENTS"]),
			"subject %s not captured by ASSISTANT_EVENTS", e.Subject())
	}
	assert.True(t, covered("assistant.system.scribe.write_failure", streamSubjects["ASSISTANT_SYSTEM"]),
		"system alerts not captured by ASSISTANT_SYSTEM")
}

// covered matches subject against wildcard patterns ending in ">".
func covered(subject string, patterns []string) bool {
	for _, p := range patterns {
		if strings.HasSuffix(p, ">") && strings.HasPrefix(subject, strings.TrimSuffix(p, ">")) {
			return true
		}
		if p == subject {
			return true
		}
	}
	return false
}

func skipWithoutNATS(t *testing.T) string {
	t.Helper()
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("NATS_URL not set, skipping integration test")
	}
	return url
}

func TestIntegration_EmitReachesSubscribers(t *testing.T) {
	natsURL := skipWithoutNATS(t)

	b, err := Connect(natsURL)
	require.NoError(t, err)
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	b.EnsureStreams(ctx)

	nc, err := nats.Connect(natsURL)
	require.NoError(t, err)
	defer nc.Close()

	sub, err := nc.SubscribeSync("assistant.turn.completed")
	require.NoError(t, err)

	want := events.New(events.TypeTurnCompleted, "int-turn", "int-conv", map[string]any{"frames": 2})
	b.Emit(want)

	msg, err := sub.NextMsgWithContext(ctx)
	require.NoError(t, err)
	var got events.Event
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	assert.Equal(t, want.EventID, got.EventID)
	assert.Equal(t, "int-conv", got.ConversationID)
}
