package turn

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MikeSquared-Agency/scribe/internal/frame"
	"github.com/MikeSquared-Agency/scribe/internal/message"
)

func classify(t *testing.T, raw string) frame.Update {
	t.Helper()
	u, err := frame.Classify([]byte(raw))
	require.NoError(t, err)
	return u
}

func mergeAll(t *testing.T, a *Accumulator, frames ...string) Result {
	t.Helper()
	var res Result
	for _, f := range frames {
		var err error
		res, err = a.Merge(classify(t, f))
		require.NoError(t, err)
	}
	return res
}

func TestStart_RejectsSecondTurn(t *testing.T) {
	a := New()
	require.NoError(t, a.Start("t1", "hi"))
	mergeAll(t, a, `{"response":"partial"}`)

	err := a.Start("t2", "again")
	assert.ErrorIs(t, err, ErrTurnInFlight)

	// State of the open turn is untouched.
	assert.Equal(t, "t1", a.TurnID())
	assert.Equal(t, "partial", a.Text())
}

func TestMerge_WithoutTurn(t *testing.T) {
	a := New()
	_, err := a.Merge(classify(t, `{"response":"x"}`))
	assert.ErrorIs(t, err, ErrNoTurn)
}

func TestMerge_ConcatenatesInArrivalOrder(t *testing.T) {
	a := New()
	require.NoError(t, a.Start("t1", "tell me"))

	res := mergeAll(t, a,
		`{"response":"Once "}`,
		`{"progress":"thinking"}`,
		`{"response":"upon ","weather_data":{"temp":3}}`,
		`{"response":null}`,
		`{"response":"a time","intent":"weather"}`,
	)

	assert.Equal(t, "Once upon a time", res.Placeholder.Text)
	assert.Equal(t, "Once upon a time", a.Text())
}

func TestMerge_SparseSlotsSurviveOmission(t *testing.T) {
	a := New()
	require.NoError(t, a.Start("t1", "plan my day"))

	res := mergeAll(t, a,
		`{"calendar_options":[{"summary":"Standup"}]}`,
		`{"response":"Done. "}`,
		`{"todo_data":{"action":"create"}}`,
		`{"response":"Anything else?"}`,
	)

	cal, ok := res.Placeholder.Payload(message.SlotCalendarCreate)
	require.True(t, ok)
	assert.JSONEq(t, `[{"summary":"Standup"}]`, string(cal))

	todo, ok := res.Placeholder.Payload(message.SlotTodo)
	require.True(t, ok)
	assert.JSONEq(t, `{"action":"create"}`, string(todo))
}

func TestMerge_LaterValueOverwritesAndNullClears(t *testing.T) {
	a := New()
	require.NoError(t, a.Start("t1", "search"))

	res := mergeAll(t, a,
		`{"search_results":{"q":"first"}}`,
		`{"search_results":{"q":"second"}}`,
	)
	got, _ := res.Placeholder.Payload(message.SlotWebSearch)
	assert.JSONEq(t, `{"q":"second"}`, string(got))

	res = mergeAll(t, a, `{"search_results":null}`)
	_, ok := res.Placeholder.Payload(message.SlotWebSearch)
	assert.False(t, ok)
}

func TestMerge_PlaceholderIdentityStable(t *testing.T) {
	a := New()
	require.NoError(t, a.Start("t1", "hi"))

	first := mergeAll(t, a, `{"response":"a"}`).Placeholder
	second := mergeAll(t, a, `{"response":"b"}`).Placeholder

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "t1", second.TurnID)
	assert.Equal(t, message.RoleBot, second.Role)
	assert.True(t, second.Loading)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)
}

func TestMerge_TwoPhaseImage(t *testing.T) {
	a := New()
	require.NoError(t, a.Start("t1", "draw a cat"))

	res := mergeAll(t, a, `{"status":"generating_image"}`)
	require.NotNil(t, res.Status)
	assert.Equal(t, "generating_image", *res.Status)

	pending, ok := res.Placeholder.Payload(message.SlotImage)
	require.True(t, ok)
	assert.JSONEq(t, `{"prompt":"draw a cat","url":""}`, string(pending))
	assert.True(t, res.Placeholder.ImagePending)
	assert.True(t, res.Placeholder.Loading)

	res = mergeAll(t, a, `{"intent":"generate_image","image_data":{"url":"x"}}`)
	final, ok := res.Placeholder.Payload(message.SlotImage)
	require.True(t, ok)
	assert.JSONEq(t, `{"url":"x"}`, string(final))
	assert.False(t, res.Placeholder.ImagePending)
	assert.True(t, res.Placeholder.Loading, "turn-level loading is independent of the image flag")
	assert.Equal(t, "generate_image", res.Placeholder.Intent)
}

func TestMerge_ImagePendingCarriesAcrossFrames(t *testing.T) {
	a := New()
	require.NoError(t, a.Start("t1", "draw"))

	res := mergeAll(t, a, `{"status":"generating_image"}`, `{"response":"Working on it"}`)
	assert.True(t, res.Placeholder.ImagePending)
	_, ok := res.Placeholder.Payload(message.SlotImage)
	assert.True(t, ok)
}

func TestMerge_SideChannelNotStored(t *testing.T) {
	a := New()
	require.NoError(t, a.Start("t1", "hi"))

	res := mergeAll(t, a, `{"progress":"Checking calendar","status":"tool_call"}`)
	require.NotNil(t, res.Progress)
	assert.Equal(t, "Checking calendar", *res.Progress)
	assert.Empty(t, res.Placeholder.Payloads)
	assert.Equal(t, "", res.Placeholder.Text)
}

func TestMerge_SoftErrorDoesNotCloseTurn(t *testing.T) {
	a := New()
	require.NoError(t, a.Start("t1", "hi"))

	res := mergeAll(t, a, `{"error":"weather service unavailable"}`)
	require.NotNil(t, res.SoftError)
	assert.Equal(t, "weather service unavailable", *res.SoftError)
	assert.True(t, a.Open())

	res = mergeAll(t, a, `{"response":"Sorry about that."}`)
	assert.Equal(t, "Sorry about that.", res.Placeholder.Text)
}

func TestMerge_DeferredIdentity(t *testing.T) {
	a := New()
	require.NoError(t, a.Start("t1", "hi"))

	_, ok := a.Identity()
	assert.False(t, ok)

	mergeAll(t, a,
		`{"conversation_id":"abc"}`,
		`{"conversation_id":"ignored","conversation_description":"Greeting"}`,
	)
	id, ok := a.Identity()
	require.True(t, ok)
	assert.Equal(t, "abc", id.ID)
	assert.Equal(t, "Greeting", id.Description)
}

func TestSnapshotAndReset(t *testing.T) {
	a := New()
	require.NoError(t, a.Start("t1", "hi"))

	_, ok := a.Snapshot()
	assert.False(t, ok, "no placeholder before the first frame")

	mergeAll(t, a, `{"response":"hey","goal_data":{"id":1}}`)
	snap, ok := a.Snapshot()
	require.True(t, ok)

	// Snapshot is a copy.
	snap.Payloads[message.SlotGoal] = json.RawMessage(`{"id":2}`)
	again, _ := a.Snapshot()
	assert.JSONEq(t, `{"id":1}`, string(again.Payloads[message.SlotGoal]))

	a.Reset()
	assert.False(t, a.Open())
	assert.Equal(t, "", a.Text())
	_, ok = a.Snapshot()
	assert.False(t, ok)
	require.NoError(t, a.Start("t2", "next"))
}
