package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, s Stream) []string {
	t.Helper()
	var out []string
	for {
		raw, err := s.Recv()
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, string(raw))
	}
}

func TestReaderStream_SSEAndJSONLines(t *testing.T) {
	rec := strings.Join([]string{
		": keep-alive",
		"event: message",
		`data: {"response":"Hel"}`,
		"",
		`data:{"response":"lo"}`,
		`{"progress":"thinking"}`,
		"   ",
		"data: [DONE]",
	}, "\n")

	s := NewReaderStream(context.Background(), strings.NewReader(rec))
	got := drain(t, s)

	assert.Equal(t, []string{
		`{"response":"Hel"}`,
		`{"response":"lo"}`,
		`{"progress":"thinking"}`,
		"[DONE]",
	}, got)
}

func TestReaderStream_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := NewReaderStream(ctx, strings.NewReader(`{"response":"x"}`))
	_, err := s.Recv()
	assert.ErrorIs(t, err, context.Canceled)
}

func TestReplayTransport_ReopensFromStart(t *testing.T) {
	tr := &ReplayTransport{Data: []byte("data: {\"response\":\"a\"}\n")}
	for i := 0; i < 2; i++ {
		s, err := tr.Open(context.Background(), Request{TurnID: "t"})
		require.NoError(t, err)
		assert.Equal(t, []string{`{"response":"a"}`}, drain(t, s))
	}
}

func TestSSETransport_StreamsFrames(t *testing.T) {
	var got Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"response\":\"Hi\"}\n\n")
		w.(http.Flusher).Flush()
		fmt.Fprint(w, "data: {\"conversation_id\":\"abc\"}\n\ndata: [DONE]\n\n")
	}))
	defer srv.Close()

	tr := NewSSETransport(srv.URL, "secret")
	s, err := tr.Open(context.Background(), Request{TurnID: "t1", Message: "hello"})
	require.NoError(t, err)
	defer s.Close()

	frames := drain(t, s)
	assert.Equal(t, []string{`{"response":"Hi"}`, `{"conversation_id":"abc"}`, "[DONE]"}, frames)
	assert.Equal(t, "t1", got.TurnID)
	assert.Equal(t, "hello", got.Message)
}

func TestSSETransport_RejectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := NewSSETransport(srv.URL, "").Open(context.Background(), Request{TurnID: "t1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUpstreamStatus)
	assert.Contains(t, err.Error(), "429")
	assert.Contains(t, err.Error(), "quota exceeded")
}

func TestSSETransport_CancelUnblocksRecv(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"response\":\"a\"}\n\n")
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	s, err := NewSSETransport(srv.URL, "").Open(ctx, Request{TurnID: "t1"})
	require.NoError(t, err)
	defer s.Close()

	first, err := s.Recv()
	require.NoError(t, err)
	assert.Equal(t, `{"response":"a"}`, string(first))

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Recv()
		errCh <- err
	}()
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		require.FailNow(t, "Recv did not unblock after cancel")
	}
}

func wsServer(t *testing.T, frames []string, closeCode int) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var req Request
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(closeCode, "bye"))
		// Wait for the client to close its side.
		_, _, _ = conn.ReadMessage()
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWSTransport_StreamsUntilNormalClose(t *testing.T) {
	srv := wsServer(t, []string{`{"response":"Hi"}`, `{"weather_data":{"temp":3}}`}, websocket.CloseNormalClosure)
	defer srv.Close()

	s, err := NewWSTransport(wsURL(srv), "tok").Open(context.Background(), Request{TurnID: "t1", Message: "weather?"})
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, []string{`{"response":"Hi"}`, `{"weather_data":{"temp":3}}`}, drain(t, s))
}

func TestWSTransport_AbnormalCloseIsError(t *testing.T) {
	srv := wsServer(t, []string{`{"response":"Hi"}`}, websocket.CloseInternalServerErr)
	defer srv.Close()

	s, err := NewWSTransport(wsURL(srv), "").Open(context.Background(), Request{TurnID: "t1"})
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Recv()
	require.NoError(t, err)
	_, err = s.Recv()
	require.Error(t, err)
	assert.NotErrorIs(t, err, io.EOF)
}

func TestWSTransport_DialRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := NewWSTransport(wsURL(srv), "").Open(context.Background(), Request{TurnID: "t1"})
	assert.ErrorIs(t, err, ErrUpstreamStatus)
}

func TestNATSTransport_Integration(t *testing.T) {
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("NATS_URL not set, skipping integration test")
	}
	nc, err := nats.Connect(url)
	require.NoError(t, err)
	defer nc.Close()

	// Fake upstream: answer every request with two frames and an end marker.
	upstream, err := nc.Subscribe("assistant.chat.test", func(m *nats.Msg) {
		_ = nc.Publish(m.Reply, []byte(`{"response":"Hi"}`))
		_ = nc.Publish(m.Reply, []byte(`[DONE]`))
		_ = nc.Publish(m.Reply, nil)
	})
	require.NoError(t, err)
	defer upstream.Unsubscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, err := NewNATSTransport(nc, "assistant.chat.test").Open(ctx, Request{TurnID: "it-1", Message: "hi"})
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, []string{`{"response":"Hi"}`, "[DONE]"}, drain(t, s))
}
