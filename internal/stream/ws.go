package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WSTransport dials a WebSocket per turn, writes the request as JSON and treats every
// text message as one frame.
type WSTransport struct {
	URL    string
	Token  string
	Dialer *websocket.Dialer
}

func NewWSTransport(url, token string) *WSTransport {
	return &WSTransport{
		URL:    url,
		Token:  token,
		Dialer: &websocket.Dialer{HandshakeTimeout: 8 * time.Second},
	}
}

func (t *WSTransport) Open(ctx context.Context, req Request) (Stream, error) {
	header := http.Header{}
	if t.Token != "" {
		header.Set("Authorization", "Bearer "+t.Token)
	}
	dialer := t.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	conn, resp, err := dialer.DialContext(ctx, t.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w: dial failed: %v (status %s)", ErrUpstreamStatus, err, resp.Status)
		}
		return nil, fmt.Errorf("stream: dial failed: %w", err)
	}
	if err := conn.WriteJSON(req); err != nil {
		conn.Close()
		return nil, fmt.Errorf("stream: send request: %w", err)
	}

	s := &wsStream{ctx: ctx, conn: conn, done: make(chan struct{})}
	go s.watch()
	return s, nil
}

type wsStream struct {
	ctx  context.Context
	conn *websocket.Conn
	done chan struct{}
	once sync.Once
}

// watch closes the connection when the context ends so a blocked ReadMessage returns.
func (s *wsStream) watch() {
	select {
	case <-s.ctx.Done():
		s.conn.Close()
	case <-s.done:
	}
}

func (s *wsStream) Recv() ([]byte, error) {
	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			if ctxErr := s.ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, io.EOF
			}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				return nil, fmt.Errorf("stream: upstream closed: %w", err)
			}
			return nil, fmt.Errorf("stream: read: %w", err)
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		if payload, ok := dataLine(data); ok {
			return payload, nil
		}
	}
}

func (s *wsStream) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = s.conn.Close()
	})
	return err
}
