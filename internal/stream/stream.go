// Package stream delivers the raw frames of one assistant turn from an upstream.
package stream

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
)

// ErrUpstreamStatus is wrapped when the upstream rejects a turn request.
var ErrUpstreamStatus = errors.New("upstream rejected request")

// maxFrameSize bounds a single frame line. Tool payloads (search results, documents)
// can be large.
const maxFrameSize = 4 * 1024 * 1024

// Request is what a transport sends upstream to start a turn.
type Request struct {
	TurnID         string `json:"turn_id"`
	ConversationID string `json:"conversation_id,omitempty"`
	Message        string `json:"message"`
}

// Transport opens the frame stream of one turn.
type Transport interface {
	Open(ctx context.Context, req Request) (Stream, error)
}

// Stream yields raw frames in arrival order. Recv returns io.EOF on graceful close and
// the context error once the context passed to Open is done.
type Stream interface {
	Recv() ([]byte, error)
	Close() error
}

// lineStream reads newline-delimited frames. Both SSE "data:" lines and bare JSON lines
// are accepted; SSE comments and other SSE fields are skipped.
type lineStream struct {
	ctx     context.Context
	scanner *bufio.Scanner
	closer  io.Closer
}

func newLineStream(ctx context.Context, r io.Reader, closer io.Closer) *lineStream {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxFrameSize)
	return &lineStream{ctx: ctx, scanner: sc, closer: closer}
}

func (s *lineStream) Recv() ([]byte, error) {
	for s.scanner.Scan() {
		if err := s.ctx.Err(); err != nil {
			return nil, err
		}
		if payload, ok := dataLine(s.scanner.Bytes()); ok {
			return append([]byte(nil), payload...), nil
		}
	}
	if err := s.ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.scanner.Err(); err != nil {
		return nil, fmt.Errorf("stream: read: %w", err)
	}
	return nil, io.EOF
}

func (s *lineStream) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

var (
	dataPrefix  = []byte("data:")
	sseFieldSep = []byte(":")
)

func dataLine(line []byte) ([]byte, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || line[0] == ':' {
		return nil, false
	}
	if bytes.HasPrefix(line, dataPrefix) {
		payload := bytes.TrimSpace(line[len(dataPrefix):])
		return payload, len(payload) > 0
	}
	// event:, id:, retry:
	if i := bytes.Index(line, sseFieldSep); i > 0 && isFieldName(line[:i]) {
		return nil, false
	}
	return line, true
}

func isFieldName(b []byte) bool {
	switch string(b) {
	case "event", "id", "retry":
		return true
	}
	return false
}

// NewReaderStream wraps a recorded stream (SSE or JSON lines).
func NewReaderStream(ctx context.Context, r io.Reader) Stream {
	var closer io.Closer
	if c, ok := r.(io.Closer); ok {
		closer = c
	}
	return newLineStream(ctx, r, closer)
}

// ReplayTransport serves the same recording for every Open.
type ReplayTransport struct {
	Data []byte
}

func (t *ReplayTransport) Open(ctx context.Context, _ Request) (Stream, error) {
	return NewReaderStream(ctx, bytes.NewReader(t.Data)), nil
}
