package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/nats-io/nats.go"
)

// ReplySubjectPrefix is where an upstream publishes the frames of a turn:
// <prefix><turn_id>. An empty message body ends the stream.
const ReplySubjectPrefix = "assistant.chat.turn."

// NATSTransport publishes the turn request on Subject and subscribes to the turn's reply
// subject before doing so, so no frame is missed.
type NATSTransport struct {
	Conn    *nats.Conn
	Subject string
}

func NewNATSTransport(nc *nats.Conn, subject string) *NATSTransport {
	return &NATSTransport{Conn: nc, Subject: subject}
}

func (t *NATSTransport) Open(ctx context.Context, req Request) (Stream, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("stream: marshal request: %w", err)
	}

	reply := ReplySubjectPrefix + req.TurnID
	sub, err := t.Conn.SubscribeSync(reply)
	if err != nil {
		return nil, fmt.Errorf("stream: subscribe %s: %w", reply, err)
	}

	msg := nats.NewMsg(t.Subject)
	msg.Reply = reply
	msg.Data = body
	msg.Header.Set("Turn-Id", req.TurnID)
	if err := t.Conn.PublishMsg(msg); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("stream: publish %s: %w", t.Subject, err)
	}

	return &natsStream{ctx: ctx, sub: sub}, nil
}

type natsStream struct {
	ctx  context.Context
	sub  *nats.Subscription
	once sync.Once
}

func (s *natsStream) Recv() ([]byte, error) {
	for {
		msg, err := s.sub.NextMsgWithContext(s.ctx)
		if err != nil {
			if ctxErr := s.ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("stream: next frame: %w", err)
		}
		if len(msg.Data) == 0 {
			return nil, io.EOF
		}
		if payload, ok := dataLine(msg.Data); ok {
			return payload, nil
		}
	}
}

func (s *natsStream) Close() error {
	var err error
	s.once.Do(func() {
		err = s.sub.Unsubscribe()
	})
	return err
}
