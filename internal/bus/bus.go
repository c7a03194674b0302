// Package bus publishes lifecycle events and system alerts to NATS JetStream.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/MikeSquared-Agency/scribe/internal/events"
)

// streamSubjects maps JetStream stream names to the subjects scribe publishes on.
var streamSubjects = map[string][]string{
	"ASSISTANT_EVENTS": {"assistant.turn.>", "assistant.conversation.>", "assistant.conversations.>"},
	"ASSISTANT_SYSTEM": {"assistant.system.>"},
}

type Bus struct {
	nc *nats.Conn
	js jetstream.JetStream
}

func Connect(natsURL string) (*Bus, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name("scribe"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			slog.Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc, jetstream.WithPublishAsyncErrHandler(func(_ jetstream.JetStream, msg *nats.Msg, err error) {
		slog.Warn("bus: event publish failed", "subject", msg.Subject, "error", err)
	}))
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	return &Bus{nc: nc, js: js}, nil
}

// EnsureStreams creates the streams scribe publishes into. A stream that cannot be
// created is logged and skipped; plain NATS subscribers still see the events.
func (b *Bus) EnsureStreams(ctx context.Context) {
	for name, subjects := range streamSubjects {
		if err := b.ensureStream(ctx, name, subjects); err != nil {
			slog.Warn("stream not available, skipping", "stream", name, "error", err)
		}
	}
}

func (b *Bus) ensureStream(ctx context.Context, name string, subjects []string) error {
	_, err := b.js.Stream(ctx, name)
	if err == nil {
		return nil
	}

	_, err = b.js.CreateStream(ctx, jetstream.StreamConfig{
		Name:      name,
		Subjects:  subjects,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    7 * 24 * time.Hour,
		Storage:   jetstream.FileStorage,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", name, err)
	}

	slog.Info("created stream", "name", name, "subjects", subjects)
	return nil
}

// Emit publishes a lifecycle event without waiting for the ack. The event id doubles
// as the JetStream message id so retries are deduplicated. It satisfies
// lifecycle.EventSink.
func (b *Bus) Emit(e events.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		slog.Warn("bus: event not serialisable", "event_type", e.EventType, "error", err)
		return
	}
	if _, err := b.js.PublishAsync(e.Subject(), data, jetstream.WithMsgID(e.EventID)); err != nil {
		slog.Warn("bus: event publish failed", "subject", e.Subject(), "error", err)
	}
}

// Publish sends a plain NATS message (system alerts).
func (b *Bus) Publish(subject string, data []byte) error {
	return b.nc.Publish(subject, data)
}

// Conn returns the underlying NATS connection (shared with the NATS upstream transport).
func (b *Bus) Conn() *nats.Conn {
	return b.nc
}

// Close waits briefly for pending async publishes, then drains the connection.
func (b *Bus) Close() {
	select {
	case <-b.js.PublishAsyncComplete():
	case <-time.After(2 * time.Second):
		slog.Warn("bus: pending publishes dropped on close", "pending", b.js.PublishAsyncPending())
	}
	if err := b.nc.Drain(); err != nil {
		slog.Warn("bus: drain failed", "error", err)
	}
}
