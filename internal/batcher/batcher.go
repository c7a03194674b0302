package batcher

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MikeSquared-Agency/scribe/internal/events"
	"github.com/MikeSquared-Agency/scribe/internal/store"
)

// Alert subjects published when the archive falls behind.
const (
	SubjectBufferOverflow = "assistant.system.scribe.buffer_overflow"
	SubjectWriteFailure   = "assistant.system.scribe.write_failure"
)

// EventProcessor derives state from a persisted event (archive, metrics).
type EventProcessor interface {
	Process(ctx context.Context, e events.Event)
}

// Batcher buffers lifecycle events and writes them to the store in batches. After a
// batch lands, every processor sees its events in order.
type Batcher struct {
	store          store.DataStore
	processors     []EventProcessor
	flushInterval  time.Duration
	flushThreshold int
	bufferMax      int

	mu              sync.Mutex
	buffer          []events.Event
	consecutiveFail int
	publish         func(subject string, data []byte) error

	done chan struct{}
}

type Config struct {
	FlushInterval  time.Duration
	FlushThreshold int
	BufferMax      int
}

func New(s store.DataStore, cfg Config, processors ...EventProcessor) *Batcher {
	return &Batcher{
		store:          s,
		processors:     processors,
		flushInterval:  cfg.FlushInterval,
		flushThreshold: cfg.FlushThreshold,
		bufferMax:      cfg.BufferMax,
		buffer:         make([]events.Event, 0, cfg.FlushThreshold),
		done:           make(chan struct{}),
	}
}

// SetAlertPublisher sets the function used to publish system alerts to the bus.
func (b *Batcher) SetAlertPublisher(fn func(subject string, data []byte) error) {
	b.publish = fn
}

// Emit enqueues a lifecycle event. It satisfies lifecycle.EventSink.
func (b *Batcher) Emit(e events.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Backpressure: drop oldest if buffer full.
	if len(b.buffer) >= b.bufferMax {
		dropped := len(b.buffer) - b.bufferMax + 1
		b.buffer = b.buffer[dropped:]
		slog.Warn("batcher: buffer overflow, dropping oldest events", "dropped", dropped, "buffer_size", b.bufferMax)
		b.publishAlert(SubjectBufferOverflow, []byte(`{"message":"buffer overflow, dropping events"}`))
	}

	b.buffer = append(b.buffer, e)

	if len(b.buffer) >= b.flushThreshold {
		go b.flush()
	}
}

// Start begins the periodic flush ticker.
func (b *Batcher) Start(ctx context.Context) {
	ticker := time.NewTicker(b.flushInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				b.flush()
			case <-ctx.Done():
				// Final flush on shutdown.
				b.flush()
				close(b.done)
				return
			}
		}
	}()
}

// Wait blocks until the batcher has completed its final flush.
func (b *Batcher) Wait() {
	<-b.done
}

// BufferLen returns the current buffer size (for health checks).
func (b *Batcher) BufferLen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buffer)
}

func (b *Batcher) flush() {
	b.mu.Lock()
	if len(b.buffer) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.buffer
	b.buffer = make([]events.Event, 0, b.flushThreshold)
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := b.store.InsertEvents(ctx, batch); err != nil {
		slog.Error("batcher: failed to insert events", "error", err, "count", len(batch))
		b.handleWriteFailure(batch)
		return
	}

	b.mu.Lock()
	b.consecutiveFail = 0
	b.mu.Unlock()

	for _, p := range b.processors {
		for _, e := range batch {
			p.Process(ctx, e)
		}
	}

	slog.Debug("batcher: batch flushed", "count", len(batch))
}

func (b *Batcher) handleWriteFailure(batch []events.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFail++

	// Re-queue ahead of anything added meanwhile.
	b.buffer = append(batch, b.buffer...)

	if len(b.buffer) > b.bufferMax {
		b.buffer = b.buffer[len(b.buffer)-b.bufferMax:]
	}

	if b.consecutiveFail >= 3 {
		slog.Error("batcher: 3 consecutive write failures", "buffer_size", len(b.buffer))
		b.publishAlert(SubjectWriteFailure, []byte(`{"message":"3 consecutive archive write failures"}`))
	}
}

func (b *Batcher) publishAlert(subject string, data []byte) {
	if b.publish != nil {
		if err := b.publish(subject, data); err != nil {
			slog.Error("batcher: failed to publish alert", "subject", subject, "error", err)
		}
	}
}
