// Package lifecycle drives one conversation view through its turns: Idle, Streaming,
// and back to Idle by exactly one of the success, failure or abandon paths.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lithammer/shortuuid/v4"

	"github.com/MikeSquared-Agency/scribe/internal/events"
	"github.com/MikeSquared-Agency/scribe/internal/frame"
	"github.com/MikeSquared-Agency/scribe/internal/message"
	"github.com/MikeSquared-Agency/scribe/internal/stream"
	"github.com/MikeSquared-Agency/scribe/internal/transcript"
	"github.com/MikeSquared-Agency/scribe/internal/turn"
)

var (
	// ErrTurnInFlight is returned by Begin while a turn is streaming.
	ErrTurnInFlight = turn.ErrTurnInFlight
	// ErrNoTurn is returned by calls naming a turn that is not the open one.
	ErrNoTurn = errors.New("lifecycle: no such turn in flight")
)

// GenericFailure is shown to the user when a turn fails at the transport level.
const GenericFailure = "Something went wrong while getting a response. Your message was kept so you can retry."

// State of a controller.
type State int

const (
	Idle State = iota
	Streaming
)

func (s State) String() string {
	if s == Streaming {
		return "streaming"
	}
	return "idle"
}

// Deps are the collaborators of a Controller. Nil fields become no-ops.
type Deps struct {
	Transcript *transcript.Store
	Refresher  ConversationListRefresher
	Router     Router
	Drafts     DraftPersistence
	Busy       BusyIndicator
	Notifier   Notifier
	Progress   ProgressSink
	Events     EventSink

	// DraftKey is the transcript key used while the view has no conversation yet.
	DraftKey string
}

// Controller owns the TurnState of one conversation view.
type Controller struct {
	mu  sync.Mutex
	acc *turn.Accumulator

	transcript *transcript.Store
	refresher  ConversationListRefresher
	router     Router
	drafts     DraftPersistence
	busy       BusyIndicator
	notifier   Notifier
	progress   ProgressSink
	events     EventSink
	draftKey   string

	// Per-turn bookkeeping, reset on every terminal path.
	conversationID string
	key            string
	userMsg        message.Message
	curProgress    string
	curStatus      string
	softErrors     int
}

// New builds an idle controller.
func New(d Deps) *Controller {
	c := &Controller{
		acc:        turn.New(),
		transcript: d.Transcript,
		refresher:  d.Refresher,
		router:     d.Router,
		drafts:     d.Drafts,
		busy:       d.Busy,
		notifier:   d.Notifier,
		progress:   d.Progress,
		events:     d.Events,
		draftKey:   d.DraftKey,
	}
	if c.transcript == nil {
		c.transcript = transcript.NewStore()
	}
	if c.refresher == nil {
		c.refresher = nop{}
	}
	if c.router == nil {
		c.router = nop{}
	}
	if c.drafts == nil {
		c.drafts = nop{}
	}
	if c.busy == nil {
		c.busy = nop{}
	}
	if c.notifier == nil {
		c.notifier = nop{}
	}
	if c.progress == nil {
		c.progress = nop{}
	}
	if c.events == nil {
		c.events = nop{}
	}
	return c
}

// State reports whether a turn is streaming.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.acc.Open() {
		return Streaming
	}
	return Idle
}

// TurnID returns the id of the streaming turn, or "".
func (c *Controller) TurnID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.acc.TurnID()
}

// Transcript returns the store the controller publishes into.
func (c *Controller) Transcript() *transcript.Store { return c.transcript }

// Begin opens a turn for conversationID ("" for a new conversation) and records the
// user message.
func (c *Controller) Begin(conversationID, prompt string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	turnID := uuid.New().String()
	if err := c.acc.Start(turnID, prompt); err != nil {
		return "", err
	}

	c.conversationID = conversationID
	c.key = conversationID
	if c.key == "" {
		c.key = c.draftKey
	}
	c.userMsg = message.Message{
		ID:        shortuuid.New(),
		TurnID:    turnID,
		Role:      message.RoleUser,
		Text:      prompt,
		CreatedAt: c.acc.StartedAt(),
	}
	c.transcript.Append(c.key, c.userMsg)

	c.busy.SetBusy(true)
	c.progress.ClearProgress()
	c.events.Emit(events.New(events.TypeTurnStarted, turnID, conversationID, map[string]any{
		"prompt": prompt,
	}))

	slog.Info("lifecycle: turn started", "turn_id", turnID, "conversation_id", conversationID)
	return turnID, nil
}

// HandleFrame merges one raw frame. done is true for the terminal sentinel; the caller
// then calls Finalize. A malformed frame returns frame.ErrMalformedFrame and leaves the
// turn open for the caller to Fail.
func (c *Controller) HandleFrame(ctx context.Context, turnID string, raw []byte) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.owns(turnID) {
		return false, ErrNoTurn
	}
	if frame.IsSentinel(raw) {
		return true, nil
	}

	u, err := frame.Classify(raw)
	if err != nil {
		slog.Warn("lifecycle: malformed frame", "turn_id", turnID, "error", err)
		return false, err
	}
	res, err := c.acc.Merge(u)
	if err != nil {
		return false, fmt.Errorf("lifecycle: merge: %w", err)
	}

	if res.Progress != nil || res.Status != nil {
		if res.Progress != nil {
			c.curProgress = *res.Progress
		}
		if res.Status != nil {
			c.curStatus = *res.Status
		}
		c.progress.SetProgress(c.curProgress, c.curStatus)
	}

	if res.SoftError != nil && *res.SoftError != "" {
		c.softErrors++
		c.notifier.Error(ctx, *res.SoftError)
		c.events.Emit(events.New(events.TypeTurnSoftError, turnID, c.conversationID, map[string]any{
			"error": *res.SoftError,
		}))
		slog.Warn("lifecycle: assistant reported error", "turn_id", turnID, "error", *res.SoftError)
	}

	c.transcript.Publish(c.key, res.Placeholder)
	return false, nil
}

// Finalize ends the turn successfully.
func (c *Controller) Finalize(ctx context.Context, turnID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.owns(turnID) {
		return ErrNoTurn
	}

	var final *message.Message
	if snap, ok := c.acc.Snapshot(); ok {
		snap.Loading = false
		c.transcript.Publish(c.key, snap)
		final = &snap
	}

	c.busy.SetBusy(false)
	c.progress.ClearProgress()

	conversationID := c.conversationID
	// Only a turn started without a conversation can create one.
	identity, created := c.acc.Identity()
	created = created && c.conversationID == ""
	if created {
		conversationID = identity.ID
		c.transcript.Move(c.key, identity.ID)
		c.router.NavigateToConversation(identity.ID)
		if err := c.refresher.Refresh(ctx); err != nil {
			slog.Warn("lifecycle: conversation list refresh failed", "turn_id", turnID, "error", err)
		}
		c.events.Emit(events.New(events.TypeConversationCreated, turnID, identity.ID, map[string]any{
			"description": identity.Description,
		}))
	}

	if err := c.drafts.Clear(ctx); err != nil {
		slog.Warn("lifecycle: draft clear failed", "turn_id", turnID, "error", err)
	}

	meta := c.turnMeta()
	meta["conversation_created"] = created
	meta["user_message"] = c.userMsg
	if final != nil {
		meta["bot_message"] = final
	}
	c.events.Emit(events.New(events.TypeTurnCompleted, turnID, conversationID, meta))

	slog.Info("lifecycle: turn finalized",
		"turn_id", turnID,
		"conversation_id", conversationID,
		"frames", c.acc.Frames(),
		"conversation_created", created,
	)
	c.reset()
	return nil
}

// Fail ends the turn after a transport error or malformed frame. The prompt goes to
// draft persistence; there is no navigation or list refresh.
func (c *Controller) Fail(ctx context.Context, turnID string, cause error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.owns(turnID) {
		return ErrNoTurn
	}

	// Partial output stays visible but stops loading.
	if snap, ok := c.acc.Snapshot(); ok {
		snap.Loading = false
		c.transcript.Publish(c.key, snap)
	}

	c.busy.SetBusy(false)
	c.progress.ClearProgress()
	c.notifier.Error(ctx, GenericFailure)

	prompt := c.acc.Prompt()
	if err := c.drafts.Save(ctx, prompt); err != nil {
		slog.Warn("lifecycle: draft save failed", "turn_id", turnID, "error", err)
	}

	meta := c.turnMeta()
	if cause != nil {
		meta["error"] = cause.Error()
	}
	meta["prompt"] = prompt
	c.events.Emit(events.New(events.TypeTurnFailed, turnID, c.conversationID, meta))

	slog.Error("lifecycle: turn failed", "turn_id", turnID, "conversation_id", c.conversationID, "error", cause)
	c.reset()
	return nil
}

// Abandon drops the turn without notification, draft write or navigation. It is used
// when the consumer goes away mid-stream.
func (c *Controller) Abandon(turnID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.owns(turnID) {
		return ErrNoTurn
	}

	// Whatever arrived stays, but no longer loads.
	if snap, ok := c.acc.Snapshot(); ok {
		snap.Loading = false
		c.transcript.Publish(c.key, snap)
	}
	c.busy.SetBusy(false)
	c.progress.ClearProgress()

	slog.Info("lifecycle: turn abandoned", "turn_id", turnID, "frames", c.acc.Frames())
	c.reset()
	return nil
}

// Run begins a turn and drives it over tr until it reached a terminal path.
func (c *Controller) Run(ctx context.Context, tr stream.Transport, conversationID, prompt string) error {
	turnID, err := c.Begin(conversationID, prompt)
	if err != nil {
		return err
	}
	return c.Drive(ctx, tr, turnID)
}

// Drive streams the frames of a begun turn. A cancelled ctx abandons the turn; an
// expired deadline fails it.
func (c *Controller) Drive(ctx context.Context, tr stream.Transport, turnID string) error {
	c.mu.Lock()
	if !c.owns(turnID) {
		c.mu.Unlock()
		return ErrNoTurn
	}
	req := stream.Request{TurnID: turnID, ConversationID: c.conversationID, Message: c.acc.Prompt()}
	c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return c.stop(ctx, turnID, err)
	}

	s, err := tr.Open(ctx, req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return c.stop(ctx, turnID, ctxErr)
		}
		_ = c.Fail(ctx, turnID, err)
		return fmt.Errorf("lifecycle: open stream: %w", err)
	}
	defer s.Close()

	for {
		raw, err := s.Recv()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return c.stop(ctx, turnID, ctxErr)
		}
		if errors.Is(err, io.EOF) {
			return c.Finalize(ctx, turnID)
		}
		if err != nil {
			_ = c.Fail(ctx, turnID, err)
			return fmt.Errorf("lifecycle: receive: %w", err)
		}

		done, err := c.HandleFrame(ctx, turnID, raw)
		if err != nil {
			if errors.Is(err, ErrNoTurn) {
				return err
			}
			_ = c.Fail(ctx, turnID, err)
			return err
		}
		if done {
			return c.Finalize(ctx, turnID)
		}
	}
}

// stop ends a turn whose context is done.
func (c *Controller) stop(ctx context.Context, turnID string, cause error) error {
	if errors.Is(cause, context.DeadlineExceeded) {
		_ = c.Fail(context.WithoutCancel(ctx), turnID, cause)
		return fmt.Errorf("lifecycle: turn timed out: %w", cause)
	}
	_ = c.Abandon(turnID)
	return cause
}

func (c *Controller) owns(turnID string) bool {
	return c.acc.Open() && c.acc.TurnID() == turnID
}

func (c *Controller) turnMeta() map[string]any {
	return map[string]any{
		"frames":      c.acc.Frames(),
		"soft_errors": c.softErrors,
		"duration_ms": time.Since(c.acc.StartedAt()).Milliseconds(),
	}
}

func (c *Controller) reset() {
	c.acc.Reset()
	c.conversationID = ""
	c.key = ""
	c.userMsg = message.Message{}
	c.curProgress = ""
	c.curStatus = ""
	c.softErrors = 0
}
