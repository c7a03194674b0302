// Package turn folds the frames of one in-flight assistant turn into a single
// placeholder message.
package turn

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/lithammer/shortuuid/v4"

	"github.com/MikeSquared-Agency/scribe/internal/frame"
	"github.com/MikeSquared-Agency/scribe/internal/message"
)

var (
	// ErrTurnInFlight is returned by Start while another turn is still open.
	ErrTurnInFlight = errors.New("turn already in flight")
	// ErrNoTurn is returned by Merge when no turn is open.
	ErrNoTurn = errors.New("no turn in flight")
)

// NewConversation is the identity of a conversation created by the turn.
type NewConversation struct {
	ID          string
	Description string
}

// Result is what a single merge produced.
type Result struct {
	// Placeholder is the message to publish for this frame.
	Placeholder message.Message

	// Progress and Status are ephemeral; they never land on the placeholder.
	Progress *string
	Status   *string

	// SoftError is set when the frame carried an error field.
	SoftError *string
}

// Accumulator owns the state of exactly one in-flight turn. It is not safe for
// concurrent use; the lifecycle controller serialises access.
type Accumulator struct {
	now func() time.Time

	open      bool
	turnID    string
	messageID string
	prompt    string
	startedAt time.Time

	text        strings.Builder
	placeholder *message.Message
	identity    *NewConversation
	frames      int
}

// New returns an idle Accumulator.
func New() *Accumulator {
	return &Accumulator{now: func() time.Time { return time.Now().UTC() }}
}

// Start opens a new turn. The prompt is kept to seed interim tool payloads.
func (a *Accumulator) Start(turnID, prompt string) error {
	if a.open {
		return ErrTurnInFlight
	}
	a.Reset()
	a.open = true
	a.turnID = turnID
	a.messageID = shortuuid.New()
	a.prompt = prompt
	a.startedAt = a.now()
	return nil
}

// Open reports whether a turn is in flight.
func (a *Accumulator) Open() bool { return a.open }

// TurnID returns the id of the open turn, or "".
func (a *Accumulator) TurnID() string { return a.turnID }

// Prompt returns the user prompt captured at Start.
func (a *Accumulator) Prompt() string { return a.prompt }

// StartedAt returns when the open turn started.
func (a *Accumulator) StartedAt() time.Time { return a.startedAt }

// Frames returns how many frames were merged into the open turn.
func (a *Accumulator) Frames() int { return a.frames }

// Text returns the accumulated response text.
func (a *Accumulator) Text() string { return a.text.String() }

// Identity returns the new-conversation identity seen so far, if any.
func (a *Accumulator) Identity() (NewConversation, bool) {
	if a.identity == nil || a.identity.ID == "" {
		return NewConversation{}, false
	}
	return *a.identity, true
}

// Snapshot returns the current placeholder. ok is false before the first merge.
func (a *Accumulator) Snapshot() (message.Message, bool) {
	if a.placeholder == nil {
		return message.Message{}, false
	}
	return a.placeholder.Clone(), true
}

// Reset discards all turn state.
func (a *Accumulator) Reset() {
	a.open = false
	a.turnID = ""
	a.messageID = ""
	a.prompt = ""
	a.startedAt = time.Time{}
	a.text.Reset()
	a.placeholder = nil
	a.identity = nil
	a.frames = 0
}

// Merge folds one classified frame into the turn.
func (a *Accumulator) Merge(u frame.Update) (Result, error) {
	if !a.open {
		return Result{}, ErrNoTurn
	}
	a.frames++

	var res Result

	if u.Response != nil {
		a.text.WriteString(*u.Response)
	}

	res.Progress = u.Progress
	res.Status = u.Status
	res.SoftError = u.Error

	a.captureIdentity(u)

	overrides := message.Message{Text: a.text.String()}
	if u.Intent != nil {
		overrides.Intent = *u.Intent
	}
	imagePending := a.placeholder != nil && a.placeholder.ImagePending

	if u.Status != nil && *u.Status == frame.StatusGeneratingImage {
		overrides.SetPayload(message.SlotImage, pendingImage(a.prompt))
		imagePending = true
	}

	for slot, raw := range u.Payloads {
		if slot == message.SlotImage {
			if u.Intent != nil && *u.Intent == frame.IntentGenerateImage && !message.IsNull(raw) {
				imagePending = false
			}
		}
		if overrides.Payloads == nil {
			overrides.Payloads = make(map[message.Slot]json.RawMessage)
		}
		// Raw (possibly null) goes into the override layer; Overlay treats it as a write.
		overrides.Payloads[slot] = raw
	}

	next := a.defaults()
	if a.placeholder != nil {
		next = next.Overlay(*a.placeholder)
	}
	next = next.Overlay(overrides)
	next.ImagePending = imagePending

	a.placeholder = &next
	res.Placeholder = next.Clone()
	return res, nil
}

// defaults is the bottom layer every placeholder of the turn shares.
func (a *Accumulator) defaults() message.Message {
	return message.Message{
		ID:        a.messageID,
		TurnID:    a.turnID,
		Role:      message.RoleBot,
		CreatedAt: a.startedAt,
		Loading:   true,
	}
}

func (a *Accumulator) captureIdentity(u frame.Update) {
	if u.ConversationID == nil && u.ConversationDescription == nil {
		return
	}
	if a.identity == nil {
		a.identity = &NewConversation{}
	}
	if u.ConversationID != nil && a.identity.ID == "" {
		a.identity.ID = *u.ConversationID
	}
	if u.ConversationDescription != nil {
		a.identity.Description = *u.ConversationDescription
	}
}

type imageMarker struct {
	Prompt string `json:"prompt"`
	URL    string `json:"url"`
}

func pendingImage(prompt string) json.RawMessage {
	raw, _ := json.Marshal(imageMarker{Prompt: prompt})
	return raw
}
