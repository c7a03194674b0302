// Package message defines the transcript entry shared by the turn, transcript and
// lifecycle packages.
package message

import (
	"bytes"
	"encoding/json"
	"time"
)

// Role discriminates who authored a transcript entry.
type Role string

const (
	RoleUser Role = "user"
	RoleBot  Role = "bot"
)

// Slot names a structured payload attached to a bot message. The slot name is also the
// frame key that carries it.
type Slot string

const (
	SlotCalendarCreate Slot = "calendar_options"
	SlotCalendarDelete Slot = "calendar_delete_options"
	SlotCalendarEdit   Slot = "calendar_edit_options"
	SlotEmailDraft     Slot = "email_compose_data"
	SlotWeather        Slot = "weather_data"
	SlotWebSearch      Slot = "search_results"
	SlotDeepSearch     Slot = "deep_search_results"
	SlotImage          Slot = "image_data"
	SlotTodo           Slot = "todo_data"
	SlotDocument       Slot = "document_data"
	SlotCodeExecution  Slot = "code_data"
	SlotMemory         Slot = "memory_data"
	SlotGoal           Slot = "goal_data"
)

// Slots lists every known payload slot in a stable order.
var Slots = []Slot{
	SlotCalendarCreate,
	SlotCalendarDelete,
	SlotCalendarEdit,
	SlotEmailDraft,
	SlotWeather,
	SlotWebSearch,
	SlotDeepSearch,
	SlotImage,
	SlotTodo,
	SlotDocument,
	SlotCodeExecution,
	SlotMemory,
	SlotGoal,
}

var knownSlots = func() map[Slot]bool {
	m := make(map[Slot]bool, len(Slots))
	for _, s := range Slots {
		m[s] = true
	}
	return m
}()

// IsSlot reports whether key names a known payload slot.
func IsSlot(key string) bool {
	return knownSlots[Slot(key)]
}

// Message is a single transcript entry.
type Message struct {
	ID             string                   `json:"id"`
	TurnID         string                   `json:"turn_id,omitempty"`
	ConversationID string                   `json:"conversation_id,omitempty"`
	Role           Role                     `json:"role"`
	Text           string                   `json:"text"`
	CreatedAt      time.Time                `json:"created_at"`
	Loading        bool                     `json:"loading,omitempty"`
	Intent         string                   `json:"intent,omitempty"`
	ImagePending   bool                     `json:"image_pending,omitempty"`
	Payloads       map[Slot]json.RawMessage `json:"payloads,omitempty"`
}

// Clone returns a deep copy so callers can hand messages across goroutines.
func (m Message) Clone() Message {
	out := m
	if m.Payloads != nil {
		out.Payloads = make(map[Slot]json.RawMessage, len(m.Payloads))
		for k, v := range m.Payloads {
			out.Payloads[k] = append(json.RawMessage(nil), v...)
		}
	}
	return out
}

// Payload returns the raw payload stored in slot s.
func (m Message) Payload(s Slot) (json.RawMessage, bool) {
	v, ok := m.Payloads[s]
	return v, ok
}

// Overlay copies every non-zero field of top onto m. Payload slots present on top
// replace the ones on m; slots absent on top are kept.
func (m Message) Overlay(top Message) Message {
	out := m.Clone()
	if top.ID != "" {
		out.ID = top.ID
	}
	if top.TurnID != "" {
		out.TurnID = top.TurnID
	}
	if top.ConversationID != "" {
		out.ConversationID = top.ConversationID
	}
	if top.Role != "" {
		out.Role = top.Role
	}
	if top.Text != "" {
		out.Text = top.Text
	}
	if !top.CreatedAt.IsZero() {
		out.CreatedAt = top.CreatedAt
	}
	if top.Loading {
		out.Loading = true
	}
	if top.Intent != "" {
		out.Intent = top.Intent
	}
	if top.ImagePending {
		out.ImagePending = true
	}
	for k, v := range top.Payloads {
		out.SetPayload(k, v)
	}
	return out
}

// SetPayload stores raw in slot s. A JSON null clears the slot.
func (m *Message) SetPayload(s Slot, raw json.RawMessage) {
	if IsNull(raw) {
		delete(m.Payloads, s)
		return
	}
	if m.Payloads == nil {
		m.Payloads = make(map[Slot]json.RawMessage)
	}
	m.Payloads[s] = append(json.RawMessage(nil), raw...)
}

// IsNull reports whether raw is empty or the JSON literal null.
func IsNull(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) == 0 || bytes.Equal(t, []byte("null"))
}
