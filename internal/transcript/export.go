package transcript

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/MikeSquared-Agency/scribe/internal/message"
)

// Export is a rendered, read-only copy of one conversation.
type Export struct {
	ConversationID string     `json:"conversation_id"`
	Title          string     `json:"title"`
	MessageCount   int        `json:"message_count"`
	Duration       string     `json:"duration,omitempty"`
	FirstMessageAt *time.Time `json:"first_message_at,omitempty"`
	LastMessageAt  *time.Time `json:"last_message_at,omitempty"`
	Transcript     string     `json:"transcript"`
}

// Render formats messages as "[role]: text" lines. Bot entries that only carry
// payloads are listed by slot name.
func Render(msgs []message.Message) string {
	var sb strings.Builder
	for _, m := range msgs {
		text := m.Text
		if text == "" && len(m.Payloads) > 0 {
			slots := make([]string, 0, len(m.Payloads))
			for slot := range m.Payloads {
				slots = append(slots, string(slot))
			}
			sort.Strings(slots)
			text = "<" + strings.Join(slots, ", ") + ">"
		}
		fmt.Fprintf(&sb, "[%s]: %s\n", m.Role, text)
	}
	return sb.String()
}

// Build assembles the export of a conversation. Loading placeholders are left out.
func Build(conversationID string, msgs []message.Message) Export {
	done := make([]message.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Loading {
			continue
		}
		done = append(done, m)
	}

	e := Export{
		ConversationID: conversationID,
		Title:          title(done),
		MessageCount:   len(done),
		Transcript:     Render(done),
	}

	var first, last *time.Time
	for _, m := range done {
		if m.CreatedAt.IsZero() {
			continue
		}
		if first == nil || m.CreatedAt.Before(*first) {
			t := m.CreatedAt
			first = &t
		}
		if last == nil || m.CreatedAt.After(*last) {
			t := m.CreatedAt
			last = &t
		}
	}
	e.FirstMessageAt, e.LastMessageAt = first, last
	if first != nil && last != nil {
		e.Duration = last.Sub(*first).String()
	}
	return e
}

// title is the first user message, cut to 60 runes.
func title(msgs []message.Message) string {
	for _, m := range msgs {
		if m.Role != message.RoleUser || strings.TrimSpace(m.Text) == "" {
			continue
		}
		r := []rune(strings.TrimSpace(m.Text))
		if len(r) > 60 {
			return string(r[:60]) + "…"
		}
		return string(r)
	}
	return "Untitled conversation"
}
