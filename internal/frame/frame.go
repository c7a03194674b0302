// Package frame classifies raw stream frames into sparse update records.
//
// Every field of an Update is optional and only set when the frame carried the key, so
// downstream merging can tell "not mentioned" apart from "explicitly emptied".
package frame

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/MikeSquared-Agency/scribe/internal/message"
)

// Sentinel terminates a stream. It is not JSON and must be checked before decoding.
const Sentinel = "[DONE]"

// Known status and intent values that drive the multi-phase image protocol.
const (
	StatusGeneratingImage = "generating_image"
	IntentGenerateImage   = "generate_image"
)

// ErrMalformedFrame is returned when a frame is not a JSON object of the expected shape.
var ErrMalformedFrame = errors.New("malformed frame")

// Update is the classified form of one frame.
type Update struct {
	Response                *string
	Error                   *string
	Progress                *string
	Status                  *string
	Intent                  *string
	ConversationID          *string
	ConversationDescription *string

	// Payloads holds only the slot keys present in the frame. A JSON null value is an
	// explicit clear.
	Payloads map[message.Slot]json.RawMessage
}

// Empty reports whether the frame carried no recognised field.
func (u Update) Empty() bool {
	return u.Response == nil && u.Error == nil && u.Progress == nil && u.Status == nil &&
		u.Intent == nil && u.ConversationID == nil && u.ConversationDescription == nil &&
		len(u.Payloads) == 0
}

// Payload returns the raw payload for slot s if the frame carried it.
func (u Update) Payload(s message.Slot) (json.RawMessage, bool) {
	v, ok := u.Payloads[s]
	return v, ok
}

// IsSentinel reports whether raw is the end-of-stream marker.
func IsSentinel(raw []byte) bool {
	return string(bytes.TrimSpace(raw)) == Sentinel
}

// stringFields maps frame keys to the Update field they populate.
var stringFields = map[string]func(*Update, *string){
	"response":                 func(u *Update, v *string) { u.Response = v },
	"error":                    func(u *Update, v *string) { u.Error = v },
	"progress":                 func(u *Update, v *string) { u.Progress = v },
	"status":                   func(u *Update, v *string) { u.Status = v },
	"intent":                   func(u *Update, v *string) { u.Intent = v },
	"conversation_id":          func(u *Update, v *string) { u.ConversationID = v },
	"conversation_description": func(u *Update, v *string) { u.ConversationDescription = v },
}

// Classify projects a raw frame onto the whitelist of known fields.
func Classify(raw []byte) (Update, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Update{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if fields == nil {
		return Update{}, fmt.Errorf("%w: not an object", ErrMalformedFrame)
	}

	var u Update
	for key, value := range fields {
		if set, ok := stringFields[key]; ok {
			s, err := decodeString(value)
			if err != nil {
				return Update{}, fmt.Errorf("%w: field %q: %v", ErrMalformedFrame, key, err)
			}
			set(&u, &s)
			continue
		}
		if message.IsSlot(key) {
			if u.Payloads == nil {
				u.Payloads = make(map[message.Slot]json.RawMessage)
			}
			u.Payloads[message.Slot(key)] = append(json.RawMessage(nil), value...)
		}
	}
	return u, nil
}

// decodeString accepts a JSON string or null; null decodes to "".
func decodeString(raw json.RawMessage) (string, error) {
	if message.IsNull(raw) {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", err
	}
	return s, nil
}
