// Package server defines the JSON event envelope exchanged over the chat
// WebSocket and the validation applied to inbound chat messages.
package server

import (
	"strings"
	"unicode/utf8"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Event names carried in Envelope.Event.
const (
	EventChatHistory    = "chat history"
	EventChatMessage    = "chat message"
	EventUnauthorized   = "unauthorized"
	EventInvalidMessage = "invalid message"
)

// ErrMalformedPayload is returned for inbound frames that are not a valid
// chat message event.
var ErrMalformedPayload = errors.New("malformed payload")

// Envelope is the frame format in both directions.
type Envelope struct {
	Event string              `json:"event"`
	Data  jsoniter.RawMessage `json:"data,omitempty"`
}

// encodeEvent marshals data into an envelope for event. A nil data leaves
// the data field out.
func encodeEvent(event string, data interface{}) ([]byte, error) {
	env := Envelope{Event: event}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, errors.Wrapf(err, "encode %s", event)
		}
		env.Data = raw
	}
	return json.Marshal(env)
}

// decodeChatMessage extracts the text of an inbound "chat message" event.
// Any identity fields the client adds are ignored; only the text is kept.
func decodeChatMessage(raw []byte, maxLen int) (string, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", errors.Wrap(ErrMalformedPayload, "not a JSON envelope")
	}
	if env.Event != EventChatMessage {
		return "", errors.Wrapf(ErrMalformedPayload, "unsupported event %q", env.Event)
	}
	if len(env.Data) == 0 {
		return "", errors.Wrap(ErrMalformedPayload, "missing data")
	}

	var text string
	if err := json.Unmarshal(env.Data, &text); err != nil {
		return "", errors.Wrap(ErrMalformedPayload, "data must be a string")
	}
	if strings.TrimSpace(text) == "" {
		return "", errors.Wrap(ErrMalformedPayload, "empty message")
	}
	if maxLen > 0 && utf8.RuneCountInString(text) > maxLen {
		return "", errors.Wrapf(ErrMalformedPayload, "message longer than %d characters", maxLen)
	}
	return text, nil
}

// rejectionReason turns a decode error into the text sent back to the client.
func rejectionReason(err error) string {
	msg := err.Error()
	return strings.TrimSuffix(msg, ": "+ErrMalformedPayload.Error())
}
