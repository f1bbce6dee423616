// Package event defines the wire envelopes delivered to connected clients.
// Every outbound message is either a broadcast Message {type, payload} or a
// per-initiator StatusMessage {type, status, message}.
package event

import "encoding/json"

// Statuses carried by StatusMessage.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Event codes. The set is closed; the discovery endpoint exposes it together
// with the descriptions below.
const (
	ItemAddEvent     = "itemAddEvent"
	ItemEditEvent    = "itemEditEvent"
	ItemDeleteEvent  = "itemDeleteEvent"
	ItemSplitEvent   = "itemSplitEvent"
	CheckAddEvent    = "checkAddEvent"
	CheckEditEvent   = "checkEditEvent"
	CheckDeleteEvent = "checkDeleteEvent"
	CheckSelectEvent = "checkSelectEvent"
	CheckStatusEvent = "checkStatusEvent"
	UserJoinedEvent  = "userJoinedEvent"
	UserLeftEvent    = "userLeftEvent"
	ProfileEditEvent = "profileEditEvent"
	ErrorEvent       = "errorEvent"
)

// Descriptions maps every event code to a human-readable summary.
var Descriptions = map[string]string{
	ItemAddEvent:     "A line item was added to a check you participate in.",
	ItemEditEvent:    "A line item on one of your checks was edited.",
	ItemDeleteEvent:  "A line item was removed from one of your checks.",
	ItemSplitEvent:   "A participant changed their selected share of an item.",
	CheckAddEvent:    "A new check was created and you were attached to it.",
	CheckEditEvent:   "Check attributes (name, restaurant info) changed.",
	CheckDeleteEvent: "A check you participated in was deleted by its author.",
	CheckSelectEvent: "A participant updated their item selection on a check.",
	CheckStatusEvent: "A check was opened or closed.",
	UserJoinedEvent:  "A new participant joined one of your checks.",
	UserLeftEvent:    "A participant left one of your checks.",
	ProfileEditEvent: "A participant on one of your checks updated their profile.",
	ErrorEvent:       "A mutation you initiated failed; see the message field.",
}

// Message is the broadcast envelope.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// StatusMessage is the per-initiator acknowledgement envelope.
type StatusMessage struct {
	Type    string `json:"type"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// NewMessage shapes a broadcast envelope. Marshal errors cannot occur for the
// payload types used by handlers, but are surfaced to keep callers honest.
func NewMessage(eventType string, payload any) (Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: eventType, Payload: raw}, nil
}

// NewStatus shapes a per-initiator acknowledgement.
func NewStatus(eventType, status, detail string) StatusMessage {
	return StatusMessage{Type: eventType, Status: status, Message: detail}
}

// Encode renders the envelope as a wire frame.
func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Encode renders the acknowledgement as a wire frame.
func (s StatusMessage) Encode() ([]byte, error) {
	return json.Marshal(s)
}
