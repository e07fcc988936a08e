package protocol

import "encoding/json"

// Outcome records what happened to an inbound recognition message.
type Outcome string

const (
	Accept          Outcome = "accept"
	IgnoreMalformed Outcome = "malformed"
	IgnoreShape     Outcome = "unexpected_shape"
	IgnoreEmptyText Outcome = "empty_text"
)

// Ignored reports whether the message was dropped.
func (o Outcome) Ignored() bool { return o != Accept }

type inboundMessage struct {
	PayloadMsg *inboundPayload `json:"payload_msg"`
	IsFinal    bool            `json:"is_final"`
}

type inboundPayload struct {
	Text *string `json:"text"`
}

// ParseInbound decodes a recognition service message shaped as
// {"payload_msg": {"text": "..."}, "is_final": bool}. Anything else is an
// ignore outcome, never an error.
func ParseInbound(data []byte) (TranscriptEvent, Outcome) {
	var msg inboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return TranscriptEvent{}, IgnoreMalformed
	}
	if msg.PayloadMsg == nil || msg.PayloadMsg.Text == nil {
		return TranscriptEvent{}, IgnoreShape
	}
	if *msg.PayloadMsg.Text == "" {
		return TranscriptEvent{}, IgnoreEmptyText
	}
	return TranscriptEvent{Text: *msg.PayloadMsg.Text, IsFinal: msg.IsFinal}, Accept
}
