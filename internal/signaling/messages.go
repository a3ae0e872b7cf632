package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

type MessageType string

const (
	MessageTypeAuth         MessageType = "auth"
	MessageTypeJoinRoom     MessageType = "join-room"
	MessageTypeLeaveRoom    MessageType = "leave-room"
	MessageTypeOffer        MessageType = "offer"
	MessageTypeAnswer       MessageType = "answer"
	MessageTypeICECandidate MessageType = "ice-candidate"
)

// maxRoomIDLen caps room identifiers so a client cannot grow the room table
// with multi-kilobyte keys.
const maxRoomIDLen = 128

// ClientMessage is the inbound wire envelope. Negotiation payloads (Offer,
// Answer, Candidate) are opaque JSON: the relay forwards them untouched and
// never parses SDP or candidate internals.
type ClientMessage struct {
	Type MessageType `json:"type"`
	Room string      `json:"room,omitempty"`

	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`

	APIKey string `json:"apiKey,omitempty"`
	Token  string `json:"token,omitempty"`
}

// ParseClientMessage decodes and validates one inbound message. Unknown
// fields and trailing data are rejected so malformed clients fail loudly
// instead of silently losing fields.
func ParseClientMessage(data []byte) (ClientMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg ClientMessage
	if err := dec.Decode(&msg); err != nil {
		return ClientMessage{}, err
	}
	if err := msg.validate(); err != nil {
		return ClientMessage{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return ClientMessage{}, fmt.Errorf("unexpected trailing data")
	}
	return msg, nil
}

func (m ClientMessage) validate() error {
	switch m.Type {
	case MessageTypeAuth:
		if m.APIKey == "" && m.Token == "" {
			return fmt.Errorf("auth message missing apiKey/token")
		}
		if m.Room != "" || m.Offer != nil || m.Answer != nil || m.Candidate != nil {
			return fmt.Errorf("auth message has unexpected fields")
		}
	case MessageTypeJoinRoom, MessageTypeLeaveRoom:
		if err := validateRoomID(m.Room); err != nil {
			return fmt.Errorf("%s message: %w", m.Type, err)
		}
		if m.Offer != nil || m.Answer != nil || m.Candidate != nil || m.APIKey != "" || m.Token != "" {
			return fmt.Errorf("%s message has unexpected fields", m.Type)
		}
	case MessageTypeOffer:
		if err := validateRoomID(m.Room); err != nil {
			return fmt.Errorf("offer message: %w", err)
		}
		if len(m.Offer) == 0 {
			return fmt.Errorf("offer message missing offer payload")
		}
		if m.Answer != nil || m.Candidate != nil || m.APIKey != "" || m.Token != "" {
			return fmt.Errorf("offer message has unexpected fields")
		}
	case MessageTypeAnswer:
		if err := validateRoomID(m.Room); err != nil {
			return fmt.Errorf("answer message: %w", err)
		}
		if len(m.Answer) == 0 {
			return fmt.Errorf("answer message missing answer payload")
		}
		if m.Offer != nil || m.Candidate != nil || m.APIKey != "" || m.Token != "" {
			return fmt.Errorf("answer message has unexpected fields")
		}
	case MessageTypeICECandidate:
		if err := validateRoomID(m.Room); err != nil {
			return fmt.Errorf("ice-candidate message: %w", err)
		}
		if len(m.Candidate) == 0 {
			return fmt.Errorf("ice-candidate message missing candidate payload")
		}
		if m.Offer != nil || m.Answer != nil || m.APIKey != "" || m.Token != "" {
			return fmt.Errorf("ice-candidate message has unexpected fields")
		}
	default:
		return fmt.Errorf("unsupported message type %q", m.Type)
	}
	return nil
}

// Payload returns the opaque negotiation payload for offer/answer/ice-candidate
// messages.
func (m ClientMessage) Payload() json.RawMessage {
	switch m.Type {
	case MessageTypeOffer:
		return m.Offer
	case MessageTypeAnswer:
		return m.Answer
	case MessageTypeICECandidate:
		return m.Candidate
	default:
		return nil
	}
}

func validateRoomID(room string) error {
	if room == "" {
		return fmt.Errorf("missing room")
	}
	if len(room) > maxRoomIDLen {
		return fmt.Errorf("room id longer than %d bytes", maxRoomIDLen)
	}
	return nil
}
