package room

import "encoding/json"

// EventType enumerates the outbound events the router emits. Negotiation
// types mirror their inbound counterparts; the rest are room lifecycle
// notifications.
type EventType string

const (
	EventRoomJoined             EventType = "room-joined"
	EventWaitingForParticipants EventType = "waiting-for-participants"
	EventRoomReady              EventType = "room-ready"
	EventUserJoined             EventType = "user-joined"
	EventUserLeft               EventType = "user-left"
	EventOffer                  EventType = "offer"
	EventAnswer                 EventType = "answer"
	EventICECandidate           EventType = "ice-candidate"
	EventError                  EventType = "error"
)

// Event is the outbound wire envelope pushed to connections.
//
// Negotiation payloads (Offer, Answer, Candidate) are opaque: the router
// copies them byte-for-byte and never inspects or mutates them.
type Event struct {
	Type EventType `json:"type"`
	Room string    `json:"room,omitempty"`

	// From is the connection id that triggered the event. Omitted for
	// self-directed confirmations.
	From string `json:"from,omitempty"`

	MemberCount           int    `json:"memberCount,omitempty"`
	YourID                string `json:"yourId,omitempty"`
	User                  string `json:"user,omitempty"`
	TotalParticipants     int    `json:"totalParticipants,omitempty"`
	RemainingParticipants int    `json:"remainingParticipants,omitempty"`

	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`

	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Delivery is the per-connection outbound transport capability. Sends must
// not block the caller on a slow peer: implementations queue or dispatch
// asynchronously and return an error only when the event cannot be accepted
// for delivery at all (connection gone, queue overflow).
type Delivery interface {
	Send(connID string, ev Event) error
}

// relayEvent builds the pass-through envelope for a negotiation event,
// placing the opaque payload in the field matching its type.
func relayEvent(kind EventType, roomID, sender string, payload json.RawMessage) Event {
	ev := Event{Type: kind, Room: roomID, From: sender}
	switch kind {
	case EventOffer:
		ev.Offer = payload
	case EventAnswer:
		ev.Answer = payload
	case EventICECandidate:
		ev.Candidate = payload
	}
	return ev
}
