package room

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/moundir/meet-signaling/internal/metrics"
)

// Router is the single entry point for inbound events. It validates them,
// mutates the registry and table, computes the recipient set, and pushes
// outbound events through the Delivery capability.
//
// Per connection the router sees three states: unjoined (right after
// Connect), joined, and closed (after Disconnect). Joining while joined
// migrates the connection to the new room; negotiation events outside a room
// fail soft with ErrNotInRoom.
//
// The transport serializes the events of a single connection (one read loop
// per connection), so the router never sees two concurrent operations for
// the same connection id. Different connections run fully concurrently.
type Router struct {
	log      *slog.Logger
	metrics  *metrics.Metrics
	registry *Registry
	table    *Table
	delivery Delivery
}

func NewRouter(registry *Registry, table *Table, delivery Delivery, logger *slog.Logger, m *metrics.Metrics) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		log:      logger,
		metrics:  m,
		registry: registry,
		table:    table,
		delivery: delivery,
	}
}

// Connect registers a new connection in the unjoined state. The transport
// calls it once per accepted connection, before any events are routed.
func (rt *Router) Connect(connID string) (Connection, error) {
	conn, err := rt.registry.Register(connID)
	if err != nil {
		return Connection{}, fmt.Errorf("register %q: %w", connID, err)
	}
	rt.metrics.Inc(metrics.ConnectionsOpened)
	return conn, nil
}

// Join moves the connection into the named room and fans out the join
// notifications: room-joined to the joiner always, waiting-for-participants
// when it is alone, and room-ready plus user-joined once the room has
// company. A connection already in another room is migrated out of it, and
// that room's remaining members are told it left.
func (rt *Router) Join(connID, roomID string) error {
	if roomID == "" {
		return fmt.Errorf("join: empty room id")
	}

	res, err := rt.table.Join(roomID, connID)
	if err != nil {
		return fmt.Errorf("join %q: %w", roomID, err)
	}
	rt.metrics.Inc(metrics.Joins)
	if res.IsNewRoom {
		rt.metrics.Inc(metrics.RoomsCreated)
	}

	if res.PrevRoom != "" {
		if res.PrevDestroyed {
			rt.metrics.Inc(metrics.RoomsDestroyed)
		} else {
			rt.notifyUserLeft(res.PrevRoom, connID, res.PrevRemaining)
		}
	}

	rt.send(connID, Event{
		Type:        EventRoomJoined,
		Room:        roomID,
		MemberCount: res.MemberCount,
		YourID:      connID,
	})

	if res.MemberCount == 1 {
		rt.send(connID, Event{Type: EventWaitingForParticipants, Room: roomID})
		return nil
	}

	ready := Event{Type: EventRoomReady, Room: roomID, MemberCount: res.MemberCount}
	for _, id := range rt.table.MembersOf(roomID, "") {
		rt.send(id, ready)
	}
	joined := Event{
		Type:              EventUserJoined,
		Room:              roomID,
		User:              connID,
		TotalParticipants: res.MemberCount,
	}
	for _, id := range rt.table.MembersOf(roomID, connID) {
		rt.send(id, joined)
	}
	return nil
}

// Leave removes the connection from the named room. Remaining members get a
// user-left notification; a destroyed room notifies no one.
func (rt *Router) Leave(connID, roomID string) error {
	if roomID == "" {
		return fmt.Errorf("leave: empty room id")
	}

	res := rt.table.Leave(roomID, connID)
	if !res.Left {
		return nil
	}
	rt.metrics.Inc(metrics.Leaves)
	if res.RoomDestroyed {
		rt.metrics.Inc(metrics.RoomsDestroyed)
		return nil
	}
	rt.notifyUserLeft(roomID, connID, res.Remaining)
	return nil
}

// Relay forwards an opaque negotiation payload to every other member of the
// named room. The payload passes through byte-for-byte.
//
// A sender with no current room gets ErrNotInRoom and nothing is relayed. A
// room that no longer exists (destroyed by a race, or never joined) is a
// silent zero-recipient relay, not an error.
func (rt *Router) Relay(kind EventType, connID, roomID string, payload json.RawMessage) error {
	current, ok := rt.registry.CurrentRoom(connID)
	if !ok || current == "" {
		rt.metrics.Inc(metrics.NotInRoom)
		return ErrNotInRoom
	}

	switch kind {
	case EventOffer:
		rt.metrics.Inc(metrics.RelaysOffer)
	case EventAnswer:
		rt.metrics.Inc(metrics.RelaysAnswer)
	case EventICECandidate:
		rt.metrics.Inc(metrics.RelaysICE)
	default:
		return fmt.Errorf("relay: unsupported event type %q", kind)
	}

	ev := relayEvent(kind, roomID, connID, payload)
	for _, id := range rt.table.MembersOf(roomID, connID) {
		rt.send(id, ev)
	}
	return nil
}

// Disconnect runs the teardown for a closed transport: leave whatever room
// the registry reports, then drop the registry record. It is idempotent; a
// transport close racing an explicit leave produces at most one user-left
// fan-out. Delivery to remaining members is still attempted even when the
// disconnecting peer itself is already unreachable.
func (rt *Router) Disconnect(connID string) {
	roomID, ok := rt.registry.Unregister(connID)
	if !ok {
		return
	}
	rt.metrics.Inc(metrics.ConnectionsClosed)
	if roomID == "" {
		return
	}

	res := rt.table.Leave(roomID, connID)
	if !res.Left {
		return
	}
	rt.metrics.Inc(metrics.Leaves)
	if res.RoomDestroyed {
		rt.metrics.Inc(metrics.RoomsDestroyed)
		return
	}
	rt.notifyUserLeft(roomID, connID, res.Remaining)
}

// Status is the read-only diagnostics snapshot: the room -> member-count map
// and totals, correct at some recent instant.
type Status struct {
	Rooms       map[string]int `json:"rooms"`
	RoomCount   int            `json:"roomCount"`
	Connections int            `json:"connections"`
}

func (rt *Router) Status() Status {
	rooms := rt.table.Snapshot()
	return Status{
		Rooms:       rooms,
		RoomCount:   len(rooms),
		Connections: rt.registry.Len(),
	}
}

func (rt *Router) notifyUserLeft(roomID, connID string, remaining int) {
	ev := Event{
		Type:                  EventUserLeft,
		Room:                  roomID,
		User:                  connID,
		RemainingParticipants: remaining,
	}
	for _, id := range rt.table.MembersOf(roomID, connID) {
		rt.send(id, ev)
	}
}

// send pushes one event to one recipient. A delivery failure is scoped to
// that recipient: it is counted and logged, and never aborts delivery to the
// rest of the snapshot.
func (rt *Router) send(connID string, ev Event) {
	if err := rt.delivery.Send(connID, ev); err != nil {
		rt.metrics.Inc(metrics.DeliveryFailures)
		rt.log.Debug("delivery failed", "conn", connID, "event", string(ev.Type), "err", err)
	}
}
