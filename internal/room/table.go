package room

import (
	"hash/fnv"
	"sync"
)

// tableShards spreads rooms across independently locked shards so unrelated
// rooms never serialize through a single hot lock. Operations on the same
// room id always hit the same shard and are linearizable with respect to
// each other.
const tableShards = 32

// JoinResult reports the outcome of a Table.Join call.
type JoinResult struct {
	// IsNewRoom is true when this join created the room. For concurrent joins
	// on the same previously-unknown id, exactly one caller observes it.
	IsNewRoom   bool
	MemberCount int

	// PrevRoom is set when the connection was migrated out of a different
	// room as part of this join. PrevRemaining and PrevDestroyed describe
	// that room after the removal so callers can notify its members.
	PrevRoom      string
	PrevRemaining int
	PrevDestroyed bool
}

// LeaveResult reports the outcome of a Table.Leave call.
type LeaveResult struct {
	// Left is true when the connection was actually removed from the member
	// set; false makes the whole call a no-op.
	Left          bool
	RoomDestroyed bool
	Remaining     int
}

// Table maps room ids to their member sets and owns room creation and
// destruction. A room exists if and only if its member set is non-empty;
// the last removal deletes the room in the same critical section, so no
// caller ever observes an empty room.
//
// The table keeps the registry's connection->room reference in agreement
// with its member sets: joining points the reference at the new room before
// the member sets change, and leaving clears it with a compare-and-swap.
type Table struct {
	registry *Registry
	shards   [tableShards]tableShard
}

type tableShard struct {
	mu    sync.Mutex
	rooms map[string]*roomEntry
}

// roomEntry preserves insertion order: the first member is the one told to
// wait for participants.
type roomEntry struct {
	members []string
}

func NewTable(registry *Registry) *Table {
	t := &Table{registry: registry}
	for i := range t.shards {
		t.shards[i].rooms = make(map[string]*roomEntry)
	}
	return t
}

func (t *Table) shardFor(roomID string) *tableShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(roomID))
	return &t.shards[h.Sum32()%tableShards]
}

// Join adds the connection to the named room, creating the room if absent.
// A connection occupies at most one room: when it is already a member of a
// different room it is migrated out of that room first, and the result
// carries what happened to the old room.
func (t *Table) Join(roomID, connID string) (JoinResult, error) {
	prev, ok := t.registry.swapRoom(connID, roomID)
	if !ok {
		return JoinResult{}, ErrUnknownConnection
	}

	var res JoinResult
	if prev != "" && prev != roomID {
		lr := t.detach(prev, connID)
		if lr.Left {
			res.PrevRoom = prev
			res.PrevRemaining = lr.Remaining
			res.PrevDestroyed = lr.RoomDestroyed
		}
	}

	s := t.shardFor(roomID)
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.rooms[roomID]
	if !exists {
		entry = &roomEntry{}
		s.rooms[roomID] = entry
		res.IsNewRoom = true
	}
	if indexOf(entry.members, connID) < 0 {
		entry.members = append(entry.members, connID)
	}
	res.MemberCount = len(entry.members)
	return res, nil
}

// Leave removes the connection from the room if present; otherwise the call
// is a no-op. Destroying the room (on last member) happens in the same
// atomic step as the removal.
func (t *Table) Leave(roomID, connID string) LeaveResult {
	t.registry.clearRoom(connID, roomID)
	return t.detach(roomID, connID)
}

// detach removes the connection from the room's member set without touching
// the registry. Used by Leave, by Join's migration, and by the disconnect
// path where the registry record is already gone.
func (t *Table) detach(roomID, connID string) LeaveResult {
	s := t.shardFor(roomID)
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.rooms[roomID]
	if !ok {
		return LeaveResult{}
	}
	i := indexOf(entry.members, connID)
	if i < 0 {
		return LeaveResult{Remaining: len(entry.members)}
	}
	entry.members = append(entry.members[:i], entry.members[i+1:]...)

	if len(entry.members) == 0 {
		delete(s.rooms, roomID)
		return LeaveResult{Left: true, RoomDestroyed: true}
	}
	return LeaveResult{Left: true, Remaining: len(entry.members)}
}

// MembersOf returns a snapshot of the room's member ids in insertion order,
// excluding the given id when non-empty. An unknown room yields nil.
func (t *Table) MembersOf(roomID, excluding string) []string {
	s := t.shardFor(roomID)
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(entry.members))
	for _, id := range entry.members {
		if excluding != "" && id == excluding {
			continue
		}
		out = append(out, id)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// MemberCount reports the current size of the room's member set (0 when the
// room does not exist).
func (t *Table) MemberCount(roomID string) int {
	s := t.shardFor(roomID)
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.rooms[roomID]
	if !ok {
		return 0
	}
	return len(entry.members)
}

// Snapshot returns the room -> member-count map for diagnostics. It is
// consistent per room but not across rooms; callers get "correct at some
// recent instant" freshness only.
func (t *Table) Snapshot() map[string]int {
	out := make(map[string]int)
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		for id, entry := range s.rooms {
			out[id] = len(entry.members)
		}
		s.mu.Unlock()
	}
	return out
}

func indexOf(members []string, id string) int {
	for i, m := range members {
		if m == id {
			return i
		}
	}
	return -1
}
