package metrics

import "sync"

// Event counter names. The router and transport increment these; the
// /metrics endpoint exposes them for scraping.
const (
	ConnectionsOpened = "connections_opened"
	ConnectionsClosed = "connections_closed"
	RoomsCreated      = "rooms_created"
	RoomsDestroyed    = "rooms_destroyed"
	Joins             = "joins"
	Leaves            = "leaves"
	RelaysOffer       = "relays_offer"
	RelaysAnswer      = "relays_answer"
	RelaysICE         = "relays_ice_candidate"
	NotInRoom         = "not_in_room"
	DeliveryFailures  = "delivery_failures"
	DeliveryDropped   = "delivery_dropped"
	AuthFailure       = "auth_failure"
	RateLimited       = "rate_limited"
	BadMessage        = "bad_message"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// It keeps the relay's fan-out and enforcement logic testable without a real
// metrics backend; the Prometheus handler exposes the counters for scraping.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

// Inc is a nil-safe counter increment.
func (m *Metrics) Inc(name string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name]++
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot copies the current counter values.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
