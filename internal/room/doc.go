// Package room is the relay's coordination core: which connections exist,
// which room each one occupies, and who must be notified when membership
// changes or a negotiation event is relayed.
//
// The package is transport-free. It talks to the outside world only through
// the Delivery capability, which keeps the fan-out rules testable without a
// WebSocket in sight.
package room
