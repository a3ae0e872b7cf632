package room

import "errors"

var (
	// ErrDuplicateConnection indicates the transport handed the registry a
	// connection id that is already live. Transport-assigned ids are expected
	// to be unique, so this is an integration error, fatal to the single
	// registration call only.
	ErrDuplicateConnection = errors.New("duplicate connection id")

	// ErrNotInRoom is returned when a negotiation event arrives from a
	// connection that has not joined any room. The event is dropped; callers
	// may surface the error back to the sender as a diagnostic.
	ErrNotInRoom = errors.New("connection is not in a room")

	// ErrUnknownConnection indicates a room operation referenced a connection
	// id the registry has never seen (or has already unregistered).
	ErrUnknownConnection = errors.New("unknown connection id")
)
