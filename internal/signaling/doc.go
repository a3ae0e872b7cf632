// Package signaling contains the WebSocket surface of the relay: connection
// admission (auth, origin policy is applied by the caller), the per-connection
// read/write pumps, and the wire protocol that feeds the room router.
//
// The relay never inspects SDP or ICE payloads; they pass through opaque.
package signaling
