package signaling

import (
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/moundir/meet-signaling/internal/metrics"
	"github.com/moundir/meet-signaling/internal/ratelimit"
	"github.com/moundir/meet-signaling/internal/room"
)

const wsWriteWait = 1 * time.Second

// outbound is one frame queued for the write pump. A CloseMessage frame ends
// the pump after it is written, so a diagnostic event enqueued ahead of the
// close is on the wire before the connection shuts down.
type outbound struct {
	messageType int
	data        []byte
}

// client owns one WebSocket connection: a read loop that feeds the router
// and a write pump that drains the outbound queue. The read loop is the only
// goroutine issuing router operations for this connection, which is what
// keeps per-connection event ordering intact.
type client struct {
	id       string
	identity string

	srv  *Server
	conn *websocket.Conn
	log  *slog.Logger

	limiter *ratelimit.TokenBucket

	// send is the outbound queue drained by writePump. Closed exactly once,
	// by Server.remove, under the server's client-map lock.
	send chan outbound

	closeOnce sync.Once
}

// writePump serializes all writes to the connection: queued events plus the
// keepalive pings. gorilla/websocket permits one concurrent writer only, so
// nothing else may call WriteMessage on this conn.
func (c *client) writePump() {
	ticker := time.NewTicker(c.srv.pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case fr, ok := <-c.send:
			if !ok {
				_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(fr.messageType, fr.data); err != nil {
				return
			}
			if fr.messageType == websocket.CloseMessage {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump reads inbound messages until the connection dies, dispatching
// each to the router. Teardown always funnels through c.teardown so a
// connection is disconnected from the room state exactly once.
func (c *client) readPump() {
	defer c.teardown()

	c.conn.SetReadLimit(c.srv.maxMessageBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.srv.idleTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.srv.idleTimeout))
	})

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(c.srv.idleTimeout))

		// Apply the rate limit *after* reading so the bytes already in the
		// TCP receive buffer are consumed. Closing with unread data can turn
		// into an abortive close (RST) and hide the close reason from the
		// client.
		if c.limiter != nil && !c.limiter.Allow(1) {
			c.srv.metrics.Inc(metrics.RateLimited)
			c.fail("rate_limited", "rate limit exceeded", websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			c.srv.metrics.Inc(metrics.BadMessage)
			c.fail("bad_message", "expected text message", websocket.CloseUnsupportedData, "expected text message")
			return
		}

		msg, err := ParseClientMessage(data)
		if err != nil {
			c.srv.metrics.Inc(metrics.BadMessage)
			c.fail("bad_message", err.Error(), websocket.ClosePolicyViolation, "bad message")
			return
		}

		if !c.dispatch(msg) {
			return
		}
	}
}

// dispatch routes one parsed message. It returns false when the connection
// must be torn down.
func (c *client) dispatch(msg ClientMessage) bool {
	var err error
	switch msg.Type {
	case MessageTypeAuth:
		// Tolerate redundant auth messages: clients may send one even after
		// query-string auth succeeded, or under AUTH_MODE=none.
		return true
	case MessageTypeJoinRoom:
		err = c.srv.router.Join(c.id, msg.Room)
	case MessageTypeLeaveRoom:
		err = c.srv.router.Leave(c.id, msg.Room)
	case MessageTypeOffer, MessageTypeAnswer, MessageTypeICECandidate:
		// Inbound negotiation types match the outbound event names one to one.
		err = c.srv.router.Relay(room.EventType(msg.Type), c.id, msg.Room, msg.Payload())
	}

	if err == nil {
		return true
	}

	// Relaying while not in a room is a client mistake, not a fatal one: the
	// peer gets an error event and the connection stays usable.
	if errors.Is(err, room.ErrNotInRoom) {
		c.srv.sendEvent(c, room.Event{
			Type:    room.EventError,
			Code:    "not_in_room",
			Message: "join a room before sending negotiation events",
		})
		return true
	}

	c.log.Warn("dispatch failed", "conn", c.id, "type", string(msg.Type), "err", err)
	c.fail("internal_error", "internal error", websocket.CloseInternalServerErr, "internal error")
	return false
}

// fail sends a final error event then closes the connection with the given
// close code. Both frames go through the write pump queue so the peer reads
// the diagnostic before the close.
func (c *client) fail(code, message string, closeCode int, closeReason string) {
	c.srv.sendEvent(c, room.Event{
		Type:    room.EventError,
		Code:    code,
		Message: message,
	})
	c.srv.enqueueClose(c, closeCode, closeReason)
}

// teardown detaches the client from the server and the room state. Safe to
// call from the read pump and from a slow-consumer disconnect concurrently.
func (c *client) teardown() {
	c.closeOnce.Do(func() {
		c.srv.remove(c)
		c.srv.router.Disconnect(c.id)
		_ = c.conn.Close()
	})
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
