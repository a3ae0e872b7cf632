package signaling

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/moundir/meet-signaling/internal/config"
	"github.com/moundir/meet-signaling/internal/metrics"
	"github.com/moundir/meet-signaling/internal/ratelimit"
	"github.com/moundir/meet-signaling/internal/room"
)

// Server implements the relay's WebSocket signaling surface.
//
// Endpoints:
//   - GET /ws      : signaling WebSocket (join/leave rooms, relay negotiation events)
//   - GET /status  : room and connection diagnostics snapshot
type Server struct {
	log     *slog.Logger
	router  *room.Router
	metrics *metrics.Metrics

	authorizer  Authorizer
	authTimeout time.Duration

	idleTimeout     time.Duration
	pingInterval    time.Duration
	maxMessageBytes int64
	messagesPerSec  int
	sendQueueLen    int

	iceServers []webrtc.ICEServer

	mu      sync.Mutex
	clients map[string]*client
}

func NewServer(cfg config.Config, router *room.Router, authorizer Authorizer, logger *slog.Logger, m *metrics.Metrics) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if authorizer == nil {
		authorizer = AllowAllAuthorizer{}
	}
	return &Server{
		log:     logger,
		router:  router,
		metrics: m,

		authorizer:  authorizer,
		authTimeout: cfg.SignalingAuthTimeout,

		idleTimeout:     cfg.SignalingWSIdleTimeout,
		pingInterval:    cfg.SignalingWSPingInterval,
		maxMessageBytes: cfg.MaxSignalingMessageBytes,
		messagesPerSec:  cfg.MaxSignalingMessagesPerSecond,
		sendQueueLen:    cfg.SendQueueLength,

		iceServers: cfg.ICEServers,

		clients: make(map[string]*client),
	}
}

// RegisterRoutes attaches the signaling endpoints to mux. withOrigin wraps
// handlers in the server-wide browser-origin policy; the /ws upgrade goes
// through it so WebSocket connections obey the same allowlist as REST calls.
func (s *Server) RegisterRoutes(mux *http.ServeMux, withOrigin func(http.HandlerFunc) http.HandlerFunc) {
	if withOrigin == nil {
		withOrigin = func(h http.HandlerFunc) http.HandlerFunc { return h }
	}
	mux.HandleFunc("GET /ws", withOrigin(s.handleWebSocket))
	mux.HandleFunc("GET /status", withOrigin(s.handleStatus))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.router.Status())
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		// Origin checks are enforced by the outer origin policy wrapper. For
		// unit tests that hit the handler directly, accept all origins here.
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	identity, ok := s.authenticate(conn, r)
	if !ok {
		_ = conn.Close()
		return
	}

	c := &client{
		id:       uuid.NewString(),
		identity: identity,
		srv:      s,
		conn:     conn,
		log:      s.log,
		limiter: ratelimit.NewTokenBucket(
			ratelimit.RealClock{},
			int64(s.messagesPerSec),
			int64(s.messagesPerSec),
		),
		send: make(chan outbound, s.sendQueueLen),
	}

	if _, err := s.router.Connect(c.id); err != nil {
		s.log.Error("connect failed", "conn", c.id, "err", err)
		_ = conn.Close()
		return
	}

	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()

	go c.writePump()

	s.confirm(c)
	s.log.Info("signaling connection opened", "conn", c.id, "identity", identity, "remote_addr", r.RemoteAddr)

	c.readPump()
}

// authenticate runs the credential check before the connection is admitted.
// Query-string credentials are checked immediately; when they are absent the
// client gets one message, within the auth timeout, to present a
// `{type:"auth"}` credential.
func (s *Server) authenticate(conn *websocket.Conn, r *http.Request) (string, bool) {
	identity, err := s.authorizer.Authorize(r, nil)
	if err == nil {
		return identity, true
	}
	if !IsAuthMissing(err) {
		s.metrics.Inc(metrics.AuthFailure)
		s.rejectAuth(conn, unauthorizedMessage(err))
		return "", false
	}

	conn.SetReadLimit(s.maxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(s.authTimeout))

	msgType, data, err := conn.ReadMessage()
	if err != nil {
		if isTimeout(err) {
			s.metrics.Inc(metrics.AuthFailure)
			s.rejectAuth(conn, "authentication timeout")
		}
		return "", false
	}
	if msgType != websocket.TextMessage {
		s.metrics.Inc(metrics.AuthFailure)
		s.rejectAuth(conn, "authentication required")
		return "", false
	}

	msg, err := ParseClientMessage(data)
	if err != nil || msg.Type != MessageTypeAuth {
		s.metrics.Inc(metrics.AuthFailure)
		s.rejectAuth(conn, "authentication required")
		return "", false
	}

	cred := msg.APIKey
	if cred == "" {
		cred = msg.Token
	}
	identity, err = s.authorizer.Authorize(r, &ClientHello{Type: MessageTypeAuth, Credential: cred})
	if err != nil {
		s.metrics.Inc(metrics.AuthFailure)
		s.rejectAuth(conn, unauthorizedMessage(err))
		return "", false
	}

	_ = conn.SetReadDeadline(time.Time{})
	return identity, true
}

func (s *Server) rejectAuth(conn *websocket.Conn, reason string) {
	payload, _ := json.Marshal(room.Event{
		Type:    room.EventError,
		Code:    "unauthorized",
		Message: reason,
	})
	deadline := time.Now().Add(wsWriteWait)
	_ = conn.SetWriteDeadline(deadline)
	_ = conn.WriteMessage(websocket.TextMessage, payload)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unauthorized"), deadline)
}

// connectionConfirmed is the first event on every admitted connection. It
// hands the client its relay-assigned id plus the ICE servers to use when
// constructing its RTCPeerConnection.
type connectionConfirmed struct {
	Type       string             `json:"type"`
	ID         string             `json:"id"`
	ICEServers []webrtc.ICEServer `json:"iceServers"`
}

func (s *Server) confirm(c *client) {
	data, err := json.Marshal(connectionConfirmed{
		Type:       "connection-confirmed",
		ID:         c.id,
		ICEServers: s.iceServers,
	})
	if err != nil {
		return
	}
	_ = s.enqueue(c, outbound{messageType: websocket.TextMessage, data: data})
}

// Send implements room.Delivery. It never blocks the router: the event is
// queued for the recipient's write pump, and a full queue disconnects the
// slow consumer instead of stalling fan-out to everyone else.
func (s *Server) Send(connID string, ev room.Event) error {
	s.mu.Lock()
	c, ok := s.clients[connID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("connection %q gone", connID)
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return s.enqueue(c, outbound{messageType: websocket.TextMessage, data: data})
}

func (s *Server) sendEvent(c *client, ev room.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	_ = s.enqueue(c, outbound{messageType: websocket.TextMessage, data: data})
}

func (s *Server) enqueue(c *client, fr outbound) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Re-check membership under the lock: remove closes c.send and a send on
	// a closed channel would panic.
	if _, ok := s.clients[c.id]; !ok {
		return fmt.Errorf("connection %q gone", c.id)
	}

	select {
	case c.send <- fr:
		return nil
	default:
		s.metrics.Inc(metrics.DeliveryDropped)
		s.log.Warn("send queue full, disconnecting slow consumer", "conn", c.id)
		go c.teardown()
		return fmt.Errorf("connection %q send queue full", c.id)
	}
}

// enqueueClose queues a close frame behind everything already waiting for the
// write pump. When the queue is gone or full, a direct control write still
// beats closing with no reason at all.
func (s *Server) enqueueClose(c *client, code int, reason string) {
	frame := outbound{messageType: websocket.CloseMessage, data: websocket.FormatCloseMessage(code, reason)}

	s.mu.Lock()
	if _, ok := s.clients[c.id]; ok {
		select {
		case c.send <- frame:
			s.mu.Unlock()
			return
		default:
		}
	}
	s.mu.Unlock()

	_ = c.conn.WriteControl(websocket.CloseMessage, frame.data, time.Now().Add(wsWriteWait))
}

// remove detaches a client from the map and closes its outbound queue,
// stopping the write pump. Idempotent.
func (s *Server) remove(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[c.id]; !ok {
		return
	}
	delete(s.clients, c.id)
	close(c.send)
	s.log.Info("signaling connection closed", "conn", c.id)
}

// Close tears down every active connection. Used on shutdown.
func (s *Server) Close() {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.teardown()
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
