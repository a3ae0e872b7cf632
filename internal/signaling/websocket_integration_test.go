package signaling

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"

	"github.com/moundir/meet-signaling/internal/config"
	"github.com/moundir/meet-signaling/internal/httpserver"
	"github.com/moundir/meet-signaling/internal/metrics"
	"github.com/moundir/meet-signaling/internal/room"
)

const testTimeout = 5 * time.Second

type testStack struct {
	srv     *httptest.Server
	router  *room.Router
	metrics *metrics.Metrics
}

func newTestStack(t *testing.T, mutate func(*config.Config)) *testStack {
	t.Helper()

	cfg := config.Config{
		AuthMode:                      config.AuthModeNone,
		SignalingAuthTimeout:          250 * time.Millisecond,
		SignalingWSIdleTimeout:        30 * time.Second,
		SignalingWSPingInterval:       10 * time.Second,
		MaxSignalingMessageBytes:      256 * 1024,
		MaxSignalingMessagesPerSecond: 1000,
		SendQueueLength:               64,
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.example.com:3478"}},
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New()
	registry := room.NewRegistry()
	table := room.NewTable(registry)

	authz, err := NewAuthAuthorizer(cfg)
	if err != nil {
		t.Fatalf("NewAuthAuthorizer: %v", err)
	}

	var sig *Server
	delivery := room.Delivery(deliveryFunc(func(connID string, ev room.Event) error {
		return sig.Send(connID, ev)
	}))
	router := room.NewRouter(registry, table, delivery, logger, m)
	sig = NewServer(cfg, router, authz, logger, m)

	mux := http.NewServeMux()
	sig.RegisterRoutes(mux, nil)

	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Close()
		sig.Close()
	})

	return &testStack{srv: srv, router: router, metrics: m}
}

type deliveryFunc func(connID string, ev room.Event) error

func (f deliveryFunc) Send(connID string, ev room.Event) error { return f(connID, ev) }

// serverEvent is the union of everything the relay pushes, for test decoding.
type serverEvent struct {
	Type string `json:"type"`
	Room string `json:"room"`
	From string `json:"from"`
	ID   string `json:"id"`

	YourID                string `json:"yourId"`
	User                  string `json:"user"`
	MemberCount           int    `json:"memberCount"`
	TotalParticipants     int    `json:"totalParticipants"`
	RemainingParticipants int    `json:"remainingParticipants"`

	ICEServers []webrtc.ICEServer `json:"iceServers"`

	Offer     json.RawMessage `json:"offer"`
	Answer    json.RawMessage `json:"answer"`
	Candidate json.RawMessage `json:"candidate"`

	Code    string `json:"code"`
	Message string `json:"message"`
}

func dialWS(t *testing.T, stack *testStack, query string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(stack.srv.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", u, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) serverEvent {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(testTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev serverEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return ev
}

// waitFor reads events until one of the wanted type arrives, skipping
// unrelated notifications.
func waitFor(t *testing.T, conn *websocket.Conn, typ string) serverEvent {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for time.Now().Before(deadline) {
		ev := readEvent(t, conn)
		if ev.Type == typ {
			return ev
		}
	}
	t.Fatalf("no %q event before deadline", typ)
	return serverEvent{}
}

func sendMessage(t *testing.T, conn *websocket.Conn, msg string) {
	t.Helper()
	_ = conn.SetWriteDeadline(time.Now().Add(testTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// confirmAndID consumes the initial connection-confirmed event.
func confirmAndID(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	ev := readEvent(t, conn)
	if ev.Type != "connection-confirmed" {
		t.Fatalf("first event = %q, want connection-confirmed", ev.Type)
	}
	if ev.ID == "" {
		t.Fatal("connection-confirmed missing id")
	}
	return ev.ID
}

func TestConnectionConfirmed(t *testing.T) {
	stack := newTestStack(t, nil)
	conn := dialWS(t, stack, "")

	ev := readEvent(t, conn)
	if ev.Type != "connection-confirmed" {
		t.Fatalf("first event = %q, want connection-confirmed", ev.Type)
	}
	if ev.ID == "" {
		t.Error("missing connection id")
	}
	if len(ev.ICEServers) != 1 || len(ev.ICEServers[0].URLs) != 1 {
		t.Errorf("ICEServers = %+v, want the configured STUN entry", ev.ICEServers)
	}
}

func TestJoinFlowTwoClients(t *testing.T) {
	stack := newTestStack(t, nil)

	alice := dialWS(t, stack, "")
	aliceID := confirmAndID(t, alice)

	sendMessage(t, alice, `{"type":"join-room","room":"standup"}`)
	joined := readEvent(t, alice)
	if joined.Type != "room-joined" || joined.YourID != aliceID || joined.MemberCount != 1 {
		t.Fatalf("room-joined = %+v", joined)
	}
	if ev := readEvent(t, alice); ev.Type != "waiting-for-participants" {
		t.Fatalf("got %q, want waiting-for-participants", ev.Type)
	}

	bob := dialWS(t, stack, "")
	bobID := confirmAndID(t, bob)
	sendMessage(t, bob, `{"type":"join-room","room":"standup"}`)

	if ev := waitFor(t, bob, "room-joined"); ev.MemberCount != 2 {
		t.Errorf("bob room-joined MemberCount = %d, want 2", ev.MemberCount)
	}
	if ev := waitFor(t, bob, "room-ready"); ev.MemberCount != 2 {
		t.Errorf("bob room-ready MemberCount = %d, want 2", ev.MemberCount)
	}

	if ev := waitFor(t, alice, "room-ready"); ev.Room != "standup" {
		t.Errorf("alice room-ready = %+v", ev)
	}
	userJoined := waitFor(t, alice, "user-joined")
	if userJoined.User != bobID || userJoined.TotalParticipants != 2 {
		t.Errorf("alice user-joined = %+v, want user=%s total=2", userJoined, bobID)
	}
}

// realOffer builds a genuine SDP offer with pion so the relayed payload is
// representative of what browsers send.
func realOffer(t *testing.T) webrtc.SessionDescription {
	t.Helper()

	loggerFactory := logging.NewDefaultLoggerFactory()
	loggerFactory.DefaultLogLevel = logging.LogLevelError
	se := webrtc.SettingEngine{LoggerFactory: loggerFactory}
	api := webrtc.NewAPI(webrtc.WithSettingEngine(se))

	pc, err := api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("NewPeerConnection: %v", err)
	}
	t.Cleanup(func() { _ = pc.Close() })

	if _, err := pc.CreateDataChannel("meet", nil); err != nil {
		t.Fatalf("CreateDataChannel: %v", err)
	}
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	return offer
}

func TestOfferRelayPreservesPayload(t *testing.T) {
	stack := newTestStack(t, nil)

	alice := dialWS(t, stack, "")
	aliceID := confirmAndID(t, alice)
	bob := dialWS(t, stack, "")
	confirmAndID(t, bob)

	sendMessage(t, alice, `{"type":"join-room","room":"standup"}`)
	sendMessage(t, bob, `{"type":"join-room","room":"standup"}`)
	waitFor(t, alice, "room-ready")
	waitFor(t, bob, "room-ready")

	offer := realOffer(t)
	offerJSON, err := json.Marshal(offer)
	if err != nil {
		t.Fatalf("marshal offer: %v", err)
	}
	envelope, err := json.Marshal(map[string]any{
		"type":  "offer",
		"room":  "standup",
		"offer": json.RawMessage(offerJSON),
	})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	sendMessage(t, alice, string(envelope))

	relayed := waitFor(t, bob, "offer")
	if relayed.From != aliceID {
		t.Errorf("From = %q, want %q", relayed.From, aliceID)
	}
	var got webrtc.SessionDescription
	if err := json.Unmarshal(relayed.Offer, &got); err != nil {
		t.Fatalf("decode relayed offer: %v", err)
	}
	if got.Type != webrtc.SDPTypeOffer || got.SDP != offer.SDP {
		t.Error("relayed SDP differs from the original")
	}

	if ev := readEventOrTimeout(alice); ev != nil && ev.Type == "offer" {
		t.Error("sender received its own offer")
	}
}

// readEventOrTimeout reads one event with a short deadline, returning nil on
// timeout. Used to assert that no event arrives.
func readEventOrTimeout(conn *websocket.Conn) *serverEvent {
	_ = conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil
	}
	var ev serverEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil
	}
	return &ev
}

func TestLeaveNotifiesRemaining(t *testing.T) {
	stack := newTestStack(t, nil)

	alice := dialWS(t, stack, "")
	confirmAndID(t, alice)
	bob := dialWS(t, stack, "")
	bobID := confirmAndID(t, bob)

	sendMessage(t, alice, `{"type":"join-room","room":"standup"}`)
	sendMessage(t, bob, `{"type":"join-room","room":"standup"}`)
	waitFor(t, alice, "room-ready")
	waitFor(t, bob, "room-ready")

	sendMessage(t, bob, `{"type":"leave-room","room":"standup"}`)

	left := waitFor(t, alice, "user-left")
	if left.User != bobID || left.RemainingParticipants != 1 {
		t.Errorf("user-left = %+v, want user=%s remaining=1", left, bobID)
	}
}

func TestDisconnectNotifiesRemaining(t *testing.T) {
	stack := newTestStack(t, nil)

	alice := dialWS(t, stack, "")
	confirmAndID(t, alice)
	bob := dialWS(t, stack, "")
	bobID := confirmAndID(t, bob)

	sendMessage(t, alice, `{"type":"join-room","room":"standup"}`)
	sendMessage(t, bob, `{"type":"join-room","room":"standup"}`)
	waitFor(t, alice, "room-ready")
	waitFor(t, bob, "room-ready")

	_ = bob.Close()

	left := waitFor(t, alice, "user-left")
	if left.User != bobID {
		t.Errorf("user-left user = %q, want %q", left.User, bobID)
	}
}

func TestRelayWithoutRoomIsSoftError(t *testing.T) {
	stack := newTestStack(t, nil)

	conn := dialWS(t, stack, "")
	confirmAndID(t, conn)

	sendMessage(t, conn, `{"type":"offer","room":"standup","offer":{"type":"offer","sdp":"v=0"}}`)
	ev := readEvent(t, conn)
	if ev.Type != "error" || ev.Code != "not_in_room" {
		t.Fatalf("got %+v, want error/not_in_room", ev)
	}

	// The connection must remain usable.
	sendMessage(t, conn, `{"type":"join-room","room":"standup"}`)
	if ev := waitFor(t, conn, "room-joined"); ev.Room != "standup" {
		t.Errorf("room-joined = %+v", ev)
	}
}

func TestMalformedMessageCloses(t *testing.T) {
	stack := newTestStack(t, nil)

	conn := dialWS(t, stack, "")
	confirmAndID(t, conn)

	sendMessage(t, conn, `this is not json`)
	ev := readEvent(t, conn)
	if ev.Type != "error" || ev.Code != "bad_message" {
		t.Fatalf("got %+v, want error/bad_message", ev)
	}

	_ = conn.SetReadDeadline(time.Now().Add(testTimeout))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("expected connection close after bad message")
	}
	if stack.metrics.Get(metrics.BadMessage) == 0 {
		t.Error("bad_message counter not incremented")
	}
}

func TestBinaryMessageRejected(t *testing.T) {
	stack := newTestStack(t, nil)

	conn := dialWS(t, stack, "")
	confirmAndID(t, conn)

	_ = conn.SetWriteDeadline(time.Now().Add(testTimeout))
	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{0x01, 0x02}); err != nil {
		t.Fatalf("write: %v", err)
	}

	ev := readEvent(t, conn)
	if ev.Type != "error" || ev.Code != "bad_message" {
		t.Fatalf("got %+v, want error/bad_message", ev)
	}
}

func TestRateLimitDisconnects(t *testing.T) {
	stack := newTestStack(t, func(cfg *config.Config) {
		cfg.MaxSignalingMessagesPerSecond = 3
	})

	conn := dialWS(t, stack, "")
	confirmAndID(t, conn)

	for i := 0; i < 10; i++ {
		_ = conn.SetWriteDeadline(time.Now().Add(testTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"join-room","room":"r"}`)); err != nil {
			break
		}
	}

	deadline := time.Now().Add(testTimeout)
	sawRateLimit := false
	for time.Now().Before(deadline) {
		_ = conn.SetReadDeadline(time.Now().Add(testTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var ev serverEvent
		if json.Unmarshal(data, &ev) == nil && ev.Code == "rate_limited" {
			sawRateLimit = true
		}
	}
	if !sawRateLimit {
		t.Error("expected a rate_limited error event")
	}
	if stack.metrics.Get(metrics.RateLimited) == 0 {
		t.Error("rate_limited counter not incremented")
	}
}

// TestUpgradeThroughHTTPServer dials /ws through the full HTTP server and its
// middleware chain, the same wiring the binary uses. The upgrade hijacks the
// connection, so this fails if any middleware wrapper hides http.Hijacker.
func TestUpgradeThroughHTTPServer(t *testing.T) {
	cfg := config.Config{
		ListenAddr:                    "127.0.0.1:0",
		AuthMode:                      config.AuthModeNone,
		SignalingAuthTimeout:          250 * time.Millisecond,
		SignalingWSIdleTimeout:        30 * time.Second,
		SignalingWSPingInterval:       10 * time.Second,
		MaxSignalingMessageBytes:      256 * 1024,
		MaxSignalingMessagesPerSecond: 1000,
		SendQueueLength:               64,
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New()
	registry := room.NewRegistry()
	table := room.NewTable(registry)

	authz, err := NewAuthAuthorizer(cfg)
	if err != nil {
		t.Fatalf("NewAuthAuthorizer: %v", err)
	}

	var sig *Server
	delivery := room.Delivery(deliveryFunc(func(connID string, ev room.Event) error {
		return sig.Send(connID, ev)
	}))
	router := room.NewRouter(registry, table, delivery, logger, m)
	sig = NewServer(cfg, router, authz, logger, m)

	httpSrv := httpserver.New(cfg, logger, httpserver.BuildInfo{}, m)
	sig.RegisterRoutes(httpSrv.Mux(), httpSrv.WithOriginPolicy)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() { _ = httpSrv.Serve(ln) }()
	t.Cleanup(func() {
		_ = httpSrv.Close()
		sig.Close()
	})

	u := "ws://" + ln.Addr().String() + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", u, err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	id := confirmAndID(t, conn)
	sendMessage(t, conn, `{"type":"join-room","room":"standup"}`)
	if ev := waitFor(t, conn, "room-joined"); ev.YourID != id {
		t.Errorf("room-joined = %+v, want yourId=%s", ev, id)
	}
}

// TestErrorEventPrecedesClose pins the teardown ordering on a protocol error:
// the diagnostic error event must arrive as a text frame before the close
// frame carrying the close code.
func TestErrorEventPrecedesClose(t *testing.T) {
	stack := newTestStack(t, nil)

	conn := dialWS(t, stack, "")
	confirmAndID(t, conn)

	sendMessage(t, conn, `this is not json`)

	ev := readEvent(t, conn)
	if ev.Type != "error" || ev.Code != "bad_message" {
		t.Fatalf("first frame = %+v, want error/bad_message", ev)
	}

	_ = conn.SetReadDeadline(time.Now().Add(testTimeout))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		t.Fatalf("second read = %v, want a close frame", err)
	}
	if closeErr.Code != websocket.ClosePolicyViolation {
		t.Errorf("close code = %d, want %d", closeErr.Code, websocket.ClosePolicyViolation)
	}
}

func TestStatusEndpoint(t *testing.T) {
	stack := newTestStack(t, nil)

	alice := dialWS(t, stack, "")
	confirmAndID(t, alice)
	sendMessage(t, alice, `{"type":"join-room","room":"standup"}`)
	waitFor(t, alice, "waiting-for-participants")

	resp, err := http.Get(stack.srv.URL + "/status")
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var st room.Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.Connections != 1 || st.RoomCount != 1 || st.Rooms["standup"] != 1 {
		t.Errorf("status = %+v", st)
	}
}
