package signaling

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func startTestServer(t *testing.T, cfg Config) (*Server, string) {
	t.Helper()

	srv := NewServer(cfg)
	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	ts := httptest.NewServer(mux)

	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})

	return srv, "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

// wsClient wraps a dialed connection with a background reader so tests can
// wait for envelopes without blocking pong replies.
type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
	msgs chan map[string]any
	done chan struct{}
}

func dialClient(t *testing.T, wsURL string) *wsClient {
	t.Helper()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	c := &wsClient{
		t:    t,
		conn: conn,
		msgs: make(chan map[string]any, 64),
		done: make(chan struct{}),
	}
	go c.readLoop()
	t.Cleanup(c.close)
	return c
}

func (c *wsClient) readLoop() {
	defer close(c.done)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg map[string]any
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		c.msgs <- msg
	}
}

func (c *wsClient) send(v any) {
	c.t.Helper()
	if err := c.conn.WriteJSON(v); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

func (c *wsClient) expect(msgType string) map[string]any {
	c.t.Helper()
	select {
	case msg := <-c.msgs:
		if msg["type"] != msgType {
			c.t.Fatalf("got %v, want type=%q", msg, msgType)
		}
		return msg
	case <-time.After(2 * time.Second):
		c.t.Fatalf("timeout waiting for %q envelope", msgType)
		return nil
	}
}

func (c *wsClient) expectNone(d time.Duration) {
	c.t.Helper()
	select {
	case msg := <-c.msgs:
		c.t.Fatalf("unexpected envelope %v", msg)
	case <-time.After(d):
	}
}

func (c *wsClient) close() {
	_ = c.conn.Close()
	<-c.done
}

func join(c *wsClient, roomID, userID, nick string) {
	c.t.Helper()
	c.send(map[string]any{"type": "join", "roomId": roomID, "userId": userID, "nick": nick})
}

func TestJoinSignalChatLeaveScenario(t *testing.T) {
	srv, wsURL := startTestServer(t, Config{})

	// A joins an empty room.
	a := dialClient(t, wsURL)
	join(a, "r1", "u1", "Alice")
	joined := a.expect("room_joined")
	if joined["yourId"] != "u1" {
		t.Fatalf("yourId=%v, want u1", joined["yourId"])
	}
	if users, _ := joined["users"].([]any); len(users) != 0 {
		t.Fatalf("users=%v, want empty", joined["users"])
	}

	// B joins; sees A as an existing member, A is notified.
	b := dialClient(t, wsURL)
	join(b, "r1", "u2", "Bob")
	joined = b.expect("room_joined")
	users, _ := joined["users"].([]any)
	if len(users) != 1 {
		t.Fatalf("users=%v, want [u1]", joined["users"])
	}
	first, _ := users[0].(map[string]any)
	if first["userId"] != "u1" || first["nick"] != "Alice" {
		t.Fatalf("users[0]=%v, want u1/Alice", first)
	}

	notified := a.expect("user_joined")
	if notified["userId"] != "u2" || notified["nick"] != "Bob" {
		t.Fatalf("user_joined=%v, want u2/Bob", notified)
	}

	// A chats; both members receive the same message, A's copy flagged.
	a.send(map[string]any{"type": "chat", "message": "hi"})
	chatA := a.expect("chat")
	chatB := b.expect("chat")
	if chatA["from"] != "u1" || chatA["message"] != "hi" || chatA["self"] != true {
		t.Fatalf("sender echo=%v", chatA)
	}
	if chatB["from"] != "u1" || chatB["fromNick"] != "Alice" || chatB["message"] != "hi" {
		t.Fatalf("chat at B=%v", chatB)
	}
	if chatB["self"] == true {
		t.Fatalf("B's copy must not be flagged self")
	}
	if chatA["messageId"] == "" || chatA["messageId"] != chatB["messageId"] {
		t.Fatalf("messageId mismatch: %v vs %v", chatA["messageId"], chatB["messageId"])
	}

	// A signals B directly; only B receives it.
	a.send(map[string]any{"type": "signal", "to": "u2", "signal": map[string]any{"type": "offer", "sdp": "v=0"}})
	sig := b.expect("signal")
	if sig["from"] != "u1" {
		t.Fatalf("signal=%v, want from=u1", sig)
	}
	payload, _ := sig["signal"].(map[string]any)
	if payload["sdp"] != "v=0" {
		t.Fatalf("signal payload=%v", payload)
	}
	a.expectNone(150 * time.Millisecond)

	// B disconnects abnormally; A is told, the room shrinks to one member.
	b.close()
	left := a.expect("user_left")
	if left["userId"] != "u2" {
		t.Fatalf("user_left=%v, want u2", left)
	}
	waitFor(t, func() bool { return len(srv.registry.Members("r1")) == 1 })

	// A leaves explicitly; the room is destroyed and a re-join starts fresh.
	a.send(map[string]any{"type": "leave"})
	waitFor(t, func() bool { return srv.registry.RoomCount() == 0 })

	join(a, "r1", "u9", "Alice")
	joined = a.expect("room_joined")
	if users, _ := joined["users"].([]any); len(users) != 0 {
		t.Fatalf("users=%v, want empty after room recreation", joined["users"])
	}
}

func TestDuplicateUserJoinRejected(t *testing.T) {
	srv, wsURL := startTestServer(t, Config{})

	a := dialClient(t, wsURL)
	join(a, "r1", "u1", "Alice")
	a.expect("room_joined")

	imp := dialClient(t, wsURL)
	join(imp, "r1", "u1", "Impostor")
	errMsg := imp.expect("error")
	if errMsg["code"] != "duplicate_user" {
		t.Fatalf("error=%v, want code=duplicate_user", errMsg)
	}

	// No broadcast reaches the existing member, membership is unchanged.
	a.expectNone(150 * time.Millisecond)
	if got := len(srv.registry.Members("r1")); got != 1 {
		t.Fatalf("members=%d, want 1", got)
	}

	// The rejected connection is still usable.
	join(imp, "r1", "u2", "Bob")
	imp.expect("room_joined")
}

func TestSecondJoinFromSameConnectionRejected(t *testing.T) {
	_, wsURL := startTestServer(t, Config{})

	a := dialClient(t, wsURL)
	join(a, "r1", "u1", "Alice")
	a.expect("room_joined")

	join(a, "r2", "u1", "Alice")
	errMsg := a.expect("error")
	if errMsg["code"] != "already_joined" {
		t.Fatalf("error=%v, want code=already_joined", errMsg)
	}
}

func TestSignalToAbsentUserDroppedSilently(t *testing.T) {
	_, wsURL := startTestServer(t, Config{})

	a := dialClient(t, wsURL)
	join(a, "r1", "u1", "Alice")
	a.expect("room_joined")

	a.send(map[string]any{"type": "signal", "to": "ghost", "signal": map[string]any{"sdp": "v=0"}})
	a.expectNone(200 * time.Millisecond)
}

func TestEnvelopesBeforeJoinDroppedSilently(t *testing.T) {
	srv, wsURL := startTestServer(t, Config{})

	c := dialClient(t, wsURL)
	c.send(map[string]any{"type": "chat", "message": "anyone?"})
	c.send(map[string]any{"type": "signal", "to": "u2", "signal": map[string]any{"sdp": "v=0"}})
	c.send(map[string]any{"type": "leave"})
	c.expectNone(200 * time.Millisecond)

	if srv.registry.RoomCount() != 0 {
		t.Fatalf("rooms=%d, want 0", srv.registry.RoomCount())
	}
}

func TestMalformedEnvelopeKeepsConnectionOpen(t *testing.T) {
	_, wsURL := startTestServer(t, Config{})

	c := dialClient(t, wsURL)
	if err := c.conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	c.send(map[string]any{"type": "teleport"})
	c.expectNone(150 * time.Millisecond)

	// The connection survived both bad envelopes.
	join(c, "r1", "u1", "Alice")
	c.expect("room_joined")
}

func TestPingPong(t *testing.T) {
	_, wsURL := startTestServer(t, Config{})

	c := dialClient(t, wsURL)
	c.send(map[string]any{"type": "ping"})
	pong := c.expect("pong")
	if ts, ok := pong["timestamp"].(float64); !ok || ts <= 0 {
		t.Fatalf("pong=%v, want epoch-ms timestamp", pong)
	}
}

func TestUserActionExcludesSender(t *testing.T) {
	_, wsURL := startTestServer(t, Config{})

	a := dialClient(t, wsURL)
	join(a, "r1", "u1", "Alice")
	a.expect("room_joined")

	b := dialClient(t, wsURL)
	join(b, "r1", "u2", "Bob")
	b.expect("room_joined")
	a.expect("user_joined")

	a.send(map[string]any{"type": "user-action", "action": "mute", "value": true})
	act := b.expect("user-action")
	if act["from"] != "u1" || act["action"] != "mute" || act["value"] != true {
		t.Fatalf("user-action=%v", act)
	}
	a.expectNone(150 * time.Millisecond)
}

func TestChatReachesEveryMemberExactlyOnce(t *testing.T) {
	_, wsURL := startTestServer(t, Config{})

	const n = 4
	clients := make([]*wsClient, n)
	for i := range clients {
		clients[i] = dialClient(t, wsURL)
		join(clients[i], "r1", userID(i), "nick")
		clients[i].expect("room_joined")
		for j := 0; j < i; j++ {
			clients[j].expect("user_joined")
		}
	}

	clients[0].send(map[string]any{"type": "chat", "message": "fan-out"})
	var id any
	for i, c := range clients {
		msg := c.expect("chat")
		if msg["message"] != "fan-out" {
			t.Fatalf("client %d got %v", i, msg)
		}
		if i == 0 {
			id = msg["messageId"]
		} else if msg["messageId"] != id {
			t.Fatalf("client %d messageId=%v, want %v", i, msg["messageId"], id)
		}
	}
	for _, c := range clients {
		c.expectNone(100 * time.Millisecond)
	}
}

// TestDropPathIsIdempotent simulates the reap/disconnect race: running the
// removal path twice for the same connection must broadcast user_left once.
func TestDropPathIsIdempotent(t *testing.T) {
	srv, wsURL := startTestServer(t, Config{})

	a := dialClient(t, wsURL)
	join(a, "r1", "u1", "Alice")
	a.expect("room_joined")

	b := dialClient(t, wsURL)
	join(b, "r1", "u2", "Bob")
	b.expect("room_joined")
	a.expect("user_joined")

	var target *peer
	waitFor(t, func() bool {
		for _, p := range srv.peerSnapshot() {
			if ms, ok := srv.registry.Resolve(p); ok && ms.UserID == "u2" {
				target = p
				return true
			}
		}
		return false
	})

	target.drop("simulated reap")
	target.drop("simulated disconnect")

	a.expect("user_left")
	a.expectNone(200 * time.Millisecond)
}

func TestServerCloseDisconnectsPeers(t *testing.T) {
	srv, wsURL := startTestServer(t, Config{})

	c := dialClient(t, wsURL)
	join(c, "r1", "u1", "Alice")
	c.expect("room_joined")

	srv.Close()

	select {
	case <-c.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for server to close the connection")
	}
}

func userID(i int) string {
	return string(rune('a'+i)) + "-user"
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not reached within deadline")
}
