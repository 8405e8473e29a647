//go:build linux

package ws

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/parley/chat-app/internal/auth"
	"github.com/parley/chat-app/internal/hub"
	"github.com/parley/chat-app/internal/protocol"
	"github.com/parley/chat-app/internal/ratelimit"
)

// ---------------------------------------------------------------------------
// Test fixtures
// ---------------------------------------------------------------------------

type testServer struct {
	srv      *Server
	addr     string
	verifier *auth.Verifier
}

func startServer(t *testing.T, limiter RateLimiter) *testServer {
	t.Helper()

	h := hub.New(hub.Config{Origin: "test", Retry: hub.DefaultRetryPolicy()},
		nopBroker{}, nopPublisher{}, nopAppender{}, nil)
	verifier := auth.NewVerifier("test-secret")

	cfg := DefaultServerConfig()
	cfg.WorkerPoolSize = 8
	srv := NewServer(cfg, h, verifier, limiter, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		if err := srv.Serve(ln); err != nil {
			t.Errorf("serve: %v", err)
		}
	}()

	select {
	case <-srv.ready:
	case <-time.After(2 * time.Second):
		t.Fatal("server did not start")
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return &testServer{srv: srv, addr: ln.Addr().String(), verifier: verifier}
}

func (ts *testServer) token(t *testing.T, userID string) string {
	t.Helper()
	token, err := ts.verifier.Issue(userID, time.Minute)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

type client struct {
	conn net.Conn
	r    io.Reader
}

func dial(t *testing.T, addr, token string) *client {
	t.Helper()
	conn, br, _, err := ws.Dial(context.Background(), "ws://"+addr+"/ws?token="+token)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	var r io.Reader = conn
	if br != nil {
		r = br
	}
	return &client{conn: conn, r: r}
}

func (c *client) send(t *testing.T, frame string) {
	t.Helper()
	if err := wsutil.WriteClientText(c.conn, []byte(frame)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func (c *client) read(t *testing.T) map[string]interface{} {
	t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	data, err := wsutil.ReadServerText(struct {
		io.Reader
		io.Writer
	}{c.r, c.conn})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return m
}

func (c *client) expect(t *testing.T, msgType string) map[string]interface{} {
	t.Helper()
	m := c.read(t)
	if m["type"] != msgType {
		t.Fatalf("expected %q frame, got %v", msgType, m)
	}
	return m
}

// ---------------------------------------------------------------------------
// Test: Authentication
// ---------------------------------------------------------------------------

func TestServer_UnauthorizedCloses4001(t *testing.T) {
	ts := startServer(t, nil)

	for _, token := range []string{"", "not-a-jwt"} {
		c := dial(t, ts.addr, token)
		_ = c.conn.SetReadDeadline(time.Now().Add(3 * time.Second))

		frame, err := ws.ReadFrame(c.r)
		if err != nil {
			t.Fatalf("token %q: read frame: %v", token, err)
		}
		if frame.Header.OpCode != ws.OpClose {
			t.Fatalf("token %q: expected close frame, got opcode %v", token, frame.Header.OpCode)
		}
		code, reason := ws.ParseCloseFrameData(frame.Payload)
		if code != StatusUnauthorized || reason != "unauthorized" {
			t.Errorf("token %q: expected 4001 unauthorized, got %d %q", token, code, reason)
		}
	}
}

func TestServer_ConnectedCarriesUserID(t *testing.T) {
	ts := startServer(t, nil)

	c := dial(t, ts.addr, ts.token(t, "U1"))
	m := c.expect(t, protocol.TypeConnected)
	if m["userId"] != "U1" {
		t.Errorf("expected userId U1, got %v", m["userId"])
	}
}

// ---------------------------------------------------------------------------
// Test: Room traffic end to end
// ---------------------------------------------------------------------------

func TestServer_ChatReachesRoomMembers(t *testing.T) {
	ts := startServer(t, nil)

	u1 := dial(t, ts.addr, ts.token(t, "U1"))
	u1.expect(t, protocol.TypeConnected)
	u2 := dial(t, ts.addr, ts.token(t, "U2"))
	u2.expect(t, protocol.TypeConnected)

	u1.send(t, `{"type":"join_room","roomId":"7"}`)
	u1.expect(t, protocol.TypeJoined)
	u2.send(t, `{"type":"join_room","roomId":7}`)
	u2.expect(t, protocol.TypeJoined)

	u1.send(t, `{"type":"chat","roomId":"7","message":"hi"}`)

	got := u2.expect(t, protocol.TypeChat)
	if got["roomId"] != "7" || got["message"] != "hi" || got["userId"] != "U1" {
		t.Errorf("unexpected chat frame: %v", got)
	}
	if _, ok := got["timestamp"].(float64); !ok {
		t.Errorf("expected numeric timestamp, got %v", got["timestamp"])
	}

	echo := u1.expect(t, protocol.TypeChat)
	if echo["messageId"] != got["messageId"] {
		t.Errorf("sender echo and member copy differ: %v vs %v", echo["messageId"], got["messageId"])
	}
}

func TestServer_NotInRoomIsRejected(t *testing.T) {
	ts := startServer(t, nil)

	c := dial(t, ts.addr, ts.token(t, "U1"))
	c.expect(t, protocol.TypeConnected)

	c.send(t, `{"type":"chat","roomId":"9","message":"hi"}`)
	m := c.expect(t, protocol.TypeError)
	if m["code"] != protocol.CodeNotInRoom {
		t.Errorf("expected not_in_room, got %v", m["code"])
	}
}

// ---------------------------------------------------------------------------
// Test: Dispatcher error frames
// ---------------------------------------------------------------------------

func TestServer_ParseAndUnsupportedErrors(t *testing.T) {
	ts := startServer(t, nil)

	c := dial(t, ts.addr, ts.token(t, "U1"))
	c.expect(t, protocol.TypeConnected)

	cases := []struct {
		frame string
		code  string
	}{
		{`{not json`, protocol.CodeParseError},
		{`{"roomId":"1"}`, protocol.CodeParseError},
		{`{"type":"join_room","roomId":{"x":1}}`, protocol.CodeParseError},
		{`{"type":"find_match"}`, protocol.CodeUnsupportedType},
		{`{"type":"typing_update","roomId":"1"}`, protocol.CodeUnsupportedType},
	}

	for _, tc := range cases {
		c.send(t, tc.frame)
		m := c.expect(t, protocol.TypeError)
		if m["code"] != tc.code {
			t.Errorf("frame %s: expected code %q, got %v", tc.frame, tc.code, m["code"])
		}
	}

	// The connection survives every error.
	c.send(t, `{"type":"ping"}`)
	c.expect(t, protocol.TypePong)
}

func TestServer_ChatRateLimited(t *testing.T) {
	limiter := newQuotaLimiter(map[string]int{ratelimit.RuleChat.Key: 1})
	ts := startServer(t, limiter)

	c := dial(t, ts.addr, ts.token(t, "U1"))
	c.expect(t, protocol.TypeConnected)
	c.send(t, `{"type":"join_room","roomId":"r"}`)
	c.expect(t, protocol.TypeJoined)

	c.send(t, `{"type":"chat","roomId":"r","message":"one"}`)
	c.expect(t, protocol.TypeChat)

	c.send(t, `{"type":"chat","roomId":"r","message":"two"}`)
	m := c.expect(t, protocol.TypeError)
	if m["code"] != protocol.CodeRateLimited || m["roomId"] != "r" {
		t.Errorf("expected rate_limited for room r, got %v", m)
	}

	// Typing is not rate limited.
	c.send(t, `{"type":"typing","roomId":"r","isTyping":true}`)
	c.expect(t, protocol.TypeTypingUpdate)
}

func TestServer_NotInRoomIsNotRateLimited(t *testing.T) {
	limiter := newQuotaLimiter(map[string]int{ratelimit.RuleChat.Key: 1})
	ts := startServer(t, limiter)

	c := dial(t, ts.addr, ts.token(t, "U1"))
	c.expect(t, protocol.TypeConnected)

	for i := 0; i < 3; i++ {
		c.send(t, `{"type":"chat","roomId":"r","message":"hi"}`)
		m := c.expect(t, protocol.TypeError)
		if m["code"] != protocol.CodeNotInRoom {
			t.Fatalf("frame %d: expected not_in_room, got %v", i, m["code"])
		}
	}
	if n := limiter.calls(ratelimit.RuleChat.Key, "U1"); n != 0 {
		t.Errorf("expected no rate limit checks for a room never joined, got %d", n)
	}

	c.send(t, `{"type":"join_room","roomId":"r"}`)
	c.expect(t, protocol.TypeJoined)
	c.send(t, `{"type":"chat","roomId":"r","message":"hi"}`)
	c.expect(t, protocol.TypeChat)
}

func TestServer_UpgradeRateLimited(t *testing.T) {
	limiter := newQuotaLimiter(map[string]int{ratelimit.RuleConnect.Key: 1})
	ts := startServer(t, limiter)

	c := dial(t, ts.addr, ts.token(t, "U1"))
	c.expect(t, protocol.TypeConnected)

	_, _, _, err := ws.Dial(context.Background(), "ws://"+ts.addr+"/ws?token="+ts.token(t, "U2"))
	if err == nil {
		t.Fatal("expected the second upgrade from the same address to be refused")
	}
}

// ---------------------------------------------------------------------------
// Test: Connection lifecycle
// ---------------------------------------------------------------------------

func TestServer_DuplicateUserEvictsOldSocket(t *testing.T) {
	ts := startServer(t, nil)

	first := dial(t, ts.addr, ts.token(t, "U1"))
	first.expect(t, protocol.TypeConnected)
	second := dial(t, ts.addr, ts.token(t, "U1"))
	second.expect(t, protocol.TypeConnected)

	_ = first.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := wsutil.ReadServerText(struct {
		io.Reader
		io.Writer
	}{first.r, first.conn}); err == nil {
		t.Fatal("expected the evicted socket to be closed")
	}

	deadline := time.Now().Add(2 * time.Second)
	for ts.srv.Connections().Count() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("expected 1 connection, got %d", ts.srv.Connections().Count())
		}
		time.Sleep(10 * time.Millisecond)
	}

	second.send(t, `{"type":"ping"}`)
	second.expect(t, protocol.TypePong)
}

func TestServer_CloseLeavesRooms(t *testing.T) {
	ts := startServer(t, nil)

	c := dial(t, ts.addr, ts.token(t, "U1"))
	c.expect(t, protocol.TypeConnected)
	c.send(t, `{"type":"join_room","roomId":"a"}`)
	c.expect(t, protocol.TypeJoined)

	if err := ws.WriteFrame(c.conn, ws.MaskFrame(ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusNormalClosure, "")))); err != nil {
		t.Fatalf("write close: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for ts.srv.hub.Rooms().Refcount("a") != 0 || ts.srv.Connections().Count() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("expected room a released, refcount=%d conns=%d",
				ts.srv.hub.Rooms().Refcount("a"), ts.srv.Connections().Count())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestServer_Health(t *testing.T) {
	ts := startServer(t, nil)

	c := dial(t, ts.addr, ts.token(t, "U1"))
	c.expect(t, protocol.TypeConnected)
	c.send(t, `{"type":"join_room","roomId":"h"}`)
	c.expect(t, protocol.TypeJoined)

	resp, err := http.Get("http://" + ts.addr + "/health")
	if err != nil {
		t.Fatalf("get /health: %v", err)
	}
	defer resp.Body.Close()

	var body struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Rooms       int    `json:"rooms"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ok" || body.Connections != 1 || body.Rooms != 1 {
		t.Errorf("unexpected health: %+v", body)
	}
}

func TestServer_MetricsEndpoint(t *testing.T) {
	ts := startServer(t, nil)

	resp, err := http.Get("http://" + ts.addr + "/metrics")
	if err != nil {
		t.Fatalf("get /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "parley_connections_total") {
		t.Error("expected parley_connections_total in /metrics output")
	}
}

func TestRemoteIP(t *testing.T) {
	r, _ := http.NewRequest(http.MethodGet, "/ws", nil)
	r.RemoteAddr = "10.0.0.5:51000"
	if got := remoteIP(r); got != "10.0.0.5" {
		t.Errorf("expected 10.0.0.5, got %q", got)
	}
	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	if got := remoteIP(r); got != "203.0.113.9" {
		t.Errorf("expected 203.0.113.9, got %q", got)
	}
}
