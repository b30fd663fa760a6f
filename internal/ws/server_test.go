package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/session-timer/backend/internal/cache"
	"github.com/session-timer/backend/internal/clock"
	"github.com/session-timer/backend/internal/durable"
	"github.com/session-timer/backend/internal/engine"
	"github.com/session-timer/backend/internal/health"
	"github.com/session-timer/backend/internal/history"
	"github.com/session-timer/backend/internal/session"
)

func TestSecurityHeaders(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	securityHeaders(inner).ServeHTTP(rec, req)

	want := map[string]string{
		"X-Content-Type-Options":  "nosniff",
		"X-Frame-Options":         "DENY",
		"X-XSS-Protection":        "1; mode=block",
		"Content-Security-Policy": "default-src 'self'",
	}

	for header, expected := range want {
		if got := rec.Header().Get(header); got != expected {
			t.Errorf("header %s = %q, want %q", header, got, expected)
		}
	}
}

func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		host    string
		want    bool
	}{
		{"NoOrigin", nil, "", "example.com", true},
		{"SameHost", nil, "http://example.com", "example.com", true},
		{"Localhost", nil, "http://localhost:5173", "example.com", true},
		{"Loopback", nil, "http://127.0.0.1:3000", "example.com", true},
		{"IPv6Loopback", nil, "http://[::1]:3000", "example.com", true},
		{"Foreign", nil, "http://evil.test", "example.com", false},
		{"Garbage", nil, "::::", "example.com", false},
		{"AllowListed", []string{"https://app.test"}, "https://app.test", "api.test", true},
		{"AllowListedHost", []string{"https://app.test"}, "http://app.test", "api.test", true},
		{"NotAllowListed", []string{"https://app.test"}, "http://localhost:3000", "api.test", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer(nil, nil, WithAllowedOrigins(tt.allowed))
			req := httptest.NewRequest(http.MethodGet, "/ws", nil)
			req.Host = tt.host
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			if got := s.checkOrigin(req); got != tt.want {
				t.Errorf("checkOrigin(%q) = %v, want %v", tt.origin, got, tt.want)
			}
		})
	}
}

func TestDecodeCommand(t *testing.T) {
	tests := []struct {
		name     string
		data     string
		wantType engine.EventType
		wantUser string
		wantErr  bool
	}{
		{"Start", `{"type":"SESSION_START","payload":{"userId":"u1"}}`, engine.EventStart, "u1", false},
		{"NoPayload", `{"type":"SESSION_SYNC"}`, engine.EventSync, "", false},
		{"NullPayload", `{"type":"SESSION_STOP","payload":null}`, engine.EventStop, "", false},
		{"NoType", `{"payload":{"userId":"u1"}}`, "", "", true},
		{"BadPayload", `{"type":"SESSION_START","payload":"u1"}`, "", "", true},
		{"NotJSON", `hello`, "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			typ, user, err := decodeCommand([]byte(tt.data))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if typ != tt.wantType || user != tt.wantUser {
				t.Errorf("got (%q, %q), want (%q, %q)", typ, user, tt.wantType, tt.wantUser)
			}
		})
	}
}

type stubHistory struct {
	got string
}

func (h *stubHistory) List(_ context.Context, userID string) history.Response {
	h.got = userID
	return history.Response{
		UserID:   userID,
		Sessions: []durable.Record{{ID: 7, UserID: userID, Duration: 42}},
		Cached:   true,
	}
}

func TestHandleSessions(t *testing.T) {
	hist := &stubHistory{}
	srv := httptest.NewServer(NewServer(nil, NewBroadcaster(0, nil), WithHistory(hist)).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/sessions?userId=u1")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if got := resp.Header.Get("X-Frame-Options"); got != "DENY" {
		t.Errorf("missing security headers")
	}
	var body history.Response
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if hist.got != "u1" || len(body.Sessions) != 1 || body.Sessions[0].Duration != 42 || !body.Cached {
		t.Errorf("body = %+v", body)
	}

	missing, err := http.Get(srv.URL + "/sessions")
	if err != nil {
		t.Fatal(err)
	}
	missing.Body.Close()
	if missing.StatusCode != http.StatusBadRequest {
		t.Errorf("missing userId: status = %d, want 400", missing.StatusCode)
	}

	post, err := http.Post(srv.URL+"/sessions?userId=u1", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	post.Body.Close()
	if post.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("POST: status = %d, want 405", post.StatusCode)
	}
}

func TestHandleSessions_NoHistory(t *testing.T) {
	srv := httptest.NewServer(NewServer(nil, NewBroadcaster(0, nil)).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/sessions?userId=u1")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body history.Response
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK || body.Sessions == nil || body.Message == "" {
		t.Errorf("status = %d, body = %+v", resp.StatusCode, body)
	}
}

func TestHandleHealth(t *testing.T) {
	tracker := health.NewTracker(nil, nil, 0)
	tracker.Dependency("cache").RecordSuccess()
	stats := func() Stats { return Stats{ActiveTimers: 2, Connections: 3, Users: 1} }

	srv := httptest.NewServer(NewServer(nil, NewBroadcaster(0, nil), WithHealth(tracker, stats)).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != string(health.StatusHealthy) {
		t.Errorf("status = %v", body["status"])
	}
	if body["activeTimers"] != float64(2) || body["connections"] != float64(3) {
		t.Errorf("stats missing from body: %v", body)
	}
	if _, ok := body["dependencies"]; !ok {
		t.Errorf("dependencies missing from body: %v", body)
	}
}

type frame struct {
	Type    engine.EventType `json:"type"`
	Payload json.RawMessage  `json:"payload"`
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f frame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("read: %v", err)
	}
	return f
}

func expectFrame(t *testing.T, conn *websocket.Conn, want engine.EventType) frame {
	t.Helper()
	f := readFrame(t, conn)
	if f.Type != want {
		t.Fatalf("got %s (%s), want %s", f.Type, f.Payload, want)
	}
	return f
}

func send(t *testing.T, conn *websocket.Conn, typ engine.EventType, userID string) {
	t.Helper()
	msg := map[string]any{"type": typ, "payload": map[string]string{"userId": userID}}
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func newTestServer(t *testing.T, maxConns int) (*httptest.Server, *engine.Engine, *Broadcaster) {
	t.Helper()
	kv := cache.NewMemory(clock.System{})
	b := NewBroadcaster(maxConns, nil)
	eng := engine.New(session.NewStore(kv, nil, 0), session.NewLocker(kv, nil, 0), b,
		engine.WithOptions(engine.Options{TickInterval: time.Hour}))
	srv := httptest.NewServer(NewServer(eng, b).Handler())
	t.Cleanup(func() {
		srv.Close()
		eng.Shutdown()
		b.CloseAll()
	})
	return srv, eng, b
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", u, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestWebSocket_SessionFlow(t *testing.T) {
	srv, eng, _ := newTestServer(t, 0)

	c1 := dial(t, srv, "?userId=u1")
	idle := expectFrame(t, c1, engine.EventState)
	if !strings.Contains(string(idle.Payload), `"status":"idle"`) {
		t.Errorf("initial state = %s, want idle", idle.Payload)
	}

	send(t, c1, engine.EventStart, "u1")
	started := expectFrame(t, c1, engine.EventStarted)
	if !strings.Contains(string(started.Payload), `"userId":"u1"`) {
		t.Errorf("started payload = %s", started.Payload)
	}

	c2 := dial(t, srv, "?userId=u1")
	expectFrame(t, c2, engine.EventSyncResponse)
	state := expectFrame(t, c2, engine.EventState)
	if !strings.Contains(string(state.Payload), `"status":"active"`) {
		t.Errorf("state on second connection = %s", state.Payload)
	}

	send(t, c2, engine.EventPause, "u1")
	expectFrame(t, c1, engine.EventPaused)
	expectFrame(t, c2, engine.EventPaused)

	send(t, c1, engine.EventStop, "u1")
	stopped := expectFrame(t, c1, engine.EventStopped)
	if !strings.Contains(string(stopped.Payload), "totalElapsedTime") {
		t.Errorf("stopped payload = %s", stopped.Payload)
	}
	expectFrame(t, c2, engine.EventStopped)

	if eng.Scheduler().Running("u1") {
		t.Error("timer should be stopped after SESSION_STOP")
	}
}

func TestWebSocket_ErrorsGoToSender(t *testing.T) {
	srv, _, _ := newTestServer(t, 0)

	c1 := dial(t, srv, "")
	send(t, c1, engine.EventPause, "u1")
	f := expectFrame(t, c1, engine.EventError)

	var p engine.ErrorPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		t.Fatal(err)
	}
	if p.Code != engine.CodeUnauthorized {
		t.Errorf("code = %s, want %s", p.Code, engine.CodeUnauthorized)
	}

	// Malformed frames and unknown types are reported and the connection
	// stays usable.
	for _, frame := range []string{"not json", `{"type":"SESSION_DANCE","payload":{"userId":"u1"}}`} {
		if err := c1.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
			t.Fatal(err)
		}
		f = expectFrame(t, c1, engine.EventError)
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			t.Fatal(err)
		}
		if p.Code != engine.CodeInvalidMessage {
			t.Errorf("%s: code = %s, want %s", frame, p.Code, engine.CodeInvalidMessage)
		}
	}
	send(t, c1, engine.EventSync, "u1")
	f = expectFrame(t, c1, engine.EventError)
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		t.Fatal(err)
	}
	if p.Code != engine.CodeNotFound {
		t.Errorf("code = %s, want %s", p.Code, engine.CodeNotFound)
	}
}

func TestWebSocket_DisconnectUnbinds(t *testing.T) {
	srv, eng, b := newTestServer(t, 0)

	c1 := dial(t, srv, "?userId=u1")
	expectFrame(t, c1, engine.EventState)
	c1.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if eng.Registry().ConnectionCount() == 0 && b.ClientCount() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("connection not cleaned up: registry=%d clients=%d",
		eng.Registry().ConnectionCount(), b.ClientCount())
}

func TestWebSocket_ConnectionLimit(t *testing.T) {
	srv, _, _ := newTestServer(t, 1)

	c1 := dial(t, srv, "?userId=u1")
	expectFrame(t, c1, engine.EventState)

	c2 := dial(t, srv, "?userId=u2")
	c2.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := c2.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseTryAgainLater) {
		t.Errorf("expected close 1013, got %v", err)
	}
}
