package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tandemlabs/tandem/internal/coordinator"
	"github.com/tandemlabs/tandem/internal/events"
	"github.com/tandemlabs/tandem/internal/session"
)

// stubCommander records commands issued through the web layer.
type stubCommander struct {
	mu       sync.Mutex
	sent     []string
	sessions int
}

func (s *stubCommander) SendMessage(ctx context.Context, sessionID, content string, opts coordinator.SendOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, content)
	return nil
}

func (s *stubCommander) Abort(ctx context.Context, sessionID string) error { return nil }

func (s *stubCommander) NewSession(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions++
	return fmt.Sprintf("sess-%d", s.sessions), nil
}

func (s *stubCommander) LoadSession(ctx context.Context, sessionID string) error   { return nil }
func (s *stubCommander) DeleteSession(ctx context.Context, sessionID string) error { return nil }

func (s *stubCommander) ListSessions(ctx context.Context) ([]session.Summary, error) {
	return nil, nil
}

func (s *stubCommander) ResolvePermission(ctx context.Context, requestID string, approved bool) error {
	return nil
}

func (s *stubCommander) ResolveQuestions(ctx context.Context, requestID string, answers []string) error {
	return nil
}

func (s *stubCommander) GetSessionSnapshot(ctx context.Context, sessionID string) (events.HistoryUpdate, error) {
	return events.HistoryUpdate{SessionID: sessionID}, nil
}

func (s *stubCommander) sentMessages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.sent))
	copy(out, s.sent)
	return out
}

func startTestServer(t *testing.T) (*Server, *stubCommander) {
	t.Helper()

	cmd := &stubCommander{}
	coord := coordinator.New(coordinator.Config{Commander: cmd})

	srv := NewServer(coord, Config{Port: 0})
	coord.SetView(srv.Hub())

	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})
	return srv, cmd
}

func dialWS(t *testing.T, srv *Server, header http.Header) *websocket.Conn {
	t.Helper()
	url := fmt.Sprintf("ws://127.0.0.1:%d/ws", srv.Port())
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntil reads frames until one of the wanted type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, msgType string) WSMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %q: %v", msgType, err)
		}
		msg, err := ParseMessage(raw)
		if err != nil {
			t.Fatalf("malformed frame: %v", err)
		}
		if msg.Type == msgType {
			return msg
		}
	}
}

func sendWS(t *testing.T, conn *websocket.Conn, msgType string, data interface{}) {
	t.Helper()
	payload := map[string]interface{}{"type": msgType}
	if data != nil {
		payload["data"] = data
	}
	if err := conn.WriteJSON(payload); err != nil {
		t.Fatalf("write %q: %v", msgType, err)
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := startTestServer(t)

	resp, err := http.Get(srv.URL() + "/api/health")
	if err != nil {
		t.Fatalf("GET /api/health: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status field = %q", body["status"])
	}
}

func TestServesEmbeddedFrontend(t *testing.T) {
	srv, _ := startTestServer(t)

	resp, err := http.Get(srv.URL() + "/")
	if err != nil {
		t.Fatalf("GET /: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(body), "<title>Tandem</title>") {
		t.Error("index.html not served at /")
	}
}

func TestSessionsEndpoint(t *testing.T) {
	srv, _ := startTestServer(t)

	resp, err := http.Get(srv.URL() + "/api/sessions")
	if err != nil {
		t.Fatalf("GET /api/sessions: %v", err)
	}
	defer resp.Body.Close()

	var body struct {
		Sessions []session.Summary `json:"sessions"`
		Active   string            `json:"active"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Active != "" {
		t.Errorf("active = %q before any session exists", body.Active)
	}
}

func TestWebSocketInitialState(t *testing.T) {
	srv, _ := startTestServer(t)
	conn := dialWS(t, srv, nil)

	connected := readUntil(t, conn, WSMsgTypeConnected)
	var data struct {
		ClientID      string `json:"client_id"`
		ActiveSession string `json:"active_session"`
	}
	if err := json.Unmarshal(connected.Data, &data); err != nil {
		t.Fatalf("decode connected: %v", err)
	}
	if data.ClientID == "" {
		t.Error("connected frame missing client id")
	}
	if data.ActiveSession != "" {
		t.Errorf("active session = %q on a fresh server", data.ActiveSession)
	}

	readUntil(t, conn, WSMsgTypeSessions)
}

func TestWebSocketNewSessionBroadcastsActive(t *testing.T) {
	srv, _ := startTestServer(t)
	conn := dialWS(t, srv, nil)
	readUntil(t, conn, WSMsgTypeSessions)

	sendWS(t, conn, WSMsgTypeNewSession, nil)

	active := readUntil(t, conn, WSMsgTypeActiveSession)
	var data struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(active.Data, &data); err != nil {
		t.Fatalf("decode active_session: %v", err)
	}
	if data.SessionID != "sess-1" {
		t.Errorf("active session = %q, want sess-1", data.SessionID)
	}
}

func TestWebSocketSendReachesCommander(t *testing.T) {
	srv, cmd := startTestServer(t)
	conn := dialWS(t, srv, nil)
	readUntil(t, conn, WSMsgTypeSessions)

	sendWS(t, conn, WSMsgTypeSend, map[string]string{"message": "hello there"})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		sent := cmd.sentMessages()
		if len(sent) == 1 && sent[0] == "hello there" {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("commander never received the message; sent = %v", cmd.sentMessages())
}

func TestWebSocketRejectsCrossOrigin(t *testing.T) {
	srv, _ := startTestServer(t)

	url := fmt.Sprintf("ws://127.0.0.1:%d/ws", srv.Port())
	header := http.Header{"Origin": []string{"http://evil.example.com"}}
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err == nil {
		conn.Close()
		t.Fatal("cross-origin handshake accepted")
	}
	if resp != nil {
		resp.Body.Close()
	}
}

func TestWebSocketMalformedMessageKeepsConnection(t *testing.T) {
	srv, cmd := startTestServer(t)
	conn := dialWS(t, srv, nil)
	readUntil(t, conn, WSMsgTypeSessions)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write: %v", err)
	}

	// The connection survives and keeps routing actions.
	sendWS(t, conn, WSMsgTypeSend, map[string]string{"message": "still alive"})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(cmd.sentMessages()) == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("message after malformed frame never arrived")
}
