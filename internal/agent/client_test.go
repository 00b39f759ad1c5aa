package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tandemlabs/tandem/internal/coordinator"
	"github.com/tandemlabs/tandem/internal/events"
)

// fakeRuntime is a WebSocket server that answers commands with canned logic
// and can push events on the same connection.
type fakeRuntime struct {
	t      *testing.T
	srv    *httptest.Server
	handle func(cmd commandEnvelope) replyEnvelope

	mu   sync.Mutex
	conn *websocket.Conn
}

func newFakeRuntime(t *testing.T, handle func(cmd commandEnvelope) replyEnvelope) *fakeRuntime {
	t.Helper()
	fr := &fakeRuntime{t: t, handle: handle}
	upgrader := websocket.Upgrader{}

	fr.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fr.mu.Lock()
		fr.conn = conn
		fr.mu.Unlock()

		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var cmd commandEnvelope
			if err := json.Unmarshal(raw, &cmd); err != nil {
				continue
			}
			if fr.handle == nil {
				continue
			}
			reply := fr.handle(cmd)
			reply.ID = cmd.ID
			out, _ := json.Marshal(reply)
			fr.mu.Lock()
			conn.WriteMessage(websocket.TextMessage, out)
			fr.mu.Unlock()
		}
	}))
	t.Cleanup(fr.srv.Close)
	return fr
}

func (fr *fakeRuntime) wsURL() string {
	return "ws" + strings.TrimPrefix(fr.srv.URL, "http")
}

// push sends an unsolicited event frame to the connected client.
func (fr *fakeRuntime) push(t *testing.T, env events.Envelope) {
	t.Helper()
	fr.mu.Lock()
	defer fr.mu.Unlock()
	if fr.conn == nil {
		t.Fatal("no client connected")
	}
	out, _ := json.Marshal(env)
	if err := fr.conn.WriteMessage(websocket.TextMessage, out); err != nil {
		t.Fatalf("push: %v", err)
	}
}

func startClient(t *testing.T, fr *fakeRuntime, bus *events.Bus) *Client {
	t.Helper()
	c := NewClient(ClientConfig{
		URL:         fr.wsURL(),
		Bus:         bus,
		CallTimeout: 2 * time.Second,
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go c.Run(ctx)
	t.Cleanup(func() { c.Close() })

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		connected := c.conn != nil
		c.mu.Unlock()
		if connected {
			return c
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("client never connected")
	return nil
}

func TestClientCommandRoundTrip(t *testing.T) {
	var gotCmd commandEnvelope
	var mu sync.Mutex
	fr := newFakeRuntime(t, func(cmd commandEnvelope) replyEnvelope {
		mu.Lock()
		gotCmd = cmd
		mu.Unlock()
		return replyEnvelope{Type: "result"}
	})
	c := startClient(t, fr, nil)

	err := c.SendMessage(context.Background(), "s1", "hello", coordinator.SendOptions{})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if gotCmd.Type != cmdSendMessage {
		t.Errorf("command type = %q, want %q", gotCmd.Type, cmdSendMessage)
	}
	if gotCmd.ID == "" {
		t.Error("command id missing")
	}
	var payload struct {
		SessionID string `json:"sessionId"`
		Content   string `json:"content"`
	}
	if err := json.Unmarshal(gotCmd.Data, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload.SessionID != "s1" || payload.Content != "hello" {
		t.Errorf("payload = %+v", payload)
	}
}

func TestClientCommandError(t *testing.T) {
	fr := newFakeRuntime(t, func(cmd commandEnvelope) replyEnvelope {
		return replyEnvelope{Error: "session not found"}
	})
	c := startClient(t, fr, nil)

	err := c.Abort(context.Background(), "ghost")
	if err == nil || !strings.Contains(err.Error(), "session not found") {
		t.Fatalf("err = %v, want runtime error text", err)
	}
}

func TestClientNewSessionDecodesID(t *testing.T) {
	fr := newFakeRuntime(t, func(cmd commandEnvelope) replyEnvelope {
		if cmd.Type != cmdNewSession {
			return replyEnvelope{Error: "unexpected command"}
		}
		return replyEnvelope{Data: json.RawMessage(`{"sessionId":"sess-42"}`)}
	})
	c := startClient(t, fr, nil)

	id, err := c.NewSession(context.Background())
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if id != "sess-42" {
		t.Errorf("id = %q, want sess-42", id)
	}
}

func TestClientSnapshotDecodes(t *testing.T) {
	fr := newFakeRuntime(t, func(cmd commandEnvelope) replyEnvelope {
		return replyEnvelope{Data: json.RawMessage(
			`{"version":7,"transcript":[{"role":"user","content":"hi"}]}`)}
	})
	c := startClient(t, fr, nil)

	hist, err := c.GetSessionSnapshot(context.Background(), "s1")
	if err != nil {
		t.Fatalf("GetSessionSnapshot: %v", err)
	}
	if hist.SessionID != "s1" {
		t.Errorf("session id not backfilled: %q", hist.SessionID)
	}
	if hist.Version != 7 || len(hist.Transcript) != 1 {
		t.Errorf("snapshot = %+v", hist)
	}
}

func TestClientPublishesPushEvents(t *testing.T) {
	fr := newFakeRuntime(t, nil)
	bus := events.NewBus()

	var mu sync.Mutex
	var got []events.Event
	set := bus.Acquire()
	defer set.Release()
	set.On(events.TypeStreamToken, func(ev events.Event) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})

	startClient(t, fr, bus)
	fr.push(t, events.Envelope{
		Type: events.TypeStreamToken,
		Data: json.RawMessage(`{"sessionId":"s1","channel":"response","delta":"hi"}`),
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n == 1 {
			tok := got[0].(events.StreamToken)
			if tok.Delta != "hi" || tok.SessionID != "s1" {
				t.Errorf("event = %+v", tok)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("push event never published")
}

func TestClientNotConnected(t *testing.T) {
	c := NewClient(ClientConfig{URL: "ws://127.0.0.1:1/ws"})

	err := c.Abort(context.Background(), "s1")
	if err != ErrNotConnected {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
}

func TestClientClosedRejectsCommands(t *testing.T) {
	fr := newFakeRuntime(t, nil)
	c := startClient(t, fr, nil)

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.Abort(context.Background(), "s1"); err != ErrClientClosed {
		t.Fatalf("err = %v, want ErrClientClosed", err)
	}
	// Close twice is fine.
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
