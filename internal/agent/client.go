package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tandemlabs/tandem/internal/coordinator"
	"github.com/tandemlabs/tandem/internal/events"
	"github.com/tandemlabs/tandem/internal/logging"
	"github.com/tandemlabs/tandem/internal/session"
)

// Command types sent to the runtime. Each command is answered with a reply
// envelope carrying the same id.
const (
	cmdSendMessage      = "send-message"
	cmdAbort            = "abort"
	cmdNewSession       = "new-session"
	cmdLoadSession      = "load-session"
	cmdDeleteSession    = "delete-session"
	cmdListSessions     = "list-sessions"
	cmdResolvePerm      = "resolve-permission"
	cmdResolveQuestions = "resolve-questions"
	cmdGetSnapshot      = "get-session-snapshot"
)

const (
	defaultCallTimeout    = 30 * time.Second
	defaultInitialBackoff = 250 * time.Millisecond
	defaultMaxBackoff     = 15 * time.Second

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var (
	// ErrClientClosed is returned by commands after Close.
	ErrClientClosed = errors.New("agent client closed")
	// ErrNotConnected is returned when no connection to the runtime is up.
	ErrNotConnected = errors.New("not connected to agent runtime")
)

// commandEnvelope is the wire form of an outbound command.
type commandEnvelope struct {
	ID   string          `json:"id"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// replyEnvelope is the wire form of a command reply. Frames without an id are
// push events, decoded by the events package instead.
type replyEnvelope struct {
	ID    string          `json:"id,omitempty"`
	Type  events.Type     `json:"type"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// ClientConfig configures a runtime client.
type ClientConfig struct {
	// URL is the runtime's WebSocket endpoint, e.g. "ws://127.0.0.1:9301/ws".
	URL string
	// Bus receives the runtime's push events.
	Bus *events.Bus
	// CallTimeout bounds each command round trip. Zero means 30s.
	CallTimeout time.Duration
	// Logger defaults to the agent component logger.
	Logger *slog.Logger
}

// Client speaks the JSON command protocol with the agent runtime over a
// WebSocket connection. Commands are correlated request/reply pairs; push
// events arriving on the same connection are published to the event bus.
// The client reconnects with exponential backoff when the connection drops.
// It implements coordinator.Commander.
type Client struct {
	url         string
	bus         *events.Bus
	logger      *slog.Logger
	callTimeout time.Duration

	writeMu sync.Mutex // serializes frames on the active connection

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan replyEnvelope
	closed  bool
	closeCh chan struct{}
}

var _ coordinator.Commander = (*Client)(nil)

// NewClient creates a runtime client. Call Run to start the connection loop.
func NewClient(cfg ClientConfig) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Agent()
	}
	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	return &Client{
		url:         cfg.URL,
		bus:         cfg.Bus,
		logger:      logger,
		callTimeout: timeout,
		pending:     make(map[string]chan replyEnvelope),
		closeCh:     make(chan struct{}),
	}
}

// Run maintains the connection to the runtime until ctx is cancelled or
// Close is called. It blocks; run it in a goroutine.
func (c *Client) Run(ctx context.Context) {
	backoff := defaultInitialBackoff
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closeCh:
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
		if err != nil {
			c.logger.Warn("failed to connect to agent runtime",
				"url", c.url, "error", err, "retry_in", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			case <-c.closeCh:
				return
			}
			if backoff *= 2; backoff > defaultMaxBackoff {
				backoff = defaultMaxBackoff
			}
			continue
		}

		c.logger.Info("connected to agent runtime", "url", c.url)
		backoff = defaultInitialBackoff

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			conn.Close()
			return
		}
		c.conn = conn
		c.mu.Unlock()

		c.readLoop(ctx, conn)

		c.mu.Lock()
		c.conn = nil
		c.failPendingLocked(ErrNotConnected)
		c.mu.Unlock()
		conn.Close()
	}
}

// Close tears down the connection and fails all in-flight commands.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.closeCh)
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.failPendingLocked(ErrClientClosed)
	return nil
}

// readLoop consumes frames until the connection fails. Reply frames complete
// pending commands; everything else is decoded as a push event.
func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	pingDone := make(chan struct{})
	defer close(pingDone)
	go c.pingLoop(conn, pingDone)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && !c.isClosed() {
				c.logger.Warn("agent runtime connection lost", "error", err)
			}
			return
		}

		var reply replyEnvelope
		if err := json.Unmarshal(raw, &reply); err != nil {
			c.logger.Warn("discarding malformed runtime frame", "error", err)
			continue
		}

		if reply.ID != "" {
			c.completePending(reply)
			continue
		}

		ev, err := events.DecodeEnvelope(events.Envelope{Type: reply.Type, Data: reply.Data})
		if err != nil {
			c.logger.Warn("discarding undecodable runtime event",
				"type", reply.Type, "error", err)
			continue
		}
		if c.bus != nil {
			c.bus.Publish(ev)
		}
	}
}

func (c *Client) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) completePending(reply replyEnvelope) {
	c.mu.Lock()
	ch, ok := c.pending[reply.ID]
	if ok {
		delete(c.pending, reply.ID)
	}
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("reply for unknown command id", "id", reply.ID)
		return
	}
	ch <- reply
}

// failPendingLocked fails every in-flight command. Caller holds c.mu.
func (c *Client) failPendingLocked(err error) {
	for id, ch := range c.pending {
		delete(c.pending, id)
		ch <- replyEnvelope{ID: id, Error: err.Error()}
	}
}

// call sends one command and waits for its reply.
func (c *Client) call(ctx context.Context, cmdType string, payload any) (json.RawMessage, error) {
	var data json.RawMessage
	if payload != nil {
		var err error
		if data, err = json.Marshal(payload); err != nil {
			return nil, fmt.Errorf("failed to encode %s command: %w", cmdType, err)
		}
	}

	id := uuid.NewString()
	frame, err := json.Marshal(commandEnvelope{ID: id, Type: cmdType, Data: data})
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s envelope: %w", cmdType, err)
	}

	ch := make(chan replyEnvelope, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	c.pending[id] = ch
	c.mu.Unlock()

	c.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	err = conn.WriteMessage(websocket.TextMessage, frame)
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, fmt.Errorf("failed to send %s command: %w", cmdType, err)
	}

	timer := time.NewTimer(c.callTimeout)
	defer timer.Stop()
	select {
	case reply := <-ch:
		if reply.Error != "" {
			return nil, fmt.Errorf("%s command failed: %s", cmdType, reply.Error)
		}
		return reply.Data, nil
	case <-timer.C:
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, fmt.Errorf("%s command timed out after %s", cmdType, c.callTimeout)
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

// --- coordinator.Commander ---

// SendMessage submits a user message for a session.
func (c *Client) SendMessage(ctx context.Context, sessionID, content string, opts coordinator.SendOptions) error {
	_, err := c.call(ctx, cmdSendMessage, struct {
		SessionID  string   `json:"sessionId"`
		Content    string   `json:"content"`
		ImageIDs   []string `json:"imageIds,omitempty"`
		Contextual bool     `json:"contextual,omitempty"`
	}{sessionID, content, opts.ImageIDs, opts.Contextual})
	return err
}

// Abort cancels the session's in-flight turn.
func (c *Client) Abort(ctx context.Context, sessionID string) error {
	_, err := c.call(ctx, cmdAbort, struct {
		SessionID string `json:"sessionId"`
	}{sessionID})
	return err
}

// NewSession creates a session on the runtime and returns its id.
func (c *Client) NewSession(ctx context.Context) (string, error) {
	data, err := c.call(ctx, cmdNewSession, nil)
	if err != nil {
		return "", err
	}
	var resp struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", fmt.Errorf("failed to decode new-session reply: %w", err)
	}
	if resp.SessionID == "" {
		return "", fmt.Errorf("runtime returned empty session id")
	}
	return resp.SessionID, nil
}

// LoadSession tells the runtime the given session is now in view.
func (c *Client) LoadSession(ctx context.Context, sessionID string) error {
	_, err := c.call(ctx, cmdLoadSession, struct {
		SessionID string `json:"sessionId"`
	}{sessionID})
	return err
}

// DeleteSession destroys a session on the runtime.
func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	_, err := c.call(ctx, cmdDeleteSession, struct {
		SessionID string `json:"sessionId"`
	}{sessionID})
	return err
}

// ListSessions returns summaries for all sessions the runtime knows.
func (c *Client) ListSessions(ctx context.Context) ([]session.Summary, error) {
	data, err := c.call(ctx, cmdListSessions, nil)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Sessions []session.Summary `json:"sessions"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode list-sessions reply: %w", err)
	}
	return resp.Sessions, nil
}

// ResolvePermission answers an outstanding confirm-request.
func (c *Client) ResolvePermission(ctx context.Context, requestID string, approved bool) error {
	_, err := c.call(ctx, cmdResolvePerm, struct {
		RequestID string `json:"requestId"`
		Approved  bool   `json:"approved"`
	}{requestID, approved})
	return err
}

// ResolveQuestions answers an outstanding ask-user-question request.
func (c *Client) ResolveQuestions(ctx context.Context, requestID string, answers []string) error {
	_, err := c.call(ctx, cmdResolveQuestions, struct {
		RequestID string   `json:"requestId"`
		Answers   []string `json:"answers"`
	}{requestID, answers})
	return err
}

// GetSessionSnapshot pulls a point-in-time transcript for a session.
func (c *Client) GetSessionSnapshot(ctx context.Context, sessionID string) (events.HistoryUpdate, error) {
	data, err := c.call(ctx, cmdGetSnapshot, struct {
		SessionID string `json:"sessionId"`
	}{sessionID})
	if err != nil {
		return events.HistoryUpdate{}, err
	}
	var hist events.HistoryUpdate
	if err := json.Unmarshal(data, &hist); err != nil {
		return events.HistoryUpdate{}, fmt.Errorf("failed to decode snapshot reply: %w", err)
	}
	if hist.SessionID == "" {
		hist.SessionID = sessionID
	}
	return hist, nil
}
