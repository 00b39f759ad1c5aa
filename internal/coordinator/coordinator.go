package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/tandemlabs/tandem/internal/events"
	"github.com/tandemlabs/tandem/internal/logging"
	"github.com/tandemlabs/tandem/internal/session"
)

const (
	// DefaultGraceWindow is how long after a session switch both the pulled
	// snapshot and in-flight push events for the new session are reconciled
	// by version. After it elapses, late snapshot-pull results are discarded.
	DefaultGraceWindow = 500 * time.Millisecond
)

// ErrNoActiveSession is returned by operations that need an active session.
var ErrNoActiveSession = errors.New("no active session")

// Config holds configuration for creating a Coordinator.
type Config struct {
	// Commander is the outbound command boundary. Required.
	Commander Commander
	// Store persists transcripts and pending queues. Optional; when nil the
	// coordinator operates purely in memory.
	Store *session.Store
	// View receives render notifications for the active session. Optional.
	View View
	// Policy is the CEL auto-approval policy for permission requests. Optional.
	Policy *ApprovalPolicy
	// GraceWindow overrides DefaultGraceWindow. Zero means the default.
	GraceWindow time.Duration
	// Logger defaults to the coordinator component logger.
	Logger *slog.Logger
}

// Coordinator is the reconciliation state machine. It routes incoming events
// to the correct per-session buffer, decides when streamed text is cleared
// versus preserved, manages the active-session switch protocol, and owns the
// pending-message queues for sessions that are busy.
//
// All shared state (buffers, registry, versions, queues) is mutated only
// under a single lock, preserving single-writer semantics even when the
// transport delivers events from multiple goroutines.
type Coordinator struct {
	cmd    Commander
	store  *session.Store
	view   View
	gate   *Gate
	logger *slog.Logger

	buffers  *StreamBuffers
	registry *Registry

	graceWindow time.Duration

	mu            sync.Mutex
	active        string
	switchEpoch   int64
	graceDeadline time.Time
	lastVersion   map[string]int64
	lastError     map[string]string
	pending       map[string][]session.QueuedMessage
}

// New creates a Coordinator.
func New(cfg Config) *Coordinator {
	view := cfg.View
	if view == nil {
		view = NopView{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Coordinator()
	}
	grace := cfg.GraceWindow
	if grace <= 0 {
		grace = DefaultGraceWindow
	}

	return &Coordinator{
		cmd:         cfg.Commander,
		store:       cfg.Store,
		view:        view,
		gate:        NewGate(cfg.Commander, cfg.Policy),
		logger:      logger,
		buffers:     NewStreamBuffers(),
		registry:    NewRegistry(),
		graceWindow: grace,
		lastVersion: make(map[string]int64),
		lastError:   make(map[string]string),
		pending:     make(map[string][]session.QueuedMessage),
	}
}

// SetView installs the render sink. Call during wiring, before any events
// flow; it is not synchronized against concurrent event handling.
func (c *Coordinator) SetView(v View) {
	if v == nil {
		v = NopView{}
	}
	c.view = v
}

// Buffers exposes the per-session stream buffers (read paths for the UI).
func (c *Coordinator) Buffers() *StreamBuffers { return c.buffers }

// Registry exposes the session registry.
func (c *Coordinator) Registry() *Registry { return c.registry }

// Gate exposes the interaction gate.
func (c *Coordinator) Gate() *Gate { return c.gate }

// Active returns the currently active session id, or "".
func (c *Coordinator) Active() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// PendingMessages returns the pending-context queue for a session.
func (c *Coordinator) PendingMessages(sessionID string) []session.QueuedMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	msgs := c.pending[sessionID]
	out := make([]session.QueuedMessage, len(msgs))
	copy(out, msgs)
	return out
}

// PendingError returns the stored error message for a session, or "".
func (c *Coordinator) PendingError(sessionID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastError[sessionID]
}

// AcknowledgeError dismisses a stored error message. No side effects.
func (c *Coordinator) AcknowledgeError(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.lastError, sessionID)
}

// Attach subscribes the coordinator to every inbound event type on the bus.
// The returned subscription set must be released on teardown.
func (c *Coordinator) Attach(bus *events.Bus) *events.SubscriptionSet {
	set := bus.Acquire()
	for _, t := range []events.Type{
		events.TypeStreamToken,
		events.TypeStreamRestore,
		events.TypeHistoryUpdate,
		events.TypeConfirmRequest,
		events.TypeAskUserQuestion,
		events.TypeAborted,
		events.TypeError,
		events.TypeDone,
		events.TypeRunningChanged,
		events.TypeSessionChanged,
	} {
		set.On(t, c.HandleEvent)
	}
	return set
}

// HandleEvent routes one inbound event through the state machine.
func (c *Coordinator) HandleEvent(ev events.Event) {
	switch e := ev.(type) {
	case events.StreamToken:
		c.handleStreamToken(e)
	case events.StreamRestore:
		c.handleStreamRestore(e)
	case events.HistoryUpdate:
		c.handleHistoryUpdate(e)
	case events.ConfirmRequest:
		c.handleConfirmRequest(e)
	case events.AskUserQuestion:
		c.handleAskUserQuestion(e)
	case events.Aborted:
		c.terminateTurn(e.SessionID, "", true)
	case events.Error:
		c.terminateTurn(e.SessionID, e.Message, true)
	case events.Done:
		// The terminal history-update already cleared the response buffer.
		c.terminateTurn(e.SessionID, "", false)
	case events.RunningChanged:
		c.handleRunningChanged(e)
	case events.SessionChanged:
		c.handleSessionChanged(e)
	default:
		c.logger.Debug("ignoring unhandled event", "type", ev.EventType())
	}
}

// --- User actions ---

// Send submits a user message for the active session. If the session is
// busy, the message is queued instead of sent; it will be flushed when the
// turn ends. If there is no active session, one is created first.
func (c *Coordinator) Send(ctx context.Context, content string, imageIDs []string) error {
	c.mu.Lock()
	active := c.active
	c.mu.Unlock()

	if active == "" {
		id, err := c.NewSession(ctx)
		if err != nil {
			return err
		}
		active = id
	}

	if c.registry.IsRunning(active) {
		length := c.enqueue(active, content, imageIDs)
		c.logger.Debug("message queued while session busy",
			"session_id", active, "queue_length", length)
		c.view.QueueChanged(active, length)
		return nil
	}

	c.buffers.Clear(active, events.ChannelResponse)
	c.view.StreamChanged(active, events.ChannelResponse, "")
	c.persistEntry(active, session.Entry{Role: session.RoleUser, Content: content})

	// Running state is driven by the backend's running-changed notification,
	// never set optimistically here.
	return c.cmd.SendMessage(ctx, active, content, SendOptions{ImageIDs: imageIDs})
}

// Switch makes the target session active and starts the switch handshake:
// synchronous active update, local interaction dismissal, eager snapshot
// pull, and a grace window reconciling pulled and pushed state by version.
func (c *Coordinator) Switch(ctx context.Context, sessionID string) error {
	if err := c.switchTo(sessionID); err != nil {
		return err
	}
	if sessionID == "" {
		return nil
	}
	if err := c.cmd.LoadSession(ctx, sessionID); err != nil {
		c.logger.Warn("load-session command failed", "session_id", sessionID, "error", err)
	}
	return nil
}

// NewSession creates a session on the backend and makes it active.
func (c *Coordinator) NewSession(ctx context.Context) (string, error) {
	id, err := c.cmd.NewSession(ctx)
	if err != nil {
		return "", err
	}

	now := time.Now()
	c.registry.Add(session.Summary{
		SessionID: id,
		CreatedAt: now,
		UpdatedAt: now,
		Status:    session.StatusActive,
	})
	if c.store != nil && !c.store.Exists(id) {
		if err := c.store.Create(session.Metadata{SessionID: id}); err != nil {
			c.logger.Warn("failed to persist new session", "session_id", id, "error", err)
		}
	}

	if err := c.switchTo(id); err != nil {
		return id, err
	}
	return id, nil
}

// DeleteSession destroys a session. If it was active, the newest remaining
// session becomes active, or a fresh one is created when none remain.
func (c *Coordinator) DeleteSession(ctx context.Context, sessionID string) error {
	if err := c.cmd.DeleteSession(ctx, sessionID); err != nil {
		return err
	}

	c.registry.Remove(sessionID)
	c.buffers.Evict(sessionID)

	c.mu.Lock()
	delete(c.pending, sessionID)
	delete(c.lastVersion, sessionID)
	delete(c.lastError, sessionID)
	wasActive := c.active == sessionID
	c.mu.Unlock()

	if c.store != nil && c.store.Exists(sessionID) {
		if err := c.store.Delete(sessionID); err != nil {
			c.logger.Warn("failed to delete persisted session", "session_id", sessionID, "error", err)
		}
	}

	if !wasActive {
		return nil
	}

	if fallback := c.registry.Newest(sessionID); fallback != "" {
		return c.Switch(ctx, fallback)
	}
	_, err := c.NewSession(ctx)
	return err
}

// AbortActive cancels the active session's in-flight turn. Cleanup happens
// when the backend's aborted event arrives.
func (c *Coordinator) AbortActive(ctx context.Context) error {
	c.mu.Lock()
	active := c.active
	c.mu.Unlock()
	if active == "" {
		return ErrNoActiveSession
	}
	return c.cmd.Abort(ctx, active)
}

// RefreshSessions pulls a fresh session listing into the registry cache.
func (c *Coordinator) RefreshSessions(ctx context.Context) error {
	list, err := c.cmd.ListSessions(ctx)
	if err != nil {
		return err
	}
	c.registry.SetSummaries(list)
	c.view.SessionsChanged(list)
	return nil
}

// ResolvePermission answers the outstanding permission request.
// A stale request id is a no-op.
func (c *Coordinator) ResolvePermission(ctx context.Context, requestID string, approved bool) error {
	err := c.gate.ResolvePermission(ctx, requestID, approved)
	if errors.Is(err, ErrNoOutstandingRequest) {
		c.logger.Debug("ignoring resolution for stale request", "request_id", requestID)
		return nil
	}
	c.clearInteractionView()
	if err != nil {
		// Gate state is already cleared optimistically; the backend will
		// re-present the request if the resolution did not land.
		c.surfaceError(c.Active(), "Failed to resolve permission: "+err.Error())
	}
	return err
}

// ResolveQuestions answers the outstanding multi-question request.
func (c *Coordinator) ResolveQuestions(ctx context.Context, requestID string, answers []QuestionAnswer) error {
	err := c.gate.ResolveQuestions(ctx, requestID, answers)
	if errors.Is(err, ErrNoOutstandingRequest) {
		c.logger.Debug("ignoring answers for stale request", "request_id", requestID)
		return nil
	}
	if errors.Is(err, ErrIncompleteAnswers) {
		// Request stays outstanding so the user can complete it.
		return err
	}
	c.clearInteractionView()
	if err != nil {
		c.surfaceError(c.Active(), "Failed to submit answers: "+err.Error())
	}
	return err
}

// DismissInteraction closes the displayed request without answering.
// The backend request remains open.
func (c *Coordinator) DismissInteraction() {
	c.gate.Dismiss()
	c.clearInteractionView()
}

// --- Event handlers ---

func (c *Coordinator) handleStreamToken(ev events.StreamToken) {
	if !c.registry.Known(ev.SessionID) {
		// Stale event for a session that no longer exists. Expected under
		// normal switching races.
		return
	}

	c.buffers.Append(ev.SessionID, ev.Delta, ev.Channel)

	if c.Active() == ev.SessionID {
		c.view.StreamChanged(ev.SessionID, ev.Channel, c.buffers.Read(ev.SessionID, ev.Channel))
	}
}

func (c *Coordinator) handleStreamRestore(ev events.StreamRestore) {
	if !c.registry.Known(ev.SessionID) {
		return
	}

	c.buffers.Restore(ev.SessionID, ev.FullText)

	if c.Active() == ev.SessionID {
		c.view.StreamChanged(ev.SessionID, events.ChannelResponse, ev.FullText)
	}
}

func (c *Coordinator) handleHistoryUpdate(ev events.HistoryUpdate) {
	c.mu.Lock()
	if ev.SessionID != c.active {
		// The transcript belongs to a session not in view; it is re-fetched
		// on switch-back.
		c.mu.Unlock()
		return
	}
	if !c.versionAcceptableLocked(ev.SessionID, ev.Version) {
		c.mu.Unlock()
		c.logger.Debug("discarding stale history-update",
			"session_id", ev.SessionID, "version", ev.Version)
		return
	}
	if ev.Version > 0 {
		c.lastVersion[ev.SessionID] = ev.Version
	}
	c.mu.Unlock()

	c.applyTranscript(ev.SessionID, ev.Version, ev.Transcript)
}

// applyTranscript displays and persists an accepted transcript, clearing the
// response buffer only when the session is not mid-turn.
func (c *Coordinator) applyTranscript(sessionID string, version int64, transcript []events.TranscriptEntry) {
	c.persistTranscript(sessionID, version, transcript)
	c.view.TranscriptReplaced(sessionID, transcript)

	if !c.registry.IsRunning(sessionID) {
		c.buffers.Clear(sessionID, events.ChannelResponse)
		c.view.StreamChanged(sessionID, events.ChannelResponse, "")
	}
	// History-update never flushes the pending queue; it can fire mid-turn
	// as an incremental persistence side effect.
}

func (c *Coordinator) handleConfirmRequest(ev events.ConfirmRequest) {
	if c.Active() != ev.SessionID {
		c.logger.Debug("ignoring permission request for inactive session",
			"session_id", ev.SessionID, "request_id", ev.RequestID)
		return
	}

	req := PendingRequest{
		Kind:      RequestKindPermission,
		SessionID: ev.SessionID,
		RequestID: ev.RequestID,
		Confirm:   &ev,
	}
	surfaced, err := c.gate.Present(context.Background(), req)
	if err != nil {
		c.surfaceError(ev.SessionID, "Failed to auto-approve permission: "+err.Error())
		return
	}
	if surfaced {
		c.view.InteractionPresented(req)
	}
}

func (c *Coordinator) handleAskUserQuestion(ev events.AskUserQuestion) {
	if c.Active() != ev.SessionID {
		c.logger.Debug("ignoring question request for inactive session",
			"session_id", ev.SessionID, "request_id", ev.RequestID)
		return
	}

	req := PendingRequest{
		Kind:      RequestKindQuestion,
		SessionID: ev.SessionID,
		RequestID: ev.RequestID,
		Ask:       &ev,
	}
	if surfaced, _ := c.gate.Present(context.Background(), req); surfaced {
		c.view.InteractionPresented(req)
	}
}

func (c *Coordinator) handleRunningChanged(ev events.RunningChanged) {
	c.registry.Ensure(ev.SessionID)
	if ev.IsRunning {
		c.registry.MarkRunning(ev.SessionID)
	} else {
		c.registry.MarkIdle(ev.SessionID)
	}
	if c.Active() == ev.SessionID {
		c.view.RunningChanged(ev.SessionID, ev.IsRunning)
	}
}

func (c *Coordinator) handleSessionChanged(ev events.SessionChanged) {
	if ev.IsRunning != nil && ev.SessionID != "" {
		c.registry.Ensure(ev.SessionID)
		if *ev.IsRunning {
			c.registry.MarkRunning(ev.SessionID)
		} else {
			c.registry.MarkIdle(ev.SessionID)
		}
	}
	if err := c.switchTo(ev.SessionID); err != nil {
		c.logger.Warn("failed to follow backend session change",
			"session_id", ev.SessionID, "error", err)
	}
}

// terminateTurn performs the shared end-of-turn cleanup for done, aborted
// and error events, then flushes the pending-context queue in order.
func (c *Coordinator) terminateTurn(sessionID, errMsg string, clearResponse bool) {
	c.registry.MarkIdle(sessionID)

	// Thinking clears at every turn boundary; response only when the turn
	// did not end with a terminal history-update (abort/error paths).
	c.buffers.Clear(sessionID, events.ChannelThinking)
	if clearResponse {
		c.buffers.Clear(sessionID, events.ChannelResponse)
	}

	c.gate.DismissSession(sessionID)

	if errMsg != "" {
		c.surfaceError(sessionID, errMsg)
	}

	if c.Active() == sessionID {
		c.view.RunningChanged(sessionID, false)
		c.view.InteractionCleared(sessionID)
		c.view.StreamChanged(sessionID, events.ChannelThinking, "")
		if clearResponse {
			c.view.StreamChanged(sessionID, events.ChannelResponse, "")
		}
	}

	c.flushQueue(sessionID)
}

// --- Switch protocol ---

// switchTo records the new active session synchronously, clears local
// interaction state, and starts the eager snapshot pull.
func (c *Coordinator) switchTo(sessionID string) error {
	c.mu.Lock()
	c.active = sessionID
	c.switchEpoch++
	epoch := c.switchEpoch
	c.graceDeadline = time.Now().Add(c.graceWindow)
	c.mu.Unlock()

	// Outstanding requests belong to the old session's turn: stop displaying
	// them, never auto-resolve. The backend times them out or re-presents.
	c.gate.Dismiss()
	c.clearInteractionView()
	c.view.ActiveChanged(sessionID)

	if sessionID == "" {
		return nil
	}

	c.registry.Ensure(sessionID)
	c.view.RunningChanged(sessionID, c.registry.IsRunning(sessionID))
	c.view.StreamChanged(sessionID, events.ChannelResponse, c.buffers.Read(sessionID, events.ChannelResponse))

	// Pull-based fallback: push events can be lost or reordered across the
	// switch boundary.
	go c.pullSnapshot(sessionID, epoch)
	return nil
}

// pullSnapshot fetches a point-in-time transcript and reconciles it against
// any push events that landed during the switch (last-writer-by-version-wins
// within the grace window).
func (c *Coordinator) pullSnapshot(sessionID string, epoch int64) {
	hist, err := c.cmd.GetSessionSnapshot(context.Background(), sessionID)
	if err != nil {
		c.logger.Warn("snapshot pull failed", "session_id", sessionID, "error", err)
		return
	}

	c.mu.Lock()
	if c.switchEpoch != epoch || c.active != sessionID {
		// A newer switch abandoned this reconciliation.
		c.mu.Unlock()
		return
	}
	if time.Now().After(c.graceDeadline) {
		// Grace window elapsed; push events are the single writer again.
		c.mu.Unlock()
		c.logger.Debug("discarding snapshot after grace window", "session_id", sessionID)
		return
	}
	if !c.versionAcceptableLocked(sessionID, hist.Version) {
		c.mu.Unlock()
		return
	}
	if hist.Version > 0 {
		c.lastVersion[sessionID] = hist.Version
	}
	c.mu.Unlock()

	c.applyTranscript(sessionID, hist.Version, hist.Transcript)
}

// versionAcceptableLocked implements the last-writer-by-version rule:
// strictly-older or equal versions are discarded; a missing version (zero)
// is accepted unconditionally and superseded by any subsequent versioned
// event. Must be called with c.mu held.
func (c *Coordinator) versionAcceptableLocked(sessionID string, version int64) bool {
	if version == 0 {
		return true
	}
	return version > c.lastVersion[sessionID]
}

// --- Pending-context queue ---

// enqueue appends a message to the session's pending queue, mirroring it to
// disk best-effort, and returns the new queue length.
func (c *Coordinator) enqueue(sessionID, content string, imageIDs []string) int {
	msg := session.QueuedMessage{
		Message:  content,
		ImageIDs: imageIDs,
		QueuedAt: time.Now(),
	}

	if c.store != nil && c.store.Exists(sessionID) {
		persisted, err := c.store.Queue(sessionID).Add(content, imageIDs)
		if err != nil {
			// Persistence failures never block the user from conversing.
			c.logger.Warn("failed to persist queued message",
				"session_id", sessionID, "error", err)
		} else {
			msg = persisted
		}
	}

	c.mu.Lock()
	c.pending[sessionID] = append(c.pending[sessionID], msg)
	length := len(c.pending[sessionID])
	c.mu.Unlock()
	return length
}

// flushQueue sends each queued message as a contextual follow-up, in
// original order, then clears the queue.
func (c *Coordinator) flushQueue(sessionID string) {
	c.mu.Lock()
	msgs := c.pending[sessionID]
	delete(c.pending, sessionID)
	c.mu.Unlock()

	if c.store != nil && c.store.Exists(sessionID) {
		if _, err := c.store.Queue(sessionID).Drain(); err != nil {
			c.logger.Warn("failed to drain persisted queue",
				"session_id", sessionID, "error", err)
		}
	}

	if len(msgs) == 0 {
		return
	}

	for _, msg := range msgs {
		c.persistEntry(sessionID, session.Entry{
			Role:       session.RoleUser,
			Content:    msg.Message,
			Contextual: true,
		})
		err := c.cmd.SendMessage(context.Background(), sessionID, msg.Message, SendOptions{
			ImageIDs:   msg.ImageIDs,
			Contextual: true,
		})
		if err != nil {
			c.logger.Error("failed to send queued follow-up",
				"session_id", sessionID, "error", err)
		}
	}

	if c.Active() == sessionID {
		c.view.QueueChanged(sessionID, 0)
	}
}

// --- Persistence helpers (best-effort, never fatal) ---

func (c *Coordinator) persistEntry(sessionID string, entry session.Entry) {
	if c.store == nil || !c.store.Exists(sessionID) {
		return
	}
	if err := c.store.AppendEntry(sessionID, entry); err != nil {
		c.logger.Warn("failed to persist transcript entry",
			"session_id", sessionID, "error", err)
	}
}

func (c *Coordinator) persistTranscript(sessionID string, version int64, transcript []events.TranscriptEntry) {
	if c.store == nil || !c.store.Exists(sessionID) {
		return
	}

	entries := make([]session.Entry, 0, len(transcript))
	for _, t := range transcript {
		role := session.EntryRole(t.Role)
		if role != session.RoleUser && role != session.RoleAssistant {
			role = session.RoleSystem
		}
		entries = append(entries, session.Entry{Role: role, Content: t.Content})
	}

	if err := c.store.ReplaceEntries(sessionID, entries); err != nil {
		c.logger.Warn("failed to persist transcript", "session_id", sessionID, "error", err)
		return
	}
	if version > 0 {
		err := c.store.UpdateMetadata(sessionID, func(m *session.Metadata) {
			m.Version = version
		})
		if err != nil {
			c.logger.Warn("failed to persist transcript version",
				"session_id", sessionID, "error", err)
		}
	}
}

func (c *Coordinator) surfaceError(sessionID, message string) {
	c.mu.Lock()
	c.lastError[sessionID] = message
	active := c.active
	c.mu.Unlock()

	if active == sessionID {
		c.view.ErrorSurfaced(sessionID, message)
	}
}

func (c *Coordinator) clearInteractionView() {
	c.view.InteractionCleared(c.Active())
}
