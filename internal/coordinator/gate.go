package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/tandemlabs/tandem/internal/events"
	"github.com/tandemlabs/tandem/internal/logging"
)

var (
	// ErrNoOutstandingRequest is returned when resolving with a stale or
	// unknown request id. Callers treat it as a no-op condition.
	ErrNoOutstandingRequest = errors.New("no outstanding request with that id")
	// ErrIncompleteAnswers is returned when a multi-question submission
	// leaves a sub-question unanswered.
	ErrIncompleteAnswers = errors.New("all questions must be answered")
)

// RequestKind discriminates the two interaction request types.
type RequestKind string

const (
	RequestKindPermission RequestKind = "permission"
	RequestKindQuestion   RequestKind = "question"
)

// PendingRequest is the single outstanding interaction request, if any.
type PendingRequest struct {
	Kind      RequestKind
	SessionID string
	RequestID string
	Confirm   *events.ConfirmRequest
	Ask       *events.AskUserQuestion
}

// QuestionAnswer is the user's answer to one sub-question.
type QuestionAnswer struct {
	// SelectedOptions are the chosen options (one entry for single-select).
	SelectedOptions []string
	// OtherText is the free-text escape hatch; used when the user chose
	// "other" instead of a listed option.
	OtherText string
}

// Gate arbitrates permission and multi-question round-trips with the user.
// At most one request is outstanding at a time; resolution reaches the
// backend exactly once per request id. It is safe for concurrent use.
type Gate struct {
	mu      sync.Mutex
	pending *PendingRequest

	commander Commander
	policy    *ApprovalPolicy
	logger    *slog.Logger
}

// NewGate creates a gate that resolves requests through the given commander.
// policy may be nil, in which case every permission request is surfaced.
func NewGate(commander Commander, policy *ApprovalPolicy) *Gate {
	return &Gate{
		commander: commander,
		policy:    policy,
		logger:    logging.Gate(),
	}
}

// Present stores a request as the single outstanding one, replacing any
// request that was still displayed (the replaced request is not resolved;
// the backend re-presents or times it out).
//
// For permission requests, the auto-approval policy is consulted first:
// matching requests are resolved immediately and never surfaced. The
// returned bool reports whether the request is now pending user input.
func (g *Gate) Present(ctx context.Context, req PendingRequest) (bool, error) {
	if req.Kind == RequestKindPermission && g.policy != nil && req.Confirm != nil {
		approved, err := g.policy.Allows(req.Confirm.Tool, req.Confirm.Description)
		if err != nil {
			g.logger.Warn("auto-approval policy evaluation failed",
				"request_id", req.RequestID, "error", err)
		} else if approved {
			g.logger.Info("permission auto-approved by policy",
				"request_id", req.RequestID, "tool", req.Confirm.Tool)
			return false, g.commander.ResolvePermission(ctx, req.RequestID, true)
		}
	}

	g.mu.Lock()
	g.pending = &req
	g.mu.Unlock()
	return true, nil
}

// Pending returns the outstanding request, or nil.
func (g *Gate) Pending() *PendingRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending == nil {
		return nil
	}
	cp := *g.pending
	return &cp
}

// Dismiss clears local state without notifying the backend. The backend
// treats non-response as an implicit wait, not a denial.
func (g *Gate) Dismiss() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pending = nil
}

// DismissSession clears local state only if the outstanding request belongs
// to the given session.
func (g *Gate) DismissSession(sessionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending != nil && g.pending.SessionID == sessionID {
		g.pending = nil
	}
}

// take atomically claims the outstanding request when the id matches.
// This is what guarantees exactly-once resolution.
func (g *Gate) take(requestID string, kind RequestKind) (*PendingRequest, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending == nil || g.pending.RequestID != requestID || g.pending.Kind != kind {
		return nil, false
	}
	req := g.pending
	g.pending = nil
	return req, true
}

// ResolvePermission answers the outstanding permission request.
// Stale ids return ErrNoOutstandingRequest. Local state is cleared before
// the backend call: the backend is the source of truth for acceptance, and
// a failed resolve is recovered by the backend re-presenting the request.
func (g *Gate) ResolvePermission(ctx context.Context, requestID string, approved bool) error {
	if _, ok := g.take(requestID, RequestKindPermission); !ok {
		return ErrNoOutstandingRequest
	}
	return g.commander.ResolvePermission(ctx, requestID, approved)
}

// ResolveQuestions answers the outstanding multi-question request.
// Every sub-question must have either a selected option or, if "other" was
// chosen, non-empty free text. Multi-select answers are joined into a single
// string per question; answer ordering follows the question ordering.
func (g *Gate) ResolveQuestions(ctx context.Context, requestID string, answers []QuestionAnswer) error {
	g.mu.Lock()
	pending := g.pending
	g.mu.Unlock()
	if pending == nil || pending.RequestID != requestID || pending.Kind != RequestKindQuestion {
		return ErrNoOutstandingRequest
	}

	flat, err := FlattenAnswers(pending.Ask.Questions, answers)
	if err != nil {
		// Leave the request outstanding so the user can complete it.
		return err
	}

	if _, ok := g.take(requestID, RequestKindQuestion); !ok {
		return ErrNoOutstandingRequest
	}
	return g.commander.ResolveQuestions(ctx, requestID, flat)
}

// FlattenAnswers validates answers against the questions and flattens each
// to a single string, preserving question order.
func FlattenAnswers(questions []events.Question, answers []QuestionAnswer) ([]string, error) {
	if len(answers) != len(questions) {
		return nil, fmt.Errorf("%w: got %d answers for %d questions",
			ErrIncompleteAnswers, len(answers), len(questions))
	}

	flat := make([]string, 0, len(answers))
	for i, a := range answers {
		if len(a.SelectedOptions) == 0 && strings.TrimSpace(a.OtherText) == "" {
			return nil, fmt.Errorf("%w: question %d has no answer", ErrIncompleteAnswers, i+1)
		}
		parts := make([]string, 0, len(a.SelectedOptions)+1)
		parts = append(parts, a.SelectedOptions...)
		if strings.TrimSpace(a.OtherText) != "" {
			parts = append(parts, strings.TrimSpace(a.OtherText))
		}
		flat = append(flat, strings.Join(parts, ", "))
	}
	return flat, nil
}

// ApprovalPolicy evaluates a CEL expression against a permission request to
// decide whether it can be approved without user interaction. The expression
// sees two string variables, `tool` and `description`, and must evaluate to
// a bool. Example: `tool == "read_file" || description.contains("dry run")`.
type ApprovalPolicy struct {
	program cel.Program
	source  string
}

// NewApprovalPolicy compiles a CEL auto-approval expression.
func NewApprovalPolicy(expr string) (*ApprovalPolicy, error) {
	env, err := cel.NewEnv(
		cel.Variable("tool", cel.StringType),
		cel.Variable("description", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create policy environment: %w", err)
	}

	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("invalid approval policy %q: %w", expr, iss.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("approval policy %q must evaluate to a bool", expr)
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to build approval policy program: %w", err)
	}
	return &ApprovalPolicy{program: prg, source: expr}, nil
}

// Allows reports whether the policy approves the given request.
func (p *ApprovalPolicy) Allows(tool, description string) (bool, error) {
	out, _, err := p.program.Eval(map[string]any{
		"tool":        tool,
		"description": description,
	})
	if err != nil {
		return false, fmt.Errorf("approval policy evaluation: %w", err)
	}
	approved, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("approval policy returned non-bool value")
	}
	return approved, nil
}

// Source returns the policy's original expression text.
func (p *ApprovalPolicy) Source() string {
	return p.source
}
