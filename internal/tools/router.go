package tools

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"

	"github.com/HyphaGroup/marionette/internal/logger"
	"github.com/HyphaGroup/marionette/internal/metrics"
)

var (
	// ErrUnregisteredTool marks an invocation of an unclaimed tool that
	// the configured external allowlist does not cover either. The
	// dispatch layer decides whether that stops the runtime.
	ErrUnregisteredTool = errors.New("tools: unregistered tool")

	// ErrDuplicateInvocation marks a second invocation event carrying
	// an invocation ID that is already pending.
	ErrDuplicateInvocation = errors.New("tools: invocation already pending")
)

// ResultSink posts results and confirmation requests back to the
// conversation surface. Feed adapters implement it.
type ResultSink interface {
	PostToolResult(ctx context.Context, call *Call, res Result) error
	RequestConfirmation(ctx context.Context, call *Call, prompt string) error
}

// Spawner opens a child conversation group for a pending call. The
// subchat orchestrator implements it.
type Spawner interface {
	Spawn(ctx context.Context, call *Call, children []ChildSpec) (string, error)
}

type pendingCall struct {
	call     *Call
	awaiting bool // waiting on a confirmation answer
	seq      int  // admission order, for stable snapshots
}

// Router owns routing and the pending-call table. Route, Resolve,
// Cancel, and HandleApproval all run on the dispatch goroutine; the
// lock exists for the ops API's read path.
type Router struct {
	registry *Registry
	sink     ResultSink
	spawner  Spawner
	external map[string]bool

	mu      sync.Mutex
	pending map[string]*pendingCall
	nextSeq int
}

// RouterOption configures a Router
type RouterOption func(*Router)

// WithSpawner wires the subchat orchestrator in
func WithSpawner(sp Spawner) RouterOption {
	return func(r *Router) { r.spawner = sp }
}

// WithExternalTools restricts which unclaimed tools are assumed to be
// answered by an external subscriber. Without it, every unclaimed tool
// is; with it, unclaimed tools outside the list count as unregistered.
func WithExternalTools(names []string) RouterOption {
	return func(r *Router) {
		for _, name := range names {
			r.external[name] = true
		}
	}
}

// NewRouter creates a router over the given registry and sink
func NewRouter(registry *Registry, sink ResultSink, opts ...RouterOption) *Router {
	r := &Router{
		registry: registry,
		sink:     sink,
		external: make(map[string]bool),
		pending:  make(map[string]*pendingCall),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetSpawner wires the spawner after construction. The router and the
// orchestrator reference each other, so one side has to be set late.
func (r *Router) SetSpawner(sp Spawner) {
	r.spawner = sp
}

// SetExternalTools replaces the external allowlist
func (r *Router) SetExternalTools(names []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.external = make(map[string]bool, len(names))
	for _, name := range names {
		r.external[name] = true
	}
}

// Route admits an invocation and drives it to a result, a confirmation
// request, or a child group. An unclaimed tool belongs to whichever
// external subscriber claims it, so no action is taken here, unless an
// allowlist is configured and the tool falls outside it.
func (r *Router) Route(ctx context.Context, call *Call) error {
	if !r.registry.Claimed(call.Tool) {
		if r.assumedExternal(call.Tool) {
			metrics.RecordToolCall(call.Tool, "external")
			logger.Info("tools: %s is externally claimed, ignoring invocation %s", call.Tool, call.InvocationID)
			return nil
		}
		metrics.RecordToolCall(call.Tool, "unregistered")
		return fmt.Errorf("%w: %s (invocation %s)", ErrUnregisteredTool, call.Tool, call.InvocationID)
	}

	if !r.admit(call) {
		return fmt.Errorf("%w: %s", ErrDuplicateInvocation, call.InvocationID)
	}

	return r.execute(ctx, call)
}

// HandleApproval answers a confirmation request. Approval re-enters the
// handler with the same invocation ID and Approved set; denial resolves
// the call with an error result. Answers for unknown or non-awaiting
// invocations are no-ops.
func (r *Router) HandleApproval(ctx context.Context, invocationID string, approved bool, reason string) error {
	r.mu.Lock()
	entry, ok := r.pending[invocationID]
	if !ok || !entry.awaiting {
		r.mu.Unlock()
		logger.Info("tools: approval for %s matches no awaiting call, ignoring", invocationID)
		return nil
	}
	entry.awaiting = false
	call := entry.call
	r.mu.Unlock()

	if !approved {
		msg := "confirmation declined"
		if reason != "" {
			msg += ": " + reason
		}
		metrics.RecordToolCall(call.Tool, "declined")
		r.Resolve(ctx, invocationID, ErrorResult(msg))
		return nil
	}

	call.Approved = true
	return r.execute(ctx, call)
}

// execute runs the handler for an admitted call and acts on its outcome
func (r *Router) execute(ctx context.Context, call *Call) error {
	outcome, err := r.invoke(ctx, call)
	if err != nil {
		metrics.RecordToolCall(call.Tool, "error")
		logger.ErrorContext(ctx, "tool handler failed",
			"tool", call.Tool, "invocation_id", call.InvocationID, "error", err)
		// The caller sees an opaque error; the cause stays in the log.
		r.Resolve(ctx, call.InvocationID, ErrorResult("tool execution failed"))
		return nil
	}

	switch outcome.Kind {
	case OutcomeSuccess:
		metrics.RecordToolCall(call.Tool, "ok")
		r.Resolve(ctx, call.InvocationID, outcome.Result)
	case OutcomeNeedsConfirmation:
		metrics.RecordToolCall(call.Tool, "confirmation")
		r.await(call.InvocationID)
		if err := r.sink.RequestConfirmation(ctx, call, outcome.Prompt); err != nil {
			logger.Error("tools: sending confirmation request for %s: %v", call.InvocationID, err)
		}
	case OutcomePendingChildren:
		if r.spawner == nil {
			metrics.RecordToolCall(call.Tool, "error")
			logger.Error("tools: %s returned children but no spawner is wired", call.Tool)
			r.Resolve(ctx, call.InvocationID, ErrorResult("tool execution failed"))
			return nil
		}
		groupID, err := r.spawner.Spawn(ctx, call, outcome.Children)
		if err != nil {
			metrics.RecordToolCall(call.Tool, "error")
			logger.Error("tools: spawning children for %s: %v", call.InvocationID, err)
			r.Resolve(ctx, call.InvocationID, ErrorResult(fmt.Sprintf("spawn failed: %v", err)))
			return nil
		}
		metrics.RecordToolCall(call.Tool, "pending_children")
		logger.InfoContext(ctx, "tool call awaiting child group",
			"tool", call.Tool, "invocation_id", call.InvocationID, "group_id", groupID)
	default:
		metrics.RecordToolCall(call.Tool, "error")
		r.Resolve(ctx, call.InvocationID, ErrorResult("tool execution failed"))
	}
	return nil
}

// invoke shields the loop from handler panics
func (r *Router) invoke(ctx context.Context, call *Call) (outcome Outcome, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("tools: handler for %s panicked on %s: %v\n%s", call.Tool, call.InvocationID, rec, debug.Stack())
			err = fmt.Errorf("handler panicked")
		}
	}()

	ctx = context.WithValue(ctx, logger.ContextKeyInvocationID, call.InvocationID)
	return r.registry.call(ctx, call)
}

// Resolve posts the result for a pending invocation and destroys the
// pending entry. Exactly the first Resolve per invocation wins; later
// calls, including real handler outcomes racing a cancellation, are
// no-ops. Returns whether this call won.
func (r *Router) Resolve(ctx context.Context, invocationID string, res Result) bool {
	r.mu.Lock()
	entry, ok := r.pending[invocationID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.pending, invocationID)
	r.mu.Unlock()

	if err := r.sink.PostToolResult(ctx, entry.call, res); err != nil {
		logger.Error("tools: posting result for %s: %v", invocationID, err)
	}
	return true
}

// Cancel resolves each named invocation with a cancellation result.
// Unknown IDs are skipped. Returns how many were cancelled.
func (r *Router) Cancel(ctx context.Context, invocationIDs []string) int {
	cancelled := 0
	for _, id := range invocationIDs {
		r.mu.Lock()
		entry, ok := r.pending[id]
		r.mu.Unlock()
		if !ok {
			continue
		}
		metrics.RecordToolCall(entry.call.Tool, "cancelled")
		if r.Resolve(ctx, id, CancelledResult()) {
			cancelled++
		}
	}
	return cancelled
}

// Pending snapshots the pending calls in admission order
func (r *Router) Pending() []*Call {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := make([]*pendingCall, 0, len(r.pending))
	for _, entry := range r.pending {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })

	calls := make([]*Call, len(entries))
	for i, entry := range entries {
		c := *entry.call
		calls[i] = &c
	}
	return calls
}

// IsPending reports whether the invocation is still unresolved
func (r *Router) IsPending(invocationID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pending[invocationID]
	return ok
}

func (r *Router) assumedExternal(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.external) == 0 || r.external[name]
}

func (r *Router) admit(call *Call) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.pending[call.InvocationID]; exists {
		return false
	}
	r.pending[call.InvocationID] = &pendingCall{call: call, seq: r.nextSeq}
	r.nextSeq++
	return true
}

func (r *Router) await(invocationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.pending[invocationID]; ok {
		entry.awaiting = true
	}
}
