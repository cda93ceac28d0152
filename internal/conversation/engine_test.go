package conversation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/HyphaGroup/marionette/internal/budget"
	"github.com/HyphaGroup/marionette/internal/dispatch"
	"github.com/HyphaGroup/marionette/internal/event"
	"github.com/HyphaGroup/marionette/internal/state"
	"github.com/HyphaGroup/marionette/internal/subchat"
	"github.com/HyphaGroup/marionette/internal/tools"
	"github.com/HyphaGroup/marionette/internal/turnctl"
)

type fakeGenerator struct {
	mu       sync.Mutex
	requests []TurnRequest
	err      error
}

func (g *fakeGenerator) RequestTurn(ctx context.Context, req TurnRequest) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)
	return g.err
}

func (g *fakeGenerator) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.requests)
}

func (g *fakeGenerator) last(t *testing.T) TurnRequest {
	t.Helper()
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.requests) == 0 {
		t.Fatal("no turn requests recorded")
	}
	return g.requests[len(g.requests)-1]
}

type recordingSink struct {
	mu       sync.Mutex
	results  map[string]tools.Result
	confirms map[string]string
}

func newRecordingSink() *recordingSink {
	return &recordingSink{results: make(map[string]tools.Result), confirms: make(map[string]string)}
}

func (s *recordingSink) PostToolResult(ctx context.Context, call *tools.Call, res tools.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[call.InvocationID] = res
	return nil
}

func (s *recordingSink) RequestConfirmation(ctx context.Context, call *tools.Call, prompt string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.confirms[call.InvocationID] = prompt
	return nil
}

func (s *recordingSink) result(id string) (tools.Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.results[id]
	return res, ok
}

type recordingOpener struct {
	mu     sync.Mutex
	opened []string
}

func (o *recordingOpener) OpenChild(ctx context.Context, conversationID, content, profile string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opened = append(o.opened, conversationID)
	return nil
}

type noopIgnorer struct{}

func (noopIgnorer) IgnoreConversation(string) {}

// rig is a fully wired engine over real collaborators and fake edges
type rig struct {
	engine  *Engine
	gen     *fakeGenerator
	sink    *recordingSink
	opener  *recordingOpener
	tracker *budget.Tracker
	reg     *turnctl.Registry
	orch    *subchat.Orchestrator
	router  *tools.Router
}

func newRig(t *testing.T, settings Settings) *rig {
	t.Helper()

	store, err := state.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	tracker, err := budget.NewTracker(store, 10.00, 0.8)
	if err != nil {
		t.Fatalf("NewTracker() error = %v", err)
	}

	toolReg := tools.NewRegistry()
	if err := tools.RegisterBuiltins(toolReg, tools.BuiltinDeps{Budget: tracker, MaxChildren: 8}); err != nil {
		t.Fatalf("RegisterBuiltins() error = %v", err)
	}

	sink := newRecordingSink()
	opener := &recordingOpener{}
	router := tools.NewRouter(toolReg, sink)
	orch := subchat.New(store, router, opener, noopIgnorer{})
	router.SetSpawner(orch)

	ctlReg := turnctl.NewRegistry()
	eval := turnctl.NewEvaluator(ctlReg, settings.DefaultProfile, 750*time.Millisecond)

	gen := &fakeGenerator{}
	engine := NewEngine(gen, router, orch, tracker, eval, settings)

	return &rig{engine: engine, gen: gen, sink: sink, opener: opener, tracker: tracker, reg: ctlReg, orch: orch, router: router}
}

func defaultSettings() Settings {
	return Settings{
		Model:          "sonnet",
		SystemPrompt:   "be useful",
		MaxHistory:     12,
		DefaultProfile: "default",
		OnUnregistered: dispatch.UnregisteredHalt,
	}
}

func mustEvent(t *testing.T, kind event.Kind, conversationID string, payload any) event.Event {
	t.Helper()
	ev, err := event.New(kind, conversationID, payload)
	if err != nil {
		t.Fatalf("event.New() error = %v", err)
	}
	return ev
}

func (r *rig) userSays(t *testing.T, conversationID, content string) {
	t.Helper()
	ev := mustEvent(t, event.KindMessageAppended, conversationID, event.Message{Role: RoleUser, Content: content})
	if err := r.engine.handleMessage(context.Background(), ev); err != nil {
		t.Fatalf("handleMessage(user) error = %v", err)
	}
}

func (r *rig) assistantSays(t *testing.T, conversationID, content string, cost float64) {
	t.Helper()
	ev := mustEvent(t, event.KindMessageAppended, conversationID, event.Message{Role: RoleAssistant, Content: content, CostUSD: cost})
	if err := r.engine.handleMessage(context.Background(), ev); err != nil {
		t.Fatalf("handleMessage(assistant) error = %v", err)
	}
}

func (r *rig) invokeTool(t *testing.T, conversationID, invocationID, tool, args string) error {
	t.Helper()
	ev := mustEvent(t, event.KindToolInvocation, conversationID, event.ToolInvocation{
		InvocationID: invocationID,
		Tool:         tool,
		Arguments:    []byte(args),
	})
	return r.engine.handleToolInvocation(context.Background(), ev)
}

func TestEngine_UserMessageTriggersGeneration(t *testing.T) {
	r := newRig(t, defaultSettings())

	r.userSays(t, "c1", "hello")

	if r.gen.count() != 1 {
		t.Fatalf("turn requests = %d, want 1", r.gen.count())
	}
	req := r.gen.last(t)
	if req.ConversationID != "c1" || req.Model != "sonnet" {
		t.Errorf("request = %+v, want c1 on sonnet", req)
	}
	if len(req.History) != 1 || req.History[0].Role != RoleUser {
		t.Errorf("history = %+v, want the user turn", req.History)
	}

	r.assistantSays(t, "c1", "hi there", 0.02)

	snap := r.tracker.Get("c1")
	if snap.SpentUSD != 0.02 {
		t.Errorf("spend = %f, want 0.02 charged from the turn", snap.SpentUSD)
	}
}

func TestEngine_BlockedConversationParksAndResumes(t *testing.T) {
	r := newRig(t, defaultSettings())

	r.userSays(t, "c1", "do expensive things")
	r.assistantSays(t, "c1", "done", 11.00) // past the 10.00 ceiling

	if !r.tracker.IsBlocked("c1") {
		t.Fatal("conversation not blocked after overspend")
	}

	before := r.gen.count()
	r.userSays(t, "c1", "more please")
	if r.gen.count() != before {
		t.Fatal("blocked conversation still generated")
	}

	var parked bool
	for _, snap := range r.engine.Conversations() {
		if snap.ID == "c1" {
			parked = snap.Parked
		}
	}
	if !parked {
		t.Fatal("blocked conversation not parked")
	}

	// The reset arrives as its own event and resumes the parked turn
	ev := mustEvent(t, event.KindBudgetReset, "", event.BudgetReset{ConversationID: "c1"})
	if err := r.engine.handleBudgetReset(context.Background(), ev); err != nil {
		t.Fatalf("handleBudgetReset() error = %v", err)
	}

	if r.gen.count() != before+1 {
		t.Errorf("turn requests after reset = %d, want %d", r.gen.count(), before+1)
	}
}

func TestEngine_SubchatEndToEnd(t *testing.T) {
	r := newRig(t, defaultSettings())

	// A hook profile that finalizes a child with its last reply
	err := r.reg.Register("finisher", turnctl.HookFuncs{
		After: func(ctx context.Context, in turnctl.Input) (map[string]any, error) {
			return map[string]any{"terminal_value": in.History[len(in.History)-1].Content}, nil
		},
	})
	if err != nil {
		t.Fatalf("Register(finisher) error = %v", err)
	}

	// The parent's model asks for three children
	err = r.invokeTool(t, "parent", "tc-1", "subchat",
		`{"children":[{"content":"find A","profile":"finisher"},{"content":"find B","profile":"finisher"},{"content":"find C","profile":"finisher"}]}`)
	if err != nil {
		t.Fatalf("invokeTool(subchat) error = %v", err)
	}

	r.opener.mu.Lock()
	children := append([]string(nil), r.opener.opened...)
	r.opener.mu.Unlock()
	if len(children) != 3 {
		t.Fatalf("opened %d children, want 3", len(children))
	}
	if _, ok := r.sink.result("tc-1"); ok {
		t.Fatal("invocation resolved before any child finished")
	}

	// Children reply out of order; each after hook finalizes them
	r.assistantSays(t, children[1], "2", 0.01)
	r.assistantSays(t, children[2], "3", 0.01)
	if _, ok := r.sink.result("tc-1"); ok {
		t.Fatal("invocation resolved before the last child finished")
	}
	r.assistantSays(t, children[0], "1", 0.01)

	res, ok := r.sink.result("tc-1")
	if !ok {
		t.Fatal("invocation never resolved")
	}
	if got, want := res.Text(), `["1","2","3"]`; got != want {
		t.Errorf("aggregated result = %s, want %s", got, want)
	}

	// A finalized child ignores further generated turns
	before := r.orch.Stats()
	r.assistantSays(t, children[0], "echo", 0.01)
	if after := r.orch.Stats(); after.Resolved != before.Resolved {
		t.Error("late child turn changed group accounting")
	}
}

func TestEngine_HardErrorStopsGeneration(t *testing.T) {
	settings := defaultSettings()
	settings.DefaultProfile = "strict"
	r := newRig(t, settings)

	err := r.reg.Register("strict", turnctl.HookFuncs{
		Before: func(ctx context.Context, in turnctl.Input) (map[string]any, error) {
			return map[string]any{"hard_error": "forbidden topic"}, nil
		},
	})
	if err != nil {
		t.Fatalf("Register(strict) error = %v", err)
	}

	r.userSays(t, "c1", "hello")

	if r.gen.count() != 0 {
		t.Error("failed conversation still generated")
	}
	for _, snap := range r.engine.Conversations() {
		if snap.ID == "c1" && snap.Status != StatusFailed {
			t.Errorf("status = %s, want failed", snap.Status)
		}
	}

	// Further user messages stay dead
	r.userSays(t, "c1", "hello again")
	if r.gen.count() != 0 {
		t.Error("failed conversation generated on a later message")
	}
}

func TestEngine_CancelDirectiveOverridesPendingCall(t *testing.T) {
	settings := defaultSettings()
	settings.DefaultProfile = "canceller"
	r := newRig(t, settings)

	// budget_reset suspends on a confirmation round-trip, leaving a
	// pending invocation for the hook to cancel.
	if err := r.invokeTool(t, "c1", "tc-42", "budget_reset", `{"conversation_id":"c1"}`); err != nil {
		t.Fatalf("invokeTool(budget_reset) error = %v", err)
	}
	if !r.router.IsPending("tc-42") {
		t.Fatal("confirmation call not pending")
	}

	err := r.reg.Register("canceller", turnctl.HookFuncs{
		Before: func(ctx context.Context, in turnctl.Input) (map[string]any, error) {
			var ids []any
			for _, p := range in.PendingCalls {
				ids = append(ids, p.InvocationID)
			}
			return map[string]any{"cancel_invocation_ids": ids}, nil
		},
	})
	if err != nil {
		t.Fatalf("Register(canceller) error = %v", err)
	}

	r.userSays(t, "c1", "never mind")

	res, ok := r.sink.result("tc-42")
	if !ok {
		t.Fatal("cancelled call never resolved")
	}
	if !res.Cancelled {
		t.Error("result not marked cancelled")
	}

	// A late approval is a no-op against the cancelled call
	ev := mustEvent(t, event.KindToolApproval, "c1", event.ToolApproval{InvocationID: "tc-42", Approved: true})
	if err := r.engine.handleToolApproval(context.Background(), ev); err != nil {
		t.Fatalf("handleToolApproval() error = %v", err)
	}
	res, _ = r.sink.result("tc-42")
	if !res.Cancelled {
		t.Error("late approval replaced the cancellation result")
	}
}

func TestEngine_InjectInstructionRedirects(t *testing.T) {
	settings := defaultSettings()
	settings.DefaultProfile = "redirect"
	r := newRig(t, settings)

	injected := false
	err := r.reg.Register("redirect", turnctl.HookFuncs{
		After: func(ctx context.Context, in turnctl.Input) (map[string]any, error) {
			if injected {
				return nil, nil
			}
			injected = true
			return map[string]any{"inject_instruction": "answer in French"}, nil
		},
	})
	if err != nil {
		t.Fatalf("Register(redirect) error = %v", err)
	}

	r.userSays(t, "c1", "hello")
	r.assistantSays(t, "c1", "hi", 0.01)

	// The injected instruction forces a second generation step with the
	// synthetic turn in history.
	if r.gen.count() != 2 {
		t.Fatalf("turn requests = %d, want 2 (user + redirect)", r.gen.count())
	}
	req := r.gen.last(t)
	last := req.History[len(req.History)-1]
	if last.Role != RoleSystem || last.Content != "answer in French" {
		t.Errorf("last turn = %+v, want the injected instruction", last)
	}
}

func TestEngine_TerminalValueIgnoredForNonChild(t *testing.T) {
	settings := defaultSettings()
	settings.DefaultProfile = "terminator"
	r := newRig(t, settings)

	err := r.reg.Register("terminator", turnctl.HookFuncs{
		After: func(ctx context.Context, in turnctl.Input) (map[string]any, error) {
			return map[string]any{"terminal_value": "done"}, nil
		},
	})
	if err != nil {
		t.Fatalf("Register(terminator) error = %v", err)
	}

	r.userSays(t, "c1", "hello")
	r.assistantSays(t, "c1", "hi", 0.01)

	for _, snap := range r.engine.Conversations() {
		if snap.ID == "c1" && snap.Status != StatusActive {
			t.Errorf("status = %s, want active (terminal value is child-only)", snap.Status)
		}
	}
}

func TestEngine_UnregisteredToolPolicy(t *testing.T) {
	t.Run("halt", func(t *testing.T) {
		settings := defaultSettings()
		settings.OnUnregistered = dispatch.UnregisteredHalt
		r := newRig(t, settings)
		r.router.SetExternalTools([]string{"browser"})

		err := r.invokeTool(t, "c1", "tc-1", "mystery", `{}`)
		if !errors.Is(err, dispatch.ErrHalt) {
			t.Errorf("error = %v, want wrapped ErrHalt", err)
		}
	})

	t.Run("leave pending", func(t *testing.T) {
		settings := defaultSettings()
		settings.OnUnregistered = dispatch.UnregisteredSkip
		r := newRig(t, settings)
		r.router.SetExternalTools([]string{"browser"})

		if err := r.invokeTool(t, "c1", "tc-1", "mystery", `{}`); err != nil {
			t.Errorf("error = %v, want nil under leave-pending", err)
		}
	})

	t.Run("assumed external without allowlist", func(t *testing.T) {
		r := newRig(t, defaultSettings())
		if err := r.invokeTool(t, "c1", "tc-1", "mystery", `{}`); err != nil {
			t.Errorf("error = %v, want nil for assumed-external tool", err)
		}
	})
}

func TestEngine_RedeliveredInvocationConsumed(t *testing.T) {
	r := newRig(t, defaultSettings())

	if err := r.invokeTool(t, "c1", "tc-1", "budget_reset", `{}`); err != nil {
		t.Fatalf("first invocation error = %v", err)
	}
	// The feed redelivers the same invocation
	if err := r.invokeTool(t, "c1", "tc-1", "budget_reset", `{}`); err != nil {
		t.Errorf("redelivered invocation error = %v, want nil", err)
	}
}

func TestEngine_ChildFailureFinalizesWithError(t *testing.T) {
	r := newRig(t, defaultSettings())

	if err := r.invokeTool(t, "parent", "tc-1", "subchat", `{"children":[{"content":"go"}]}`); err != nil {
		t.Fatalf("invokeTool(subchat) error = %v", err)
	}
	r.opener.mu.Lock()
	child := r.opener.opened[0]
	r.opener.mu.Unlock()

	ev := mustEvent(t, event.KindTaskUpdated, child, event.TaskUpdate{Status: "failed", Detail: "sandbox died"})
	if err := r.engine.handleTaskUpdate(context.Background(), ev); err != nil {
		t.Fatalf("handleTaskUpdate() error = %v", err)
	}

	res, ok := r.sink.result("tc-1")
	if !ok {
		t.Fatal("group never resolved after child failure")
	}
	if got, want := res.Text(), `["error: task failed: sandbox died"]`; got != want {
		t.Errorf("aggregated result = %s, want %s", got, want)
	}
}
