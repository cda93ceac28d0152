package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/HyphaGroup/marionette/internal/budget"
	"github.com/HyphaGroup/marionette/internal/dispatch"
	"github.com/HyphaGroup/marionette/internal/event"
	"github.com/HyphaGroup/marionette/internal/logger"
	"github.com/HyphaGroup/marionette/internal/metrics"
	"github.com/HyphaGroup/marionette/internal/subchat"
	"github.com/HyphaGroup/marionette/internal/tools"
	"github.com/HyphaGroup/marionette/internal/turnctl"
)

// ToolRouter is the slice of the tool router the engine drives.
type ToolRouter interface {
	Route(ctx context.Context, call *tools.Call) error
	HandleApproval(ctx context.Context, invocationID string, approved bool, reason string) error
	Cancel(ctx context.Context, invocationIDs []string) int
	Pending() []*tools.Call
}

// ChildTracker is the slice of the subchat orchestrator the engine
// consults: which conversations are children, and where their terminal
// values go.
type ChildTracker interface {
	ChildInfo(conversationID string) (subchat.ChildInfo, bool)
	OnChildFinalized(ctx context.Context, conversationID, value string)
}

// Settings carries the engine's fixed configuration.
type Settings struct {
	Model          string
	SystemPrompt   string
	MaxHistory     int
	DefaultProfile string
	OnUnregistered dispatch.UnregisteredPolicy
}

// Engine turns feed events into conversation state, runs the control
// hooks around every generation step, and drives the tool router. All
// handlers run on the dispatch goroutine; the lock covers the status
// endpoint's reads.
type Engine struct {
	gen      Generator
	router   ToolRouter
	children ChildTracker
	tracker  *budget.Tracker
	eval     *turnctl.Evaluator
	settings Settings

	mu    sync.Mutex
	convs map[string]*conversation
}

// NewEngine wires the engine over its collaborators
func NewEngine(gen Generator, router ToolRouter, children ChildTracker, tracker *budget.Tracker, eval *turnctl.Evaluator, settings Settings) *Engine {
	return &Engine{
		gen:      gen,
		router:   router,
		children: children,
		tracker:  tracker,
		eval:     eval,
		settings: settings,
		convs:    make(map[string]*conversation),
	}
}

// Register claims every event kind the engine handles
func (e *Engine) Register(d *dispatch.Dispatcher) error {
	handlers := map[event.Kind]dispatch.Handler{
		event.KindMessageAppended:     e.handleMessage,
		event.KindToolInvocation:      e.handleToolInvocation,
		event.KindToolApproval:        e.handleToolApproval,
		event.KindTaskUpdated:         e.handleTaskUpdate,
		event.KindConversationUpdated: e.handleConversationUpdate,
		event.KindBudgetReset:         e.handleBudgetReset,
	}
	for kind, h := range handlers {
		if err := d.RegisterHandler(kind, h); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) handleMessage(ctx context.Context, ev event.Event) error {
	var msg event.Message
	if err := ev.Decode(&msg); err != nil {
		return fmt.Errorf("decoding message payload: %w", err)
	}

	c := e.ensure(ev.ConversationID)
	e.append(c, Turn{Role: msg.Role, Content: msg.Content})

	switch msg.Role {
	case RoleUser:
		e.beginTurn(ctx, c)
	case RoleAssistant:
		e.finishTurn(ctx, c, msg)
	}
	return nil
}

// beginTurn runs the before hook and, unless it vetoes or the budget
// blocks, asks the platform for the next generation step.
func (e *Engine) beginTurn(ctx context.Context, c *conversation) {
	if !e.active(c) {
		logger.Info("conversation: %s is %s, not generating", c.id, e.status(c))
		return
	}

	res := e.eval.BeforeTurn(ctx, e.profileFor(c.id), e.controlInput(c))
	if e.applyControl(ctx, c, res, "before_turn") {
		return
	}

	if e.tracker.IsBlocked(c.id) {
		e.mu.Lock()
		c.parked = true
		e.mu.Unlock()
		logger.Info("conversation: %s is over budget, parked until reset", c.id)
		return
	}

	e.requestTurn(ctx, c)
}

func (e *Engine) requestTurn(ctx context.Context, c *conversation) {
	req := TurnRequest{
		ConversationID: c.id,
		Model:          e.settings.Model,
		System:         e.settings.SystemPrompt,
		History:        e.historyWindow(c),
	}

	e.mu.Lock()
	c.parked = false
	c.turnStarted = time.Now()
	e.mu.Unlock()

	if err := e.gen.RequestTurn(ctx, req); err != nil {
		logger.Error("conversation: requesting turn for %s: %v", c.id, err)
		metrics.RecordTurn("request_failed", 0, 0)
	}
}

// finishTurn accounts for a generated turn and runs the after hook. An
// injected instruction here redirects the conversation into another
// generation step immediately.
func (e *Engine) finishTurn(ctx context.Context, c *conversation, msg event.Message) {
	e.mu.Lock()
	c.turnCount++
	var dur float64
	if !c.turnStarted.IsZero() {
		dur = time.Since(c.turnStarted).Seconds()
		c.turnStarted = time.Time{}
	}
	e.mu.Unlock()

	if msg.CostUSD > 0 {
		e.tracker.Charge(c.id, msg.CostUSD)
	}
	metrics.RecordTurn("ok", dur, msg.CostUSD)

	// The spend above is real either way, but a finalized or failed
	// conversation runs no further control hooks.
	if !e.active(c) {
		logger.Info("conversation: %s is %s, skipping control hooks", c.id, e.status(c))
		return
	}

	res := e.eval.AfterTurn(ctx, e.profileFor(c.id), e.controlInput(c))
	if e.applyControl(ctx, c, res, "after_turn") {
		return
	}
	if res.InjectInstruction != "" {
		e.beginTurn(ctx, c)
	}
}

// applyControl acts on a hook's directives in their fixed order: hard
// error first, then cancellations, then the injected instruction, then
// the terminal value. Reports whether the conversation stops here.
func (e *Engine) applyControl(ctx context.Context, c *conversation, res turnctl.Result, phase string) bool {
	if res.HardError != "" {
		e.failConversation(ctx, c, res.HardError)
		return true
	}

	if len(res.CancelInvocationIDs) > 0 {
		n := e.router.Cancel(ctx, res.CancelInvocationIDs)
		logger.Info("conversation: %s hook cancelled %d of %d pending calls for %s", phase, n, len(res.CancelInvocationIDs), c.id)
	}

	if res.InjectInstruction != "" {
		e.append(c, Turn{Role: RoleSystem, Content: res.InjectInstruction})
		logger.Info("conversation: %s hook injected an instruction into %s", phase, c.id)
	}

	if res.HasTerminal {
		if _, isChild := e.children.ChildInfo(c.id); isChild {
			e.setStatus(c, StatusFinalized)
			value := terminalString(res.TerminalValue)
			logger.Info("conversation: child %s finalized by %s hook", c.id, phase)
			e.children.OnChildFinalized(ctx, c.id, value)
			return true
		}
		// Scripts are shared across child and non-child profiles; the
		// field is simply irrelevant outside a child.
		logger.Info("conversation: ignoring terminal value from %s hook for non-child %s", phase, c.id)
	}
	return false
}

func (e *Engine) failConversation(ctx context.Context, c *conversation, reason string) {
	e.setStatus(c, StatusFailed)
	logger.Warn("conversation: %s failed: %s", c.id, reason)

	// A failed child can never deliver a value on its own; surface the
	// failure to the owning group instead of letting it run out the
	// deadline.
	if _, isChild := e.children.ChildInfo(c.id); isChild {
		e.children.OnChildFinalized(ctx, c.id, "error: "+reason)
	}
}

func (e *Engine) handleToolInvocation(ctx context.Context, ev event.Event) error {
	var inv event.ToolInvocation
	if err := ev.Decode(&inv); err != nil {
		return fmt.Errorf("decoding tool invocation payload: %w", err)
	}

	c := e.ensure(ev.ConversationID)
	e.recordToolUse(c, inv.Tool)

	call := &tools.Call{
		InvocationID:   inv.InvocationID,
		ConversationID: ev.ConversationID,
		Tool:           inv.Tool,
		Arguments:      inv.Arguments,
		Received:       ev.Time,
	}

	err := e.router.Route(ctx, call)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, tools.ErrDuplicateInvocation):
		// At-least-once delivery replays invocation events
		logger.Info("conversation: invocation %s redelivered, already pending", inv.InvocationID)
		return nil
	case errors.Is(err, tools.ErrUnregisteredTool):
		if e.settings.OnUnregistered == dispatch.UnregisteredSkip {
			logger.Warn("conversation: tool %s claimed by nobody, leaving invocation %s pending", inv.Tool, inv.InvocationID)
			return nil
		}
		return fmt.Errorf("tool %s claimed by nobody: %w", inv.Tool, dispatch.ErrHalt)
	default:
		return err
	}
}

func (e *Engine) handleToolApproval(ctx context.Context, ev event.Event) error {
	var ap event.ToolApproval
	if err := ev.Decode(&ap); err != nil {
		return fmt.Errorf("decoding tool approval payload: %w", err)
	}
	return e.router.HandleApproval(ctx, ap.InvocationID, ap.Approved, ap.Reason)
}

func (e *Engine) handleTaskUpdate(ctx context.Context, ev event.Event) error {
	var task event.TaskUpdate
	if err := ev.Decode(&task); err != nil {
		return fmt.Errorf("decoding task update payload: %w", err)
	}

	c := e.ensure(ev.ConversationID)
	logger.Info("conversation: task for %s is now %s", c.id, task.Status)

	if task.Status == "failed" {
		if _, isChild := e.children.ChildInfo(c.id); isChild {
			reason := "task failed"
			if task.Detail != "" {
				reason += ": " + task.Detail
			}
			e.failConversation(ctx, c, reason)
		}
	}
	return nil
}

func (e *Engine) handleConversationUpdate(ctx context.Context, ev event.Event) error {
	var upd event.ConversationUpdate
	if err := ev.Decode(&upd); err != nil {
		return fmt.Errorf("decoding conversation update payload: %w", err)
	}

	c := e.ensure(ev.ConversationID)
	e.mu.Lock()
	if upd.Title != "" {
		c.title = upd.Title
	}
	e.mu.Unlock()

	switch upd.Status {
	case "closed", "archived", "deleted":
		e.setStatus(c, StatusClosed)
		logger.Info("conversation: %s closed on the platform side", c.id)
	case "active":
		e.setStatus(c, StatusActive)
	}
	return nil
}

// handleBudgetReset clears ledgers and resumes any conversation that
// was parked on a blocked budget.
func (e *Engine) handleBudgetReset(ctx context.Context, ev event.Event) error {
	var reset event.BudgetReset
	if err := ev.Decode(&reset); err != nil {
		return fmt.Errorf("decoding budget reset payload: %w", err)
	}

	n := e.tracker.Reset(reset.ConversationID, reset.CeilingUSD)
	logger.Info("conversation: budget reset cleared %d ledger(s)", n)

	e.mu.Lock()
	var resume []*conversation
	for _, c := range e.convs {
		if c.parked && (reset.ConversationID == "" || reset.ConversationID == c.id) {
			resume = append(resume, c)
		}
	}
	e.mu.Unlock()

	for _, c := range resume {
		logger.Info("conversation: resuming %s after budget reset", c.id)
		e.beginTurn(ctx, c)
	}
	return nil
}

// controlInput snapshots what the hooks are allowed to see
func (e *Engine) controlInput(c *conversation) turnctl.Input {
	e.mu.Lock()
	history := make([]turnctl.Turn, len(c.turns))
	for i, t := range c.turns {
		history[i] = turnctl.Turn{Role: t.Role, Content: t.Content, Tools: t.Tools}
	}
	turnCount := c.turnCount
	e.mu.Unlock()

	var pending []turnctl.PendingCall
	for _, call := range e.router.Pending() {
		if call.ConversationID == c.id {
			pending = append(pending, turnctl.PendingCall{InvocationID: call.InvocationID, Tool: call.Tool})
		}
	}

	snap := e.tracker.Get(c.id)
	_, isChild := e.children.ChildInfo(c.id)

	return turnctl.Input{
		ConversationID: c.id,
		IsChild:        isChild,
		TurnCount:      turnCount,
		History:        history,
		PendingCalls:   pending,
		SpentUSD:       snap.SpentUSD,
		CeilingUSD:     snap.CeilingUSD,
		SoftWarn:       snap.SoftWarn,
	}
}

func (e *Engine) profileFor(conversationID string) string {
	if info, ok := e.children.ChildInfo(conversationID); ok && info.Profile != "" {
		return info.Profile
	}
	return e.settings.DefaultProfile
}

func (e *Engine) ensure(conversationID string) *conversation {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, ok := e.convs[conversationID]
	if !ok {
		c = &conversation{id: conversationID, status: StatusActive}
		e.convs[conversationID] = c
	}
	return c
}

func (e *Engine) append(c *conversation, turn Turn) {
	e.mu.Lock()
	defer e.mu.Unlock()

	c.turns = append(c.turns, turn)
	if max := e.settings.MaxHistory; max > 0 && len(c.turns) > max {
		c.turns = append(c.turns[:0:0], c.turns[len(c.turns)-max:]...)
	}
}

func (e *Engine) recordToolUse(c *conversation, tool string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t := c.lastAssistantTurn(); t != nil {
		t.Tools = append(t.Tools, tool)
	}
}

func (e *Engine) historyWindow(c *conversation) []Turn {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Turn(nil), c.turns...)
}

func (e *Engine) active(c *conversation) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return c.status == StatusActive
}

func (e *Engine) status(c *conversation) Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return c.status
}

func (e *Engine) setStatus(c *conversation, s Status) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c.status = s
}

// Conversations lists a snapshot of every known conversation
func (e *Engine) Conversations() []Snapshot {
	e.mu.Lock()
	snaps := make([]Snapshot, 0, len(e.convs))
	ids := make([]string, 0, len(e.convs))
	for id, c := range e.convs {
		snaps = append(snaps, Snapshot{
			ID:     id,
			Title:  c.title,
			Status: c.status,
			Turns:  len(c.turns),
			Parked: c.parked,
		})
		ids = append(ids, id)
	}
	e.mu.Unlock()

	for i, id := range ids {
		_, snaps[i].IsChild = e.children.ChildInfo(id)
	}
	return snaps
}

func terminalString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
