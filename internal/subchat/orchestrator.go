package subchat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/HyphaGroup/marionette/internal/idgen"
	"github.com/HyphaGroup/marionette/internal/logger"
	"github.com/HyphaGroup/marionette/internal/metrics"
	"github.com/HyphaGroup/marionette/internal/state"
	"github.com/HyphaGroup/marionette/internal/tools"
)

// GroupDeadline is the fixed ceiling on a group's lifetime. A child
// conversation cannot receive human input, so a wait past this bound is
// never recoverable by any actor.
const GroupDeadline = time.Hour

// Resolver delivers a group's result to the owning tool invocation.
// Reports false when the invocation was already resolved (cancelled).
type Resolver interface {
	Resolve(ctx context.Context, invocationID string, res tools.Result) bool
}

// Opener asks the platform to start a child conversation.
type Opener interface {
	OpenChild(ctx context.Context, conversationID, content, profile string) error
}

// Ignorer marks a conversation so its future events are dropped at dispatch.
type Ignorer interface {
	IgnoreConversation(conversationID string)
}

// ChildInfo describes a live child conversation.
type ChildInfo struct {
	GroupID  string
	Profile  string
	Position int
}

// Stats is a point-in-time view for the status endpoint.
type Stats struct {
	OpenGroups   int `json:"open_groups"`
	OpenChildren int `json:"open_children"`
	Resolved     int `json:"resolved"`
	TimedOut     int `json:"timed_out"`
}

type child struct {
	profile   string
	finalized bool
	value     string
}

type group struct {
	id           string
	parentID     string
	invocationID string
	deadline     time.Time
	order        []string
	children     map[string]*child
}

func (g *group) allFinalized() bool {
	for _, c := range g.children {
		if !c.finalized {
			return false
		}
	}
	return true
}

// aggregate builds the result list in spawn order, not completion order.
func (g *group) aggregate() string {
	values := make([]string, len(g.order))
	for i, id := range g.order {
		values[i] = g.children[id].value
	}
	data, err := json.Marshal(values)
	if err != nil {
		return "[]"
	}
	return string(data)
}

// Orchestrator owns every live SubchatGroup. It spawns child
// conversations for a pending tool invocation, collects their
// finalization values, and resolves the invocation exactly once with
// either the aggregated result or a timeout error.
type Orchestrator struct {
	store    *state.Store
	resolver Resolver
	opener   Opener
	ignorer  Ignorer
	now      func() time.Time
	deadline time.Duration

	mu       sync.Mutex
	groups   map[string]*group
	byChild  map[string]string
	resolved int
	timedOut int
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock substitutes the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// WithDeadline overrides the group deadline ceiling.
func WithDeadline(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.deadline = d
	}
}

func New(store *state.Store, resolver Resolver, opener Opener, ignorer Ignorer, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:    store,
		resolver: resolver,
		opener:   opener,
		ignorer:  ignorer,
		now:      time.Now,
		deadline: GroupDeadline,
		groups:   make(map[string]*group),
		byChild:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Spawn creates one child conversation per spec under a new group and
// returns its id. The owning invocation stays pending until the group
// resolves. Children whose opening message cannot be delivered are
// finalized immediately with an error value so the group never waits on
// a child that was never started.
func (o *Orchestrator) Spawn(ctx context.Context, call *tools.Call, specs []tools.ChildSpec) (string, error) {
	if len(specs) == 0 {
		return "", fmt.Errorf("group needs at least one child")
	}

	g := &group{
		id:           idgen.GroupID(),
		parentID:     call.ConversationID,
		invocationID: call.InvocationID,
		deadline:     o.now().Add(o.deadline),
		children:     make(map[string]*child, len(specs)),
	}
	record := state.Group{
		ID:                   g.id,
		ParentConversationID: g.parentID,
		InvocationID:         g.invocationID,
		Deadline:             g.deadline,
	}
	records := make([]state.Child, len(specs))
	for i, spec := range specs {
		id := idgen.ConversationID()
		g.order = append(g.order, id)
		g.children[id] = &child{profile: spec.Profile}
		records[i] = state.Child{
			GroupID:        g.id,
			ConversationID: id,
			Position:       i,
			Profile:        spec.Profile,
		}
	}

	if err := o.store.CreateGroup(record, records); err != nil {
		return "", fmt.Errorf("persisting group: %w", err)
	}

	o.mu.Lock()
	o.groups[g.id] = g
	for _, id := range g.order {
		o.byChild[id] = g.id
	}
	o.mu.Unlock()
	metrics.OpenGroups.Inc()

	logger.Info("subchat: group %s spawned with %d children for invocation %s", g.id, len(specs), call.InvocationID)

	for i, spec := range specs {
		id := g.order[i]
		if err := o.opener.OpenChild(ctx, id, spec.Content, spec.Profile); err != nil {
			logger.Error("subchat: opening child %s of group %s: %v", id, g.id, err)
			o.OnChildFinalized(ctx, id, "error: child conversation could not be opened")
		}
	}
	return g.id, nil
}

// OnChildFinalized records a child's terminal value. Idempotent: repeat
// finalizations of the same child and finalizations after the group has
// resolved are no-ops.
func (o *Orchestrator) OnChildFinalized(ctx context.Context, conversationID, value string) {
	o.mu.Lock()
	gid, ok := o.byChild[conversationID]
	if !ok {
		o.mu.Unlock()
		logger.Info("subchat: late finalization for %s ignored, no open group", conversationID)
		return
	}
	g := o.groups[gid]
	c := g.children[conversationID]
	if c.finalized {
		o.mu.Unlock()
		logger.Info("subchat: child %s of group %s already finalized, ignoring", conversationID, gid)
		return
	}
	c.finalized = true
	c.value = value

	done := g.allFinalized()
	var invocationID, aggregated string
	if done {
		invocationID = g.invocationID
		aggregated = g.aggregate()
		o.removeLocked(g)
		o.resolved++
	}
	o.mu.Unlock()

	if err := o.store.FinalizeChild(gid, conversationID, value); err != nil && !errors.Is(err, state.ErrNotFound) {
		logger.Error("subchat: persisting finalization of %s: %v", conversationID, err)
	}
	if !done {
		return
	}

	if err := o.store.ResolveGroup(gid, "completed"); err != nil && !errors.Is(err, state.ErrAlreadyResolved) {
		logger.Error("subchat: persisting resolution of group %s: %v", gid, err)
	}
	metrics.OpenGroups.Dec()
	metrics.RecordResolution("completed")
	logger.Info("subchat: group %s completed, resolving invocation %s", gid, invocationID)

	if !o.resolver.Resolve(ctx, invocationID, tools.TextResult(aggregated)) {
		logger.Info("subchat: invocation %s was already resolved, group %s result dropped", invocationID, gid)
	}
}

// CheckDeadlines resolves every group whose deadline has passed with a
// timeout error and marks its unfinished children for forced
// termination. Driven from the dispatcher's idle loop.
func (o *Orchestrator) CheckDeadlines(ctx context.Context) {
	now := o.now()

	o.mu.Lock()
	var expired []*group
	for _, g := range o.groups {
		if !now.Before(g.deadline) {
			expired = append(expired, g)
		}
	}
	for _, g := range expired {
		o.removeLocked(g)
		o.timedOut++
	}
	o.mu.Unlock()

	for _, g := range expired {
		var open []string
		for _, id := range g.order {
			if !g.children[id].finalized {
				open = append(open, id)
			}
		}
		for _, id := range open {
			if o.ignorer != nil {
				o.ignorer.IgnoreConversation(id)
			}
		}

		if err := o.store.ResolveGroup(g.id, "timeout"); err != nil && !errors.Is(err, state.ErrAlreadyResolved) {
			logger.Error("subchat: persisting timeout of group %s: %v", g.id, err)
		}
		metrics.OpenGroups.Dec()
		metrics.RecordResolution("timeout")
		logger.Info("subchat: group %s timed out with %d of %d children unfinished", g.id, len(open), len(g.order))

		msg := fmt.Sprintf("subchat timed out: %d of %d children did not finish within %s", len(open), len(g.order), o.deadline)
		if !o.resolver.Resolve(ctx, g.invocationID, tools.ErrorResult(msg)) {
			logger.Info("subchat: invocation %s was already resolved, timeout for group %s dropped", g.invocationID, g.id)
		}
	}
}

// removeLocked drops a group from the live tables. Callers hold o.mu.
// Once removed, finalization callbacks for its children are no-ops.
func (o *Orchestrator) removeLocked(g *group) {
	delete(o.groups, g.id)
	for _, id := range g.order {
		delete(o.byChild, id)
	}
}

// ChildInfo reports whether a conversation is a live child and under
// which control profile it runs.
func (o *Orchestrator) ChildInfo(conversationID string) (ChildInfo, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	gid, ok := o.byChild[conversationID]
	if !ok {
		return ChildInfo{}, false
	}
	g := o.groups[gid]
	for i, id := range g.order {
		if id == conversationID {
			return ChildInfo{GroupID: gid, Profile: g.children[id].profile, Position: i}, true
		}
	}
	return ChildInfo{}, false
}

// IsChild reports whether a conversation belongs to a live group.
func (o *Orchestrator) IsChild(conversationID string) bool {
	_, ok := o.ChildInfo(conversationID)
	return ok
}

// RecoverOpenGroups reloads unresolved groups from the store after a
// restart. Groups whose deadline passed while the process was down are
// timed out on the first idle sweep.
func (o *Orchestrator) RecoverOpenGroups() (int, error) {
	persisted, err := o.store.OpenGroups()
	if err != nil {
		return 0, fmt.Errorf("loading open groups: %w", err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	for _, p := range persisted {
		children, err := o.store.ChildrenOf(p.ID)
		if err != nil {
			return 0, fmt.Errorf("loading children of %s: %w", p.ID, err)
		}
		g := &group{
			id:           p.ID,
			parentID:     p.ParentConversationID,
			invocationID: p.InvocationID,
			deadline:     p.Deadline,
			children:     make(map[string]*child, len(children)),
		}
		for _, c := range children {
			g.order = append(g.order, c.ConversationID)
			g.children[c.ConversationID] = &child{
				profile:   c.Profile,
				finalized: c.Finalized,
				value:     c.Value,
			}
			o.byChild[c.ConversationID] = g.id
		}
		o.groups[g.id] = g
		metrics.OpenGroups.Inc()
		logger.Info("subchat: recovered open group %s (%d children, deadline %s)", g.id, len(children), g.deadline.Format(time.RFC3339))
	}
	return len(persisted), nil
}

func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()

	unfinished := 0
	for _, g := range o.groups {
		for _, c := range g.children {
			if !c.finalized {
				unfinished++
			}
		}
	}
	return Stats{
		OpenGroups:   len(o.groups),
		OpenChildren: unfinished,
		Resolved:     o.resolved,
		TimedOut:     o.timedOut,
	}
}
