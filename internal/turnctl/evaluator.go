package turnctl

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/HyphaGroup/marionette/internal/logger"
	"github.com/HyphaGroup/marionette/internal/metrics"
)

// Hook is one control profile. Both methods return the raw directive
// map the evaluator decodes; returning nil means no directives.
type Hook interface {
	BeforeTurn(ctx context.Context, in Input) (map[string]any, error)
	AfterTurn(ctx context.Context, in Input) (map[string]any, error)
}

// HookFuncs adapts plain functions to Hook. Nil functions no-op.
type HookFuncs struct {
	Before func(ctx context.Context, in Input) (map[string]any, error)
	After  func(ctx context.Context, in Input) (map[string]any, error)
}

func (h HookFuncs) BeforeTurn(ctx context.Context, in Input) (map[string]any, error) {
	if h.Before == nil {
		return nil, nil
	}
	return h.Before(ctx, in)
}

func (h HookFuncs) AfterTurn(ctx context.Context, in Input) (map[string]any, error) {
	if h.After == nil {
		return nil, nil
	}
	return h.After(ctx, in)
}

type profileOrigin int

const (
	originPlaceholder profileOrigin = iota
	originCode
	originConfig
)

type registeredProfile struct {
	hook   Hook
	origin profileOrigin
}

// Registry holds named control profiles. Register is for code-defined
// profiles and rejects duplicates at startup; LoadPolicies replaces the
// config-declared set wholesale so the config watcher can hot-swap it.
// A no-op "default" profile is always present unless something
// registers over it.
type Registry struct {
	mu       sync.RWMutex
	profiles map[string]registeredProfile
}

// NewRegistry creates a registry with a no-op "default" profile
func NewRegistry() *Registry {
	return &Registry{
		profiles: map[string]registeredProfile{
			"default": {hook: HookFuncs{}, origin: originPlaceholder},
		},
	}
}

// Register adds a code-defined profile
func (r *Registry) Register(name string, h Hook) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, exists := r.profiles[name]; exists && p.origin == originCode {
		return fmt.Errorf("%w: %s", ErrDuplicateProfile, name)
	}
	r.profiles[name] = registeredProfile{hook: h, origin: originCode}
	return nil
}

// LoadPolicies replaces every config-declared profile with the given
// set. Code-registered profiles are left alone.
func (r *Registry) LoadPolicies(policies map[string]Hook) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for name, p := range r.profiles {
		if p.origin == originConfig {
			delete(r.profiles, name)
		}
	}
	for name, h := range policies {
		if p, exists := r.profiles[name]; exists && p.origin == originCode {
			logger.Warn("turnctl: config profile %q shadowed by code-registered profile", name)
			continue
		}
		r.profiles[name] = registeredProfile{hook: h, origin: originConfig}
	}
	if _, exists := r.profiles["default"]; !exists {
		r.profiles["default"] = registeredProfile{hook: HookFuncs{}, origin: originPlaceholder}
	}
}

// Get returns the named profile
func (r *Registry) Get(name string) (Hook, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[name]
	if !ok {
		return nil, false
	}
	return p.hook, true
}

// Names returns registered profile names
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.profiles))
	for name := range r.profiles {
		names = append(names, name)
	}
	return names
}

// Evaluator runs control hooks with panic isolation and a wall-clock
// budget well under a second. A hook that errors, panics, or runs past
// the budget contributes nothing to the turn.
type Evaluator struct {
	reg            *Registry
	defaultProfile string
	budget         time.Duration
}

// NewEvaluator creates an evaluator. budget caps each hook call.
func NewEvaluator(reg *Registry, defaultProfile string, budget time.Duration) *Evaluator {
	if budget <= 0 || budget > time.Second {
		budget = 750 * time.Millisecond
	}
	return &Evaluator{reg: reg, defaultProfile: defaultProfile, budget: budget}
}

// BeforeTurn runs the profile's before hook
func (e *Evaluator) BeforeTurn(ctx context.Context, profile string, in Input) Result {
	return e.run(ctx, "before", profile, in, func(h Hook, ctx context.Context) (map[string]any, error) {
		return h.BeforeTurn(ctx, in)
	})
}

// AfterTurn runs the profile's after hook
func (e *Evaluator) AfterTurn(ctx context.Context, profile string, in Input) Result {
	return e.run(ctx, "after", profile, in, func(h Hook, ctx context.Context) (map[string]any, error) {
		return h.AfterTurn(ctx, in)
	})
}

func (e *Evaluator) run(ctx context.Context, phase, profile string, in Input, call func(Hook, context.Context) (map[string]any, error)) Result {
	name := profile
	if name == "" {
		name = e.defaultProfile
	}
	hook, ok := e.reg.Get(name)
	if !ok {
		logger.Warn("turnctl: profile %q not registered, skipping %s hook", name, phase)
		metrics.RecordControlOutcome(phase, "missing_profile")
		return Result{}
	}

	ctx, cancel := context.WithTimeout(ctx, e.budget)
	defer cancel()

	type outcome struct {
		raw map[string]any
		err error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("hook panicked: %v", r)}
			}
		}()
		raw, err := call(hook, ctx)
		done <- outcome{raw: raw, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			logger.Error("turnctl: %s/%s hook for %s failed: %v", name, phase, in.ConversationID, out.err)
			metrics.RecordControlOutcome(phase, "error")
			return Result{}
		}
		if out.raw == nil {
			metrics.RecordControlOutcome(phase, "ok")
			return Result{}
		}
		metrics.RecordControlOutcome(phase, "ok")
		return decodeResult(name+"/"+phase, out.raw)
	case <-ctx.Done():
		// The hook goroutine is left to finish on its own; its result
		// lands in the buffered channel and is discarded.
		logger.Error("turnctl: %s/%s hook for %s exceeded %v budget", name, phase, in.ConversationID, e.budget)
		metrics.RecordControlOutcome(phase, "timeout")
		return Result{}
	}
}
