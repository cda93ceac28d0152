package turnctl

import (
	"context"
	"fmt"
	"sync"

	"github.com/HyphaGroup/marionette/internal/config"
)

// Policy is the declarative profile built from a config.ControlProfile.
// Rules, in the order they apply:
//   - deny_tools cancels pending invocations of the listed tools
//   - warn_instruction is injected once per conversation when the soft
//     budget threshold is crossed
//   - max_turns finalizes a child with its last reply, and hard-errors
//     a top-level conversation
type Policy struct {
	cfg config.ControlProfile

	mu     sync.Mutex
	warned map[string]bool
}

// NewPolicy builds a Policy from its config declaration
func NewPolicy(cfg config.ControlProfile) *Policy {
	return &Policy{cfg: cfg, warned: make(map[string]bool)}
}

// PoliciesFromConfig builds the hook set for Registry.LoadPolicies
func PoliciesFromConfig(profiles map[string]config.ControlProfile) map[string]Hook {
	out := make(map[string]Hook, len(profiles))
	for name, cfg := range profiles {
		out[name] = NewPolicy(cfg)
	}
	return out
}

func (p *Policy) BeforeTurn(ctx context.Context, in Input) (map[string]any, error) {
	out := make(map[string]any)

	if ids := p.denied(in); len(ids) > 0 {
		out["cancel_invocation_ids"] = ids
	}

	if in.SoftWarn && p.cfg.WarnInstruction != "" && !p.alreadyWarned(in.ConversationID) {
		out["inject_instruction"] = p.cfg.WarnInstruction
	}

	p.applyTurnLimit(in, out)
	return out, nil
}

func (p *Policy) AfterTurn(ctx context.Context, in Input) (map[string]any, error) {
	out := make(map[string]any)
	p.applyTurnLimit(in, out)
	return out, nil
}

func (p *Policy) denied(in Input) []string {
	if len(p.cfg.DenyTools) == 0 || len(in.PendingCalls) == 0 {
		return nil
	}
	deny := make(map[string]bool, len(p.cfg.DenyTools))
	for _, tool := range p.cfg.DenyTools {
		deny[tool] = true
	}
	var ids []string
	for _, call := range in.PendingCalls {
		if deny[call.Tool] {
			ids = append(ids, call.InvocationID)
		}
	}
	return ids
}

func (p *Policy) alreadyWarned(conversationID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.warned[conversationID] {
		return true
	}
	p.warned[conversationID] = true
	return false
}

func (p *Policy) applyTurnLimit(in Input, out map[string]any) {
	if p.cfg.MaxTurns <= 0 || in.TurnCount < p.cfg.MaxTurns {
		return
	}
	if in.IsChild {
		out["terminal_value"] = lastReply(in.History)
		return
	}
	out["hard_error"] = fmt.Sprintf("turn limit of %d reached", p.cfg.MaxTurns)
}

func lastReply(history []Turn) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == "assistant" {
			return history[i].Content
		}
	}
	return ""
}
