package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/HyphaGroup/marionette/internal/budget"
)

// BuiltinDeps carries what the built-in tools need
type BuiltinDeps struct {
	Budget      *budget.Tracker
	MaxChildren int
}

// SpawnParams are the arguments of the subchat tool
type SpawnParams struct {
	Children []ChildSpec `json:"children" description:"Child conversations to open, in result order"`
}

// BudgetStatusParams are the arguments of the budget_status tool
type BudgetStatusParams struct {
	ConversationID string `json:"conversation_id,omitempty" description:"Conversation to inspect; defaults to the calling one"`
}

// BudgetResetParams are the arguments of the budget_reset tool
type BudgetResetParams struct {
	ConversationID string  `json:"conversation_id,omitempty" description:"Conversation to reset; empty resets every tracked one"`
	CeilingUSD     float64 `json:"ceiling_usd,omitempty" description:"New ceiling in USD; zero keeps the current one"`
}

// RegisterBuiltins claims the runtime's own tools
func RegisterBuiltins(r *Registry, deps BuiltinDeps) error {
	if err := Register(r, ToolDef{
		Name:        "subchat",
		Description: "Open child conversations and resolve with their aggregated results",
	}, spawnHandler(deps)); err != nil {
		return err
	}

	if err := Register(r, ToolDef{
		Name:        "budget_status",
		Description: "Report a conversation's spend against its ceiling",
	}, budgetStatusHandler(deps)); err != nil {
		return err
	}

	if err := Register(r, ToolDef{
		Name:        "budget_reset",
		Description: "Clear a conversation's spend and budget block (asks for confirmation)",
	}, budgetResetHandler(deps)); err != nil {
		return err
	}

	return nil
}

func spawnHandler(deps BuiltinDeps) func(ctx context.Context, call *Call, params SpawnParams) (Outcome, error) {
	return func(ctx context.Context, call *Call, params SpawnParams) (Outcome, error) {
		if len(params.Children) == 0 {
			return Outcome{}, fmt.Errorf("subchat requires at least one child")
		}
		if deps.MaxChildren > 0 && len(params.Children) > deps.MaxChildren {
			return Outcome{}, fmt.Errorf("subchat allows at most %d children, got %d", deps.MaxChildren, len(params.Children))
		}
		for i, child := range params.Children {
			if child.Content == "" {
				return Outcome{}, fmt.Errorf("child %d has no opening content", i)
			}
		}
		return PendingChildren(params.Children), nil
	}
}

func budgetStatusHandler(deps BuiltinDeps) func(ctx context.Context, call *Call, params BudgetStatusParams) (Outcome, error) {
	return func(ctx context.Context, call *Call, params BudgetStatusParams) (Outcome, error) {
		conversationID := params.ConversationID
		if conversationID == "" {
			conversationID = call.ConversationID
		}

		snap := deps.Budget.Get(conversationID)
		summary := fmt.Sprintf("spent %.4f of %.2f USD", snap.SpentUSD, snap.CeilingUSD)
		if snap.Blocked {
			summary += " (blocked until reset)"
		} else if snap.SoftWarn {
			summary += " (nearing ceiling)"
		}

		data, err := json.Marshal(snap)
		if err != nil {
			return Outcome{}, fmt.Errorf("encoding snapshot: %w", err)
		}

		return Success(Result{Parts: []Part{
			{Type: "text", Content: summary},
			{Type: "data", Content: string(data)},
		}}), nil
	}
}

func budgetResetHandler(deps BuiltinDeps) func(ctx context.Context, call *Call, params BudgetResetParams) (Outcome, error) {
	return func(ctx context.Context, call *Call, params BudgetResetParams) (Outcome, error) {
		if !call.Approved {
			target := params.ConversationID
			if target == "" {
				target = "every tracked conversation"
			}
			return NeedsConfirmation(fmt.Sprintf("Reset the budget for %s?", target)), nil
		}

		n := deps.Budget.Reset(params.ConversationID, params.CeilingUSD)
		return Success(TextResult(fmt.Sprintf("reset %d budget ledger(s)", n))), nil
	}
}
