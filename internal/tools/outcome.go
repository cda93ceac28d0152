// Package tools routes tool invocations to their claimed handlers and
// owns the pending-call table. A pending call resolves exactly once:
// whichever of handler outcome, confirmation, group resolution, or
// cancellation lands first wins, and the rest become no-ops.
package tools

import (
	"encoding/json"
	"time"
)

// Part is one piece of a multi-part tool result
type Part struct {
	Type    string `json:"part_type"`
	Content string `json:"part_content"`
}

// Result is the final value posted back for an invocation
type Result struct {
	Parts     []Part `json:"parts"`
	IsError   bool   `json:"is_error,omitempty"`
	Cancelled bool   `json:"cancelled,omitempty"`
}

// TextResult wraps plain text in a single-part result
func TextResult(text string) Result {
	return Result{Parts: []Part{{Type: "text", Content: text}}}
}

// ErrorResult wraps an error message the caller may see
func ErrorResult(msg string) Result {
	return Result{Parts: []Part{{Type: "text", Content: msg}}, IsError: true}
}

// CancelledResult marks an invocation cancelled by turn control
func CancelledResult() Result {
	return Result{
		Parts:     []Part{{Type: "text", Content: "invocation cancelled"}},
		IsError:   true,
		Cancelled: true,
	}
}

// Text returns the concatenated text parts
func (r Result) Text() string {
	var out string
	for _, p := range r.Parts {
		if p.Type == "text" {
			if out != "" {
				out += "\n"
			}
			out += p.Content
		}
	}
	return out
}

// ChildSpec describes one child conversation to spawn
type ChildSpec struct {
	Content string `json:"content" description:"Opening message for the child conversation"`
	Profile string `json:"profile,omitempty" description:"Control profile the child runs under"`
}

// OutcomeKind discriminates handler outcomes
type OutcomeKind int

const (
	// OutcomeSuccess carries a final result
	OutcomeSuccess OutcomeKind = iota
	// OutcomeNeedsConfirmation parks the call until a tool_approval
	// event re-enters it under the same invocation ID
	OutcomeNeedsConfirmation
	// OutcomePendingChildren parks the call on a subchat group
	OutcomePendingChildren
)

// Outcome is the tagged union a handler returns
type Outcome struct {
	Kind     OutcomeKind
	Result   Result
	Prompt   string
	Children []ChildSpec
}

// Success builds a final outcome
func Success(res Result) Outcome {
	return Outcome{Kind: OutcomeSuccess, Result: res}
}

// NeedsConfirmation asks the operator before doing the work
func NeedsConfirmation(prompt string) Outcome {
	return Outcome{Kind: OutcomeNeedsConfirmation, Prompt: prompt}
}

// PendingChildren resolves later from the children's aggregated values
func PendingChildren(children []ChildSpec) Outcome {
	return Outcome{Kind: OutcomePendingChildren, Children: children}
}

// Call is one tool invocation in flight
type Call struct {
	InvocationID   string
	ConversationID string
	Tool           string
	Arguments      json.RawMessage
	Received       time.Time

	// Approved is true on confirmation re-entry, after the operator
	// answered yes to a NeedsConfirmation outcome.
	Approved bool
}
