// Package event defines the events the dispatch loop consumes. Feed
// adapters normalize transport frames into these records; schedules and
// tests construct them directly.
package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/HyphaGroup/marionette/internal/idgen"
)

// Kind discriminates event payloads
type Kind string

const (
	KindConversationUpdated Kind = "conversation_updated"
	KindMessageAppended     Kind = "message_appended"
	KindToolInvocation      Kind = "tool_invocation"
	KindToolApproval        Kind = "tool_approval"
	KindTaskUpdated         Kind = "task_updated"
	KindBudgetReset         Kind = "budget_reset"
)

// Event is one unit of inbound work. Seq is the source's sequence
// marker and is monotonically non-decreasing per source; 0 means the
// event was produced locally and carries no marker.
type Event struct {
	ID             string          `json:"id"`
	Kind           Kind            `json:"kind"`
	ConversationID string          `json:"conversation_id"`
	Seq            uint64          `json:"seq,omitempty"`
	Time           time.Time       `json:"time"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// New builds a local event with a fresh ID and the payload marshaled in
func New(kind Kind, conversationID string, payload any) (Event, error) {
	ev := Event{
		ID:             idgen.EventID(),
		Kind:           kind,
		ConversationID: conversationID,
		Time:           time.Now().UTC(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Event{}, fmt.Errorf("marshaling %s payload: %w", kind, err)
		}
		ev.Payload = data
	}
	return ev, nil
}

// Decode unmarshals the payload into v
func (e Event) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s event has no payload", e.Kind)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decoding %s payload: %w", e.Kind, err)
	}
	return nil
}

// Message is the payload of a message_appended event
type Message struct {
	Role    string  `json:"role"`
	Content string  `json:"content"`
	CostUSD float64 `json:"cost_usd,omitempty"` // inference cost of an assistant turn
}

// ToolInvocation is the payload of a tool_invocation event
type ToolInvocation struct {
	InvocationID string          `json:"invocation_id"`
	Tool         string          `json:"tool"`
	Arguments    json.RawMessage `json:"arguments,omitempty"`
}

// ToolApproval is the payload of a tool_approval event, answering a
// confirmation request for an earlier invocation
type ToolApproval struct {
	InvocationID string `json:"invocation_id"`
	Approved     bool   `json:"approved"`
	Reason       string `json:"reason,omitempty"`
}

// TaskUpdate is the payload of a task_updated event
type TaskUpdate struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// BudgetReset is the payload of a budget_reset event. An empty
// ConversationID resets every tracked conversation. A zero CeilingUSD
// keeps the current ceiling.
type BudgetReset struct {
	ConversationID string  `json:"conversation_id,omitempty"`
	CeilingUSD     float64 `json:"ceiling_usd,omitempty"`
}

// ConversationUpdate is the payload of a conversation_updated event
type ConversationUpdate struct {
	Status string `json:"status,omitempty"`
	Title  string `json:"title,omitempty"`
}
