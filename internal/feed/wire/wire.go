package wire

import (
	"encoding/json"
	"fmt"

	"github.com/HyphaGroup/marionette/internal/event"
	"github.com/HyphaGroup/marionette/internal/tools"
)

// Outbound frame types
const (
	TypeTurnRequest         = "turn_request"
	TypeToolResult          = "tool_result"
	TypeConfirmationRequest = "confirmation_request"
	TypeChildOpen           = "child_open"
	TypeSubscribe           = "subscribe"
)

// Frame is the envelope for everything the runtime sends to the
// platform. Inbound traffic uses event.Event directly.
type Frame struct {
	Type           string          `json:"type"`
	ConversationID string          `json:"conversation_id,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// NewFrame wraps a payload into an envelope
func NewFrame(frameType, conversationID string, payload any) (Frame, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("encoding %s payload: %w", frameType, err)
	}
	return Frame{Type: frameType, ConversationID: conversationID, Payload: data}, nil
}

// ToolResult carries a resolved invocation back to the platform
type ToolResult struct {
	InvocationID string       `json:"invocation_id"`
	Tool         string       `json:"tool"`
	Parts        []tools.Part `json:"parts"`
	IsError      bool         `json:"is_error,omitempty"`
	Cancelled    bool         `json:"cancelled,omitempty"`
}

// ConfirmationRequest asks the platform to collect an approval
type ConfirmationRequest struct {
	InvocationID string `json:"invocation_id"`
	Tool         string `json:"tool"`
	Prompt       string `json:"prompt"`
}

// ChildOpen asks the platform to start a child conversation
type ChildOpen struct {
	ConversationID string `json:"conversation_id"`
	Content        string `json:"content"`
	Profile        string `json:"profile,omitempty"`
}

// Subscribe resumes an event subscription after the given marker.
// Used by transports without server-side cursors.
type Subscribe struct {
	AfterSeq uint64 `json:"after_seq"`
}

// ParseEvent decodes an inbound event record and rejects frames that
// cannot be dispatched.
func ParseEvent(data []byte) (event.Event, error) {
	var ev event.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return event.Event{}, fmt.Errorf("decoding event: %w", err)
	}
	if ev.Kind == "" {
		return event.Event{}, fmt.Errorf("event %q has no kind", ev.ID)
	}
	if ev.ConversationID == "" && ev.Kind != event.KindBudgetReset {
		return event.Event{}, fmt.Errorf("%s event %q has no conversation id", ev.Kind, ev.ID)
	}
	return ev, nil
}
