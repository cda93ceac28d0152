package conversation

import (
	"context"
	"time"
)

// Turn roles as they appear on the feed.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Status of a conversation as tracked by this runtime.
type Status string

const (
	StatusActive    Status = "active"
	StatusFailed    Status = "failed"
	StatusFinalized Status = "finalized" // child delivered its value
	StatusClosed    Status = "closed"    // closed on the platform side
)

// Turn is one entry of a conversation's history.
type Turn struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Tools   []string `json:"tools,omitempty"`
}

// TurnRequest asks the platform to run one generation step.
type TurnRequest struct {
	ConversationID string `json:"conversation_id"`
	Model          string `json:"model,omitempty"`
	System         string `json:"system,omitempty"`
	History        []Turn `json:"history"`
}

// Generator requests generation steps from the platform. Feed adapters
// implement it; the generated turn returns later as its own event.
type Generator interface {
	RequestTurn(ctx context.Context, req TurnRequest) error
}

// Snapshot is a point-in-time view of one conversation for the status
// endpoint.
type Snapshot struct {
	ID      string `json:"id"`
	Title   string `json:"title,omitempty"`
	Status  Status `json:"status"`
	Turns   int    `json:"turns"`
	Parked  bool   `json:"parked,omitempty"`
	IsChild bool   `json:"is_child,omitempty"`
}

type conversation struct {
	id          string
	title       string
	status      Status
	turns       []Turn
	turnCount   int
	parked      bool
	turnStarted time.Time
}

func (c *conversation) lastAssistantTurn() *Turn {
	for i := len(c.turns) - 1; i >= 0; i-- {
		if c.turns[i].Role == RoleAssistant {
			return &c.turns[i]
		}
	}
	return nil
}
