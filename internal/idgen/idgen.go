// Package idgen centralizes identifier generation. Event IDs are ULIDs
// so log lines sort by creation time; everything else is a UUID.
package idgen

import (
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// EventID returns a new time-ordered event identifier
func EventID() string {
	return ulid.Make().String()
}

// ConversationID returns a new conversation identifier
func ConversationID() string {
	return uuid.New().String()
}

// GroupID returns a new subchat group identifier
func GroupID() string {
	return uuid.New().String()
}
