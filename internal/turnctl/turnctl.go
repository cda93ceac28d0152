// Package turnctl runs the control hooks that bracket every generation
// step. Hooks are named profiles registered at startup (or declared in
// config); the evaluator runs them under a strict wall-clock budget and
// treats anything malformed as absent so a bad profile cannot wedge the
// dispatch loop.
package turnctl

import (
	"errors"

	"github.com/HyphaGroup/marionette/internal/logger"
)

var ErrDuplicateProfile = errors.New("turnctl: profile already registered")

// Input is the read-only view handed to both hooks
type Input struct {
	ConversationID string
	IsChild        bool
	TurnCount      int
	History        []Turn
	PendingCalls   []PendingCall
	SpentUSD       float64
	CeilingUSD     float64
	SoftWarn       bool
}

// Turn is one history entry as hooks see it
type Turn struct {
	Role    string
	Content string
	Tools   []string
}

// PendingCall identifies an unresolved tool invocation
type PendingCall struct {
	InvocationID string
	Tool         string
}

// Result is a hook's decoded directive set. Fields a hook did not
// produce, or produced with the wrong type, stay at their zero value.
type Result struct {
	HardError           string
	CancelInvocationIDs []string
	InjectInstruction   string
	TerminalValue       any
	HasTerminal         bool
}

// Empty reports whether the result carries no directives
func (r Result) Empty() bool {
	return r.HardError == "" && len(r.CancelInvocationIDs) == 0 &&
		r.InjectInstruction == "" && !r.HasTerminal
}

// decodeResult maps a hook's raw output onto Result. Wrong-typed
// fields are logged and dropped rather than failing the turn.
func decodeResult(hook string, raw map[string]any) Result {
	var res Result
	for key, val := range raw {
		switch key {
		case "hard_error":
			if s, ok := val.(string); ok {
				res.HardError = s
			} else {
				logger.Warn("turnctl: %s returned non-string hard_error (%T), ignoring", hook, val)
			}
		case "cancel_invocation_ids":
			ids, ok := stringSlice(val)
			if !ok {
				logger.Warn("turnctl: %s returned malformed cancel_invocation_ids (%T), ignoring", hook, val)
				continue
			}
			res.CancelInvocationIDs = ids
		case "inject_instruction":
			if s, ok := val.(string); ok {
				res.InjectInstruction = s
			} else {
				logger.Warn("turnctl: %s returned non-string inject_instruction (%T), ignoring", hook, val)
			}
		case "terminal_value":
			res.TerminalValue = val
			res.HasTerminal = true
		}
	}
	return res
}

func stringSlice(val any) ([]string, bool) {
	switch v := val.(type) {
	case []string:
		return v, true
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	default:
		return nil, false
	}
}
