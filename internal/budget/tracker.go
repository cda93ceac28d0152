// Package budget enforces per-conversation spend ceilings. Charges and
// resets happen on the dispatch goroutine; the read side is shared with
// the ops API, hence the lock.
package budget

import (
	"sync"

	"github.com/HyphaGroup/marionette/internal/logger"
	"github.com/HyphaGroup/marionette/internal/metrics"
	"github.com/HyphaGroup/marionette/internal/state"
)

// Snapshot is one conversation's ledger state at a point in time
type Snapshot struct {
	ConversationID string  `json:"conversation_id"`
	SpentUSD       float64 `json:"spent_usd"`
	CeilingUSD     float64 `json:"ceiling_usd"`
	Blocked        bool    `json:"blocked"`
	SoftWarn       bool    `json:"soft_warn"`
}

// Tracker keeps every conversation's ledger in memory and writes each
// change through to the store. A ceiling of zero or less means the
// conversation is untracked and never blocks.
type Tracker struct {
	mu             sync.RWMutex
	store          *state.Store
	defaultCeiling float64
	softRatio      float64
	ledgers        map[string]*state.Budget
}

// NewTracker creates a tracker and reloads persisted ledgers so blocks
// survive restarts
func NewTracker(store *state.Store, defaultCeilingUSD, softRatio float64) (*Tracker, error) {
	t := &Tracker{
		store:          store,
		defaultCeiling: defaultCeilingUSD,
		softRatio:      softRatio,
		ledgers:        make(map[string]*state.Budget),
	}

	saved, err := store.ListBudgets()
	if err != nil {
		return nil, err
	}
	blocked := 0
	for _, b := range saved {
		t.ledgers[b.ConversationID] = b
		if b.Blocked {
			blocked++
		}
	}
	metrics.BlockedConversations.Set(float64(blocked))

	return t, nil
}

func (t *Tracker) ledger(conversationID string) *state.Budget {
	b, ok := t.ledgers[conversationID]
	if !ok {
		b = &state.Budget{ConversationID: conversationID, CeilingUSD: t.defaultCeiling}
		t.ledgers[conversationID] = b
	}
	return b
}

// Charge adds a completed step's cost to the ledger. Crossing the
// ceiling blocks the conversation; Charge never unblocks.
func (t *Tracker) Charge(conversationID string, amountUSD float64) Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	b := t.ledger(conversationID)
	if amountUSD > 0 {
		b.SpentUSD += amountUSD
	}
	if b.CeilingUSD > 0 && b.SpentUSD >= b.CeilingUSD && !b.Blocked {
		b.Blocked = true
		metrics.BlockedConversations.Inc()
		logger.Warn("budget: conversation %s blocked at %.4f/%.4f USD", conversationID, b.SpentUSD, b.CeilingUSD)
	}
	t.persist(b)
	return t.snapshot(b)
}

// Remaining returns how much headroom the conversation has left
func (t *Tracker) Remaining(conversationID string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	b, ok := t.ledgers[conversationID]
	if !ok {
		return t.defaultCeiling
	}
	if b.CeilingUSD <= 0 {
		return 0
	}
	if remaining := b.CeilingUSD - b.SpentUSD; remaining > 0 {
		return remaining
	}
	return 0
}

// IsBlocked reports whether the conversation is hard-blocked
func (t *Tracker) IsBlocked(conversationID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	b, ok := t.ledgers[conversationID]
	return ok && b.Blocked
}

// Get returns the conversation's current snapshot
func (t *Tracker) Get(conversationID string) Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	b, ok := t.ledgers[conversationID]
	if !ok {
		return Snapshot{ConversationID: conversationID, CeilingUSD: t.defaultCeiling}
	}
	return t.snapshot(b)
}

// Reset clears spend and any block for one conversation, or for every
// tracked conversation when conversationID is empty. A positive
// newCeiling also replaces the ceiling. Returns how many ledgers were
// touched.
func (t *Tracker) Reset(conversationID string, newCeilingUSD float64) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	if conversationID != "" {
		t.resetOne(t.ledger(conversationID), newCeilingUSD)
		return 1
	}

	for _, b := range t.ledgers {
		t.resetOne(b, newCeilingUSD)
	}
	return len(t.ledgers)
}

func (t *Tracker) resetOne(b *state.Budget, newCeilingUSD float64) {
	if b.Blocked {
		metrics.BlockedConversations.Dec()
	}
	b.SpentUSD = 0
	b.Blocked = false
	if newCeilingUSD > 0 {
		b.CeilingUSD = newCeilingUSD
	}
	t.persist(b)
	logger.Info("budget: conversation %s reset, ceiling %.2f USD", b.ConversationID, b.CeilingUSD)
}

// List returns snapshots of every tracked conversation
func (t *Tracker) List() []Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Snapshot, 0, len(t.ledgers))
	for _, b := range t.ledgers {
		out = append(out, t.snapshot(b))
	}
	return out
}

func (t *Tracker) snapshot(b *state.Budget) Snapshot {
	s := Snapshot{
		ConversationID: b.ConversationID,
		SpentUSD:       b.SpentUSD,
		CeilingUSD:     b.CeilingUSD,
		Blocked:        b.Blocked,
	}
	if b.CeilingUSD > 0 && !b.Blocked && b.SpentUSD >= t.softRatio*b.CeilingUSD {
		s.SoftWarn = true
	}
	return s
}

func (t *Tracker) persist(b *state.Budget) {
	if err := t.store.SaveBudget(*b); err != nil {
		logger.Error("budget: persisting ledger for %s: %v", b.ConversationID, err)
	}
}
