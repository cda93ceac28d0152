// Package schedule turns configured cron entries into events. A due
// entry never touches engine state directly: it is submitted into the
// dispatch loop and handled on the dispatcher goroutine like any other
// event.
package schedule

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/HyphaGroup/marionette/internal/config"
	"github.com/HyphaGroup/marionette/internal/conversation"
	"github.com/HyphaGroup/marionette/internal/event"
	"github.com/HyphaGroup/marionette/internal/logger"
)

// Actions a schedule entry may carry
const (
	ActionPrompt      = "prompt"
	ActionBudgetReset = "budget_reset"
)

// ErrUnknownSchedule is returned when a trigger names no configured entry
var ErrUnknownSchedule = errors.New("unknown schedule")

// Submitter accepts events for dispatch
type Submitter interface {
	Submit(ev event.Event) bool
}

// Status is one entry's bookkeeping as reported by the ops surface
type Status struct {
	Name    string    `json:"name"`
	Cron    string    `json:"cron"`
	Action  string    `json:"action"`
	LastRun time.Time `json:"last_run"`
	NextRun time.Time `json:"next_run"`
	Runs    uint64    `json:"runs"`
}

type entry struct {
	cfg     config.ScheduleEntry
	sched   cron.Schedule
	lastRun time.Time
	next    time.Time
	runs    uint64
}

// Runner checks configured entries against the clock and fires the due
// ones. Entries come from config and live in memory; there is nothing
// to persist because a missed window simply waits for the next one.
type Runner struct {
	submit   Submitter
	interval time.Duration
	now      func() time.Time

	mu      sync.Mutex
	entries []*entry
	byName  map[string]*entry
	started bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Option configures a Runner
type Option func(*Runner)

// WithInterval overrides how often the runner checks for due entries
func WithInterval(d time.Duration) Option {
	return func(r *Runner) { r.interval = d }
}

// WithClock substitutes the time source, for tests
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// NewRunner validates the configured entries and computes their first
// run times. Invalid cron expressions and duplicate names are rejected.
func NewRunner(entries []config.ScheduleEntry, submit Submitter, opts ...Option) (*Runner, error) {
	r := &Runner{
		submit:   submit,
		interval: time.Minute,
		now:      time.Now,
		byName:   make(map[string]*entry, len(entries)),
	}
	for _, opt := range opts {
		opt(r)
	}

	start := r.now()
	for _, cfg := range entries {
		if _, ok := r.byName[cfg.Name]; ok {
			return nil, fmt.Errorf("schedule %q: duplicate name", cfg.Name)
		}
		sched, err := ParseCron(cfg.Cron)
		if err != nil {
			return nil, fmt.Errorf("schedule %q: %w", cfg.Name, err)
		}
		e := &entry{cfg: cfg, sched: sched, next: sched.Next(start)}
		r.entries = append(r.entries, e)
		r.byName[cfg.Name] = e
	}
	return r, nil
}

// Start launches the check loop. Safe to call with no entries; the
// runner then idles until Stop.
func (r *Runner) Start() {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.stopCh = make(chan struct{})
	r.mu.Unlock()

	r.wg.Add(1)
	go r.loop()
	logger.Info("schedule: runner started, %d entries, checking every %s", len(r.entries), r.interval)
}

// Stop halts the check loop and waits for it to exit
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.started = false
	stopCh := r.stopCh
	r.mu.Unlock()

	close(stopCh)
	r.wg.Wait()
	logger.Info("schedule: runner stopped")
}

func (r *Runner) loop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.checkDue()
		}
	}
}

func (r *Runner) checkDue() {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if now.Before(e.next) {
			continue
		}
		r.fire(e, now)
		e.next = e.sched.Next(now)
	}
}

// Trigger fires the named entry immediately. The cron cadence is
// unaffected: the entry's next scheduled run stays where it was.
func (r *Runner) Trigger(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byName[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSchedule, name)
	}
	r.fire(e, r.now())
	return nil
}

// fire submits the entry's event. Callers hold mu.
func (r *Runner) fire(e *entry, now time.Time) {
	ev, err := buildEvent(e.cfg)
	if err != nil {
		logger.Error("schedule: %s: %v", e.cfg.Name, err)
		return
	}
	if !r.submit.Submit(ev) {
		logger.Warn("schedule: %s: event %s rejected by dispatcher", e.cfg.Name, ev.ID)
		return
	}
	e.lastRun = now
	e.runs++
	logger.Info("schedule: %s fired (%s)", e.cfg.Name, e.cfg.Action)
}

// Statuses reports every entry's bookkeeping in config order
func (r *Runner) Statuses() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Status, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, Status{
			Name:    e.cfg.Name,
			Cron:    e.cfg.Cron,
			Action:  e.cfg.Action,
			LastRun: e.lastRun,
			NextRun: e.next,
			Runs:    e.runs,
		})
	}
	return out
}

func buildEvent(cfg config.ScheduleEntry) (event.Event, error) {
	switch cfg.Action {
	case ActionPrompt:
		return event.New(event.KindMessageAppended, cfg.ConversationID, event.Message{
			Role:    conversation.RoleUser,
			Content: cfg.Content,
		})
	case ActionBudgetReset:
		return event.New(event.KindBudgetReset, cfg.ConversationID, event.BudgetReset{
			ConversationID: cfg.ConversationID,
		})
	default:
		return event.Event{}, fmt.Errorf("unknown action %q", cfg.Action)
	}
}
