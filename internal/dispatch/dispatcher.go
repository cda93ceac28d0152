// Package dispatch owns the event loop. One goroutine pops events off
// the park and runs exactly one handler at a time, so handlers touch
// registries, budgets, and groups without locks. A handler panic is a
// fault in that event only; the loop keeps going.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HyphaGroup/marionette/internal/event"
	"github.com/HyphaGroup/marionette/internal/logger"
	"github.com/HyphaGroup/marionette/internal/metrics"
)

var (
	ErrDuplicateHandler = errors.New("dispatch: handler already registered")

	// ErrHalt wrapped into a handler error asks the loop to stop after
	// the current event instead of treating the error as a fault.
	ErrHalt = errors.New("dispatch: halt requested")
)

// Handler consumes one event. Returning an error wrapping ErrHalt stops
// the loop; any other error is logged and the loop continues.
type Handler func(ctx context.Context, ev event.Event) error

// UnregisteredPolicy selects what dispatch does with an event whose
// kind has no handler
type UnregisteredPolicy int

const (
	// UnregisteredHalt stops the runtime. This is the default: an
	// unhandled kind in production is a wiring bug.
	UnregisteredHalt UnregisteredPolicy = iota
	// UnregisteredSkip logs the event and moves on, leaving it
	// unhandled. Meant for tests and partial deployments.
	UnregisteredSkip
)

// ParseUnregisteredPolicy maps the config field to a policy
func ParseUnregisteredPolicy(s string) (UnregisteredPolicy, error) {
	switch s {
	case "", "stop":
		return UnregisteredHalt, nil
	case "leave-pending":
		return UnregisteredSkip, nil
	default:
		return UnregisteredHalt, fmt.Errorf("unknown on_unregistered policy %q", s)
	}
}

// Stats is a point-in-time view of the loop
type Stats struct {
	Park      ParkStats `json:"park"`
	Processed uint64    `json:"processed"`
	Faults    uint64    `json:"faults"`
	Skipped   uint64    `json:"skipped"`
	Handlers  int       `json:"handlers"`
	Ignored   int       `json:"ignored_conversations"`
	Halted    bool      `json:"halted"`
}

// Dispatcher is the single-threaded event loop
type Dispatcher struct {
	park      *Park
	idleSleep time.Duration
	policy    UnregisteredPolicy

	mu        sync.Mutex
	handlers  map[event.Kind]Handler
	idleFuncs []func(ctx context.Context)
	ignored   map[string]bool
	processed uint64
	faults    uint64
	skipped   uint64

	inFlight   atomic.Int32
	haltOnce   sync.Once
	halted     chan struct{}
	haltReason string
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithIdleSleep sets how long the loop sleeps when the park is empty
// and nothing arrives
func WithIdleSleep(d time.Duration) Option {
	return func(disp *Dispatcher) {
		if d > 0 {
			disp.idleSleep = d
		}
	}
}

// WithUnregisteredPolicy sets the response to events without a handler
func WithUnregisteredPolicy(p UnregisteredPolicy) Option {
	return func(disp *Dispatcher) { disp.policy = p }
}

// New creates a dispatcher
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		park:      NewPark(),
		idleSleep: 250 * time.Millisecond,
		handlers:  make(map[event.Kind]Handler),
		ignored:   make(map[string]bool),
		halted:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// RegisterHandler binds a kind to its one handler. Registration happens
// at startup, before Run; a duplicate kind is a startup error.
func (d *Dispatcher) RegisterHandler(kind event.Kind, h Handler) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.handlers[kind]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateHandler, kind)
	}
	d.handlers[kind] = h
	return nil
}

// OnIdle registers a hook that runs each time the park drains. Hooks
// run on the dispatch goroutine.
func (d *Dispatcher) OnIdle(f func(ctx context.Context)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.idleFuncs = append(d.idleFuncs, f)
}

// Submit parks an event for dispatch. Safe from any goroutine.
func (d *Dispatcher) Submit(ev event.Event) bool {
	return d.park.Submit(ev)
}

// IgnoreConversation drops every future event for the conversation.
// Used when a timed-out child is marked for forced termination.
func (d *Dispatcher) IgnoreConversation(conversationID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ignored[conversationID] = true
}

// Halt asks the loop to stop after the event in flight
func (d *Dispatcher) Halt(reason string) {
	d.haltOnce.Do(func() {
		d.haltReason = reason
		close(d.halted)
	})
}

// Run drives the loop until ctx is canceled (clean shutdown, returns
// nil) or Halt is called (returns the halt reason). The caller owns
// unsubscribing feeds; by the time Run returns, the in-flight event has
// finished.
func (d *Dispatcher) Run(ctx context.Context) error {
	logger.Info("dispatch: loop started (%d handlers)", d.handlerCount())

	for {
		select {
		case <-ctx.Done():
			logger.Info("dispatch: loop stopped")
			return nil
		case <-d.halted:
			return fmt.Errorf("dispatch halted: %s", d.haltReason)
		default:
		}

		ev, ok := d.park.Pop()
		if !ok {
			d.runIdleHooks(ctx)
			select {
			case <-ctx.Done():
				logger.Info("dispatch: loop stopped")
				return nil
			case <-d.halted:
				return fmt.Errorf("dispatch halted: %s", d.haltReason)
			case <-d.park.Notify():
			case <-time.After(d.idleSleep):
			}
			continue
		}

		d.dispatch(ctx, ev)
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, ev event.Event) {
	if d.isIgnored(ev.ConversationID) {
		metrics.RecordDrop("terminated")
		logger.Info("dispatch: dropping %s for terminated conversation %s", ev.Kind, ev.ConversationID)
		return
	}

	d.mu.Lock()
	h, ok := d.handlers[ev.Kind]
	d.mu.Unlock()
	if !ok {
		if d.policy == UnregisteredSkip {
			d.countSkip()
			metrics.RecordDispatch(string(ev.Kind), "skipped")
			logger.Warn("dispatch: no handler for %s, leaving event %s unhandled", ev.Kind, ev.ID)
			return
		}
		metrics.RecordDispatch(string(ev.Kind), "fatal")
		d.Halt(fmt.Sprintf("no handler registered for event kind %q", ev.Kind))
		return
	}

	d.inFlight.Add(1)
	err := d.safeHandle(ctx, h, ev)
	d.inFlight.Add(-1)

	switch {
	case err == nil:
		d.countProcessed()
		metrics.RecordDispatch(string(ev.Kind), "ok")
	case errors.Is(err, ErrHalt):
		metrics.RecordDispatch(string(ev.Kind), "fatal")
		d.Halt(err.Error())
	default:
		d.countFault()
		metrics.RecordDispatch(string(ev.Kind), "fault")
		logger.Error("dispatch: handler for %s failed on event %s: %v", ev.Kind, ev.ID, err)
	}
}

// safeHandle isolates handler panics to the event being handled
func (d *Dispatcher) safeHandle(ctx context.Context, h Handler, ev event.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("dispatch: handler for %s panicked on event %s: %v\n%s", ev.Kind, ev.ID, r, debug.Stack())
			err = fmt.Errorf("handler for %s panicked", ev.Kind)
		}
	}()

	ctx = context.WithValue(ctx, logger.ContextKeyConversationID, ev.ConversationID)
	return h(ctx, ev)
}

func (d *Dispatcher) runIdleHooks(ctx context.Context) {
	d.mu.Lock()
	hooks := d.idleFuncs
	d.mu.Unlock()

	for _, f := range hooks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("dispatch: idle hook panicked: %v\n%s", r, debug.Stack())
				}
			}()
			f(ctx)
		}()
	}
}

func (d *Dispatcher) isIgnored(conversationID string) bool {
	if conversationID == "" {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ignored[conversationID]
}

func (d *Dispatcher) handlerCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.handlers)
}

func (d *Dispatcher) countProcessed() {
	d.mu.Lock()
	d.processed++
	d.mu.Unlock()
}

func (d *Dispatcher) countFault() {
	d.mu.Lock()
	d.faults++
	d.mu.Unlock()
}

func (d *Dispatcher) countSkip() {
	d.mu.Lock()
	d.skipped++
	d.mu.Unlock()
}

// InFlight returns how many handlers are running right now. The loop
// guarantees this never exceeds one.
func (d *Dispatcher) InFlight() int {
	return int(d.inFlight.Load())
}

// Stats returns loop counters
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()

	halted := false
	select {
	case <-d.halted:
		halted = true
	default:
	}

	return Stats{
		Park:      d.park.Stats(),
		Processed: d.processed,
		Faults:    d.faults,
		Skipped:   d.skipped,
		Handlers:  len(d.handlers),
		Ignored:   len(d.ignored),
		Halted:    halted,
	}
}
