package dispatch

import (
	"sync"

	"github.com/HyphaGroup/marionette/internal/event"
	"github.com/HyphaGroup/marionette/internal/metrics"
)

// Park buffers events awaiting dispatch. Submit is safe from any
// goroutine; Pop runs only on the dispatch goroutine. The buffer is one
// global FIFO, which gives each conversation FIFO order as a
// consequence.
//
// Events carrying a sequence marker (Seq > 0) are deduplicated per
// conversation: a marker at or below the highest accepted one is a
// redelivery and is dropped. Locally produced events (Seq == 0) always
// pass.
type Park struct {
	mu       sync.Mutex
	queue    []event.Event
	lastSeq  map[string]uint64
	notify   chan struct{}
	accepted uint64
	dropped  uint64
}

// ParkStats is a point-in-time view of the buffer
type ParkStats struct {
	Depth    int    `json:"depth"`
	Accepted uint64 `json:"accepted"`
	Dropped  uint64 `json:"dropped"`
}

// NewPark creates an empty park
func NewPark() *Park {
	return &Park{
		lastSeq: make(map[string]uint64),
		notify:  make(chan struct{}, 1),
	}
}

// Submit appends an event, returning false if it was dropped as a
// duplicate
func (p *Park) Submit(ev event.Event) bool {
	p.mu.Lock()
	if ev.Seq > 0 {
		if last, ok := p.lastSeq[ev.ConversationID]; ok && ev.Seq <= last {
			p.dropped++
			p.mu.Unlock()
			metrics.RecordDrop("duplicate")
			return false
		}
		p.lastSeq[ev.ConversationID] = ev.Seq
	}
	p.queue = append(p.queue, ev)
	p.accepted++
	depth := len(p.queue)
	p.mu.Unlock()

	metrics.ParkDepth.Set(float64(depth))
	select {
	case p.notify <- struct{}{}:
	default:
	}
	return true
}

// Pop removes the oldest event
func (p *Park) Pop() (event.Event, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.queue) == 0 {
		return event.Event{}, false
	}
	ev := p.queue[0]
	p.queue[0] = event.Event{}
	p.queue = p.queue[1:]
	if len(p.queue) == 0 {
		// Drop the backing array so a drained park holds no payloads.
		p.queue = nil
	}
	metrics.ParkDepth.Set(float64(len(p.queue)))
	return ev, true
}

// Len returns the number of buffered events
func (p *Park) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Notify returns a channel that receives after each accepted Submit
func (p *Park) Notify() <-chan struct{} {
	return p.notify
}

// Stats returns buffer counters
func (p *Park) Stats() ParkStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return ParkStats{
		Depth:    len(p.queue),
		Accepted: p.accepted,
		Dropped:  p.dropped,
	}
}
