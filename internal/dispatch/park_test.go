package dispatch

import (
	"fmt"
	"testing"

	"github.com/HyphaGroup/marionette/internal/event"
)

func TestPark_FIFO(t *testing.T) {
	p := NewPark()

	for i := 1; i <= 3; i++ {
		p.Submit(event.Event{ID: fmt.Sprintf("e%d", i), Kind: event.KindMessageAppended, ConversationID: "c1"})
	}

	for i := 1; i <= 3; i++ {
		ev, ok := p.Pop()
		if !ok {
			t.Fatalf("Pop() %d returned empty", i)
		}
		if want := fmt.Sprintf("e%d", i); ev.ID != want {
			t.Errorf("Pop() %d = %s, want %s", i, ev.ID, want)
		}
	}
	if _, ok := p.Pop(); ok {
		t.Error("Pop() on drained park returned an event")
	}
}

func TestPark_DropsDuplicateMarkers(t *testing.T) {
	p := NewPark()

	if !p.Submit(event.Event{ID: "a", ConversationID: "c1", Seq: 5}) {
		t.Error("first marker rejected")
	}
	if p.Submit(event.Event{ID: "b", ConversationID: "c1", Seq: 5}) {
		t.Error("equal marker accepted")
	}
	if p.Submit(event.Event{ID: "c", ConversationID: "c1", Seq: 4}) {
		t.Error("stale marker accepted")
	}
	if !p.Submit(event.Event{ID: "d", ConversationID: "c1", Seq: 6}) {
		t.Error("advancing marker rejected")
	}

	// Same marker value on another conversation is independent
	if !p.Submit(event.Event{ID: "e", ConversationID: "c2", Seq: 5}) {
		t.Error("marker for a different conversation rejected")
	}

	stats := p.Stats()
	if stats.Accepted != 3 {
		t.Errorf("Accepted = %d, want 3", stats.Accepted)
	}
	if stats.Dropped != 2 {
		t.Errorf("Dropped = %d, want 2", stats.Dropped)
	}
}

func TestPark_LocalEventsSkipDedup(t *testing.T) {
	p := NewPark()

	// Seq 0 means locally produced; three in a row all pass
	for i := 0; i < 3; i++ {
		if !p.Submit(event.Event{ID: fmt.Sprintf("l%d", i), ConversationID: "c1"}) {
			t.Errorf("local event %d rejected", i)
		}
	}
	if got := p.Len(); got != 3 {
		t.Errorf("Len() = %d, want 3", got)
	}
}

func TestPark_Notify(t *testing.T) {
	p := NewPark()

	select {
	case <-p.Notify():
		t.Fatal("Notify() fired before any Submit")
	default:
	}

	p.Submit(event.Event{ID: "a", ConversationID: "c1"})
	select {
	case <-p.Notify():
	default:
		t.Error("Notify() did not fire after Submit")
	}
}
