package events

import (
	"testing"
	"time"

	"rollmarket/core/types"
)

type stubEvent struct {
	eventType string
	attrs     map[string]string
}

func (e stubEvent) EventType() string { return e.eventType }

func (e stubEvent) Event() *types.Event {
	return &types.Event{Type: e.eventType, Attributes: e.attrs}
}

func TestRecorderAssignsSequences(t *testing.T) {
	rec := NewRecorder()
	rec.Emit(stubEvent{eventType: "market.offer.created"})
	rec.Emit(stubEvent{eventType: "market.order.created"})
	rec.Emit(stubEvent{eventType: "market.order.fulfilled"})

	entries := rec.List("", 0, 0)
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	for i, entry := range entries {
		if entry.Sequence != uint64(i+1) {
			t.Fatalf("entry %d has sequence %d", i, entry.Sequence)
		}
	}
}

func TestRecorderListFilters(t *testing.T) {
	rec := NewRecorder()
	rec.Emit(stubEvent{eventType: "market.offer.created"})
	rec.Emit(stubEvent{eventType: "market.order.created"})
	rec.Emit(stubEvent{eventType: "market.order.fulfilled"})
	rec.Emit(stubEvent{eventType: "market.order.terminated"})

	byPrefix := rec.List("market.order.", 0, 0)
	if len(byPrefix) != 3 {
		t.Fatalf("expected 3 order entries, got %d", len(byPrefix))
	}

	afterCursor := rec.List("", 2, 0)
	if len(afterCursor) != 2 || afterCursor[0].Sequence != 3 {
		t.Fatalf("unexpected entries after cursor: %+v", afterCursor)
	}

	limited := rec.List("market.order.", 0, 1)
	if len(limited) != 1 || limited[0].Event.Type != "market.order.created" {
		t.Fatalf("unexpected limited entries: %+v", limited)
	}
}

func TestRecorderSubscribeReplaysBacklogAndStreams(t *testing.T) {
	rec := NewRecorder()
	rec.Emit(stubEvent{eventType: "market.offer.created"})
	rec.Emit(stubEvent{eventType: "market.order.created"})

	ch, cancel, backlog := rec.Subscribe(1)
	defer cancel()
	if len(backlog) != 1 || backlog[0].Sequence != 2 {
		t.Fatalf("unexpected backlog: %+v", backlog)
	}

	rec.Emit(stubEvent{eventType: "market.order.fulfilled", attrs: map[string]string{"orderId": "1"}})
	select {
	case entry := <-ch:
		if entry.Sequence != 3 || entry.Event.Type != "market.order.fulfilled" {
			t.Fatalf("unexpected live entry: %+v", entry)
		}
		if entry.Event.Attributes["orderId"] != "1" {
			t.Fatalf("attributes not carried: %+v", entry.Event)
		}
	case <-time.After(time.Second):
		t.Fatal("live entry not delivered")
	}

	cancel()
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after cancel")
	}
}
