package events

import (
	"testing"
	"time"
)

func TestPublishAndSubscribe(t *testing.T) {
	bus := NewBus(0)
	sub := bus.Subscribe("sess-1", 10)
	defer bus.Unsubscribe(sub)

	bus.Publish(Event{
		Type:      EventStage1Complete,
		SessionID: "sess-1",
	})

	select {
	case e := <-sub.C:
		if e.Type != EventStage1Complete {
			t.Errorf("expected stage1_complete, got %s", e.Type)
		}
		if e.SessionID != "sess-1" {
			t.Errorf("expected sess-1, got %s", e.SessionID)
		}
		if e.Seq != 1 {
			t.Errorf("expected seq 1, got %d", e.Seq)
		}
		if e.Timestamp.IsZero() {
			t.Error("expected timestamp to be set")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestMultipleSubscribers(t *testing.T) {
	bus := NewBus(0)
	sub1 := bus.Subscribe("sess-1", 10)
	sub2 := bus.Subscribe("sess-1", 10)
	defer bus.Unsubscribe(sub1)
	defer bus.Unsubscribe(sub2)

	bus.Publish(Event{Type: EventError, SessionID: "sess-1"})

	for _, sub := range []*Subscriber{sub1, sub2} {
		select {
		case e := <-sub.C:
			if e.Type != EventError {
				t.Errorf("expected error, got %s", e.Type)
			}
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for event")
		}
	}
}

func TestSubscribersIsolatedPerSession(t *testing.T) {
	bus := NewBus(0)
	subA := bus.Subscribe("sess-a", 10)
	subB := bus.Subscribe("sess-b", 10)
	defer bus.Unsubscribe(subA)
	defer bus.Unsubscribe(subB)

	bus.Publish(Event{Type: EventComplete, SessionID: "sess-a"})

	select {
	case <-subA.C:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for sess-a event")
	}

	select {
	case e := <-subB.C:
		t.Fatalf("sess-b subscriber should not receive sess-a events, got %v", e)
	default:
	}
}

func TestUnsubscribe(t *testing.T) {
	bus := NewBus(0)
	sub := bus.Subscribe("sess-1", 10)
	bus.Unsubscribe(sub)

	if bus.SubscriberCount("sess-1") != 0 {
		t.Errorf("expected 0 subscribers, got %d", bus.SubscriberCount("sess-1"))
	}

	// Publishing after unsubscribe should not panic.
	bus.Publish(Event{Type: EventLog, SessionID: "sess-1"})
}

func TestSlowSubscriberDropsEvents(t *testing.T) {
	bus := NewBus(0)
	sub := bus.Subscribe("sess-1", 1) // tiny buffer
	defer bus.Unsubscribe(sub)

	// Fill the buffer.
	bus.Publish(Event{Type: EventLog, SessionID: "sess-1", Reason: "first"})
	// This should be dropped from delivery (buffer full), but still retained.
	bus.Publish(Event{Type: EventLog, SessionID: "sess-1", Reason: "second"})

	e := <-sub.C
	if e.Reason != "first" {
		t.Errorf("expected first event, got %s", e.Reason)
	}

	// Channel should be empty now.
	select {
	case <-sub.C:
		t.Error("expected no more events")
	default:
		// OK - no event available.
	}

	// But the retained tail still has both.
	tail := bus.EventsSince("sess-1", 0)
	if len(tail) != 2 {
		t.Fatalf("expected 2 retained events, got %d", len(tail))
	}
}

func TestSubscriberCount(t *testing.T) {
	bus := NewBus(0)
	if bus.SubscriberCount("sess-1") != 0 {
		t.Errorf("expected 0, got %d", bus.SubscriberCount("sess-1"))
	}

	s1 := bus.Subscribe("sess-1", 10)
	s2 := bus.Subscribe("sess-1", 10)
	if bus.SubscriberCount("sess-1") != 2 {
		t.Errorf("expected 2, got %d", bus.SubscriberCount("sess-1"))
	}

	bus.Unsubscribe(s1)
	if bus.SubscriberCount("sess-1") != 1 {
		t.Errorf("expected 1, got %d", bus.SubscriberCount("sess-1"))
	}

	bus.Unsubscribe(s2)
	if bus.SubscriberCount("sess-1") != 0 {
		t.Errorf("expected 0, got %d", bus.SubscriberCount("sess-1"))
	}
}

func TestEventsSinceReplaysMissedTail(t *testing.T) {
	bus := NewBus(0)
	bus.Publish(Event{Type: EventStage1Start, SessionID: "sess-1"})
	bus.Publish(Event{Type: EventStage1Complete, SessionID: "sess-1"})
	bus.Publish(Event{Type: EventStage2Start, SessionID: "sess-1"})

	tail := bus.EventsSince("sess-1", 1)
	if len(tail) != 2 {
		t.Fatalf("expected 2 events since seq 1, got %d", len(tail))
	}
	if tail[0].Type != EventStage1Complete || tail[1].Type != EventStage2Start {
		t.Errorf("unexpected tail order: %+v", tail)
	}
}

func TestEventsSinceRetentionRingEvictsOldest(t *testing.T) {
	bus := NewBus(2)
	bus.Publish(Event{Type: EventLog, SessionID: "sess-1", Reason: "1"})
	bus.Publish(Event{Type: EventLog, SessionID: "sess-1", Reason: "2"})
	bus.Publish(Event{Type: EventLog, SessionID: "sess-1", Reason: "3"})

	tail := bus.EventsSince("sess-1", 0)
	if len(tail) != 2 {
		t.Fatalf("expected retention to cap at 2, got %d", len(tail))
	}
	if tail[0].Reason != "2" || tail[1].Reason != "3" {
		t.Errorf("expected oldest event evicted, got %+v", tail)
	}
}

func TestDropSession(t *testing.T) {
	bus := NewBus(0)
	sub := bus.Subscribe("sess-1", 10)
	bus.Publish(Event{Type: EventComplete, SessionID: "sess-1"})

	bus.DropSession("sess-1")

	select {
	case <-sub.done:
	case <-time.After(time.Second):
		t.Fatal("expected subscriber done channel to close")
	}
	if tail := bus.EventsSince("sess-1", 0); len(tail) != 0 {
		t.Errorf("expected retained tail cleared, got %d events", len(tail))
	}
}

func TestEventJSON(t *testing.T) {
	e := Event{
		Type:      EventComplete,
		SessionID: "sess-1",
		Seq:       3,
		Timestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	b := e.JSON()
	if len(b) == 0 {
		t.Fatal("expected non-empty JSON")
	}
}
