package cdc

import (
	"encoding/json"
	"sync"
	"testing"
	"time"
)

func set(key, value string) Change {
	return Change{Op: OpSet, Key: key, Value: value}
}

func TestRecord_And_Latest(t *testing.T) {
	s := NewStream(100)

	s.Record(set("k1", "v1"))
	s.Record(set("k2", "v2"))
	s.Record(Change{Op: OpDel, Key: "k1"})

	events := s.Latest(10)
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].Op != OpSet || events[0].Key != "k1" {
		t.Fatalf("unexpected first event: %+v", events[0])
	}
	if events[2].Op != OpDel || events[2].Key != "k1" {
		t.Fatalf("unexpected last event: %+v", events[2])
	}

	if got := s.Latest(0); got == nil || len(got) != 0 {
		t.Fatalf("expected empty non-nil slice, got %#v", got)
	}
}

func TestRecord_TTL(t *testing.T) {
	s := NewStream(10)

	ev := s.Record(Change{Op: OpSet, Key: "k", Value: "v", TTL: 1500 * time.Millisecond})
	if ev.TTLMillis != 1500 {
		t.Fatalf("expected ttl 1500ms, got %d", ev.TTLMillis)
	}
	if ev.ID != 1 {
		t.Fatalf("expected first id 1, got %d", ev.ID)
	}
}

func TestSince(t *testing.T) {
	s := NewStream(100)

	s.Record(set("a", "1"))
	s.Record(set("b", "2"))
	s.Record(set("c", "3"))

	events := s.Since(1)
	if len(events) != 2 {
		t.Fatalf("expected 2 events after id 1, got %d", len(events))
	}
	if events[0].Key != "b" || events[1].Key != "c" {
		t.Fatalf("unexpected events: %+v", events)
	}

	if got := s.Since(0); len(got) != 3 {
		t.Fatalf("expected all 3 events, got %d", len(got))
	}
	if got := s.Since(3); got == nil || len(got) != 0 {
		t.Fatalf("expected empty non-nil slice, got %#v", got)
	}
}

func TestSince_AfterWrap(t *testing.T) {
	s := NewStream(4)

	for i := 0; i < 10; i++ {
		s.Record(set("k", "v"))
	}

	// Buffer holds ids 7..10.
	events := s.Since(2)
	if len(events) != 4 || events[0].ID != 7 || events[3].ID != 10 {
		t.Fatalf("unexpected events: %+v", events)
	}
	events = s.Since(8)
	if len(events) != 2 || events[0].ID != 9 {
		t.Fatalf("unexpected events: %+v", events)
	}
}

func TestRingBuffer_Wrap(t *testing.T) {
	s := NewStream(3)

	for i := 0; i < 5; i++ {
		s.Record(set("k", "v"))
	}

	events := s.Latest(10)
	if len(events) != 3 {
		t.Fatalf("expected 3 events in full buffer, got %d", len(events))
	}
	if events[0].ID != 3 {
		t.Fatalf("expected oldest event ID 3, got %d", events[0].ID)
	}
	if events[2].ID != 5 {
		t.Fatalf("expected newest event ID 5, got %d", events[2].ID)
	}
}

func TestSubscribe(t *testing.T) {
	s := NewStream(100)

	subID, ch := s.Subscribe(10)
	defer s.Unsubscribe(subID)

	s.Record(Change{Op: OpIncr, Key: "counter", Value: "1"})

	select {
	case ev := <-ch:
		if ev.Key != "counter" || ev.Op != OpIncr || ev.Value != "1" {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestSubscribe_SlowSubscriberDrops(t *testing.T) {
	s := NewStream(100)

	subID, ch := s.Subscribe(1)
	defer s.Unsubscribe(subID)

	s.Record(set("a", "1"))
	s.Record(set("b", "2"))
	s.Record(set("c", "3"))

	if ev := <-ch; ev.Key != "a" {
		t.Fatalf("expected first event to be delivered, got %+v", ev)
	}
	if d := s.Stats().Dropped; d != 2 {
		t.Fatalf("expected 2 dropped events, got %d", d)
	}
	if n := len(s.Latest(10)); n != 3 {
		t.Fatalf("dropped events must stay in the buffer, got %d", n)
	}
}

func TestUnsubscribe(t *testing.T) {
	s := NewStream(100)

	subID, ch := s.Subscribe(10)
	s.Unsubscribe(subID)
	s.Unsubscribe(subID)

	_, ok := <-ch
	if ok {
		t.Fatal("expected channel to be closed")
	}
}

func TestClose(t *testing.T) {
	s := NewStream(100)

	_, ch1 := s.Subscribe(10)
	_, ch2 := s.Subscribe(10)
	s.Close()

	for _, ch := range []<-chan Event{ch1, ch2} {
		if _, ok := <-ch; ok {
			t.Fatal("expected channel to be closed")
		}
	}

	_, late := s.Subscribe(10)
	if _, ok := <-late; ok {
		t.Fatal("expected subscription after Close to be closed")
	}

	s.Record(Change{Op: OpFlushAll})
	if s.Stats().TotalEvents != 1 {
		t.Fatal("expected Record to keep working after Close")
	}
}

func TestStats(t *testing.T) {
	s := NewStream(50)

	s.Record(set("a", "1"))
	s.Record(Change{Op: OpDel, Key: "a"})
	subID, _ := s.Subscribe(10)
	defer s.Unsubscribe(subID)

	stats := s.Stats()
	if stats.TotalEvents != 2 {
		t.Fatalf("expected 2 total events, got %d", stats.TotalEvents)
	}
	if stats.BufferSize != 2 {
		t.Fatalf("expected buffer size 2, got %d", stats.BufferSize)
	}
	if stats.BufferCap != 50 {
		t.Fatalf("expected cap 50, got %d", stats.BufferCap)
	}
	if stats.Subscribers != 1 {
		t.Fatalf("expected 1 subscriber, got %d", stats.Subscribers)
	}
}

func TestConcurrentAccess(t *testing.T) {
	s := NewStream(1000)
	var wg sync.WaitGroup

	subID, ch := s.Subscribe(500)
	defer s.Unsubscribe(subID)

	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				s.Record(set("k", "v"))
			}
		}()
	}

	consumed := 0
	var last uint64
	done := make(chan struct{})
	go func() {
		defer close(done)
		timeout := time.After(2 * time.Second)
		for consumed < 100 {
			select {
			case ev := <-ch:
				if ev.ID <= last {
					t.Errorf("event %d delivered after %d", ev.ID, last)
				}
				last = ev.ID
				consumed++
			case <-timeout:
				return
			}
		}
	}()

	wg.Wait()
	<-done
	if consumed != 100 {
		t.Fatalf("expected 100 consumed events, got %d", consumed)
	}
}

func TestEvent_JSON(t *testing.T) {
	ev := Event{
		ID:        1,
		Timestamp: 1234567890,
		Op:        OpSet,
		Key:       "session",
		Value:     "val",
		TTLMillis: 5000,
	}

	var decoded map[string]any
	if err := json.Unmarshal(ev.JSON(), &decoded); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if decoded["op"] != "SET" || decoded["ttl_ms"] != float64(5000) {
		t.Fatalf("unexpected JSON: %v", decoded)
	}

	flush := Event{ID: 2, Op: OpFlushAll}
	var fields map[string]any
	if err := json.Unmarshal(flush.JSON(), &fields); err != nil {
		t.Fatal(err)
	}
	if _, ok := fields["key"]; ok {
		t.Fatal("expected empty key to be omitted")
	}
}
