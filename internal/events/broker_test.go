package events_test

import (
	"sync"
	"testing"

	"github.com/shivamAmrutia/orchestration/internal/events"
)

func logEvent(exec, line string) events.Event {
	return events.Event{Type: events.TaskLog, ExecutionID: exec, Line: line}
}

func TestBrokerSingleSubscriber(t *testing.T) {
	b := events.NewBroker()
	ch, unsub := b.Subscribe("e1")
	defer unsub()

	lines := []string{"line 1", "line 2", "line 3"}
	for _, l := range lines {
		b.Publish(logEvent("e1", l))
	}
	b.Close("e1")

	var got []string
	for ev := range ch {
		got = append(got, ev.Line)
	}

	if len(got) != len(lines) {
		t.Fatalf("got %d events, want %d", len(got), len(lines))
	}
	for i, l := range got {
		if l != lines[i] {
			t.Errorf("event[%d] = %q, want %q", i, l, lines[i])
		}
	}
}

func TestBrokerMultipleSubscribers(t *testing.T) {
	b := events.NewBroker()
	ch1, unsub1 := b.Subscribe("e1")
	defer unsub1()
	ch2, unsub2 := b.Subscribe("e1")
	defer unsub2()

	b.Publish(logEvent("e1", "hello"))
	b.Close("e1")

	for i, ch := range []<-chan events.Event{ch1, ch2} {
		var got []string
		for ev := range ch {
			got = append(got, ev.Line)
		}
		if len(got) != 1 || got[0] != "hello" {
			t.Errorf("subscriber %d got %v, want [hello]", i+1, got)
		}
	}
}

func TestBrokerFinishedEventClosesTopic(t *testing.T) {
	b := events.NewBroker()
	ch, unsub := b.Subscribe("e1")
	defer unsub()

	b.Publish(events.Event{Type: events.ExecutionFinished, ExecutionID: "e1", Status: "COMPLETED"})

	ev, ok := <-ch
	if !ok || ev.Type != events.ExecutionFinished {
		t.Fatalf("first event = %+v (ok=%v), want execution.finished", ev, ok)
	}
	if _, ok := <-ch; ok {
		t.Error("channel still open after execution.finished")
	}
}

func TestBrokerLateSubscriberGetsClosedChannel(t *testing.T) {
	b := events.NewBroker()
	b.Close("e1")

	ch, unsub := b.Subscribe("e1")
	defer unsub()

	if _, ok := <-ch; ok {
		t.Error("expected closed channel for late subscriber")
	}
}

func TestBrokerTopicsAreIsolated(t *testing.T) {
	b := events.NewBroker()
	ch1, unsub1 := b.Subscribe("e1")
	defer unsub1()
	ch2, unsub2 := b.Subscribe("e2")
	defer unsub2()

	b.Publish(logEvent("e1", "for e1"))
	b.Close("e1")
	b.Close("e2")

	var got1, got2 int
	for range ch1 {
		got1++
	}
	for range ch2 {
		got2++
	}
	if got1 != 1 || got2 != 0 {
		t.Errorf("e1 got %d, e2 got %d, want 1 and 0", got1, got2)
	}
}

func TestBrokerSlowSubscriberDoesNotBlock(t *testing.T) {
	b := events.NewBroker()
	_, unsub := b.Subscribe("e1")
	defer unsub()

	for i := 0; i < 1000; i++ {
		b.Publish(logEvent("e1", "spam"))
	}
}

func TestBrokerUnsubscribeClosesChannel(t *testing.T) {
	b := events.NewBroker()
	ch, unsub := b.Subscribe("e1")
	unsub()
	unsub()

	if _, ok := <-ch; ok {
		t.Error("channel open after unsubscribe")
	}
	b.Publish(logEvent("e1", "after"))
}

func TestBrokerConcurrentPublish(t *testing.T) {
	b := events.NewBroker()
	ch, unsub := b.Subscribe("e1")
	defer unsub()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Go(func() {
			for j := 0; j < 4; j++ {
				b.Publish(logEvent("e1", "x"))
			}
		})
	}
	wg.Wait()
	b.Close("e1")

	n := 0
	for range ch {
		n++
	}
	if n != 32 {
		t.Errorf("received %d events, want 32", n)
	}
}
