package eventbus

import (
	"testing"
	"time"
)

func TestPublishFansOutAndDropsWhenFull(t *testing.T) {
	b := New()
	a, unsubA := b.Subscribe(1)
	defer unsubA()
	c, unsubC := b.Subscribe(4)
	defer unsubC()

	b.Publish(Event{Type: TypeCheckCycle, Counts: map[string]int{CountFound: 2}})
	b.Publish(Event{Type: TypeIntervalAdjusted})

	got := <-a
	if got.Type != TypeCheckCycle || got.Time.IsZero() || got.Counts[CountFound] != 2 {
		t.Fatalf("first event=%+v", got)
	}
	select {
	case e := <-a:
		t.Fatalf("full subscriber received %+v", e)
	default:
	}
	if len(c) != 2 {
		t.Fatalf("buffered subscriber has %d events, want 2", len(c))
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(0)
	unsub()
	unsub()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}
	b.Publish(Event{Type: TypeSchedulerStopped})
}
