package eventbus

import (
	"testing"
	"time"
)

func TestPublishFansOut(t *testing.T) {
	t.Parallel()
	b := New()
	a, unsubA := b.Subscribe(4)
	c, unsubC := b.Subscribe(4)
	defer unsubA()
	defer unsubC()

	b.Publish(Event{Type: EngageScheduled, Data: "m1"})

	for i, ch := range []<-chan Event{a, c} {
		select {
		case e := <-ch:
			if e.Type != EngageScheduled {
				t.Fatalf("sub %d: Type = %q, want %q", i, e.Type, EngageScheduled)
			}
			if e.Time.IsZero() {
				t.Fatalf("sub %d: Time not stamped", i)
			}
		case <-time.After(time.Second):
			t.Fatalf("sub %d: no event", i)
		}
	}
}

func TestPublishDropsWhenSubscriberFull(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"})

	if got := len(ch); got != 1 {
		t.Fatalf("len = %d, want 1", got)
	}
	if e := <-ch; e.Type != "a" {
		t.Fatalf("Type = %q, want a", e.Type)
	}
}

func TestUnsubscribeClosesAndIsIdempotent(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatal("channel still open after unsubscribe")
	}
	b.Publish(Event{Type: "after"})
}
