package eventbus

import "testing"

func TestPublishFanOut(t *testing.T) {
	b := New()
	a, unsubA := b.Subscribe(1)
	c, unsubC := b.Subscribe(1)
	defer unsubA()
	defer unsubC()

	Emit(b, TypeMessageSent, "m1")

	for _, ch := range []<-chan Event{a, c} {
		ev := <-ch
		if ev.Type != TypeMessageSent || ev.Data != "m1" || ev.Time.IsZero() {
			t.Fatalf("unexpected event %+v", ev)
		}
		if ev.Domain() != "message" {
			t.Fatalf("Domain = %q", ev.Domain())
		}
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: "x"})
	b.Publish(Event{Type: "y"})

	if got := (<-ch).Type; got != "x" {
		t.Fatalf("got %q, want first event", got)
	}
	if Dropped(b) != 1 {
		t.Fatalf("dropped = %d, want 1", Dropped(b))
	}
}

func TestUnsubscribeClosesAndIsIdempotent(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed")
	}
	b.Publish(Event{Type: "after"})
	Emit(nil, "ignored", nil)
}
