package eventbus

import "testing"

func TestPublishFanoutAndDrop(t *testing.T) {
	t.Parallel()
	b := New()
	a, unsubA := b.Subscribe(1)
	c, unsubC := b.Subscribe(4)
	defer unsubC()

	b.Publish(Event{Topic: "x", Owner: 1})
	b.Publish(Event{Topic: "y", Owner: 1})

	if e := <-a; e.Topic != "x" || e.Time.IsZero() {
		t.Fatalf("unexpected event %+v", e)
	}
	if len(c) != 2 {
		t.Fatalf("second subscriber got %d events, want 2", len(c))
	}
	if b.Dropped() != 1 {
		t.Fatalf("Dropped = %d, want 1", b.Dropped())
	}

	unsubA()
	unsubA()
	if _, ok := <-a; ok {
		t.Fatal("channel should be closed after unsubscribe")
	}
	b.Publish(Event{Topic: "z"})
}
