package channel

import (
	"testing"

	"optionflow/internal/analytics"
)

func TestPublishFansOut(t *testing.T) {
	c := NewChannels(1)
	a := c.Subscribe("a")
	b := c.Subscribe("b")

	if n := c.Publish(analytics.Snapshot{Expiry: "26-Jun-2025", Epoch: 1}); n != 2 {
		t.Fatalf("expected 2 deliveries, got %d", n)
	}
	if got := <-a.C; got.Epoch != 1 {
		t.Fatalf("unexpected snapshot for a: %+v", got)
	}
	if got := <-b.C; got.Epoch != 1 {
		t.Fatalf("unexpected snapshot for b: %+v", got)
	}
}

func TestPublishDropsForSlowSubscriber(t *testing.T) {
	c := NewChannels(1)
	slow := c.Subscribe("slow")

	c.Publish(analytics.Snapshot{Epoch: 1})
	if n := c.Publish(analytics.Snapshot{Epoch: 2}); n != 0 {
		t.Fatalf("expected full buffer to drop, delivered %d", n)
	}

	stats := c.Stats()["slow"]
	if stats.Sent != 1 || stats.Dropped != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if got := <-slow.C; got.Epoch != 1 {
		t.Fatalf("expected the first snapshot to survive, got %+v", got)
	}
}

func TestUnsubscribeAndClose(t *testing.T) {
	c := NewChannels(1)
	a := c.Subscribe("a")
	c.Unsubscribe(a)
	if _, ok := <-a.C; ok {
		t.Fatalf("expected closed channel after unsubscribe")
	}
	c.Unsubscribe(a)

	b := c.Subscribe("b")
	c.Close()
	if _, ok := <-b.C; ok {
		t.Fatalf("expected closed channel after Close")
	}
	if n := c.Publish(analytics.Snapshot{}); n != 0 {
		t.Fatalf("publish after close delivered %d", n)
	}

	late := c.Subscribe("late")
	if _, ok := <-late.C; ok {
		t.Fatalf("subscription after close should be closed")
	}
	c.Close()
}
