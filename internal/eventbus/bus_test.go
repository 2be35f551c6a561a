package eventbus

import "testing"

func TestSubscribePrefixFilters(t *testing.T) {
	b := New()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()
	up, unsubUp := b.SubscribePrefix("uploader.", 4)
	defer unsubUp()

	b.Publish(Event{Type: "uploader.item.processed", Data: "I1"})
	b.Publish(Event{Type: "admin.batch.added"})

	if got := len(all); got != 2 {
		t.Fatalf("all subscriber got %d events, want 2", got)
	}
	if got := len(up); got != 1 {
		t.Fatalf("prefix subscriber got %d events, want 1", got)
	}
	e := <-up
	if e.Data != "I1" || e.Time.IsZero() {
		t.Fatalf("unexpected event %+v", e)
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"}) // dropped, must not block
	if len(ch) != 1 {
		t.Fatalf("len = %d, want 1", len(ch))
	}
	unsub()
	unsub() // idempotent
	b.Publish(Event{Type: "c"})
}
