package bus

import (
	"log/slog"
	"os"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestBus_PublishReachesAllSubscribers(t *testing.T) {
	b := New(4, testLogger())

	ch1, cancel1 := b.Subscribe()
	ch2, cancel2 := b.Subscribe()
	defer cancel1()
	defer cancel2()

	b.Publish(Event{Type: EventTrigger, Data: map[string]any{"drive": "goals"}})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case e := <-ch:
			if e.Type != EventTrigger {
				t.Errorf("subscriber %d got type %q, want %q", i, e.Type, EventTrigger)
			}
			if e.Timestamp == 0 {
				t.Errorf("subscriber %d got zero timestamp", i)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d did not receive event", i)
		}
	}
}

func TestBus_SlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	b := New(1, testLogger())
	ch, cancel := b.Subscribe()
	defer cancel()

	// Fill the buffer, then publish more; Publish must not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish(Event{Type: EventTick})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}

	// Exactly the buffered event survives.
	if e := <-ch; e.Type != EventTick {
		t.Errorf("got %q, want %q", e.Type, EventTick)
	}
	select {
	case e, ok := <-ch:
		if ok {
			t.Logf("extra buffered event: %v", e) // buffer size 1, shouldn't happen
			t.Error("more than one event buffered")
		}
	default:
	}
}

func TestBus_CancelRemovesSubscription(t *testing.T) {
	b := New(4, testLogger())
	ch, cancel := b.Subscribe()

	if b.SubscriberCount() != 1 {
		t.Fatalf("SubscriberCount() = %d, want 1", b.SubscriberCount())
	}
	cancel()
	if b.SubscriberCount() != 0 {
		t.Errorf("SubscriberCount() after cancel = %d, want 0", b.SubscriberCount())
	}

	// Channel is closed; double-cancel is safe.
	if _, ok := <-ch; ok {
		t.Error("channel not closed after cancel")
	}
	cancel()
}
