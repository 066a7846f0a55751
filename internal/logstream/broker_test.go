package logstream_test

import (
	"testing"

	"github.com/seantiz/foundry/internal/logstream"
)

func TestBrokerSingleSubscriber(t *testing.T) {
	b := logstream.NewBroker()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	lines := []string{"line 1", "line 2", "line 3"}
	for _, l := range lines {
		b.Publish(1, l)
	}
	b.Close(1)

	var got []string
	for l := range ch {
		got = append(got, l)
	}

	if len(got) != len(lines) {
		t.Fatalf("got %d lines, want %d", len(got), len(lines))
	}
	for i, l := range got {
		if l != lines[i] {
			t.Errorf("line[%d] = %q, want %q", i, l, lines[i])
		}
	}
}

func TestBrokerMultipleSubscribers(t *testing.T) {
	b := logstream.NewBroker()
	ch1, unsub1 := b.Subscribe(1)
	defer unsub1()
	ch2, unsub2 := b.Subscribe(1)
	defer unsub2()

	b.Publish(1, "hello")
	b.Close(1)

	var got1, got2 []string
	for l := range ch1 {
		got1 = append(got1, l)
	}
	for l := range ch2 {
		got2 = append(got2, l)
	}

	if len(got1) != 1 || got1[0] != "hello" {
		t.Errorf("subscriber 1 got %v, want [hello]", got1)
	}
	if len(got2) != 1 || got2[0] != "hello" {
		t.Errorf("subscriber 2 got %v, want [hello]", got2)
	}
}

func TestBrokerCloseClosesChannels(t *testing.T) {
	b := logstream.NewBroker()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Close(1)

	// Channel should be closed; reading should return zero value immediately.
	_, ok := <-ch
	if ok {
		t.Error("channel should be closed after Close()")
	}
}

func TestBrokerLateSubscriberGetsClosed(t *testing.T) {
	b := logstream.NewBroker()
	b.Publish(1, "early")
	b.Close(1)

	// Subscribe after Close: the channel is already closed.
	ch, unsub := b.Subscribe(1)
	defer unsub()

	_, ok := <-ch
	if ok {
		t.Error("late subscriber should get a closed channel")
	}
}

func TestBrokerUnsubscribeStopsDelivery(t *testing.T) {
	b := logstream.NewBroker()
	ch, unsub := b.Subscribe(1)
	unsub()

	b.Publish(1, "after unsub")
	b.Close(1)

	// The channel should have no messages (we unsubscribed before publish).
	select {
	case l, ok := <-ch:
		if ok {
			t.Errorf("got unexpected line %q after unsubscribe", l)
		}
	default:
		// No data, as expected.
	}
}

func TestBrokerPublishToUnknownProtocolIsNoop(t *testing.T) {
	b := logstream.NewBroker()
	// Should not panic.
	b.Publish(42, "line")
	b.Close(42)
}

func TestBrokerLateSubscriberMissesEarlierLines(t *testing.T) {
	b := logstream.NewBroker()
	ch1, unsub1 := b.Subscribe(1)
	defer unsub1()

	b.Publish(1, "line 1")

	// Late subscriber joins after line 1.
	ch2, unsub2 := b.Subscribe(1)
	defer unsub2()

	b.Publish(1, "line 2")
	b.Close(1)

	var got1, got2 []string
	for l := range ch1 {
		got1 = append(got1, l)
	}
	for l := range ch2 {
		got2 = append(got2, l)
	}

	if len(got1) != 2 {
		t.Errorf("subscriber 1 got %d lines, want 2", len(got1))
	}
	if len(got2) != 1 || got2[0] != "line 2" {
		t.Errorf("late subscriber got %v, want [line 2]", got2)
	}
}
