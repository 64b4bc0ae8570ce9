package bus

import (
	"sync"
	"testing"
)

func TestFanOutToMultipleSubscribers(t *testing.T) {
	b := New[string]()
	s1 := b.Subscribe()
	s2 := b.Subscribe()
	defer s1.Unsubscribe()
	defer s2.Unsubscribe()

	b.Publish("hello")

	for _, s := range []*Subscription[string]{s1, s2} {
		ev, lagged, ok := s.Receive()
		if !ok || ev != "hello" || lagged != 0 {
			t.Fatalf("got ev=%q lagged=%d ok=%v", ev, lagged, ok)
		}
	}
}

func TestOrderingPerSubscriber(t *testing.T) {
	b := New[int]()
	s := b.Subscribe()
	defer s.Unsubscribe()

	for i := 0; i < 10; i++ {
		b.Publish(i)
	}
	for i := 0; i < 10; i++ {
		ev, _, ok := s.Receive()
		if !ok || ev != i {
			t.Fatalf("expected %d, got %d (ok=%v)", i, ev, ok)
		}
	}
}

func TestLagReportedOnOverflow(t *testing.T) {
	b := New[int]()
	s := b.Subscribe()
	defer s.Unsubscribe()

	total := Capacity + 5
	for i := 0; i < total; i++ {
		b.Publish(i)
	}

	// Drain exactly Capacity buffered events; the rest were dropped. The 5
	// drops are reported once, on the first Receive after they happened.
	var firstLagged, lastLagged uint64
	for i := 0; i < Capacity; i++ {
		_, lagged, ok := s.Receive()
		if !ok {
			t.Fatalf("unexpected close at %d", i)
		}
		if i == 0 {
			firstLagged = lagged
		}
		lastLagged = lagged
	}
	if firstLagged != 5 {
		t.Fatalf("expected lagged=5 on the first receive after overflow, got %d", firstLagged)
	}
	if lastLagged != 0 {
		t.Fatalf("lag should be reported only once, got %d on a later receive", lastLagged)
	}
	// One more publish now has room; no further drops happened, so it
	// arrives with no lag.
	b.Publish(999)
	ev, lagged, ok := s.Receive()
	if !ok || ev != 999 {
		t.Fatalf("got ev=%d ok=%v", ev, ok)
	}
	if lagged != 0 {
		t.Fatalf("expected lagged=0 after the drops were already reported, got %d", lagged)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New[string]()
	s := b.Subscribe()
	s.Unsubscribe()
	b.Publish("after unsubscribe")

	// No other subscriber exists; Publish must not block or panic even
	// though the only subscription was removed first.
	s2 := b.Subscribe()
	defer s2.Unsubscribe()
	b.Publish("visible")
	ev, _, ok := s2.Receive()
	if !ok || ev != "visible" {
		t.Fatalf("got ev=%q ok=%v", ev, ok)
	}
}

func TestConcurrentPublishAndSubscribe(t *testing.T) {
	b := New[int]()
	var wg sync.WaitGroup
	subs := make([]*Subscription[int], 4)
	for i := range subs {
		subs[i] = b.Subscribe()
	}
	defer func() {
		for _, s := range subs {
			s.Unsubscribe()
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			b.Publish(i)
		}
	}()
	wg.Wait()

	for _, s := range subs {
		count := 0
		for count < 50 {
			_, _, ok := s.Receive()
			if !ok {
				t.Fatal("unexpected close")
			}
			count++
		}
	}
}
