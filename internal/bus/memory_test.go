package bus

import (
	"context"
	"testing"
	"time"
)

func waitForSubscribers(t *testing.T, m *Memory, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for m.Subscribers() < n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d subscribers, have %d", n, m.Subscribers())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestMemoryFansOutToEverySubscriber(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := NewMemory()
	got := make(chan Message, 4)
	for i := 0; i < 2; i++ {
		go func() {
			_ = m.Subscribe(ctx, func(_ context.Context, msg Message) { got <- msg })
		}()
	}
	waitForSubscribers(t, m, 2)

	if err := m.Publish(ctx, BuildQueued{BuildID: "b1", ProjectID: "p1"}); err != nil {
		t.Fatalf("didn't want %q", err)
	}
	for i := 0; i < 2; i++ {
		select {
		case msg := <-got:
			if q, ok := msg.(BuildQueued); !ok || q.BuildID != "b1" {
				t.Fatalf("unexpected message %#v", msg)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("message not delivered")
		}
	}
}

func TestMemoryDropsWhenSubscriberIsSlow(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := NewMemory()
	release := make(chan struct{})
	delivered := make(chan struct{}, memoryBuffer*2)
	go func() {
		_ = m.Subscribe(ctx, func(context.Context, Message) {
			<-release
			delivered <- struct{}{}
		})
	}()
	waitForSubscribers(t, m, 1)

	for i := 0; i < memoryBuffer*2; i++ {
		if err := m.Publish(ctx, BuildQueued{BuildID: "b"}); err != nil {
			t.Fatalf("publish must not block or fail: %v", err)
		}
	}
	close(release)
	cancel()

	time.Sleep(50 * time.Millisecond)
	if n := len(delivered); n > memoryBuffer+1 {
		t.Fatalf("expected at most %d deliveries, got %d", memoryBuffer+1, n)
	}
}

func TestMemoryCloseStopsSubscribers(t *testing.T) {
	m := NewMemory()
	done := make(chan error, 1)
	go func() { done <- m.Subscribe(context.Background(), func(context.Context, Message) {}) }()
	waitForSubscribers(t, m, 1)

	if err := m.Close(); err != nil {
		t.Fatalf("didn't want %q", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("subscriber did not stop")
	}
	if err := m.Publish(context.Background(), BuildQueued{}); err == nil {
		t.Fatalf("expected publish on closed bus to fail")
	}
}
