package bus

import (
	"context"
	"errors"
	"sync"
)

const memoryBuffer = 256

// Memory is an in-process bus. A subscriber whose buffer is full misses the message.
type Memory struct {
	mu     sync.RWMutex
	subs   map[chan Message]struct{}
	closed bool
}

var _ Bus = (*Memory)(nil)

// NewMemory returns an empty in-process bus.
func NewMemory() *Memory {
	return &Memory{subs: make(map[chan Message]struct{})}
}

// Publish fans msg out to current subscribers without blocking.
func (m *Memory) Publish(_ context.Context, msg Message) error {
	if _, _, err := Encode(msg); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return errors.New("bus: closed")
	}
	for ch := range m.subs {
		select {
		case ch <- msg:
		default:
		}
	}
	return nil
}

// Subscribe delivers messages until ctx is done or the bus is closed.
func (m *Memory) Subscribe(ctx context.Context, handle Handler) error {
	ch := make(chan Message, memoryBuffer)
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errors.New("bus: closed")
	}
	m.subs[ch] = struct{}{}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.subs, ch)
		m.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			handle(ctx, msg)
		}
	}
}

// Subscribers reports the number of active subscriptions.
func (m *Memory) Subscribers() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs)
}

// Close stops every subscriber.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for ch := range m.subs {
		close(ch)
		delete(m.subs, ch)
	}
	return nil
}
