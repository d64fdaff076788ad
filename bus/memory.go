package bus

import (
	"context"
	"errors"
	"sync"
)

var ErrTransportClosed = errors.New("bus transport closed")

const memoryQueueSize = 256

// MemoryTransport is an in-process transport. Every Subscribe call on the same value receives every
// payload published after it started, which lets several in-process instances share one value.
type MemoryTransport struct {
	mu     sync.RWMutex
	subs   map[int]chan []byte
	nextID int
	done   chan struct{}
	closed bool
}

func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{
		subs: make(map[int]chan []byte),
		done: make(chan struct{}),
	}
}

func (t *MemoryTransport) Publish(ctx context.Context, payload []byte) error {
	t.mu.RLock()
	if t.closed {
		t.mu.RUnlock()
		return ErrTransportClosed
	}
	queues := make([]chan []byte, 0, len(t.subs))
	for _, q := range t.subs {
		queues = append(queues, q)
	}
	t.mu.RUnlock()

	b := append([]byte(nil), payload...)
	for _, q := range queues {
		select {
		case q <- b:
		case <-ctx.Done():
			return ctx.Err()
		case <-t.done:
			return ErrTransportClosed
		}
	}
	return nil
}

func (t *MemoryTransport) Subscribe(ctx context.Context, handle func([]byte)) error {
	q := make(chan []byte, memoryQueueSize)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrTransportClosed
	}
	id := t.nextID
	t.nextID++
	t.subs[id] = q
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		delete(t.subs, id)
		t.mu.Unlock()
	}()

	for {
		select {
		case b := <-q:
			handle(b)
		case <-ctx.Done():
			return ctx.Err()
		case <-t.done:
			return ErrTransportClosed
		}
	}
}

// Subscribers returns the number of running Subscribe calls.
func (t *MemoryTransport) Subscribers() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subs)
}

func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.done)
	}
	return nil
}
