package coordinator

import "sync"

// mailbox is an unbounded FIFO queue feeding one goroutine. Posting never blocks,
// so two contexts can message each other without deadlocking on full channels.
type mailbox[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	notify chan struct{}
}

func newMailbox[T any]() *mailbox[T] {
	return &mailbox[T]{notify: make(chan struct{}, 1)}
}

// post enqueues v. It returns false once the mailbox is closed.
func (m *mailbox[T]) post(v T) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.items = append(m.items, v)
	m.mu.Unlock()
	m.signal()
	return true
}

// ready fires when items may be waiting or the mailbox was closed.
func (m *mailbox[T]) ready() <-chan struct{} { return m.notify }

// take removes and returns everything queued, plus whether the mailbox is closed.
// After take reports closed, no further items can arrive.
func (m *mailbox[T]) take() ([]T, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.items
	m.items = nil
	return items, m.closed
}

// close rejects further posts. Items already queued stay available to take.
func (m *mailbox[T]) close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.signal()
}

func (m *mailbox[T]) signal() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}
