package session

import "sync"

// mailbox is an unbounded FIFO with a wake-up channel. put never blocks, so
// playback observers and transport callbacks can post to the session loop
// from any goroutine, including while they hold their own locks.
type mailbox[T any] struct {
	mu     sync.Mutex
	items  []T
	notify chan struct{}
}

func newMailbox[T any]() *mailbox[T] {
	return &mailbox[T]{notify: make(chan struct{}, 1)}
}

func (m *mailbox[T]) put(v T) {
	m.mu.Lock()
	m.items = append(m.items, v)
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// take removes and returns everything queued, oldest first.
func (m *mailbox[T]) take() []T {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.items
	m.items = nil
	return items
}

// ready is signalled after put. A signal may cover several items.
func (m *mailbox[T]) ready() <-chan struct{} { return m.notify }
