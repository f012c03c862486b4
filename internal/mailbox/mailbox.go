// Package mailbox delivers values to a single reader in FIFO order without
// ever blocking the writer.
package mailbox

import (
	"sync"

	"github.com/emirpasic/gods/queues/linkedlistqueue"
)

type Mailbox[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  *linkedlistqueue.Queue
	closed bool
	out    chan T
	done   chan struct{}
	stop   sync.Once
}

// New starts the pump goroutine feeding C().
func New[T any]() *Mailbox[T] {
	m := &Mailbox[T]{
		queue: linkedlistqueue.New(),
		out:   make(chan T),
		done:  make(chan struct{}),
	}
	m.cond = sync.NewCond(&m.mu)
	go m.pump()
	return m
}

// Put queues v. It returns false once the mailbox is closed.
func (m *Mailbox[T]) Put(v T) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.queue.Enqueue(v)
	m.cond.Signal()
	return true
}

func (m *Mailbox[T]) C() <-chan T {
	return m.out
}

// Len is the number of values not yet handed to the reader.
func (m *Mailbox[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queue.Size()
}

// Close stops accepting values. Values already queued are still delivered,
// then C() is closed.
func (m *Mailbox[T]) Close() {
	m.mu.Lock()
	m.closed = true
	m.cond.Signal()
	m.mu.Unlock()
}

// Discard closes the mailbox and drops whatever the reader has not taken.
func (m *Mailbox[T]) Discard() {
	m.mu.Lock()
	m.closed = true
	m.queue.Clear()
	m.cond.Signal()
	m.mu.Unlock()
	m.stop.Do(func() { close(m.done) })
}

func (m *Mailbox[T]) pump() {
	defer close(m.out)
	for {
		m.mu.Lock()
		for m.queue.Empty() && !m.closed {
			m.cond.Wait()
		}
		v, ok := m.queue.Dequeue()
		m.mu.Unlock()
		if !ok {
			return
		}
		select {
		case m.out <- v.(T):
		case <-m.done:
			return
		}
	}
}
