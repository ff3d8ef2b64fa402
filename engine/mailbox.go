package engine

import (
	"sync"
	"sync/atomic"

	"engagekit/core"
)

// mailbox is an unbounded FIFO drained by one worker goroutine. push never
// blocks, so a handler may publish to the bus without deadlocking on its own queue.
type mailbox struct {
	mu      sync.Mutex
	queue   []core.Event
	signal  chan struct{}
	done    chan struct{}
	once    sync.Once
	pending atomic.Int64
}

func newMailbox() *mailbox {
	return &mailbox{signal: make(chan struct{}, 1), done: make(chan struct{})}
}

func (m *mailbox) push(ev core.Event) {
	m.mu.Lock()
	m.queue = append(m.queue, ev)
	m.mu.Unlock()
	m.pending.Add(1)
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *mailbox) depth() int64 { return m.pending.Load() }

func (m *mailbox) close() { m.once.Do(func() { close(m.done) }) }

// run delivers queued events in order until the mailbox is closed.
func (m *mailbox) run(handle func(core.Event)) {
	for {
		m.mu.Lock()
		batch := m.queue
		m.queue = nil
		m.mu.Unlock()

		for i, ev := range batch {
			select {
			case <-m.done:
				m.pending.Add(-int64(len(batch) - i))
				return
			default:
			}
			handle(ev)
			m.pending.Add(-1)
		}
		if len(batch) > 0 {
			continue
		}
		select {
		case <-m.signal:
		case <-m.done:
			m.mu.Lock()
			m.pending.Add(-int64(len(m.queue)))
			m.queue = nil
			m.mu.Unlock()
			return
		}
	}
}
