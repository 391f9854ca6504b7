package sync

import (
	"sync"

	"github.com/kimhsiao/reportsync/internal/models"
)

// Publisher broadcasts SyncState snapshots to every subscriber.
type Publisher struct {
	mu   sync.RWMutex
	next int
	subs map[int]func(models.SyncState)
}

// NewPublisher creates a Publisher with no subscribers.
func NewPublisher() *Publisher {
	return &Publisher{subs: make(map[int]func(models.SyncState))}
}

// Subscribe registers fn and returns a function that removes it. Calling the
// returned function more than once is safe.
func (p *Publisher) Subscribe(fn func(models.SyncState)) (unsubscribe func()) {
	p.mu.Lock()
	id := p.next
	p.next++
	p.subs[id] = fn
	p.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.subs, id)
			p.mu.Unlock()
		})
	}
}

// SubscribeChan delivers states on a buffered channel. A state is dropped for
// this subscriber when its buffer is full. The channel is closed by
// unsubscribe.
func (p *Publisher) SubscribeChan(buffer int) (<-chan models.SyncState, func()) {
	if buffer < 1 {
		buffer = 1
	}
	sub := &chanSubscriber{ch: make(chan models.SyncState, buffer)}
	remove := p.Subscribe(sub.send)

	return sub.ch, func() {
		remove()
		sub.close()
	}
}

// Publish calls every subscriber with state. Subscribers run on the caller's
// goroutine, outside the publisher lock.
func (p *Publisher) Publish(state models.SyncState) {
	p.mu.RLock()
	subs := make([]func(models.SyncState), 0, len(p.subs))
	for _, fn := range p.subs {
		subs = append(subs, fn)
	}
	p.mu.RUnlock()

	for _, fn := range subs {
		fn(state)
	}
}

// Len returns the number of subscribers.
func (p *Publisher) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.subs)
}

type chanSubscriber struct {
	mu     sync.Mutex
	ch     chan models.SyncState
	closed bool
}

func (s *chanSubscriber) send(state models.SyncState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- state:
	default:
	}
}

func (s *chanSubscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
