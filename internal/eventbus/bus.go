// Package eventbus is a small in-process fan-out used to observe delivery,
// eviction and reconciliation without coupling those components together.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the daemon.
const (
	TypeDispatched        = "push.dispatched"
	TypeEndpointEvicted   = "token.evicted"
	TypeReconcileFinished = "reconcile.finished"
)

// Event is a lightweight signal. Data should be a small value type.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Bus delivers events without blocking the publisher. A slow subscriber
// loses events once its buffer is full.
type Bus interface {
	Publish(e Event)
	// Subscribe returns a buffered channel. When types is non-empty only
	// those event types are delivered.
	Subscribe(buffer int, types ...string) (ch <-chan Event, unsubscribe func())
	// Dropped reports how many events were discarded for slow subscribers.
	Dropped() uint64
}

// New returns an in-memory bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]*sub{}}
}

type sub struct {
	ch    chan Event
	types map[string]struct{}
}

func (s *sub) wants(t string) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[t]
	return ok
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]*sub
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	targets := make([]*sub, 0, len(b.subs))
	for _, s := range b.subs {
		if s.wants(e.Type) {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range targets {
		b.offer(s.ch, e)
	}
}

// offer sends without blocking; a send racing with unsubscribe is dropped.
func (b *memBus) offer(ch chan Event, e Event) {
	defer func() {
		if recover() != nil {
			b.dropped.Add(1)
		}
	}()
	select {
	case ch <- e:
	default:
		b.dropped.Add(1)
	}
}

func (b *memBus) Subscribe(buffer int, types ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &sub{ch: make(chan Event, buffer)}
	if len(types) > 0 {
		s.types = make(map[string]struct{}, len(types))
		for _, t := range types {
			s.types[t] = struct{}{}
		}
	}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(s.ch)
		})
	}
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }

// Nop discards every event.
func Nop() Bus { return nopBus{} }

type nopBus struct{}

func (nopBus) Publish(Event) {}
func (nopBus) Subscribe(int, ...string) (<-chan Event, func()) {
	ch := make(chan Event)
	var once sync.Once
	return ch, func() { once.Do(func() { close(ch) }) }
}
func (nopBus) Dropped() uint64 { return 0 }
