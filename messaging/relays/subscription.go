package relays

import (
	"context"
	"sync"

	"github.com/nbd-wtf/go-nostr"
	"portal/engine/library"
)

// Subscription receives events matching its filters from every relay in the pool, each event once.
type Subscription struct {
	id      int
	filters nostr.Filters
	events  chan nostr.Event
	done    chan struct{}
	once    *sync.Once
	seen    *seenCache
	pool    *Pool
}

// Subscribe opens filters on every current and future relay connection.
func (p *Pool) Subscribe(filters nostr.Filters) *Subscription {
	s := &Subscription{
		filters: filters,
		events:  make(chan nostr.Event, 64),
		done:    make(chan struct{}),
		once:    &sync.Once{},
		seen:    newSeenCache(p.opts.SeenCacheSize),
		pool:    p,
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		s.stop()
		return s
	}
	p.nextSub++
	s.id = p.nextSub
	p.subs[s.id] = s
	for _, r := range p.relays {
		signal(r.changed)
	}
	return s
}

// Events is never closed, select on Done as well.
func (s *Subscription) Events() <-chan nostr.Event {
	return s.events
}

func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

func (s *Subscription) Close() {
	p := s.pool
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.subs[s.id]; !ok {
		s.stop()
		return
	}
	delete(p.subs, s.id)
	for _, r := range p.relays {
		signal(r.changed)
	}
	s.stop()
}

func (s *Subscription) stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *Subscription) deliver(ctx context.Context, ev nostr.Event) {
	if ok, err := ev.CheckSignature(); !ok || err != nil {
		library.LogCLI("dropping event with invalid signature "+ev.ID, 3)
		return
	}
	if !s.seen.add(ev.ID) {
		return
	}
	select {
	case s.events <- ev:
	case <-s.done:
	case <-ctx.Done():
	}
}
