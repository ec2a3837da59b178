package event

import "sync"

// Bus fans events out to subscribers. Emit never blocks the caller and never
// drops an event: each subscription owns an unbounded queue drained by its
// own goroutine, so a slow consumer only delays itself.
type Bus struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
}

func NewBus() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Subscription delivers events in emission order on C until closed.
type Subscription struct {
	bus    *Bus
	out    chan Event
	mu     sync.Mutex
	queue  []Event
	wake   chan struct{}
	done   chan struct{}
	once   sync.Once
	filter map[Type]bool
}

// Subscribe registers a subscriber. With no types it receives everything.
func (b *Bus) Subscribe(types ...Type) *Subscription {
	sub := &Subscription{
		bus:  b,
		out:  make(chan Event),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	if len(types) > 0 {
		sub.filter = make(map[Type]bool, len(types))
		for _, t := range types {
			sub.filter[t] = true
		}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.once.Do(func() { close(sub.done) })
		close(sub.out)
		return sub
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	go sub.pump()
	return sub
}

// Listen runs fn for every event on its own goroutine and returns a stop func.
func (b *Bus) Listen(fn func(Event), types ...Type) func() {
	sub := b.Subscribe(types...)
	go func() {
		for ev := range sub.C() {
			fn(ev)
		}
	}()
	return sub.Close
}

func (b *Bus) Emit(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subs {
		sub.enqueue(ev)
	}
}

// Close ends every subscription. Later emits are dropped.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[*Subscription]struct{})
	b.closed = true
	b.mu.Unlock()

	for sub := range subs {
		sub.stop()
	}
}

func (s *Subscription) C() <-chan Event { return s.out }

// Close unsubscribes. Events still queued are discarded and C is closed.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
	s.stop()
}

func (s *Subscription) stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *Subscription) enqueue(ev Event) {
	if s.filter != nil && !s.filter[ev.Type] {
		return
	}

	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) pump() {
	defer close(s.out)

	for {
		s.mu.Lock()
		var next *Event
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue = s.queue[1:]
			next = &ev
		}
		s.mu.Unlock()

		if next == nil {
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}

		select {
		case s.out <- *next:
		case <-s.done:
			return
		}
	}
}
