package events

import (
	"sync"
	"sync/atomic"

	"github.com/starford/mediacat/internal/metrics"
)

// Publisher is the narrow interface the core depends on.
type Publisher interface {
	Publish(ev Event)
}

// Subscription is a live registration on the Bus.
type Subscription struct {
	C     <-chan Envelope
	ch    chan Envelope
	kinds map[string]struct{}
	q     *queue // non-nil for subscriptions that must not lose events
}

// queue is an unbounded mailbox in front of a subscriber channel. The bus
// loop pushes without blocking; a forwarder goroutine feeds the channel.
type queue struct {
	mu      sync.Mutex
	items   []Envelope
	closed  bool
	notify  chan struct{}
	abandon chan struct{}
	once    sync.Once
}

func (q *queue) push(env Envelope) {
	q.mu.Lock()
	q.items = append(q.items, env)
	q.mu.Unlock()
	q.wake()
}

// close lets the forwarder deliver what is queued, then close the channel.
func (q *queue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake()
}

// drop stops the forwarder without delivering the rest.
func (q *queue) drop() {
	q.once.Do(func() { close(q.abandon) })
}

func (q *queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) forward() {
	defer close(s.ch)
	for {
		s.q.mu.Lock()
		items, closed := s.q.items, s.q.closed
		s.q.items = nil
		s.q.mu.Unlock()

		for _, env := range items {
			select {
			case s.ch <- env:
			case <-s.q.abandon:
				return
			}
		}
		if len(items) > 0 {
			continue
		}
		if closed {
			return
		}
		select {
		case <-s.q.notify:
		case <-s.q.abandon:
			return
		}
	}
}

// shut ends delivery once the bus lets go of s.
func (s *Subscription) shut() {
	if s.q != nil {
		s.q.close()
		return
	}
	close(s.ch)
}

func (s *Subscription) wants(kind string) bool {
	if len(s.kinds) == 0 {
		return true
	}
	_, ok := s.kinds[kind]
	return ok
}

// Bus fans published events out to subscribers.
//
// A single internal loop owns the subscriber set; public methods talk to it
// over channels. Events reach each subscriber in publish order. A Subscribe
// subscriber whose buffer is full misses the event rather than stalling the
// publisher; a SubscribeQueued subscriber gets every event, however late.
type Bus struct {
	subscribeCh   chan *Subscription
	unsubscribeCh chan *Subscription
	publishCh     chan Envelope

	dropped atomic.Int64

	stopCh  chan struct{}
	stopped chan struct{}
	closed  atomic.Bool
}

// NewBus starts the bus loop.
func NewBus() *Bus {
	b := &Bus{
		subscribeCh:   make(chan *Subscription),
		unsubscribeCh: make(chan *Subscription),
		publishCh:     make(chan Envelope, 256),
		stopCh:        make(chan struct{}),
		stopped:       make(chan struct{}),
	}
	go b.run()
	return b
}

func (b *Bus) run() {
	defer close(b.stopped)

	subs := make(map[*Subscription]struct{})

	for {
		select {
		case <-b.stopCh:
			// Deliver what was already accepted before shutting subscribers.
		drain:
			for {
				select {
				case env := <-b.publishCh:
					b.fanOut(subs, env)
				default:
					break drain
				}
			}
			for s := range subs {
				s.shut()
			}
			return

		case s := <-b.subscribeCh:
			subs[s] = struct{}{}

		case s := <-b.unsubscribeCh:
			if _, ok := subs[s]; ok {
				delete(subs, s)
				s.shut()
			}

		case env := <-b.publishCh:
			b.fanOut(subs, env)
		}
	}
}

func (b *Bus) fanOut(subs map[*Subscription]struct{}, env Envelope) {
	for s := range subs {
		if !s.wants(env.Kind) {
			continue
		}
		if s.q != nil {
			s.q.push(env)
			continue
		}
		select {
		case s.ch <- env:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribe registers a subscriber for the given kinds (all kinds when none
// are given). buffer is the channel capacity; values below 1 become 64.
func (b *Bus) Subscribe(buffer int, kinds ...string) *Subscription {
	if buffer < 1 {
		buffer = 64
	}
	ch := make(chan Envelope, buffer)
	s := &Subscription{C: ch, ch: ch, kinds: kindSet(kinds)}
	b.register(s)
	return s
}

// SubscribeQueued registers a subscriber that never misses an event: what it
// has not consumed yet waits in an unbounded queue. Use it for commands, not
// for notifications a slow client could pile up.
func (b *Bus) SubscribeQueued(kinds ...string) *Subscription {
	ch := make(chan Envelope)
	s := &Subscription{
		C:     ch,
		ch:    ch,
		kinds: kindSet(kinds),
		q: &queue{
			notify:  make(chan struct{}, 1),
			abandon: make(chan struct{}),
		},
	}
	go s.forward()
	b.register(s)
	return s
}

func kindSet(kinds []string) map[string]struct{} {
	if len(kinds) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(kinds))
	for _, k := range kinds {
		set[k] = struct{}{}
	}
	return set
}

func (b *Bus) register(s *Subscription) {
	if b.closed.Load() {
		s.shut()
		return
	}
	select {
	case b.subscribeCh <- s:
	case <-b.stopped:
		s.shut()
	}
}

// Unsubscribe removes s and closes its channel. Queued events not yet
// consumed are discarded.
func (b *Bus) Unsubscribe(s *Subscription) {
	if s.q != nil {
		s.q.drop()
	}
	if b.closed.Load() {
		return
	}
	select {
	case b.unsubscribeCh <- s:
	case <-b.stopped:
	}
}

// Publish enqueues ev for delivery. It is a no-op after Close.
func (b *Bus) Publish(ev Event) {
	if ev == nil || b.closed.Load() {
		return
	}
	select {
	case b.publishCh <- newEnvelope(ev):
		metrics.RecordEvent(ev.Kind())
	case <-b.stopped:
	}
}

// Dropped returns how many deliveries were skipped because a subscriber lagged.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close stops the loop and closes every subscriber channel. Safe to call twice.
func (b *Bus) Close() {
	if b.closed.CompareAndSwap(false, true) {
		close(b.stopCh)
	}
	<-b.stopped
}

// Discard is a Publisher that drops everything.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Event) {}
