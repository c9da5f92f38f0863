// Package bus fans probe results out to the SSE sessions and the webhook
// dispatcher.
//
// # Design
//
// Single-producer-side publish, multi-consumer subscribers. Each subscriber
// owns a bounded queue; a publisher never blocks on a slow consumer.
// When a queue overflows the oldest event is dropped and a lag marker is
// queued once, so the consumer knows to resync from /api/status instead of
// trusting its event stream.
package bus

import (
	"sync"

	"github.com/ifpj/netwatch/pkg/types"
)

// DefaultQueueSize is the per-subscriber queue depth.
const DefaultQueueSize = 256

// Kind discriminates event payloads.
type Kind string

const (
	// KindStatus carries a TargetStatus after every probe.
	KindStatus Kind = "status"
	// KindTransition carries a confirmed state change.
	KindTransition Kind = "transition"
	// KindLag signals that this subscriber's queue overflowed and events
	// were dropped.
	KindLag Kind = "lag"
)

// Event is one bus message. Exactly one payload field is set, matching Kind.
type Event struct {
	Kind       Kind
	Status     *types.TargetStatus
	Transition *types.Transition
}

// Bus broadcasts events to subscribers.
type Bus struct {
	mu        sync.Mutex
	subs      map[*Subscriber]struct{}
	queueSize int
}

// New creates a bus with the given per-subscriber queue size; 0 means
// DefaultQueueSize.
func New(queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Bus{
		subs:      make(map[*Subscriber]struct{}),
		queueSize: queueSize,
	}
}

// Subscriber receives a filtered stream of events over a bounded queue.
type Subscriber struct {
	bus    *Bus
	ch     chan Event
	kinds  map[Kind]bool // nil means all
	lagged bool
	closed bool
}

// Subscribe registers a subscriber for the given kinds (all kinds when none
// are given). Lag markers are always delivered.
func (b *Bus) Subscribe(kinds ...Kind) *Subscriber {
	s := &Subscriber{
		bus: b,
		ch:  make(chan Event, b.queueSize),
	}
	if len(kinds) > 0 {
		s.kinds = make(map[Kind]bool, len(kinds))
		for _, k := range kinds {
			s.kinds[k] = true
		}
	}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Events returns the subscriber's receive channel. It is closed by Close.
func (s *Subscriber) Events() <-chan Event {
	return s.ch
}

// Close removes the subscriber from the bus and closes its channel.
func (s *Subscriber) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	delete(s.bus.subs, s)
	close(s.ch)
}

// PublishStatus broadcasts a per-probe status update.
func (b *Bus) PublishStatus(st types.TargetStatus) {
	b.publish(Event{Kind: KindStatus, Status: &st})
}

// PublishTransition broadcasts a confirmed state change.
func (b *Bus) PublishTransition(tr types.Transition) {
	b.publish(Event{Kind: KindTransition, Transition: &tr})
}

// publish delivers e to every matching subscriber without blocking.
func (b *Bus) publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs {
		if s.kinds != nil && !s.kinds[e.Kind] {
			continue
		}
		s.offer(e)
	}
}

// offer enqueues e, dropping the oldest queued event on overflow and
// inserting a single lag marker ahead of e. Caller holds bus.mu, which
// serializes queue surgery against other publishers.
func (s *Subscriber) offer(e Event) {
	select {
	case s.ch <- e:
		s.lagged = false
		return
	default:
	}

	// Queue full: drop the oldest to make room. If the victim was the lag
	// marker itself, re-arm so a fresh marker goes back in.
	select {
	case old := <-s.ch:
		if old.Kind == KindLag {
			s.lagged = false
		}
	default:
	}
	if !s.lagged {
		s.lagged = true
		select {
		case s.ch <- Event{Kind: KindLag}:
			// The lag marker took the freed slot; drop another oldest
			// event so e still fits.
			select {
			case old := <-s.ch:
				if old.Kind == KindLag {
					s.lagged = false
				}
			default:
			}
		default:
		}
	}
	select {
	case s.ch <- e:
	default:
	}
}
