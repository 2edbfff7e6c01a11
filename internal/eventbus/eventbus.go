// ABOUTME: In-process sequenced pub/sub for gateway events
// ABOUTME: Single-writer seq assignment with best-effort, oldest-evicting delivery to bounded subscriber mailboxes

// Package eventbus is the in-process, sequenced pub/sub that serializes
// every observable side effect the gateway produces. Sequence assignment is
// single-writer and totally ordered; delivery to subscribers is best-effort
// and never backpressures the publisher.
package eventbus

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/kilnlabs/agentgw/internal/domain"
)

// MailboxSize is the default bounded queue depth per subscriber.
const MailboxSize = 1024

// Filter restricts a subscription to a subset of events. An empty Filter
// matches everything. RunID, if set, matches only that run's events.
type Filter struct {
	RunID string
}

func (f Filter) matches(evt domain.Event) bool {
	if f.RunID != "" && evt.RunID != f.RunID {
		return false
	}
	return true
}

type subscriber struct {
	id     string
	ch     chan domain.Event
	filter Filter

	// sendMu serializes the evict-then-enqueue sequence in deliver so two
	// concurrent publishes can't both observe a full mailbox and evict
	// twice for what should be a single freed slot.
	sendMu sync.Mutex
}

// deliver enqueues evt onto the subscriber's mailbox, evicting the oldest
// buffered event first if the mailbox is full. Overflow drops the oldest
// undelivered event, not the one just published, keeping the tail of the
// feed recent for a subscriber that's falling behind.
func (s *subscriber) deliver(evt domain.Event, b *Bus) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	select {
	case s.ch <- evt:
		return
	default:
	}

	select {
	case <-s.ch:
		b.lag.Add(1)
		b.logger.Debug("evicted oldest event for slow subscriber", "sub_id", s.id, "seq", evt.Seq)
	default:
	}

	select {
	case s.ch <- evt:
	default:
		// Mailbox was drained out from under us by Unsubscribe; drop.
		b.lag.Add(1)
	}
}

// Bus owns the sequence counter and every subscriber mailbox.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]*subscriber
	seq  uint64
	lag  atomic.Uint64

	logger *slog.Logger
}

// New constructs an empty Bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[string]*subscriber),
		logger: logger.With("component", "eventbus"),
	}
}

// Publish assigns the next seq, stamps the event, and fans it out to every
// subscriber whose filter matches. It returns the assigned seq.
//
// The non-blocking send for each matching subscriber happens while b.mu is
// still held, so two concurrent Publish calls can never interleave their
// enqueue onto the same mailbox out of seq order. Only a subscriber whose
// mailbox is already full falls through to the heavier evict-and-retry path
// in deliver, which runs after the lock is released.
func (b *Bus) Publish(evt domain.Event) uint64 {
	b.mu.Lock()
	b.seq++
	evt.Seq = b.seq

	var overflowed []*subscriber
	for _, s := range b.subs {
		if !s.filter.matches(evt) {
			continue
		}
		select {
		case s.ch <- evt:
		default:
			overflowed = append(overflowed, s)
		}
	}
	b.mu.Unlock()

	for _, s := range overflowed {
		s.deliver(evt, b)
	}
	return evt.Seq
}

// Subscribe registers a mailbox matching filter, returning the receive-only
// channel and an opaque handle for Unsubscribe.
func (b *Bus) Subscribe(filter Filter) (<-chan domain.Event, string) {
	ch, id, _ := b.SubscribeWithWatermark(filter)
	return ch, id
}

// SubscribeWithWatermark registers a mailbox the same way Subscribe does,
// but also returns the seq last assigned at registration time, taken under
// the same lock that guards Publish's seq increment and target list. A
// caller that replays persisted events with seq <= watermark and then
// relies on this subscription for everything after is guaranteed neither a
// gap nor a duplicate: any publish racing the subscribe call either fully
// precedes it (seq <= watermark, not delivered live) or fully follows it
// (seq > watermark, delivered live), never both.
func (b *Bus) SubscribeWithWatermark(filter Filter) (<-chan domain.Event, string, uint64) {
	id := uuid.New().String()
	ch := make(chan domain.Event, MailboxSize)

	b.mu.Lock()
	b.subs[id] = &subscriber{id: id, ch: ch, filter: filter}
	watermark := b.seq
	b.mu.Unlock()

	return ch, id, watermark
}

// Unsubscribe removes and closes the mailbox identified by handle. It is
// safe to call more than once.
func (b *Bus) Unsubscribe(handle string) {
	b.mu.Lock()
	s, ok := b.subs[handle]
	if ok {
		delete(b.subs, handle)
	}
	b.mu.Unlock()

	if ok {
		close(s.ch)
	}
}

// Lag returns the cumulative count of events dropped across all subscribers
// due to mailbox overflow, exported as the bus.lag metric.
func (b *Bus) Lag() uint64 { return b.lag.Load() }

// Subscribers returns the current live subscriber count.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Seq returns the last assigned sequence number, the bus's watermark.
func (b *Bus) Seq() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.seq
}

// Close unsubscribes and closes every live mailbox.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[string]*subscriber)
	b.mu.Unlock()

	for _, s := range subs {
		close(s.ch)
	}
}
