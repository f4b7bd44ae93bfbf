// Package syncbus fans change events out to the live subscribers of the
// workspace.
//
// Publication is serialized under a single lock and never blocks: every
// subscriber observes the same global order, and one that falls behind loses
// its oldest queued events rather than stalling the others. The subscriber
// whose id equals the origin of an event does not receive it.
package syncbus

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devdost/wsync/event"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// DefaultQueueSize is the per-subscriber queue capacity.
const DefaultQueueSize = 256

var (
	ErrClosed      = errors.New("bus closed")
	ErrDuplicateID = errors.New("subscriber id already in use")
)

type Options struct {
	QueueSize  int
	Registerer prometheus.Registerer
	Logger     *zap.Logger
}

// Subscription is one subscriber's view of the bus. Project scopes it to a
// single project; an empty project receives every event.
type Subscription struct {
	id      string
	project string
	ch      chan event.Event
	dropped atomic.Uint64
	closed  bool
}

func (s *Subscription) ID() string      { return s.id }
func (s *Subscription) Project() string { return s.project }

// Events returns the delivery channel. It is closed on Unsubscribe.
func (s *Subscription) Events() <-chan event.Event { return s.ch }

// Dropped returns how many events were discarded for this subscriber.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

func (s *Subscription) wants(project string) bool {
	return s.project == "" || s.project == project
}

type Bus struct {
	mu        sync.Mutex
	subs      map[string]*Subscription
	seq       uint64
	closed    bool
	queueSize int
	metrics   *Metrics
	logger    *zap.Logger
}

func New(opts Options) *Bus {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Bus{
		subs:      make(map[string]*Subscription),
		queueSize: opts.QueueSize,
		metrics:   NewMetrics(opts.Registerer),
		logger:    opts.Logger,
	}
}

// Publish stamps ev with originID, the next sequence number and (if unset)
// the current time, and queues it to every other interested subscriber.
// The stamped event is returned.
func (b *Bus) Publish(ev event.Event, originID string) event.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ev
	}

	b.seq++
	ev.Seq = b.seq
	ev.Origin = originID
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	if ev.Change != nil {
		b.metrics.published(ev.Change.Kind().String())
	}

	for id, s := range b.subs {
		if id == originID || !s.wants(ev.Project) {
			continue
		}
		b.enqueueLocked(s, ev)
	}
	return ev
}

// enqueueLocked makes room by discarding the oldest queued event. Readers
// only ever drain the channel, so the second send cannot fail while b.mu is
// held.
func (b *Bus) enqueueLocked(s *Subscription, ev event.Event) {
	select {
	case s.ch <- ev:
		b.metrics.delivered()
		return
	default:
	}

	select {
	case <-s.ch:
		s.dropped.Add(1)
		b.metrics.dropped()
		b.logger.Debug("subscriber queue full, dropped oldest event", zap.String("subscriber", s.id))
	default:
	}

	select {
	case s.ch <- ev:
		b.metrics.delivered()
	default:
	}
}

// Subscribe registers a subscriber under a fresh id. On a closed bus the
// returned subscription is already closed.
func (b *Bus) Subscribe(project string) *Subscription {
	s, err := b.SubscribeAs(uuid.NewString(), project)
	if err != nil {
		s = &Subscription{id: uuid.NewString(), project: project, ch: make(chan event.Event), closed: true}
		close(s.ch)
	}
	return s
}

// SubscribeAs registers a subscriber under a caller-chosen id, typically a
// client id that the same caller passes as origin when mutating.
func (b *Bus) SubscribeAs(id, project string) (*Subscription, error) {
	if id == "" {
		return nil, fmt.Errorf("subscriber id must not be empty")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}
	if _, ok := b.subs[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}

	s := &Subscription{
		id:      id,
		project: project,
		ch:      make(chan event.Event, b.queueSize),
	}
	b.subs[id] = s
	b.metrics.subscribers(len(b.subs))
	b.logger.Debug("subscriber added", zap.String("subscriber", id), zap.String("project", project))
	return s, nil
}

// Unsubscribe removes the subscriber, discards its queue and closes its
// channel. Unknown ids are ignored.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if s, ok := b.subs[id]; ok {
		b.removeLocked(s)
		b.metrics.subscribers(len(b.subs))
	}
}

// RevokeProject unsubscribes everyone scoped to project and returns how many
// subscriptions were closed.
func (b *Bus) RevokeProject(project string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, s := range b.subs {
		if project != "" && s.project == project {
			b.removeLocked(s)
			n++
		}
	}
	if n > 0 {
		b.metrics.subscribers(len(b.subs))
		b.logger.Info("revoked project subscriptions", zap.String("project", project), zap.Int("count", n))
	}
	return n
}

// Close unsubscribes everyone. Later publications are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, s := range b.subs {
		b.removeLocked(s)
	}
	b.metrics.subscribers(0)
}

// Len returns the number of live subscriptions.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *Bus) removeLocked(s *Subscription) {
	delete(b.subs, s.id)
	if s.closed {
		return
	}
	s.closed = true
drain:
	for {
		select {
		case <-s.ch:
		default:
			break drain
		}
	}
	close(s.ch)
}
