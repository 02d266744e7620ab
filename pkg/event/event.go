// Package event is a small in-process pub/sub bus used for best-effort UI
// refresh notifications. Delivery is not guaranteed: async publishes are
// dropped when the queue is full and clients are expected to reconcile by
// polling the HTTP endpoints.
package event

import (
	"log"
	"sync"
	"time"
)

const (
	subscriberQueueSize = 20
	asyncQueueSize      = 256
)

type Type string

const (
	TypeScanCompleted     Type = "scan.completed"
	TypeChainSeeded       Type = "chain.seeded"
	TypeChainClosed       Type = "chain.closed"
	TypeSnapshotCompleted Type = "snapshot.completed"
)

type Event struct {
	Timestamp time.Time
	Data      any
	Type      Type
}

func New(t Type, data any) Event {
	return Event{Type: t, Timestamp: time.Now(), Data: data}
}

type SubscriberID int

// subscriber wraps a delivery channel with a closed flag. Deliver holds the
// read lock across the send so close cannot run while a send is in flight;
// without the guard a Publish racing an Unsubscribe can send on a closed
// channel and panic the delivery goroutine.
type subscriber struct {
	ch     chan Event
	mu     sync.RWMutex
	closed bool
}

func newSubscriber(buffer int) *subscriber {
	return &subscriber{ch: make(chan Event, buffer)}
}

// deliver sends non-blocking: a full or already-closed subscriber drops the
// event rather than stalling the publisher.
func (s *subscriber) deliver(evt Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- evt:
	default:
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// Bus fans events out to channel subscribers. PublishAsync never blocks the
// caller; Publish delivers synchronously and drops per-subscriber when a
// subscriber channel is full (a slow SSE client must not stall a scan).
type Bus struct {
	mu          sync.RWMutex
	subscribers map[Type]map[SubscriberID]*subscriber
	lastSubID   SubscriberID

	asyncQueue chan asyncEvent
	stopCh     chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
}

type asyncEvent struct {
	eventType Type
	event     Event
}

func NewBus() *Bus {
	b := &Bus{
		subscribers: make(map[Type]map[SubscriberID]*subscriber),
		asyncQueue:  make(chan asyncEvent, asyncQueueSize),
		stopCh:      make(chan struct{}),
	}
	b.wg.Add(1)
	go b.asyncWorker()
	return b
}

func (b *Bus) asyncWorker() {
	defer b.wg.Done()
	for {
		select {
		case <-b.stopCh:
			return
		case ae := <-b.asyncQueue:
			b.Publish(ae.eventType, ae.event)
		}
	}
}

// Subscribe returns a channel receiving events of the given type until
// Unsubscribe is called with the returned id.
func (b *Bus) Subscribe(t Type) (SubscriberID, <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastSubID++
	id := b.lastSubID
	if _, ok := b.subscribers[t]; !ok {
		b.subscribers[t] = make(map[SubscriberID]*subscriber)
	}
	sub := newSubscriber(subscriberQueueSize)
	b.subscribers[t][id] = sub
	return id, sub.ch
}

// SubscribeFunc runs handler on its own goroutine for every event of the
// given type.
func (b *Bus) SubscribeFunc(t Type, handler func(Event)) SubscriberID {
	id, ch := b.Subscribe(t)
	go func() {
		for evt := range ch {
			handler(evt)
		}
	}()
	return id
}

func (b *Bus) Unsubscribe(t Type, id SubscriberID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs, ok := b.subscribers[t]; ok {
		if sub, ok2 := subs[id]; ok2 {
			delete(subs, id)
			sub.close()
		}
		if len(subs) == 0 {
			delete(b.subscribers, t)
		}
	}
}

// Publish delivers evt to all current subscribers of its type. Full
// subscriber channels are skipped rather than blocked on, and a subscriber
// unsubscribed mid-publish drops the event instead of panicking the sender.
func (b *Bus) Publish(t Type, evt Event) {
	b.mu.RLock()
	subs := make([]*subscriber, 0, len(b.subscribers[t]))
	for _, sub := range b.subscribers[t] {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()
	for _, sub := range subs {
		sub.deliver(evt)
	}
}

// PublishAsync enqueues evt for delivery off the caller's goroutine. Returns
// false if the queue is full or the bus is stopped; the event is dropped.
func (b *Bus) PublishAsync(t Type, evt Event) bool {
	select {
	case <-b.stopCh:
		return false
	default:
	}
	select {
	case b.asyncQueue <- asyncEvent{eventType: t, event: evt}:
		return true
	default:
		log.Printf("event: async queue full, dropping %s", t)
		return false
	}
}

// Stop shuts down the async worker and closes all subscriber channels.
func (b *Bus) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopCh)
		b.wg.Wait()
		b.mu.Lock()
		for t, subs := range b.subscribers {
			for _, sub := range subs {
				sub.close()
			}
			delete(b.subscribers, t)
		}
		b.mu.Unlock()
	})
}
