package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
)

// DefaultQueueSize bounds each subscriber's in-flight queue. When a
// subscriber falls behind, the oldest queued event is dropped first.
const DefaultQueueSize = 128

// Subscriber is one consumer of bus events. Events arrive on a bounded
// channel owned by the bus; a slow subscriber only loses its own events.
type Subscriber struct {
	ID string

	bus  *Bus
	ch   chan Event
	once sync.Once
}

// Events returns the subscriber's delivery channel.
func (s *Subscriber) Events() <-chan Event { return s.ch }

// Close removes the subscriber from the bus and closes its channel.
func (s *Subscriber) Close() {
	s.bus.unsubscribe(s.ID)
	s.once.Do(func() { close(s.ch) })
}

// Bus is a typed publish/subscribe fan-out with two addressing modes:
// per-job groups keyed by job ID and a broadcast group that reaches
// every subscriber.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber
	groups      map[string]map[string]struct{} // group -> subscriber IDs
	queueSize   int
	logger      hclog.Logger
}

// NewBus creates a bus with the default per-subscriber queue size.
func NewBus(logger hclog.Logger) *Bus {
	return &Bus{
		subscribers: make(map[string]*Subscriber),
		groups:      make(map[string]map[string]struct{}),
		queueSize:   DefaultQueueSize,
		logger:      logger.Named("events"),
	}
}

// Subscribe registers a new subscriber. An empty id is replaced with a
// generated one.
func (b *Bus) Subscribe(id string) *Subscriber {
	if id == "" {
		id = uuid.New().String()
	}
	sub := &Subscriber{
		ID:  id,
		bus: b,
		ch:  make(chan Event, b.queueSize),
	}

	b.mu.Lock()
	if old, exists := b.subscribers[id]; exists {
		b.removeLocked(old.ID)
		old.once.Do(func() { close(old.ch) })
	}
	b.subscribers[id] = sub
	b.mu.Unlock()

	b.logger.Debug("subscriber registered", "subscriber_id", id)
	return sub
}

func (b *Bus) unsubscribe(id string) {
	b.mu.Lock()
	b.removeLocked(id)
	b.mu.Unlock()
	b.logger.Debug("subscriber removed", "subscriber_id", id)
}

// removeLocked deletes a subscriber and all of its group memberships.
func (b *Bus) removeLocked(id string) {
	delete(b.subscribers, id)
	for group, members := range b.groups {
		delete(members, id)
		if len(members) == 0 {
			delete(b.groups, group)
		}
	}
}

// JoinGroup adds the (subscriber, group) membership.
func (b *Bus) JoinGroup(subscriberID, group string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.subscribers[subscriberID]; !exists {
		return
	}
	if b.groups[group] == nil {
		b.groups[group] = make(map[string]struct{})
	}
	b.groups[group][subscriberID] = struct{}{}
}

// LeaveGroup removes exactly the (subscriber, group) membership.
func (b *Bus) LeaveGroup(subscriberID, group string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if members, exists := b.groups[group]; exists {
		delete(members, subscriberID)
		if len(members) == 0 {
			delete(b.groups, group)
		}
	}
}

// Publish delivers an event to every member of the group. Delivery is
// best-effort: a full subscriber queue drops its oldest event, never
// blocking the publisher or other subscribers.
func (b *Bus) Publish(group string, typ EventType, data interface{}) {
	event := Event{
		Type:      typ,
		Group:     group,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}

	b.mu.RLock()
	var targets []*Subscriber
	if group == GroupBroadcast {
		targets = make([]*Subscriber, 0, len(b.subscribers))
		for _, sub := range b.subscribers {
			targets = append(targets, sub)
		}
	} else {
		members := b.groups[group]
		targets = make([]*Subscriber, 0, len(members))
		for id := range members {
			if sub, exists := b.subscribers[id]; exists {
				targets = append(targets, sub)
			}
		}
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		b.deliver(sub, event)
	}
}

// Broadcast delivers an event to every subscriber.
func (b *Bus) Broadcast(typ EventType, data interface{}) {
	b.Publish(GroupBroadcast, typ, data)
}

func (b *Bus) deliver(sub *Subscriber, event Event) {
	defer func() {
		// Sending on a just-closed channel loses the event but must
		// not take the publisher down with it.
		if r := recover(); r != nil {
			b.logger.Debug("delivery to closed subscriber", "subscriber_id", sub.ID)
		}
	}()

	select {
	case sub.ch <- event:
		return
	default:
	}

	// Queue full: drop the oldest in-flight event for this subscriber.
	select {
	case dropped := <-sub.ch:
		b.logger.Warn("subscriber queue full, dropping oldest event",
			"subscriber_id", sub.ID,
			"dropped_type", dropped.Type)
	default:
	}
	select {
	case sub.ch <- event:
	default:
	}
}

// GroupSize returns the current member count of a group.
func (b *Bus) GroupSize(group string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.groups[group])
}

// SubscriberCount returns the number of registered subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
