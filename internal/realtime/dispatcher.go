// Package realtime fans encoded frames out to the connections subscribed to a topic.
package realtime

import (
	"context"
	"sync"
)

// DefaultBufferSize is the per-connection outbound queue length.
const DefaultBufferSize = 64

// Subscription is a connection's view of a topic.
type Subscription struct {
	ConnectionID string
	// Stream yields frames in publish order.
	Stream <-chan []byte
	// Dropped is closed when the dispatcher gave up on a slow consumer.
	Dropped <-chan struct{}
}

// Dispatcher routes frames to the subscribers of a topic. Delivery never
// blocks the publisher: a subscriber whose buffer is full is unregistered
// and its Dropped channel closed so the transport can disconnect it.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]*subscriber
	bufferSize  int
}

type subscriber struct {
	connectionID string
	stream       chan []byte
	dropped      chan struct{}
	dropOnce     sync.Once
}

func (s *subscriber) drop() {
	s.dropOnce.Do(func() { close(s.dropped) })
}

// NewDispatcher builds a dispatcher. A non-positive bufferSize selects DefaultBufferSize.
func NewDispatcher(bufferSize int) *Dispatcher {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Dispatcher{
		subscribers: make(map[string]map[string]*subscriber),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers connectionID under topic until ctx ends or the
// returned cleanup runs. Re-subscribing an id replaces the older subscription.
func (d *Dispatcher) Subscribe(ctx context.Context, topic string, connectionID string) (Subscription, func()) {
	if topic == "" || connectionID == "" {
		stream := make(chan []byte)
		close(stream)
		dropped := make(chan struct{})
		close(dropped)
		return Subscription{ConnectionID: connectionID, Stream: stream, Dropped: dropped}, func() {}
	}
	entry := &subscriber{
		connectionID: connectionID,
		stream:       make(chan []byte, d.bufferSize),
		dropped:      make(chan struct{}),
	}
	d.registerSubscriber(topic, entry)
	var cleanupOnce sync.Once
	cleanup := func() {
		cleanupOnce.Do(func() { d.unregisterSubscriber(topic, entry) })
	}
	go func() {
		select {
		case <-ctx.Done():
			cleanup()
		case <-entry.dropped:
		}
	}()
	return Subscription{ConnectionID: connectionID, Stream: entry.stream, Dropped: entry.dropped}, cleanup
}

// Publish delivers frame to every subscriber of topic except the excluded connections.
func (d *Dispatcher) Publish(topic string, frame []byte, exclude ...string) {
	if topic == "" || len(frame) == 0 {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[topic]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*subscriber, 0, len(subscribers))
	for connectionID, entry := range subscribers {
		if containsString(exclude, connectionID) {
			continue
		}
		copies = append(copies, entry)
	}
	d.mu.RUnlock()
	for _, entry := range copies {
		d.deliver(topic, entry, frame)
	}
}

// Send delivers frame to a single connection. It reports whether the connection was subscribed.
func (d *Dispatcher) Send(topic string, connectionID string, frame []byte) bool {
	d.mu.RLock()
	entry := d.subscribers[topic][connectionID]
	d.mu.RUnlock()
	if entry == nil {
		return false
	}
	d.deliver(topic, entry, frame)
	return true
}

// Count returns the number of subscribers of topic.
func (d *Dispatcher) Count(topic string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[topic])
}

func (d *Dispatcher) deliver(topic string, entry *subscriber, frame []byte) {
	select {
	case entry.stream <- frame:
	default:
		d.unregisterSubscriber(topic, entry)
		entry.drop()
	}
}

func (d *Dispatcher) registerSubscriber(topic string, entry *subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[topic]; !ok {
		d.subscribers[topic] = make(map[string]*subscriber)
	}
	if previous, ok := d.subscribers[topic][entry.connectionID]; ok {
		previous.drop()
	}
	d.subscribers[topic][entry.connectionID] = entry
}

func (d *Dispatcher) unregisterSubscriber(topic string, entry *subscriber) {
	d.mu.Lock()
	subscribers := d.subscribers[topic]
	if subscribers != nil && subscribers[entry.connectionID] == entry {
		delete(subscribers, entry.connectionID)
		if len(subscribers) == 0 {
			delete(d.subscribers, topic)
		}
	}
	d.mu.Unlock()
}

func containsString(values []string, target string) bool {
	for _, value := range values {
		if value == target {
			return true
		}
	}
	return false
}
