// Package notify carries "lock released" hints between processes so that
// waiters can retry acquisition early instead of waiting for their next poll.
//
// Notifications are best effort. A lost or duplicated notification only
// changes when a waiter retries; mutual exclusion is always decided by the
// store.
package notify

import (
	"context"
	"sync"
	"sync/atomic"
)

// Bus is a minimal topic based pub/sub.
type Bus interface {
	// Publish signals every current subscriber of topic.
	Publish(ctx context.Context, topic string) error
	// Subscribe returns a channel that receives a value for each signal on
	// topic. Signals are coalesced when the receiver is slow. The
	// subscription ends, and the channel is closed, when ctx is done or
	// Unsubscribe is called.
	Subscribe(ctx context.Context, topic string) (<-chan struct{}, error)
	// Unsubscribe ends a subscription returned by Subscribe.
	Unsubscribe(ctx context.Context, topic string, ch <-chan struct{}) error
}

// Metrics reports bus activity.
type Metrics struct {
	Published uint64
	Delivered uint64
}

// subscribers is the fan-out table shared by every Bus implementation.
type subscribers struct {
	mu        sync.Mutex
	topics    map[string][]chan struct{}
	published atomic.Uint64
	delivered atomic.Uint64
}

func newSubscribers() *subscribers {
	return &subscribers{topics: make(map[string][]chan struct{})}
}

// add registers a new channel and reports whether it is the first one for
// topic.
func (s *subscribers) add(topic string) (chan struct{}, bool) {
	ch := make(chan struct{}, 1)
	s.mu.Lock()
	first := len(s.topics[topic]) == 0
	s.topics[topic] = append(s.topics[topic], ch)
	s.mu.Unlock()
	return ch, first
}

// remove closes ch and reports whether topic has no subscribers left.
// found is false when ch was already removed.
func (s *subscribers) remove(topic string, ch <-chan struct{}) (last, found bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chans := s.topics[topic]
	for i, c := range chans {
		if c == ch {
			chans[i] = chans[len(chans)-1]
			chans = chans[:len(chans)-1]
			close(c)
			found = true
			break
		}
	}
	if len(chans) == 0 {
		delete(s.topics, topic)
		return found, found
	}
	s.topics[topic] = chans
	return false, found
}

func (s *subscribers) has(topic string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.topics[topic]) > 0
}

func (s *subscribers) deliver(topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.topics[topic] {
		select {
		case ch <- struct{}{}:
			s.delivered.Add(1)
		default:
		}
	}
}

// closeAll closes every channel and forgets every topic.
func (s *subscribers) closeAll() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	topics := make([]string, 0, len(s.topics))
	for topic, chans := range s.topics {
		for _, ch := range chans {
			close(ch)
		}
		topics = append(topics, topic)
	}
	s.topics = make(map[string][]chan struct{})
	return topics
}

func (s *subscribers) metrics() Metrics {
	// deliver counts under the lock; wait for any send in progress
	s.mu.Lock()
	defer s.mu.Unlock()
	return Metrics{
		Published: s.published.Load(),
		Delivered: s.delivered.Load(),
	}
}

// unsubscribeOnDone ends the subscription when ctx is done.
func unsubscribeOnDone(ctx context.Context, b Bus, topic string, ch <-chan struct{}) {
	if ctx.Done() == nil {
		return
	}
	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), topic, ch)
	}()
}

// InMemoryBus delivers notifications within the current process.
type InMemoryBus struct {
	subs *subscribers
}

// NewInMemoryBus returns a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{subs: newSubscribers()}
}

// Publish implements Bus.Publish.
func (b *InMemoryBus) Publish(ctx context.Context, topic string) error {
	b.subs.published.Add(1)
	b.subs.deliver(topic)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *InMemoryBus) Subscribe(ctx context.Context, topic string) (<-chan struct{}, error) {
	ch, _ := b.subs.add(topic)
	unsubscribeOnDone(ctx, b, topic, ch)
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *InMemoryBus) Unsubscribe(ctx context.Context, topic string, ch <-chan struct{}) error {
	b.subs.remove(topic, ch)
	return nil
}

// Metrics returns the published and delivered counts.
func (b *InMemoryBus) Metrics() Metrics {
	return b.subs.metrics()
}
