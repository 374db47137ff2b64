package notify

import (
	"context"
	"sync"

	redis "github.com/redis/go-redis/v9"
)

// RedisBus implements Bus with Redis PUBLISH/SUBSCRIBE. It can share the
// client used by the Redis store.
type RedisBus struct {
	client redis.UniversalClient
	subs   *subscribers

	mu      sync.Mutex
	pubsubs map[string]*redis.PubSub
}

// NewRedisBus returns a new RedisBus using the provided client.
func NewRedisBus(client redis.UniversalClient) *RedisBus {
	return &RedisBus{
		client:  client,
		subs:    newSubscribers(),
		pubsubs: make(map[string]*redis.PubSub),
	}
}

// Publish implements Bus.Publish.
func (b *RedisBus) Publish(ctx context.Context, topic string) error {
	if err := b.client.Publish(ctx, topic, "1").Err(); err != nil {
		return err
	}
	b.subs.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *RedisBus) Subscribe(ctx context.Context, topic string) (<-chan struct{}, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.pubsubs[topic]; !ok {
		ps := b.client.Subscribe(context.Background(), topic)
		if _, err := ps.Receive(ctx); err != nil {
			_ = ps.Close()
			return nil, err
		}
		b.pubsubs[topic] = ps
		go b.dispatch(topic, ps)
	}
	ch, _ := b.subs.add(topic)
	unsubscribeOnDone(ctx, b, topic, ch)
	return ch, nil
}

func (b *RedisBus) dispatch(topic string, ps *redis.PubSub) {
	for range ps.Channel() {
		b.subs.deliver(topic)
	}
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *RedisBus) Unsubscribe(ctx context.Context, topic string, ch <-chan struct{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	last, _ := b.subs.remove(topic, ch)
	if !last {
		return nil
	}
	ps := b.pubsubs[topic]
	delete(b.pubsubs, topic)
	if ps == nil {
		return nil
	}
	return ps.Close()
}

// Metrics returns the published and delivered counts.
func (b *RedisBus) Metrics() Metrics {
	return b.subs.metrics()
}

// Close ends every subscription. The client is left open.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs.closeAll()
	var firstErr error
	for topic, ps := range b.pubsubs {
		if err := ps.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(b.pubsubs, topic)
	}
	return firstErr
}
