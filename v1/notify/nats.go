package notify

import (
	"context"
	"sync"

	nats "github.com/nats-io/nats.go"
)

// NATSBus implements Bus using core NATS subjects.
type NATSBus struct {
	conn *nats.Conn
	subs *subscribers

	mu    sync.Mutex
	nsubs map[string]*nats.Subscription
}

// NewNATSBus returns a new NATSBus using the provided connection.
func NewNATSBus(conn *nats.Conn) *NATSBus {
	return &NATSBus{
		conn:  conn,
		subs:  newSubscribers(),
		nsubs: make(map[string]*nats.Subscription),
	}
}

// Publish implements Bus.Publish.
func (b *NATSBus) Publish(ctx context.Context, topic string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.conn.Publish(topic, []byte("1")); err != nil {
		return err
	}
	b.subs.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *NATSBus) Subscribe(ctx context.Context, topic string) (<-chan struct{}, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.nsubs[topic]; !ok {
		ns, err := b.conn.Subscribe(topic, func(_ *nats.Msg) {
			b.subs.deliver(topic)
		})
		if err != nil {
			return nil, err
		}
		// make sure the server knows about the interest before returning
		if err := b.conn.Flush(); err != nil {
			_ = ns.Unsubscribe()
			return nil, err
		}
		b.nsubs[topic] = ns
	}
	ch, _ := b.subs.add(topic)
	unsubscribeOnDone(ctx, b, topic, ch)
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *NATSBus) Unsubscribe(ctx context.Context, topic string, ch <-chan struct{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	last, _ := b.subs.remove(topic, ch)
	if !last {
		return nil
	}
	ns := b.nsubs[topic]
	delete(b.nsubs, topic)
	if ns == nil {
		return nil
	}
	return ns.Unsubscribe()
}

// Metrics returns the published and delivered counts.
func (b *NATSBus) Metrics() Metrics {
	return b.subs.metrics()
}
