package notify

import (
	"context"
	"sync"

	sarama "github.com/IBM/sarama"
)

// DefaultKafkaTopic carries every notification; the message key is the
// bus topic.
const DefaultKafkaTopic = "latch-notify"

// KafkaBus implements Bus on a single Kafka topic. Every notification is
// produced to partition 0 so one partition consumer sees all of them.
type KafkaBus struct {
	topic    string
	client   sarama.Client
	producer sarama.SyncProducer
	consumer sarama.Consumer
	pc       sarama.PartitionConsumer
	subs     *subscribers

	closeOnce sync.Once
	done      chan struct{}
}

// NewKafkaBus connects to brokers and starts consuming topic. A nil cfg
// uses sarama defaults; an empty topic uses DefaultKafkaTopic.
func NewKafkaBus(brokers []string, topic string, cfg *sarama.Config) (*KafkaBus, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	if topic == "" {
		topic = DefaultKafkaTopic
	}
	cfg.Producer.Return.Successes = true
	cfg.Producer.Partitioner = sarama.NewManualPartitioner

	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, err
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = producer.Close()
		_ = client.Close()
		return nil, err
	}
	pc, err := consumer.ConsumePartition(topic, 0, sarama.OffsetNewest)
	if err != nil {
		_ = consumer.Close()
		_ = producer.Close()
		_ = client.Close()
		return nil, err
	}
	b := &KafkaBus{
		topic:    topic,
		client:   client,
		producer: producer,
		consumer: consumer,
		pc:       pc,
		subs:     newSubscribers(),
		done:     make(chan struct{}),
	}
	go b.dispatch()
	return b, nil
}

func (b *KafkaBus) dispatch() {
	defer close(b.done)
	for msg := range b.pc.Messages() {
		b.subs.deliver(string(msg.Key))
	}
}

// Publish implements Bus.Publish.
func (b *KafkaBus) Publish(ctx context.Context, topic string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic:     b.topic,
		Partition: 0,
		Key:       sarama.StringEncoder(topic),
		Value:     sarama.StringEncoder("1"),
	}
	if _, _, err := b.producer.SendMessage(msg); err != nil {
		return err
	}
	b.subs.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *KafkaBus) Subscribe(ctx context.Context, topic string) (<-chan struct{}, error) {
	ch, _ := b.subs.add(topic)
	unsubscribeOnDone(ctx, b, topic, ch)
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *KafkaBus) Unsubscribe(ctx context.Context, topic string, ch <-chan struct{}) error {
	b.subs.remove(topic, ch)
	return nil
}

// Metrics returns the published and delivered counts.
func (b *KafkaBus) Metrics() Metrics {
	return b.subs.metrics()
}

// Close releases the producer, consumer and client.
func (b *KafkaBus) Close() error {
	var err error
	b.closeOnce.Do(func() {
		_ = b.pc.Close()
		<-b.done
		b.subs.closeAll()
		_ = b.producer.Close()
		_ = b.consumer.Close()
		err = b.client.Close()
	})
	return err
}
