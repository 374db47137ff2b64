package notify

import (
	"context"
	"os"
	"testing"
	"time"

	sarama "github.com/IBM/sarama"
	"github.com/google/uuid"
)

func TestKafkaBusPublishSubscribe(t *testing.T) {
	addr := os.Getenv("LATCH_TEST_KAFKA_ADDR")
	if addr == "" {
		t.Skip("LATCH_TEST_KAFKA_ADDR not set, skipping Kafka integration test")
	}
	cfg := sarama.NewConfig()
	cfg.Consumer.Offsets.Initial = sarama.OffsetNewest

	bus, err := NewKafkaBus([]string{addr}, "latch-test-"+uuid.NewString(), cfg)
	if err != nil {
		t.Fatalf("NewKafkaBus: %v", err)
	}
	t.Cleanup(func() { _ = bus.Close() })
	ctx := context.Background()

	ch, _ := bus.Subscribe(ctx, "latch.released.k")
	// give the partition consumer time to settle on the newest offset
	time.Sleep(2 * time.Second)
	if err := bus.Publish(ctx, "latch.released.k"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case <-ch:
	case <-time.After(10 * time.Second):
		t.Fatal("timeout waiting for kafka notification")
	}
}
