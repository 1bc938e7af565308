// Package broker mirrors broadcast game events to Kafka so downstream
// consumers (analytics pipelines, audit trails) can read the firehose
// without subscribing to every room channel. The mirror is strictly a
// copy: the Redis pub/sub path keeps its at-most-once semantics, and a
// mirror failure never affects a broadcast.
package broker

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff/v4"

	"github.com/Shuffle-and-Sync/gamesync/coordinator"
	"github.com/Shuffle-and-Sync/gamesync/metrics"
)

const (
	kafkaMaxRetries     = 3
	kafkaInitialBackoff = 100 * time.Millisecond
	kafkaMaxBackoff     = 5 * time.Second
)

// KafkaMirror implements coordinator.EventSink using a Kafka sync producer.
type KafkaMirror struct {
	topic    string
	producer sarama.SyncProducer
	mu       sync.RWMutex
	closed   bool
}

// NewKafkaMirror creates a Kafka-backed event mirror.
func NewKafkaMirror(brokers []string, topic string) (*KafkaMirror, error) {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForLocal
	config.Producer.Retry.Max = kafkaMaxRetries
	config.Producer.Return.Successes = true
	config.Producer.Compression = sarama.CompressionSnappy
	config.Producer.Flush.Frequency = 500 * time.Millisecond
	config.Version = sarama.V2_8_0_0

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}

	return &KafkaMirror{topic: topic, producer: producer}, nil
}

// Publish mirrors one event to the firehose topic with bounded retry.
// Events of the same game land on the same partition so per-room order is
// preserved for downstream consumers.
func (m *KafkaMirror) Publish(event coordinator.GameEvent) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return fmt.Errorf("mirror is closed")
	}
	m.mu.RUnlock()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	kafkaMsg := &sarama.ProducerMessage{
		Topic: m.topic,
		Key:   sarama.StringEncoder(event.GameID),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{
				Key:   []byte("event_type"),
				Value: []byte(event.Type),
			},
			{
				Key:   []byte("origin_instance"),
				Value: []byte(event.OriginInstance),
			},
		},
		Timestamp: event.Timestamp,
	}

	operation := func() error {
		_, _, err := m.producer.SendMessage(kafkaMsg)
		return err
	}

	backoffStrategy := backoff.WithMaxRetries(
		backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(kafkaInitialBackoff),
			backoff.WithMaxInterval(kafkaMaxBackoff),
		),
		kafkaMaxRetries,
	)

	err = backoff.RetryNotify(operation, backoffStrategy, func(err error, d time.Duration) {
		metrics.MirrorPublishRetries.Inc()
		log.Printf("Retrying Kafka mirror publish for game %s: %v (next attempt in %s)", event.GameID, err, d)
	})
	if err != nil {
		return err
	}

	metrics.MirrorMessagesPublished.Inc()
	return nil
}

// Close shuts the producer down. Publishes after Close return an error.
func (m *KafkaMirror) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	return m.producer.Close()
}
