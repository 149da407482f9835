package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"
	"github.com/senseeact/notifyd/cfg"
	"github.com/senseeact/notifyd/push"
)

const DefaultKafkaBatchBytes = 1 << 20 // 1MB

func init() {
	push.RegisterGateway("kafka", func(config cfg.PushConfiguration) (push.Gateway, error) {
		return NewKafkaGateway(DefaultKafkaConfig(config.Kafka.Brokers, config.Kafka.Topic))
	})
}

// KafkaConfig holds configuration for KafkaGateway
type KafkaConfig struct {
	Brokers          []string           // Kafka broker addresses
	Topic            string             // Topic push messages are written to
	BatchBytes       int64              // Max batch bytes (default: 1MB)
	RequiredAcks     kafka.RequiredAcks // Ack requirement (default: RequireAll)
	AutoCreateTopics bool               // Auto-create the topic if it doesn't exist
}

// DefaultKafkaConfig returns a KafkaConfig with sensible defaults
func DefaultKafkaConfig(brokers []string, topic string) KafkaConfig {
	return KafkaConfig{
		Brokers:          brokers,
		Topic:            topic,
		BatchBytes:       DefaultKafkaBatchBytes,
		RequiredAcks:     kafka.RequireAll,
		AutoCreateTopics: true,
	}
}

// KafkaGateway hands push messages to a Kafka topic for an external sender
// to deliver. Messages for one device share a partition.
type KafkaGateway struct {
	writer *kafka.Writer
	topic  string
}

// NewKafkaGateway creates a synchronous Kafka writer
func NewKafkaGateway(config KafkaConfig) (*KafkaGateway, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("kafka gateway requires at least one broker address")
	}
	if config.Topic == "" {
		return nil, fmt.Errorf("kafka gateway requires a topic")
	}
	if config.BatchBytes == 0 {
		config.BatchBytes = DefaultKafkaBatchBytes
	}

	// The dispatcher sends one message per call
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(config.Brokers...),
		Balancer:               &kafka.Hash{},
		BatchSize:              1,
		BatchBytes:             config.BatchBytes,
		RequiredAcks:           config.RequiredAcks,
		Async:                  false,
		AllowAutoTopicCreation: config.AutoCreateTopics,
	}

	return &KafkaGateway{writer: writer, topic: config.Topic}, nil
}

// Send writes the message keyed by token
func (k *KafkaGateway) Send(ctx context.Context, token string, data map[string]string) error {
	payload, err := json.Marshal(Envelope{Token: token, Data: data})
	if err != nil {
		return fmt.Errorf("failed to encode push message: %w", err)
	}
	msg := kafka.Message{
		Topic: k.topic,
		Key:   []byte(token),
		Value: payload,
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write to %s: %w", k.topic, err)
	}
	return nil
}

// Close flushes and releases the writer
func (k *KafkaGateway) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
