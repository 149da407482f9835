package source

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

const (
	DefaultKafkaMaxWait = 500 * time.Millisecond
	kafkaRetryDelay     = time.Second
)

// KafkaConfig holds configuration for KafkaSource
type KafkaConfig struct {
	Brokers []string      // Kafka broker addresses
	GroupID string        // Consumer group; give every node its own
	Prefix  string        // Topics are <prefix>.mutations and <prefix>.roster
	MaxWait time.Duration // Max time a fetch waits for new data (default: 500ms)
}

// KafkaSource reads the mutation and roster topics with one reader each
type KafkaSource struct {
	config  KafkaConfig
	router  *Router
	readers map[string]*kafka.Reader

	lifecycleMu sync.Mutex
	running     bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// NewKafkaSource creates the topic readers; Start begins consuming
func NewKafkaSource(config KafkaConfig, router *Router) (*KafkaSource, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("kafka source requires at least one broker address")
	}
	if config.GroupID == "" {
		return nil, fmt.Errorf("kafka source requires a group id")
	}
	if config.MaxWait <= 0 {
		config.MaxWait = DefaultKafkaMaxWait
	}

	readers := make(map[string]*kafka.Reader, 2)
	for _, kind := range []string{KindMutations, KindRoster} {
		readers[kind] = kafka.NewReader(kafka.ReaderConfig{
			Brokers:     config.Brokers,
			GroupID:     config.GroupID,
			Topic:       Subject(config.Prefix, kind),
			MaxWait:     config.MaxWait,
			StartOffset: kafka.LastOffset,
		})
	}
	return &KafkaSource{config: config, router: router, readers: readers}, nil
}

// Start runs one consume loop per topic
func (k *KafkaSource) Start() error {
	k.lifecycleMu.Lock()
	defer k.lifecycleMu.Unlock()
	if k.running {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	k.cancel = cancel
	k.running = true
	for kind, r := range k.readers {
		k.wg.Add(1)
		go k.consume(ctx, kind, r)
	}

	log.Info().
		Strs("brokers", k.config.Brokers).
		Str("group", k.config.GroupID).
		Str("prefix", k.config.Prefix).
		Msg("Kafka source started")
	return nil
}

// consume reads messages until ctx is cancelled. Offsets are committed by
// the reader after each message is handled; undecodable messages are skipped.
func (k *KafkaSource) consume(ctx context.Context, kind string, r *kafka.Reader) {
	defer k.wg.Done()
	for {
		msg, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			log.Warn().Err(err).Str("topic", r.Config().Topic).Msg("Kafka read failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(kafkaRetryDelay):
			}
			continue
		}
		k.router.Handle(ctx, "kafka", kind, msg.Value)
	}
}

// Stop cancels the consume loops and closes the readers
func (k *KafkaSource) Stop() {
	k.lifecycleMu.Lock()
	defer k.lifecycleMu.Unlock()
	if !k.running {
		return
	}
	k.cancel()
	k.wg.Wait()
	for _, r := range k.readers {
		if err := r.Close(); err != nil {
			log.Warn().Err(err).Str("topic", r.Config().Topic).Msg("Failed to close kafka reader")
		}
	}
	k.running = false
	log.Info().Msg("Kafka source stopped")
}
