package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/Gopher0727/UbiquiTimes/config"
)

// Producer wraps a sarama SyncProducer. Events and queued releases are both
// sent through it.
type Producer struct {
	producer sarama.SyncProducer
	config   *config.KafkaConfig
	log      *zap.Logger
}

func newSaramaConfig() *sarama.Config {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Net.DialTimeout = 10 * time.Second
	saramaConfig.Net.ReadTimeout = 10 * time.Second
	saramaConfig.Net.WriteTimeout = 10 * time.Second
	saramaConfig.Metadata.Retry.Max = 3
	saramaConfig.Metadata.Retry.Backoff = 250 * time.Millisecond
	saramaConfig.Metadata.Timeout = 10 * time.Second
	return saramaConfig
}

// NewProducer connects to the brokers in cfg.
//
// The producer is idempotent and waits for all in-sync replicas, so a release
// that was acknowledged is not lost on a leader change.
func NewProducer(cfg *config.KafkaConfig, log *zap.Logger) (*Producer, error) {
	saramaConfig := newSaramaConfig()
	saramaConfig.Producer.Return.Successes = true
	saramaConfig.Producer.Return.Errors = true
	saramaConfig.Producer.RequiredAcks = sarama.WaitForAll
	saramaConfig.Producer.Retry.Max = cfg.Producer.MaxRetries
	saramaConfig.Producer.Retry.Backoff = time.Duration(cfg.Producer.RetryBackoffMs) * time.Millisecond
	saramaConfig.Producer.Compression = sarama.CompressionSnappy
	saramaConfig.Producer.Idempotent = true
	saramaConfig.Net.MaxOpenRequests = 1

	producer, err := sarama.NewSyncProducer(cfg.Brokers, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	return NewProducerWithClient(producer, cfg, log), nil
}

// NewProducerWithClient wraps an existing SyncProducer.
func NewProducerWithClient(producer sarama.SyncProducer, cfg *config.KafkaConfig, log *zap.Logger) *Producer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Producer{
		producer: producer,
		config:   cfg,
		log:      log.Named("kafka_producer"),
	}
}

// Produce sends value to topic. key may be nil.
func (p *Producer) Produce(ctx context.Context, topic string, key []byte, value []byte) (partition int32, offset int64, err error) {
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Value: sarama.ByteEncoder(value),
	}
	if key != nil {
		msg.Key = sarama.ByteEncoder(key)
	}
	return p.send(ctx, msg)
}

func (p *Producer) send(ctx context.Context, msg *sarama.ProducerMessage) (int32, int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}
	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to send message to topic %s: %w", msg.Topic, err)
	}
	p.log.Debug("message produced",
		zap.String("topic", msg.Topic),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset),
	)
	return partition, offset, nil
}

// ProduceWithRetry retries Produce with exponential backoff on top of the
// producer's own retries. It gives up early when ctx is done.
func (p *Producer) ProduceWithRetry(ctx context.Context, topic string, key []byte, value []byte, maxRetries int) (partition int32, offset int64, err error) {
	var lastErr error
	backoff := time.Duration(p.config.Producer.RetryBackoffMs) * time.Millisecond
	for attempt := 0; attempt <= maxRetries; attempt++ {
		partition, offset, err = p.Produce(ctx, topic, key, value)
		if err == nil {
			return partition, offset, nil
		}
		if ctx.Err() != nil {
			return 0, 0, ctx.Err()
		}
		lastErr = err
		p.log.Warn("produce failed",
			zap.String("topic", topic),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)

		if attempt < maxRetries {
			if err := sleepContext(ctx, backoff); err != nil {
				return 0, 0, err
			}
			backoff *= 2
		}
	}
	return 0, 0, fmt.Errorf("failed to send message after %d attempts: %w", maxRetries+1, lastErr)
}

func (p *Producer) Close() error {
	if p.producer != nil {
		if err := p.producer.Close(); err != nil {
			return fmt.Errorf("failed to close kafka producer: %w", err)
		}
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
