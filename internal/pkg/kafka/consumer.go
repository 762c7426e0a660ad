package kafka

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/Gopher0727/UbiquiTimes/config"
)

// DLQ record headers describing where a dead message came from.
const (
	HeaderError           = "x-ut-error"
	HeaderOriginTopic     = "x-ut-origin-topic"
	HeaderOriginPartition = "x-ut-origin-partition"
	HeaderOriginOffset    = "x-ut-origin-offset"
)

// MessageHandler processes one consumed message.
type MessageHandler func(ctx context.Context, message *sarama.ConsumerMessage) error

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying; the message goes straight to the DLQ.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// Consumer joins a consumer group and feeds messages to a MessageHandler.
// Failed messages are retried per config and then moved to the DLQ topic.
type Consumer struct {
	consumerGroup sarama.ConsumerGroup
	config        *config.KafkaConfig
	handler       MessageHandler
	dlqProducer   *Producer
	topics        []string
	ready         chan struct{}
	readyOnce     sync.Once
	wg            sync.WaitGroup
	cancel        context.CancelFunc
	log           *zap.Logger
}

type consumerGroupHandler struct {
	consumer *Consumer
}

func NewConsumer(cfg *config.KafkaConfig, topics []string, handler MessageHandler, log *zap.Logger) (*Consumer, error) {
	saramaConfig := newSaramaConfig()
	saramaConfig.Version = sarama.V2_6_0_0
	saramaConfig.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	saramaConfig.Consumer.Offsets.Initial = sarama.OffsetNewest
	saramaConfig.Consumer.Return.Errors = true

	consumerGroup, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.ConsumerGroup, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer group: %w", err)
	}

	dlqProducer, err := NewProducer(cfg, log)
	if err != nil {
		consumerGroup.Close()
		return nil, fmt.Errorf("failed to create DLQ producer: %w", err)
	}

	return NewConsumerWithGroup(consumerGroup, dlqProducer, cfg, topics, handler, log), nil
}

// NewConsumerWithGroup builds a Consumer over an existing group and DLQ producer.
func NewConsumerWithGroup(
	group sarama.ConsumerGroup,
	dlqProducer *Producer,
	cfg *config.KafkaConfig,
	topics []string,
	handler MessageHandler,
	log *zap.Logger,
) *Consumer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Consumer{
		consumerGroup: group,
		config:        cfg,
		handler:       handler,
		dlqProducer:   dlqProducer,
		topics:        topics,
		ready:         make(chan struct{}),
		log:           log.Named("kafka_consumer"),
	}
}

// Start runs the consume loop in the background and blocks until the first
// group session is set up or ctx is done.
func (c *Consumer) Start(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()

		handler := &consumerGroupHandler{consumer: c}
		for {
			if ctx.Err() != nil {
				return
			}

			err := c.consumerGroup.Consume(ctx, c.topics, handler)
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return
			}
			if err != nil {
				c.log.Error("consume session failed", zap.Strings("topics", c.topics), zap.Error(err))
				if sleepContext(ctx, time.Second) != nil {
					return
				}
			}
		}
	}()

	go func() {
		defer c.wg.Done()
		errs := c.consumerGroup.Errors()
		for {
			select {
			case <-ctx.Done():
				return
			case err, ok := <-errs:
				if !ok {
					return
				}
				c.log.Warn("consumer group error", zap.Error(err))
			}
		}
	}()

	select {
	case <-c.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Consumer) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()

	if err := c.consumerGroup.Close(); err != nil {
		return fmt.Errorf("failed to close kafka consumer group: %w", err)
	}
	if c.dlqProducer != nil {
		if err := c.dlqProducer.Close(); err != nil {
			return fmt.Errorf("failed to close DLQ producer: %w", err)
		}
	}
	return nil
}

// Ready is closed once the first group session has been set up.
func (c *Consumer) Ready() <-chan struct{} {
	return c.ready
}

func (h *consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error {
	h.consumer.readyOnce.Do(func() { close(h.consumer.ready) })
	return nil
}

func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok || message == nil {
				return nil
			}
			if h.handle(session.Context(), message) {
				session.MarkMessage(message, "")
			}

		case <-session.Context().Done():
			return nil
		}
	}
}

// handle reports whether the message's offset may be committed. A message
// interrupted by a rebalance is left unmarked so the next owner sees it.
func (h *consumerGroupHandler) handle(ctx context.Context, message *sarama.ConsumerMessage) bool {
	err := h.processMessageWithRetry(ctx, message)
	if err == nil {
		return true
	}
	if ctx.Err() != nil {
		return false
	}
	if dlqErr := h.sendToDLQ(ctx, message, err); dlqErr != nil {
		h.consumer.log.Error("failed to send message to DLQ",
			zap.String("topic", message.Topic),
			zap.Int32("partition", message.Partition),
			zap.Int64("offset", message.Offset),
			zap.Error(dlqErr),
		)
	}
	return true
}

func (h *consumerGroupHandler) processMessageWithRetry(ctx context.Context, message *sarama.ConsumerMessage) error {
	maxRetries := h.consumer.config.Consumer.MaxRetries
	backoff := time.Duration(h.consumer.config.Consumer.RetryBackoffMs) * time.Millisecond

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := h.consumer.handler(ctx, message)
		if err == nil {
			return nil
		}
		lastErr = err
		if IsPermanent(err) {
			return err
		}
		h.consumer.log.Warn("message handler failed",
			zap.String("topic", message.Topic),
			zap.Int64("offset", message.Offset),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)

		if attempt < maxRetries {
			if err := sleepContext(ctx, backoff); err != nil {
				return err
			}
			backoff *= 2
		}
	}
	return fmt.Errorf("failed after %d retries: %w", maxRetries, lastErr)
}

// sendToDLQ republishes the original key and value to the DLQ topic with the
// processing error and origin coordinates in the headers.
func (h *consumerGroupHandler) sendToDLQ(ctx context.Context, message *sarama.ConsumerMessage, processingErr error) error {
	dlqTopic := h.consumer.config.Topics.DLQ
	if dlqTopic == "" || h.consumer.dlqProducer == nil {
		h.consumer.log.Error("dropping failed message, no DLQ configured",
			zap.String("topic", message.Topic),
			zap.Int64("offset", message.Offset),
			zap.Error(processingErr),
		)
		return nil
	}

	msg := &sarama.ProducerMessage{
		Topic: dlqTopic,
		Value: sarama.ByteEncoder(message.Value),
		Headers: []sarama.RecordHeader{
			{Key: []byte(HeaderError), Value: []byte(processingErr.Error())},
			{Key: []byte(HeaderOriginTopic), Value: []byte(message.Topic)},
			{Key: []byte(HeaderOriginPartition), Value: []byte(strconv.FormatInt(int64(message.Partition), 10))},
			{Key: []byte(HeaderOriginOffset), Value: []byte(strconv.FormatInt(message.Offset, 10))},
		},
	}
	if message.Key != nil {
		msg.Key = sarama.ByteEncoder(message.Key)
	}
	if _, _, err := h.consumer.dlqProducer.send(ctx, msg); err != nil {
		return err
	}

	h.consumer.log.Warn("message sent to DLQ",
		zap.String("topic", message.Topic),
		zap.Int32("partition", message.Partition),
		zap.Int64("offset", message.Offset),
		zap.Error(processingErr),
	)
	return nil
}
