package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/IBM/sarama"

	"github.com/Gopher0727/UbiquiTimes/internal/services"
)

// EventPublisher writes TimesEvents as JSON, keyed by user id so one user's
// events stay ordered within a partition.
type EventPublisher struct {
	producer *Producer
	topic    string
}

var _ services.EventPublisher = (*EventPublisher)(nil)

func NewEventPublisher(producer *Producer, topic string) *EventPublisher {
	return &EventPublisher{producer: producer, topic: topic}
}

func (p *EventPublisher) Publish(ctx context.Context, event services.TimesEvent) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", event.Type, err)
	}
	_, _, err = p.producer.Produce(ctx, p.topic, []byte(event.UserID.String()), value)
	return err
}

// ReleaseQueue puts release requests on the releases topic for the
// consumer group to broadcast.
type ReleaseQueue struct {
	producer *Producer
	topic    string
}

var _ services.ReleaseQueue = (*ReleaseQueue)(nil)

func NewReleaseQueue(producer *Producer, topic string) *ReleaseQueue {
	return &ReleaseQueue{producer: producer, topic: topic}
}

func (q *ReleaseQueue) Enqueue(ctx context.Context, req services.ReleaseRequest) error {
	value, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode release %s: %w", req.ID, err)
	}
	_, _, err = q.producer.ProduceWithRetry(ctx, q.topic, []byte(req.UserID.String()), value, q.producer.config.Producer.MaxRetries)
	return err
}

// DecodeReleaseRequest is the inverse of ReleaseQueue.Enqueue.
func DecodeReleaseRequest(message *sarama.ConsumerMessage) (services.ReleaseRequest, error) {
	var req services.ReleaseRequest
	if err := json.Unmarshal(message.Value, &req); err != nil {
		return req, fmt.Errorf("failed to decode release request at offset %d: %w", message.Offset, err)
	}
	return req, nil
}
