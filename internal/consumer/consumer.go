package consumer

import (
	"context"
	"errors"
	"fmt"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	logger "github.com/Gopher0727/UbiquiTimes/middleware/log"
	"github.com/Gopher0727/UbiquiTimes/internal/pkg/kafka"
	"github.com/Gopher0727/UbiquiTimes/internal/services"
)

var errMissingUser = errors.New("release has no user id")

// Releaser is the part of services.ReleaseService the consumer needs.
type Releaser interface {
	Release(ctx context.Context, req services.ReleaseRequest) (*services.ReleaseResult, error)
}

// ReleaseConsumer 消费异步发布队列，逐条调用 Release
type ReleaseConsumer struct {
	releases Releaser
	log      *logger.Logger
}

func NewReleaseConsumer(releases Releaser, log *logger.Logger) *ReleaseConsumer {
	if log == nil {
		log = logger.Nop()
	}
	return &ReleaseConsumer{releases: releases, log: log.Named("release_consumer")}
}

// Handle is a kafka.MessageHandler. Errors that a retry cannot fix are marked
// permanent so the message goes straight to the DLQ. A broadcast that ran but
// failed for some or all targets is not retried, since that would post twice
// to the targets that did succeed.
func (c *ReleaseConsumer) Handle(ctx context.Context, message *sarama.ConsumerMessage) error {
	req, err := kafka.DecodeReleaseRequest(message)
	if err != nil {
		return kafka.Permanent(err)
	}
	if req.UserID == 0 {
		return kafka.Permanent(fmt.Errorf("offset %d: %w", message.Offset, errMissingUser))
	}

	ctx = logger.WithTraceID(ctx, "")
	ctx = logger.WithReleaseID(ctx, req.ID.String())

	result, err := c.releases.Release(ctx, req)
	switch {
	case errors.Is(err, services.ErrEmptyMessage), errors.Is(err, services.ErrChannelMismatch):
		c.log.WarnContext(ctx, "release rejected", zap.Stringer("user_id", req.UserID), zap.Error(err))
		return kafka.Permanent(err)
	case err != nil:
		return err
	}

	fields := []zap.Field{
		zap.Stringer("user_id", req.UserID),
		zap.String("status", string(result.Status)),
		zap.Int("delivered", len(result.Delivered)),
		zap.Int("failed", len(result.Failures)),
	}
	if result.Status == services.BroadcastFailed {
		c.log.ErrorContext(ctx, "queued release failed", fields...)
		return nil
	}
	c.log.InfoContext(ctx, "queued release done", fields...)
	return nil
}
