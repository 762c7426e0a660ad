package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"go.uber.org/zap"

	"github.com/Gopher0727/UbiquiTimes/config"
	"github.com/Gopher0727/UbiquiTimes/internal/models"
	"github.com/Gopher0727/UbiquiTimes/internal/utils"
)

type BroadcastStatus string

const (
	BroadcastSucceeded BroadcastStatus = "succeeded"
	BroadcastPartial   BroadcastStatus = "partial"
	BroadcastFailed    BroadcastStatus = "failed"
)

type DeliveryFailure struct {
	Key    models.TimesKey `json:"key"`
	Reason string          `json:"reason"`
	Err    error           `json:"-"`
}

// BroadcastResult 每个目标的投递结果；Attempted 恒等于目标数
type BroadcastResult struct {
	Status    BroadcastStatus   `json:"status"`
	Attempted int               `json:"attempted"`
	Delivered []models.TimesKey `json:"delivered"`
	Failures  []DeliveryFailure `json:"failures"`
}

// Broadcaster 并发地把一条消息投递到多个 Times
type Broadcaster struct {
	platform        EndpointPlatform
	pool            *utils.WorkerPool
	deliveryTimeout time.Duration
	retryAttempts   uint
	retryDelay      time.Duration
	log             *zap.Logger
}

func NewBroadcaster(platform EndpointPlatform, pool *utils.WorkerPool, cfg config.BroadcastConfig, log *zap.Logger) *Broadcaster {
	attempts := cfg.RetryAttempts
	if attempts == 0 {
		attempts = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Broadcaster{
		platform:        platform,
		pool:            pool,
		deliveryTimeout: cfg.DeliveryTimeout,
		retryAttempts:   attempts,
		retryDelay:      cfg.RetryDelay,
		log:             log.Named("broadcaster"),
	}
}

// Broadcast delivers msg to every target. A failing target never stops its
// siblings; the caller has already removed the origin community from targets.
func (b *Broadcaster) Broadcast(ctx context.Context, msg Message, targets []models.Times) *BroadcastResult {
	payload := DeliveryPayload{
		DisplayName: msg.AuthorDisplayName,
		AvatarURL:   msg.AuthorAvatarURL,
		Text:        RenderContent(msg),
	}

	outcomes := make([]error, len(targets))
	var wg sync.WaitGroup
	for i, target := range targets {
		wg.Add(1)
		job := func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					outcomes[i] = &EndpointError{Kind: ErrEndpointDelivery, ChannelID: target.ChannelID, Err: fmt.Errorf("panic: %v", r)}
				}
			}()
			outcomes[i] = b.deliver(ctx, target, payload)
		}
		if err := b.pool.Submit(ctx, job); err != nil {
			outcomes[i] = &EndpointError{Kind: ErrEndpointDelivery, ChannelID: target.ChannelID, Err: fmt.Errorf("not scheduled: %w", err)}
			wg.Done()
		}
	}
	wg.Wait()

	result := &BroadcastResult{
		Attempted: len(targets),
		Delivered: make([]models.TimesKey, 0, len(targets)),
		Failures:  make([]DeliveryFailure, 0),
	}
	for i, err := range outcomes {
		key := targets[i].Key()
		if err == nil {
			result.Delivered = append(result.Delivered, key)
			continue
		}
		result.Failures = append(result.Failures, DeliveryFailure{Key: key, Reason: err.Error(), Err: err})
		b.log.Warn("delivery failed",
			zap.Stringer("user_id", key.UserID),
			zap.Stringer("community_id", key.CommunityID),
			zap.Stringer("channel_id", targets[i].ChannelID),
			zap.Error(err))
	}

	switch {
	case len(result.Delivered) == 0:
		result.Status = BroadcastFailed
	case len(result.Failures) == 0:
		result.Status = BroadcastSucceeded
	default:
		result.Status = BroadcastPartial
	}
	return result
}

// deliver resolves and posts to one endpoint, each attempt under its own timeout.
func (b *Broadcaster) deliver(ctx context.Context, target models.Times, payload DeliveryPayload) error {
	if target.EndpointURL == "" {
		return &EndpointError{Kind: ErrEndpointDelivery, ChannelID: target.ChannelID, Err: ErrEndpointGone}
	}
	err := retry.Do(
		func() error {
			callCtx, cancel := context.WithTimeout(ctx, b.deliveryTimeout)
			defer cancel()
			handle, err := b.platform.ResolveEndpoint(callCtx, target.EndpointURL)
			if err != nil {
				return fmt.Errorf("resolve endpoint: %w", err)
			}
			return b.platform.Deliver(callCtx, handle, payload)
		},
		retry.Context(ctx),
		retry.Attempts(b.retryAttempts),
		retry.Delay(b.retryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, ErrEndpointGone)
		}),
	)
	if err != nil {
		return &EndpointError{Kind: ErrEndpointDelivery, ChannelID: target.ChannelID, Err: err}
	}
	return nil
}
