package services

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Gopher0727/UbiquiTimes/internal/models"
	"github.com/Gopher0727/UbiquiTimes/internal/repositories"
	"github.com/Gopher0727/UbiquiTimes/internal/utils"
)

// ReleaseRequest 把一条消息从发起服务器转发到用户的其它 Times
type ReleaseRequest struct {
	ID                models.ID `json:"id"`
	UserID            models.ID `json:"user_id"`
	OriginCommunityID models.ID `json:"origin_community_id"`
	OriginChannelID   models.ID `json:"origin_channel_id"`
	Message           Message   `json:"message"`
}

type ReleaseResult struct {
	ReleaseID models.ID `json:"release_id"`
	BroadcastResult
}

type ReleaseService struct {
	registry    repositories.Registry
	broadcaster *Broadcaster
	ids         IDGenerator
	events      EventPublisher
	queue       ReleaseQueue
	log         *zap.Logger
}

// NewReleaseService wires the release flow. queue may be nil, in which case
// Enqueue reports ErrQueueDisabled.
func NewReleaseService(
	registry repositories.Registry,
	broadcaster *Broadcaster,
	ids IDGenerator,
	events EventPublisher,
	queue ReleaseQueue,
	log *zap.Logger,
) *ReleaseService {
	if events == nil {
		events = NopPublisher{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &ReleaseService{
		registry:    registry,
		broadcaster: broadcaster,
		ids:         ids,
		events:      events,
		queue:       queue,
		log:         log.Named("release"),
	}
}

// Release 广播一条消息到用户除发起服务器以外的全部 Times
// 实现逻辑：校验消息 -> 读取用户全部 Times -> 校验发起频道 -> 去掉发起服务器 -> 广播 -> 发布 times.released
func (s *ReleaseService) Release(ctx context.Context, req ReleaseRequest) (*ReleaseResult, error) {
	if req.Message.IsEmpty() {
		return nil, ErrEmptyMessage
	}
	if err := s.assignID(&req); err != nil {
		return nil, err
	}

	all, err := s.registry.ListTimesByUser(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to list times: %w", err)
	}

	var origin *models.Times
	targets := make([]models.Times, 0, len(all))
	for i := range all {
		if all[i].CommunityID == req.OriginCommunityID {
			origin = &all[i]
			continue
		}
		targets = append(targets, all[i])
	}
	if origin != nil && req.OriginChannelID != 0 && origin.ChannelID != req.OriginChannelID {
		return nil, ErrChannelMismatch
	}

	// A caller-supplied name is relayed with the same UT- marker as stored names.
	msg := req.Message
	if msg.AuthorDisplayName != "" {
		msg.AuthorDisplayName = utils.PrefixedDisplayName(msg.AuthorDisplayName)
	} else {
		switch {
		case origin != nil:
			msg.AuthorDisplayName = origin.DisplayName
		case len(targets) > 0:
			msg.AuthorDisplayName = targets[0].DisplayName
		}
	}

	result := s.broadcaster.Broadcast(ctx, msg, targets)

	s.log.Info("release broadcast",
		zap.Stringer("release_id", req.ID),
		zap.Stringer("user_id", req.UserID),
		zap.Stringer("origin_community_id", req.OriginCommunityID),
		zap.String("status", string(result.Status)),
		zap.Int("attempted", result.Attempted),
		zap.Int("failed", len(result.Failures)))

	event := TimesEvent{
		Type:        EventTimesReleased,
		UserID:      req.UserID,
		CommunityID: req.OriginCommunityID,
		ChannelID:   req.OriginChannelID,
		ReleaseID:   req.ID,
		Status:      result.Status,
		Delivered:   len(result.Delivered),
		Failed:      len(result.Failures),
		OccurredAt:  time.Now().UTC(),
	}
	if err := s.events.Publish(ctx, event); err != nil {
		s.log.Warn("failed to publish event", zap.String("type", string(event.Type)), zap.Error(err))
	}

	return &ReleaseResult{ReleaseID: req.ID, BroadcastResult: *result}, nil
}

// Enqueue hands the release to the asynchronous queue and returns its id.
func (s *ReleaseService) Enqueue(ctx context.Context, req ReleaseRequest) (models.ID, error) {
	if s.queue == nil {
		return 0, ErrQueueDisabled
	}
	if req.Message.IsEmpty() {
		return 0, ErrEmptyMessage
	}
	if err := s.assignID(&req); err != nil {
		return 0, err
	}
	if err := s.queue.Enqueue(ctx, req); err != nil {
		return 0, fmt.Errorf("failed to enqueue release: %w", err)
	}
	s.log.Info("release queued", zap.Stringer("release_id", req.ID), zap.Stringer("user_id", req.UserID))
	return req.ID, nil
}

func (s *ReleaseService) assignID(req *ReleaseRequest) error {
	if req.ID != 0 || s.ids == nil {
		return nil
	}
	id, err := s.ids.NextID()
	if err != nil {
		return fmt.Errorf("failed to generate release id: %w", err)
	}
	req.ID = models.ID(id)
	return nil
}
