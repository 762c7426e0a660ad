package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Gopher0727/UbiquiTimes/internal/models"
	"github.com/Gopher0727/UbiquiTimes/internal/repositories"
	"github.com/Gopher0727/UbiquiTimes/internal/utils"
)

// TimesService 管理 Times 注册与其 webhook 的生命周期
type TimesService struct {
	registry    repositories.Registry
	platform    EndpointPlatform
	locker      Locker
	ledger      SweepLedger
	events      EventPublisher
	callTimeout time.Duration
	log         *zap.Logger
}

// NewTimesService wires the lifecycle manager. locker and ledger may be nil
// (single process, no reconciliation); events defaults to NopPublisher.
func NewTimesService(
	registry repositories.Registry,
	platform EndpointPlatform,
	locker Locker,
	ledger SweepLedger,
	events EventPublisher,
	callTimeout time.Duration,
	log *zap.Logger,
) *TimesService {
	if events == nil {
		events = NopPublisher{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &TimesService{
		registry:    registry,
		platform:    platform,
		locker:      locker,
		ledger:      ledger,
		events:      events,
		callTimeout: callTimeout,
		log:         log.Named("times"),
	}
}

type SetTimesRequest struct {
	UserID        models.ID
	CommunityID   models.ID
	CommunityName string
	ChannelID     models.ID
	UserName      string
}

type SetTimesResult struct {
	Times    models.Times
	Previous *models.Times
	// Reused is true when an endpoint with our name already existed in the channel.
	Reused bool
	// Retired is true when the previous endpoint was deleted (or was already gone).
	Retired   bool
	RetireErr error
}

// SetTimes 注册或更新用户在某服务器中的 Times
// 实现逻辑：加锁 -> 复用或创建频道内的 UT-c_<user> 端点 -> 写入 Community 与 Times
// -> 若之前的记录指向其他端点则删除旧端点 (软失败) -> 发布 times.set 事件
func (s *TimesService) SetTimes(ctx context.Context, req SetTimesRequest) (*SetTimesResult, error) {
	if req.UserName == "" {
		return nil, ErrEmptyUserName
	}

	unlock, err := s.lock(ctx, timesLockKey(req.UserID, req.CommunityID))
	if err != nil {
		return nil, err
	}
	defer unlock()
	unlockEndpoint, err := s.lock(ctx, endpointLockKey(req.UserID, req.ChannelID))
	if err != nil {
		return nil, err
	}
	defer unlockEndpoint()

	if err := s.checkChannelFree(ctx, req, ""); err != nil {
		return nil, err
	}

	endpoint, created, err := s.ensureEndpoint(ctx, req.ChannelID, utils.EndpointName(req.UserID))
	if err != nil {
		return nil, err
	}
	if !created {
		if err := s.checkChannelFree(ctx, req, endpoint.URL); err != nil {
			return nil, err
		}
	}

	times := models.Times{
		UserID:      req.UserID,
		CommunityID: req.CommunityID,
		DisplayName: utils.PrefixedDisplayName(req.UserName),
		ChannelID:   req.ChannelID,
		EndpointURL: endpoint.URL,
	}
	previous, err := s.commit(ctx, req, times)
	if err != nil {
		if created {
			s.log.Error("registry write failed after endpoint create, endpoint orphaned",
				zap.Stringer("user_id", req.UserID),
				zap.Stringer("community_id", req.CommunityID),
				zap.Stringer("channel_id", req.ChannelID),
				zap.Error(err))
			s.markStale(ctx, req.ChannelID)
		}
		return nil, err
	}

	result := &SetTimesResult{Times: times, Previous: previous, Reused: !created}
	if previous != nil && previous.EndpointURL != "" && previous.EndpointURL != times.EndpointURL {
		if err := s.retire(ctx, *previous); err != nil {
			result.RetireErr = err
		} else {
			result.Retired = true
		}
	}

	s.publish(ctx, TimesEvent{
		Type:        EventTimesSet,
		UserID:      times.UserID,
		CommunityID: times.CommunityID,
		ChannelID:   times.ChannelID,
	})
	s.log.Info("times set",
		zap.Stringer("user_id", times.UserID),
		zap.Stringer("community_id", times.CommunityID),
		zap.Stringer("channel_id", times.ChannelID),
		zap.Bool("reused", result.Reused),
		zap.Bool("retired", result.Retired))
	return result, nil
}

// checkChannelFree rejects a channel (or a reused endpoint URL) that the user's
// Times in another community already points at. Both records would share one
// endpoint and deleting either would break the other. The endpoint lock held by
// the caller covers every community's registration in that channel.
func (s *TimesService) checkChannelFree(ctx context.Context, req SetTimesRequest, url string) error {
	all, err := s.registry.ListTimesByUser(ctx, req.UserID)
	if err != nil {
		return fmt.Errorf("failed to list times: %w", err)
	}
	for _, t := range all {
		if t.CommunityID == req.CommunityID {
			continue
		}
		if t.ChannelID == req.ChannelID || (url != "" && t.EndpointURL == url) {
			return fmt.Errorf("%w: community %s", ErrChannelInUse, t.CommunityID)
		}
	}
	return nil
}

// ensureEndpoint returns the channel's endpoint named name, creating it when absent.
func (s *TimesService) ensureEndpoint(ctx context.Context, channelID models.ID, name string) (Endpoint, bool, error) {
	listCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	endpoints, err := s.platform.ListEndpoints(listCtx, channelID)
	cancel()
	if err != nil {
		return Endpoint{}, false, &EndpointError{Kind: ErrEndpointCreate, ChannelID: channelID, Err: fmt.Errorf("list endpoints: %w", err)}
	}
	for _, e := range endpoints {
		if e.Name == name {
			return e, false, nil
		}
	}

	createCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()
	endpoint, err := s.platform.CreateEndpoint(createCtx, channelID, name)
	if err != nil {
		return Endpoint{}, false, &EndpointError{Kind: ErrEndpointCreate, ChannelID: channelID, Err: err}
	}
	return endpoint, true, nil
}

func (s *TimesService) commit(ctx context.Context, req SetTimesRequest, times models.Times) (*models.Times, error) {
	if err := s.touchCommunity(ctx, req.CommunityID, req.CommunityName); err != nil {
		return nil, err
	}
	previous, err := s.registry.UpsertTimesReturningPrevious(ctx, times)
	if err != nil {
		return nil, fmt.Errorf("failed to save times: %w", err)
	}
	return previous, nil
}

// touchCommunity overwrites the display name when one is given and otherwise
// only makes sure the row exists.
func (s *TimesService) touchCommunity(ctx context.Context, communityID models.ID, name string) error {
	if name == "" {
		_, err := s.registry.GetCommunity(ctx, communityID)
		if err == nil {
			return nil
		}
		if !errors.Is(err, repositories.ErrNotFound) {
			return fmt.Errorf("failed to load community: %w", err)
		}
	}
	if err := s.registry.UpsertCommunity(ctx, models.NewCommunity(communityID, name)); err != nil {
		return fmt.Errorf("failed to save community: %w", err)
	}
	return nil
}

// retire deletes the endpoint a previous record pointed at. SetTimes calls it
// whenever the previous URL differs from the new one, including when the new
// endpoint was reused rather than created, so no endpoint is left unreferenced. Failures are soft:
// logged, recorded in the sweep ledger and returned for the caller's result.
func (s *TimesService) retire(ctx context.Context, previous models.Times) error {
	err := s.deleteEndpoint(ctx, previous)
	if err == nil {
		return nil
	}
	s.log.Warn("failed to retire endpoint",
		zap.Stringer("user_id", previous.UserID),
		zap.Stringer("community_id", previous.CommunityID),
		zap.Stringer("channel_id", previous.ChannelID),
		zap.Error(err))
	s.markStale(ctx, previous.ChannelID)
	return err
}

func (s *TimesService) deleteEndpoint(ctx context.Context, previous models.Times) error {
	resolveCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	handle, err := s.platform.ResolveEndpoint(resolveCtx, previous.EndpointURL)
	cancel()
	if errors.Is(err, ErrEndpointGone) {
		return nil
	}
	if err != nil {
		return &EndpointError{Kind: ErrEndpointDelete, ChannelID: previous.ChannelID, Err: fmt.Errorf("resolve endpoint: %w", err)}
	}

	deleteCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()
	if err := s.platform.DeleteEndpoint(deleteCtx, handle); err != nil && !errors.Is(err, ErrEndpointGone) {
		return &EndpointError{Kind: ErrEndpointDelete, ChannelID: previous.ChannelID, Err: err}
	}
	return nil
}

func (s *TimesService) markStale(ctx context.Context, channelID models.ID) {
	if s.ledger == nil {
		return
	}
	markCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.callTimeout)
	defer cancel()
	if err := s.ledger.MarkChannel(markCtx, channelID); err != nil {
		s.log.Error("failed to record channel in sweep ledger", zap.Stringer("channel_id", channelID), zap.Error(err))
	}
}

func (s *TimesService) lock(ctx context.Context, key string) (func(), error) {
	if s.locker == nil {
		return func() {}, nil
	}
	unlock, err := s.locker.Lock(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", key, err)
	}
	return unlock, nil
}

func (s *TimesService) publish(ctx context.Context, event TimesEvent) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	if err := s.events.Publish(ctx, event); err != nil {
		s.log.Warn("failed to publish event", zap.String("type", string(event.Type)), zap.Error(err))
	}
}

type DeleteTimesResult struct {
	Deleted   bool
	Previous  *models.Times
	Retired   bool
	RetireErr error
}

// DeleteTimes 删除 Times 并回收其端点；记录不存在时什么都不做
func (s *TimesService) DeleteTimes(ctx context.Context, userID, communityID models.ID) (*DeleteTimesResult, error) {
	unlock, err := s.lock(ctx, timesLockKey(userID, communityID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	current, err := s.registry.GetTimes(ctx, userID, communityID)
	if errors.Is(err, repositories.ErrNotFound) {
		return &DeleteTimesResult{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load times: %w", err)
	}
	if err := s.registry.DeleteTimes(ctx, userID, communityID); err != nil {
		return nil, fmt.Errorf("failed to delete times: %w", err)
	}

	result := &DeleteTimesResult{Deleted: true, Previous: current}
	if current.EndpointURL != "" {
		if err := s.retire(ctx, *current); err != nil {
			result.RetireErr = err
		} else {
			result.Retired = true
		}
	}

	s.publish(ctx, TimesEvent{
		Type:        EventTimesDeleted,
		UserID:      userID,
		CommunityID: communityID,
		ChannelID:   current.ChannelID,
	})
	s.log.Info("times deleted",
		zap.Stringer("user_id", userID),
		zap.Stringer("community_id", communityID),
		zap.Bool("retired", result.Retired))
	return result, nil
}

func (s *TimesService) GetTimes(ctx context.Context, userID, communityID models.ID) (*models.Times, error) {
	return s.registry.GetTimes(ctx, userID, communityID)
}

func (s *TimesService) ListTimes(ctx context.Context, userID models.ID) ([]models.Times, error) {
	return s.registry.ListTimesByUser(ctx, userID)
}

// InitCommunity 登记或更新一个服务器
func (s *TimesService) InitCommunity(ctx context.Context, community models.Community) error {
	return s.registry.UpsertCommunity(ctx, community)
}

func (s *TimesService) GetCommunity(ctx context.Context, communityID models.ID) (*models.Community, error) {
	return s.registry.GetCommunity(ctx, communityID)
}

func (s *TimesService) DeleteCommunity(ctx context.Context, communityID models.ID) error {
	return s.registry.DeleteCommunity(ctx, communityID)
}
