package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/Gopher0727/UbiquiTimes/internal/models"
	"github.com/Gopher0727/UbiquiTimes/internal/repositories"
	"github.com/Gopher0727/UbiquiTimes/internal/utils"
)

// Sweeper 清理频道中不再被任何 Times 引用的 UT-c_* 端点
type Sweeper struct {
	registry    repositories.Registry
	platform    EndpointPlatform
	ledger      SweepLedger
	locker      Locker
	owns        func(channelID models.ID) bool
	callTimeout time.Duration
	log         *zap.Logger
}

// NewSweeper builds a sweeper. owns decides whether this node is responsible
// for a channel; nil means every channel. ledger and locker may be nil.
func NewSweeper(
	registry repositories.Registry,
	platform EndpointPlatform,
	ledger SweepLedger,
	locker Locker,
	owns func(channelID models.ID) bool,
	callTimeout time.Duration,
	log *zap.Logger,
) *Sweeper {
	if owns == nil {
		owns = func(models.ID) bool { return true }
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Sweeper{
		registry:    registry,
		platform:    platform,
		ledger:      ledger,
		locker:      locker,
		owns:        owns,
		callTimeout: callTimeout,
		log:         log.Named("sweeper"),
	}
}

type SweepReport struct {
	Channels int
	Deleted  int
	Skipped  int
	Failed   int
}

// Sweep reconciles every candidate channel this node owns. Candidates are the
// channels referenced by the registry plus those recorded in the ledger.
func (s *Sweeper) Sweep(ctx context.Context) (*SweepReport, error) {
	candidates, err := s.candidates(ctx)
	if err != nil {
		return nil, err
	}

	report := &SweepReport{}
	for _, channelID := range candidates {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if !s.owns(channelID) {
			continue
		}
		report.Channels++
		clean := s.sweepChannel(ctx, channelID, report)
		if clean && s.ledger != nil {
			if err := s.ledger.ClearChannel(ctx, channelID); err != nil {
				s.log.Warn("failed to clear ledger entry", zap.Stringer("channel_id", channelID), zap.Error(err))
			}
		}
	}
	s.log.Info("sweep finished",
		zap.Int("channels", report.Channels),
		zap.Int("deleted", report.Deleted),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed))
	return report, nil
}

func (s *Sweeper) candidates(ctx context.Context) ([]models.ID, error) {
	channels, err := s.registry.ListChannelIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list registry channels: %w", err)
	}
	if s.ledger != nil {
		marked, err := s.ledger.Channels(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to read sweep ledger: %w", err)
		}
		channels = append(channels, marked...)
	}
	slices.Sort(channels)
	return slices.Compact(channels), nil
}

// sweepChannel reports whether the channel ended with no failures or skips.
func (s *Sweeper) sweepChannel(ctx context.Context, channelID models.ID, report *SweepReport) bool {
	listCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	endpoints, err := s.platform.ListEndpoints(listCtx, channelID)
	cancel()
	if err != nil {
		report.Failed++
		s.log.Warn("failed to list endpoints", zap.Stringer("channel_id", channelID), zap.Error(err))
		return false
	}

	clean := true
	for _, endpoint := range endpoints {
		owner, ok := utils.EndpointOwner(endpoint.Name)
		if !ok {
			continue
		}
		deleted, err := s.reconcile(ctx, channelID, owner, endpoint)
		switch {
		case err != nil:
			clean = false
			if errors.Is(err, errSweepBusy) {
				report.Skipped++
				continue
			}
			report.Failed++
			s.log.Warn("failed to delete stale endpoint",
				zap.Stringer("channel_id", channelID),
				zap.Stringer("owner", owner),
				zap.Error(err))
		case deleted:
			report.Deleted++
		}
	}
	return clean
}

var errSweepBusy = errors.New("endpoint is being registered")

// reconcile deletes endpoint unless it is the endpoint_url of the owner's Times
// in this channel. It holds the owner's endpoint lock so a registration in
// flight is never swept.
func (s *Sweeper) reconcile(ctx context.Context, channelID, owner models.ID, endpoint Endpoint) (bool, error) {
	if s.locker != nil {
		unlock, err := s.locker.Lock(ctx, endpointLockKey(owner, channelID))
		if err != nil {
			return false, fmt.Errorf("%w: %v", errSweepBusy, err)
		}
		defer unlock()
	}

	live, err := s.registry.ListTimesByChannel(ctx, channelID)
	if err != nil {
		return false, err
	}
	for _, t := range live {
		if t.UserID == owner && t.EndpointURL == endpoint.URL {
			return false, nil
		}
	}

	resolveCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	handle, err := s.platform.ResolveEndpoint(resolveCtx, endpoint.URL)
	cancel()
	if errors.Is(err, ErrEndpointGone) {
		return false, nil
	}
	if err != nil {
		return false, &EndpointError{Kind: ErrEndpointDelete, ChannelID: channelID, Err: err}
	}

	deleteCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()
	if err := s.platform.DeleteEndpoint(deleteCtx, handle); err != nil {
		if errors.Is(err, ErrEndpointGone) {
			return false, nil
		}
		return false, &EndpointError{Kind: ErrEndpointDelete, ChannelID: channelID, Err: err}
	}
	s.log.Info("stale endpoint deleted", zap.Stringer("channel_id", channelID), zap.Stringer("owner", owner))
	return true, nil
}
