package redis

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/Gopher0727/UbiquiTimes/internal/models"
	"github.com/Gopher0727/UbiquiTimes/internal/services"
)

// sweepLedgerKey Redis Set，成员是可能残留过期 webhook 的频道 ID
const sweepLedgerKey = "ut:sweep:channels"

type SweepLedger struct {
	client *Client
	log    *zap.Logger
}

var _ services.SweepLedger = (*SweepLedger)(nil)

func NewSweepLedger(client *Client, log *zap.Logger) *SweepLedger {
	if log == nil {
		log = zap.NewNop()
	}
	return &SweepLedger{client: client, log: log.Named("sweep_ledger")}
}

func (l *SweepLedger) MarkChannel(ctx context.Context, channelID models.ID) error {
	if err := l.client.client.SAdd(ctx, sweepLedgerKey, channelID.String()).Err(); err != nil {
		return fmt.Errorf("failed to mark channel %s: %w", channelID, err)
	}
	return nil
}

func (l *SweepLedger) Channels(ctx context.Context) ([]models.ID, error) {
	members, err := l.client.client.SMembers(ctx, sweepLedgerKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read sweep ledger: %w", err)
	}
	ids := make([]models.ID, 0, len(members))
	for _, m := range members {
		id, err := models.ParseID("channel_id", m)
		if err != nil {
			l.log.Warn("dropping malformed ledger entry", zap.String("member", m))
			l.client.client.SRem(ctx, sweepLedgerKey, m)
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (l *SweepLedger) ClearChannel(ctx context.Context, channelID models.ID) error {
	if err := l.client.client.SRem(ctx, sweepLedgerKey, channelID.String()).Err(); err != nil {
		return fmt.Errorf("failed to clear channel %s: %w", channelID, err)
	}
	return nil
}
