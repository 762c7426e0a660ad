package repositories

import (
	"context"

	"github.com/Gopher0727/UbiquiTimes/internal/models"
)

// Registry 是 Community 与 Times 的唯一写入方
//
// 除 ErrNotFound 之外的失败都以 *StorageError 返回。
type Registry interface {
	UpsertCommunity(ctx context.Context, community models.Community) error
	GetCommunity(ctx context.Context, communityID models.ID) (*models.Community, error)
	DeleteCommunity(ctx context.Context, communityID models.ID) error

	// UpsertTimesReturningPrevious writes times and returns the row as it was
	// before the write, or nil for a fresh insert. Calls for one key are serialised.
	UpsertTimesReturningPrevious(ctx context.Context, times models.Times) (*models.Times, error)
	GetTimes(ctx context.Context, userID, communityID models.ID) (*models.Times, error)
	ListTimesByUser(ctx context.Context, userID models.ID) ([]models.Times, error)
	DeleteTimes(ctx context.Context, userID, communityID models.ID) error

	ListTimesByChannel(ctx context.Context, channelID models.ID) ([]models.Times, error)
	ListChannelIDs(ctx context.Context) ([]models.ID, error)
}
