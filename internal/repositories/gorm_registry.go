package repositories

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Gopher0727/UbiquiTimes/internal/models"
)

// upsertAttempts bounds the insert-lost-race loop; the second pass always finds the row.
const upsertAttempts = 2

var errUpsertRace = errors.New("concurrent insert did not become visible")

// GormRegistry 基于 gorm 的 Registry 实现 (Postgres / SQLite)
type GormRegistry struct {
	db *gorm.DB
}

var _ Registry = (*GormRegistry)(nil)

func NewGormRegistry(db *gorm.DB) *GormRegistry {
	return &GormRegistry{db: db}
}

// UpsertCommunity 插入或覆盖 display_name
// 实现逻辑：INSERT .. ON CONFLICT (community_id) DO UPDATE，后写者胜
func (r *GormRegistry) UpsertCommunity(ctx context.Context, community models.Community) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "community_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"display_name"}),
		}).
		Create(&community).Error
	return wrapErr("upsert community", err)
}

// GetCommunity 根据 ID 获取 Community
func (r *GormRegistry) GetCommunity(ctx context.Context, communityID models.ID) (*models.Community, error) {
	var community models.Community
	err := r.db.WithContext(ctx).Where("community_id = ?", communityID).Take(&community).Error
	if err != nil {
		return nil, wrapErr("get community", err)
	}
	return &community, nil
}

// DeleteCommunity 删除 Community，不存在时不报错，不级联 Times
func (r *GormRegistry) DeleteCommunity(ctx context.Context, communityID models.ID) error {
	err := r.db.WithContext(ctx).Where("community_id = ?", communityID).Delete(&models.Community{}).Error
	return wrapErr("delete community", err)
}

// UpsertTimesReturningPrevious 写入 Times 并返回写入前的记录
// 实现逻辑：在一个事务中加锁读取当前行；存在则原地更新，
// 不存在则 INSERT .. ON CONFLICT DO NOTHING，若插入输给了并发插入则重新加锁读取后更新
func (r *GormRegistry) UpsertTimesReturningPrevious(ctx context.Context, times models.Times) (*models.Times, error) {
	var previous *models.Times
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for attempt := 0; attempt < upsertAttempts; attempt++ {
			var current models.Times
			err := r.forUpdate(tx).
				Where("user_id = ? AND community_id = ?", times.UserID, times.CommunityID).
				Take(&current).Error
			switch {
			case err == nil:
				previous = &current
				return tx.Model(&models.Times{}).
					Where("user_id = ? AND community_id = ?", times.UserID, times.CommunityID).
					Updates(map[string]any{
						"display_name": times.DisplayName,
						"channel_id":   times.ChannelID,
						"endpoint_url": times.EndpointURL,
					}).Error
			case errors.Is(err, gorm.ErrRecordNotFound):
				row := times
				result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
				if result.Error != nil {
					return result.Error
				}
				if result.RowsAffected == 1 {
					previous = nil
					return nil
				}
			default:
				return err
			}
		}
		return errUpsertRace
	})
	if err != nil {
		return nil, wrapErr("upsert times", err)
	}
	return previous, nil
}

// forUpdate adds SELECT .. FOR UPDATE where the dialect has it. SQLite
// serialises writers through its single pooled connection instead.
func (r *GormRegistry) forUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "postgres" {
		return tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return tx
}

// GetTimes 根据 (user_id, community_id) 获取 Times
func (r *GormRegistry) GetTimes(ctx context.Context, userID, communityID models.ID) (*models.Times, error) {
	var times models.Times
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND community_id = ?", userID, communityID).
		Take(&times).Error
	if err != nil {
		return nil, wrapErr("get times", err)
	}
	return &times, nil
}

// ListTimesByUser 获取用户在所有服务器中的 Times，可能为空
func (r *GormRegistry) ListTimesByUser(ctx context.Context, userID models.ID) ([]models.Times, error) {
	var list []models.Times
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).Find(&list).Error
	if err != nil {
		return nil, wrapErr("list times by user", err)
	}
	return list, nil
}

// DeleteTimes 删除 Times，不存在时不报错
func (r *GormRegistry) DeleteTimes(ctx context.Context, userID, communityID models.ID) error {
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND community_id = ?", userID, communityID).
		Delete(&models.Times{}).Error
	return wrapErr("delete times", err)
}

// ListTimesByChannel 获取指向某个频道的所有 Times
func (r *GormRegistry) ListTimesByChannel(ctx context.Context, channelID models.ID) ([]models.Times, error) {
	var list []models.Times
	err := r.db.WithContext(ctx).Where("channel_id = ?", channelID).Find(&list).Error
	if err != nil {
		return nil, wrapErr("list times by channel", err)
	}
	return list, nil
}

// ListChannelIDs 获取所有被 Times 引用的频道
func (r *GormRegistry) ListChannelIDs(ctx context.Context) ([]models.ID, error) {
	var ids []models.ID
	err := r.db.WithContext(ctx).Model(&models.Times{}).Distinct("channel_id").Pluck("channel_id", &ids).Error
	if err != nil {
		return nil, wrapErr("list channel ids", err)
	}
	return ids, nil
}
