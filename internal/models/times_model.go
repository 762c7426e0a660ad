package models

import "fmt"

// Times 用户在某个服务器中指定的广播频道
// (user_id, community_id) 联合主键，同一用户在同一服务器中最多一条
type Times struct {
	UserID      ID     `gorm:"column:user_id;primaryKey;autoIncrement:false" json:"user_id"`
	CommunityID ID     `gorm:"column:community_id;primaryKey;autoIncrement:false" json:"community_id"`
	DisplayName string `gorm:"column:display_name;not null" json:"display_name"`
	ChannelID   ID     `gorm:"column:channel_id;not null;index" json:"channel_id"`
	// EndpointURL is opaque: stored, compared and handed back to the platform, never parsed.
	EndpointURL string `gorm:"column:endpoint_url;not null" json:"-"`
}

func (Times) TableName() string {
	return "times"
}

func (t Times) Key() TimesKey {
	return TimesKey{UserID: t.UserID, CommunityID: t.CommunityID}
}

// TimesKey identifies one Times record.
type TimesKey struct {
	UserID      ID `json:"user_id"`
	CommunityID ID `json:"community_id"`
}

func (k TimesKey) String() string {
	return fmt.Sprintf("%s/%s", k.UserID, k.CommunityID)
}
