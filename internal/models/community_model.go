package models

// Community 对应平台上的一个服务器 (guild)
// 任一成员注册 Times 时会被幂等地创建或更新，删除时不级联 Times
type Community struct {
	ID          ID      `gorm:"column:community_id;primaryKey;autoIncrement:false" json:"community_id"`
	DisplayName *string `gorm:"column:display_name" json:"display_name,omitempty"`
}

func (Community) TableName() string {
	return "communities"
}

// NewCommunity builds a Community; an empty name is stored as NULL.
func NewCommunity(id ID, name string) Community {
	c := Community{ID: id}
	if name != "" {
		c.DisplayName = &name
	}
	return c
}
