// Package model 包含了应用的数据模型定义。
package model

import "time"

// DefaultConversationTitle 是新建会话在自动命名之前使用的占位标题。
const DefaultConversationTitle = "New Conversation"

// Conversation 是一组按时间排序的消息的容器。
type Conversation struct {
	ID        string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	Title     string    `gorm:"type:varchar(255);not null" json:"title"`
	CreatedAt time.Time `gorm:"not null;precision:6" json:"createdAt"`
	UpdatedAt time.Time `gorm:"not null;precision:6;index" json:"updatedAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (Conversation) TableName() string {
	return "conversations"
}

// HasDefaultTitle 报告会话是否仍在使用占位标题。
func (c *Conversation) HasDefaultTitle() bool {
	return c.Title == DefaultConversationTitle
}

// ConversationUpdate 描述会话的可变字段；nil 表示不修改。
type ConversationUpdate struct {
	Title *string
}
