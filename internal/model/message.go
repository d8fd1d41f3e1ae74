package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Role 是消息作者的封闭枚举。
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ParseRole 将字符串解析为 Role，未知取值返回 ErrValidation。
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleUser, RoleAssistant, RoleSystem:
		return Role(s), nil
	default:
		return "", fmt.Errorf("%w: unknown role %q", ErrValidation, s)
	}
}

// Valid 报告 r 是否为已知角色。
func (r Role) Valid() bool {
	_, err := ParseRole(string(r))
	return err == nil
}

// UnmarshalJSON 拒绝未知角色，保证进入系统的 Role 都是合法值。
func (r *Role) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseRole(s)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// Message 是会话中的一轮发言。
type Message struct {
	ID             string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	ConversationID string    `gorm:"type:varchar(64);not null;index:idx_messages_conversation_created,priority:1" json:"conversationId"`
	Role           Role      `gorm:"type:varchar(16);not null" json:"role"`
	Content        string    `gorm:"type:text;not null" json:"content"`
	ImageURL       *string   `gorm:"type:text" json:"imageUrl,omitempty"`
	CreatedAt      time.Time `gorm:"not null;precision:6;index:idx_messages_conversation_created,priority:2" json:"createdAt"`

	// 仅用于生成 messages.conversation_id -> conversations.id 的级联外键。
	Conversation *Conversation `gorm:"foreignKey:ConversationID;references:ID;constraint:OnDelete:CASCADE" json:"-"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (Message) TableName() string {
	return "messages"
}

// ResolvedImageURL 返回消息引用的图片地址。
// 优先使用 ImageURL 字段，旧数据则从正文中的图片标记解析。
func (m *Message) ResolvedImageURL() string {
	if m.ImageURL != nil && *m.ImageURL != "" {
		return *m.ImageURL
	}
	if _, url, ok := ParseImageMarker(m.Content); ok {
		return url
	}
	return ""
}

// ChatMessage 是客户端提交的一条消息（POST /agent 的 messages 元素）。
type ChatMessage struct {
	ID       string `json:"id,omitempty"`
	Role     Role   `json:"role"`
	Content  string `json:"content"`
	ImageURL string `json:"imageUrl,omitempty"`
}
