// Package repository 提供了数据访问层的实现。
package repository

import (
	"context"
	"errors"
	"fmt"

	"deepchat-go/internal/model"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ConversationRepository 定义了会话与消息的持久化操作。
// 它是 conversations / messages 两张表唯一的写入方。
type ConversationRepository interface {
	ListConversations(ctx context.Context) ([]model.Conversation, error)
	GetConversation(ctx context.Context, id string) (*model.Conversation, error)
	CreateConversation(ctx context.Context, id, title string) (*model.Conversation, error)
	UpdateConversation(ctx context.Context, id string, update model.ConversationUpdate) (*model.Conversation, error)
	DeleteConversation(ctx context.Context, id string) error
	GetMessages(ctx context.Context, conversationID string) ([]model.Message, error)
	CountMessages(ctx context.Context, conversationID string) (int64, error)
	CreateMessage(ctx context.Context, msg *model.Message) error
	CreateMessages(ctx context.Context, msgs []*model.Message) error
}

type gormConversationRepository struct {
	db *gorm.DB
}

// NewConversationRepository 创建一个基于 gorm 的 ConversationRepository。
func NewConversationRepository(db *gorm.DB) ConversationRepository {
	return &gormConversationRepository{db: db}
}

// AutoMigrate 创建或更新 conversations 和 messages 表（含级联外键）。
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&model.Conversation{}, &model.Message{}); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

func persistenceErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, model.ErrPersistence, err)
}

// ListConversations 按 updated_at 倒序返回所有会话（最近活跃的在前）。
func (r *gormConversationRepository) ListConversations(ctx context.Context) ([]model.Conversation, error) {
	conversations := make([]model.Conversation, 0)
	err := r.db.WithContext(ctx).
		Order("updated_at DESC").
		Find(&conversations).Error
	if err != nil {
		return nil, persistenceErr("list conversations", err)
	}
	return conversations, nil
}

// GetConversation 按 ID 查询会话，不存在时返回 model.ErrNotFound。
func (r *gormConversationRepository) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	var conv model.Conversation
	err := r.db.WithContext(ctx).Where("id = ?", id).Take(&conv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("conversation %q: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, persistenceErr("get conversation", err)
	}
	return &conv, nil
}

// CreateConversation 创建会话。id 为空时生成 UUID，title 为空时使用默认标题。
func (r *gormConversationRepository) CreateConversation(ctx context.Context, id, title string) (*model.Conversation, error) {
	if id == "" {
		id = uuid.NewString()
	}
	if title == "" {
		title = model.DefaultConversationTitle
	}
	now := r.db.NowFunc()
	conv := &model.Conversation{
		ID:        id,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.db.WithContext(ctx).Create(conv).Error; err != nil {
		return nil, persistenceErr("create conversation", err)
	}
	return conv, nil
}

// UpdateConversation 修改会话的可变字段并刷新 updated_at。
func (r *gormConversationRepository) UpdateConversation(ctx context.Context, id string, update model.ConversationUpdate) (*model.Conversation, error) {
	var conv *model.Conversation
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		fields := map[string]interface{}{"updated_at": tx.NowFunc()}
		if update.Title != nil {
			fields["title"] = *update.Title
		}
		res := tx.Model(&model.Conversation{}).Where("id = ?", id).Updates(fields)
		if res.Error != nil {
			return persistenceErr("update conversation", res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("conversation %q: %w", id, model.ErrNotFound)
		}

		var fresh model.Conversation
		if err := tx.Where("id = ?", id).Take(&fresh).Error; err != nil {
			return persistenceErr("reload conversation", err)
		}
		conv = &fresh
		return nil
	})
	if err != nil {
		return nil, err
	}
	return conv, nil
}

// DeleteConversation 删除会话及其全部消息。
// 外键本身带 ON DELETE CASCADE，这里仍在同一事务里显式删除消息，
// 以免连接上未开启 foreign_keys 时留下孤儿消息。
func (r *gormConversationRepository) DeleteConversation(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("conversation_id = ?", id).Delete(&model.Message{}).Error; err != nil {
			return persistenceErr("delete messages", err)
		}
		if err := tx.Where("id = ?", id).Delete(&model.Conversation{}).Error; err != nil {
			return persistenceErr("delete conversation", err)
		}
		return nil
	})
}

// GetMessages 按 created_at 升序返回会话的消息。
func (r *gormConversationRepository) GetMessages(ctx context.Context, conversationID string) ([]model.Message, error) {
	messages := make([]model.Message, 0)
	err := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at ASC").
		Find(&messages).Error
	if err != nil {
		return nil, persistenceErr("get messages", err)
	}
	return messages, nil
}

// CountMessages 返回会话当前的消息数量。
func (r *gormConversationRepository) CountMessages(ctx context.Context, conversationID string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&model.Message{}).
		Where("conversation_id = ?", conversationID).
		Count(&n).Error
	if err != nil {
		return 0, persistenceErr("count messages", err)
	}
	return n, nil
}

// CreateMessage 写入一条消息，并在同一事务中刷新所属会话的 updated_at。
func (r *gormConversationRepository) CreateMessage(ctx context.Context, msg *model.Message) error {
	return r.CreateMessages(ctx, []*model.Message{msg})
}

// CreateMessages 批量写入同一会话的消息，并在同一事务中刷新会话的 updated_at。
// 每条消息单独取时间戳，保证批内顺序即 created_at 顺序。
func (r *gormConversationRepository) CreateMessages(ctx context.Context, msgs []*model.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	conversationID := msgs[0].ConversationID
	for _, m := range msgs {
		if m.ConversationID != conversationID {
			return fmt.Errorf("%w: messages span multiple conversations", model.ErrValidation)
		}
		if !m.Role.Valid() {
			return fmt.Errorf("%w: invalid role %q", model.ErrValidation, m.Role)
		}
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, m := range msgs {
			if m.ID == "" {
				m.ID = uuid.NewString()
			}
			m.CreatedAt = tx.NowFunc()
		}
		if err := tx.Create(msgs).Error; err != nil {
			return persistenceErr("create messages", err)
		}

		res := tx.Model(&model.Conversation{}).
			Where("id = ?", conversationID).
			Update("updated_at", tx.NowFunc())
		if res.Error != nil {
			return persistenceErr("touch conversation", res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("conversation %q: %w", conversationID, model.ErrNotFound)
		}
		return nil
	})
}
