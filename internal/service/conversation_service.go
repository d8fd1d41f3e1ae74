// Package service 包含了应用的业务逻辑层。
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"deepchat-go/internal/event"
	"deepchat-go/internal/model"
	"deepchat-go/internal/repository"
	"deepchat-go/pkg/log"
)

// TitleMaxRunes 是自动标题保留的最大字符数。
const TitleMaxRunes = 30

// titleEllipsis 在标题被截断时追加。
const titleEllipsis = "…"

// ConversationService 定义了会话生命周期相关的业务逻辑。
type ConversationService interface {
	List(ctx context.Context) ([]model.Conversation, error)
	Get(ctx context.Context, id string) (*model.Conversation, []model.Message, error)
	Create(ctx context.Context, id string) (*model.Conversation, error)
	Delete(ctx context.Context, id string) error
	// PrepareTurn 在生成开始前解析/创建会话、自动命名并持久化最新的用户消息。
	PrepareTurn(ctx context.Context, id string, messages []model.ChatMessage) (*Turn, error)
}

// Turn 描述一轮对话在生成开始前的状态。
type Turn struct {
	Conversation *model.Conversation
	// Created 表示会话由本轮创建（请求前不存在）。
	Created bool
	// PriorCount 是本轮开始前已存储的消息数。
	PriorCount int64
	// UserMessage 是本轮持久化的用户消息，最后一条不是用户消息时为 nil。
	UserMessage *model.Message
	// History 是交给模型的完整消息序列。
	History []model.ChatMessage
}

type conversationService struct {
	repo    repository.ConversationRepository
	tracker *event.Tracker
}

// NewConversationService 创建一个新的 ConversationService。tracker 可以为 nil。
func NewConversationService(repo repository.ConversationRepository, tracker *event.Tracker) ConversationService {
	return &conversationService{repo: repo, tracker: tracker}
}

// DeriveTitle 取第一条用户消息的前 30 个字符作为标题，超长时追加省略号。
// 没有用户消息时 ok 为 false。
func DeriveTitle(messages []model.ChatMessage) (title string, ok bool) {
	for _, m := range messages {
		if m.Role != model.RoleUser {
			continue
		}
		if strings.TrimSpace(m.Content) == "" {
			return "", false
		}
		runes := []rune(m.Content)
		if len(runes) > TitleMaxRunes {
			return string(runes[:TitleMaxRunes]) + titleEllipsis, true
		}
		return m.Content, true
	}
	return "", false
}

func (s *conversationService) List(ctx context.Context) ([]model.Conversation, error) {
	return s.repo.ListConversations(ctx)
}

// Get 返回会话及其按时间升序排列的消息。
func (s *conversationService) Get(ctx context.Context, id string) (*model.Conversation, []model.Message, error) {
	conv, err := s.repo.GetConversation(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	msgs, err := s.repo.GetMessages(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return conv, msgs, nil
}

// Create 创建一个使用默认标题的会话，id 为空时自动生成。
func (s *conversationService) Create(ctx context.Context, id string) (*model.Conversation, error) {
	return s.repo.CreateConversation(ctx, strings.TrimSpace(id), "")
}

func (s *conversationService) Delete(ctx context.Context, id string) error {
	if err := s.repo.DeleteConversation(ctx, id); err != nil {
		return err
	}
	if s.tracker != nil {
		s.tracker.Forget(id)
	}
	return nil
}

func (s *conversationService) PrepareTurn(ctx context.Context, id string, messages []model.ChatMessage) (*Turn, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("%w: conversation id is required", model.ErrValidation)
	}
	if len(messages) == 0 {
		return nil, fmt.Errorf("%w: messages cannot be empty", model.ErrValidation)
	}
	for i, m := range messages {
		if !m.Role.Valid() {
			return nil, fmt.Errorf("%w: message %d has invalid role %q", model.ErrValidation, i, m.Role)
		}
	}

	turn := &Turn{History: messages}
	title, hasTitle := DeriveTitle(messages)

	// 1. 解析会话；不存在则用候选标题创建
	conv, err := s.repo.GetConversation(ctx, id)
	switch {
	case errors.Is(err, model.ErrNotFound):
		conv, err = s.repo.CreateConversation(ctx, id, title)
		if err != nil {
			return nil, err
		}
		turn.Created = true
		if s.tracker != nil {
			s.tracker.MarkPending(id)
		}
		log.Infow("conversation created", "conversationId", id, "title", conv.Title)
	case err != nil:
		return nil, err
	default:
		// 2. 仍是占位标题时只命名一次
		if conv.HasDefaultTitle() && hasTitle {
			conv, err = s.repo.UpdateConversation(ctx, id, model.ConversationUpdate{Title: &title})
			if err != nil {
				return nil, err
			}
			log.Infow("conversation titled", "conversationId", id, "title", title)
		}
		turn.PriorCount, err = s.repo.CountMessages(ctx, id)
		if err != nil {
			return nil, err
		}
	}
	turn.Conversation = conv

	// 3. 最后一条是用户消息时先落库，再开始生成
	last := messages[len(messages)-1]
	switch last.Role {
	case model.RoleUser:
		content, imageURL := model.NormalizeImage(last.Content, last.ImageURL)
		msg := &model.Message{
			ConversationID: id,
			Role:           model.RoleUser,
			Content:        content,
			ImageURL:       imageURL,
		}
		if err := s.repo.CreateMessage(ctx, msg); err != nil {
			return nil, err
		}
		turn.UserMessage = msg
	case model.RoleAssistant, model.RoleSystem:
		// 其他角色视为已持久化
	}
	return turn, nil
}
