package handler

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"deepchat-go/internal/model"
	"deepchat-go/internal/service"

	"github.com/gin-gonic/gin"
)

// ConversationHandler 处理与会话相关的 API 请求。
type ConversationHandler struct {
	service service.ConversationService
}

// NewConversationHandler 创建一个新的 ConversationHandler。
func NewConversationHandler(service service.ConversationService) *ConversationHandler {
	return &ConversationHandler{service: service}
}

// messageView 是返回给客户端的消息，imageUrl 已兼容旧的正文图片标记。
type messageView struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversationId"`
	Role           model.Role `json:"role"`
	Content        string     `json:"content"`
	ImageURL       string     `json:"imageUrl,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
}

func toMessageViews(msgs []model.Message) []messageView {
	views := make([]messageView, 0, len(msgs))
	for i := range msgs {
		m := &msgs[i]
		views = append(views, messageView{
			ID:             m.ID,
			ConversationID: m.ConversationID,
			Role:           m.Role,
			Content:        m.Content,
			ImageURL:       m.ResolvedImageURL(),
			CreatedAt:      m.CreatedAt,
		})
	}
	return views
}

// List 返回按最近活跃排序的会话列表。
func (h *ConversationHandler) List(c *gin.Context) {
	conversations, err := h.service.List(c.Request.Context())
	if err != nil {
		respondError(c, "list conversations", err, "Failed to fetch conversations")
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": conversations})
}

// CreateConversationRequest 定义了创建会话的请求体，整个请求体都是可选的。
type CreateConversationRequest struct {
	ID string `json:"id"`
}

// Create 创建一个使用默认标题的会话。
func (h *ConversationHandler) Create(c *gin.Context) {
	var req CreateConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		respondError(c, "create conversation", fmt.Errorf("%w: %w", model.ErrValidation, err), "")
		return
	}
	conv, err := h.service.Create(c.Request.Context(), req.ID)
	if err != nil {
		respondError(c, "create conversation", err, "Failed to create conversation")
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversation": conv})
}

// Get 返回会话及其消息，会话不存在时返回 404。
func (h *ConversationHandler) Get(c *gin.Context) {
	conv, msgs, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, "get conversation", err, "Failed to fetch conversation")
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversation": conv, "messages": toMessageViews(msgs)})
}

// Delete 删除会话及其全部消息。
func (h *ConversationHandler) Delete(c *gin.Context) {
	if err := h.service.Delete(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, "delete conversation", err, "Failed to delete conversation")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
