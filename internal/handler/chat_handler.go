package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"deepchat-go/internal/model"
	"deepchat-go/internal/service"
	"deepchat-go/pkg/log"

	"github.com/gin-gonic/gin"
)

const (
	agentFailureMessage = "AI request processing failed"
	agentStoppedMessage = "generation stopped"
)

// statusClientClosedRequest 表示生成在输出任何内容前被取消。
const statusClientClosedRequest = 499

// ChatHandler 负责 /agent 的流式对话请求。
type ChatHandler struct {
	conversations service.ConversationService
	chat          service.ChatService
}

// NewChatHandler 创建一个新的 ChatHandler。
func NewChatHandler(conversations service.ConversationService, chat service.ChatService) *ChatHandler {
	return &ChatHandler{conversations: conversations, chat: chat}
}

// AgentRequest 是 POST /agent 的请求体。
type AgentRequest struct {
	ID       string              `json:"id"`
	Messages []model.ChatMessage `json:"messages"`
}

// Agent 持久化用户消息，然后以 SSE 流式返回模型输出。
// 事件：text（文本增量）、tool（工具调用与结果）、finish（已保存）、error（生成失败）。
func (h *ChatHandler) Agent(c *gin.Context) {
	var req AgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, "agent: bind request", fmt.Errorf("%w: %w", model.ErrValidation, err), "")
		return
	}

	ctx := c.Request.Context()
	turn, err := h.conversations.PrepareTurn(ctx, req.ID, req.Messages)
	if err != nil {
		respondError(c, "agent: prepare turn", err, agentFailureMessage)
		return
	}

	gen := h.chat.StartTurn(ctx, turn)
	defer gen.Cancel()

	headersSent := false
	startStream := func() {
		if headersSent {
			return
		}
		headersSent = true
		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")
		c.Header("X-Conversation-Id", turn.Conversation.ID)
		c.Status(http.StatusOK)
	}

	for chunk := range gen.Chunks() {
		startStream()
		switch chunk.Type {
		case service.ChunkText:
			c.SSEvent("text", gin.H{"text": chunk.Text})
		case service.ChunkToolCall, service.ChunkToolResult:
			c.SSEvent("tool", chunk)
		}
		c.Writer.Flush()
	}

	err = gen.Wait()
	switch {
	case err == nil:
		startStream()
		c.SSEvent("finish", gin.H{"conversationId": turn.Conversation.ID, "title": turn.Conversation.Title})
		c.Writer.Flush()
	case errors.Is(err, context.Canceled):
		log.Infow("agent: generation cancelled", "conversationId", turn.Conversation.ID)
		if !headersSent {
			c.JSON(statusClientClosedRequest, gin.H{"error": agentStoppedMessage})
			return
		}
		c.SSEvent("error", gin.H{"error": agentStoppedMessage})
		c.Writer.Flush()
	case !headersSent:
		respondError(c, "agent: generation failed", err, agentFailureMessage)
	default:
		log.Errorw("agent: generation failed", "conversationId", turn.Conversation.ID, "error", err)
		c.SSEvent("error", gin.H{"error": agentFailureMessage})
		c.Writer.Flush()
	}
}

// Stop 取消该会话正在进行的生成，被取消的回复不会保存。
func (h *ChatHandler) Stop(c *gin.Context) {
	n := h.chat.Stop(c.Param("id"))
	c.JSON(http.StatusOK, gin.H{"success": true, "stopped": n})
}
