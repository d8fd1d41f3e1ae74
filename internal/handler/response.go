// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"errors"
	"net/http"

	"deepchat-go/internal/model"
	"deepchat-go/pkg/log"

	"github.com/gin-gonic/gin"
)

// statusFor 把错误分类映射为 HTTP 状态码。
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// respondError 记录错误并返回不含内部细节的 JSON 错误体。
// 400/404 使用对应的固定文案，其余使用 msg。
func respondError(c *gin.Context, op string, err error, msg string) {
	status := statusFor(err)
	switch status {
	case http.StatusBadRequest:
		log.Warnw(op, "error", err)
		msg = "Invalid request"
	case http.StatusNotFound:
		log.Infow(op, "error", err)
		msg = "Conversation not found"
	default:
		log.Errorw(op, "error", err)
	}
	_ = c.Error(err)
	c.JSON(status, gin.H{"error": msg})
}
