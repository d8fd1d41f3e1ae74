package handler

import (
	"deepchat-go/internal/middleware"

	"github.com/gin-gonic/gin"
)

// Handlers 汇总了需要注册到路由上的所有控制器。
type Handlers struct {
	Conversation *ConversationHandler
	Chat         *ChatHandler
	Upload       *UploadHandler
	Events       *EventsHandler
	Health       *HealthHandler
	// Images 仅在使用 MinIO 图床时设置。
	Images *ImageHandler
}

// NewRouter 创建 gin 引擎并注册 /api 下的全部路由。
func NewRouter(h Handlers) *gin.Engine {
	r := gin.New() // 使用 New() 创建一个不带默认中间件的引擎
	// 添加我们自定义的日志中间件和 Gin 的 Recovery 中间件
	r.Use(middleware.RequestLogger(), gin.Recovery())

	api := r.Group("/api")
	{
		conversations := api.Group("/conversations")
		{
			conversations.GET("", h.Conversation.List)
			conversations.POST("", h.Conversation.Create)
			conversations.GET("/:id", h.Conversation.Get)
			conversations.DELETE("/:id", h.Conversation.Delete)
		}

		api.POST("/agent", h.Chat.Agent)
		api.POST("/agent/:id/stop", h.Chat.Stop)
		api.POST("/upload", h.Upload.Upload)

		if h.Events != nil {
			api.GET("/events", h.Events.Handle)
		}
		if h.Images != nil {
			api.GET("/images/*path", h.Images.Get)
		}
		if h.Health != nil {
			api.GET("/healthz", h.Health.Check)
		}
	}
	return r
}
