// Package main 是应用程序的入口点。
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"deepchat-go/internal/config"
	"deepchat-go/internal/event"
	"deepchat-go/internal/handler"
	"deepchat-go/internal/repository"
	"deepchat-go/internal/service"
	"deepchat-go/internal/tools"
	"deepchat-go/pkg/database"
	"deepchat-go/pkg/imagehost"
	"deepchat-go/pkg/kafka"
	"deepchat-go/pkg/llm"
	"deepchat-go/pkg/log"

	"github.com/gin-gonic/gin"
)

func main() {
	// 1. 初始化配置
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./configs/config.yaml"
	}
	config.Init(configPath)
	cfg := config.Conf

	// 2. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync() // 确保在程序退出时刷新所有缓冲的日志条目
	log.Info("日志记录器初始化成功")
	if cfg.LLM.APIKey == "" {
		log.Warnf("未配置模型 API Key (DEEPSEEK_API_KEY)，/api/agent 请求将失败")
	}

	// 3. 初始化数据库和 Redis
	database.InitDB(cfg.Database)
	if err := repository.AutoMigrate(database.DB); err != nil {
		log.Fatal("数据库迁移失败", err)
	}
	database.InitRedis(cfg.Redis)

	bgCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()

	// 4. 初始化 Repository（配置了 Redis 时启用会话列表缓存）
	conversationRepo := repository.NewCachedConversationRepository(
		repository.NewConversationRepository(database.DB),
		database.RDB,
		cfg.Redis.CacheTTL,
	)

	// 5. 初始化事件总线和 Service (依赖注入)
	bus := event.NewMemoryBus()
	tracker := event.NewTracker()

	uploader, err := imagehost.New(bgCtx, cfg.Upload, cfg.Server.PublicBaseURL)
	if err != nil {
		log.Fatal("初始化图床失败", err)
	}
	llmClient := llm.NewClient(cfg.LLM)
	conversationService := service.NewConversationService(conversationRepo, tracker)
	chatService := service.NewChatService(cfg.LLM, llmClient, conversationRepo, tools.Default(), bus, tracker)
	uploadService := service.NewUploadService(uploader, cfg.Upload.MaxBytes)

	eventsHandler := handler.NewEventsHandler()
	sidebarFeed := service.NewSidebarFeed(conversationService, bus, eventsHandler)
	eventsHandler.SetFeed(sidebarFeed)

	// 6. 启动后台任务：会话列表推送和（可选的）Kafka 事件转发
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		sidebarFeed.Run(bgCtx)
	}()
	if cfg.Kafka.Brokers != "" {
		relay := kafka.NewRelay(cfg.Kafka)
		wg.Add(1)
		go func() {
			defer wg.Done()
			relay.Run(bgCtx, bus)
		}()
	}

	// 7. 设置 Gin 模式并注册路由
	gin.SetMode(cfg.Server.Mode)
	handlers := handler.Handlers{
		Conversation: handler.NewConversationHandler(conversationService),
		Chat:         handler.NewChatHandler(conversationService, chatService),
		Upload:       handler.NewUploadHandler(uploadService),
		Events:       eventsHandler,
		Health:       handler.NewHealthHandler(database.DB, database.RDB),
	}
	if store, ok := uploader.(handler.ImageOpener); ok {
		handlers.Images = handler.NewImageHandler(store)
	}
	r := handler.NewRouter(handlers)

	// 启动 HTTP 服务器并实现优雅停机
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Infof("服务启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP 服务监听失败: %s\n", err)
		}
	}()

	// 等待中断信号以实现优雅停机
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("接收到停机信号，正在关闭服务...")

	// 设置一个5秒的超时上下文
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// 关闭 HTTP 服务器
	if err := srv.Shutdown(ctx); err != nil {
		log.Errorf("HTTP 服务器关闭失败: %v", err)
	}

	// 停止后台任务并关闭事件总线
	stopBackground()
	bus.Close()
	wg.Wait()

	if database.RDB != nil {
		_ = database.RDB.Close()
	}
	if sqlDB, err := database.DB.DB(); err == nil {
		_ = sqlDB.Close()
	}
	log.Info("服务已优雅关闭")
}
