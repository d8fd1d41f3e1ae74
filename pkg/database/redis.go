package database

import (
	"context"
	"time"

	"deepchat-go/internal/config"
	"deepchat-go/pkg/log"

	"github.com/go-redis/redis/v8"
)

// RDB 为 nil 表示未配置 Redis，会话列表缓存随之关闭。
var RDB *redis.Client

// InitRedis 初始化 Redis 客户端连接；Addr 为空时跳过。
func InitRedis(cfg config.RedisConfig) {
	if cfg.Addr == "" {
		log.Info("未配置 Redis，跳过会话列表缓存")
		return
	}

	RDB = redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := RDB.Ping(ctx).Err(); err != nil {
		log.Fatal("failed to connect to redis", err)
	}

	log.Info("Redis client connected successfully")
}
