package repository

import (
	"context"
	"encoding/json"
	"time"

	"deepchat-go/internal/model"
	"deepchat-go/pkg/log"

	"github.com/go-redis/redis/v8"
)

// ConversationListCacheKey 是缓存会话列表的 Redis 键。
const ConversationListCacheKey = "chat:conversations"

// ConversationListVersionKey 在每次写操作后递增，回填缓存前用它判断读到的列表是否已过期。
const ConversationListVersionKey = "chat:conversations:version"

// cachedConversationRepository 在 Redis 中缓存会话列表。
// 读路径 read-through，任何写操作成功后都删除缓存键；数据库仍是唯一的事实来源。
type cachedConversationRepository struct {
	ConversationRepository
	redisClient *redis.Client
	ttl         time.Duration
}

// NewCachedConversationRepository 用 Redis 会话列表缓存包装 repo。
// redisClient 为 nil 时直接返回 repo。
func NewCachedConversationRepository(repo ConversationRepository, redisClient *redis.Client, ttl time.Duration) ConversationRepository {
	if redisClient == nil {
		return repo
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &cachedConversationRepository{
		ConversationRepository: repo,
		redisClient:            redisClient,
		ttl:                    ttl,
	}
}

// ListConversations 优先读取缓存；缓存不可用时回退到数据库，不把 Redis 故障暴露给调用方。
func (r *cachedConversationRepository) ListConversations(ctx context.Context) ([]model.Conversation, error) {
	data, err := r.redisClient.Get(ctx, ConversationListCacheKey).Bytes()
	if err == nil {
		var conversations []model.Conversation
		if jsonErr := json.Unmarshal(data, &conversations); jsonErr == nil {
			return conversations, nil
		}
		log.Warnf("会话列表缓存损坏，回源数据库")
	} else if err != redis.Nil {
		log.Warnw("读取会话列表缓存失败", "error", err)
	}

	version, verErr := r.version(ctx)
	conversations, err := r.ConversationRepository.ListConversations(ctx)
	if err != nil {
		return nil, err
	}
	if verErr != nil {
		log.Warnw("读取会话列表缓存版本失败", "error", verErr)
		return conversations, nil
	}
	if payload, jsonErr := json.Marshal(conversations); jsonErr == nil {
		r.fill(ctx, version, payload)
	}
	return conversations, nil
}

func (r *cachedConversationRepository) version(ctx context.Context) (int64, error) {
	v, err := r.redisClient.Get(ctx, ConversationListVersionKey).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return v, err
}

// fill 仅在读库期间没有发生写操作时写入缓存。
func (r *cachedConversationRepository) fill(ctx context.Context, version int64, payload []byte) {
	err := r.redisClient.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, ConversationListVersionKey).Int64()
		if err == redis.Nil {
			current = 0
		} else if err != nil {
			return err
		}
		if current != version {
			return redis.TxFailedErr
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, ConversationListCacheKey, payload, r.ttl)
			return nil
		})
		return err
	}, ConversationListVersionKey)
	switch {
	case err == nil:
	case err == redis.TxFailedErr:
		log.Debugw("会话列表在读库期间被修改，跳过回填")
	default:
		log.Warnw("写入会话列表缓存失败", "error", err)
	}
}

// invalidate 先递增版本再删除缓存键，使并发中的回填失效。
func (r *cachedConversationRepository) invalidate(ctx context.Context) {
	_, err := r.redisClient.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, ConversationListVersionKey)
		pipe.Del(ctx, ConversationListCacheKey)
		return nil
	})
	if err != nil {
		log.Warnw("删除会话列表缓存失败", "error", err)
	}
}

func (r *cachedConversationRepository) CreateConversation(ctx context.Context, id, title string) (*model.Conversation, error) {
	conv, err := r.ConversationRepository.CreateConversation(ctx, id, title)
	if err == nil {
		r.invalidate(ctx)
	}
	return conv, err
}

func (r *cachedConversationRepository) UpdateConversation(ctx context.Context, id string, update model.ConversationUpdate) (*model.Conversation, error) {
	conv, err := r.ConversationRepository.UpdateConversation(ctx, id, update)
	if err == nil {
		r.invalidate(ctx)
	}
	return conv, err
}

func (r *cachedConversationRepository) DeleteConversation(ctx context.Context, id string) error {
	err := r.ConversationRepository.DeleteConversation(ctx, id)
	if err == nil {
		r.invalidate(ctx)
	}
	return err
}

func (r *cachedConversationRepository) CreateMessage(ctx context.Context, msg *model.Message) error {
	err := r.ConversationRepository.CreateMessage(ctx, msg)
	if err == nil {
		r.invalidate(ctx)
	}
	return err
}

func (r *cachedConversationRepository) CreateMessages(ctx context.Context, msgs []*model.Message) error {
	err := r.ConversationRepository.CreateMessages(ctx, msgs)
	if err == nil {
		r.invalidate(ctx)
	}
	return err
}
