package service

import (
	"context"
	"encoding/json"
	"fmt"

	"deepchat-go/internal/event"
	"deepchat-go/internal/model"
	"deepchat-go/pkg/log"
)

// Broadcaster 把一段已编码的消息推送给所有在线客户端。
type Broadcaster interface {
	Broadcast(payload []byte)
}

// SidebarUpdate 是推送给会话列表的消息。
type SidebarUpdate struct {
	Type          string               `json:"type"`
	Event         *event.Event         `json:"event,omitempty"`
	Conversations []model.Conversation `json:"conversations"`
}

// SidebarFeed 订阅会话事件，收到事件后重新读取会话列表并广播。
type SidebarFeed struct {
	convs       ConversationService
	out         Broadcaster
	events      <-chan event.Event
	unsubscribe func()
}

// NewSidebarFeed 创建一个 SidebarFeed 并立即订阅总线，Run 之前发布的事件会被缓冲。
func NewSidebarFeed(convs ConversationService, bus event.Bus, out Broadcaster) *SidebarFeed {
	events, unsubscribe := bus.Subscribe(event.DefaultBuffer)
	return &SidebarFeed{convs: convs, out: out, events: events, unsubscribe: unsubscribe}
}

// Snapshot 返回当前会话列表的编码结果，供新连接的客户端使用。
func (f *SidebarFeed) Snapshot(ctx context.Context) ([]byte, error) {
	return f.encode(ctx, nil)
}

func (f *SidebarFeed) encode(ctx context.Context, ev *event.Event) ([]byte, error) {
	list, err := f.convs.List(ctx)
	if err != nil {
		return nil, err
	}
	b, err := json.Marshal(SidebarUpdate{Type: "conversations", Event: ev, Conversations: list})
	if err != nil {
		return nil, fmt.Errorf("encode sidebar update: %w", err)
	}
	return b, nil
}

// Run 阻塞直到 ctx 结束或总线关闭，返回时取消订阅。
func (f *SidebarFeed) Run(ctx context.Context) {
	defer f.unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-f.events:
			if !ok {
				return
			}
			payload, err := f.encode(ctx, &ev)
			if err != nil {
				log.Errorw("failed to refresh conversation list", "conversationId", ev.ConversationID, "error", err)
				continue
			}
			f.out.Broadcast(payload)
		}
	}
}
