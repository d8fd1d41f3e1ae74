// Package event 实现进程内的会话变更通知总线。
// 事件只是触发器，订阅方应重新从存储读取权威数据。
package event

import "time"

// Kind 区分事件类型。
type Kind string

const (
	KindConversationCreated Kind = "conversation.created"
	KindConversationUpdated Kind = "conversation.updated"
)

// Event 是一条会话变更通知。
type Event struct {
	Kind           Kind      `json:"kind"`
	ConversationID string    `json:"conversationId"`
	At             time.Time `json:"at"`
}

// ConversationCreated 构造一个会话创建事件。
func ConversationCreated(id string) Event {
	return Event{Kind: KindConversationCreated, ConversationID: id, At: time.Now().UTC()}
}

// ConversationUpdated 构造一个会话更新事件。
func ConversationUpdated(id string) Event {
	return Event{Kind: KindConversationUpdated, ConversationID: id, At: time.Now().UTC()}
}
