package event

import (
	"sync"

	"deepchat-go/pkg/log"
)

// DefaultBuffer 是每个订阅者的默认缓冲区大小。
const DefaultBuffer = 16

// Bus 是发布/订阅接口，由发布方和订阅方显式注入。
type Bus interface {
	// Publish 不会阻塞；订阅者缓冲区已满时丢弃该事件。
	Publish(ev Event)
	// Subscribe 返回事件通道和取消订阅函数，取消后通道被关闭。
	Subscribe(buffer int) (<-chan Event, func())
}

// MemoryBus 是进程内、非持久化的 Bus 实现。
type MemoryBus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]chan Event
	closed bool
}

// NewMemoryBus 创建一个没有订阅者的总线。
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[int]chan Event)}
}

func (b *MemoryBus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			log.Warnw("event dropped for slow subscriber", "subscriber", id, "kind", ev.Kind, "conversationId", ev.ConversationID)
		}
	}
}

func (b *MemoryBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

// Close 关闭所有订阅通道，之后的 Subscribe 直接返回已关闭的通道。
func (b *MemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
