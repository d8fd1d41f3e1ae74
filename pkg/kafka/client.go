// Package kafka 把进程内的会话事件转发到 Kafka 主题，供外部系统消费。
package kafka

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"deepchat-go/internal/config"
	"deepchat-go/internal/event"
	"deepchat-go/pkg/log"

	"github.com/segmentio/kafka-go"
)

// messageWriter 是 *kafka.Writer 中 Relay 用到的部分。
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Relay 订阅事件总线并把每个事件写入 Kafka。
type Relay struct {
	writer  messageWriter
	timeout time.Duration
}

// NewRelay 初始化 Kafka 生产者。Brokers 为逗号分隔的地址列表。
func NewRelay(cfg config.KafkaConfig) *Relay {
	var brokers []string
	for _, b := range strings.Split(cfg.Brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}
	log.Infow("Kafka 生产者初始化成功", "brokers", brokers, "topic", cfg.Topic)
	return newRelay(w)
}

func newRelay(w messageWriter) *Relay {
	return &Relay{writer: w, timeout: 5 * time.Second}
}

// Run 阻塞直到 ctx 结束或总线关闭，然后关闭生产者。
// 写入失败只记录日志，事件本身不保证投递。
func (r *Relay) Run(ctx context.Context, bus event.Bus) {
	events, unsubscribe := bus.Subscribe(event.DefaultBuffer)
	defer unsubscribe()
	defer func() {
		if err := r.writer.Close(); err != nil {
			log.Warnw("关闭 Kafka 生产者失败", "error", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := r.publish(ctx, ev); err != nil {
				log.Errorw("转发会话事件到 Kafka 失败", "kind", ev.Kind, "conversationId", ev.ConversationID, "error", err)
			}
		}
	}
}

func (r *Relay) publish(ctx context.Context, ev event.Event) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	// 以会话 ID 作为 key，保证同一会话的事件落在同一分区内有序
	return r.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.ConversationID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(ev.Kind)},
		},
	})
}
