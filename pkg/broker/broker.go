package broker

import (
	"context"
	"time"

	"github.com/segmentio/encoding/json"
)

type Message struct {
	Topic   string
	Payload []byte
}

type Broker interface {
	// publish
	Publish(ctx context.Context, topic string, payload []byte) error
	// 订阅
	Subscribe(ctx context.Context, topics []string) (<-chan Message, error)
	// 关闭
	Close() error
}

// Event 对外通知的统一信封
type Event struct {
	Topic      string      `json:"topic"`
	OccurredAt time.Time   `json:"occurredAt"`
	Data       interface{} `json:"data"`
}

// PublishEvent 序列化后发布；b 为 nil 时直接忽略（没配 broker）
func PublishEvent(ctx context.Context, b Broker, topic string, at time.Time, data interface{}) error {
	if b == nil {
		return nil
	}
	payload, err := json.Marshal(Event{Topic: topic, OccurredAt: at, Data: data})
	if err != nil {
		return err
	}
	return b.Publish(ctx, topic, payload)
}
