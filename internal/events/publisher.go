package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// 事件类型。
const (
	TypePaymentSettled   = "payment.settled"
	TypeTaskStateChanged = "task.state_changed"
)

// Event 描述一次领域事件，负载以 JSON 形式保存。
type Event struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Subject    string          `json:"subject"`
	OccurredAt time.Time       `json:"occurred_at"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// NewEvent 构造事件并序列化负载。
func NewEvent(eventType, subject string, payload any) (Event, error) {
	event := Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		Subject:    subject,
		OccurredAt: time.Now().UTC(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Event{}, fmt.Errorf("编码事件负载失败: %w", err)
		}
		event.Data = data
	}
	return event, nil
}

// Handler 处理消费到的事件。
type Handler func(ctx context.Context, event Event) error

// Publisher 负责向下游投递事件。
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// Nop 丢弃所有事件，未配置事件驱动时使用。
type Nop struct{}

// Publish 实现 Publisher 接口。
func (Nop) Publish(context.Context, Event) error { return nil }

// Close 实现 Publisher 接口。
func (Nop) Close() error { return nil }

func encode(event Event) ([]byte, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("序列化事件失败: %w", err)
	}
	return body, nil
}
