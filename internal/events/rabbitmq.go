package events

import (
	"context"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitMQConfig 描述 RabbitMQ 的连接参数。
type RabbitMQConfig struct {
	URL        string
	Exchange   string
	Queue      string
	Durable    bool
	AutoDelete bool
}

// RabbitMQPublisher 将事件投递到 RabbitMQ，事件类型作为 routing key。
type RabbitMQPublisher struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
	queue    string
}

// NewRabbitMQPublisher 创建 RabbitMQ 发布器实例。
func NewRabbitMQPublisher(cfg RabbitMQConfig) (*RabbitMQPublisher, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "paygate.events"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("创建 RabbitMQ channel 失败: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, cfg.Durable, cfg.AutoDelete, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("声明 RabbitMQ 队列失败: %w", err)
	}
	if cfg.Exchange != "" {
		if err := ch.ExchangeDeclare(cfg.Exchange, amqp.ExchangeTopic, cfg.Durable, cfg.AutoDelete, false, false, nil); err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("声明 RabbitMQ exchange 失败: %w", err)
		}
		if err := ch.QueueBind(queue, "#", cfg.Exchange, false, nil); err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("绑定 RabbitMQ 队列失败: %w", err)
		}
	}
	return &RabbitMQPublisher{conn: conn, ch: ch, exchange: cfg.Exchange, queue: queue}, nil
}

// Publish 将事件投递到 RabbitMQ。未配置 exchange 时直接投递到队列。
func (p *RabbitMQPublisher) Publish(ctx context.Context, event Event) error {
	if p == nil || p.ch == nil {
		return errors.New("RabbitMQ 发布器未初始化")
	}
	body, err := encode(event)
	if err != nil {
		return err
	}
	key := p.queue
	if p.exchange != "" {
		key = event.Type
	}
	// amqp.Channel 不支持并发发布。
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ch.PublishWithContext(ctx, p.exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    event.ID,
		Type:         event.Type,
		Timestamp:    event.OccurredAt,
		Body:         body,
	})
}

// Close 关闭 RabbitMQ 连接。
func (p *RabbitMQPublisher) Close() error {
	if p == nil {
		return nil
	}
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
