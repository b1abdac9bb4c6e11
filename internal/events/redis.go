package events

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	storageredis "A2A-PayGate/internal/storage/redis"
)

// RedisConfig 描述 Redis 事件列表的连接参数。
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	List     string
	// MaxLen 为正数时对列表做 LTRIM，防止无人消费时无限增长。
	MaxLen int64
}

// RedisPublisher 使用 Redis list 投递事件，下游可通过 BRPOP 消费。
type RedisPublisher struct {
	client *redis.Client
	list   string
	maxLen int64
}

// NewRedisPublisher 创建 Redis 发布器实例。
func NewRedisPublisher(ctx context.Context, cfg RedisConfig) (*RedisPublisher, error) {
	client, err := storageredis.Open(ctx, storageredis.Config{
		Address:  cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err != nil {
		return nil, err
	}
	return NewRedisPublisherWithClient(client, cfg.List, cfg.MaxLen), nil
}

// NewRedisPublisherWithClient 复用已有的 Redis 客户端。
func NewRedisPublisherWithClient(client *redis.Client, list string, maxLen int64) *RedisPublisher {
	if list == "" {
		list = "paygate:events"
	}
	return &RedisPublisher{client: client, list: list, maxLen: maxLen}
}

// Publish 将事件写入 Redis 列表头部。
func (p *RedisPublisher) Publish(ctx context.Context, event Event) error {
	body, err := encode(event)
	if err != nil {
		return err
	}
	pipe := p.client.TxPipeline()
	pipe.LPush(ctx, p.list, body)
	if p.maxLen > 0 {
		pipe.LTrim(ctx, p.list, 0, p.maxLen-1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("Redis 发布事件失败: %w", err)
	}
	return nil
}

// Close 关闭 Redis 连接。
func (p *RedisPublisher) Close() error {
	if p == nil || p.client == nil {
		return nil
	}
	return p.client.Close()
}
