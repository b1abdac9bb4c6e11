package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "paygate:ratelimit:"

// redisHitScript 原子地开启或递增固定窗口。
// KEYS[1] = 窗口键
// ARGV[1] = 当前时间（毫秒）
// ARGV[2] = 新窗口的 limit
// ARGV[3] = 窗口长度（毫秒）
var redisHitScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local window = tonumber(ARGV[3])

local state = redis.call("HMGET", key, "limit", "count", "reset")
local reset = tonumber(state[3])

if not reset or reset <= now then
    reset = now + window
    redis.call("HSET", key, "limit", limit, "count", 1, "reset", reset)
    redis.call("PEXPIREAT", key, reset)
    return {limit, 1, reset}
end

local count = redis.call("HINCRBY", key, "count", 1)
return {tonumber(state[1]), count, reset}
`)

// RedisStore 在 Redis 中保存窗口，多实例部署共享同一计数。
type RedisStore struct {
	client *redis.Client
	prefix string
	owned  bool
}

// NewRedisStore 使用已有客户端创建存储，Close 不会关闭该客户端。
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

// NewOwnedRedisStore 创建存储并在 Close 时关闭客户端。
func NewOwnedRedisStore(client *redis.Client, prefix string) *RedisStore {
	s := NewRedisStore(client, prefix)
	s.owned = true
	return s
}

func (s *RedisStore) key(clientID string) string {
	return s.prefix + clientID
}

// Active 实现 Store 接口。
func (s *RedisStore) Active(ctx context.Context, clientID string, now time.Time) (Window, bool, error) {
	values, err := s.client.HMGet(ctx, s.key(clientID), "limit", "count", "reset").Result()
	if err != nil {
		return Window{}, false, fmt.Errorf("读取限流窗口失败: %w", err)
	}
	if len(values) != 3 || values[0] == nil || values[1] == nil || values[2] == nil {
		return Window{}, false, nil
	}
	limit, err1 := strconv.Atoi(fmt.Sprint(values[0]))
	count, err2 := strconv.Atoi(fmt.Sprint(values[1]))
	reset, err3 := strconv.ParseInt(fmt.Sprint(values[2]), 10, 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return Window{}, false, fmt.Errorf("限流窗口格式错误: %v", values)
	}
	w := Window{Limit: limit, Count: count, ResetAt: time.UnixMilli(reset)}
	if w.Expired(now) {
		return Window{}, false, nil
	}
	return w, true, nil
}

// Hit 实现 Store 接口。
func (s *RedisStore) Hit(ctx context.Context, clientID string, limit int, window time.Duration, now time.Time) (Window, error) {
	res, err := redisHitScript.Run(ctx, s.client, []string{s.key(clientID)}, now.UnixMilli(), limit, window.Milliseconds()).Result()
	if err != nil {
		return Window{}, fmt.Errorf("执行限流脚本失败: %w", err)
	}
	values, ok := res.([]interface{})
	if !ok || len(values) != 3 {
		return Window{}, fmt.Errorf("限流脚本返回格式错误: %v", res)
	}
	nums := make([]int64, 3)
	for i, v := range values {
		n, ok := v.(int64)
		if !ok {
			return Window{}, fmt.Errorf("限流脚本返回格式错误: %v", res)
		}
		nums[i] = n
	}
	return Window{Limit: int(nums[0]), Count: int(nums[1]), ResetAt: time.UnixMilli(nums[2])}, nil
}

// Close 在拥有客户端时关闭连接。
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil || !s.owned {
		return nil
	}
	return s.client.Close()
}

var _ Store = (*RedisStore)(nil)
