package ratelimit

import (
	"time"

	lru "github.com/hashicorp/golang-lru"
)

type cachedScore struct {
	score     float64
	expiresAt time.Time
}

// ReputationCache 是有容量上限的信誉分缓存，过期条目视为未命中。
type ReputationCache struct {
	entries *lru.Cache
	ttl     time.Duration
}

// NewReputationCache 创建缓存，size 为最大条目数。
func NewReputationCache(size int, ttl time.Duration) (*ReputationCache, error) {
	if size <= 0 {
		size = defaultCacheSize
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	entries, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &ReputationCache{entries: entries, ttl: ttl}, nil
}

// Get 返回未过期的缓存分数，过期条目在读取时删除。
func (c *ReputationCache) Get(key string, now time.Time) (float64, bool) {
	v, ok := c.entries.Get(key)
	if !ok {
		return 0, false
	}
	entry := v.(cachedScore)
	if !now.Before(entry.expiresAt) {
		c.entries.Remove(key)
		return 0, false
	}
	return entry.score, true
}

// Put 写入分数，有效期为缓存 TTL。
func (c *ReputationCache) Put(key string, score float64, now time.Time) {
	c.entries.Add(key, cachedScore{score: score, expiresAt: now.Add(c.ttl)})
}

// Sweep 删除全部过期条目，返回删除数量。
func (c *ReputationCache) Sweep(now time.Time) int {
	removed := 0
	for _, key := range c.entries.Keys() {
		v, ok := c.entries.Peek(key)
		if !ok {
			continue
		}
		if !now.Before(v.(cachedScore).expiresAt) {
			c.entries.Remove(key)
			removed++
		}
	}
	return removed
}

// Len 返回当前条目数。
func (c *ReputationCache) Len() int {
	return c.entries.Len()
}

// Purge 清空缓存。
func (c *ReputationCache) Purge() {
	c.entries.Purge()
}
