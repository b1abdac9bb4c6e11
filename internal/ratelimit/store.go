package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"A2A-PayGate/pkg/logger"
)

// Window 是某个客户端当前固定窗口的计数状态。
type Window struct {
	Limit   int
	Count   int
	ResetAt time.Time
}

// Expired 判断窗口在 now 时刻是否已结束。
func (w Window) Expired(now time.Time) bool {
	return !now.Before(w.ResetAt)
}

// Store 保存固定窗口计数。Hit 必须对同一 clientID 原子执行：
// 已有未过期窗口时只递增计数并保留原 limit，否则以 limit 开启新窗口。
type Store interface {
	Active(ctx context.Context, clientID string, now time.Time) (Window, bool, error)
	Hit(ctx context.Context, clientID string, limit int, window time.Duration, now time.Time) (Window, error)
	Close() error
}

// MemoryStore 是进程内的窗口存储，过期窗口在访问时或 Sweep 时删除。
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*Window
}

// NewMemoryStore 创建内存窗口存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: make(map[string]*Window)}
}

// Active 实现 Store 接口。
func (s *MemoryStore) Active(_ context.Context, clientID string, now time.Time) (Window, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.windows[clientID]
	if !ok {
		return Window{}, false, nil
	}
	if w.Expired(now) {
		delete(s.windows, clientID)
		return Window{}, false, nil
	}
	return *w, true, nil
}

// Hit 实现 Store 接口。
func (s *MemoryStore) Hit(_ context.Context, clientID string, limit int, window time.Duration, now time.Time) (Window, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.windows[clientID]
	if !ok || w.Expired(now) {
		w = &Window{Limit: limit, ResetAt: now.Add(window)}
		s.windows[clientID] = w
	}
	w.Count++
	return *w, nil
}

// Sweep 删除所有在 now 之前结束的窗口，返回删除数量。
func (s *MemoryStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, w := range s.windows {
		if w.Expired(now) {
			delete(s.windows, id)
			removed++
		}
	}
	return removed
}

// RunSweeper 周期性清理过期窗口，直到上下文取消。
func (s *MemoryStore) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if removed := s.Sweep(now); removed > 0 {
				logger.Named("ratelimit").Debug("清理过期限流窗口", slog.Int("removed", removed))
			}
		}
	}
}

// Len 返回当前保存的窗口数量。
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows)
}

// Close 对内存存储无需操作。
func (s *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
