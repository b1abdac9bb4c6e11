package events

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed 表示发布器已关闭。
var ErrClosed = errors.New("事件通道已关闭")

// MemoryPublisher 使用 channel 缓存事件，主要用于测试和单机部署。
type MemoryPublisher struct {
	ch     chan Event
	mu     sync.RWMutex
	closed bool
}

// NewMemoryPublisher 创建一个内存发布器。
func NewMemoryPublisher(size int) *MemoryPublisher {
	if size <= 0 {
		size = 64
	}
	return &MemoryPublisher{ch: make(chan Event, size)}
}

// Publish 将事件投递到缓冲区，缓冲区满时等待直到上下文取消。
func (p *MemoryPublisher) Publish(ctx context.Context, event Event) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case p.ch <- event:
		return nil
	}
}

// Consume 启动指定数量的协程消费事件，直到上下文取消或通道关闭。
func (p *MemoryPublisher) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case event, ok := <-p.ch:
					if !ok {
						return
					}
					_ = handler(ctx, event)
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

// Len 返回尚未消费的事件数量。
func (p *MemoryPublisher) Len() int {
	return len(p.ch)
}

// Close 关闭内存通道。
func (p *MemoryPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		close(p.ch)
		p.closed = true
	}
	return nil
}
