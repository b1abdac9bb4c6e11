package task

import (
	"context"
	"time"
)

// Store 抽象了任务状态的存储接口。
type Store interface {
	Create(ctx context.Context, task *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	// Update 在存储内部原子地执行读取-修改-写回，fn 返回错误时不落盘。
	Update(ctx context.Context, id string, fn func(*Task) error) (*Task, error)
	List(ctx context.Context, opts ListOptions) ([]*Task, error)
	Stats(ctx context.Context, opts ListOptions) (TaskStats, error)
	Delete(ctx context.Context, id string) error
	// PurgeTerminal 删除在 before 之前最后更新的终态任务，返回删除数量。
	PurgeTerminal(ctx context.Context, before time.Time) (int, error)
	Close() error
}
