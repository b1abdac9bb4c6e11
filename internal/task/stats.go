package task

import "time"

// TaskStats 聚合了任务状态的统计信息，常用于仪表盘或健康检查。
type TaskStats struct {
	Total           int           `json:"total"`
	ByState         map[State]int `json:"byState"`
	OldestUpdatedAt time.Time     `json:"oldestUpdatedAt,omitempty"`
	NewestUpdatedAt time.Time     `json:"newestUpdatedAt,omitempty"`
}

func (s *TaskStats) add(task *Task) {
	if s.ByState == nil {
		s.ByState = make(map[State]int)
	}
	s.Total++
	s.ByState[task.Status.State]++
	if task.UpdatedAt.After(s.NewestUpdatedAt) {
		s.NewestUpdatedAt = task.UpdatedAt
	}
	if s.OldestUpdatedAt.IsZero() || task.UpdatedAt.Before(s.OldestUpdatedAt) {
		s.OldestUpdatedAt = task.UpdatedAt
	}
}
