// Package reputation 提供智能体信誉分的数据源。
package reputation

import (
	"context"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	xerrors "A2A-PayGate/internal/errors"
)

// CodeSourceUnavailable 表示信誉源查询失败。
const CodeSourceUnavailable xerrors.Code = "REPUTATION_UNAVAILABLE"

func init() {
	xerrors.Register(CodeSourceUnavailable, xerrors.Attributes{
		Message:   "reputation source unavailable",
		Severity:  xerrors.SeverityWarning,
		Category:  xerrors.CategoryUpstream,
		Retryable: true,
		Alert:     true,
	})
}

// Source 查询智能体的信誉分，可能失败或超时。
type Source interface {
	Score(ctx context.Context, agentID string) (float64, error)
}

// SourceFunc 将函数适配为 Source。
type SourceFunc func(ctx context.Context, agentID string) (float64, error)

// Score 实现 Source 接口。
func (f SourceFunc) Score(ctx context.Context, agentID string) (float64, error) {
	return f(ctx, agentID)
}

// Key 规范化智能体标识，地址统一为校验和格式。
func Key(agentID string) string {
	agentID = strings.TrimSpace(agentID)
	if common.IsHexAddress(agentID) {
		return common.HexToAddress(agentID).Hex()
	}
	return agentID
}

// Static 使用固定表提供信誉分，未知智能体返回默认分。
type Static struct {
	mu       sync.RWMutex
	scores   map[string]float64
	fallback float64
}

// NewStatic 创建静态信誉源。
func NewStatic(scores map[string]float64, fallback float64) *Static {
	s := &Static{scores: make(map[string]float64, len(scores)), fallback: fallback}
	for id, score := range scores {
		s.scores[Key(id)] = score
	}
	return s
}

// Set 更新某个智能体的信誉分。
func (s *Static) Set(agentID string, score float64) {
	s.mu.Lock()
	s.scores[Key(agentID)] = score
	s.mu.Unlock()
}

// Score 实现 Source 接口。
func (s *Static) Score(_ context.Context, agentID string) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if score, ok := s.scores[Key(agentID)]; ok {
		return score, nil
	}
	return s.fallback, nil
}

var _ Source = (*Static)(nil)
