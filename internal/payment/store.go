package payment

import (
	"context"
	"sort"
	"sync"

	xerrors "A2A-PayGate/internal/errors"
)

// ReceiptStore 抽象收据的存储。Insert 必须以 paymentId 为键原子地检查并插入。
type ReceiptStore interface {
	// Insert 在 paymentId 已存在时返回 CONFLICT 错误码。
	Insert(ctx context.Context, r Receipt) error
	Get(ctx context.Context, paymentID string) (Receipt, error)
	ByRoute(ctx context.Context, route string) ([]Receipt, error)
	All(ctx context.Context) ([]Receipt, error)
	Close() error
}

// MemoryReceiptStore 以内存方式保存收据，是默认实现。
type MemoryReceiptStore struct {
	mu       sync.RWMutex
	receipts map[string]Receipt
	byRoute  map[string][]string
}

// NewMemoryReceiptStore 创建内存收据存储。
func NewMemoryReceiptStore() *MemoryReceiptStore {
	return &MemoryReceiptStore{
		receipts: make(map[string]Receipt),
		byRoute:  make(map[string][]string),
	}
}

// Insert 实现 ReceiptStore 接口。
func (s *MemoryReceiptStore) Insert(_ context.Context, r Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.receipts[r.PaymentID]; exists {
		return xerrors.New(xerrors.CodeConflict, "收据已存在", xerrors.WithMetadata("payment_id", r.PaymentID))
	}
	s.receipts[r.PaymentID] = r
	s.byRoute[r.Route] = append(s.byRoute[r.Route], r.PaymentID)
	return nil
}

// Get 实现 ReceiptStore 接口。
func (s *MemoryReceiptStore) Get(_ context.Context, paymentID string) (Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.receipts[paymentID]
	if !ok {
		return Receipt{}, ErrReceiptNotFound
	}
	return r, nil
}

// ByRoute 按写入顺序返回某路由下的收据。
func (s *MemoryReceiptStore) ByRoute(_ context.Context, route string) ([]Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byRoute[route]
	out := make([]Receipt, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.receipts[id])
	}
	return out, nil
}

// All 返回全部收据，按时间排序。
func (s *MemoryReceiptStore) All(_ context.Context) ([]Receipt, error) {
	s.mu.RLock()
	out := make([]Receipt, 0, len(s.receipts))
	for _, r := range s.receipts {
		out = append(out, r)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].PaymentID < out[j].PaymentID
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

// Close 对内存存储无需操作。
func (s *MemoryReceiptStore) Close() error {
	return nil
}

var _ ReceiptStore = (*MemoryReceiptStore)(nil)
