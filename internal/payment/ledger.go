package payment

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"math/big"
	"time"

	xerrors "A2A-PayGate/internal/errors"
	"A2A-PayGate/internal/events"
	"A2A-PayGate/pkg/logger"
)

// Ledger 记录已结算的收据并提供收入汇总。金额计算全部使用整数。
type Ledger struct {
	store     ReceiptStore
	publisher events.Publisher
	logger    *slog.Logger
}

// LedgerOption 定义 Ledger 的可选配置。
type LedgerOption func(*Ledger)

// WithLedgerPublisher 配置结算事件的发布器。
func WithLedgerPublisher(publisher events.Publisher) LedgerOption {
	return func(l *Ledger) {
		l.publisher = publisher
	}
}

// NewLedger 创建账本，store 为空时使用内存存储。
func NewLedger(store ReceiptStore, opts ...LedgerOption) *Ledger {
	if store == nil {
		store = NewMemoryReceiptStore()
	}
	l := &Ledger{store: store, logger: logger.Named("ledger")}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// Record 写入收据。完全相同的重复写入视为成功且不产生新记录（未给出时间戳的收据
// 只比较其余字段），
// 同一 paymentId 的不同内容返回 ErrReceiptConflict。返回值表示是否新写入。
func (l *Ledger) Record(ctx context.Context, r Receipt) (bool, error) {
	normalized, err := r.normalize()
	if err != nil {
		return false, err
	}
	if err := l.store.Insert(ctx, normalized); err != nil {
		if xerrors.CodeOf(err) != xerrors.CodeConflict {
			return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入收据失败")
		}
		existing, getErr := l.store.Get(ctx, normalized.PaymentID)
		if getErr != nil {
			return false, getErr
		}
		if sameReceipt(existing, normalized, !r.Timestamp.IsZero()) {
			return false, nil
		}
		return false, xerrors.Wrap(CodeReceiptConflict, ErrReceiptConflict, "paymentId 已被使用",
			xerrors.WithMetadata("payment_id", normalized.PaymentID))
	}
	l.publish(ctx, normalized)
	return true, nil
}

// sameReceipt 判断重复写入是否与已存收据一致。时间戳只在调用方显式给出时参与比较，
// 由账本补齐的时间不算调用方内容。
func sameReceipt(stored, candidate Receipt, stamped bool) bool {
	if !stored.Matches(candidate) {
		return false
	}
	return !stamped || stored.Timestamp.Equal(candidate.Timestamp)
}

func (l *Ledger) publish(ctx context.Context, r Receipt) {
	if l.publisher == nil {
		return
	}
	event, err := events.NewEvent(events.TypePaymentSettled, r.Route, r)
	if err != nil {
		l.logger.Warn("构造结算事件失败", slog.Any("error", err))
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := l.publisher.Publish(pctx, event); err != nil {
		l.logger.Warn("发布结算事件失败", slog.String("payment_id", r.PaymentID), slog.Any("error", err))
	}
}

// Get 返回收据。
func (l *Ledger) Get(ctx context.Context, paymentID string) (Receipt, error) {
	return l.store.Get(ctx, paymentID)
}

// ByRoute 返回某路由下的全部收据。
func (l *Ledger) ByRoute(ctx context.Context, route string) ([]Receipt, error) {
	return l.store.ByRoute(ctx, NormalizeRoute(route))
}

// List 返回全部收据。
func (l *Ledger) List(ctx context.Context) ([]Receipt, error) {
	return l.store.All(ctx)
}

// RevenueByRoute 返回某路由的收入总和（最小单位）。
func (l *Ledger) RevenueByRoute(ctx context.Context, route string) (*big.Int, error) {
	receipts, err := l.ByRoute(ctx, route)
	if err != nil {
		return nil, err
	}
	return sum(receipts)
}

// TotalRevenue 返回所有路由的收入总和（最小单位）。
func (l *Ledger) TotalRevenue(ctx context.Context) (*big.Int, error) {
	receipts, err := l.store.All(ctx)
	if err != nil {
		return nil, err
	}
	return sum(receipts)
}

// RevenueBreakdown 按路由汇总收入。
func (l *Ledger) RevenueBreakdown(ctx context.Context) (map[string]*big.Int, error) {
	receipts, err := l.store.All(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*big.Int)
	for _, r := range receipts {
		amount, err := r.AmountValue()
		if err != nil {
			return nil, err
		}
		total, ok := out[r.Route]
		if !ok {
			total = new(big.Int)
			out[r.Route] = total
		}
		total.Add(total, amount)
	}
	return out, nil
}

// Close 释放存储资源。
func (l *Ledger) Close() error {
	return l.store.Close()
}

func sum(receipts []Receipt) (*big.Int, error) {
	total := new(big.Int)
	for _, r := range receipts {
		amount, err := r.AmountValue()
		if err != nil {
			return nil, err
		}
		total.Add(total, amount)
	}
	return total, nil
}

// IsConflict 判断错误是否为收据冲突。
func IsConflict(err error) bool {
	return stdErrors.Is(err, ErrReceiptConflict)
}
