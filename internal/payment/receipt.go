package payment

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"time"

	xerrors "A2A-PayGate/internal/errors"
)

// Receipt 是一次已验证并结算的付款记录，写入后不可变。
type Receipt struct {
	PaymentID       string    `json:"paymentId"`
	Payer           string    `json:"payer"`
	Payee           string    `json:"payee"`
	Amount          string    `json:"amount"`
	Token           string    `json:"token"`
	ChainID         int64     `json:"chainId"`
	SettlementProof string    `json:"settlementProof"`
	Timestamp       time.Time `json:"timestamp"`
	Route           string    `json:"route"`
}

// Matches 比较除时间戳以外的所有字段。
func (r Receipt) Matches(other Receipt) bool {
	return r.PaymentID == other.PaymentID &&
		r.Payer == other.Payer &&
		r.Payee == other.Payee &&
		r.Amount == other.Amount &&
		r.Token == other.Token &&
		r.ChainID == other.ChainID &&
		r.SettlementProof == other.SettlementProof &&
		r.Route == other.Route
}

// Equal 比较全部字段。
func (r Receipt) Equal(other Receipt) bool {
	return r.Matches(other) && r.Timestamp.Equal(other.Timestamp)
}

// AmountValue 返回金额的整数值。
func (r Receipt) AmountValue() (*big.Int, error) {
	amount, ok := new(big.Int).SetString(r.Amount, 10)
	if !ok || amount.Sign() < 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "收据金额无效", xerrors.WithMetadata("payment_id", r.PaymentID))
	}
	return amount, nil
}

// normalize 统一收据字段格式，保证存储往返后仍可比较。
func (r Receipt) normalize() (Receipt, error) {
	if r.PaymentID == "" {
		return r, xerrors.New(xerrors.CodeInvalidArgument, "paymentId 不能为空")
	}
	amount, err := r.AmountValue()
	if err != nil {
		return r, err
	}
	r.Amount = amount.String()
	r.Route = NormalizeRoute(r.Route)
	r.Payer = CanonicalAddress(r.Payer)
	r.Payee = CanonicalAddress(r.Payee)
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now()
	}
	r.Timestamp = r.Timestamp.UTC().Truncate(time.Microsecond)
	return r, nil
}

// settlementResponse 是 X-PAYMENT-RESPONSE 头的内容。
type settlementResponse struct {
	Success     bool   `json:"success"`
	PaymentID   string `json:"paymentId"`
	Transaction string `json:"transaction"`
	Network     int64  `json:"network"`
	Payer       string `json:"payer"`
}

// EncodeSettlementHeader 生成 X-PAYMENT-RESPONSE 头。
func EncodeSettlementHeader(r Receipt) (string, error) {
	raw, err := json.Marshal(settlementResponse{
		Success:     true,
		PaymentID:   r.PaymentID,
		Transaction: r.SettlementProof,
		Network:     r.ChainID,
		Payer:       r.Payer,
	})
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

type receiptKey struct{}

// WithReceipt 将收据写入请求上下文。
func WithReceipt(ctx context.Context, r Receipt) context.Context {
	return context.WithValue(ctx, receiptKey{}, r)
}

// ReceiptFrom 读取请求上下文中的收据。
func ReceiptFrom(ctx context.Context) (Receipt, bool) {
	r, ok := ctx.Value(receiptKey{}).(Receipt)
	return r, ok
}
