package payment

import (
	"context"
	stdErrors "errors"
	"math/big"
	"time"

	xerrors "A2A-PayGate/internal/errors"
)

// RejectCode 是 402 响应中的结构化原因。
type RejectCode string

const (
	RejectPaymentRequired     RejectCode = "payment_required"
	RejectInvalidPayment      RejectCode = "invalid_payment"
	RejectInsufficientAmount  RejectCode = "insufficient_amount"
	RejectWrongToken          RejectCode = "wrong_token"
	RejectWrongChain          RejectCode = "wrong_chain"
	RejectWrongPayee          RejectCode = "wrong_payee"
	RejectExpiredProof        RejectCode = "expired_proof"
	RejectUnverifiableProof   RejectCode = "unverifiable_proof"
	RejectPaymentReplayed     RejectCode = "payment_replayed"
	RejectVerifierUnavailable RejectCode = "verifier_unavailable"
)

// Rejection 表示付款被拒绝，网关以 402 返回。
type Rejection struct {
	Code   RejectCode
	Reason string
}

// Reject 构造拒绝原因。
func Reject(code RejectCode, reason string) *Rejection {
	return &Rejection{Code: code, Reason: reason}
}

// Error 实现 error 接口。
func (r *Rejection) Error() string {
	return string(r.Code) + ": " + r.Reason
}

// IsRejection 判断错误是否为付款拒绝，并返回拒绝原因。
func IsRejection(err error) (*Rejection, bool) {
	var rej *Rejection
	if stdErrors.As(err, &rej) {
		return rej, true
	}
	return nil, false
}

func asRejection(err error, target **Rejection) bool {
	return stdErrors.As(err, target)
}

const (
	CodePaymentRejected     xerrors.Code = "PAYMENT_REJECTED"
	CodeReceiptConflict     xerrors.Code = "RECEIPT_CONFLICT"
	CodeReceiptNotFound     xerrors.Code = "RECEIPT_NOT_FOUND"
	CodeVerifierUnavailable xerrors.Code = "VERIFIER_UNAVAILABLE"
)

var (
	// ErrReceiptConflict 表示相同 paymentId 已存在不同内容的收据。
	ErrReceiptConflict = xerrors.New(CodeReceiptConflict, "receipt conflict")
	// ErrReceiptNotFound 表示收据不存在。
	ErrReceiptNotFound = xerrors.New(CodeReceiptNotFound, "receipt not found")
)

func init() {
	xerrors.Register(CodePaymentRejected, xerrors.Attributes{
		Message:  "payment rejected",
		Severity: xerrors.SeverityInfo,
		Category: xerrors.CategoryPayment,
	})
	xerrors.Register(CodeReceiptConflict, xerrors.Attributes{
		Message:  "receipt conflict",
		Severity: xerrors.SeverityWarning,
		Category: xerrors.CategoryPayment,
	})
	xerrors.Register(CodeReceiptNotFound, xerrors.Attributes{
		Message:  "receipt not found",
		Severity: xerrors.SeverityInfo,
		Category: xerrors.CategoryPayment,
	})
	xerrors.Register(CodeVerifierUnavailable, xerrors.Attributes{
		Message:   "payment verifier unavailable",
		Severity:  xerrors.SeverityCritical,
		Category:  xerrors.CategoryUpstream,
		Retryable: true,
		Alert:     true,
	})
}

// Expectation 是网关根据定价与配置得出的期望付款。
type Expectation struct {
	Route   string
	Amount  *big.Int
	Token   string
	ChainID int64
	Payee   string
	Now     time.Time
}

// Settlement 是验证器给出的结算信息。
type Settlement struct {
	// Reference 为结算凭据，例如交易哈希。
	Reference string
}

// Verifier 负责凭证的密码学或链上有效性校验。
// 凭证无效时返回 *Rejection，其余错误视为验证器不可用。
type Verifier interface {
	Verify(ctx context.Context, proof *Proof, expected Expectation) (Settlement, error)
}

// VerifierFunc 将函数适配为 Verifier。
type VerifierFunc func(ctx context.Context, proof *Proof, expected Expectation) (Settlement, error)

// Verify 实现 Verifier 接口。
func (f VerifierFunc) Verify(ctx context.Context, proof *Proof, expected Expectation) (Settlement, error) {
	return f(ctx, proof, expected)
}
