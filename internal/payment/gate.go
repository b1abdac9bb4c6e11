package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	xerrors "A2A-PayGate/internal/errors"
	"A2A-PayGate/internal/observability/alerting"
	"A2A-PayGate/internal/observability/metrics"
	"A2A-PayGate/pkg/logger"
)

const (
	defaultVerifyTimeout = 5 * time.Second
	defaultReplayWindow  = 10 * time.Minute
)

// GateConfig 描述收款方与链配置。
type GateConfig struct {
	Payee         string
	ChainID       int64
	VerifyTimeout time.Duration
	// ReplayWindow 是同一凭证原样重发可复用收据的时长，从首次结算时刻起算。
	ReplayWindow time.Duration
	// DevMode 跳过凭证校验，仅用于本地调试。
	DevMode bool
}

// RouteResolver 从请求中解析计费路由，返回空字符串表示不计费。
type RouteResolver func(r *http.Request) (string, error)

// PathRoute 使用 URL 路径作为路由。
func PathRoute(r *http.Request) (string, error) {
	return r.URL.Path, nil
}

// Gate 在计费路由上要求有效的 x402 付款凭证。
type Gate struct {
	pricing  *Pricing
	ledger   *Ledger
	verifier Verifier
	cfg      GateConfig
	resolve  RouteResolver
	alerter  alerting.Dispatcher
	logger   *slog.Logger
	now      func() time.Time
}

// GateOption 定义 Gate 的可选配置。
type GateOption func(*Gate)

// WithRouteResolver 替换默认的路径路由解析。
func WithRouteResolver(resolver RouteResolver) GateOption {
	return func(g *Gate) {
		if resolver != nil {
			g.resolve = resolver
		}
	}
}

// WithAlerter 配置验证器故障告警。
func WithAlerter(dispatcher alerting.Dispatcher) GateOption {
	return func(g *Gate) {
		g.alerter = dispatcher
	}
}

// WithClock 替换时间源，主要用于测试。
func WithClock(now func() time.Time) GateOption {
	return func(g *Gate) {
		if now != nil {
			g.now = now
		}
	}
}

// NewGate 创建付款网关。非开发模式下必须提供 verifier 与 payee。
func NewGate(pricing *Pricing, ledger *Ledger, verifier Verifier, cfg GateConfig, opts ...GateOption) (*Gate, error) {
	if pricing == nil || ledger == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "付款网关缺少定价表或账本")
	}
	if !cfg.DevMode {
		if verifier == nil {
			return nil, xerrors.New(xerrors.CodeInitializationFailure, "付款网关缺少验证器")
		}
		if strings.TrimSpace(cfg.Payee) == "" {
			return nil, xerrors.New(xerrors.CodeInitializationFailure, "付款网关缺少收款地址")
		}
	}
	if cfg.VerifyTimeout <= 0 {
		cfg.VerifyTimeout = defaultVerifyTimeout
	}
	if cfg.ReplayWindow <= 0 {
		cfg.ReplayWindow = defaultReplayWindow
	}
	cfg.Payee = CanonicalAddress(cfg.Payee)
	g := &Gate{
		pricing:  pricing,
		ledger:   ledger,
		verifier: verifier,
		cfg:      cfg,
		resolve:  PathRoute,
		logger:   logger.Named("payment"),
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	if cfg.DevMode {
		g.logger.Warn("付款网关处于开发模式，计费路由不会校验付款凭证", slog.Int("priced_routes", len(pricing.Routes())))
		logger.Audit().Warn("payment gate dev mode enabled", slog.String("payee", cfg.Payee), slog.Int64("chain_id", cfg.ChainID))
	}
	return g, nil
}

// DevMode 返回是否处于开发模式。
func (g *Gate) DevMode() bool {
	return g.cfg.DevMode
}

// RequiredResponse 是 402 响应体。
type RequiredResponse struct {
	Error       string     `json:"error"`
	Code        RejectCode `json:"code"`
	Price       string     `json:"price"`
	Amount      string     `json:"amount"`
	Token       string     `json:"token"`
	ChainID     int64      `json:"chainId"`
	Payee       string     `json:"payee"`
	Route       string     `json:"route"`
	X402Version int        `json:"x402Version"`
}

// Check 对计费路由执行凭证校验。未计费路由返回 (nil, nil)；
// 凭证问题返回 *Rejection；其余错误为内部故障。
func (g *Gate) Check(ctx context.Context, route, header string) (*Receipt, error) {
	price, ok := g.pricing.Lookup(route)
	if !ok {
		return nil, nil
	}
	if strings.TrimSpace(header) == "" {
		return nil, Reject(RejectPaymentRequired, "payment required")
	}
	proof, err := DecodeProof(header)
	if err != nil {
		return nil, Reject(RejectInvalidPayment, err.Error())
	}
	if err := proof.Validate(); err != nil {
		return nil, Reject(RejectInvalidPayment, err.Error())
	}

	now := g.now()
	if rej := g.checkTerms(proof, price, now); rej != nil {
		return nil, rej
	}

	candidate := Receipt{
		PaymentID: proof.PaymentID,
		Payer:     proof.Payer,
		Payee:     g.cfg.Payee,
		Amount:    proof.Amount,
		Token:     price.Token,
		ChainID:   g.cfg.ChainID,
		Route:     price.Route,
	}
	if amount, err := proof.AmountValue(); err == nil {
		candidate.Amount = amount.String()
	}
	existing, err := g.ledger.Get(ctx, proof.PaymentID)
	replay := err == nil
	if err != nil && xerrors.CodeOf(err) != CodeReceiptNotFound {
		return nil, err
	}
	if replay && !sameTerms(existing, candidate) {
		return nil, Reject(RejectPaymentReplayed, "paymentId already used for a different payment")
	}
	if replay && now.Sub(existing.Timestamp) > g.cfg.ReplayWindow {
		return nil, Reject(RejectPaymentReplayed, "paymentId already consumed")
	}

	settlement, err := g.verify(ctx, proof, Expectation{
		Route:   price.Route,
		Amount:  price.Amount,
		Token:   price.Token,
		ChainID: g.cfg.ChainID,
		Payee:   g.cfg.Payee,
		Now:     now,
	})
	if err != nil {
		return nil, err
	}
	candidate.SettlementProof = settlement.Reference
	candidate.Timestamp = now

	if replay {
		return g.reuse(existing, candidate)
	}
	if _, err := g.ledger.Record(ctx, candidate); err != nil {
		if !IsConflict(err) {
			return nil, err
		}
		// 并发请求携带同一凭证，先写入者胜出。
		stored, getErr := g.ledger.Get(ctx, candidate.PaymentID)
		if getErr != nil {
			return nil, getErr
		}
		return g.reuse(stored, candidate)
	}
	stored, err := g.ledger.Get(ctx, candidate.PaymentID)
	if err != nil {
		return nil, err
	}
	return &stored, nil
}

func (g *Gate) checkTerms(proof *Proof, price RoutePrice, now time.Time) *Rejection {
	if !strings.EqualFold(strings.TrimSpace(proof.Token), price.Token) {
		return Reject(RejectWrongToken, fmt.Sprintf("expected token %s", price.Token))
	}
	if proof.ChainID != g.cfg.ChainID {
		return Reject(RejectWrongChain, fmt.Sprintf("expected chainId %d", g.cfg.ChainID))
	}
	if !SameAddress(proof.Payee, g.cfg.Payee) {
		return Reject(RejectWrongPayee, "payee does not match")
	}
	amount, err := proof.AmountValue()
	if err != nil {
		return Reject(RejectInvalidPayment, err.Error())
	}
	if amount.Cmp(price.Amount) < 0 {
		return Reject(RejectInsufficientAmount, fmt.Sprintf("amount %s is below price %s", amount, price.Amount))
	}
	if proof.ValidBefore > 0 && now.Unix() >= proof.ValidBefore {
		return Reject(RejectExpiredProof, "payment proof expired")
	}
	if proof.ValidAfter > 0 && now.Unix() < proof.ValidAfter {
		return Reject(RejectInvalidPayment, "payment proof is not yet valid")
	}
	return nil
}

func sameTerms(stored, candidate Receipt) bool {
	normalized, err := candidate.normalize()
	if err != nil {
		return false
	}
	return stored.PaymentID == normalized.PaymentID &&
		stored.Payer == normalized.Payer &&
		stored.Payee == normalized.Payee &&
		stored.Amount == normalized.Amount &&
		stored.Token == normalized.Token &&
		stored.ChainID == normalized.ChainID &&
		stored.Route == normalized.Route
}

func (g *Gate) reuse(stored, candidate Receipt) (*Receipt, error) {
	normalized, err := candidate.normalize()
	if err != nil {
		return nil, err
	}
	if !stored.Matches(normalized) {
		return nil, Reject(RejectPaymentReplayed, "paymentId already used for a different payment")
	}
	return &stored, nil
}

// verify 在超时内调用验证器，panic 与超时均视为验证器不可用。
func (g *Gate) verify(ctx context.Context, proof *Proof, expected Expectation) (Settlement, error) {
	vctx, cancel := context.WithTimeout(ctx, g.cfg.VerifyTimeout)
	defer cancel()

	type result struct {
		settlement Settlement
		err        error
	}
	start := time.Now()
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("verifier panic: %v", r)}
			}
		}()
		settlement, err := g.verifier.Verify(vctx, proof, expected)
		done <- result{settlement: settlement, err: err}
	}()

	var res result
	select {
	case res = <-done:
	case <-vctx.Done():
		res = result{err: fmt.Errorf("verifier timed out: %w", vctx.Err())}
	}
	metrics.ObserveVerifier(time.Since(start).Seconds())

	if res.err == nil {
		if res.settlement.Reference == "" {
			res.settlement.Reference = proof.SettlementRef
		}
		return res.settlement, nil
	}
	var rej *Rejection
	if asRejection(res.err, &rej) {
		return Settlement{}, rej
	}

	wrapped := xerrors.Wrap(CodeVerifierUnavailable, res.err, "付款验证器不可用")
	g.logger.Error("付款验证器不可用",
		slog.String("route", expected.Route),
		slog.String("payment_id", proof.PaymentID),
		slog.Any("error", wrapped),
	)
	alerting.Emit(ctx, g.alerter, alerting.NewEvent("payment", CodeVerifierUnavailable, res.err, expected.Route))
	return Settlement{}, Reject(RejectVerifierUnavailable, "payment verifier unavailable, retry later")
}

// Middleware 返回执行付款校验的 HTTP 中间件。
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route, err := g.resolve(r)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		price, priced := g.pricing.Lookup(route)
		if !priced {
			next.ServeHTTP(w, r)
			return
		}
		if g.cfg.DevMode {
			w.Header().Set(HeaderPaymentMode, "dev")
			metrics.ObservePayment(price.Route, "dev_bypass")
			next.ServeHTTP(w, r)
			return
		}

		receipt, err := g.Check(r.Context(), route, r.Header.Get(HeaderPayment))
		if err != nil {
			var rej *Rejection
			if asRejection(err, &rej) {
				g.reject(w, r, price, rej)
				return
			}
			g.logger.Error("付款校验失败", slog.String("route", price.Route), slog.Any("error", err))
			metrics.ObservePayment(price.Route, "internal_error")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "payment processing unavailable"})
			return
		}

		if header, err := EncodeSettlementHeader(*receipt); err == nil {
			w.Header().Set(HeaderPaymentResponse, header)
		}
		metrics.ObservePayment(price.Route, "settled")
		logger.Audit().Info("payment accepted",
			slog.String("route", receipt.Route),
			slog.String("payment_id", receipt.PaymentID),
			slog.String("payer", receipt.Payer),
			slog.String("amount", receipt.Amount),
			slog.String("token", receipt.Token),
			slog.String("settlement", receipt.SettlementProof),
		)
		next.ServeHTTP(w, r.WithContext(WithReceipt(r.Context(), *receipt)))
	})
}

func (g *Gate) reject(w http.ResponseWriter, r *http.Request, price RoutePrice, rej *Rejection) {
	metrics.ObservePayment(price.Route, string(rej.Code))
	if rej.Code != RejectPaymentRequired {
		logger.Audit().Warn("payment rejected",
			slog.String("route", price.Route),
			slog.String("code", string(rej.Code)),
			slog.String("reason", rej.Reason),
			slog.String("remote_addr", r.RemoteAddr),
		)
	}
	writeJSON(w, http.StatusPaymentRequired, RequiredResponse{
		Error:       rej.Reason,
		Code:        rej.Code,
		Price:       price.Price,
		Amount:      price.Amount.String(),
		Token:       price.Token,
		ChainID:     g.cfg.ChainID,
		Payee:       g.cfg.Payee,
		Route:       price.Route,
		X402Version: X402Version,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
