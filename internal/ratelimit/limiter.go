// Package ratelimit 实现按信誉加权的固定窗口限流。
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/time/rate"

	xerrors "A2A-PayGate/internal/errors"
	"A2A-PayGate/internal/observability/alerting"
	"A2A-PayGate/internal/observability/metrics"
	"A2A-PayGate/internal/reputation"
	"A2A-PayGate/pkg/logger"
)

const (
	defaultBaseRate      = 60
	defaultMultiplier    = 0.5
	defaultWindow        = time.Minute
	defaultCacheSize     = 10000
	defaultCacheTTL      = 5 * time.Minute
	defaultLookupTimeout = 500 * time.Millisecond
	defaultLookupQPS     = 50
)

// CodeRateLimited 表示请求超过当前窗口的上限。
const CodeRateLimited xerrors.Code = "RATE_LIMITED"

func init() {
	xerrors.Register(CodeRateLimited, xerrors.Attributes{
		Message:   "rate limit exceeded",
		Severity:  xerrors.SeverityInfo,
		Category:  xerrors.CategoryRate,
		Retryable: true,
	})
}

// Config 描述限流参数。
type Config struct {
	BaseRate   int
	MaxRate    int
	Multiplier float64
	Window     time.Duration

	CacheSize int
	CacheTTL  time.Duration

	LookupTimeout time.Duration
	// LookupQPS 限制对信誉源的查询速率，超出时直接使用基础额度。
	LookupQPS   float64
	LookupBurst int
}

// WithDefaults 填充未设置的字段。
func (c Config) WithDefaults() Config {
	if c.BaseRate <= 0 {
		c.BaseRate = defaultBaseRate
	}
	if c.MaxRate <= 0 {
		c.MaxRate = c.BaseRate * 5
	}
	if c.Multiplier == 0 {
		c.Multiplier = defaultMultiplier
	}
	if c.Window <= 0 {
		c.Window = defaultWindow
	}
	if c.CacheSize <= 0 {
		c.CacheSize = defaultCacheSize
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = defaultCacheTTL
	}
	if c.LookupTimeout <= 0 {
		c.LookupTimeout = defaultLookupTimeout
	}
	if c.LookupQPS <= 0 {
		c.LookupQPS = defaultLookupQPS
	}
	if c.LookupBurst <= 0 {
		c.LookupBurst = int(math.Max(1, c.LookupQPS))
	}
	return c
}

// Validate 校验配置。
func (c Config) Validate() error {
	if c.BaseRate <= 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "baseRate 必须为正数")
	}
	if c.MaxRate < c.BaseRate {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("maxRate(%d) 不能小于 baseRate(%d)", c.MaxRate, c.BaseRate))
	}
	if c.Multiplier < 0 || math.IsNaN(c.Multiplier) || math.IsInf(c.Multiplier, 0) {
		return xerrors.New(xerrors.CodeInvalidArgument, "multiplier 必须为非负有限数")
	}
	if c.Window <= 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "window 必须为正数")
	}
	return nil
}

// ComputeLimit 返回 min(maxRate, floor(baseRate * (1 + max(0, score) * multiplier)))。
func ComputeLimit(baseRate, maxRate int, score, multiplier float64) int {
	if math.IsNaN(score) || score < 0 {
		score = 0
	}
	raw := math.Floor(float64(baseRate) * (1 + score*multiplier))
	if raw >= float64(maxRate) {
		return maxRate
	}
	if raw < float64(baseRate) {
		return baseRate
	}
	return int(raw)
}

// Decision 是一次准入判断的结果。
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
	// Degraded 表示存储不可用，请求按放行处理。
	Degraded bool
}

// Limiter 按客户端执行固定窗口计数，新窗口的上限由信誉分决定。
type Limiter struct {
	cfg     Config
	store   Store
	source  reputation.Source
	cache   *ReputationCache
	budget  *rate.Limiter
	alerter alerting.Dispatcher
	// alertEvery 抑制信誉源故障告警的频率。
	alertEvery rate.Sometimes
	logger     *slog.Logger
	now        func() time.Time
}

// Option 定义 Limiter 的可选配置。
type Option func(*Limiter)

// WithStore 指定窗口存储，默认使用内存存储。
func WithStore(store Store) Option {
	return func(l *Limiter) {
		l.store = store
	}
}

// WithSource 指定信誉源，未设置时所有客户端使用基础额度。
func WithSource(source reputation.Source) Option {
	return func(l *Limiter) {
		l.source = source
	}
}

// WithAlerter 配置信誉源故障告警。
func WithAlerter(alerter alerting.Dispatcher) Option {
	return func(l *Limiter) {
		l.alerter = alerter
	}
}

// WithClock 替换时钟，便于测试。
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// New 创建限流器。
func New(cfg Config, opts ...Option) (*Limiter, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cache, err := NewReputationCache(cfg.CacheSize, cfg.CacheTTL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "创建信誉缓存失败")
	}
	l := &Limiter{
		cfg:        cfg,
		cache:      cache,
		budget:     rate.NewLimiter(rate.Limit(cfg.LookupQPS), cfg.LookupBurst),
		alertEvery: rate.Sometimes{First: 1, Interval: time.Minute},
		logger:     logger.Named("ratelimit"),
		now:        time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	if l.store == nil {
		l.store = NewMemoryStore()
	}
	return l, nil
}

// Config 返回生效的配置。
func (l *Limiter) Config() Config {
	return l.cfg
}

// Cache 返回信誉缓存。
func (l *Limiter) Cache() *ReputationCache {
	return l.cache
}

// Admit 判断 clientID 的本次请求是否放行，窗口与信誉都按 clientID 计算。
func (l *Limiter) Admit(ctx context.Context, clientID string) Decision {
	return l.AdmitClient(ctx, Client{ID: clientID})
}

// AdmitClient 按 client.ID 计数，新窗口的上限按 client 的信誉身份计算。
// 存储故障时放行并标记 Degraded。
func (l *Limiter) AdmitClient(ctx context.Context, client Client) Decision {
	now := l.now()
	clientID := client.ID

	limit := 0
	active, ok, err := l.store.Active(ctx, clientID, now)
	if err != nil {
		return l.degrade(clientID, now, err)
	}
	if ok {
		limit = active.Limit
	} else {
		score := l.score(ctx, client.reputationKey(), now)
		limit = ComputeLimit(l.cfg.BaseRate, l.cfg.MaxRate, score, l.cfg.Multiplier)
	}

	win, err := l.store.Hit(ctx, clientID, limit, l.cfg.Window, now)
	if err != nil {
		return l.degrade(clientID, now, err)
	}

	d := Decision{
		Allowed: win.Count <= win.Limit,
		Limit:   win.Limit,
		ResetAt: win.ResetAt,
	}
	if remaining := win.Limit - win.Count; remaining > 0 {
		d.Remaining = remaining
	}
	if !d.Allowed {
		d.RetryAfter = win.ResetAt.Sub(now)
		if d.RetryAfter < 0 {
			d.RetryAfter = 0
		}
	}
	metrics.ObserveRateLimit(d.Allowed)
	return d
}

func (l *Limiter) degrade(clientID string, now time.Time, err error) Decision {
	l.logger.Warn("限流存储不可用，放行请求", slog.String("client", clientID), slog.Any("error", err))
	metrics.ObserveRateLimit(true)
	return Decision{
		Allowed:   true,
		Limit:     l.cfg.BaseRate,
		Remaining: l.cfg.BaseRate,
		ResetAt:   now.Add(l.cfg.Window),
		Degraded:  true,
	}
}

// score 返回用于计算上限的信誉分，任何失败均返回 0。
func (l *Limiter) score(ctx context.Context, clientID string, now time.Time) float64 {
	if l.source == nil {
		return 0
	}
	if !common.IsHexAddress(clientID) {
		metrics.ObserveReputationLookup("skipped")
		return 0
	}
	key := reputation.Key(clientID)
	if score, ok := l.cache.Get(key, now); ok {
		metrics.ObserveReputationLookup("hit")
		return score
	}
	if !l.budget.AllowN(now, 1) {
		metrics.ObserveReputationLookup("throttled")
		l.logger.Debug("信誉查询超出预算，使用基础额度", slog.String("client", key))
		return 0
	}
	score, err := l.lookup(ctx, key)
	if err != nil {
		metrics.ObserveReputationLookup("error")
		l.logger.Debug("信誉查询失败，使用基础额度", slog.String("client", key), slog.Any("error", err))
		l.alertEvery.Do(func() {
			alerting.Emit(ctx, l.alerter, alerting.NewEvent("ratelimit", reputation.CodeSourceUnavailable, err, key))
		})
		return 0
	}
	metrics.ObserveReputationLookup("miss")
	l.cache.Put(key, score, now)
	return score
}

type lookupResult struct {
	score float64
	err   error
}

func (l *Limiter) lookup(ctx context.Context, key string) (float64, error) {
	lctx, cancel := context.WithTimeout(ctx, l.cfg.LookupTimeout)
	defer cancel()

	done := make(chan lookupResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- lookupResult{err: fmt.Errorf("信誉源 panic: %v", r)}
			}
		}()
		score, err := l.source.Score(lctx, key)
		done <- lookupResult{score: score, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return 0, res.err
		}
		if math.IsNaN(res.score) || math.IsInf(res.score, 0) {
			return 0, fmt.Errorf("信誉分无效: %v", res.score)
		}
		return res.score, nil
	case <-lctx.Done():
		return 0, xerrors.Wrap(xerrors.CodeTimeout, lctx.Err(), "信誉查询超时")
	}
}

// Sweep 清理过期窗口与缓存条目。
func (l *Limiter) Sweep() {
	now := l.now()
	if ms, ok := l.store.(*MemoryStore); ok {
		ms.Sweep(now)
	}
	l.cache.Sweep(now)
}

// Run 周期性执行 Sweep，直到上下文取消。
func (l *Limiter) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = l.cfg.Window
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep()
		}
	}
}

// Close 释放窗口存储。
func (l *Limiter) Close() error {
	return l.store.Close()
}
