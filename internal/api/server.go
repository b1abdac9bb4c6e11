package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/rs/cors"

	"A2A-PayGate/internal/auth"
	xerrors "A2A-PayGate/internal/errors"
	"A2A-PayGate/internal/jsonrpc"
	"A2A-PayGate/internal/observability/metrics"
	"A2A-PayGate/internal/payment"
	"A2A-PayGate/internal/ratelimit"
	"A2A-PayGate/internal/task"
	"A2A-PayGate/pkg/logger"
)

// Options 控制 HTTP 服务参数。
type Options struct {
	Address         string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	MaxBodyBytes    int64
	AllowedOrigins  []string
	// ExposeMetrics 为 true 时在主服务上提供 /metrics。
	ExposeMetrics bool
}

// Dependencies 是服务依赖的组件，Gate、Limiter 与 Auth 可以为空。
type Dependencies struct {
	Dispatcher *jsonrpc.Dispatcher
	Manager    *task.Manager
	Registry   *task.Registry
	Pricing    *payment.Pricing
	Ledger     *payment.Ledger
	Gate       *payment.Gate
	Limiter    *ratelimit.Limiter
	ClientID   ratelimit.ClientFunc
	Auth       *auth.Service
}

// Server 负责暴露 JSON-RPC 与查询接口。
type Server struct {
	opts    Options
	deps    Dependencies
	handler http.Handler
	logger  *slog.Logger
}

// NewServer 构造 API 服务实例并组装中间件链。
func NewServer(opts Options, deps Dependencies) (*Server, error) {
	if deps.Dispatcher == nil || deps.Manager == nil || deps.Registry == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "API 服务缺少 Dispatcher、Manager 或 Registry")
	}
	if deps.Ledger == nil || deps.Pricing == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "API 服务缺少账本或定价表")
	}
	if opts.Address == "" {
		opts.Address = ":8080"
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 5 * time.Second
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = jsonrpc.DefaultMaxBodyBytes
	}
	s := &Server{opts: opts, deps: deps, logger: logger.Named("api")}
	s.handler = s.routes()
	return s, nil
}

// Handler 返回完整的 HTTP 处理器。
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	rpc := s.rpcChain(s.deps.Dispatcher)
	mux.Handle("POST /rpc", instrument("rpc", rpc))
	mux.Handle("POST /rpc/{skill...}", instrument("rpc", rpc))

	reports := s.authenticate("reports.read")
	mux.Handle("GET /v1/receipts", instrument("receipts", reports(http.HandlerFunc(s.handleReceipts))))
	mux.Handle("GET /v1/receipts/{id}", instrument("receipt", reports(http.HandlerFunc(s.handleReceipt))))
	mux.Handle("GET /v1/revenue", instrument("revenue", reports(http.HandlerFunc(s.handleRevenue))))
	mux.Handle("GET /v1/tasks/stats", instrument("task_stats", reports(http.HandlerFunc(s.handleTaskStats))))
	mux.Handle("GET /v1/routes", instrument("routes", http.HandlerFunc(s.handleRoutes)))
	mux.Handle("GET /healthz", http.HandlerFunc(s.handleHealth))
	if s.opts.ExposeMetrics {
		mux.Handle("GET /metrics", metrics.Handler())
	}

	var handler http.Handler = mux
	handler = limitBody(s.opts.MaxBodyBytes, handler)
	handler = recoverer(s.logger, handler)
	return cors.New(cors.Options{
		AllowedOrigins: s.opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization", payment.HeaderPayment},
		ExposedHeaders: []string{
			payment.HeaderPaymentResponse,
			payment.HeaderPaymentMode,
			ratelimit.HeaderLimit,
			ratelimit.HeaderRemaining,
			ratelimit.HeaderReset,
			ratelimit.HeaderRetryAfter,
		},
	}).Handler(handler)
}

// rpcChain 按 认证 → 限流 → 付款 → 分发 的顺序组装。
func (s *Server) rpcChain(next http.Handler) http.Handler {
	if s.deps.Gate != nil {
		next = s.deps.Gate.Middleware(next)
	}
	if s.deps.Limiter != nil {
		next = s.deps.Limiter.Middleware(s.deps.ClientID)(next)
	}
	return s.authenticate("tasks.write")(next)
}

func (s *Server) authenticate(scope string) func(http.Handler) http.Handler {
	if s.deps.Auth == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return s.deps.Auth.Middleware(auth.MiddlewareConfig{
		RequiredScopes: map[string][]string{"*": {scope}},
		AuditEvent:     scope,
	})
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.opts.Address,
		Handler:           withContext(ctx, s.handler),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.opts.ReadTimeout,
		WriteTimeout:      s.opts.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		s.logger.Info("API 服务启动", slog.String("address", s.opts.Address))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("API 服务关闭超时", slog.Any("error", err))
		}
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
