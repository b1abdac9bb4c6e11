package auth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	loggerpkg "A2A-PayGate/pkg/logger"
)

// MiddlewareConfig 配置身份认证中间件的行为。
type MiddlewareConfig struct {
	// RequiredScopes 定义每个 HTTP 方法所需的权限范围，"*" 匹配所有方法。
	RequiredScopes map[string][]string
	// AuditEvent 指定记录审计日志时使用的事件名称。
	AuditEvent string
}

// Middleware 返回一个 HTTP 中间件，用于处理身份认证和授权。
func (s *Service) Middleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s == nil || s.mode == ModeDisabled {
				next.ServeHTTP(w, r)
				return
			}
			logger := s.audit
			if logger == nil {
				logger = loggerpkg.Audit()
			}

			subject, err := s.AuthenticateRequest(r.Context(), r.Header.Get("Authorization"))
			if errors.Is(err, ErrMissingToken) && !s.required {
				// 匿名请求按网络地址限流。
				next.ServeHTTP(w, r)
				return
			}
			if err != nil {
				status := http.StatusUnauthorized
				if errors.Is(err, ErrSubjectRevoked) {
					status = http.StatusForbidden
				}
				writeError(w, status, err)
				logger.Warn("access_denied",
					slog.String("path", r.URL.Path),
					slog.String("method", r.Method),
					slog.Int("status", status),
					slog.String("error", err.Error()),
				)
				return
			}

			scopes := cfg.RequiredScopes[r.Method]
			if len(scopes) == 0 {
				scopes = cfg.RequiredScopes["*"]
			}
			if err := subject.Authorize(scopes...); err != nil {
				writeError(w, http.StatusForbidden, err)
				logger.Warn("permission_denied",
					slog.String("path", r.URL.Path),
					slog.String("method", r.Method),
					slog.String("agent", subject.Agent),
					slog.String("error", err.Error()),
				)
				return
			}

			start := time.Now()
			aw := &auditWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(aw, r.WithContext(WithSubject(r.Context(), subject)))
			event := cfg.AuditEvent
			if event == "" {
				event = r.URL.Path
			}
			logger.Info("api_request",
				slog.String("event", event),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", aw.status),
				slog.Int64("duration_ms", time.Since(start).Milliseconds()),
				slog.String("agent", subject.Agent),
			)
		})
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="paygate"`)
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

// auditWriter 是一个包装了 http.ResponseWriter 的结构体，用于捕获响应状态码。
type auditWriter struct {
	http.ResponseWriter
	status int
}

// WriteHeader 捕获响应状态码并调用底层的 WriteHeader 方法。
func (w *auditWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
