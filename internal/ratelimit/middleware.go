package ratelimit

import (
	"encoding/json"
	"log/slog"
	"math"
	"net/http"
	"strconv"
)

const (
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderRetryAfter = "Retry-After"
)

// ClientFunc 从请求中解析限流主体。
type ClientFunc func(r *http.Request) Client

// ByID 将只返回标识的函数适配为 ClientFunc。
func ByID(fn func(r *http.Request) string) ClientFunc {
	return func(r *http.Request) Client {
		return Client{ID: fn(r)}
	}
}

// deniedResponse 是 429 响应体。
type deniedResponse struct {
	Error      string `json:"error"`
	Code       string `json:"code"`
	Limit      int    `json:"limit"`
	RetryAfter int64  `json:"retryAfter"`
	Reset      int64  `json:"reset"`
}

// Middleware 对每个请求执行准入判断，并在所有响应上写入限流头。
func (l *Limiter) Middleware(resolve ClientFunc) func(http.Handler) http.Handler {
	if resolve == nil {
		resolver := &ClientResolver{}
		resolve = resolver.Resolve
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			client := resolve(r)
			id := client.ID
			d := l.AdmitClient(r.Context(), client)

			h := w.Header()
			h.Set(HeaderLimit, strconv.Itoa(d.Limit))
			h.Set(HeaderRemaining, strconv.Itoa(d.Remaining))
			h.Set(HeaderReset, strconv.FormatInt(d.ResetAt.Unix(), 10))

			if d.Allowed {
				next.ServeHTTP(w, r)
				return
			}

			retry := RetryAfterSeconds(d)
			h.Set(HeaderRetryAfter, strconv.FormatInt(retry, 10))
			h.Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(deniedResponse{
				Error:      "rate limit exceeded",
				Code:       string(CodeRateLimited),
				Limit:      d.Limit,
				RetryAfter: retry,
				Reset:      d.ResetAt.Unix(),
			})
			l.logger.Debug("请求被限流", slog.String("client", id), slog.Int("limit", d.Limit), slog.Int64("retry_after", retry))
		})
	}
}

// RetryAfterSeconds 将等待时间向上取整为秒，至少为 1。
func RetryAfterSeconds(d Decision) int64 {
	secs := int64(math.Ceil(d.RetryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}
