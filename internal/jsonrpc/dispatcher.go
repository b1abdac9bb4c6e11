package jsonrpc

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	xerrors "A2A-PayGate/internal/errors"
	"A2A-PayGate/internal/observability/metrics"
	"A2A-PayGate/internal/task"
	"A2A-PayGate/pkg/logger"
)

// MethodFunc 处理一个 JSON-RPC 方法。返回的 error 会被翻译为协议错误对象。
type MethodFunc func(ctx context.Context, params json.RawMessage) (any, error)

// Dispatcher 根据方法名将请求路由到已注册的处理函数。
type Dispatcher struct {
	mu      sync.RWMutex
	methods map[string]MethodFunc
	logger  *slog.Logger
}

// Option 定义 Dispatcher 的可选配置。
type Option func(*Dispatcher)

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// NewDispatcher 创建空的方法表。
func NewDispatcher(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		methods: make(map[string]MethodFunc),
		logger:  logger.Named("jsonrpc"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Register 注册方法，名称为空、处理函数为空或重复注册均返回错误。
func (d *Dispatcher) Register(method string, fn MethodFunc) error {
	method = strings.TrimSpace(method)
	if method == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "方法名不能为空")
	}
	if fn == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "方法处理函数不能为空", xerrors.WithMetadata("method", method))
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.methods[method]; exists {
		return xerrors.New(xerrors.CodeConflict, "方法已注册", xerrors.WithMetadata("method", method))
	}
	d.methods[method] = fn
	return nil
}

// Methods 返回已注册的方法数量。
func (d *Dispatcher) Methods() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.methods)
}

// Handle 处理一条原始请求并总是返回响应。
func (d *Dispatcher) Handle(ctx context.Context, body []byte) *Response {
	req, id, perr := parse(body)
	if perr != nil {
		metrics.ObserveRPC("", perr.Code)
		d.logger.Debug("拒绝无效的 JSON-RPC 请求", slog.Int("code", perr.Code))
		return failure(id, perr)
	}

	d.mu.RLock()
	fn, ok := d.methods[req.Method]
	d.mu.RUnlock()
	if !ok {
		metrics.ObserveRPC(req.Method, CodeMethodNotFound)
		return failure(id, NewError(CodeMethodNotFound, "Method not found", map[string]string{"method": req.Method}))
	}

	result, err := d.invoke(ctx, req, fn)
	if err != nil {
		rpcErr := d.translate(req.Method, err)
		metrics.ObserveRPC(req.Method, rpcErr.Code)
		return failure(id, rpcErr)
	}
	metrics.ObserveRPC(req.Method, 0)
	return success(id, result)
}

func (d *Dispatcher) invoke(ctx context.Context, req *Request, fn MethodFunc) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("JSON-RPC 方法 panic", slog.String("method", req.Method), slog.Any("panic", r))
			result = nil
			err = NewError(CodeInternalError, "Internal error", map[string]string{"cause": fmt.Sprint(r)})
		}
	}()
	return fn(ctx, req.Params)
}

// translate 将内部错误映射为协议错误，不把原始错误类型泄漏给传输层。
func (d *Dispatcher) translate(method string, err error) *Error {
	var rpcErr *Error
	if stdErrors.As(err, &rpcErr) {
		return rpcErr
	}

	code := xerrors.CodeOf(err)
	data := map[string]any{"code": string(code)}
	if e, ok := xerrors.From(err); ok {
		for k, v := range e.Metadata() {
			data[k] = v
		}
	}

	switch code {
	case task.CodeTaskNotFound:
		return NewError(CodeTaskNotFound, "Task not found", data)
	case task.CodeTaskNotModifiable:
		return NewError(CodeTaskNotModifiable, "Task cannot be modified", data)
	case task.CodeTaskBusy:
		return NewError(CodeTaskBusy, "Task is busy, retry later", data)
	case task.CodeSkillNotFound:
		return NewError(CodeSkillNotFound, "Skill not found", data)
	case task.CodeTaskValidation, xerrors.CodeInvalidArgument:
		data["reason"] = messageOf(err)
		return NewError(CodeInvalidParams, "Invalid params", data)
	}

	data["cause"] = rootCause(err).Error()
	d.logger.Error("JSON-RPC 方法执行失败",
		slog.String("method", method),
		slog.String("error_code", string(code)),
		slog.Any("error", err),
	)
	return NewError(CodeServerError, messageOf(err), data)
}

func messageOf(err error) string {
	if e, ok := xerrors.From(err); ok && e.Message() != "" {
		return e.Message()
	}
	return "Server error"
}

func rootCause(err error) error {
	for {
		next := stdErrors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
}
