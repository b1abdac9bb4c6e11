package api

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"

	"A2A-PayGate/internal/auth"
	xerrors "A2A-PayGate/internal/errors"
	"A2A-PayGate/internal/jsonrpc"
	"A2A-PayGate/internal/payment"
	"A2A-PayGate/internal/task"
)

// RouteResolver 根据 JSON-RPC 请求体确定计费路由，计费路由即技能名。
type RouteResolver struct {
	registry *task.Registry
	manager  *task.Manager
	priced   map[string]struct{}
	maxBody  int64
}

// NewRouteResolver 创建路由解析器。pricedMethods 为空时只对 tasks/send 计费。
func NewRouteResolver(registry *task.Registry, manager *task.Manager, pricedMethods []string) *RouteResolver {
	if len(pricedMethods) == 0 {
		pricedMethods = []string{jsonrpc.MethodTasksSend}
	}
	priced := make(map[string]struct{}, len(pricedMethods))
	for _, method := range pricedMethods {
		if method = strings.TrimSpace(method); method != "" {
			priced[method] = struct{}{}
		}
	}
	return &RouteResolver{
		registry: registry,
		manager:  manager,
		priced:   priced,
		maxBody:  jsonrpc.DefaultMaxBodyBytes,
	}
}

// Option 返回可直接传给 payment.NewGate 的选项。
func (rr *RouteResolver) Option() payment.GateOption {
	return payment.WithRouteResolver(rr.Resolve)
}

// Resolve 读取请求体后原样放回，返回空字符串表示不计费。
func (rr *RouteResolver) Resolve(r *http.Request) (string, error) {
	if r.Body == nil {
		return "", nil
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, rr.maxBody+1))
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "读取请求体失败")
	}

	preview := jsonrpc.Peek(body)
	if _, ok := rr.priced[preview.Method]; !ok {
		return "", nil
	}
	skill := preview.Skill
	if strings.TrimSpace(skill) == "" {
		skill = r.PathValue("skill")
	}
	if strings.TrimSpace(skill) == "" && strings.TrimSpace(preview.TaskID) != "" && rr.manager != nil {
		if existing, err := rr.manager.Get(r.Context(), preview.TaskID, 0); err == nil {
			skill = existing.Skill
		}
	}
	if rr.registry != nil {
		if name, _, err := rr.registry.Lookup(skill); err == nil {
			skill = name
		}
	}
	return payment.NormalizeRoute(skill), nil
}

// NewTaskDispatcher 注册任务方法，并把付款与认证信息写入任务元数据。
// maxHistory 为返回任务时默认保留的历史条数，0 表示不限制。
func NewTaskDispatcher(manager *task.Manager, registry *task.Registry, maxHistory int, opts ...jsonrpc.Option) (*jsonrpc.Dispatcher, error) {
	dispatcher := jsonrpc.NewDispatcher(opts...)
	methods := &jsonrpc.TaskMethods{
		Manager:    manager,
		Registry:   registry,
		Annotate:   annotate,
		MaxHistory: maxHistory,
	}
	if err := methods.Register(dispatcher); err != nil {
		return nil, err
	}
	return dispatcher, nil
}

func annotate(ctx context.Context) map[string]any {
	out := make(map[string]any, 3)
	if receipt, ok := payment.ReceiptFrom(ctx); ok {
		out["paymentId"] = receipt.PaymentID
		out["payer"] = receipt.Payer
	}
	if agent, ok := auth.AgentFromContext(ctx); ok {
		out["agent"] = agent
	}
	return out
}
