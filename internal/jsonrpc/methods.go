package jsonrpc

import (
	"context"
	"encoding/json"
	"strings"

	xerrors "A2A-PayGate/internal/errors"
	"A2A-PayGate/internal/task"
)

// 任务相关的方法名。
const (
	MethodTasksSend   = "tasks/send"
	MethodTasksGet    = "tasks/get"
	MethodTasksCancel = "tasks/cancel"
)

// SendParams 是 tasks/send 的参数。
type SendParams struct {
	ID            string         `json:"id,omitempty"`
	SessionID     string         `json:"sessionId,omitempty"`
	Skill         string         `json:"skill,omitempty"`
	Type          string         `json:"type,omitempty"`
	Message       *task.Message  `json:"message"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	HistoryLength int            `json:"historyLength,omitempty"`
}

// QueryParams 是 tasks/get 的参数。
type QueryParams struct {
	ID            string `json:"id"`
	HistoryLength int    `json:"historyLength,omitempty"`
}

// IDParams 是 tasks/cancel 的参数。
type IDParams struct {
	ID string `json:"id"`
}

// TaskMethods 将任务管理器暴露为 JSON-RPC 方法。
type TaskMethods struct {
	Manager  *task.Manager
	Registry *task.Registry
	// Annotate 可选，返回需要写入任务元数据的请求上下文信息（例如付款方）。
	Annotate func(ctx context.Context) map[string]any
	// MaxHistory 为调用方未指定 historyLength 时返回的历史条数上限，0 表示不限制。
	MaxHistory int
}

// Register 将 tasks/send、tasks/get、tasks/cancel 注册到 Dispatcher。
func (m *TaskMethods) Register(d *Dispatcher) error {
	if m.Manager == nil || m.Registry == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "任务方法缺少 Manager 或 Registry")
	}
	for name, fn := range map[string]MethodFunc{
		MethodTasksSend:   m.send,
		MethodTasksGet:    m.get,
		MethodTasksCancel: m.cancel,
	} {
		if err := d.Register(name, fn); err != nil {
			return err
		}
	}
	return nil
}

func decodeParams(raw json.RawMessage, out any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return InvalidParams("params are required")
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return InvalidParams(err.Error())
	}
	return nil
}

func (m *TaskMethods) send(ctx context.Context, raw json.RawMessage) (any, error) {
	var params SendParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	if params.Message == nil {
		return nil, InvalidParams("message is required")
	}
	if params.HistoryLength < 0 {
		return nil, InvalidParams("historyLength must not be negative")
	}

	skill := firstNonEmpty(params.Skill, params.Type, RouteSkill(ctx))
	taskID := strings.TrimSpace(params.ID)
	if skill == "" && taskID != "" {
		if existing, err := m.Manager.Get(ctx, taskID, 0); err == nil {
			skill = existing.Skill
		}
	}
	name, handler, err := m.Registry.Lookup(skill)
	if err != nil {
		return nil, err
	}

	metadata := params.Metadata
	if m.Annotate != nil {
		if extra := m.Annotate(ctx); len(extra) > 0 {
			merged := make(map[string]any, len(metadata)+len(extra))
			for k, v := range metadata {
				merged[k] = v
			}
			for k, v := range extra {
				merged[k] = v
			}
			metadata = merged
		}
	}

	current, err := m.Manager.CreateOrContinue(ctx, taskID, name, *params.Message,
		task.InSession(params.SessionID),
		task.WithTaskMetadata(metadata),
	)
	if err != nil {
		return nil, err
	}
	result, err := m.Manager.RunHandler(ctx, current.ID, handler)
	if err != nil {
		return nil, err
	}
	result.TrimHistory(m.historyLength(params.HistoryLength))
	return result, nil
}

func (m *TaskMethods) get(ctx context.Context, raw json.RawMessage) (any, error) {
	var params QueryParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	if strings.TrimSpace(params.ID) == "" {
		return nil, InvalidParams("id is required")
	}
	if params.HistoryLength < 0 {
		return nil, InvalidParams("historyLength must not be negative")
	}
	return m.Manager.Get(ctx, params.ID, m.historyLength(params.HistoryLength))
}

func (m *TaskMethods) historyLength(requested int) int {
	if requested > 0 || m.MaxHistory <= 0 {
		return requested
	}
	return m.MaxHistory
}

func (m *TaskMethods) cancel(ctx context.Context, raw json.RawMessage) (any, error) {
	var params IDParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	if strings.TrimSpace(params.ID) == "" {
		return nil, InvalidParams("id is required")
	}
	return m.Manager.Cancel(ctx, params.ID)
}

type routeSkillKey struct{}

// WithRouteSkill 记录从 HTTP 路径解析出的技能名。
func WithRouteSkill(ctx context.Context, skill string) context.Context {
	return context.WithValue(ctx, routeSkillKey{}, skill)
}

// RouteSkill 返回 HTTP 路径中的技能名。
func RouteSkill(ctx context.Context) string {
	skill, _ := ctx.Value(routeSkillKey{}).(string)
	return skill
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
