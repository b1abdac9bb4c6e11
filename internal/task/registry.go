package task

import (
	"context"
	"sort"
	"strings"
	"sync"

	xerrors "A2A-PayGate/internal/errors"
)

// Request 是交给处理器的任务快照。
type Request struct {
	TaskID    string
	SessionID string
	Skill     string
	Message   Message
	History   []Message
	Metadata  map[string]any
}

// Outcome 是处理器声明的执行结果。
type Outcome struct {
	State     State
	Artifacts []Artifact
	// Message 可选，处理器给调用方的回复，会写入历史。
	Message *Message
	Reason  string
}

// Completed 声明任务完成并附带产物。
func Completed(artifacts ...Artifact) Outcome {
	return Outcome{State: StateCompleted, Artifacts: artifacts}
}

// Failed 声明任务失败。
func Failed(reason string) Outcome {
	return Outcome{State: StateFailed, Reason: reason}
}

// InputRequired 声明任务需要调用方补充输入。
func InputRequired(prompt string) Outcome {
	return Outcome{State: StateInputRequired, Reason: prompt}
}

// WithMessage 附带一条处理器回复。
func (o Outcome) WithMessage(msg Message) Outcome {
	o.Message = &msg
	return o
}

// Handler 处理某个技能的任务。返回错误等价于 Failed(err.Error())。
type Handler func(ctx context.Context, req Request) (Outcome, error)

// HandlerFunc 将不返回错误的函数适配为 Handler。
func HandlerFunc(fn func(ctx context.Context, req Request) Outcome) Handler {
	return func(ctx context.Context, req Request) (Outcome, error) {
		return fn(ctx, req), nil
	}
}

// NormalizeSkill 统一技能名：去空白、去首尾斜杠、转小写。
func NormalizeSkill(skill string) string {
	return strings.ToLower(strings.Trim(strings.TrimSpace(skill), "/"))
}

// Registry 维护技能到处理器的映射，注册时即完成校验。
type Registry struct {
	mu           sync.RWMutex
	handlers     map[string]Handler
	defaultSkill string
}

// NewRegistry 创建空的处理器注册表。
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register 注册技能处理器，名称为空、处理器为空或重复注册都会返回错误。
func (r *Registry) Register(skill string, handler Handler) error {
	name := NormalizeSkill(skill)
	if name == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "技能名称不能为空")
	}
	if handler == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "处理器不能为空", xerrors.WithMetadata("skill", name))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[name]; exists {
		return xerrors.New(xerrors.CodeConflict, "技能已注册", xerrors.WithMetadata("skill", name))
	}
	r.handlers[name] = handler
	return nil
}

// MustRegister 与 Register 相同，失败时 panic，适合在启动阶段使用。
func (r *Registry) MustRegister(skill string, handler Handler) {
	if err := r.Register(skill, handler); err != nil {
		panic(err)
	}
}

// SetDefault 指定未提供技能时使用的处理器，技能必须已注册。
func (r *Registry) SetDefault(skill string) error {
	name := NormalizeSkill(skill)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[name]; !ok {
		return xerrors.Wrap(CodeSkillNotFound, ErrSkillNotFound, "默认技能未注册", xerrors.WithMetadata("skill", name))
	}
	r.defaultSkill = name
	return nil
}

// Lookup 返回技能对应的处理器以及规范化后的技能名。
func (r *Registry) Lookup(skill string) (string, Handler, error) {
	name := NormalizeSkill(skill)
	r.mu.RLock()
	defer r.mu.RUnlock()
	if name == "" {
		name = r.defaultSkill
	}
	handler, ok := r.handlers[name]
	if !ok {
		return name, nil, xerrors.New(CodeSkillNotFound, "未找到技能处理器", xerrors.WithMetadata("skill", name))
	}
	return name, handler, nil
}

// Skills 返回已注册的技能名称，按字典序排列。
func (r *Registry) Skills() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	skills := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		skills = append(skills, name)
	}
	sort.Strings(skills)
	return skills
}
