package task

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "A2A-PayGate/internal/errors"
	"A2A-PayGate/internal/events"
	"A2A-PayGate/internal/observability/metrics"
	"A2A-PayGate/pkg/logger"
)

const (
	defaultHandlerTimeout = time.Minute
	publishTimeout        = 2 * time.Second
)

// errNoop 用于在 Update 回调中放弃写入且不视为失败。
var errNoop = stdErrors.New("noop")

// Manager 持有任务状态机，负责创建、推进和取消任务。
type Manager struct {
	store          Store
	publisher      events.Publisher
	logger         *slog.Logger
	handlerTimeout time.Duration

	busyMu sync.Mutex
	busy   map[string]struct{}
}

// Option 定义 Manager 的可选配置。
type Option func(*Manager)

// WithPublisher 配置状态变更事件的发布器。
func WithPublisher(publisher events.Publisher) Option {
	return func(m *Manager) {
		m.publisher = publisher
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithHandlerTimeout 设置单次处理器调用的超时时间。
func WithHandlerTimeout(timeout time.Duration) Option {
	return func(m *Manager) {
		if timeout > 0 {
			m.handlerTimeout = timeout
		}
	}
}

// NewManager 构造任务管理器，store 为空时使用内存存储。
func NewManager(store Store, opts ...Option) *Manager {
	if store == nil {
		store = NewMemoryStore()
	}
	m := &Manager{
		store:          store,
		logger:         logger.Named("task"),
		handlerTimeout: defaultHandlerTimeout,
		busy:           make(map[string]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// CreateOption 定义创建任务时的附加属性。
type CreateOption func(*createSettings)

type createSettings struct {
	sessionID string
	metadata  map[string]any
}

// InSession 指定任务所属的会话。
func InSession(sessionID string) CreateOption {
	return func(s *createSettings) {
		s.sessionID = strings.TrimSpace(sessionID)
	}
}

// WithTaskMetadata 附加任务级元数据，已有任务会合并新键。
func WithTaskMetadata(metadata map[string]any) CreateOption {
	return func(s *createSettings) {
		s.metadata = metadata
	}
}

// CreateOrContinue 创建新任务或向已有任务追加消息。
// taskID 为空时分配新 ID；已有任务处于 input-required 时回到 working；终态任务返回 ErrTaskNotModifiable。
func (m *Manager) CreateOrContinue(ctx context.Context, taskID, skill string, msg Message, opts ...CreateOption) (*Task, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	settings := createSettings{}
	for _, opt := range opts {
		if opt != nil {
			opt(&settings)
		}
	}

	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return m.create(ctx, uuid.NewString(), skill, msg, settings)
	}
	if !m.acquire(taskID) {
		return nil, ErrTaskBusy
	}
	defer m.release(taskID)

	var from State
	task, err := m.store.Update(ctx, taskID, func(t *Task) error {
		from = t.Status.State
		if from.Terminal() {
			return notModifiable(t)
		}
		t.Message = cloneMessage(msg)
		t.History = append(t.History, cloneMessage(msg))
		if t.Skill == "" {
			t.Skill = NormalizeSkill(skill)
		}
		if t.SessionID == "" {
			t.SessionID = settings.sessionID
		}
		for k, v := range settings.metadata {
			if t.Metadata == nil {
				t.Metadata = make(map[string]any, len(settings.metadata))
			}
			t.Metadata[k] = v
		}
		if from == StateInputRequired {
			t.Status = Status{State: StateWorking, Timestamp: time.Now().UTC()}
		}
		return nil
	})
	if stdErrors.Is(err, ErrTaskNotFound) {
		return m.create(ctx, taskID, skill, msg, settings)
	}
	if err != nil {
		return nil, err
	}
	if from == StateInputRequired {
		m.transitioned(ctx, task, from)
	}
	return task, nil
}

func (m *Manager) create(ctx context.Context, id, skill string, msg Message, settings createSettings) (*Task, error) {
	now := time.Now().UTC()
	task := &Task{
		ID:        id,
		SessionID: settings.sessionID,
		Skill:     NormalizeSkill(skill),
		Status:    Status{State: StateSubmitted, Timestamp: now},
		Message:   cloneMessage(msg),
		History:   []Message{cloneMessage(msg)},
		Metadata:  cloneMetadata(settings.metadata),
		CreatedAt: now,
	}
	if task.SessionID == "" {
		task.SessionID = uuid.NewString()
	}
	if err := m.store.Create(ctx, task); err != nil {
		if xerrors.CodeOf(err) == xerrors.CodeConflict {
			return nil, ErrTaskBusy
		}
		return nil, err
	}
	m.transitioned(ctx, task, "")
	return cloneTask(task), nil
}

// Get 返回任务，historyLength > 0 时只保留最近的历史。
func (m *Manager) Get(ctx context.Context, id string, historyLength int) (*Task, error) {
	task, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	task.TrimHistory(historyLength)
	return task, nil
}

// Cancel 将非终态任务置为 canceled；终态任务原样返回。
// 正在运行的处理器不会被中断，其结果到达后只写入历史。
func (m *Manager) Cancel(ctx context.Context, id string) (*Task, error) {
	var from State
	task, err := m.store.Update(ctx, id, func(t *Task) error {
		from = t.Status.State
		if from.Terminal() {
			return errNoop
		}
		t.Status = Status{State: StateCanceled, Timestamp: time.Now().UTC()}
		return nil
	})
	if stdErrors.Is(err, errNoop) {
		return task, nil
	}
	if err != nil {
		return nil, err
	}
	m.transitioned(ctx, task, from)
	logger.Audit().Info("任务已取消",
		slog.String("task_id", task.ID),
		slog.String("skill", task.Skill),
		slog.String("previous_state", string(from)),
	)
	return task, nil
}

// RunHandler 将任务推进到 working 并同步执行处理器，返回应用结果后的任务。
// 同一任务的并发调用返回 ErrTaskBusy。处于 input-required 的任务须先经
// CreateOrContinue 提交新消息，否则返回 ErrTaskNotModifiable。
func (m *Manager) RunHandler(ctx context.Context, id string, handler Handler) (*Task, error) {
	if handler == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "处理器不能为空")
	}
	if !m.acquire(id) {
		return nil, ErrTaskBusy
	}
	defer m.release(id)

	var from State
	task, err := m.store.Update(ctx, id, func(t *Task) error {
		from = t.Status.State
		if from.Terminal() {
			return notModifiable(t)
		}
		if from == StateInputRequired {
			return awaitingInput(t)
		}
		if from != StateWorking {
			t.Status = Status{State: StateWorking, Timestamp: time.Now().UTC()}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if from != StateWorking {
		m.transitioned(ctx, task, from)
	}

	// 调用方断开连接不应让任务失败，处理器只受自身超时约束。
	detached := context.WithoutCancel(ctx)
	outcome := m.invoke(detached, handler, Request{
		TaskID:    task.ID,
		SessionID: task.SessionID,
		Skill:     task.Skill,
		Message:   task.Message,
		History:   task.History,
		Metadata:  task.Metadata,
	})

	late := false
	final, err := m.store.Update(detached, id, func(t *Task) error {
		from = t.Status.State
		if from.Terminal() {
			late = true
			t.History = append(t.History, lateRecord(outcome))
			return nil
		}
		applyOutcome(t, outcome)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if late {
		m.logger.Info("任务已取消，处理器结果仅记录在历史中",
			slog.String("task_id", id),
			slog.String("outcome", string(outcome.State)),
		)
		return final, nil
	}
	m.transitioned(detached, final, from)
	if outcome.State == StateFailed {
		logger.Audit().Warn("任务执行失败",
			slog.String("task_id", id),
			slog.String("skill", final.Skill),
			slog.String("error_code", string(CodeHandlerFailure)),
			slog.String("reason", outcome.Reason),
		)
	}
	return final, nil
}

func (m *Manager) invoke(ctx context.Context, handler Handler, req Request) Outcome {
	hctx, cancel := context.WithTimeout(ctx, m.handlerTimeout)
	defer cancel()

	done := make(chan Outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				m.logger.Error("任务处理器 panic",
					slog.String("task_id", req.TaskID),
					slog.String("skill", req.Skill),
					slog.Any("panic", r),
				)
				done <- Failed(fmt.Sprintf("handler panic: %v", r))
			}
		}()
		outcome, err := handler(hctx, req)
		if err != nil {
			wrapped := xerrors.Wrap(CodeHandlerFailure, err, "任务处理器返回错误")
			m.logger.Warn("任务处理器返回错误", slog.String("task_id", req.TaskID), slog.Any("error", wrapped))
			done <- Failed(err.Error())
			return
		}
		done <- normalizeOutcome(outcome)
	}()

	select {
	case outcome := <-done:
		return outcome
	case <-hctx.Done():
		m.logger.Warn("任务处理器超时", slog.String("task_id", req.TaskID), slog.Duration("timeout", m.handlerTimeout))
		return Failed("handler timed out")
	}
}

func normalizeOutcome(outcome Outcome) Outcome {
	switch outcome.State {
	case StateCompleted, StateFailed, StateInputRequired:
		return outcome
	default:
		return Failed(fmt.Sprintf("handler returned unsupported state %q", outcome.State))
	}
}

func replyFor(outcome Outcome) Message {
	if outcome.Message != nil {
		msg := cloneMessage(*outcome.Message)
		if msg.Role == "" {
			msg.Role = RoleAgent
		}
		return msg
	}
	if outcome.State == StateCompleted {
		var parts []Part
		for _, artifact := range outcome.Artifacts {
			parts = append(parts, cloneParts(artifact.Parts)...)
		}
		if len(parts) > 0 {
			return Message{Role: RoleAgent, Parts: parts}
		}
		return AgentText("completed")
	}
	return AgentText(outcome.Reason)
}

func applyOutcome(t *Task, outcome Outcome) {
	reply := replyFor(outcome)
	if outcome.State == StateCompleted {
		base := len(t.Artifacts)
		for i, artifact := range outcome.Artifacts {
			artifact.Index = base + i
			artifact.Parts = cloneParts(artifact.Parts)
			artifact.Metadata = cloneMetadata(artifact.Metadata)
			t.Artifacts = append(t.Artifacts, artifact)
		}
	}
	status := cloneMessage(reply)
	t.Status = Status{State: outcome.State, Message: &status, Timestamp: time.Now().UTC()}
	t.History = append(t.History, reply)
}

func lateRecord(outcome Outcome) Message {
	msg := replyFor(outcome)
	if msg.Metadata == nil {
		msg.Metadata = make(map[string]any, 2)
	}
	msg.Metadata["late"] = true
	msg.Metadata["outcome"] = string(outcome.State)
	return msg
}

func notModifiable(t *Task) error {
	return xerrors.New(CodeTaskNotModifiable, "任务已处于终态，不能再变更",
		xerrors.WithMetadata("task_id", t.ID),
		xerrors.WithMetadata("state", string(t.Status.State)),
	)
}

func awaitingInput(t *Task) error {
	return xerrors.New(CodeTaskNotModifiable, "任务等待输入，需先提交新消息",
		xerrors.WithMetadata("task_id", t.ID),
		xerrors.WithMetadata("state", string(t.Status.State)),
	)
}

// List 返回符合过滤条件的任务列表。
func (m *Manager) List(ctx context.Context, opts ...ListOption) ([]*Task, error) {
	return m.store.List(ctx, BuildListOptions(opts...))
}

// Stats 返回符合过滤条件的任务统计信息。
func (m *Manager) Stats(ctx context.Context, opts ...ListOption) (TaskStats, error) {
	return m.store.Stats(ctx, BuildListOptions(opts...))
}

// Evict 删除最后更新早于 maxAge 的终态任务。
func (m *Manager) Evict(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, xerrors.New(xerrors.CodeInvalidArgument, "maxAge 必须为正数")
	}
	removed, err := m.store.PurgeTerminal(ctx, time.Now().UTC().Add(-maxAge))
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "清理过期任务失败")
	}
	if removed > 0 {
		m.logger.Info("已清理过期任务", slog.Int("removed", removed), slog.Duration("max_age", maxAge))
	}
	return removed, nil
}

// RunEvictor 按固定间隔清理过期任务，直到上下文取消。
func (m *Manager) RunEvictor(ctx context.Context, interval, maxAge time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := m.Evict(ctx, maxAge); err != nil {
				m.logger.Error("清理任务失败", slog.Any("error", err))
			}
		}
	}
}

// Close 释放资源。
func (m *Manager) Close() error {
	if m.store != nil {
		return m.store.Close()
	}
	return nil
}

func (m *Manager) acquire(id string) bool {
	m.busyMu.Lock()
	defer m.busyMu.Unlock()
	if _, held := m.busy[id]; held {
		return false
	}
	m.busy[id] = struct{}{}
	return true
}

func (m *Manager) release(id string) {
	m.busyMu.Lock()
	delete(m.busy, id)
	m.busyMu.Unlock()
}

type stateChange struct {
	TaskID string `json:"taskId"`
	Skill  string `json:"skill,omitempty"`
	From   State  `json:"from,omitempty"`
	To     State  `json:"to"`
}

func (m *Manager) transitioned(ctx context.Context, task *Task, from State) {
	to := task.Status.State
	metrics.ObserveTaskTransition(string(from), string(to))
	m.logger.Debug("任务状态变更",
		slog.String("task_id", task.ID),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
	)
	if m.publisher == nil {
		return
	}
	event, err := events.NewEvent(events.TypeTaskStateChanged, task.ID, stateChange{
		TaskID: task.ID,
		Skill:  task.Skill,
		From:   from,
		To:     to,
	})
	if err != nil {
		m.logger.Warn("构造任务事件失败", slog.Any("error", err))
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := m.publisher.Publish(pctx, event); err != nil {
		m.logger.Warn("发布任务事件失败",
			slog.String("task_id", task.ID),
			slog.Any("error", xerrors.Wrap(xerrors.CodePublishFailure, err, "publish task event")),
		)
	}
}
