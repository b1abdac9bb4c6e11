package task

import (
	"time"

	xerrors "A2A-PayGate/internal/errors"
)

// State 表示任务在生命周期中的状态。
type State string

const (
	StateSubmitted     State = "submitted"
	StateWorking       State = "working"
	StateInputRequired State = "input-required"
	StateCompleted     State = "completed"
	StateFailed        State = "failed"
	StateCanceled      State = "canceled"
)

// Terminal 判断状态是否为终态。
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCanceled:
		return true
	default:
		return false
	}
}

// IsValidState 检查给定的任务状态是否为支持的枚举值。
func IsValidState(state State) bool {
	switch state {
	case StateSubmitted, StateWorking, StateInputRequired, StateCompleted, StateFailed, StateCanceled:
		return true
	default:
		return false
	}
}

// transitions 列出允许的状态迁移，终态没有出边。
var transitions = map[State][]State{
	StateSubmitted:     {StateWorking, StateCanceled},
	StateWorking:       {StateCompleted, StateFailed, StateInputRequired, StateCanceled},
	StateInputRequired: {StateWorking, StateCanceled},
}

// CanTransition 判断 from → to 是否为合法迁移。
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Role 标识消息的发送方。
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// PartType 区分消息片段的类型。
type PartType string

const (
	PartText PartType = "text"
	PartData PartType = "data"
	PartFile PartType = "file"
)

// FileContent 描述文件片段，内容与 URI 二选一。
type FileContent struct {
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Bytes    string `json:"bytes,omitempty"`
	URI      string `json:"uri,omitempty"`
}

// Part 是消息或产物中的一个片段。
type Part struct {
	Type     PartType       `json:"type"`
	Text     string         `json:"text,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
	File     *FileContent   `json:"file,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// TextPart 构造文本片段。
func TextPart(text string) Part {
	return Part{Type: PartText, Text: text}
}

// DataPart 构造结构化数据片段。
func DataPart(data map[string]any) Part {
	return Part{Type: PartData, Data: data}
}

// Message 是调用方与处理器之间交换的一条消息。
type Message struct {
	Role     Role           `json:"role"`
	Parts    []Part         `json:"parts"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Validate 检查消息是否可以被接受。
func (m Message) Validate() error {
	if m.Role != RoleUser && m.Role != RoleAgent {
		return xerrors.New(CodeTaskValidation, "消息 role 必须为 user 或 agent")
	}
	if len(m.Parts) == 0 {
		return xerrors.New(CodeTaskValidation, "消息至少需要一个片段")
	}
	for _, part := range m.Parts {
		switch part.Type {
		case PartText, PartData:
		case PartFile:
			if part.File == nil || (part.File.Bytes == "" && part.File.URI == "") {
				return xerrors.New(CodeTaskValidation, "文件片段缺少内容")
			}
		default:
			return xerrors.New(CodeTaskValidation, "不支持的片段类型: "+string(part.Type))
		}
	}
	return nil
}

// AgentText 构造处理器发出的文本消息。
func AgentText(text string) Message {
	return Message{Role: RoleAgent, Parts: []Part{TextPart(text)}}
}

// Artifact 是处理器产出的结果，按追加顺序编号。
type Artifact struct {
	Name        string         `json:"name,omitempty"`
	Description string         `json:"description,omitempty"`
	Parts       []Part         `json:"parts"`
	Index       int            `json:"index"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Status 描述任务当前所处的状态及附带消息。
type Status struct {
	State     State     `json:"state"`
	Message   *Message  `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Task 是一次调用方请求对应的工作单元。
type Task struct {
	ID        string         `json:"id"`
	SessionID string         `json:"sessionId,omitempty"`
	Skill     string         `json:"skill,omitempty"`
	Status    Status         `json:"status"`
	Message   Message        `json:"message"`
	Artifacts []Artifact     `json:"artifacts,omitempty"`
	History   []Message      `json:"history,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// State 返回任务当前状态。
func (t *Task) State() State {
	return t.Status.State
}

// TrimHistory 仅保留最近 n 条历史记录，n <= 0 时不做处理。
func (t *Task) TrimHistory(n int) {
	if n <= 0 || len(t.History) <= n {
		return
	}
	t.History = append([]Message(nil), t.History[len(t.History)-n:]...)
}

const (
	CodeTaskNotFound      xerrors.Code = "TASK_NOT_FOUND"
	CodeTaskNotModifiable xerrors.Code = "TASK_NOT_MODIFIABLE"
	CodeTaskBusy          xerrors.Code = "TASK_BUSY"
	CodeTaskValidation    xerrors.Code = "TASK_VALIDATION_FAILED"
	CodeSkillNotFound     xerrors.Code = "SKILL_NOT_FOUND"
	CodeHandlerFailure    xerrors.Code = "HANDLER_FAILURE"
)

var (
	// ErrTaskNotFound 表示指定的任务不存在。
	ErrTaskNotFound = xerrors.New(CodeTaskNotFound, "task not found")
	// ErrTaskNotModifiable 表示任务已处于终态。
	ErrTaskNotModifiable = xerrors.New(CodeTaskNotModifiable, "task is in a terminal state")
	// ErrTaskBusy 表示同一任务正在被其他请求处理。
	ErrTaskBusy = xerrors.New(CodeTaskBusy, "task is busy")
	// ErrSkillNotFound 表示没有为该技能注册处理器。
	ErrSkillNotFound = xerrors.New(CodeSkillNotFound, "skill not found")
)

func init() {
	xerrors.Register(CodeTaskNotFound, xerrors.Attributes{
		Message:  "task not found",
		Severity: xerrors.SeverityInfo,
		Category: xerrors.CategoryTask,
	})
	xerrors.Register(CodeTaskNotModifiable, xerrors.Attributes{
		Message:  "task is in a terminal state",
		Severity: xerrors.SeverityInfo,
		Category: xerrors.CategoryTask,
	})
	xerrors.Register(CodeTaskBusy, xerrors.Attributes{
		Message:   "task is busy",
		Severity:  xerrors.SeverityInfo,
		Category:  xerrors.CategoryTask,
		Retryable: true,
	})
	xerrors.Register(CodeTaskValidation, xerrors.Attributes{
		Message:  "task validation failed",
		Severity: xerrors.SeverityInfo,
		Category: xerrors.CategoryProtocol,
	})
	xerrors.Register(CodeSkillNotFound, xerrors.Attributes{
		Message:  "skill not found",
		Severity: xerrors.SeverityInfo,
		Category: xerrors.CategoryTask,
	})
	xerrors.Register(CodeHandlerFailure, xerrors.Attributes{
		Message:  "task handler failed",
		Severity: xerrors.SeverityWarning,
		Category: xerrors.CategoryHandler,
	})
}

func cloneMetadata(metadata map[string]any) map[string]any {
	if metadata == nil {
		return nil
	}
	cloned := make(map[string]any, len(metadata))
	for key, value := range metadata {
		cloned[key] = value
	}
	return cloned
}

func cloneParts(parts []Part) []Part {
	if parts == nil {
		return nil
	}
	out := make([]Part, len(parts))
	for i, part := range parts {
		out[i] = part
		out[i].Data = cloneMetadata(part.Data)
		out[i].Metadata = cloneMetadata(part.Metadata)
		if part.File != nil {
			file := *part.File
			out[i].File = &file
		}
	}
	return out
}

func cloneMessage(msg Message) Message {
	msg.Parts = cloneParts(msg.Parts)
	msg.Metadata = cloneMetadata(msg.Metadata)
	return msg
}

func cloneTask(task *Task) *Task {
	clone := *task
	clone.Message = cloneMessage(task.Message)
	if task.Status.Message != nil {
		msg := cloneMessage(*task.Status.Message)
		clone.Status.Message = &msg
	}
	if task.Artifacts != nil {
		clone.Artifacts = make([]Artifact, len(task.Artifacts))
		for i, artifact := range task.Artifacts {
			artifact.Parts = cloneParts(artifact.Parts)
			artifact.Metadata = cloneMetadata(artifact.Metadata)
			clone.Artifacts[i] = artifact
		}
	}
	if task.History != nil {
		clone.History = make([]Message, len(task.History))
		for i, msg := range task.History {
			clone.History[i] = cloneMessage(msg)
		}
	}
	clone.Metadata = cloneMetadata(task.Metadata)
	return &clone
}
