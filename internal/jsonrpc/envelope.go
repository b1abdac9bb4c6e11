package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Version 是唯一支持的协议版本。
const Version = "2.0"

// 标准错误码与任务相关的扩展错误码。
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	CodeServerError       = -32000
	CodeTaskNotFound      = -32001
	CodeTaskNotModifiable = -32002
	CodeTaskBusy          = -32003
	CodeSkillNotFound     = -32004
)

var nullID = json.RawMessage("null")

// Request 是 JSON-RPC 请求信封。
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response 是 JSON-RPC 响应信封，Result 与 Error 互斥。
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error 是 JSON-RPC 错误对象。
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error 实现 error 接口。
func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc %d: %s", e.Code, e.Message)
}

// NewError 构造错误对象。
func NewError(code int, message string, data any) *Error {
	return &Error{Code: code, Message: message, Data: data}
}

// InvalidParams 构造参数错误。
func InvalidParams(reason string) *Error {
	return NewError(CodeInvalidParams, "Invalid params", map[string]string{"reason": reason})
}

func success(id json.RawMessage, result any) *Response {
	return &Response{JSONRPC: Version, ID: normalizeID(id), Result: result}
}

func failure(id json.RawMessage, err *Error) *Response {
	return &Response{JSONRPC: Version, ID: normalizeID(id), Error: err}
}

func normalizeID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return nullID
	}
	return id
}

// validID 只接受字符串、数字或 null。
func validID(id json.RawMessage) bool {
	if len(id) == 0 {
		return true
	}
	switch id[0] {
	case '"':
		var s string
		return json.Unmarshal(id, &s) == nil
	case 'n':
		return bytes.Equal(id, nullID)
	default:
		var n json.Number
		return json.Unmarshal(id, &n) == nil
	}
}

// parse 解析请求信封。返回的 id 在信封损坏但 id 可识别时仍然有效。
func parse(body []byte) (*Request, json.RawMessage, *Error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || !json.Valid(trimmed) {
		return nil, nil, NewError(CodeParseError, "Parse error", nil)
	}
	if trimmed[0] == '[' {
		return nil, nil, NewError(CodeInvalidRequest, "Invalid Request", map[string]string{"reason": "batch requests are not supported"})
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, nil, NewError(CodeInvalidRequest, "Invalid Request", map[string]string{"reason": "request must be an object"})
	}

	id := fields["id"]
	if !validID(id) {
		return nil, nil, NewError(CodeInvalidRequest, "Invalid Request", map[string]string{"reason": "id must be a string, number or null"})
	}

	var req Request
	if err := json.Unmarshal(trimmed, &req); err != nil {
		return nil, id, NewError(CodeInvalidRequest, "Invalid Request", map[string]string{"reason": err.Error()})
	}
	if req.JSONRPC != Version {
		return nil, id, NewError(CodeInvalidRequest, "Invalid Request", map[string]string{"reason": `jsonrpc must be "2.0"`})
	}
	if req.Method == "" {
		return nil, id, NewError(CodeInvalidRequest, "Invalid Request", map[string]string{"reason": "method is required"})
	}
	return &req, id, nil
}

// Preview 是请求在完整解析之前可读取的路由信息。
type Preview struct {
	Method string
	TaskID string
	Skill  string
}

// Peek 在不完整解析的前提下读取 method、params.id 与 params.skill（或 params.type）。
// 解析失败时返回零值。
func Peek(body []byte) Preview {
	var envelope struct {
		Method string `json:"method"`
		Params struct {
			ID    string `json:"id"`
			Skill string `json:"skill"`
			Type  string `json:"type"`
		} `json:"params"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return Preview{}
	}
	return Preview{
		Method: envelope.Method,
		TaskID: envelope.Params.ID,
		Skill:  firstNonEmpty(envelope.Params.Skill, envelope.Params.Type),
	}
}
