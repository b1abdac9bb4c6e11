package paygate

import (
	"encoding/json"
	"fmt"
	"time"
)

// Header names used by the x402 exchange.
const (
	HeaderPayment         = "X-PAYMENT"
	HeaderPaymentResponse = "X-PAYMENT-RESPONSE"
	X402Version           = 1
)

// Part is one piece of a message: text, structured data or a file.
type Part struct {
	Type     string         `json:"type"`
	Text     string         `json:"text,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
	File     *File          `json:"file,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// File carries inline bytes or a URI.
type File struct {
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Bytes    string `json:"bytes,omitempty"`
	URI      string `json:"uri,omitempty"`
}

// Message is exchanged between the caller and a skill handler.
type Message struct {
	Role     string         `json:"role"`
	Parts    []Part         `json:"parts"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// UserText builds a single-part user message.
func UserText(text string) Message {
	return Message{Role: "user", Parts: []Part{{Type: "text", Text: text}}}
}

// Artifact is a result produced by a skill.
type Artifact struct {
	Name        string         `json:"name,omitempty"`
	Description string         `json:"description,omitempty"`
	Parts       []Part         `json:"parts"`
	Index       int            `json:"index"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Status is the current task state with an optional agent message.
type Status struct {
	State     string    `json:"state"`
	Message   *Message  `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Task mirrors the server's task representation.
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

// Terminal reports whether the task can no longer change.
func (t *Task) Terminal() bool {
	switch t.Status.State {
	case "completed", "failed", "canceled":
		return true
	}
	return false
}

// SendRequest is the tasks/send payload. Skill may be empty when continuing
// a task or when the server has a default skill.
type SendRequest struct {
	ID            string         `json:"id,omitempty"`
	SessionID     string         `json:"sessionId,omitempty"`
	Skill         string         `json:"skill,omitempty"`
	Message       Message        `json:"message"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	HistoryLength int            `json:"historyLength,omitempty"`
}

// Requirement is the body of a 402 Payment Required response.
type Requirement struct {
	Error       string `json:"error"`
	Code        string `json:"code"`
	Price       string `json:"price"`
	Amount      string `json:"amount"`
	Token       string `json:"token"`
	ChainID     int64  `json:"chainId"`
	Payee       string `json:"payee"`
	Route       string `json:"route"`
	X402Version int    `json:"x402Version"`
}

// Proof is the payload carried base64-encoded in the X-PAYMENT header.
type Proof struct {
	X402Version   int    `json:"x402Version"`
	PaymentID     string `json:"paymentId"`
	Payer         string `json:"payer"`
	Payee         string `json:"payee"`
	Amount        string `json:"amount"`
	Token         string `json:"token"`
	ChainID       int64  `json:"chainId"`
	ValidAfter    int64  `json:"validAfter,omitempty"`
	ValidBefore   int64  `json:"validBefore,omitempty"`
	Signature     string `json:"signature,omitempty"`
	SettlementRef string `json:"settlementRef,omitempty"`
}

// Settlement is the decoded X-PAYMENT-RESPONSE header.
type Settlement struct {
	Success     bool   `json:"success"`
	PaymentID   string `json:"paymentId"`
	Transaction string `json:"transaction"`
	Network     int64  `json:"network"`
	Payer       string `json:"payer"`
}

// Receipt is a settled payment as reported by /v1/receipts.
type Receipt struct {
	PaymentID       string    `json:"paymentId"`
	Payer           string    `json:"payer"`
	Payee           string    `json:"payee"`
	Amount          string    `json:"amount"`
	Token           string    `json:"token"`
	ChainID         int64     `json:"chainId"`
	SettlementProof string    `json:"settlementProof"`
	Timestamp       time.Time `json:"timestamp"`
	Route           string    `json:"route"`
}

// Revenue is the /v1/revenue response; amounts are base-unit integers.
type Revenue struct {
	Route   string            `json:"route,omitempty"`
	Total   string            `json:"total"`
	ByRoute map[string]string `json:"byRoute,omitempty"`
}

// RPCError is a JSON-RPC error object returned by the dispatcher.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("paygate rpc error %d: %s", e.Code, e.Message)
}

// APIError is a non-2xx HTTP response that is neither 402 nor 429.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("paygate api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("paygate api error (%d): %s", e.StatusCode, e.Message)
}

// PaymentRequiredError is returned when the server demands payment and the
// client has no payer, refuses the price, or the retried payment is rejected.
type PaymentRequiredError struct {
	Requirement Requirement
	// Attempted is true when a proof was sent and rejected.
	Attempted bool
}

func (e *PaymentRequiredError) Error() string {
	if e.Attempted {
		return fmt.Sprintf("paygate payment rejected for %s: %s (%s)", e.Requirement.Route, e.Requirement.Code, e.Requirement.Error)
	}
	return fmt.Sprintf("paygate payment required for %s: %s %s", e.Requirement.Route, e.Requirement.Price, e.Requirement.Token)
}

// RateLimitedError is returned on HTTP 429.
type RateLimitedError struct {
	Limit      int
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("paygate rate limited (limit %d), retry after %s", e.Limit, e.RetryAfter)
}
