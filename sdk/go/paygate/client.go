// Package paygate is a Go client for the paygate agent runtime. It speaks
// JSON-RPC task methods and, given a Payer, answers 402 responses by paying
// and retrying once.
package paygate

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
const DefaultHTTPTimeout = 60 * time.Second

// Client calls a paygate server.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	payer      Payer
	nextID     atomic.Int64

	mu          sync.RWMutex
	accessToken string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithPayer enables automatic payment of 402 responses.
func WithPayer(p Payer) Option {
	return func(c *Client) {
		c.payer = p
	}
}

// WithMaxPayment refuses to pay more than max base units per call. It must
// be applied after WithPayer.
func WithMaxPayment(max *big.Int) Option {
	return func(c *Client) {
		if c.payer != nil && max != nil {
			c.payer = budgetPayer{inner: c.payer, max: new(big.Int).Set(max)}
		}
	}
}

// WithAccessToken sets the bearer token sent on every request.
func WithAccessToken(token string) Option {
	return func(c *Client) {
		c.accessToken = token
	}
}

// NewClient creates a client for the server at rawURL.
func NewClient(rawURL string, opts ...Option) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("paygate: invalid base url %q", rawURL)
	}
	c := &Client{baseURL: parsed, httpClient: &http.Client{Timeout: DefaultHTTPTimeout}}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// SetAccessToken replaces the stored bearer token.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

// AccessToken returns the stored bearer token.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// Result describes a completed call.
type Result struct {
	// Settlement is set when the call was paid for.
	Settlement *Settlement
}

// Send creates or continues a task.
func (c *Client) Send(ctx context.Context, req SendRequest) (*Task, Result, error) {
	var t Task
	res, err := c.Call(ctx, "tasks/send", req, &t)
	if err != nil {
		return nil, res, err
	}
	return &t, res, nil
}

// Get fetches a task. historyLength > 0 keeps only the latest entries.
func (c *Client) Get(ctx context.Context, id string, historyLength int) (*Task, error) {
	var t Task
	params := map[string]any{"id": id}
	if historyLength > 0 {
		params["historyLength"] = historyLength
	}
	if _, err := c.Call(ctx, "tasks/get", params, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// Cancel cancels a task.
func (c *Client) Cancel(ctx context.Context, id string) (*Task, error) {
	var t Task
	if _, err := c.Call(ctx, "tasks/cancel", map[string]any{"id": id}, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// Call invokes any JSON-RPC method, paying once if the server asks for it.
func (c *Client) Call(ctx context.Context, method string, params, out any) (Result, error) {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: c.nextID.Add(1), Method: method, Params: params})
	if err != nil {
		return Result{}, fmt.Errorf("paygate: encode request: %w", err)
	}

	resp, err := c.post(ctx, body, "")
	if err != nil {
		return Result{}, err
	}
	if resp.StatusCode == http.StatusPaymentRequired && c.payer != nil {
		requirement, err := decodeRequirement(resp)
		if err != nil {
			return Result{}, err
		}
		proof, err := c.payer.Pay(ctx, requirement)
		if err != nil {
			return Result{}, fmt.Errorf("paygate: pay %s: %w", requirement.Route, err)
		}
		header, err := encodeProof(proof)
		if err != nil {
			return Result{}, err
		}
		resp, err = c.post(ctx, body, header)
		if err != nil {
			return Result{}, err
		}
		if resp.StatusCode == http.StatusPaymentRequired {
			requirement, err := decodeRequirement(resp)
			if err != nil {
				return Result{}, err
			}
			return Result{}, &PaymentRequiredError{Requirement: requirement, Attempted: true}
		}
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return Result{}, err
	}
	result := Result{}
	if header := resp.Header.Get(HeaderPaymentResponse); header != "" {
		if s, err := decodeSettlement(header); err == nil {
			result.Settlement = s
		}
	}

	var envelope rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return result, fmt.Errorf("paygate: decode response: %w", err)
	}
	if envelope.Error != nil {
		return result, envelope.Error
	}
	if out != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			return result, fmt.Errorf("paygate: decode result: %w", err)
		}
	}
	return result, nil
}

// Receipts lists settled payments, optionally filtered by route.
func (c *Client) Receipts(ctx context.Context, route string) ([]Receipt, error) {
	endpoint := "/v1/receipts"
	if route != "" {
		endpoint += "?route=" + url.QueryEscape(route)
	}
	var out []Receipt
	if err := c.get(ctx, endpoint, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Revenue returns total revenue, or revenue for one route when route is set.
func (c *Client) Revenue(ctx context.Context, route string) (Revenue, error) {
	endpoint := "/v1/revenue"
	if route != "" {
		endpoint += "?route=" + url.QueryEscape(route)
	}
	var out Revenue
	err := c.get(ctx, endpoint, &out)
	return out, err
}

func (c *Client) endpoint(rel string) string {
	ref, err := url.Parse(rel)
	if err != nil {
		ref = &url.URL{Path: rel}
	}
	u := *c.baseURL
	u.Path = path.Join(c.baseURL.Path, ref.Path)
	u.RawQuery = ref.RawQuery
	return u.String()
}

func (c *Client) post(ctx context.Context, body []byte, payment string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/rpc"), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("paygate: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if payment != "" {
		req.Header.Set(HeaderPayment, payment)
	}
	return c.do(req)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(endpoint), nil)
	if err != nil {
		return fmt.Errorf("paygate: create request: %w", err)
	}
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("paygate: decode response: %w", err)
	}
	return nil
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	if token := c.AccessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("paygate: perform request: %w", err)
	}
	return resp, nil
}

// checkStatus maps non-2xx responses to typed errors. The body is left for
// the caller to close.
func checkStatus(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}
	switch resp.StatusCode {
	case http.StatusPaymentRequired:
		requirement, err := decodeRequirement(resp)
		if err != nil {
			return err
		}
		return &PaymentRequiredError{Requirement: requirement}
	case http.StatusTooManyRequests:
		limit, _ := strconv.Atoi(resp.Header.Get("X-RateLimit-Limit"))
		secs, _ := strconv.Atoi(resp.Header.Get("Retry-After"))
		return &RateLimitedError{Limit: limit, RetryAfter: time.Duration(secs) * time.Second}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return fmt.Errorf("paygate: read error response: %w", err)
	}
	apiErr := &APIError{StatusCode: resp.StatusCode}
	if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
		apiErr.Message = string(bytes.TrimSpace(data))
	}
	return apiErr
}

func decodeRequirement(resp *http.Response) (Requirement, error) {
	defer resp.Body.Close()
	var req Requirement
	if err := json.NewDecoder(resp.Body).Decode(&req); err != nil {
		return Requirement{}, fmt.Errorf("paygate: decode payment requirement: %w", err)
	}
	if req.Amount == "" || req.Payee == "" {
		return Requirement{}, errors.New("paygate: payment requirement is incomplete")
	}
	return req, nil
}

func encodeProof(p Proof) (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("paygate: encode proof: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func decodeSettlement(header string) (*Settlement, error) {
	raw, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, err
	}
	var s Settlement
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	return &s, nil
}
