package reputation

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	xerrors "A2A-PayGate/internal/errors"
)

// HTTPSource 通过 HTTP 查询信誉服务：GET {BaseURL}/{agent} 返回 {"score": n}。
type HTTPSource struct {
	BaseURL string
	Client  *http.Client
	// Header 附加到每个请求，例如 API Key。
	Header http.Header
}

// NewHTTPSource 创建 HTTP 信誉源。
func NewHTTPSource(baseURL string, timeout time.Duration) (*HTTPSource, error) {
	parsed, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "信誉服务地址无效: "+baseURL)
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &HTTPSource{
		BaseURL: strings.TrimRight(parsed.String(), "/"),
		Client:  &http.Client{Timeout: timeout},
	}, nil
}

type scoreResponse struct {
	Score *float64 `json:"score"`
}

// Score 实现 Source 接口。404 视为无记录，返回 0 分。
func (s *HTTPSource) Score(ctx context.Context, agentID string) (float64, error) {
	endpoint := s.BaseURL + "/" + url.PathEscape(Key(agentID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, xerrors.Wrap(CodeSourceUnavailable, err, "构造信誉查询失败")
	}
	req.Header.Set("Accept", "application/json")
	for key, values := range s.Header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, xerrors.Wrap(CodeSourceUnavailable, err, "信誉服务请求失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return 0, nil
	}
	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return 0, xerrors.New(CodeSourceUnavailable, fmt.Sprintf("信誉服务返回 %s", resp.Status),
			xerrors.WithMetadata("body", strings.TrimSpace(string(snippet))))
	}

	var body scoreResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&body); err != nil {
		return 0, xerrors.Wrap(CodeSourceUnavailable, err, "解析信誉响应失败")
	}
	if body.Score == nil || math.IsNaN(*body.Score) || math.IsInf(*body.Score, 0) {
		return 0, xerrors.New(CodeSourceUnavailable, "信誉响应缺少有效的 score")
	}
	return *body.Score, nil
}

var _ Source = (*HTTPSource)(nil)
