package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"A2A-PayGate/pkg/logger"
)

const defaultAccessTTL = 3600

// Service 负责智能体的身份验证。令牌主体必须是智能体钱包地址。
type Service struct {
	mode     Mode
	required bool
	store    Store
	jwt      *jwtManager
	oauth    *oauthClient
	audit    *slog.Logger
}

// NewService 构造身份认证服务实例，store 可为空。
func NewService(cfg Config, store Store) (*Service, error) {
	mode := Mode(strings.ToLower(strings.TrimSpace(string(cfg.Mode))))
	if mode == "" {
		mode = ModeDisabled
	}
	svc := &Service{
		mode:     mode,
		required: cfg.Required,
		store:    store,
		audit:    logger.Audit(),
	}

	switch mode {
	case ModeDisabled:
		return svc, nil
	case ModeJWT:
		if strings.TrimSpace(cfg.JWT.Secret) == "" {
			return nil, errors.New("jwt secret must be configured")
		}
		if cfg.JWT.AccessTTL <= 0 {
			cfg.JWT.AccessTTL = defaultAccessTTL
		}
		svc.jwt = &jwtManager{
			secret:    []byte(cfg.JWT.Secret),
			issuer:    cfg.JWT.Issuer,
			audience:  append([]string(nil), cfg.JWT.Audience...),
			accessTTL: time.Duration(cfg.JWT.AccessTTL) * time.Second,
			now:       time.Now,
		}
	case ModeOAuth:
		client, err := newOAuthClient(cfg.OAuth)
		if err != nil {
			return nil, err
		}
		svc.oauth = client
	default:
		return nil, fmt.Errorf("unsupported auth mode: %s", cfg.Mode)
	}
	return svc, nil
}

// Mode 返回当前身份认证服务的工作模式。
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

// Required 返回是否拒绝匿名请求。
func (s *Service) Required() bool {
	return s != nil && s.required
}

// Issue 为智能体签发访问令牌，仅在 jwt 模式下可用。
func (s *Service) Issue(agent string, scopes ...string) (*Token, error) {
	if s == nil || s.mode != ModeJWT || s.jwt == nil {
		return nil, ErrDisabled
	}
	subject, err := NewSubject(agent, scopes...)
	if err != nil {
		return nil, err
	}
	return s.jwt.Generate(subject)
}

// AuthenticateRequest 验证传入请求的授权头，并返回相应的主体信息。
func (s *Service) AuthenticateRequest(ctx context.Context, authorization string) (*Subject, error) {
	if s == nil || s.mode == ModeDisabled {
		return nil, ErrDisabled
	}
	parts := strings.SplitN(strings.TrimSpace(authorization), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return nil, ErrMissingToken
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return nil, ErrMissingToken
	}

	var (
		subject *Subject
		err     error
	)
	switch s.mode {
	case ModeJWT:
		subject, err = s.jwt.Verify(token)
	case ModeOAuth:
		subject, err = s.oauth.introspect(ctx, token)
	default:
		return nil, ErrDisabled
	}
	if err != nil {
		return nil, err
	}
	if s.store != nil && s.store.IsRevoked(subject.Agent) {
		return nil, ErrSubjectRevoked
	}
	return subject, nil
}

// jwtManager 负责 JWT 令牌的签名和验证。
type jwtManager struct {
	secret    []byte
	issuer    string
	audience  []string
	accessTTL time.Duration
	now       func() time.Time
}

// agentClaims 定义 JWT 令牌的声明结构，sub 为智能体地址。
type agentClaims struct {
	Scope string `json:"scope,omitempty"`
	jwt.RegisteredClaims
}

// Generate 生成访问令牌。
func (m *jwtManager) Generate(subject *Subject) (*Token, error) {
	now := m.now()
	expires := now.Add(m.accessTTL)
	claims := agentClaims{
		Scope: strings.Join(subject.Scopes, " "),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   subject.Agent,
			Issuer:    m.issuer,
			Audience:  jwt.ClaimStrings(m.audience),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}
	return &Token{
		AccessToken: signed,
		TokenType:   "Bearer",
		ExpiresIn:   int64(m.accessTTL.Seconds()),
		Agent:       subject.Agent,
		Scopes:      append([]string(nil), subject.Scopes...),
	}, nil
}

// Verify 验证 JWT 令牌并返回主体。
func (m *jwtManager) Verify(token string) (*Subject, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}
	if len(m.audience) > 0 {
		opts = append(opts, jwt.WithAudience(m.audience[0]))
	}

	var claims agentClaims
	if _, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return m.secret, nil
	}, opts...); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	subject, err := NewSubject(claims.Subject, strings.Fields(claims.Scope)...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	subject.Issuer = claims.Issuer
	if claims.ExpiresAt != nil {
		subject.ExpiresAt = claims.ExpiresAt.Time
	}
	return subject, nil
}

// oauthClient 通过 OAuth 2.0 内省端点校验令牌。
type oauthClient struct {
	config OAuthOptions
	client *http.Client
}

// introspectionResponse 定义 OAuth 令牌内省响应的结构。
type introspectionResponse struct {
	Active    bool   `json:"active"`
	Subject   string `json:"sub"`
	Scope     string `json:"scope"`
	ExpiresAt int64  `json:"exp"`
	Issuer    string `json:"iss"`
}

// newOAuthClient 创建并配置一个新的 OAuth 客户端实例。
func newOAuthClient(cfg OAuthOptions) (*oauthClient, error) {
	if strings.TrimSpace(cfg.IntrospectionURL) == "" {
		return nil, errors.New("oauth introspection_url must be configured")
	}
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = 15
	}
	return &oauthClient{
		config: cfg,
		client: &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second},
	}, nil
}

// introspect 验证 OAuth 令牌并返回相应的主体信息。
func (c *oauthClient) introspect(ctx context.Context, token string) (*Subject, error) {
	form := url.Values{}
	form.Set("token", token)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.IntrospectionURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if c.config.ClientID != "" {
		httpReq.SetBasicAuth(c.config.ClientID, c.config.ClientSecret)
	}
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("oauth introspection failed: %s", resp.Status)
	}
	var introspect introspectionResponse
	if err := json.NewDecoder(resp.Body).Decode(&introspect); err != nil {
		return nil, fmt.Errorf("decode introspection: %w", err)
	}
	if !introspect.Active {
		return nil, ErrInvalidToken
	}
	subject, err := NewSubject(introspect.Subject, strings.Fields(introspect.Scope)...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	subject.Issuer = introspect.Issuer
	if introspect.ExpiresAt > 0 {
		subject.ExpiresAt = time.Unix(introspect.ExpiresAt, 0).UTC()
	}
	return subject, nil
}
