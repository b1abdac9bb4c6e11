package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Common errors returned by the authentication subsystem.
var (
	ErrDisabled         = errors.New("authentication disabled")
	ErrInvalidToken     = errors.New("invalid token")
	ErrMissingToken     = errors.New("missing bearer token")
	ErrInvalidAgent     = errors.New("token subject is not an agent address")
	ErrPermissionDenied = errors.New("permission denied")
	ErrSubjectRevoked   = errors.New("agent is revoked")
)

// Store tracks revoked agents. Implementations must be safe for concurrent use.
type Store interface {
	IsRevoked(agent string) bool
}

// Subject is the authenticated agent attached to the request context.
type Subject struct {
	// Agent is the checksummed wallet address of the calling agent.
	Agent     string
	Scopes    []string
	Issuer    string
	ExpiresAt time.Time

	scopeSet map[string]struct{}
}

// NewSubject validates the agent address and builds a subject.
func NewSubject(agent string, scopes ...string) (*Subject, error) {
	canonical, err := CanonicalAgent(agent)
	if err != nil {
		return nil, err
	}
	subject := &Subject{Agent: canonical, Scopes: append([]string(nil), scopes...)}
	subject.normalise()
	return subject, nil
}

// CanonicalAgent returns the EIP-55 checksummed form of an agent address.
func CanonicalAgent(agent string) (string, error) {
	agent = strings.TrimSpace(agent)
	if !common.IsHexAddress(agent) {
		return "", fmt.Errorf("%w: %q", ErrInvalidAgent, agent)
	}
	return common.HexToAddress(agent).Hex(), nil
}

func (s *Subject) normalise() {
	if s == nil || s.scopeSet != nil {
		return
	}
	s.scopeSet = make(map[string]struct{}, len(s.Scopes))
	for _, scope := range s.Scopes {
		s.scopeSet[strings.ToLower(strings.TrimSpace(scope))] = struct{}{}
	}
}

// HasScope reports whether the subject was granted the scope.
func (s *Subject) HasScope(scope string) bool {
	if s == nil {
		return false
	}
	s.normalise()
	_, ok := s.scopeSet[strings.ToLower(strings.TrimSpace(scope))]
	return ok
}

// Authorize ensures the subject holds every required scope.
func (s *Subject) Authorize(scopes ...string) error {
	if s == nil {
		return ErrInvalidToken
	}
	for _, scope := range scopes {
		if scope == "" {
			continue
		}
		if !s.HasScope(scope) {
			return fmt.Errorf("%w: missing %s", ErrPermissionDenied, scope)
		}
	}
	return nil
}

// Clone creates a copy safe to hand to other goroutines.
func (s *Subject) Clone() *Subject {
	if s == nil {
		return nil
	}
	clone := &Subject{
		Agent:     s.Agent,
		Scopes:    append([]string(nil), s.Scopes...),
		Issuer:    s.Issuer,
		ExpiresAt: s.ExpiresAt,
	}
	clone.normalise()
	return clone
}

// Token is an issued bearer token.
type Token struct {
	AccessToken string   `json:"access_token"`
	TokenType   string   `json:"token_type"`
	ExpiresIn   int64    `json:"expires_in"`
	Agent       string   `json:"agent"`
	Scopes      []string `json:"scope,omitempty"`
}

// Config configures the authentication service.
type Config struct {
	Mode Mode
	// Required rejects anonymous requests. When false, requests without a
	// bearer token pass through unauthenticated.
	Required bool
	JWT      JWTOptions
	OAuth    OAuthOptions
}

// Mode enumerates the supported authentication providers.
type Mode string

const (
	ModeDisabled Mode = "disabled"
	ModeJWT      Mode = "jwt"
	ModeOAuth    Mode = "oauth"
)

// JWTOptions contains parameters for local HS256 token issuance.
type JWTOptions struct {
	Secret    string
	Issuer    string
	Audience  []string
	AccessTTL int64
}

// OAuthOptions contains settings for delegating token checks to an OAuth2
// introspection endpoint. The introspected subject must be an agent address.
type OAuthOptions struct {
	IntrospectionURL string
	ClientID         string
	ClientSecret     string
	TimeoutSeconds   int
}
