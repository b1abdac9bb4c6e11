package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func agentEcho() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agent, ok := AgentFromContext(r.Context())
		if !ok {
			agent = "anonymous"
		}
		_, _ = w.Write([]byte(agent))
	})
}

func TestMiddlewareOptionalAuth(t *testing.T) {
	svc := newJWTService(t, nil)
	token, err := svc.Issue(testAgent, "tasks:send")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	handler := svc.Middleware(MiddlewareConfig{})(agentEcho())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/rpc", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "anonymous" {
		t.Fatalf("expected anonymous pass-through, got %d %q", rec.Code, rec.Body.String())
	}

	req := httptest.NewRequest(http.MethodPost, "/rpc", nil)
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != token.Agent {
		t.Fatalf("expected agent %s, got %d %q", token.Agent, rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodPost, "/rpc", nil)
	req.Header.Set("Authorization", "Bearer nope")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for invalid token, got %d", rec.Code)
	}
	if rec.Header().Get("WWW-Authenticate") == "" {
		t.Fatalf("expected WWW-Authenticate header")
	}
}

func TestMiddlewareRequiredAndScopes(t *testing.T) {
	svc, err := NewService(Config{Mode: ModeJWT, Required: true, JWT: JWTOptions{Secret: "s"}}, nil)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	reader, _ := svc.Issue(testAgent, "receipts:read")
	writer, _ := svc.Issue(testAgent, "tasks:send")

	handler := svc.Middleware(MiddlewareConfig{RequiredScopes: map[string][]string{
		http.MethodPost: {"tasks:send"},
	}})(agentEcho())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/rpc", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for missing token, got %d", rec.Code)
	}

	cases := []struct {
		token  string
		method string
		want   int
	}{
		{token: reader.AccessToken, method: http.MethodPost, want: http.StatusForbidden},
		{token: writer.AccessToken, method: http.MethodPost, want: http.StatusOK},
		{token: reader.AccessToken, method: http.MethodGet, want: http.StatusOK},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(tc.method, "/rpc", nil)
		req.Header.Set("Authorization", "Bearer "+tc.token)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != tc.want {
			t.Fatalf("%s: expected %d, got %d", tc.method, tc.want, rec.Code)
		}
	}
}

func TestMiddlewareDisabled(t *testing.T) {
	svc, _ := NewService(Config{Mode: ModeDisabled}, nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/rpc", nil)
	req.Header.Set("Authorization", "Bearer whatever")
	svc.Middleware(MiddlewareConfig{})(agentEcho()).ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "anonymous" {
		t.Fatalf("disabled auth should pass through, got %d %q", rec.Code, rec.Body.String())
	}
}
