package ratelimit

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"A2A-PayGate/internal/auth"
	"A2A-PayGate/internal/payment"
	"A2A-PayGate/internal/reputation"
	"A2A-PayGate/internal/web3"
)

func TestMiddlewareHeadersAndDenial(t *testing.T) {
	clock := newFakeClock()
	cfg := baseConfig()
	cfg.BaseRate = 2
	cfg.MaxRate = 2
	l := newTestLimiter(t, cfg, clock)

	var served int
	handler := l.Middleware(ByID(func(*http.Request) string { return "client" }))(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		served++
		w.WriteHeader(http.StatusNoContent)
	}))

	call := func() *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/rpc", nil))
		return rec
	}

	reset := strconv.FormatInt(clock.Now().Add(time.Minute).Unix(), 10)

	rec := call()
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "2", rec.Header().Get(HeaderLimit))
	assert.Equal(t, "1", rec.Header().Get(HeaderRemaining))
	assert.Equal(t, reset, rec.Header().Get(HeaderReset))

	rec = call()
	assert.Equal(t, "0", rec.Header().Get(HeaderRemaining))

	clock.Advance(20 * time.Second)
	rec = call()
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "40", rec.Header().Get(HeaderRetryAfter))
	assert.Equal(t, "2", rec.Header().Get(HeaderLimit))
	assert.Equal(t, reset, rec.Header().Get(HeaderReset))

	var body deniedResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, string(CodeRateLimited), body.Code)
	assert.EqualValues(t, 40, body.RetryAfter)
	assert.Equal(t, 2, served)
}

func TestRetryAfterSecondsRoundsUp(t *testing.T) {
	assert.EqualValues(t, 1, RetryAfterSeconds(Decision{RetryAfter: 0}))
	assert.EqualValues(t, 1, RetryAfterSeconds(Decision{RetryAfter: 200 * time.Millisecond}))
	assert.EqualValues(t, 3, RetryAfterSeconds(Decision{RetryAfter: 2100 * time.Millisecond}))
}

func recoverSigner(proof *payment.Proof) (string, error) {
	signer, err := web3.RecoverPayer(proof)
	if err != nil {
		return "", err
	}
	return signer.Hex(), nil
}

func signedHeader(t *testing.T, key *ecdsa.PrivateKey, paymentID string) string {
	t.Helper()
	proof := &payment.Proof{
		X402Version: payment.X402Version,
		PaymentID:   paymentID,
		Payer:       crypto.PubkeyToAddress(key.PublicKey).Hex(),
		Payee:       agentA,
		Amount:      "1",
		Token:       "USDC",
		ChainID:     8453,
		ValidBefore: 1893456000,
	}
	require.NoError(t, web3.SignProof(proof, key))
	header, err := proof.Encode()
	require.NoError(t, err)
	return header
}

func TestClientIDPrecedence(t *testing.T) {
	resolver, err := NewClientResolver(nil, WithPayerCheck(recoverSigner))
	require.NoError(t, err)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	payer := crypto.PubkeyToAddress(key.PublicKey).Hex()

	req := httptest.NewRequest(http.MethodPost, "/rpc", nil)
	req.RemoteAddr = "203.0.113.9:4000"
	assert.Equal(t, Client{ID: "203.0.113.9"}, resolver.Resolve(req))

	// 未结算的凭证只提供信誉身份，计数仍按网络地址。
	req.Header.Set(payment.HeaderPayment, signedHeader(t, key, "pay-1"))
	assert.Equal(t, Client{ID: "203.0.113.9", ReputationID: payer}, resolver.Resolve(req))
	assert.Equal(t, "203.0.113.9", resolver.ClientID(req))

	req = req.WithContext(payment.WithReceipt(req.Context(), payment.Receipt{Payer: agentA}))
	assert.Equal(t, Client{ID: payment.CanonicalAddress(agentA)}, resolver.Resolve(req))

	subject, err := auth.NewSubject("0x00000000000000000000000000000000000000c3")
	require.NoError(t, err)
	req = req.WithContext(auth.WithSubject(context.Background(), subject))
	assert.Equal(t, subject.Agent, resolver.ClientID(req))
}

func TestClientIgnoresUnsignedOrMismatchedPayer(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	header := signedHeader(t, key, "pay-1")

	unchecked, err := NewClientResolver(nil)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/rpc", nil)
	req.RemoteAddr = "203.0.113.9:4000"
	req.Header.Set(payment.HeaderPayment, header)
	assert.Equal(t, Client{ID: "203.0.113.9"}, unchecked.Resolve(req), "payer is ignored without a signature check")

	resolver, err := NewClientResolver(nil, WithPayerCheck(recoverSigner))
	require.NoError(t, err)
	forged := &payment.Proof{X402Version: payment.X402Version, PaymentID: "pay-2", Payer: agentB, Payee: agentA, Amount: "1", Token: "USDC", ChainID: 8453}
	require.NoError(t, web3.SignProof(forged, key))
	raw, err := forged.Encode()
	require.NoError(t, err)
	req.Header.Set(payment.HeaderPayment, raw)
	assert.Equal(t, Client{ID: "203.0.113.9"}, resolver.Resolve(req), "signature by another key must not claim the payer")
}

func TestForgedPayersShareNetworkWindow(t *testing.T) {
	clock := newFakeClock()
	cfg := baseConfig()
	cfg.BaseRate = 2
	cfg.MaxRate = 2
	l := newTestLimiter(t, cfg, clock)
	resolver, err := NewClientResolver(nil, WithPayerCheck(recoverSigner))
	require.NoError(t, err)

	served := 0
	handler := l.Middleware(resolver.Resolve)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		served++
		w.WriteHeader(http.StatusNoContent)
	}))
	for i := 0; i < 50; i++ {
		key, err := crypto.GenerateKey()
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodPost, "/rpc", nil)
		req.RemoteAddr = "203.0.113.9:4000"
		if i%2 == 0 {
			req.Header.Set(payment.HeaderPayment, fmt.Sprintf(`{"payer":"0x%040x","paymentId":"p-%d"}`, i+1, i))
		} else {
			req.Header.Set(payment.HeaderPayment, signedHeader(t, key, fmt.Sprintf("p-%d", i)))
		}
		handler.ServeHTTP(httptest.NewRecorder(), req)
	}
	assert.Equal(t, 2, served)
}

func TestSignedPayerRaisesNetworkWindowLimit(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	payer := crypto.PubkeyToAddress(key.PublicKey).Hex()

	clock := newFakeClock()
	source := reputation.NewStatic(map[string]float64{payer: 2.0}, 0)
	l := newTestLimiter(t, baseConfig(), clock, WithSource(source))
	resolver, err := NewClientResolver(nil, WithPayerCheck(recoverSigner))
	require.NoError(t, err)

	handler := l.Middleware(resolver.Resolve)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	// 冒用高信誉地址但签名者不同，只能得到基础额度。
	other, err := crypto.GenerateKey()
	require.NoError(t, err)
	forged := &payment.Proof{X402Version: payment.X402Version, PaymentID: "p-0", Payer: payer, Payee: agentA, Amount: "1", Token: "USDC", ChainID: 8453}
	require.NoError(t, web3.SignProof(forged, other))
	raw, err := forged.Encode()
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/rpc", nil)
	req.RemoteAddr = "198.51.100.7:1000"
	req.Header.Set(payment.HeaderPayment, raw)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, "60", rec.Header().Get(HeaderLimit))

	req = httptest.NewRequest(http.MethodPost, "/rpc", nil)
	req.RemoteAddr = "203.0.113.9:4000"
	req.Header.Set(payment.HeaderPayment, signedHeader(t, key, "p-1"))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, "120", rec.Header().Get(HeaderLimit))
}

func TestClientIDIgnoresMalformedProof(t *testing.T) {
	resolver, err := NewClientResolver(nil)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/rpc", nil)
	req.RemoteAddr = "203.0.113.9:4000"
	req.Header.Set(payment.HeaderPayment, "not-a-proof")
	assert.Equal(t, "203.0.113.9", resolver.ClientID(req))
}

func TestNetworkAddressTrustedProxies(t *testing.T) {
	resolver, err := NewClientResolver([]string{"10.0.0.0/8", "192.0.2.1"})
	require.NoError(t, err)

	cases := []struct {
		name      string
		remote    string
		forwarded string
		want      string
	}{
		{name: "direct", remote: "198.51.100.4:1234", want: "198.51.100.4"},
		{name: "untrusted proxy ignored", remote: "198.51.100.4:1234", forwarded: "1.1.1.1", want: "198.51.100.4"},
		{name: "trusted proxy", remote: "10.1.2.3:80", forwarded: "1.1.1.1", want: "1.1.1.1"},
		{name: "proxy chain", remote: "10.1.2.3:80", forwarded: "6.6.6.6, 1.1.1.1, 192.0.2.1", want: "1.1.1.1"},
		{name: "all trusted", remote: "10.1.2.3:80", forwarded: "10.9.9.9", want: "10.9.9.9"},
		{name: "garbage hop", remote: "10.1.2.3:80", forwarded: "nonsense", want: "10.1.2.3"},
		{name: "no header", remote: "10.1.2.3:80", want: "10.1.2.3"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tc.remote
			if tc.forwarded != "" {
				req.Header.Set("X-Forwarded-For", tc.forwarded)
			}
			assert.Equal(t, tc.want, resolver.NetworkAddress(req))
		})
	}
}

func TestNewClientResolverRejectsBadProxy(t *testing.T) {
	_, err := NewClientResolver([]string{"not-an-ip"})
	assert.Error(t, err)
	_, err = NewClientResolver([]string{"10.0.0.0/99"})
	assert.Error(t, err)
}
