package payment

import (
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "A2A-PayGate/internal/errors"
)

func TestPricingRouteNormalization(t *testing.T) {
	p := NewPricing()
	require.NoError(t, p.AddRoute("trading/execute", "0.001", "USDC"))

	assert.True(t, p.IsPaywalled("Trading/Execute/"))
	assert.True(t, p.IsPaywalled("/TRADING/execute"))
	assert.True(t, p.IsPaywalled("  trading/execute  "))
	assert.False(t, p.IsPaywalled("trading"))

	price, ok := p.Lookup("Trading/Execute/")
	require.True(t, ok)
	assert.Equal(t, "trading/execute", price.Route)
	assert.Equal(t, "0.001", price.Price)
	assert.Equal(t, "USDC", price.Token)
	assert.Equal(t, int64(1000), price.Amount.Int64())
}

func TestPricingAddRemoveRoundTrip(t *testing.T) {
	p := NewPricing()
	require.NoError(t, p.AddRoute("research/report", "1.5", ""))
	require.True(t, p.IsPaywalled("research/report"))

	assert.True(t, p.RemoveRoute("Research/Report/"))
	assert.False(t, p.IsPaywalled("research/report"))
	assert.False(t, p.RemoveRoute("research/report"))
}

func TestPricingOverwrite(t *testing.T) {
	p := NewPricing()
	require.NoError(t, p.AddRoute("a/b", "0.001", "usdc"))
	require.NoError(t, p.AddRoute("A/B/", "0.25", "USDC"))

	price, ok := p.Lookup("a/b")
	require.True(t, ok)
	assert.Equal(t, "0.25", price.Price)
	assert.Equal(t, int64(250000), price.Amount.Int64())
	assert.Len(t, p.Routes(), 1)
}

func TestPricingLookupReturnsCopy(t *testing.T) {
	p := NewPricing()
	require.NoError(t, p.AddRoute("a", "1", "USDC"))

	price, _ := p.Lookup("a")
	price.Amount.SetInt64(1)

	again, _ := p.Lookup("a")
	assert.Equal(t, int64(1_000_000), again.Amount.Int64())
}

func TestPricingRejectsInvalidRoutes(t *testing.T) {
	p := NewPricing()
	cases := []struct {
		name  string
		route string
		price string
		token string
	}{
		{name: "empty route", route: " / ", price: "1", token: "USDC"},
		{name: "unknown token", route: "a", price: "1", token: "DAI"},
		{name: "zero price", route: "a", price: "0", token: "USDC"},
		{name: "negative price", route: "a", price: "-1", token: "USDC"},
		{name: "too precise", route: "a", price: "0.0000001", token: "USDC"},
		{name: "not a number", route: "a", price: "1e3", token: "USDC"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := p.AddRoute(tc.route, tc.price, tc.token)
			require.Error(t, err)
			assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
		})
	}
	assert.Empty(t, p.Routes())
}

func TestPricingAddFromConfigIsAllOrNothing(t *testing.T) {
	p := NewPricing()
	err := p.AddFromConfig(map[string]RouteConfig{
		"trading/execute": {Price: "0.001", Token: "USDC"},
		"broken":          {Price: "abc", Token: "USDC"},
	})
	require.Error(t, err)
	assert.Empty(t, p.Routes())

	require.NoError(t, p.AddFromConfig(map[string]RouteConfig{
		"trading/execute": {Price: "0.001", Token: "USDC"},
		"research/report": {Price: "2", Token: ""},
	}))
	routes := p.Routes()
	require.Len(t, routes, 2)
	assert.Equal(t, "research/report", routes[0].Route)
	assert.Equal(t, "trading/execute", routes[1].Route)
}

func TestPricingLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pricing.yaml")
	content := []byte(`routes:
  trading/execute:
    price: "0.001"
    token: USDC
  Research/Report/:
    price: "0.5"
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	p := NewPricing()
	require.NoError(t, p.LoadFile(path))
	assert.True(t, p.IsPaywalled("trading/execute"))

	price, ok := p.Lookup("research/report")
	require.True(t, ok)
	assert.Equal(t, int64(500000), price.Amount.Int64())

	assert.Error(t, p.LoadFile(filepath.Join(t.TempDir(), "missing.yaml")))
}

func TestPricingCustomTokens(t *testing.T) {
	p := NewPricing(Token{Symbol: "eurc", Decimals: 6}, Token{Symbol: "WETH", Decimals: 18})
	require.NoError(t, p.AddRoute("a", "0.5", ""))
	require.NoError(t, p.AddRoute("b", "0.000000000000000001", "weth"))

	a, _ := p.Lookup("a")
	assert.Equal(t, "EURC", a.Token)
	b, _ := p.Lookup("b")
	assert.Equal(t, int64(1), b.Amount.Int64())

	_, ok := p.Token("usdc")
	assert.False(t, ok)
}

func TestParseAndFormatAmount(t *testing.T) {
	cases := []struct {
		in   string
		want string
		out  string
	}{
		{in: "0.001", want: "1000", out: "0.001"},
		{in: "1", want: "1000000", out: "1"},
		{in: ".5", want: "500000", out: "0.5"},
		{in: "12.340000", want: "12340000", out: "12.34"},
		{in: "0", want: "0", out: "0"},
	}
	for _, tc := range cases {
		amount, err := ParseAmount(tc.in, 6)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, amount.String(), tc.in)
		assert.Equal(t, tc.out, FormatAmount(amount, 6), tc.in)
	}

	for _, bad := range []string{"", "1.", "1.2.3", "abc", "-1", "0.0000001"} {
		_, err := ParseAmount(bad, 6)
		assert.Error(t, err, bad)
	}
	assert.Equal(t, "-0.000001", FormatAmount(big.NewInt(-1), 6))
	assert.Equal(t, "0", FormatAmount(nil, 6))
}
