package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadYAMLAppliesDefaults(t *testing.T) {
	path := writeFile(t, "paygate.yaml", `
payment:
  payee: "0x000000000000000000000000000000000000bEEF"
  pricing_file: pricing.yaml
  routes:
    trading/execute:
      price: "0.001"
      token: USDC
rate_limit:
  base_rate: 60
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != ":8080" {
		t.Fatalf("unexpected address: %s", cfg.Server.Address)
	}
	if cfg.Payment.ChainID != 8453 || cfg.Payment.Verifier != "signature" {
		t.Fatalf("unexpected payment defaults: %+v", cfg.Payment)
	}
	if want := filepath.Join(filepath.Dir(path), "pricing.yaml"); cfg.Payment.PricingFile != want {
		t.Fatalf("pricing file not resolved: %s", cfg.Payment.PricingFile)
	}
	if cfg.Payment.Routes["trading/execute"].Price != "0.001" {
		t.Fatalf("routes not parsed: %+v", cfg.Payment.Routes)
	}
	if len(cfg.Payment.PricedMethods) != 1 || cfg.Payment.PricedMethods[0] != "tasks/send" {
		t.Fatalf("unexpected priced methods: %v", cfg.Payment.PricedMethods)
	}
	if cfg.Payment.ReplayWindowSeconds != 600 {
		t.Fatalf("unexpected replay window: %d", cfg.Payment.ReplayWindowSeconds)
	}
	if cfg.RateLimit.Disabled || cfg.RateLimit.BaseRate != 60 || cfg.RateLimit.Store != "memory" {
		t.Fatalf("unexpected rate limit config: %+v", cfg.RateLimit)
	}
	if cfg.Storage.Receipts.Driver != "memory" || cfg.Events.Driver != "none" {
		t.Fatalf("unexpected storage defaults")
	}
}

func TestLoadJSON(t *testing.T) {
	path := writeFile(t, "paygate.json", `{"server":{"address":":9090"},"payment":{"dev_mode":true}}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != ":9090" || !cfg.Payment.DevMode {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error for empty path")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
	if _, err := Load(writeFile(t, "bad.json", "{")); err == nil {
		t.Fatalf("expected error for malformed json")
	}
}

func TestEnvOverrides(t *testing.T) {
	env := map[string]string{
		"PAYGATE_ADDRESS":   ":7000",
		"PAYGATE_PAYEE":     "0x000000000000000000000000000000000000bEEF",
		"PAYGATE_CHAIN_ID":  "84532",
		"PAYGATE_DEV_MODE":  "true",
		"PAYGATE_MYSQL_DSN": "user:pass@tcp(localhost:3306)/paygate",
	}
	lookup := func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}

	var cfg Config
	if err := cfg.finish(t.TempDir(), lookup); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if cfg.Server.Address != ":7000" || cfg.Payment.ChainID != 84532 || !cfg.Payment.DevMode {
		t.Fatalf("env not applied: %+v", cfg)
	}
	if cfg.Storage.Receipts.Driver != "mysql" {
		t.Fatalf("mysql driver not selected from dsn: %s", cfg.Storage.Receipts.Driver)
	}
}

func TestEnvOverridesRejectGarbage(t *testing.T) {
	lookup := func(key string) (string, bool) {
		if key == "PAYGATE_CHAIN_ID" {
			return "base", true
		}
		return "", false
	}
	var cfg Config
	err := cfg.finish(t.TempDir(), lookup)
	if err == nil || !strings.Contains(err.Error(), "PAYGATE_CHAIN_ID") {
		t.Fatalf("expected env error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	cases := map[string]func(c *Config){
		"priced without payee": func(c *Config) { c.Payment.Routes = map[string]RouteConfig{"a": {Price: "1"}} },
		"unknown verifier":     func(c *Config) { c.Payment.Verifier = "magic" },
		"settlement no chains": func(c *Config) { c.Payment.Verifier = "settlement" },
		"jwt without secret":   func(c *Config) { c.Auth.Mode = "jwt" },
		"redis limiter":        func(c *Config) { c.RateLimit.Store = "redis" },
		"http reputation":      func(c *Config) { c.Reputation.Source = "http" },
		"registry reputation":  func(c *Config) { c.Reputation.Source = "registry" },
		"mysql without dsn":    func(c *Config) { c.Storage.Receipts.Driver = "mysql" },
		"rabbitmq without url": func(c *Config) { c.Events.Driver = "rabbitmq" },
		"unknown events":       func(c *Config) { c.Events.Driver = "kafka" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			var cfg Config
			cfg.applyDefaults(t.TempDir())
			mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}

	var cfg Config
	cfg.applyDefaults(t.TempDir())
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}
