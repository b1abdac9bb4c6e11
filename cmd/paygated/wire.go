package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"A2A-PayGate/internal/auth"
	"A2A-PayGate/internal/config"
	"A2A-PayGate/internal/events"
	"A2A-PayGate/internal/observability/alerting"
	"A2A-PayGate/internal/payment"
	"A2A-PayGate/internal/ratelimit"
	"A2A-PayGate/internal/reputation"
	"A2A-PayGate/internal/storage/mysql"
	storageredis "A2A-PayGate/internal/storage/redis"
	"A2A-PayGate/internal/task"
	"A2A-PayGate/internal/web3"
	"A2A-PayGate/internal/web3/provider"
	"A2A-PayGate/pkg/logger"
	"A2A-PayGate/pkg/plugin"
)

func buildAlerter(cfg *config.Config) alerting.Dispatcher {
	var notifiers []alerting.Notifier
	if !cfg.Observability.AlertLogDisabled {
		notifiers = append(notifiers, alerting.LogNotifier{})
	}
	if url := cfg.Observability.AlertWebhook; url != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{
			URL:    url,
			Client: &http.Client{Timeout: 5 * time.Second},
		})
	}
	return alerting.NewFanout(notifiers...)
}

func buildPublisher(ctx context.Context, cfg *config.Config) (events.Publisher, error) {
	switch cfg.Events.Driver {
	case "", "none":
		return events.Nop{}, nil
	case "memory":
		publisher := events.NewMemoryPublisher(cfg.Events.Buffer)
		lg := logger.Named("events")
		// 单机模式下没有外部消费者，事件仅写入调试日志。
		go func() {
			_ = publisher.Consume(ctx, 1, func(_ context.Context, event events.Event) error {
				lg.Debug("事件", slog.String("type", event.Type), slog.String("subject", event.Subject))
				return nil
			})
		}()
		return publisher, nil
	case "redis":
		return events.NewRedisPublisher(ctx, events.RedisConfig{
			Address:  cfg.Storage.Redis.Address,
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
			List:     cfg.Events.List,
			MaxLen:   cfg.Events.MaxLen,
		})
	case "rabbitmq":
		return events.NewRabbitMQPublisher(events.RabbitMQConfig{
			URL:      cfg.Events.RabbitMQ.URL,
			Exchange: cfg.Events.RabbitMQ.Exchange,
			Queue:    cfg.Events.RabbitMQ.Queue,
			Durable:  cfg.Events.RabbitMQ.Durable,
		})
	default:
		return nil, fmt.Errorf("未知的事件驱动: %s", cfg.Events.Driver)
	}
}

// openChains 仅在配置了链定义文件时拨号。
func openChains(ctx context.Context, cfg *config.Config) (*provider.Registry, error) {
	if cfg.Web3.ChainConfig == "" {
		return nil, nil
	}
	registry, err := provider.NewRegistry(ctx, cfg.Web3.ChainConfig)
	if err != nil {
		return nil, err
	}
	logger.Named("web3").Info("链客户端已就绪", slog.Any("chains", registry.Chains()))
	return registry, nil
}

// registerBuiltinSkills 注册内置的 echo 技能并设为默认技能。
func registerBuiltinSkills(registry *task.Registry) {
	registry.MustRegister("echo", task.HandlerFunc(func(_ context.Context, req task.Request) task.Outcome {
		return task.Completed(task.Artifact{Name: "echo", Parts: req.Message.Parts})
	}))
	_ = registry.SetDefault("echo")
}

// mountPlugins 按插件清单加载技能插件，未配置清单时返回 nil。
func mountPlugins(ctx context.Context, cfg *config.Config, registry *task.Registry, chains *provider.Registry) (*plugin.Manager, error) {
	if cfg.Task.PluginConfig == "" {
		return nil, nil
	}
	manifest, err := plugin.LoadManagerConfig(cfg.Task.PluginConfig)
	if err != nil {
		return nil, err
	}
	opts := []plugin.Option{plugin.WithLogger(logger.Named("plugin"))}
	if chains != nil {
		opts = append(opts, plugin.WithResource("chains", chains))
	}
	manager, err := plugin.NewManager(manifest, opts...)
	if err != nil {
		return nil, err
	}
	if err := manager.Mount(ctx, registry); err != nil {
		_ = manager.StopAll(context.Background())
		return nil, err
	}
	return manager, nil
}

func buildPricing(cfg *config.Config) (*payment.Pricing, error) {
	tokens := make([]payment.Token, 0, len(cfg.Payment.Tokens))
	for _, t := range cfg.Payment.Tokens {
		tokens = append(tokens, payment.Token{Symbol: t.Symbol, Decimals: t.Decimals, Address: t.Address})
	}
	pricing := payment.NewPricing(tokens...)

	routes := make(map[string]payment.RouteConfig, len(cfg.Payment.Routes))
	for route, rc := range cfg.Payment.Routes {
		routes[route] = payment.RouteConfig{Price: rc.Price, Token: rc.Token}
	}
	if err := pricing.AddFromConfig(routes); err != nil {
		return nil, err
	}
	if cfg.Payment.PricingFile != "" {
		if err := pricing.LoadFile(cfg.Payment.PricingFile); err != nil {
			return nil, err
		}
	}
	return pricing, nil
}

func buildReceiptStore(ctx context.Context, cfg *config.Config) (payment.ReceiptStore, error) {
	switch cfg.Storage.Receipts.Driver {
	case "", "memory":
		return payment.NewMemoryReceiptStore(), nil
	case "mysql":
		return payment.NewMySQLReceiptStore(ctx, mysql.Config{
			DSN:             cfg.Storage.Receipts.DSN,
			MaxOpenConns:    16,
			MaxIdleConns:    4,
			ConnMaxLifetime: 30 * time.Minute,
		})
	default:
		return nil, mysql.ErrUnsupportedDriver
	}
}

func buildVerifier(cfg *config.Config, chains *provider.Registry) (payment.Verifier, error) {
	signature := web3.NewSignatureVerifier()
	if !strings.Contains(cfg.Payment.Verifier, "settlement") {
		return signature, nil
	}
	if chains == nil {
		if cfg.Payment.DevMode {
			return nil, nil
		}
		return nil, fmt.Errorf("settlement 验证需要配置链客户端")
	}
	var inner payment.Verifier
	if cfg.Payment.Verifier == "signature+settlement" {
		inner = signature
	}
	return web3.NewSettlementVerifier(chains, inner, web3.SettlementConfig{
		MinConfirmations: cfg.Payment.MinConfirmations,
	}), nil
}

func buildReputation(cfg *config.Config, chains *provider.Registry) (reputation.Source, error) {
	switch cfg.Reputation.Source {
	case "", "none":
		return nil, nil
	case "static":
		return reputation.NewStatic(cfg.Reputation.Static, cfg.Reputation.Default), nil
	case "http":
		return reputation.NewHTTPSource(cfg.Reputation.HTTPURL, time.Duration(cfg.Reputation.TimeoutSeconds)*time.Second)
	case "registry":
		if chains == nil {
			return nil, fmt.Errorf("信誉合约需要配置链客户端")
		}
		return chains.ReputationRegistry(cfg.Reputation.RegistryChainID)
	default:
		return nil, fmt.Errorf("未知的信誉源: %s", cfg.Reputation.Source)
	}
}

// buildLimiter 在限流关闭时返回 nil 限流器。
func buildLimiter(ctx context.Context, cfg *config.Config, chains *provider.Registry, alerter alerting.Dispatcher) (*ratelimit.Limiter, ratelimit.ClientFunc, error) {
	resolver, err := ratelimit.NewClientResolver(cfg.Server.TrustedProxies, ratelimit.WithPayerCheck(recoverPayer))
	if err != nil {
		return nil, nil, err
	}
	rl := cfg.RateLimit
	if rl.Disabled {
		return nil, resolver.Resolve, nil
	}

	opts := []ratelimit.Option{ratelimit.WithAlerter(alerter)}
	source, err := buildReputation(cfg, chains)
	if err != nil {
		return nil, nil, err
	}
	if source != nil {
		opts = append(opts, ratelimit.WithSource(source))
	}
	if rl.Store == "redis" {
		client, err := storageredis.Open(ctx, storageredis.Config{
			Address:  cfg.Storage.Redis.Address,
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, ratelimit.WithStore(ratelimit.NewOwnedRedisStore(client, rl.RedisPrefix)))
	}

	limiter, err := ratelimit.New(ratelimit.Config{
		BaseRate:      rl.BaseRate,
		MaxRate:       rl.MaxRate,
		Multiplier:    rl.Multiplier,
		Window:        time.Duration(rl.WindowSeconds) * time.Second,
		CacheSize:     rl.CacheSize,
		CacheTTL:      time.Duration(rl.CacheTTLSeconds) * time.Second,
		LookupTimeout: time.Duration(rl.LookupTimeoutMillis) * time.Millisecond,
		LookupQPS:     rl.LookupQPS,
		LookupBurst:   rl.LookupBurst,
	}, opts...)
	if err != nil {
		return nil, nil, err
	}
	return limiter, resolver.Resolve, nil
}

// recoverPayer 在本地恢复 EIP-191 签名者，不访问链。
func recoverPayer(proof *payment.Proof) (string, error) {
	signer, err := web3.RecoverPayer(proof)
	if err != nil {
		return "", err
	}
	return signer.Hex(), nil
}

func buildAuth(cfg *config.Config) (*auth.Service, error) {
	return auth.NewService(auth.Config{
		Mode:     auth.Mode(cfg.Auth.Mode),
		Required: cfg.Auth.Required,
		JWT: auth.JWTOptions{
			Secret:    cfg.Auth.JWT.Secret,
			Issuer:    cfg.Auth.JWT.Issuer,
			Audience:  cfg.Auth.JWT.Audience,
			AccessTTL: cfg.Auth.JWT.AccessTTLSeconds,
		},
		OAuth: auth.OAuthOptions{
			IntrospectionURL: cfg.Auth.OAuth.IntrospectionURL,
			ClientID:         cfg.Auth.OAuth.ClientID,
			ClientSecret:     cfg.Auth.OAuth.ClientSecret,
			TimeoutSeconds:   cfg.Auth.OAuth.TimeoutSeconds,
		},
	}, auth.NewMemoryStore(cfg.Auth.Revoked))
}
