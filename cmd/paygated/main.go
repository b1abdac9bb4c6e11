package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"A2A-PayGate/internal/api"
	"A2A-PayGate/internal/config"
	"A2A-PayGate/internal/observability/metrics"
	"A2A-PayGate/internal/payment"
	"A2A-PayGate/internal/task"
	"A2A-PayGate/pkg/logger"
)

// main 是 paygated 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("paygated 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.Outputs,
		AddSource:   cfg.Logging.AddSource,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
			Compress:   cfg.Logging.Audit.Compress,
		},
	}); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	lg := logger.Named("paygated")

	alerter := buildAlerter(cfg)

	publisher, err := buildPublisher(ctx, cfg)
	if err != nil {
		return err
	}
	defer publisher.Close()

	chains, err := openChains(ctx, cfg)
	if err != nil {
		return err
	}
	defer chains.Close()

	// 任务运行时。
	manager := task.NewManager(task.NewMemoryStore(),
		task.WithPublisher(publisher),
		task.WithHandlerTimeout(time.Duration(cfg.Task.HandlerTimeoutSeconds)*time.Second),
	)
	defer manager.Close()
	registry := task.NewRegistry()
	registerBuiltinSkills(registry)
	plugins, err := mountPlugins(ctx, cfg, registry, chains)
	if err != nil {
		return err
	}
	if plugins != nil {
		defer func() { _ = plugins.StopAll(context.Background()) }()
	}

	// 付款。
	pricing, err := buildPricing(cfg)
	if err != nil {
		return err
	}
	store, err := buildReceiptStore(ctx, cfg)
	if err != nil {
		return err
	}
	ledger := payment.NewLedger(store, payment.WithLedgerPublisher(publisher))
	defer ledger.Close()

	verifier, err := buildVerifier(cfg, chains)
	if err != nil {
		return err
	}
	resolver := api.NewRouteResolver(registry, manager, cfg.Payment.PricedMethods)
	gate, err := payment.NewGate(pricing, ledger, verifier, payment.GateConfig{
		Payee:         cfg.Payment.Payee,
		ChainID:       cfg.Payment.ChainID,
		VerifyTimeout: time.Duration(cfg.Payment.VerifyTimeoutSeconds) * time.Second,
		ReplayWindow:  time.Duration(cfg.Payment.ReplayWindowSeconds) * time.Second,
		DevMode:       cfg.Payment.DevMode,
	}, resolver.Option(), payment.WithAlerter(alerter))
	if err != nil {
		return err
	}

	// 限流。
	limiter, clientID, err := buildLimiter(ctx, cfg, chains, alerter)
	if err != nil {
		return err
	}
	if limiter != nil {
		defer limiter.Close()
		go limiter.Run(ctx, time.Minute)
	}

	authService, err := buildAuth(cfg)
	if err != nil {
		return err
	}

	dispatcher, err := api.NewTaskDispatcher(manager, registry, cfg.Task.MaxHistory)
	if err != nil {
		return err
	}

	if cfg.Task.MaxAgeMinutes > 0 {
		go func() {
			_ = manager.RunEvictor(ctx,
				time.Duration(cfg.Task.EvictIntervalSeconds)*time.Second,
				time.Duration(cfg.Task.MaxAgeMinutes)*time.Minute)
		}()
	}

	if addr := cfg.Observability.MetricsAddress; addr != "" {
		go func() {
			if err := metrics.StartServer(ctx, addr); err != nil {
				lg.Error("指标服务异常退出", slog.Any("error", err))
			}
		}()
	}

	server, err := api.NewServer(api.Options{
		Address:         cfg.Server.Address,
		ReadTimeout:     time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second,
		WriteTimeout:    time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second,
		ShutdownTimeout: time.Duration(cfg.Server.ShutdownTimeoutSeconds) * time.Second,
		MaxBodyBytes:    cfg.Server.MaxBodyBytes,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		ExposeMetrics:   cfg.Observability.MetricsAddress == "",
	}, api.Dependencies{
		Dispatcher: dispatcher,
		Manager:    manager,
		Registry:   registry,
		Pricing:    pricing,
		Ledger:     ledger,
		Gate:       gate,
		Limiter:    limiter,
		ClientID:   clientID,
		Auth:       authService,
	})
	if err != nil {
		return err
	}

	lg.Info("paygated 已就绪",
		slog.String("address", cfg.Server.Address),
		slog.Int("priced_routes", len(pricing.Routes())),
		slog.Any("skills", registry.Skills()),
		slog.Bool("dev_mode", cfg.Payment.DevMode),
		slog.Bool("rate_limit", limiter != nil),
	)
	return server.Start(ctx)
}

func loadConfig() (*config.Config, error) {
	if path := os.Getenv("PAYGATE_CONFIG"); path != "" {
		return config.Load(path)
	}
	return config.Default()
}
