package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"optiplan-pipeline/internal/api"
	"optiplan-pipeline/internal/archive"
	"optiplan-pipeline/internal/collector"
	"optiplan-pipeline/internal/config"
	"optiplan-pipeline/internal/gate"
	"optiplan-pipeline/internal/ratelimit"
	"optiplan-pipeline/internal/receipt"
	"optiplan-pipeline/internal/store"
	"optiplan-pipeline/internal/tracking"
	"optiplan-pipeline/internal/worker"
	"optiplan-pipeline/internal/xlsxgen"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.NewPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Error("connect postgres", "error", err)
		os.Exit(1)
	}
	defer st.Close()
	if err := st.RunMigrations(ctx); err != nil {
		logger.Error("run migrations", "error", err)
		os.Exit(1)
	}

	pricing, err := config.LoadPricing(cfg.PricingFile)
	if err != nil {
		logger.Error("load pricing", "error", err)
		os.Exit(1)
	}
	rules, err := config.LoadRules(cfg.RulesFile)
	if err != nil {
		logger.Error("load rules", "error", err)
		os.Exit(1)
	}

	tracker := tracking.New(cfg.TrackingRoot, logger)
	if err := tracker.EnsureLayout(); err != nil {
		logger.Error("create tracking folders", "error", err)
		os.Exit(1)
	}

	if _, err := os.Stat(cfg.TemplatePath); os.IsNotExist(err) {
		logger.Info("generating import template", "path", cfg.TemplatePath)
		if err := xlsxgen.WriteTemplate(cfg.TemplatePath); err != nil {
			logger.Error("write template", "error", err)
			os.Exit(1)
		}
	}
	renderer := xlsxgen.New(cfg.TemplatePath, rules.TrimByThickness)
	if err := renderer.ValidateTemplate(); err != nil {
		logger.Error("template validation", "error", err)
		os.Exit(1)
	}

	var guard *ratelimit.CreateGuard
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		guard = ratelimit.NewCreateGuard(client, cfg.CreateRateCapacity, cfg.CreateRateRefill, time.Hour)
	}

	archiver, err := archive.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("init archive", "error", err)
		os.Exit(1)
	}

	breaker := worker.NewBreaker()
	driver := worker.SelectDriver(cfg.DriverCmd)
	receipts := receipt.New(st, pricing, tracker, logger)

	wk := worker.New(st, renderer, driver, breaker, tracker, logger,
		cfg.ImportDir, cfg.WorkerTimeout, cfg.WorkerTickInterval)
	col := collector.New(st, tracker, receipts, archiver, logger,
		cfg.ExportDir, cfg.MachineDropDir, cfg.XMLCollectTimeout, cfg.MachineACKTimeout, cfg.CollectorTickInterval)
	if err := col.EnsureLayout(); err != nil {
		logger.Error("create machine drop folders", "error", err)
		os.Exit(1)
	}
	if err := os.MkdirAll(cfg.ImportDir, 0o755); err != nil {
		logger.Error("create import dir", "error", err)
		os.Exit(1)
	}

	go func() { _ = wk.Run(ctx) }()
	go func() { _ = col.Run(ctx) }()

	srv := api.New(st, gate.New(st, rules), guard, breaker, tracker, logger)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: srv.Router(),
	}

	logger.Info("optiplan pipeline listening", "port", cfg.HTTPPort, "env", cfg.Env)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http listen", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
