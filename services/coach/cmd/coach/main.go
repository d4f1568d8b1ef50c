package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"argumentcoach/internal/quota"
	"argumentcoach/internal/ratelimit"
	"argumentcoach/internal/usertoken"
	"argumentcoach/internal/util"
	"argumentcoach/pkg/ai"
	"argumentcoach/pkg/domain"
	"argumentcoach/pkg/queue"
	"argumentcoach/pkg/storage"
	"argumentcoach/pkg/store"
	"argumentcoach/services/coach/internal/app"
	"argumentcoach/services/coach/internal/archive"
	"argumentcoach/services/coach/internal/config"
	"argumentcoach/services/coach/internal/server"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "WARN: failed to load .env: %v\n", err)
	}
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := util.InitLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(cfg)
	if err != nil {
		util.Fatal("failed to open store", "driver", cfg.DatabaseDriver, "err", err)
	}
	defer st.Close()

	tracker, err := quota.NewRedisTracker(cfg.RedisAddr, cfg.RedisPassword, "coach:quota", quota.Limits{
		Default: cfg.QuotaDefault,
		ByRole: map[domain.UserRole]int{
			domain.RolePremium: cfg.QuotaPremium,
			domain.RoleAdmin:   cfg.QuotaAdmin,
		},
	})
	if err != nil {
		util.Fatal("failed to init quota tracker", "err", err)
	}
	defer tracker.Close()

	var limiter ratelimit.SlidingWindow
	switch cfg.RateLimitBackend {
	case config.RateLimitBackendMemory:
		mem := ratelimit.NewMemorySlidingWindow()
		mem.StartSweeper(ctx, time.Minute)
		limiter = mem
	default:
		redisLimiter, err := ratelimit.NewRedisSlidingWindow(cfg.RedisAddr, cfg.RedisPassword, "coach:ratelimit:message")
		if err != nil {
			util.Fatal("failed to init message limiter", "err", err)
		}
		defer redisLimiter.Close()
		limiter = redisLimiter
	}

	var sessionLimiter app.BurstLimiter
	if cfg.SessionRateLimitPerMinute > 0 {
		l, err := ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, "coach:ratelimit:session", cfg.SessionRateLimitPerMinute, time.Minute)
		if err != nil {
			util.Fatal("failed to init session limiter", "err", err)
		}
		defer l.Close()
		sessionLimiter = l
	}

	generator, err := ai.NewChatGenerator(ai.ProviderConfig{
		Provider: cfg.GenerationProvider,
		Model:    cfg.GenerationModel,
		APIKey:   cfg.GenerationAPIKey,
		BaseURL:  cfg.GenerationBaseURL,
	})
	if err != nil {
		util.Fatal("failed to init chat generator", "err", err)
	}

	jwtLeeway, err := config.ParseJWTLeeway(cfg.JWTLeeway)
	if err != nil {
		util.Fatal("failed to parse jwt leeway", "err", err)
	}
	tokenVerifier, err := usertoken.NewVerifier(usertoken.Config{
		JWKSURL:    cfg.AuthJWKSURL,
		HMACSecret: cfg.JWTHMACSecret,
		Issuer:     cfg.JWTIssuer,
		Audience:   cfg.JWTAudience,
		Leeway:     jwtLeeway,
		HTTPClient: &http.Client{Timeout: 5 * time.Second},
	})
	if err != nil {
		util.Fatal("failed to init token verifier", "err", err)
	}
	trusted, err := util.ParseProxyAllowlist(cfg.TrustedProxyCIDRs)
	if err != nil {
		util.Fatal("invalid trusted proxy cidrs", "err", err)
	}

	appCfg := app.Config{
		Store:               st,
		Quota:               tracker,
		Limiter:             limiter,
		Generator:           generator,
		SessionLimiter:      sessionLimiter,
		MessageRateLimit:    cfg.MessageRateLimit,
		ConfidenceThreshold: cfg.ConfidenceThreshold,
		HistoryLimit:        cfg.HistoryLimit,
	}
	appCfg.MessageRateWindow, _ = config.ParseDuration(cfg.MessageRateWindow)
	appCfg.AITimeout, _ = config.ParseDuration(cfg.AITimeout)

	var worker *archive.Worker
	if cfg.ArchiveBackend != "" {
		objects, err := openObjectStore(ctx, cfg)
		if err != nil {
			util.Fatal("failed to init archive storage", "backend", cfg.ArchiveBackend, "err", err)
		}
		expiry, _ := config.ParseDuration(cfg.ArchiveURLExpiry)
		argArchive := storage.NewArgumentArchive(objects, expiry)
		jobs, err := queue.NewRedisJobQueue(queue.RedisQueueConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			Stream:   "coach:archive",
			Group:    "coach-archivers",
		})
		if err != nil {
			util.Fatal("failed to init archive queue", "err", err)
		}
		defer jobs.Close()
		worker, err = archive.NewWorker(archive.Config{
			Queue:       jobs,
			Arguments:   st,
			Archive:     argArchive,
			Concurrency: cfg.ArchiveWorkers,
		})
		if err != nil {
			util.Fatal("failed to init archive worker", "err", err)
		}
		appCfg.ArchiveQueue = jobs
		appCfg.Archive = argArchive
	}

	appCore, err := app.New(appCfg)
	if err != nil {
		util.Fatal("failed to init app", "err", err)
	}
	httpServer, err := server.New(server.Config{
		App:            appCore,
		TokenVerifier:  tokenVerifier,
		TrustedProxies: trusted,
	})
	if err != nil {
		util.Fatal("failed to init server", "err", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("coach server listening", "addr", addr, "store", cfg.DatabaseDriver, "provider", cfg.GenerationProvider)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if worker != nil {
		g.Go(func() error {
			slog.Info("archive worker started", "workers", cfg.ArchiveWorkers)
			return worker.Run(gctx)
		})
	}
	if err := g.Wait(); err != nil {
		logger.Error("server error", "err", err)
	}
	slog.Info("coach server stopped")
}

func openStore(cfg config.FileConfig) (store.Store, error) {
	if cfg.DatabaseDriver == config.DriverSQLite {
		return store.NewSQLiteStore(cfg.SQLitePath)
	}
	return store.NewGormStore(cfg.DatabaseURL)
}

func openObjectStore(ctx context.Context, cfg config.FileConfig) (storage.ObjectStore, error) {
	if cfg.ArchiveBackend == config.ArchiveBackendMemory {
		return storage.NewMemoryStore("http://localhost:" + cfg.Port + "/archive"), nil
	}
	return storage.NewMinioStore(ctx, storage.MinioConfig{
		Endpoint:  cfg.MinioEndpoint,
		AccessKey: cfg.MinioAccessKey,
		SecretKey: cfg.MinioSecretKey,
		Bucket:    cfg.MinioBucket,
		UseSSL:    cfg.MinioUseSSL,
	})
}
