// Command server starts the API process: admission, queries,
// cancellation, the SSE progress stream, and the retention sweeper.
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

	"github.com/redis/go-redis/v9"

	"github.com/rendiffdev/ffmpeg-api-sub000/internal/adapter/httpserver"
	"github.com/rendiffdev/ffmpeg-api-sub000/internal/adapter/progress"
	"github.com/rendiffdev/ffmpeg-api-sub000/internal/adapter/queue/redisq"
	"github.com/rendiffdev/ffmpeg-api-sub000/internal/adapter/repo/postgres"
	"github.com/rendiffdev/ffmpeg-api-sub000/internal/adapter/storage"
	"github.com/rendiffdev/ffmpeg-api-sub000/internal/adapter/webhook"
	"github.com/rendiffdev/ffmpeg-api-sub000/internal/app"
	"github.com/rendiffdev/ffmpeg-api-sub000/internal/config"
	"github.com/rendiffdev/ffmpeg-api-sub000/internal/observability"
	"github.com/rendiffdev/ffmpeg-api-sub000/internal/service/ratelimiter"
	"github.com/rendiffdev/ffmpeg-api-sub000/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("tracing setup failed", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()
	if err := postgres.EnsureSchema(ctx, pool); err != nil {
		slog.Error("schema migration failed", slog.Any("error", err))
		os.Exit(1)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer func() { _ = rdb.Close() }()

	jobRepo := postgres.NewJobRepo(pool)
	webhookRepo := postgres.NewWebhookRepo(pool)
	keyRepo := postgres.NewKeyRepo(pool)
	queue := redisq.New(rdb)
	bus := progress.New(rdb, cfg.ProgressRingSize)

	resolver := storage.NewResolver()
	resolver.Register(storage.NewFileBackend(cfg.StorageRoots))
	if cfg.S3Endpoint != "" {
		s3b, err := storage.NewS3Backend(ctx, storage.S3Options{
			Endpoint:       cfg.S3Endpoint,
			Region:         cfg.S3Region,
			ForcePathStyle: cfg.S3ForcePathStyle,
		})
		if err != nil {
			slog.Error("s3 backend setup failed", slog.Any("error", err))
			os.Exit(1)
		}
		resolver.Register(storage.WithBreaker(s3b,
			observability.NewBreaker("storage-s3", 5, 30*time.Second)))
	}

	guard := webhook.NewGuard()
	guard.AllowPrivate = cfg.WebhookAllowPrivate

	limiter := ratelimiter.NewRedisLuaLimiter(rdb, ratelimiter.DefaultBuckets(cfg.RateLimitPerMin))

	submitSvc := usecase.NewSubmitService(jobRepo, queue, resolver, guard, usecase.Limits{
		MaxInputBytes: cfg.MaxInputBytes,
		MaxBitrateBps: cfg.MaxBitrateBps,
		MaxWidth:      cfg.MaxWidth,
		MaxHeight:     cfg.MaxHeight,
		DefaultQuota:  cfg.DefaultQuota,
	})
	jobSvc := usecase.NewJobService(jobRepo, bus, webhookRepo)

	// The retention sweeper runs beside the API; workers stay execution-only.
	sweeper := postgres.NewSweeper(jobRepo, webhookRepo, bus, cfg.RetentionWindow)
	go sweeper.RunPeriodic(ctx, cfg.SweepInterval)

	checks := app.Checks(pool, rdb, cfg.StorageRoots, cfg.FFmpegPath)
	srv := httpserver.NewServer(cfg, submitSvc, jobSvc, keyRepo, bus, limiter, checks)
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		Handler:     handler,
		ReadTimeout: cfg.HTTPReadTimeout,
		// WriteTimeout stays unset: SSE streams are long-lived, and every
		// non-streaming route is bounded by the router's timeout.
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
