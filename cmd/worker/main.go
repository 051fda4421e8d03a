// Command worker starts the execution process: task leasing, locked
// transcoding, progress reporting, the lease reaper, and the webhook
// dispatcher.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rendiffdev/ffmpeg-api-sub000/internal/adapter/lock/redislock"
	"github.com/rendiffdev/ffmpeg-api-sub000/internal/adapter/progress"
	"github.com/rendiffdev/ffmpeg-api-sub000/internal/adapter/queue/redisq"
	"github.com/rendiffdev/ffmpeg-api-sub000/internal/adapter/repo/postgres"
	"github.com/rendiffdev/ffmpeg-api-sub000/internal/adapter/storage"
	"github.com/rendiffdev/ffmpeg-api-sub000/internal/adapter/transcoder"
	"github.com/rendiffdev/ffmpeg-api-sub000/internal/adapter/webhook"
	"github.com/rendiffdev/ffmpeg-api-sub000/internal/config"
	"github.com/rendiffdev/ffmpeg-api-sub000/internal/domain"
	"github.com/rendiffdev/ffmpeg-api-sub000/internal/observability"
	"github.com/rendiffdev/ffmpeg-api-sub000/internal/worker"
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
	locker := redislock.New(rdb)
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

	caps, err := transcoder.ProbeCapabilities(ctx, cfg.FFmpegPath)
	if err != nil {
		slog.Warn("encoder probe failed, software only", slog.Any("error", err))
		caps = transcoder.SoftwareOnly()
	}
	invoker := transcoder.NewInvoker(cfg.FFmpegPath, cfg.FFprobePath,
		cfg.JobTimeout, cfg.ProgressStall, caps)

	guard := webhook.NewGuard()
	guard.AllowPrivate = cfg.WebhookAllowPrivate
	breakers := observability.NewBreakerSet(5, cfg.WebhookBaseBackoff)
	hookPolicy := domain.DefaultWebhookRetryPolicy()
	if cfg.WebhookMaxRetries > 0 {
		hookPolicy.MaxAttempts = cfg.WebhookMaxRetries
	}
	if cfg.WebhookBaseBackoff > 0 {
		hookPolicy.Base = cfg.WebhookBaseBackoff
	}
	dispatcher := webhook.NewDispatcher(webhookRepo, guard, breakers,
		hookPolicy, cfg.WebhookTimeout, keyRepo.SecretForOwner)

	rt := worker.NewRuntime(jobRepo, queue, locker, bus, webhookRepo, resolver, invoker)
	rt.Visibility = cfg.QueueVisibility
	rt.LockTTL = cfg.LockTTL
	rt.Poll = cfg.PollInterval
	rt.Debounce = cfg.ProgressDebounce
	rt.TempDir = cfg.TempDir
	rt.Retry = domain.DefaultJobRetryPolicy()

	var wg sync.WaitGroup
	slots := cfg.WorkerSlots
	if slots < 1 {
		slots = 1
	}
	for i := 0; i < slots; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rt.Run(ctx)
		}()
	}
	wg.Add(2)
	go func() {
		defer wg.Done()
		rt.RunReaper(ctx, cfg.ReaperInterval)
	}()
	go func() {
		defer wg.Done()
		// One replica drains deliveries at a time; the rest stand by.
		dispatcher.RunElected(ctx, locker, cfg.LockTTL)
	}()

	slog.Info("worker started",
		slog.String("worker_id", rt.ID),
		slog.Int("slots", slots))

	<-ctx.Done()
	slog.Info("shutdown signal received, draining")
	wg.Wait()
}
