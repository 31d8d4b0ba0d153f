package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dunamismax/heicflow/internal/api"
	"github.com/dunamismax/heicflow/internal/config"
	"github.com/dunamismax/heicflow/internal/convert"
	"github.com/dunamismax/heicflow/internal/ingress"
	"github.com/dunamismax/heicflow/internal/queue"
	"github.com/dunamismax/heicflow/internal/ratelimit"
	"github.com/dunamismax/heicflow/internal/storage"
	"github.com/dunamismax/heicflow/internal/store"
	"github.com/dunamismax/heicflow/internal/telemetry"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"
)

func main() {
	logger := log.New(os.Stdout, "[api] ", log.LstdFlags|log.Lmsgprefix)
	if err := config.LoadEnvFile(".env"); err != nil {
		logger.Fatalf("env file: %v", err)
	}
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("invalid configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:  telemetry.ServiceAPI,
		Exporter:     cfg.Telemetry.Exporter,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure: cfg.Telemetry.OTLPInsecure,
		SampleRatio:  cfg.Telemetry.SampleRatio,
	}, logger)
	if err != nil {
		logger.Fatalf("tracing setup failed: %v", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Printf("tracing shutdown error: %v", err)
		}
	}()

	if err := convert.Startup(); err != nil {
		logger.Fatalf("image runtime startup failed: %v", err)
	}
	defer convert.Shutdown()

	tracer := otel.Tracer("heicflow/api")
	converter, err := convert.New(
		convert.Config{
			MaxFileSizeBytes: cfg.Convert.MaxFileSizeBytes,
			JPEGQuality:      cfg.Convert.JPEGQuality,
		},
		convert.WithLogger(logger),
		convert.WithTracer(tracer),
		convert.WithConcurrency(cfg.Convert.MaxConcurrency),
	)
	if err != nil {
		logger.Fatalf("converter setup failed: %v", err)
	}
	fetcher := ingress.NewFetcher(cfg.Convert.MaxFileSizeBytes, cfg.Fetch.Timeout)

	jobStore, closeStore, err := openJobStore(ctx, cfg.Database, logger)
	if err != nil {
		logger.Fatalf("job store setup failed: %v", err)
	}
	defer closeStore()

	queueClient := queue.NewClient(cfg.Queue.RedisClientOpt(), cfg.Queue.Name, queue.Options{
		MaxRetry:  cfg.Queue.MaxRetry,
		Timeout:   cfg.Queue.TaskTimeout,
		Retention: cfg.Queue.Retention,
	})
	defer func() {
		if err := queueClient.Close(); err != nil {
			logger.Printf("queue client close error: %v", err)
		}
	}()

	opts := []api.Option{
		api.WithJobs(queueClient, cfg.Queue.Name, jobStore),
		api.WithTracer(tracer),
	}

	if cfg.Storage.Enabled() {
		objects, err := storage.NewClient(storage.Config{
			Endpoint: cfg.Storage.Endpoint,
			Access:   cfg.Storage.AccessKey,
			Secret:   cfg.Storage.SecretKey,
			Bucket:   cfg.Storage.Bucket,
			UseSSL:   cfg.Storage.UseSSL,
		})
		if err != nil {
			logger.Fatalf("storage setup failed: %v", err)
		}
		opts = append(opts, api.WithObjectStore(objects))
		logger.Printf("object sources enabled endpoint=%s bucket=%s", cfg.Storage.Endpoint, objects.Bucket())
	}

	if cfg.RateLimit.Enabled() {
		limiter, closeLimiter, err := newRateLimiter(cfg, logger)
		if err != nil {
			logger.Fatalf("rate limiter setup failed: %v", err)
		}
		defer closeLimiter()
		opts = append(opts, api.WithRateLimiter(limiter, cfg.RateLimit.UserIDHeader))
	}

	app := api.NewServer(logger, converter, fetcher, opts...)

	httpServer := &http.Server{
		Addr:              cfg.API.Addr,
		Handler:           app.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       2 * time.Minute,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Printf("listening on %s codec=%s max_file_size_bytes=%d jpeg_quality=%d",
			cfg.API.Addr, convert.CodecName(), cfg.Convert.MaxFileSizeBytes, cfg.Convert.JPEGQuality)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		logger.Println("shutting down")
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Printf("server stopped with error: %v", err)
	}
}

func openJobStore(ctx context.Context, cfg config.DatabaseConfig, logger *log.Logger) (store.JobStore, func(), error) {
	if cfg.DSN == "" {
		logger.Printf("job store=memory")
		return store.NewMemoryJobStore(), func() {}, nil
	}

	pg, err := store.NewPostgresJobStore(ctx, cfg.DSN)
	if err != nil {
		return nil, nil, err
	}
	logger.Printf("job store=postgres")
	return pg, func() {
		if err := pg.Close(); err != nil {
			logger.Printf("job store close error: %v", err)
		}
	}, nil
}

func newRateLimiter(cfg config.Config, logger *log.Logger) (ratelimit.Limiter, func(), error) {
	if cfg.RateLimit.Backend == "local" {
		limiter, err := ratelimit.NewLocalLimiter(cfg.RateLimit.Requests, cfg.RateLimit.Window)
		if err != nil {
			return nil, nil, err
		}
		logger.Printf("rate limit backend=local requests=%d window=%s", cfg.RateLimit.Requests, cfg.RateLimit.Window)
		return limiter, func() {}, nil
	}

	client := redis.NewClient(cfg.Queue.RedisOptions())
	limiter, err := ratelimit.NewRedisTokenBucket(client, cfg.RateLimit.Requests, cfg.RateLimit.Window, "")
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	logger.Printf("rate limit backend=redis requests=%d window=%s", cfg.RateLimit.Requests, cfg.RateLimit.Window)
	return limiter, func() {
		if err := client.Close(); err != nil {
			logger.Printf("rate limit redis close error: %v", err)
		}
	}, nil
}
