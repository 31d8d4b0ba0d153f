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

	"github.com/dunamismax/heicflow/internal/config"
	"github.com/dunamismax/heicflow/internal/convert"
	"github.com/dunamismax/heicflow/internal/ingress"
	"github.com/dunamismax/heicflow/internal/storage"
	"github.com/dunamismax/heicflow/internal/store"
	"github.com/dunamismax/heicflow/internal/telemetry"
	"github.com/dunamismax/heicflow/internal/webhook"
	"github.com/dunamismax/heicflow/internal/worker"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"
)

func main() {
	logger := log.New(os.Stdout, "[worker] ", log.LstdFlags|log.Lmsgprefix)
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
		ServiceName:  telemetry.ServiceWorker,
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

	converter, err := convert.New(
		convert.Config{
			MaxFileSizeBytes: cfg.Convert.MaxFileSizeBytes,
			JPEGQuality:      cfg.Convert.JPEGQuality,
		},
		convert.WithLogger(logger),
		convert.WithTracer(otel.Tracer("heicflow/worker")),
		convert.WithConcurrency(cfg.Worker.MaxActiveJobs),
	)
	if err != nil {
		logger.Fatalf("converter setup failed: %v", err)
	}

	deps := worker.Deps{
		Converter:  converter,
		URLFetcher: ingress.NewFetcher(cfg.Convert.MaxFileSizeBytes, cfg.Fetch.Timeout),
		Webhook: webhook.NewClient(webhook.Config{
			SigningSecret: cfg.Webhook.SigningSecret,
			Timeout:       cfg.Webhook.Timeout,
			MaxAttempts:   cfg.Webhook.MaxAttempts,
		}),
	}
	if cfg.Webhook.SigningSecret == "" {
		logger.Printf("WEBHOOK_SIGNING_SECRET is empty; webhook deliveries are unsigned")
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
		if err := objects.EnsureBucket(ctx); err != nil {
			logger.Printf("ensure bucket failed bucket=%s err=%v", objects.Bucket(), err)
		}
		deps.ObjectFetcher = ingress.NewObjectFetcher(objects, cfg.Convert.MaxFileSizeBytes)
	}

	if cfg.Database.DSN == "" {
		logger.Printf("job store=memory; job status is not shared with the api")
		deps.JobStore = store.NewMemoryJobStore()
	} else {
		pg, err := store.NewPostgresJobStore(ctx, cfg.Database.DSN)
		if err != nil {
			logger.Fatalf("job store setup failed: %v", err)
		}
		defer func() {
			if err := pg.Close(); err != nil {
				logger.Printf("job store close error: %v", err)
			}
		}()
		deps.JobStore = pg
	}

	srv, err := worker.NewServer(logger, cfg.Queue, cfg.Worker, deps)
	if err != nil {
		logger.Fatalf("worker setup failed: %v", err)
	}

	metricsServer := &http.Server{
		Addr:              cfg.Worker.MetricsAddr,
		Handler:           srv.MetricsHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Printf(
		"starting worker concurrency=%d max_active_jobs=%d queue=%s redis=%s codec=%s",
		cfg.Worker.Concurrency,
		cfg.Worker.MaxActiveJobs,
		cfg.Queue.Name,
		cfg.Queue.RedisAddr,
		convert.CodecName(),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	g.Go(func() error {
		logger.Printf("metrics listening on %s", cfg.Worker.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Printf("worker stopped with error: %v", err)
	}
}
