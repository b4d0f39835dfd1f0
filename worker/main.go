package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/imalyk/go-video-transcoder/pkg/config"
	"github.com/imalyk/go-video-transcoder/pkg/encoder"
	"github.com/imalyk/go-video-transcoder/pkg/logging"
	"github.com/imalyk/go-video-transcoder/pkg/metrics"
	"github.com/imalyk/go-video-transcoder/pkg/pipeline"
	"github.com/imalyk/go-video-transcoder/pkg/pool"
	"github.com/imalyk/go-video-transcoder/pkg/source"
	"github.com/imalyk/go-video-transcoder/pkg/status"
	"github.com/imalyk/go-video-transcoder/pkg/storage"
)

const startupTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	logger := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}).
		With("instance", uuid.NewString())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	w, err := newWorker(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialise worker", "error", err)
		os.Exit(1)
	}

	logger.Info("starting worker", "source", cfg.JobSource, "workers", cfg.Workers, "status_backend", cfg.StatusBackend)
	if err := w.run(ctx, stop); err != nil {
		logger.Error("worker stopped with error", "error", err)
		os.Exit(1)
	}
}

type worker struct {
	cfg     config.Config
	logger  *slog.Logger
	store   status.Backend
	src     source.Source
	pool    *pool.Pool
	metrics *http.Server
}

// newWorker connects every collaborator. Missing buckets or an unreachable
// status store are fatal here, before any job is taken.
func newWorker(ctx context.Context, cfg config.Config, logger *slog.Logger) (*worker, error) {
	startCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()

	gw, err := storage.NewMinio(storage.MinioConfig{
		Endpoint:  cfg.Minio.Endpoint,
		AccessKey: cfg.Minio.AccessKey,
		SecretKey: cfg.Minio.SecretKey,
		UseSSL:    cfg.Minio.UseSSL,
		Region:    cfg.Minio.Region,
	})
	if err != nil {
		return nil, err
	}
	if err := storage.CheckBuckets(startCtx, gw, cfg.UnprocessedBucket, cfg.ProcessedBucket); err != nil {
		return nil, err
	}

	store, err := status.Open(startCtx, status.OpenOptions{
		Backend:         cfg.StatusBackend,
		Redis:           redisOptions(cfg),
		PostgresDSN:     cfg.DatabaseURL,
		ApplicationName: "transcoder-worker",
	})
	if err != nil {
		return nil, fmt.Errorf("status store: %w", err)
	}

	if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
		store.Close()
		return nil, fmt.Errorf("create work dir: %w", err)
	}

	enc := encoder.NewFFmpeg(encoder.FFmpegConfig{
		Path:           cfg.FFmpegPath,
		Timeout:        cfg.EncoderTimeout,
		SegmentSeconds: cfg.SegmentSeconds,
		Logger:         logging.WithComponent(logger, "encoder"),
	})

	orch, err := pipeline.New(pipeline.Config{
		WorkRoot:          cfg.WorkDir,
		UnprocessedBucket: cfg.UnprocessedBucket,
		ProcessedBucket:   cfg.ProcessedBucket,
		Renditions:        cfg.Renditions,
		RetryBudget:       cfg.RetryBudget,
		Logger:            logging.WithComponent(logger, "pipeline"),
	}, gw, store, enc)
	if err != nil {
		store.Close()
		return nil, err
	}

	src, err := newSource(cfg, logging.WithComponent(logger, "source"))
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("job source: %w", err)
	}

	p, err := pool.New(pool.Config{
		Workers:   cfg.Workers,
		Source:    src,
		Processor: orch,
		Logger:    logging.WithComponent(logger, "pool"),
	})
	if err != nil {
		src.Close()
		store.Close()
		return nil, err
	}

	return &worker{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		src:     src,
		pool:    p,
		metrics: newMetricsServer(cfg.MetricsAddr),
	}, nil
}

func redisOptions(cfg config.Config) *redis.Options {
	return &redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
}

func newSource(cfg config.Config, logger *slog.Logger) (source.Source, error) {
	switch cfg.JobSource {
	case config.SourceKafka:
		kcfg := source.KafkaConfig{
			Brokers:   cfg.Kafka.Brokers,
			Topic:     cfg.Kafka.Topic,
			GroupID:   cfg.Kafka.GroupID,
			KeyPrefix: cfg.KeyPrefix,
			Logger:    logger,
		}
		if cfg.Kafka.TLS {
			tlsCfg, err := source.LoadTLSConfig(source.TLSFiles{
				CAFile:   cfg.Kafka.CAFile,
				CertFile: cfg.Kafka.CertFile,
				KeyFile:  cfg.Kafka.KeyFile,
			})
			if err != nil {
				return nil, err
			}
			kcfg.TLS = tlsCfg
		}
		return source.NewKafka(kcfg)
	case config.SourceSocket:
		return source.ListenSocket(source.SocketConfig{
			Path:      cfg.Socket.Path,
			QueueSize: cfg.Socket.QueueSize,
			Logger:    logger,
		})
	case config.SourceRedis:
		return source.NewRedis(redis.NewClient(redisOptions(cfg)), source.RedisConfig{
			QueueKey:    cfg.Redis.QueueKey,
			PollTimeout: cfg.Redis.PollTimeout,
			Logger:      logger,
		}), nil
	default:
		return nil, fmt.Errorf("unknown job source %q", cfg.JobSource)
	}
}

func newMetricsServer(addr string) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// run blocks until ctx is cancelled, then drains the pool. stop restores
// default signal handling so a second signal kills the process.
func (w *worker) run(ctx context.Context, stop context.CancelFunc) error {
	if w.metrics != nil {
		go func() {
			w.logger.Info("serving metrics", "addr", w.metrics.Addr)
			if err := w.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				w.logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	w.pool.Start(ctx)
	<-ctx.Done()
	stop()
	w.logger.Info("shutdown requested, waiting for in-flight jobs")

	var errs []error
	if err := w.pool.Shutdown(context.Background()); err != nil {
		errs = append(errs, fmt.Errorf("pool shutdown: %w", err))
	}
	if err := w.src.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close source: %w", err))
	}
	if err := w.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close status store: %w", err))
	}
	if w.metrics != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := w.metrics.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("metrics shutdown: %w", err))
		}
	}
	w.logger.Info("worker stopped")
	return errors.Join(errs...)
}
