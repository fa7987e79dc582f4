// Command transcoded runs the video transcoding daemon: HTTP API,
// worker pool, retry scheduler and stale job reaper in one process.
package main

import (
	"context"
	"errors"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/cors"

	transcodeq "github.com/mediaforge/transcodeq"
	"github.com/mediaforge/transcodeq/api"
	"github.com/mediaforge/transcodeq/broker"
	brokermem "github.com/mediaforge/transcodeq/broker/memory"
	brokerredis "github.com/mediaforge/transcodeq/broker/redis"
	"github.com/mediaforge/transcodeq/config"
	"github.com/mediaforge/transcodeq/engine"
	"github.com/mediaforge/transcodeq/job"
	"github.com/mediaforge/transcodeq/media/ffmpeg"
	"github.com/mediaforge/transcodeq/media/fsblob"
	storemem "github.com/mediaforge/transcodeq/store/memory"
	storepg "github.com/mediaforge/transcodeq/store/postgres"
	storesqlite "github.com/mediaforge/transcodeq/store/sqlite"
	"github.com/mediaforge/transcodeq/worker"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("daemon exited", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	_ = mime.AddExtensionType(".m3u8", "application/vnd.apple.mpegurl")
	_ = mime.AddExtensionType(".ts", "video/mp2t")

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	brk, err := openBroker(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = brk.Close() }()

	blobs, err := fsblob.New(filepath.Join(cfg.DataDir, "blobs"))
	if err != nil {
		return err
	}

	encoder := ffmpeg.NewEncoder()
	encoder.Bin = cfg.FFmpegBin
	encoder.ProbeBin = cfg.FFprobeBin
	segmenter := ffmpeg.NewSegmenter(blobs)
	segmenter.Bin = cfg.FFmpegBin
	prober := ffmpeg.NewProber()
	prober.Bin = cfg.FFprobeBin

	pipeline := &worker.Pipeline{
		Blobs:     blobs,
		Encoder:   encoder,
		Segmenter: segmenter,
		Prober:    prober,
		WorkDir:   filepath.Join(cfg.DataDir, "work"),
	}

	engCfg := transcodeq.DefaultConfig()
	engCfg.Concurrency = cfg.Concurrency
	engCfg.MaxRetries = cfg.MaxRetries
	engCfg.StaleTimeout = cfg.StaleTimeout

	eng, err := engine.Build(engCfg, store, brk, pipeline, engine.WithLogger(logger))
	if err != nil {
		return err
	}

	// Rebuild broker contents from records left over by a previous run.
	if n, err := eng.RequeueOrphans(ctx); err != nil {
		logger.Warn("orphan requeue failed", slog.String("error", err.Error()))
	} else if n > 0 {
		logger.Info("requeued orphaned jobs", slog.Int("count", n))
	}

	if err := eng.Start(ctx); err != nil {
		return err
	}

	handler := api.NewHandler(eng, eng.Events(), logger)
	router := api.NewRouter(handler)

	c := cors.New(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
	})

	server := &http.Server{
		Addr:         cfg.Addr,
		Handler:      c.Handler(router),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", slog.String("addr", cfg.Addr),
			slog.String("store", cfg.Store), slog.String("broker", cfg.Broker))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown error", slog.String("error", err.Error()))
	}
	if err := eng.Stop(shutdownCtx); err != nil {
		logger.Warn("engine stop error", slog.String("error", err.Error()))
	}
	logger.Info("shutdown complete")
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (job.RecordStore, error) {
	switch cfg.Store {
	case "memory":
		return storemem.New(), nil
	case "sqlite":
		path := cfg.SQLitePath
		if path == "" {
			path = filepath.Join(cfg.DataDir, "transcodeq.db")
		}
		return storesqlite.New(path)
	default: // postgres, validated by config.Load
		s, err := storepg.New(ctx, cfg.PostgresDSN, storepg.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			_ = s.Close()
			return nil, err
		}
		return s, nil
	}
}

func openBroker(ctx context.Context, cfg *config.Config, logger *slog.Logger) (broker.Broker, error) {
	switch cfg.Broker {
	case "memory":
		return brokermem.New(), nil
	default: // redis, validated by config.Load
		client := goredis.NewClient(&goredis.Options{
			Addr: cfg.RedisAddr,
			DB:   cfg.RedisDB,
		})
		b := brokerredis.New(client, brokerredis.WithLogger(logger))
		if err := b.Ping(ctx); err != nil {
			return nil, err
		}
		return b, nil
	}
}
