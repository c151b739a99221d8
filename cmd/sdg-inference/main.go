package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"sdg-inference/internal/cache"
	"sdg-inference/internal/config"
	"sdg-inference/internal/engine"
	"sdg-inference/internal/handlers"
	"sdg-inference/internal/httpserver"
	"sdg-inference/internal/llm"
	"sdg-inference/internal/metrics"
	"sdg-inference/internal/tokenizer/hf"
	"sdg-inference/pkg/logging/logging"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("sdg-inference exited with error: %v", err)
	}
}

func run() error {
	// ----- Config -----
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"), os.Getenv)
	if err != nil {
		return err
	}

	// ----- Logger -----
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	// ----- Metrics -----
	metrics.Register()

	logger.Info("loaded config",
		zap.String("port", cfg.Server.Port),
		zap.String("cache_backend", cfg.Cache.Backend),
		zap.String("model", cfg.Generator.ModelIDOrPath),
		zap.Strings("endpoints", cfg.Generator.Endpoints),
		zap.String("tokenizer", cfg.TokenizerName()),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ----- Engines, one per data-parallel replica -----
	engines := make([]engine.Engine, 0, len(cfg.Generator.Endpoints))
	for _, ec := range cfg.EngineConfigs() {
		client, err := engine.NewClient(ec, logger)
		if err != nil {
			return fmt.Errorf("engine %s: %w", ec.BaseURL, err)
		}
		defer client.Close()
		engines = append(engines, client)
	}

	// ----- Tokenizer -----
	tok, err := hf.Load(cfg.TokenizerName(), cfg.Tokenizer)
	if err != nil {
		return err
	}
	if c, ok := tok.(io.Closer); ok {
		defer c.Close()
	}

	// ----- Generator -----
	gen, err := llm.NewVLLMGenerator(ctx, cfg.Generator, engines, tok, logger)
	if err != nil {
		return err
	}

	// ----- Cache -----
	store, err := cache.Open(ctx, cfg.Cache, nil, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	cacheName := cfg.Cache.Path
	if cfg.Cache.Backend == cache.BackendRedis {
		cacheName = cfg.Cache.RedisAddr
	}
	cached := llm.NewCachingGenerator(gen, store, logger,
		llm.WithStochasticFunc(gen.IsStochastic),
		llm.WithCacheName(cacheName),
	)

	// ----- Router + middleware -----
	r := chi.NewRouter()
	httpserver.SetupRouter(r, logger, handlers.NewBatchHandler(cached), httpserver.Options{
		RequestTimeout: cfg.Server.RequestTimeout,
		MaxBodyBytes:   cfg.Server.MaxBodyBytes,
	})

	// ----- HTTP server -----
	// Batches can run for minutes; the request timeout bounds them instead
	// of a write timeout.
	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       time.Minute,
		IdleTimeout:       2 * time.Minute,
	}

	logger.Info("starting sdg-inference", zap.String("addr", srv.Addr))

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// ----- Graceful shutdown -----
	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("server error", zap.Error(err))
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
		return err
	}

	logger.Info("server shutdown complete")
	return nil
}
