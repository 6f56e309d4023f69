// Command editqueue runs the edit queue behind a small HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ineyio/editqueue"
	"github.com/ineyio/editqueue/internal/api"
	"github.com/ineyio/editqueue/meter"
)

func main() {
	configPath := flag.String("config", "editqueue.yaml", "path to the YAML config file")
	flag.Parse()

	// A missing .env is fine; the config can reference the real environment.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Error("Error loading .env file", "error", err)
		os.Exit(1)
	}

	cfg, err := editqueue.LoadConfig(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "path", *configPath, "error", err)
		os.Exit(1)
	}

	logger, closeLog := newLogger(cfg.Log)
	defer closeLog()
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("editqueue stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg editqueue.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	primary, err := buildProvider(ctx, cfg.Primary)
	if err != nil {
		return err
	}
	fallback, err := buildProvider(ctx, cfg.Fallback)
	if err != nil {
		return err
	}

	repo, closeStore, err := buildStore(ctx, cfg.Store, cfg.Ledger)
	if err != nil {
		return err
	}
	defer closeStore()

	results, closeResults, err := buildResults(ctx, cfg.Results)
	if err != nil {
		return err
	}
	defer closeResults()

	opts := append(cfg.Queue.QueueOptions(),
		editqueue.WithLogger(logger),
		editqueue.WithHealthTracker(editqueue.NewHealthTracker()),
		editqueue.WithMeter(meter.Multi{
			meter.NewLogMeter(logger),
			meter.NewPromMeter(prometheus.DefaultRegisterer),
		}),
	)
	queue, err := editqueue.New(repo, results, primary, fallback, opts...)
	if err != nil {
		return err
	}

	handler := api.NewHandler(repo, queue, logger)
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler.Router(promhttp.Handler()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", cfg.Server.Addr,
			"store", cfg.Store.Driver, "results", cfg.Results.Driver,
			"primary", cfg.Primary.Provider, "fallback", cfg.Fallback.Provider)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down", "processing", queue.ProcessingCount())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}

	// In-flight edits keep running past the request that started them; give them a bounded grace period.
	done := make(chan struct{})
	go func() {
		handler.Wait()
		queue.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		logger.Warn("shutdown grace period elapsed", "processing", queue.ProcessingCount())
	}
	return nil
}
