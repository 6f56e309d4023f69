package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/ineyio/editqueue"
	"github.com/ineyio/editqueue/provider/gemini"
	"github.com/ineyio/editqueue/provider/huggingface"
	"github.com/ineyio/editqueue/provider/local"
	"github.com/ineyio/editqueue/provider/openai"
	"github.com/ineyio/editqueue/resultstore/gcs"
	resultlocal "github.com/ineyio/editqueue/resultstore/local"
	"github.com/ineyio/editqueue/store/gormstore"
	"github.com/ineyio/editqueue/store/memory"
	"github.com/ineyio/editqueue/store/postgres"
	"github.com/ineyio/editqueue/store/redis"
)

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// newLogger builds the process logger. When a file is configured, output is rotated by lumberjack.
func newLogger(cfg editqueue.LogConfig) (*slog.Logger, func()) {
	var w io.Writer = os.Stderr
	closeFn := func() {}
	if cfg.File != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			Compress:   true,
		}
		w = lj
		closeFn = func() { _ = lj.Close() }
	}

	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	var h slog.Handler
	if cfg.Format == "json" {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h), closeFn
}

// buildProvider returns nil for an empty provider name.
func buildProvider(ctx context.Context, cfg editqueue.ProviderConfig) (editqueue.Provider, error) {
	switch cfg.Provider {
	case "":
		return nil, nil
	case "huggingface":
		var opts []huggingface.Option
		if cfg.BaseURL != "" {
			opts = append(opts, huggingface.WithBaseURL(cfg.BaseURL))
		}
		if cfg.Timeout > 0 {
			opts = append(opts, huggingface.WithTimeout(cfg.Timeout))
		}
		return huggingface.New(cfg.APIKey, opts...), nil
	case "openai":
		var opts []openai.Option
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		if cfg.Model != "" {
			opts = append(opts, openai.WithModel(cfg.Model))
		}
		if cfg.Timeout > 0 {
			opts = append(opts, openai.WithTimeout(cfg.Timeout))
		}
		return openai.New(cfg.APIKey, opts...), nil
	case "gemini":
		var opts []gemini.Option
		if cfg.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(cfg.BaseURL))
		}
		if cfg.Model != "" {
			opts = append(opts, gemini.WithModel(cfg.Model))
		}
		if cfg.Timeout > 0 {
			opts = append(opts, gemini.WithTimeout(cfg.Timeout))
		}
		return gemini.New(ctx, cfg.APIKey, opts...)
	case "local":
		var opts []local.Option
		if cfg.BaseURL != "" {
			opts = append(opts, local.WithBaseURL(cfg.BaseURL))
		}
		if cfg.Timeout > 0 {
			opts = append(opts, local.WithTimeout(cfg.Timeout))
		}
		if cfg.SigningKey != "" {
			opts = append(opts, local.WithSigningKey(cfg.SigningKey))
		}
		return local.New(opts...)
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}

// buildStore opens the edit repository and, when configured, swaps in a Redis usage ledger.
func buildStore(ctx context.Context, cfg editqueue.StoreConfig, ledgerCfg editqueue.LedgerConfig) (editqueue.Repository, func(), error) {
	var (
		repo    editqueue.Repository
		closers []func()
	)
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	switch cfg.Driver {
	case "", "memory":
		repo = memory.New(memory.WithFreeLimit(cfg.MonthlyFreeLimit))
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		closers = append(closers, pool.Close)
		opts := []postgres.Option{postgres.WithFreeLimit(cfg.MonthlyFreeLimit)}
		if cfg.TablePrefix != "" {
			opts = append(opts, postgres.WithTablePrefix(cfg.TablePrefix))
		}
		s := postgres.New(pool, opts...)
		if err := s.EnsureSchema(ctx); err != nil {
			closeAll()
			return nil, nil, err
		}
		repo = s
	case "sqlite", "gorm-postgres":
		s, err := gormstore.Open(cfg.DSN,
			gormstore.WithTablePrefix(cfg.TablePrefix),
			gormstore.WithFreeLimit(cfg.MonthlyFreeLimit),
		)
		if err != nil {
			return nil, nil, err
		}
		closers = append(closers, func() { _ = s.Close() })
		repo = s
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}

	if ledgerCfg.Driver == "redis" {
		client := goredis.NewClient(&goredis.Options{
			Addr:     ledgerCfg.RedisAddr,
			Password: ledgerCfg.RedisPassword,
			DB:       ledgerCfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			closeAll()
			return nil, nil, fmt.Errorf("connect redis: %w", err)
		}
		closers = append(closers, func() { _ = client.Close() })

		opts := []redis.Option{redis.WithFreeLimit(cfg.MonthlyFreeLimit)}
		if ledgerCfg.KeyPrefix != "" {
			opts = append(opts, redis.WithKeyPrefix(ledgerCfg.KeyPrefix))
		}
		repo = editqueue.CombineStores(repo, redis.New(client, opts...))
	}
	return repo, closeAll, nil
}

func buildResults(ctx context.Context, cfg editqueue.ResultsConfig) (editqueue.ResultStore, func(), error) {
	switch cfg.Driver {
	case "", "local":
		return resultlocal.New(cfg.Dir, cfg.URLPrefix), func() {}, nil
	case "gcs":
		var opts []gcs.Option
		if cfg.ObjectPrefix != "" {
			opts = append(opts, gcs.WithObjectPrefix(cfg.ObjectPrefix))
		}
		if cfg.PublicBaseURL != "" {
			opts = append(opts, gcs.WithPublicBaseURL(cfg.PublicBaseURL))
		}
		if cfg.Endpoint != "" {
			opts = append(opts, gcs.WithEndpoint(cfg.Endpoint))
		}
		s, err := gcs.New(ctx, cfg.Bucket, opts...)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown results driver %q", cfg.Driver)
	}
}
