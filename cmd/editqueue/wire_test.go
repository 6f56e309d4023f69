package main

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/editqueue"
	"github.com/ineyio/editqueue/provider/huggingface"
	"github.com/ineyio/editqueue/store/gormstore"
	"github.com/ineyio/editqueue/store/memory"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warn"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel(""))
}

func TestNewLogger_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "editqueue.log")
	logger, closeFn := newLogger(editqueue.LogConfig{Level: "info", Format: "json", File: path, MaxSizeMB: 1})
	logger.Info("hello")
	closeFn()
	assert.FileExists(t, path)
}

func TestBuildProvider(t *testing.T) {
	ctx := context.Background()

	p, err := buildProvider(ctx, editqueue.ProviderConfig{})
	require.NoError(t, err)
	assert.Nil(t, p)

	p, err = buildProvider(ctx, editqueue.ProviderConfig{Provider: "huggingface", APIKey: "k"})
	require.NoError(t, err)
	assert.IsType(t, &huggingface.Provider{}, p)

	p, err = buildProvider(ctx, editqueue.ProviderConfig{Provider: "local", BaseURL: "http://127.0.0.1:1"})
	require.NoError(t, err)
	assert.Equal(t, "local", p.Name())

	_, err = buildProvider(ctx, editqueue.ProviderConfig{Provider: "local", SigningKey: "zz"})
	assert.Error(t, err)

	_, err = buildProvider(ctx, editqueue.ProviderConfig{Provider: "nope"})
	assert.Error(t, err)
}

func TestBuildStore(t *testing.T) {
	ctx := context.Background()

	repo, closeFn, err := buildStore(ctx, editqueue.StoreConfig{Driver: "memory", MonthlyFreeLimit: 5}, editqueue.LedgerConfig{})
	require.NoError(t, err)
	defer closeFn()
	assert.IsType(t, &memory.Store{}, repo)

	q, err := repo.Quota(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), q.Limit)

	dsn := filepath.Join(t.TempDir(), "edits.db")
	repo, closeFn, err = buildStore(ctx, editqueue.StoreConfig{Driver: "sqlite", DSN: dsn, MonthlyFreeLimit: 5}, editqueue.LedgerConfig{})
	require.NoError(t, err)
	defer closeFn()
	assert.IsType(t, &gormstore.Store{}, repo)
}

func TestBuildResults(t *testing.T) {
	rs, closeFn, err := buildResults(context.Background(), editqueue.ResultsConfig{Driver: "local", Dir: t.TempDir()})
	require.NoError(t, err)
	defer closeFn()

	url, err := rs.Persist(context.Background(), []byte("x"), "e1")
	require.NoError(t, err)
	assert.Equal(t, "/uploads/ai-edits/e1.png", url)

	_, _, err = buildResults(context.Background(), editqueue.ResultsConfig{Driver: "s3"})
	assert.Error(t, err)
}
