package editqueue_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	eq "github.com/ineyio/editqueue"
	"github.com/ineyio/editqueue/provider/mock"
	"github.com/ineyio/editqueue/store/memory"
)

func TestParseConfig_Defaults(t *testing.T) {
	cfg, err := eq.ParseConfig([]byte("fallback:\n  provider: local\n"))
	require.NoError(t, err)

	assert.Equal(t, eq.DefaultMaxConcurrency, cfg.Queue.MaxConcurrency)
	assert.Equal(t, eq.DefaultMaxConcurrency, cfg.Queue.ChunkSize)
	assert.Equal(t, eq.DefaultMaxBatchSize, cfg.Queue.MaxBatchSize)
	assert.Equal(t, eq.DefaultRetryPolicy(), cfg.Queue.Retry)
	assert.Equal(t, eq.DefaultImageBaseURL, cfg.Queue.ImageBaseURL)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, int64(eq.DefaultMonthlyFreeLimit), cfg.Store.MonthlyFreeLimit)
	assert.Equal(t, "local", cfg.Results.Driver)
	assert.Equal(t, "uploads/ai-edits", cfg.Results.Dir)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "text", cfg.Log.Format)
}

func TestParseConfig_Full(t *testing.T) {
	t.Setenv("HF_KEY", "hf_secret")
	data := []byte(`
queue:
  max_concurrency: 5
  provider_timeout: 30s
  retry:
    rate_limit_attempts: 4
    default_retry_after: 2s
primary:
  provider: huggingface
  api_key: ${HF_KEY}
fallback:
  provider: local
  base_url: http://127.0.0.1:5001
store:
  driver: sqlite
  dsn: data/editqueue.db
ledger:
  driver: redis
  redis_addr: localhost:6379
results:
  driver: gcs
  bucket: edits
`)
	cfg, err := eq.ParseConfig(data)
	require.NoError(t, err)

	assert.Equal(t, "hf_secret", cfg.Primary.APIKey)
	assert.Equal(t, 5, cfg.Queue.ChunkSize)
	assert.Equal(t, 4, cfg.Queue.Retry.RateLimitAttempts)
	assert.Equal(t, eq.DefaultModelLoadingAttempts, cfg.Queue.Retry.ModelLoadingAttempts)
	assert.Equal(t, 2*time.Second, cfg.Queue.Retry.DefaultRetryAfter)
	assert.Equal(t, 30*time.Second, cfg.Queue.Retry.CallTimeout)
	assert.Equal(t, "redis", cfg.Ledger.Driver)
}

func TestParseConfig_Invalid(t *testing.T) {
	cases := map[string]string{
		"unknown primary":    "primary:\n  provider: dalle\n",
		"missing api key":    "primary:\n  provider: openai\n",
		"signing key on hf":  "primary:\n  provider: huggingface\n  api_key: k\n  signing_key: ab\n",
		"negative conc":      "queue:\n  max_concurrency: -1\n",
		"unknown store":      "store:\n  driver: mongo\n",
		"store without dsn":  "store:\n  driver: postgres\n",
		"redis without addr": "ledger:\n  driver: redis\n",
		"gcs without bucket": "results:\n  driver: gcs\n",
		"bad log format":     "log:\n  format: xml\n",
		"bad yaml":           "queue: [",
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := eq.ParseConfig([]byte(data))
			assert.Error(t, err)
		})
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "editqueue.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  addr: \":9090\"\n"), 0o600))

	cfg, err := eq.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Server.Addr)

	_, err = eq.LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestQueueOptions(t *testing.T) {
	cfg, err := eq.ParseConfig([]byte("queue:\n  max_concurrency: 2\n  max_batch_size: 7\n  provider_timeout: 5s\n"))
	require.NoError(t, err)

	q, err := eq.New(memory.New(), newMemResults(), nil, mock.New(), cfg.Queue.QueueOptions()...)
	require.NoError(t, err)
	assert.Equal(t, 7, q.MaxBatchSize())
	assert.Equal(t, 5*time.Second, q.Policy().CallTimeout)
}
