package main

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"transfer-watcher/pkg/checkpoint"
	"transfer-watcher/pkg/retry"
	"transfer-watcher/pkg/shared"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const contractAddr = "0xd4190DD1dA460fC7Bc41a792e688604778820aC9"

func TestCheckConfig_ShorthandAndDefaults(t *testing.T) {
	cfg := config{LedgerURL: "http://ledger:8080"}
	cfg.RPCUrl = "wss://eth.example/ws"
	cfg.ContractAddr = contractAddr

	require.NoError(t, checkConfig(&cfg))
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "console", cfg.LogFormat)
	assert.Equal(t, checkpoint.BackendFile, cfg.Checkpoint.Backend)
	assert.Equal(t, defaultCheckpointDir, cfg.Checkpoint.Dir)
	assert.Equal(t, defaultSendTimeout, cfg.SendTimeout)
	assert.Equal(t, defaultForwardMaxAttempts, cfg.ForwardMaxAttempts)
	require.Len(t, cfg.Watchers, 1)
	assert.Equal(t, defaultNetwork, cfg.Watchers[0].Network)
	assert.Equal(t, contractAddr, cfg.Watchers[0].ContractAddr)
}

func TestCheckConfig_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config)
	}{
		{"missing ledger", func(c *config) { c.LedgerURL = "" }},
		{"no watchers", func(c *config) { c.Watchers = nil }},
		{"missing rpc", func(c *config) { c.Watchers[0].RPCUrl = "" }},
		{"bad contract", func(c *config) { c.Watchers[0].ContractAddr = "0x123" }},
		{"bad allow list", func(c *config) { c.Watchers[0].AllowList = []string{"bob"} }},
		{"duplicate watcher", func(c *config) { c.Watchers = append(c.Watchers, c.Watchers[0]) }},
		{"bad log format", func(c *config) { c.LogFormat = "xml" }},
		{"postgres without dsn", func(c *config) { c.Checkpoint.Backend = checkpoint.BackendPostgres }},
		{"redis without url", func(c *config) { c.Checkpoint.Backend = checkpoint.BackendRedis }},
		{"unknown backend", func(c *config) { c.Checkpoint.Backend = "etcd" }},
		{"inverted delays", func(c *config) { c.RetryBaseDelay = time.Minute; c.RetryMaxDelay = time.Second }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config{
				LedgerURL: "http://ledger:8080",
				Watchers:  []watcherConfig{{Network: "polygon", RPCUrl: "https://rpc", ContractAddr: contractAddr}},
			}
			tt.mutate(&cfg)
			assert.Error(t, checkConfig(&cfg))
		})
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level: debug
ledger_url: http://ledger:8080
send_timeout: 45s
checkpoint:
  backend: redis
  redis_url: redis://localhost:6379/0
watchers:
  - network: ethereum
    rpc_url: wss://eth.example/ws
    contract_addr: "`+contractAddr+`"
    start_block: 19000000
    poll_interval: 12s
    allow_list:
      - "0x2CDfc16cc5ed9b648D78f098d7d90CE96Fd19004"
  - network: worldchain
    rpc_url: https://worldchain.example
    contract_addr: "`+contractAddr+`"
`), 0o600))

	cfg := config{LedgerURL: "http://from-env"}
	require.NoError(t, loadConfigFromFile(&cfg, path))
	require.NoError(t, checkConfig(&cfg))

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "http://ledger:8080", cfg.LedgerURL)
	assert.Equal(t, 45*time.Second, cfg.SendTimeout)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Checkpoint.RedisURL)
	require.Len(t, cfg.Watchers, 2)
	require.NotNil(t, cfg.Watchers[0].StartBlock)
	assert.Equal(t, uint64(19000000), *cfg.Watchers[0].StartBlock)
	assert.Equal(t, 12*time.Second, cfg.Watchers[0].PollInterval)
	assert.Len(t, cfg.Watchers[0].AllowList, 1)
	assert.Nil(t, cfg.Watchers[1].StartBlock)

	opts := relayerOptions(&cfg)
	require.Len(t, opts.Watchers, 2)
	assert.Equal(t, "worldchain", opts.Watchers[1].Network)
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("RPC_URL", "https://rpc")
	t.Setenv("CONTRACT_ADDR", contractAddr)
	t.Setenv("LEDGER_URL", "http://ledger")
	t.Setenv("ALLOW_LIST", "0x2CDfc16cc5ed9b648D78f098d7d90CE96Fd19004, 0x1111111111111111111111111111111111111111")
	t.Setenv("START_BLOCK", "100")

	cfg, err := loadConfigFromEnv()
	require.NoError(t, err)
	require.NoError(t, checkConfig(&cfg))
	require.Len(t, cfg.Watchers, 1)
	assert.Len(t, cfg.Watchers[0].AllowList, 2)
	assert.Equal(t, uint64(100), *cfg.Watchers[0].StartBlock)

	t.Setenv("START_BLOCK", "latest")
	_, err = loadConfigFromEnv()
	assert.Error(t, err)
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, exitOK, exitCode(nil))
	exhausted := &retry.ExhaustedError{Attempts: 10, Err: errors.New("connection refused")}
	assert.Equal(t, exitRetryable, exitCode(exhausted))
	assert.Equal(t, exitRetryable, exitCode(&shared.ForwardError{Fatal: true, Err: exhausted}))
	assert.Equal(t, exitFatal, exitCode(&shared.PersistenceError{Op: "write", Err: errors.New("disk full")}))
}
