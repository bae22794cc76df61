package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"transfer-watcher/pkg/checkpoint"
	"transfer-watcher/pkg/forwarder"
	"transfer-watcher/pkg/relayer"
	"transfer-watcher/pkg/retry"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v2"
)

const (
	exitOK          = 0
	exitFatal       = 1
	exitRetryable   = 75 // EX_TEMPFAIL
	exitConfigError = 78 // EX_CONFIG

	defaultNetwork              = "ethereum"
	defaultCheckpointDir        = "data"
	defaultSendTimeout          = 2 * time.Minute
	defaultForwardMaxAttempts   = 5
	defaultReconnectMaxAttempts = 10
	defaultRetryBaseDelay       = time.Second
	defaultRetryMaxDelay        = 30 * time.Second
)

var (
	optionConfig = &cli.StringFlag{
		Name:     "config",
		Usage:    "path to watcher config file",
		Required: false, // Can also set config via env var
		EnvVars:  []string{"TRANSFER_WATCHER_CONFIG"},
	}
	optionLedgerURL = &cli.StringFlag{
		Name:     "ledger-url",
		Usage:    "ledger JSON-RPC endpoint",
		Required: true,
		EnvVars:  []string{"LEDGER_URL"},
	}
	optionNetwork = &cli.StringFlag{
		Name:  "network",
		Usage: "only list transfers of this network",
	}
)

func main() {
	app := &cli.App{
		Name:  "transfer-watcher",
		Usage: "Forwards ERC-721 Transfer events of document contracts to the ledger",
		Commands: []*cli.Command{
			{
				Name:  "start",
				Usage: "Start watching the configured contracts",
				Flags: []cli.Flag{
					optionConfig,
				},
				Action: func(c *cli.Context) error {
					return start(c)
				},
			},
			{
				Name:  "transfers",
				Usage: "Print the transfers recorded by the ledger as JSON lines",
				Flags: []cli.Flag{
					optionLedgerURL,
					optionNetwork,
				},
				Action: func(c *cli.Context) error {
					return transfers(c)
				},
			},
		}}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(app.Writer, "exited with error: %v\n", err)
		os.Exit(exitFatal)
	}
}

type watcherConfig struct {
	Network        string        `yaml:"network" json:"network"`
	RPCUrl         string        `yaml:"rpc_url" json:"rpc_url"`
	ContractAddr   string        `yaml:"contract_addr" json:"contract_addr"`
	AllowList      []string      `yaml:"allow_list" json:"allow_list"`
	StartBlock     *uint64       `yaml:"start_block" json:"start_block"`
	PollInterval   time.Duration `yaml:"poll_interval" json:"poll_interval"`
	MaxBlockRange  uint64        `yaml:"max_block_range" json:"max_block_range"`
	DedupCacheSize int           `yaml:"dedup_cache_size" json:"dedup_cache_size"`
}

type config struct {
	LogLevel             string            `yaml:"log_level" json:"log_level"`
	LogFormat            string            `yaml:"log_format" json:"log_format"`
	LedgerURL            string            `yaml:"ledger_url" json:"ledger_url"`
	MetricsAddr          string            `yaml:"metrics_addr" json:"metrics_addr"`
	SendTimeout          time.Duration     `yaml:"send_timeout" json:"send_timeout"`
	ForwardMaxAttempts   int               `yaml:"forward_max_attempts" json:"forward_max_attempts"`
	ReconnectMaxAttempts int               `yaml:"reconnect_max_attempts" json:"reconnect_max_attempts"`
	RetryBaseDelay       time.Duration     `yaml:"retry_base_delay" json:"retry_base_delay"`
	RetryMaxDelay        time.Duration     `yaml:"retry_max_delay" json:"retry_max_delay"`
	Checkpoint           checkpoint.Config `yaml:"checkpoint" json:"checkpoint"`
	Watchers             []watcherConfig   `yaml:"watchers" json:"watchers"`

	// Single-watcher shorthand.
	watcherConfig `yaml:",inline"`
}

func loadConfigFromEnv() (config, error) {
	cfg := config{
		LogLevel:   os.Getenv("LOG_LEVEL"),
		LedgerURL:  os.Getenv("LEDGER_URL"),
		Checkpoint: checkpoint.Config{Dir: os.Getenv("CHECKPOINT_DIR")},
		watcherConfig: watcherConfig{
			Network:      os.Getenv("NETWORK"),
			RPCUrl:       os.Getenv("RPC_URL"),
			ContractAddr: os.Getenv("CONTRACT_ADDR"),
		},
	}
	if v := os.Getenv("ALLOW_LIST"); v != "" {
		for _, addr := range strings.Split(v, ",") {
			if addr = strings.TrimSpace(addr); addr != "" {
				cfg.AllowList = append(cfg.AllowList, addr)
			}
		}
	}
	if v := os.Getenv("START_BLOCK"); v != "" {
		block, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return cfg, fmt.Errorf("START_BLOCK must be a block number: %w", err)
		}
		cfg.StartBlock = &block
	}
	return cfg, nil
}

func loadConfigFromFile(cfg *config, filePath string) error {
	buf, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("failed to read config file at: %s, %w", filePath, err)
	}
	if err := yaml.Unmarshal(buf, cfg); err != nil {
		return fmt.Errorf("failed to unmarshal config file at: %s, %w", filePath, err)
	}
	return nil
}

func setupLogging(logLevel, logFormat string) error {
	lvl, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("failed to parse log level: %w", err)
	}
	zerolog.SetGlobalLevel(lvl)
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if logFormat == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	return nil
}

func checkConfig(cfg *config) error {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "console"
	}
	if cfg.LogFormat != "console" && cfg.LogFormat != "json" {
		return fmt.Errorf("log_format must be console or json")
	}

	if cfg.LedgerURL == "" {
		return fmt.Errorf("ledger_url is required")
	}

	if cfg.SendTimeout == 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	if cfg.ForwardMaxAttempts == 0 {
		cfg.ForwardMaxAttempts = defaultForwardMaxAttempts
	}
	if cfg.ReconnectMaxAttempts == 0 {
		cfg.ReconnectMaxAttempts = defaultReconnectMaxAttempts
	}
	if cfg.RetryBaseDelay == 0 {
		cfg.RetryBaseDelay = defaultRetryBaseDelay
	}
	if cfg.RetryMaxDelay == 0 {
		cfg.RetryMaxDelay = defaultRetryMaxDelay
	}
	if cfg.RetryMaxDelay < cfg.RetryBaseDelay {
		return fmt.Errorf("retry_max_delay must not be below retry_base_delay")
	}

	switch cfg.Checkpoint.Backend {
	case "", checkpoint.BackendFile:
		cfg.Checkpoint.Backend = checkpoint.BackendFile
		if cfg.Checkpoint.Dir == "" {
			cfg.Checkpoint.Dir = defaultCheckpointDir
		}
	case checkpoint.BackendPostgres:
		if cfg.Checkpoint.PgDSN == "" {
			return fmt.Errorf("checkpoint.pg_dsn is required for the postgres backend")
		}
	case checkpoint.BackendRedis:
		if cfg.Checkpoint.RedisURL == "" {
			return fmt.Errorf("checkpoint.redis_url is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown checkpoint backend: %s", cfg.Checkpoint.Backend)
	}

	if cfg.RPCUrl != "" || cfg.ContractAddr != "" {
		cfg.Watchers = append(cfg.Watchers, cfg.watcherConfig)
		cfg.watcherConfig = watcherConfig{}
	}
	if len(cfg.Watchers) == 0 {
		return fmt.Errorf("rpc_url and contract_addr are required")
	}

	seen := make(map[string]struct{})
	for i := range cfg.Watchers {
		w := &cfg.Watchers[i]
		if w.Network == "" {
			w.Network = defaultNetwork
		}
		if w.RPCUrl == "" {
			return fmt.Errorf("watchers[%d]: rpc_url is required", i)
		}
		if !common.IsHexAddress(w.ContractAddr) {
			return fmt.Errorf("watchers[%d]: contract_addr %q is not an address", i, w.ContractAddr)
		}
		for _, addr := range w.AllowList {
			if !common.IsHexAddress(addr) {
				return fmt.Errorf("watchers[%d]: allow_list entry %q is not an address", i, addr)
			}
		}
		key := w.Network + ":" + strings.ToLower(w.ContractAddr)
		if _, dup := seen[key]; dup {
			return fmt.Errorf("watchers[%d]: %s/%s is configured twice", i, w.Network, w.ContractAddr)
		}
		seen[key] = struct{}{}
	}

	return nil
}

func relayerOptions(cfg *config) *relayer.Options {
	opts := &relayer.Options{
		LedgerURL:            cfg.LedgerURL,
		Checkpoint:           cfg.Checkpoint,
		MetricsAddr:          cfg.MetricsAddr,
		SendTimeout:          cfg.SendTimeout,
		ForwardMaxAttempts:   cfg.ForwardMaxAttempts,
		ReconnectMaxAttempts: cfg.ReconnectMaxAttempts,
		RetryBaseDelay:       cfg.RetryBaseDelay,
		RetryMaxDelay:        cfg.RetryMaxDelay,
	}
	for _, w := range cfg.Watchers {
		opts.Watchers = append(opts.Watchers, relayer.WatcherOptions{
			Network:        w.Network,
			RPCUrl:         w.RPCUrl,
			ContractAddr:   common.HexToAddress(w.ContractAddr),
			AllowList:      w.AllowList,
			StartBlock:     w.StartBlock,
			PollInterval:   w.PollInterval,
			MaxBlockRange:  w.MaxBlockRange,
			DedupCacheSize: w.DedupCacheSize,
		})
	}
	return opts
}

func exitCode(err error) int {
	var exhausted *retry.ExhaustedError
	switch {
	case err == nil:
		return exitOK
	case errors.As(err, &exhausted):
		return exitRetryable
	default:
		return exitFatal
	}
}

func start(c *cli.Context) error {
	cfg, err := loadConfigFromEnv()
	if err != nil {
		return cli.Exit(fmt.Sprintf("invalid config: %v", err), exitConfigError)
	}

	configFilePath := c.String(optionConfig.Name)
	if configFilePath == "" {
		log.Info().Msg("env var config will be used")
	} else {
		log.Info().Str("config_file", configFilePath).Msg(
			"overriding env var config with file")
		if err := loadConfigFromFile(&cfg, configFilePath); err != nil {
			return cli.Exit(fmt.Sprintf("failed to load config provided as file: %v", err), exitConfigError)
		}
	}

	if err := checkConfig(&cfg); err != nil {
		return cli.Exit(fmt.Sprintf("invalid config: %v", err), exitConfigError)
	}

	if err := setupLogging(cfg.LogLevel, cfg.LogFormat); err != nil {
		return cli.Exit(err.Error(), exitConfigError)
	}

	r, err := relayer.NewRelayer(c.Context, relayerOptions(&cfg))
	if err != nil {
		log.Error().Err(err).Msg("failed to start relayer")
		return cli.Exit(err.Error(), exitFatal)
	}

	interruptSigChan := make(chan os.Signal, 1)
	signal.Notify(interruptSigChan, os.Interrupt, syscall.SIGTERM)

	// Block until interrupt signal, a fatal watcher error, or context's Done channel is closed.
	select {
	case <-interruptSigChan:
	case <-r.Done():
	case <-c.Done():
	}
	fmt.Fprintf(c.App.Writer, "shutting down...\n")

	closedAllSuccessfully := make(chan struct{})
	go func() {
		defer close(closedAllSuccessfully)

		err := r.TryCloseAll()
		if err != nil {
			log.Error().Err(err).Msg("failed to close all watchers and connections")
		}
	}()
	select {
	case <-closedAllSuccessfully:
	case <-time.After(15 * time.Second):
		log.Error().Msg("failed to close all in time")
		return cli.Exit("shutdown timed out", exitFatal)
	}

	select {
	case <-r.Done():
	default:
		return cli.Exit("watchers did not stop", exitFatal)
	}
	if err := r.Err(); err != nil {
		return cli.Exit(err.Error(), exitCode(err))
	}
	return nil
}

func transfers(c *cli.Context) error {
	ctx, cancel := context.WithTimeout(c.Context, 30*time.Second)
	defer cancel()

	ledger, err := forwarder.DialLedger(ctx, c.String(optionLedgerURL.Name))
	if err != nil {
		return cli.Exit(err.Error(), exitFatal)
	}
	fwd := forwarder.NewForwarder(ledger, forwarder.Options{})
	defer fwd.Close()

	list, err := fwd.Transfers(ctx, c.String(optionNetwork.Name))
	if err != nil {
		return cli.Exit(err.Error(), exitFatal)
	}
	enc := json.NewEncoder(c.App.Writer)
	for _, t := range list {
		if err := enc.Encode(t); err != nil {
			return err
		}
	}
	return nil
}
