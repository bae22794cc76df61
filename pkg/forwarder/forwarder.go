package forwarder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"transfer-watcher/pkg/metrics"
	"transfer-watcher/pkg/retry"
	"transfer-watcher/pkg/shared"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultMaxAttempts = 5
	DefaultCallTimeout = 10 * time.Second
)

// Ledger is the remote append-only transfer ledger.
type Ledger interface {
	IngestTransfer(ctx context.Context, event shared.TransferEvent) error
	GetTransfers(ctx context.Context) ([]shared.TransferEvent, error)
	Close()
}

// RPCLedger talks to the ledger over JSON-RPC.
type RPCLedger struct {
	client *rpc.Client
}

func DialLedger(ctx context.Context, url string) (*RPCLedger, error) {
	client, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to dial ledger at %s: %w", url, err)
	}
	return NewRPCLedger(client), nil
}

func NewRPCLedger(client *rpc.Client) *RPCLedger {
	return &RPCLedger{client: client}
}

func (l *RPCLedger) IngestTransfer(ctx context.Context, event shared.TransferEvent) error {
	return l.client.CallContext(ctx, nil, "ledger_ingestTransfer", event)
}

func (l *RPCLedger) GetTransfers(ctx context.Context) ([]shared.TransferEvent, error) {
	var out []shared.TransferEvent
	if err := l.client.CallContext(ctx, &out, "ledger_getTransfers"); err != nil {
		return nil, err
	}
	return out, nil
}

func (l *RPCLedger) Close() { l.client.Close() }

type Options struct {
	Network     string
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	CallTimeout time.Duration
}

// Forwarder delivers transfers to the ledger at least once. Repeated sends of
// one transfer are absorbed by the ledger's identity-key dedup.
type Forwarder struct {
	ledger      Ledger
	backoff     *retry.Backoff
	network     string
	callTimeout time.Duration
	logger      zerolog.Logger
}

func NewForwarder(ledger Ledger, opts Options) *Forwarder {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	return &Forwarder{
		ledger:      ledger,
		backoff:     retry.NewBackoff(opts.MaxAttempts, opts.BaseDelay, opts.MaxDelay),
		network:     opts.Network,
		callTimeout: opts.CallTimeout,
		logger:      log.With().Str("component", "forwarder").Str("network", opts.Network).Logger(),
	}
}

// Send delivers event, retrying transient failures. Any returned error is a
// *shared.ForwardError with Fatal set: the caller must not advance past the
// event's block.
func (f *Forwarder) Send(ctx context.Context, event shared.TransferEvent) error {
	start := time.Now()
	attempts, err := f.backoff.Retry(ctx, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, f.callTimeout)
		defer cancel()
		err := classifyLedgerError(f.ledger.IngestTransfer(callCtx, event))
		if err != nil && retry.Classify(err).IsTransient() {
			metrics.ForwardAttempts.WithLabelValues(f.network, "retry").Inc()
		}
		return err
	})
	metrics.ForwardLatency.WithLabelValues(f.network).Observe(time.Since(start).Seconds())

	if err == nil {
		metrics.ForwardAttempts.WithLabelValues(f.network, "ok").Inc()
		f.logger.Debug().
			Str("tx_hash", event.TxHash).
			Uint64("log_index", event.LogIndex).
			Int("attempts", attempts).
			Msg("transfer forwarded")
		return nil
	}

	metrics.ForwardAttempts.WithLabelValues(f.network, "fatal").Inc()
	var exhausted *retry.ExhaustedError
	if errors.As(err, &exhausted) {
		f.logger.Error().Err(err).Str("key", event.Key()).Msg("ledger unreachable, retries exhausted")
	} else {
		f.logger.Error().Err(err).Str("key", event.Key()).Msg("ledger rejected transfer")
	}
	return &shared.ForwardError{Key: event.Key(), Attempts: attempts, Fatal: true, Err: err}
}

// classifyLedgerError marks every JSON-RPC error response from the ledger as
// terminal: the ledger answered and refused the transfer. Only transport
// failures are left to the generic classifier.
func classifyLedgerError(err error) error {
	if err == nil {
		return nil
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return retry.Terminal(err)
	}
	return err
}

// Transfers lists what the ledger holds, optionally restricted to network.
func (f *Forwarder) Transfers(ctx context.Context, network string) ([]shared.TransferEvent, error) {
	all, err := f.ledger.GetTransfers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get transfers: %w", err)
	}
	if network == "" {
		return all, nil
	}
	out := all[:0]
	for _, t := range all {
		if t.Network == network {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *Forwarder) Close() { f.ledger.Close() }
