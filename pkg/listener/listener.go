package listener

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"

	"transfer-watcher/pkg/filter"
	"transfer-watcher/pkg/metrics"
	"transfer-watcher/pkg/retry"
	"transfer-watcher/pkg/shared"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultMaxBlockRange = uint64(500)
	DefaultPollInterval  = 5 * time.Second
)

// ChainClient is the subset of *ethclient.Client used by the listener.
type ChainClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
	Close()
}

// Stream hands out ordered batches of Transfer logs. Next returns io.EOF
// when a finite stream is exhausted and a *shared.ConnectorError when the
// underlying connection fails.
type Stream interface {
	Next(ctx context.Context) (shared.Batch, error)
	Close()
}

type Options struct {
	Network       string
	Contract      common.Address
	MaxBlockRange uint64
	PollInterval  time.Duration
	// Subscribe selects eth_subscribe for live logs instead of polling.
	Subscribe bool
}

type Listener struct {
	client ChainClient
	opts   Options
	logger zerolog.Logger
}

// Dial connects to rpcURL. Websocket and IPC endpoints enable subscriptions.
func Dial(ctx context.Context, rpcURL string) (*ethclient.Client, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, wrap("dial", err)
	}
	return client, nil
}

// SupportsSubscriptions reports whether rpcURL is a push-capable endpoint.
func SupportsSubscriptions(rpcURL string) bool {
	u := strings.ToLower(rpcURL)
	return strings.HasPrefix(u, "ws://") || strings.HasPrefix(u, "wss://") ||
		(!strings.Contains(u, "://") && strings.HasSuffix(u, ".ipc"))
}

func NewListener(client ChainClient, opts Options) *Listener {
	if opts.MaxBlockRange == 0 {
		opts.MaxBlockRange = DefaultMaxBlockRange
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	return &Listener{
		client: client,
		opts:   opts,
		logger: log.With().
			Str("component", "listener").
			Str("network", opts.Network).
			Str("contract", opts.Contract.Hex()).
			Logger(),
	}
}

// Head returns the current chain head.
func (l *Listener) Head(ctx context.Context) (uint64, error) {
	head, err := l.client.BlockNumber(ctx)
	if err != nil {
		return 0, l.fail("block number", err)
	}
	metrics.ChainHead.WithLabelValues(l.opts.Network, l.opts.Contract.Hex()).Set(float64(head))
	return head, nil
}

// CatchUp returns a finite stream of every Transfer log in [from, head],
// where head is read once now. Each batch spans at most MaxBlockRange blocks.
func (l *Listener) CatchUp(ctx context.Context, from uint64) (Stream, error) {
	head, err := l.Head(ctx)
	if err != nil {
		return nil, err
	}
	l.logger.Info().Uint64("from", from).Uint64("head", head).Msg("catching up")
	return &rangeStream{listener: l, next: from, end: head}, nil
}

// Subscribe returns an infinite stream of Transfer logs from block from onward.
func (l *Listener) Subscribe(ctx context.Context, from uint64) (Stream, error) {
	if l.opts.Subscribe {
		s, err := l.subscribe(ctx, from)
		if err == nil {
			return s, nil
		}
		if !errors.Is(err, rpc.ErrNotificationsUnsupported) {
			return nil, err
		}
		l.logger.Warn().Msg("endpoint does not support subscriptions, falling back to polling")
	}
	l.logger.Info().Uint64("from", from).Dur("interval", l.opts.PollInterval).Msg("polling for new transfers")
	return &pollStream{listener: l, next: from}, nil
}

func (l *Listener) Close() {
	l.client.Close()
}

func (l *Listener) query(from, to uint64) ethereum.FilterQuery {
	return ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{l.opts.Contract},
		Topics:    [][]common.Hash{{filter.TransferTopic}},
	}
}

// fetchRange returns the Transfer logs of [from, to] sorted by position.
func (l *Listener) fetchRange(ctx context.Context, from, to uint64) ([]types.Log, error) {
	logs, err := l.client.FilterLogs(ctx, l.query(from, to))
	if err != nil {
		return nil, l.fail(fmt.Sprintf("filter logs %d-%d", from, to), err)
	}
	sortLogs(logs)
	l.logger.Debug().Int("logs", len(logs)).Uint64("from", from).Uint64("to", to).Msg("fetched transfer logs")
	return logs, nil
}

func (l *Listener) chunkEnd(from, limit uint64) uint64 {
	end := from + l.opts.MaxBlockRange - 1
	if end > limit || end < from {
		end = limit
	}
	return end
}

func (l *Listener) fail(op string, err error) error {
	wrapped := wrap(op, err)
	var connErr *shared.ConnectorError
	if errors.As(wrapped, &connErr) {
		kind := "fatal"
		if connErr.Transient {
			kind = "transient"
		}
		metrics.ListenerErrors.WithLabelValues(l.opts.Network, l.opts.Contract.Hex(), kind).Inc()
	}
	return wrapped
}

func wrap(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &shared.ConnectorError{
		Op:        op,
		Transient: retry.Classify(err).IsTransient(),
		Err:       err,
	}
}

func sortLogs(logs []types.Log) {
	sort.SliceStable(logs, func(i, j int) bool {
		return shared.PositionOf(logs[i]).Less(shared.PositionOf(logs[j]))
	})
}
