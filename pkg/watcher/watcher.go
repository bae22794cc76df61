package watcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"transfer-watcher/pkg/checkpoint"
	"transfer-watcher/pkg/filter"
	"transfer-watcher/pkg/listener"
	"transfer-watcher/pkg/metrics"
	"transfer-watcher/pkg/retry"
	"transfer-watcher/pkg/shared"

	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultDedupCacheSize       = 10000
	DefaultSendTimeout          = 2 * time.Minute
	DefaultReconnectMaxAttempts = 10
)

// Connector is the chain side of the watcher.
type Connector interface {
	Head(ctx context.Context) (uint64, error)
	CatchUp(ctx context.Context, from uint64) (listener.Stream, error)
	Subscribe(ctx context.Context, from uint64) (listener.Stream, error)
}

// Sender delivers one transfer to the ledger.
type Sender interface {
	Send(ctx context.Context, event shared.TransferEvent) error
}

type Config struct {
	Network   string
	Contract  common.Address
	AllowList filter.AllowList
	// StartBlock is used only when no checkpoint exists. Nil means chain head.
	StartBlock *uint64

	DedupCacheSize       int
	SendTimeout          time.Duration
	ReconnectMaxAttempts int
	RetryBaseDelay       time.Duration
	RetryMaxDelay        time.Duration
}

type Watcher struct {
	cfg       Config
	connector Connector
	sender    Sender
	store     checkpoint.Store
	logger    zerolog.Logger

	reconnect *retry.Backoff
	seen      *lru.Cache[string, struct{}]

	mu    sync.Mutex
	state WatcherState

	// floor is the first block of the current resume. Nothing below it is
	// ever settled by this watcher.
	floor    uint64
	advanced bool
	// replayFrom is the lowest block of a log seen out of order. The next
	// resume starts there even if the checkpoint is already past it.
	replayFrom    uint64
	hasReplayFrom bool

	err error
}

func NewWatcher(cfg Config, connector Connector, sender Sender, store checkpoint.Store) (*Watcher, error) {
	if cfg.DedupCacheSize <= 0 {
		cfg.DedupCacheSize = DefaultDedupCacheSize
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	if cfg.ReconnectMaxAttempts <= 0 {
		cfg.ReconnectMaxAttempts = DefaultReconnectMaxAttempts
	}
	seen, err := lru.New[string, struct{}](cfg.DedupCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create dedup cache: %w", err)
	}
	return &Watcher{
		cfg:       cfg,
		connector: connector,
		sender:    sender,
		store:     store,
		logger: log.With().
			Str("component", "watcher").
			Str("network", cfg.Network).
			Str("contract", cfg.Contract.Hex()).
			Logger(),
		reconnect: retry.NewBackoff(cfg.ReconnectMaxAttempts, cfg.RetryBaseDelay, cfg.RetryMaxDelay),
		seen:      seen,
	}, nil
}

// Start runs the watcher in its own goroutine. The returned channel is closed
// when it stops; Err reports why.
func (w *Watcher) Start(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		err := w.Run(ctx)
		w.mu.Lock()
		w.err = err
		w.mu.Unlock()
	}()
	return done
}

func (w *Watcher) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

func (w *Watcher) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state.State
}

func (w *Watcher) Snapshot() WatcherState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Run watches until ctx is cancelled or a fatal error occurs. Shutdown
// returns nil. Transient connector errors are retried by resuming from the
// saved checkpoint; running out of attempts returns a *retry.ExhaustedError.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.setState(Stopped)

	failures := 0
	for {
		err := w.resume(ctx)
		if ctx.Err() != nil && (err == nil || errors.Is(err, context.Canceled)) {
			w.logger.Info().Msg("watcher stopped")
			return nil
		}

		var connErr *shared.ConnectorError
		if !errors.As(err, &connErr) || !connErr.Transient {
			w.logger.Error().Err(err).Msg("watcher stopped on fatal error")
			return err
		}

		w.mu.Lock()
		if w.advanced {
			failures = 0
			w.advanced = false
		}
		w.state.Connected = false
		w.mu.Unlock()

		failures++
		if failures > w.cfg.ReconnectMaxAttempts {
			w.logger.Error().Err(err).Int("attempts", w.cfg.ReconnectMaxAttempts).Msg("reconnect attempts exhausted")
			return &retry.ExhaustedError{Attempts: w.cfg.ReconnectMaxAttempts, Err: err}
		}

		w.setState(Reconnecting)
		metrics.Reconnects.WithLabelValues(w.cfg.Network, w.cfg.Contract.Hex()).Inc()
		delay := w.reconnect.Delay(failures)
		w.logger.Warn().Err(err).
			Int("attempt", failures).
			Dur("delay", delay).
			Msg("connection lost, reconnecting")
		if err := retry.Sleep(ctx, delay); err != nil {
			w.logger.Info().Msg("watcher stopped")
			return nil
		}
	}
}

// resume goes through STARTING, CATCHING_UP and LIVE. It only returns on
// error or cancellation.
func (w *Watcher) resume(ctx context.Context) error {
	w.setState(Starting)
	from, err := w.startBlock(ctx)
	if err != nil {
		return err
	}
	if w.hasReplayFrom {
		if w.replayFrom < from {
			w.logger.Warn().
				Uint64("from", w.replayFrom).
				Uint64("checkpoint_next", from).
				Msg("replaying blocks behind the checkpoint after out-of-order log")
			from = w.replayFrom
		}
		w.hasReplayFrom = false
	}

	w.mu.Lock()
	w.floor = from
	w.state.HasCursor = false
	w.state.HasPending = false
	w.mu.Unlock()

	w.setState(CatchingUp)
	stream, err := w.connector.CatchUp(ctx, from)
	if err != nil {
		return err
	}
	next, err := w.consume(ctx, stream, from)
	stream.Close()
	if err != nil {
		return err
	}

	w.setState(Live)
	w.logger.Info().Uint64("from", next).Msg("caught up, following new blocks")
	stream, err = w.connector.Subscribe(ctx, next)
	if err != nil {
		return err
	}
	defer stream.Close()
	if _, err := w.consume(ctx, stream, next); err != nil {
		return err
	}
	return &shared.ConnectorError{Op: "subscribe", Transient: true, Err: errors.New("live stream ended")}
}

func (w *Watcher) startBlock(ctx context.Context) (uint64, error) {
	last, ok, err := w.store.Load(ctx)
	if err != nil {
		return 0, err
	}
	if ok {
		w.mu.Lock()
		w.state.LastCheckpoint = last
		w.state.HasCheckpoint = true
		w.mu.Unlock()
		metrics.CheckpointBlock.WithLabelValues(w.cfg.Network, w.cfg.Contract.Hex()).Set(float64(last))
		w.logger.Info().Uint64("checkpoint", last).Msg("resuming from checkpoint")
		return last + 1, nil
	}
	if w.cfg.StartBlock != nil {
		w.logger.Info().Uint64("start_block", *w.cfg.StartBlock).Msg("no checkpoint, starting from configured block")
		return *w.cfg.StartBlock, nil
	}
	head, err := w.connector.Head(ctx)
	if err != nil {
		return 0, err
	}
	w.logger.Info().Uint64("head", head).Msg("no checkpoint, starting from chain head")
	return head, nil
}

// consume drains stream and returns the block the next stream should start
// from. It returns nil only when the stream reports io.EOF.
func (w *Watcher) consume(ctx context.Context, stream listener.Stream, from uint64) (uint64, error) {
	next := from
	for {
		if err := ctx.Err(); err != nil {
			return next, err
		}
		batch, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			return next, nil
		}
		if err != nil {
			return next, err
		}
		w.setConnected(true)

		if err := w.checkOrder(batch.Logs); err != nil {
			return next, err
		}
		for _, raw := range batch.Logs {
			if err := ctx.Err(); err != nil {
				return next, err
			}
			if err := w.handle(ctx, raw); err != nil {
				return next, err
			}
		}
		if batch.SettledThrough >= next {
			next = batch.SettledThrough + 1
		}
		if err := w.settle(ctx, batch.SettledThrough); err != nil {
			return next, err
		}
	}
}

// unpositioned reports logs that carry no usable chain position: pending
// logs and logs removed by a reorg.
func unpositioned(raw shared.RawLog) bool {
	return raw.Removed || raw.BlockHash == (common.Hash{})
}

// checkOrder rejects a batch whose new logs are not strictly ascending after
// the cursor. Nothing from a rejected batch is forwarded.
func (w *Watcher) checkOrder(logs []shared.RawLog) error {
	snap := w.Snapshot()
	prev, hasPrev := snap.Cursor, snap.HasCursor
	inBatch := make(map[string]struct{}, len(logs))
	for _, raw := range logs {
		if unpositioned(raw) {
			continue
		}
		key := shared.DedupKey(raw)
		if w.seen.Contains(key) {
			continue
		}
		if _, dup := inBatch[key]; dup {
			continue
		}
		inBatch[key] = struct{}{}

		pos := shared.PositionOf(raw)
		if hasPrev && !prev.Less(pos) {
			if !w.hasReplayFrom || pos.Block < w.replayFrom {
				w.replayFrom = pos.Block
				w.hasReplayFrom = true
			}
			return &shared.ConnectorError{
				Op:        "order check",
				Transient: true,
				Err:       fmt.Errorf("log %s at %s arrived after %s", key, pos, prev),
			}
		}
		prev, hasPrev = pos, true
	}
	return nil
}

func (w *Watcher) handle(ctx context.Context, raw shared.RawLog) error {
	if unpositioned(raw) {
		_, err := filter.Transform(w.cfg.Network, w.cfg.Contract, raw)
		w.logger.Warn().Err(err).Msg("skipping log without a chain position")
		w.count("malformed")
		w.mu.Lock()
		w.state.Malformed++
		w.mu.Unlock()
		return nil
	}

	pos := shared.PositionOf(raw)
	key := shared.DedupKey(raw)

	if w.seen.Contains(key) {
		w.count("duplicate")
		w.logger.Debug().Str("key", key).Msg("skipping duplicate log")
		return nil
	}

	snap := w.Snapshot()
	if snap.HasPending && pos.Block > snap.PendingBlock {
		if err := w.save(ctx, snap.PendingBlock); err != nil {
			return err
		}
	}
	w.mu.Lock()
	w.state.PendingBlock = pos.Block
	w.state.HasPending = true
	w.mu.Unlock()

	event, err := filter.Transform(w.cfg.Network, w.cfg.Contract, raw)
	if err != nil {
		var malformed *shared.MalformedLogError
		if !errors.As(err, &malformed) {
			return err
		}
		w.logger.Warn().Err(err).Msg("skipping malformed log")
		w.done(key, pos, "malformed")
		return nil
	}

	if !filter.ShouldForward(event, w.cfg.AllowList) {
		w.logger.Debug().Str("to", event.To).Str("tx_hash", event.TxHash).Msg("recipient not in allow list")
		w.done(key, pos, "filtered")
		return nil
	}

	w.setInFlight(true)
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.SendTimeout)
	err = w.sender.Send(sendCtx, event)
	cancel()
	w.setInFlight(false)
	if err != nil {
		return err
	}

	w.logger.Info().
		Str("tx_hash", event.TxHash).
		Uint64("block", event.BlockNumber).
		Uint64("log_index", event.LogIndex).
		Str("token_id", event.TokenID).
		Str("from", event.From).
		Str("to", event.To).
		Msg("transfer forwarded")
	w.done(key, pos, "forwarded")
	return nil
}

// settle records that every block up to and including block is complete.
func (w *Watcher) settle(ctx context.Context, block uint64) error {
	snap := w.Snapshot()
	if block < w.floor {
		return nil
	}
	if snap.HasPending && snap.PendingBlock <= block {
		w.mu.Lock()
		w.state.HasPending = false
		w.mu.Unlock()
	}
	return w.save(ctx, block)
}

// save persists block unless it would not move the checkpoint forward.
func (w *Watcher) save(ctx context.Context, block uint64) error {
	snap := w.Snapshot()
	if snap.HasCheckpoint && block <= snap.LastCheckpoint {
		return nil
	}

	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.SendTimeout)
	defer cancel()
	if err := w.store.Save(saveCtx, block); err != nil {
		var persistErr *shared.PersistenceError
		if errors.As(err, &persistErr) {
			return err
		}
		return &shared.PersistenceError{Op: "save", Err: err}
	}

	w.mu.Lock()
	w.state.LastCheckpoint = block
	w.state.HasCheckpoint = true
	w.advanced = true
	w.mu.Unlock()
	metrics.CheckpointBlock.WithLabelValues(w.cfg.Network, w.cfg.Contract.Hex()).Set(float64(block))
	w.logger.Debug().Uint64("block", block).Msg("checkpoint advanced")
	return nil
}

func (w *Watcher) done(key string, pos shared.Position, outcome string) {
	w.seen.Add(key, struct{}{})
	w.mu.Lock()
	w.state.Cursor = pos
	w.state.HasCursor = true
	switch outcome {
	case "forwarded":
		w.state.Forwarded++
	case "filtered":
		w.state.Filtered++
	case "malformed":
		w.state.Malformed++
	}
	w.mu.Unlock()
	w.count(outcome)
}

func (w *Watcher) count(outcome string) {
	if outcome == "duplicate" {
		w.mu.Lock()
		w.state.Duplicate++
		w.mu.Unlock()
	}
	metrics.LogsProcessed.WithLabelValues(w.cfg.Network, w.cfg.Contract.Hex(), outcome).Inc()
}

func (w *Watcher) setState(s State) {
	w.mu.Lock()
	prev := w.state.State
	w.state.State = s
	w.mu.Unlock()
	metrics.State.WithLabelValues(w.cfg.Network, w.cfg.Contract.Hex()).Set(float64(s))
	if prev != s {
		w.logger.Debug().Str("from", prev.String()).Str("to", s.String()).Msg("state changed")
	}
}

func (w *Watcher) setConnected(ok bool) {
	w.mu.Lock()
	w.state.Connected = ok
	w.mu.Unlock()
}

func (w *Watcher) setInFlight(ok bool) {
	w.mu.Lock()
	w.state.InFlight = ok
	w.mu.Unlock()
}

// String is used in status log lines.
func (s WatcherState) String() string {
	cp := "none"
	if s.HasCheckpoint {
		cp = strconv.FormatUint(s.LastCheckpoint, 10)
	}
	return fmt.Sprintf("state=%s connected=%t checkpoint=%s forwarded=%d filtered=%d malformed=%d duplicate=%d",
		s.State, s.Connected, cp, s.Forwarded, s.Filtered, s.Malformed, s.Duplicate)
}
