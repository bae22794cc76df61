package relayer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"transfer-watcher/pkg/checkpoint"
	"transfer-watcher/pkg/filter"
	"transfer-watcher/pkg/forwarder"
	"transfer-watcher/pkg/listener"
	"transfer-watcher/pkg/metrics"
	"transfer-watcher/pkg/watcher"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const statusInterval = time.Minute

type WatcherOptions struct {
	Network        string
	RPCUrl         string
	ContractAddr   common.Address
	AllowList      []string
	StartBlock     *uint64
	PollInterval   time.Duration
	MaxBlockRange  uint64
	DedupCacheSize int
}

type Options struct {
	Watchers             []WatcherOptions
	LedgerURL            string
	Checkpoint           checkpoint.Config
	MetricsAddr          string
	SendTimeout          time.Duration
	ForwardMaxAttempts   int
	ReconnectMaxAttempts int
	RetryBaseDelay       time.Duration
	RetryMaxDelay        time.Duration
}

type Relayer struct {
	watchers []*watcher.Watcher
	closers  []func() error

	// Closes ctx's Done channel and waits for all goroutines to close.
	waitOnCloseRoutines func()
	done                chan struct{}
	err                 error
}

// NewRelayer dials every configured chain, the ledger and the checkpoint
// stores, then starts one watcher per network/contract pair.
func NewRelayer(ctx context.Context, opts *Options) (*Relayer, error) {
	if len(opts.Watchers) == 0 {
		return nil, errors.New("at least one watcher is required")
	}

	r := &Relayer{done: make(chan struct{})}

	ledger, err := forwarder.DialLedger(ctx, opts.LedgerURL)
	if err != nil {
		return nil, err
	}
	r.closers = append(r.closers, func() error { ledger.Close(); return nil })

	for _, wo := range opts.Watchers {
		w, err := r.newWatcher(ctx, opts, wo, ledger)
		if err != nil {
			_ = r.closeResources()
			return nil, fmt.Errorf("watcher %s/%s: %w", wo.Network, wo.ContractAddr.Hex(), err)
		}
		r.watchers = append(r.watchers, w)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(runCtx)
	for _, w := range r.watchers {
		w := w
		g.Go(func() error {
			<-w.Start(gctx)
			return w.Err()
		})
	}

	var metricsClosed <-chan struct{}
	if opts.MetricsAddr != "" {
		metricsClosed = metrics.Serve(gctx, opts.MetricsAddr)
	}
	statusClosed := r.logStatus(gctx)

	go func() {
		defer close(r.done)
		r.err = g.Wait()
		// A fatal watcher error stops the others through gctx; make sure
		// the helpers see it too.
		cancel()
		<-statusClosed
		if metricsClosed != nil {
			<-metricsClosed
		}
	}()

	r.waitOnCloseRoutines = func() {
		cancel()
		<-r.done
	}
	return r, nil
}

func (r *Relayer) newWatcher(ctx context.Context, opts *Options, wo WatcherOptions, ledger forwarder.Ledger) (*watcher.Watcher, error) {
	allow, err := filter.NewAllowList(wo.AllowList)
	if err != nil {
		return nil, err
	}

	client, err := listener.Dial(ctx, wo.RPCUrl)
	if err != nil {
		return nil, err
	}
	l := listener.NewListener(client, listener.Options{
		Network:       wo.Network,
		Contract:      wo.ContractAddr,
		MaxBlockRange: wo.MaxBlockRange,
		PollInterval:  wo.PollInterval,
		Subscribe:     listener.SupportsSubscriptions(wo.RPCUrl),
	})
	r.closers = append(r.closers, func() error { l.Close(); return nil })

	store, err := checkpoint.Open(ctx, opts.Checkpoint, checkpoint.Scope{
		Network:  wo.Network,
		Contract: wo.ContractAddr.Hex(),
	})
	if err != nil {
		return nil, err
	}
	r.closers = append(r.closers, store.Close)

	fwd := forwarder.NewForwarder(ledger, forwarder.Options{
		Network:     wo.Network,
		MaxAttempts: opts.ForwardMaxAttempts,
		BaseDelay:   opts.RetryBaseDelay,
		MaxDelay:    opts.RetryMaxDelay,
	})

	log.Info().
		Str("network", wo.Network).
		Str("contract", wo.ContractAddr.Hex()).
		Int("allow_list", allow.Len()).
		Bool("subscribe", listener.SupportsSubscriptions(wo.RPCUrl)).
		Msg("watcher configured")

	return watcher.NewWatcher(watcher.Config{
		Network:              wo.Network,
		Contract:             wo.ContractAddr,
		AllowList:            allow,
		StartBlock:           wo.StartBlock,
		DedupCacheSize:       wo.DedupCacheSize,
		SendTimeout:          opts.SendTimeout,
		ReconnectMaxAttempts: opts.ReconnectMaxAttempts,
		RetryBaseDelay:       opts.RetryBaseDelay,
		RetryMaxDelay:        opts.RetryMaxDelay,
	}, l, fwd, store)
}

func (r *Relayer) logStatus(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(statusInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			for _, w := range r.watchers {
				log.Info().Msgf("watcher status: %s", w.Snapshot())
			}
		}
	}()
	return done
}

// Done is closed once every watcher has stopped.
func (r *Relayer) Done() <-chan struct{} { return r.done }

// Err is the first fatal watcher error. Valid after Done is closed.
func (r *Relayer) Err() error {
	<-r.done
	return r.err
}

// TryCloseAll stops every watcher and releases chain, ledger and checkpoint
// connections.
func (r *Relayer) TryCloseAll() (err error) {
	log.Debug().Msg("closing all watchers and connections")
	defer func() {
		if err2 := r.closeResources(); err2 != nil {
			err = errors.Join(err, err2)
		}
	}()

	workersClosed := make(chan struct{})
	go func() {
		defer close(workersClosed)
		r.waitOnCloseRoutines()
	}()

	select {
	case <-workersClosed:
		log.Info().Msg("all watchers closed")
		return nil
	case <-time.After(10 * time.Second):
		msg := "failed to close all watchers in 10 sec"
		log.Error().Msg(msg)
		return errors.New(msg)
	}
}

func (r *Relayer) closeResources() error {
	var err error
	for i := len(r.closers) - 1; i >= 0; i-- {
		err = errors.Join(err, r.closers[i]())
	}
	r.closers = nil
	return err
}
