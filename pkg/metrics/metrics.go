package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Watcher metrics, partitioned by network + contract.

var (
	ChainHead = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "transfer_watcher",
		Subsystem: "listener",
		Name:      "chain_head",
		Help:      "Latest block number reported by the chain RPC endpoint",
	}, []string{"network", "contract"})

	ListenerErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "transfer_watcher",
		Subsystem: "listener",
		Name:      "errors_total",
		Help:      "Connector errors by kind (transient or fatal)",
	}, []string{"network", "contract", "kind"})

	CheckpointBlock = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "transfer_watcher",
		Subsystem: "watcher",
		Name:      "checkpoint_block",
		Help:      "Last block persisted as fully processed",
	}, []string{"network", "contract"})

	State = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "transfer_watcher",
		Subsystem: "watcher",
		Name:      "state",
		Help:      "Current watcher state (0=starting 1=catching_up 2=live 3=reconnecting 4=stopped)",
	}, []string{"network", "contract"})

	LogsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "transfer_watcher",
		Subsystem: "watcher",
		Name:      "logs_processed_total",
		Help:      "Chain logs processed by outcome (forwarded, filtered, malformed, duplicate)",
	}, []string{"network", "contract", "outcome"})

	Reconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "transfer_watcher",
		Subsystem: "watcher",
		Name:      "reconnects_total",
		Help:      "Reconnections after transient connector errors",
	}, []string{"network", "contract"})

	ForwardAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "transfer_watcher",
		Subsystem: "forwarder",
		Name:      "attempts_total",
		Help:      "ingest_transfer calls by result (ok, retry, fatal)",
	}, []string{"network", "result"})

	ForwardLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "transfer_watcher",
		Subsystem: "forwarder",
		Name:      "send_duration_seconds",
		Help:      "Time to deliver one transfer including retries",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"network"})
)

// Serve exposes /metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string) <-chan struct{} {
	done := make(chan struct{})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		defer close(done)
		log.Info().Str("addr", addr).Msg("metrics server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server failed")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	return done
}
