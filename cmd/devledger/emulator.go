package main

import (
	"context"
	"fmt"
	"math/big"
	"math/rand"
	"os"
	"time"

	"transfer-watcher/pkg/forwarder"
	"transfer-watcher/pkg/shared"

	datadog "github.com/DataDog/datadog-api-client-go/api/v2/datadog"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"
)

const (
	emulatedNetwork  = "polygon"
	emulatedContract = "0xd4190DD1dA460fC7Bc41a792e688604778820aC9"
	emulatedFrom     = "0x1111111111111111111111111111111111111111"
)

// emulator pushes fake transfers through the real JSON-RPC path, so a
// ledger can be exercised without a chain.
type emulator struct {
	fwd      *forwarder.Forwarder
	interval time.Duration
	rng      *rand.Rand
	block    uint64
	sent     int
	last     *shared.TransferEvent

	dd    *datadog.APIClient
	ddCtx context.Context
}

func newEmulator(ctx context.Context, ledgerURL string, interval time.Duration) (*emulator, error) {
	l, err := forwarder.DialLedger(ctx, ledgerURL)
	if err != nil {
		return nil, err
	}
	em := &emulator{
		fwd:      forwarder.NewForwarder(l, forwarder.Options{Network: emulatedNetwork}),
		interval: interval,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		block:    123456,
	}

	// DD setup
	if apiKey := os.Getenv("DD_API_KEY"); apiKey != "" {
		em.ddCtx = context.WithValue(context.Background(), datadog.ContextAPIKeys, map[string]datadog.APIKey{
			"apiKeyAuth": {
				Key: apiKey,
			},
			"appKeyAuth": {
				Key: os.Getenv("DD_APP_KEY"),
			},
		})
		em.dd = datadog.NewAPIClient(datadog.NewConfiguration())
	}
	return em, nil
}

func (e *emulator) Start(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer e.fwd.Close()

		ticker := time.NewTicker(e.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				log.Info().Msg("emulator shutting down")
				return
			case <-ticker.C:
			}

			start := time.Now()
			t := e.next()
			err := e.fwd.Send(ctx, t)
			if err != nil {
				log.Error().Err(err).Msg("failed to ingest fake transfer")
			} else {
				log.Info().Msgf("Simulated transfer of token %s to %s in block %d", t.TokenID, t.To, t.BlockNumber)
			}
			e.postMetric(err == nil, time.Since(start))
		}
	}()
	return done
}

// next returns a fresh fake transfer. Every few calls it repeats the
// previous transaction to exercise ledger dedup.
func (e *emulator) next() shared.TransferEvent {
	e.sent++
	if e.last != nil && e.sent%5 == 0 {
		return *e.last
	}
	e.block += uint64(e.rng.Intn(3))
	var txHash common.Hash
	e.rng.Read(txHash[:])
	t := shared.TransferEvent{
		Network:     emulatedNetwork,
		Contract:    emulatedContract,
		TxHash:      txHash.Hex(),
		BlockNumber: e.block,
		TokenID:     new(big.Int).SetUint64(uint64(e.rng.Int63n(1_000_000))).String(),
		From:        emulatedFrom,
		To:          common.BigToAddress(big.NewInt(e.rng.Int63())).Hex(),
		LogIndex:    uint64(e.rng.Intn(8)),
	}
	e.last = &t
	return t
}

func (e *emulator) postMetric(ok bool, elapsed time.Duration) {
	if e.dd == nil {
		return
	}
	metricName := "devledger.ingest.failure"
	if ok {
		metricName = "devledger.ingest.success"
	}
	point := datadog.MetricPoint{
		Timestamp: datadog.PtrInt64(time.Now().Unix()),
		Value:     datadog.PtrFloat64(elapsed.Seconds()),
	}
	series := datadog.MetricSeries{
		Metric: metricName,
		Type:   datadog.METRICINTAKETYPE_GAUGE.Ptr(),
		Points: []datadog.MetricPoint{point},
		Tags:   []string{"environment:dev", "network:" + emulatedNetwork},
	}
	payload := datadog.MetricPayload{
		Series: []datadog.MetricSeries{series},
	}
	if _, _, err := e.dd.MetricsApi.SubmitMetrics(e.ddCtx, payload); err != nil {
		fmt.Fprintf(os.Stderr, "Error when calling `MetricsApi.SubmitMetrics`: %v\n", err)
	}
}
