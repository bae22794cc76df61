package main

import (
	"context"
	"math/rand"
	"net/http/httptest"
	"testing"
	"time"

	"transfer-watcher/pkg/ledger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmulatorIngestsThroughRPC(t *testing.T) {
	svc := ledger.NewService()
	srv, err := ledger.NewServer(svc)
	require.NoError(t, err)
	httpSrv := httptest.NewServer(srv)
	defer httpSrv.Close()
	defer srv.Stop()

	t.Setenv("DD_API_KEY", "")
	ctx, cancel := context.WithCancel(context.Background())
	em, err := newEmulator(ctx, httpSrv.URL, time.Millisecond)
	require.NoError(t, err)
	done := em.Start(ctx)

	require.Eventually(t, func() bool {
		got, err := svc.GetTransfers(context.Background())
		return err == nil && len(got) >= 5
	}, 5*time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

func TestEmulatorRepeatsEveryFifthTransfer(t *testing.T) {
	em := &emulator{}
	em.rng = newTestRand()
	em.block = 10

	var events []string
	for i := 0; i < 10; i++ {
		events = append(events, em.next().Key())
	}
	assert.Equal(t, events[3], events[4])
	assert.Equal(t, events[8], events[9])
	assert.NotEqual(t, events[0], events[1])
}

func TestLocalAddr(t *testing.T) {
	assert.Equal(t, "127.0.0.1:8080", localAddr(":8080"))
	assert.Equal(t, "ledger:9000", localAddr("ledger:9000"))
}

func newTestRand() *rand.Rand { return rand.New(rand.NewSource(1)) }
