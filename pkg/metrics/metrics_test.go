package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestLogsProcessedLabels(t *testing.T) {
	c := LogsProcessed.WithLabelValues("testnet", "0xabc", "forwarded")
	before := testutil.ToFloat64(c)
	c.Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(c))
}

func TestCheckpointGauge(t *testing.T) {
	g := CheckpointBlock.WithLabelValues("testnet", "0xabc")
	g.Set(101)
	assert.Equal(t, float64(101), testutil.ToFloat64(g))
}
