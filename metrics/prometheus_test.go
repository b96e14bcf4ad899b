package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func read(t *testing.T, m prometheus.Metric) *dto.Metric {
	t.Helper()
	out := &dto.Metric{}
	require.NoError(t, m.Write(out))
	return out
}

func TestRecordOrderReceived(t *testing.T) {
	c := OrdersReceivedTotal.WithLabelValues("M-TEST", "BUY", "limit")
	before := read(t, c).GetCounter().GetValue()

	RecordOrderReceived("M-TEST", "BUY", "limit")
	RecordOrderReceived("M-TEST", "BUY", "limit")

	assert.Equal(t, before+2, read(t, c).GetCounter().GetValue())
}

func TestRecordTrade(t *testing.T) {
	RecordTrade("M-TRADE", 2.5)

	assert.Equal(t, 1.0, read(t, TradesExecutedTotal.WithLabelValues("M-TRADE")).GetCounter().GetValue())

	h, ok := TradeSizeDistribution.WithLabelValues("M-TRADE").(prometheus.Metric)
	require.True(t, ok)
	hist := read(t, h).GetHistogram()
	assert.Equal(t, uint64(1), hist.GetSampleCount())
	assert.Equal(t, 2.5, hist.GetSampleSum())
}

func TestWriterMetrics(t *testing.T) {
	UpdateWALPending("m-test", 7)
	assert.Equal(t, 7.0, read(t, WALPendingEntries.WithLabelValues("m-test")).GetGauge().GetValue())

	RecordWriterEntries("m-test", "written", 0)
	RecordWriterEntries("m-test", "written", 3)
	assert.Equal(t, 3.0, read(t, WriterEntriesTotal.WithLabelValues("m-test", "written")).GetCounter().GetValue())

	UpdateOrderbookDepth("M-DEPTH", "SELL", 4)
	assert.Equal(t, 4.0, read(t, CurrentOrderbookDepth.WithLabelValues("M-DEPTH", "SELL")).GetGauge().GetValue())
}
