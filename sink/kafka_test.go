package sink

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/0x5487/matching-core/protocol"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func trade(id uint64, instrument string) *protocol.Trade {
	return &protocol.Trade{
		ID:          id,
		Instrument:  instrument,
		BuyOrderID:  "b",
		SellOrderID: "s",
		TakerSide:   protocol.SideBuy,
		Price:       decimal.NewFromInt(1000),
		Quantity:    decimal.NewFromInt(2),
		CreatedAt:   time.Unix(1700000000, 0).UTC(),
	}
}

func TestKafkaTrades_Record(t *testing.T) {
	w := &fakeWriter{}
	k := newKafkaTrades(w)

	k.Record(trade(1, "BTC-USD"), trade(2, "ETH-USD"))

	require.Len(t, w.msgs, 2)
	assert.Equal(t, "BTC-USD", string(w.msgs[0].Key))
	assert.Equal(t, "ETH-USD", string(w.msgs[1].Key))

	var got protocol.Trade
	require.NoError(t, protocol.JSONSerializer{}.Unmarshal(w.msgs[0].Value, &got))
	assert.Equal(t, uint64(1), got.ID)
	assert.True(t, got.Price.Equal(decimal.NewFromInt(1000)))

	require.NoError(t, k.Close())
	assert.True(t, w.closed)
}

func TestKafkaTrades_SendError(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker down")}
	k := newKafkaTrades(w)

	err := k.Send(context.Background(), trade(1, "BTC-USD"))
	assert.EqualError(t, err, "broker down")

	// Record only logs
	k.Record(trade(2, "BTC-USD"))
	assert.Empty(t, w.msgs)
}
