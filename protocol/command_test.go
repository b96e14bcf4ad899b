package protocol

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlaceOrderCommand_ToOrder(t *testing.T) {
	t.Run("limit", func(t *testing.T) {
		cmd := &PlaceOrderCommand{Instrument: "X", Side: SideBuy, Price: "1000.50", Size: "10", AccountID: 7}
		order, err := cmd.ToOrder()
		require.NoError(t, err)
		assert.Equal(t, "X", order.Instrument)
		assert.True(t, order.Price.Equal(decimal.RequireFromString("1000.5")))
		assert.True(t, order.Quantity.Equal(decimal.NewFromInt(10)))
		assert.False(t, order.IsMarket())
	})

	t.Run("market", func(t *testing.T) {
		cmd := &PlaceOrderCommand{Instrument: "X", Side: SideSell, Size: "3"}
		order, err := cmd.ToOrder()
		require.NoError(t, err)
		assert.True(t, order.IsMarket())
	})

	t.Run("bad size", func(t *testing.T) {
		cmd := &PlaceOrderCommand{Instrument: "X", Side: SideSell, Size: "three"}
		_, err := cmd.ToOrder()
		assert.Error(t, err)
	})
}

func TestJSONSerializer_OrderRoundTrip(t *testing.T) {
	order := &Order{
		ID:         "c5q3",
		Instrument: "X",
		Side:       SideSell,
		Price:      decimal.NewFromInt(1000),
		Quantity:   decimal.NewFromInt(10),
		Remaining:  decimal.NewFromInt(4),
		Status:     OrderStatusActive,
		AccountID:  42,
		Timestamp:  1700000000000000001,
		UpdatedAt:  1700000000000000009,
	}

	var s JSONSerializer
	data, err := s.Marshal(order)
	require.NoError(t, err)

	var got Order
	require.NoError(t, s.Unmarshal(data, &got))
	assert.Equal(t, order.ID, got.ID)
	assert.Equal(t, order.Side, got.Side)
	assert.Equal(t, order.Status, got.Status)
	assert.Equal(t, order.AccountID, got.AccountID)
	assert.Equal(t, order.Timestamp, got.Timestamp)
	assert.True(t, order.Remaining.Equal(got.Remaining))
	assert.True(t, order.Price.Equal(got.Price))
	assert.Equal(t, "6", got.Filled().String())
}
