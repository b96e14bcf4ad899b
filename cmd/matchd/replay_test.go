package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	match "github.com/0x5487/matching-core"
	"github.com/0x5487/matching-core/protocol"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoSubmitter accepts limit orders and rejects market orders for lack of liquidity.
type echoSubmitter struct {
	received []*match.Order
}

func (s *echoSubmitter) Submit(ctx context.Context, order *match.Order) (*match.SubmitResult, error) {
	s.received = append(s.received, order)

	accepted := order.Clone()
	accepted.ID = "id-" + order.Instrument
	accepted.Remaining = order.Quantity

	if order.IsMarket() {
		accepted.Status = match.StatusMarket
		return &match.SubmitResult{Reason: protocol.RejectReasonNoLiquidity, Order: accepted}, match.ErrInsufficientLiquidity
	}

	accepted.Status = match.StatusActive
	return &match.SubmitResult{
		Accepted: true,
		Order:    accepted,
		Trades:   []*match.Trade{{ID: 1, Instrument: order.Instrument, Price: order.Price, Quantity: decimal.NewFromInt(1)}},
	}, nil
}

func decodeOutcomes(t *testing.T, out *bytes.Buffer) []outcome {
	t.Helper()
	var outcomes []outcome
	scanner := bufio.NewScanner(out)
	for scanner.Scan() {
		var o outcome
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &o))
		outcomes = append(outcomes, o)
	}
	return outcomes
}

func TestReplay(t *testing.T) {
	input := strings.Join([]string{
		`{"instrument":"X","side":1,"price":"1000","size":"10","account_id":1}`,
		``,
		`{"instrument":"Y","side":2,"size":"3","account_id":2}`,
		`{not json`,
		`{"instrument":"Z","side":1,"price":"1","size":"ten","account_id":3}`,
	}, "\n")

	sub := &echoSubmitter{}
	var out bytes.Buffer
	stats, err := replay(context.Background(), sub, strings.NewReader(input), &out)
	require.NoError(t, err)

	assert.Equal(t, 5, stats.Lines)
	assert.Equal(t, 1, stats.Accepted)
	assert.Equal(t, 3, stats.Rejected)
	assert.Equal(t, 1, stats.Trades)

	require.Len(t, sub.received, 2)
	assert.Equal(t, protocol.SideBuy, sub.received[0].Side)
	assert.True(t, sub.received[0].Price.Equal(decimal.NewFromInt(1000)))
	assert.True(t, sub.received[1].IsMarket())

	outcomes := decodeOutcomes(t, &out)
	require.Len(t, outcomes, 4)

	assert.Equal(t, 1, outcomes[0].Line)
	assert.True(t, outcomes[0].Accepted)
	assert.Equal(t, "id-X", outcomes[0].OrderID)
	assert.Equal(t, protocol.OrderStatusActive, outcomes[0].Status)
	assert.Len(t, outcomes[0].Trades, 1)

	assert.Equal(t, 3, outcomes[1].Line)
	assert.False(t, outcomes[1].Accepted)
	assert.Equal(t, protocol.RejectReasonNoLiquidity, outcomes[1].Reason)
	assert.NotEmpty(t, outcomes[1].Error)

	assert.Equal(t, 4, outcomes[2].Line)
	assert.Equal(t, protocol.RejectReasonInvalidPayload, outcomes[2].Reason)
	assert.Equal(t, 5, outcomes[3].Line)
	assert.Equal(t, protocol.RejectReasonInvalidPayload, outcomes[3].Reason)
}

func TestReplay_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sub := &echoSubmitter{}
	var out bytes.Buffer
	_, err := replay(ctx, sub, strings.NewReader(`{"instrument":"X","side":1,"price":"1","size":"1"}`), &out)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, sub.received)
}
