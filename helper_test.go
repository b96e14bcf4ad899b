package match

import (
	"github.com/shopspring/decimal"
)

const testInstrument = "BTC-USDT"

var testTimestamp int64

// limitOrder builds an order as the pipeline would hand it to the book.
func limitOrder(id string, side Side, price, qty int64, accountID int64) *Order {
	testTimestamp++
	return &Order{
		ID:         id,
		Instrument: testInstrument,
		Side:       side,
		Price:      decimal.NewFromInt(price),
		Quantity:   decimal.NewFromInt(qty),
		Remaining:  decimal.NewFromInt(qty),
		Status:     StatusActive,
		AccountID:  accountID,
		Timestamp:  testTimestamp,
	}
}

func marketOrder(id string, side Side, qty int64, accountID int64) *Order {
	o := limitOrder(id, side, 0, qty, accountID)
	o.Status = StatusMarket
	return o
}

func dec(v int64) decimal.Decimal {
	return decimal.NewFromInt(v)
}
