package match

import (
	"github.com/0x5487/matching-core/protocol"
)

type Side = protocol.Side

const (
	Buy  Side = protocol.SideBuy
	Sell Side = protocol.SideSell
)

type OrderStatus = protocol.OrderStatus

const (
	StatusActive    OrderStatus = protocol.OrderStatusActive
	StatusMarket    OrderStatus = protocol.OrderStatusMarket
	StatusComplete  OrderStatus = protocol.OrderStatusComplete
	StatusCancelled OrderStatus = protocol.OrderStatusCancelled
)

// Order is the state of an order in the order book.
type Order = protocol.Order

// Trade is the record of one match.
type Trade = protocol.Trade

// MatchResult is the outcome of processing one incoming order.
type MatchResult struct {
	// Taker is a copy of the incoming order after matching.
	Taker *Order
	// Trades are in the order they were produced.
	Trades []*Trade
	// Makers are copies of every resting order whose quantity changed.
	Makers []*Order
	// Rested reports whether the taker now rests in the book.
	Rested bool
}

// Changed returns the copies of every order whose state must be written back.
func (r *MatchResult) Changed() []*Order {
	changed := make([]*Order, 0, len(r.Makers)+1)
	if len(r.Trades) > 0 {
		changed = append(changed, r.Taker)
	}
	return append(changed, r.Makers...)
}
