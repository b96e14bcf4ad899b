package match

import (
	"fmt"
	"sort"
	"time"

	"github.com/0x5487/matching-core/protocol"
	"github.com/shopspring/decimal"
)

// BookSnapshot is a point-in-time copy of every resting order of one book.
type BookSnapshot struct {
	Instrument string   `json:"instrument"`
	Bids       []*Order `json:"bids"` // Highest price first
	Asks       []*Order `json:"asks"` // Lowest price first
}

// OrderBook holds the resting orders of one instrument and implements price-time
// priority matching. It is not safe for concurrent use; MatchingEngine serializes
// access to it.
type OrderBook struct {
	instrument string
	bidQueue   *queue
	askQueue   *queue
	tradeID    uint64 // Last trade ID issued by this book
	clock      clock
}

// NewOrderBook creates an empty order book for instrument.
func NewOrderBook(instrument string) *OrderBook {
	return &OrderBook{
		instrument: instrument,
		bidQueue:   NewBuyerQueue(),
		askQueue:   NewSellerQueue(),
	}
}

// Instrument returns the instrument code of the book.
func (book *OrderBook) Instrument() string {
	return book.instrument
}

// Match runs one incoming order against the book. The book takes ownership of
// order: a limit order with quantity left rests in the book as is.
//
// A market order that cannot be completely filled returns the trades it made
// together with ErrInsufficientLiquidity; it never rests.
func (book *OrderBook) Match(order *Order) (*MatchResult, error) {
	if order.Instrument != book.instrument {
		return nil, fmt.Errorf("%w: order for %s sent to book %s", ErrInvalidParam, order.Instrument, book.instrument)
	}
	if order.Side != Buy && order.Side != Sell {
		return nil, fmt.Errorf("%w: side %d", ErrInvalidParam, order.Side)
	}
	if order.Remaining.LessThanOrEqual(decimal.Zero) || order.Remaining.GreaterThan(order.Quantity) {
		return nil, fmt.Errorf("%w: remaining %s of order %s", ErrInvalidParam, order.Remaining, order.ID)
	}
	if book.bidQueue.order(order.ID) != nil || book.askQueue.order(order.ID) != nil {
		return nil, fmt.Errorf("%w: order %s already rests in the book", ErrInvalidParam, order.ID)
	}

	if order.IsMarket() {
		return book.handleMarketOrder(order)
	}
	return book.handleLimitOrder(order), nil
}

// handleLimitOrder matches while the best opposite level satisfies the limit
// price, then rests whatever is left.
func (book *OrderBook) handleLimitOrder(order *Order) *MatchResult {
	myQueue, targetQueue := book.queues(order.Side)

	result := book.sweep(order, targetQueue)

	if order.Remaining.IsPositive() {
		order.Status = StatusActive
		myQueue.insertOrder(order)
		result.Rested = true
	}

	result.Taker = order.Clone()
	return result
}

// handleMarketOrder matches against every opposite level until filled or the side is exhausted.
func (book *OrderBook) handleMarketOrder(order *Order) (*MatchResult, error) {
	_, targetQueue := book.queues(order.Side)

	if targetQueue.bestLevel() == nil {
		return &MatchResult{Taker: order.Clone()}, ErrInsufficientLiquidity
	}

	result := book.sweep(order, targetQueue)
	result.Taker = order.Clone()

	if order.Remaining.IsPositive() {
		return result, fmt.Errorf("%w: %s of %s left unfilled", ErrInsufficientLiquidity, order.Remaining, order.Quantity)
	}
	return result, nil
}

// sweep walks the opposite side best level first while the taker has quantity
// left and the level price is acceptable.
func (book *OrderBook) sweep(order *Order, targetQueue *queue) *MatchResult {
	result := &MatchResult{}
	now := time.Now().UTC()

	el := targetQueue.bestLevel()
	for el != nil && order.Remaining.IsPositive() {
		next := el.Next()
		unit, _ := el.Value.(*priceUnit)

		if !priceAcceptable(order.Side, order.Price, unit.price) {
			break
		}

		book.matchLevel(order, unit, targetQueue, result, now)
		el = next
	}

	return result
}

// matchLevel trades the taker against the orders of one level in priority
// order. Orders of the taker's own account are skipped in place.
func (book *OrderBook) matchLevel(order *Order, unit *priceUnit, targetQueue *queue, result *MatchResult, now time.Time) {
	elem := unit.orders.Front()
	for elem != nil && order.Remaining.IsPositive() {
		next := elem.Next()
		maker, _ := elem.Value.(*Order)
		elem = next

		if maker.AccountID == order.AccountID {
			continue
		}

		qty := minDecimal(order.Remaining, maker.Remaining)
		if !qty.IsPositive() {
			panic(fmt.Sprintf("match: non-positive fill %s between %s and %s", qty, order.ID, maker.ID))
		}

		updatedAt := book.clock.Now()

		targetQueue.fill(maker, qty)
		maker.UpdatedAt = updatedAt
		if maker.Remaining.IsZero() {
			maker.Status = StatusComplete
		}

		order.Remaining = order.Remaining.Sub(qty)
		order.UpdatedAt = updatedAt
		if order.Remaining.IsNegative() {
			panic(fmt.Sprintf("match: negative remaining on order %s", order.ID))
		}
		if order.Remaining.IsZero() {
			order.Status = StatusComplete
		}

		result.Trades = append(result.Trades, book.newTrade(order, maker, qty, now))
		result.Makers = append(result.Makers, maker.Clone())
	}
}

func (book *OrderBook) newTrade(taker, maker *Order, qty decimal.Decimal, now time.Time) *Trade {
	book.tradeID++

	trade := &Trade{
		ID:         book.tradeID,
		Instrument: book.instrument,
		TakerSide:  taker.Side,
		Price:      maker.Price,
		Quantity:   qty,
		CreatedAt:  now,
	}

	if taker.Side == Buy {
		trade.BuyOrderID, trade.BuyAccountID = taker.ID, taker.AccountID
		trade.SellOrderID, trade.SellAccountID = maker.ID, maker.AccountID
	} else {
		trade.BuyOrderID, trade.BuyAccountID = maker.ID, maker.AccountID
		trade.SellOrderID, trade.SellAccountID = taker.ID, taker.AccountID
	}

	return trade
}

func (book *OrderBook) queues(side Side) (myQueue, targetQueue *queue) {
	if side == Buy {
		return book.bidQueue, book.askQueue
	}
	return book.askQueue, book.bidQueue
}

// Order returns a copy of a resting order.
func (book *OrderBook) Order(id string) (*Order, bool) {
	if o := book.bidQueue.order(id); o != nil {
		return o.Clone(), true
	}
	if o := book.askQueue.order(id); o != nil {
		return o.Clone(), true
	}
	return nil, false
}

// Depth returns the aggregated best levels of both sides up to limit.
func (book *OrderBook) Depth(limit uint32) *protocol.GetDepthResponse {
	return &protocol.GetDepthResponse{
		Instrument: book.instrument,
		Asks:       book.askQueue.depth(limit),
		Bids:       book.bidQueue.depth(limit),
	}
}

// Stats returns order and level counts of both sides.
func (book *OrderBook) Stats() *protocol.GetStatsResponse {
	return &protocol.GetStatsResponse{
		AskDepthCount: book.askQueue.depthCount(),
		AskOrderCount: book.askQueue.orderCount(),
		BidDepthCount: book.bidQueue.depthCount(),
		BidOrderCount: book.bidQueue.orderCount(),
	}
}

// Snapshot copies every resting order.
func (book *OrderBook) Snapshot() *BookSnapshot {
	return &BookSnapshot{
		Instrument: book.instrument,
		Bids:       book.bidQueue.toSnapshot(),
		Asks:       book.askQueue.toSnapshot(),
	}
}

// Restore re-seats resting limit orders, e.g. after a restart. Orders are
// matched oldest first and keep their IDs and timestamps, so an order that
// crosses the book trades instead of resting across it. Orders already in the
// book are skipped. The results of restored orders that traded are returned.
//
// Every order is checked before the book changes.
func (book *OrderBook) Restore(orders []*Order) ([]*MatchResult, error) {
	for _, o := range orders {
		if o.Instrument != book.instrument {
			return nil, fmt.Errorf("%w: order %s belongs to %s", ErrInvalidParam, o.ID, o.Instrument)
		}
		if o.IsMarket() || !o.Remaining.IsPositive() || o.Remaining.GreaterThan(o.Quantity) {
			return nil, fmt.Errorf("%w: order %s cannot rest", ErrInvalidParam, o.ID)
		}
		if o.Side != Buy && o.Side != Sell {
			return nil, fmt.Errorf("%w: side %d of order %s", ErrInvalidParam, o.Side, o.ID)
		}
	}

	sorted := make([]*Order, len(orders))
	copy(sorted, orders)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp < sorted[j].Timestamp
	})

	var results []*MatchResult
	seen := make(map[string]struct{}, len(sorted))
	for _, o := range sorted {
		if _, ok := seen[o.ID]; ok {
			continue
		}
		seen[o.ID] = struct{}{}
		if book.bidQueue.order(o.ID) != nil || book.askQueue.order(o.ID) != nil {
			continue
		}

		restored := o.Clone()
		restored.Status = StatusActive
		result := book.handleLimitOrder(restored)
		if len(result.Trades) > 0 {
			results = append(results, result)
		}
	}

	return results, nil
}
