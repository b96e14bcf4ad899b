package match

import (
	"strings"

	"github.com/0x5487/matching-core/protocol"
	"github.com/huandu/skiplist"
	"github.com/shopspring/decimal"
)

// priorityKey orders resting orders inside one price level: earlier
// timestamp first, then larger original quantity, then order id.
type priorityKey struct {
	timestamp int64
	quantity  decimal.Decimal
	id        string
}

func keyOf(order *Order) priorityKey {
	return priorityKey{timestamp: order.Timestamp, quantity: order.Quantity, id: order.ID}
}

var levelOrdering = skiplist.GreaterThanFunc(func(lhs, rhs any) int {
	k1, _ := lhs.(priorityKey)
	k2, _ := rhs.(priorityKey)

	if k1.timestamp != k2.timestamp {
		if k1.timestamp > k2.timestamp {
			return 1
		}
		return -1
	}
	if c := k1.quantity.Cmp(k2.quantity); c != 0 {
		return -c
	}
	return strings.Compare(k1.id, k2.id)
})

// priceUnit is one price level.
type priceUnit struct {
	price     decimal.Decimal
	totalSize decimal.Decimal // Sum of Remaining
	orders    *skiplist.SkipList
}

func (u *priceUnit) count() int {
	return u.orders.Len()
}

type queue struct {
	side        Side
	totalOrders int64
	depths      int64
	depthList   *skiplist.SkipList
	priceList   map[string]*skiplist.Element
	orders      map[string]*Order
}

// NewBuyerQueue creates a new queue for buy orders (bids).
// The orders are sorted by price in descending order (highest price first).
func NewBuyerQueue() *queue {
	return &queue{
		side: Buy,
		depthList: skiplist.New(skiplist.GreaterThanFunc(func(lhs, rhs any) int {
			d1, _ := lhs.(decimal.Decimal)
			d2, _ := rhs.(decimal.Decimal)

			if d1.LessThan(d2) {
				return 1
			} else if d1.GreaterThan(d2) {
				return -1
			}

			return 0
		})),
		priceList: make(map[string]*skiplist.Element),
		orders:    make(map[string]*Order),
	}
}

// NewSellerQueue creates a new queue for sell orders (asks).
// The orders are sorted by price in ascending order (lowest price first).
func NewSellerQueue() *queue {
	return &queue{
		side: Sell,
		depthList: skiplist.New(skiplist.GreaterThanFunc(func(lhs, rhs any) int {
			d1, _ := lhs.(decimal.Decimal)
			d2, _ := rhs.(decimal.Decimal)

			if d1.GreaterThan(d2) {
				return 1
			} else if d1.LessThan(d2) {
				return -1
			}

			return 0
		})),
		priceList: make(map[string]*skiplist.Element),
		orders:    make(map[string]*Order),
	}
}

// order finds an order by its ID.
func (q *queue) order(id string) *Order {
	return q.orders[id]
}

// insertOrder places a resting order at its priority position in its price level.
func (q *queue) insertOrder(order *Order) {
	priceKey := order.Price.String()

	el, ok := q.priceList[priceKey]
	if !ok {
		unit := &priceUnit{
			price:  order.Price,
			orders: skiplist.New(levelOrdering),
		}
		el = q.depthList.Set(order.Price, unit)
		q.priceList[priceKey] = el
		q.depths++
	}

	unit, _ := el.Value.(*priceUnit)
	unit.orders.Set(keyOf(order), order)
	unit.totalSize = unit.totalSize.Add(order.Remaining)

	q.orders[order.ID] = order
	q.totalOrders++
}

// removeOrder removes an order from its level and drops the level once it is empty.
func (q *queue) removeOrder(order *Order) {
	priceKey := order.Price.String()

	el, ok := q.priceList[priceKey]
	if !ok {
		return
	}
	if _, ok := q.orders[order.ID]; !ok {
		return
	}

	unit, _ := el.Value.(*priceUnit)
	unit.orders.Remove(keyOf(order))
	unit.totalSize = unit.totalSize.Sub(order.Remaining)
	delete(q.orders, order.ID)
	q.totalOrders--

	if unit.count() == 0 {
		q.depthList.RemoveElement(el)
		delete(q.priceList, priceKey)
		q.depths--
	}
}

// fill reduces the remaining quantity of a resting order in place,
// keeping its priority. The order leaves the queue when nothing remains.
func (q *queue) fill(order *Order, qty decimal.Decimal) {
	el, ok := q.priceList[order.Price.String()]
	if !ok {
		panic("match: filled order has no price level: " + order.ID)
	}
	unit, _ := el.Value.(*priceUnit)

	if order.Remaining.Equal(qty) {
		q.removeOrder(order)
		order.Remaining = decimal.Zero
		return
	}

	order.Remaining = order.Remaining.Sub(qty)
	unit.totalSize = unit.totalSize.Sub(qty)
}

// bestLevel returns the best price level without removing it.
func (q *queue) bestLevel() *skiplist.Element {
	return q.depthList.Front()
}

// peekHeadOrder returns the highest priority order of the best level.
func (q *queue) peekHeadOrder() *Order {
	el := q.depthList.Front()
	if el == nil {
		return nil
	}

	unit, _ := el.Value.(*priceUnit)
	head := unit.orders.Front()
	if head == nil {
		return nil
	}
	order, _ := head.Value.(*Order)
	return order
}

// orderCount returns the total number of orders in the queue.
func (q *queue) orderCount() int64 {
	return q.totalOrders
}

// depthCount returns the number of price levels in the queue.
func (q *queue) depthCount() int64 {
	return q.depths
}

// toSnapshot copies every resting order, best level first and priority order within a level.
func (q *queue) toSnapshot() []*Order {
	snapshots := make([]*Order, 0, q.totalOrders)

	for el := q.depthList.Front(); el != nil; el = el.Next() {
		unit, _ := el.Value.(*priceUnit)
		for o := unit.orders.Front(); o != nil; o = o.Next() {
			order, _ := o.Value.(*Order)
			snapshots = append(snapshots, order.Clone())
		}
	}

	return snapshots
}

// depth returns the aggregated best levels up to limit.
func (q *queue) depth(limit uint32) []*protocol.DepthItem {
	result := make([]*protocol.DepthItem, 0, min(int(limit), int(q.depths)))

	el := q.depthList.Front()

	var i uint32 = 0
	for i < limit && el != nil {
		unit, _ := el.Value.(*priceUnit)
		result = append(result, &protocol.DepthItem{
			Price: unit.price.String(),
			Size:  unit.totalSize.String(),
			Count: int64(unit.count()),
		})

		el = el.Next()
		i++
	}

	return result
}
