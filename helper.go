package match

import (
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
)

// clock hands out strictly increasing unix nano timestamps, so two orders
// submitted in the same nanosecond still get distinct priorities.
type clock struct {
	last atomic.Int64
}

func (c *clock) Now() int64 {
	for {
		now := time.Now().UnixNano()
		prev := c.last.Load()
		if now <= prev {
			now = prev + 1
		}
		if c.last.CompareAndSwap(prev, now) {
			return now
		}
	}
}

// priceAcceptable reports whether a taker with the given side and limit may
// trade at the maker's price. Market takers (zero limit) accept any price.
func priceAcceptable(takerSide Side, limit, makerPrice decimal.Decimal) bool {
	if limit.IsZero() {
		return true
	}
	if takerSide == Buy {
		return makerPrice.LessThanOrEqual(limit)
	}
	return makerPrice.GreaterThanOrEqual(limit)
}

func minDecimal(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}
