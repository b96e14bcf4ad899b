package match

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/0x5487/matching-core/metrics"
	"github.com/0x5487/matching-core/protocol"
)

// instrumentBook pairs one order book with the lock that serializes it.
type instrumentBook struct {
	mu   sync.RWMutex
	book *OrderBook
}

// MatchingEngine routes orders to per-instrument order books. Matching on one
// instrument is serialized; different instruments never contend.
type MatchingEngine struct {
	isShutdown atomic.Bool
	mu         sync.RWMutex // Guards orderbooks only
	orderbooks map[string]*instrumentBook
	tradeSink  TradeSink
}

// NewMatchingEngine creates a new matching engine instance.
func NewMatchingEngine(tradeSink TradeSink) *MatchingEngine {
	if tradeSink == nil {
		tradeSink = NewDiscardTradeSink()
	}
	return &MatchingEngine{
		orderbooks: make(map[string]*instrumentBook),
		tradeSink:  tradeSink,
	}
}

// instrumentBook returns the book of instrument, creating it on first use.
func (engine *MatchingEngine) instrumentBook(instrument string) *instrumentBook {
	engine.mu.RLock()
	ib, ok := engine.orderbooks[instrument]
	engine.mu.RUnlock()
	if ok {
		return ib
	}

	engine.mu.Lock()
	defer engine.mu.Unlock()

	if ib, ok = engine.orderbooks[instrument]; ok {
		return ib
	}
	ib = &instrumentBook{book: NewOrderBook(instrument)}
	engine.orderbooks[instrument] = ib
	logger.Info("order book created", "instrument", instrument)
	return ib
}

func (engine *MatchingEngine) lookup(instrument string) (*instrumentBook, bool) {
	engine.mu.RLock()
	defer engine.mu.RUnlock()

	ib, ok := engine.orderbooks[instrument]
	return ib, ok
}

// Process matches order against its instrument's book. The match runs to
// completion under the instrument lock, and the trades reach the TradeSink
// before the lock is released.
//
// The result holds copies of the taker and of every maker that changed, so it
// can be used after other orders were processed.
func (engine *MatchingEngine) Process(order *Order) (*MatchResult, error) {
	if engine.isShutdown.Load() {
		return nil, ErrShutdown
	}
	if len(order.Instrument) == 0 {
		return nil, fmt.Errorf("%w: empty instrument", ErrInvalidParam)
	}

	ib := engine.instrumentBook(order.Instrument)

	ib.mu.Lock()
	defer ib.mu.Unlock()

	// re-check under the lock so Shutdown observes no match in flight
	if engine.isShutdown.Load() {
		return nil, ErrShutdown
	}

	result, err := ib.book.Match(order)
	if result != nil && len(result.Trades) > 0 {
		engine.tradeSink.Record(result.Trades...)
		for _, t := range result.Trades {
			metrics.RecordTrade(t.Instrument, t.Quantity.InexactFloat64())
		}
	}
	if result != nil {
		stats := ib.book.Stats()
		metrics.UpdateOrderbookDepth(order.Instrument, Buy.String(), float64(stats.BidOrderCount))
		metrics.UpdateOrderbookDepth(order.Instrument, Sell.String(), float64(stats.AskOrderCount))
	}

	return result, err
}

// Snapshot returns a copy of every resting order of instrument.
func (engine *MatchingEngine) Snapshot(instrument string) (*BookSnapshot, error) {
	ib, ok := engine.lookup(instrument)
	if !ok {
		return nil, ErrNotFound
	}

	ib.mu.RLock()
	defer ib.mu.RUnlock()
	return ib.book.Snapshot(), nil
}

// BestLevels returns the aggregated best depth levels of both sides of instrument.
func (engine *MatchingEngine) BestLevels(instrument string, depth uint32) (*protocol.GetDepthResponse, error) {
	if depth == 0 {
		return nil, ErrInvalidParam
	}

	ib, ok := engine.lookup(instrument)
	if !ok {
		return nil, ErrNotFound
	}

	ib.mu.RLock()
	defer ib.mu.RUnlock()
	return ib.book.Depth(depth), nil
}

// Stats returns usage statistics for the book of instrument.
func (engine *MatchingEngine) Stats(instrument string) (*protocol.GetStatsResponse, error) {
	ib, ok := engine.lookup(instrument)
	if !ok {
		return nil, ErrNotFound
	}

	ib.mu.RLock()
	defer ib.mu.RUnlock()
	return ib.book.Stats(), nil
}

// Order returns a copy of a resting order.
func (engine *MatchingEngine) Order(instrument, id string) (*Order, error) {
	ib, ok := engine.lookup(instrument)
	if !ok {
		return nil, ErrNotFound
	}

	ib.mu.RLock()
	defer ib.mu.RUnlock()

	o, ok := ib.book.Order(id)
	if !ok {
		return nil, ErrNotFound
	}
	return o, nil
}

// Restore re-seats resting orders, grouped by instrument. Orders that cross
// the book on the way in are matched; their trades reach the TradeSink and
// their results are returned so the changed orders can be written back.
func (engine *MatchingEngine) Restore(orders []*Order) ([]*MatchResult, error) {
	byInstrument := make(map[string][]*Order)
	for _, o := range orders {
		byInstrument[o.Instrument] = append(byInstrument[o.Instrument], o)
	}

	var (
		results []*MatchResult
		errs    []error
	)
	for instrument, group := range byInstrument {
		ib := engine.instrumentBook(instrument)

		ib.mu.Lock()
		restored, err := ib.book.Restore(group)
		for _, result := range restored {
			engine.tradeSink.Record(result.Trades...)
			for _, t := range result.Trades {
				metrics.RecordTrade(t.Instrument, t.Quantity.InexactFloat64())
			}
		}
		stats := ib.book.Stats()
		ib.mu.Unlock()

		if err != nil {
			errs = append(errs, fmt.Errorf("restore %s: %w", instrument, err))
			continue
		}
		metrics.UpdateOrderbookDepth(instrument, Buy.String(), float64(stats.BidOrderCount))
		metrics.UpdateOrderbookDepth(instrument, Sell.String(), float64(stats.AskOrderCount))
		results = append(results, restored...)
		logger.Info("order book restored", "instrument", instrument, "orders", len(group), "crossed", len(restored))
	}

	return results, errors.Join(errs...)
}

// Instruments lists the instruments that have a book, sorted.
func (engine *MatchingEngine) Instruments() []string {
	engine.mu.RLock()
	defer engine.mu.RUnlock()

	instruments := make([]string, 0, len(engine.orderbooks))
	for instrument := range engine.orderbooks {
		instruments = append(instruments, instrument)
	}
	sort.Strings(instruments)
	return instruments
}

// Shutdown stops accepting orders and waits until no match is in flight
// or the context is done.
func (engine *MatchingEngine) Shutdown(ctx context.Context) error {
	engine.isShutdown.Store(true)

	engine.mu.RLock()
	books := make([]*instrumentBook, 0, len(engine.orderbooks))
	for _, ib := range engine.orderbooks {
		books = append(books, ib)
	}
	engine.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, ib := range books {
			ib.mu.Lock()
			ib.mu.Unlock() //nolint:staticcheck // barrier for an in-flight match
		}
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
