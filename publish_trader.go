package match

import (
	"context"
	"sync"
)

// TradeSink receives every trade exactly once, in matching order per instrument.
// Record is called while the instrument is locked and must not block for long.
type TradeSink interface {
	Record(trades ...*Trade)
}

type MemoryTradeSink struct {
	mu     sync.RWMutex
	Trades []*Trade
}

func NewMemoryTradeSink() *MemoryTradeSink {
	return &MemoryTradeSink{
		Trades: make([]*Trade, 0),
	}
}

func (m *MemoryTradeSink) Record(trades ...*Trade) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Trades = append(m.Trades, trades...)
}

func (m *MemoryTradeSink) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.Trades)
}

func (m *MemoryTradeSink) Get(index int) *Trade {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.Trades[index]
}

// All returns a copy of the recorded trades.
func (m *MemoryTradeSink) All() []*Trade {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return append([]*Trade(nil), m.Trades...)
}

type DiscardTradeSink struct {
}

func NewDiscardTradeSink() *DiscardTradeSink {
	return &DiscardTradeSink{}
}

func (p *DiscardTradeSink) Record(trades ...*Trade) {

}

// MultiTradeSink fans trades out to several sinks in order.
type MultiTradeSink []TradeSink

func (m MultiTradeSink) Record(trades ...*Trade) {
	for _, sink := range m {
		sink.Record(trades...)
	}
}

// AsyncTradeSink hands trades to a RingBuffer so a slow downstream sink
// never holds an instrument lock. Trades keep their recording order.
type AsyncTradeSink struct {
	rb   *RingBuffer[*Trade]
	next TradeSink
}

// NewAsyncTradeSink creates an AsyncTradeSink in front of next. capacity must be a power of 2.
func NewAsyncTradeSink(capacity int64, next TradeSink) *AsyncTradeSink {
	s := &AsyncTradeSink{next: next}
	s.rb = NewRingBuffer[*Trade](capacity, s)
	s.rb.Start()
	return s
}

func (s *AsyncTradeSink) Record(trades ...*Trade) {
	for _, trade := range trades {
		if !s.rb.Publish(trade) {
			logger.Warn("trade dropped after sink shutdown", "instrument", trade.Instrument, "trade_id", trade.ID)
		}
	}
}

// OnEvent forwards one trade to the wrapped sink.
func (s *AsyncTradeSink) OnEvent(trade *Trade) {
	s.next.Record(trade)
}

// Pending returns the number of trades not yet forwarded.
func (s *AsyncTradeSink) Pending() int64 {
	return s.rb.GetPendingEvents()
}

// Shutdown forwards every accepted trade and stops the consumer.
func (s *AsyncTradeSink) Shutdown(ctx context.Context) error {
	return s.rb.Shutdown(ctx)
}
