package match

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"
)

// AccountLedger holds the cash side of an account.
type AccountLedger interface {
	// Reserve sets aside funds for a buy order. A non-nil error rejects the order.
	Reserve(ctx context.Context, accountID int64, side Side, price, qty decimal.Decimal) error
	// Settle applies one side of a trade to the account.
	Settle(ctx context.Context, accountID int64, side Side, price, qty decimal.Decimal) error
}

// HoldingsLedger holds the instrument side of an account.
type HoldingsLedger interface {
	// ReserveSellQuantity sets aside holdings for a sell order. A non-nil error rejects the order.
	ReserveSellQuantity(ctx context.Context, accountID int64, instrument string, qty decimal.Decimal) error
	// ApplyTrade applies one side of a trade to the holdings.
	ApplyTrade(ctx context.Context, side Side, accountID int64, instrument string, price, qty decimal.Decimal) error
}

// InstrumentCatalog knows the tradable instruments and their price bands.
type InstrumentCatalog interface {
	PriceIsWithinBand(instrument string, price decimal.Decimal) bool
}

// PriceBand is an inclusive price range. A zero bound is open.
type PriceBand struct {
	Min decimal.Decimal
	Max decimal.Decimal
}

func (b PriceBand) contains(price decimal.Decimal) bool {
	if !b.Min.IsZero() && price.LessThan(b.Min) {
		return false
	}
	if !b.Max.IsZero() && price.GreaterThan(b.Max) {
		return false
	}
	return true
}

// BandCatalog is an InstrumentCatalog backed by a fixed map. When Bands is
// empty every instrument and price is accepted; otherwise only listed
// instruments are.
type BandCatalog struct {
	Bands map[string]PriceBand
}

func (c *BandCatalog) PriceIsWithinBand(instrument string, price decimal.Decimal) bool {
	if len(c.Bands) == 0 {
		return true
	}
	band, ok := c.Bands[instrument]
	if !ok {
		return false
	}
	return band.contains(price)
}

// MemoryLedger accepts every reservation and keeps per-account totals of
// settled trades. It implements both AccountLedger and HoldingsLedger.
type MemoryLedger struct {
	mu       sync.Mutex
	cash     map[int64]decimal.Decimal
	holdings map[int64]map[string]decimal.Decimal
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		cash:     make(map[int64]decimal.Decimal),
		holdings: make(map[int64]map[string]decimal.Decimal),
	}
}

func (l *MemoryLedger) Reserve(ctx context.Context, accountID int64, side Side, price, qty decimal.Decimal) error {
	return nil
}

func (l *MemoryLedger) ReserveSellQuantity(ctx context.Context, accountID int64, instrument string, qty decimal.Decimal) error {
	return nil
}

func (l *MemoryLedger) Settle(ctx context.Context, accountID int64, side Side, price, qty decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	amount := price.Mul(qty)
	if side == Buy {
		amount = amount.Neg()
	}
	l.cash[accountID] = l.cash[accountID].Add(amount)
	return nil
}

func (l *MemoryLedger) ApplyTrade(ctx context.Context, side Side, accountID int64, instrument string, price, qty decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	h, ok := l.holdings[accountID]
	if !ok {
		h = make(map[string]decimal.Decimal)
		l.holdings[accountID] = h
	}
	if side == Sell {
		qty = qty.Neg()
	}
	h[instrument] = h[instrument].Add(qty)
	return nil
}

// Cash returns the net settled cash of an account.
func (l *MemoryLedger) Cash(accountID int64) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cash[accountID]
}

// Holding returns the net settled quantity of instrument held by an account.
func (l *MemoryLedger) Holding(accountID int64, instrument string) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.holdings[accountID][instrument]
}
