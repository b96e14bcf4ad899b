package protocol

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Order is the serializable state of an order. The same shape is written to the
// write-ahead log, handed to the store and kept in the book.
type Order struct {
	ID         string          `json:"id"`
	Instrument string          `json:"instrument"`
	Side       Side            `json:"side"`
	Price      decimal.Decimal `json:"price"` // Zero for market orders
	Quantity   decimal.Decimal `json:"quantity"`
	Remaining  decimal.Decimal `json:"remaining"`
	Status     OrderStatus     `json:"status"`
	AccountID  int64           `json:"account_id"`
	Timestamp  int64           `json:"timestamp"`  // Unix nano, strictly increasing per process
	UpdatedAt  int64           `json:"updated_at"` // Unix nano of the last quantity change
}

// IsMarket reports whether the order carries no binding price.
func (o *Order) IsMarket() bool {
	return o.Price.IsZero()
}

// Filled returns the quantity matched so far.
func (o *Order) Filled() decimal.Decimal {
	return o.Quantity.Sub(o.Remaining)
}

// Clone returns a copy that shares no mutable state with o.
func (o *Order) Clone() *Order {
	cpy := *o
	return &cpy
}

// Trade is the immutable record of one match. Price is always the maker's price.
type Trade struct {
	ID            uint64          `json:"id"` // Sequential per instrument
	Instrument    string          `json:"instrument"`
	BuyOrderID    string          `json:"buy_order_id"`
	SellOrderID   string          `json:"sell_order_id"`
	BuyAccountID  int64           `json:"buy_account_id"`
	SellAccountID int64           `json:"sell_account_id"`
	TakerSide     Side            `json:"taker_side"`
	Price         decimal.Decimal `json:"price"`
	Quantity      decimal.Decimal `json:"quantity"`
	CreatedAt     time.Time       `json:"created_at"`
}

// PlaceOrderCommand is the external payload for placing a new order.
type PlaceOrderCommand struct {
	Instrument string `json:"instrument"`
	Side       Side   `json:"side"`
	Price      string `json:"price,omitempty"` // Using string to prevent precision loss in JSON; empty for market orders
	Size       string `json:"size"`
	AccountID  int64  `json:"account_id"`
}

// ToOrder converts the command into an order without identity.
func (cmd *PlaceOrderCommand) ToOrder() (*Order, error) {
	price := decimal.Zero
	if len(cmd.Price) > 0 {
		p, err := decimal.NewFromString(cmd.Price)
		if err != nil {
			return nil, fmt.Errorf("parse price %q: %w", cmd.Price, err)
		}
		price = p
	}

	size, err := decimal.NewFromString(cmd.Size)
	if err != nil {
		return nil, fmt.Errorf("parse size %q: %w", cmd.Size, err)
	}

	return &Order{
		Instrument: cmd.Instrument,
		Side:       cmd.Side,
		Price:      price,
		Quantity:   size,
		AccountID:  cmd.AccountID,
	}, nil
}
