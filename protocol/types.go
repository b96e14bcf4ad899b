package protocol

type DepthItem struct {
	Price string `json:"price"`
	Size  string `json:"size"`
	Count int64  `json:"count"`
}

// GetDepthResponse represents the best price levels of one instrument.
type GetDepthResponse struct {
	Instrument string       `json:"instrument"`
	Asks       []*DepthItem `json:"asks"`
	Bids       []*DepthItem `json:"bids"`
}

// GetStatsResponse contains statistics about the order book sides.
type GetStatsResponse struct {
	AskDepthCount int64 `json:"ask_depth_count"`
	AskOrderCount int64 `json:"ask_order_count"`
	BidDepthCount int64 `json:"bid_depth_count"`
	BidOrderCount int64 `json:"bid_order_count"`
}

// Side represents the order side (Buy/Sell).
type Side int8

const (
	SideBuy  Side = 1
	SideSell Side = 2
)

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "BUY"
	case SideSell:
		return "SELL"
	default:
		return "UNKNOWN"
	}
}

// OrderStatus represents the lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusActive   OrderStatus = "ACTIVE"   // Limit order, resting or being matched
	OrderStatusMarket   OrderStatus = "MARKET"   // Market order, never rests
	OrderStatusComplete OrderStatus = "COMPLETE" // Remaining quantity is zero
	// OrderStatusCancelled is reserved; no code path produces it.
	OrderStatusCancelled OrderStatus = "CANCELLED"
)

// RejectReason represents the reason why an order was rejected.
type RejectReason string

const (
	RejectReasonNone               RejectReason = ""
	RejectReasonNoLiquidity        RejectReason = "insufficient_liquidity" // Market: not enough counterparty to fill
	RejectReasonInvalidPayload     RejectReason = "invalid_payload"
	RejectReasonPriceOutOfBand     RejectReason = "price_out_of_band"
	RejectReasonReservationFailed  RejectReason = "reservation_failed"
	RejectReasonPersistenceFailure RejectReason = "persistence_failure"
	RejectReasonShutdown           RejectReason = "shutting_down"
	RejectReasonTimeout            RejectReason = "timeout"
)
