package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/0x5487/matching-core/protocol"
	"github.com/google/uuid"
)

// TradeHistory appends trades to the trades table. It satisfies the
// matching engine's trade sink and is meant to sit behind an async sink.
type TradeHistory struct {
	db      *sql.DB
	timeout time.Duration
}

func NewTradeHistory(db *sql.DB) *TradeHistory {
	return &TradeHistory{
		db:      db,
		timeout: 5 * time.Second,
	}
}

// Record writes trades in one transaction. Failures are logged.
func (h *TradeHistory) Record(trades ...*protocol.Trade) {
	if len(trades) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	if err := h.Insert(ctx, trades); err != nil {
		logger.Error("failed to record trades", "trades", len(trades), "instrument", trades[0].Instrument, "error", err)
	}
}

// Insert writes trades in one transaction.
func (h *TradeHistory) Insert(ctx context.Context, trades []*protocol.Trade) error {
	tx, err := h.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelReadCommitted,
	})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback() // Ignore error; will fail if transaction already committed
	}()

	for _, t := range trades {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO trades (
				trade_id, instrument, sequence, buy_order_id, sell_order_id,
				buy_account_id, sell_account_id, taker_side, price, quantity, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (trade_id) DO NOTHING
		`,
			uuid.New(),
			t.Instrument,
			int64(t.ID),
			t.BuyOrderID,
			t.SellOrderID,
			t.BuyAccountID,
			t.SellAccountID,
			int16(t.TakerSide),
			t.Price.String(),
			t.Quantity.String(),
			t.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert trade %s/%d: %w", t.Instrument, t.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Recent returns the latest trades of instrument, newest first.
func (h *TradeHistory) Recent(ctx context.Context, instrument string, limit int) ([]*protocol.Trade, error) {
	rows, err := h.db.QueryContext(ctx, `
		SELECT sequence, instrument, buy_order_id, sell_order_id, buy_account_id, sell_account_id,
		       taker_side, price, quantity, created_at
		FROM trades
		WHERE instrument = $1
		ORDER BY created_at DESC, sequence DESC
		LIMIT $2
	`, instrument, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var trades []*protocol.Trade
	for rows.Next() {
		var (
			t    protocol.Trade
			seq  int64
			side int16
		)
		if err := rows.Scan(&seq, &t.Instrument, &t.BuyOrderID, &t.SellOrderID, &t.BuyAccountID, &t.SellAccountID,
			&side, &t.Price, &t.Quantity, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.ID = uint64(seq)
		t.TakerSide = protocol.Side(side)
		trades = append(trades, &t)
	}
	return trades, rows.Err()
}
