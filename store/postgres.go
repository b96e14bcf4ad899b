package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/0x5487/matching-core/protocol"
	"github.com/lib/pq"
)

// Schema creates the tables used by Postgres and TradeHistory.
const Schema = `
CREATE TABLE IF NOT EXISTS orders (
	id          TEXT PRIMARY KEY,
	instrument  VARCHAR(50) NOT NULL,
	side        SMALLINT NOT NULL,
	price       NUMERIC(36, 18) NOT NULL,
	quantity    NUMERIC(36, 18) NOT NULL,
	remaining   NUMERIC(36, 18) NOT NULL,
	status      VARCHAR(20) NOT NULL,
	account_id  BIGINT NOT NULL,
	timestamp   BIGINT NOT NULL,
	updated_at  BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS orders_active_idx ON orders (status, timestamp);

CREATE TABLE IF NOT EXISTS trades (
	trade_id         UUID PRIMARY KEY,
	instrument       VARCHAR(50) NOT NULL,
	sequence         BIGINT NOT NULL,
	buy_order_id     TEXT NOT NULL,
	sell_order_id    TEXT NOT NULL,
	buy_account_id   BIGINT NOT NULL,
	sell_account_id  BIGINT NOT NULL,
	taker_side       SMALLINT NOT NULL,
	price            NUMERIC(36, 18) NOT NULL,
	quantity         NUMERIC(36, 18) NOT NULL,
	created_at       TIMESTAMP WITH TIME ZONE NOT NULL
);
CREATE INDEX IF NOT EXISTS trades_instrument_idx ON trades (instrument, created_at);
`

const orderColumns = `id, instrument, side, price, quantity, remaining, status, account_id, timestamp, updated_at`

// Postgres is the PostgreSQL order store.
type Postgres struct {
	db         *sql.DB
	maxRetries int
	retryDelay time.Duration
}

// NewPostgres creates a PostgreSQL store on an open *sql.DB.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{
		db:         db,
		maxRetries: 3,
		retryDelay: 100 * time.Millisecond,
	}
}

// OpenPostgres opens and pings a database with the lib/pq driver.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// SetRetryConfig sets the retry configuration for transient errors
func (ps *Postgres) SetRetryConfig(maxRetries int, retryDelay time.Duration) {
	ps.maxRetries = maxRetries
	ps.retryDelay = retryDelay
}

// Migrate creates the schema if it does not exist.
func (ps *Postgres) Migrate(ctx context.Context) error {
	if _, err := ps.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// InsertAll inserts orders in one transaction; existing IDs are skipped.
func (ps *Postgres) InsertAll(ctx context.Context, orders []*protocol.Order) ([]*protocol.Order, error) {
	var inserted []*protocol.Order

	err := ps.executeWithRetry(ctx, func(ctx context.Context) error {
		inserted = inserted[:0]

		tx, err := ps.db.BeginTx(ctx, &sql.TxOptions{
			Isolation: sql.LevelReadCommitted,
		})
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() {
			_ = tx.Rollback() // Ignore error; will fail if transaction already committed
		}()

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO orders (`+orderColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (id) DO NOTHING
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare insert: %w", err)
		}
		defer stmt.Close()

		for _, o := range orders {
			result, err := stmt.ExecContext(ctx,
				o.ID,
				o.Instrument,
				int16(o.Side),
				o.Price.String(),
				o.Quantity.String(),
				o.Remaining.String(),
				string(o.Status),
				o.AccountID,
				o.Timestamp,
				o.UpdatedAt,
			)
			if err != nil {
				return fmt.Errorf("failed to insert order %s: %w", o.ID, err)
			}
			if n, err := result.RowsAffected(); err == nil && n > 0 {
				inserted = append(inserted, o)
			}
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit transaction: %w", err)
		}
		return nil
	})
	if err != nil {
		logger.Error("insert orders failed", "orders", len(orders), "error", err)
		return nil, err
	}

	return inserted, nil
}

func (ps *Postgres) ExistsByID(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := ps.executeWithRetry(ctx, func(ctx context.Context) error {
		return ps.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`, id).Scan(&exists)
	})
	if err != nil {
		return false, fmt.Errorf("failed to look up order %s: %w", id, err)
	}
	return exists, nil
}

// Save writes the mutable state of an existing order. A stored state with a
// later updated_at wins and is returned instead.
func (ps *Postgres) Save(ctx context.Context, order *protocol.Order) (*protocol.Order, error) {
	var saved *protocol.Order

	err := ps.executeWithRetry(ctx, func(ctx context.Context) error {
		row := ps.db.QueryRowContext(ctx, `
			UPDATE orders
			SET remaining = $2, status = $3, updated_at = $4
			WHERE id = $1 AND updated_at <= $4
			RETURNING `+orderColumns,
			order.ID,
			order.Remaining.String(),
			string(order.Status),
			order.UpdatedAt,
		)

		o, err := scanOrder(row)
		if errors.Is(err, sql.ErrNoRows) {
			// either unknown or already newer
			o, err = ps.get(ctx, order.ID)
		}
		if err != nil {
			return err
		}
		saved = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}

// Delete removes an order row; a missing row is not an error.
func (ps *Postgres) Delete(ctx context.Context, id string) error {
	err := ps.executeWithRetry(ctx, func(ctx context.Context) error {
		_, err := ps.db.ExecContext(ctx, `DELETE FROM orders WHERE id = $1`, id)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to delete order %s: %w", id, err)
	}
	return nil
}

// Get returns a stored order.
func (ps *Postgres) Get(ctx context.Context, id string) (*protocol.Order, error) {
	var o *protocol.Order
	err := ps.executeWithRetry(ctx, func(ctx context.Context) error {
		var err error
		o, err = ps.get(ctx, id)
		return err
	})
	return o, err
}

func (ps *Postgres) get(ctx context.Context, id string) (*protocol.Order, error) {
	row := ps.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load order %s: %w", id, err)
	}
	return o, nil
}

// ActiveOrders returns the orders that still rest in a book, oldest first.
func (ps *Postgres) ActiveOrders(ctx context.Context) ([]*protocol.Order, error) {
	var orders []*protocol.Order

	err := ps.executeWithRetry(ctx, func(ctx context.Context) error {
		orders = orders[:0]

		rows, err := ps.db.QueryContext(ctx, `
			SELECT `+orderColumns+`
			FROM orders
			WHERE status = $1 AND remaining > 0
			ORDER BY timestamp
		`, string(protocol.OrderStatusActive))
		if err != nil {
			return fmt.Errorf("failed to query active orders: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			o, err := scanOrder(rows)
			if err != nil {
				return err
			}
			orders = append(orders, o)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return orders, nil
}

// OrdersByID loads several orders at once; unknown IDs are left out.
func (ps *Postgres) OrdersByID(ctx context.Context, ids []string) ([]*protocol.Order, error) {
	rows, err := ps.db.QueryContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	var orders []*protocol.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*protocol.Order, error) {
	var (
		o      protocol.Order
		side   int16
		status string
	)
	err := row.Scan(
		&o.ID,
		&o.Instrument,
		&side,
		&o.Price,
		&o.Quantity,
		&o.Remaining,
		&status,
		&o.AccountID,
		&o.Timestamp,
		&o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	o.Side = protocol.Side(side)
	o.Status = protocol.OrderStatus(status)
	return &o, nil
}

// executeWithRetry executes a function with retry logic for transient errors
func (ps *Postgres) executeWithRetry(ctx context.Context, fn func(context.Context) error) error {
	var lastErr error

	for attempt := 0; attempt <= ps.maxRetries; attempt++ {
		if attempt > 0 {
			delay := ps.retryDelay * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !isRetryableError(err) {
			return err
		}
		logger.Warn("retrying transient database error", "attempt", attempt+1, "error", err)
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

// isRetryableError determines if an error is transient and should be retried
func isRetryableError(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001": // serialization_failure
			return true
		case "40P01": // deadlock_detected
			return true
		case "08000", "08003", "08006": // connection_exception, connection_does_not_exist, connection_failure
			return true
		}
		return false
	}
	return errors.Is(err, sql.ErrConnDone)
}
