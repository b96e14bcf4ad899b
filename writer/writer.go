package writer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/0x5487/matching-core/metrics"
	"github.com/0x5487/matching-core/protocol"
	"github.com/0x5487/matching-core/wal"
	"golang.org/x/sync/errgroup"
)

var (
	ErrRecoveryIncomplete = errors.New("writer: write-ahead log not drained by recovery")
	ErrWriteAbandoned     = errors.New("writer: store write abandoned after retries")
)

// Store is the system of record for orders.
type Store interface {
	// InsertAll inserts orders in one transaction. Orders whose ID already
	// exists are left untouched, so a repeated insert is harmless.
	InsertAll(ctx context.Context, orders []*protocol.Order) ([]*protocol.Order, error)
	ExistsByID(ctx context.Context, id string) (bool, error)
	// Save overwrites the stored state of an existing order unless the stored
	// state has a later UpdatedAt.
	Save(ctx context.Context, order *protocol.Order) (*protocol.Order, error)
	// Delete removes an order; deleting an unknown order is not an error.
	Delete(ctx context.Context, id string) error
}

// Queue is the write-ahead log drained by the writer.
type Queue interface {
	DequeueBatch(stream wal.Stream, limit int) ([]wal.Entry, error)
	RemoveEntries(stream wal.Stream, orders []*protocol.Order, through uint64) (int, error)
	HeadSequence(stream wal.Stream) (uint64, bool, error)
	Len(stream wal.Stream) (int, error)
}

// FlushStats counts what one flush did with the entries it read.
type FlushStats struct {
	NewWritten       int
	NewFailed        int
	Discarded        int // Rejected orders removed from the log and the store
	DiscardsFailed   int
	UpdatesWritten   int
	UpdatesDiscarded int // Order unknown to the store and no earlier NEW pending
	UpdatesDeferred  int // Order unknown to the store but an earlier NEW is pending
	UpdatesFailed    int
}

// Progress reports whether the flush removed anything from the log.
func (s FlushStats) Progress() bool {
	return s.NewWritten+s.Discarded+s.UpdatesWritten+s.UpdatesDiscarded > 0
}

// BatchWriter drains the write-ahead log into the Store, off the ingest path.
type BatchWriter struct {
	queue Queue
	store Store
	cfg   Config

	mu sync.Mutex // One flush at a time
}

// New creates a BatchWriter. Zero config values take their defaults.
func New(queue Queue, store Store, cfg Config) *BatchWriter {
	return &BatchWriter{
		queue: queue,
		store: store,
		cfg:   cfg.withDefaults(),
	}
}

// Recover flushes until every stream is empty. It must finish before new
// orders are accepted. On an empty log it does nothing.
func (w *BatchWriter) Recover(ctx context.Context) error {
	for pass := 1; pass <= w.cfg.RecoveryPasses; pass++ {
		pending, err := w.pending()
		if err != nil {
			return err
		}
		if pending.total() == 0 {
			if pass > 1 {
				logger.Info("recovery finished", "passes", pass-1)
			}
			return nil
		}

		logger.Info("recovering write-ahead log", "pass", pass,
			"pending_new", pending[wal.StreamNew],
			"pending_discard", pending[wal.StreamDiscard],
			"pending_update", pending[wal.StreamUpdate])

		if _, err := w.Flush(ctx); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}

	pending, err := w.pending()
	if err != nil {
		return err
	}
	if pending.total() == 0 {
		return nil
	}
	return fmt.Errorf("%w: %d new, %d discard and %d update entries left after %d passes", ErrRecoveryIncomplete,
		pending[wal.StreamNew], pending[wal.StreamDiscard], pending[wal.StreamUpdate], w.cfg.RecoveryPasses)
}

// Run flushes every Interval until ctx is done, then flushes once more.
func (w *BatchWriter) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if _, err := w.Flush(context.WithoutCancel(ctx)); err != nil {
				logger.Error("final flush failed", "error", err)
				return err
			}
			return nil
		case <-ticker.C:
			if _, err := w.Flush(ctx); err != nil && ctx.Err() == nil {
				logger.Error("flush failed", "error", err)
			}
		}
	}
}

// Flush applies one batch of NEW entries, one batch of DISCARD entries and
// then one batch of UPDATE entries. Entries that could not be applied stay in
// the log for the next flush.
func (w *BatchWriter) Flush(ctx context.Context) (FlushStats, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	start := time.Now()
	defer func() {
		metrics.RecordWriterFlush(time.Since(start).Seconds())
	}()

	var stats FlushStats

	if err := w.flushNew(ctx, &stats); err != nil {
		return stats, err
	}
	if err := w.flushDiscard(ctx, &stats); err != nil {
		return stats, err
	}
	if err := w.flushUpdates(ctx, &stats); err != nil {
		return stats, err
	}

	metrics.RecordWriterEntries(wal.StreamNew.String(), "written", stats.NewWritten)
	metrics.RecordWriterEntries(wal.StreamNew.String(), "failed", stats.NewFailed)
	metrics.RecordWriterEntries(wal.StreamDiscard.String(), "written", stats.Discarded)
	metrics.RecordWriterEntries(wal.StreamDiscard.String(), "failed", stats.DiscardsFailed)
	metrics.RecordWriterEntries(wal.StreamUpdate.String(), "written", stats.UpdatesWritten)
	metrics.RecordWriterEntries(wal.StreamUpdate.String(), "discarded", stats.UpdatesDiscarded)
	metrics.RecordWriterEntries(wal.StreamUpdate.String(), "deferred", stats.UpdatesDeferred)
	metrics.RecordWriterEntries(wal.StreamUpdate.String(), "failed", stats.UpdatesFailed)

	if pending, err := w.pending(); err == nil {
		for stream, n := range pending {
			metrics.UpdateWALPending(stream.String(), n)
		}
	}

	return stats, nil
}

func (w *BatchWriter) flushNew(ctx context.Context, stats *FlushStats) error {
	entries, err := w.queue.DequeueBatch(wal.StreamNew, w.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("dequeue new orders: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}

	horizon := entries[len(entries)-1].Sequence
	orders := make([]*protocol.Order, len(entries))
	for i, e := range entries {
		orders[i] = e.Order
	}

	_, err = w.store.InsertAll(ctx, orders)
	if err == nil {
		if _, err := w.queue.RemoveEntries(wal.StreamNew, orders, horizon); err != nil {
			return fmt.Errorf("remove new orders: %w", err)
		}
		stats.NewWritten += len(orders)
		return nil
	}
	logger.Warn("batch insert failed, inserting one by one", "orders", len(orders), "error", err)

	var (
		mu       sync.Mutex
		inserted []*protocol.Order
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.Workers)
	for _, order := range orders {
		order := order
		g.Go(func() error {
			err := w.withRetry(gctx, func(ctx context.Context) error {
				_, err := w.store.InsertAll(ctx, []*protocol.Order{order})
				return err
			})
			if err != nil {
				logger.Error("new order left in log", "order_id", order.ID, "instrument", order.Instrument, "error", err)
				return nil
			}
			mu.Lock()
			inserted = append(inserted, order)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	stats.NewFailed += len(orders) - len(inserted)
	if len(inserted) == 0 {
		return nil
	}
	if _, err := w.queue.RemoveEntries(wal.StreamNew, inserted, horizon); err != nil {
		return fmt.Errorf("remove new orders: %w", err)
	}
	stats.NewWritten += len(inserted)
	return nil
}

// flushDiscard removes orders that were rejected after their NEW entry was
// written: pending NEW entries are dropped from the log and rows that were
// already inserted are deleted.
func (w *BatchWriter) flushDiscard(ctx context.Context, stats *FlushStats) error {
	entries, err := w.queue.DequeueBatch(wal.StreamDiscard, w.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("dequeue discarded orders: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}

	horizon := entries[len(entries)-1].Sequence
	orders := make([]*protocol.Order, len(entries))
	for i, e := range entries {
		orders[i] = e.Order
	}

	// every NEW entry of these orders precedes its discard entry
	if _, err := w.queue.RemoveEntries(wal.StreamNew, orders, horizon); err != nil {
		return fmt.Errorf("remove new entries of discarded orders: %w", err)
	}

	var (
		mu      sync.Mutex
		deleted []*protocol.Order
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.Workers)
	for _, order := range orders {
		order := order
		g.Go(func() error {
			err := w.withRetry(gctx, func(ctx context.Context) error {
				return w.store.Delete(ctx, order.ID)
			})
			if err != nil {
				logger.Error("discarded order left in log", "order_id", order.ID, "instrument", order.Instrument, "error", err)
				return nil
			}
			mu.Lock()
			deleted = append(deleted, order)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	stats.DiscardsFailed += len(orders) - len(deleted)
	if len(deleted) == 0 {
		return nil
	}
	if _, err := w.queue.RemoveEntries(wal.StreamDiscard, deleted, horizon); err != nil {
		return fmt.Errorf("remove discarded orders: %w", err)
	}
	stats.Discarded += len(deleted)
	return nil
}

func (w *BatchWriter) flushUpdates(ctx context.Context, stats *FlushStats) error {
	entries, err := w.queue.DequeueBatch(wal.StreamUpdate, w.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("dequeue order updates: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}

	horizon := entries[len(entries)-1].Sequence
	latest := collapse(entries)

	// read after the NEW flush so orders inserted just now count as known
	newHead, newPending, err := w.queue.HeadSequence(wal.StreamNew)
	if err != nil {
		return fmt.Errorf("read new order head: %w", err)
	}

	var (
		mu       sync.Mutex
		resolved []*protocol.Order
		written  int
		dropped  int
		deferred int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.Workers)
	for _, e := range latest {
		e := e
		g.Go(func() error {
			var exists bool
			err := w.withRetry(gctx, func(ctx context.Context) error {
				var err error
				exists, err = w.store.ExistsByID(ctx, e.Order.ID)
				return err
			})
			if err != nil {
				logger.Error("order update left in log", "order_id", e.Order.ID, "error", err)
				return nil
			}

			if !exists {
				if newPending && newHead < e.Sequence {
					// the NEW entry of this order may still be waiting
					mu.Lock()
					deferred++
					mu.Unlock()
					return nil
				}
				logger.Warn("discarding update of unknown order", "order_id", e.Order.ID, "sequence", e.Sequence)
				mu.Lock()
				resolved = append(resolved, e.Order)
				dropped++
				mu.Unlock()
				return nil
			}

			err = w.withRetry(gctx, func(ctx context.Context) error {
				_, err := w.store.Save(ctx, e.Order)
				return err
			})
			if err != nil {
				logger.Error("order update left in log", "order_id", e.Order.ID, "error", err)
				return nil
			}

			mu.Lock()
			resolved = append(resolved, e.Order)
			written++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	stats.UpdatesWritten += written
	stats.UpdatesDiscarded += dropped
	stats.UpdatesDeferred += deferred
	stats.UpdatesFailed += len(latest) - written - dropped - deferred

	if len(resolved) == 0 {
		return nil
	}
	if _, err := w.queue.RemoveEntries(wal.StreamUpdate, resolved, horizon); err != nil {
		return fmt.Errorf("remove order updates: %w", err)
	}
	return nil
}

// collapse keeps the latest entry per order: the highest UpdatedAt, ties going
// to the higher sequence. The result is in sequence order.
func collapse(entries []wal.Entry) []wal.Entry {
	byID := make(map[string]wal.Entry, len(entries))
	for _, e := range entries {
		cur, ok := byID[e.Order.ID]
		if !ok || e.Order.UpdatedAt > cur.Order.UpdatedAt ||
			(e.Order.UpdatedAt == cur.Order.UpdatedAt && e.Sequence > cur.Sequence) {
			byID[e.Order.ID] = e
		}
	}

	latest := make([]wal.Entry, 0, len(byID))
	for _, e := range byID {
		latest = append(latest, e)
	}
	sort.Slice(latest, func(i, j int) bool {
		return latest[i].Sequence < latest[j].Sequence
	})
	return latest
}

// withRetry calls fn up to MaxRetry times with exponential backoff.
func (w *BatchWriter) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := w.cfg.RetryBackoff

	var err error
	for attempt := 1; attempt <= w.cfg.MaxRetry; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if attempt == w.cfg.MaxRetry {
			break
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrWriteAbandoned, ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	return fmt.Errorf("%w: %d attempts: %v", ErrWriteAbandoned, w.cfg.MaxRetry, err)
}

// pendingCounts holds the number of entries left in each stream.
type pendingCounts map[wal.Stream]int

func (p pendingCounts) total() int {
	n := 0
	for _, v := range p {
		n += v
	}
	return n
}

func (w *BatchWriter) pending() (pendingCounts, error) {
	counts := make(pendingCounts, len(wal.Streams))
	for _, stream := range wal.Streams {
		n, err := w.queue.Len(stream)
		if err != nil {
			return nil, fmt.Errorf("count %s entries: %w", stream, err)
		}
		counts[stream] = n
	}
	return counts, nil
}
