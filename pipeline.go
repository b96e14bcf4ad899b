package match

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/0x5487/matching-core/metrics"
	"github.com/0x5487/matching-core/protocol"
	"github.com/0x5487/matching-core/wal"
	"github.com/rs/xid"
)

// WriteAheadLog is the durable log accepted orders are written to before
// matching. An order rejected without trades after its NEW entry is written
// gets a DISCARD entry, so it never lands in the system of record.
type WriteAheadLog interface {
	Enqueue(order *protocol.Order, stream wal.Stream) (uint64, error)
}

// PipelineConfig configures the ingest pipeline.
type PipelineConfig struct {
	Workers       int           // Concurrent submissions being matched
	SubmitTimeout time.Duration // Wait for a free worker before giving up
}

// DefaultPipelineConfig returns the default pipeline configuration.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		Workers:       DefaultWorkers,
		SubmitTimeout: DefaultSubmitTimeout,
	}
}

// SubmitResult is the outcome of one submission.
type SubmitResult struct {
	Accepted bool
	Reason   protocol.RejectReason
	Order    *Order   // Copy of the order after matching; nil if rejected before identity was assigned
	Trades   []*Trade // Trades made, also for a market order rejected for lack of liquidity
}

type job struct {
	ctx   context.Context
	order *Order
	resp  chan *jobResult
}

type jobResult struct {
	result *SubmitResult
	err    error
}

// Pipeline is the path an incoming order takes: validate, reserve, assign
// identity, write durably, match, write back, settle.
type Pipeline struct {
	engine   *MatchingEngine
	wal      WriteAheadLog
	accounts AccountLedger
	holdings HoldingsLedger
	catalog  InstrumentCatalog
	cfg      PipelineConfig

	clock      clock
	jobs       chan *job
	done       chan struct{}
	wg         sync.WaitGroup
	started    atomic.Bool
	isShutdown atomic.Bool
	stopOnce   sync.Once
}

// NewPipeline creates a pipeline. Zero config values take their defaults.
func NewPipeline(engine *MatchingEngine, log WriteAheadLog, accounts AccountLedger, holdings HoldingsLedger, catalog InstrumentCatalog, cfg PipelineConfig) *Pipeline {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = DefaultSubmitTimeout
	}
	if catalog == nil {
		catalog = &BandCatalog{}
	}

	return &Pipeline{
		engine:   engine,
		wal:      log,
		accounts: accounts,
		holdings: holdings,
		catalog:  catalog,
		cfg:      cfg,
		jobs:     make(chan *job),
		done:     make(chan struct{}),
	}
}

// Start launches the worker pool. Recovery of the write-ahead log must have
// completed before orders are submitted. The pool stops when ctx is done or
// Shutdown is called.
func (p *Pipeline) Start(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		return
	}

	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}

	go func() {
		select {
		case <-ctx.Done():
			p.stop()
		case <-p.done:
		}
	}()

	logger.Info("ingest pipeline started", "workers", p.cfg.Workers)
}

func (p *Pipeline) stop() {
	p.stopOnce.Do(func() {
		p.isShutdown.Store(true)
		close(p.done)
	})
}

// Shutdown stops accepting orders and waits for in-flight submissions.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	p.stop()

	finished := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipeline) worker() {
	defer p.wg.Done()

	for {
		select {
		case <-p.done:
			return
		case j := <-p.jobs:
			res, err := p.process(j.ctx, j.order)
			j.resp <- &jobResult{result: res, err: err}
		}
	}
}

// Submit validates order and runs it through the pipeline. Only Instrument,
// Side, Price, Quantity and AccountID of order are read; identity is assigned
// here.
//
// A rejected order returns a SubmitResult with the reject reason together with
// an error matching one of the package errors. Once a worker picked the order
// up, Submit waits for the outcome even if ctx is done, because a started match
// always runs to completion.
func (p *Pipeline) Submit(ctx context.Context, order *Order) (*SubmitResult, error) {
	if !p.started.Load() {
		return nil, ErrNotStarted
	}
	if p.isShutdown.Load() {
		return p.reject(order, nil, nil, ErrShutdown)
	}

	metrics.RecordOrderReceived(order.Instrument, order.Side.String(), orderType(order))

	if err := p.validate(order); err != nil {
		return p.reject(order, nil, nil, err)
	}

	j := &job{
		ctx:   context.WithoutCancel(ctx),
		order: order,
		resp:  make(chan *jobResult, 1),
	}

	timer := time.NewTimer(p.cfg.SubmitTimeout)
	defer timer.Stop()

	select {
	case p.jobs <- j:
	case <-p.done:
		return p.reject(order, nil, nil, ErrShutdown)
	case <-ctx.Done():
		return p.reject(order, nil, nil, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err()))
	case <-timer.C:
		return p.reject(order, nil, nil, ErrTimeout)
	}

	res := <-j.resp
	return res.result, res.err
}

// validate checks the order without side effects.
func (p *Pipeline) validate(order *Order) error {
	if len(order.Instrument) == 0 {
		return fmt.Errorf("%w: empty instrument", ErrInvalidParam)
	}
	if order.Side != Buy && order.Side != Sell {
		return fmt.Errorf("%w: side %d", ErrInvalidParam, order.Side)
	}
	if !order.Quantity.IsPositive() {
		return fmt.Errorf("%w: quantity %s must be positive", ErrInvalidParam, order.Quantity)
	}
	if order.Price.IsNegative() {
		return fmt.Errorf("%w: price %s is negative", ErrInvalidParam, order.Price)
	}
	if !order.IsMarket() && !p.catalog.PriceIsWithinBand(order.Instrument, order.Price) {
		return fmt.Errorf("%w: %s %s", ErrPriceOutOfBand, order.Instrument, order.Price)
	}
	return nil
}

// process runs on a worker: reserve, assign identity, write NEW, match,
// write UPDATE, settle.
func (p *Pipeline) process(ctx context.Context, in *Order) (*SubmitResult, error) {
	start := time.Now()
	defer func() {
		metrics.RecordOrderLatency(in.Instrument, orderType(in), time.Since(start).Seconds())
	}()

	if err := p.reserve(ctx, in); err != nil {
		return p.reject(in, nil, nil, fmt.Errorf("%w: %v", ErrReservationFailed, err))
	}

	order := &Order{
		ID:         xid.New().String(),
		Instrument: in.Instrument,
		Side:       in.Side,
		Price:      in.Price,
		Quantity:   in.Quantity,
		Remaining:  in.Quantity,
		AccountID:  in.AccountID,
	}
	order.Timestamp = p.clock.Now()
	order.UpdatedAt = order.Timestamp
	if order.IsMarket() {
		order.Status = StatusMarket
	} else {
		order.Status = StatusActive
	}

	if _, err := p.wal.Enqueue(order, wal.StreamNew); err != nil {
		logger.Error("failed to write new order", "order_id", order.ID, "instrument", order.Instrument, "error", err)
		return p.reject(order, order, nil, fmt.Errorf("%w: %v", ErrPersistenceFailure, err))
	}

	// the engine owns order from here on; only copies come back
	snapshot := order.Clone()
	result, matchErr := p.engine.Process(order)
	if result == nil {
		p.discard(snapshot)
		return p.reject(snapshot, snapshot, nil, matchErr)
	}
	if matchErr != nil && len(result.Trades) == 0 {
		p.discard(result.Taker)
		return p.reject(result.Taker, result.Taker, nil, matchErr)
	}

	for _, changed := range result.Changed() {
		if _, err := p.wal.Enqueue(changed, wal.StreamUpdate); err != nil {
			logger.Error("failed to write order update", "order_id", changed.ID, "instrument", changed.Instrument, "remaining", changed.Remaining.String(), "error", err)
		}
	}

	p.settle(ctx, result.Trades)

	if matchErr != nil {
		return p.reject(result.Taker, result.Taker, result.Trades, matchErr)
	}

	return &SubmitResult{
		Accepted: true,
		Reason:   protocol.RejectReasonNone,
		Order:    result.Taker,
		Trades:   result.Trades,
	}, nil
}

// discard withdraws the NEW entry of an order rejected without trades.
func (p *Pipeline) discard(order *Order) {
	if _, err := p.wal.Enqueue(order, wal.StreamDiscard); err != nil {
		logger.Error("failed to discard rejected order", "order_id", order.ID, "instrument", order.Instrument, "error", err)
	}
}

// Restore loads resting orders from the system of record into the engine
// before Start. Orders that cross on the way in trade; the orders they change
// are written back and the trades settled.
func (p *Pipeline) Restore(ctx context.Context, orders []*Order) error {
	if p.started.Load() {
		return fmt.Errorf("%w: restore after start", ErrInvalidParam)
	}

	results, restoreErr := p.engine.Restore(orders)

	var errs []error
	for _, result := range results {
		for _, changed := range result.Changed() {
			if _, err := p.wal.Enqueue(changed, wal.StreamUpdate); err != nil {
				errs = append(errs, fmt.Errorf("%w: write restored order %s: %v", ErrPersistenceFailure, changed.ID, err))
			}
		}
		p.settle(ctx, result.Trades)
	}
	if restoreErr != nil {
		errs = append(errs, restoreErr)
	}
	return errors.Join(errs...)
}

func (p *Pipeline) reserve(ctx context.Context, order *Order) error {
	if order.Side == Buy {
		return p.accounts.Reserve(ctx, order.AccountID, order.Side, order.Price, order.Quantity)
	}
	return p.holdings.ReserveSellQuantity(ctx, order.AccountID, order.Instrument, order.Quantity)
}

// settle applies every trade to both accounts. Failures are logged; the
// trades are already final.
func (p *Pipeline) settle(ctx context.Context, trades []*Trade) {
	for _, t := range trades {
		legs := []struct {
			side      Side
			accountID int64
		}{
			{Buy, t.BuyAccountID},
			{Sell, t.SellAccountID},
		}

		for _, leg := range legs {
			if err := p.accounts.Settle(ctx, leg.accountID, leg.side, t.Price, t.Quantity); err != nil {
				logger.Error("failed to settle trade", "trade_id", t.ID, "instrument", t.Instrument, "account_id", leg.accountID, "side", leg.side.String(), "error", err)
			}
			if err := p.holdings.ApplyTrade(ctx, leg.side, leg.accountID, t.Instrument, t.Price, t.Quantity); err != nil {
				logger.Error("failed to apply trade to holdings", "trade_id", t.ID, "instrument", t.Instrument, "account_id", leg.accountID, "side", leg.side.String(), "error", err)
			}
		}
	}
}

func (p *Pipeline) reject(in *Order, order *Order, trades []*Trade, err error) (*SubmitResult, error) {
	reason := RejectReasonOf(err)
	metrics.RecordOrderRejected(in.Instrument, string(reason))

	if !errors.Is(err, ErrInsufficientLiquidity) {
		logger.Warn("order rejected", "instrument", in.Instrument, "account_id", in.AccountID, "reason", string(reason), "error", err)
	}

	return &SubmitResult{
		Accepted: false,
		Reason:   reason,
		Order:    order,
		Trades:   trades,
	}, err
}

// Snapshot returns a copy of every resting order of instrument.
func (p *Pipeline) Snapshot(instrument string) (*BookSnapshot, error) {
	return p.engine.Snapshot(instrument)
}

// BestLevels returns the best depth levels of instrument.
func (p *Pipeline) BestLevels(instrument string, depth uint32) (*protocol.GetDepthResponse, error) {
	return p.engine.BestLevels(instrument, depth)
}

func orderType(order *Order) string {
	if order.IsMarket() {
		return "market"
	}
	return "limit"
}
