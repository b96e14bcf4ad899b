package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	match "github.com/0x5487/matching-core"
	"github.com/0x5487/matching-core/protocol"
	"github.com/0x5487/matching-core/sink"
	"github.com/0x5487/matching-core/store"
	"github.com/0x5487/matching-core/wal"
	"github.com/0x5487/matching-core/writer"
	"github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// orderStore is a writer.Store that can also list resting orders for restart.
type orderStore interface {
	writer.Store
	ActiveOrders(ctx context.Context) ([]*protocol.Order, error)
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		var e *flags.Error
		if errors.As(err, &e) && e.Type == flags.ErrHelp {
			fmt.Fprintln(os.Stdout, err)
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := loadConfig(args)
	if err != nil {
		return err
	}

	if cfg.ShowVersion {
		fmt.Printf("matchd version %s (Go version %s %s/%s)\n",
			match.EngineVersion, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		return nil
	}

	level, _ := parseLogLevel(cfg.LogLevel)
	log := newLogger(level)
	match.SetLogger(log.With("component", "engine"))
	wal.SetLogger(log.With("component", "wal"))
	writer.SetLogger(log.With("component", "writer"))
	store.SetLogger(log.With("component", "store"))
	sink.SetLogger(log.With("component", "sink"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	queue, err := wal.Open(wal.Config{Dir: cfg.WALDir})
	if err != nil {
		return err
	}
	defer queue.Close()

	orders, sinks, closeSinks, err := openBackends(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeSinks()

	bw := writer.New(queue, orders, writer.Config{
		Interval:       cfg.FlushInterval,
		BatchSize:      cfg.BatchSize,
		MaxRetry:       cfg.MaxRetry,
		RetryBackoff:   cfg.RetryBackoff,
		RecoveryPasses: cfg.RecoveryPasses,
	})

	// nothing is accepted before the log is drained into the store
	if err := bw.Recover(ctx); err != nil {
		return fmt.Errorf("recovery: %w", err)
	}

	tradeSink := match.NewAsyncTradeSink(cfg.TradeBuffer, sinks)
	engine := match.NewMatchingEngine(tradeSink)

	catalog, _ := parseBands(cfg.Bands)
	ledger := match.NewMemoryLedger()
	pipeline := match.NewPipeline(engine, queue, ledger, ledger, catalog, match.PipelineConfig{
		Workers:       cfg.Workers,
		SubmitTimeout: cfg.SubmitTimeout,
	})

	active, err := orders.ActiveOrders(ctx)
	if err != nil {
		return fmt.Errorf("load active orders: %w", err)
	}
	if err := pipeline.Restore(ctx, active); err != nil {
		return fmt.Errorf("restore books: %w", err)
	}
	log.Info("books restored", "orders", len(active), "instruments", len(engine.Instruments()))
	if n, err := queue.Quarantined(); err == nil && n > 0 {
		log.Warn("write-ahead log holds quarantined entries", "entries", n)
	}

	pipeline.Start(ctx)

	writerCtx, stopWriter := context.WithCancel(context.Background())
	writerDone := make(chan error, 1)
	go func() {
		writerDone <- bw.Run(writerCtx)
	}()

	var srv *http.Server
	if cfg.MetricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv = &http.Server{Addr: cfg.MetricsListen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server stopped", "error", err)
			}
		}()
		log.Info("serving metrics", "addr", cfg.MetricsListen)
	}

	in, closeInput, err := openInput(cfg.Input)
	if err != nil {
		stopWriter()
		return err
	}
	stats, replayErr := replay(ctx, pipeline, in, os.Stdout)
	closeInput()
	log.Info("input replayed", "lines", stats.Lines, "accepted", stats.Accepted, "rejected", stats.Rejected, "trades", stats.Trades)
	if replayErr != nil && !errors.Is(replayErr, context.Canceled) {
		log.Error("replay failed", "error", replayErr)
	}

	if cfg.Serve {
		<-ctx.Done()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := pipeline.Shutdown(shutdownCtx); err != nil {
		log.Error("pipeline shutdown", "error", err)
	}
	if err := engine.Shutdown(shutdownCtx); err != nil {
		log.Error("engine shutdown", "error", err)
	}
	if err := tradeSink.Shutdown(shutdownCtx); err != nil {
		log.Error("trade sink shutdown", "error", err)
	}

	stopWriter()
	writerErr := <-writerDone

	if srv != nil {
		_ = srv.Shutdown(shutdownCtx)
	}

	return errors.Join(writerErr, ignoreCanceled(replayErr))
}

// openBackends opens the order store and the downstream trade sinks.
func openBackends(ctx context.Context, cfg *config) (orderStore, match.TradeSink, func(), error) {
	var (
		orders  orderStore
		sinks   match.MultiTradeSink
		closers []func() error
	)
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
	}

	if cfg.PGDSN != "" {
		db, err := store.OpenPostgres(ctx, cfg.PGDSN)
		if err != nil {
			return nil, nil, nil, err
		}
		closers = append(closers, db.Close)

		pg := store.NewPostgres(db)
		if err := pg.Migrate(ctx); err != nil {
			closeAll()
			return nil, nil, nil, err
		}
		orders = pg
		sinks = append(sinks, store.NewTradeHistory(db))
	} else {
		orders = store.NewMemory()
	}

	if len(cfg.KafkaBrokers) > 0 {
		k := sink.NewKafkaTrades(cfg.KafkaBrokers, cfg.KafkaTopic)
		closers = append(closers, k.Close)
		sinks = append(sinks, k)
	}

	return orders, sinks, closeAll, nil
}

func openInput(path string) (io.Reader, func(), error) {
	if path == "" || path == "-" {
		return os.Stdin, func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open input: %w", err)
	}
	return f, func() { _ = f.Close() }, nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
