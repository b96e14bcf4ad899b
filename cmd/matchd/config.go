package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	match "github.com/0x5487/matching-core"
	"github.com/jessevdk/go-flags"
	"github.com/shopspring/decimal"
)

const (
	defaultWALDir        = "./wal_data"
	defaultInput         = "-"
	defaultMetricsListen = ":9100"
	defaultKafkaTopic    = "trades"
	defaultLogLevel      = "info"
	defaultTradeBuffer   = 8192
)

type config struct {
	ConfigFile  string `short:"C" long:"configfile" description:"Path to an ini configuration file"`
	ShowVersion bool   `short:"V" long:"version" description:"Display version information and exit"`
	LogLevel    string `short:"d" long:"loglevel" description:"Logging level {debug, info, warn, error}"`

	WALDir string `long:"waldir" description:"Directory of the write-ahead log"`
	PGDSN  string `long:"pgdsn" description:"PostgreSQL connection string; the in-memory store is used when empty"`

	KafkaBrokers []string `long:"kafkabroker" description:"Kafka broker address for trade publication (repeatable)"`
	KafkaTopic   string   `long:"kafkatopic" description:"Kafka topic trades are published to"`
	TradeBuffer  int64    `long:"tradebuffer" description:"Capacity of the async trade buffer, a power of 2"`

	MetricsListen string `long:"metricslisten" description:"Address serving /metrics; empty disables it"`

	Input string   `short:"i" long:"input" description:"JSON-lines file of place order commands, - for stdin"`
	Serve bool     `long:"serve" description:"Keep running after the input is exhausted until interrupted"`
	Bands []string `long:"band" description:"Price band as instrument:min:max; when set only listed instruments are accepted (repeatable)"`

	Workers       int           `long:"workers" description:"Ingest worker pool size"`
	SubmitTimeout time.Duration `long:"submittimeout" description:"Wait for a free ingest worker"`

	FlushInterval  time.Duration `long:"flushinterval" description:"Time between batch writer flushes"`
	BatchSize      int           `long:"batchsize" description:"Max WAL entries per stream and flush"`
	MaxRetry       int           `long:"maxretry" description:"Store attempts per order and flush"`
	RetryBackoff   time.Duration `long:"retrybackoff" description:"First store retry delay, doubled per attempt"`
	RecoveryPasses int           `long:"recoverypasses" description:"Max flushes during startup recovery"`
}

// loadConfig parses args over the defaults, reading the ini file named by
// --configfile first so command line options take precedence.
func loadConfig(args []string) (*config, error) {
	cfg := config{
		LogLevel:      defaultLogLevel,
		WALDir:        defaultWALDir,
		KafkaTopic:    defaultKafkaTopic,
		TradeBuffer:   defaultTradeBuffer,
		MetricsListen: defaultMetricsListen,
		Input:         defaultInput,
		Workers:       match.DefaultWorkers,
		SubmitTimeout: match.DefaultSubmitTimeout,
	}

	// Pre-parse the command line options to find the config file.
	var preCfg config
	preParser := flags.NewParser(&preCfg, flags.HelpFlag|flags.IgnoreUnknown)
	if _, err := preParser.ParseArgs(args); err != nil {
		var e *flags.Error
		if errors.As(err, &e) && e.Type == flags.ErrHelp {
			return nil, err
		}
	}

	parser := flags.NewParser(&cfg, flags.HelpFlag)
	if preCfg.ConfigFile != "" {
		if err := flags.NewIniParser(parser).ParseFile(preCfg.ConfigFile); err != nil {
			return nil, fmt.Errorf("config file %s: %w", preCfg.ConfigFile, err)
		}
	}

	// Parse command line options again to ensure they take precedence.
	if _, err := parser.ParseArgs(args); err != nil {
		return nil, err
	}

	if cfg.TradeBuffer <= 0 || cfg.TradeBuffer&(cfg.TradeBuffer-1) != 0 {
		return nil, fmt.Errorf("tradebuffer %d is not a power of 2", cfg.TradeBuffer)
	}
	if _, err := parseLogLevel(cfg.LogLevel); err != nil {
		return nil, err
	}
	if _, err := parseBands(cfg.Bands); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func parseLogLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return level, nil
}

// parseBands parses instrument:min:max entries. An empty bound is open.
func parseBands(entries []string) (*match.BandCatalog, error) {
	catalog := &match.BandCatalog{}
	if len(entries) == 0 {
		return catalog, nil
	}

	catalog.Bands = make(map[string]match.PriceBand, len(entries))
	for _, entry := range entries {
		parts := strings.Split(entry, ":")
		if len(parts) != 3 || parts[0] == "" {
			return nil, fmt.Errorf("invalid band %q, want instrument:min:max", entry)
		}

		var band match.PriceBand
		for i, dst := range []*decimal.Decimal{&band.Min, &band.Max} {
			s := parts[i+1]
			if s == "" {
				continue
			}
			d, err := decimal.NewFromString(s)
			if err != nil {
				return nil, fmt.Errorf("invalid band %q: %w", entry, err)
			}
			*dst = d
		}
		catalog.Bands[parts[0]] = band
	}

	return catalog, nil
}

func newLogger(level slog.Level) *slog.Logger {
	// stdout carries the replay outcomes
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
