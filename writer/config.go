package writer

import "time"

// Config configures the BatchWriter.
type Config struct {
	Interval       time.Duration // Time between scheduled flushes
	BatchSize      int           // Max entries taken from each stream per flush
	MaxRetry       int           // Attempts per order before it is left for the next flush
	RetryBackoff   time.Duration // First retry delay, doubled on every attempt
	RecoveryPasses int           // Max flushes run by Recover
	Workers        int           // Concurrent store calls
}

// DefaultConfig returns the default writer configuration.
func DefaultConfig() Config {
	return Config{
		Interval:       200 * time.Millisecond,
		BatchSize:      500,
		MaxRetry:       3,
		RetryBackoff:   50 * time.Millisecond,
		RecoveryPasses: 100,
		Workers:        8,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.MaxRetry <= 0 {
		c.MaxRetry = d.MaxRetry
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = d.RetryBackoff
	}
	if c.RecoveryPasses <= 0 {
		c.RecoveryPasses = d.RecoveryPasses
	}
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	return c
}
