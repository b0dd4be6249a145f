package partpool

import (
	"time"
)

// Config holds configuration for the part upload pool.
type Config struct {
	// Concurrency is the maximum number of parts in flight at once.
	// Default: 3
	Concurrency int

	// MaxAttemptsPerPart bounds the attempts for a single part, counting
	// the first try. Default: 5
	MaxAttemptsPerPart int

	// RetryWaitUnit scales the exponential backoff between attempts:
	// attempt n (counted from 0) waits 2^n units before retrying.
	// Default: 1 second
	RetryWaitUnit time.Duration
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Concurrency:        3,
		MaxAttemptsPerPart: 5,
		RetryWaitUnit:      time.Second,
	}
}

func (c Config) withDefaults() Config {
	if c.Concurrency < 1 {
		c.Concurrency = DefaultConfig().Concurrency
	}
	if c.MaxAttemptsPerPart < 1 {
		c.MaxAttemptsPerPart = DefaultConfig().MaxAttemptsPerPart
	}
	if c.RetryWaitUnit <= 0 {
		c.RetryWaitUnit = DefaultConfig().RetryWaitUnit
	}
	return c
}
