package upload

import (
	"time"
)

// Config holds the tunables of the transfer engine. All knobs are explicit;
// there is no ambient module-level configuration.
type Config struct {
	// PartSizeBytes is the requested part size for multipart transfers.
	// The authorization service may override it at begin time; whatever
	// value wins stays fixed for the transfer's lifetime.
	// Default: 8 MiB
	PartSizeBytes int64

	// MultipartThresholdBytes is the file size at which uploads switch
	// from a single-part degenerate transfer to a true multipart one.
	// Default: PartSizeBytes
	MultipartThresholdBytes int64

	// Concurrency is the maximum number of parts in flight at once.
	// Default: 3
	Concurrency int

	// MaxAttemptsPerPart bounds the attempts for a single part, counting
	// the first try. Default: 5
	MaxAttemptsPerPart int

	// RetryWaitUnit scales the exponential backoff between part attempts.
	// Default: 1 second
	RetryWaitUnit time.Duration
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		PartSizeBytes:           8 * 1024 * 1024,
		MultipartThresholdBytes: 8 * 1024 * 1024,
		Concurrency:             3,
		MaxAttemptsPerPart:      5,
		RetryWaitUnit:           time.Second,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.PartSizeBytes <= 0 {
		c.PartSizeBytes = defaults.PartSizeBytes
	}
	if c.MultipartThresholdBytes <= 0 {
		c.MultipartThresholdBytes = c.PartSizeBytes
	}
	if c.Concurrency < 1 {
		c.Concurrency = defaults.Concurrency
	}
	if c.MaxAttemptsPerPart < 1 {
		c.MaxAttemptsPerPart = defaults.MaxAttemptsPerPart
	}
	if c.RetryWaitUnit <= 0 {
		c.RetryWaitUnit = defaults.RetryWaitUnit
	}
	return c
}
