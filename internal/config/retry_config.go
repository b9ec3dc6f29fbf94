// Package config defines retry and DLQ configuration.
package config

import (
	"time"
)

// RetryConfig holds the re-enqueue delay policy and DLQ retention knobs.
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts per scan job.
	MaxRetries int `env:"MAX_RETRIES" envDefault:"5"`
	// Base is the delay before the first retry.
	Base time.Duration `env:"RETRY_BACKOFF_BASE" envDefault:"60s"`
	// Cap is the upper bound on any single retry delay.
	Cap time.Duration `env:"RETRY_BACKOFF_CAP" envDefault:"600s"`
	// JitterRatio spreads delays to avoid synchronized re-dispatch.
	JitterRatio float64 `env:"RETRY_JITTER_RATIO" envDefault:"0.1"`
	// DLQMaxAge is the maximum age for dead letters before cleanup.
	DLQMaxAge time.Duration `env:"DLQ_MAX_AGE" envDefault:"168h"`
	// DLQCleanupInterval is the interval for DLQ cleanup.
	DLQCleanupInterval time.Duration `env:"DLQ_CLEANUP_INTERVAL" envDefault:"24h"`
}

// GetRetryConfig returns the retry configuration derived from the main config.
func (c Config) GetRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:         c.MaxRetries,
		Base:               c.RetryBackoffBase,
		Cap:                c.RetryBackoffCap,
		JitterRatio:        c.RetryJitterRatio,
		DLQMaxAge:          168 * time.Hour,
		DLQCleanupInterval: 24 * time.Hour,
	}
}
