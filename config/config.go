// Package config aggregates the configuration surface spec.md §6 lists
// as recognised by the core: chunk sizing, pool sizing, parallelism
// tuning, bandwidth ceiling, and the compression threshold. It is
// plain data plus validation — loading it from a file or environment is
// CLI glue (spec.md §1's non-goals); cmd/backupctl uses Default() and
// loads no config file.
package config

import (
	"time"

	"github.com/uplo-tech/errors"

	"github.com/frostvault/backup/bandwidth"
	"github.com/frostvault/backup/chunking"
	"github.com/frostvault/backup/parallelism"
	"github.com/frostvault/backup/pool"
)

// DefaultCompressionThresholdBytes is applied when
// CompressionThresholdBytes is left at zero.
const DefaultCompressionThresholdBytes = 10 * 1024 * 1024

// Config is the full configuration surface spec.md §6 names.
type Config struct {
	Chunking             chunking.Config
	MaxMemoryFraction    float64
	Pool                 pool.Config
	Parallelism          parallelism.Config
	BandwidthBytesPerSec float64
	CompressionThreshold int64
}

// Default returns the engine's out-of-the-box configuration: adaptive
// chunking, an auto-detected parallelism controller, a modest pool, and
// no bandwidth ceiling.
func Default() Config {
	return Config{
		Chunking:             chunking.DefaultConfig(),
		MaxMemoryFraction:    0.25,
		Pool:                 pool.DefaultConfig(),
		Parallelism:          parallelism.AutoDetectConfig(),
		BandwidthBytesPerSec: 0,
		CompressionThreshold: DefaultCompressionThresholdBytes,
	}
}

// Validate checks the invariants spec.md §7 calls out as fatal
// Configuration errors: invalid chunk bounds and nonsensical sizing.
func (c Config) Validate() error {
	if c.Chunking.MinChunkSize <= 0 {
		return errors.New("min_chunk_size must be positive")
	}
	if c.Chunking.MaxChunkSize < c.Chunking.MinChunkSize {
		return errors.New("max_chunk_size must be >= min_chunk_size")
	}
	if c.Chunking.DefaultChunkSize < c.Chunking.MinChunkSize || c.Chunking.DefaultChunkSize > c.Chunking.MaxChunkSize {
		return errors.New("default_chunk_size must fall within [min_chunk_size, max_chunk_size]")
	}
	if c.MaxMemoryFraction <= 0 || c.MaxMemoryFraction > 1 {
		return errors.New("max_memory_fraction must be in (0, 1]")
	}
	if c.Pool.Max <= 0 {
		return errors.New("pool.max must be positive")
	}
	if c.Pool.Min < 0 || c.Pool.Min > c.Pool.Max {
		return errors.New("pool.min must be in [0, pool.max]")
	}
	if c.Parallelism.Min <= 0 || c.Parallelism.Max < c.Parallelism.Min {
		return errors.New("parallelism.min/max are invalid")
	}
	if c.BandwidthBytesPerSec < 0 {
		return errors.New("bandwidth_bytes_per_second must be >= 0")
	}
	if c.CompressionThreshold < 0 {
		return errors.New("compression_threshold_bytes must be >= 0")
	}
	return nil
}

// NewBandwidthLimiter builds the bandwidth.Limiter this config
// describes.
func (c Config) NewBandwidthLimiter() *bandwidth.Limiter {
	return bandwidth.New(c.BandwidthBytesPerSec)
}

// AdjustmentInterval is a convenience accessor mirroring spec.md §6's
// parallelism.adjustment_interval field name.
func (c Config) AdjustmentInterval() time.Duration {
	return c.Parallelism.AdjustmentInterval
}
