// Package chunking implements the adaptive chunk-size controller (C2): it
// selects a per-file chunk size from file size, file type, available
// memory, and observed throughput. Grounded on the size/type thresholds of
// the original Skylock chunking controller, generalized to Go and wired
// into this engine's config surface.
package chunking

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/montanaflynn/stats"
)

// Size bounds, in bytes, for the default band.
const (
	DefaultMinChunkSize = 256 * 1024        // 256 KiB
	DefaultMaxChunkSize = 16 * 1024 * 1024  // 16 MiB
	DefaultChunkSize    = 1 * 1024 * 1024   // 1 MiB

	smallFileThreshold = 256 * 1024        // 256 KiB
	mediumFileThreshold = 10 * 1024 * 1024  // 10 MiB
	largeFileThreshold  = 100 * 1024 * 1024 // 100 MiB
	hugeFileThreshold   = 1024 * 1024 * 1024 // 1 GiB

	mediumBaseChunk = 512 * 1024       // ~512 KiB
	largeBaseChunk  = 2 * 1024 * 1024  // ~2 MiB
	hugeBaseChunk   = 8 * 1024 * 1024  // ~8 MiB

	// targetChunkCount is the small constant used by the parallelism cap
	// (step 4) so even a single file can be processed in parallel.
	targetChunkCount = 16

	// targetChunkTime is the throughput-feedback controller's target
	// average chunk processing time (step 5).
	targetChunkTime = 350 * time.Millisecond

	// defaultMaxMemoryFraction caps chunk size relative to available
	// memory (step 3).
	defaultMaxMemoryFraction = 0.25
)

// FileTypeCategory classifies a file's extension for chunk-size scaling
// (step 2) and, separately, for an optional compression-ratio estimate
// used only in telemetry — never for chunk sizing.
type FileTypeCategory int

const (
	// CategoryUnknown is the fallback for unrecognised extensions.
	CategoryUnknown FileTypeCategory = iota
	// CategoryText covers source/text files, highly compressible.
	CategoryText
	// CategoryBinary covers executables/binary blobs, mixed compressibility.
	CategoryBinary
	// CategoryCompressed covers already-compressed formats, incompressible.
	CategoryCompressed
)

// typeSizeFactor implements step 2's {Text: x1.5, Binary: x1.0,
// Compressed: x0.75, Unknown: x1.0} scaling table.
func (c FileTypeCategory) typeSizeFactor() float64 {
	switch c {
	case CategoryText:
		return 1.5
	case CategoryCompressed:
		return 0.75
	default:
		return 1.0
	}
}

// EstimatedCompressionRatio returns a rough compression-ratio estimate for
// the category. It is informational only (e.g. a pre-compression log
// line) and must never feed chunk-size math — the compression trigger
// remains the fixed 10 MiB threshold regardless of this estimate.
func (c FileTypeCategory) EstimatedCompressionRatio() float64 {
	switch c {
	case CategoryText:
		return 0.3
	case CategoryBinary:
		return 0.6
	case CategoryCompressed:
		return 1.0
	default:
		return 0.7
	}
}

var extensionCategory = map[string]FileTypeCategory{
	// text/source
	"txt": CategoryText, "md": CategoryText, "rs": CategoryText, "py": CategoryText,
	"js": CategoryText, "ts": CategoryText, "java": CategoryText, "go": CategoryText,
	"c": CategoryText, "cpp": CategoryText, "h": CategoryText, "hpp": CategoryText,
	"json": CategoryText, "yaml": CategoryText, "yml": CategoryText, "toml": CategoryText,
	"xml": CategoryText, "html": CategoryText, "css": CategoryText, "sql": CategoryText,
	"sh": CategoryText, "bash": CategoryText, "zsh": CategoryText, "log": CategoryText,
	"csv": CategoryText,

	// binary
	"exe": CategoryBinary, "dll": CategoryBinary, "so": CategoryBinary, "dylib": CategoryBinary,
	"bin": CategoryBinary, "dat": CategoryBinary, "db": CategoryBinary, "sqlite": CategoryBinary,

	// already compressed
	"zip": CategoryCompressed, "gz": CategoryCompressed, "tar": CategoryCompressed,
	"xz": CategoryCompressed, "bz2": CategoryCompressed, "7z": CategoryCompressed,
	"rar": CategoryCompressed, "zst": CategoryCompressed, "lz4": CategoryCompressed,
	"mp3": CategoryCompressed, "mp4": CategoryCompressed, "mkv": CategoryCompressed,
	"avi": CategoryCompressed, "mov": CategoryCompressed, "webm": CategoryCompressed,
	"jpg": CategoryCompressed, "jpeg": CategoryCompressed, "png": CategoryCompressed,
	"gif": CategoryCompressed, "webp": CategoryCompressed, "pdf": CategoryCompressed,
	"docx": CategoryCompressed, "xlsx": CategoryCompressed, "pptx": CategoryCompressed,
}

// CategoryFromExtension classifies a bare extension (without the dot).
func CategoryFromExtension(ext string) FileTypeCategory {
	if c, ok := extensionCategory[strings.ToLower(ext)]; ok {
		return c
	}
	return CategoryUnknown
}

// CategoryFromPath classifies a file by its path's extension.
func CategoryFromPath(path string) FileTypeCategory {
	ext := strings.TrimPrefix(filepath.Ext(path), ".")
	if ext == "" {
		return CategoryUnknown
	}
	return CategoryFromExtension(ext)
}

// Strategy selects which signals feed chunk-size selection.
type Strategy int

const (
	// StrategyFullyAdaptive uses file size, type, memory, and throughput
	// feedback together. This is the default.
	StrategyFullyAdaptive Strategy = iota
	// StrategyAdaptiveByFileSize uses only file size and type.
	StrategyAdaptiveByFileSize
	// StrategyAdaptiveByThroughput additionally applies throughput
	// feedback on top of the file-size base.
	StrategyAdaptiveByThroughput
	// StrategyFixed always returns FixedSize, clamped to config bounds.
	StrategyFixed
)

// Config configures the controller per spec.md §6's configuration surface.
type Config struct {
	MinChunkSize     int
	MaxChunkSize     int
	DefaultChunkSize int
	Strategy         Strategy
	FixedSize        int
	MaxMemoryFraction float64
}

// DefaultConfig returns the default chunk-size band with the FullyAdaptive
// strategy.
func DefaultConfig() Config {
	return Config{
		MinChunkSize:      DefaultMinChunkSize,
		MaxChunkSize:       DefaultMaxChunkSize,
		DefaultChunkSize:    DefaultChunkSize,
		Strategy:          StrategyFullyAdaptive,
		MaxMemoryFraction: defaultMaxMemoryFraction,
	}
}

// Metrics accumulates throughput observations fed back by pipeline
// callbacks (step 5's t_obs input).
type Metrics struct {
	samples []time.Duration // per-chunk processing durations, most recent last
}

// RecordChunk records the processing time for one chunk.
func (m *Metrics) RecordChunk(d time.Duration) {
	m.samples = append(m.samples, d)
	// Keep a bounded rolling window; the last 32 samples are enough to
	// smooth noise without drifting too slowly.
	if len(m.samples) > 32 {
		m.samples = m.samples[len(m.samples)-32:]
	}
}

// AverageChunkTime returns the smoothed average chunk processing time
// using stats.Mean so a single noisy sample can't swing the controller.
func (m *Metrics) AverageChunkTime() time.Duration {
	if len(m.samples) == 0 {
		return 0
	}
	vals := make(stats.Float64Data, len(m.samples))
	for i, s := range m.samples {
		vals[i] = float64(s)
	}
	mean, err := vals.Mean()
	if err != nil {
		return 0
	}
	return time.Duration(mean)
}

// Controller selects chunk sizes per spec.md §4.2's six-step algorithm.
type Controller struct {
	cfg     Config
	metrics *Metrics
}

// New constructs a Controller from cfg, validating bounds.
func New(cfg Config) *Controller {
	if cfg.MinChunkSize <= 0 {
		cfg.MinChunkSize = DefaultMinChunkSize
	}
	if cfg.MaxChunkSize <= 0 || cfg.MaxChunkSize < cfg.MinChunkSize {
		cfg.MaxChunkSize = DefaultMaxChunkSize
	}
	if cfg.MaxMemoryFraction <= 0 {
		cfg.MaxMemoryFraction = defaultMaxMemoryFraction
	}
	return &Controller{cfg: cfg, metrics: &Metrics{}}
}

// Metrics exposes the controller's throughput accumulator so pipeline
// callbacks can record observed chunk-processing times.
func (c *Controller) Metrics() *Metrics { return c.metrics }

// SelectChunkSize implements spec.md §4.2 steps 1-6 and returns a value in
// [MinChunkSize, MaxChunkSize].
func (c *Controller) SelectChunkSize(fileSize int64, path string, availableMemory int64) int {
	if c.cfg.Strategy == StrategyFixed {
		return c.clamp(c.cfg.FixedSize)
	}

	// Step 1: size-based base.
	size := sizeBase(fileSize)

	// Step 2: type adjustment.
	category := CategoryFromPath(path)
	size = int(float64(size) * category.typeSizeFactor())

	if c.cfg.Strategy == StrategyAdaptiveByFileSize {
		return c.clamp(size)
	}

	// Step 3: memory cap.
	if availableMemory > 0 {
		memCap := int(float64(availableMemory) * c.cfg.MaxMemoryFraction)
		if memCap > 0 && size > memCap {
			size = memCap
		}
	}

	// Step 4: parallelism cap.
	parCap := int(fileSize / targetChunkCount)
	if parCap < c.cfg.MinChunkSize {
		parCap = c.cfg.MinChunkSize
	}
	if size > parCap {
		size = parCap
	}

	// Step 5: throughput feedback.
	if c.cfg.Strategy == StrategyFullyAdaptive || c.cfg.Strategy == StrategyAdaptiveByThroughput {
		size = c.applyThroughputFeedback(size)
	}

	return c.clamp(size)
}

// sizeBase implements step 1's size-band lookup.
func sizeBase(fileSize int64) int {
	switch {
	case fileSize <= smallFileThreshold:
		return int(fileSize) // single chunk
	case fileSize <= mediumFileThreshold:
		return mediumBaseChunk
	case fileSize <= largeFileThreshold:
		return largeBaseChunk
	case fileSize <= hugeFileThreshold:
		return hugeBaseChunk
	default:
		return DefaultMaxChunkSize
	}
}

// applyThroughputFeedback implements step 5: scale by t_target/t_obs,
// clamped to no more than x2 growth or x0.5 shrink per adjustment.
func (c *Controller) applyThroughputFeedback(size int) int {
	avg := c.metrics.AverageChunkTime()
	if avg <= 0 {
		return size
	}
	scale := float64(targetChunkTime) / float64(avg)
	if scale > 2.0 {
		scale = 2.0
	} else if scale < 0.5 {
		scale = 0.5
	}
	return int(float64(size) * scale)
}

// clamp implements step 6.
func (c *Controller) clamp(size int) int {
	if size < c.cfg.MinChunkSize {
		return c.cfg.MinChunkSize
	}
	if size > c.cfg.MaxChunkSize {
		return c.cfg.MaxChunkSize
	}
	return size
}
