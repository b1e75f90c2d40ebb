// Package parallelism implements a dynamic permit controller that scales
// the number of concurrent pipeline operations between a configured
// floor and ceiling, using feedback from observed throughput, error
// rate, and system resource utilization. Grounded on
// original_source/skylock-backup/src/parallelism.rs.
package parallelism

import (
	"context"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/montanaflynn/stats"
	"github.com/uplo-tech/errors"
)

const (
	// MinParallelism is the lowest permitted permit ceiling.
	MinParallelism = 4
	// MaxParallelism is the highest permitted permit ceiling.
	MaxParallelism = 32
	// DefaultParallelism is the starting ceiling absent other guidance.
	DefaultParallelism = 8

	// throughputHistoryWindow bounds how many adjustment windows feed
	// the smoothed throughput-trend signal.
	throughputHistoryWindow = 5
)

// Config parameterizes the controller.
type Config struct {
	Min                       int
	Max                       int
	Initial                   int
	AdjustmentInterval        time.Duration
	TargetCPUUtilization      float64
	TargetBandwidthUtilization float64
	KnownBandwidthLimit       uint64 // 0 means unknown
	MemoryPressureThreshold   float64
}

// DefaultConfig returns the default parallelism band and targets.
func DefaultConfig() Config {
	return Config{
		Min:                        MinParallelism,
		Max:                        MaxParallelism,
		Initial:                    DefaultParallelism,
		AdjustmentInterval:         10 * time.Second,
		TargetCPUUtilization:       0.70,
		TargetBandwidthUtilization: 0.85,
		MemoryPressureThreshold:    0.85,
	}
}

// AutoDetectConfig scales Max/Initial from detected core count and RAM
// tier, per spec.md §4.6's auto-detect construction.
func AutoDetectConfig() Config {
	cfg := DefaultConfig()
	cores := runtime.NumCPU()
	sys := collectSystemMetrics()

	maxByCores := cores * 4
	if maxByCores > MaxParallelism {
		maxByCores = MaxParallelism
	}
	var maxByMemory int
	switch {
	case sys.AvailableMemoryBytes >= 8*1024*1024*1024:
		maxByMemory = 32
	case sys.AvailableMemoryBytes >= 4*1024*1024*1024:
		maxByMemory = 24
	case sys.AvailableMemoryBytes >= 2*1024*1024*1024:
		maxByMemory = 16
	default:
		maxByMemory = 8
	}

	max := maxByCores
	if maxByMemory < max {
		max = maxByMemory
	}
	initial := max / 2
	if initial < MinParallelism {
		initial = MinParallelism
	}

	cfg.Max = max
	cfg.Initial = initial
	return cfg
}

// SystemMetrics is a point-in-time snapshot of resource utilization.
type SystemMetrics struct {
	CPUUtilization       float64
	MemoryUtilization    float64
	AvailableMemoryBytes uint64
	CPUCores             int
}

var (
	cpuSampleMu   sync.Mutex
	prevCPUIdle   uint64
	prevCPUTotal  uint64
)

// collectSystemMetrics reads /proc/stat and /proc/meminfo on Linux,
// falling back to neutral defaults elsewhere. No wired library in the
// retrieved pack exposes cross-platform CPU/memory utilization (see
// DESIGN.md), so this mirrors the original Rust implementation's
// direct /proc reads rather than introducing an unwired dependency.
func collectSystemMetrics() SystemMetrics {
	cores := runtime.NumCPU()
	cpuUtil := readCPUUtilization()
	memUtil, available := readMemoryInfo()
	return SystemMetrics{
		CPUUtilization:       cpuUtil,
		MemoryUtilization:    memUtil,
		AvailableMemoryBytes: available,
		CPUCores:             cores,
	}
}

func readCPUUtilization() float64 {
	data, err := os.ReadFile("/proc/stat")
	if err != nil {
		return 0.5
	}
	lines := strings.SplitN(string(data), "\n", 2)
	if len(lines) == 0 || !strings.HasPrefix(lines[0], "cpu ") {
		return 0.5
	}
	fields := strings.Fields(lines[0])[1:]
	var values []uint64
	for _, f := range fields {
		v, err := strconv.ParseUint(f, 10, 64)
		if err != nil {
			continue
		}
		values = append(values, v)
	}
	if len(values) < 4 {
		return 0.5
	}
	idle := values[3]
	if len(values) > 4 {
		idle += values[4]
	}
	var total uint64
	limit := len(values)
	if limit > 7 {
		limit = 7
	}
	for _, v := range values[:limit] {
		total += v
	}

	cpuSampleMu.Lock()
	prevIdle, prevTotal := prevCPUIdle, prevCPUTotal
	prevCPUIdle, prevCPUTotal = idle, total
	cpuSampleMu.Unlock()

	if prevTotal == 0 {
		return 0.5
	}
	idleDelta := saturatingSub(idle, prevIdle)
	totalDelta := saturatingSub(total, prevTotal)
	if totalDelta == 0 {
		return 0.5
	}
	return 1 - float64(idleDelta)/float64(totalDelta)
}

func saturatingSub(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}

func readMemoryInfo() (utilization float64, availableBytes uint64) {
	data, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return 0.5, 4 * 1024 * 1024 * 1024
	}
	var totalKB, availableKB uint64
	for _, line := range strings.Split(string(data), "\n") {
		switch {
		case strings.HasPrefix(line, "MemTotal:"):
			totalKB = parseMeminfoValue(line)
		case strings.HasPrefix(line, "MemAvailable:"):
			availableKB = parseMeminfoValue(line)
		}
	}
	if totalKB == 0 {
		return 0.5, 4 * 1024 * 1024 * 1024
	}
	return 1 - float64(availableKB)/float64(totalKB), availableKB * 1024
}

func parseMeminfoValue(line string) uint64 {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0
	}
	v, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return 0
	}
	return v
}

// Metrics accumulates one adjustment window's throughput signal.
type Metrics struct {
	mu              sync.Mutex
	bytesUploaded   uint64
	uploadsComplete uint64
	uploadErrors    uint64
	totalLatencyMs  uint64
}

// RecordUpload records one successful transfer.
func (m *Metrics) RecordUpload(bytes uint64, latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bytesUploaded += bytes
	m.uploadsComplete++
	m.totalLatencyMs += uint64(latency.Milliseconds())
}

// RecordError records one failed transfer.
func (m *Metrics) RecordError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploadErrors++
}

// BytesPerSecond computes throughput over elapsedSecs.
func (m *Metrics) BytesPerSecond(elapsedSecs float64) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if elapsedSecs <= 0 {
		return 0
	}
	return float64(m.bytesUploaded) / elapsedSecs
}

// AverageLatencyMs returns the mean latency of completed uploads.
func (m *Metrics) AverageLatencyMs() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.uploadsComplete == 0 {
		return 0
	}
	return float64(m.totalLatencyMs) / float64(m.uploadsComplete)
}

// ErrorRate returns errors / (successes + errors).
func (m *Metrics) ErrorRate() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := m.uploadsComplete + m.uploadErrors
	if total == 0 {
		return 0
	}
	return float64(m.uploadErrors) / float64(total)
}

// Reset clears the window's counters.
func (m *Metrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bytesUploaded, m.uploadsComplete, m.uploadErrors, m.totalLatencyMs = 0, 0, 0, 0
}

// Permit is a scoped grant of one concurrency slot.
type Permit struct {
	c        *Controller
	released bool
}

// Release returns the permit's slot to the controller. Safe to call more
// than once.
func (p *Permit) Release() {
	if p.released {
		return
	}
	p.released = true
	p.c.release()
}

// Controller maintains a dynamic upper bound on in-flight operations,
// exposed as a resizable semaphore: shrinking the bound never revokes
// permits already held, only blocks new acquisitions until enough are
// released.
type Controller struct {
	mu     sync.Mutex
	cond   *sync.Cond
	limit  int
	active int

	config   Config
	metrics  *Metrics
	sampler  func() SystemMetrics

	windowStart       time.Time
	prevThroughput    float64
	throughputHistory []float64
}

// New creates a controller with the given configuration.
func New(cfg Config) *Controller {
	initial := cfg.Initial
	if initial < cfg.Min {
		initial = cfg.Min
	}
	if initial > cfg.Max {
		initial = cfg.Max
	}
	c := &Controller{
		limit:       initial,
		config:      cfg,
		metrics:     &Metrics{},
		sampler:     collectSystemMetrics,
		windowStart: time.Now(),
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// AutoDetect creates a controller sized from detected system resources.
func AutoDetect() *Controller {
	return New(AutoDetectConfig())
}

// CurrentParallelism returns the controller's current permit ceiling.
func (c *Controller) CurrentParallelism() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.limit
}

// Metrics returns the controller's throughput metrics collector.
func (c *Controller) Metrics() *Metrics {
	return c.metrics
}

// Acquire blocks until a permit is available or ctx is done.
func (c *Controller) Acquire(ctx context.Context) (*Permit, error) {
	done := make(chan struct{})
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			c.mu.Lock()
			c.cond.Broadcast()
			c.mu.Unlock()
		case <-stop:
		}
		close(done)
	}()

	c.mu.Lock()
	defer c.mu.Unlock()
	for c.active >= c.limit {
		if ctx.Err() != nil {
			return nil, errors.AddContext(ctx.Err(), "acquire canceled")
		}
		c.cond.Wait()
	}
	if ctx.Err() != nil {
		return nil, errors.AddContext(ctx.Err(), "acquire canceled")
	}
	c.active++
	return &Permit{c: c}, nil
}

func (c *Controller) release() {
	c.mu.Lock()
	c.active--
	c.cond.Broadcast()
	c.mu.Unlock()
}

// MaybeAdjust re-evaluates the permit ceiling if AdjustmentInterval has
// elapsed since the last window.
func (c *Controller) MaybeAdjust() {
	c.mu.Lock()
	elapsed := time.Since(c.windowStart)
	interval := c.config.AdjustmentInterval
	c.mu.Unlock()
	if elapsed < interval {
		return
	}
	c.adjust(elapsed)
}

// ForceAdjust re-evaluates the permit ceiling immediately.
func (c *Controller) ForceAdjust() {
	c.mu.Lock()
	elapsed := time.Since(c.windowStart)
	c.mu.Unlock()
	c.adjust(elapsed)
}

func (c *Controller) adjust(elapsed time.Duration) {
	c.mu.Lock()
	current := c.limit
	cfg := c.config
	c.mu.Unlock()

	sys := c.sampler()
	throughput := c.metrics.BytesPerSecond(elapsed.Seconds())
	errorRate := c.metrics.ErrorRate()

	c.mu.Lock()
	prevThroughput := c.smoothedPrevThroughput()
	c.mu.Unlock()

	newLimit := calculateNewParallelism(current, throughput, prevThroughput, errorRate, sys, cfg)

	c.mu.Lock()
	c.throughputHistory = append(c.throughputHistory, throughput)
	if len(c.throughputHistory) > throughputHistoryWindow {
		c.throughputHistory = c.throughputHistory[len(c.throughputHistory)-throughputHistoryWindow:]
	}
	if newLimit != current {
		c.limit = newLimit
		c.cond.Broadcast()
	}
	c.windowStart = time.Now()
	c.mu.Unlock()

	c.metrics.Reset()
}

// smoothedPrevThroughput averages recent windows (via montanaflynn/stats)
// rather than comparing against a single noisy sample, so the
// throughput-trend factor doesn't step-change P on one bad window.
// Caller must hold c.mu.
func (c *Controller) smoothedPrevThroughput() float64 {
	if len(c.throughputHistory) == 0 {
		return 0
	}
	mean, err := stats.Mean(stats.Float64Data(c.throughputHistory))
	if err != nil {
		return 0
	}
	return mean
}

// calculateNewParallelism applies the multiplicative-update table from
// spec.md §4.6, clamping to [min, max] and capping the per-step change
// to half the current value, or to 2 when half is smaller; below a
// current value of 4 one step can therefore change it by more than 50%.
func calculateNewParallelism(current int, throughput, prevThroughput, errorRate float64, sys SystemMetrics, cfg Config) int {
	value := float64(current)

	switch {
	case errorRate > 0.05:
		value *= 0.7
	case errorRate > 0.01:
		value *= 0.9
	}

	if sys.MemoryUtilization > cfg.MemoryPressureThreshold {
		value *= 0.8
	}

	switch {
	case sys.CPUUtilization < cfg.TargetCPUUtilization*0.5:
		value *= 1.2
	case sys.CPUUtilization > cfg.TargetCPUUtilization*1.2:
		value *= 0.85
	}

	if cfg.KnownBandwidthLimit > 0 {
		utilization := throughput / float64(cfg.KnownBandwidthLimit)
		switch {
		case utilization < cfg.TargetBandwidthUtilization*0.7:
			value *= 1.15
		case utilization > 0.95:
			value *= 0.95
		}
	}

	if prevThroughput > 0 {
		ratio := throughput / prevThroughput
		switch {
		case ratio > 1.1:
			value *= 1.05
		case ratio < 0.8:
			value *= 0.9
		}
	}

	newLimit := int(value + 0.5)
	if newLimit < cfg.Min {
		newLimit = cfg.Min
	}
	if newLimit > cfg.Max {
		newLimit = cfg.Max
	}

	maxChange := current / 2
	if maxChange < 2 {
		maxChange = 2
	}
	if newLimit > current+maxChange {
		newLimit = current + maxChange
	} else if newLimit < current-maxChange {
		newLimit = current - maxChange
	}
	if newLimit < cfg.Min {
		newLimit = cfg.Min
	}
	return newLimit
}
