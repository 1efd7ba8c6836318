// Package calibration maps raw consensus confidence to an empirically
// observed win probability. The calibrator reads closed-trade outcomes from
// the append-only outcome store and refits incrementally; it never mutates
// live pipeline state.
package calibration

import (
	"math"
	"sort"
	"sync"

	"consensus-trading-bot/internal/models"
)

// Config holds calibrator configuration
type Config struct {
	BucketSize float64 // Confidence bucket width in points (e.g. 5)
	WindowSize int     // Trailing outcomes kept per bucket
	MinSamples int     // Below this a bucket falls back to raw confidence
}

// Result carries a calibrated confidence and whether calibration applied
type Result struct {
	Confidence   float64
	Uncalibrated bool
}

type bucket struct {
	outcomes []bool // Ring buffer of win/loss, newest last
	wins     int
}

func (b *bucket) add(won bool, window int) {
	b.outcomes = append(b.outcomes, won)
	if won {
		b.wins++
	}
	for len(b.outcomes) > window {
		if b.outcomes[0] {
			b.wins--
		}
		b.outcomes = b.outcomes[1:]
	}
}

func (b *bucket) size() int { return len(b.outcomes) }

func (b *bucket) winRate() float64 {
	if len(b.outcomes) == 0 {
		return 0
	}
	return float64(b.wins) / float64(len(b.outcomes))
}

// Calibrator maintains the rolling bucket -> win-rate mapping
type Calibrator struct {
	mu      sync.RWMutex
	cfg     Config
	buckets map[int]*bucket
	fitted  map[int]float64 // Monotone fit, confidence points (0-100)
	epoch   int64
}

// NewCalibrator creates a calibrator
func NewCalibrator(cfg Config) *Calibrator {
	if cfg.BucketSize <= 0 {
		cfg.BucketSize = 5
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 200
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = 20
	}
	return &Calibrator{
		cfg:     cfg,
		buckets: make(map[int]*bucket),
		fitted:  make(map[int]float64),
	}
}

func (c *Calibrator) bucketIndex(raw float64) int {
	return int(math.Floor(raw / c.cfg.BucketSize))
}

// Observe records one closed-trade outcome and refits the curve. Incremental:
// only the touched bucket's window changes and the isotonic sweep runs over
// the handful of buckets, never over raw history.
func (c *Calibrator) Observe(rawConfidence float64, won bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx := c.bucketIndex(rawConfidence)
	b, ok := c.buckets[idx]
	if !ok {
		b = &bucket{}
		c.buckets[idx] = b
	}
	b.add(won, c.cfg.WindowSize)

	c.refit()
	c.epoch++
}

// Seed loads historical outcome records in bulk, oldest first
func (c *Calibrator) Seed(records []models.OutcomeRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, rec := range records {
		idx := c.bucketIndex(rec.RawConfidence)
		b, ok := c.buckets[idx]
		if !ok {
			b = &bucket{}
			c.buckets[idx] = b
		}
		b.add(rec.Won, c.cfg.WindowSize)
	}

	c.refit()
	c.epoch++
}

// refit recomputes the monotone bucket fit with pool-adjacent-violators.
// Only buckets with enough samples participate; the fit is nondecreasing in
// bucket index by construction. Caller holds the lock.
func (c *Calibrator) refit() {
	indices := make([]int, 0, len(c.buckets))
	for idx, b := range c.buckets {
		if b.size() >= c.cfg.MinSamples {
			indices = append(indices, idx)
		}
	}
	sort.Ints(indices)

	c.fitted = make(map[int]float64, len(indices))
	if len(indices) == 0 {
		return
	}

	type block struct {
		sum     float64
		n       float64
		members []int
	}

	blocks := make([]block, 0, len(indices))
	for _, idx := range indices {
		b := c.buckets[idx]
		blocks = append(blocks, block{
			sum:     float64(b.wins),
			n:       float64(b.size()),
			members: []int{idx},
		})
		// Merge backwards while a violator exists
		for len(blocks) >= 2 {
			last := blocks[len(blocks)-1]
			prev := blocks[len(blocks)-2]
			if prev.sum/prev.n <= last.sum/last.n {
				break
			}
			merged := block{
				sum:     prev.sum + last.sum,
				n:       prev.n + last.n,
				members: append(prev.members, last.members...),
			}
			blocks = blocks[:len(blocks)-2]
			blocks = append(blocks, merged)
		}
	}

	for _, blk := range blocks {
		rate := blk.sum / blk.n
		for _, idx := range blk.members {
			c.fitted[idx] = rate * 100
		}
	}
}

// Calibrate maps a raw confidence to the observed win rate of its bucket.
// When the bucket is thin the raw value passes through unchanged with the
// Uncalibrated flag set, clamped between neighboring fitted buckets so the
// overall mapping stays monotonic within an epoch.
func (c *Calibrator) Calibrate(rawConfidence float64) Result {
	c.mu.RLock()
	defer c.mu.RUnlock()

	idx := c.bucketIndex(rawConfidence)
	if fit, ok := c.fitted[idx]; ok {
		return Result{Confidence: fit}
	}

	out := rawConfidence
	if lower, ok := c.nearestFittedBelow(idx); ok && out < lower {
		out = lower
	}
	if upper, ok := c.nearestFittedAbove(idx); ok && out > upper {
		out = upper
	}
	return Result{Confidence: out, Uncalibrated: true}
}

// Epoch returns the current calibration epoch. Comparisons of calibrated
// values are only meaningful within one epoch.
func (c *Calibrator) Epoch() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.epoch
}

// SampleCount returns the number of outcomes in the bucket covering raw
func (c *Calibrator) SampleCount(raw float64) int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if b, ok := c.buckets[c.bucketIndex(raw)]; ok {
		return b.size()
	}
	return 0
}

func (c *Calibrator) nearestFittedBelow(idx int) (float64, bool) {
	best := math.MinInt32
	for i := range c.fitted {
		if i < idx && i > best {
			best = i
		}
	}
	if best == math.MinInt32 {
		return 0, false
	}
	return c.fitted[best], true
}

func (c *Calibrator) nearestFittedAbove(idx int) (float64, bool) {
	best := math.MaxInt32
	for i := range c.fitted {
		if i > idx && i < best {
			best = i
		}
	}
	if best == math.MaxInt32 {
		return 0, false
	}
	return c.fitted[best], true
}
